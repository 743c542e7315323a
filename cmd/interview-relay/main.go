package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-interview/internal/dotenv"
	"github.com/vango-go/vai-interview/internal/logging"
	"github.com/vango-go/vai-interview/pkg/relay/config"
	relayserver "github.com/vango-go/vai-interview/pkg/relay/server"
)

type relayDeps struct {
	loadEnv      func(path string) error
	loadConfig   func(*cobra.Command) (config.Config, error)
	newServer    func(config.Config, *slog.Logger) *relayserver.Server
	listen       func(network, addr string) (net.Listener, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadEnv:    dotenv.OverloadFile,
		loadConfig: config.Load,
		newServer:  relayserver.New,
		listen:     net.Listen,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newRootCmd(stderr io.Writer, deps relayDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "interview-relay",
		Short:         "Relay realtime interview sessions to the voice provider",
		Long:          `interview-relay accepts websocket connections from interview clients and relays realtime events to the provider, holding the provider API key server side.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := deps.loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.Setup(stderr, cfg.LogLevel)
			return runRelay(cmd.Context(), cfg, logger, deps)
		},
	}
	config.RegisterFlags(cmd)
	return cmd
}

func runRelay(ctx context.Context, cfg config.Config, logger *slog.Logger, deps relayDeps) error {
	if deps.newServer == nil || deps.listen == nil {
		return errors.New("missing server dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	srv := deps.newServer(cfg, logger)
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	ln, err := deps.listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("relay listening",
		"addr", ln.Addr().String(),
		"upstream", cfg.UpstreamURL,
		"default_model", cfg.DefaultModel,
	)

	serveErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown requested", "cause", context.Cause(ctx))
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	warned := srv.SetDraining()
	logger.Info("draining relay connections", "connections", srv.Connections(), "warned", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	// Shutdown does not wait for hijacked websocket connections.
	if !srv.WaitConnections(shutdownCtx) {
		logger.Warn("grace period elapsed; closing relay connections", "canceled", srv.CancelConnections())
	}

	if err := <-serveErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if deps.loadEnv != nil {
		if err := deps.loadEnv(".env"); err != nil {
			fmt.Fprintf(stderr, "interview-relay: %v\n", err)
			return 1
		}
	}

	if args == nil {
		// cobra falls back to os.Args for nil args.
		args = []string{}
	}
	cmd := newRootCmd(stderr, deps)
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "interview-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultRelayDeps()))
}
