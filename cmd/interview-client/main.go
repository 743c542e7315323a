package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-interview/internal/dotenv"
	"github.com/vango-go/vai-interview/internal/logging"
	"github.com/vango-go/vai-interview/pkg/audio"
	"github.com/vango-go/vai-interview/pkg/audio/device"
	"github.com/vango-go/vai-interview/pkg/interview/clientconfig"
	"github.com/vango-go/vai-interview/pkg/interview/orchestrator"
	"github.com/vango-go/vai-interview/pkg/interview/questions"
	"github.com/vango-go/vai-interview/pkg/interview/session"
	"github.com/vango-go/vai-interview/pkg/interview/sheets"
	"github.com/vango-go/vai-interview/pkg/interview/uplink"
	"github.com/vango-go/vai-interview/pkg/realtime/conversation"
	"github.com/vango-go/vai-interview/pkg/realtime/protocol"
	"github.com/vango-go/vai-interview/pkg/realtime/transport"
)

const closeTimeout = 10 * time.Second

type clientDeps struct {
	loadEnv      func(path string) error
	loadConfig   func(*cobra.Command) (clientconfig.Config, error)
	newCapture   func(*slog.Logger) audio.CaptureChannel
	newPlayback  func() audio.PlaybackChannel
	newDial      func(clientconfig.Config, *slog.Logger) session.DialFunc
	stdin        io.Reader
	stdout       io.Writer
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultClientDeps() clientDeps {
	return clientDeps{
		loadEnv:    dotenv.LoadFile,
		loadConfig: clientconfig.Load,
		newCapture: func(logger *slog.Logger) audio.CaptureChannel {
			return audio.NewRecorder(device.NewMicrophone(audio.SampleRate), audio.WithRecorderLogger(logger))
		},
		newPlayback: func() audio.PlaybackChannel {
			return audio.NewStreamPlayer(device.NewSpeaker(audio.SampleRate))
		},
		newDial: relayDialer,
		stdin:   os.Stdin,
		stdout:  os.Stdout,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func relayDialer(cfg clientconfig.Config, logger *slog.Logger) session.DialFunc {
	return func(ctx context.Context) (session.Transport, error) {
		conn, err := transport.Dial(ctx, transport.Options{
			URL:    cfg.RelayURL,
			Model:  cfg.Model,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func newRootCmd(stderr io.Writer, deps clientDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "interview-client",
		Short:         "Practice a voice mock interview against the realtime relay",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := deps.loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.Setup(stderr, cfg.LogLevel)
			return runClient(cmd.Context(), cfg, logger, deps)
		},
	}
	clientconfig.RegisterFlags(cmd)
	return cmd
}

func runClient(ctx context.Context, cfg clientconfig.Config, logger *slog.Logger, deps clientDeps) error {
	if deps.newCapture == nil || deps.newPlayback == nil || deps.newDial == nil {
		return errors.New("missing audio or transport dependency")
	}
	if deps.stdin == nil || deps.stdout == nil {
		return errors.New("missing terminal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if deps.signalNotify != nil && deps.signalStop != nil {
		sigCh := make(chan os.Signal, 1)
		deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer deps.signalStop(sigCh)
		go func() {
			select {
			case sig := <-sigCh:
				logger.Info("shutdown signal received", "signal", sig.String())
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	out := &lockedWriter{w: deps.stdout}
	recorder := newTranscriptRecorder()
	printer := newTurnPrinter(out)

	var orch *orchestrator.Orchestrator
	sess := session.New(session.Dependencies{
		Capture:  deps.newCapture(logger),
		Playback: deps.newPlayback(),
		Dial:     deps.newDial(cfg, logger),
		Logger:   logger,
		Hooks: session.Hooks{
			OnUserTurnCompleted: func(string) { orch.HandleUserTurn(ctx) },
			OnUpdated: func(item conversation.Item, _ *conversation.Delta) {
				recorder.Record(item)
				printer.Print(item)
			},
			OnError: func(err error) { logger.Warn("session error", "error", err) },
		},
	})
	if err := sess.Configure(cfg.SessionConfig()); err != nil {
		return fmt.Errorf("configure session: %w", err)
	}

	up := uplink.New(sess, uplink.WithCooldown(cfg.UplinkCooldown), uplink.WithLogger(logger))
	tasks := make(map[questions.Type][]orchestrator.Task)
	if cfg.SheetURL != "" {
		poller, err := sheets.New(sheets.Config{
			Endpoint: cfg.SheetURL,
			Schedule: cfg.SheetSchedule,
			Timeout:  cfg.SheetTimeout,
			Logger:   logger,
		}, func(ctx context.Context, rows []sheets.Row) {
			orch.OfferRows(ctx, rows)
		})
		if err != nil {
			return fmt.Errorf("spreadsheet poller: %w", err)
		}
		tasks[questions.Financial] = []orchestrator.Task{poller}
	}

	orch = orchestrator.New(orchestrator.Config{
		Session:    sess,
		Uplink:     up,
		Tasks:      tasks,
		CodeSource: codeSource(cfg.CodeFile),
		Logger:     logger,
		OnNavigate: func(v orchestrator.View) {
			if v == orchestrator.ViewMenu {
				fmt.Fprintln(out, "-- back at the menu")
				return
			}
			fmt.Fprintf(out, "-- %s question started\n", v)
		},
		OnTopic: func(i int, topic questions.Topic) {
			fmt.Fprintf(out, "-- topic %d: %s\n", i+1, topic.Text)
		},
	})

	if cfg.Question != "" {
		if err := orch.SelectQuestion(ctx, questions.Type(cfg.Question)); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}

	r := &repl{orch: orch, sess: sess, out: out}
	runErr := r.Run(ctx, deps.stdin)

	// Disconnect clears session state; read it first.
	memory := sess.Memory()
	events := sess.Events()

	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer closeCancel()
	if err := orch.Close(closeCtx); err != nil {
		logger.Warn("close session failed", "error", err)
	}

	if cfg.TranscriptOut != "" {
		err := writeTranscript(cfg.TranscriptOut, transcript{
			SavedAt: time.Now().UTC(),
			Items:   recorder.Items(),
			Memory:  memory,
			Events:  events,
		})
		if err != nil {
			return errors.Join(runErr, err)
		}
		logger.Info("transcript saved", "path", cfg.TranscriptOut)
	}
	return runErr
}

func codeSource(path string) func() (string, error) {
	if path == "" {
		return nil
	}
	return func() (string, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// turnPrinter writes each finished turn once.
type turnPrinter struct {
	out     io.Writer
	mu      sync.Mutex
	printed map[string]bool
}

func newTurnPrinter(out io.Writer) *turnPrinter {
	return &turnPrinter{out: out, printed: make(map[string]bool)}
}

func (p *turnPrinter) Print(item conversation.Item) {
	if item.Status != protocol.StatusCompleted && item.Status != protocol.StatusIncomplete {
		return
	}
	text := item.Formatted.Transcript
	if text == "" {
		text = item.Formatted.Text
	}
	if text == "" {
		return
	}
	var speaker string
	switch item.Role {
	case protocol.RoleAssistant:
		speaker = "interviewer"
	case protocol.RoleUser:
		speaker = "you"
	default:
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.printed[item.ID] {
		return
	}
	p.printed[item.ID] = true
	fmt.Fprintf(p.out, "%s: %s\n", speaker, text)
}

// lockedWriter serializes writes from the REPL and session hooks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps clientDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if deps.loadEnv != nil {
		if err := deps.loadEnv(".env"); err != nil {
			fmt.Fprintf(stderr, "interview-client: %v\n", err)
			return 1
		}
	}
	if args == nil {
		args = []string{}
	}
	cmd := newRootCmd(stderr, deps)
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "interview-client: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultClientDeps()))
}
