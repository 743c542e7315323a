package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/google/shlex"

	"github.com/vango-go/vai-interview/pkg/interview/orchestrator"
	"github.com/vango-go/vai-interview/pkg/interview/questions"
	"github.com/vango-go/vai-interview/pkg/interview/session"
)

type controller interface {
	SelectQuestion(ctx context.Context, t questions.Type) error
	GoBack(ctx context.Context) error
	Snapshot() orchestrator.Snapshot
}

type conversationView interface {
	SendText(ctx context.Context, text string) error
	Status() session.Status
	Memory() map[string]string
}

const helpText = `commands:
  select <lbo|coding|financial>  open a question and start the interview
  back                           leave the question and disconnect
  say <text>                     send a typed message to the interviewer
  status                         show the current question and time left
  memory                         show what the interviewer has noted
  quit                           end the session`

var errQuit = errors.New("quit")

// repl reads candidate commands line by line. Command failures are printed
// and never end the loop.
type repl struct {
	orch controller
	sess conversationView
	out  io.Writer
}

func (r *repl) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	fmt.Fprintln(r.out, "type 'help' for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := r.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
		}
	}
}

func (r *repl) exec(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil
	}

	switch cmd := strings.ToLower(args[0]); cmd {
	case "help", "?":
		fmt.Fprintln(r.out, helpText)
	case "select":
		if len(args) != 2 {
			return fmt.Errorf("usage: select <%s>", strings.Join(typeNames(), "|"))
		}
		t := questions.Type(strings.ToLower(args[1]))
		if err := r.orch.SelectQuestion(ctx, t); err != nil {
			return err
		}
	case "back":
		return r.orch.GoBack(ctx)
	case "say":
		text := strings.TrimSpace(strings.Join(args[1:], " "))
		if text == "" {
			return errors.New("usage: say <text>")
		}
		return r.sess.SendText(ctx, text)
	case "status":
		r.printStatus()
	case "memory":
		r.printMemory()
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
	return nil
}

func (r *repl) printStatus() {
	snap := r.orch.Snapshot()
	if snap.View == orchestrator.ViewMenu {
		fmt.Fprintf(r.out, "menu (session %s)\n", r.sess.Status())
		return
	}
	fmt.Fprintf(r.out, "%s: %s left (session %s)\n", snap.Title, snap.Remaining, r.sess.Status())
	if snap.Topic != nil {
		fmt.Fprintf(r.out, "topic %d: %s\n", snap.TopicIndex+1, snap.Topic.Text)
	}
}

func (r *repl) printMemory() {
	mem := r.sess.Memory()
	if len(mem) == 0 {
		fmt.Fprintln(r.out, "memory is empty")
		return
	}
	keys := make([]string, 0, len(mem))
	for k := range mem {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(r.out, "%s = %s\n", k, mem[k])
	}
}

func typeNames() []string {
	types := questions.Types()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
