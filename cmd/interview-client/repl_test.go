package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-interview/pkg/interview/orchestrator"
	"github.com/vango-go/vai-interview/pkg/interview/questions"
	"github.com/vango-go/vai-interview/pkg/interview/session"
)

type fakeController struct {
	selected []questions.Type
	backs    int
	snap     orchestrator.Snapshot
	err      error
}

func (f *fakeController) SelectQuestion(_ context.Context, t questions.Type) error {
	f.selected = append(f.selected, t)
	return f.err
}

func (f *fakeController) GoBack(context.Context) error {
	f.backs++
	return nil
}

func (f *fakeController) Snapshot() orchestrator.Snapshot { return f.snap }

type fakeConversation struct {
	said   []string
	memory map[string]string
}

func (f *fakeConversation) SendText(_ context.Context, text string) error {
	f.said = append(f.said, text)
	return nil
}

func (f *fakeConversation) Status() session.Status { return session.StatusConnected }

func (f *fakeConversation) Memory() map[string]string { return f.memory }

func runREPL(t *testing.T, orch controller, sess conversationView, input string) string {
	t.Helper()
	var out bytes.Buffer
	r := &repl{orch: orch, sess: sess, out: &out}
	require.NoError(t, r.Run(context.Background(), strings.NewReader(input)))
	return out.String()
}

func TestREPL_Commands(t *testing.T) {
	orch := &fakeController{}
	sess := &fakeConversation{memory: map[string]string{"strength": "clear", "concern": "pace"}}

	out := runREPL(t, orch, sess, strings.Join([]string{
		"select FINANCIAL",
		`say "I would start with revenue"`,
		"say  walk through   it",
		"memory",
		"back",
		"",
	}, "\n"))

	assert.Equal(t, []questions.Type{questions.Financial}, orch.selected)
	assert.Equal(t, []string{"I would start with revenue", "walk through it"}, sess.said)
	assert.Equal(t, 1, orch.backs)
	assert.Contains(t, out, "concern = pace\nstrength = clear\n")
}

func TestREPL_ErrorsDoNotStopTheLoop(t *testing.T) {
	orch := &fakeController{err: errors.New("session busy")}
	sess := &fakeConversation{}

	out := runREPL(t, orch, sess, "select lbo\nselect\nsay\ndance\nsay still here\n")
	assert.Contains(t, out, "error: session busy")
	assert.Contains(t, out, "usage: select <coding|financial|lbo>")
	assert.Contains(t, out, "usage: say <text>")
	assert.Contains(t, out, `unknown command "dance"`)
	assert.Equal(t, []string{"still here"}, sess.said)
}

func TestREPL_QuitStopsReading(t *testing.T) {
	sess := &fakeConversation{}
	runREPL(t, &fakeController{}, sess, "quit\nsay too late\n")
	assert.Empty(t, sess.said)
}

func TestREPL_Status(t *testing.T) {
	sess := &fakeConversation{}
	out := runREPL(t, &fakeController{snap: orchestrator.Snapshot{View: orchestrator.ViewMenu}}, sess, "status\n")
	assert.Contains(t, out, "menu (session connected)")

	topic := questions.Topic{ID: "cost_analysis", Text: "Cost analysis"}
	orch := &fakeController{snap: orchestrator.Snapshot{
		View:       orchestrator.View(questions.Financial),
		Title:      "Financial modeling",
		TopicIndex: 1,
		Topic:      &topic,
		Remaining:  150 * time.Second,
	}}
	out = runREPL(t, orch, sess, "status\n")
	assert.Contains(t, out, "Financial modeling: 2m30s left")
	assert.Contains(t, out, "topic 2: Cost analysis")
}

func TestREPL_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &repl{orch: &fakeController{}, sess: &fakeConversation{}, out: &bytes.Buffer{}}
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	assert.NoError(t, r.Run(ctx, pr))
}
