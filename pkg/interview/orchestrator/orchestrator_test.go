package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-interview/pkg/interview/questions"
	"github.com/vango-go/vai-interview/pkg/interview/session"
	"github.com/vango-go/vai-interview/pkg/interview/uplink"
)

type fakeSession struct {
	mu          sync.Mutex
	status      session.Status
	connectErr  error
	openings    []string
	disconnects int
}

func (f *fakeSession) Connect(_ context.Context, opening string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openings = append(f.openings, opening)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.status = session.StatusConnected
	return nil
}

func (f *fakeSession) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.status = session.StatusIdle
	return nil
}

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == "" {
		return session.StatusIdle
	}
	return f.status
}

func (f *fakeSession) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// manualTicker only fires when the test sends on ch.
type manualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (m *manualTicker) Chan() <-chan time.Time { return m.ch }

func (m *manualTicker) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *manualTicker) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type fakeTask struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (f *fakeTask) Start(context.Context) {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
}

func (f *fakeTask) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeTask) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) SendText(_ context.Context, text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, text)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	orch     *Orchestrator
	sess     *fakeSession
	poller   *fakeTask
	tickers  []*manualTicker
	views    []View
	sender   *recordingSender
	tickerMu sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{sess: &fakeSession{}, poller: &fakeTask{}, sender: &recordingSender{}}
	f.orch = New(Config{
		Session: f.sess,
		Uplink:  uplink.New(f.sender),
		Tasks:   map[questions.Type][]Task{questions.Financial: {f.poller}},
		NewTicker: func(time.Duration) Ticker {
			mt := &manualTicker{ch: make(chan time.Time)}
			f.tickerMu.Lock()
			f.tickers = append(f.tickers, mt)
			f.tickerMu.Unlock()
			return mt
		},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnNavigate: func(v View) { f.views = append(f.views, v) },
	})
	return f
}

func (f *fixture) lastTicker() *manualTicker {
	f.tickerMu.Lock()
	defer f.tickerMu.Unlock()
	return f.tickers[len(f.tickers)-1]
}

func tickN(o *Orchestrator, n int) {
	for i := 0; i < n; i++ {
		o.Tick(context.Background())
	}
}

func TestFinancialTimeoutAdvancesTopicWithoutDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.SelectQuestion(ctx, questions.Financial))

	snap := f.orch.Snapshot()
	assert.Equal(t, View(questions.Financial), snap.View)
	assert.Equal(t, 0, snap.TopicIndex)
	assert.Equal(t, 200*time.Second, snap.Remaining)

	tickN(f.orch, 200)

	snap = f.orch.Snapshot()
	assert.Equal(t, View(questions.Financial), snap.View)
	assert.Equal(t, 1, snap.TopicIndex)
	require.NotNil(t, snap.Topic)
	assert.Equal(t, "cost_analysis", snap.Topic.ID)
	assert.Equal(t, 200*time.Second, snap.Remaining)
	assert.Zero(t, f.sess.disconnectCount())
	assert.Equal(t, session.StatusConnected, f.sess.Status())
}

func TestFinancialTopicsWrap(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.SelectQuestion(context.Background(), questions.Financial))

	tickN(f.orch, 3*200)
	assert.Equal(t, 0, f.orch.Snapshot().TopicIndex)
	assert.Zero(t, f.sess.disconnectCount())
}

func TestGenericTimeoutDisconnectsOnceAndReturnsToMenu(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.SelectQuestion(context.Background(), questions.Coding))

	tickN(f.orch, 199)
	assert.Equal(t, View(questions.Coding), f.orch.Snapshot().View)
	assert.Equal(t, time.Second, f.orch.Snapshot().Remaining)

	tickN(f.orch, 1)
	assert.Equal(t, ViewMenu, f.orch.Snapshot().View)
	assert.Equal(t, 1, f.sess.disconnectCount())
	assert.True(t, f.lastTicker().isStopped())

	tickN(f.orch, 5)
	assert.Equal(t, 1, f.sess.disconnectCount())
	assert.Equal(t, []View{View(questions.Coding), ViewMenu}, f.views)
}

func TestTickerDrivesCountdown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.SelectQuestion(context.Background(), questions.LBO))

	f.lastTicker().ch <- time.Now()
	f.lastTicker().ch <- time.Now()
	require.Eventually(t, func() bool {
		return f.orch.Snapshot().Remaining == 198*time.Second
	}, time.Second, 5*time.Millisecond)
}

func TestSelectQuestionOnlyFromMenu(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.SelectQuestion(ctx, questions.Coding))
	assert.ErrorIs(t, f.orch.SelectQuestion(ctx, questions.LBO), ErrNotAtMenu)

	_, err := questions.Lookup("riddle")
	require.Error(t, err)
	assert.ErrorIs(t, f.orch.SelectQuestion(ctx, "riddle"), questions.ErrUnknownType)
}

func TestSelectQuestionSendsOpeningMessage(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.SelectQuestion(context.Background(), questions.Coding))
	q, _ := questions.Lookup(questions.Coding)
	assert.Equal(t, []string{q.OpeningMessage()}, f.sess.openings)
}

func TestSelectQuestionDisconnectsActiveSessionFirst(t *testing.T) {
	f := newFixture(t)
	f.sess.status = session.StatusConnected
	require.NoError(t, f.orch.SelectQuestion(context.Background(), questions.LBO))
	assert.Equal(t, 1, f.sess.disconnectCount())
}

func TestConnectFailureReturnsToMenu(t *testing.T) {
	f := newFixture(t)
	f.sess.connectErr = errors.New("relay down")

	err := f.orch.SelectQuestion(context.Background(), questions.Financial)
	require.EqualError(t, err, "relay down")
	assert.Equal(t, ViewMenu, f.orch.Snapshot().View)
	starts, stops := f.poller.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.True(t, f.lastTicker().isStopped())

	f.sess.connectErr = nil
	require.NoError(t, f.orch.SelectQuestion(context.Background(), questions.Financial))
}

func TestGoBackStopsTasksAndDisconnects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.SelectQuestion(ctx, questions.Financial))
	starts, stops := f.poller.counts()
	assert.Equal(t, 1, starts)
	assert.Zero(t, stops)

	require.NoError(t, f.orch.GoBack(ctx))
	assert.Equal(t, ViewMenu, f.orch.Snapshot().View)
	_, stops = f.poller.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, f.sess.disconnectCount())

	require.NoError(t, f.orch.GoBack(ctx))
	assert.Equal(t, 1, f.sess.disconnectCount())
}

func TestCloseDisconnectsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.SelectQuestion(ctx, questions.Financial))

	require.NoError(t, f.orch.Close(ctx))
	require.NoError(t, f.orch.Close(ctx))

	assert.Equal(t, 1, f.sess.disconnectCount())
	_, stops := f.poller.counts()
	assert.Equal(t, 1, stops)
	assert.True(t, f.lastTicker().isStopped())
	assert.ErrorIs(t, f.orch.SelectQuestion(ctx, questions.LBO), ErrClosed)
	assert.ErrorIs(t, f.orch.GoBack(ctx), ErrClosed)

	tickN(f.orch, 300)
	assert.Equal(t, 1, f.sess.disconnectCount())
}

func TestHandleUserTurnForwardsCode(t *testing.T) {
	f := newFixture(t)
	code := "def two_sum(nums, target):\n    pass"
	f.orch.codeSource = func() (string, error) { return code, nil }
	ctx := context.Background()

	f.orch.HandleUserTurn(ctx)
	assert.Empty(t, f.sender.sent)

	require.NoError(t, f.orch.SelectQuestion(ctx, questions.Coding))
	f.orch.HandleUserTurn(ctx)
	f.orch.HandleUserTurn(ctx)
	assert.Equal(t, []string{code}, f.sender.sent)
}

func TestHandleUserTurnSkipsUnchangedTemplate(t *testing.T) {
	f := newFixture(t)
	q, _ := questions.Lookup(questions.Coding)
	f.orch.codeSource = func() (string, error) { return q.CodeTemplate, nil }

	require.NoError(t, f.orch.SelectQuestion(context.Background(), questions.Coding))
	f.orch.HandleUserTurn(context.Background())
	assert.Empty(t, f.sender.sent)
}

func TestOfferRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.orch.OfferRows(ctx, [][2]any{{"A1", 1.0}})
	assert.Empty(t, f.sender.sent)

	require.NoError(t, f.orch.SelectQuestion(ctx, questions.Financial))
	f.orch.OfferRows(ctx, nil)
	f.orch.OfferRows(ctx, [][2]any{{"A1", 1.0}})
	assert.Equal(t, []string{`[["A1",1]]`}, f.sender.sent)
}

func TestCloseDuringConnectLeavesSessionIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.orch.onNavigate = func(v View) {
		if v != ViewMenu {
			require.NoError(t, f.orch.Close(ctx))
		}
	}

	err := f.orch.SelectQuestion(ctx, questions.LBO)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, ViewMenu, f.orch.Snapshot().View)
	assert.Equal(t, session.StatusIdle, f.sess.Status())
	assert.Equal(t, 2, f.sess.disconnectCount())
	assert.True(t, f.lastTicker().isStopped())
}

func TestGoBackDuringConnectLeavesSessionIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.orch.onNavigate = func(v View) {
		if v != ViewMenu {
			require.NoError(t, f.orch.GoBack(ctx))
		}
	}

	err := f.orch.SelectQuestion(ctx, questions.Financial)
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, ViewMenu, f.orch.Snapshot().View)
	assert.Equal(t, session.StatusIdle, f.sess.Status())
	_, stops := f.poller.counts()
	assert.Equal(t, 1, stops)

	f.orch.onNavigate = nil
	require.NoError(t, f.orch.SelectQuestion(ctx, questions.Financial))
	assert.Equal(t, session.StatusConnected, f.sess.Status())
}
