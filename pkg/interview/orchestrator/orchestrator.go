// Package orchestrator drives an interview: which question is on screen,
// its countdown, the background tasks of each question view, and the
// lifecycle of the voice session behind it.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/vango-go/vai-interview/pkg/interview/questions"
	"github.com/vango-go/vai-interview/pkg/interview/session"
	"github.com/vango-go/vai-interview/pkg/interview/uplink"
)

// View is either ViewMenu or the type of the question being answered.
type View string

const ViewMenu View = "menu"

const DefaultTickInterval = time.Second

var (
	ErrClosed    = goerr.New("orchestrator is closed")
	ErrNotAtMenu = goerr.New("a question is already in progress")
	ErrAbandoned = goerr.New("question was left while connecting")
)

// Session is the part of the voice session the orchestrator drives.
type Session interface {
	Connect(ctx context.Context, openingMessage string) error
	Disconnect(ctx context.Context) error
	Status() session.Status
}

// Task is a background job that runs only while its question view is shown.
type Task interface {
	Start(ctx context.Context)
	Stop()
}

type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) Chan() <-chan time.Time { return t.C }

func NewTimeTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

type Config struct {
	Session Session
	// Uplink receives code and spreadsheet activity. Optional.
	Uplink *uplink.Uplink
	// Tasks run while the matching question view is shown.
	Tasks map[questions.Type][]Task
	// CodeSource reads the candidate's current code at each turn boundary.
	CodeSource   func() (string, error)
	NewTicker    func(time.Duration) Ticker
	TickInterval time.Duration
	Logger       *slog.Logger
	OnNavigate   func(View)
	OnTopic      func(index int, topic questions.Topic)
}

// Snapshot is a point-in-time copy of the orchestrator state.
type Snapshot struct {
	View       View
	Title      string
	TopicIndex int
	Topic      *questions.Topic
	Remaining  time.Duration
}

type Orchestrator struct {
	sess       Session
	uplink     *uplink.Uplink
	tasks      map[questions.Type][]Task
	codeSource func() (string, error)
	newTicker  func(time.Duration) Ticker
	interval   time.Duration
	logger     *slog.Logger
	onNavigate func(View)
	onTopic    func(int, questions.Topic)

	closeOnce sync.Once

	mu        sync.Mutex
	closed    bool
	view      View
	question  questions.Question
	topic     int
	remaining int
	// gen changes every time a question view is entered or left, so stale
	// tickers and connects can tell they no longer apply.
	gen    uint64
	ticker Ticker
	stopCh chan struct{}
	active []Task
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		sess:       cfg.Session,
		uplink:     cfg.Uplink,
		tasks:      cfg.Tasks,
		codeSource: cfg.CodeSource,
		newTicker:  cfg.NewTicker,
		interval:   cfg.TickInterval,
		logger:     cfg.Logger,
		onNavigate: cfg.OnNavigate,
		onTopic:    cfg.OnTopic,
		view:       ViewMenu,
	}
	if o.newTicker == nil {
		o.newTicker = NewTimeTicker
	}
	if o.interval <= 0 {
		o.interval = DefaultTickInterval
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// SelectQuestion opens question t from the menu and connects the session
// with its opening turn. If the connect fails the view returns to the menu.
func (o *Orchestrator) SelectQuestion(ctx context.Context, t questions.Type) error {
	q, err := questions.Lookup(t)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.view != ViewMenu {
		o.mu.Unlock()
		return goerr.Wrap(ErrNotAtMenu, "select question", goerr.V("view", string(o.view)))
	}
	o.gen++
	gen := o.gen
	o.view = View(t)
	o.question = q
	o.topic = 0
	o.remaining = seconds(q.DurationAt(0))
	o.startTimersLocked(ctx, gen)
	o.mu.Unlock()

	o.navigate(View(t))
	o.registerStreams(q)

	if o.sess.Status() != session.StatusIdle {
		if err := o.sess.Disconnect(ctx); err != nil {
			o.logger.Warn("disconnect before connect failed", "error", err)
		}
	}

	if err := o.sess.Connect(ctx, q.OpeningMessage()); err != nil {
		o.mu.Lock()
		current := o.gen == gen
		var ticker Ticker
		var stopCh chan struct{}
		var tasks []Task
		if current {
			o.gen++
			o.view = ViewMenu
			ticker, stopCh, tasks = o.detachTimersLocked()
		}
		o.mu.Unlock()
		if current {
			stopTimers(ticker, stopCh, tasks)
			o.navigate(ViewMenu)
		}
		return err
	}

	// A GoBack or Close that ran during Connect found the session idle and
	// had nothing to tear down.
	o.mu.Lock()
	closed, current := o.closed, o.gen == gen
	o.mu.Unlock()
	if closed || !current {
		if err := o.sess.Disconnect(ctx); err != nil {
			o.logger.Warn("disconnect abandoned question failed", "error", err)
		}
		if closed {
			return ErrClosed
		}
		return goerr.Wrap(ErrAbandoned, "select question", goerr.V("question", string(t)))
	}
	o.logger.Info("question started", "question", t, "remaining_s", seconds(q.DurationAt(0)))
	return nil
}

// Tick advances the countdown by one interval.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.mu.Lock()
	gen := o.gen
	o.mu.Unlock()
	o.tick(ctx, gen)
}

func (o *Orchestrator) tick(ctx context.Context, gen uint64) {
	o.mu.Lock()
	if o.closed || o.view == ViewMenu || o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.remaining--
	if o.remaining > 0 {
		o.mu.Unlock()
		return
	}

	if o.question.Rotates() {
		o.topic = (o.topic + 1) % len(o.question.Topics)
		o.remaining = seconds(o.question.DurationAt(o.topic))
		index, topic := o.topic, o.question.Topics[o.topic]
		o.mu.Unlock()
		o.logger.Info("topic time is up, moving on", "topic", topic.ID, "index", index)
		if o.onTopic != nil {
			o.onTopic(index, topic)
		}
		return
	}

	o.gen++
	question := o.question.Type
	o.view = ViewMenu
	ticker, stopCh, tasks := o.detachTimersLocked()
	o.mu.Unlock()

	stopTimers(ticker, stopCh, tasks)
	o.logger.Info("question time is up", "question", question)
	if err := o.sess.Disconnect(ctx); err != nil {
		o.logger.Warn("disconnect after timeout failed", "error", err)
	}
	o.navigate(ViewMenu)
}

// GoBack leaves the current question for the menu and ends the session.
func (o *Orchestrator) GoBack(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.view == ViewMenu {
		o.mu.Unlock()
		return nil
	}
	o.gen++
	o.view = ViewMenu
	ticker, stopCh, tasks := o.detachTimersLocked()
	o.mu.Unlock()

	stopTimers(ticker, stopCh, tasks)
	err := o.sess.Disconnect(ctx)
	o.navigate(ViewMenu)
	return err
}

// Close stops every timer and task and disconnects the session once.
func (o *Orchestrator) Close(ctx context.Context) error {
	var err error
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.gen++
		o.view = ViewMenu
		ticker, stopCh, tasks := o.detachTimersLocked()
		o.mu.Unlock()

		stopTimers(ticker, stopCh, tasks)
		err = o.sess.Disconnect(ctx)
	})
	return err
}

// HandleUserTurn runs at each candidate turn boundary: it refreshes the
// code stream and offers every activity stream to the conversation.
func (o *Orchestrator) HandleUserTurn(ctx context.Context) {
	if o.uplink == nil {
		return
	}
	o.mu.Lock()
	view := o.view
	o.mu.Unlock()
	if view == ViewMenu {
		return
	}
	if view == View(questions.Coding) && o.codeSource != nil {
		code, err := o.codeSource()
		if err != nil {
			o.logger.Warn("read candidate code failed", "error", err)
		} else if err := o.uplink.Update(uplink.StreamCode, code); err != nil {
			o.logger.Warn("update code stream failed", "error", err)
		}
	}
	if err := o.uplink.Flush(ctx); err != nil {
		o.logger.Warn("forward activity failed", "error", err)
	}
}

// OfferRows forwards a spreadsheet snapshot while a question is open.
func (o *Orchestrator) OfferRows(ctx context.Context, rows [][2]any) {
	if o.uplink == nil {
		return
	}
	o.mu.Lock()
	view := o.view
	o.mu.Unlock()
	if view == ViewMenu {
		return
	}
	payload, err := uplink.SerializeRows(rows)
	if err != nil {
		o.logger.Warn("serialize sheet failed", "error", err)
		return
	}
	if _, err := o.uplink.Offer(ctx, uplink.StreamSheet, payload); err != nil {
		o.logger.Warn("forward sheet failed", "error", err)
	}
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{View: o.view}
	if o.view == ViewMenu {
		return snap
	}
	snap.Title = o.question.Title
	snap.Remaining = time.Duration(o.remaining) * time.Second
	if o.question.Rotates() {
		topic := o.question.Topics[o.topic]
		snap.TopicIndex = o.topic
		snap.Topic = &topic
	}
	return snap
}

func (o *Orchestrator) registerStreams(q questions.Question) {
	if o.uplink == nil {
		return
	}
	o.uplink.Register(uplink.StreamCode, q.CodeTemplate)
	o.uplink.Register(uplink.StreamSheet, uplink.EmptyRows)
}

func (o *Orchestrator) startTimersLocked(ctx context.Context, gen uint64) {
	ctx = context.WithoutCancel(ctx)
	ticker := o.newTicker(o.interval)
	stopCh := make(chan struct{})
	o.ticker = ticker
	o.stopCh = stopCh
	go func() {
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.Chan():
				o.tick(ctx, gen)
			}
		}
	}()

	o.active = o.tasks[o.question.Type]
	for _, task := range o.active {
		task.Start(ctx)
	}
}

func (o *Orchestrator) detachTimersLocked() (Ticker, chan struct{}, []Task) {
	ticker, stopCh, tasks := o.ticker, o.stopCh, o.active
	o.ticker, o.stopCh, o.active = nil, nil, nil
	return ticker, stopCh, tasks
}

// stopTimers does not wait for the tick goroutine, which may be the caller.
func stopTimers(ticker Ticker, stopCh chan struct{}, tasks []Task) {
	if ticker != nil {
		ticker.Stop()
	}
	if stopCh != nil {
		close(stopCh)
	}
	for _, task := range tasks {
		task.Stop()
	}
}

func (o *Orchestrator) navigate(v View) {
	if o.onNavigate != nil {
		o.onNavigate(v)
	}
}

func seconds(d time.Duration) int {
	return int(d / time.Second)
}
