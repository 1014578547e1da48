// Package supervisor runs one listener per registered mailbox and restarts
// failed listeners with exponential backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.io/infrasutra/mailsync/internal/connector"
	"github.io/infrasutra/mailsync/internal/store"
)

type State string

const (
	StateStarting     State = "STARTING"
	StateRunning      State = "RUNNING"
	StateRetryBackoff State = "RETRY_BACKOFF"
	StateStopped      State = "STOPPED"
)

var errListenerExited = errors.New("listener exited")

// Sink receives every message a listener yields, tagged with its mailbox.
type Sink interface {
	Handle(ctx context.Context, mb store.Mailbox, msg connector.RawMessage) error
}

type Registry interface {
	AllMailboxes(ctx context.Context) ([]store.Mailbox, error)
}

type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ResetAfter is how long a session must last before the backoff
	// sequence starts over.
	ResetAfter time.Duration
}

type Supervisor struct {
	logger     *slog.Logger
	registry   Registry
	connectors map[store.Protocol]connector.Connector
	sink       Sink
	cfg        Config

	mu    sync.Mutex
	tasks map[string]*task
	// removed holds ids of deleted mailboxes. Start ignores them so a caller
	// holding a stale mailbox cannot revive a listener after deletion.
	removed map[string]struct{}
	closed  bool
}

type task struct {
	mailbox store.Mailbox
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}

	mu    sync.Mutex
	state State
}

func (t *task) setState(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

func (t *task) getState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func New(logger *slog.Logger, registry Registry, connectors map[store.Protocol]connector.Connector, sink Sink, cfg Config) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 2 * time.Minute
	}
	return &Supervisor{
		logger:     logger,
		registry:   registry,
		connectors: connectors,
		sink:       sink,
		cfg:        cfg,
		tasks:      make(map[string]*task),
		removed:    make(map[string]struct{}),
	}
}

// Start launches a listener for mb unless one is already running.
// Mailboxes with an unknown protocol are logged and ignored.
func (s *Supervisor) Start(mb store.Mailbox) {
	conn, ok := s.connectors[mb.Protocol]
	if !ok {
		s.logger.Warn("no connector for protocol", "mailbox", mb.ID, "protocol", mb.Protocol)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, gone := s.removed[mb.ID]; gone {
		return
	}
	if _, exists := s.tasks[mb.ID]; exists {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		mailbox: mb,
		cancel:  cancel,
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		state:   StateStarting,
	}
	s.tasks[mb.ID] = t
	go s.run(ctx, t, conn)
}

// Stop cancels the listener for id and waits for it to exit. Once Stop
// returns the listener makes no further sink calls.
func (s *Supervisor) Stop(id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

// Remove stops the listener for id and refuses any later Start for it.
// It is called before the mailbox is deleted.
func (s *Supervisor) Remove(id string) {
	s.mu.Lock()
	s.removed[id] = struct{}{}
	s.mu.Unlock()
	s.Stop(id)
}

// Reinstate undoes Remove for a mailbox whose deletion failed and starts
// its listener again.
func (s *Supervisor) Reinstate(mb store.Mailbox) {
	s.mu.Lock()
	delete(s.removed, mb.ID)
	s.mu.Unlock()
	s.Start(mb)
}

// Restart replaces the listener for mb with one using its current settings.
func (s *Supervisor) Restart(mb store.Mailbox) {
	s.Stop(mb.ID)
	s.Start(mb)
}

// StartAll starts a listener for every mailbox in the registry.
func (s *Supervisor) StartAll(ctx context.Context) (int, error) {
	mailboxes, err := s.registry.AllMailboxes(ctx)
	if err != nil {
		return 0, fmt.Errorf("load mailboxes: %w", err)
	}
	for _, mb := range mailboxes {
		s.Start(mb)
	}
	return len(mailboxes), nil
}

// Notify asks the listener for id to check for new mail. It reports whether
// a listener exists.
func (s *Supervisor) Notify(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Supervisor) State(id string) (State, bool) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return StateStopped, false
	}
	return t.getState(), true
}

func (s *Supervisor) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make(map[string]State, len(s.tasks))
	for id, t := range s.tasks {
		states[id] = t.getState()
	}
	return states
}

// Shutdown stops every listener. Later Start calls are ignored.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	tasks := make([]*task, 0, len(s.tasks))
	for id, t := range s.tasks {
		tasks = append(tasks, t)
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

func (s *Supervisor) newBackoff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.InitialBackoff
	policy.MaxInterval = s.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

func (s *Supervisor) run(ctx context.Context, t *task, conn connector.Connector) {
	defer close(t.done)
	defer t.setState(StateStopped)

	mb := t.mailbox
	logger := s.logger.With("mailbox", mb.ID, "email", mb.Email, "protocol", mb.Protocol)
	policy := s.newBackoff()
	handler := &taskHandler{task: t, sink: s.sink}

	for {
		t.setState(StateStarting)
		started := time.Now()
		err := conn.Listen(ctx, mb, t.wake, handler)
		if ctx.Err() != nil {
			logger.Info("listener stopped")
			return
		}
		if err == nil {
			err = errListenerExited
		}
		if time.Since(started) >= s.cfg.ResetAfter {
			policy.Reset()
		}
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			delay = s.cfg.MaxBackoff
		}

		t.setState(StateRetryBackoff)
		if connector.IsFatal(err) {
			logger.Error("listener failed", "error", err, "fatal", true, "delay", delay)
		} else {
			logger.Warn("listener failed", "error", err, "delay", delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("listener stopped")
			return
		case <-timer.C:
		}
	}
}

type taskHandler struct {
	task *task
	sink Sink
}

func (h *taskHandler) Connected() {
	h.task.setState(StateRunning)
}

func (h *taskHandler) Handle(ctx context.Context, msg connector.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.sink.Handle(ctx, h.task.mailbox, msg)
}
