// ABOUTME: Supervises player connections with exponential backoff reconnects
// ABOUTME: Shutdown is wholesale; no handle retries once the supervisor closes
package link

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chorale-audio/chorale-go/internal/events"
	"github.com/chorale-audio/chorale-go/internal/media"
)

// State describes one supervised link.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateBackoff    State = "backoff"
	StateClosed     State = "closed"
)

// Target is a remote endpoint the supervisor keeps connected. Connect
// establishes the link; Serve blocks until it drops.
type Target interface {
	ID() string
	Connect(ctx context.Context) error
	Serve(ctx context.Context) error
}

// Config shapes the retry schedule.
type Config struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     float64
}

// DefaultConfig returns the standard retry schedule: 1s doubling to a
// 60s cap with 20% jitter.
func DefaultConfig() Config {
	return Config{
		Base:       time.Second,
		Multiplier: 2,
		Cap:        60 * time.Second,
		Jitter:     0.2,
	}
}

// Supervisor owns one reconnect loop per target.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]*Handle
	bus     *events.Bus
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool

	// sleep is swapped out by tests to observe the schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSupervisor creates a supervisor publishing link state on bus.
func NewSupervisor(bus *events.Bus, cfg Config) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		handles: make(map[string]*Handle),
		bus:     bus,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Supervise starts a reconnect loop for the target. One loop per id.
func (s *Supervisor) Supervise(t Target) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: supervisor closed", media.ErrInvalidOperation)
	}
	if _, ok := s.handles[t.ID()]; ok {
		return nil, fmt.Errorf("%w: target %s already supervised", media.ErrInvalidOperation, t.ID())
	}

	ctx, cancel := context.WithCancel(s.ctx)
	h := &Handle{
		target: t,
		sup:    s,
		cancel: cancel,
		state:  StateConnecting,
	}
	s.handles[t.ID()] = h

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, h)
	}()
	return h, nil
}

// Drop stops supervising one target.
func (s *Supervisor) Drop(targetID string) {
	s.mu.Lock()
	h, ok := s.handles[targetID]
	if ok {
		delete(s.handles, targetID)
	}
	s.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// Close stops every reconnect loop and waits for them to exit.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) run(ctx context.Context, h *Handle) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.Base
	bo.Multiplier = s.cfg.Multiplier
	bo.MaxInterval = s.cfg.Cap
	bo.RandomizationFactor = s.cfg.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		h.setState(StateConnecting, s.bus)
		attemptCtx, cancel := context.WithCancel(ctx)
		h.setAttemptCancel(cancel)

		err := h.target.Connect(attemptCtx)
		if err == nil {
			bo.Reset()
			h.clearRetry()
			h.setState(StateConnected, s.bus)
			err = h.target.Serve(attemptCtx)
		}
		cancel()

		if ctx.Err() != nil {
			h.setState(StateClosed, s.bus)
			return
		}

		wait := bo.NextBackOff()
		log.Printf("link %s: down (%v), retrying in %v", h.target.ID(), err, wait)
		h.recordRetry(wait)
		h.setState(StateBackoff, s.bus)
		if s.sleep(ctx, wait) != nil {
			h.setState(StateClosed, s.bus)
			return
		}
	}
}

// Handle is the per-target view of a supervised link.
type Handle struct {
	target Target
	sup    *Supervisor
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	retries       int
	nextRetry     time.Time
	attemptCancel context.CancelFunc
}

// State returns the current link state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Retries returns the consecutive failures since the last successful
// connect.
func (h *Handle) Retries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retries
}

// NextRetry returns the deadline of the next reconnect attempt, zero
// while the link is up.
func (h *Handle) NextRetry() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextRetry
}

func (h *Handle) recordRetry(wait time.Duration) {
	h.mu.Lock()
	h.retries++
	h.nextRetry = time.Now().Add(wait)
	h.mu.Unlock()
}

func (h *Handle) clearRetry() {
	h.mu.Lock()
	h.retries = 0
	h.nextRetry = time.Time{}
	h.mu.Unlock()
}

// ReportDown forces the current attempt to end, triggering the normal
// backoff cycle. Used when the caller detects a dead link before the
// transport does.
func (h *Handle) ReportDown(err error) {
	h.mu.Lock()
	cancel := h.attemptCancel
	h.mu.Unlock()
	if cancel != nil {
		log.Printf("link %s: reported down: %v", h.target.ID(), err)
		cancel()
	}
}

func (h *Handle) setAttemptCancel(c context.CancelFunc) {
	h.mu.Lock()
	h.attemptCancel = c
	h.mu.Unlock()
}

func (h *Handle) setState(st State, bus *events.Bus) {
	h.mu.Lock()
	if h.state == st {
		h.mu.Unlock()
		return
	}
	h.state = st
	h.mu.Unlock()
	bus.Publish(events.LinkStateChanged{TargetID: h.target.ID(), State: string(st)})
}
