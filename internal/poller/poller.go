// Package poller is the client side of change propagation: it asks the
// server for one pending change per tick and tells the board when its copy
// of the order went stale.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskboard/api/internal/clock"
	"taskboard/api/internal/events"
)

const (
	DefaultInterval         = 2 * time.Second
	DefaultTimeout          = 10 * time.Second
	DefaultFailureThreshold = 5
)

// ErrTimeout is returned by Poll when the server did not answer within the
// per-poll timeout.
var ErrTimeout = errors.New("poll timed out")

type State int

const (
	Idle State = iota
	Polling
	EventReceived
	Empty
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case EventReceived:
		return "event_received"
	case Empty:
		return "empty"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Source interface {
	NextEvent(ctx context.Context, projectID, clientID string) (*events.ChangeEvent, error)
}

type Options struct {
	ProjectID string
	ClientID  string
	Interval  time.Duration
	Timeout   time.Duration
	// FailureThreshold is the number of consecutive failed polls after which
	// OnPersistentFailure fires. It fires once per streak.
	FailureThreshold int
	Clock            clock.Clock

	OnChange            func(events.ChangeEvent)
	OnPersistentFailure func(consecutive int, err error)
	OnState             func(State)
}

type Poller struct {
	source Source
	opts   Options

	mu       sync.Mutex
	state    State
	failures int
}

func New(source Source, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Poller{source: source, opts: opts}
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Failures returns the length of the current streak of failed polls.
func (p *Poller) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Run polls once per interval until ctx is done. A failed poll is not
// retried; the next attempt waits for the next tick.
func (p *Poller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.opts.Clock.After(p.opts.Interval):
		}
		if _, err := p.Poll(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Poll runs one cycle and returns the state it passed through before going
// back to Idle.
func (p *Poller) Poll(ctx context.Context) (State, error) {
	p.transition(Polling)
	event, err := p.fetch(ctx)

	outcome := Empty
	switch {
	case err != nil:
		outcome = Failed
	case event != nil:
		outcome = EventReceived
	}
	p.transition(outcome)

	if err != nil {
		p.recordFailure(ctx, err)
	} else {
		p.mu.Lock()
		p.failures = 0
		p.mu.Unlock()
	}
	if event != nil && p.opts.OnChange != nil {
		p.opts.OnChange(*event)
	}

	p.transition(Idle)
	return outcome, err
}

type result struct {
	event *events.ChangeEvent
	err   error
}

func (p *Poller) fetch(ctx context.Context) (*events.ChangeEvent, error) {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		event, err := p.source.NextEvent(pollCtx, p.opts.ProjectID, p.opts.ClientID)
		done <- result{event: event, err: err}
	}()

	select {
	case r := <-done:
		return r.event, r.err
	case <-p.opts.Clock.After(p.opts.Timeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Poller) recordFailure(ctx context.Context, err error) {
	p.mu.Lock()
	p.failures++
	failures := p.failures
	p.mu.Unlock()

	slog.DebugContext(ctx, "poll failed", "project_id", p.opts.ProjectID, "consecutive", failures, "error", err)
	if failures == p.opts.FailureThreshold && p.opts.OnPersistentFailure != nil {
		p.opts.OnPersistentFailure(failures, err)
	}
}

func (p *Poller) transition(state State) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	if p.opts.OnState != nil {
		p.opts.OnState(state)
	}
}
