// Package notify fans orchestration state transitions out to interested
// sinks. Publishing never blocks the orchestrator: events are dropped when a
// sink cannot keep up.
package notify

import (
	"sync"

	"github.com/rs/zerolog"
)

// EventType enumerates the meaningful state transitions.
type EventType string

const (
	AttemptStarted  EventType = "attempt_started"
	AttemptSuccess  EventType = "attempt_success"
	AttemptFailed   EventType = "attempt_failed"
	TargetTerminal  EventType = "target_terminal"
	AccountDegraded EventType = "account_degraded"
)

// Event is one state transition.
type Event struct {
	Type      EventType
	TargetID  int64
	AccountID string
	Message   string
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Publish(Event)
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify").Logger()}
}

func (s *LogSink) Publish(e Event) {
	s.logger.Info().
		Str("event", string(e.Type)).
		Int64("target_id", e.TargetID).
		Str("account_id", e.AccountID).
		Msg(e.Message)
}

// Fanout dispatches events to multiple sinks through a buffered queue. A
// full queue drops the event rather than stall the publisher.
type Fanout struct {
	sinks  []Sink
	queue  chan Event
	logger zerolog.Logger
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewFanout creates and starts a Fanout.
func NewFanout(logger zerolog.Logger, sinks ...Sink) *Fanout {
	f := &Fanout{
		sinks:  sinks,
		queue:  make(chan Event, 256),
		logger: logger.With().Str("component", "notify_fanout").Logger(),
		done:   make(chan struct{}),
	}
	go f.run()
	return f
}

// Publish enqueues the event, dropping it if the queue is full or the
// fanout is already closed. Detached batch goroutines can outlive shutdown,
// so a late Publish must stay safe.
func (f *Fanout) Publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.logger.Warn().Str("event", string(e.Type)).Msg("publish after close, event dropped")
		return
	}
	select {
	case f.queue <- e:
	default:
		f.logger.Warn().Str("event", string(e.Type)).Msg("notification queue full, event dropped")
	}
}

// Close drains and stops the dispatcher. Safe to call more than once.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()
	<-f.done
}

func (f *Fanout) run() {
	defer close(f.done)
	for e := range f.queue {
		for _, s := range f.sinks {
			s.Publish(e)
		}
	}
}
