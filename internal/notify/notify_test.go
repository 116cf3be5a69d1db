package notify

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	f := NewFanout(zerolog.Nop(), a, b)

	f.Publish(Event{Type: AttemptStarted, TargetID: 1, AccountID: "a1"})
	f.Publish(Event{Type: TargetTerminal, TargetID: 1})
	f.Close()

	require.Equal(t, 2, a.count())
	require.Equal(t, 2, b.count())
	assert.Equal(t, AttemptStarted, a.events[0].Type)
	assert.Equal(t, TargetTerminal, a.events[1].Type)
}

func TestFanout_CloseDrainsQueue(t *testing.T) {
	s := &captureSink{}
	f := NewFanout(zerolog.Nop(), s)

	for i := 0; i < 100; i++ {
		f.Publish(Event{Type: AttemptSuccess, TargetID: int64(i)})
	}
	f.Close()

	assert.Equal(t, 100, s.count(), "pending events delivered before Close returns")
}

func TestFanout_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	// no consumer: fill the buffer past capacity and make sure Publish
	// returns anyway
	f := &Fanout{
		queue:  make(chan Event, 2),
		logger: zerolog.Nop(),
		done:   make(chan struct{}),
	}

	for i := 0; i < 10; i++ {
		f.Publish(Event{Type: AttemptFailed})
	}
	assert.Len(t, f.queue, 2)
}

func TestFanout_PublishAfterCloseIsSafe(t *testing.T) {
	s := &captureSink{}
	f := NewFanout(zerolog.Nop(), s)
	f.Publish(Event{Type: AttemptSuccess, TargetID: 1})
	f.Close()

	// a detached batch goroutine may still publish after shutdown
	assert.NotPanics(t, func() {
		f.Publish(Event{Type: AttemptFailed, TargetID: 2})
	})
	assert.Equal(t, 1, s.count(), "late events are dropped, not delivered")
}

func TestFanout_CloseIsIdempotent(t *testing.T) {
	f := NewFanout(zerolog.Nop(), &captureSink{})
	f.Close()
	assert.NotPanics(t, f.Close)
}

func TestLogSink_Publish(t *testing.T) {
	// just exercise the code path; output goes to the structured log
	s := NewLogSink(zerolog.Nop())
	s.Publish(Event{Type: AccountDegraded, TargetID: 7, AccountID: "a1", Message: "flagged"})
}
