// Package events fans out run progress to interested subscribers.
//
// Delivery is best-effort: each subscriber has a bounded buffer and progress
// events are dropped for a subscriber whose buffer is full, so a slow
// consumer never stalls a run. Terminal events are never dropped; they evict
// the oldest buffered event instead.
package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Type classifies an event.
type Type string

const (
	RunStarted     Type = "run.started"
	RunCompleted   Type = "run.completed"
	RunFailed      Type = "run.failed"
	RunTimedOut    Type = "run.timed_out"
	RunCancelled   Type = "run.cancelled"
	IterationStart Type = "iteration.started"
	ToolStarted    Type = "tool.started"
	ToolFinished   Type = "tool.finished"
	CommandStdout  Type = "command.stdout"
	CommandStderr  Type = "command.stderr"
	SummaryWritten Type = "summary.written"
)

// Event is one progress notification for a run.
type Event struct {
	RunID     string    `json:"run_id"`
	Type      Type      `json:"type"`
	Iteration int       `json:"iteration,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Data      string    `json:"data,omitempty"`
	Time      time.Time `json:"time"`
}

// Terminal reports whether the event ends the run's stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Publisher accepts run events. A nil Publisher is valid for Emit.
type Publisher interface {
	Publish(ev Event)
}

// Emit publishes ev on p when p is non-nil, stamping the time if unset.
func Emit(p Publisher, ev Event) {
	if p == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	p.Publish(ev)
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Broker is an in-process Publisher with per-run subscriptions.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewBroker creates a broker. buffer <= 0 uses DefaultBuffer.
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broker{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscription receives events for one run until closed.
type Subscription struct {
	RunID  string
	ch     chan Event
	broker *Broker
	done   chan struct{}
	once   sync.Once
}

// C returns the receive channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.broker.remove(s)
	})
}

// Subscribe registers interest in runID's events. The subscription is closed
// when ctx is done or Close is called.
func (b *Broker) Subscribe(ctx context.Context, runID string) *Subscription {
	sub := &Subscription{
		RunID:  runID,
		ch:     make(chan Event, b.buffer),
		broker: b,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	set, ok := b.subs[runID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[runID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub
}

// Publish delivers ev to every subscriber of ev.RunID without blocking.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[ev.RunID] {
		if ev.Terminal() {
			b.deliverTerminal(sub, ev)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug("event dropped for slow subscriber",
				slog.String("run_id", ev.RunID),
				slog.String("type", string(ev.Type)),
			)
		}
	}
}

// deliverTerminal makes room for ev by discarding the oldest buffered events.
func (b *Broker) deliverTerminal(sub *Subscription, ev Event) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		select {
		case old := <-sub.ch:
			b.logger.Debug("event evicted for terminal event",
				slog.String("run_id", ev.RunID),
				slog.String("type", string(old.Type)),
			)
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions for runID.
func (b *Broker) Subscribers(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.RunID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.RunID)
		}
	}
	close(sub.ch)
}

var _ Publisher = (*Broker)(nil)
