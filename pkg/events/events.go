// Package events fans committed domain events out to metrics, streams, buses and journals.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/phenomenon0/sportsamm/pkg/domain"
)

// Sink consumes domain events. Publish must not block for long; state is already committed.
type Sink interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, ev domain.Event) error

func (f SinkFunc) Publish(ctx context.Context, ev domain.Event) error { return f(ctx, ev) }

// Fanout delivers every event to all sinks, logging failures instead of returning them.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewFanout creates a fan-out over sinks. Nil sinks are skipped.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{logger: logger}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Add registers another sink.
func (f *Fanout) Add(s Sink) {
	if s != nil {
		f.sinks = append(f.sinks, s)
	}
}

// Emit delivers ev to every sink. A nil Fanout drops the event.
func (f *Fanout) Emit(ctx context.Context, ev domain.Event) {
	if f == nil {
		return
	}
	for _, s := range f.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			f.logger.WarnContext(ctx, "events: sink publish failed",
				slog.String("type", string(ev.EventType())),
				slog.String("error", err.Error()))
		}
	}
}

// Journal persists events that carry durable history.
type Journal interface {
	RecordTrade(ctx context.Context, ev domain.TradeEvent) error
	RecordParlay(ctx context.Context, ev domain.ParlayEvent) error
	RecordRound(ctx context.Context, ev domain.RoundEvent) error
}

// JournalSink writes trades, parlays and round closes to a Journal and ignores the rest.
type JournalSink struct {
	J Journal
}

func (s JournalSink) Publish(ctx context.Context, ev domain.Event) error {
	switch e := ev.(type) {
	case domain.TradeEvent:
		return s.J.RecordTrade(ctx, e)
	case domain.ParlayEvent:
		return s.J.RecordParlay(ctx, e)
	case domain.RoundEvent:
		if e.Phase != "closed" {
			return nil
		}
		return s.J.RecordRound(ctx, e)
	default:
		return nil
	}
}

// Recorder keeps every event in memory, for tests and the devnet API.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *Recorder) Publish(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.EventType() == t {
			out = append(out, ev)
		}
	}
	return out
}
