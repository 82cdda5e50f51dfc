package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Bus carries envelopes between publishers and subscribers.
type Bus interface {
	Publish(ctx context.Context, subject string, env Envelope) error
	Subscribe(ctx context.Context, subject string) (<-chan Envelope, func(), error)
	Close() error
}

// Open returns the bus for kind: "memory" (default), "redis" or "nats".
func Open(kind, url string) (Bus, error) {
	switch kind {
	case "", "memory":
		return NewMemoryBus(), nil
	case "redis":
		return NewRedisBus(url)
	case "nats":
		return NewNATSBus(url)
	}
	return nil, fmt.Errorf("unknown event bus %q", kind)
}

// MemoryBus is an in-process bus. Slow subscribers drop events.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan Envelope
	nextID int
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]chan Envelope)}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("memory bus is closed")
	}
	for _, ch := range b.subs[subject] {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string) (<-chan Envelope, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("memory bus is closed")
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Envelope, 32)
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]chan Envelope)
	}
	b.subs[subject][id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[subject][id]; ok {
				delete(b.subs[subject], id)
				close(ch)
			}
		})
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return ch, unsubscribe, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
	return nil
}

// EventLog is the durable append-only log of pipeline events.
type EventLog interface {
	LogPipelineEvent(taskID, event, stage, detail string) error
}

// Journal records every event to the event log and the bus. Both are best-effort:
// failures are logged and never returned.
type Journal struct {
	Log     EventLog
	Bus     Bus
	Subject string
	Logger  *slog.Logger
}

// Record appends and publishes one event.
func (j *Journal) Record(ctx context.Context, typ Type, taskID, stage, detail string) {
	if j == nil {
		return
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if j.Log != nil {
		if err := j.Log.LogPipelineEvent(taskID, string(typ), stage, detail); err != nil {
			logger.Warn("event log append failed", "task", taskID, "event", typ, "err", err)
		}
	}
	if j.Bus != nil {
		subject := j.Subject
		if subject == "" {
			subject = DefaultSubject
		}
		if err := j.Bus.Publish(ctx, subject, New(typ, taskID, stage, detail)); err != nil {
			logger.Warn("event publish failed", "task", taskID, "event", typ, "err", err)
		}
	}
}
