// Package eventbus delivers pipeline events to in-process subscribers
// and mirrors them to an append-only NDJSON journal for external
// audit tooling.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veridex/veridex/internal/app"
	"github.com/veridex/veridex/internal/application/port/output"
)

// Bus is an in-process event publisher. Subscribers receive events on
// buffered channels; a full subscriber loses events rather than
// stalling the pipeline.
type Bus struct {
	mu          sync.Mutex
	subscribers []chan output.Event
	journal     *Journal
	logger      app.Logger
	closed      bool
}

// New creates a bus. journal may be nil to disable the NDJSON mirror.
func New(journal *Journal, logger app.Logger) *Bus {
	if logger == nil {
		logger = app.GetLogger()
	}
	return &Bus{journal: journal, logger: logger}
}

// Subscribe registers a consumer. The returned channel is closed when
// the bus closes.
func (b *Bus) Subscribe(buffer int) <-chan output.Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan output.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish delivers an event to all subscribers and the journal.
// Never blocks: slow subscribers drop.
func (b *Bus) Publish(event output.Event) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if b.journal != nil {
		if err := b.journal.Append(event); err != nil {
			b.logger.Warn("journal event %s: %v", event.Name, err)
		}
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropping event %s for slow subscriber", event.Name)
		}
	}
}

// Close closes all subscriber channels
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
	return nil
}
