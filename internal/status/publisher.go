package status

import (
	"log/slog"
	"sync"

	"github.com/audible-ai/audible/internal/domain"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this drops its own frames; later snapshots carry
// the full table, so a dropped frame is never missed state.
const subscriberBuffer = 8

// Publisher is a named-channel pub/sub bus for status snapshots. Delivery is
// fire-and-forget: a slow subscriber never blocks the health monitor or the
// orchestrator, and never affects other subscribers.
type Publisher struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.StatusSnapshot
	closed bool
	logger *slog.Logger
}

// NewPublisher creates an empty publisher.
func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		subs:   make(map[string]chan domain.StatusSnapshot),
		logger: logger,
	}
}

// Subscribe registers a named subscriber and returns its snapshot channel.
// Re-subscribing with an existing name replaces the previous subscription and
// closes its channel.
func (p *Publisher) Subscribe(name string) <-chan domain.StatusSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.subs[name]; ok {
		close(prev)
	}

	ch := make(chan domain.StatusSnapshot, subscriberBuffer)
	if p.closed {
		close(ch)
		return ch
	}
	p.subs[name] = ch
	return ch
}

// Unsubscribe removes a named subscriber and closes its channel.
func (p *Publisher) Unsubscribe(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.subs[name]; ok {
		delete(p.subs, name)
		close(ch)
	}
}

// Publish broadcasts a snapshot to every subscriber without blocking.
func (p *Publisher) Publish(snap domain.StatusSnapshot) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for name, ch := range p.subs {
		select {
		case ch <- snap:
		default:
			p.logger.Debug("status subscriber lagging, snapshot dropped",
				slog.String("subscriber", name))
		}
	}
}

// Close shuts down the publisher and closes all subscriber channels.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for name, ch := range p.subs {
		delete(p.subs, name)
		close(ch)
	}
}
