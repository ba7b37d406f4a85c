// Package memory provides in-process fallbacks for the cache interfaces,
// used when Redis is disabled in the configuration.
package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/stockmon/internal/domain"
)

// Bus implements domain.SignalBus with in-process channels. Delivery is
// best-effort: a subscriber that falls behind loses the oldest messages
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan []byte
}

var _ domain.SignalBus = (*Bus)(nil)

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan []byte)}
}

// Publish delivers payload to every current subscriber of channel.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
			// Drop the oldest entry to make room for the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- payload:
			default:
			}
		}
	}
	return nil
}

// Subscribe registers a subscriber for channel. The returned channel closes
// when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}
