package bus

import (
	"context"
	"sort"
	"sync"
)

// MemoryBus is the in-process event bus. Delivery is synchronous with the
// publisher, so per-channel ordering follows publish order.
type MemoryBus struct {
	mu       sync.RWMutex
	channels map[string]map[int]Handler
	nextID   int
	closed   bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{channels: make(map[string]map[int]Handler)}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, ev Event) error {
	b.mu.RLock()
	subs := b.channels[channel]
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, subs[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, channel string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[int]Handler)
		b.channels[channel] = subs
	}
	id := b.nextID
	b.nextID++
	subs[id] = h

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := b.channels[channel]; ok {
				delete(cur, id)
				if len(cur) == 0 {
					delete(b.channels, channel)
				}
			}
		})
	}
	return unsub, nil
}

// Close simulates a bus outage: every live handler receives a transport
// error event and the subscriber set is dropped.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	channels := b.channels
	b.channels = make(map[string]map[int]Handler)
	b.closed = true
	b.mu.Unlock()

	for channel, subs := range channels {
		jobID := jobIDFromChannel(channel)
		for _, h := range subs {
			h(TransportErrorEvent(jobID, "event bus unavailable"))
		}
	}
}

func jobIDFromChannel(channel string) string {
	const prefix = "job:"
	if len(channel) > len(prefix) && channel[:len(prefix)] == prefix {
		return channel[len(prefix):]
	}
	return channel
}
