package kv

import (
	"sync"

	"github.com/bri-db/bri/brilog"
)

// Listener receives a published payload. It runs synchronously on the
// publisher's goroutine; a Listener that blocks blocks the publisher.
type Listener func(channel string, payload string)

// Bus is the in-process publish/subscribe backbone shared by every channel
// the engine or the CRUD router opens. Delivery is synchronous, in
// subscription order; a panicking or erroring listener is recovered and
// logged rather than allowed to abort the publish.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
	log       *brilog.Logger
}

func newBus(log *brilog.Logger) *Bus {
	return &Bus{
		listeners: make(map[string][]Listener),
		log:       log,
	}
}

// Subscribe registers fn on channel and returns an unsubscribe func.
func (b *Bus) Subscribe(channel string, fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.listeners[channel] = append(b.listeners[channel], fn)
	idx := len(b.listeners[channel]) - 1

	removed := false
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if removed {
			return
		}
		removed = true
		cur := b.listeners[channel]
		if idx >= len(cur) {
			return
		}
		cur[idx] = nil
		for _, fn := range cur {
			if fn != nil {
				return
			}
		}
		delete(b.listeners, channel)
	}
}

// Publish delivers payload to every live listener on channel, in
// subscription order. Each listener call is wrapped so a panic cannot
// reach the caller.
func (b *Bus) Publish(channel string, payload string) {
	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners[channel]...)
	b.mu.RUnlock()

	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		b.deliver(channel, payload, fn)
	}
}

func (b *Bus) deliver(channel, payload string, fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked", nil, "channel", channel, "recovered", r)
		}
	}()
	fn(channel, payload)
}
