// Package eventbus implements the Event Bus (spec.md §4.4): a stateless,
// in-process pub/sub multiplexer with wildcard subscriptions and lossy,
// non-blocking delivery per subscriber. Grounded on the teacher's SSE hub
// (internal/sse/hub.go) Broadcast-with-drop pattern.
package eventbus

import (
	"sync"
	"time"
)

// Event is one published frame.
type Event struct {
	Channel   string
	Payload   interface{}
	Timestamp time.Time
}

const defaultBufferSize = 32

type subscriber struct {
	clientID string
	patterns map[string]bool
	ch       chan Event
}

// Bus is the in-process Event Bus. The zero value is not usable; use New.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]*subscriber
	bufferSize int
	forward    func(channel string, payload interface{})
}

// New creates a Bus. bufferSize is the per-subscriber channel capacity; a
// non-positive value falls back to a sane default.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{subs: make(map[string]*subscriber), bufferSize: bufferSize}
}

// Subscribe registers clientID for the given channel patterns (literal
// names, or "*" for all channels) and returns the channel it will receive
// events on. Calling Subscribe again for an existing clientID adds
// patterns to its existing subscription and returns the same channel.
func (b *Bus) Subscribe(clientID string, patterns []string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[clientID]
	if !ok {
		sub = &subscriber{
			clientID: clientID,
			patterns: make(map[string]bool),
			ch:       make(chan Event, b.bufferSize),
		}
		b.subs[clientID] = sub
	}
	for _, p := range patterns {
		sub.patterns[p] = true
	}
	return sub.ch
}

// Unsubscribe removes the given patterns from clientID's subscription. If
// patterns is empty, the client is removed entirely (its channel is
// closed) — the disconnect case.
func (b *Bus) Unsubscribe(clientID string, patterns ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[clientID]
	if !ok {
		return
	}
	if len(patterns) == 0 {
		delete(b.subs, clientID)
		close(sub.ch)
		return
	}
	for _, p := range patterns {
		delete(sub.patterns, p)
	}
	if len(sub.patterns) == 0 {
		delete(b.subs, clientID)
		close(sub.ch)
	}
}

// SetForwarder registers a hook invoked on every local Publish, mirroring
// events to a cross-process transport (e.g. RedisForwarder.Forward). A nil
// fn disables forwarding. The forwarder's own inbound relay must use
// publishLocal, not Publish, or republished remote events would be
// forwarded right back out in an echo loop.
func (b *Bus) SetForwarder(fn func(channel string, payload interface{})) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forward = fn
}

// Publish is fire-and-forget: it delivers to every subscriber whose
// pattern set matches channel, then mirrors the event to the registered
// forwarder, if any. A subscriber whose buffer is full has its oldest
// pending frame dropped to make room (lossy, non-blocking); other
// subscribers are unaffected. Publish never returns an error and never
// panics on a slow or disconnected subscriber.
func (b *Bus) Publish(channel string, payload interface{}) {
	b.publishLocal(channel, payload)

	b.mu.RLock()
	forward := b.forward
	b.mu.RUnlock()
	if forward != nil {
		forward(channel, payload)
	}
}

// publishLocal delivers to local subscribers only, without invoking the
// forwarder. The Redis inbound relay uses this to re-surface a
// remotely-published event locally without echoing it straight back out.
func (b *Bus) publishLocal(channel string, payload interface{}) {
	evt := Event{Channel: channel, Payload: payload, Timestamp: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !matchesAny(sub.patterns, channel) {
			continue
		}
		deliver(sub.ch, evt)
	}
}

func deliver(ch chan Event, evt Event) {
	select {
	case ch <- evt:
		return
	default:
	}
	// Buffer full: drop the oldest pending frame, then retry once. If a
	// concurrent receiver drained it first, ch has room again anyway.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- evt:
	default:
		// Extremely rare race with another publisher refilling the slot
		// we just freed; dropping this frame is within the documented
		// lossy-delivery contract.
	}
}

func matchesAny(patterns map[string]bool, channel string) bool {
	if patterns["*"] {
		return true
	}
	return patterns[channel]
}

// Subscribers reports the number of distinct subscribed clients. Intended
// for status/diagnostics endpoints.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
