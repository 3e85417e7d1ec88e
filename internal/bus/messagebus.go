package bus

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MessageBus is the in-process implementation of MessageRouter and
// EventPublisher: inbound/outbound message queues plus a fan-out event
// broadcaster, the shared nervous system between channel adapters, the
// scheduler's session runner, and any WebSocket-facing consumers.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewMessageBus constructs a MessageBus with the given channel buffer size.
func NewMessageBus(bufferSize int) *MessageBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, bufferSize),
		outbound: make(chan OutboundMessage, bufferSize),
		handlers: make(map[string]EventHandler),
	}
}

func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		// Buffer full: drop rather than block the channel adapter's read
		// loop. A persistently full inbound buffer indicates the consumer
		// side is stalled, which is a capacity problem, not something a
		// single message can fix by blocking.
	}
}

func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
	}
}

func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers handler under id; Broadcast delivers to every
// registered handler. Handlers run synchronously on the broadcaster's
// goroutine by design (matching the teacher's event fan-out), so a slow
// handler should hand off to its own goroutine internally.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}

var (
	_ MessageRouter  = (*MessageBus)(nil)
	_ EventPublisher = (*MessageBus)(nil)
)

// DedupeCache remembers recently-seen keys for a bounded duration, used to
// drop messages a flaky channel transport redelivers (e.g. Telegram
// long-poll retries). It evicts by both a TTL and a max-size LRU bound so
// it never grows unbounded under sustained traffic.
type DedupeCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxSize  int
	entries  map[string]*list.Element
	order    *list.List // front = most recently seen
}

type dedupeEntry struct {
	key  string
	seen time.Time
}

// NewDedupeCache constructs a DedupeCache with the given TTL and max entry count.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// IsDuplicate reports whether key was already seen within the TTL window,
// and records it as seen (refreshing its position) either way.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*dedupeEntry)
		wasFresh := now.Sub(entry.seen) < c.ttl
		entry.seen = now
		c.order.MoveToFront(el)
		return wasFresh
	}

	el := c.order.PushFront(&dedupeEntry{key: key, seen: now})
	c.entries[key] = el
	c.evictLocked(now)
	return false
}

func (c *DedupeCache) evictLocked(now time.Time) {
	for c.order.Len() > c.maxSize {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.order.Remove(back)
		delete(c.entries, back.Value.(*dedupeEntry).key)
	}
	for back := c.order.Back(); back != nil; back = c.order.Back() {
		entry := back.Value.(*dedupeEntry)
		if now.Sub(entry.seen) < c.ttl {
			break
		}
		c.order.Remove(back)
		delete(c.entries, entry.key)
	}
}

// InboundDebouncer coalesces rapid successive messages from the same
// sender, invoking callback once with the latest message after duration has
// elapsed without a new Push for that key. This is how a burst of quick
// follow-up messages ("wait," "actually," "never mind") becomes one agent
// run instead of three.
type InboundDebouncer struct {
	duration time.Duration
	callback func(InboundMessage)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	latest  map[string]InboundMessage
	stopped bool
}

// NewInboundDebouncer constructs a debouncer that waits `duration` of
// silence per key (built from msg.Channel+msg.ChatID) before firing callback.
func NewInboundDebouncer(duration time.Duration, callback func(InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		duration: duration,
		callback: callback,
		timers:   make(map[string]*time.Timer),
		latest:   make(map[string]InboundMessage),
	}
}

func debounceKey(msg InboundMessage) string { return msg.Channel + "|" + msg.ChatID }

// Push registers msg, resetting the debounce window for its key.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	key := debounceKey(msg)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.latest[key] = msg
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.duration, func() {
		d.mu.Lock()
		m, ok := d.latest[key]
		delete(d.latest, key)
		delete(d.timers, key)
		stopped := d.stopped
		d.mu.Unlock()
		if ok && !stopped {
			d.callback(m)
		}
	})
}

// Stop cancels all pending timers without firing their callbacks.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = make(map[string]*time.Timer)
	d.latest = make(map[string]InboundMessage)
}
