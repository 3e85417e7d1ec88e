package eventbus

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// MemoryBus is an in-process Bus backed by a fixed-capacity ring buffer per
// session, used for single-process operation and tests. Once a session's
// buffer wraps, the oldest events are gone and ReplayFrom reports truncated
// if asked to replay past that point.
type MemoryBus struct {
	mu       sync.Mutex
	capacity int
	sessions map[string]*sessionLog
}

type sessionLog struct {
	events   []Event // ring buffer
	next     int     // write cursor into events
	filled   bool
	nextSeq  int64
	subs     map[chan Event]struct{}
}

// NewMemoryBus constructs a MemoryBus whose per-session ring buffers hold
// capacity events before the oldest are overwritten.
func NewMemoryBus(capacity int) *MemoryBus {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryBus{capacity: capacity, sessions: make(map[string]*sessionLog)}
}

func (b *MemoryBus) logFor(sessionID string) *sessionLog {
	l, ok := b.sessions[sessionID]
	if !ok {
		l = &sessionLog{events: make([]Event, 0, b.capacity), subs: make(map[chan Event]struct{})}
		b.sessions[sessionID] = l
	}
	return l
}

func (b *MemoryBus) Publish(ctx context.Context, sessionID string, ev Event) (Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.logFor(sessionID)
	ev.SessionID = sessionID
	ev.Cursor = strconv.FormatInt(l.nextSeq, 10)
	l.nextSeq++

	if len(l.events) < b.capacity {
		l.events = append(l.events, ev)
	} else {
		l.events[l.next] = ev
		l.next = (l.next + 1) % b.capacity
		l.filled = true
	}

	for ch := range l.subs {
		select {
		case ch <- ev:
		default: // slow subscriber; drop rather than block publish
		}
	}
	return ev, nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error) {
	b.mu.Lock()
	l := b.logFor(sessionID)
	ch := make(chan Event, 256)
	l.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if l, ok := b.sessions[sessionID]; ok {
			delete(l.subs, ch)
		}
	}
	return ch, cancel, nil
}

func (b *MemoryBus) ReplayFrom(ctx context.Context, sessionID string, after string) ([]Event, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.sessions[sessionID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNoSuchSession, sessionID)
	}

	ordered := orderedEvents(l)

	if after == "" {
		return ordered, false, nil
	}
	afterSeq, err := strconv.ParseInt(after, 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("eventbus: invalid cursor %q: %w", after, err)
	}

	if len(ordered) > 0 {
		oldestSeq, _ := strconv.ParseInt(ordered[0].Cursor, 10, 64)
		if afterSeq < oldestSeq-1 {
			// requested cursor predates the retained window
			return ordered, true, nil
		}
	}

	idx := sort.Search(len(ordered), func(i int) bool {
		seq, _ := strconv.ParseInt(ordered[i].Cursor, 10, 64)
		return seq > afterSeq
	})
	return ordered[idx:], false, nil
}

// orderedEvents returns the ring buffer's contents in publish order.
func orderedEvents(l *sessionLog) []Event {
	if !l.filled {
		out := make([]Event, len(l.events))
		copy(out, l.events)
		return out
	}
	out := make([]Event, 0, len(l.events))
	out = append(out, l.events[l.next:]...)
	out = append(out, l.events[:l.next]...)
	return out
}

var _ Bus = (*MemoryBus)(nil)
