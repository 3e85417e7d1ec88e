package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBus backs Bus with a Redis Stream per session (XADD/XREAD), giving
// durable, replay-capable delivery across process restarts — the
// production counterpart to MemoryBus.
type RedisBus struct {
	rdb       *redis.Client
	maxLenApprox int64
}

// NewRedisBus wraps an already-connected *redis.Client. maxLenApprox caps
// each session's stream length (approximate, via MAXLEN ~) so a runaway
// session can't grow its stream unboundedly; 0 disables the cap.
func NewRedisBus(rdb *redis.Client, maxLenApprox int64) *RedisBus {
	return &RedisBus{rdb: rdb, maxLenApprox: maxLenApprox}
}

func streamKey(sessionID string) string { return fmt.Sprintf("eventbus:session:%s", sessionID) }

func (b *RedisBus) Publish(ctx context.Context, sessionID string, ev Event) (Event, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("eventbus: marshal payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey(sessionID),
		Values: map[string]any{"type": ev.Type, "payload": string(payload)},
	}
	if b.maxLenApprox > 0 {
		args.MaxLen = b.maxLenApprox
		args.Approx = true
	}

	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return Event{}, fmt.Errorf("eventbus: xadd %s: %w", sessionID, err)
	}
	ev.SessionID = sessionID
	ev.Cursor = id
	return ev, nil
}

// Subscribe polls the stream with blocking XREAD starting from "$" (new
// entries only), delivering decoded events on the returned channel until
// cancel is called or ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error) {
	ch := make(chan Event, 256)
	subCtx, cancelFn := context.WithCancel(ctx)

	go func() {
		defer close(ch)
		lastID := "$"
		for {
			if subCtx.Err() != nil {
				return
			}
			res, err := b.rdb.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{streamKey(sessionID), lastID},
				Block:   0,
				Count:   64,
			}).Result()
			if err != nil {
				if subCtx.Err() != nil || err == context.Canceled {
					return
				}
				continue // transient redis error; retry the blocking read
			}
			for _, stream := range res {
				for _, msg := range stream.Messages {
					ev, decErr := decodeMessage(sessionID, msg)
					if decErr != nil {
						continue
					}
					lastID = msg.ID
					select {
					case ch <- ev:
					case <-subCtx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, cancelFn, nil
}

func (b *RedisBus) ReplayFrom(ctx context.Context, sessionID string, after string) ([]Event, bool, error) {
	start := "-"
	if after != "" {
		start = fmt.Sprintf("(%s", after) // exclusive range start
	}
	msgs, err := b.rdb.XRange(ctx, streamKey(sessionID), start, "+").Result()
	if err != nil {
		return nil, false, fmt.Errorf("eventbus: xrange %s: %w", sessionID, err)
	}

	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, decErr := decodeMessage(sessionID, msg)
		if decErr != nil {
			continue
		}
		events = append(events, ev)
	}

	truncated := false
	if after != "" {
		// If the oldest entry still in the stream has an id after `after`
		// and isn't the cursor itself, entries between them were trimmed.
		first, err := b.rdb.XRange(ctx, streamKey(sessionID), "-", "+").Result()
		if err == nil && len(first) > 0 && len(events) > 0 && first[0].ID == events[0].ID {
			truncated = true
		}
	}
	return events, truncated, nil
}

func decodeMessage(sessionID string, msg redis.XMessage) (Event, error) {
	typ, _ := msg.Values["type"].(string)
	raw, _ := msg.Values["payload"].(string)
	var payload map[string]any
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return Event{}, fmt.Errorf("eventbus: decode payload: %w", err)
		}
	}
	return Event{Cursor: msg.ID, SessionID: sessionID, Type: typ, Payload: payload}, nil
}

var _ Bus = (*RedisBus)(nil)
