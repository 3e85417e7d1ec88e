package channels

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTypingKeepalive_RunReturnsOnCancellation(t *testing.T) {
	var calls int32
	k := NewTypingKeepalive(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	// Drive Run directly against a context with a short deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		k.Run(ctx)
		close(done)
	}()
	<-done

	// With a 150ms context deadline and a 4s send cadence, no send should
	// have fired yet — this just asserts Run respects cancellation promptly
	// rather than blocking past ctx.Done().
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("expected no sends within the short deadline, got %d", got)
	}
}
