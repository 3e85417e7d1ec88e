package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goclaw/internal/lock"
)

// LockAcquirer is the subset of *lock.Manager the bridge coordinator needs,
// narrowed to an interface so tests can fake it without a real Redis.
type LockAcquirer interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*lock.Lock, error)
}

// lockTTL is how long a channel's single-writer lock is held before it must
// be renewed; chosen well above the renew loop's period so a single missed
// renewal doesn't immediately hand the channel to another process.
const (
	lockTTL      = 30 * time.Second
	renewEvery   = 10 * time.Second
	typingEvery  = 4 * time.Second // Telegram/Discord typing indicators expire ~5s
)

// BridgeCoordinator wraps a Manager with the distributed single-writer lock
// (§4.8): only the process instance that holds channelName's lock may
// actually run that channel's Start/Stop lifecycle, so a multi-replica
// deployment never double-connects the same bot token.
type BridgeCoordinator struct {
	manager *Manager
	locks   LockAcquirer

	mu    chan struct{} // binary semaphore; avoids importing sync for one field
	held  map[string]*lock.Lock
}

// NewBridgeCoordinator wraps manager with distributed-lock gated lifecycle
// control backed by locks.
func NewBridgeCoordinator(manager *Manager, locks LockAcquirer) *BridgeCoordinator {
	return &BridgeCoordinator{
		manager: manager,
		locks:   locks,
		mu:      make(chan struct{}, 1),
		held:    make(map[string]*lock.Lock),
	}
}

func lockKeyFor(channelName string) string { return fmt.Sprintf("channel-bridge-lock:%s", channelName) }

// StartExclusive acquires channelName's distributed lock and, only on
// success, starts it via the wrapped Manager. On failure to acquire
// (another process already holds it) the channel is left unstarted rather
// than erroring the whole startup sequence, since that's the expected
// steady state in a multi-replica deployment.
func (b *BridgeCoordinator) StartExclusive(ctx context.Context, channelName string) error {
	ch, ok := b.manager.GetChannel(channelName)
	if !ok {
		return fmt.Errorf("bridge: channel %s not registered", channelName)
	}

	l, err := b.locks.Acquire(ctx, lockKeyFor(channelName), lockTTL)
	if err != nil {
		slog.Info("bridge.lock_not_acquired", "channel", channelName, "err", err)
		return nil
	}

	b.mu <- struct{}{}
	b.held[channelName] = l
	<-b.mu

	if err := ch.Start(ctx); err != nil {
		_ = l.Release(ctx)
		return fmt.Errorf("bridge: start %s: %w", channelName, err)
	}

	go b.renewLoop(ctx, channelName, l)
	return nil
}

func (b *BridgeCoordinator) renewLoop(ctx context.Context, channelName string, l *lock.Lock) {
	ticker := time.NewTicker(renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = l.Release(context.Background())
			return
		case <-ticker.C:
			if err := l.Renew(ctx, lockTTL); err != nil {
				slog.Warn("bridge.lock_lost", "channel", channelName, "err", err)
				if ch, ok := b.manager.GetChannel(channelName); ok {
					_ = ch.Stop(ctx)
				}
				return
			}
		}
	}
}

// StopExclusive stops the channel and releases its lock if this process
// holds it.
func (b *BridgeCoordinator) StopExclusive(ctx context.Context, channelName string) error {
	if ch, ok := b.manager.GetChannel(channelName); ok {
		if err := ch.Stop(ctx); err != nil {
			return fmt.Errorf("bridge: stop %s: %w", channelName, err)
		}
	}

	b.mu <- struct{}{}
	l, ok := b.held[channelName]
	delete(b.held, channelName)
	<-b.mu

	if ok {
		return l.Release(ctx)
	}
	return nil
}

// CredentialReloader is notified when a channel's credential file changes
// on disk, so it can re-read config and reconnect without a process
// restart.
type CredentialReloader interface {
	ReloadCredentials(ctx context.Context, channelName string) error
}

// WatchCredentials watches the given files and calls reloader.ReloadCredentials
// for channelName whenever any of them change, debounced to avoid a storm of
// reloads from an editor's multi-write save.
func WatchCredentials(ctx context.Context, channelName string, paths []string, reloader CredentialReloader) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("bridge: new fsnotify watcher: %w", err)
	}
	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("bridge: watch %s: %w", p, err)
		}
	}

	go func() {
		var pending *time.Timer
		for {
			select {
			case <-ctx.Done():
				_ = watcher.Close()
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(500*time.Millisecond, func() {
					if err := reloader.ReloadCredentials(ctx, channelName); err != nil {
						slog.Error("bridge.credential_reload_failed", "channel", channelName, "err", err)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("bridge.fsnotify_error", "channel", channelName, "err", err)
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}

// TypingKeepalive paces repeated "typing" indicator sends at a fixed rate so
// a long-running agent turn keeps the indicator alive without spamming the
// platform API faster than it wants.
type TypingKeepalive struct {
	limiter *rate.Limiter
	send    func(ctx context.Context) error
}

// NewTypingKeepalive constructs a keepalive that calls send roughly once
// every typingEvery. Run makes its first call one typingEvery after it
// starts, not immediately.
func NewTypingKeepalive(send func(ctx context.Context) error) *TypingKeepalive {
	return &TypingKeepalive{
		limiter: rate.NewLimiter(rate.Every(typingEvery), 1),
		send:    send,
	}
}

// Run sends the typing indicator on a ticker until ctx is cancelled, meant
// to be started in its own goroutine for the duration of one agent turn.
func (k *TypingKeepalive) Run(ctx context.Context) {
	ticker := time.NewTicker(typingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if k.limiter.Allow() {
				if err := k.send(ctx); err != nil {
					slog.Debug("typing_keepalive.send_failed", "err", err)
				}
			}
		}
	}
}
