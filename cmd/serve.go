package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/goclaw/internal/channels/signal"
	"github.com/nextlevelbuilder/goclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/goclaw/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/goclaw/internal/commands"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/counterstore"
	"github.com/nextlevelbuilder/goclaw/internal/eventbus"
	"github.com/nextlevelbuilder/goclaw/internal/lock"
	"github.com/nextlevelbuilder/goclaw/internal/registry"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/store/file"
	"github.com/nextlevelbuilder/goclaw/internal/tracing"
	"github.com/nextlevelbuilder/goclaw/internal/wake"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway: channel bridges, pulse scheduler, wake subsystem",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %s\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Init(cfg.Telemetry.ServiceName)
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Error("tracing shutdown failed", "error", err)
		}
	}()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis unreachable, falling back to in-memory backends", "error", err)
			rdb = nil
		}
	}

	var counters counterstore.Store
	var events eventbus.Bus
	var locks channels.LockAcquirer
	if rdb != nil {
		counters = counterstore.NewRedisStore(rdb)
		events = eventbus.NewRedisBus(rdb, 10_000)
		locks = lock.NewManager(rdb)
		slog.Info("gateway backends", "mode", "redis", "addr", cfg.Redis.Addr)
	} else {
		counters = counterstore.NewMemoryStore()
		events = eventbus.NewMemoryBus(replayBufferOrDefault(cfg.Stream))
		locks = lock.NewLocalManager()
		slog.Info("gateway backends", "mode", "in-memory")
	}
	_ = events // wired into the streaming core by session runners (§6), not the gateway loop itself

	sessionMgr := sessions.NewManager(cfg.Sessions.Storage)
	sessionStore := file.NewFileSessionStore(sessionMgr)
	stores := &store.Stores{Sessions: sessionStore}

	pulseReg := scheduler.NewInMemoryRegistry()
	gate := scheduler.NewGate(pulseReg, 3)
	sched := scheduler.NewScheduler()
	loadPulseConfig(sched, cfg)

	runner := agent.EchoRunner{}
	executor := scheduler.NewExecutor(sched, gate, pulseReg, pulseRunnerAdapter{runner: runner}, noopContextFetcher{})

	busyReg := registry.New()
	wakeCfg := wake.Config{
		Cooldown:      time.Duration(cfg.Wake.CooldownSeconds) * time.Second,
		PerAgentDaily: cfg.Wake.PerAgentDaily,
		PerPairDaily:  cfg.Wake.PerPairDaily,
	}
	msgBus := bus.NewMessageBus(256)
	wakeSys := wake.New(counters, busyReg, executorWakeDeliverer{executor: executor}, wakeCfg)
	msgBus.Subscribe("wake", wakeSubscriber{ctx: ctx, wake: wakeSys}.Handle)

	models := commands.NewModelStore()
	dispatcher := commands.New(models, sessionResetterAdapter{mgr: sessionMgr}, nil, sessionKeyFromChatKey)

	manager := channels.NewManager(msgBus)
	bridge := channels.NewBridgeCoordinator(manager, locks)

	manager.StartDispatcher(ctx)
	registerChannels(manager, bridge, ctx, cfg, msgBus, stores.Pairing)

	var g errgroupLite
	g.Go(func() error { return executor.Run(ctx, activeAgentIDs(cfg)) })
	g.Go(func() error { runInboundLoop(ctx, msgBus, dispatcher, runner); return nil })

	slog.Info("goclaw serve started", "config", cfgPath)
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.StopAll(shutdownCtx); err != nil {
		slog.Error("channel shutdown", "error", err)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := g.Wait(); err != nil {
		slog.Error("gateway exited with error", "error", err)
	}
}

// loadPulseConfig seeds the scheduler with every routine/legacy schedule
// from config, logging and skipping (not failing startup on) any entry that
// fails validation — a single bad routine shouldn't take the gateway down.
func loadPulseConfig(sched *scheduler.Scheduler, cfg *config.Config) {
	for _, rc := range cfg.Pulse.Routines {
		r, err := rc.ToRoutine()
		if err != nil {
			slog.Error("pulse routine rejected", "routine_id", rc.RoutineID, "error", err)
			continue
		}
		if err := sched.SetRoutineSchedule(r); err != nil {
			slog.Error("pulse routine rejected", "routine_id", rc.RoutineID, "error", err)
		}
	}
	for _, lc := range cfg.Pulse.Legacy {
		s, err := lc.ToLegacySchedule()
		if err != nil {
			slog.Error("legacy schedule rejected", "agent_id", lc.AgentID, "error", err)
			continue
		}
		if err := sched.SetAgentSchedule(s); err != nil {
			slog.Error("legacy schedule rejected", "agent_id", lc.AgentID, "error", err)
		}
	}
}

// activeAgentIDs collects the distinct agent IDs the executor should arm
// timers for: every configured agent plus anything carrying a pulse routine.
func activeAgentIDs(cfg *config.Config) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id := range cfg.Agents.List {
		add(id)
	}
	for _, r := range cfg.Pulse.Routines {
		add(r.AgentID)
	}
	for _, l := range cfg.Pulse.Legacy {
		add(l.AgentID)
	}
	return ids
}

func registerChannels(manager *channels.Manager, bridge *channels.BridgeCoordinator, ctx context.Context, cfg *config.Config, msgBus *bus.MessageBus, pairingSvc store.PairingStore) {
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus, pairingSvc, nil, nil)
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			manager.RegisterChannel("telegram", ch)
		}
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, msgBus, pairingSvc)
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			manager.RegisterChannel("discord", ch)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		ch, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus, pairingSvc)
		if err != nil {
			slog.Error("whatsapp channel init failed", "error", err)
		} else {
			manager.RegisterChannel("whatsapp", ch)
		}
	}
	if cfg.Channels.Signal.Enabled {
		ch, err := signal.New(cfg.Channels.Signal, msgBus, pairingSvc)
		if err != nil {
			slog.Error("signal channel init failed", "error", err)
		} else {
			manager.RegisterChannel("signal", ch)
		}
	}
	for _, name := range manager.GetEnabledChannels() {
		if err := bridge.StartExclusive(ctx, name); err != nil {
			slog.Error("channel bridge lock failed", "channel", name, "error", err)
		}
	}
}

// runInboundLoop is the gateway's core message loop (§6): pull one inbound
// message at a time, hand slash commands to the dispatcher, otherwise hand
// the content to the configured SessionRunner, and publish whatever comes
// back onto the outbound side of the bus.
func runInboundLoop(ctx context.Context, msgBus *bus.MessageBus, dispatcher *commands.Dispatcher, runner agent.SessionRunner) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if channels.IsInternalChannel(msg.Channel) {
			continue
		}
		go handleInbound(ctx, msg, msgBus, dispatcher, runner)
	}
}

func handleInbound(ctx context.Context, msg bus.InboundMessage, msgBus *bus.MessageBus, dispatcher *commands.Dispatcher, runner agent.SessionRunner) {
	peerKind := sessions.PeerKindFromGroup(msg.PeerKind == "group")
	chatKey := chatKeyFor(msg.Channel, peerKind, msg.ChatID)
	sessionKey := sessionKeyFromChatKey(msg.AgentID, chatKey)

	if commands.IsCommand(msg.Content) {
		reply, err := dispatcher.Dispatch(ctx, msg.AgentID, chatKey, msg.SenderID, msg.Content)
		if err != nil {
			if err != commands.ErrNotACommand {
				slog.Error("command dispatch failed", "error", err)
			}
			return
		}
		if reply.Text != "" {
			msgBus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply.Text})
		}
		return
	}

	result, err := runner.Run(ctx, agent.RunRequest{
		SessionKey: sessionKey,
		Message:    msg.Content,
		Media:      msg.Media,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		PeerKind:   msg.PeerKind,
		UserID:     msg.UserID,
		SenderID:   msg.SenderID,
	})
	if err != nil {
		slog.Error("session run failed", "session_key", sessionKey, "error", err)
		return
	}
	if result.Content == "" {
		return // NO_REPLY: agent suppressed its response
	}
	msgBus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: result.Content})
}

// pulseRunnerAdapter satisfies scheduler.SessionRunner by delegating to the
// §6 agent.SessionRunner contract with a pulse-shaped request.
type pulseRunnerAdapter struct {
	runner agent.SessionRunner
}

func (a pulseRunnerAdapter) RunPulse(ctx context.Context, pc scheduler.PulseContext) error {
	_, err := a.runner.Run(ctx, agent.RunRequest{
		SessionKey: sessions.BuildAgentMainSessionKey(pc.AgentID, "main"),
		Message:    pc.RoutineName,
		Channel:    "cron",
	})
	return err
}

// noopContextFetcher supplies empty Unread/OpenTasks: the unread-items and
// task-tracking stores a real fetcher would read from are out of scope here.
type noopContextFetcher struct{}

func (noopContextFetcher) FetchUnread(ctx context.Context, agentID string) ([]string, error) {
	return nil, nil
}
func (noopContextFetcher) FetchOpenTasks(ctx context.Context, agentID string) ([]string, error) {
	return nil, nil
}

// executorWakeDeliverer delivers an admitted wake by enqueuing an immediate,
// out-of-band pulse for the target agent via the Executor (§4.4 "On
// acceptance: ... enqueue a manual pulse via the Executor").
type executorWakeDeliverer struct {
	executor *scheduler.Executor
}

func (d executorWakeDeliverer) Deliver(ctx context.Context, msg wake.Message) error {
	d.executor.TriggerNow(msg.To)
	return nil
}

// wakeSubscriber drives wake.Subsystem.TryWake for every event broadcast on
// the "agent:wake" name, playing the role of the §6 pub/sub pattern
// `agent:*:wake` subscription within this build's flat-namespace
// bus.EventPublisher (MessageBus has no pattern-matching topics, so every
// wake payload is published under the single literal name "agent:wake").
type wakeSubscriber struct {
	ctx  context.Context
	wake *wake.Subsystem
}

func (w wakeSubscriber) Handle(ev bus.Event) {
	if ev.Name != "agent:wake" {
		return
	}
	msg, ok := ev.Payload.(wake.Message)
	if !ok {
		slog.Warn("wake.bad_payload", "payload", ev.Payload)
		return
	}
	if err := w.wake.TryWake(w.ctx, msg); err != nil {
		slog.Warn("wake.rejected", "from", msg.From, "to", msg.To, "error", err)
	}
}

// sessionResetterAdapter adapts *sessions.Manager to commands.SessionResetter.
type sessionResetterAdapter struct {
	mgr *sessions.Manager
}

func (a sessionResetterAdapter) Reset(sessionKey string) error {
	a.mgr.Reset(sessionKey)
	return nil
}

func (a sessionResetterAdapter) TruncateHistory(sessionKey string, keepLast int) error {
	a.mgr.TruncateHistory(sessionKey, keepLast)
	return nil
}

func (a sessionResetterAdapter) Summary(sessionKey string) (string, int, int, int) {
	sess := a.mgr.GetOrCreate(sessionKey)
	return sess.Summary, sess.CompactionCount, int(sess.InputTokens), int(sess.OutputTokens)
}

// chatKeyFor builds the composite chat-key the commands dispatcher scopes
// model overrides and built-in command state by: channel, peer kind, and
// chat ID joined so sessionKeyFromChatKey can split it back apart.
func chatKeyFor(channel string, peerKind sessions.PeerKind, chatID string) string {
	return fmt.Sprintf("%s|%s|%s", channel, peerKind, chatID)
}

// sessionKeyFromChatKey is the commands.Dispatcher's sessionKeyFn: it
// reverses chatKeyFor and builds the canonical storage-layer session key.
func sessionKeyFromChatKey(agentID, chatKey string) string {
	parts := []string{"", "", ""}
	copy(parts, splitN3(chatKey))
	return sessions.BuildSessionKey(agentID, parts[0], sessions.PeerKind(parts[1]), parts[2])
}

func splitN3(s string) []string {
	out := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(s) && len(out) < 2; i++ {
		if s[i] == '|' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// errgroupLite is a minimal fire-and-collect-first-error helper so serve.go
// doesn't need to pull in golang.org/x/sync/errgroup just for the executor
// and inbound loops, whose errors are independent (neither cancels the other).
type errgroupLite struct {
	errs []error
	done []chan error
}

func (g *errgroupLite) Go(fn func() error) {
	ch := make(chan error, 1)
	g.done = append(g.done, ch)
	go func() { ch <- fn() }()
}

func (g *errgroupLite) Wait() error {
	for _, ch := range g.done {
		if err := <-ch; err != nil {
			g.errs = append(g.errs, err)
		}
	}
	if len(g.errs) > 0 {
		return g.errs[0]
	}
	return nil
}

func replayBufferOrDefault(c config.StreamConfig) int {
	if c.ReplayBufferSize > 0 {
		return c.ReplayBufferSize
	}
	return 1024
}
