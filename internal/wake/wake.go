// Package wake implements the §4.4 Wake subsystem: out-of-band
// notifications between agents, gated by four guardrails (cooldown,
// per-agent/day cap, per-pair/day cap, busy check) backed by a shared
// counter store so the guardrails hold even across multiple process
// instances.
package wake

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/counterstore"
)

// BusyChecker reports whether the target agent already has an active
// session, the fourth guardrail. Satisfied by *registry.Registry.
type BusyChecker interface {
	IsBusy(agentID string) bool
}

// Config tunes the three counter-based guardrails. Zero values fall back to
// the package defaults.
type Config struct {
	Cooldown      time.Duration // minimum gap between two wakes of the same agent
	PerAgentDaily int           // max wakes a single agent may receive per UTC calendar day
	PerPairDaily  int           // max wakes a single (from,to) pair may exchange per UTC calendar day
}

const (
	DefaultCooldown      = 2 * time.Minute
	DefaultPerAgentDaily = 50
	DefaultPerPairDaily  = 10
	dayTTL               = 48 * time.Hour // tolerates timezone edges (§3)
)

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.PerAgentDaily <= 0 {
		c.PerAgentDaily = DefaultPerAgentDaily
	}
	if c.PerPairDaily <= 0 {
		c.PerPairDaily = DefaultPerPairDaily
	}
	return c
}

// Message is an out-of-band wake notification delivered from one agent (or
// an external message source) to another.
type Message struct {
	From          string // agent id, or a message-source identifier for externally-triggered wakes
	To            string
	Reason        string
	MessageSource string // e.g. "telegram", "cron", "" for agent-to-agent
}

// RejectionReason names which guardrail refused a wake.
type RejectionReason string

const (
	RejectCooldown      RejectionReason = "cooldown"
	RejectPerAgentDaily RejectionReason = "per_agent_daily_cap"
	RejectPerPairDaily  RejectionReason = "per_pair_daily_cap"
	RejectBusy          RejectionReason = "target_busy"
)

// Rejected is returned by TryWake when a guardrail refuses the wake.
type Rejected struct {
	Reason RejectionReason
	Detail string
}

func (r *Rejected) Error() string { return fmt.Sprintf("wake rejected: %s (%s)", r.Reason, r.Detail) }

// Deliverer actually delivers an admitted wake to its target, e.g. by
// publishing onto the target's inbound channel or event bus.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// Subsystem evaluates and delivers wake notifications.
type Subsystem struct {
	store     counterstore.Store
	busy      BusyChecker
	deliverer Deliverer
	cfg       Config
}

// New constructs a wake Subsystem.
func New(store counterstore.Store, busy BusyChecker, deliverer Deliverer, cfg Config) *Subsystem {
	return &Subsystem{store: store, busy: busy, deliverer: deliverer, cfg: cfg.withDefaults()}
}

func cooldownKey(agentID string) string  { return fmt.Sprintf("wake:cooldown:%s", agentID) }
func agentDayKey(agentID string) string  { return fmt.Sprintf("wake:agent_daily:%s:%s", agentID, dayBucket()) }
func pairDayKey(from, to string) string  { return fmt.Sprintf("wake:pair_daily:%s->%s:%s", from, to, dayBucket()) }

func dayBucket() string {
	return time.Now().UTC().Format("2006-01-02")
}

// TryWake runs all four guardrails in order — cooldown, per-agent/day,
// per-pair/day, busy — and only delivers the message if every one passes.
// Each counter-based guardrail increments optimistically then rolls back
// its own increment (and any already-passed guardrail's increment) if a
// later guardrail rejects, so a rejected wake never leaves a stray count
// behind.
func (s *Subsystem) TryWake(ctx context.Context, msg Message) error {
	cdKey := cooldownKey(msg.To)
	last, err := s.store.GetTimestamp(ctx, cdKey)
	if err != nil {
		return fmt.Errorf("wake: check cooldown: %w", err)
	}
	if !last.IsZero() && time.Since(last) < s.cfg.Cooldown {
		return &Rejected{Reason: RejectCooldown, Detail: fmt.Sprintf("last wake %s ago, cooldown %s", time.Since(last), s.cfg.Cooldown)}
	}

	agentKey := agentDayKey(msg.To)
	agentCount, err := s.store.Increment(ctx, agentKey, dayTTL)
	if err != nil {
		return fmt.Errorf("wake: increment agent daily counter: %w", err)
	}
	if agentCount > int64(s.cfg.PerAgentDaily) {
		s.rollback(ctx, agentKey)
		return &Rejected{Reason: RejectPerAgentDaily, Detail: fmt.Sprintf("%d/%d today", agentCount, s.cfg.PerAgentDaily)}
	}

	pKey := pairDayKey(msg.From, msg.To)
	pairCount, err := s.store.Increment(ctx, pKey, dayTTL)
	if err != nil {
		s.rollback(ctx, agentKey)
		return fmt.Errorf("wake: increment pair daily counter: %w", err)
	}
	if pairCount > int64(s.cfg.PerPairDaily) {
		s.rollback(ctx, agentKey)
		s.rollback(ctx, pKey)
		return &Rejected{Reason: RejectPerPairDaily, Detail: fmt.Sprintf("%d/%d today between %s and %s", pairCount, s.cfg.PerPairDaily, msg.From, msg.To)}
	}

	if s.busy != nil && s.busy.IsBusy(msg.To) {
		s.rollback(ctx, agentKey)
		s.rollback(ctx, pKey)
		return &Rejected{Reason: RejectBusy, Detail: msg.To}
	}

	if err := s.deliverer.Deliver(ctx, msg); err != nil {
		s.rollback(ctx, agentKey)
		s.rollback(ctx, pKey)
		return fmt.Errorf("wake: deliver: %w", err)
	}

	if err := s.store.SetTimestamp(ctx, cdKey, time.Now(), s.cfg.Cooldown); err != nil {
		return fmt.Errorf("wake: record cooldown: %w", err)
	}
	return nil
}

func (s *Subsystem) rollback(ctx context.Context, key string) {
	_, _ = s.store.Decrement(ctx, key)
}
