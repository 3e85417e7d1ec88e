package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/goclaw/internal/tracing"
)

// PulseContext is the gathered context passed to a SessionRunner for a
// fired pulse: the routine/agent identity plus whatever auxiliary data the
// runner needs (unread items, open tasks, overrides) collected concurrently
// with first-error cancellation (§4.3 step 3).
type PulseContext struct {
	AgentID     string
	RoutineID   string
	RoutineName string
	Source      PulseSource
	ScheduledAt time.Time
	Overrides   Overrides
	Unread      []string
	OpenTasks   []string
}

// PulseResult is what a SessionRunner reports back for a fired pulse.
type PulseResult struct {
	AgentID     string
	RoutineID   string
	ScheduledAt int64
	StartedAt   time.Time
	EndedAt     time.Time
	Err         error
}

// SessionRunner is the §6 "Session runner" external interface: it runs one
// pulse to completion. The scheduler package never runs agent logic itself.
type SessionRunner interface {
	RunPulse(ctx context.Context, pc PulseContext) error
}

// ContextFetcher gathers the auxiliary fields of PulseContext. Each method
// may be slow (network, storage) so the executor runs them concurrently and
// cancels the rest on first error.
type ContextFetcher interface {
	FetchUnread(ctx context.Context, agentID string) ([]string, error)
	FetchOpenTasks(ctx context.Context, agentID string) ([]string, error)
}

// Executor drives the fire loop: arm a timer for the next scheduled pulse,
// wake up, ask the Gate whether it may run, gather context, and hand off to
// a SessionRunner.
type Executor struct {
	sched    *Scheduler
	gate     *Gate
	runner   SessionRunner
	fetcher  ContextFetcher
	registry *InMemoryRegistry

	results chan PulseResult

	// manualTrigger lets a caller force an immediate pulse for an agent,
	// racing against the armed timer (§4.3 "manual trigger race").
	manualTrigger chan string
}

// NewExecutor wires a Scheduler, Gate, SessionRunner and ContextFetcher
// together. registry must be the same InMemoryRegistry instance the Gate
// was constructed with, so the executor can mark sessions active/ended.
func NewExecutor(sched *Scheduler, gate *Gate, registry *InMemoryRegistry, runner SessionRunner, fetcher ContextFetcher) *Executor {
	return &Executor{
		sched:         sched,
		gate:          gate,
		runner:        runner,
		fetcher:       fetcher,
		registry:      registry,
		results:       make(chan PulseResult, 64),
		manualTrigger: make(chan string, 16),
	}
}

// Results returns the channel pulse outcomes are published on.
func (e *Executor) Results() <-chan PulseResult { return e.results }

// TriggerNow requests an immediate, out-of-band pulse for agentID, racing
// any already-armed timer. Never blocks the caller.
func (e *Executor) TriggerNow(agentID string) {
	select {
	case e.manualTrigger <- agentID:
	default:
		slog.Warn("scheduler.manual_trigger_dropped", "agent", agentID, "reason", "trigger queue full")
	}
}

// Run drives the fire loop until ctx is cancelled. agentIDs is the fixed
// set of agents to schedule for; in production this would instead be
// sourced from a live agent registry, but the executor's loop shape does
// not depend on that.
func (e *Executor) Run(ctx context.Context, agentIDs []string) error {
	for {
		next, wait := e.armNextTimer(agentIDs)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case agentID := <-e.manualTrigger:
			timer.Stop()
			e.fireManual(ctx, agentID)
		case <-timer.C:
			if next != nil {
				e.fireScheduled(ctx, next)
			}
		}
	}
}

// armNextTimer finds the soonest pulse across every agent and returns the
// duration to wait for it (bounded to avoid a negative/zero busy-loop).
func (e *Executor) armNextTimer(agentIDs []string) (*ScheduledPulse, time.Duration) {
	var best *ScheduledPulse
	for _, id := range agentIDs {
		p, err := e.sched.GetNextPulseTime(id)
		if err != nil {
			continue
		}
		best = pickEarlier(best, p)
	}
	if best == nil {
		return nil, time.Minute // nothing scheduled; re-poll periodically
	}
	wait := time.Until(time.UnixMilli(best.ScheduledAt))
	if wait < 0 {
		wait = 0
	}
	return best, wait
}

func (e *Executor) fireManual(ctx context.Context, agentID string) {
	e.execute(ctx, &ScheduledPulse{AgentID: agentID, ScheduledAt: time.Now().UnixMilli(), Source: SourceManual})
}

func (e *Executor) fireScheduled(ctx context.Context, pulse *ScheduledPulse) {
	e.execute(ctx, pulse)
}

func (e *Executor) execute(ctx context.Context, pulse *ScheduledPulse) {
	admitted, skips, warned := e.gate.Admit(pulse.AgentID, pulse.RoutineID)
	if warned {
		slog.Warn("scheduler.routine_starved", "agent", pulse.AgentID, "routine", pulse.RoutineID, "consecutive_skips", skips)
	}
	if !admitted {
		e.results <- PulseResult{AgentID: pulse.AgentID, RoutineID: pulse.RoutineID, ScheduledAt: pulse.ScheduledAt,
			Err: &ErrSkipped{AgentID: pulse.AgentID, RoutineID: pulse.RoutineID, ConsecutiveSkips: skips}}
		return
	}

	end := e.registry.StartPulseSession(pulse.AgentID, pulse.RoutineID)
	started := time.Now()

	spanCtx, span := tracing.Tracer().Start(ctx, "scheduler.pulse_execute",
		oteltrace.WithAttributes(
			attribute.String("agent_id", pulse.AgentID),
			attribute.String("routine_id", pulse.RoutineID),
			attribute.String("source", string(pulse.Source)),
		),
	)

	go func() {
		defer span.End()
		defer end()
		defer e.removeOneOffIfConsumed(pulse)
		defer e.recordRun(pulse)

		pc, err := e.gatherContext(spanCtx, pulse)
		if err != nil {
			err = fmt.Errorf("gather context: %w", err)
			tracing.SetErr(span, err)
			e.results <- PulseResult{AgentID: pulse.AgentID, RoutineID: pulse.RoutineID, ScheduledAt: pulse.ScheduledAt,
				StartedAt: started, EndedAt: time.Now(), Err: err}
			return
		}

		runErr := e.runner.RunPulse(spanCtx, pc)
		tracing.SetErr(span, runErr)
		e.results <- PulseResult{
			AgentID: pulse.AgentID, RoutineID: pulse.RoutineID, ScheduledAt: pulse.ScheduledAt,
			StartedAt: started, EndedAt: time.Now(), Err: runErr,
		}
	}()
}

// gatherContext runs the fetcher calls concurrently, cancelling the rest on
// first error (§4.3 step 3).
func (e *Executor) gatherContext(ctx context.Context, pulse *ScheduledPulse) (PulseContext, error) {
	pc := PulseContext{
		AgentID: pulse.AgentID, RoutineID: pulse.RoutineID, RoutineName: pulse.RoutineName,
		Source: pulse.Source, ScheduledAt: time.UnixMilli(pulse.ScheduledAt),
	}
	if e.fetcher == nil {
		return pc, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		unread, err := e.fetcher.FetchUnread(gctx, pulse.AgentID)
		if err != nil {
			return fmt.Errorf("fetch unread: %w", err)
		}
		pc.Unread = unread
		return nil
	})
	g.Go(func() error {
		tasks, err := e.fetcher.FetchOpenTasks(gctx, pulse.AgentID)
		if err != nil {
			return fmt.Errorf("fetch open tasks: %w", err)
		}
		pc.OpenTasks = tasks
		return nil
	})
	if err := g.Wait(); err != nil {
		return pc, err
	}
	return pc, nil
}

// removeOneOffIfConsumed drops a one-off pulse from the schedule once it has
// fired, so it never fires twice.
func (e *Executor) removeOneOffIfConsumed(pulse *ScheduledPulse) {
	if pulse.Source != SourceOneOff {
		return
	}
	if err := e.sched.RemoveOneOffPulse(pulse.AgentID, time.UnixMilli(pulse.ScheduledAt)); err != nil {
		slog.Debug("scheduler.one_off_already_removed", "agent", pulse.AgentID, "at", pulse.ScheduledAt, "err", err)
	}
}

// recordRun updates the routine/legacy schedule's run stats so the next
// nextFire computation honours the minimum spacing since last run.
func (e *Executor) recordRun(pulse *ScheduledPulse) {
	e.sched.mu.Lock()
	defer e.sched.mu.Unlock()
	now := time.Now()
	if pulse.RoutineID != "" {
		if r, ok := e.sched.routineSchedules[pulse.RoutineID]; ok {
			r.Stats.LastRunAt = now
			r.Stats.TotalRuns++
		}
		return
	}
	if legacy, ok := e.sched.agentSchedules[pulse.AgentID]; ok {
		legacy.Stats.LastRunAt = now
		legacy.Stats.TotalRuns++
	}
}
