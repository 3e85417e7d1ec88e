// Package agent defines the external "session runner" contract the
// scheduler, wake subsystem, and channel bridges all call through (§6
// "Session runner") and the response-sanitization helpers applied to
// whatever a runner returns. It intentionally does not implement the
// runner itself — persona/prompt construction, provider HTTP clients, and
// tool execution are out of scope (spec Non-goals) and live behind this
// interface in a real deployment.
package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MediaResult is a piece of media the runner produced alongside its text
// response (e.g. a generated image to forward to the channel).
type MediaResult struct {
	Path        string
	ContentType string
	AsVoice     bool
}

// RunRequest is everything a SessionRunner needs to execute one turn. The
// shape mirrors the teacher's agent.RunRequest so a real provider-backed
// runner can be dropped in without changing any caller.
type RunRequest struct {
	SessionKey string
	Message    string
	Media      []string

	Channel  string
	ChatID   string
	PeerKind string

	RunID    string
	UserID   string
	SenderID string

	Stream            bool
	ExtraSystemPrompt string
	HistoryLimit      int

	ParentTraceID     uuid.UUID
	ParentRootSpanID  uuid.UUID
	TraceName         string
	TraceTags         []string
}

// RunResult is what a SessionRunner reports back for one turn.
type RunResult struct {
	Content    string
	RunID      string
	Iterations int
	Media      []MediaResult
}

// SessionRunner executes one conversational turn for a session. The
// scheduler's PulseContext and the channel bridge's inbound pipeline both
// terminate in a call to RunPulse/Run — neither package knows or cares how
// the turn is actually produced.
type SessionRunner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// EchoRunner is a trivial SessionRunner used by the CLI's demo mode and by
// tests: it echoes the inbound message back, optionally after a small
// simulated delay, exercising the full scheduler/bridge wiring without a
// real model behind it.
type EchoRunner struct {
	Delay func() time.Duration
}

// Run implements SessionRunner.
func (r EchoRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if r.Delay != nil {
		select {
		case <-time.After(r.Delay()):
		case <-ctx.Done():
			return RunResult{}, ctx.Err()
		}
	}
	return RunResult{Content: "echo: " + req.Message, RunID: req.RunID}, nil
}

var _ SessionRunner = EchoRunner{}
