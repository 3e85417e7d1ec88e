package store

import (
	"context"

	"github.com/google/uuid"
)

// Stores is the top-level container for the storage backends the gateway
// actually depends on in this build. Optional stores (Pairing, Agents,
// Teams) may be nil — every caller treats a nil store as "feature
// disabled" rather than an error, matching the channel adapters' own
// nil-guarded pairing/writer-management code paths.
type Stores struct {
	Sessions SessionStore
	Pairing  PairingStore // nil disables the pairing DM-gate, falling back to allowlist only
	Agents   AgentStore   // nil disables group file-writer management commands
	Teams    TeamStore    // nil disables team-aware commands
}

// PairingStore tracks which external senders have been approved ("paired")
// to talk to a given channel, and issues one-time pairing codes for the
// ones that haven't.
type PairingStore interface {
	IsPaired(senderID, channel string) bool
	RequestPairing(senderID, channel, chatID, variant string) (code string, err error)
}

// Agent is the minimal agent identity record a channel adapter needs to
// resolve its configured agent key to a stable ID for writer-list scoping.
type Agent struct {
	ID uuid.UUID
}

// GroupFileWriter is one entry in a group's file-writer allowlist (§ group
// commands: who may ask the agent to read/write files on behalf of a
// group chat).
type GroupFileWriter struct {
	UserID      string
	Username    *string
	DisplayName *string
}

// AgentStore resolves agent identity and manages each group's file-writer
// allowlist.
type AgentStore interface {
	GetByKey(ctx context.Context, key string) (*Agent, error)
	IsGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID string) (bool, error)
	AddGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID, firstName, username string) error
	RemoveGroupFileWriter(ctx context.Context, agentID uuid.UUID, groupID, userID string) error
	ListGroupFileWriters(ctx context.Context, agentID uuid.UUID, groupID string) ([]GroupFileWriter, error)
}

// TeamStore is consulted by team-aware channel commands (e.g. /tasks). No
// adapter in this build calls it yet; it exists so a channel's teamStore
// field type-checks without forcing every deployment to wire one.
type TeamStore interface {
	GetTeamID(ctx context.Context, agentID uuid.UUID) (string, error)
}
