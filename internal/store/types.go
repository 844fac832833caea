package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("account not found")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON files (temp-write + rename)
//   - "sqlite": SQLite database file
//
// If Driver is empty, "file" is assumed.
type Config struct {
	Driver      string
	Path        string        // file: users directory; sqlite: database path
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Mode selects how a work item is distributed across destinations.
type Mode string

const (
	ModeBroadcast  Mode = "broadcast"
	ModeRoundRobin Mode = "roundrobin"
)

// Record is the durable per-account state: identity/session reference plus
// the forwarding runtime settings. Every mutation is persisted as a whole
// before being acknowledged.
type Record struct {
	Name    string `json:"name"`
	Token   string `json:"token"`
	OwnerID int64  `json:"owner_id"`

	// PlanExpiry is "YYYY-MM-DD"; empty means the plan never expires.
	PlanExpiry string `json:"plan_expiry,omitempty"`

	Destinations        []string   `json:"destinations"`
	PerItemDelaySeconds int        `json:"per_item_delay_seconds"`
	GapSeconds          int        `json:"gap_seconds"`
	Mode                Mode       `json:"mode"`
	RotationCursor      int        `json:"rotation_cursor"`
	QuietStart          string     `json:"quiet_start,omitempty"` // "HH:MM"
	QuietEnd            string     `json:"quiet_end,omitempty"`
	Timezone            string     `json:"timezone,omitempty"`
	AutoNight           bool       `json:"auto_night"`
	RestUntil           *time.Time `json:"rest_until,omitempty"`
}

// JoinKind tags a pending join target.
type JoinKind string

const (
	KindInvite    JoinKind = "invite"
	KindHandle    JoinKind = "handle"
	KindNumericID JoinKind = "id"
)

// JoinItem is one pending join request. (Kind, Value) pairs are unique
// within a persisted queue.
type JoinItem struct {
	Kind  JoinKind `json:"kind"`
	Value string   `json:"value"`
}

// WorkItem is one piece of content awaiting dispatch: the platform handle
// of the message in the owner's scratch space.
type WorkItem struct {
	ChatID     int64     `json:"chat_id"`
	MessageID  int       `json:"message_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
