// Package platform defines the capability interface the forwarding core
// consumes from the messaging client. The concrete Telegram adapter lives
// in platform/telegram; tests use in-memory fakes.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound: the descriptor does not resolve to any entity.
	ErrNotFound = errors.New("entity not found")
	// ErrRejected: the platform refused a join/import for a non-transient
	// reason (banned, invalid or expired invite, unsupported operation).
	ErrRejected = errors.New("join rejected")
)

// RateLimitedError carries the platform-mandated wait before the next
// attempt of the same operation.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// AsRateLimited extracts a RateLimitedError from an error chain.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// Entity is an addressable destination chat.
type Entity struct {
	ID       int64
	Username string
	Title    string
}

// JoinOutcome reports a successful join or import. AlreadyMember joins are
// no-ops and must not consume join-rate budget.
type JoinOutcome struct {
	Entity        Entity
	AlreadyMember bool
}

// Client is the messaging capability surface consumed by the resolver and
// scheduler.
type Client interface {
	// ResolveEntity looks up a handle ("name", "@name") or numeric id.
	ResolveEntity(ctx context.Context, descriptor string) (Entity, error)
	// JoinEntity joins a resolved channel/group.
	JoinEntity(ctx context.Context, ent Entity) (JoinOutcome, error)
	// ImportInvite redeems an invite-link hash.
	ImportInvite(ctx context.Context, inviteHash string) (JoinOutcome, error)
	// SendOrForward relays the message identified by (srcChatID, messageID)
	// to dest.
	SendOrForward(ctx context.Context, dest Entity, srcChatID int64, messageID int) error
	// NotifyOwner sends best-effort status text back to the owner.
	NotifyOwner(ctx context.Context, text string) error
}

// Update is one new item in the owner's scratch space: either content to
// forward or a command.
type Update struct {
	ChatID    int64
	MessageID int
	SenderID  int64
	Text      string
	FromOwner bool
}

// Transport is a Client with a lifecycle that feeds scratch-space updates
// into the core.
type Transport interface {
	Client
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context)
}
