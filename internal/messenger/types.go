// Package messenger is the contract between the broadcast workers and a
// messaging backend. Drivers live in subpackages (botapi); the worker only sees
// Session and the error values in errors.go.
package messenger

import (
	"context"
	"strconv"
	"time"

	"tgcast/internal/campaign"
)

type EntityKind int

const (
	KindUnknown EntityKind = iota
	KindUser
	KindGroup
	KindSupergroup
	KindChannel
)

func (k EntityKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	case KindSupergroup:
		return "supergroup"
	case KindChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// Entity is a resolved destination.
type Entity struct {
	ID     int64
	Handle string // public username without '@', empty for private chats
	Title  string
	Kind   EntityKind

	// Raw is the driver's own representation, passed back on later calls.
	Raw any
}

// IsGroupLike reports whether the entity is something a campaign can post to
// (groups, supergroups and channels).
func (e Entity) IsGroupLike() bool {
	switch e.Kind {
	case KindGroup, KindSupergroup, KindChannel:
		return true
	}
	return false
}

// Name is the label used in logs: title, then @handle, then the numeric id.
func (e Entity) Name() string {
	if e.Title != "" {
		return e.Title
	}
	if e.Handle != "" {
		return "@" + e.Handle
	}
	return strconv.FormatInt(e.ID, 10)
}

// MessageRef points at an existing message (the source post of a campaign).
type MessageRef struct {
	ChatID    int64
	MessageID int
	Text      string
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Self describes the connected account.
type Self struct {
	ID        int64
	Username  string
	FirstName string
}

func (s Self) String() string {
	if s.Username != "" {
		return s.FirstName + " (@" + s.Username + ")"
	}
	return s.FirstName
}

// Credentials are everything a driver needs to open a session for an account.
type Credentials struct {
	AccountID   string
	Name        string
	SessionName string
	SessionDir  string
	APIID       int
	APIHash     string
	Proxy       *campaign.Proxy
}

// CredentialsFor builds Credentials from a stored account record.
func CredentialsFor(a campaign.Account, sessionDir string) Credentials {
	return Credentials{
		AccountID:   a.ID,
		Name:        a.Name,
		SessionName: a.SessionName,
		SessionDir:  sessionDir,
		APIID:       a.APIID,
		APIHash:     a.APIHash,
		Proxy:       a.ProxyConfig(),
	}
}

// Session is one connected account. Implementations must be safe for use by a
// single worker goroutine; they need not be shared.
type Session interface {
	Self() Self

	Resolve(ctx context.Context, destination string) (Entity, error)
	IsMember(ctx context.Context, e Entity) (bool, error)
	// Join joins a public group or channel. Fails with ErrNoPublicHandle
	// when the entity has no handle.
	Join(ctx context.Context, e Entity) error
	// ImportInvite joins through a private invite hash.
	ImportInvite(ctx context.Context, hash string) (Entity, error)

	// SendTyping shows the typing indicator for roughly d. It does not block
	// for d; callers sleep on their own clock.
	SendTyping(ctx context.Context, e Entity, d time.Duration) error
	SendText(ctx context.Context, e Entity, text string, opt SendOptions) error
	Forward(ctx context.Context, e Entity, src MessageRef) error
	Copy(ctx context.Context, e Entity, src MessageRef, opt SendOptions) error

	ResolveSourceMessage(ctx context.Context, link string) (MessageRef, error)

	Close() error
}

// Dialer opens sessions. A failing Connect is fatal for the worker calling it.
type Dialer interface {
	Connect(ctx context.Context, cred Credentials) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cred Credentials) (Session, error)

func (f DialerFunc) Connect(ctx context.Context, cred Credentials) (Session, error) {
	return f(ctx, cred)
}
