// Package campaign holds the persisted campaign and account records.
//
// The JSON shape matches the data files the bot has always written
// (data/campaigns.json, data/accounts.json), so existing stores load as-is.
package campaign

import (
	"time"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

// Marker is the short status glyph used in listings.
func (s Status) Marker() string {
	switch s {
	case StatusRunning:
		return "🟢"
	case StatusStopped:
		return "⛔"
	case StatusFinished:
		return "✅"
	case StatusError:
		return "❌"
	default:
		return "⚪"
	}
}

// Stats are delivery counters. Add is commutative and associative, so worker
// results can be merged in any completion order.
type Stats struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Joined  int `json:"joined"`
}

func (s Stats) Add(o Stats) Stats {
	return Stats{
		Sent:    s.Sent + o.Sent,
		Failed:  s.Failed + o.Failed,
		Skipped: s.Skipped + o.Skipped,
		Joined:  s.Joined + o.Joined,
	}
}

func (s Stats) IsZero() bool { return s == Stats{} }

// IndefiniteDuration marks a campaign that loops until stopped.
const IndefiniteDuration = -1

type Campaign struct {
	ID         string   `json:"id" validate:"required"`
	Title      string   `json:"title"`
	AccountIDs []string `json:"account_ids"`
	ChatsFile  string   `json:"chats_file"`

	MessageText string `json:"message_text,omitempty"`
	SourceLink  string `json:"source_link,omitempty"`
	UseForward  bool   `json:"use_forward"`

	MinDelay float64 `json:"min_delay" validate:"gte=0,ltefield=MaxDelay"`
	MaxDelay float64 `json:"max_delay" validate:"gte=0"`

	TypingDelay bool    `json:"typing_delay"`
	TypingMin   float64 `json:"typing_min" validate:"gte=0,ltefield=TypingMax"`
	TypingMax   float64 `json:"typing_max" validate:"gte=0"`

	// DurationMinutes nil or -1 means indefinite looping.
	DurationMinutes *int `json:"duration_minutes"`
	// BigDelayMinutes is the optional cool-down between cycles of an indefinite run.
	BigDelayMinutes *float64 `json:"big_delay_minutes"`

	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	Stats     Stats      `json:"stats"`
	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
}

// Defaults mirrors the values new campaigns are created with.
func Defaults(id, title string) Campaign {
	return Campaign{
		ID:          id,
		Title:       title,
		ChatsFile:   "chats.txt",
		MinDelay:    30,
		MaxDelay:    60,
		TypingDelay: true,
		TypingMin:   2,
		TypingMax:   5,
		Status:      StatusIdle,
	}
}

// Indefinite reports whether the campaign loops until stopped.
func (c Campaign) Indefinite() bool {
	return c.DurationMinutes == nil || *c.DurationMinutes == IndefiniteDuration
}

// Duration is the run time budget of a timed campaign (0 for indefinite ones).
func (c Campaign) Duration() time.Duration {
	if c.Indefinite() || *c.DurationMinutes < 0 {
		return 0
	}
	return time.Duration(*c.DurationMinutes) * time.Minute
}

// CycleCooldown is the configured pause between cycles (0 when unset).
func (c Campaign) CycleCooldown() time.Duration {
	if c.BigDelayMinutes == nil || *c.BigDelayMinutes <= 0 {
		return 0
	}
	return time.Duration(*c.BigDelayMinutes * float64(time.Minute))
}

// Brief is the one-line listing form: "<marker> <id prefix> • <title>".
func (c Campaign) Brief() string {
	id := c.ID
	if len(id) > 8 {
		id = id[:8]
	}
	title := c.Title
	if title == "" {
		title = "untitled"
	}
	return c.Status.Marker() + " " + id + " • " + title
}

type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadText
	PayloadPost
)

// Payload is the message variant a campaign delivers.
//
// A post payload references an existing channel post (SourceLink); it is
// forwarded verbatim when Forward is set and re-sent as a copy otherwise.
// Text doubles as the fallback when the post can't be resolved.
type Payload struct {
	Kind       PayloadKind
	Text       string
	SourceLink string
	Forward    bool
}

func (c Campaign) Payload() Payload {
	p := Payload{Text: c.MessageText, SourceLink: c.SourceLink, Forward: c.UseForward}
	switch {
	case c.SourceLink != "":
		p.Kind = PayloadPost
	case c.MessageText != "":
		p.Kind = PayloadText
	default:
		p.Kind = PayloadNone
	}
	return p
}

type Account struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name"`
	SessionName string `json:"session_name" validate:"required"`
	APIID       int    `json:"api_id" validate:"gte=0"`
	APIHash     string `json:"api_hash"`
	Proxy       *Proxy `json:"proxy" validate:"-"`
}

// Clone returns a copy that shares no pointers with c.
func (c Campaign) Clone() Campaign {
	out := c
	out.AccountIDs = append([]string(nil), c.AccountIDs...)
	if c.DurationMinutes != nil {
		v := *c.DurationMinutes
		out.DurationMinutes = &v
	}
	if c.BigDelayMinutes != nil {
		v := *c.BigDelayMinutes
		out.BigDelayMinutes = &v
	}
	if c.StartTime != nil {
		v := *c.StartTime
		out.StartTime = &v
	}
	if c.EndTime != nil {
		v := *c.EndTime
		out.EndTime = &v
	}
	return out
}

func (a Account) Clone() Account {
	out := a
	if a.Proxy != nil {
		p := *a.Proxy
		out.Proxy = &p
	}
	return out
}
