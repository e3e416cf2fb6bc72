package storage

import (
	"context"
	"errors"
	"time"

	"tgcast/internal/campaign"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values: "file" (default), "sqlite", "postgres".
// Path is the data directory (file) or database file (sqlite); DSN is the
// postgres connection string.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records a campaign action (start, stop, finish, error).
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id,omitempty"`
	ActorUsername string    `json:"actor_username,omitempty"`
	Source        string    `json:"source"`
	Action        string    `json:"action"`
	CampaignID    string    `json:"campaign_id"`
	RunID         string    `json:"run_id,omitempty"`
	OK            int       `json:"ok,omitempty"`
	Fail          int       `json:"fail,omitempty"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms,omitempty"`
	MetaJSON      string    `json:"meta,omitempty"`
}

type CampaignStore interface {
	LoadCampaign(ctx context.Context, id string) (campaign.Campaign, error)
	SaveCampaign(ctx context.Context, c campaign.Campaign) error
	ListCampaigns(ctx context.Context) ([]campaign.Campaign, error)
}

type AccountStore interface {
	LoadAccount(ctx context.Context, id string) (campaign.Account, error)
	SaveAccount(ctx context.Context, a campaign.Account) error
	ListAccounts(ctx context.Context) ([]campaign.Account, error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// Store is the full persistence API.
type Store interface {
	CampaignStore
	AccountStore
	AuditLog
	Close() error
}
