package broadcast

import (
	"context"
	"math/rand"
	"time"

	"tgcast/internal/campaign"
	"tgcast/internal/eventbus"
	"tgcast/internal/messenger"
	"tgcast/internal/storage"
	logx "tgcast/pkg/logx"
)

// Config tunes the delivery loop. Zero values fall back to the defaults.
type Config struct {
	// SessionDir is handed to the messenger driver with each account.
	SessionDir string
	// ChatsDir resolves relative chats_file paths. Empty means the working dir.
	ChatsDir string

	ParseMode      string
	DisablePreview bool

	JoinSettleMin  time.Duration // 3s
	JoinSettleMax  time.Duration // 10s
	CycleFloor     time.Duration // 10s
	RateLimitGrace time.Duration // 5s
}

func (c Config) withDefaults() Config {
	if c.JoinSettleMin <= 0 {
		c.JoinSettleMin = 3 * time.Second
	}
	if c.JoinSettleMax < c.JoinSettleMin {
		c.JoinSettleMax = 10 * time.Second
		if c.JoinSettleMax < c.JoinSettleMin {
			c.JoinSettleMax = c.JoinSettleMin
		}
	}
	if c.CycleFloor <= 0 {
		c.CycleFloor = 10 * time.Second
	}
	if c.RateLimitGrace <= 0 {
		c.RateLimitGrace = 5 * time.Second
	}
	return c
}

// Store is the persistence the service needs.
type Store interface {
	storage.CampaignStore
	storage.AccountStore
	storage.AuditLog
}

// CampaignLogs hands out per-campaign loggers (pkg/logx.Service).
type CampaignLogs interface {
	CampaignLogger(base logx.Logger, campaignID string) (logx.Logger, func())
}

// Actor identifies who asked for a start/stop, for the audit trail.
type Actor struct {
	Source   string // "telegram", "http", "schedule"
	UserID   int64
	Username string
}

// EventData is the payload of broadcast events on the bus.
type EventData struct {
	RunID     string
	AccountID string
	Title     string
	Status    campaign.Status
	Stats     campaign.Stats
	Error     string
	Took      time.Duration
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithCampaignLogs(l CampaignLogs) Option { return func(s *Service) { s.logs = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithSleeper replaces the timer-based sleep. fn must return ctx.Err() when
// ctx ends before d elapses.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = fn }
}

// WithRand replaces the uniform [0,1) source used for delays.
func WithRand(fn func() float64) Option { return func(s *Service) { s.rnd = fn } }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func defaultRand() float64 { return rand.Float64() }

func credentialsFor(cfg Config, a campaign.Account) messenger.Credentials {
	return messenger.CredentialsFor(a, cfg.SessionDir)
}
