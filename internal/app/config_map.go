package app

import (
	"fmt"
	"strings"
	"time"

	"tgcast/internal/broadcast"
	"tgcast/internal/config"
	"tgcast/internal/httpapi"
	"tgcast/internal/messenger/botapi"
	"tgcast/internal/schedule"
	"tgcast/internal/storage"
	logx "tgcast/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		CampaignDir: cfg.Logging.CampaignDir,
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Control.Enabled,
			ChatID:     cfg.Control.LogChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file", "json":
		if path == "" {
			path = "./data"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pq":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDialerConfig(cfg *config.Config) (botapi.Config, error) {
	timeout, err := config.ParseDurationField("messenger.request_timeout", cfg.Messenger.RequestTimeout)
	if err != nil {
		return botapi.Config{}, err
	}
	return botapi.Config{
		APIURL:         cfg.Messenger.APIURL,
		RatePerSec:     cfg.Messenger.RatePerSec,
		Burst:          cfg.Messenger.Burst,
		RequestTimeout: timeout,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	sc := cfg.Sender
	out := broadcast.Config{
		SessionDir:     cfg.Messenger.SessionDir,
		ChatsDir:       sc.ChatsDir,
		ParseMode:      sc.ParseMode,
		DisablePreview: true,
	}
	if out.ParseMode == "" {
		out.ParseMode = "Markdown"
	}
	if sc.DisablePreview != nil {
		out.DisablePreview = *sc.DisablePreview
	}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"sender.join_settle_min", sc.JoinSettleMin, &out.JoinSettleMin},
		{"sender.join_settle_max", sc.JoinSettleMax, &out.JoinSettleMax},
		{"sender.cycle_floor", sc.CycleFloor, &out.CycleFloor},
		{"sender.rate_limit_grace", sc.RateLimitGrace, &out.RateLimitGrace},
	}
	for _, f := range fields {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return broadcast.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Enabled:     cfg.HTTP.Enabled,
		Addr:        cfg.HTTP.Addr,
		Token:       cfg.HTTP.Token,
		JWTSecret:   cfg.HTTP.JWTSecret,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Pprof:       cfg.HTTP.Pprof,
	}
}

func mapSchedules(cfg *config.Config) []schedule.Def {
	out := make([]schedule.Def, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		out = append(out, schedule.Def{
			Name:     s.Name,
			Campaign: s.Campaign,
			Start:    s.Start,
			Stop:     s.Stop,
			Timezone: s.Timezone,
		})
	}
	return out
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("sender.shutdown_timeout", cfg.Sender.ShutdownTimeout, 15*time.Second)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// validate runs every mapping so a hot reload that would fail to apply is
// rejected before it is committed.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDialerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if err := schedule.Compile(mapSchedules(cfg)); err != nil {
		return fmt.Errorf("schedules: %w", err)
	}
	return nil
}
