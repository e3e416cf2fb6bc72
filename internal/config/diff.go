package config

import (
	"reflect"

	logx "tgcast/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (tokens, dsn) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Control.Enabled != newCfg.Control.Enabled ||
		oldCfg.Control.Token != newCfg.Control.Token ||
		oldCfg.Control.LogChatID != newCfg.Control.LogChatID ||
		oldCfg.Control.Notify != newCfg.Control.Notify ||
		oldCfg.Control.PollTimeout != newCfg.Control.PollTimeout ||
		!reflect.DeepEqual(oldCfg.Control.OwnerUserIDs, newCfg.Control.OwnerUserIDs) {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", newCfg.Control.Enabled),
			logx.Int("control.owner_count", len(newCfg.Control.OwnerUserIDs)),
			logx.Bool("control.token_changed", oldCfg.Control.Token != newCfg.Control.Token),
			logx.Bool("control.notify", newCfg.Control.Notify),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.jwt_set", newCfg.HTTP.JWTSecret != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
			logx.String("logging.campaign_dir", newCfg.Logging.CampaignDir),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Messenger != newCfg.Messenger {
		changed = append(changed, "messenger")
		attrs = append(attrs,
			logx.String("messenger.driver", newCfg.Messenger.Driver),
			logx.Float64("messenger.rate_per_sec", newCfg.Messenger.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sender, newCfg.Sender) {
		changed = append(changed, "sender")
		attrs = append(attrs, logx.String("sender.parse_mode", newCfg.Sender.ParseMode))
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	return changed, attrs
}

// RequiresRestart reports sections whose change is only picked up on restart.
func RequiresRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "control", "storage", "messenger":
			out = append(out, s)
		}
	}
	return out
}
