package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks cross-field rules and every duration string.
func (c *Config) Validate() error {
	var errs []error

	if c.Control.Enabled {
		if strings.TrimSpace(c.Control.Token) == "" {
			errs = append(errs, errors.New("control.token is required when control.enabled"))
		}
		if len(c.Control.OwnerUserIDs) == 0 {
			errs = append(errs, errors.New("control.owner_user_ids must not be empty"))
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Messenger.Driver)); d {
	case "", "botapi":
	default:
		errs = append(errs, fmt.Errorf("messenger.driver: unknown driver %q", d))
	}

	durations := map[string]string{
		"control.poll_timeout":      c.Control.PollTimeout,
		"storage.busy_timeout":      c.Storage.BusyTimeout,
		"messenger.request_timeout": c.Messenger.RequestTimeout,
		"sender.join_settle_min":    c.Sender.JoinSettleMin,
		"sender.join_settle_max":    c.Sender.JoinSettleMax,
		"sender.cycle_floor":        c.Sender.CycleFloor,
		"sender.rate_limit_grace":   c.Sender.RateLimitGrace,
		"sender.shutdown_timeout":   c.Sender.ShutdownTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	lo, _ := ParseDurationField("", c.Sender.JoinSettleMin)
	hi, _ := ParseDurationField("", c.Sender.JoinSettleMax)
	if lo > 0 && hi > 0 && lo > hi {
		errs = append(errs, errors.New("sender.join_settle_min must be <= sender.join_settle_max"))
	}

	seen := map[string]bool{}
	for i, s := range c.Schedules {
		p := fmt.Sprintf("schedules[%d]", i)
		if strings.TrimSpace(s.Campaign) == "" {
			errs = append(errs, fmt.Errorf("%s.campaign is required", p))
		}
		if strings.TrimSpace(s.Start) == "" && strings.TrimSpace(s.Stop) == "" {
			errs = append(errs, fmt.Errorf("%s: start or stop is required", p))
		}
		if n := strings.TrimSpace(s.Name); n != "" {
			if seen[n] {
				errs = append(errs, fmt.Errorf("%s.name %q is duplicated", p, n))
			}
			seen[n] = true
		}
	}

	return errors.Join(errs...)
}
