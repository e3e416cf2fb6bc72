package botapi

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"tgcast/internal/messenger"
)

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

var (
	deniedMarkers = []string{
		"not enough rights",
		"have no rights",
		"need administrator rights",
		"bot was kicked",
		"bot was blocked",
		"chat_write_forbidden",
		"chat_admin_required",
		"user is deactivated",
		"forbidden",
	}
	notFoundMarkers = []string{
		"chat not found",
		"user not found",
		"message to forward not found",
		"message to copy not found",
		"message not found",
		"username_not_occupied",
		"peer_id_invalid",
	}
)

// wrapErr converts telebot errors into messenger error values so the
// worker's policy table can classify them.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var fe tele.FloodError
	if errors.As(err, &fe) {
		return fmt.Errorf("%s: %w", op, &messenger.RateLimitedError{Wait: time.Duration(fe.RetryAfter) * time.Second})
	}

	code := 0
	desc := err.Error()
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
		desc = te.Description
	}
	if m := retryAfterRe.FindStringSubmatch(desc); m != nil || code == 429 {
		secs := 0
		if m != nil {
			secs, _ = strconv.Atoi(m[1])
		}
		return fmt.Errorf("%s: %w", op, &messenger.RateLimitedError{Wait: time.Duration(secs) * time.Second})
	}

	lower := strings.ToLower(desc)
	if strings.Contains(lower, "invite") && strings.Contains(lower, "expired") {
		return fmt.Errorf("%s: %w (%v)", op, messenger.ErrExpiredInvite, err)
	}
	if code == 403 || containsAny(lower, deniedMarkers) {
		return fmt.Errorf("%s: %w (%v)", op, messenger.ErrPermissionDenied, err)
	}
	if containsAny(lower, notFoundMarkers) {
		return fmt.Errorf("%s: %w (%v)", op, messenger.ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
