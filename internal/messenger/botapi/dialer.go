// Package botapi is a messenger driver on top of the Telegram Bot API
// (gopkg.in/telebot.v4). Each account is a bot; its token is read from the
// session directory.
//
// Bots cannot join chats or read channel history, so Join/ImportInvite always
// report permission denied and source posts must name an explicit message id.
package botapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"tgcast/internal/messenger"
	logx "tgcast/pkg/logx"
)

type Config struct {
	// APIURL overrides the Bot API endpoint (tests, local bot-api servers).
	APIURL         string
	RatePerSec     float64
	Burst          int
	RequestTimeout time.Duration
}

type Dialer struct {
	cfg Config
	log logx.Logger
}

func NewDialer(cfg Config, log logx.Logger) *Dialer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Dialer{cfg: cfg, log: log}
}

var tokenRe = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{20,}$`)

// Token finds the bot token for an account: api_hash when it holds a token,
// otherwise <session_dir>/<session_name>.token.
func Token(cred messenger.Credentials) (string, error) {
	if tokenRe.MatchString(strings.TrimSpace(cred.APIHash)) {
		return strings.TrimSpace(cred.APIHash), nil
	}
	name := strings.TrimSpace(cred.SessionName)
	if name == "" {
		return "", errors.New("empty session name")
	}
	path := filepath.Join(cred.SessionDir, name+".token")
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read session token: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if !tokenRe.MatchString(tok) {
		return "", fmt.Errorf("session %s: malformed bot token", name)
	}
	return tok, nil
}

func (d *Dialer) httpClient(cred messenger.Credentials) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if u := cred.Proxy.URL(); u != nil {
		tr.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Timeout: d.cfg.RequestTimeout, Transport: tr}
}

// Connect validates the token with getMe and returns a session. Every failure
// is reported as *messenger.ConnectionError.
func (d *Dialer) Connect(ctx context.Context, cred messenger.Credentials) (messenger.Session, error) {
	fail := func(err error) (messenger.Session, error) {
		return nil, &messenger.ConnectionError{AccountID: cred.AccountID, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	tok, err := Token(cred)
	if err != nil {
		return fail(err)
	}

	client := d.httpClient(cred)
	bot, err := tele.NewBot(tele.Settings{
		URL:    d.cfg.APIURL,
		Token:  tok,
		Client: client,
		// No updates are consumed from worker sessions.
		Poller: &tele.LongPoller{Timeout: time.Second},
	})
	if err != nil {
		client.CloseIdleConnections()
		return fail(wrapErr("getMe", err))
	}

	s := &Session{
		bot:    bot,
		client: client,
		lim:    rate.NewLimiter(rate.Limit(d.cfg.RatePerSec), d.cfg.Burst),
		log:    d.log.With(logx.String("account", cred.AccountID)),
	}
	if bot.Me != nil {
		s.me = messenger.Self{ID: bot.Me.ID, Username: bot.Me.Username, FirstName: bot.Me.FirstName}
	}
	if p := cred.Proxy; p != nil {
		s.log.Debug("session uses proxy", logx.String("proxy", p.String()))
	}
	return s, nil
}
