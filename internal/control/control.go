// Package control exposes campaign operations to bot owners: listing,
// start/stop, stats, the campaign log, and push notifications for finished
// or failed runs.
package control

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"strings"
	"time"

	"tgcast/internal/broadcast"
	"tgcast/internal/campaign"
	"tgcast/internal/storage"
	kit "tgcast/internal/transport"
	"tgcast/internal/transport/telegram/router"
	logx "tgcast/pkg/logx"
)

// Campaigns is the part of broadcast.Service the control bot drives.
type Campaigns interface {
	Start(ctx context.Context, id string, actor broadcast.Actor) (string, error)
	Stop(ctx context.Context, id string, actor broadcast.Actor) error
	Status(ctx context.Context, id string) (broadcast.CampaignStatus, error)
	List(ctx context.Context) ([]broadcast.CampaignStatus, error)
}

type Controller struct {
	campaigns Campaigns
	accounts  storage.AccountStore
	// logPath maps a campaign id to its log file; nil disables /log.
	logPath func(id string) string
	log     logx.Logger
}

func New(campaigns Campaigns, accounts storage.AccountStore, logPath func(string) string, log logx.Logger) *Controller {
	return &Controller{
		campaigns: campaigns,
		accounts:  accounts,
		logPath:   logPath,
		log:       log.With(logx.String("comp", "control")),
	}
}

const cbPrefix = "c"

func (c *Controller) Commands() []router.Command {
	return []router.Command{
		{Name: "campaigns", Aliases: []string{"list", "ls"}, Description: "list campaigns", Timeout: 15 * time.Second, Handle: c.cmdList},
		{Name: "run", Usage: "/run <id>", Description: "start a campaign", Timeout: 30 * time.Second, Handle: c.withID(c.run)},
		{Name: "stop", Usage: "/stop <id>", Description: "stop a campaign", Timeout: 15 * time.Second, Handle: c.withID(c.stop)},
		{Name: "stats", Usage: "/stats <id>", Description: "campaign status and counters", Timeout: 15 * time.Second, Handle: c.withID(c.stats)},
		{Name: "log", Usage: "/log <id>", Description: "send the campaign log file", Timeout: time.Minute, Handle: c.withID(c.sendLog)},
		{Name: "accounts", Description: "list accounts", Timeout: 15 * time.Second, Handle: c.cmdAccounts},
	}
}

func (c *Controller) Callbacks() []router.CallbackRoute {
	route := func(action string, fn func(ctx context.Context, req *router.Request, id string) error) router.CallbackRoute {
		return router.CallbackRoute{
			Prefix:  cbPrefix,
			Action:  action,
			Timeout: 30 * time.Second,
			Handle: func(ctx context.Context, req *router.Request, payload string) error {
				id, err := c.resolveID(ctx, payload)
				if err != nil {
					return err
				}
				return fn(ctx, req, id)
			},
		}
	}
	return []router.CallbackRoute{
		route("show", c.stats),
		route("run", c.run),
		route("stop", c.stop),
		route("log", c.sendLog),
	}
}

func (c *Controller) withID(fn func(ctx context.Context, req *router.Request, id string) error) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if len(req.Args) == 0 {
			return errors.New("campaign id required")
		}
		id, err := c.resolveID(ctx, req.Args[0])
		if err != nil {
			return err
		}
		return fn(ctx, req, id)
	}
}

// resolveID accepts a full id or an unambiguous prefix (listings show 8 chars).
func (c *Controller) resolveID(ctx context.Context, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", errors.New("campaign id required")
	}
	all, err := c.campaigns.List(ctx)
	if err != nil {
		return "", err
	}
	var match []string
	for _, st := range all {
		if st.ID == arg {
			return arg, nil
		}
		if strings.HasPrefix(st.ID, arg) {
			match = append(match, st.ID)
		}
	}
	switch len(match) {
	case 0:
		return "", fmt.Errorf("campaign %q not found", arg)
	case 1:
		return match[0], nil
	default:
		return "", fmt.Errorf("campaign prefix %q is ambiguous (%d matches)", arg, len(match))
	}
}

func actor(req *router.Request) broadcast.Actor {
	return broadcast.Actor{Source: "telegram", UserID: req.FromID, Username: req.FromUsername}
}

func (c *Controller) cmdList(ctx context.Context, req *router.Request) error {
	all, err := c.campaigns.List(ctx)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return req.Reply(ctx, "No campaigns yet.", nil)
	}
	var kb [][]kit.Button
	lines := []string{"📋 <b>Campaigns</b>", ""}
	for _, st := range all {
		lines = append(lines, html.EscapeString(st.Brief()))
		kb = append(kb, []kit.Button{{Text: st.Brief(), Data: cbPrefix + ":show:" + st.ID}})
	}
	return req.Reply(ctx, strings.Join(lines, "\n"), &kit.SendOptions{ParseMode: "HTML", Keyboard: kb})
}

func (c *Controller) run(ctx context.Context, req *router.Request, id string) error {
	runID, err := c.campaigns.Start(ctx, id, actor(req))
	var verr *broadcast.ValidationError
	var already *broadcast.AlreadyRunningError
	switch {
	case errors.As(err, &verr):
		return req.Reply(ctx, "❌ Can't start: "+html.EscapeString(strings.Join(verr.Problems, "; ")), &kit.SendOptions{ParseMode: "HTML"})
	case errors.As(err, &already):
		return req.Reply(ctx, "ℹ️ Already running.", nil)
	case err != nil:
		return err
	}
	c.log.Info("campaign started from chat", logx.String("campaign", id), logx.Int64("user", req.FromID), logx.String("run", runID))
	return req.Reply(ctx, fmt.Sprintf("🚀 Started <code>%s</code> (run %s)", html.EscapeString(id), html.EscapeString(shortID(runID))),
		&kit.SendOptions{ParseMode: "HTML", Keyboard: controls(id, true)})
}

func (c *Controller) stop(ctx context.Context, req *router.Request, id string) error {
	st, err := c.campaigns.Status(ctx, id)
	if err != nil {
		return err
	}
	if st.Live == 0 {
		return req.Reply(ctx, "ℹ️ Not running.", nil)
	}
	if err := c.campaigns.Stop(ctx, id, actor(req)); err != nil {
		return err
	}
	return req.Reply(ctx, "⛔ Stop requested. Workers finish their current message.", nil)
}

func (c *Controller) stats(ctx context.Context, req *router.Request, id string) error {
	st, err := c.campaigns.Status(ctx, id)
	if err != nil {
		return err
	}
	return req.Reply(ctx, RenderStatus(st), &kit.SendOptions{ParseMode: "HTML", Keyboard: controls(id, st.Live > 0)})
}

func (c *Controller) sendLog(ctx context.Context, req *router.Request, id string) error {
	if c.logPath == nil {
		return req.Reply(ctx, "Campaign logs are disabled.", nil)
	}
	path := c.logPath(id)
	if path == "" {
		return req.Reply(ctx, "Campaign logs are disabled.", nil)
	}
	if _, err := os.Stat(path); err != nil {
		return req.Reply(ctx, "No log for this campaign yet.", nil)
	}
	return req.Adapter.SendDocument(ctx, req.Chat, path, "campaign "+id)
}

func (c *Controller) cmdAccounts(ctx context.Context, req *router.Request) error {
	accs, err := c.accounts.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accs) == 0 {
		return req.Reply(ctx, "No accounts.", nil)
	}
	lines := []string{"👤 <b>Accounts</b>", ""}
	for _, a := range accs {
		line := "<code>" + html.EscapeString(a.ID) + "</code> " + html.EscapeString(a.Name)
		if p := a.ProxyConfig(); p != nil {
			line += " · proxy " + html.EscapeString(p.String())
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"), &kit.SendOptions{ParseMode: "HTML"})
}

func controls(id string, running bool) [][]kit.Button {
	first := kit.Button{Text: "▶️ Run", Data: cbPrefix + ":run:" + id}
	if running {
		first = kit.Button{Text: "⛔ Stop", Data: cbPrefix + ":stop:" + id}
	}
	return [][]kit.Button{{
		first,
		{Text: "📊 Stats", Data: cbPrefix + ":show:" + id},
		{Text: "📁 Log", Data: cbPrefix + ":log:" + id},
	}}
}

// RenderStatus formats a campaign for HTML parse mode.
func RenderStatus(st broadcast.CampaignStatus) string {
	title := st.Title
	if title == "" {
		title = "untitled"
	}
	lines := []string{
		fmt.Sprintf("%s <b>%s</b>", st.Status.Marker(), html.EscapeString(title)),
		fmt.Sprintf("id: <code>%s</code>", html.EscapeString(st.ID)),
		fmt.Sprintf("status: %s", statusText(st.Status)),
		"",
		fmt.Sprintf("✅ sent: %d", st.Stats.Sent),
		fmt.Sprintf("❌ failed: %d", st.Stats.Failed),
		fmt.Sprintf("⏭ skipped: %d", st.Stats.Skipped),
		fmt.Sprintf("➕ joined: %d", st.Stats.Joined),
	}
	if st.StartTime != nil {
		lines = append(lines, "", "started: "+st.StartTime.Format("2006-01-02 15:04:05"))
	}
	if st.EndTime != nil {
		lines = append(lines, "ended: "+st.EndTime.Format("2006-01-02 15:04:05"))
	}
	if st.Live > 0 {
		lines = append(lines, fmt.Sprintf("live workers: %d", st.Live))
		for _, w := range st.Workers {
			lines = append(lines, fmt.Sprintf("  · %s: %s", html.EscapeString(w.AccountID), w.State))
		}
	}
	if st.Error != "" {
		lines = append(lines, "", "error: "+html.EscapeString(st.Error))
	}
	return strings.Join(lines, "\n")
}

func statusText(s campaign.Status) string {
	if s == "" {
		return string(campaign.StatusIdle)
	}
	return string(s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
