package control

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tgcast/internal/broadcast"
	"tgcast/internal/campaign"
	"tgcast/internal/eventbus"
	"tgcast/internal/storage"
	kit "tgcast/internal/transport"
	"tgcast/internal/transport/telegram/router"
	"tgcast/internal/transport/transporttest"
	logx "tgcast/pkg/logx"
)

type fakeCampaigns struct {
	items    map[string]broadcast.CampaignStatus
	startErr error
	started  []broadcast.Actor
	stopped  []string
}

func (f *fakeCampaigns) Start(_ context.Context, id string, a broadcast.Actor) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, a)
	st := f.items[id]
	st.Status = campaign.StatusRunning
	st.Live = 1
	f.items[id] = st
	return "0123456789-run", nil
}

func (f *fakeCampaigns) Stop(_ context.Context, id string, _ broadcast.Actor) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeCampaigns) Status(_ context.Context, id string) (broadcast.CampaignStatus, error) {
	st, ok := f.items[id]
	if !ok {
		return st, storage.ErrNotFound
	}
	return st, nil
}

func (f *fakeCampaigns) List(context.Context) ([]broadcast.CampaignStatus, error) {
	var out []broadcast.CampaignStatus
	for _, st := range f.items {
		out = append(out, st)
	}
	return out, nil
}

type fakeAccounts struct{ list []campaign.Account }

func (f fakeAccounts) LoadAccount(context.Context, string) (campaign.Account, error) {
	return campaign.Account{}, storage.ErrNotFound
}
func (f fakeAccounts) SaveAccount(context.Context, campaign.Account) error { return nil }
func (f fakeAccounts) ListAccounts(context.Context) ([]campaign.Account, error) {
	return f.list, nil
}

func newFixture(t *testing.T) (*Controller, *fakeCampaigns, *transporttest.Adapter, string) {
	t.Helper()
	dir := t.TempDir()
	fc := &fakeCampaigns{items: map[string]broadcast.CampaignStatus{
		"abcdef123456": {Campaign: campaign.Campaign{ID: "abcdef123456", Title: "spring", Status: campaign.StatusIdle}},
		"abcxyz000000": {Campaign: campaign.Campaign{ID: "abcxyz000000", Title: "autumn", Status: campaign.StatusFinished}},
	}}
	accs := fakeAccounts{list: []campaign.Account{{ID: "a1", Name: "main", Proxy: &campaign.Proxy{Host: "10.0.0.1", Port: 1080, Password: "secret"}}}}
	logPath := func(id string) string { return filepath.Join(dir, "campaign_"+id+".log") }
	return New(fc, accs, logPath, logx.Nop()), fc, &transporttest.Adapter{}, dir
}

func request(ad kit.Adapter, args ...string) *router.Request {
	return &router.Request{Adapter: ad, Chat: kit.ChatTarget{ChatID: 5}, FromID: 42, FromUsername: "owner", Args: args}
}

func handler(c *Controller, name string) router.HandlerFunc {
	for _, cmd := range c.Commands() {
		if cmd.Name == name {
			return cmd.Handle
		}
	}
	return nil
}

func TestResolveIDPrefix(t *testing.T) {
	t.Parallel()
	c, _, _, _ := newFixture(t)
	ctx := context.Background()
	if id, err := c.resolveID(ctx, "abcdef"); err != nil || id != "abcdef123456" {
		t.Fatalf("resolveID = %q, %v", id, err)
	}
	if _, err := c.resolveID(ctx, "abc"); err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Fatalf("expected ambiguity error, got %v", err)
	}
	if _, err := c.resolveID(ctx, "zzz"); err == nil {
		t.Fatal("expected not found")
	}
}

func TestRunAndStop(t *testing.T) {
	t.Parallel()
	c, fc, ad, _ := newFixture(t)
	ctx := context.Background()

	if err := handler(c, "run")(ctx, request(ad, "abcdef")); err != nil {
		t.Fatal(err)
	}
	if len(fc.started) != 1 || fc.started[0].Source != "telegram" || fc.started[0].UserID != 42 {
		t.Fatalf("actor = %+v", fc.started)
	}
	sent := ad.Sent()
	if !strings.Contains(sent[0].Text, "Started") || !strings.Contains(sent[0].Text, "01234567") {
		t.Fatalf("reply = %q", sent[0].Text)
	}
	if kb := sent[0].Options.Keyboard; len(kb) != 1 || kb[0][0].Data != "c:stop:abcdef123456" {
		t.Fatalf("keyboard = %+v", kb)
	}

	if err := handler(c, "stop")(ctx, request(ad, "abcdef123456")); err != nil {
		t.Fatal(err)
	}
	if len(fc.stopped) != 1 {
		t.Fatal("stop not forwarded")
	}

	if err := handler(c, "stop")(ctx, request(ad, "abcxyz")); err != nil {
		t.Fatal(err)
	}
	if len(fc.stopped) != 1 {
		t.Fatal("stopping an idle campaign must not call Stop")
	}
}

func TestRunValidationErrorIsReported(t *testing.T) {
	t.Parallel()
	c, fc, ad, _ := newFixture(t)
	fc.startErr = &broadcast.ValidationError{CampaignID: "abcdef123456", Problems: []string{"no accounts assigned"}}
	if err := handler(c, "run")(context.Background(), request(ad, "abcdef")); err != nil {
		t.Fatal(err)
	}
	if s := ad.Sent(); len(s) != 1 || !strings.Contains(s[0].Text, "no accounts assigned") {
		t.Fatalf("sent = %+v", s)
	}
}

func TestRunRequiresID(t *testing.T) {
	t.Parallel()
	c, _, ad, _ := newFixture(t)
	if err := handler(c, "run")(context.Background(), request(ad)); err == nil {
		t.Fatal("expected error without id")
	}
}

func TestListAndAccounts(t *testing.T) {
	t.Parallel()
	c, _, ad, _ := newFixture(t)
	ctx := context.Background()
	if err := handler(c, "campaigns")(ctx, request(ad)); err != nil {
		t.Fatal(err)
	}
	s := ad.Sent()[0]
	if !strings.Contains(s.Text, "spring") || len(s.Options.Keyboard) != 2 {
		t.Fatalf("list = %+v", s)
	}
	if err := handler(c, "accounts")(ctx, request(ad)); err != nil {
		t.Fatal(err)
	}
	a := ad.Sent()[1].Text
	if !strings.Contains(a, "main") || strings.Contains(a, "secret") {
		t.Fatalf("accounts = %q", a)
	}
}

func TestSendLog(t *testing.T) {
	t.Parallel()
	c, _, ad, dir := newFixture(t)
	ctx := context.Background()
	if err := handler(c, "log")(ctx, request(ad, "abcdef")); err != nil {
		t.Fatal(err)
	}
	if s := ad.Sent(); s[0].Document != "" {
		t.Fatal("no document expected before the log exists")
	}
	path := filepath.Join(dir, "campaign_abcdef123456.log")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := handler(c, "log")(ctx, request(ad, "abcdef")); err != nil {
		t.Fatal(err)
	}
	if s := ad.Sent(); s[1].Document != path {
		t.Fatalf("document = %q", s[1].Document)
	}
}

func TestRenderStatus(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	st := broadcast.CampaignStatus{
		Campaign: campaign.Campaign{ID: "c1", Title: "<b>x</b>", Status: campaign.StatusRunning, StartTime: &start,
			Stats: campaign.Stats{Sent: 8, Failed: 1, Skipped: 2, Joined: 3}},
		Live:    2,
		Workers: []broadcast.WorkerStatus{{AccountID: "a1", State: "sleeping"}},
	}
	out := RenderStatus(st)
	for _, want := range []string{"sent: 8", "failed: 1", "skipped: 2", "joined: 3", "live workers: 2", "a1: sleeping", "&lt;b&gt;x&lt;/b&gt;"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
}

func TestNotifierForwardsOutcomes(t *testing.T) {
	t.Parallel()
	ad := &transporttest.Adapter{Notify: make(chan transporttest.Sent, 64)}
	n := NewNotifier(ad, []int64{1, 1, 0, 2}, logx.Nop())
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx, bus) }()

	// Run subscribes asynchronously; publish until the first delivery lands.
	ev := eventbus.Event{Type: eventbus.CampaignFinished, CampaignID: "c1", Data: broadcast.EventData{
		Title: "spring", Stats: campaign.Stats{Sent: 8, Failed: 1},
	}}
	deadline := time.After(3 * time.Second)
	var got transporttest.Sent
	for got.Text == "" {
		bus.Publish(ev)
		select {
		case got = <-ad.Notify:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no notification")
		}
	}
	if !strings.Contains(got.Text, "finished") || !strings.Contains(got.Text, "sent 8") {
		t.Fatalf("text = %q", got.Text)
	}
	if renderEvent(eventbus.Event{Type: eventbus.WorkerDone}) != "" {
		t.Fatal("worker events are not notified")
	}
}
