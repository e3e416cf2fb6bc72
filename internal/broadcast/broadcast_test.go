package broadcast

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tgcast/internal/campaign"
	"tgcast/internal/eventbus"
	"tgcast/internal/messenger"
	"tgcast/internal/messenger/messengertest"
	"tgcast/internal/storage"
	logx "tgcast/pkg/logx"
)

// fakeTime is a clock that only moves when the worker sleeps.
type fakeTime struct {
	mu      sync.Mutex
	now     time.Time
	slept   []time.Duration
	onSleep func(d time.Duration)
}

func newFakeTime() *fakeTime {
	return &fakeTime{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.slept = append(f.slept, d)
	f.now = f.now.Add(d)
	hook := f.onSleep
	f.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (f *fakeTime) Slept() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.slept...)
}

type env struct {
	t      *testing.T
	dir    string
	store  storage.Store
	dialer *messengertest.Dialer
	clock  *fakeTime
	bus    eventbus.Bus
	svc    *Service
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "data")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	e := &env{
		t:      t,
		dir:    dir,
		store:  st,
		dialer: &messengertest.Dialer{Sessions: map[string]*messengertest.Session{}, Errs: map[string]error{}},
		clock:  newFakeTime(),
		bus:    eventbus.New(),
	}
	base := []Option{
		WithClock(e.clock.Now),
		WithSleeper(e.clock.Sleep),
		WithRand(func() float64 { return 0 }),
		WithBus(e.bus),
	}
	e.svc = New(st, e.dialer, Config{ChatsDir: dir}, logx.Nop(), append(base, opts...)...)
	return e
}

func (e *env) chats(lines ...string) {
	e.t.Helper()
	if err := os.WriteFile(filepath.Join(e.dir, "chats.txt"), []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		e.t.Fatal(err)
	}
}

func (e *env) account(id string, sess *messengertest.Session) {
	e.t.Helper()
	if err := e.store.SaveAccount(context.Background(), campaign.Account{ID: id, SessionName: "s_" + id}); err != nil {
		e.t.Fatal(err)
	}
	if sess != nil {
		e.dialer.Sessions[id] = sess
	}
}

func (e *env) campaign(mut func(c *campaign.Campaign)) campaign.Campaign {
	e.t.Helper()
	c := campaign.Defaults("c1", "spring")
	c.MessageText = "hello"
	c.TypingDelay = false
	c.MinDelay, c.MaxDelay = 0, 0
	zero := 0
	c.DurationMinutes = &zero
	if mut != nil {
		mut(&c)
	}
	if err := e.store.SaveCampaign(context.Background(), c); err != nil {
		e.t.Fatal(err)
	}
	return c
}

func (e *env) run(id string) campaign.Campaign {
	e.t.Helper()
	if _, err := e.svc.Start(context.Background(), id, Actor{Source: "test"}); err != nil {
		e.t.Fatalf("Start: %v", err)
	}
	return e.wait(id)
}

func (e *env) wait(id string) campaign.Campaign {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.svc.Wait(ctx, id); err != nil {
		e.t.Fatalf("Wait: %v", err)
	}
	c, err := e.store.LoadCampaign(context.Background(), id)
	if err != nil {
		e.t.Fatal(err)
	}
	return c
}

func group(id int64, handle string) messenger.Entity {
	return messenger.Entity{ID: id, Handle: handle, Title: handle, Kind: messenger.KindSupergroup}
}

// memberSession knows every destination as a group the account already joined.
func memberSession(dests ...string) *messengertest.Session {
	s := &messengertest.Session{
		Me:       messenger.Self{ID: 1, FirstName: "bot"},
		Entities: map[string]messenger.Entity{},
		Members:  map[int64]bool{},
		SendErrs: map[int64][]error{},
	}
	for i, d := range dests {
		id := int64(100 + i)
		s.Entities[d] = group(id, strings.TrimPrefix(d, "@"))
		s.Members[id] = true
	}
	return s
}

func TestTextDeliveryWithSupplement(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.chats("@a", "# comment", "@b - see you")
	sess := memberSession("@a", "@b")
	e.account("acc1", sess)
	e.campaign(func(c *campaign.Campaign) { c.AccountIDs = []string{"acc1"} })

	c := e.run("c1")

	if c.Status != campaign.StatusFinished || c.EndTime == nil || c.StartTime == nil {
		t.Fatalf("unexpected record %+v", c)
	}
	if c.Stats != (campaign.Stats{Sent: 2}) {
		t.Fatalf("stats = %+v", c.Stats)
	}
	var texts []string
	for _, call := range sess.Calls() {
		if call.Op == "send" {
			texts = append(texts, call.Text)
		}
	}
	if len(texts) != 2 || texts[0] != "hello" || texts[1] != "hello\nsee you" {
		t.Fatalf("sent texts = %q", texts)
	}
	if !sess.Closed() {
		t.Fatal("session not closed")
	}
}

func TestIndefiniteCycleDelays(t *testing.T) {
	t.Parallel()
	e := newEnv(t, WithRand(func() float64 { return 0.5 }))
	e.chats("@a", "@b")
	e.account("acc1", memberSession("@a", "@b"))
	e.campaign(func(c *campaign.Campaign) {
		c.AccountIDs = []string{"acc1"}
		c.MinDelay, c.MaxDelay = 30, 60
		c.DurationMinutes = nil
	})
	e.clock.onSleep = func(d time.Duration) {
		if d == 10*time.Second {
			_ = e.svc.Stop(context.Background(), "c1", Actor{Source: "test"})
		}
	}

	c := e.run("c1")

	slept := e.clock.Slept()
	want := []time.Duration{45 * time.Second, 45 * time.Second, 10 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("slept %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("slept %v, want %v", slept, want)
		}
	}
	if slept[0]+slept[1] < 60*time.Second {
		t.Fatal("cycle shorter than the minimum delays")
	}
	if c.Status != campaign.StatusStopped || c.Stats.Sent != 2 || c.EndTime == nil {
		t.Fatalf("unexpected record %+v", c)
	}
}

func TestBigDelayReplacesFloor(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.chats("@a")
	e.account("acc1", memberSession("@a"))
	big := 2.0
	e.campaign(func(c *campaign.Campaign) {
		c.AccountIDs = []string{"acc1"}
		c.DurationMinutes = nil
		c.BigDelayMinutes = &big
	})
	var cycles int
	e.clock.onSleep = func(d time.Duration) {
		if d == 2*time.Minute {
			cycles++
			if cycles == 2 {
				_ = e.svc.Stop(context.Background(), "c1", Actor{})
			}
		}
	}

	c := e.run("c1")
	if c.Stats.Sent != 2 {
		t.Fatalf("expected two cycles, stats %+v", c.Stats)
	}
	for _, d := range e.clock.Slept() {
		if d == 10*time.Second {
			t.Fatal("floor used although big delay is set")
		}
	}
}

func TestRateLimitedDestinationIsSkipped(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.chats("@a", "@b")
	sess := memberSession("@a", "@b")
	sess.SendErrs[100] = []error{&messenger.RateLimitedError{Wait: 20 * time.Second}}
	e.account("acc1", sess)
	e.campaign(func(c *campaign.Campaign) { c.AccountIDs = []string{"acc1"} })

	c := e.run("c1")

	if c.Stats != (campaign.Stats{Sent: 1, Skipped: 1}) {
		t.Fatalf("stats = %+v", c.Stats)
	}
	slept := e.clock.Slept()
	if len(slept) != 1 || slept[0] < 25*time.Second {
		t.Fatalf("slept %v, want one cooldown >= 25s", slept)
	}
	if n := sess.Count("send"); n != 2 {
		t.Fatalf("send calls = %d, rate limited destination must not be retried", n)
	}
}

func TestDeliveryFailuresAreCounted(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.chats("@a", "@b", "@c")
	sess := memberSession("@a", "@b", "@c")
	sess.SendErrs[100] = []error{messenger.ErrPermissionDenied}
	sess.SendErrs[101] = []error{errors.New("boom")}
	e.account("acc1", sess)
	e.campaign(func(c *campaign.Campaign) { c.AccountIDs = []string{"acc1"} })

	c := e.run("c1")
	if c.Stats != (campaign.Stats{Sent: 1, Failed: 2}) || c.Status != campaign.StatusFinished {
		t.Fatalf("record %+v", c)
	}
}

func TestMergeAcrossWorkers(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	dests := []string{"@d1", "@d2", "@d3", "@d4", "@d5", "@d6"}
	e.chats(dests...)

	a := memberSession(dests...)
	a.SendErrs[105] = []error{errors.New("nope")}
	b := memberSession(dests[:3]...)
	e.account("a", a)
	e.account("b", b)
	e.campaign(func(c *campaign.Campaign) { c.AccountIDs = []string{"a", "b"} })

	c := e.run("c1")

	if c.Stats.Sent != 8 || c.Stats.Failed != 1 || c.Stats.Skipped != 3 {
		t.Fatalf("merged stats = %+v", c.Stats)
	}
	if c.Status != campaign.StatusFinished {
		t.Fatalf("status = %s", c.Status)
	}
}

func TestStatsAccumulateAcrossRuns(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.chats("@a")
	e.account("acc1", memberSession("@a"))
	e.campaign(func(c *campaign.Campaign) {
		c.AccountIDs = []string{"acc1"}
		c.Stats = campaign.Stats{Sent: 10}
	})
	if c := e.run("c1"); c.Stats.Sent != 11 {
		t.Fatalf("stats = %+v", c.Stats)
	}
}

func TestDeadlineHaltsMidCycle(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.chats("@a", "@b", "@c")
	sess := memberSession("@a", "@b", "@c")
	e.account("acc1", sess)
	e.campaign(func(c *campaign.Campaign) {
		c.AccountIDs = []string{"acc1"}
		one := 1
		c.DurationMinutes = &one
		c.MinDelay, c.MaxDelay = 45, 45
	})

	c := e.run("c1")

	if c.Stats.Sent != 2 || sess.Count("resolve") != 2 {
		t.Fatalf("expected two deliveries before the deadline, stats %+v", c.Stats)
	}
	slept := e.clock.Slept()
	if len(slept) != 2 || slept[0] != 45*time.Second || slept[1] != 15*time.Second {
		t.Fatalf("slept %v, want [45s 15s]", slept)
	}
	if c.Status != campaign.StatusFinished {
		t.Fatalf("status = %s", c.Status)
	}
}

func TestJoinOnDemand(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.chats("@public", "@someone", "https://t.me/+secret", "@private")
	sess := &messengertest.Session{
		Entities: map[string]messenger.Entity{
			"@public":  group(1, "public"),
			"@someone": {ID: 2, Handle: "someone", Kind: messenger.KindUser},
			"@private": {ID: 4, Title: "hidden", Kind: messenger.KindGroup},
		},
		Invites: map[string]messenger.Entity{"secret": group(3, "")},
	}
	e.account("acc1", sess)
	e.campaign(func(c *campaign.Campaign) {
		c.AccountIDs = []string{"acc1"}
		c.DurationMinutes = nil
	})
	e.clock.onSleep = func(d time.Duration) {
		if d == 10*time.Second && sess.Count("send") >= 4 {
			_ = e.svc.Stop(context.Background(), "c1", Actor{})
		}
	}

	c := e.run("c1")

	if sess.Count("join") != 1 || sess.Count("import_invite") != 1 {
		t.Fatalf("calls %+v", sess.Calls())
	}
	// The user never gets a membership check; the private group can't be joined.
	for _, call := range sess.Calls() {
		if call.Op == "is_member" && call.Target == "@someone" {
			t.Fatal("membership checked for a user entity")
		}
	}
	if c.Stats.Joined != 2 || c.Stats.Sent != 4 || c.Stats.Skipped != 4 {
		t.Fatalf("stats = %+v", c.Stats)
	}
	settle := 0
	for _, d := range e.clock.Slept() {
		if d == 3*time.Second {
			settle++
		}
	}
	if settle != 2 {
		t.Fatalf("settle sleeps = %d, want 2", settle)
	}
}

func TestSourcePostForwardAndFallback(t *testing.T) {
	t.Parallel()

	t.Run("forward", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.chats("@a", "@b")
		sess := memberSession("@a", "@b")
		sess.Source = messenger.MessageRef{ChatID: -100, MessageID: 7}
		e.account("acc1", sess)
		e.campaign(func(c *campaign.Campaign) {
			c.AccountIDs = []string{"acc1"}
			c.SourceLink = "https://t.me/news/7"
			c.UseForward = true
		})
		c := e.run("c1")
		if c.Stats.Sent != 2 || sess.Count("forward") != 2 || sess.Count("resolve_source") != 1 {
			t.Fatalf("stats %+v calls %+v", c.Stats, sess.Calls())
		}
	})

	t.Run("copy", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.chats("@a")
		sess := memberSession("@a")
		sess.Source = messenger.MessageRef{ChatID: -100, MessageID: 7}
		e.account("acc1", sess)
		e.campaign(func(c *campaign.Campaign) {
			c.AccountIDs = []string{"acc1"}
			c.SourceLink = "https://t.me/news/7"
		})
		if c := e.run("c1"); c.Stats.Sent != 1 || sess.Count("copy") != 1 {
			t.Fatalf("stats %+v calls %+v", c.Stats, sess.Calls())
		}
	})

	t.Run("fallback to text", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.chats("@a", "@b")
		sess := memberSession("@a", "@b")
		e.account("acc1", sess)
		e.campaign(func(c *campaign.Campaign) {
			c.AccountIDs = []string{"acc1"}
			c.SourceLink = "https://t.me/news/7"
			c.UseForward = true
		})
		c := e.run("c1")
		if c.Stats.Sent != 2 || sess.Count("send") != 2 || sess.Count("resolve_source") != 1 {
			t.Fatalf("stats %+v calls %+v", c.Stats, sess.Calls())
		}
	})

	t.Run("no fallback", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.chats("@a")
		sess := memberSession("@a")
		e.account("acc1", sess)
		e.campaign(func(c *campaign.Campaign) {
			c.AccountIDs = []string{"acc1"}
			c.MessageText = ""
			c.SourceLink = "https://t.me/news/7"
		})
		if c := e.run("c1"); c.Stats.Failed != 1 || c.Stats.Sent != 0 {
			t.Fatalf("stats %+v", c.Stats)
		}
	})
}

func TestTypingDelay(t *testing.T) {
	t.Parallel()
	e := newEnv(t, WithRand(func() float64 { return 1 }))
	e.chats("@a")
	sess := memberSession("@a")
	e.account("acc1", sess)
	e.campaign(func(c *campaign.Campaign) {
		c.AccountIDs = []string{"acc1"}
		c.TypingDelay = true
		c.TypingMin, c.TypingMax = 2, 5
	})
	e.run("c1")
	if sess.Count("typing") != 1 {
		t.Fatal("typing indicator not sent")
	}
	if slept := e.clock.Slept(); len(slept) != 1 || slept[0] != 5*time.Second {
		t.Fatalf("slept %v", slept)
	}
}

func TestStartValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		chats []string
		mut   func(c *campaign.Campaign)
		want  string
	}{
		{name: "no accounts", chats: []string{"@a"}, mut: func(c *campaign.Campaign) {}, want: "no accounts assigned"},
		{name: "unknown account", chats: []string{"@a"}, mut: func(c *campaign.Campaign) { c.AccountIDs = []string{"ghost"} }, want: "account ghost not found"},
		{name: "no payload", chats: []string{"@a"}, mut: func(c *campaign.Campaign) {
			c.AccountIDs = []string{"acc1"}
			c.MessageText = ""
		}, want: "no message text or source link"},
		{name: "empty destinations", chats: []string{"# only a comment"}, mut: func(c *campaign.Campaign) { c.AccountIDs = []string{"acc1"} }, want: "is empty"},
		{name: "bad delays", chats: []string{"@a"}, mut: func(c *campaign.Campaign) {
			c.AccountIDs = []string{"acc1"}
			c.MinDelay, c.MaxDelay = 10, 5
		}, want: "min_delay must be <= max_delay"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			e.chats(tt.chats...)
			sess := memberSession("@a")
			e.account("acc1", sess)
			before := e.campaign(tt.mut)

			_, err := e.svc.Start(context.Background(), "c1", Actor{})
			var verr *ValidationError
			if !errors.As(err, &verr) || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Start error = %v, want validation error containing %q", err, tt.want)
			}
			after, _ := e.store.LoadCampaign(context.Background(), "c1")
			if after.Status != before.Status || after.StartTime != nil {
				t.Fatalf("record changed: %+v", after)
			}
			if len(sess.Calls()) != 0 || len(e.svc.Running()) != 0 {
				t.Fatal("validation failure must not spawn workers")
			}
		})
	}

	t.Run("missing campaign", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		_, err := e.svc.Start(context.Background(), "nope", Actor{})
		var verr *ValidationError
		if !errors.As(err, &verr) || !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("err = %v", err)
		}
	})
}

func blockingSleep(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestAlreadyRunningAndStopTwice(t *testing.T) {
	t.Parallel()
	e := newEnv(t, WithSleeper(blockingSleep))
	e.chats("@a")
	sess := memberSession("@a")
	sent := make(chan struct{})
	var once sync.Once
	sess.OnSend = func(messenger.Entity) { once.Do(func() { close(sent) }) }
	e.account("acc1", sess)
	e.campaign(func(c *campaign.Campaign) {
		c.AccountIDs = []string{"acc1"}
		c.DurationMinutes = nil
		c.MinDelay, c.MaxDelay = 30, 60
	})
	events, unsub := e.bus.Subscribe(32)
	defer unsub()

	ctx := context.Background()
	if _, err := e.svc.Start(ctx, "c1", Actor{Source: "test"}); err != nil {
		t.Fatal(err)
	}
	var already *AlreadyRunningError
	if _, err := e.svc.Start(ctx, "c1", Actor{}); !errors.As(err, &already) {
		t.Fatalf("second Start = %v, want AlreadyRunningError", err)
	}
	st, err := e.svc.Status(ctx, "c1")
	if err != nil || st.Status != campaign.StatusRunning || st.Live != 1 || st.RunID == "" {
		t.Fatalf("status %+v err %v", st, err)
	}

	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
	if err := e.svc.Stop(ctx, "c1", Actor{}); err != nil {
		t.Fatal(err)
	}
	if err := e.svc.Stop(ctx, "c1", Actor{}); err != nil {
		t.Fatal(err)
	}
	c := e.wait("c1")
	if c.Status != campaign.StatusStopped || c.EndTime == nil || c.Stats.Sent != 1 {
		t.Fatalf("record %+v", c)
	}
	if err := e.svc.Stop(ctx, "c1", Actor{}); err != nil {
		t.Fatalf("stop after drain: %v", err)
	}

	stops := 0
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.CampaignStopped {
			stops++
		}
	}
	if stops != 1 {
		t.Fatalf("stop events = %d, want 1", stops)
	}

	if _, err := e.svc.Start(ctx, "c1", Actor{}); err != nil {
		t.Fatalf("restart after drain: %v", err)
	}
	if err := e.svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := e.svc.Start(ctx, "c1", Actor{}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Start after shutdown = %v", err)
	}
}

// stopSaveFails fails the next write of a stopped record.
type stopSaveFails struct {
	Store
	pending atomic.Int32
}

func (s *stopSaveFails) SaveCampaign(ctx context.Context, c campaign.Campaign) error {
	if c.Status == campaign.StatusStopped && s.pending.CompareAndSwap(1, 0) {
		return errors.New("disk full")
	}
	return s.Store.SaveCampaign(ctx, c)
}

func startIndefinite(t *testing.T, e *env) {
	t.Helper()
	e.chats("@a")
	sess := memberSession("@a")
	sent := make(chan struct{})
	var once sync.Once
	sess.OnSend = func(messenger.Entity) { once.Do(func() { close(sent) }) }
	e.account("acc1", sess)
	e.campaign(func(c *campaign.Campaign) {
		c.AccountIDs = []string{"acc1"}
		c.DurationMinutes = nil
	})
	if _, err := e.svc.Start(context.Background(), "c1", Actor{Source: "test"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestStopWithCancelledContext(t *testing.T) {
	t.Parallel()
	e := newEnv(t, WithSleeper(blockingSleep))
	startIndefinite(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.svc.Stop(ctx, "c1", Actor{Source: "http"}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c := e.wait("c1"); c.Status != campaign.StatusStopped {
		t.Fatalf("status = %s, want stopped", c.Status)
	}
}

func TestStopSurvivesFailedWrite(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	flaky := &stopSaveFails{Store: e.store}
	flaky.pending.Store(1)
	e.svc = New(flaky, e.dialer, Config{ChatsDir: e.dir}, logx.Nop(),
		WithClock(e.clock.Now), WithSleeper(blockingSleep), WithRand(func() float64 { return 0 }), WithBus(e.bus))
	startIndefinite(t, e)

	var perr *PersistenceError
	if err := e.svc.Stop(context.Background(), "c1", Actor{}); !errors.As(err, &perr) {
		t.Fatalf("first Stop = %v, want PersistenceError", err)
	}
	if err := e.svc.Stop(context.Background(), "c1", Actor{}); err != nil {
		t.Fatalf("retry Stop: %v", err)
	}
	if c := e.wait("c1"); c.Status != campaign.StatusStopped || c.EndTime == nil {
		t.Fatalf("record %+v", c)
	}
}

func TestFinishedRunReleasesGroup(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.chats("@a")
	sess := memberSession("@a")
	release := make(chan struct{})
	sess.OnSend = func(messenger.Entity) { <-release }
	e.account("acc1", sess)
	e.campaign(func(c *campaign.Campaign) { c.AccountIDs = []string{"acc1"} })

	if _, err := e.svc.Start(context.Background(), "c1", Actor{}); err != nil {
		t.Fatal(err)
	}
	e.svc.mu.Lock()
	h := e.svc.running["c1"]
	e.svc.mu.Unlock()
	if h == nil {
		t.Fatal("no live handle")
	}
	close(release)
	if c := e.wait("c1"); c.Status != campaign.StatusFinished {
		t.Fatalf("status = %s", c.Status)
	}
	if h.group.Context().Err() == nil {
		t.Fatal("campaign group still live after finish")
	}
}

func TestConnectErrorMarksCampaignErrored(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.chats("@a")
	e.account("acc1", nil)
	e.dialer.Errs["acc1"] = errors.New("auth key unregistered")
	e.campaign(func(c *campaign.Campaign) { c.AccountIDs = []string{"acc1"} })
	events, unsub := e.bus.Subscribe(16)
	defer unsub()

	c := e.run("c1")

	if c.Status != campaign.StatusError || !strings.Contains(c.Error, "auth key unregistered") || c.EndTime == nil {
		t.Fatalf("record %+v", c)
	}
	errored := false
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.CampaignErrored {
			errored = true
		}
	}
	if !errored {
		t.Fatal("no error event published")
	}
}

func TestErroredWorkerStillMergesOthers(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.chats("@a", "@b")
	e.account("good", memberSession("@a", "@b"))
	e.account("bad", nil)
	e.dialer.Errs["bad"] = errors.New("proxy refused")
	e.campaign(func(c *campaign.Campaign) { c.AccountIDs = []string{"good", "bad"} })

	c := e.run("c1")
	if c.Status != campaign.StatusError || c.Stats.Sent != 2 {
		t.Fatalf("record %+v", c)
	}
}

func TestReconcileMarksStaleRunsStopped(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.campaign(func(c *campaign.Campaign) { c.Status = campaign.StatusRunning })
	n, err := e.svc.Reconcile(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Reconcile = %d, %v", n, err)
	}
	c, _ := e.store.LoadCampaign(context.Background(), "c1")
	if c.Status != campaign.StatusStopped || c.EndTime == nil {
		t.Fatalf("record %+v", c)
	}
}

func TestKeyLockSerializes(t *testing.T) {
	t.Parallel()
	var k keyLock
	var mu sync.Mutex
	inside := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("c")
			mu.Lock()
			inside++
			if inside != 1 {
				t.Error("two holders at once")
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
			unlock()
		}()
	}
	wg.Wait()
	if len(k.locks) != 0 {
		t.Fatalf("leaked entries: %d", len(k.locks))
	}
}
