// Package broadcast runs campaigns: one worker per assigned account, a shared
// cancellation token per campaign, and a per-campaign serialized merge of
// worker results into the stored record.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tgcast/internal/campaign"
	"tgcast/internal/destinations"
	"tgcast/internal/eventbus"
	"tgcast/internal/messenger"
	"tgcast/internal/runtime/supervisor"
	"tgcast/internal/storage"
	logx "tgcast/pkg/logx"
)

type Service struct {
	store  Store
	dialer messenger.Dialer
	log    logx.Logger
	bus    eventbus.Bus
	logs   CampaignLogs

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rnd   func() float64

	ctx    context.Context
	cancel context.CancelFunc

	keys keyLock

	mu       sync.Mutex
	cfg      Config
	running  map[string]*handle
	shutdown bool
}

// handle is the live state of a started campaign.
type handle struct {
	id      string
	runID   string
	title   string
	started time.Time
	actor   Actor

	group   *supervisor.Supervisor
	workers []*worker
	log     logx.Logger
	release func()
	done    chan struct{}

	// guarded by Service.mu
	live int
	// guarded by the campaign key lock; stopRequested is set once Cancel
	// ran, stopped once the record says so.
	stopRequested bool
	stopped       bool
	stats         campaign.Stats
	errs          []string
}

func New(store Store, dialer messenger.Dialer, cfg Config, log logx.Logger, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:   store,
		dialer:  dialer,
		log:     log.With(logx.String("comp", "broadcast")),
		now:     time.Now,
		sleep:   sleepCtx,
		rnd:     defaultRand,
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg.withDefaults(),
		running: map[string]*handle{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetConfig replaces the delivery tuning for campaigns started afterwards.
func (s *Service) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start validates the campaign, marks it running and spawns its workers.
// It returns the run id.
func (s *Service) Start(ctx context.Context, id string, actor Actor) (string, error) {
	unlock := s.keys.Lock(id)
	defer unlock()

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	if h := s.running[id]; h != nil {
		n := h.live
		s.mu.Unlock()
		return "", &AlreadyRunningError{CampaignID: id, Workers: n}
	}
	s.mu.Unlock()

	cfg := s.config()
	c, accounts, chatsPath, err := s.prepare(ctx, cfg, id)
	if err != nil {
		return "", err
	}

	now := s.now()
	c.Status = campaign.StatusRunning
	c.Error = ""
	c.StartTime = &now
	c.EndTime = nil
	if err := s.store.SaveCampaign(ctx, c); err != nil {
		return "", &PersistenceError{CampaignID: id, Op: "save", Err: err}
	}

	runID := uuid.NewString()
	log := s.log.With(logx.String("campaign", id), logx.String("run", runID))
	release := func() {}
	if s.logs != nil {
		log, release = s.logs.CampaignLogger(log, id)
	}

	h := &handle{
		id:      id,
		runID:   runID,
		title:   c.Title,
		started: now,
		actor:   actor,
		group:   supervisor.NewSupervisor(s.ctx, supervisor.WithLogger(log)),
		log:     log,
		release: release,
		done:    make(chan struct{}),
		live:    len(accounts),
	}
	for _, a := range accounts {
		h.workers = append(h.workers, &worker{
			cfg:       cfg,
			dialer:    s.dialer,
			now:       s.now,
			sleep:     s.sleep,
			rnd:       s.rnd,
			camp:      c.Clone(),
			acc:       a,
			chatsPath: chatsPath,
			log:       log.With(logx.String("account", a.ID)),
		})
	}

	s.mu.Lock()
	s.running[id] = h
	s.mu.Unlock()

	log.Info("campaign started",
		logx.String("title", c.Title),
		logx.Int("accounts", len(accounts)),
		logx.String("source", actor.Source),
	)
	s.publish(eventbus.CampaignStarted, id, EventData{RunID: runID, Title: c.Title, Status: campaign.StatusRunning})
	s.audit(ctx, h, actor, "start", campaign.Stats{}, "")

	for _, w := range h.workers {
		w := w
		h.group.Go("worker:"+w.acc.ID, func(ctx context.Context) error {
			return s.runWorker(ctx, h, w)
		})
	}
	return runID, nil
}

// prepare loads and checks everything Start needs. It has no side effects.
func (s *Service) prepare(ctx context.Context, cfg Config, id string) (campaign.Campaign, []campaign.Account, string, error) {
	c, err := s.store.LoadCampaign(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c, nil, "", &ValidationError{CampaignID: id, Problems: []string{"campaign not found"}, Err: err}
		}
		return c, nil, "", &PersistenceError{CampaignID: id, Op: "load", Err: err}
	}

	var problems []string
	if err := c.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Payload().Kind == campaign.PayloadNone {
		problems = append(problems, "no message text or source link")
	}

	var accounts []campaign.Account
	if len(c.AccountIDs) == 0 {
		problems = append(problems, "no accounts assigned")
	}
	for _, aid := range c.AccountIDs {
		a, err := s.store.LoadAccount(ctx, aid)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				problems = append(problems, fmt.Sprintf("account %s not found", aid))
				continue
			}
			return c, nil, "", &PersistenceError{CampaignID: id, Op: "load account " + aid, Err: err}
		}
		if err := a.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("account %s: %v", aid, err))
			continue
		}
		accounts = append(accounts, a)
	}

	path := chatsPath(cfg, c.ChatsFile)
	entries, err := destinations.Read(path)
	switch {
	case err != nil:
		problems = append(problems, fmt.Sprintf("destination list %s: %v", path, err))
	case len(entries) == 0:
		problems = append(problems, fmt.Sprintf("destination list %s is empty", path))
	}

	if len(problems) > 0 {
		return c, nil, "", &ValidationError{CampaignID: id, Problems: problems}
	}
	return c, accounts, path, nil
}

func chatsPath(cfg Config, file string) string {
	file = strings.TrimSpace(file)
	if file == "" || filepath.IsAbs(file) || cfg.ChatsDir == "" {
		return file
	}
	return filepath.Join(cfg.ChatsDir, file)
}

// Stop requests cancellation and marks the campaign stopped right away.
// Workers drain on their own. Stopping a campaign that isn't running is a
// no-op, and so is a second Stop once the record was written. A failed write
// is retried by the next Stop, and the final merge settles on stopped either
// way.
func (s *Service) Stop(ctx context.Context, id string, actor Actor) error {
	unlock := s.keys.Lock(id)
	defer unlock()

	s.mu.Lock()
	h := s.running[id]
	s.mu.Unlock()
	if h == nil || h.stopped {
		return nil
	}
	if !h.stopRequested {
		h.stopRequested = true
		h.group.Cancel()
		h.log.Info("stop requested", logx.String("source", actor.Source), logx.Int64("user", actor.UserID))
	}

	// The caller may go away mid-request; the record must still be written.
	ctx = context.WithoutCancel(ctx)
	c, err := s.store.LoadCampaign(ctx, id)
	if err != nil {
		return &PersistenceError{CampaignID: id, Op: "load", Err: err}
	}
	c.Status = campaign.StatusStopped
	if err := s.store.SaveCampaign(ctx, c); err != nil {
		return &PersistenceError{CampaignID: id, Op: "save", Err: err}
	}
	h.stopped = true

	s.publish(eventbus.CampaignStopped, id, EventData{RunID: h.runID, Title: h.title, Status: campaign.StatusStopped})
	s.audit(ctx, h, actor, "stop", campaign.Stats{}, "")
	return nil
}

func (s *Service) runWorker(ctx context.Context, h *handle, w *worker) (err error) {
	var res workerResult
	defer func() {
		if r := recover(); r != nil {
			res = workerResult{State: StateErrored, Stats: w.stats, Err: fmt.Errorf("worker panic: %v", r)}
			w.setState(StateErrored)
			err = res.Err
		}
		s.complete(h, w, res)
	}()
	res = w.run(ctx)
	return res.Err
}

// complete merges one finished worker into the stored record. The last
// worker of a run also settles the final status and end time.
func (s *Service) complete(h *handle, w *worker, res workerResult) {
	unlock := s.keys.Lock(h.id)
	defer unlock()

	// Merges must land even while the service is shutting down.
	ctx := context.Background()

	h.stats = h.stats.Add(res.Stats)
	if res.Err != nil {
		h.errs = append(h.errs, fmt.Sprintf("%s: %v", w.acc.ID, res.Err))
	}

	s.mu.Lock()
	h.live--
	last := h.live <= 0
	if last {
		delete(s.running, h.id)
	}
	s.mu.Unlock()

	s.publish(eventbus.WorkerDone, h.id, EventData{
		RunID:     h.runID,
		AccountID: w.acc.ID,
		Stats:     res.Stats,
		Error:     errString(res.Err),
	})

	final, err := s.merge(ctx, h, res, last)
	if err != nil {
		h.log.Error("stats merge failed", logx.Err(err), logx.Any("stats", res.Stats))
	}
	if !last {
		return
	}

	took := s.now().Sub(h.started)
	switch final {
	case campaign.StatusFinished:
		s.publish(eventbus.CampaignFinished, h.id, EventData{RunID: h.runID, Title: h.title, Status: final, Stats: h.stats, Took: took})
	case campaign.StatusError:
		s.publish(eventbus.CampaignErrored, h.id, EventData{RunID: h.runID, Title: h.title, Status: final, Stats: h.stats, Error: strings.Join(h.errs, "; "), Took: took})
	}
	s.audit(ctx, h, h.actor, string(final), h.stats, strings.Join(h.errs, "; "))
	h.log.Info("campaign drained",
		logx.String("status", string(final)),
		logx.Int("sent", h.stats.Sent),
		logx.Int("failed", h.stats.Failed),
		logx.Int("skipped", h.stats.Skipped),
		logx.Int("joined", h.stats.Joined),
		logx.Duration("took", took),
	)
	h.group.Cancel()
	h.release()
	close(h.done)
}

// merge is a read-modify-write of the stored record. Callers hold the
// campaign key lock.
func (s *Service) merge(ctx context.Context, h *handle, res workerResult, last bool) (campaign.Status, error) {
	c, err := s.store.LoadCampaign(ctx, h.id)
	if err != nil {
		return campaign.StatusError, &PersistenceError{CampaignID: h.id, Op: "load", Err: err}
	}
	c.Stats = c.Stats.Add(res.Stats)
	if res.State == StateErrored && c.Status != campaign.StatusStopped {
		c.Status = campaign.StatusError
		c.Error = errString(res.Err)
	}
	if last {
		if c.Status == campaign.StatusRunning {
			c.Status = campaign.StatusFinished
			if h.stopRequested {
				c.Status = campaign.StatusStopped
			}
		}
		end := s.now()
		c.EndTime = &end
	}
	if err := s.store.SaveCampaign(ctx, c); err != nil {
		return c.Status, &PersistenceError{CampaignID: h.id, Op: "save", Err: err}
	}
	return c.Status, nil
}

// Wait blocks until the campaign's current run has drained. It returns at
// once when the campaign isn't running.
func (s *Service) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	h := s.running[id]
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every running campaign and waits for the workers to drain
// (bounded by ctx). Start fails afterwards.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Stop(ctx, id, Actor{Source: "shutdown"}); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range ids {
		if err := s.Wait(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("campaign %s: %w", id, err))
		}
	}
	s.cancel()
	return errors.Join(errs...)
}

func (s *Service) publish(typ, id string, data EventData) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), CampaignID: id, Data: data})
}

func (s *Service) audit(ctx context.Context, h *handle, actor Actor, action string, st campaign.Stats, errText string) {
	e := storage.AuditEntry{
		At:            s.now(),
		ActorID:       actor.UserID,
		ActorUsername: actor.Username,
		Source:        actor.Source,
		Action:        action,
		CampaignID:    h.id,
		RunID:         h.runID,
		OK:            st.Sent,
		Fail:          st.Failed,
		Error:         errText,
	}
	if action != "start" && action != "stop" {
		e.TookMS = s.now().Sub(h.started).Milliseconds()
		e.MetaJSON = fmt.Sprintf(`{"skipped":%d,"joined":%d}`, st.Skipped, st.Joined)
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		h.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Reconcile marks records left "running" by a previous process as stopped.
// Call it before the first Start.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	cs, err := s.store.ListCampaigns(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range cs {
		if c.Status != campaign.StatusRunning {
			continue
		}
		unlock := s.keys.Lock(c.ID)
		s.mu.Lock()
		live := s.running[c.ID] != nil
		s.mu.Unlock()
		if !live {
			end := s.now()
			c.Status = campaign.StatusStopped
			c.EndTime = &end
			if err := s.store.SaveCampaign(ctx, c); err != nil {
				unlock()
				return n, &PersistenceError{CampaignID: c.ID, Op: "save", Err: err}
			}
			s.log.Warn("stale running campaign marked stopped", logx.String("campaign", c.ID))
			n++
		}
		unlock()
	}
	return n, nil
}
