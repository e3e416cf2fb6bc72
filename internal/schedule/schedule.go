// Package schedule starts and stops campaigns on cron triggers.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tgcast/internal/broadcast"
	logx "tgcast/pkg/logx"
)

// Campaigns is the part of broadcast.Service the scheduler triggers.
type Campaigns interface {
	Start(ctx context.Context, id string, actor broadcast.Actor) (string, error)
	Stop(ctx context.Context, id string, actor broadcast.Actor) error
}

// Def is one configured schedule. Start and Stop are independent; either
// may be empty.
type Def struct {
	Name     string
	Campaign string
	Start    string
	Stop     string
	Timezone string
}

const (
	actionStart = "start"
	actionStop  = "stop"
)

type job struct {
	name     string
	campaign string
	action   string
	spec     string
	id       cron.EntryID
}

// Info is a registered trigger and its next fire time.
type Info struct {
	Name     string    `json:"name"`
	Campaign string    `json:"campaign"`
	Action   string    `json:"action"`
	Spec     string    `json:"spec"`
	Next     time.Time `json:"next"`
}

type Scheduler struct {
	campaigns Campaigns
	log       logx.Logger
	parser    cron.Parser

	// ctx is read by firing jobs; Apply may hold mu while it waits for them.
	ctx atomic.Value // context.Context

	mu   sync.Mutex
	c    *cron.Cron
	jobs []job
}

func New(campaigns Campaigns, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		campaigns: campaigns,
		log:       log.With(logx.String("comp", "schedule")),
		parser:    newParser(),
	}
}

// SecondOptional allows both 5-field and 6-field (with seconds) specs.
func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Compile checks defs without registering anything.
func Compile(defs []Def) error {
	_, err := compile(newParser(), defs)
	return err
}

func compile(parser cron.Parser, defs []Def) ([]job, error) {
	var (
		out  []job
		errs []error
	)
	for i, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			name = fmt.Sprintf("schedule%d", i+1)
		}
		id := strings.TrimSpace(d.Campaign)
		if id == "" {
			errs = append(errs, fmt.Errorf("%s: campaign is required", name))
			continue
		}
		tz := strings.TrimSpace(d.Timezone)
		if tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				errs = append(errs, fmt.Errorf("%s: timezone %q: %w", name, tz, err))
				continue
			}
		}
		for _, a := range []struct{ action, raw string }{{actionStart, d.Start}, {actionStop, d.Stop}} {
			if strings.TrimSpace(a.raw) == "" {
				continue
			}
			sp, err := ParseSpec(a.raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s.%s: %w", name, a.action, err))
				continue
			}
			expr := sp.expr()
			if tz != "" && sp.Every == 0 {
				expr = "CRON_TZ=" + tz + " " + expr
			}
			if _, err := parser.Parse(expr); err != nil {
				errs = append(errs, fmt.Errorf("%s.%s: %w", name, a.action, err))
				continue
			}
			out = append(out, job{name: name, campaign: id, action: a.action, spec: expr})
		}
	}
	return out, errors.Join(errs...)
}

// Apply replaces the schedule set. On error the previous set stays active.
func (s *Scheduler) Apply(defs []Def) error {
	jobs, err := compile(s.parser, defs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = jobs
	if s.c != nil {
		s.restartLocked()
	}
	return nil
}

// Start begins triggering. Jobs fire on ctx, so cancelling it aborts
// in-flight Start/Stop calls.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx.Store(ctx)
	s.restartLocked()
}

func (s *Scheduler) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithChain(cron.Recover(cronLogger{s.log})))
	for i := range s.jobs {
		j := &s.jobs[i]
		jj := *j
		id, err := s.c.AddFunc(j.spec, func() { s.fire(jj) })
		if err != nil {
			// compile already parsed it
			s.log.Warn("schedule rejected", logx.String("name", j.name), logx.Err(err))
			continue
		}
		j.id = id
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("triggers", len(s.jobs)))
}

func (s *Scheduler) fire(j job) {
	ctx, _ := s.ctx.Load().(context.Context)
	if ctx == nil || ctx.Err() != nil {
		return
	}
	actor := broadcast.Actor{Source: "schedule", Username: j.name}
	log := s.log.With(logx.String("name", j.name), logx.String("campaign", j.campaign), logx.String("action", j.action))

	var err error
	switch j.action {
	case actionStart:
		var runID string
		runID, err = s.campaigns.Start(ctx, j.campaign, actor)
		var running *broadcast.AlreadyRunningError
		if errors.As(err, &running) {
			log.Info("scheduled start skipped: already running")
			return
		}
		if err == nil {
			log.Info("scheduled start", logx.String("run", runID))
		}
	case actionStop:
		err = s.campaigns.Stop(ctx, j.campaign, actor)
		if err == nil {
			log.Info("scheduled stop")
		}
	}
	if err != nil {
		log.Warn("scheduled action failed", logx.Err(err))
	}
}

// Stop halts triggering and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Entries lists registered triggers ordered by next fire time.
func (s *Scheduler) Entries() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.jobs))
	for _, j := range s.jobs {
		in := Info{Name: j.name, Campaign: j.campaign, Action: j.action, Spec: j.spec}
		if s.c != nil && j.id != 0 {
			in.Next = s.c.Entry(j.id).Next
		}
		out = append(out, in)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Next.Before(out[b].Next) })
	return out
}

// cronLogger adapts logx to cron.Logger for the Recover wrapper.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
