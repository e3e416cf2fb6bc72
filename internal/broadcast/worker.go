package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"tgcast/internal/campaign"
	"tgcast/internal/destinations"
	"tgcast/internal/messenger"
	logx "tgcast/pkg/logx"
)

type State int32

const (
	StateConnecting State = iota
	StateIterating
	StateDelivering
	StateCoolingDown
	StateSleeping
	StateFinished
	StateErrored
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIterating:
		return "iterating"
	case StateDelivering:
		return "delivering"
	case StateCoolingDown:
		return "cooling_down"
	case StateSleeping:
		return "sleeping"
	case StateFinished:
		return "finished"
	case StateErrored:
		return "errored"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateFinished || s == StateErrored || s == StateStopped
}

// action is what the worker does with a delivery outcome.
type action int

const (
	actFail action = iota
	actCooldownSkip
)

var deliveryPolicy = map[messenger.Kind]action{
	messenger.KindRateLimited:      actCooldownSkip,
	messenger.KindPermissionDenied: actFail,
	messenger.KindNotFound:         actFail,
	messenger.KindOther:            actFail,
}

var errNoPayload = errors.New("campaign has neither message text nor source link")

type workerResult struct {
	State State
	Stats campaign.Stats
	Err   error
}

// worker drives one account through one campaign. Everything except state is
// owned by the worker goroutine.
type worker struct {
	cfg    Config
	dialer messenger.Dialer
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	rnd    func() float64

	camp      campaign.Campaign
	acc       campaign.Account
	chatsPath string
	log       logx.Logger

	state atomic.Int32

	sess     messenger.Session
	stats    campaign.Stats
	deadline time.Time

	// invited remembers entities joined through invite links; those links
	// don't resolve on their own.
	invited map[string]messenger.Entity

	sourceDone bool
	source     messenger.MessageRef
	sourceErr  error
}

func (w *worker) State() State { return State(w.state.Load()) }

func (w *worker) setState(s State) { w.state.Store(int32(s)) }

func (w *worker) run(ctx context.Context) workerResult {
	w.setState(StateConnecting)
	sess, err := w.dialer.Connect(ctx, credentialsFor(w.cfg, w.acc))
	if err != nil {
		var ce *messenger.ConnectionError
		if !errors.As(err, &ce) {
			err = &messenger.ConnectionError{AccountID: w.acc.ID, Err: err}
		}
		w.log.Error("connect failed", logx.Err(err))
		w.setState(StateErrored)
		return workerResult{State: StateErrored, Err: err}
	}
	w.sess = sess
	defer func() {
		if err := sess.Close(); err != nil {
			w.log.Debug("session close failed", logx.Err(err))
		}
	}()
	w.log.Info("connected", logx.String("as", sess.Self().String()))

	entries := destinations.Load(w.chatsPath, w.log)
	w.log.Info("destinations loaded", logx.Int("count", len(entries)), logx.String("file", w.chatsPath))

	start := w.now()
	if d := w.camp.Duration(); d > 0 {
		w.deadline = start.Add(d)
	}
	indefinite := w.camp.Indefinite()

	for cycle := 1; ; cycle++ {
		w.setState(StateIterating)
		w.log.Debug("cycle started", logx.Int("cycle", cycle))
		for _, e := range entries {
			if w.halted(ctx) {
				break
			}
			w.process(ctx, e)
		}
		if w.halted(ctx) || !indefinite {
			break
		}
		pause := w.camp.CycleCooldown()
		if pause <= 0 {
			pause = w.cfg.CycleFloor
		}
		w.log.Info("cycle done", logx.Int("cycle", cycle), logx.Duration("pause", pause))
		w.setState(StateSleeping)
		w.pause(ctx, pause)
		if w.halted(ctx) {
			break
		}
	}

	final := StateFinished
	switch {
	case ctx.Err() != nil:
		final = StateStopped
	case w.deadlineReached():
		w.log.Info("deadline reached")
	}
	w.setState(final)
	w.log.Info("worker done",
		logx.String("state", final.String()),
		logx.Int("sent", w.stats.Sent),
		logx.Int("failed", w.stats.Failed),
		logx.Int("skipped", w.stats.Skipped),
		logx.Int("joined", w.stats.Joined),
		logx.Duration("took", w.now().Sub(start)),
	)
	return workerResult{State: final, Stats: w.stats}
}

func (w *worker) deadlineReached() bool {
	return !w.deadline.IsZero() && !w.now().Before(w.deadline)
}

func (w *worker) halted(ctx context.Context) bool {
	return ctx.Err() != nil || w.deadlineReached()
}

// process handles one destination entry. Unreachable destinations are
// skipped without the inter-destination delay.
func (w *worker) process(ctx context.Context, e destinations.Entry) {
	ent, ok := w.reach(ctx, e.Destination)
	if !ok {
		w.stats.Skipped++
		return
	}
	w.deliver(ctx, ent, e.Supplement)

	w.setState(StateSleeping)
	w.pause(ctx, w.uniform(secs(w.camp.MinDelay), secs(w.camp.MaxDelay)))
}

// reach resolves dest and makes sure the account can post there.
func (w *worker) reach(ctx context.Context, dest string) (messenger.Entity, bool) {
	opCtx := context.WithoutCancel(ctx)
	log := w.log.With(logx.String("dest", dest))

	ent, known := w.invited[dest]
	var err error
	if !known {
		ent, err = w.sess.Resolve(opCtx, dest)
	}
	if err != nil {
		hash, invite := messenger.InviteHash(dest)
		if !invite {
			log.Warn("resolve failed, skipped", logx.Err(err))
			w.backoff(ctx, err)
			return messenger.Entity{}, false
		}
		ent, err = w.sess.ImportInvite(opCtx, hash)
		if err != nil {
			log.Warn("join failed, skipped", logx.Err(&messenger.JoinError{Destination: dest, Err: err}))
			w.backoff(ctx, err)
			return messenger.Entity{}, false
		}
		if w.invited == nil {
			w.invited = map[string]messenger.Entity{}
		}
		w.invited[dest] = ent
		w.joined(ctx, log, ent)
		return ent, true
	}

	if !ent.IsGroupLike() {
		log.Info("not a group or channel, skipped", logx.String("kind", ent.Kind.String()))
		return messenger.Entity{}, false
	}

	member, err := w.sess.IsMember(opCtx, ent)
	if err != nil {
		log.Debug("membership check failed", logx.Err(err))
		member = false
	}
	if member {
		return ent, true
	}

	if err := w.join(opCtx, dest, ent); err != nil {
		log.Warn("join failed, skipped", logx.Err(&messenger.JoinError{Destination: dest, Err: err}))
		w.backoff(ctx, err)
		return messenger.Entity{}, false
	}
	w.joined(ctx, log, ent)
	return ent, true
}

func (w *worker) join(ctx context.Context, dest string, ent messenger.Entity) error {
	if ent.Handle != "" {
		return w.sess.Join(ctx, ent)
	}
	if hash, ok := messenger.InviteHash(dest); ok {
		_, err := w.sess.ImportInvite(ctx, hash)
		return err
	}
	return messenger.ErrNoPublicHandle
}

func (w *worker) joined(ctx context.Context, log logx.Logger, ent messenger.Entity) {
	log.Info("joined", logx.String("chat", ent.Name()))
	w.setState(StateSleeping)
	w.pause(ctx, w.uniform(w.cfg.JoinSettleMin, w.cfg.JoinSettleMax))
	w.stats.Joined++
}

// backoff honours a rate limit hit outside of delivery (resolve, join).
func (w *worker) backoff(ctx context.Context, err error) {
	if kind, wait := messenger.Classify(err); kind == messenger.KindRateLimited {
		w.setState(StateCoolingDown)
		w.pause(ctx, wait+w.cfg.RateLimitGrace)
	}
}

func (w *worker) deliver(ctx context.Context, ent messenger.Entity, supplement string) {
	opCtx := context.WithoutCancel(ctx)
	log := w.log.With(logx.String("chat", ent.Name()))
	w.setState(StateDelivering)

	if w.camp.TypingDelay {
		d := w.uniform(secs(w.camp.TypingMin), secs(w.camp.TypingMax))
		if err := w.sess.SendTyping(opCtx, ent, d); err != nil {
			log.Debug("typing failed", logx.Err(err))
		}
		w.pause(ctx, d)
		w.setState(StateDelivering)
	}

	err := w.send(opCtx, ent, supplement)
	if err == nil {
		w.stats.Sent++
		log.Info("sent")
		return
	}

	kind, wait := messenger.Classify(err)
	switch deliveryPolicy[kind] {
	case actCooldownSkip:
		w.stats.Skipped++
		log.Warn("rate limited, skipped", logx.Duration("wait", wait))
		w.setState(StateCoolingDown)
		w.pause(ctx, wait+w.cfg.RateLimitGrace)
	default:
		w.stats.Failed++
		log.Warn("send failed", logx.String("kind", kind.String()), logx.Err(err))
	}
}

func (w *worker) send(ctx context.Context, ent messenger.Entity, supplement string) error {
	p := w.camp.Payload()
	opt := sendOptions(w.cfg)

	if p.Kind == campaign.PayloadPost {
		ref, err := w.sourcePost(ctx, p.SourceLink)
		switch {
		case err == nil && p.Forward:
			return w.sess.Forward(ctx, ent, ref)
		case err == nil:
			return w.sess.Copy(ctx, ent, ref, opt)
		case p.Text == "":
			return fmt.Errorf("source post %s: %w", p.SourceLink, err)
		}
	} else if p.Kind == campaign.PayloadNone {
		return errNoPayload
	}
	return w.sess.SendText(ctx, ent, compose(p.Text, supplement), opt)
}

// sourcePost resolves the campaign's source post once per run. A failed
// resolution is remembered too.
func (w *worker) sourcePost(ctx context.Context, link string) (messenger.MessageRef, error) {
	if !w.sourceDone {
		w.source, w.sourceErr = w.sess.ResolveSourceMessage(ctx, link)
		w.sourceDone = true
		if w.sourceErr != nil {
			w.log.Warn("source post unavailable", logx.String("link", link), logx.Err(w.sourceErr))
		}
	}
	return w.source, w.sourceErr
}

// pause sleeps for d, cut short by stop and by the deadline.
func (w *worker) pause(ctx context.Context, d time.Duration) {
	if !w.deadline.IsZero() {
		if left := w.deadline.Sub(w.now()); left < d {
			d = left
		}
	}
	if d <= 0 || ctx.Err() != nil {
		return
	}
	_ = w.sleep(ctx, d)
}

func (w *worker) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(w.rnd()*float64(hi-lo))
}

func compose(text, supplement string) string {
	if supplement == "" {
		return text
	}
	return text + "\n" + supplement
}

func secs(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

// sendOptions derives the per-message options from the service config.
func sendOptions(cfg Config) messenger.SendOptions {
	return messenger.SendOptions{ParseMode: cfg.ParseMode, DisablePreview: cfg.DisablePreview}
}
