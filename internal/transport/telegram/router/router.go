// Package router dispatches control-bot updates to registered commands and
// inline-button callbacks on a bounded worker pool.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tgcast/internal/runtime/supervisor"
	kit "tgcast/internal/transport"
	logx "tgcast/pkg/logx"
)

type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// CallbackRoute handles callback data of the form "<prefix>:<action>[:payload]".
type CallbackRoute struct {
	Prefix  string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  func(ctx context.Context, req *Request, payload string) error
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	Payload      string
	ReqID        string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter

	mu        sync.RWMutex
	commands  map[string]*Command
	aliases   map[string]*Command
	callbacks map[string]CallbackRoute // "prefix:action"
	owners    []int64

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		commands:  map[string]*Command{},
		aliases:   map[string]*Command{},
		callbacks: map[string]CallbackRoute{},
		owners:    append([]int64(nil), owners...),
		jobs:      make(chan func(), 256),
	}
}

// SetOwners replaces the owner list. Safe during hot reload.
func (m *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Router) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o == id {
			return true
		}
	}
	return false
}

// Register replaces the command and callback registry. /help is always added.
func (m *Router) Register(cmds []Command, cbs []CallbackRoute) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "list commands",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		},
	})

	commands := map[string]*Command{}
	aliases := map[string]*Command{}
	for i := range cmds {
		c := cmds[i]
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		commands[name] = &c
		for _, a := range c.Aliases {
			if sa := sanitizeTelegramCommand(a); sa != "" && sa != name {
				aliases[sa] = &c
			}
		}
	}
	callbacks := map[string]CallbackRoute{}
	for _, r := range cbs {
		if r.Prefix == "" || r.Action == "" || r.Handle == nil {
			continue
		}
		callbacks[r.Prefix+":"+r.Action] = r
	}

	m.mu.Lock()
	m.commands, m.aliases, m.callbacks = commands, aliases, callbacks
	m.mu.Unlock()
}

// Commands returns the registered commands sorted by name.
func (m *Router) Commands() []Command {
	m.mu.RLock()
	out := make([]Command, 0, len(m.commands))
	for _, c := range m.commands {
		out = append(out, *c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PublishMenu pushes the command list to the client menu when the adapter
// supports it.
func (m *Router) PublishMenu(ctx context.Context) error {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return up.UpdateMenuCommands(ctx, buildMenu(m.Commands()))
}

// DispatchLoop routes updates until ctx ends or updates is closed.
func (m *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(m.log), supervisor.WithCancelOnError(false))
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), 200*time.Millisecond, 5*time.Second, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return c.Err()
				case job := <-m.jobs:
					m.runJob(idx, job)
				}
			}
		})
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.Route(ctx, up)
		}
	}
}

func (m *Router) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (m *Router) enqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// Route handles one update. Exposed for tests and for callers that run
// their own loop.
func (m *Router) Route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	cmd := m.commands[word]
	if cmd == nil {
		cmd = m.aliases[word]
	}
	m.mu.RUnlock()
	if cmd == nil {
		_, _ = m.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		_, _ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         parts[1:],
		ReqID:        newReqID(),
		Adapter:      m.adapter,
	}
	req.Logger = m.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Name),
	)
	final := Chain(cmd.Handle, MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(cmd.Timeout), MWReplyError())
	if !m.enqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (m *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		return
	}
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.mu.RLock()
	route, ok := m.callbacks[parts[0]+":"+parts[1]]
	m.mu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if route.Access == AccessOwnerOnly && !m.isOwner(cb.FromID) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	req := &Request{
		Update:       up,
		Chat:         kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:       cb.FromID,
		FromUsername: cb.FromUsername,
		Command:      "cb:" + parts[0] + ":" + parts[1],
		Payload:      payload,
		ReqID:        newReqID(),
		Adapter:      m.adapter,
	}
	req.Logger = m.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", cb.ChatID),
		logx.Int64("from_id", cb.FromID),
		logx.String("cmd", req.Command),
	)
	h := func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) }
	final := Chain(h, MWPanicRecover(m.log), MWRequestLog(m.log), MWTimeout(route.Timeout), MWReplyError())
	if !m.enqueue(func() {
		_ = final(ctx, req)
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func newReqID() string { return uuid.NewString()[:8] }
