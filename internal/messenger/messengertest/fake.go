// Package messengertest provides an in-memory messenger.Session for tests.
package messengertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"tgcast/internal/messenger"
)

// Call records one Session method invocation.
type Call struct {
	Op     string
	Target string
	Text   string
}

// Session is a scripted messenger.Session. Zero-valued maps mean "nothing
// configured": unknown destinations resolve to ErrNotFound and every send
// succeeds.
type Session struct {
	Me messenger.Self

	// Entities maps a destination string to what Resolve returns.
	Entities   map[string]messenger.Entity
	ResolveErr map[string]error
	// Members lists entity ids the account already belongs to.
	Members map[int64]bool
	JoinErr map[int64]error
	Invites map[string]messenger.Entity
	// InviteErr maps an invite hash to its import error.
	InviteErr map[string]error

	// SendErrs queues results per entity id; each send pops the head.
	// An exhausted (or missing) queue means success.
	SendErrs map[int64][]error

	Source    messenger.MessageRef
	SourceErr error

	// OnSend runs after every successful SendText/Forward/Copy.
	OnSend func(e messenger.Entity)

	mu     sync.Mutex
	calls  []Call
	closed bool
}

func (s *Session) record(c Call) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many calls of op were made.
func (s *Session) Count(op string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Self() messenger.Self { return s.Me }

func (s *Session) Resolve(_ context.Context, destination string) (messenger.Entity, error) {
	s.record(Call{Op: "resolve", Target: destination})
	if err := s.ResolveErr[destination]; err != nil {
		return messenger.Entity{}, err
	}
	e, ok := s.Entities[destination]
	if !ok {
		return messenger.Entity{}, messenger.ErrNotFound
	}
	return e, nil
}

func (s *Session) IsMember(_ context.Context, e messenger.Entity) (bool, error) {
	s.record(Call{Op: "is_member", Target: e.Name()})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Members[e.ID], nil
}

func (s *Session) Join(_ context.Context, e messenger.Entity) error {
	s.record(Call{Op: "join", Target: e.Name()})
	if err := s.JoinErr[e.ID]; err != nil {
		return err
	}
	if e.Handle == "" {
		return messenger.ErrNoPublicHandle
	}
	s.join(e.ID)
	return nil
}

func (s *Session) ImportInvite(_ context.Context, hash string) (messenger.Entity, error) {
	s.record(Call{Op: "import_invite", Target: hash})
	if err := s.InviteErr[hash]; err != nil {
		return messenger.Entity{}, err
	}
	e, ok := s.Invites[hash]
	if !ok {
		return messenger.Entity{}, messenger.ErrExpiredInvite
	}
	s.join(e.ID)
	return e, nil
}

func (s *Session) join(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Members == nil {
		s.Members = map[int64]bool{}
	}
	s.Members[id] = true
}

func (s *Session) SendTyping(_ context.Context, e messenger.Entity, _ time.Duration) error {
	s.record(Call{Op: "typing", Target: e.Name()})
	return nil
}

func (s *Session) SendText(_ context.Context, e messenger.Entity, text string, _ messenger.SendOptions) error {
	s.record(Call{Op: "send", Target: e.Name(), Text: text})
	return s.result(e)
}

func (s *Session) Forward(_ context.Context, e messenger.Entity, _ messenger.MessageRef) error {
	s.record(Call{Op: "forward", Target: e.Name()})
	return s.result(e)
}

func (s *Session) Copy(_ context.Context, e messenger.Entity, _ messenger.MessageRef, _ messenger.SendOptions) error {
	s.record(Call{Op: "copy", Target: e.Name()})
	return s.result(e)
}

func (s *Session) result(e messenger.Entity) error {
	s.mu.Lock()
	var err error
	if q := s.SendErrs[e.ID]; len(q) > 0 {
		err = q[0]
		s.SendErrs[e.ID] = q[1:]
	}
	s.mu.Unlock()
	if err == nil && s.OnSend != nil {
		s.OnSend(e)
	}
	return err
}

func (s *Session) ResolveSourceMessage(_ context.Context, link string) (messenger.MessageRef, error) {
	s.record(Call{Op: "resolve_source", Target: link})
	if s.SourceErr != nil {
		return messenger.MessageRef{}, s.SourceErr
	}
	if s.Source.IsZero() {
		return messenger.MessageRef{}, messenger.ErrNotFound
	}
	return s.Source, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Dialer hands out prepared sessions by account id.
type Dialer struct {
	Sessions map[string]*Session
	Errs     map[string]error
}

func (d *Dialer) Connect(_ context.Context, cred messenger.Credentials) (messenger.Session, error) {
	if err := d.Errs[cred.AccountID]; err != nil {
		return nil, err
	}
	s, ok := d.Sessions[cred.AccountID]
	if !ok {
		return nil, errors.New("no session for account " + cred.AccountID)
	}
	return s, nil
}
