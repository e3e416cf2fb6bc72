// Package transporttest provides a recording transport.Adapter for tests.
package transporttest

import (
	"context"
	"sync"

	kit "tgcast/internal/transport"
)

type Sent struct {
	To      kit.ChatTarget
	Text    string
	Options kit.SendOptions
	// Document is the uploaded file path for SendDocument calls.
	Document string
}

type Adapter struct {
	mu       sync.Mutex
	sent     []Sent
	answered []string
	menu     []kit.BotCommand
	nextID   int

	// Notify, when set, receives a copy of every Sent record.
	Notify chan Sent
}

func (a *Adapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *Adapter) Stop(context.Context) error                     { return nil }

func (a *Adapter) record(s Sent) {
	a.mu.Lock()
	a.sent = append(a.sent, s)
	ch := a.Notify
	a.mu.Unlock()
	if ch != nil {
		ch <- s
	}
}

func (a *Adapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s := Sent{To: to, Text: text}
	if opt != nil {
		s.Options = *opt
	}
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.mu.Unlock()
	a.record(s)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}

func (a *Adapter) EditText(_ context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	s := Sent{To: kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}, Text: text}
	if opt != nil {
		s.Options = *opt
	}
	a.record(s)
	return nil
}

func (a *Adapter) AnswerCallback(_ context.Context, id string, _ string) error {
	a.mu.Lock()
	a.answered = append(a.answered, id)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) SendDocument(_ context.Context, to kit.ChatTarget, path, caption string) error {
	a.record(Sent{To: to, Text: caption, Document: path})
	return nil
}

func (a *Adapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	a.mu.Lock()
	a.menu = append([]kit.BotCommand(nil), cmds...)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sent(nil), a.sent...)
}

func (a *Adapter) Answered() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.answered...)
}

func (a *Adapter) Menu() []kit.BotCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]kit.BotCommand(nil), a.menu...)
}
