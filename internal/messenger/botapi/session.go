package botapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"tgcast/internal/messenger"
	logx "tgcast/pkg/logx"
)

type Session struct {
	bot    *tele.Bot
	client *http.Client
	lim    *rate.Limiter
	log    logx.Logger
	me     messenger.Self
}

func (s *Session) Self() messenger.Self { return s.me }

func (s *Session) wait(ctx context.Context) error {
	if s.lim == nil {
		return nil
	}
	return s.lim.Wait(ctx)
}

func (s *Session) Resolve(ctx context.Context, destination string) (messenger.Entity, error) {
	if _, ok := messenger.InviteHash(destination); ok {
		return messenger.Entity{}, fmt.Errorf("resolve %s: bots cannot open invite links: %w", destination, messenger.ErrNotFound)
	}
	if err := s.wait(ctx); err != nil {
		return messenger.Entity{}, err
	}

	raw := strings.TrimSpace(destination)
	var (
		chat *tele.Chat
		err  error
	)
	if id, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
		chat, err = s.bot.ChatByID(id)
	} else {
		h := messenger.Handle(raw)
		if h == "" {
			return messenger.Entity{}, fmt.Errorf("resolve %s: %w", destination, messenger.ErrNotFound)
		}
		chat, err = s.bot.ChatByUsername("@" + h)
	}
	if err != nil {
		return messenger.Entity{}, wrapErr("resolve "+destination, err)
	}
	return entityOf(chat), nil
}

func entityOf(c *tele.Chat) messenger.Entity {
	e := messenger.Entity{ID: c.ID, Handle: c.Username, Title: c.Title, Raw: c}
	switch c.Type {
	case tele.ChatPrivate:
		e.Kind = messenger.KindUser
		if e.Title == "" {
			e.Title = strings.TrimSpace(c.FirstName + " " + c.LastName)
		}
	case tele.ChatGroup:
		e.Kind = messenger.KindGroup
	case tele.ChatSuperGroup:
		e.Kind = messenger.KindSupergroup
	case tele.ChatChannel, tele.ChatChannelPrivate:
		e.Kind = messenger.KindChannel
	}
	return e
}

func chatOf(e messenger.Entity) *tele.Chat {
	if c, ok := e.Raw.(*tele.Chat); ok && c != nil {
		return c
	}
	return &tele.Chat{ID: e.ID, Username: e.Handle}
}

func (s *Session) IsMember(ctx context.Context, e messenger.Entity) (bool, error) {
	if err := s.wait(ctx); err != nil {
		return false, err
	}
	m, err := s.bot.ChatMemberOf(chatOf(e), &tele.User{ID: s.me.ID})
	if err != nil {
		return false, wrapErr("get member "+e.Name(), err)
	}
	switch m.Role {
	case tele.Left, tele.Kicked, "":
		return false, nil
	}
	return true, nil
}

func (s *Session) Join(_ context.Context, e messenger.Entity) error {
	if e.Handle == "" {
		return messenger.ErrNoPublicHandle
	}
	return fmt.Errorf("join %s: bots must be added by an admin: %w", e.Name(), messenger.ErrPermissionDenied)
}

func (s *Session) ImportInvite(_ context.Context, hash string) (messenger.Entity, error) {
	return messenger.Entity{}, fmt.Errorf("import invite %s: bots must be added by an admin: %w", hash, messenger.ErrPermissionDenied)
}

func (s *Session) SendTyping(ctx context.Context, e messenger.Entity, _ time.Duration) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	return wrapErr("typing", s.bot.Notify(chatOf(e), tele.Typing))
}

func sendOptions(opt messenger.SendOptions) *tele.SendOptions {
	return &tele.SendOptions{
		ParseMode:             tele.ParseMode(opt.ParseMode),
		DisableWebPagePreview: opt.DisablePreview,
	}
}

func (s *Session) SendText(ctx context.Context, e messenger.Entity, text string, opt messenger.SendOptions) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	_, err := s.bot.Send(chatOf(e), text, sendOptions(opt))
	return wrapErr("send to "+e.Name(), err)
}

func stored(ref messenger.MessageRef) tele.StoredMessage {
	return tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID}
}

func (s *Session) Forward(ctx context.Context, e messenger.Entity, src messenger.MessageRef) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	_, err := s.bot.Forward(chatOf(e), stored(src))
	return wrapErr("forward to "+e.Name(), err)
}

func (s *Session) Copy(ctx context.Context, e messenger.Entity, src messenger.MessageRef, opt messenger.SendOptions) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	_, err := s.bot.Copy(chatOf(e), stored(src), sendOptions(opt))
	return wrapErr("copy to "+e.Name(), err)
}

// ResolveSourceMessage checks that the post's chat is reachable. The Bot API
// has no history access, so links without a message id can't be resolved.
func (s *Session) ResolveSourceMessage(ctx context.Context, link string) (messenger.MessageRef, error) {
	sl, err := messenger.ParseSourceLink(link)
	if err != nil {
		return messenger.MessageRef{}, err
	}
	if sl.MessageID == 0 {
		return messenger.MessageRef{}, fmt.Errorf("source %s: latest post lookup needs history access: %w", link, messenger.ErrNotFound)
	}
	if err := s.wait(ctx); err != nil {
		return messenger.MessageRef{}, err
	}

	var chat *tele.Chat
	if sl.Handle != "" {
		chat, err = s.bot.ChatByUsername("@" + sl.Handle)
	} else {
		chat, err = s.bot.ChatByID(sl.ChatID())
	}
	if err != nil {
		return messenger.MessageRef{}, wrapErr("source "+link, err)
	}
	return messenger.MessageRef{ChatID: chat.ID, MessageID: sl.MessageID}, nil
}

func (s *Session) Close() error {
	if s.client != nil {
		s.client.CloseIdleConnections()
	}
	return nil
}
