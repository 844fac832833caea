// Package telegram adapts the platform capability interface onto the Bot
// API via telebot.
//
// Bot API note: a bot cannot redeem invite links or join chats on its own;
// an admin must add it. JoinEntity therefore verifies membership (reporting
// AlreadyMember when the bot is in the chat) and ImportInvite is rejected
// outright with a message telling the owner to add the bot manually.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/platform"
	"relaybot/pkg/logx"
)

type Config struct {
	Token       string
	OwnerID     int64
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out atomic.Value // stores (chan<- platform.Update)

	runMu   sync.Mutex
	running bool

	// dropped counts updates lost because the consumer lagged behind the
	// poll loop; logged on Stop instead of per update.
	dropped uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.OwnerID == 0 {
		return nil, errors.New("owner user id is required")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- platform.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	handle := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		// Only the owner's private chat is the scratch space.
		if m.Chat.ID != a.cfg.OwnerID {
			return nil
		}
		up := platform.Update{
			ChatID:    m.Chat.ID,
			MessageID: m.ID,
			Text:      m.Text,
			FromOwner: m.Sender != nil && m.Sender.ID == a.cfg.OwnerID,
		}
		if m.Sender != nil {
			up.SenderID = m.Sender.ID
		}
		a.sendUpdate(up)
		return nil
	}
	a.bot.Handle(tele.OnText, handle)
	a.bot.Handle(tele.OnMedia, handle)
}

func (a *Adapter) sendUpdate(up platform.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- platform.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.dropped, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- platform.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.out.Store(out)

	go a.bot.Start()
	go func() {
		<-ctx.Done()
		a.Stop(context.Background())
	}()
	a.log.Info("telegram adapter started", logx.Int64("owner", a.cfg.OwnerID))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) {
	_ = ctx
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	var nilOut chan<- platform.Update
	a.out.Store(nilOut)
	a.bot.Stop()
	if n := atomic.LoadUint64(&a.dropped); n > 0 {
		a.log.Warn("updates dropped by slow consumer", logx.Any("count", n))
	}
	a.log.Info("telegram adapter stopped")
}

func (a *Adapter) ResolveEntity(ctx context.Context, descriptor string) (platform.Entity, error) {
	_ = ctx
	descriptor = strings.TrimSpace(descriptor)

	var chat *tele.Chat
	var err error
	if id, convErr := strconv.ParseInt(descriptor, 10, 64); convErr == nil {
		chat, err = a.bot.ChatByID(id)
	} else {
		handle := strings.TrimPrefix(descriptor, "@")
		chat, err = a.bot.ChatByUsername("@" + handle)
	}
	if err != nil {
		return platform.Entity{}, mapError(err, platform.ErrNotFound)
	}
	return entityFromChat(chat), nil
}

func (a *Adapter) JoinEntity(ctx context.Context, ent platform.Entity) (platform.JoinOutcome, error) {
	_ = ctx
	chat := &tele.Chat{ID: ent.ID}
	member, err := a.bot.ChatMemberOf(chat, a.bot.Me)
	if err != nil {
		return platform.JoinOutcome{}, mapError(err, platform.ErrRejected)
	}
	switch member.Role {
	case tele.Creator, tele.Administrator, tele.Member, tele.Restricted:
		return platform.JoinOutcome{Entity: ent, AlreadyMember: true}, nil
	default:
		return platform.JoinOutcome{}, fmt.Errorf(
			"bot is not a member of %q; add it to the chat first: %w", ent.Title, platform.ErrRejected)
	}
}

func (a *Adapter) ImportInvite(ctx context.Context, inviteHash string) (platform.JoinOutcome, error) {
	_ = ctx
	return platform.JoinOutcome{}, fmt.Errorf(
		"bot accounts cannot redeem invite link %q; add the bot to the chat and use its @handle or id instead: %w",
		inviteHash, platform.ErrRejected)
}

func (a *Adapter) SendOrForward(ctx context.Context, dest platform.Entity, srcChatID int64, messageID int) error {
	_ = ctx
	src := tele.StoredMessage{MessageID: strconv.Itoa(messageID), ChatID: srcChatID}
	_, err := a.bot.Forward(tele.ChatID(dest.ID), src)
	return mapError(err, nil)
}

func (a *Adapter) NotifyOwner(ctx context.Context, text string) error {
	_ = ctx
	_, err := a.bot.Send(tele.ChatID(a.cfg.OwnerID), text)
	return mapError(err, nil)
}

func entityFromChat(c *tele.Chat) platform.Entity {
	return platform.Entity{ID: c.ID, Username: c.Username, Title: c.Title}
}

// mapError converts telebot errors to the platform taxonomy. fallback, when
// non-nil, wraps unclassified errors so callers can errors.Is against it.
func mapError(err error, fallback error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return fmt.Errorf("telegram: %w", &platform.RateLimitedError{
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
		})
	}
	if fallback != nil {
		return fmt.Errorf("telegram: %v: %w", err, fallback)
	}
	return fmt.Errorf("telegram: %w", err)
}
