// Package telegram watches a public channel through bot accounts that are
// members of it.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blacktop/cawatch/internal/logutil"
	"github.com/blacktop/cawatch/internal/watch"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	providerName   = "telegram"
	requestTimeout = 30 * time.Second
	bufferSize     = 50
	updateLimit    = 100
)

// Bot is the subset of the Bot API a worker needs.
type Bot interface {
	GetMe() (tgbotapi.User, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Dialer creates a logged-in bot from its token.
type Dialer func(token string) (Bot, error)

// Provider implements watch.Provider. Bot API updates are delivered once
// per bot, so posts seen by any worker are merged into a per-channel buffer
// and every fetch returns that buffer.
type Provider struct {
	dial Dialer

	mu       sync.Mutex
	channels map[int64][]watch.Post
}

type session struct {
	username string
	token    string
	bot      Bot

	mu     sync.Mutex
	offset int
}

func (s *session) Username() string { return s.username }

// New builds the provider. A nil dial uses the real Bot API.
func New(dial Dialer) *Provider {
	if dial == nil {
		dial = func(token string) (Bot, error) {
			return tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: requestTimeout})
		}
	}
	return &Provider{dial: dial, channels: make(map[int64][]watch.Post)}
}

// Name identifies the provider.
func (p *Provider) Name() string { return providerName }

func (p *Provider) connect(acct watch.WorkerAccount, token string) (watch.Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, watch.AuthError{Provider: providerName, Username: acct.Username, Err: errors.New("bot token not set")}
	}
	bot, err := p.dial(token)
	if err != nil {
		if classify(err) == watch.ClassRateLimit {
			return nil, watch.RateLimitError{Provider: providerName, Err: err}
		}
		return nil, watch.AuthError{Provider: providerName, Username: acct.Username, Err: err}
	}
	return &session{username: acct.Username, token: token, bot: bot}, nil
}

// Login dials the bot with the account's token.
func (p *Provider) Login(_ context.Context, acct watch.WorkerAccount) (watch.Session, error) {
	return p.connect(acct, acct.Credentials.Token)
}

// Resume is a login with the cached token; bot tokens do not expire.
func (p *Provider) Resume(_ context.Context, acct watch.WorkerAccount, token string) (watch.Session, error) {
	return p.connect(acct, token)
}

func (p *Provider) Probe(_ context.Context, s watch.Session) error {
	sess, err := asSession(s)
	if err != nil {
		return err
	}
	if _, err := sess.bot.GetMe(); err != nil {
		return classifyErr(err, sess.username)
	}
	return nil
}

func (p *Provider) Token(s watch.Session) (string, error) {
	sess, err := asSession(s)
	if err != nil {
		return "", err
	}
	return sess.token, nil
}

// ResolveTarget accepts a numeric chat id or a channel username.
func (p *Provider) ResolveTarget(_ context.Context, s watch.Session, identifier string) (watch.Handle, error) {
	sess, err := asSession(s)
	if err != nil {
		return watch.Handle{}, err
	}
	identifier = strings.TrimSpace(identifier)
	identifier = strings.TrimPrefix(identifier, "https://t.me/")

	cfg := tgbotapi.ChatInfoConfig{}
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		cfg.ChatID = id
	} else {
		if !strings.HasPrefix(identifier, "@") {
			identifier = "@" + identifier
		}
		cfg.SuperGroupUsername = identifier
	}

	chat, err := sess.bot.GetChat(cfg)
	if err != nil {
		switch classify(err) {
		case watch.ClassRateLimit, watch.ClassAuth:
			return watch.Handle{}, classifyErr(err, sess.username)
		}
		return watch.Handle{}, watch.TargetResolutionError{Provider: providerName, Target: identifier, Err: err}
	}
	name := chat.UserName
	if name == "" {
		name = chat.Title
	}
	return watch.Handle{ID: strconv.FormatInt(chat.ID, 10), Name: name}, nil
}

// FetchLatest drains the worker's pending updates into the channel buffers
// and returns the target's buffer, newest first.
func (p *Provider) FetchLatest(_ context.Context, s watch.Session, h watch.Handle) (watch.Window, error) {
	sess, err := asSession(s)
	if err != nil {
		return nil, err
	}
	chatID, err := strconv.ParseInt(h.ID, 10, 64)
	if err != nil {
		return nil, watch.TargetResolutionError{Provider: providerName, Target: h.ID, Err: err}
	}

	sess.mu.Lock()
	updates, err := sess.bot.GetUpdates(tgbotapi.UpdateConfig{
		Offset:         sess.offset,
		Limit:          updateLimit,
		AllowedUpdates: []string{"channel_post"},
	})
	if err != nil {
		sess.mu.Unlock()
		return nil, classifyErr(err, sess.username)
	}
	for _, u := range updates {
		if u.UpdateID >= sess.offset {
			sess.offset = u.UpdateID + 1
		}
	}
	sess.mu.Unlock()

	for _, u := range updates {
		if u.ChannelPost == nil || u.ChannelPost.Chat == nil {
			continue
		}
		p.record(u.ChannelPost.Chat.ID, p.toPost(sess.bot, u.ChannelPost))
	}
	return p.window(chatID), nil
}

func (p *Provider) record(chatID int64, post watch.Post) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := p.channels[chatID]
	for _, existing := range buf {
		if existing.ID == post.ID {
			return
		}
	}
	buf = append(buf, post)
	sort.SliceStable(buf, func(i, j int) bool { return messageID(buf[i]) > messageID(buf[j]) })
	if len(buf) > bufferSize {
		buf = buf[:bufferSize]
	}
	p.channels[chatID] = buf
}

func (p *Provider) window(chatID int64) watch.Window {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(watch.Window(nil), p.channels[chatID]...)
}

func (p *Provider) toPost(bot Bot, msg *tgbotapi.Message) watch.Post {
	post := watch.Post{
		ID:        strconv.Itoa(msg.MessageID),
		Text:      msg.Text,
		CreatedAt: msg.Time(),
		IsReshare: msg.ForwardFromChat != nil || msg.ForwardFrom != nil || msg.ForwardDate != 0,
	}
	if post.Text == "" {
		post.Text = msg.Caption
	}
	if msg.Chat != nil && msg.Chat.UserName != "" {
		post.URL = fmt.Sprintf("https://t.me/%s/%d", msg.Chat.UserName, msg.MessageID)
	}
	if n := len(msg.Photo); n > 0 {
		largest := msg.Photo[n-1]
		if u, err := bot.GetFileDirectURL(largest.FileID); err != nil {
			logutil.Warnf("telegram: cannot resolve photo for message %d: %v", msg.MessageID, err)
		} else {
			post.Media = append(post.Media, u)
		}
	}
	return post
}

func messageID(p watch.Post) int {
	n, _ := strconv.Atoi(p.ID)
	return n
}

func (p *Provider) Classify(err error) watch.Class { return classify(err) }

func classify(err error) watch.Class {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests:
			return watch.ClassRateLimit
		case http.StatusUnauthorized, http.StatusForbidden:
			return watch.ClassAuth
		}
	}
	return watch.ClassOf(err)
}

func classifyErr(err error, username string) error {
	switch classify(err) {
	case watch.ClassRateLimit:
		var retry time.Duration
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			retry = time.Duration(apiErr.RetryAfter) * time.Second
		}
		return watch.RateLimitError{Provider: providerName, RetryAfter: retry, Err: err}
	case watch.ClassAuth:
		return watch.AuthError{Provider: providerName, Username: username, Err: err}
	}
	return watch.FetchError{Provider: providerName, Err: err}
}

func asSession(s watch.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil || sess.bot == nil {
		return nil, watch.ValidationError{Provider: providerName, Reason: fmt.Sprintf("unexpected session type %T", s)}
	}
	return sess, nil
}
