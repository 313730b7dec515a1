package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blacktop/cawatch/internal/watch"
	"github.com/failsafe-go/failsafe-go"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	envTelegramToken = "CAWATCH_TELEGRAM_BOT_TOKEN"
	telegramName     = "telegram"
	requestTimeout   = 30 * time.Second
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends alerts through a bot. Destinations are numeric chat ids or
// @channel usernames.
type Telegram struct {
	bot      telegramSender
	executor failsafe.Executor[tgbotapi.Message]
}

// NewTelegram logs the bot in with token, falling back to
// CAWATCH_TELEGRAM_BOT_TOKEN.
func NewTelegram(token string) (*Telegram, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(envTelegramToken))
	}
	if token == "" {
		return nil, watch.MissingEnvError{Provider: telegramName, Variables: []string{envTelegramToken}}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: requestTimeout})
	if err != nil {
		return nil, fmt.Errorf("telegram bot login: %w", err)
	}
	return newTelegram(bot), nil
}

func newTelegram(bot telegramSender) *Telegram {
	return &Telegram{bot: bot, executor: retryExecutor[tgbotapi.Message](3, 500*time.Millisecond)}
}

func (t *Telegram) Name() string { return telegramName }

func (t *Telegram) Deliver(ctx context.Context, destination, text string) error {
	msg, err := telegramMessage(destination, text)
	if err != nil {
		return err
	}
	_, err = t.executor.WithContext(ctx).Get(func() (tgbotapi.Message, error) {
		sent, err := t.bot.Send(msg)
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
			return sent, permanent{err}
		}
		return sent, err
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", destination, err)
	}
	return nil
}

func telegramMessage(destination, text string) (tgbotapi.MessageConfig, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return tgbotapi.MessageConfig{}, watch.ConfigError{Field: "notify.destination", Reason: "not set"}
	}
	if id, err := strconv.ParseInt(destination, 10, 64); err == nil {
		return tgbotapi.NewMessage(id, text), nil
	}
	if !strings.HasPrefix(destination, "@") {
		destination = "@" + destination
	}
	return tgbotapi.NewMessageToChannel(destination, text), nil
}
