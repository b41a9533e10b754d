package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"audiotracker/internal/model"
)

const telegramMaxMessage = 4096

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends digests to a chat through the Bot API.
type Telegram struct {
	api      telegramAPI
	chatID   int64
	maxItems int
}

// NewTelegram creates a Telegram channel with the given bot token.
func NewTelegram(token string, chatID int64, maxItems int) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &Telegram{api: api, chatID: chatID, maxItems: maxItems}, nil
}

func (t *Telegram) Name() string  { return model.ChannelTelegram }
func (t *Telegram) MaxItems() int { return t.maxItems }

// Send posts the digest as one plain-text message.
func (t *Telegram) Send(_ context.Context, d Digest) error {
	text := Subject(d) + "\n\n" + PlainText(d)
	msg := tgbotapi.NewMessage(t.chatID, truncate(text, telegramMaxMessage))
	msg.DisableWebPagePreview = len(d.Books) != 1

	if _, err := t.api.Send(msg); err != nil {
		return t.classify(err)
	}
	return nil
}

func (t *Telegram) classify(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return connectionError(t.Name(), err)
	}
	code, transient := classifyHTTPStatus(apiErr.Code)
	return &DeliveryError{
		Channel:    t.Name(),
		Code:       code,
		Transient:  transient,
		RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
		Err:        err,
	}
}
