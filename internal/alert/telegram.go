package alert

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

// Target is a chat, optionally narrowed to a forum thread.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Sender performs one delivery attempt.
type Sender interface {
	Send(ctx context.Context, to Target, text string) error
}

// telegramTextLimit is the Bot API message size limit in characters.
const telegramTextLimit = 4096

type telegramSender struct {
	bot *tele.Bot
}

// NewTelegramSender builds a Bot API sender. offline skips the getMe
// handshake (useful in tests and dry runs).
func NewTelegramSender(token string, offline bool) (Sender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: offline})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b}, nil
}

func (t *telegramSender) Send(ctx context.Context, to Target, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to.ChatID == 0 {
		return errors.New("telegram chat id is empty")
	}
	_, err := t.bot.Send(&tele.Chat{ID: to.ChatID}, truncate(text, telegramTextLimit), &tele.SendOptions{
		ThreadID:              to.ThreadID,
		DisableWebPagePreview: true,
	})
	return err
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
