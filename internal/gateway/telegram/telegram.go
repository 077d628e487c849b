// Package telegram implements the outbound gateway over the Telegram Bot API.
//
// Unlike a full bot adapter there is no receive side here: the engine only
// pushes messages. Incoming traffic (onboarding, preference dialogs) belongs
// to a separate subsystem.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"namozbot/internal/gateway"
	logx "namozbot/pkg/logx"
)

type Config struct {
	Token string
	// SendTimeout bounds a single send, markup and retries included.
	SendTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		// Offline keeps NewBot from calling getMe; the send path validates
		// the token on first use instead, so construction works without
		// network access.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

const telegramTextLimit = 4000

// Send delivers text to a chat, splitting messages that exceed Telegram's
// length limit. HTML parse mode matches the renderer's output.
func (a *Adapter) Send(ctx context.Context, chatID int64, text string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout)
	defer cancel()

	chunks := splitText(text, telegramTextLimit)
	chat := &tele.Chat{ID: chatID}

	for _, chunk := range chunks {
		select {
		case <-ctx.Done():
			return &gateway.SendError{Err: ctx.Err()}
		default:
		}

		_, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		})
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

func classify(err error) error {
	var fe tele.FloodError
	var fep *tele.FloodError
	if errors.As(err, &fe) || errors.As(err, &fep) {
		return &gateway.SendError{RateLimited: true, Err: err}
	}
	return &gateway.SendError{Err: err}
}

// splitText splits long messages into chunks that are safe to send to
// Telegram, preferring newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		// Skip leading newlines to avoid empty chunks.
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
