package channel

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	logx "slotwatch/pkg/logx"
)

const telegramTextLimit = 4000

// TelegramConfig configures the direct-message sender.
type TelegramConfig struct {
	Token      string
	RatePerSec int // token bucket for outbound sends; Telegram throttles hard
}

// Telegram is a send-only telebot client. No poller is started; this
// process never consumes updates.
type Telegram struct {
	bot     *tele.Bot
	log     logx.Logger
	limiter *rate.Limiter
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	return &Telegram{
		bot:     b,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (t *Telegram) SendDirect(ctx context.Context, chatID int64, text string) error {
	chunks := splitText(text, telegramTextLimit)
	chat := &tele.Chat{ID: chatID}
	opt := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}

	for _, chunk := range chunks {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := t.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText splits long messages into chunks safe for Telegram, preferring
// newline boundaries near the end of each window.
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
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
