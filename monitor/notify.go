package monitor

import (
	"context"
	"fmt"
	"sort"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier delivers online/offline alerts.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

func onlineMessage(identity string) string  { return fmt.Sprintf("✅ %s online", identity) }
func offlineMessage(identity string) string { return fmt.Sprintf("❌ %s offline", identity) }

// Telegram sends alerts to one chat through a bot.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	return NewTelegramWithEndpoint(token, tgbotapi.APIEndpoint, chatID)
}

// NewTelegramWithEndpoint talks to a Bot API server other than
// api.telegram.org. endpoint is a format string taking the token and the
// method name.
func NewTelegramWithEndpoint(token, endpoint string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Notify(_ context.Context, text string) error {
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// presence turns the identities seen in each cycle into online/offline
// transitions. Identities start out online, so only a return from
// offline produces an online alert.
type presence struct {
	known   map[string]bool
	offline map[string]bool
}

func newPresence() *presence {
	return &presence{
		known:   make(map[string]bool),
		offline: make(map[string]bool),
	}
}

// update returns the alerts for the set of identities currently reporting.
func (p *presence) update(current map[string]bool) []string {
	var alerts []string
	for _, id := range sortedKeys(current) {
		p.known[id] = true
		if p.offline[id] {
			p.offline[id] = false
			alerts = append(alerts, onlineMessage(id))
		}
	}
	for _, id := range sortedKeys(p.known) {
		if !current[id] && !p.offline[id] {
			p.offline[id] = true
			alerts = append(alerts, offlineMessage(id))
		}
	}
	return alerts
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
