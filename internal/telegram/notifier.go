package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/trade-tracker/internal/config"
	"github.com/camuig/trade-tracker/internal/logger"
	"github.com/camuig/trade-tracker/internal/storage"
)

type Notifier struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	enabled bool
	logger  *logger.Logger
}

func NewNotifier(cfg *config.Config, log *logger.Logger) *Notifier {
	if !cfg.Telegram.Enabled {
		return Disabled(log)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return Disabled(log)
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName)

	return &Notifier{
		bot:     bot,
		chatID:  cfg.Telegram.ChatID,
		enabled: true,
		logger:  log,
	}
}

// Disabled returns a notifier that drops every message.
func Disabled(log *logger.Logger) *Notifier {
	return &Notifier{enabled: false, logger: log}
}

func (n *Notifier) NotifyOpened(t *storage.Trade) {
	n.send(formatOpened(t))
}

// NotifyEvent reports an intermediate lifecycle step (break-even, scale-out).
func (n *Notifier) NotifyEvent(t *storage.Trade, event, message string) {
	n.send(fmt.Sprintf("🔷 *%s* %s %s\n%s", escape(event), escape(t.Instrument), t.Direction, escape(message)))
}

func (n *Notifier) NotifyClosed(t *storage.Trade, outcome string, pnl float64) {
	n.send(formatClosed(t, outcome, pnl))
}

func (n *Notifier) NotifyError(context string, err error) {
	n.send(fmt.Sprintf("⚠️ *Error* [%s]\n%s", escape(context), escape(err.Error())))
}

func (n *Notifier) NotifyStatus(message string) {
	n.send(message)
}

func (n *Notifier) send(text string) {
	if !n.enabled {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("send telegram message", "error", err)
	}
}

func formatOpened(t *storage.Trade) string {
	emoji := "🟢"
	if t.Direction == "SHORT" {
		emoji = "🔻"
	}
	return fmt.Sprintf("%s *%s* %s (%s)\nEntry: %g\nUnits: %g\nSL: %g\nTP: %g\nRisk: %.2f %s",
		emoji, t.Direction, escape(t.Instrument), t.Broker, t.Entry, t.Units, t.SL, t.TP, t.RiskAmount, t.AccountCurrency)
}

func formatClosed(t *storage.Trade, outcome string, pnl float64) string {
	emoji := "⚪"
	switch {
	case pnl > 0:
		emoji = "💰"
	case pnl < 0:
		emoji = "🔴"
	}
	return fmt.Sprintf("%s *CLOSED* %s %s\nOutcome: %s\nP&L: %.2f %s",
		emoji, escape(t.Instrument), t.Direction, escape(outcome), pnl, t.AccountCurrency)
}

// escape keeps legacy Markdown from eating underscores in names like
// EUR_USD or max_hold_expired.
func escape(s string) string {
	return strings.ReplaceAll(s, "_", "\\_")
}
