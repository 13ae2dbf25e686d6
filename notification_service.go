package main

import (
	"os"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// NotificationService pushes operator alerts to Telegram: engine start and
// stop, trade executions, protective failures, liquidation reports. The
// engine is fully autonomous — there is no approval flow, only a /status
// command for a read-only snapshot.
type NotificationService struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *zap.SugaredLogger
}

// NewNotificationService initializes the Telegram bot from the
// environment. Returns nil (and the rest of the engine runs silently) when
// no token is configured.
func NewNotificationService(log *zap.SugaredLogger) *NotificationService {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		log.Infow("TELEGRAM_BOT_TOKEN not set, notifications disabled")
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Warnw("telegram init failed, notifications disabled", "err", err)
		return nil
	}

	chatID, _ := strconv.ParseInt(os.Getenv("TELEGRAM_CHAT_ID"), 10, 64)
	ns := &NotificationService{bot: bot, chatID: chatID, log: log}
	log.Infow("telegram notifications enabled", "account", bot.Self.UserName)
	return ns
}

// Notify sends a message without blocking the caller. Safe on a nil
// receiver so call sites need no guards.
func (ns *NotificationService) Notify(msg string) {
	if ns == nil || ns.bot == nil || ns.chatID == 0 {
		return
	}
	go func() {
		m := tgbotapi.NewMessage(ns.chatID, msg)
		m.ParseMode = "Markdown"
		if _, err := ns.bot.Send(m); err != nil {
			ns.log.Warnw("telegram send failed", "err", err)
		}
	}()
}

// StartCommandListener polls Telegram for /status and captures the chat ID
// from the first inbound message when none was configured.
func (ns *NotificationService) StartCommandListener(statusFn func() string) {
	if ns == nil || ns.bot == nil {
		return
	}
	go func() {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		for update := range ns.bot.GetUpdatesChan(u) {
			if update.Message == nil {
				continue
			}
			if ns.chatID == 0 {
				ns.chatID = update.Message.Chat.ID
				ns.log.Infow("telegram chat bound", "chat_id", ns.chatID)
				ns.Notify("Engine connected. Notifications enabled.")
			}
			if update.Message.IsCommand() && update.Message.Command() == "status" && statusFn != nil {
				ns.Notify(statusFn())
			}
		}
	}()
}
