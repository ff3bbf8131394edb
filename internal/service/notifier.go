// Package service содержит прикладные сервисы поверх репозиториев:
// журнал уведомлений с доставкой в Telegram.
package service

import (
	"context"
	"fmt"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"fundingarb/internal/models"
	"fundingarb/pkg/utils"
)

// NotificationStore - персистентный журнал уведомлений
type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
}

// TelegramSender - канал доставки в мессенджер
type TelegramSender interface {
	Send(text string)
}

// Telegram шлёт сообщения в один чат. Все методы nil-безопасны:
// без токена нотификации просто не доставляются в мессенджер.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64
}

// NewTelegram создает клиент Telegram. Пустой токен - nil-клиент,
// доставка отключена.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}
	bot, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Send отправляет сообщение best-effort: ошибка доставки глотается
func (t *Telegram) Send(text string) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	_, _ = t.bot.Send(tgbot.NewMessage(t.chatID, text))
}

// Notifier раздаёт события по трём каналам: структурный лог,
// журнал в БД и Telegram. Отказ любого канала не трогает остальные.
type Notifier struct {
	store    NotificationStore
	telegram TelegramSender
	log      *utils.Logger

	writeTimeout time.Duration
}

// NewNotifier создает нотифайер. store и telegram могут быть nil.
func NewNotifier(store NotificationStore, telegram TelegramSender, log *utils.Logger) *Notifier {
	return &Notifier{
		store:        store,
		telegram:     telegram,
		log:          log.WithComponent("notifier"),
		writeTimeout: 5 * time.Second,
	}
}

// Add создает уведомление и раздаёт его по каналам.
// В Telegram уходят только warn и выше: info-шум остаётся в журнале.
func (n *Notifier) Add(severity, title, message string, meta map[string]interface{}) {
	notification := &models.Notification{
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Title:     title,
		Message:   message,
		Meta:      meta,
	}

	n.logEntry(notification)

	if n.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), n.writeTimeout)
		defer cancel()
		if err := n.store.Create(ctx, notification); err != nil {
			n.log.Error("notification not persisted", utils.Err(err))
		}
	}

	if n.telegram != nil && severity != models.SeverityInfo {
		n.telegram.Send(formatTelegram(notification))
	}
}

func (n *Notifier) logEntry(notification *models.Notification) {
	fields := []utils.Field{
		utils.String("title", notification.Title),
		utils.String("message", notification.Message),
	}

	switch notification.Severity {
	case models.SeverityWarn:
		n.log.Warn("notification", fields...)
	case models.SeverityError, models.SeverityCritical:
		n.log.Error("notification", fields...)
	default:
		n.log.Info("notification", fields...)
	}
}

func formatTelegram(n *models.Notification) string {
	emoji := "ℹ️"
	switch n.Severity {
	case models.SeverityWarn:
		emoji = "⚠️"
	case models.SeverityError:
		emoji = "❗️"
	case models.SeverityCritical:
		emoji = "🚨"
	}

	if n.Message == "" {
		return fmt.Sprintf("%s %s", emoji, n.Title)
	}
	return fmt.Sprintf("%s %s\n%s", emoji, n.Title, n.Message)
}
