// Package notify delivers operator-facing signals: Telegram messages when a
// dispatch gives up, and sounds on the station display.
package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"bakery-kds/internal/common/logger"
	"bakery-kds/internal/domain"
)

// Sender is the part of *tgbotapi.BotAPI the alerter uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramAlerter struct {
	api    Sender
	chatID int64
	device string
	log    *logger.Logger
}

func NewTelegramAlerter(token string, chatID int64, device string, log *logger.Logger) (*TelegramAlerter, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return NewTelegramAlerterWithSender(api, chatID, device, log), nil
}

func NewTelegramAlerterWithSender(api Sender, chatID int64, device string, log *logger.Logger) *TelegramAlerter {
	return &TelegramAlerter{api: api, chatID: chatID, device: device, log: log}
}

// DispatchFailed tells the operator chat that an order never reached a
// station.
func (a *TelegramAlerter) DispatchFailed(ctx context.Context, e domain.DispatchQueueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(a.chatID, FormatDispatchFailure(a.device, e))
	if _, err := a.api.Send(msg); err != nil {
		a.log.Error("telegram_alert_failed", err, map[string]any{"order_id": e.OrderID, "station": e.Station.String()})
		return fmt.Errorf("telegram: send alert: %w", err)
	}
	a.log.Info("telegram_alert_sent", map[string]any{"order_id": e.OrderID, "station": e.Station.String()})
	return nil
}

func FormatDispatchFailure(device string, e domain.DispatchQueueEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order %s was not delivered to the %s station after %d attempts.", e.OrderID, e.Station, e.AttemptCount)
	if e.LastError != "" {
		fmt.Fprintf(&b, "\nLast error: %s", e.LastError)
	}
	if device != "" {
		fmt.Fprintf(&b, "\nPOS: %s", device)
	}
	b.WriteString("\nPlease check the station display and its network connection.")
	return b.String()
}

// LogAlerter records failures in the log only. It is used when no Telegram
// chat is configured.
type LogAlerter struct {
	Log *logger.Logger
}

func (a LogAlerter) DispatchFailed(_ context.Context, e domain.DispatchQueueEntry) error {
	a.Log.Warn("dispatch_failed_alert", map[string]any{
		"order_id": e.OrderID,
		"station":  e.Station.String(),
		"attempts": e.AttemptCount,
		"error":    e.LastError,
	})
	return nil
}
