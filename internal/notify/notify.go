// Package notify provides notification delivery for engine events.
package notify

import (
	"context"
	"time"

	"tradewatch/internal/models"
)

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationExecution NotificationType = "execution"
	NotificationCancel    NotificationType = "cancel"
	NotificationError     NotificationType = "error"
	NotificationInfo      NotificationType = "info"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Fill describes an executed plan for notification purposes.
type Fill struct {
	Plan          *models.TradePlan
	ExecutedPrice float64
	Ticket        string
}

// SendFill formats and sends a fill notification through a notifier.
func SendFill(ctx context.Context, notifier Notifier, fill Fill) error {
	if notifier == nil {
		return nil
	}
	return notifier.Send(ctx, Notification{
		Type:    NotificationExecution,
		Title:   "Plan executed",
		Message: string(fill.Plan.Direction) + " " + fill.Plan.Symbol,
		Data: map[string]interface{}{
			"plan_id": fill.Plan.ID,
			"symbol":  fill.Plan.Symbol,
			"price":   fill.ExecutedPrice,
			"ticket":  fill.Ticket,
			"volume":  fill.Plan.Volume,
		},
		Timestamp: time.Now(),
	})
}
