package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"tradewatch/internal/models"
)

type captureNotifier struct {
	sent []Notification
	err  error
}

func (c *captureNotifier) Send(_ context.Context, n Notification) error {
	c.sent = append(c.sent, n)
	return c.err
}

func TestSendFill(t *testing.T) {
	capture := &captureNotifier{}
	plan := &models.TradePlan{
		ID:        "p1",
		Symbol:    "XAUUSD",
		Direction: models.DirectionBuy,
		Volume:    0.1,
	}

	err := SendFill(context.Background(), capture, Fill{
		Plan:          plan,
		ExecutedPrice: 4465,
		Ticket:        "POS-1",
	})
	if err != nil {
		t.Fatalf("SendFill failed: %v", err)
	}
	if len(capture.sent) != 1 {
		t.Fatalf("got %d notifications, want 1", len(capture.sent))
	}
	n := capture.sent[0]
	if n.Type != NotificationExecution {
		t.Errorf("type = %s, want execution", n.Type)
	}
	if n.Data["plan_id"] != "p1" || n.Data["ticket"] != "POS-1" {
		t.Errorf("data = %v", n.Data)
	}
}

func TestSendFillNilNotifier(t *testing.T) {
	err := SendFill(context.Background(), nil, Fill{Plan: &models.TradePlan{}})
	if err != nil {
		t.Errorf("nil notifier must be a no-op, got %v", err)
	}
}

func TestMultiNotifierDeliversToAll(t *testing.T) {
	first := &captureNotifier{err: errors.New("boom")}
	second := &captureNotifier{}
	multi := NewMultiNotifier(first, second)

	err := multi.Send(context.Background(), Notification{Type: NotificationInfo})
	if err == nil {
		t.Error("first channel error must surface")
	}
	if len(first.sent) != 1 || len(second.sent) != 1 {
		t.Error("every channel must be attempted despite errors")
	}
}

func TestLogNotifierSend(t *testing.T) {
	n := NewLogNotifier(zerolog.Nop())
	err := n.Send(context.Background(), Notification{
		Type:    NotificationError,
		Title:   "t",
		Message: "m",
		Data:    map[string]interface{}{"k": "v"},
	})
	if err != nil {
		t.Errorf("Send failed: %v", err)
	}
}
