package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/cellsage/ai-engine/internal/budget"
)

func TestInMemoryNotifier_SendAndHandlers(t *testing.T) {
	n := NewInMemoryNotifier()

	var handled []Notification
	n.OnNotification(func(notification Notification) {
		handled = append(handled, notification)
	})

	err := n.Send(context.Background(), Notification{
		Type:     TypeAllProvidersFailed,
		CallerID: "caller-1",
		Message:  "no provider could serve tier2",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := n.Notifications()
	if len(got) != 1 || got[0].Type != TypeAllProvidersFailed {
		t.Fatalf("Notifications() = %+v", got)
	}
	if len(handled) != 1 || handled[0].CallerID != "caller-1" {
		t.Fatalf("handler got %+v", handled)
	}

	n.Clear()
	if len(n.Notifications()) != 0 {
		t.Error("Clear() left notifications behind")
	}
}

func TestNewBudgetAlertHandler_MapsLevels(t *testing.T) {
	tests := []struct {
		name  string
		level budget.AlertLevel
		want  Type
	}{
		{"warning", budget.AlertLevelWarning, TypeBudgetWarning},
		{"exceeded", budget.AlertLevelExceeded, TypeBudgetExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewInMemoryNotifier()
			handler := NewBudgetAlertHandler(n)

			handler(budget.Alert{
				CallerID:   "caller-1",
				Level:      tt.level,
				LimitUSD:   100,
				SpentUSD:   92,
				Percentage: 92,
				Timestamp:  time.Now(),
			})

			got := n.Notifications()
			if len(got) != 1 {
				t.Fatalf("got %d notifications, want 1", len(got))
			}
			if got[0].Type != tt.want {
				t.Errorf("type = %v, want %v", got[0].Type, tt.want)
			}
			if got[0].CallerID != "caller-1" {
				t.Errorf("caller_id = %v", got[0].CallerID)
			}
			if got[0].Data["spent_usd"] != 92.0 {
				t.Errorf("spent_usd = %v, want 92", got[0].Data["spent_usd"])
			}
		})
	}
}
