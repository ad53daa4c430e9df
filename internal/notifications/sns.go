// Package notifications pushes operational events to the on-call channel.
// Budget alerts and total provider outages publish to an SNS topic in
// production; tests and local runs use the in-memory notifier.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/cellsage/ai-engine/internal/budget"
)

type Type string

const (
	TypeBudgetWarning      Type = "budget_warning"
	TypeBudgetExceeded     Type = "budget_exceeded"
	TypeAllProvidersFailed Type = "all_providers_failed"
)

type Notification struct {
	Type     Type           `json:"type"`
	CallerID string         `json:"caller_id,omitempty"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// NewBudgetAlertHandler bridges monitor alerts onto a notifier. Send
// failures are logged and dropped so a notification outage never blocks
// request handling.
func NewBudgetAlertHandler(n Notifier) budget.AlertHandler {
	return func(alert budget.Alert) {
		typ := TypeBudgetWarning
		if alert.Level == budget.AlertLevelExceeded {
			typ = TypeBudgetExceeded
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := n.Send(ctx, Notification{
			Type:     typ,
			CallerID: alert.CallerID,
			Message:  fmt.Sprintf("caller %s at %.0f%% of monthly budget", alert.CallerID, alert.Percentage),
			Data: map[string]any{
				"limit_usd":  alert.LimitUSD,
				"spent_usd":  alert.SpentUSD,
				"percentage": alert.Percentage,
			},
		})
		if err != nil {
			slog.Error("budget alert notification failed",
				"caller_id", alert.CallerID,
				"error", err,
			)
		}
	}
}

// SNSNotifier publishes notifications to a single SNS topic. Subscribers
// filter on the Type and CallerID message attributes.
type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSNotifierWithConfig(cfg, topicArn), nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}
	if notification.CallerID != "" {
		input.MessageAttributes["CallerID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.CallerID),
		}
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent",
		"type", notification.Type,
		"caller_id", notification.CallerID,
	)
	return nil
}

// InMemoryNotifier collects notifications for tests and local development.
type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	handlers      []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification)
	for _, handler := range n.handlers {
		handler(notification)
	}
	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *InMemoryNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

func (n *InMemoryNotifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = n.notifications[:0]
}
