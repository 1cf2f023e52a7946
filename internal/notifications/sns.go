// Package notifications delivers balance and provider-health events to
// operators.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationLowBalance      NotificationType = "low_balance"
	NotificationCreditsDepleted NotificationType = "credits_depleted"
	NotificationProviderDown    NotificationType = "provider_down"
	NotificationProviderUp      NotificationType = "provider_up"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Severity ranks the event for subscription filter policies.
func (t NotificationType) Severity() Severity {
	switch t {
	case NotificationCreditsDepleted, NotificationProviderDown:
		return SeverityCritical
	case NotificationLowBalance:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

type Notification struct {
	ID        string                 `json:"id"`
	Type      NotificationType       `json:"type"`
	Severity  Severity               `json:"severity"`
	OrgID     string                 `json:"org_id,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// fill sets the fields a sender may leave empty.
func (n *Notification) fill(now time.Time) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Severity == "" {
		n.Severity = n.Type.Severity()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = now.UTC()
	}
}

// Subject is the email subject line: "[llm-gateway] critical provider_down (org)".
func (n Notification) Subject() string {
	s := fmt.Sprintf("[llm-gateway] %s %s", n.Severity, n.Type)
	if n.OrgID != "" {
		s += " (" + n.OrgID + ")"
	}
	// SNS rejects subjects over 100 characters.
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// publisher is the part of the SNS client the notifier needs.
type publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes JSON notifications to a topic. FIFO topics (ARN
// ending in ".fifo") are grouped per organization, with the notification ID
// as the deduplication ID.
type SNSNotifier struct {
	client   publisher
	topicArn string
	now      func() time.Time
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
		now:      time.Now,
	}
}

func stringAttr(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	now := time.Now
	if n.now != nil {
		now = n.now
	}
	notification.fill(now())

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attrs := map[string]snstypes.MessageAttributeValue{
		"Type":     stringAttr(string(notification.Type)),
		"Severity": stringAttr(string(notification.Severity)),
	}
	if notification.OrgID != "" {
		attrs["OrgID"] = stringAttr(notification.OrgID)
	}

	input := &sns.PublishInput{
		TopicArn:          aws.String(n.topicArn),
		Subject:           aws.String(notification.Subject()),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	}
	if strings.HasSuffix(n.topicArn, ".fifo") {
		group := notification.OrgID
		if group == "" {
			group = string(notification.Type)
		}
		input.MessageGroupId = aws.String(group)
		input.MessageDeduplicationId = aws.String(notification.ID)
	}

	out, err := n.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("publish %s notification: %w", notification.Type, err)
	}

	slog.Info("notification published",
		"id", notification.ID,
		"type", notification.Type,
		"severity", notification.Severity,
		"org_id", notification.OrgID,
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

// Fanout sends every notification to each notifier in turn and joins their
// errors.
type Fanout []Notifier

func (f Fanout) Send(ctx context.Context, notification Notification) error {
	notification.fill(time.Now())
	var errs []error
	for _, n := range f {
		if err := n.Send(ctx, notification); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, notification Notification) error {
	level := slog.LevelInfo
	if notification.Type.Severity() != SeverityInfo {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "notification",
		"type", notification.Type,
		"org_id", notification.OrgID,
		"message", notification.Message,
	)
	return nil
}

// InMemoryNotifier records notifications and runs subscribed callbacks. It
// stands in for SNS when no topic is configured.
type InMemoryNotifier struct {
	mu       sync.Mutex
	sent     []Notification
	handlers []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	notification.fill(time.Now())

	n.mu.Lock()
	n.sent = append(n.sent, notification)
	handlers := append([]func(Notification){}, n.handlers...)
	n.mu.Unlock()

	for _, h := range handlers {
		h(notification)
	}
	slog.Debug("notification recorded", "type", notification.Type, "org_id", notification.OrgID)
	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	n.handlers = append(n.handlers, handler)
	n.mu.Unlock()
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

func (n *InMemoryNotifier) Clear() {
	n.mu.Lock()
	n.sent = nil
	n.mu.Unlock()
}
