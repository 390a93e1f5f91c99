package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/eventbus"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
)

// NotifierName is the bus subscriber name of the notification publisher.
const NotifierName = "notification-publisher"

// MessagePublisher is the part of *nats.Conn the notifier needs.
type MessagePublisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber is the part of the bus the notifier registers with.
type Subscriber interface {
	Subscribe(topic domain.Topic, name string, h eventbus.Handler) error
}

// NotifiedTopics are the coordinator's own events forwarded to NATS.
var NotifiedTopics = []domain.Topic{
	domain.TopicMatchCompleted,
	domain.TopicMatchException,
	domain.TopicExceptionResolved,
	domain.TopicApprovalRequested,
	domain.TopicApprovalApproved,
	domain.TopicApprovalRejected,
	domain.TopicApprovalCancelled,
}

// NotificationPublisher forwards coordinator events to NATS for the
// notifications service.
//
// Subject convention: <prefix>.<topic>, e.g. notifications.p2p.approval.requested
//
// Publish failures are logged and never returned, so a NATS outage cannot
// count as a failed delivery on the bus.
type NotificationPublisher struct {
	conn   MessagePublisher
	prefix string
	log    *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	SourceModule string         `json:"source_module"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	EmittedAt    time.Time      `json:"emitted_at"`
	Payload      domain.Payload `json:"payload"`
}

// NewNotificationPublisher creates a publisher that writes to conn.
func NewNotificationPublisher(conn MessagePublisher, prefix string, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, prefix: prefix, log: log.Component(NotifierName)}
}

// Register subscribes the publisher to every notified topic.
func (p *NotificationPublisher) Register(bus Subscriber) error {
	for _, topic := range NotifiedTopics {
		if err := bus.Subscribe(topic, NotifierName, p.HandleEvent); err != nil {
			return err
		}
	}
	return nil
}

// Subject returns the NATS subject an event of topic is published on.
func (p *NotificationPublisher) Subject(topic domain.Topic) string {
	return fmt.Sprintf("%s.%s", p.prefix, topic)
}

// HandleEvent publishes evt. It always returns nil.
func (p *NotificationPublisher) HandleEvent(_ context.Context, evt domain.Event) error {
	if p.conn == nil {
		return nil
	}

	subject := p.Subject(evt.Topic)
	data, err := json.Marshal(buildNotification(evt))
	if err != nil {
		p.log.Warn().Err(err).Str("topic", string(evt.Topic)).Msg("notification: failed to marshal event")
		return nil
	}

	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("event_id", evt.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return nil
	}

	p.log.Debug().
		Str("subject", subject).
		Str("event_id", evt.ID).
		Msg("notification: event published")
	return nil
}

func buildNotification(evt domain.Event) *NotificationEvent {
	subject := evt.Payload.Subject()
	n := &NotificationEvent{
		EventID:      evt.ID,
		EventType:    string(evt.Topic),
		SourceModule: evt.SourceModule,
		ActorID:      evt.Payload.Actor(),
		ResourceType: subject.Type,
		ResourceID:   subject.ID,
		Severity:     "info",
		Category:     "p2p_coordination",
		EmittedAt:    evt.EmittedAt,
		Payload:      evt.Payload,
	}

	switch p := evt.Payload.(type) {
	case domain.ApprovalRequested:
		n.Recipients = []string{p.ApproverRole}
		n.IsActionable = true
	case domain.ApprovalApproved:
		if !p.Terminal && p.NextRole != "" {
			n.Recipients = []string{p.NextRole}
			n.IsActionable = true
		}
	case domain.MatchExceptionRaised:
		n.Severity = string(p.Severity)
		n.IsActionable = true
	}
	return n
}
