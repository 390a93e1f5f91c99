package client

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
)

// Publisher is the part of the bus ingested events are published through.
type Publisher interface {
	Publish(ctx context.Context, source string, payload domain.Payload) (domain.Event, error)
}

// Envelope is the JSON message domain services publish on the ingress
// subject.
type Envelope struct {
	Topic        domain.Topic    `json:"topic"`
	SourceModule string          `json:"source_module"`
	Payload      json.RawMessage `json:"payload"`
}

// ingressTopics are the topics domain services may publish. The coordinator's
// own topics are never accepted from outside.
var ingressTopics = map[domain.Topic]bool{
	domain.TopicPRCreated:               true,
	domain.TopicPRApproved:              true,
	domain.TopicPOCreated:               true,
	domain.TopicInvoiceCaptured:         true,
	domain.TopicInvoiceReadyForMatch:    true,
	domain.TopicInvoiceReadyForApproval: true,
}

// drainable is the part of *nats.Subscription Stop uses.
type drainable interface {
	Drain() error
	IsValid() bool
}

// EventIngress subscribes to <subject>.> and republishes each decoded
// envelope on the bus. Malformed messages are logged and dropped.
type EventIngress struct {
	conn    *nats.Conn
	subject string
	bus     Publisher
	log     *logger.Logger

	mu  sync.Mutex
	sub drainable
	ctx context.Context
}

// NewEventIngress creates an ingress bridge. conn may be nil when only
// HandleMessage is used.
func NewEventIngress(conn *nats.Conn, subject string, bus Publisher, log *logger.Logger) *EventIngress {
	return &EventIngress{
		conn:    conn,
		subject: subject,
		bus:     bus,
		log:     log.Component("event-ingress"),
	}
}

// Start subscribes to the ingress subject. ctx is handed to the bus for every
// ingested event.
func (i *EventIngress) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.sub != nil {
		return nil
	}
	i.ctx = ctx

	sub, err := i.conn.Subscribe(i.subject+".>", func(msg *nats.Msg) {
		// Errors are logged inside HandleMessage.
		_ = i.HandleMessage(i.ctx, msg.Subject, msg.Data)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "failed to subscribe to ingress subject")
	}
	i.sub = sub

	i.log.Info().Str("subject", i.subject+".>").Msg("event ingress started")
	return nil
}

// Stop drains the subscription and waits until every message already
// delivered to it has been handed to the bus, or ctx ends.
func (i *EventIngress) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.sub == nil {
		return nil
	}
	sub := i.sub
	i.sub = nil

	if err := sub.Drain(); err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "failed to drain ingress subscription")
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for sub.IsValid() {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrCodeUnavailable, "ingress drain did not finish")
		case <-ticker.C:
		}
	}
	i.log.Info().Msg("event ingress stopped")
	return nil
}

// HandleMessage decodes one message and publishes it on the bus. When the
// envelope omits the topic it is taken from the subject suffix.
func (i *EventIngress) HandleMessage(ctx context.Context, subject string, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		i.log.Warn().Err(err).Str("subject", subject).Msg("ingress: dropping malformed envelope")
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed envelope")
	}

	if env.Topic == "" {
		env.Topic = domain.Topic(strings.TrimPrefix(subject, i.subject+"."))
	}
	if !ingressTopics[env.Topic] {
		i.log.Warn().Str("subject", subject).Str("topic", string(env.Topic)).Msg("ingress: dropping event with unaccepted topic")
		return errors.InvalidInput("topic", "topic "+string(env.Topic)+" is not accepted from domain services")
	}
	if env.SourceModule == "" {
		i.log.Warn().Str("subject", subject).Msg("ingress: dropping event without source_module")
		return errors.InvalidInput("source_module", "source_module is required")
	}

	payload, err := domain.DecodePayload(env.Topic, env.Payload)
	if err != nil {
		i.log.Warn().Err(err).Str("topic", string(env.Topic)).Msg("ingress: dropping undecodable payload")
		return err
	}

	evt, err := i.bus.Publish(ctx, env.SourceModule, payload)
	if err != nil {
		i.log.Error().Err(err).Str("topic", string(env.Topic)).Msg("ingress: failed to publish on bus")
		return err
	}

	i.log.Debug().
		Str("event_id", evt.ID).
		Str("topic", string(evt.Topic)).
		Str("source_module", evt.SourceModule).
		Msg("ingress: event published")
	return nil
}
