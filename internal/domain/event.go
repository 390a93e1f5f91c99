// Package domain defines the coordinator's events, records and state
// machines. Storage and transport packages depend on it; it depends on
// nothing inside the module except the shared errors package.
package domain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

// Topic is a dot-namespaced event name. Only the constants below are valid.
type Topic string

// Topics consumed from domain services.
const (
	TopicPRCreated               Topic = "pr.created"
	TopicPRApproved              Topic = "pr.approved"
	TopicPOCreated               Topic = "po.created"
	TopicInvoiceCaptured         Topic = "invoice.captured"
	TopicInvoiceReadyForMatch    Topic = "invoice.ready_for_match"
	TopicInvoiceReadyForApproval Topic = "invoice.ready_for_approval"
)

// Topics produced by the coordinator.
const (
	TopicMatchCompleted    Topic = "match.completed"
	TopicMatchException    Topic = "match.exception"
	TopicExceptionResolved Topic = "exception.resolved"
	TopicApprovalRequested Topic = "approval.requested"
	TopicApprovalApproved  Topic = "approval.approved"
	TopicApprovalRejected  Topic = "approval.rejected"
	TopicApprovalCancelled Topic = "approval.cancelled"
)

// Source modules stamped on events.
const (
	SourceMatching = "matching"
	SourceWorkflow = "workflow"
)

// ActorSystem is recorded when no human performed the action.
const ActorSystem = "system"

// EntityRef names the business record an event is about.
type EntityRef struct {
	Type string
	ID   string
}

// Payload is implemented by every topic's payload struct. The topic is a
// property of the payload type, so a payload can never be published under
// the wrong topic.
type Payload interface {
	Topic() Topic
	Subject() EntityRef
	Actor() string
}

// Event is an immutable published fact.
type Event struct {
	ID           string
	Topic        Topic
	Payload      Payload
	EmittedAt    time.Time
	SourceModule string
}

// payloadDecoders maps each known topic to the decoder for its payload.
var payloadDecoders = map[Topic]func([]byte) (Payload, error){
	TopicPRCreated:               decodeAs[PRCreated],
	TopicPRApproved:              decodeAs[PRApproved],
	TopicPOCreated:               decodeAs[POCreated],
	TopicInvoiceCaptured:         decodeAs[InvoiceCaptured],
	TopicInvoiceReadyForMatch:    decodeAs[InvoiceReadyForMatch],
	TopicInvoiceReadyForApproval: decodeAs[InvoiceReadyForApproval],
	TopicMatchCompleted:          decodeAs[MatchCompleted],
	TopicMatchException:          decodeAs[MatchExceptionRaised],
	TopicExceptionResolved:       decodeAs[ExceptionResolved],
	TopicApprovalRequested:       decodeAs[ApprovalRequested],
	TopicApprovalApproved:        decodeAs[ApprovalApproved],
	TopicApprovalRejected:        decodeAs[ApprovalRejected],
	TopicApprovalCancelled:       decodeAs[ApprovalCancelled],
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// KnownTopic reports whether t is registered.
func KnownTopic(t Topic) bool {
	_, ok := payloadDecoders[t]
	return ok
}

// Topics returns every registered topic in lexical order.
func Topics() []Topic {
	out := make([]Topic, 0, len(payloadDecoders))
	for t := range payloadDecoders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DecodePayload decodes JSON into the payload type registered for topic.
func DecodePayload(topic Topic, data []byte) (Payload, error) {
	decode, ok := payloadDecoders[topic]
	if !ok {
		return nil, errors.InvalidInput("topic", "unknown topic "+string(topic))
	}
	p, err := decode(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "decode payload for "+string(topic))
	}
	return p, nil
}

// ValidatePayload checks that p belongs to a registered topic.
func ValidatePayload(p Payload) error {
	if p == nil {
		return errors.InvalidInput("payload", "payload is required")
	}
	if !KnownTopic(p.Topic()) {
		return errors.InvalidInput("topic", "unknown topic "+string(p.Topic()))
	}
	return nil
}

// PayloadAs extracts a typed payload from an event, accepting both value and
// pointer forms.
func PayloadAs[T Payload](evt Event) (T, bool) {
	switch p := any(evt.Payload).(type) {
	case T:
		return p, true
	case *T:
		if p != nil {
			return *p, true
		}
	}
	var zero T
	return zero, false
}

// SnapshotPayload copies a payload into a plain key/value map.
func SnapshotPayload(p Payload) (map[string]any, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "marshal payload")
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "unmarshal payload snapshot")
	}
	return out, nil
}

func actorOr(actor string) string {
	if actor == "" {
		return ActorSystem
	}
	return actor
}
