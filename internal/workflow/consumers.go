package workflow

import (
	"context"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

// SubscriberName is the engine's registration name on the bus.
const SubscriberName = "workflow-engine"

// Register subscribes the engine to approval requests and escalated match
// exceptions.
func (e *Engine) Register(sub Subscriber) error {
	if err := sub.Subscribe(domain.TopicInvoiceReadyForApproval, SubscriberName, e.handleReadyForApproval); err != nil {
		return err
	}
	return sub.Subscribe(domain.TopicExceptionResolved, SubscriberName, e.handleExceptionResolved)
}

func (e *Engine) handleReadyForApproval(ctx context.Context, evt domain.Event) error {
	p, ok := domain.PayloadAs[domain.InvoiceReadyForApproval](evt)
	if !ok {
		return errors.Newf(errors.ErrCodeInternal, "unexpected payload %T on %s", evt.Payload, evt.Topic)
	}

	inst, err := e.CreateRequest(ctx, Request{
		EntityType:  domain.EntityTypeInvoice,
		EntityID:    p.InvoiceID,
		Amount:      p.Amount,
		Department:  p.Department,
		RequestedBy: p.RequestedBy,
	})
	if err != nil {
		return e.consumerError(err, evt, p.InvoiceID)
	}

	_, err = e.TryAutoApprove(ctx, inst.ID, p.ConfidenceScore)
	return err
}

// handleExceptionResolved opens an invoice approval for escalated exceptions
// and ignores the other resolutions.
func (e *Engine) handleExceptionResolved(ctx context.Context, evt domain.Event) error {
	p, ok := domain.PayloadAs[domain.ExceptionResolved](evt)
	if !ok {
		return errors.Newf(errors.ErrCodeInternal, "unexpected payload %T on %s", evt.Payload, evt.Topic)
	}
	if p.Resolution != domain.ResolutionEscalated {
		return nil
	}

	inst, err := e.CreateRequest(ctx, Request{
		EntityType:  domain.EntityTypeInvoice,
		EntityID:    p.InvoiceID,
		Amount:      p.InvoiceAmount,
		Department:  p.Department,
		RequestedBy: p.ResolvedBy,
	})
	if err != nil {
		return e.consumerError(err, evt, p.InvoiceID)
	}

	e.log.Info().
		Str("exception_id", p.ExceptionID).
		Str("instance_id", inst.ID).
		Msg("Escalated match exception routed for approval")
	return nil
}

// consumerError turns a missing matrix rule into a warning: retrying cannot
// help until the matrix changes.
func (e *Engine) consumerError(err error, evt domain.Event, invoiceID string) error {
	if errors.IsCode(err, errors.ErrCodeNoApprovalRule) {
		e.log.Warn().
			Err(err).
			Str("event_id", evt.ID).
			Str("topic", string(evt.Topic)).
			Str("invoice_id", invoiceID).
			Msg("No approval rule for invoice; approval not opened")
		return nil
	}
	return err
}
