// Package matching compares invoices against their purchase order and goods
// receipt, records a MatchResult per attempt and raises MatchExceptions.
package matching

import (
	"context"
	"time"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
	"github.com/pesio-ai/be-p2p-coordinator/internal/eventbus"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
)

// SubscriberName is the engine's registration name on the bus.
const SubscriberName = "matching-engine"

// Store persists match results and exceptions.
type Store interface {
	// CreateOutcome inserts the result and, if present, its exception in one
	// transaction.
	CreateOutcome(ctx context.Context, outcome *domain.MatchOutcome) error
	GetException(ctx context.Context, id string) (*domain.MatchException, error)
	// ResolveException closes exc only if it is still open; otherwise it
	// returns an INVALID_STATE error.
	ResolveException(ctx context.Context, exc *domain.MatchException) error
	ListResults(ctx context.Context, invoiceID string, limit int) ([]*domain.MatchResult, error)
	ListExceptions(ctx context.Context, openOnly bool, limit int) ([]*domain.MatchException, error)
	Summary(ctx context.Context) (*domain.MatchSummary, error)
}

// DocumentSource reads the invoice, order and receipt owned by the domain
// services. Missing records return a NOT_FOUND error.
type DocumentSource interface {
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error)
	GetGoodsReceipt(ctx context.Context, id string) (*domain.GoodsReceipt, error)
}

// Publisher is the part of the bus the engine emits events through.
type Publisher interface {
	Publish(ctx context.Context, source string, payload domain.Payload) (domain.Event, error)
}

// Subscriber is the part of the bus the engine registers with.
type Subscriber interface {
	Subscribe(topic domain.Topic, name string, h eventbus.Handler) error
}

const (
	DefaultListLimit = 100
	maxListLimit     = 1000
)

// Engine runs matches and resolves exceptions.
type Engine struct {
	store Store
	docs  DocumentSource
	pub   Publisher
	log   *logger.Logger
	now   func() time.Time
}

func NewEngine(store Store, docs DocumentSource, pub Publisher, log *logger.Logger) *Engine {
	return &Engine{
		store: store,
		docs:  docs,
		pub:   pub,
		log:   log.Component("matching"),
		now:   time.Now,
	}
}

// Register subscribes the engine to invoice.ready_for_match.
func (e *Engine) Register(sub Subscriber) error {
	return sub.Subscribe(domain.TopicInvoiceReadyForMatch, SubscriberName, e.handleReadyForMatch)
}

func (e *Engine) handleReadyForMatch(ctx context.Context, evt domain.Event) error {
	p, ok := domain.PayloadAs[domain.InvoiceReadyForMatch](evt)
	if !ok {
		return errors.Newf(errors.ErrCodeInternal, "unexpected payload %T on %s", evt.Payload, evt.Topic)
	}
	matchType, err := domain.ParseMatchType(string(p.MatchType))
	if err != nil {
		return err
	}
	_, err = e.RunMatch(ctx, p.InvoiceID, matchType)
	return err
}

// ── Run ──────────────────────────────────────────────────────────────────────

// RunMatch evaluates one invoice and stores a new result. EXCEPTION and
// BLOCKED results get exactly one exception and publish match.exception;
// PASSED publishes match.completed.
func (e *Engine) RunMatch(ctx context.Context, invoiceID string, matchType domain.MatchType) (*domain.MatchOutcome, error) {
	if invoiceID == "" {
		return nil, errors.InvalidInput("invoice_id", "invoice_id is required")
	}
	if _, err := domain.ParseMatchType(string(matchType)); err != nil {
		return nil, err
	}

	docs, err := e.loadDocuments(ctx, invoiceID, matchType)
	if err != nil {
		return nil, err
	}

	ev := Evaluate(docs, matchType)
	now := e.now().UTC()

	result := &domain.MatchResult{
		ID:              domain.NewID(),
		InvoiceID:       invoiceID,
		MatchType:       matchType,
		VariancePercent: ev.VariancePercent,
		Status:          ev.Status,
		Note:            ev.Note,
		CreatedAt:       now,
	}
	outcome := &domain.MatchOutcome{Result: result}

	if ev.Status != domain.MatchStatusPassed {
		outcome.Exception = &domain.MatchException{
			ID:            domain.NewID(),
			MatchResultID: result.ID,
			InvoiceID:     invoiceID,
			ExceptionType: ev.ExceptionType,
			Severity:      ev.Severity,
			Description:   ev.Note,
			CreatedAt:     now,
		}
	}

	if err := e.store.CreateOutcome(ctx, outcome); err != nil {
		return nil, err
	}

	logEvt := e.log.Info()
	if outcome.Exception != nil {
		logEvt = e.log.Warn().
			Str("exception_id", outcome.Exception.ID).
			Str("exception_type", string(outcome.Exception.ExceptionType)).
			Str("severity", string(outcome.Exception.Severity))
	}
	logEvt.
		Str("invoice_id", invoiceID).
		Str("match_result_id", result.ID).
		Str("match_type", string(matchType)).
		Str("status", string(result.Status)).
		Float64("variance_percent", result.VariancePercent).
		Msg("Match completed")

	if outcome.Exception == nil {
		e.publish(ctx, domain.MatchCompleted{
			MatchResultID:   result.ID,
			InvoiceID:       invoiceID,
			MatchType:       matchType,
			VariancePercent: result.VariancePercent,
		})
	} else {
		e.publish(ctx, domain.MatchExceptionRaised{
			ExceptionID:     outcome.Exception.ID,
			MatchResultID:   result.ID,
			InvoiceID:       invoiceID,
			MatchType:       matchType,
			Status:          result.Status,
			ExceptionType:   outcome.Exception.ExceptionType,
			Severity:        outcome.Exception.Severity,
			VariancePercent: result.VariancePercent,
			Note:            result.Note,
		})
	}

	return outcome, nil
}

// loadDocuments fetches the invoice and whatever it references. Dangling
// references are reported in Documents, other lookup errors abort the run.
func (e *Engine) loadDocuments(ctx context.Context, invoiceID string, matchType domain.MatchType) (Documents, error) {
	inv, err := e.docs.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Documents{}, err
	}
	docs := Documents{Invoice: inv}

	if inv.POID != nil && *inv.POID != "" {
		po, err := e.docs.GetPurchaseOrder(ctx, *inv.POID)
		switch {
		case errors.IsCode(err, errors.ErrCodeNotFound):
			docs.MissingPO = true
		case err != nil:
			return Documents{}, err
		default:
			docs.PurchaseOrder = po
		}
	}

	if matchType == domain.MatchTypeThreeWay && inv.GRNID != nil && *inv.GRNID != "" {
		grn, err := e.docs.GetGoodsReceipt(ctx, *inv.GRNID)
		switch {
		case errors.IsCode(err, errors.ErrCodeNotFound):
			docs.MissingGRN = true
		case err != nil:
			return Documents{}, err
		default:
			docs.GoodsReceipt = grn
		}
	}

	return docs, nil
}

// ── Resolve ──────────────────────────────────────────────────────────────────

// ResolveException closes an open exception and publishes exception.resolved.
// Closing an already closed exception fails with INVALID_STATE.
func (e *Engine) ResolveException(ctx context.Context, exceptionID string, resolution domain.Resolution, resolvedBy, notes string) (*domain.MatchException, error) {
	current, err := e.store.GetException(ctx, exceptionID)
	if err != nil {
		return nil, err
	}

	exc := *current
	if err := exc.Resolve(resolution, resolvedBy, notes, e.now().UTC()); err != nil {
		return nil, err
	}

	payload := domain.ExceptionResolved{
		ExceptionID:   exc.ID,
		MatchResultID: exc.MatchResultID,
		InvoiceID:     exc.InvoiceID,
		Resolution:    resolution,
		ResolvedBy:    resolvedBy,
		Notes:         notes,
	}
	// escalation opens an invoice approval, which needs amount and department
	if resolution == domain.ResolutionEscalated {
		inv, err := e.docs.GetInvoice(ctx, exc.InvoiceID)
		if err != nil {
			return nil, err
		}
		payload.InvoiceAmount = inv.Amount
		payload.Department = inv.Department
	}

	if err := e.store.ResolveException(ctx, &exc); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("exception_id", exc.ID).
		Str("invoice_id", exc.InvoiceID).
		Str("resolution", string(resolution)).
		Str("resolved_by", resolvedBy).
		Msg("Match exception resolved")

	e.publish(ctx, payload)
	return &exc, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// ListResults returns results newest first, optionally for one invoice.
func (e *Engine) ListResults(ctx context.Context, invoiceID string, limit int) ([]*domain.MatchResult, error) {
	return e.store.ListResults(ctx, invoiceID, clampLimit(limit))
}

// ListExceptions returns exceptions newest first.
func (e *Engine) ListExceptions(ctx context.Context, openOnly bool, limit int) ([]*domain.MatchException, error) {
	return e.store.ListExceptions(ctx, openOnly, clampLimit(limit))
}

func (e *Engine) GetException(ctx context.Context, id string) (*domain.MatchException, error) {
	return e.store.GetException(ctx, id)
}

func (e *Engine) Summary(ctx context.Context) (*domain.MatchSummary, error) {
	return e.store.Summary(ctx)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

// publish emits a follow-on event after the state change is committed. A
// failure here cannot undo the commit, so it is logged.
func (e *Engine) publish(ctx context.Context, payload domain.Payload) {
	if _, err := e.pub.Publish(ctx, domain.SourceMatching, payload); err != nil {
		e.log.Error().
			Err(err).
			Str("topic", string(payload.Topic())).
			Msg("Failed to publish matching event")
	}
}
