package matching

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
	"github.com/pesio-ai/be-p2p-coordinator/internal/repository/memory"
)

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []domain.Payload
}

func (p *recordingPublisher) Publish(_ context.Context, source string, payload domain.Payload) (domain.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return domain.Event{ID: domain.NewID(), Topic: payload.Topic(), Payload: payload, SourceModule: source}, nil
}

func (p *recordingPublisher) topics() []domain.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Topic, len(p.payloads))
	for i, pl := range p.payloads {
		out[i] = pl.Topic()
	}
	return out
}

func (p *recordingPublisher) last() domain.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payloads[len(p.payloads)-1]
}

type fixture struct {
	engine *Engine
	docs   *memory.DocumentStore
	store  *memory.MatchStore
	pub    *recordingPublisher
}

func newFixture() *fixture {
	f := &fixture{
		docs:  memory.NewDocumentStore(),
		store: memory.NewMatchStore(),
		pub:   &recordingPublisher{},
	}
	f.engine = NewEngine(f.store, f.docs, f.pub, logger.Nop())
	return f
}

func strp(s string) *string { return &s }

// seedTwoWay stores an order of 100,000 and an invoice of the given amount.
func (f *fixture) seedTwoWay(invoiceID string, amount int64, fraud bool) {
	f.docs.PutPurchaseOrder(&domain.PurchaseOrder{ID: "PO-1", Amount: 100_000})
	f.docs.PutInvoice(&domain.Invoice{
		ID:         invoiceID,
		POID:       strp("PO-1"),
		Department: "OPS",
		Amount:     amount,
		FraudFlag:  fraud,
	})
}

func TestRunMatch_TwoWayScenarios(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		status   domain.MatchStatus
		variance float64
		severity domain.Severity
	}{
		{"within tolerance", 104_000, domain.MatchStatusPassed, 4, ""},
		{"exactly five percent", 105_000, domain.MatchStatusPassed, 5, ""},
		{"under invoiced within tolerance", 96_000, domain.MatchStatusPassed, -4, ""},
		{"just over five percent", 105_004, domain.MatchStatusException, 5, domain.SeverityHigh},
		{"high variance", 108_000, domain.MatchStatusException, 8, domain.SeverityHigh},
		{"exactly ten percent", 110_000, domain.MatchStatusException, 10, domain.SeverityHigh},
		{"just over ten percent", 110_004, domain.MatchStatusException, 10, domain.SeverityCritical},
		{"critical variance", 120_000, domain.MatchStatusException, 20, domain.SeverityCritical},
		{"critical under invoice", 80_000, domain.MatchStatusException, -20, domain.SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.seedTwoWay("INV-1", tt.amount, false)

			out, err := f.engine.RunMatch(context.Background(), "INV-1", domain.MatchTypeTwoWay)
			require.NoError(t, err)
			assert.Equal(t, tt.status, out.Result.Status)
			assert.InDelta(t, tt.variance, out.Result.VariancePercent, 1e-9)

			if tt.status == domain.MatchStatusPassed {
				assert.Nil(t, out.Exception)
				assert.Equal(t, []domain.Topic{domain.TopicMatchCompleted}, f.pub.topics())
				return
			}
			require.NotNil(t, out.Exception)
			assert.Equal(t, tt.severity, out.Exception.Severity)
			assert.Equal(t, domain.ExceptionPriceVariance, out.Exception.ExceptionType)
			assert.Equal(t, out.Result.ID, out.Exception.MatchResultID)
			assert.Equal(t, []domain.Topic{domain.TopicMatchException}, f.pub.topics())
		})
	}
}

func TestRunMatch_FraudAlwaysBlocks(t *testing.T) {
	for _, amount := range []int64{100_000, 104_000, 150_000} {
		f := newFixture()
		f.seedTwoWay("INV-F", amount, true)

		out, err := f.engine.RunMatch(context.Background(), "INV-F", domain.MatchTypeTwoWay)
		require.NoError(t, err)
		assert.Equal(t, domain.MatchStatusBlocked, out.Result.Status)
		require.NotNil(t, out.Exception)
		assert.Equal(t, domain.ExceptionFraudBlock, out.Exception.ExceptionType)
		assert.Equal(t, domain.SeverityCritical, out.Exception.Severity)

		raised, ok := f.pub.last().(domain.MatchExceptionRaised)
		require.True(t, ok)
		assert.Equal(t, domain.MatchStatusBlocked, raised.Status)
	}
}

func TestRunMatch_NoPurchaseOrder(t *testing.T) {
	f := newFixture()
	f.docs.PutInvoice(&domain.Invoice{ID: "INV-2", Amount: 5000})

	out, err := f.engine.RunMatch(context.Background(), "INV-2", domain.MatchTypeTwoWay)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchStatusException, out.Result.Status)
	assert.Equal(t, domain.ExceptionNoPO, out.Exception.ExceptionType)
	assert.Equal(t, domain.SeverityMedium, out.Exception.Severity)
}

func TestRunMatch_DanglingAndZeroOrder(t *testing.T) {
	f := newFixture()
	f.docs.PutInvoice(&domain.Invoice{ID: "INV-3", POID: strp("PO-missing"), Amount: 5000})
	f.docs.PutPurchaseOrder(&domain.PurchaseOrder{ID: "PO-zero", Amount: 0})
	f.docs.PutInvoice(&domain.Invoice{ID: "INV-4", POID: strp("PO-zero"), Amount: 5000})

	for _, id := range []string{"INV-3", "INV-4"} {
		out, err := f.engine.RunMatch(context.Background(), id, domain.MatchTypeTwoWay)
		require.NoError(t, err)
		assert.Equal(t, domain.MatchStatusException, out.Result.Status, id)
		assert.Equal(t, domain.ExceptionInvalidReference, out.Exception.ExceptionType, id)
	}
}

func TestRunMatch_UnknownInvoice(t *testing.T) {
	f := newFixture()
	_, err := f.engine.RunMatch(context.Background(), "nope", domain.MatchTypeTwoWay)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	assert.Empty(t, f.pub.topics())
}

func (f *fixture) seedThreeWay(received, invoiced float64, withGRN bool) {
	f.docs.PutPurchaseOrder(&domain.PurchaseOrder{
		ID:     "PO-3",
		Amount: 100_000,
		Lines: []domain.OrderLine{
			{LineNumber: 1, ItemCode: "LAPTOP", Quantity: 10},
			{LineNumber: 2, ItemCode: "DOCK", Quantity: 10},
		},
	})
	f.docs.PutGoodsReceipt(&domain.GoodsReceipt{
		ID:   "GRN-3",
		POID: "PO-3",
		Lines: []domain.ReceiptLine{
			{LineNumber: 1, ItemCode: "LAPTOP", ReceivedQuantity: received},
			{LineNumber: 2, ItemCode: "DOCK", ReceivedQuantity: 10},
		},
	})
	inv := &domain.Invoice{
		ID:     "INV-3W",
		POID:   strp("PO-3"),
		Amount: 100_000,
		Lines: []domain.InvoiceLine{
			{LineNumber: 1, ItemCode: "LAPTOP", Quantity: invoiced, Amount: 80_000},
			{LineNumber: 2, ItemCode: "DOCK", Quantity: 10, Amount: 20_000},
		},
	}
	if withGRN {
		inv.GRNID = strp("GRN-3")
	}
	f.docs.PutInvoice(inv)
}

func TestRunMatch_ThreeWay(t *testing.T) {
	t.Run("all lines agree", func(t *testing.T) {
		f := newFixture()
		f.seedThreeWay(10, 10, true)
		out, err := f.engine.RunMatch(context.Background(), "INV-3W", domain.MatchTypeThreeWay)
		require.NoError(t, err)
		assert.Equal(t, domain.MatchStatusPassed, out.Result.Status)
	})

	t.Run("short receipt fails despite clean amount", func(t *testing.T) {
		f := newFixture()
		f.seedThreeWay(8, 10, true)
		out, err := f.engine.RunMatch(context.Background(), "INV-3W", domain.MatchTypeThreeWay)
		require.NoError(t, err)
		assert.Equal(t, domain.MatchStatusException, out.Result.Status)
		assert.Equal(t, domain.ExceptionQuantityMismatch, out.Exception.ExceptionType)
		assert.Equal(t, domain.SeverityMedium, out.Exception.Severity)
		assert.Contains(t, out.Result.Note, "LAPTOP")
	})

	t.Run("missing receipt", func(t *testing.T) {
		f := newFixture()
		f.seedThreeWay(10, 10, false)
		out, err := f.engine.RunMatch(context.Background(), "INV-3W", domain.MatchTypeThreeWay)
		require.NoError(t, err)
		assert.Equal(t, domain.ExceptionNoGRN, out.Exception.ExceptionType)
	})

	t.Run("two way ignores receipt lines", func(t *testing.T) {
		f := newFixture()
		f.seedThreeWay(2, 10, true)
		out, err := f.engine.RunMatch(context.Background(), "INV-3W", domain.MatchTypeTwoWay)
		require.NoError(t, err)
		assert.Equal(t, domain.MatchStatusPassed, out.Result.Status)
	})
}

func TestRunMatch_RerunAppendsNewResult(t *testing.T) {
	f := newFixture()
	f.seedTwoWay("INV-R", 120_000, false)

	first, err := f.engine.RunMatch(context.Background(), "INV-R", domain.MatchTypeTwoWay)
	require.NoError(t, err)

	f.docs.PutInvoice(&domain.Invoice{ID: "INV-R", POID: strp("PO-1"), Amount: 101_000})
	second, err := f.engine.RunMatch(context.Background(), "INV-R", domain.MatchTypeTwoWay)
	require.NoError(t, err)

	results, err := f.engine.ListResults(context.Background(), "INV-R", 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, second.Result.ID, results[0].ID)
	assert.Equal(t, first.Result.ID, results[1].ID)
	assert.Equal(t, domain.MatchStatusException, results[1].Status)
}

func TestResolveException(t *testing.T) {
	f := newFixture()
	f.seedTwoWay("INV-X", 108_000, false)
	out, err := f.engine.RunMatch(context.Background(), "INV-X", domain.MatchTypeTwoWay)
	require.NoError(t, err)

	exc, err := f.engine.ResolveException(context.Background(), out.Exception.ID,
		domain.ResolutionEscalated, "controller", "needs finance head")
	require.NoError(t, err)
	assert.False(t, exc.IsOpen())

	resolved, ok := f.pub.last().(domain.ExceptionResolved)
	require.True(t, ok)
	assert.Equal(t, int64(108_000), resolved.InvoiceAmount)
	assert.Equal(t, "OPS", resolved.Department)
	assert.Equal(t, domain.ResolutionEscalated, resolved.Resolution)

	published := len(f.pub.topics())
	for i := 0; i < 2; i++ {
		_, err = f.engine.ResolveException(context.Background(), out.Exception.ID,
			domain.ResolutionApprovedOverride, "someone", "")
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidState))
	}
	assert.Len(t, f.pub.topics(), published)

	stored, err := f.engine.GetException(context.Background(), out.Exception.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionEscalated, *stored.Resolution)
}

func TestListExceptionsAndSummary(t *testing.T) {
	f := newFixture()
	f.seedTwoWay("INV-A", 104_000, false)
	f.docs.PutInvoice(&domain.Invoice{ID: "INV-B", POID: strp("PO-1"), Amount: 120_000})
	f.docs.PutInvoice(&domain.Invoice{ID: "INV-C", POID: strp("PO-1"), Amount: 100_000, FraudFlag: true})

	ctx := context.Background()
	for _, id := range []string{"INV-A", "INV-B", "INV-C"} {
		_, err := f.engine.RunMatch(ctx, id, domain.MatchTypeTwoWay)
		require.NoError(t, err)
	}

	open, err := f.engine.ListExceptions(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, open, 2)

	_, err = f.engine.ResolveException(ctx, open[0].ID, domain.ResolutionRejected, "controller", "")
	require.NoError(t, err)

	sum, err := f.engine.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchSummary{TotalMatches: 3, Passed: 1, Exceptions: 1, Blocked: 1, OpenExceptions: 1}, *sum)
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, domain.SeverityCritical, SeverityFor(domain.MatchStatusBlocked, 0))
	assert.Equal(t, domain.SeverityCritical, SeverityFor(domain.MatchStatusException, 10.01))
	assert.Equal(t, domain.SeverityHigh, SeverityFor(domain.MatchStatusException, -7))
	assert.Equal(t, domain.SeverityMedium, SeverityFor(domain.MatchStatusException, 3))
}
