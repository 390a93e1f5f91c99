package eventbus

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
)

func newBus(t *testing.T, max int64) *Bus {
	t.Helper()
	b := New(logger.Nop(), Options{MaxConcurrentHandlers: max})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func flush(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Flush(ctx))
}

func TestPublish_DeliversToAllSubscribers(t *testing.T) {
	b := newBus(t, 4)

	var got sync.Map
	for _, name := range []string{"matching", "notify"} {
		name := name
		require.NoError(t, b.Subscribe(domain.TopicInvoiceCaptured, name, func(_ context.Context, evt domain.Event) error {
			got.Store(name, evt)
			return nil
		}))
	}

	evt, err := b.Publish(context.Background(), "invoices", domain.InvoiceCaptured{InvoiceID: "INV-1", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, domain.TopicInvoiceCaptured, evt.Topic)
	assert.Equal(t, "invoices", evt.SourceModule)
	assert.NotEmpty(t, evt.ID)

	flush(t, b)

	for _, name := range []string{"matching", "notify"} {
		v, ok := got.Load(name)
		require.True(t, ok, name)
		assert.Equal(t, evt.ID, v.(domain.Event).ID)
	}
	st := b.Stats()
	assert.Equal(t, uint64(1), st.Published)
	assert.Equal(t, uint64(2), st.Delivered)
	assert.Zero(t, st.Pending)
}

func TestPublish_OnlyMatchingTopic(t *testing.T) {
	b := newBus(t, 4)

	var calls atomic.Int32
	require.NoError(t, b.Subscribe(domain.TopicPOCreated, "po", func(context.Context, domain.Event) error {
		calls.Add(1)
		return nil
	}))

	_, err := b.Publish(context.Background(), "prs", domain.PRCreated{PRID: "PR-1"})
	require.NoError(t, err)
	flush(t, b)

	assert.Zero(t, calls.Load())
}

func TestHandlerFailureIsIsolated(t *testing.T) {
	b := newBus(t, 4)

	var ok atomic.Int32
	require.NoError(t, b.Subscribe(domain.TopicPRCreated, "boom", func(context.Context, domain.Event) error {
		panic("nil map")
	}))
	require.NoError(t, b.Subscribe(domain.TopicPRCreated, "err", func(context.Context, domain.Event) error {
		return stderrors.New("db down")
	}))
	require.NoError(t, b.SubscribeAll("audit", func(context.Context, domain.Event) error {
		ok.Add(1)
		return nil
	}))

	_, err := b.Publish(context.Background(), "prs", domain.PRCreated{PRID: "PR-1"})
	require.NoError(t, err, "handler failures never reach the publisher")
	flush(t, b)

	assert.Equal(t, int32(1), ok.Load())
	st := b.Stats()
	assert.Equal(t, uint64(2), st.Failed)
	assert.Equal(t, uint64(1), st.Delivered)
}

func TestSubscribe_IdempotentByName(t *testing.T) {
	b := newBus(t, 4)

	var calls atomic.Int32
	h := func(context.Context, domain.Event) error {
		calls.Add(1)
		return nil
	}
	require.NoError(t, b.Subscribe(domain.TopicPOCreated, "po", h))
	require.NoError(t, b.Subscribe(domain.TopicPOCreated, "po", h))
	require.NoError(t, b.SubscribeAll("audit", h))
	require.NoError(t, b.SubscribeAll("audit", h))

	_, err := b.Publish(context.Background(), "pos", domain.POCreated{POID: "PO-1"})
	require.NoError(t, err)
	flush(t, b)

	assert.Equal(t, int32(2), calls.Load())
}

func TestSubscribe_UnknownTopic(t *testing.T) {
	b := newBus(t, 1)
	err := b.Subscribe("invoice.paid", "x", func(context.Context, domain.Event) error { return nil })
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestPublish_RejectsNilPayload(t *testing.T) {
	b := newBus(t, 1)
	_, err := b.Publish(context.Background(), "x", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestPublish_DoesNotWaitForHandlers(t *testing.T) {
	b := newBus(t, 1)

	release := make(chan struct{})
	require.NoError(t, b.Subscribe(domain.TopicPRCreated, "slow", func(context.Context, domain.Event) error {
		<-release
		return nil
	}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_, _ = b.Publish(context.Background(), "prs", domain.PRCreated{PRID: "PR"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
	flush(t, b)
	assert.Equal(t, uint64(10), b.Stats().Delivered)
}

func TestSingleSlotPreservesRegistrationOrder(t *testing.T) {
	b := newBus(t, 1)

	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(context.Context, domain.Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	require.NoError(t, b.SubscribeAll("audit", record("audit")))
	require.NoError(t, b.Subscribe(domain.TopicPRApproved, "first", record("first")))
	require.NoError(t, b.Subscribe(domain.TopicPRApproved, "second", record("second")))

	_, err := b.Publish(context.Background(), "prs", domain.PRApproved{PRID: "PR-1"})
	require.NoError(t, err)
	flush(t, b)

	// with one slot each task finishes before the next starts
	assert.Equal(t, []string{"first", "second", "audit"}, order)
}

func TestClose_DrainsQueuedEvents(t *testing.T) {
	b := New(logger.Nop(), Options{MaxConcurrentHandlers: 2})

	var calls atomic.Int32
	require.NoError(t, b.Subscribe(domain.TopicPRCreated, "count", func(context.Context, domain.Event) error {
		time.Sleep(time.Millisecond)
		calls.Add(1)
		return nil
	}))
	for i := 0; i < 20; i++ {
		_, err := b.Publish(context.Background(), "prs", domain.PRCreated{PRID: "PR"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))
	assert.Equal(t, int32(20), calls.Load())

	_, err := b.Publish(context.Background(), "prs", domain.PRCreated{PRID: "late"})
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, b.Close(ctx), "second close is a no-op")
}

func TestClose_TimesOutAndCancelsHandlers(t *testing.T) {
	b := New(logger.Nop(), Options{MaxConcurrentHandlers: 1})

	started := make(chan struct{})
	require.NoError(t, b.Subscribe(domain.TopicPRCreated, "stuck", func(ctx context.Context, _ domain.Event) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	_, err := b.Publish(context.Background(), "prs", domain.PRCreated{PRID: "PR"})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = b.Close(ctx)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnavailable))

	flush(t, b)
	assert.Equal(t, uint64(1), b.Stats().Failed)
}

func TestFlush_RespectsContext(t *testing.T) {
	b := newBus(t, 1)

	release := make(chan struct{})
	require.NoError(t, b.Subscribe(domain.TopicPRCreated, "slow", func(context.Context, domain.Event) error {
		<-release
		return nil
	}))
	_, err := b.Publish(context.Background(), "prs", domain.PRCreated{PRID: "PR"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Flush(ctx))

	close(release)
	flush(t, b)
}

func TestClose_AcceptsFollowOnEventsFromHandlers(t *testing.T) {
	b := New(logger.Nop(), Options{MaxConcurrentHandlers: 4})

	started := make(chan struct{})
	release := make(chan struct{})
	followOn := make(chan error, 1)
	require.NoError(t, b.Subscribe(domain.TopicPRCreated, "approver", func(ctx context.Context, evt domain.Event) error {
		close(started)
		<-release
		_, err := b.Publish(ctx, "workflow", domain.PRApproved{PRID: "PR-1", ApprovedBy: "system"})
		followOn <- err
		return err
	}))

	var audited sync.Map
	require.NoError(t, b.SubscribeAll("audit", func(_ context.Context, evt domain.Event) error {
		audited.Store(evt.Topic, evt.ID)
		return nil
	}))

	_, err := b.Publish(context.Background(), "prs", domain.PRCreated{PRID: "PR-1"})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	closed := make(chan error, 1)
	go func() { closed <- b.Close(ctx) }()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.state == stateDraining
	}, time.Second, time.Millisecond)

	_, err = b.Publish(context.Background(), "prs", domain.PRCreated{PRID: "outside"})
	assert.ErrorIs(t, err, ErrClosed, "outside publishes are refused while draining")

	close(release)
	require.NoError(t, <-closed)
	require.NoError(t, <-followOn)

	_, ok := audited.Load(domain.TopicPRCreated)
	assert.True(t, ok)
	_, ok = audited.Load(domain.TopicPRApproved)
	assert.True(t, ok, "follow-on event reached the wildcard subscriber")

	_, err = b.Publish(context.Background(), "workflow", domain.PRApproved{PRID: "PR-2"})
	assert.ErrorIs(t, err, ErrClosed)
}
