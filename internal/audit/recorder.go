// Package audit captures one immutable AuditRecord for every event delivered
// on the bus and serves the audit read side.
package audit

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
	"github.com/pesio-ai/be-p2p-coordinator/internal/eventbus"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
)

// SubscriberName is the wildcard registration name on the bus.
const SubscriberName = "audit-recorder"

// Store persists audit records. Append must be idempotent on EventID and
// report whether a row was written. Implementations never update a record and
// only delete records whose retention has lapsed.
type Store interface {
	Append(ctx context.Context, rec *domain.AuditRecord) (bool, error)
	Query(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditRecord, error)
	Summary(ctx context.Context, since time.Time) (*domain.AuditSummary, error)
	EntityHistory(ctx context.Context, entityType, entityID string) ([]*domain.AuditRecord, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Subscriber is the part of the bus the recorder registers with.
type Subscriber interface {
	SubscribeAll(name string, h eventbus.Handler) error
}

type Options struct {
	RetentionYears int
	MaxRetries     uint64
	RetryBaseDelay time.Duration
	Now            func() time.Time
}

// Recorder is the bus's catch-all subscriber.
type Recorder struct {
	store      Store
	deadLetter *DeadLetter
	opts       Options
	log        *logger.Logger
}

// NewRecorder creates a Recorder. Zero options fall back to a seven year
// retention and five retries starting at 100ms.
func NewRecorder(store Store, deadLetter *DeadLetter, opts Options, log *logger.Logger) *Recorder {
	if opts.RetentionYears <= 0 {
		opts.RetentionYears = 7
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		store:      store,
		deadLetter: deadLetter,
		opts:       opts,
		log:        log.Component("audit"),
	}
}

// Register subscribes the recorder to every topic.
func (r *Recorder) Register(bus Subscriber) error {
	return bus.SubscribeAll(SubscriberName, r.HandleEvent)
}

// ── Capture ──────────────────────────────────────────────────────────────────

// BuildRecord turns a delivered event into its audit record.
func (r *Recorder) BuildRecord(evt domain.Event) (*domain.AuditRecord, error) {
	snapshot, err := domain.SnapshotPayload(evt.Payload)
	if err != nil {
		return nil, err
	}
	subject := evt.Payload.Subject()
	captured := r.opts.Now().UTC()

	return &domain.AuditRecord{
		ID:              domain.NewID(),
		EventID:         evt.ID,
		EventTopic:      evt.Topic,
		SourceModule:    evt.SourceModule,
		EntityType:      subject.Type,
		EntityID:        subject.ID,
		Actor:           evt.Payload.Actor(),
		PayloadSnapshot: snapshot,
		CapturedAt:      captured,
		RetentionUntil:  captured.AddDate(r.opts.RetentionYears, 0, 0),
	}, nil
}

// HandleEvent persists the record for evt, retrying transient failures with
// exponential backoff. When retries run out the record goes to the dead-letter
// log; an error is returned only if that write fails too.
func (r *Recorder) HandleEvent(ctx context.Context, evt domain.Event) error {
	rec, err := r.BuildRecord(evt)
	if err != nil {
		return err
	}

	err = r.persist(ctx, rec)
	if err == nil {
		return nil
	}

	r.log.Error().
		Err(err).
		Str("event_id", evt.ID).
		Str("topic", string(evt.Topic)).
		Msg("Audit persistence exhausted retries; writing dead letter")

	if dlErr := r.deadLetter.Write(rec, err); dlErr != nil {
		return errors.Wrap(dlErr, errors.ErrCodeInternal, "audit record lost: dead letter write failed")
	}
	return nil
}

func (r *Recorder) persist(ctx context.Context, rec *domain.AuditRecord) error {
	backoff := retry.WithMaxRetries(r.opts.MaxRetries, retry.NewExponential(r.opts.RetryBaseDelay))
	attempt := 0

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		inserted, err := r.store.Append(ctx, rec)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeInvalidInput) {
				return err
			}
			r.log.Warn().
				Err(err).
				Str("event_id", rec.EventID).
				Int("attempt", attempt).
				Msg("Audit append failed; retrying")
			return retry.RetryableError(err)
		}
		if !inserted {
			r.log.Debug().Str("event_id", rec.EventID).Msg("Audit record already present")
		}
		return nil
	})
}

// ReplayDeadLetters re-appends records from the dead-letter log. Records that
// still fail stay in the log for the next run.
func (r *Recorder) ReplayDeadLetters(ctx context.Context) (int, error) {
	replayed, remaining, err := r.deadLetter.Drain(func(rec *domain.AuditRecord) error {
		_, err := r.store.Append(ctx, rec)
		return err
	})
	if err != nil {
		return replayed, err
	}
	if replayed > 0 || remaining > 0 {
		r.log.Info().
			Int("replayed", replayed).
			Int("remaining", remaining).
			Msg("Audit dead letters replayed")
	}
	return replayed, nil
}

// ── Read side ────────────────────────────────────────────────────────────────

// Query returns matching records, newest first.
func (r *Recorder) Query(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditRecord, error) {
	if filter.EventTopic != nil && !domain.KnownTopic(*filter.EventTopic) {
		return nil, errors.InvalidInput("event_topic", "unknown topic "+string(*filter.EventTopic))
	}
	if filter.Offset < 0 {
		return nil, errors.InvalidInput("offset", "offset must not be negative")
	}
	return r.store.Query(ctx, filter)
}

// Summary counts records by module and topic, plus those captured in the last
// 24 hours.
func (r *Recorder) Summary(ctx context.Context) (*domain.AuditSummary, error) {
	return r.store.Summary(ctx, r.opts.Now().UTC().Add(-24*time.Hour))
}

// EntityHistory returns every record about one entity, oldest first.
func (r *Recorder) EntityHistory(ctx context.Context, entityType, entityID string) ([]*domain.AuditRecord, error) {
	if entityType == "" || entityID == "" {
		return nil, errors.InvalidInput("entity", "entity_type and entity_id are required")
	}
	return r.store.EntityHistory(ctx, entityType, entityID)
}

// PurgeExpired deletes records whose retention window has closed.
func (r *Recorder) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := r.store.PurgeExpired(ctx, r.opts.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info().Int64("purged", n).Msg("Expired audit records purged")
	}
	return n, nil
}
