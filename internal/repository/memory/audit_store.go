// Package memory holds in-process implementations of the coordinator's
// stores. They back the "memory" store driver and the tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

// AuditStore is an append-only audit log kept in memory.
type AuditStore struct {
	mu      sync.RWMutex
	records []*domain.AuditRecord
	byEvent map[string]struct{}
}

func NewAuditStore() *AuditStore {
	return &AuditStore{byEvent: make(map[string]struct{})}
}

// Append stores rec unless a record for the same event already exists.
func (s *AuditStore) Append(_ context.Context, rec *domain.AuditRecord) (bool, error) {
	if rec == nil || rec.EventID == "" {
		return false, errors.InvalidInput("event_id", "audit record needs an event id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEvent[rec.EventID]; ok {
		return false, nil
	}
	cp := *rec
	s.records = append(s.records, &cp)
	s.byEvent[rec.EventID] = struct{}{}
	return true, nil
}

func (s *AuditStore) Query(_ context.Context, f domain.AuditFilter) ([]*domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.AuditRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if f.SourceModule != nil && r.SourceModule != *f.SourceModule {
			continue
		}
		if f.EventTopic != nil && r.EventTopic != *f.EventTopic {
			continue
		}
		if f.EntityType != nil && r.EntityType != *f.EntityType {
			continue
		}
		if f.EntityID != nil && r.EntityID != *f.EntityID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.After(out[j].CapturedAt) })
	return page(out, f.Offset, f.EffectiveLimit()), nil
}

func (s *AuditStore) Summary(_ context.Context, since time.Time) (*domain.AuditSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &domain.AuditSummary{
		ByModule:     make(map[string]int64),
		ByEventTopic: make(map[string]int64),
	}
	for _, r := range s.records {
		sum.TotalEvents++
		sum.ByModule[r.SourceModule]++
		sum.ByEventTopic[string(r.EventTopic)]++
		if !r.CapturedAt.Before(since) {
			sum.Last24Hours++
		}
	}
	return sum, nil
}

func (s *AuditStore) EntityHistory(_ context.Context, entityType, entityID string) ([]*domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.AuditRecord
	for _, r := range s.records {
		if r.EntityType == entityType && r.EntityID == entityID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

// PurgeExpired removes only records whose retention ended before now.
func (s *AuditStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var purged int64
	for _, r := range s.records {
		if r.RetentionUntil.Before(now) {
			delete(s.byEvent, r.EventID)
			purged++
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(s.records); i++ {
		s.records[i] = nil
	}
	s.records = kept
	return purged, nil
}

// Len reports the number of stored records.
func (s *AuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
