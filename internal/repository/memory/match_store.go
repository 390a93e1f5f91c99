package memory

import (
	"context"
	"sync"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

// MatchStore keeps match results and exceptions in insertion order.
type MatchStore struct {
	mu         sync.RWMutex
	results    []*domain.MatchResult
	exceptions []*domain.MatchException
	excByID    map[string]*domain.MatchException
}

func NewMatchStore() *MatchStore {
	return &MatchStore{excByID: make(map[string]*domain.MatchException)}
}

func (s *MatchStore) CreateOutcome(_ context.Context, outcome *domain.MatchOutcome) error {
	if outcome == nil || outcome.Result == nil {
		return errors.InvalidInput("result", "match result is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := *outcome.Result
	s.results = append(s.results, &res)
	if outcome.Exception != nil {
		exc := *outcome.Exception
		s.exceptions = append(s.exceptions, &exc)
		s.excByID[exc.ID] = &exc
	}
	return nil
}

func (s *MatchStore) GetException(_ context.Context, id string) (*domain.MatchException, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exc, ok := s.excByID[id]
	if !ok {
		return nil, errors.NotFound("match_exception", id)
	}
	cp := *exc
	return &cp, nil
}

// ResolveException copies the resolution onto the stored exception if it is
// still open.
func (s *MatchStore) ResolveException(_ context.Context, exc *domain.MatchException) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.excByID[exc.ID]
	if !ok {
		return errors.NotFound("match_exception", exc.ID)
	}
	if !stored.IsOpen() {
		return errors.InvalidState("exception %s is already closed (%s)", exc.ID, *stored.Resolution)
	}
	stored.Resolution = exc.Resolution
	stored.ResolvedBy = exc.ResolvedBy
	stored.ResolvedAt = exc.ResolvedAt
	stored.ResolutionNotes = exc.ResolutionNotes
	return nil
}

func (s *MatchStore) ListResults(_ context.Context, invoiceID string, limit int) ([]*domain.MatchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.MatchResult
	for i := len(s.results) - 1; i >= 0; i-- {
		r := s.results[i]
		if invoiceID != "" && r.InvoiceID != invoiceID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return page(out, 0, limit), nil
}

func (s *MatchStore) ListExceptions(_ context.Context, openOnly bool, limit int) ([]*domain.MatchException, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.MatchException
	for i := len(s.exceptions) - 1; i >= 0; i-- {
		e := s.exceptions[i]
		if openOnly && !e.IsOpen() {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return page(out, 0, limit), nil
}

func (s *MatchStore) Summary(_ context.Context) (*domain.MatchSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &domain.MatchSummary{TotalMatches: int64(len(s.results))}
	for _, r := range s.results {
		switch r.Status {
		case domain.MatchStatusPassed:
			sum.Passed++
		case domain.MatchStatusException:
			sum.Exceptions++
		case domain.MatchStatusBlocked:
			sum.Blocked++
		}
	}
	for _, e := range s.exceptions {
		if e.IsOpen() {
			sum.OpenExceptions++
		}
	}
	return sum, nil
}
