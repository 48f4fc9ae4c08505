package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/newsplatform/tokencore/internal/common"
	"github.com/newsplatform/tokencore/internal/server/models"
)

// InMemoryStore is a mutex-guarded Store used in tests and local development.
// Each operation runs under one lock acquisition, giving it the same
// atomicity guarantees the Postgres implementation gets from transactions.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.TokenRecord // keyed by record ID
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*models.TokenRecord)}
}

// Seed inserts a record verbatim, bypassing the supersede step. Tests use it
// to stage duplicate rows that in production could only arise from drift.
func (s *InMemoryStore) Seed(rec *models.TokenRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[cp.ID] = &cp
}

// Len reports the total number of stored records.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *InMemoryStore) byValueLocked(tokenValue string) []*models.TokenRecord {
	var out []*models.TokenRecord
	for _, rec := range s.records {
		if rec.TokenValue == tokenValue {
			out = append(out, rec)
		}
	}
	return out
}

func (s *InMemoryStore) supersedeLocked(subjectID string, kind models.TokenKind, now time.Time) {
	for _, rec := range s.records {
		if rec.SubjectID == subjectID && rec.Kind == kind && rec.IsLive(now) {
			rec.Revoked = true
		}
	}
}

// Persist implements Store.
func (s *InMemoryStore) Persist(_ context.Context, rec *models.TokenRecord, now time.Time) (*models.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.supersedeLocked(rec.SubjectID, rec.Kind, now)
	cp := *rec
	s.records[cp.ID] = &cp

	stored := cp
	return &stored, nil
}

// FindLive implements Store.
func (s *InMemoryStore) FindLive(_ context.Context, tokenValue string, now time.Time) (*models.TokenRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.byValueLocked(tokenValue)
	winner := models.SelectWinner(records, now)
	if winner == nil {
		return nil, len(records), common.ErrorNotFound
	}
	cp := *winner
	return &cp, len(records), nil
}

// Revoke implements Store.
func (s *InMemoryStore) Revoke(_ context.Context, tokenValue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.byValueLocked(tokenValue) {
		rec.Revoked = true
	}
	return nil
}

// Rotate implements Store.
func (s *InMemoryStore) Rotate(_ context.Context, oldRefreshValue string, newAccess, newRefresh *models.TokenRecord, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed *models.TokenRecord
	for _, rec := range s.byValueLocked(oldRefreshValue) {
		if rec.Kind == models.TokenKindRefresh && rec.IsLive(now) {
			if claimed == nil || rec.Supersedes(claimed) {
				claimed = rec
			}
		}
	}
	if claimed == nil {
		return common.ErrAlreadyRotated
	}

	claimed.Revoked = true
	usedAt := now
	claimed.LastUsedAt = &usedAt
	claimed.UsageCount++

	s.supersedeLocked(newAccess.SubjectID, newAccess.Kind, now)
	accessCp := *newAccess
	s.records[accessCp.ID] = &accessCp

	s.supersedeLocked(newRefresh.SubjectID, newRefresh.Kind, now)
	refreshCp := *newRefresh
	s.records[refreshCp.ID] = &refreshCp

	return nil
}

// ListByValue implements Store.
func (s *InMemoryStore) ListByValue(_ context.Context, tokenValue string) ([]*models.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.TokenRecord
	for _, rec := range s.byValueLocked(tokenValue) {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteSuperseded implements Store. State is re-read under the lock, so only
// records still superseded at the instant of deletion are removed.
func (s *InMemoryStore) DeleteSuperseded(_ context.Context, tokenValue, winnerID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	winner := s.records[winnerID]
	winnerLive := winner != nil && winner.TokenValue == tokenValue && winner.IsLive(now)

	var deleted int64
	for id, rec := range s.records {
		if rec.TokenValue != tokenValue || id == winnerID {
			continue
		}
		superseded := rec.Revoked || rec.IsExpired(now) || (winnerLive && winner.Supersedes(rec))
		if superseded {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// ListDuplicateValues implements Store.
func (s *InMemoryStore) ListDuplicateValues(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, rec := range s.records {
		counts[rec.TokenValue]++
	}

	var values []string
	for value, n := range counts {
		if n > 1 {
			values = append(values, value)
		}
	}
	return values, nil
}

// PurgeExpiredBefore implements Store.
func (s *InMemoryStore) PurgeExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, rec := range s.records {
		if !rec.ExpiresAt.After(cutoff) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// RevokeAllForSubject implements Store.
func (s *InMemoryStore) RevokeAllForSubject(_ context.Context, subjectID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked int64
	for _, rec := range s.records {
		if rec.SubjectID == subjectID && !rec.Revoked {
			rec.Revoked = true
			revoked++
		}
	}
	return revoked, nil
}

// CountLiveForSubject implements Store.
func (s *InMemoryStore) CountLiveForSubject(_ context.Context, subjectID string, kind models.TokenKind, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, rec := range s.records {
		if rec.SubjectID == subjectID && rec.Kind == kind && rec.IsLive(now) {
			count++
		}
	}
	return count, nil
}
