// Package tokens declares the persistent token store contract and its
// PostgreSQL and in-memory implementations. The store owns all consistency
// logic: every multi-step read-modify-write on a token value executes as a
// single atomic unit.
package tokens

import (
	"context"
	"time"

	"github.com/newsplatform/tokencore/internal/server/models"
)

// Store is the persistent record of issued access and refresh tokens, keyed
// by token value. After every operation at most one live record exists per
// value; duplicate rows from drift are resolved by the latest-wins policy,
// never surfaced to callers.
type Store interface {
	// Persist inserts rec, revoking the subject's prior live record of the
	// same kind in the same atomic unit. Returns the stored record.
	Persist(ctx context.Context, rec *models.TokenRecord, now time.Time) (*models.TokenRecord, error)

	// FindLive resolves tokenValue to the live record with the latest
	// IssuedAt, plus the total number of rows sharing the value so callers
	// can trigger reconciliation when it exceeds one. Returns
	// common.ErrorNotFound when no live record exists. Never ambiguous.
	FindLive(ctx context.Context, tokenValue string, now time.Time) (*models.TokenRecord, int, error)

	// Revoke marks every record for tokenValue revoked. Idempotent: revoking
	// an already-revoked or absent value is a no-op.
	Revoke(ctx context.Context, tokenValue string) error

	// Rotate atomically claims the live refresh record for oldRefreshValue
	// (revoking it and recording usage) and persists the replacement pair.
	// A failed claim returns common.ErrAlreadyRotated; at most one rotation
	// of a given value ever succeeds.
	Rotate(ctx context.Context, oldRefreshValue string, newAccess, newRefresh *models.TokenRecord, now time.Time) error

	// ListByValue returns all records sharing tokenValue, newest first.
	ListByValue(ctx context.Context, tokenValue string) ([]*models.TokenRecord, error)

	// DeleteSuperseded removes records for tokenValue that are provably
	// superseded at the instant of deletion: revoked, expired, or older than
	// the still-live winner. An empty winnerID deletes every non-live row.
	// Returns the number of rows removed.
	DeleteSuperseded(ctx context.Context, tokenValue, winnerID string, now time.Time) (int64, error)

	// ListDuplicateValues returns token values backed by more than one row.
	ListDuplicateValues(ctx context.Context) ([]string, error)

	// PurgeExpiredBefore bulk-deletes records whose expiry is at or before
	// cutoff, returning the number of rows removed.
	PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// RevokeAllForSubject revokes every live record owned by subjectID,
	// returning the number of records revoked.
	RevokeAllForSubject(ctx context.Context, subjectID string) (int64, error)

	// CountLiveForSubject counts live records of the given kind for a subject.
	CountLiveForSubject(ctx context.Context, subjectID string, kind models.TokenKind, now time.Time) (int64, error)
}
