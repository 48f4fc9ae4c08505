package models

import "time"

// TokenKind distinguishes short-lived access tokens from the longer-lived
// refresh tokens used to mint new pairs.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "ACCESS"
	TokenKindRefresh TokenKind = "REFRESH"
)

// TokenRecord is one issued token as persisted in the tokens table.
//
// TokenValue is logically unique among live records: the store guarantees at
// most one live record per value after every operation, though the table may
// transiently hold duplicates from pre-existing drift until reconciliation.
type TokenRecord struct {
	ID         string
	TokenValue string
	Kind       TokenKind
	SubjectID  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Revoked    bool

	// Request metadata captured at issuance.
	ClientIP  string
	UserAgent string

	// Refresh usage tracking.
	LastUsedAt *time.Time
	UsageCount int
}

// IsExpired reports whether the record is expired at now. The expiry instant
// itself counts as expired.
func (r *TokenRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// IsLive reports whether the record is usable for validation at now:
// not revoked and not expired.
func (r *TokenRecord) IsLive(now time.Time) bool {
	return !r.Revoked && now.Before(r.ExpiresAt)
}

// Supersedes reports whether r wins over other under the latest-wins policy:
// later IssuedAt first, record ID as the deterministic tie-breaker.
func (r *TokenRecord) Supersedes(other *TokenRecord) bool {
	if !r.IssuedAt.Equal(other.IssuedAt) {
		return r.IssuedAt.After(other.IssuedAt)
	}
	return r.ID > other.ID
}

// SelectWinner returns the live record with the latest IssuedAt among records,
// or nil when none is live at now. Deterministic for any input order.
func SelectWinner(records []*TokenRecord, now time.Time) *TokenRecord {
	var winner *TokenRecord
	for _, rec := range records {
		if !rec.IsLive(now) {
			continue
		}
		if winner == nil || rec.Supersedes(winner) {
			winner = rec
		}
	}
	return winner
}

// Latest returns the record with the latest IssuedAt among records regardless
// of liveness, or nil for an empty slice. Used to classify why no live record
// exists for a value.
func Latest(records []*TokenRecord) *TokenRecord {
	var latest *TokenRecord
	for _, rec := range records {
		if latest == nil || rec.Supersedes(latest) {
			latest = rec
		}
	}
	return latest
}
