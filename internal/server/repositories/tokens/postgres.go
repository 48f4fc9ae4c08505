package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/newsplatform/tokencore/internal/common"
	"github.com/newsplatform/tokencore/internal/dbx"
	"github.com/newsplatform/tokencore/internal/server/models"
)

// PostgresStore implements Store over database/sql with the pgx driver.
// Multi-step writes run inside a single transaction via dbx.WithTx, so a
// concurrent caller can never observe the intermediate state between the
// supersede and insert steps.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a store bound to the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tokenColumns = `id, token_value, kind, subject_id, issued_at, expires_at, revoked, client_ip, user_agent, last_used_at, usage_count`

// wrapDBError maps driver failures onto the storage error taxonomy:
// serialization/deadlock failures become ErrStorageConflict (retriable),
// everything else ErrStorageUnavailable.
func wrapDBError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", common.ErrStorageConflict, err)
		}
	}
	return fmt.Errorf("%w: %v", common.ErrStorageUnavailable, err)
}

func scanRecord(rows *sql.Rows) (*models.TokenRecord, error) {
	rec := &models.TokenRecord{}
	var lastUsed sql.NullTime
	err := rows.Scan(
		&rec.ID, &rec.TokenValue, &rec.Kind, &rec.SubjectID,
		&rec.IssuedAt, &rec.ExpiresAt, &rec.Revoked,
		&rec.ClientIP, &rec.UserAgent, &lastUsed, &rec.UsageCount,
	)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		rec.LastUsedAt = &t
	}
	return rec, nil
}

// persistInTx runs the supersede-then-insert pair on the given handle.
// Both statements must share one transaction; splitting them is exactly the
// read-then-write gap the store exists to close.
func persistInTx(ctx context.Context, tx dbx.DBTX, rec *models.TokenRecord, now time.Time) error {
	supersede := `
		UPDATE tokens
		SET revoked = TRUE
		WHERE subject_id = $1 AND kind = $2 AND NOT revoked AND expires_at > $3
	`
	if _, err := tx.ExecContext(ctx, supersede, rec.SubjectID, rec.Kind, now); err != nil {
		return err
	}

	insert := `
		INSERT INTO tokens (id, token_value, kind, subject_id, issued_at, expires_at, revoked, client_ip, user_agent, usage_count)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8, 0)
	`
	_, err := tx.ExecContext(ctx, insert,
		rec.ID, rec.TokenValue, rec.Kind, rec.SubjectID,
		rec.IssuedAt, rec.ExpiresAt, rec.ClientIP, rec.UserAgent,
	)
	return err
}

// Persist inserts rec and supersedes the subject's prior live record of the
// same kind as one transaction.
func (s *PostgresStore) Persist(ctx context.Context, rec *models.TokenRecord, now time.Time) (*models.TokenRecord, error) {
	stored := *rec
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return persistInTx(ctx, tx, &stored, now)
	})
	if err != nil {
		return nil, wrapDBError(err)
	}
	return &stored, nil
}

// FindLive reads every row for tokenValue and deterministically selects the
// live one with the latest IssuedAt (record ID breaks ties). Lookup never
// fails due to storage drift; duplicates are reported through the returned
// count so the caller can schedule reconciliation.
func (s *PostgresStore) FindLive(ctx context.Context, tokenValue string, now time.Time) (*models.TokenRecord, int, error) {
	records, err := s.ListByValue(ctx, tokenValue)
	if err != nil {
		return nil, 0, err
	}

	winner := models.SelectWinner(records, now)
	if winner == nil {
		return nil, len(records), common.ErrorNotFound
	}
	return winner, len(records), nil
}

// Revoke marks all rows for tokenValue revoked. Absent or already-revoked
// values are a no-op.
func (s *PostgresStore) Revoke(ctx context.Context, tokenValue string) error {
	query := `
		UPDATE tokens
		SET revoked = TRUE
		WHERE token_value = $1 AND NOT revoked
	`
	if _, err := s.db.ExecContext(ctx, query, tokenValue); err != nil {
		return wrapDBError(err)
	}
	return nil
}

// Rotate claims the live refresh row for oldRefreshValue with a guarded
// UPDATE and inserts the replacement pair in the same transaction. Zero rows
// claimed means another rotation already won: common.ErrAlreadyRotated.
func (s *PostgresStore) Rotate(ctx context.Context, oldRefreshValue string, newAccess, newRefresh *models.TokenRecord, now time.Time) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		claim := `
			UPDATE tokens
			SET revoked = TRUE, last_used_at = $2, usage_count = usage_count + 1
			WHERE token_value = $1 AND kind = $3 AND NOT revoked AND expires_at > $2
		`
		res, err := tx.ExecContext(ctx, claim, oldRefreshValue, now, models.TokenKindRefresh)
		if err != nil {
			return err
		}
		claimed, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if claimed == 0 {
			return common.ErrAlreadyRotated
		}

		if err := persistInTx(ctx, tx, newAccess, now); err != nil {
			return err
		}
		return persistInTx(ctx, tx, newRefresh, now)
	})

	if err != nil {
		if errors.Is(err, common.ErrAlreadyRotated) {
			return common.ErrAlreadyRotated
		}
		return wrapDBError(err)
	}
	return nil
}

// ListByValue returns all rows sharing tokenValue, newest first.
func (s *PostgresStore) ListByValue(ctx context.Context, tokenValue string) ([]*models.TokenRecord, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM tokens
		WHERE token_value = $1
		ORDER BY issued_at DESC, id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, tokenValue)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var records []*models.TokenRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, wrapDBError(err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError(err)
	}
	return records, nil
}

// DeleteSuperseded removes rows for tokenValue that are provably superseded
// when the statement runs: the guard re-reads row state and the winner's
// liveness inside the DELETE itself, so it is safe to run concurrently with
// persist and revoke.
func (s *PostgresStore) DeleteSuperseded(ctx context.Context, tokenValue, winnerID string, now time.Time) (int64, error) {
	var (
		res sql.Result
		err error
	)

	if winnerID == "" {
		query := `
			DELETE FROM tokens
			WHERE token_value = $1 AND (revoked OR expires_at <= $2)
		`
		res, err = s.db.ExecContext(ctx, query, tokenValue, now)
	} else {
		query := `
			DELETE FROM tokens t
			WHERE t.token_value = $1
			  AND t.id <> $2
			  AND (
			    t.revoked
			    OR t.expires_at <= $3
			    OR EXISTS (
			      SELECT 1 FROM tokens w
			      WHERE w.id = $2 AND NOT w.revoked AND w.expires_at > $3
			        AND (w.issued_at > t.issued_at OR (w.issued_at = t.issued_at AND w.id > t.id))
			    )
			  )
		`
		res, err = s.db.ExecContext(ctx, query, tokenValue, winnerID, now)
	}
	if err != nil {
		return 0, wrapDBError(err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError(err)
	}
	return deleted, nil
}

// ListDuplicateValues returns token values backed by more than one row.
func (s *PostgresStore) ListDuplicateValues(ctx context.Context) ([]string, error) {
	query := `
		SELECT token_value
		FROM tokens
		GROUP BY token_value
		HAVING COUNT(*) > 1
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapDBError(err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, wrapDBError(err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError(err)
	}
	return values, nil
}

// PurgeExpiredBefore bulk-deletes rows expired at or before cutoff.
func (s *PostgresStore) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM tokens
		WHERE expires_at <= $1
	`
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, wrapDBError(err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError(err)
	}
	return deleted, nil
}

// RevokeAllForSubject revokes every live row owned by subjectID.
func (s *PostgresStore) RevokeAllForSubject(ctx context.Context, subjectID string) (int64, error) {
	query := `
		UPDATE tokens
		SET revoked = TRUE
		WHERE subject_id = $1 AND NOT revoked
	`
	res, err := s.db.ExecContext(ctx, query, subjectID)
	if err != nil {
		return 0, wrapDBError(err)
	}
	revoked, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError(err)
	}
	return revoked, nil
}

// CountLiveForSubject counts live rows of the given kind for a subject.
func (s *PostgresStore) CountLiveForSubject(ctx context.Context, subjectID string, kind models.TokenKind, now time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM tokens
		WHERE subject_id = $1 AND kind = $2 AND NOT revoked AND expires_at > $3
	`
	var count int64
	if err := s.db.QueryRowContext(ctx, query, subjectID, kind, now).Scan(&count); err != nil {
		return 0, wrapDBError(err)
	}
	return count, nil
}
