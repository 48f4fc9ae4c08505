package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/newsplatform/tokencore/internal/common"
	"github.com/newsplatform/tokencore/internal/dbx"
	"github.com/newsplatform/tokencore/internal/server/models"
)

type PostgresDirectory struct {
	db dbx.DBTX
}

func NewPostgresDirectory(db dbx.DBTX) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Resolve implements Directory.
func (r *PostgresDirectory) Resolve(ctx context.Context, subjectID string) (*models.UserIdentity, error) {
	query :=
		`SELECT id, username, active FROM users
		 WHERE id = $1
		 `

	identity := &models.UserIdentity{}
	err := r.db.QueryRowContext(ctx, query, subjectID).Scan(&identity.ID, &identity.UserName, &identity.Active)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return identity, nil
}
