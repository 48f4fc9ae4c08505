package repomanager

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/newsplatform/tokencore/internal/server/migrations"
	"github.com/newsplatform/tokencore/internal/server/repositories/identity"
	"github.com/newsplatform/tokencore/internal/server/repositories/tokens"
	"github.com/pressly/goose/v3"
)

// PostgresRepositoryManager vends PostgreSQL-backed repositories and runs the
// embedded schema migrations.
type PostgresRepositoryManager struct{}

// NewPostgresRepositoryManager constructs a PostgreSQL-backed RepositoryManager.
func NewPostgresRepositoryManager() RepositoryManager {
	return &PostgresRepositoryManager{}
}

// Tokens returns a tokens.Store bound to the provided database handle.
func (m *PostgresRepositoryManager) Tokens(db *sql.DB) tokens.Store {
	return tokens.NewPostgresStore(db)
}

// Identities returns a read-only identity.Directory over the users table.
func (m *PostgresRepositoryManager) Identities(db *sql.DB) identity.Directory {
	return identity.NewPostgresDirectory(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetDialect("pgx")
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return err
	}
	return nil
}
