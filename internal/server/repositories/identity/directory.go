// Package identity resolves token subjects against the platform's user
// accounts. The token subsystem does not own user records; this is a
// read-only lookup of the shared users table.
package identity

import (
	"context"

	"github.com/newsplatform/tokencore/internal/server/models"
)

// Directory looks up subject identities.
type Directory interface {
	// Resolve returns the identity for subjectID, or common.ErrorNotFound.
	Resolve(ctx context.Context, subjectID string) (*models.UserIdentity, error)
}
