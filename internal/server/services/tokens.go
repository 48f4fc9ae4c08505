// Package services implements the token lifecycle: issuing, validating,
// refreshing, and reconciling access and refresh tokens.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/newsplatform/tokencore/internal/clockx"
	"github.com/newsplatform/tokencore/internal/common"
	"github.com/newsplatform/tokencore/internal/logging"
	"github.com/newsplatform/tokencore/internal/server/auth"
	"github.com/newsplatform/tokencore/internal/server/config"
	"github.com/newsplatform/tokencore/internal/server/models"
	"github.com/newsplatform/tokencore/internal/server/repositories/tokens"
	"github.com/sethvargo/go-retry"
)

// refreshValueBytes is the entropy of an opaque refresh token value.
const refreshValueBytes = 32

// conflictBackoff is the pause before retrying a persist that lost a
// storage-level conflict.
const conflictBackoff = 25 * time.Millisecond

// TokenPair carries the values and expiries of a freshly issued pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenMetadata is optional client context recorded with issued tokens.
type TokenMetadata struct {
	ClientIP  string
	UserAgent string
}

// TokenStats reports a subject's live token counts.
type TokenStats struct {
	LiveAccess  int64
	LiveRefresh int64
}

// UserDirectory resolves subject IDs to identities. The token subsystem does
// not own user records; it only checks existence and the active flag.
type UserDirectory interface {
	Resolve(ctx context.Context, subjectID string) (*models.UserIdentity, error)
}

// Reconciler collapses duplicate rows for a token value down to the winner.
// Implemented by CleanupService.
type Reconciler interface {
	Reconcile(ctx context.Context, tokenValue string) error
}

// TokenService issues, validates, refreshes, and revokes tokens. All state
// lives in the store; the service itself is stateless and safe for
// concurrent use.
type TokenService struct {
	store                        tokens.Store
	codec                        *auth.Codec
	directory                    UserDirectory
	reconciler                   Reconciler
	clock                        clockx.Clock
	log                          logging.Logger
	accessTokenValidityDuration  time.Duration
	refreshTokenValidityDuration time.Duration
}

func NewTokenService(
	store tokens.Store,
	directory UserDirectory,
	reconciler Reconciler,
	clock clockx.Clock,
	log logging.Logger,
	cfg *config.Config,
) *TokenService {
	return &TokenService{
		store:                        store,
		codec:                        auth.NewCodec([]byte(cfg.SecretKey)),
		directory:                    directory,
		reconciler:                   reconciler,
		clock:                        clock,
		log:                          log,
		accessTokenValidityDuration:  cfg.AccessTokenValidityDuration,
		refreshTokenValidityDuration: cfg.RefreshTokenValidityDuration,
	}
}

// persistWithRetry persists rec, retrying once when the transaction lost a
// storage-level conflict (serialization failure, deadlock victim).
func (s *TokenService) persistWithRetry(ctx context.Context, rec *models.TokenRecord, now time.Time) (*models.TokenRecord, error) {
	var stored *models.TokenRecord
	backoff := retry.WithMaxRetries(1, retry.NewConstant(conflictBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		stored, err = s.store.Persist(ctx, rec, now)
		if errors.Is(err, common.ErrStorageConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// reconcileValue runs the post-write duplicate check. Reconciliation failures
// never fail the write that triggered them; the scheduled sweep will catch up.
func (s *TokenService) reconcileValue(ctx context.Context, tokenValue string) {
	if s.reconciler == nil {
		return
	}
	if err := s.reconciler.Reconcile(ctx, tokenValue); err != nil {
		s.log.Warn(ctx, "token reconciliation failed", "error", err)
	}
}

func (s *TokenService) issueToken(ctx context.Context, subjectID string, kind models.TokenKind, validity time.Duration, meta TokenMetadata) (*models.TokenRecord, error) {
	now := s.clock.Now()

	rec, err := s.buildRecord(subjectID, kind, validity, now, meta)
	if err != nil {
		return nil, err
	}

	stored, err := s.persistWithRetry(ctx, rec, now)
	if err != nil {
		return nil, fmt.Errorf("persisting %s token: %w", kind, err)
	}

	s.reconcileValue(ctx, stored.TokenValue)
	return stored, nil
}

// IssueAccessToken issues a signed access token for subjectID.
func (s *TokenService) IssueAccessToken(ctx context.Context, subjectID string) (*models.TokenRecord, error) {
	return s.issueToken(ctx, subjectID, models.TokenKindAccess, s.accessTokenValidityDuration, TokenMetadata{})
}

// IssueRefreshToken issues an opaque refresh token for subjectID.
func (s *TokenService) IssueRefreshToken(ctx context.Context, subjectID string) (*models.TokenRecord, error) {
	return s.issueToken(ctx, subjectID, models.TokenKindRefresh, s.refreshTokenValidityDuration, TokenMetadata{})
}

// resolveActiveSubject looks up subjectID and requires an active identity.
func (s *TokenService) resolveActiveSubject(ctx context.Context, subjectID string) (*models.UserIdentity, error) {
	identity, err := s.directory.Resolve(ctx, subjectID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorUnauthorized
		}
		return nil, fmt.Errorf("resolving subject: %w", err)
	}
	if !identity.Active {
		return nil, common.ErrUserInactive
	}
	return identity, nil
}

// Login issues a fresh access/refresh pair for an existing active subject.
func (s *TokenService) Login(ctx context.Context, subjectID string, meta TokenMetadata) (*TokenPair, error) {
	if _, err := s.resolveActiveSubject(ctx, subjectID); err != nil {
		return nil, err
	}

	access, err := s.issueToken(ctx, subjectID, models.TokenKindAccess, s.accessTokenValidityDuration, meta)
	if err != nil {
		return nil, err
	}
	refresh, err := s.issueToken(ctx, subjectID, models.TokenKindRefresh, s.refreshTokenValidityDuration, meta)
	if err != nil {
		return nil, err
	}

	s.log.Info(ctx, "issued token pair", "subject_id", subjectID)

	return &TokenPair{
		AccessToken:      access.TokenValue,
		RefreshToken:     refresh.TokenValue,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// classifyDeadRefresh maps a refresh value with no live record onto the
// rotation error taxonomy.
func (s *TokenService) classifyDeadRefresh(ctx context.Context, refreshValue string) error {
	records, err := s.store.ListByValue(ctx, refreshValue)
	if err != nil {
		return fmt.Errorf("inspecting refresh token: %w", err)
	}
	latest := models.Latest(records)
	switch {
	case latest == nil:
		return common.ErrRefreshTokenInvalid
	case latest.Revoked:
		// The value existed and was consumed: a concurrent rotation won, or
		// the token was reused after rotation.
		return common.ErrAlreadyRotated
	default:
		return common.ErrRefreshTokenExpired
	}
}

// Refresh rotates a refresh token: the presented value is claimed atomically
// and a new pair is issued in the same transaction. Of N concurrent calls
// with the same value exactly one succeeds; the rest get ErrAlreadyRotated.
func (s *TokenService) Refresh(ctx context.Context, refreshValue string, meta TokenMetadata) (*TokenPair, error) {
	now := s.clock.Now()

	current, _, err := s.store.FindLive(ctx, refreshValue, now)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, s.classifyDeadRefresh(ctx, refreshValue)
		}
		return nil, fmt.Errorf("looking up refresh token: %w", err)
	}
	if current.Kind != models.TokenKindRefresh {
		return nil, common.ErrRefreshTokenInvalid
	}

	if _, err := s.resolveActiveSubject(ctx, current.SubjectID); err != nil {
		if errors.Is(err, common.ErrUserInactive) {
			if _, revokeErr := s.store.RevokeAllForSubject(ctx, current.SubjectID); revokeErr != nil {
				s.log.Error(ctx, "revoking tokens of inactive subject failed", "subject_id", current.SubjectID, "error", revokeErr)
			}
		}
		return nil, err
	}

	newAccess, err := s.buildRecord(current.SubjectID, models.TokenKindAccess, s.accessTokenValidityDuration, now, meta)
	if err != nil {
		return nil, err
	}
	newRefresh, err := s.buildRecord(current.SubjectID, models.TokenKindRefresh, s.refreshTokenValidityDuration, now, meta)
	if err != nil {
		return nil, err
	}

	backoff := retry.WithMaxRetries(1, retry.NewConstant(conflictBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.store.Rotate(ctx, refreshValue, newAccess, newRefresh, now)
		if errors.Is(err, common.ErrStorageConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, common.ErrAlreadyRotated) {
			return nil, common.ErrAlreadyRotated
		}
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}

	s.reconcileValue(ctx, newAccess.TokenValue)
	s.reconcileValue(ctx, newRefresh.TokenValue)

	s.log.Info(ctx, "rotated refresh token", "subject_id", current.SubjectID)

	return &TokenPair{
		AccessToken:      newAccess.TokenValue,
		RefreshToken:     newRefresh.TokenValue,
		AccessExpiresAt:  newAccess.ExpiresAt,
		RefreshExpiresAt: newRefresh.ExpiresAt,
	}, nil
}

// buildRecord assembles an unsaved record with a fresh ID and value.
func (s *TokenService) buildRecord(subjectID string, kind models.TokenKind, validity time.Duration, now time.Time, meta TokenMetadata) (*models.TokenRecord, error) {
	id := uuid.NewString()

	var value string
	if kind == models.TokenKindAccess {
		signed, err := s.codec.Encode(subjectID, kind, id, now, now.Add(validity))
		if err != nil {
			return nil, fmt.Errorf("encoding access token: %w", err)
		}
		value = signed
	} else {
		random, err := common.MakeRandHexString(refreshValueBytes)
		if err != nil {
			return nil, fmt.Errorf("generating refresh token: %w", err)
		}
		value = random
	}

	return &models.TokenRecord{
		ID:         id,
		TokenValue: value,
		Kind:       kind,
		SubjectID:  subjectID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(validity),
		ClientIP:   meta.ClientIP,
		UserAgent:  meta.UserAgent,
	}, nil
}

// classifyDeadAccess maps an access value with no live record onto the
// validation error taxonomy.
func (s *TokenService) classifyDeadAccess(ctx context.Context, accessValue string) error {
	records, err := s.store.ListByValue(ctx, accessValue)
	if err != nil {
		return fmt.Errorf("inspecting access token: %w", err)
	}
	latest := models.Latest(records)
	switch {
	case latest == nil:
		return common.ErrTokenUnknown
	case latest.Revoked:
		return common.ErrTokenRevoked
	default:
		return common.ErrTokenExpired
	}
}

// Validate checks an access token value and returns the subject ID it was
// issued to. A token presented at exactly its expiry instant is rejected.
func (s *TokenService) Validate(ctx context.Context, accessValue string) (string, error) {
	if _, err := s.codec.Decode(accessValue); err != nil {
		return "", err
	}

	now := s.clock.Now()
	rec, total, err := s.store.FindLive(ctx, accessValue, now)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return "", s.classifyDeadAccess(ctx, accessValue)
		}
		return "", fmt.Errorf("looking up access token: %w", err)
	}
	if total > 1 {
		s.log.Warn(ctx, "duplicate rows for token value", "rows", total)
		s.reconcileValue(ctx, accessValue)
	}
	if rec.Kind != models.TokenKindAccess {
		return "", common.ErrTokenUnknown
	}

	if _, err := s.resolveActiveSubject(ctx, rec.SubjectID); err != nil {
		return "", err
	}
	return rec.SubjectID, nil
}

// Logout revokes the presented refresh token and every other live token of
// its subject. Revoking an unknown or already-revoked value is a no-op.
func (s *TokenService) Logout(ctx context.Context, refreshValue string) error {
	records, err := s.store.ListByValue(ctx, refreshValue)
	if err != nil {
		return fmt.Errorf("looking up refresh token: %w", err)
	}

	if err := s.store.Revoke(ctx, refreshValue); err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}

	if latest := models.Latest(records); latest != nil {
		if _, err := s.store.RevokeAllForSubject(ctx, latest.SubjectID); err != nil {
			return fmt.Errorf("revoking subject tokens: %w", err)
		}
		s.log.Info(ctx, "subject logged out", "subject_id", latest.SubjectID)
	}
	return nil
}

// RevokeAllForSubject revokes every live token owned by subjectID.
func (s *TokenService) RevokeAllForSubject(ctx context.Context, subjectID string) (int64, error) {
	revoked, err := s.store.RevokeAllForSubject(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("revoking subject tokens: %w", err)
	}
	if revoked > 0 {
		s.log.Info(ctx, "revoked subject tokens", "subject_id", subjectID, "count", revoked)
	}
	return revoked, nil
}

// Stats reports the subject's live token counts.
func (s *TokenService) Stats(ctx context.Context, subjectID string) (*TokenStats, error) {
	now := s.clock.Now()

	access, err := s.store.CountLiveForSubject(ctx, subjectID, models.TokenKindAccess, now)
	if err != nil {
		return nil, fmt.Errorf("counting access tokens: %w", err)
	}
	refresh, err := s.store.CountLiveForSubject(ctx, subjectID, models.TokenKindRefresh, now)
	if err != nil {
		return nil, fmt.Errorf("counting refresh tokens: %w", err)
	}
	return &TokenStats{LiveAccess: access, LiveRefresh: refresh}, nil
}
