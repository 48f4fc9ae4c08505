package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/newsplatform/tokencore/internal/clockx"
	"github.com/newsplatform/tokencore/internal/common"
	"github.com/newsplatform/tokencore/internal/logging"
	"github.com/newsplatform/tokencore/internal/server/config"
	"github.com/newsplatform/tokencore/internal/server/models"
	"github.com/newsplatform/tokencore/internal/server/repositories/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeDirectory struct {
	mu    sync.Mutex
	users map[string]*models.UserIdentity
}

func newFakeDirectory(users ...*models.UserIdentity) *fakeDirectory {
	d := &fakeDirectory{users: make(map[string]*models.UserIdentity)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *fakeDirectory) Resolve(_ context.Context, subjectID string) (*models.UserIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[subjectID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *u
	return &cp, nil
}

func (d *fakeDirectory) setActive(subjectID string, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[subjectID].Active = active
}

func newTestLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.SecretKey = "test-secret"
	return cfg
}

type tokenServiceFixture struct {
	svc     *TokenService
	cleanup *CleanupService
	store   *tokens.InMemoryStore
	clock   *clockx.FakeClock
	dir     *fakeDirectory
}

func newTokenServiceFixture(users ...*models.UserIdentity) *tokenServiceFixture {
	store := tokens.NewInMemoryStore()
	clock := clockx.NewFake(testBase)
	dir := newFakeDirectory(users...)
	log := newTestLogger()
	cfg := newTestConfig()

	cleanup := NewCleanupService(store, clock, log, cfg)
	svc := NewTokenService(store, dir, cleanup, clock, log, cfg)

	return &tokenServiceFixture{svc: svc, cleanup: cleanup, store: store, clock: clock, dir: dir}
}

func activeUser(id string) *models.UserIdentity {
	return &models.UserIdentity{ID: id, UserName: "user-" + id, Active: true}
}

func TestTokenService_LoginIssuesPair(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "s1", TokenMetadata{ClientIP: "10.0.0.1", UserAgent: "cli"})
	require.NoError(t, err)

	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)
	assert.Equal(t, testBase.Add(24*time.Hour), pair.AccessExpiresAt)
	assert.Equal(t, testBase.Add(7*24*time.Hour), pair.RefreshExpiresAt)

	subject, err := f.svc.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "s1", subject)
}

func TestTokenService_LoginUnknownOrInactiveSubject(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	_, err := f.svc.Login(ctx, "ghost", TokenMetadata{})
	assert.ErrorIs(t, err, common.ErrorUnauthorized)

	f.dir.setActive("s1", false)
	_, err = f.svc.Login(ctx, "s1", TokenMetadata{})
	assert.ErrorIs(t, err, common.ErrUserInactive)
}

func TestTokenService_ValidateExpiryBoundary(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "s1", TokenMetadata{})
	require.NoError(t, err)

	// One second before expiry the token is still good.
	f.clock.Set(testBase.Add(24*time.Hour - time.Second))
	subject, err := f.svc.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "s1", subject)

	// At exactly the expiry instant it is rejected.
	f.clock.Set(testBase.Add(24 * time.Hour))
	_, err = f.svc.Validate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, common.ErrTokenExpired)
}

func TestTokenService_ValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	other := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	_, err := f.svc.Validate(ctx, "not-a-token")
	assert.ErrorIs(t, err, common.ErrTokenMalformed)

	// Well-formed and correctly signed, but never persisted in this store.
	rec, err := other.svc.IssueAccessToken(ctx, "s1")
	require.NoError(t, err)
	_, err = f.svc.Validate(ctx, rec.TokenValue)
	assert.ErrorIs(t, err, common.ErrTokenUnknown)
}

func TestTokenService_ValidateRevoked(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "s1", TokenMetadata{})
	require.NoError(t, err)

	_, err = f.svc.RevokeAllForSubject(ctx, "s1")
	require.NoError(t, err)

	_, err = f.svc.Validate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, common.ErrTokenRevoked)
}

func TestTokenService_ValidateInactiveSubject(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "s1", TokenMetadata{})
	require.NoError(t, err)

	f.dir.setActive("s1", false)
	_, err = f.svc.Validate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, common.ErrUserInactive)
}

func TestTokenService_RefreshRotatesAndRetiresOldPair(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "s1", TokenMetadata{})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)

	next, err := f.svc.Refresh(ctx, pair.RefreshToken, TokenMetadata{})
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, next.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	// The new access token works, the superseded one does not.
	subject, err := f.svc.Validate(ctx, next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "s1", subject)

	_, err = f.svc.Validate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, common.ErrTokenRevoked)

	// Replaying the consumed refresh token fails.
	_, err = f.svc.Refresh(ctx, pair.RefreshToken, TokenMetadata{})
	assert.ErrorIs(t, err, common.ErrAlreadyRotated)
}

func TestTokenService_RefreshExpired(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "s1", TokenMetadata{})
	require.NoError(t, err)

	f.clock.Advance(7 * 24 * time.Hour)

	_, err = f.svc.Refresh(ctx, pair.RefreshToken, TokenMetadata{})
	assert.ErrorIs(t, err, common.ErrRefreshTokenExpired)
}

func TestTokenService_RefreshUnknownValue(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	_, err := f.svc.Refresh(ctx, "never-issued", TokenMetadata{})
	assert.ErrorIs(t, err, common.ErrRefreshTokenInvalid)
}

func TestTokenService_RefreshInactiveSubjectRevokesAll(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "s1", TokenMetadata{})
	require.NoError(t, err)

	f.dir.setActive("s1", false)

	_, err = f.svc.Refresh(ctx, pair.RefreshToken, TokenMetadata{})
	assert.ErrorIs(t, err, common.ErrUserInactive)

	stats, err := f.svc.Stats(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, stats.LiveAccess)
	assert.Zero(t, stats.LiveRefresh)
}

func TestTokenService_ConcurrentRefreshSingleWinner(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "s1", TokenMetadata{})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(ctx, pair.RefreshToken, TokenMetadata{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success, alreadyRotated := 0, 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case assert.ErrorIs(t, err, common.ErrAlreadyRotated):
			alreadyRotated++
		}
	}
	assert.Equal(t, 1, success, "exactly one rotation must win")
	assert.Equal(t, n-1, alreadyRotated)
}

func TestTokenService_ConcurrentIssueLeavesOneLiveAccessToken(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := f.svc.IssueAccessToken(ctx, "s1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stats, err := f.svc.Stats(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.LiveAccess)
}

func TestTokenService_IssueAccessTokenSupersedesPrior(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	first, err := f.svc.IssueAccessToken(ctx, "s1")
	require.NoError(t, err)

	f.clock.Advance(time.Second)

	second, err := f.svc.IssueAccessToken(ctx, "s1")
	require.NoError(t, err)

	_, err = f.svc.Validate(ctx, first.TokenValue)
	assert.ErrorIs(t, err, common.ErrTokenRevoked)

	subject, err := f.svc.Validate(ctx, second.TokenValue)
	require.NoError(t, err)
	assert.Equal(t, "s1", subject)
}

func TestTokenService_Logout(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "s1", TokenMetadata{})
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, pair.RefreshToken))

	_, err = f.svc.Validate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, common.ErrTokenRevoked)

	// Idempotent, including for values that were never issued.
	require.NoError(t, f.svc.Logout(ctx, pair.RefreshToken))
	require.NoError(t, f.svc.Logout(ctx, "never-issued"))
}

func TestTokenService_Stats(t *testing.T) {
	t.Parallel()

	f := newTokenServiceFixture(activeUser("s1"))
	ctx := context.Background()

	_, err := f.svc.Login(ctx, "s1", TokenMetadata{})
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx, "s1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.LiveAccess)
	assert.EqualValues(t, 1, stats.LiveRefresh)
}
