package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tenantgate/internal/api"
	"github.com/wolfeidau/tenantgate/internal/autherr"
	"github.com/wolfeidau/tenantgate/internal/client"
	"github.com/wolfeidau/tenantgate/internal/models"
	"github.com/wolfeidau/tenantgate/internal/onboarding"
	"github.com/wolfeidau/tenantgate/internal/session"
	"github.com/wolfeidau/tenantgate/internal/store/memory"
	"github.com/wolfeidau/tenantgate/internal/tenant"
	"github.com/wolfeidau/tenantgate/internal/tokens"
)

type fakeVerifier struct {
	mu         sync.Mutex
	identities map[string]*models.Identity
	down       bool
}

func (v *fakeVerifier) Verify(_ context.Context, raw string) (*models.Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.down {
		return nil, autherr.Transient(http.StatusBadGateway, errors.New("jwks unavailable"))
	}
	id, ok := v.identities[raw]
	if !ok {
		return nil, autherr.ErrUnauthenticated
	}
	return id, nil
}

type testEnv struct {
	url      string
	verifier *fakeVerifier
	users    *memory.UserStore
	sessions *memory.SessionStore
}

func newTestEnv(t *testing.T, refresher tokens.Refresher) *testEnv {
	t.Helper()

	users := memory.NewUserStore()
	sessions := memory.NewSessionStore()
	verifier := &fakeVerifier{identities: map[string]*models.Identity{
		"token-jane": {Subject: "jane", Email: "jane@acme.io", Name: "Jane"},
		"token-bob":  {Subject: "bob", Email: "bob@acme.io", Name: "Bob"},
	}}

	srv, err := NewServer(Config{
		Users:     users,
		Tenants:   memory.NewTenantStore(users),
		Sessions:  sessions,
		Verifier:  verifier,
		Refresher: refresher,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler(zerolog.Nop()))
	t.Cleanup(ts.Close)

	return &testEnv{url: ts.URL, verifier: verifier, users: users, sessions: sessions}
}

func (e *testEnv) client(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{ServerURL: e.url, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewServer_Validate(t *testing.T) {
	_, err := NewServer(Config{})
	require.Error(t, err)

	users := memory.NewUserStore()
	_, err = NewServer(Config{Users: users, Tenants: memory.NewTenantStore(users), Sessions: memory.NewSessionStore()})
	require.ErrorContains(t, err, "verifier")
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSignIn(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	t.Run("valid token creates a session", func(t *testing.T) {
		c := env.client(t)
		status, err := c.SignIn(ctx, "token-jane")
		require.NoError(t, err)
		assert.Equal(t, "jane", status.Identity.Subject)
		assert.Equal(t, "jane@acme.io", status.Identity.Email)
		assert.Nil(t, status.TenantID)
		assert.Equal(t, 1, status.ConcurrentSessions)

		current, err := c.CurrentSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, "jane", current.Identity.Subject)

		require.NoError(t, c.TouchSession(ctx))
	})

	t.Run("invalid token", func(t *testing.T) {
		_, err := env.client(t).SignIn(ctx, "forged")
		require.ErrorIs(t, err, autherr.ErrUnauthenticated)
	})

	t.Run("provider outage is transient", func(t *testing.T) {
		env.verifier.mu.Lock()
		env.verifier.down = true
		env.verifier.mu.Unlock()
		defer func() {
			env.verifier.mu.Lock()
			env.verifier.down = false
			env.verifier.mu.Unlock()
		}()

		_, err := env.client(t).SignIn(ctx, "token-jane")
		require.True(t, autherr.IsTransient(err))
	})

	t.Run("no cookie", func(t *testing.T) {
		_, err := env.client(t).CurrentSession(ctx)
		require.ErrorIs(t, err, autherr.ErrUnauthenticated)
	})
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	c := env.client(t)

	_, err := c.SignIn(ctx, "token-bob")
	require.NoError(t, err)

	require.NoError(t, c.Logout(ctx))

	_, err = c.CurrentSession(ctx)
	require.ErrorIs(t, err, autherr.ErrUnauthenticated)

	count, err := env.sessions.CountActiveBySubject(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, count)

	// logging out twice is not an error
	require.NoError(t, c.Logout(ctx))
}

func TestResolveAndOnboard(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	c := env.client(t)

	_, err := c.SignIn(ctx, "token-jane")
	require.NoError(t, err)

	identity := models.Identity{Subject: "jane", Email: "jane@acme.io", Name: "Jane"}
	resolver := tenant.NewResolver(c, tenant.Config{})

	res, err := resolver.Resolve(ctx, identity)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.User.NeedsOnboarding)
	assert.Nil(t, res.Binding)
	assert.Equal(t, onboarding.BusinessInfo, res.Step)

	// a second resolve finds the user instead of creating another
	res, err = resolver.Resolve(ctx, identity)
	require.NoError(t, err)
	assert.False(t, res.Created)

	user, err := c.UpdateOnboarding(ctx, "jane", &api.OnboardingUpdateRequest{
		BusinessInfoCompleted: ptr(true),
		SubscriptionCompleted: ptr(true),
		Plan:                  ptr(models.PlanPaid),
	})
	require.NoError(t, err)
	assert.Equal(t, onboarding.Payment, onboarding.StepFor(user, onboarding.Signals{}))

	_, err = c.UpdateOnboarding(ctx, "jane", &api.OnboardingUpdateRequest{Plan: ptr("platinum")})
	require.Error(t, err)

	bound, err := c.BindTenant(ctx, "jane", "  Acme  ")
	require.NoError(t, err)
	assert.Equal(t, "Acme", bound.Name)
	assert.Equal(t, "jane", bound.OwnerSubject)

	res, err = resolver.Resolve(ctx, identity)
	require.NoError(t, err)
	require.NotNil(t, res.Binding)
	assert.Equal(t, bound.TenantID, res.Binding.TenantID)
	assert.True(t, res.Binding.IsVerified())
	assert.Equal(t, onboarding.Complete, res.Step)

	t.Run("second tenant is refused", func(t *testing.T) {
		_, err := c.BindTenant(ctx, "jane", "Other")
		require.ErrorIs(t, err, autherr.ErrTenantConflict)
	})

	t.Run("session reports the bound tenant", func(t *testing.T) {
		status, err := c.CurrentSession(ctx)
		require.NoError(t, err)
		require.NotNil(t, status.TenantID)
		assert.Equal(t, bound.TenantID, *status.TenantID)
	})

	t.Run("verification of a foreign tenant fails with a support code", func(t *testing.T) {
		err := c.VerifyTenant(ctx, "jane", uuid.Must(uuid.NewV7()))
		require.ErrorIs(t, err, autherr.ErrTenantVerificationFailed)

		code, ok := autherr.SupportCode(err)
		require.True(t, ok)
		assert.NotEmpty(t, code)

		var vErr *autherr.TenantVerificationFailedError
		require.ErrorAs(t, err, &vErr)
		assert.NotContains(t, vErr.Reason, "does not match")
	})
}

func TestCrossSubjectRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	c := env.client(t)

	_, err := c.SignIn(ctx, "token-bob")
	require.NoError(t, err)

	_, err = c.FindBySubject(ctx, "jane")
	require.ErrorIs(t, err, autherr.ErrUnauthenticated)

	_, err = c.BindTenant(ctx, "jane", "Stolen")
	require.ErrorIs(t, err, autherr.ErrUnauthenticated)

	_, err = c.CreateUser(ctx, &models.UserRecord{Subject: "jane"}, "key")
	require.ErrorIs(t, err, autherr.ErrUnauthenticated)

	_, err = c.FindBySubject(ctx, "bob")
	require.ErrorIs(t, err, autherr.ErrNotFound)
}

func TestCreateUser_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	c := env.client(t)

	_, err := c.SignIn(ctx, "token-bob")
	require.NoError(t, err)

	rec := &models.UserRecord{Subject: "bob", Email: "bob@acme.io", NeedsOnboarding: true}
	first, err := c.CreateUser(ctx, rec, "key-1")
	require.NoError(t, err)

	replay, err := c.CreateUser(ctx, rec, "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.UserID, replay.UserID)

	_, err = c.CreateUser(ctx, rec, "key-2")
	require.ErrorIs(t, err, autherr.ErrTenantConflict)
}

func TestCreateUser_KeyOfAnotherSubject(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	jane := env.client(t)
	_, err := jane.SignIn(ctx, "token-jane")
	require.NoError(t, err)
	janeRec, err := jane.CreateUser(ctx, &models.UserRecord{Subject: "jane", Email: "jane@acme.io"}, "key-jane")
	require.NoError(t, err)

	bob := env.client(t)
	_, err = bob.SignIn(ctx, "token-bob")
	require.NoError(t, err)

	rec, err := bob.CreateUser(ctx, &models.UserRecord{Subject: "bob", Email: "bob@acme.io"}, "key-jane")
	require.ErrorIs(t, err, autherr.ErrTenantConflict)
	assert.Nil(t, rec)

	// bob can still sync with his own key and never sees jane's record
	own, err := bob.CreateUser(ctx, &models.UserRecord{Subject: "bob", Email: "bob@acme.io"}, "key-bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", own.Subject)
	assert.NotEqual(t, janeRec.UserID, own.UserID)
}

func TestConcurrentSessionEviction(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first := env.client(t)
	_, err := first.SignIn(ctx, "token-jane")
	require.NoError(t, err)

	monitor, err := session.NewMonitor(session.Config{Interval: time.Hour}, first, nil)
	require.NoError(t, err)
	defer monitor.Stop()

	require.NoError(t, monitor.Check(ctx))

	second := env.client(t)
	_, err = second.SignIn(ctx, "token-jane")
	require.NoError(t, err)

	require.ErrorIs(t, monitor.Check(ctx), session.ErrSessionExpired)
	assert.True(t, monitor.Expired())

	ev := <-monitor.Events()
	assert.Equal(t, session.EventConcurrentSession, ev.Type)
	assert.Equal(t, 2, ev.ConcurrentSessions)

	ev = <-monitor.Events()
	assert.Equal(t, session.EventSessionExpired, ev.Type)
	assert.Equal(t, session.ReasonConcurrentSession, ev.Reason)

	// the evicted session was logged out, the newer one survives
	_, err = first.CurrentSession(ctx)
	require.ErrorIs(t, err, autherr.ErrUnauthenticated)
	_, err = second.CurrentSession(ctx)
	require.NoError(t, err)
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, nil)
		_, err := env.client(t).Refresh(ctx, "rt")
		require.ErrorIs(t, err, autherr.ErrNotFound)
	})

	refresher := tokens.RefresherFunc(func(_ context.Context, refreshToken string) (*tokens.Set, error) {
		switch refreshToken {
		case "good":
			return &tokens.Set{
				AccessToken:  "at-2",
				IDToken:      "id-2",
				RefreshToken: "rt-2",
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		case "revoked":
			return nil, autherr.ErrAuthExpired
		default:
			return nil, autherr.Transient(http.StatusServiceUnavailable, errors.New("provider down"))
		}
	})
	env := newTestEnv(t, refresher)
	c := env.client(t)

	set, err := c.Refresh(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "at-2", set.AccessToken)
	assert.Equal(t, "rt-2", set.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), set.Expiry, 5*time.Second)

	_, err = c.Refresh(ctx, "revoked")
	require.ErrorIs(t, err, autherr.ErrAuthExpired)

	_, err = c.Refresh(ctx, "flaky")
	require.True(t, autherr.IsTransient(err))
}

func ptr[T any](v T) *T { return &v }
