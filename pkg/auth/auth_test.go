// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfort/keyfort/pkg/blacklist"
	"github.com/keyfort/keyfort/pkg/cache"
	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/idp"
	"github.com/keyfort/keyfort/pkg/kv"
	"github.com/keyfort/keyfort/pkg/monitoring"
	"github.com/keyfort/keyfort/pkg/ratelimit"
	"github.com/keyfort/keyfort/pkg/rbac"
	"github.com/keyfort/keyfort/pkg/session"
	"github.com/keyfort/keyfort/pkg/threat"
	"github.com/keyfort/keyfort/pkg/token"
	"github.com/keyfort/keyfort/pkg/userstore"
)

const (
	testJWTSecret = "0123456789abcdef0123456789abcdef"
	alicePassword = "hunter2"
)

// fakeIdP is an in-memory stand-in for the realm adapter. It mimics the
// adapter's error surface: coarse credential errors, ErrNotFound for
// missing records and USER_EXISTS on collisions.
type fakeIdP struct {
	mu        sync.Mutex
	users     map[string]*idp.UserRepresentation
	passwords map[string]string
	userRoles map[string][]string
	realm     []string
	nextID    int

	down        bool
	initCalls   int
	logoutUsers []string
}

func newFakeIdP() *fakeIdP {
	f := &fakeIdP{
		users:     make(map[string]*idp.UserRepresentation),
		passwords: make(map[string]string),
		userRoles: make(map[string][]string),
		realm:     []string{"user", "admin", "auditor"},
	}
	f.seed("alice@example.com", alicePassword, "Alice", "Anderson", "user")
	return f
}

func (f *fakeIdP) seed(email, password, first, last string, roles ...string) string {
	f.nextID++
	id := fmt.Sprintf("u-%d", f.nextID)
	enabled := true
	f.users[id] = &idp.UserRepresentation{
		ID:        id,
		Username:  email,
		Email:     email,
		FirstName: first,
		LastName:  last,
		Enabled:   &enabled,
	}
	f.passwords[strings.ToLower(email)] = password
	f.userRoles[id] = roles
	return id
}

func (f *fakeIdP) serviceError() error {
	return kferrors.NewServiceError("identity provider request failed", nil)
}

func (f *fakeIdP) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.down {
		return f.serviceError()
	}
	return nil
}

func (f *fakeIdP) AuthenticateDirectGrant(_ context.Context, username, password string) (*idp.Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, f.serviceError()
	}
	stored, ok := f.passwords[strings.ToLower(username)]
	if !ok || password == "" || stored != password {
		return nil, kferrors.NewInvalidCredentialsError("invalid credentials", nil)
	}
	return f.tokens("idp-at"), nil
}

func (f *fakeIdP) RefreshAccessToken(_ context.Context, refreshToken string) (*idp.Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, f.serviceError()
	}
	if !strings.HasPrefix(refreshToken, "rt-") {
		return nil, kferrors.NewInvalidCredentialsError("invalid credentials", nil)
	}
	return f.tokens("idp-at-rotated"), nil
}

func (f *fakeIdP) tokens(access string) *idp.Tokens {
	return &idp.Tokens{
		AccessToken:      access,
		RefreshToken:     "rt-" + access,
		IDToken:          "id-" + access,
		TokenType:        "Bearer",
		SessionState:     "sso-1",
		ExpiresAt:        time.Now().Add(5 * time.Minute),
		RefreshExpiresIn: 30 * time.Minute,
	}
}

func (f *fakeIdP) FindUsers(_ context.Context, filter idp.UserFilter) ([]idp.UserRepresentation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, f.serviceError()
	}
	var out []idp.UserRepresentation
	for _, u := range f.users {
		if filter.Email != "" && !strings.EqualFold(u.Email, filter.Email) {
			continue
		}
		out = append(out, *u)
	}
	return out, nil
}

func (f *fakeIdP) GetUserByID(_ context.Context, id string) (*idp.UserRepresentation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, f.serviceError()
	}
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, kferrors.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (f *fakeIdP) CreateUser(_ context.Context, user idp.UserRepresentation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", f.serviceError()
	}
	for _, existing := range f.users {
		if strings.EqualFold(existing.Email, user.Email) || strings.EqualFold(existing.Username, user.Username) {
			return "", kferrors.NewUserExistsError("user already exists", nil)
		}
	}
	f.nextID++
	id := fmt.Sprintf("u-%d", f.nextID)
	for _, cred := range user.Credentials {
		if cred.Type == "password" {
			f.passwords[strings.ToLower(user.Email)] = cred.Value
		}
	}
	user.ID = id
	user.Credentials = nil
	f.users[id] = &user
	f.userRoles[id] = nil
	return id, nil
}

func (f *fakeIdP) UpdateUser(_ context.Context, id string, user idp.UserRepresentation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return f.serviceError()
	}
	old, ok := f.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, kferrors.ErrNotFound)
	}
	if !strings.EqualFold(old.Email, user.Email) {
		if pw, ok := f.passwords[strings.ToLower(old.Email)]; ok {
			delete(f.passwords, strings.ToLower(old.Email))
			f.passwords[strings.ToLower(user.Email)] = pw
		}
	}
	user.ID = id
	f.users[id] = &user
	return nil
}

func (f *fakeIdP) DeleteUser(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return f.serviceError()
	}
	u, ok := f.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, kferrors.ErrNotFound)
	}
	delete(f.passwords, strings.ToLower(u.Email))
	delete(f.users, id)
	delete(f.userRoles, id)
	return nil
}

func (f *fakeIdP) ListUserRoles(_ context.Context, userID string) ([]idp.RoleRepresentation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, f.serviceError()
	}
	names, ok := f.userRoles[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, kferrors.ErrNotFound)
	}
	var out []idp.RoleRepresentation
	for _, name := range names {
		out = append(out, idp.RoleRepresentation{ID: "role-" + name, Name: name})
	}
	return out, nil
}

func (f *fakeIdP) AssignUserRoles(_ context.Context, userID string, roleNames []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return f.serviceError()
	}
	if _, ok := f.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, kferrors.ErrNotFound)
	}
	for _, name := range roleNames {
		if !slices.Contains(f.realm, name) {
			return fmt.Errorf("role %q: %w", name, kferrors.ErrNotFound)
		}
	}
	for _, name := range roleNames {
		if !slices.Contains(f.userRoles[userID], name) {
			f.userRoles[userID] = append(f.userRoles[userID], name)
		}
	}
	return nil
}

func (f *fakeIdP) LogoutUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return f.serviceError()
	}
	f.logoutUsers = append(f.logoutUsers, userID)
	return nil
}

func (f *fakeIdP) HealthCheck(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return f.serviceError()
	}
	return nil
}

func (f *fakeIdP) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeIdP) loggedOut() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.logoutUsers...)
}

type testEnv struct {
	svc    *Service
	idp    *fakeIdP
	kvc    kv.Client
	reg    *monitoring.Registry
	users  userstore.Store
	threat *threat.Controller
}

func newTestService(t *testing.T, mutate ...func(*Dependencies)) *testEnv {
	t.Helper()

	client := kv.NewMemory()
	t.Cleanup(func() { _ = client.Close() })

	bl, err := blacklist.New(client, blacklist.Config{
		MaxRetries:        1,
		RetryInitialDelay: time.Millisecond,
		OpTimeout:         time.Second,
	})
	require.NoError(t, err)

	engine, err := token.New(client, bl, token.Config{
		Secret:     testJWTSecret,
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		Issuer:     "keyfort-test",
		Audience:   "keyfort",
	})
	require.NoError(t, err)

	crypto, err := session.NewCrypto("orchestrator-test-master-key", 1000)
	require.NoError(t, err)
	sessions, err := session.New(client, session.Config{
		TTL:    time.Hour,
		Crypto: crypto,
	})
	require.NoError(t, err)

	store, err := userstore.Open(t.Context(), filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctrl := threat.NewController(threat.Config{
		MaxFailedAttempts: 3,
		LockoutDuration:   time.Minute,
		BruteForceWindow:  time.Minute,
		IPBlockDuration:   time.Minute,
	})

	reg := monitoring.NewRegistry()
	realm := newFakeIdP()

	deps := Dependencies{
		IdP:         realm,
		Tokens:      engine,
		Sessions:    sessions,
		Permissions: rbac.New(rbac.Config{KV: client}),
		Threat:      ctrl,
		Users:       store,
		KV:          client,
		Sink:        reg,
	}
	for _, m := range mutate {
		m(&deps)
	}

	svc, err := New(deps)
	require.NoError(t, err)

	return &testEnv{svc: svc, idp: realm, kvc: client, reg: reg, users: store, threat: ctrl}
}

func login(t *testing.T, env *testEnv) Result {
	t.Helper()
	res := env.svc.Login(t.Context(), LoginInput{
		Email:     "alice@example.com",
		Password:  alicePassword,
		IPAddress: "192.168.1.10",
		UserAgent: "go-test/1.0",
	})
	require.True(t, res.Success, "login failed: %s (%s)", res.Error, res.Code)
	return res
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	env := newTestService(t)

	deps := Dependencies{
		IdP:         env.idp,
		Tokens:      env.svc.tokens,
		Sessions:    env.svc.sessions,
		Permissions: env.svc.permissions,
	}

	for name, strip := range map[string]func(*Dependencies){
		"idp":         func(d *Dependencies) { d.IdP = nil },
		"tokens":      func(d *Dependencies) { d.Tokens = nil },
		"sessions":    func(d *Dependencies) { d.Sessions = nil },
		"permissions": func(d *Dependencies) { d.Permissions = nil },
	} {
		broken := deps
		strip(&broken)
		_, err := New(broken)
		require.Error(t, err, "missing %s should fail construction", name)
	}

	_, err := New(deps)
	require.NoError(t, err)
}

func TestInitialize(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	require.NoError(t, env.svc.Initialize(t.Context()))
	t.Cleanup(env.threat.Stop)

	assert.Equal(t, 1, env.idp.initCalls)

	// Default roles are mirrored into the KV as advisory copies.
	payload, err := env.kvc.Get(t.Context(), "role:user")
	require.NoError(t, err)
	assert.Contains(t, payload, `"user"`)
}

func TestInitializeFailsWhenIdPIsDown(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	env.idp.setDown(true)

	err := env.svc.Initialize(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity provider")
}

func TestLoginSuccess(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	res := login(t, env)

	require.NotNil(t, res.User)
	assert.Equal(t, "u-1", res.User.ID)
	assert.Equal(t, "alice@example.com", res.User.Email)
	assert.Contains(t, res.User.Roles, "user")
	assert.Contains(t, res.User.Permissions, "read:user")

	require.NotNil(t, res.Tokens)
	assert.NotEmpty(t, res.Tokens.AccessToken)
	assert.NotEmpty(t, res.Tokens.RefreshToken)

	require.NotNil(t, res.Session)
	assert.Equal(t, "u-1", res.Session.UserID)
	assert.Equal(t, "sso-1", res.Session.IdPSessionID)
	assert.Equal(t, "192.168.1.10", res.Session.IPAddress)

	verified := env.svc.VerifyToken(t.Context(), res.Tokens.AccessToken)
	require.True(t, verified.Success)
	assert.Equal(t, "u-1", verified.User.ID)

	// The principal is mirrored locally on first login.
	mirrored, err := env.users.GetByEmail(t.Context(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u-1", mirrored.ID)

	assert.Equal(t, int64(1), env.reg.Counter("auth.login.success"))
}

func TestLoginWrongPassword(t *testing.T) {
	t.Parallel()

	env := newTestService(t)

	res := env.svc.Login(t.Context(), LoginInput{
		Email:     "alice@example.com",
		Password:  "wrong",
		IPAddress: "192.168.1.10",
	})
	require.False(t, res.Success)
	assert.Equal(t, kferrors.CodeInvalidCredentials, res.Code)
	assert.Nil(t, res.User)
	assert.Nil(t, res.Tokens)
	assert.Nil(t, res.Session)
	assert.Equal(t, int64(1), env.reg.Counter("auth.login.failure"))
}

func TestLoginUnknownUserIndistinguishable(t *testing.T) {
	t.Parallel()

	env := newTestService(t)

	unknown := env.svc.Login(t.Context(), LoginInput{Email: "nobody@example.com", Password: "x"})
	wrongPw := env.svc.Login(t.Context(), LoginInput{Email: "alice@example.com", Password: "x"})

	assert.Equal(t, wrongPw.Code, unknown.Code)
	assert.Equal(t, wrongPw.Error, unknown.Error)
}

func TestLoginValidatesInput(t *testing.T) {
	t.Parallel()

	env := newTestService(t)

	for _, in := range []LoginInput{
		{Email: "", Password: "x"},
		{Email: "alice@example.com", Password: ""},
	} {
		res := env.svc.Login(t.Context(), in)
		require.False(t, res.Success)
		assert.Equal(t, kferrors.CodeValidationError, res.Code)
	}
}

func TestLoginLocksAccountAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	env := newTestService(t)

	for i := 0; i < 3; i++ {
		res := env.svc.Login(t.Context(), LoginInput{
			Email:     "alice@example.com",
			Password:  "wrong",
			IPAddress: "192.168.1.10",
		})
		assert.Equal(t, kferrors.CodeInvalidCredentials, res.Code)
	}

	// Even the correct password is refused while the lockout holds.
	res := env.svc.Login(t.Context(), LoginInput{
		Email:     "alice@example.com",
		Password:  alicePassword,
		IPAddress: "192.168.1.10",
	})
	require.False(t, res.Success)
	assert.Equal(t, kferrors.CodeAccountLocked, res.Code)
	require.NotNil(t, res.LockoutUntil)
	assert.True(t, res.LockoutUntil.After(time.Now()))
}

func TestLoginBlockedIP(t *testing.T) {
	t.Parallel()

	env := newTestService(t)

	// Spray failures across distinct accounts from one address until the
	// per-IP threshold (2x the account threshold) trips.
	for i := 0; i < 8; i++ {
		env.threat.RecordFailedAttempt(fmt.Sprintf("probe-%d", i), "10.0.0.9", "scanner", nil)
	}
	require.True(t, env.threat.IsIPBlocked("10.0.0.9"))

	res := env.svc.Login(t.Context(), LoginInput{
		Email:     "alice@example.com",
		Password:  alicePassword,
		IPAddress: "10.0.0.9",
	})
	require.False(t, res.Success)
	assert.Equal(t, kferrors.CodeIPBlocked, res.Code)
}

func TestLoginRateLimited(t *testing.T) {
	t.Parallel()

	env := newTestService(t, func(d *Dependencies) {
		limiter, err := ratelimit.New(d.KV, ratelimit.Config{Requests: 1, Window: time.Hour})
		require.NoError(t, err)
		d.Limiter = limiter
	})

	first := login(t, env)
	require.True(t, first.Success)

	second := env.svc.Login(t.Context(), LoginInput{
		Email:     "alice@example.com",
		Password:  alicePassword,
		IPAddress: "192.168.1.10",
	})
	require.False(t, second.Success)
	assert.Equal(t, kferrors.CodeRateLimited, second.Code)

	// A different source address has its own budget.
	other := env.svc.Login(t.Context(), LoginInput{
		Email:     "alice@example.com",
		Password:  alicePassword,
		IPAddress: "192.168.1.11",
	})
	assert.True(t, other.Success)
}

func TestRegister(t *testing.T) {
	t.Parallel()

	env := newTestService(t)

	res := env.svc.Register(t.Context(), RegisterInput{
		Email:     "bob@example.com",
		Password:  "s3cret!pass",
		FirstName: "Bob",
		LastName:  "Brown",
	})
	require.True(t, res.Success, "register failed: %s (%s)", res.Error, res.Code)
	require.NotNil(t, res.User)
	assert.Equal(t, []string{"user"}, res.User.Roles)
	assert.Contains(t, res.User.Permissions, "read:user")
	require.NotNil(t, res.Tokens)
	assert.Nil(t, res.Session)

	// The new account can log in with its password.
	loginRes := env.svc.Login(t.Context(), LoginInput{Email: "bob@example.com", Password: "s3cret!pass"})
	assert.True(t, loginRes.Success)

	mirrored, err := env.users.GetByEmail(t.Context(), "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, mirrored.ID)
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()

	env := newTestService(t)

	res := env.svc.Register(t.Context(), RegisterInput{Email: "alice@example.com", Password: "whatever1"})
	require.False(t, res.Success)
	assert.Equal(t, kferrors.CodeUserExists, res.Code)
}

func TestRegisterWithExplicitRoles(t *testing.T) {
	t.Parallel()

	env := newTestService(t)

	res := env.svc.Register(t.Context(), RegisterInput{
		Email:    "carol@example.com",
		Password: "s3cret!pass",
		Roles:    []string{"admin", "auditor"},
	})
	require.True(t, res.Success)
	assert.ElementsMatch(t, []string{"admin", "auditor"}, res.User.Roles)
	assert.Contains(t, res.User.Permissions, "manage:all")
}

func TestRegisterUnknownRoleRollsBack(t *testing.T) {
	t.Parallel()

	env := newTestService(t)

	res := env.svc.Register(t.Context(), RegisterInput{
		Email:    "dave@example.com",
		Password: "s3cret!pass",
		Roles:    []string{"superuser"},
	})
	require.False(t, res.Success)
	assert.Equal(t, kferrors.CodeValidationError, res.Code)

	// The half-created account was removed again.
	found, err := env.idp.FindUsers(t.Context(), idp.UserFilter{Email: "dave@example.com", Exact: true})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestRegisterValidatesInput(t *testing.T) {
	t.Parallel()

	env := newTestService(t)

	for _, in := range []RegisterInput{
		{Email: "", Password: "x"},
		{Email: "not-an-email", Password: "x"},
		{Email: "ok@example.com", Password: ""},
	} {
		res := env.svc.Register(t.Context(), in)
		require.False(t, res.Success)
		assert.Equal(t, kferrors.CodeValidationError, res.Code)
	}
}

func TestRefreshToken(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	first := login(t, env)

	res := env.svc.RefreshToken(t.Context(), first.Tokens.RefreshToken)
	require.True(t, res.Success, "refresh failed: %s (%s)", res.Error, res.Code)
	require.NotNil(t, res.Tokens)
	assert.NotEqual(t, first.Tokens.AccessToken, res.Tokens.AccessToken)
	assert.Contains(t, res.User.Permissions, "read:user")

	verified := env.svc.VerifyToken(t.Context(), res.Tokens.AccessToken)
	assert.True(t, verified.Success)
}

func TestRefreshTokenRejectsGarbage(t *testing.T) {
	t.Parallel()

	env := newTestService(t)

	res := env.svc.RefreshToken(t.Context(), "not-a-token")
	require.False(t, res.Success)
	assert.Equal(t, kferrors.CodeUnauthorized, res.Code)

	empty := env.svc.RefreshToken(t.Context(), "")
	assert.Equal(t, kferrors.CodeValidationError, empty.Code)
}

func TestLogoutRevokesEverything(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	res := login(t, env)

	out := env.svc.Logout(t.Context(), LogoutInput{UserID: res.User.ID})
	require.True(t, out.Success)

	verified := env.svc.VerifyToken(t.Context(), res.Tokens.AccessToken)
	require.False(t, verified.Success)
	assert.Equal(t, kferrors.CodeTokenRevoked, verified.Code)

	sessions, err := env.svc.sessions.ActiveSessions(t.Context(), res.User.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// Logout-all also ends the realm SSO session.
	assert.Contains(t, env.idp.loggedOut(), res.User.ID)
}

func TestLogoutSingleSession(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	first := login(t, env)
	second := login(t, env)

	out := env.svc.Logout(t.Context(), LogoutInput{
		UserID:    first.User.ID,
		Token:     first.Tokens.AccessToken,
		SessionID: first.Session.ID,
	})
	require.True(t, out.Success)

	revoked := env.svc.VerifyToken(t.Context(), first.Tokens.AccessToken)
	assert.False(t, revoked.Success)

	// The other session and token survive.
	alive := env.svc.VerifyToken(t.Context(), second.Tokens.AccessToken)
	assert.True(t, alive.Success)
	sessions, err := env.svc.sessions.ActiveSessions(t.Context(), first.User.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, second.Session.ID, sessions[0].ID)

	// Targeted logout leaves the realm SSO session alone.
	assert.Empty(t, env.idp.loggedOut())
}

func TestLogoutRequiresUserID(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	res := env.svc.Logout(t.Context(), LogoutInput{})
	require.False(t, res.Success)
	assert.Equal(t, kferrors.CodeValidationError, res.Code)
}

func TestVerifyToken(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	res := login(t, env)

	verified := env.svc.VerifyToken(t.Context(), res.Tokens.AccessToken)
	require.True(t, verified.Success)
	assert.Equal(t, res.User.ID, verified.User.ID)
	assert.Contains(t, verified.User.Permissions, "read:user")

	garbage := env.svc.VerifyToken(t.Context(), "nonsense")
	require.False(t, garbage.Success)
	assert.Equal(t, kferrors.CodeUnauthorized, garbage.Code)

	empty := env.svc.VerifyToken(t.Context(), "")
	assert.Equal(t, kferrors.CodeUnauthorized, empty.Code)
}

func TestGetUserByID(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	login(t, env)

	res := env.svc.GetUserByID(t.Context(), "u-1")
	require.True(t, res.Success)
	assert.Equal(t, "alice@example.com", res.User.Email)
	assert.Contains(t, res.User.Roles, "user")

	missing := env.svc.GetUserByID(t.Context(), "u-999")
	require.False(t, missing.Success)
	assert.Equal(t, kferrors.CodeValidationError, missing.Code)
}

func TestGetUserByIDFallsBackToMirror(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	login(t, env) // populates the mirror

	env.idp.setDown(true)

	res := env.svc.GetUserByID(t.Context(), "u-1")
	require.True(t, res.Success)
	assert.Equal(t, "alice@example.com", res.User.Email)
	assert.Equal(t, int64(1), env.reg.Counter("auth.user.mirror_fallback"))

	// A user the mirror has never seen cannot be served.
	unknown := env.svc.GetUserByID(t.Context(), "u-42")
	require.False(t, unknown.Success)
	assert.Equal(t, kferrors.CodeServiceError, unknown.Code)
}

func TestGetUserByIDDropsStaleMirrorRow(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	login(t, env)

	// The account disappears from the directory behind our back.
	require.NoError(t, env.idp.DeleteUser(t.Context(), "u-1"))

	res := env.svc.GetUserByID(t.Context(), "u-1")
	require.False(t, res.Success)

	_, err := env.users.GetByID(t.Context(), "u-1")
	assert.ErrorIs(t, err, kferrors.ErrNotFound)
}

func TestUpdateUser(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	login(t, env)

	first := "Alicia"
	active := false
	res := env.svc.UpdateUser(t.Context(), "u-1", UpdateUserInput{
		FirstName: &first,
		Active:    &active,
	})
	require.True(t, res.Success, "update failed: %s (%s)", res.Error, res.Code)
	assert.Equal(t, "Alicia", res.User.FirstName)
	assert.False(t, res.User.Active)

	rep, err := env.idp.GetUserByID(t.Context(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "Alicia", rep.FirstName)

	mirrored, err := env.users.GetByID(t.Context(), "u-1")
	require.NoError(t, err)
	assert.False(t, mirrored.Active)
}

func TestUpdateUserRolesRefreshPermissions(t *testing.T) {
	t.Parallel()

	env := newTestService(t, func(d *Dependencies) {
		c, err := cache.New(cache.Config{Enabled: true, ValidationSize: 64, DataSize: 64})
		require.NoError(t, err)
		d.Cache = c
	})
	login(t, env) // primes the permission cache with the "user" role set

	res := env.svc.UpdateUser(t.Context(), "u-1", UpdateUserInput{Roles: []string{"admin"}})
	require.True(t, res.Success)
	assert.Contains(t, res.User.Permissions, "manage:all")

	// The stale memoized union must not survive the role change.
	got := env.svc.GetUserByID(t.Context(), "u-1")
	require.True(t, got.Success)
	assert.Contains(t, got.User.Permissions, "manage:all")
}

func TestUpdateUserUnknownRole(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	login(t, env)

	res := env.svc.UpdateUser(t.Context(), "u-1", UpdateUserInput{Roles: []string{"superuser"}})
	require.False(t, res.Success)
	assert.Equal(t, kferrors.CodeValidationError, res.Code)
}

func TestDeleteUser(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	res := login(t, env)

	out := env.svc.DeleteUser(t.Context(), res.User.ID)
	require.True(t, out.Success)

	// Tokens issued before the deletion are dead.
	verified := env.svc.VerifyToken(t.Context(), res.Tokens.AccessToken)
	require.False(t, verified.Success)

	// Directory row and mirror row are both gone.
	_, err := env.idp.GetUserByID(t.Context(), res.User.ID)
	assert.ErrorIs(t, err, kferrors.ErrNotFound)
	_, err = env.users.GetByID(t.Context(), res.User.ID)
	assert.ErrorIs(t, err, kferrors.ErrNotFound)

	again := env.svc.DeleteUser(t.Context(), res.User.ID)
	require.False(t, again.Success)
	assert.Equal(t, kferrors.CodeValidationError, again.Code)
}

func TestCan(t *testing.T) {
	t.Parallel()

	env := newTestService(t)
	res := login(t, env)

	ok, err := env.svc.Can(res.User, "read", "user", map[string]any{"id": res.User.ID})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.svc.Can(res.User, "manage", "all", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	env := newTestService(t)

	h := env.svc.HealthCheck(t.Context())
	assert.True(t, h.Healthy)
	assert.True(t, h.Components["idp"])
	assert.True(t, h.Components["kv"])
	assert.True(t, h.Components["permissions"])

	env.idp.setDown(true)
	h = env.svc.HealthCheck(t.Context())
	assert.False(t, h.Healthy)
	assert.False(t, h.Components["idp"])
	assert.True(t, h.Components["kv"])
}

func TestIdPRefresherAdapter(t *testing.T) {
	t.Parallel()

	realm := newFakeIdP()
	refresher := NewIdPRefresher(realm)

	refreshed, err := refresher.RefreshAccessToken(t.Context(), "rt-idp-at")
	require.NoError(t, err)
	assert.Equal(t, "idp-at-rotated", refreshed.AccessToken)
	assert.Equal(t, "rt-idp-at-rotated", refreshed.RefreshToken)
	assert.InDelta(t, (5 * time.Minute).Seconds(), refreshed.ExpiresIn.Seconds(), 10)
	assert.Equal(t, 30*time.Minute, refreshed.RefreshExpiresIn)

	_, err = refresher.RefreshAccessToken(t.Context(), "bogus")
	require.Error(t, err)
	assert.Equal(t, kferrors.CodeInvalidCredentials, kferrors.CodeOf(err))
}
