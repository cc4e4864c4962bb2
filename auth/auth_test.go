package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/metered-ledger/auth"
	"github.com/warp/metered-ledger/ledger"
	"github.com/warp/metered-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestAuth(t *testing.T) (*auth.Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// MinCost keeps hashing fast in tests.
	return auth.NewService(store, "test-secret", time.Hour, bcrypt.MinCost), store
}

// =============================================================================
// REGISTER AND LOGIN TESTS
// =============================================================================

func TestRegister_IssuesVerifiableToken(t *testing.T) {
	// GIVEN: A new email
	// WHEN: Registering
	// THEN: The returned token verifies to the stored user's id

	svc, store := newTestAuth(t)
	ctx := context.Background()

	token, err := svc.Register(ctx, "alice@example.com", "s3cret")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userID, err := svc.VerifyToken(token)
	require.NoError(t, err)

	user, err := store.UserByID(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, ledger.UserActive, user.Status)
	assert.NotEqual(t, "s3cret", user.PasswordHash, "password must be hashed")
}

func TestRegister_DuplicateEmail_Rejected(t *testing.T) {
	svc, _ := newTestAuth(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "s3cret")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "alice@example.com", "other")
	assert.ErrorIs(t, err, ledger.ErrEmailTaken)
}

func TestLogin_CorrectPassword_IssuesToken(t *testing.T) {
	svc, _ := newTestAuth(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "s3cret")
	require.NoError(t, err)

	token, err := svc.Login(ctx, "alice@example.com", "s3cret")
	require.NoError(t, err)

	_, err = svc.VerifyToken(token)
	assert.NoError(t, err)
}

func TestLogin_WrongPassword_Rejected(t *testing.T) {
	svc, _ := newTestAuth(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "s3cret")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestLogin_UnknownEmail_Rejected(t *testing.T) {
	svc, _ := newTestAuth(t)

	_, err := svc.Login(context.Background(), "nobody@example.com", "s3cret")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestLogin_InactiveUser_Rejected(t *testing.T) {
	// GIVEN: An account flagged inactive
	// WHEN: Logging in with the right password
	// THEN: ErrUserInactive, not an invalid-credentials error

	svc, store := newTestAuth(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(ctx, ledger.User{
		ID:           "user-1",
		Email:        "gone@example.com",
		PasswordHash: string(hash),
		Status:       ledger.UserInactive,
	}))

	_, err = svc.Login(ctx, "gone@example.com", "s3cret")
	assert.ErrorIs(t, err, auth.ErrUserInactive)
}

// =============================================================================
// TOKEN TESTS
// =============================================================================

func TestVerifyToken_Garbage_Rejected(t *testing.T) {
	svc, _ := newTestAuth(t)

	_, err := svc.VerifyToken("not-a-jwt")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerifyToken_WrongSecret_Rejected(t *testing.T) {
	svc, store := newTestAuth(t)
	other := auth.NewService(store, "other-secret", time.Hour, bcrypt.MinCost)

	token, err := svc.Register(context.Background(), "alice@example.com", "s3cret")
	require.NoError(t, err)

	_, err = other.VerifyToken(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerifyToken_Expired_Rejected(t *testing.T) {
	svc, store := newTestAuth(t)
	expired := auth.NewService(store, "test-secret", -time.Minute, bcrypt.MinCost)

	token, err := expired.Register(context.Background(), "alice@example.com", "s3cret")
	require.NoError(t, err)

	_, err = svc.VerifyToken(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestMiddleware_ValidToken_SetsUserID(t *testing.T) {
	svc, _ := newTestAuth(t)
	token, err := svc.Register(context.Background(), "alice@example.com", "s3cret")
	require.NoError(t, err)

	var gotID string
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.UserID(r.Context())
		require.True(t, ok)
		gotID = id
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, gotID)
}

func TestMiddleware_MissingHeader_Unauthorized(t *testing.T) {
	svc, _ := newTestAuth(t)

	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_BadToken_Unauthorized(t *testing.T) {
	svc, _ := newTestAuth(t)

	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
