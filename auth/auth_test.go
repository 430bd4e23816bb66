package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/auth"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestIssueAndVerify(t *testing.T) {
	tokens, err := auth.NewTokens(secret, time.Hour)
	require.NoError(t, err)

	tok, err := tokens.Issue("device-42")
	require.NoError(t, err)

	userID, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "DEVICE-42", userID)
}

func TestVerifyRejects(t *testing.T) {
	tokens, err := auth.NewTokens(secret, time.Hour)
	require.NoError(t, err)
	other, err := auth.NewTokens("ffffffffffffffffffffffffffffffff", time.Hour)
	require.NoError(t, err)

	foreign, err := other.Issue("u1")
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte(secret))
	require.NoError(t, err)

	stale, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"empty", ""},
		{"wrong secret", foreign},
		{"no subject", noSubject},
		{"expired", stale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tokens.Verify(tt.token)
			assert.ErrorIs(t, err, tally.ErrUnauthorized)
		})
	}
}

func TestShortSecret(t *testing.T) {
	_, err := auth.NewTokens("short", time.Hour)
	assert.ErrorIs(t, err, tally.ErrInvalidInput)
}

func TestMiddleware(t *testing.T) {
	tokens, err := auth.NewTokens(secret, time.Hour)
	require.NoError(t, err)
	tok, err := tokens.Issue("abc")
	require.NoError(t, err)

	h := auth.Middleware(tokens, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.UserID(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(id))
	}))

	req := httptest.NewRequest(http.MethodGet, "/users", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABC", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/users", nil)
	req.Header.Set("Authorization", "Basic xyz")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}
