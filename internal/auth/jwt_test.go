package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "access-secret-32-chars-long!!!!!"

func TestVerifier_SignAndValidate(t *testing.T) {
	v := NewVerifier(testSecret, "companion")
	userID := uuid.New()

	t.Run("valid token", func(t *testing.T) {
		tok, err := v.Sign(userID.String(), "test@example.com", 15*time.Minute)
		require.NoError(t, err)

		claims, err := v.ValidateAccessToken(tok)
		require.NoError(t, err)
		assert.Equal(t, "test@example.com", claims.Email)

		id, err := claims.UserUUID()
		require.NoError(t, err)
		assert.Equal(t, userID, id)
	})

	t.Run("garbage fails", func(t *testing.T) {
		_, err := v.ValidateAccessToken("invalid-token")
		assert.Error(t, err)
	})

	t.Run("expired token fails", func(t *testing.T) {
		tok, err := v.Sign(userID.String(), "exp@test.com", -time.Second)
		require.NoError(t, err)

		_, err = v.ValidateAccessToken(tok)
		assert.Error(t, err)
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		other := NewVerifier("another-secret-that-is-32-chars!", "companion")
		tok, err := other.Sign(userID.String(), "", time.Minute)
		require.NoError(t, err)

		_, err = v.ValidateAccessToken(tok)
		assert.Error(t, err)
	})

	t.Run("wrong issuer fails", func(t *testing.T) {
		other := NewVerifier(testSecret, "someone-else")
		tok, err := other.Sign(userID.String(), "", time.Minute)
		require.NoError(t, err)

		_, err = v.ValidateAccessToken(tok)
		assert.Error(t, err)
	})
}

func TestAccessClaims_UserUUID(t *testing.T) {
	id := uuid.New()

	c := &AccessClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: id.String()}}
	got, err := c.UserUUID()
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = (&AccessClaims{}).UserUUID()
	assert.Error(t, err)

	_, err = (&AccessClaims{UserID: "user-123"}).UserUUID()
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier(testSecret, "")
	userID := uuid.New()

	var seen uuid.UUID
	h := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bad scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic abc")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		tok, err := v.Sign(userID.String(), "", time.Minute)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, userID, seen)
	})
}
