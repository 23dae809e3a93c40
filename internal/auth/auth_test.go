package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-checkout/internal/config"
	"ms-checkout/internal/logger"
)

const secret = "test-secret"

func protected() http.Handler {
	return Middleware(HMACVerifier(secret), logger.NewWriterLogger(io.Discard))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(UserID(r.Context())))
		}))
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	token, err := IssueHMACToken("user-42", secret, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-42", rec.Body.String())
}

func TestMiddlewareRejects(t *testing.T) {
	wrongKey, err := IssueHMACToken("user-42", "other-secret", time.Hour)
	require.NoError(t, err)
	expired, err := IssueHMACToken("user-42", secret, -time.Minute)
	require.NoError(t, err)

	tests := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"garbage":        "Bearer not-a-jwt",
		"wrong key":      "Bearer " + wrongKey,
		"expired":        "Bearer " + expired,
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			protected().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestParseHMACTokenRequiresSubject(t *testing.T) {
	token, err := IssueHMACToken("", secret, time.Hour)
	require.NoError(t, err)
	_, err = ParseHMACToken(token, secret)
	assert.Error(t, err)
}

func TestNewValidatesMode(t *testing.T) {
	log := logger.NewWriterLogger(io.Discard)

	_, err := New(context.Background(), config.AuthConfig{Mode: "magic"}, log)
	assert.Error(t, err)

	_, err = New(context.Background(), config.AuthConfig{Mode: ModeJWT}, log)
	assert.Error(t, err)

	mw, err := New(context.Background(), config.AuthConfig{Mode: ModeJWT, JWTSecret: secret}, log)
	require.NoError(t, err)
	assert.NotNil(t, mw)
}

func TestUserIDEmptyWithoutMiddleware(t *testing.T) {
	assert.Equal(t, "", UserID(context.Background()))
	assert.Equal(t, "u", UserID(WithUserID(context.Background(), "u")))
}
