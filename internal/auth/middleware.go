package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"

	"ms-checkout/internal/config"
	"ms-checkout/internal/logger"
)

type contextKey string

const userIDKey contextKey = "user_id"

const (
	ModeOIDC = "oidc"
	ModeJWT  = "jwt"
)

// VerifyFunc turns a raw bearer token into the caller's user id.
type VerifyFunc func(ctx context.Context, rawToken string) (string, error)

// New builds the authentication middleware for the configured mode.
func New(ctx context.Context, cfg config.AuthConfig, log *logger.Logger) (func(http.Handler) http.Handler, error) {
	switch cfg.Mode {
	case ModeOIDC:
		verify, err := OIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCClientID)
		if err != nil {
			return nil, err
		}
		log.Info("AUTH", fmt.Sprintf("Verifying bearer tokens against %s", cfg.OIDCIssuer))
		return Middleware(verify, log), nil
	case ModeJWT:
		if cfg.JWTSecret == "" {
			return nil, errors.New("AUTH_JWT_SECRET must be set in jwt mode")
		}
		log.Warn("AUTH", "Verifying bearer tokens with a shared HMAC secret")
		return Middleware(HMACVerifier(cfg.JWTSecret), log), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// OIDCVerifier discovers the issuer and verifies ID/access tokens it signed.
// An empty clientID skips the audience check.
func OIDCVerifier(ctx context.Context, issuer, clientID string) (VerifyFunc, error) {
	if issuer == "" {
		return nil, errors.New("OIDC issuer not set")
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:          clientID,
		SkipClientIDCheck: clientID == "",
	})

	return func(ctx context.Context, rawToken string) (string, error) {
		idToken, err := verifier.Verify(ctx, rawToken)
		if err != nil {
			return "", err
		}

		// Extract claims (we only need sub for now)
		var claims struct {
			Sub string `json:"sub"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", fmt.Errorf("failed to parse claims: %w", err)
		}
		if claims.Sub == "" {
			return "", errors.New("token has no subject")
		}
		return claims.Sub, nil
	}, nil
}

func HMACVerifier(secret string) VerifyFunc {
	return func(_ context.Context, rawToken string) (string, error) {
		return ParseHMACToken(rawToken, secret)
	}
}

// Middleware rejects requests without a valid bearer token and stores the
// token subject as the user id.
func Middleware(verify VerifyFunc, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := ExtractTokenFromRequest(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			userID, err := verify(r.Context(), rawToken)
			if err != nil {
				log.LogSecurity("INVALID_TOKEN", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// Helper to extract user ID in handlers
func UserID(ctx context.Context) string {
	if uid, ok := ctx.Value(userIDKey).(string); ok {
		return uid
	}
	return ""
}
