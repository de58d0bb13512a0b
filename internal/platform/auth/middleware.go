package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	"github.com/calanque-market/api/internal/platform/httpx"
	"github.com/calanque-market/api/internal/platform/requestctx"
)

const defaultVerifyTimeout = 5 * time.Second

// TokenVerifier validates bearer tokens and decodes the carried identity.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// OptionalMiddleware attaches the verified identity to the request context when
// an Authorization header is present. Requests without a bearer token proceed
// as guests; requests with an invalid token are rejected.
func OptionalMiddleware(verifier TokenVerifier, userLoader UserLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" || verifier == nil {
				next.ServeHTTP(w, r)
				return
			}

			decoded, err := verifier.VerifyIDToken(r.Context(), token)
			if err != nil {
				requestctx.Logger(r.Context()).Warn("auth: token verification failed", zap.Error(err))
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "invalid or expired credentials", http.StatusUnauthorized))
				return
			}

			identity := identityFromToken(decoded, userLoader)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func identityFromToken(token *firebaseauth.Token, userLoader UserLoader) *Identity {
	identity := &Identity{
		UID:        token.UID,
		token:      token,
		userLoader: userLoader,
	}

	if email, ok := token.Claims["email"].(string); ok {
		identity.Email = email
	}
	if locale, ok := token.Claims["locale"].(string); ok {
		identity.Locale = locale
	}
	identity.Roles = rolesFromClaims(token.Claims)
	return identity
}

func rolesFromClaims(claims map[string]any) []string {
	raw, ok := claims["roles"]
	if !ok {
		if role, ok := claims["role"].(string); ok && strings.TrimSpace(role) != "" {
			return []string{strings.ToLower(strings.TrimSpace(role))}
		}
		return []string{RoleUser}
	}

	var roles []string
	switch typed := raw.(type) {
	case []any:
		for _, entry := range typed {
			if role, ok := entry.(string); ok && strings.TrimSpace(role) != "" {
				roles = append(roles, strings.ToLower(strings.TrimSpace(role)))
			}
		}
	case []string:
		for _, role := range typed {
			if strings.TrimSpace(role) != "" {
				roles = append(roles, strings.ToLower(strings.TrimSpace(role)))
			}
		}
	case string:
		for _, role := range strings.Split(typed, ",") {
			if strings.TrimSpace(role) != "" {
				roles = append(roles, strings.ToLower(strings.TrimSpace(role)))
			}
		}
	}
	if len(roles) == 0 {
		roles = []string{RoleUser}
	}
	return roles
}
