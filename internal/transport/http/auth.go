package http

import (
	"context"
	"net/http"
	"strings"

	"quiz-session-service/internal/domain"
)

// Authenticator resolves the player identity of a websocket handshake.
type Authenticator interface {
	Authenticate(r *http.Request) (domain.Identity, error)
}

// QueryAuthenticator trusts userId, name and avatar query parameters. Development only.
type QueryAuthenticator struct{}

func (QueryAuthenticator) Authenticate(r *http.Request) (domain.Identity, error) {
	q := r.URL.Query()
	identity := domain.Identity{
		UserID:      q.Get("userId"),
		DisplayName: q.Get("name"),
		AvatarRef:   q.Get("avatar"),
	}
	if identity.UserID == "" {
		return domain.Identity{}, domain.ErrUnauthenticated
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.UserID
	}
	return identity, nil
}

// TokenVerifier exchanges a bearer token for an identity.
type TokenVerifier interface {
	Authenticate(ctx context.Context, token string) (domain.Identity, error)
}

// TokenAuthenticator reads a bearer token from the Authorization header, or
// the token query parameter for browsers that cannot set headers on upgrade.
type TokenAuthenticator struct {
	Verifier TokenVerifier
}

func (a TokenAuthenticator) Authenticate(r *http.Request) (domain.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return domain.Identity{}, domain.ErrUnauthenticated
	}
	return a.Verifier.Authenticate(r.Context(), token)
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
