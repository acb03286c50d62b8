package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// Identity is the authenticated caller attached to a request's context.
type Identity struct {
	Subject string
	Email   string
	Owner   string
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the Identity stored by Middleware, or nil if the
// request was never authenticated.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}

// Middleware returns HTTP middleware that authenticates the caller's bearer
// token against oidcAuth and stores the resulting Identity in the request
// context. Requests without a valid token are rejected with 401.
func Middleware(oidcAuth *OIDCAuthenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondErr(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := oidcAuth.Authenticate(r.Context(), authHeader)
			if err != nil {
				logger.Warn("oidc authentication failed", "error", err)
				respondErr(w, http.StatusUnauthorized, "invalid token")
				return
			}

			identity := &Identity{
				Subject: claims.Subject,
				Email:   claims.Email,
				Owner:   Owner(claims),
			}

			ctx := NewContext(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AllowList gates first-time sign-in: it reports whether an authenticated
// caller's email may use the service. An empty list allows everyone.
type AllowList struct {
	emails map[string]struct{}
}

// NewAllowList builds an AllowList from a set of emails. A nil or empty
// slice allows all callers.
func NewAllowList(emails []string) *AllowList {
	if len(emails) == 0 {
		return &AllowList{}
	}
	set := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		set[e] = struct{}{}
	}
	return &AllowList{emails: set}
}

// Allows reports whether email may sign in.
func (a *AllowList) Allows(email string) bool {
	if len(a.emails) == 0 {
		return true
	}
	_, ok := a.emails[email]
	return ok
}

// AuthorizedHandler implements GET /authorized: it returns 200 if the
// already-authenticated caller's email is on the allow list and 403
// otherwise. It must run behind Middleware so FromContext is populated.
func AuthorizedHandler(allow *AllowList) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		if id == nil {
			respondErr(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if !allow.Allows(id.Email) {
			respondErr(w, http.StatusForbidden, "email not on allow list")
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// respondErr writes the same {"error": "<human message>"} envelope as
// httpserver.RespondError, duplicated here rather than imported to avoid
// an auth → httpserver dependency for one helper.
func respondErr(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
