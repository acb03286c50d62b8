// Package auth verifies bearer ID tokens against a configured OIDC issuer
// and derives the caller's identity from the verified claims.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Claims are the JWT claims extracted for authentication.
type Claims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
}

// OIDCAuthenticator validates OIDC ID tokens against a single configured
// issuer and audience.
type OIDCAuthenticator struct {
	Verifier *oidc.IDTokenVerifier
}

// NewOIDCAuthenticator creates an authenticator by performing OIDC discovery
// against the issuer URL. This makes a network call to fetch the provider's
// public keys.
func NewOIDCAuthenticator(ctx context.Context, issuerURL, clientID string) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", issuerURL, err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})

	return &OIDCAuthenticator{Verifier: verifier}, nil
}

// Authenticate validates a Bearer token's signature, issuer, audience, and
// expiry, and returns its claims.
func (a *OIDCAuthenticator) Authenticate(ctx context.Context, bearerToken string) (*Claims, error) {
	token := strings.TrimPrefix(bearerToken, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	token = strings.TrimSpace(token)

	if token == "" {
		return nil, fmt.Errorf("empty bearer token")
	}

	idToken, err := a.Verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extracting claims: %w", err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("token missing sub claim")
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("token missing email claim")
	}

	return &claims, nil
}

// Owner derives the instance-ownership key from a verified identity. Owner
// is the token's email, lower-cased, so that the same human always maps to
// the same owner regardless of how an identity provider cases it.
func Owner(c *Claims) string {
	return strings.ToLower(c.Email)
}
