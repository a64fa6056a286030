// provider.go -- OAuth provider interface and shared types.
package oauth

import "context"

// Claims holds the identity claims an OAuth provider verified for us.
// Only what account creation needs is kept.
type Claims struct {
	Sub           string // provider-specific stable user ID (e.g. Google "sub")
	Email         string
	EmailVerified bool
	Name          string // display name; may be empty
}

// Provider is an OAuth2 identity provider.
// PKCE (RFC 7636) is required: callers pass the code_challenge to AuthCodeURL and the
// matching code_verifier to Exchange.
type Provider interface {
	// Name returns the provider identifier used as the {provider} URL param.
	// Upper-cased, it must match an auth provider known to the account store.
	Name() string

	// AuthCodeURL returns the redirect URL with state and PKCE code_challenge embedded.
	AuthCodeURL(state, codeChallenge string) string

	// Exchange trades the authorization code for verified identity claims.
	Exchange(ctx context.Context, code, codeVerifier string) (*Claims, error)
}
