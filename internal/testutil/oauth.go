// oauth.go
//
// Stub OAuth provider for handler tests.
package testutil

import (
	"context"
	"net/url"

	"github.com/ticketera/auth/internal/oauth"
)

// StubProvider implements oauth.Provider without any network calls.
// Exchange returns Claims (or Err) and records the verifier it was given.
type StubProvider struct {
	ProviderName string
	Claims       *oauth.Claims
	Err          error

	GotCode     string
	GotVerifier string
}

func (p *StubProvider) Name() string { return p.ProviderName }

func (p *StubProvider) AuthCodeURL(state, codeChallenge string) string {
	q := url.Values{"state": {state}, "code_challenge": {codeChallenge}}
	return "https://provider.example.com/auth?" + q.Encode()
}

func (p *StubProvider) Exchange(_ context.Context, code, codeVerifier string) (*oauth.Claims, error) {
	p.GotCode, p.GotVerifier = code, codeVerifier
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Claims, nil
}
