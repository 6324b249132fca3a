package auth

import "errors"

// Credential errors surfaced to the coordinator. The wire only ever sees
// auth_failed; the specific cause goes to the log.
var (
	ErrNoCredentials        = errors.New("no credentials supplied")
	ErrAmbiguousCredentials = errors.New("exactly one credential must be supplied")
	ErrUnknownAPIKey        = errors.New("unknown api key")
)

// AnonymousUserID names the principal synthesized when authentication is
// disabled.
const AnonymousUserID = "anonymous"

// Credentials carries the client-supplied secrets from an Auth message.
type Credentials struct {
	Token  string
	APIKey string
}

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	Secret       string
	Issuer       string
	Audience     string
	APIKeys      []string
	AuthRequired bool
}

// Provider turns Auth credentials into Principals. It recognizes HS256
// bearer tokens and shared API keys; with authentication disabled it
// admits anyone as an anonymous admin.
type Provider struct {
	secret       string
	verifyOpts   VerifyOptions
	apiKeys      []string
	authRequired bool
}

// NewProvider builds a Provider from static configuration.
func NewProvider(cfg ProviderConfig) *Provider {
	return &Provider{
		secret:       cfg.Secret,
		verifyOpts:   VerifyOptions{Issuer: cfg.Issuer, Audience: cfg.Audience},
		apiKeys:      cfg.APIKeys,
		authRequired: cfg.AuthRequired,
	}
}

// Authenticate resolves credentials to a principal. When authentication
// is required the error describes the exact failure; when it is not,
// invalid or missing credentials fall back to the anonymous principal,
// though valid credentials still yield their own.
func (p *Provider) Authenticate(creds Credentials) (*Principal, error) {
	principal, err := p.resolve(creds)
	if err != nil && !p.authRequired {
		return AnonymousPrincipal(), nil
	}
	return principal, err
}

func (p *Provider) resolve(creds Credentials) (*Principal, error) {
	switch {
	case creds.Token != "" && creds.APIKey != "":
		return nil, ErrAmbiguousCredentials

	case creds.Token != "":
		payload, err := VerifyTokenWith(creds.Token, p.secret, p.verifyOpts)
		if err != nil {
			return nil, err
		}
		return &Principal{
			UserID:      payload.ResolvedUserID(),
			Email:       payload.Email,
			Permissions: payload.Permissions,
		}, nil

	case creds.APIKey != "":
		if !ValidateAPIKey(creds.APIKey, p.apiKeys) {
			return nil, ErrUnknownAPIKey
		}
		return APIKeyPrincipal(), nil
	}

	return nil, ErrNoCredentials
}

// AnonymousPrincipal returns the admin principal used when the hub runs
// with authentication disabled.
func AnonymousPrincipal() *Principal {
	return &Principal{
		UserID: AnonymousUserID,
		Permissions: DocumentPermissions{
			CanRead:  []string{},
			CanWrite: []string{},
			IsAdmin:  true,
		},
	}
}
