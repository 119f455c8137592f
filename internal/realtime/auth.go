package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrMissingCredentials is returned when neither an API key nor OAuth client
// credentials are configured.
var ErrMissingCredentials = errors.New("realtime credentials not configured")

// tokenTimeout bounds token endpoint requests.
const tokenTimeout = 30 * time.Second

// AuthConfig holds the credentials used to authorize the websocket handshake.
// OAuth client credentials take precedence over a static API key.
type AuthConfig struct {
	APIKey       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// HasOAuth reports whether client credentials are configured.
func (c AuthConfig) HasOAuth() bool {
	return c.TokenURL != "" && c.ClientID != "" && c.ClientSecret != ""
}

// NewTokenSource returns the token source for cfg.
func NewTokenSource(ctx context.Context, cfg AuthConfig) (oauth2.TokenSource, error) {
	if cfg.HasOAuth() {
		conf := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		baseClient := &http.Client{Timeout: tokenTimeout}
		ctx = context.WithValue(ctx, oauth2.HTTPClient, baseClient)
		return conf.TokenSource(ctx), nil
	}

	if cfg.APIKey != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.APIKey,
			TokenType:   "Bearer",
		}), nil
	}

	return nil, ErrMissingCredentials
}

// authHeader builds the request headers for the websocket handshake.
func authHeader(tokens oauth2.TokenSource) (http.Header, error) {
	token, err := tokens.Token()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	token.SetAuthHeader(&http.Request{Header: header})
	header.Set("OpenAI-Beta", "realtime=v1")
	return header, nil
}
