// Package token obtains OAuth2 bearer tokens with the client-credentials
// grant and decodes their claims for diagnostics.
package token

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/alexjbarnes/b3-gateway/internal/config"
	apperrors "github.com/alexjbarnes/b3-gateway/internal/errors"
)

// errMissingAccessToken is the text x/oauth2 reports for a 2xx answer
// without an access_token.
const errMissingAccessToken = "missing access_token"

// Token is an access token and, when known, the time it stops being
// valid. A zero ExpiresAt means the expiry is unknown.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Exchanger performs one token exchange against the authorization server.
type Exchanger interface {
	Exchange(ctx context.Context) (*Token, error)
}

// ClientCredentials exchanges a client id and secret for a bearer token.
// It never retries and never caches; see CachingSource for that.
type ClientCredentials struct {
	httpClient *http.Client
	cfg        clientcredentials.Config
	logger     *slog.Logger
}

// NewClientCredentials returns an exchanger for the bundle's token
// settings. The http.Client carries the bounded timeout.
func NewClientCredentials(b *config.Bundle, httpClient *http.Client, logger *slog.Logger) *ClientCredentials {
	return &ClientCredentials{
		httpClient: httpClient,
		cfg: clientcredentials.Config{
			ClientID:     b.ClientID,
			ClientSecret: b.ClientSecret,
			TokenURL:     b.TokenURL,
			Scopes:       []string{b.Scope},
			// Credentials go in the form body; the authorization server
			// does not accept HTTP Basic.
			AuthStyle: oauth2.AuthStyleInParams,
		},
		logger: logger,
	}
}

// Scope returns the scope requested by this exchanger.
func (c *ClientCredentials) Scope() string {
	return strings.Join(c.cfg.Scopes, " ")
}

// Exchange posts the client-credentials grant and returns the token.
// Transport failures, non-2xx answers and answers without an
// access_token all surface as *errors.TokenExchangeError.
func (c *ClientCredentials) Exchange(ctx context.Context) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	ot, err := c.cfg.Token(ctx)
	if err != nil {
		return nil, c.exchangeError(err)
	}

	tok := &Token{AccessToken: ot.AccessToken, ExpiresAt: expiry(ot)}

	c.logger.Debug("token exchanged",
		slog.String("scope", c.Scope()),
		slog.Time("expires_at", tok.ExpiresAt),
	)

	return tok, nil
}

func (c *ClientCredentials) exchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}

		c.logger.Warn("token endpoint rejected client credentials",
			slog.Int("status", status),
			slog.String("error", re.ErrorCode),
		)

		if status >= 200 && status <= 299 {
			return &apperrors.TokenExchangeError{Reason: "error " + re.ErrorCode, Body: re.Body}
		}

		return &apperrors.TokenExchangeError{Status: status, Body: re.Body}
	}

	if strings.Contains(err.Error(), errMissingAccessToken) {
		return &apperrors.TokenExchangeError{Reason: errMissingAccessToken}
	}

	return &apperrors.TokenExchangeError{Cause: err}
}

// expiry prefers the exp claim of a JWT access token and falls back to
// the expires_in field of the response, which x/oauth2 has already turned
// into an absolute time.
func expiry(ot *oauth2.Token) time.Time {
	if claims, err := DecodeClaims(ot.AccessToken); err == nil && claims.Exp != nil {
		return time.Unix(*claims.Exp, 0)
	}

	return ot.Expiry
}
