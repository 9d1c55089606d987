// Package upstream issues authenticated calls to the B3 API: the client
// certificate rides on the transport, the bearer token in the
// Authorization header.
package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	apperrors "github.com/alexjbarnes/b3-gateway/internal/errors"
	"github.com/alexjbarnes/b3-gateway/internal/identity"
	"github.com/alexjbarnes/b3-gateway/internal/token"
)

// maxResponseBytes caps upstream body reads.
const maxResponseBytes = 10 * 1024 * 1024

// Policy decides how a non-2xx upstream status is reported.
type Policy int

const (
	// Strict turns any non-2xx status into a *errors.ForwardingError.
	Strict Policy = iota
	// Passthrough returns every status to the caller unchanged.
	Passthrough
)

func (p Policy) String() string {
	if p == Passthrough {
		return "passthrough"
	}

	return "strict"
}

// Param is one query parameter. A nil Value omits the key entirely.
type Param struct {
	Key   string
	Value *string
}

// Required returns a parameter that is always sent.
func Required(key, value string) Param {
	return Param{Key: key, Value: &value}
}

// Optional returns a parameter that is omitted when value is empty.
func Optional(key, value string) Param {
	if value == "" {
		return Param{Key: key}
	}

	return Param{Key: key, Value: &value}
}

// Request describes one upstream call.
type Request struct {
	Method  string
	BaseURL string
	Path    string
	Query   []Param
	// Form is sent form-encoded as the body of POST requests.
	Form   url.Values
	Policy Policy
}

// URL joins the base URL and path and appends the present query
// parameters.
func (r Request) URL() (string, error) {
	u, err := url.Parse(strings.TrimRight(r.BaseURL, "/") + r.Path)
	if err != nil {
		return "", fmt.Errorf("building upstream URL: %w", err)
	}

	q := u.Query()
	for _, p := range r.Query {
		if p.Value != nil {
			q.Set(p.Key, *p.Value)
		}
	}

	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Response is the upstream answer, body included.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// Payload returns the body in a form that serializes back unchanged:
// JSON bodies as json.RawMessage, anything else as a string, and nil for
// an empty body.
func (r *Response) Payload() any {
	return Payload(r.Body)
}

// Payload converts a raw upstream body for embedding in a JSON envelope.
func Payload(body []byte) any {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}

	if gjson.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}

	return trimmed
}

// TLSProvider supplies the client TLS configuration carrying the
// certificate identity. *identity.Provisioner implements it.
type TLSProvider interface {
	TLSConfig() (*tls.Config, error)
}

// Forwarder issues upstream calls with the client certificate and a
// bearer token from the token source.
type Forwarder struct {
	client func() (*http.Client, error)
	tokens token.Source
	logger *slog.Logger
}

// NewForwarder returns a Forwarder whose HTTP client is built from the
// provider's TLS configuration on first use and reused afterwards.
func NewForwarder(tlsp TLSProvider, timeout time.Duration, tokens token.Source, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client: sync.OnceValues(func() (*http.Client, error) {
			cfg, err := tlsp.TLSConfig()
			if err != nil {
				return nil, err
			}

			return identity.NewHTTPClient(cfg, timeout), nil
		}),
		tokens: tokens,
		logger: logger,
	}
}

// Forward performs the call. The identity and token are obtained before
// any upstream traffic; a 401 answer invalidates the token and the call
// is repeated once with a fresh one.
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	target, err := req.URL()
	if err != nil {
		return nil, &apperrors.ForwardingError{Cause: err}
	}

	client, err := f.client()
	if err != nil {
		return nil, err
	}

	bearer, err := f.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := f.do(ctx, client, req, target, bearer)
	if err != nil {
		return nil, err
	}

	if resp.Status == http.StatusUnauthorized {
		f.logger.Info("upstream rejected token, exchanging a new one",
			slog.String("path", req.Path),
		)
		f.tokens.Invalidate()

		bearer, err = f.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		resp, err = f.do(ctx, client, req, target, bearer)
		if err != nil {
			return nil, err
		}
	}

	if req.Policy == Strict && !resp.OK() {
		return nil, &apperrors.ForwardingError{Status: resp.Status, Body: resp.Body}
	}

	return resp, nil
}

func (f *Forwarder) do(ctx context.Context, client *http.Client, req Request, target, bearer string) (*Response, error) {
	var body io.Reader
	if req.Method == http.MethodPost && req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, &apperrors.ForwardingError{Cause: fmt.Errorf("creating request: %w", err)}
	}

	httpReq.Header.Set("Authorization", "Bearer "+bearer)
	httpReq.Header.Set("Accept", "application/json")

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &apperrors.ForwardingError{Cause: fmt.Errorf("sending %s %s: %w", req.Method, req.Path, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &apperrors.ForwardingError{Cause: fmt.Errorf("reading response from %s: %w", req.Path, err)}
	}

	f.logger.Debug("upstream call",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.String("policy", req.Policy.String()),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	return &Response{
		Status:      resp.StatusCode,
		Body:        data,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
