// Package gateway implements the four operations exposed by the front
// door. Each operation checks its inputs and the configuration it depends
// on before any network traffic, then delegates to the token source and
// the upstream forwarder.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/b3-gateway/internal/config"
	apperrors "github.com/alexjbarnes/b3-gateway/internal/errors"
	"github.com/alexjbarnes/b3-gateway/internal/token"
	"github.com/alexjbarnes/b3-gateway/internal/upstream"
)

// Forwarder issues authenticated upstream calls. *upstream.Forwarder
// implements it.
type Forwarder interface {
	Forward(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// Service runs the gateway operations.
type Service struct {
	bundle    *config.Bundle
	profile   config.Profile
	tokens    token.Source
	forwarder Forwarder
	logger    *slog.Logger
}

// NewService returns a Service for the loaded configuration.
func NewService(cfg *config.Config, tokens token.Source, forwarder Forwarder, logger *slog.Logger) *Service {
	return &Service{
		bundle:    &cfg.Bundle,
		profile:   cfg.ActiveProfile,
		tokens:    tokens,
		forwarder: forwarder,
		logger:    logger,
	}
}

// Missing lists the configuration values that are not set.
func (s *Service) Missing() []string {
	return s.bundle.Missing()
}

// requireForwarding checks everything a forwarded call needs, identity
// first, so the reported name matches the order the call would fail in.
func (s *Service) requireForwarding() error {
	if err := s.bundle.RequireIdentity(); err != nil {
		return err
	}

	return s.bundle.RequireToken()
}

// Test calls the upstream healthcheck.
func (s *Service) Test(ctx context.Context) (*upstream.Response, error) {
	if err := s.requireForwarding(); err != nil {
		return nil, err
	}

	if err := s.bundle.RequireUpstream(); err != nil {
		return nil, err
	}

	return s.forwarder.Forward(ctx, upstream.Request{
		Method:  http.MethodGet,
		BaseURL: s.bundle.BaseURL,
		Path:    s.profile.HealthcheckPath,
		Policy:  upstream.Strict,
	})
}

// TokenInfo obtains a token and returns its claims.
func (s *Service) TokenInfo(ctx context.Context) (*token.Claims, error) {
	if err := s.bundle.RequireToken(); err != nil {
		return nil, err
	}

	bearer, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	return token.DecodeClaims(bearer)
}

// Guia runs the data query. Absent optional parameters are omitted from
// the upstream URL.
func (s *Service) Guia(ctx context.Context, q GuiaQuery) (*upstream.Response, error) {
	q = q.Normalize()
	if err := q.Validate(); err != nil {
		return nil, err
	}

	if err := s.requireForwarding(); err != nil {
		return nil, err
	}

	if err := s.bundle.RequireUpstream(); err != nil {
		return nil, err
	}

	return s.forwarder.Forward(ctx, upstream.Request{
		Method:  http.MethodGet,
		BaseURL: s.bundle.BaseURL,
		Path:    s.profile.GuiaPath,
		Query: []upstream.Param{
			upstream.Required("product", q.Product),
			upstream.Required("referenceStartDate", q.ReferenceStartDate),
			upstream.Optional("referenceEndDate", q.ReferenceEndDate),
			upstream.Optional("page", q.Page),
		},
		Policy: upstream.Strict,
	})
}

// Autosservico submits an enrollment to the enrollment host. Any upstream
// status is returned to the caller.
func (s *Service) Autosservico(ctx context.Context, e Enrollment) (*upstream.Response, error) {
	e = e.Normalize()
	if err := e.Validate(); err != nil {
		return nil, err
	}

	if err := s.requireForwarding(); err != nil {
		return nil, err
	}

	base := s.enrollmentBaseURL()
	if base == "" {
		return nil, &apperrors.MissingConfigurationError{Name: "B3_ENROLLMENT_BASE_URL"}
	}

	resp, err := s.forwarder.Forward(ctx, upstream.Request{
		Method:  http.MethodPost,
		BaseURL: base,
		Path:    s.profile.EnrollmentPath,
		Form: url.Values{
			"nome":      {e.Nome},
			"documento": {e.Documento},
			"email":     {e.Email},
		},
		Policy: upstream.Passthrough,
	})
	if err != nil {
		return nil, err
	}

	if !resp.OK() {
		s.logger.Info("enrollment rejected upstream", slog.Int("status", resp.Status))
	}

	return resp, nil
}

func (s *Service) enrollmentBaseURL() string {
	if s.bundle.EnrollmentBaseURL != "" {
		return s.bundle.EnrollmentBaseURL
	}

	return s.profile.EnrollmentBaseURL
}
