package gateway

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/b3-gateway/internal/config"
	"github.com/alexjbarnes/b3-gateway/internal/identity"
	"github.com/alexjbarnes/b3-gateway/internal/token"
	"github.com/alexjbarnes/b3-gateway/internal/upstream"
)

// FromConfig assembles a Service from the loaded configuration: the
// memoised certificate identity, the client-credentials exchanger behind
// the configured token strategy, and the upstream forwarder. Nothing is
// decoded or exchanged until the first operation runs.
func FromConfig(cfg *config.Config, logger *slog.Logger) *Service {
	provisioner := identity.NewProvisioner(&cfg.Bundle, identity.Options{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})

	exchanger := token.NewClientCredentials(&cfg.Bundle, &http.Client{Timeout: cfg.HTTPTimeout}, logger)

	var tokens token.Source
	if cfg.TokenCache {
		tokens = token.NewCachingSource(exchanger, exchanger.Scope(), cfg.TokenExpirySkew, logger)
	} else {
		tokens = token.NewRefetchSource(exchanger)
	}

	forwarder := upstream.NewForwarder(provisioner, cfg.HTTPTimeout, tokens, logger)

	return NewService(cfg, tokens, forwarder, logger)
}
