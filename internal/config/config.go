package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	apperrors "github.com/alexjbarnes/b3-gateway/internal/errors"
)

// Config holds all environment-based configuration for b3-gateway.
type Config struct {
	// Environment controls log format and whether insecure TLS is allowed.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Port the HTTP front door listens on.
	Port string `env:"PORT" envDefault:"3000"`

	Bundle Bundle

	// InsecureSkipVerify disables verification of the upstream server
	// certificate chain. Leaving it on means any server can impersonate
	// the upstream API. Refused in production.
	InsecureSkipVerify bool `env:"B3_INSECURE_SKIP_VERIFY" envDefault:"false"`

	// HTTPTimeout bounds every outbound call (token exchange and upstream).
	HTTPTimeout time.Duration `env:"B3_HTTP_TIMEOUT" envDefault:"30s"`

	// TokenCache selects the caching token strategy. When false every
	// forwarded request performs a fresh client-credentials exchange.
	TokenCache      bool          `env:"B3_TOKEN_CACHE" envDefault:"true"`
	TokenExpirySkew time.Duration `env:"B3_TOKEN_EXPIRY_SKEW" envDefault:"60s"`

	// Profile names the deployment profile that fixes upstream paths.
	Profile      string `env:"B3_PROFILE" envDefault:"investors"`
	ProfilesFile string `env:"B3_PROFILES_FILE"`

	// ActiveProfile is resolved from Profile during Load.
	ActiveProfile Profile `env:"-"`
}

// Bundle is the credential bundle: certificate material, OAuth2 client
// credentials and upstream locations. It is read once at startup and
// never modified afterwards.
type Bundle struct {
	CertBase64 string `env:"B3_CERT_BASE64"`
	KeyBase64  string `env:"B3_KEY_BASE64"`

	// PKCS#12 variant. When P12Base64 is set it takes precedence over
	// the PEM certificate and key.
	P12Base64   string `env:"B3_P12_BASE64"`
	P12Password string `env:"B3_P12_PASSWORD"`

	// CABase64 optionally pins the upstream root CAs (PEM, base64).
	CABase64 string `env:"B3_CA_BASE64"`

	TokenURL     string `env:"B3_TOKEN_URL"`
	ClientID     string `env:"B3_CLIENT_ID"`
	ClientSecret string `env:"B3_CLIENT_SECRET"`
	Scope        string `env:"B3_SCOPE"`

	BaseURL           string `env:"B3_BASE_URL"`
	EnrollmentBaseURL string `env:"B3_ENROLLMENT_BASE_URL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The file carries the client secret and
// private key, so group or world readable is worth a warning.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
// Missing B3_* credentials do not fail Load; each operation checks the
// values it needs before making any network call.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	profiles, err := LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		return nil, fmt.Errorf("loading profiles: %w", err)
	}

	p, ok := profiles[cfg.Profile]
	if !ok {
		return nil, fmt.Errorf("unknown B3_PROFILE %q, available: %s", cfg.Profile, profileNames(profiles))
	}

	cfg.ActiveProfile = p

	return cfg, nil
}

func (c *Config) validate() error {
	if c.InsecureSkipVerify && c.IsProduction() {
		return fmt.Errorf("B3_INSECURE_SKIP_VERIFY must not be enabled when ENVIRONMENT is production")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("B3_HTTP_TIMEOUT must be positive")
	}

	if c.TokenExpirySkew < 0 {
		return fmt.Errorf("B3_TOKEN_EXPIRY_SKEW must not be negative")
	}

	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}

	for _, r := range []requirement{
		{"B3_TOKEN_URL", c.Bundle.TokenURL},
		{"B3_BASE_URL", c.Bundle.BaseURL},
		{"B3_ENROLLMENT_BASE_URL", c.Bundle.EnrollmentBaseURL},
	} {
		if r.value == "" {
			continue
		}

		if err := validateURL(r.value); err != nil {
			return fmt.Errorf("%s: %w", r.name, err)
		}
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL must use http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("URL has no host")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ListenAddr returns the address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return ":" + c.Port
}

// UsesPKCS12 reports whether the identity comes from a PKCS#12 archive.
func (b *Bundle) UsesPKCS12() bool {
	return b.P12Base64 != ""
}

type requirement struct {
	name  string
	value string
}

func (b *Bundle) identityRequirements() []requirement {
	if b.UsesPKCS12() {
		return []requirement{
			{"B3_P12_BASE64", b.P12Base64},
			{"B3_P12_PASSWORD", b.P12Password},
		}
	}

	return []requirement{
		{"B3_CERT_BASE64", b.CertBase64},
		{"B3_KEY_BASE64", b.KeyBase64},
	}
}

func (b *Bundle) tokenRequirements() []requirement {
	return []requirement{
		{"B3_TOKEN_URL", b.TokenURL},
		{"B3_CLIENT_ID", b.ClientID},
		{"B3_CLIENT_SECRET", b.ClientSecret},
		{"B3_SCOPE", b.Scope},
	}
}

func (b *Bundle) upstreamRequirements() []requirement {
	return []requirement{{"B3_BASE_URL", b.BaseURL}}
}

// RequireIdentity checks the certificate material for the configured
// variant.
func (b *Bundle) RequireIdentity() error {
	return firstMissing(b.identityRequirements())
}

// RequireToken checks the OAuth2 client-credentials settings.
func (b *Bundle) RequireToken() error {
	return firstMissing(b.tokenRequirements())
}

// RequireUpstream checks the upstream base URL.
func (b *Bundle) RequireUpstream() error {
	return firstMissing(b.upstreamRequirements())
}

// Missing lists every absent value needed by the upstream operations, in
// a stable order. Used by the readiness endpoint and the startup log.
func (b *Bundle) Missing() []string {
	var missing []string

	for _, reqs := range [][]requirement{
		b.identityRequirements(),
		b.tokenRequirements(),
		b.upstreamRequirements(),
	} {
		for _, r := range reqs {
			if r.value == "" {
				missing = append(missing, r.name)
			}
		}
	}

	return missing
}

func firstMissing(reqs []requirement) error {
	for _, r := range reqs {
		if r.value == "" {
			return &apperrors.MissingConfigurationError{Name: r.name}
		}
	}

	return nil
}
