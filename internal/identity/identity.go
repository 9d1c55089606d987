// Package identity builds the client certificate identity used for
// mutual TLS with the upstream API, either from a PEM certificate and key
// or from a PKCS#12 archive.
package identity

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/pkcs12"

	"github.com/alexjbarnes/b3-gateway/internal/config"
	apperrors "github.com/alexjbarnes/b3-gateway/internal/errors"
)

// decodeMaterial accepts either raw PEM or base64 of PEM/DER. Secrets
// pasted into hosting dashboards often arrive as base64 with line
// breaks, so whitespace is stripped before decoding.
func decodeMaterial(s string) ([]byte, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "-----BEGIN") {
		return []byte(trimmed), nil
	}

	compact := strings.Join(strings.Fields(trimmed), "")

	data, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}

	return data, nil
}

// FromPEM builds a TLS certificate from base64-encoded (or raw) PEM
// certificate and private key material.
func FromPEM(certB64, keyB64 string) (tls.Certificate, error) {
	if strings.TrimSpace(certB64) == "" {
		return tls.Certificate{}, &apperrors.MissingCredentialError{Name: "certificate"}
	}

	if strings.TrimSpace(keyB64) == "" {
		return tls.Certificate{}, &apperrors.MissingCredentialError{Name: "private key"}
	}

	certPEM, err := decodeMaterial(certB64)
	if err != nil {
		return tls.Certificate{}, &apperrors.MalformedCredentialError{Cause: fmt.Errorf("certificate: %w", err)}
	}

	keyPEM, err := decodeMaterial(keyB64)
	if err != nil {
		return tls.Certificate{}, &apperrors.MalformedCredentialError{Cause: fmt.Errorf("private key: %w", err)}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, &apperrors.MalformedCredentialError{Cause: err}
	}

	return cert, nil
}

// FromPKCS12 builds a TLS certificate from a base64-encoded PKCS#12
// archive. Any CA certificates in the archive are sent as the chain.
func FromPKCS12(p12B64, password string) (tls.Certificate, error) {
	if strings.TrimSpace(p12B64) == "" {
		return tls.Certificate{}, &apperrors.MissingCredentialError{Name: "pkcs12 archive"}
	}

	data, err := decodeMaterial(p12B64)
	if err != nil {
		return tls.Certificate{}, &apperrors.MalformedCredentialError{Cause: fmt.Errorf("pkcs12: %w", err)}
	}

	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return tls.Certificate{}, &apperrors.MalformedCredentialError{Cause: fmt.Errorf("pkcs12: %w", err)}
	}

	var certPEM, keyPEM bytes.Buffer

	for _, b := range blocks {
		if b.Type == "CERTIFICATE" {
			_ = pem.Encode(&certPEM, b)
			continue
		}

		if strings.HasSuffix(b.Type, "PRIVATE KEY") {
			_ = pem.Encode(&keyPEM, b)
		}
	}

	if certPEM.Len() == 0 || keyPEM.Len() == 0 {
		return tls.Certificate{}, &apperrors.MalformedCredentialError{
			Cause: errors.New("pkcs12: archive must contain a certificate and a private key"),
		}
	}

	cert, err := tls.X509KeyPair(leafFirst(certPEM.Bytes(), keyPEM.Bytes()), keyPEM.Bytes())
	if err != nil {
		return tls.Certificate{}, &apperrors.MalformedCredentialError{Cause: fmt.Errorf("pkcs12: %w", err)}
	}

	return cert, nil
}

// leafFirst reorders a PEM certificate list so the certificate matching
// the private key comes first, as tls.X509KeyPair expects. PKCS#12
// archives do not guarantee any order.
func leafFirst(certsPEM, keyPEM []byte) []byte {
	var certs []*pem.Block

	rest := certsPEM
	for {
		var b *pem.Block

		b, rest = pem.Decode(rest)
		if b == nil {
			break
		}

		certs = append(certs, b)
	}

	if len(certs) < 2 {
		return certsPEM
	}

	for i, b := range certs {
		if _, err := tls.X509KeyPair(pem.EncodeToMemory(b), keyPEM); err != nil {
			continue
		}

		ordered := append([]*pem.Block{b}, certs[:i]...)
		ordered = append(ordered, certs[i+1:]...)

		var out bytes.Buffer
		for _, c := range ordered {
			_ = pem.Encode(&out, c)
		}

		return out.Bytes()
	}

	return certsPEM
}

// FromBundle builds the identity for whichever variant the bundle
// configures. PKCS#12 takes precedence over PEM.
func FromBundle(b *config.Bundle) (tls.Certificate, error) {
	if b.UsesPKCS12() {
		return FromPKCS12(b.P12Base64, b.P12Password)
	}

	return FromPEM(b.CertBase64, b.KeyBase64)
}

// RootCAs decodes a base64 PEM bundle into a certificate pool. An empty
// input returns nil, meaning the system roots.
func RootCAs(caB64 string) (*x509.CertPool, error) {
	if strings.TrimSpace(caB64) == "" {
		return nil, nil
	}

	data, err := decodeMaterial(caB64)
	if err != nil {
		return nil, &apperrors.MalformedCredentialError{Cause: fmt.Errorf("CA bundle: %w", err)}
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, &apperrors.MalformedCredentialError{Cause: errors.New("CA bundle: no certificates found")}
	}

	return pool, nil
}

// Provisioner memoises the TLS client configuration for the process
// lifetime. The bundle never changes after startup, so the certificate is
// decoded once and the result (or the failure) is reused by every call.
type Provisioner struct {
	load func() (*tls.Config, error)
}

// Options controls server verification for the upstream connection.
type Options struct {
	// InsecureSkipVerify accepts any upstream server certificate.
	InsecureSkipVerify bool
}

// NewProvisioner returns a Provisioner for the given bundle. Nothing is
// decoded until the first call to TLSConfig.
func NewProvisioner(b *config.Bundle, opts Options) *Provisioner {
	return &Provisioner{
		load: sync.OnceValues(func() (*tls.Config, error) {
			cert, err := FromBundle(b)
			if err != nil {
				return nil, err
			}

			roots, err := RootCAs(b.CABase64)
			if err != nil {
				return nil, err
			}

			return TLSConfig(cert, roots, opts), nil
		}),
	}
}

// TLSConfig returns the memoised client TLS configuration.
func (p *Provisioner) TLSConfig() (*tls.Config, error) {
	return p.load()
}

// TLSConfig builds a client TLS configuration presenting cert. A nil
// roots pool means the system roots.
func TLSConfig(cert tls.Certificate, roots *x509.CertPool, opts Options) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		MinVersion:   tls.VersionTLS12,
		// Only reachable outside production; config.Load refuses it there.
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec
	}
}
