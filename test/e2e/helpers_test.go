package e2e_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/b3-gateway/internal/config"
	"github.com/alexjbarnes/b3-gateway/internal/gateway"
	"github.com/alexjbarnes/b3-gateway/internal/server"
)

const (
	testClientID     = "e2e-client"
	testClientSecret = "e2e-client-secret"
	testScope        = "api://b3/.default"
	clientCN         = "gateway-client"
)

// harnessOptions tweaks the fake servers behind the gateway.
type harnessOptions struct {
	// claims are signed into every issued access token.
	claims jwt.MapClaims
	// refetch disables the token cache.
	refetch bool
	// revokeFirstToken makes the fake API answer 401 to the first token
	// the authorization server issued.
	revokeFirstToken bool
	// configure edits the configuration before the gateway is built.
	configure func(*config.Config)
}

// harness holds the full e2e stack: the gateway front door, a fake
// client-credentials authorization server and a fake B3 API requiring a
// client certificate.
type harness struct {
	URL    string
	Client *http.Client

	tokenHits    atomic.Int32
	upstreamHits atomic.Int32

	mu          sync.Mutex
	issued      map[string]int
	lastQuery   url.Values
	rawQuery    string
	lastForm    url.Values
	peerCN      string
	enrollReply int
}

func defaultClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"aud":   "api://b3",
		"iss":   "https://sts.example.com/tenant/",
		"roles": []string{"B3.Read"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

// newHarness starts the fake servers and a gateway wired against them
// with gateway.FromConfig, the same assembly main uses.
func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.claims == nil {
		opts.claims = defaultClaims()
	}

	h := &harness{issued: make(map[string]int), enrollReply: http.StatusCreated}

	authz := httptest.NewServer(http.HandlerFunc(h.serveToken(t, opts.claims)))
	t.Cleanup(authz.Close)

	b3 := httptest.NewUnstartedServer(h.b3API(opts.revokeFirstToken))
	b3.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	b3.StartTLS()
	t.Cleanup(b3.Close)

	certPEM, keyPEM := clientCertificate(t)
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b3.Certificate().Raw})

	cfg := &config.Config{
		Environment: "test",
		Bundle: config.Bundle{
			CertBase64:        base64.StdEncoding.EncodeToString(certPEM),
			KeyBase64:         base64.StdEncoding.EncodeToString(keyPEM),
			CABase64:          base64.StdEncoding.EncodeToString(caPEM),
			TokenURL:          authz.URL + "/tenant/oauth2/v2.0/token",
			ClientID:          testClientID,
			ClientSecret:      testClientSecret,
			Scope:             testScope,
			BaseURL:           b3.URL,
			EnrollmentBaseURL: b3.URL,
		},
		HTTPTimeout:     5 * time.Second,
		TokenCache:      !opts.refetch,
		TokenExpirySkew: time.Minute,
		ActiveProfile: config.Profile{
			Name:            "investors",
			HealthcheckPath: "/api/acesso/healthcheck",
			GuiaPath:        "/api/updated-product/v1/investors",
			EnrollmentPath:  "/api/autosservico",
		},
	}

	if opts.configure != nil {
		opts.configure(cfg)
	}

	logger := slog.New(slog.DiscardHandler)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Gateway:          gateway.FromConfig(cfg, logger),
		Logger:           logger,
		OperationTimeout: server.OperationBudget(cfg.HTTPTimeout),
	}))
	t.Cleanup(ts.Close)

	h.URL = ts.URL
	h.Client = ts.Client()

	return h
}

// serveToken is the fake client-credentials endpoint. Every call issues a
// distinct token.
func (h *harness) serveToken(t *testing.T, claims jwt.MapClaims) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(h.tokenHits.Add(1))

		if !assert.NoError(t, r.ParseForm()) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if r.PostForm.Get("grant_type") != "client_credentials" ||
			r.PostForm.Get("client_id") != testClientID ||
			r.PostForm.Get("client_secret") != testClientSecret {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid_client","error_description":"AADSTS7000215: Invalid client secret provided."}`))

			return
		}

		issued := jwt.MapClaims{"jti": strconv.Itoa(n)}
		for k, v := range claims {
			issued[k] = v
		}

		access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, issued).SignedString([]byte("authz-key"))
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		h.mu.Lock()
		h.issued[access] = n
		h.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token_type":   "Bearer",
			"expires_in":   3599,
			"access_token": access,
		})
	}
}

// b3API is the fake upstream. It requires a client certificate and a
// token issued by the fake authorization server.
func (h *harness) b3API(revokeFirstToken bool) http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("GET /api/acesso/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"UP"}`))
	})

	api.HandleFunc("GET /api/updated-product/v1/investors", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.lastQuery = r.URL.Query()
		h.rawQuery = r.URL.RawQuery
		h.mu.Unlock()

		if r.URL.Query().Get("product") == "Unknown" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"product not found"}`))

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"A1"}],"links":{"next":null}}`))
	})

	api.HandleFunc("POST /api/autosservico", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()

		h.mu.Lock()
		h.lastForm = r.PostForm
		reply := h.enrollReply
		h.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reply)
		w.Write([]byte(`{"resultado":"registrado"}`))
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.upstreamHits.Add(1)

		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		h.mu.Lock()
		n, ok := h.issued[bearer]
		h.peerCN = r.TLS.PeerCertificates[0].Subject.CommonName
		h.mu.Unlock()

		if !ok || (revokeFirstToken && n == 1) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		api.ServeHTTP(w, r)
	})
}

func (h *harness) setEnrollReply(code int) {
	h.mu.Lock()
	h.enrollReply = code
	h.mu.Unlock()
}

// clientCertificate returns a fresh self-signed client certificate and
// its PKCS#8 key, PEM encoded.
func clientCertificate(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: clientCN},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
}

// doGet issues a GET against the gateway and decodes the JSON envelope.
func (h *harness) doGet(t *testing.T, path string) (int, map[string]any) {
	t.Helper()

	resp, err := h.Client.Get(h.URL + path)
	require.NoError(t, err)

	return decodeEnvelope(t, resp)
}

// doPost issues a POST against the gateway and decodes the JSON envelope.
func (h *harness) doPost(t *testing.T, path, contentType, body string) (int, map[string]any) {
	t.Helper()

	resp, err := h.Client.Post(h.URL+path, contentType, strings.NewReader(body))
	require.NoError(t, err)

	return decodeEnvelope(t, resp)
}

func decodeEnvelope(t *testing.T, resp *http.Response) (int, map[string]any) {
	t.Helper()
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body), string(data))

	return resp.StatusCode, body
}
