package identity

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// maxRedirects matches the default net/http limit.
const maxRedirects = 10

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaves
// the upstream host.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns an http.Client whose transport presents the
// client certificate in tlsCfg. A nil tlsCfg yields a plain client, which
// is what the token exchange uses.
func NewHTTPClient(tlsCfg *tls.Config, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsCfg != nil {
		transport.TLSClientConfig = tlsCfg
	}

	return &http.Client{
		Timeout:       timeout,
		Transport:     transport,
		CheckRedirect: sameHostRedirectPolicy,
	}
}
