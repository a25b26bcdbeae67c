package developer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aluedeke/go-sideload/internal/applecerts"
)

// DefaultBaseURL is the developer services host both dialects talk to.
const DefaultBaseURL = "https://developerservices2.apple.com/services"

// HeaderSource supplies the per-request authentication headers. The GSA
// session satisfies it by minting the Xcode app token and anisette headers.
type HeaderSource interface {
	PortalHeaders(ctx context.Context) (http.Header, error)
}

// Config configures a Client.
type Config struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// TrustAnchors replaces the system pool plus Apple Root CA.
	TrustAnchors *x509.CertPool
	// HTTPClient, when set, is used as is and TrustAnchors is ignored.
	HTTPClient *http.Client
	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64
	Logger    zerolog.Logger
}

// Client talks to the developer portal on behalf of one authenticated
// session. It is safe for concurrent use.
type Client struct {
	base    string
	http    *http.Client
	auth    HeaderSource
	limiter *rate.Limiter
	log     zerolog.Logger

	qh qhDialect
	v1 v1Dialect
}

// NewClient returns a portal client that authenticates every call with auth.
func NewClient(cfg Config, auth HeaderSource) (*Client, error) {
	c := &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: cfg.HTTPClient,
		auth: auth,
		log:  cfg.Logger,
	}
	if c.base == "" {
		c.base = DefaultBaseURL
	}
	if c.http == nil {
		pool := cfg.TrustAnchors
		if pool == nil {
			var err error
			if pool, err = applecerts.TrustPool(); err != nil {
				return nil, fmt.Errorf("failed to load trust anchor: %w", err)
			}
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
		c.http = &http.Client{Transport: transport, Timeout: 60 * time.Second}
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// send performs one portal round trip in dialect d and decodes the reply
// into out, which may be nil.
func (c *Client) send(ctx context.Context, d dialect, method, path string, body, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	wireMethod, payload, extra, err := d.prepare(method, body)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	auth, err := c.auth.PortalHeaders(ctx)
	if err != nil {
		return fmt.Errorf("portal authentication: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, wireMethod, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for k, vs := range auth {
		req.Header[k] = append([]string(nil), vs...)
	}
	for k, vs := range extra {
		req.Header[k] = vs
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("portal request")

	return d.decode(resp.StatusCode, data, out)
}

// sanitizeName strips characters the portal rejects in display names.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(`\/:*?"<>|.`, r) {
			return -1
		}
		return r
	}, name)
}
