package gsa

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"howett.net/plist"

	"github.com/aluedeke/go-sideload/internal/applecerts"
)

const (
	DefaultServiceURL = "https://gsa.apple.com/grandslam/GsService2"
	DefaultAuthURL    = "https://gsa.apple.com/auth"

	// XcodeService is the app token scope used for developer portal calls.
	XcodeService = "com.apple.gs.xcode.auth"

	gsaUserAgent    = "akd/1.0 CFNetwork/978.0.7 Darwin/18.7.0"
	gsaContentType  = "text/x-xml-plist"
	protocolVersion = "1.0.1"
)

// Config holds the endpoints and trust settings of a GSA client. Zero values
// select Apple's production endpoints and the bundled Apple Root CA.
type Config struct {
	ServiceURL string
	AuthURL    string

	// TrustAnchors replaces the system pool plus Apple Root CA.
	TrustAnchors *x509.CertPool

	// HTTPClient, when set, is used as is and TrustAnchors is ignored.
	HTTPClient *http.Client

	Logger zerolog.Logger

	// Rand feeds the SRP ephemeral secret. Defaults to crypto/rand.
	Rand io.Reader
}

// Client talks to Apple's authentication service.
type Client struct {
	serviceURL string
	authURL    string
	http       *http.Client
	anisette   AnisetteProvider
	rand       io.Reader
	log        zerolog.Logger
}

func NewClient(cfg Config, anisette AnisetteProvider) (*Client, error) {
	if anisette == nil {
		return nil, fmt.Errorf("anisette provider is required")
	}
	c := &Client{
		serviceURL: cfg.ServiceURL,
		authURL:    strings.TrimSuffix(cfg.AuthURL, "/"),
		http:       cfg.HTTPClient,
		anisette:   anisette,
		rand:       cfg.Rand,
		log:        cfg.Logger,
	}
	if c.serviceURL == "" {
		c.serviceURL = DefaultServiceURL
	}
	if c.authURL == "" {
		c.authURL = DefaultAuthURL
	}
	if c.rand == nil {
		c.rand = rand.Reader
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
	return c, nil
}

// Anisette returns current device-identity data from the client's provider.
func (c *Client) Anisette(ctx context.Context) (*AnisetteData, error) {
	return c.anisette.Anisette(ctx)
}

type gsaStatus struct {
	HTTPStatus   int    `plist:"hsc"`
	ErrorCode    int    `plist:"ec"`
	ErrorMessage string `plist:"em"`
	ErrorDesc    string `plist:"ed"`
	AuthType     string `plist:"au"`
}

func (s gsaStatus) err() error {
	if s.ErrorCode == 0 {
		return nil
	}
	msg := s.ErrorMessage
	if msg == "" {
		msg = s.ErrorDesc
	}
	return &AuthError{Code: s.ErrorCode, Message: msg}
}

type gsaResponse interface {
	status() gsaStatus
}

type initResponse struct {
	Status     gsaStatus `plist:"Status"`
	Iterations int       `plist:"i"`
	Salt       []byte    `plist:"s"`
	Protocol   string    `plist:"sp"`
	Cookie     string    `plist:"c"`
	B          []byte    `plist:"B"`
}

func (r initResponse) status() gsaStatus { return r.Status }

type completeResponse struct {
	Status gsaStatus `plist:"Status"`
	SPD    []byte    `plist:"spd"`
	M2     []byte    `plist:"M2"`
	NP     []byte    `plist:"np"`
}

func (r completeResponse) status() gsaStatus { return r.Status }

type appTokensResponse struct {
	Status gsaStatus `plist:"Status"`
	ET     []byte    `plist:"et"`
}

func (r appTokensResponse) status() gsaStatus { return r.Status }

// postGSA wraps request in the GsService2 envelope, posts it and decodes
// the "Response" dictionary into T.
func postGSA[T gsaResponse](ctx context.Context, c *Client, anisette *AnisetteData, request map[string]interface{}) (T, error) {
	var zero T
	envelope := map[string]interface{}{
		"Header":  map[string]interface{}{"Version": protocolVersion},
		"Request": request,
	}
	body, err := plist.Marshal(envelope, plist.XMLFormat)
	if err != nil {
		return zero, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serviceURL, bytes.NewReader(body))
	if err != nil {
		return zero, err
	}
	req.Header.Set("Content-Type", gsaContentType)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", gsaUserAgent)
	req.Header.Set(hdrClientInfo, anisette.ClientInfo())

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, fmt.Errorf("gsa request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, fmt.Errorf("failed to read gsa response: %w", err)
	}
	var decoded struct {
		Response T `plist:"Response"`
	}
	if _, err := plist.Unmarshal(data, &decoded); err != nil {
		return zero, &AuthError{Message: fmt.Sprintf("malformed response (HTTP %d): %v", resp.StatusCode, err)}
	}
	if err := decoded.Response.status().err(); err != nil {
		return zero, err
	}
	return decoded.Response, nil
}
