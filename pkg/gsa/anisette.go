package gsa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	clientTimeFormat  = "2006-01-02T15:04:05Z"
	defaultClientInfo = "<MacBookPro13,2> <macOS;13.1;22C65> <com.apple.AuthKit/1 (com.apple.dt.Xcode/3594.4.19)>"
	defaultLocale     = "en_US"

	// DefaultAnisetteMaxAge is how long fetched device-identity data is reused.
	DefaultAnisetteMaxAge = 60 * time.Second
)

// Header names carried from the device-identity provider into requests.
const (
	hdrClientTime = "X-Apple-I-Client-Time"
	hdrMD         = "X-Apple-I-MD"
	hdrMDLU       = "X-Apple-I-MD-LU"
	hdrMDM        = "X-Apple-I-MD-M"
	hdrMDRInfo    = "X-Apple-I-MD-RINFO"
	hdrSerial     = "X-Apple-I-SRL-NO"
	hdrTimeZone   = "X-Apple-I-TimeZone"
	hdrLocale     = "X-Apple-Locale"
	hdrDeviceID   = "X-Mme-Device-Id"
	hdrClientInfo = "X-Mme-Client-Info"
)

var identityHeaders = []string{
	hdrClientTime, hdrMD, hdrMDLU, hdrMDM, hdrMDRInfo,
	hdrSerial, hdrTimeZone, hdrLocale, hdrDeviceID,
}

// AnisetteData is one snapshot of device-identity headers.
type AnisetteData struct {
	Headers   map[string]string
	FetchedAt time.Time
}

// AnisetteProvider supplies device-identity data. Implementations are
// expected to be safe for concurrent use.
type AnisetteProvider interface {
	Anisette(ctx context.Context) (*AnisetteData, error)
}

// Get looks a header up case-insensitively.
func (d *AnisetteData) Get(name string) string {
	if v, ok := d.Headers[name]; ok {
		return v
	}
	for k, v := range d.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func (d *AnisetteData) Locale() string {
	if l := d.Get(hdrLocale); l != "" {
		return l
	}
	return defaultLocale
}

func (d *AnisetteData) ClientInfo() string {
	if ci := d.Get(hdrClientInfo); ci != "" {
		return ci
	}
	return defaultClientInfo
}

// Apply writes the identity headers, the client info and the Xcode app
// info onto h.
func (d *AnisetteData) Apply(h http.Header) {
	for _, name := range identityHeaders {
		if v := d.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	if h.Get(hdrClientTime) == "" {
		h.Set(hdrClientTime, time.Now().UTC().Format(clientTimeFormat))
	}
	h.Set(hdrClientInfo, d.ClientInfo())
	h.Set("X-Apple-App-Info", XcodeService)
	h.Set("X-Xcode-Version", "11.2 (11B41)")
}

// clientProvidedData renders the "cpd" dictionary sent in GSA bodies.
func (d *AnisetteData) clientProvidedData() map[string]interface{} {
	cpd := map[string]interface{}{
		"bootstrap": true,
		"icscrec":   true,
		"pbe":       false,
		"prkgen":    true,
		"svct":      "iCloud",
		"loc":       d.Locale(),
	}
	for _, name := range identityHeaders {
		if v := d.Get(name); v != "" {
			cpd[name] = v
		}
	}
	if _, ok := cpd[hdrClientTime]; !ok {
		cpd[hdrClientTime] = time.Now().UTC().Format(clientTimeFormat)
	}
	return cpd
}

// StaticAnisette serves fixed headers. Useful with an external generator or
// in tests.
type StaticAnisette struct {
	Headers map[string]string
}

func (s StaticAnisette) Anisette(ctx context.Context) (*AnisetteData, error) {
	headers := make(map[string]string, len(s.Headers))
	for k, v := range s.Headers {
		headers[k] = v
	}
	return &AnisetteData{Headers: headers, FetchedAt: time.Now()}, nil
}

// RemoteAnisette fetches headers from an anisette server that answers a GET
// with a flat JSON object of header names to values.
type RemoteAnisette struct {
	URL    string
	Client *http.Client
}

func (r *RemoteAnisette) Anisette(ctx context.Context) (*AnisetteData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch anisette data: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anisette server returned %s", resp.Status)
	}
	var raw map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode anisette data: %w", err)
	}
	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case float64:
			headers[k] = fmt.Sprintf("%.0f", val)
		case nil:
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	if headers[hdrMD] == "" || headers[hdrMDM] == "" {
		return nil, fmt.Errorf("anisette server response is missing %s/%s", hdrMD, hdrMDM)
	}
	return &AnisetteData{Headers: headers, FetchedAt: time.Now()}, nil
}

// CachingAnisette reuses data from an underlying provider until it is older
// than MaxAge. Concurrent callers share a single refresh.
type CachingAnisette struct {
	Provider AnisetteProvider
	MaxAge   time.Duration

	mu      sync.RWMutex
	current *AnisetteData
	group   singleflight.Group
	now     func() time.Time
}

func NewCachingAnisette(p AnisetteProvider) *CachingAnisette {
	return &CachingAnisette{Provider: p, MaxAge: DefaultAnisetteMaxAge}
}

func (c *CachingAnisette) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *CachingAnisette) Anisette(ctx context.Context) (*AnisetteData, error) {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()
	if cur != nil && c.clock().Sub(cur.FetchedAt) < c.MaxAge {
		return cur, nil
	}
	v, err := shared(ctx, &c.group, "anisette", func(ctx context.Context) (interface{}, error) {
		data, err := c.Provider.Anisette(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.current = data
		c.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AnisetteData), nil
}
