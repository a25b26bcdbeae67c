package gsa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"howett.net/plist"
)

// expirySkew refreshes tokens slightly before the server says they expire.
const expirySkew = time.Minute

// AppToken is a service scoped credential minted from the session key. It
// lives in memory only.
type AppToken struct {
	Service string
	Token   string
	Expiry  time.Time
}

func (t *AppToken) valid(now time.Time) bool {
	return t.Expiry.IsZero() || now.Add(expirySkew).Before(t.Expiry)
}

// Vault caches app tokens per service for one session. Reads are shared;
// a refresh for a given service is done by exactly one caller while the
// others wait for its result.
type Vault struct {
	session *Session

	mu     sync.RWMutex
	tokens map[string]*AppToken
	group  singleflight.Group
	now    func() time.Time
}

func newVault(s *Session) *Vault {
	return &Vault{session: s, tokens: make(map[string]*AppToken), now: time.Now}
}

// Token returns a valid token for service, fetching one if needed.
func (v *Vault) Token(ctx context.Context, service string) (*AppToken, error) {
	v.mu.RLock()
	tok := v.tokens[service]
	v.mu.RUnlock()
	if tok != nil && tok.valid(v.now()) {
		return tok, nil
	}
	res, err := shared(ctx, &v.group, service, func(ctx context.Context) (interface{}, error) {
		tok, err := v.fetch(ctx, service)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.tokens[service] = tok
		v.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*AppToken), nil
}

// shared runs fn once for all concurrent callers of key. fn gets a context
// that keeps the caller's values but not its cancellation, so one caller
// giving up does not fail the others; each caller stops waiting when its
// own ctx is done.
func shared(ctx context.Context, g *singleflight.Group, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := g.DoChan(key, func() (interface{}, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget drops a cached token, e.g. after the portal rejected it.
func (v *Vault) Forget(service string) {
	v.mu.Lock()
	delete(v.tokens, service)
	v.mu.Unlock()
}

func (v *Vault) fetch(ctx context.Context, service string) (*AppToken, error) {
	s := v.session
	c := s.client
	anisette, err := c.Anisette(ctx)
	if err != nil {
		return nil, err
	}
	if len(s.data.SessionKey) == 0 || len(s.data.Cookie) == 0 {
		return nil, &TokenDecryptionError{Err: errors.New("session has no key material")}
	}
	request := map[string]interface{}{
		"app":      []string{service},
		"c":        s.data.Cookie,
		"checksum": appTokenChecksum(s.data.SessionKey, s.data.ADSID, service),
		"cpd":      anisette.clientProvidedData(),
		"o":        "apptokens",
		"t":        s.data.IdmsToken,
		"u":        s.data.ADSID,
	}
	c.log.Debug().Str("service", service).Msg("requesting app token")
	resp, err := postGSA[appTokensResponse](ctx, c, anisette, request)
	if err != nil {
		return nil, err
	}
	if len(resp.ET) == 0 {
		return nil, &TokenDecryptionError{Err: errors.New("response has no encrypted token")}
	}
	plain, err := decryptAppTokens(s.data.SessionKey, resp.ET)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Tokens map[string]gsaToken `plist:"t"`
	}
	if _, err := plist.Unmarshal(plain, &decoded); err != nil {
		return nil, &TokenDecryptionError{Err: fmt.Errorf("malformed token payload: %w", err)}
	}
	entry, ok := decoded.Tokens[service]
	if !ok || entry.Token == "" {
		return nil, &TokenDecryptionError{Err: fmt.Errorf("no token for %s in payload", service)}
	}
	tok := &AppToken{Service: service, Token: entry.Token}
	if entry.Expiry > 0 {
		tok.Expiry = time.UnixMilli(entry.Expiry)
	}
	return tok, nil
}
