package gsa

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"howett.net/plist"
)

const petTokenName = "com.apple.gs.idms.pet"

type gsaToken struct {
	Token    string `plist:"token"`
	Duration int64  `plist:"duration"`
	Expiry   int64  `plist:"expiry"`
}

// serverData is the decrypted "spd" dictionary of a complete round.
type serverData struct {
	ADSID       string              `plist:"adsid"`
	IdmsToken   string              `plist:"GsIdmsToken"`
	SessionKey  []byte              `plist:"sk"`
	Cookie      []byte              `plist:"c"`
	FirstName   string              `plist:"fn"`
	LastName    string              `plist:"ln"`
	AccountName string              `plist:"acname"`
	Tokens      map[string]gsaToken `plist:"t"`
}

func parseServerData(data []byte) (*serverData, error) {
	var spd serverData
	if _, err := plist.Unmarshal(data, &spd); err != nil {
		return nil, err
	}
	if spd.ADSID == "" || spd.IdmsToken == "" {
		return nil, errors.New("server data is missing account identifiers")
	}
	return &spd, nil
}

func (d *serverData) identityToken() string {
	return base64.StdEncoding.EncodeToString([]byte(d.ADSID + ":" + d.IdmsToken))
}

func (d *serverData) pet() string {
	return d.Tokens[petTokenName].Token
}

// Session is a fully authenticated Apple ID session. It is only ever handed
// out once login reached LoggedIn, and it is safe for concurrent use.
type Session struct {
	client   *Client
	username string
	data     *serverData
	vault    *Vault
}

func newSession(c *Client, username string, data *serverData) *Session {
	s := &Session{client: c, username: username, data: data}
	s.vault = newVault(s)
	return s
}

func (s *Session) Username() string { return s.username }

// DSID returns the alternate directory services id (adsid).
func (s *Session) DSID() string { return s.data.ADSID }

func (s *Session) FirstName() string { return s.data.FirstName }

func (s *Session) LastName() string { return s.data.LastName }

func (s *Session) DisplayName() string {
	return strings.TrimSpace(s.data.FirstName + " " + s.data.LastName)
}

// IdentityToken is base64("adsid:GsIdmsToken").
func (s *Session) IdentityToken() string { return s.data.identityToken() }

// PET returns the password equivalent token, if the server issued one.
func (s *Session) PET() string { return s.data.pet() }

// Tokens returns the session's app token vault.
func (s *Session) Tokens() *Vault { return s.vault }

// AppToken fetches (or reuses) the token for one service.
func (s *Session) AppToken(ctx context.Context, service string) (*AppToken, error) {
	return s.vault.Token(ctx, service)
}

// PortalHeaders returns the headers every developer portal request
// carries: account id, Xcode app token, device identity and locale.
func (s *Session) PortalHeaders(ctx context.Context) (http.Header, error) {
	token, err := s.AppToken(ctx, XcodeService)
	if err != nil {
		return nil, err
	}
	anisette, err := s.client.Anisette(ctx)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	anisette.Apply(h)
	h.Set("X-Apple-I-Identity-Id", s.data.ADSID)
	h.Set("X-Apple-GS-Token", token.Token)
	h.Set("X-Apple-Locale", anisette.Locale())
	h.Set("User-Agent", "Xcode")
	h.Set("Accept-Language", "en-us")
	return h, nil
}
