package provision

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"

	"github.com/aluedeke/go-sideload/internal/atomicfile"
)

// EmbeddedName is the file a profile is written to inside a bundle.
const EmbeddedName = "embedded.mobileprovision"

const (
	keyApplicationIdentifier = "application-identifier"
	keyKeychainGroups        = "keychain-access-groups"
	keyTeamIdentifier        = "com.apple.developer.team-identifier"
)

var teamPrefix = regexp.MustCompile(`^[A-Z0-9]{10}\.`)

// Profile is a parsed .mobileprovision. The raw container is kept so it
// can be embedded verbatim; Entitlements may be mutated in memory.
type Profile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`

	raw []byte
}

// Parse decodes a .mobileprovision. The payload is taken from the CMS
// container; when the container does not parse, the XML plist is located
// by scanning for its opening and closing tags.
func Parse(data []byte) (*Profile, error) {
	payload, err := payloadOf(data)
	if err != nil {
		return nil, err
	}

	p := &Profile{raw: append([]byte(nil), data...)}
	if _, err := plist.Unmarshal(payload, p); err != nil {
		return nil, &Error{Reason: "unparseable profile plist", Err: err}
	}
	if p.Entitlements == nil {
		return nil, &Error{Reason: "profile has no entitlements"}
	}
	return p, nil
}

// Load reads and parses the profile at path.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Reason: "reading " + path, Err: err}
	}
	return Parse(data)
}

func payloadOf(data []byte) ([]byte, error) {
	if p7, err := pkcs7.Parse(data); err == nil && len(p7.Content) > 0 {
		return p7.Content, nil
	}
	start := bytes.Index(data, []byte("<plist"))
	end := bytes.LastIndex(data, []byte("</plist>"))
	if start < 0 || end < start {
		return nil, &Error{Reason: "no plist payload in profile"}
	}
	return data[start : end+len("</plist>")], nil
}

// Bytes returns the container exactly as it was parsed.
func (p *Profile) Bytes() []byte { return p.raw }

// TeamID returns the first team identifier, falling back to the app id prefix.
func (p *Profile) TeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// ApplicationIdentifier returns the prefixed application-identifier entitlement.
func (p *Profile) ApplicationIdentifier() string {
	s, _ := p.Entitlements[keyApplicationIdentifier].(string)
	return s
}

// BundleID is the application identifier without its team prefix. A
// wildcard profile yields "*".
func (p *Profile) BundleID() string {
	id := p.ApplicationIdentifier()
	if id == "" || len(p.ApplicationIdentifierPrefix) == 0 {
		return id
	}
	if rest, ok := strings.CutPrefix(id, p.ApplicationIdentifierPrefix[0]); ok {
		return strings.TrimLeft(rest, ".")
	}
	return id
}

// IsExpired reports whether the profile has expired at now.
func (p *Profile) IsExpired(now time.Time) bool {
	return now.After(p.ExpirationDate)
}

// IsDeviceAllowed reports whether udid may run builds signed with the profile.
func (p *Profile) IsDeviceAllowed(udid string) bool {
	if p.ProvisionsAllDevices {
		return true
	}
	for _, d := range p.ProvisionedDevices {
		if d == udid {
			return true
		}
	}
	return false
}

// Certificates parses the developer certificates the profile trusts.
func (p *Profile) Certificates() ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(p.DeveloperCertificates))
	for i, der := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, &Error{Reason: fmt.Sprintf("developer certificate %d", i), Err: err}
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// MatchesCertificate reports whether cert is one of the profile's
// developer certificates.
func (p *Profile) MatchesCertificate(cert *x509.Certificate) bool {
	for _, der := range p.DeveloperCertificates {
		if bytes.Equal(der, cert.Raw) {
			return true
		}
	}
	return false
}

// Clone returns a copy whose entitlements can be mutated independently.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Entitlements = copyValue(p.Entitlements).(map[string]interface{})
	return &c
}

// ReplaceWildcard substitutes bundleID for every "*" in top-level string
// and string-array entitlement values.
func (p *Profile) ReplaceWildcard(bundleID string) {
	for k, v := range p.Entitlements {
		switch val := v.(type) {
		case string:
			p.Entitlements[k] = strings.ReplaceAll(val, "*", bundleID)
		case []interface{}:
			for i, item := range val {
				if s, ok := item.(string); ok {
					val[i] = strings.ReplaceAll(s, "*", bundleID)
				}
			}
		}
	}
}

// MergeKeychainGroups takes the keychain access groups declared by a
// binary. When the profile names a team, every group carrying a
// ten-character team prefix is moved onto that team. A nil binary has no
// entitlements at all and leaves the profile untouched.
func (p *Profile) MergeKeychainGroups(binary map[string]interface{}) {
	if binary == nil {
		return
	}
	if groups, ok := binary[keyKeychainGroups].([]interface{}); ok {
		p.Entitlements[keyKeychainGroups] = copyValue(groups)
	}
	team, _ := p.Entitlements[keyTeamIdentifier].(string)
	if team == "" {
		return
	}
	groups, ok := p.Entitlements[keyKeychainGroups].([]interface{})
	if !ok {
		return
	}
	for i, g := range groups {
		if s, ok := g.(string); ok && teamPrefix.MatchString(s) {
			groups[i] = team + "." + s[11:]
		}
	}
}

// EntitlementsXML renders the current entitlements as an XML plist.
func (p *Profile) EntitlementsXML() ([]byte, error) {
	return MarshalEntitlements(p.Entitlements)
}

// Embed writes the profile into bundleDir as embedded.mobileprovision.
func (p *Profile) Embed(bundleDir string) error {
	if err := atomicfile.WriteFile(filepath.Join(bundleDir, EmbeddedName), p.raw, 0o644); err != nil {
		return &Error{Reason: "embedding profile", Err: err}
	}
	return nil
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			m[k] = copyValue(item)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, item := range val {
			s[i] = copyValue(item)
		}
		return s
	default:
		return v
	}
}
