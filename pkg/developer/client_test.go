package developer

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

type staticHeaders struct {
	err error
}

func (s staticHeaders) PortalHeaders(context.Context) (http.Header, error) {
	if s.err != nil {
		return nil, s.err
	}
	h := make(http.Header)
	h.Set("X-Apple-GS-Token", "gs-token")
	h.Set("X-Apple-I-Identity-Id", "000123")
	return h, nil
}

type recorded struct {
	method string
	path   string
	header http.Header
	qh     map[string]interface{}
	v1     map[string]interface{}
}

// fakePortal answers portal calls from a route table and records every
// request it sees.
type fakePortal struct {
	mu     sync.Mutex
	calls  []recorded
	routes map[string]func(r recorded) (int, interface{})
}

func (f *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rec := recorded{method: r.Method, path: r.URL.Path, header: r.Header.Clone()}
	isQH := r.Header.Get("Content-Type") == qhContentType
	if isQH {
		_, _ = plist.Unmarshal(body, &rec.qh)
	} else if len(body) > 0 {
		_ = json.Unmarshal(body, &rec.v1)
	}
	f.mu.Lock()
	f.calls = append(f.calls, rec)
	route := f.routes[r.URL.Path]
	f.mu.Unlock()

	if route == nil {
		http.NotFound(w, r)
		return
	}
	status, reply := route(rec)
	if isQH {
		data, err := plist.Marshal(reply, plist.XMLFormat)
		if err != nil {
			panic(err)
		}
		w.WriteHeader(status)
		_, _ = w.Write(data)
		return
	}
	w.WriteHeader(status)
	if reply != nil {
		_ = json.NewEncoder(w).Encode(reply)
	}
}

func (f *fakePortal) snapshot() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.calls...)
}

func (f *fakePortal) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.method+" "+c.path)
	}
	return out
}

func newPortal(t *testing.T, routes map[string]func(r recorded) (int, interface{})) (*fakePortal, *Client) {
	t.Helper()
	f := &fakePortal{routes: routes}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, mustClient(t, Config{BaseURL: srv.URL, HTTPClient: srv.Client()}, staticHeaders{})
}

func mustClient(t *testing.T, cfg Config, auth HeaderSource) *Client {
	t.Helper()
	c, err := NewClient(cfg, auth)
	require.NoError(t, err)
	return c
}

func ok(fields map[string]interface{}) (int, interface{}) {
	fields["resultCode"] = 0
	return http.StatusOK, fields
}

func TestQHRequestShape(t *testing.T) {
	f, c := newPortal(t, map[string]func(recorded) (int, interface{}){
		"/QH65B2/listTeams.action": func(recorded) (int, interface{}) {
			return ok(map[string]interface{}{
				"teams": []interface{}{
					map[string]interface{}{"teamId": "TEAM123456", "name": "Tim Apple", "type": "Individual", "status": "active"},
				},
			})
		},
	})

	teams, err := c.ListTeams(context.Background())
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, "TEAM123456", teams[0].TeamID)
	assert.Equal(t, "Individual", teams[0].Type)

	require.Len(t, f.snapshot(), 1)
	call := f.snapshot()[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "gs-token", call.header.Get("X-Apple-GS-Token"))
	assert.Equal(t, "000123", call.header.Get("X-Apple-I-Identity-Id"))
	assert.Equal(t, qhContentType, call.header.Get("Accept"))
	id, _ := call.qh["requestId"].(string)
	assert.Regexp(t, regexp.MustCompile(`^[0-9A-F]{8}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{12}$`), id)
}

func TestQHRequestIDsAreUnique(t *testing.T) {
	f, c := newPortal(t, map[string]func(recorded) (int, interface{}){
		"/QH65B2/ios/listDevices.action": func(recorded) (int, interface{}) {
			return ok(map[string]interface{}{"devices": []interface{}{}})
		},
	})
	for i := 0; i < 2; i++ {
		_, err := c.ListDevices(context.Background(), "TEAM123456")
		require.NoError(t, err)
	}
	require.Len(t, f.snapshot(), 2)
	assert.NotEqual(t, f.snapshot()[0].qh["requestId"], f.snapshot()[1].qh["requestId"])
	assert.Equal(t, "TEAM123456", f.snapshot()[0].qh["teamId"])
}

func TestQHResultCodeBecomesPortalError(t *testing.T) {
	tests := []struct {
		name    string
		reply   map[string]interface{}
		code    int64
		message string
		quota   bool
	}{
		{
			name:    "result string",
			reply:   map[string]interface{}{"resultCode": CodeCertificateQuota, "resultString": "too many certificates", "userString": "ignored"},
			code:    CodeCertificateQuota,
			message: "too many certificates",
			quota:   true,
		},
		{
			name:    "user string fallback",
			reply:   map[string]interface{}{"resultCode": 35, "userString": "invalid app id"},
			code:    35,
			message: "invalid app id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newPortal(t, map[string]func(recorded) (int, interface{}){
				"/QH65B2/ios/submitDevelopmentCSR.action": func(recorded) (int, interface{}) {
					return http.StatusOK, tt.reply
				},
			})
			_, err := c.SubmitCSR(context.Background(), "TEAM123456", []byte("csr"), "go-sideload")
			var pe *PortalError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, tt.message, pe.Message)
			assert.Equal(t, tt.quota, IsQuotaExceeded(err))
		})
	}
}

func TestSubmitCSRBody(t *testing.T) {
	f, c := newPortal(t, map[string]func(recorded) (int, interface{}){
		"/QH65B2/ios/submitDevelopmentCSR.action": func(recorded) (int, interface{}) {
			return ok(map[string]interface{}{
				"certRequest": map[string]interface{}{"certificateId": "CERT1", "serialNumber": "0A1B"},
			})
		},
	})
	req, err := c.SubmitCSR(context.Background(), "TEAM123456", []byte("-----BEGIN CERTIFICATE REQUEST-----"), "my-mac")
	require.NoError(t, err)
	assert.Equal(t, "CERT1", req.CertificateID)

	body := f.snapshot()[0].qh
	assert.Equal(t, "-----BEGIN CERTIFICATE REQUEST-----", body["csrContent"])
	assert.Equal(t, "my-mac", body["machineName"])
	assert.NotEmpty(t, body["machineId"])
}

func TestV1MethodOverride(t *testing.T) {
	f, c := newPortal(t, map[string]func(recorded) (int, interface{}){
		"/v1/capabilities": func(recorded) (int, interface{}) {
			return http.StatusOK, map[string]interface{}{
				"data": []interface{}{
					map[string]interface{}{
						"id": "APP_GROUPS",
						"attributes": map[string]interface{}{
							"entitlements": []interface{}{
								map[string]interface{}{"profileKey": "com.apple.security.application-groups"},
							},
						},
					},
				},
			}
		},
	})

	caps, err := c.ListCapabilities(context.Background(), "TEAM123456")
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, []string{"com.apple.security.application-groups"}, caps[0].EntitlementKeys())

	call := f.snapshot()[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "GET", call.header.Get("X-HTTP-Method-Override"))
	assert.Equal(t, "application/vnd.api+json", call.header.Get("Content-Type"))
	assert.Equal(t, "XMLHttpRequest", call.header.Get("X-Requested-With"))
	assert.Equal(t, "filter[platform]=IOS", call.v1["urlEncodedQueryParams"])
	assert.Equal(t, "TEAM123456", call.v1["teamId"])
}

func TestV1ErrorArray(t *testing.T) {
	_, c := newPortal(t, map[string]func(recorded) (int, interface{}){
		"/v1/bundleIds": func(recorded) (int, interface{}) {
			return http.StatusConflict, map[string]interface{}{
				"errors": []interface{}{
					map[string]interface{}{"status": "409", "detail": "identifier in use"},
					map[string]interface{}{"status": "500", "detail": "second"},
				},
			}
		},
	})
	_, err := c.ListBundleIDs(context.Background(), "TEAM123456")
	var pe *PortalError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, int64(409), pe.Code)
	assert.Equal(t, "identifier in use", pe.Message)
	assert.False(t, IsQuotaExceeded(err))
}

func TestUpdateBundleIDCapabilities(t *testing.T) {
	f, c := newPortal(t, map[string]func(recorded) (int, interface{}){
		"/v1/bundleIds": func(recorded) (int, interface{}) {
			return http.StatusOK, map[string]interface{}{
				"data": []interface{}{
					map[string]interface{}{"id": "OTHER", "attributes": map[string]interface{}{"identifier": "com.other"}},
					map[string]interface{}{"id": "B42", "attributes": map[string]interface{}{
						"identifier": "com.foo.app", "seedId": "TEAM123456", "name": "Foo",
					}},
				},
			}
		},
		"/v1/bundleIds/B42": func(r recorded) (int, interface{}) {
			return http.StatusOK, map[string]interface{}{
				"data": map[string]interface{}{"id": "B42", "attributes": map[string]interface{}{"identifier": "com.foo.app"}},
			}
		},
	})

	b, err := c.UpdateBundleIDCapabilities(context.Background(), "TEAM123456", "com.foo.app", []string{"APP_GROUPS", "PUSH"})
	require.NoError(t, err)
	assert.Equal(t, "B42", b.ID)
	assert.Equal(t, []string{"POST /v1/bundleIds", "PATCH /v1/bundleIds/B42"}, f.paths())

	patch := f.snapshot()[1]
	assert.Empty(t, patch.header.Get("X-HTTP-Method-Override"))
	data := patch.v1["data"].(map[string]interface{})
	assert.Equal(t, "bundleIds", data["type"])
	attrs := data["attributes"].(map[string]interface{})
	assert.Equal(t, "TEAM123456", attrs["teamId"])
	assert.Equal(t, "TEAM123456", attrs["seedId"])
	rel := data["relationships"].(map[string]interface{})["bundleIdCapabilities"].(map[string]interface{})["data"].([]interface{})
	require.Len(t, rel, 2)
	first := rel[0].(map[string]interface{})
	assert.Equal(t, "bundleIdCapabilities", first["type"])
	capRef := first["relationships"].(map[string]interface{})["capability"].(map[string]interface{})["data"].(map[string]interface{})
	assert.Equal(t, "APP_GROUPS", capRef["id"])
}

func TestUpdateBundleIDCapabilitiesUnknown(t *testing.T) {
	_, c := newPortal(t, map[string]func(recorded) (int, interface{}){
		"/v1/bundleIds": func(recorded) (int, interface{}) {
			return http.StatusOK, map[string]interface{}{"data": []interface{}{}}
		},
	})
	_, err := c.UpdateBundleIDCapabilities(context.Background(), "TEAM123456", "com.foo.app", []string{"PUSH"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureAppID(t *testing.T) {
	existing := []interface{}{
		map[string]interface{}{"appIdId": "A1", "identifier": "com.foo.app.TEAM123456", "name": "Foo"},
	}
	f, c := newPortal(t, map[string]func(recorded) (int, interface{}){
		"/QH65B2/ios/listAppIds.action": func(recorded) (int, interface{}) {
			return ok(map[string]interface{}{"appIds": existing})
		},
		"/QH65B2/ios/addAppId.action": func(r recorded) (int, interface{}) {
			return ok(map[string]interface{}{
				"appId": map[string]interface{}{"appIdId": "A2", "identifier": r.qh["identifier"], "name": r.qh["name"]},
			})
		},
	})

	got, err := c.EnsureAppID(context.Background(), "TEAM123456", "Foo", "com.foo.app.TEAM123456")
	require.NoError(t, err)
	assert.Equal(t, "A1", got.AppIDID)

	got, err = c.EnsureAppID(context.Background(), "TEAM123456", `Foo: the "App".`, "com.foo.widget")
	require.NoError(t, err)
	assert.Equal(t, "A2", got.AppIDID)
	assert.Equal(t, "Foo the App", got.Name)
	assert.Equal(t, []string{
		"POST /QH65B2/ios/listAppIds.action",
		"POST /QH65B2/ios/listAppIds.action",
		"POST /QH65B2/ios/addAppId.action",
	}, f.paths())
}

func TestAssignAppGroupsSendsArray(t *testing.T) {
	f, c := newPortal(t, map[string]func(recorded) (int, interface{}){
		"/QH65B2/ios/assignApplicationGroupToAppId.action": func(recorded) (int, interface{}) {
			return ok(map[string]interface{}{})
		},
	})
	require.NoError(t, c.AssignAppGroups(context.Background(), "TEAM123456", "A1", []string{"G1", "G2"}))
	assert.Equal(t, []interface{}{"G1", "G2"}, f.snapshot()[0].qh["applicationGroups"])
}

func TestDownloadProfile(t *testing.T) {
	_, c := newPortal(t, map[string]func(recorded) (int, interface{}){
		"/QH65B2/ios/downloadTeamProvisioningProfile.action": func(r recorded) (int, interface{}) {
			return ok(map[string]interface{}{
				"provisioningProfile": map[string]interface{}{
					"provisioningProfileId": "P1",
					"name":                  "iOS Team Provisioning Profile: " + r.qh["appIdId"].(string),
					"encodedProfile":        []byte("profile-bytes"),
				},
			})
		},
	})
	p, err := c.DownloadProfile(context.Background(), "TEAM123456", "A1")
	require.NoError(t, err)
	assert.Equal(t, "P1", p.ProfileID)
	assert.Equal(t, []byte("profile-bytes"), p.Encoded)
}

func TestHeaderSourceFailure(t *testing.T) {
	f := &fakePortal{}
	srv := httptest.NewServer(f)
	defer srv.Close()
	boom := errors.New("token refresh failed")
	c := mustClient(t, Config{BaseURL: srv.URL, HTTPClient: srv.Client()}, staticHeaders{err: boom})

	_, err := c.ListTeams(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.snapshot())
}

func TestHTTPFailureWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := mustClient(t, Config{BaseURL: srv.URL, HTTPClient: srv.Client()}, staticHeaders{})

	_, err := c.ListTeams(context.Background())
	var pe *PortalError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, int64(http.StatusServiceUnavailable), pe.Code)

	_, err = c.ListBundleIDs(context.Background(), "TEAM123456")
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, int64(http.StatusServiceUnavailable), pe.Code)
}

func TestDefaultTransportTrustsOnlyAnchors(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/x-xml-plist")
		data, _ := plist.Marshal(map[string]interface{}{"resultCode": 0, "teams": []interface{}{}}, plist.XMLFormat)
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	// The test server's certificate is not part of the Apple pool.
	c := mustClient(t, Config{BaseURL: srv.URL}, staticHeaders{})
	_, err := c.ListTeams(context.Background())
	var unknown x509.UnknownAuthorityError
	assert.ErrorAs(t, err, &unknown)

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	c = mustClient(t, Config{BaseURL: srv.URL, TrustAnchors: pool}, staticHeaders{})
	_, err = c.ListTeams(context.Background())
	assert.NoError(t, err)
}

func TestRateLimitHonoursContext(t *testing.T) {
	_, c := newPortal(t, map[string]func(recorded) (int, interface{}){
		"/QH65B2/listTeams.action": func(recorded) (int, interface{}) {
			return ok(map[string]interface{}{"teams": []interface{}{}})
		},
	})
	limited := mustClient(t, Config{BaseURL: c.base, HTTPClient: c.http, RateLimit: 0.001}, staticHeaders{})

	_, err := limited.ListTeams(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = limited.ListTeams(ctx)
	assert.Error(t, err)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "MyApp 2", sanitizeName(`My/App: 2.`))
	assert.Equal(t, "plain", sanitizeName("plain"))
}
