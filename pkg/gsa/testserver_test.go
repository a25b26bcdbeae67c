package gsa

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

type randReader struct{}

func (randReader) Read(p []byte) (int, error) { return rand.Read(p) }

// testSRPServer is the server half of SRP-6a written from the textbook
// formulas: B = kv + g^b, S = (A * v^u)^b.
type testSRPServer struct {
	salt []byte
	v    *big.Int
	b    *big.Int
	B    *big.Int
}

func newTestSRPServer(t *testing.T, password string, salt []byte, iterations int) *testSRPServer {
	t.Helper()
	key, err := derivePassword(password, salt, iterations, protocolS2K)
	require.NoError(t, err)
	inner := sha256.Sum256(append([]byte(":"), key...))
	outer := sha256.Sum256(append(append([]byte{}, salt...), inner[:]...))
	x := new(big.Int).SetBytes(outer[:])
	v := new(big.Int).Exp(srpG, x, srpN)

	secret := make([]byte, 32)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	b := new(big.Int).SetBytes(secret)

	kHash := sha256.Sum256(append(srpN.Bytes(), padToN(srpG)...))
	k := new(big.Int).SetBytes(kHash[:])
	B := new(big.Int).Mul(k, v)
	B.Add(B, new(big.Int).Exp(srpG, b, srpN))
	B.Mod(B, srpN)
	return &testSRPServer{salt: salt, v: v, b: b, B: B}
}

func (s *testSRPServer) publicKey() []byte { return s.B.Bytes() }

func (s *testSRPServer) verify(username string, aBytes, m1 []byte) (K, M2 []byte, ok bool) {
	A := new(big.Int).SetBytes(aBytes)
	uHash := sha256.Sum256(append(A.Bytes(), s.B.Bytes()...))
	u := new(big.Int).SetBytes(uHash[:])
	S := new(big.Int).Exp(s.v, u, srpN)
	S.Mul(S, A)
	S = S.Exp(S, s.b, srpN)
	kSum := sha256.Sum256(S.Bytes())
	K = kSum[:]

	hg := sha256.Sum256(padToN(srpG))
	hn := sha256.Sum256(srpN.Bytes())
	hu := sha256.Sum256([]byte(username))
	h := sha256.New()
	for i := range hg {
		h.Write([]byte{hg[i] ^ hn[i]})
	}
	h.Write(hu[:])
	h.Write(s.salt)
	h.Write(A.Bytes())
	h.Write(s.B.Bytes())
	h.Write(K)
	expected := h.Sum(nil)
	if !bytes.Equal(expected, m1) {
		return nil, nil, false
	}
	m2 := sha256.New()
	m2.Write(A.Bytes())
	m2.Write(m1)
	m2.Write(K)
	return K, m2.Sum(nil), true
}

func encryptSessionData(t *testing.T, K, plain []byte) []byte {
	t.Helper()
	key, iv := sessionCipherParams(K)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	n := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(n)}, n)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func sealAppTokens(t *testing.T, sk, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(sk)
	require.NoError(t, err)
	gcm, err := cipher.NewGCMWithNonceSize(block, appTokenIVLen)
	require.NoError(t, err)
	iv := make([]byte, appTokenIVLen)
	_, err = rand.Read(iv)
	require.NoError(t, err)
	out := append([]byte(appTokenMagic), iv...)
	return gcm.Seal(out, iv, plain, []byte(appTokenMagic))
}

// fakeGSA emulates GsService2 plus the /auth two-factor endpoints.
type fakeGSA struct {
	t          *testing.T
	username   string
	password   string
	salt       []byte
	iterations int
	sessionKey []byte

	// secondary is "", "secondaryAuth" or "trustedDeviceSecondaryAuth"
	secondary string
	smsCode   string
	// extraStep, when set, is returned as the au marker on every round
	extraStep string
	withPET   bool

	mu        sync.Mutex
	srv       *testSRPServer
	clientA   []byte
	verified  bool
	smsPhone  int
	logins    int
	tokenHits int32
	// tokenGate, when set, holds app token responses until it is closed
	tokenGate chan struct{}
}

func newFakeGSA(t *testing.T) *fakeGSA {
	sk := make([]byte, 32)
	_, err := rand.Read(sk)
	require.NoError(t, err)
	return &fakeGSA{
		t:          t,
		username:   "user@example.com",
		password:   "hunter2",
		salt:       []byte("0123456789abcdef"),
		iterations: 1000,
		sessionKey: sk,
		smsCode:    "123456",
	}
}

func (f *fakeGSA) start() (*httptest.Server, *Client) {
	srv := httptest.NewServer(f)
	f.t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		ServiceURL: srv.URL + "/grandslam/GsService2",
		AuthURL:    srv.URL + "/auth",
		HTTPClient: srv.Client(),
	}, StaticAnisette{Headers: map[string]string{
		"X-Apple-I-MD":   "md",
		"X-Apple-I-MD-M": "mdm",
		"X-Apple-Locale": "en_US",
	}})
	require.NoError(f.t, err)
	return srv, c
}

func (f *fakeGSA) writePlist(w http.ResponseWriter, v interface{}) {
	data, err := plist.Marshal(v, plist.XMLFormat)
	require.NoError(f.t, err)
	w.Header().Set("Content-Type", "text/x-xml-plist")
	_, _ = w.Write(data)
}

func status(ec int, em string) map[string]interface{} {
	return map[string]interface{}{"ec": ec, "em": em, "hsc": 200}
}

func (f *fakeGSA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/grandslam/GsService2" && r.Method == http.MethodPost:
		f.serveGsService(w, r)
	case r.URL.Path == "/grandslam/GsService2/validate":
		if r.Header.Get("X-Apple-Identity-Token") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("security-code") != f.smsCode {
			f.writePlist(w, map[string]interface{}{"ec": -21669, "em": "Incorrect verification code."})
			return
		}
		f.mu.Lock()
		f.verified = true
		f.mu.Unlock()
		f.writePlist(w, map[string]interface{}{"ec": 0})
	case r.URL.Path == "/auth/verify/trusteddevice":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/auth" && r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"trustedPhoneNumbers":[{"id":3,"numberWithDialCode":"+1 (•••) •••-••42","lastTwoDigits":"42","pushMode":"sms"}]}`)
	case r.URL.Path == "/auth/verify/phone/" && r.Method == http.MethodPut:
		var body PhoneVerification
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Mode != "sms" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.smsPhone = body.PhoneNumber.ID
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/auth/verify/phone/securitycode" && r.Method == http.MethodPost:
		var body PhoneVerification
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SecurityCode == nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body.SecurityCode.Code != f.smsCode || body.PhoneNumber.ID != f.smsPhone {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.verified = true
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeGSA) serveGsService(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)
	var env struct {
		Header  map[string]interface{} `plist:"Header"`
		Request map[string]interface{} `plist:"Request"`
	}
	_, err = plist.Unmarshal(data, &env)
	require.NoError(f.t, err)
	req := env.Request

	switch req["o"] {
	case "init":
		if req["u"] != f.username {
			f.writePlist(w, map[string]interface{}{"Response": map[string]interface{}{"Status": status(-20101, "Your Apple ID or password was entered incorrectly.")}})
			return
		}
		f.mu.Lock()
		f.srv = newTestSRPServer(f.t, f.password, f.salt, f.iterations)
		f.clientA, _ = req["A2k"].([]byte)
		srv := f.srv
		f.mu.Unlock()
		f.writePlist(w, map[string]interface{}{"Response": map[string]interface{}{
			"Status": status(0, ""),
			"s":      f.salt,
			"B":      srv.publicKey(),
			"i":      f.iterations,
			"c":      "cookie",
			"sp":     "s2k",
		}})
	case "complete":
		f.mu.Lock()
		srv := f.srv
		f.mu.Unlock()
		m1, _ := req["M1"].([]byte)
		f.mu.Lock()
		clientA := f.clientA
		f.mu.Unlock()
		K, M2, ok := srv.verify(f.username, clientA, m1)
		if !ok {
			f.writePlist(w, map[string]interface{}{"Response": map[string]interface{}{"Status": status(-20101, "Your Apple ID or password was entered incorrectly.")}})
			return
		}
		f.mu.Lock()
		f.logins++
		verified := f.verified
		f.mu.Unlock()

		spd := map[string]interface{}{
			"adsid":       "000123",
			"GsIdmsToken": "idms-token",
			"sk":          f.sessionKey,
			"c":           []byte("session-cookie"),
			"fn":          "Tim",
			"ln":          "Apple",
		}
		if f.withPET {
			spd["t"] = map[string]interface{}{petTokenName: map[string]interface{}{"token": "pet-token", "duration": 300}}
		}
		plain, err := plist.Marshal(spd, plist.XMLFormat)
		require.NoError(f.t, err)
		st := status(0, "")
		switch {
		case f.extraStep != "":
			st["au"] = f.extraStep
		case f.secondary != "" && !verified:
			st["au"] = f.secondary
		}
		f.writePlist(w, map[string]interface{}{"Response": map[string]interface{}{
			"Status": st,
			"M2":     M2,
			"spd":    encryptSessionData(f.t, K, plain),
			"np":     []byte("np"),
		}})
	case "apptokens":
		atomic.AddInt32(&f.tokenHits, 1)
		f.mu.Lock()
		gate := f.tokenGate
		f.mu.Unlock()
		if gate != nil {
			<-gate
		}
		time.Sleep(20 * time.Millisecond)
		apps, _ := req["app"].([]interface{})
		service, _ := apps[0].(string)
		checksum, _ := req["checksum"].([]byte)
		if !bytes.Equal(checksum, appTokenChecksum(f.sessionKey, "000123", service)) {
			f.writePlist(w, map[string]interface{}{"Response": map[string]interface{}{"Status": status(-22406, "bad checksum")}})
			return
		}
		plain, err := plist.Marshal(map[string]interface{}{
			"t": map[string]interface{}{service: map[string]interface{}{
				"token":    "token-" + service,
				"duration": 3600,
				"expiry":   time.Now().Add(time.Hour).UnixMilli(),
			}},
		}, plist.XMLFormat)
		require.NoError(f.t, err)
		f.writePlist(w, map[string]interface{}{"Response": map[string]interface{}{
			"Status": status(0, ""),
			"et":     sealAppTokens(f.t, f.sessionKey, plain),
		}})
	default:
		http.Error(w, fmt.Sprintf("unknown operation %v", req["o"]), http.StatusBadRequest)
	}
}
