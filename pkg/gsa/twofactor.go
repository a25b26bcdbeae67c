package gsa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"howett.net/plist"
)

// PhoneVerification is the SMS context threaded from RequestSMS to
// VerifySMS.
type PhoneVerification struct {
	PhoneNumber  PhoneID       `json:"phoneNumber"`
	Mode         string        `json:"mode"`
	SecurityCode *SecurityCode `json:"securityCode,omitempty"`
}

type PhoneID struct {
	ID int `json:"id"`
}

type SecurityCode struct {
	Code string `json:"code"`
}

// TrustedPhoneNumber is one phone the account can receive codes on.
type TrustedPhoneNumber struct {
	ID                 int    `json:"id"`
	NumberWithDialCode string `json:"numberWithDialCode"`
	LastTwoDigits      string `json:"lastTwoDigits"`
	PushMode           string `json:"pushMode"`
}

// AuthExtras is the account's second-factor metadata.
type AuthExtras struct {
	TrustedPhoneNumbers []TrustedPhoneNumber `json:"trustedPhoneNumbers"`
	RecoveryURL         string               `json:"recoveryUrl,omitempty"`
	CantUsePhoneURL     string               `json:"cantUsePhoneNumberUrl,omitempty"`
	DontHaveAccessURL   string               `json:"dontHaveAccessUrl,omitempty"`
}

const defaultPhoneID = 1

func (f *Flow) twoFactorRequest(ctx context.Context, method, url string, body []byte, sms bool) (*http.Request, error) {
	if f.data == nil {
		return nil, fmt.Errorf("%w: no server data yet", ErrWrongState)
	}
	anisette, err := f.client.Anisette(ctx)
	if err != nil {
		return nil, err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	anisette.Apply(req.Header)
	if sms {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
	} else {
		req.Header.Set("Content-Type", gsaContentType)
		req.Header.Set("Accept", gsaContentType)
	}
	req.Header.Set("User-Agent", "Xcode")
	req.Header.Set("Accept-Language", "en-us")
	req.Header.Set("X-Apple-Identity-Token", f.data.identityToken())
	req.Header.Set("Loc", anisette.Locale())
	return req, nil
}

func (f *Flow) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := f.client.http.Do(req)
	if err != nil {
		return nil, nil, &TwoFactorError{Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &TwoFactorError{Err: err}
	}
	return resp, data, nil
}

// RequestDevicePush asks Apple to push a code to trusted devices.
func (f *Flow) RequestDevicePush(ctx context.Context) error {
	if err := f.expect(NeedsDevice2FA); err != nil {
		return err
	}
	req, err := f.twoFactorRequest(ctx, http.MethodGet, f.client.authURL+"/verify/trusteddevice", nil, false)
	if err != nil {
		return err
	}
	resp, _, err := f.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TwoFactorError{Err: fmt.Errorf("trusted device push rejected: %s", resp.Status)}
	}
	f.state = Needs2FAVerification
	return nil
}

// Verify submits a trusted-device code. On success another password round
// is required.
func (f *Flow) Verify(ctx context.Context, code string) error {
	if err := f.expect(Needs2FAVerification); err != nil {
		return err
	}
	req, err := f.twoFactorRequest(ctx, http.MethodGet, f.client.serviceURL+"/validate", nil, false)
	if err != nil {
		return err
	}
	req.Header.Set("security-code", code)
	_, data, err := f.do(req)
	if err != nil {
		return err
	}
	var result map[string]interface{}
	if _, err := plist.Unmarshal(data, &result); err != nil {
		return &TwoFactorError{Err: fmt.Errorf("malformed validate response: %w", err)}
	}
	if err := statusFromDict(result); err != nil {
		return &TwoFactorError{Err: err}
	}
	f.state = NeedsLogin
	return nil
}

// RequestSMS asks Apple to text a code to the given trusted phone.
func (f *Flow) RequestSMS(ctx context.Context, phoneID int) error {
	if err := f.expect(NeedsSMS2FA); err != nil {
		return err
	}
	body := &PhoneVerification{PhoneNumber: PhoneID{ID: phoneID}, Mode: "sms"}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := f.twoFactorRequest(ctx, http.MethodPut, f.client.authURL+"/verify/phone/", payload, true)
	if err != nil {
		return err
	}
	resp, _, err := f.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TwoFactorError{Err: fmt.Errorf("sms request rejected: %s", resp.Status)}
	}
	f.phone = body
	f.state = NeedsSMS2FAVerification
	return nil
}

// VerifySMS submits the texted code. On success another password round is
// required.
func (f *Flow) VerifySMS(ctx context.Context, code string) error {
	if err := f.expect(NeedsSMS2FAVerification); err != nil {
		return err
	}
	body := *f.phone
	body.SecurityCode = &SecurityCode{Code: code}
	payload, err := json.Marshal(&body)
	if err != nil {
		return err
	}
	req, err := f.twoFactorRequest(ctx, http.MethodPost, f.client.authURL+"/verify/phone/securitycode", payload, true)
	if err != nil {
		return err
	}
	resp, _, err := f.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &TwoFactorError{Err: ErrBadCode}
	}
	f.phone = nil
	f.state = NeedsLogin
	return nil
}

// AuthExtras fetches trusted phone numbers. A 201 answer means Apple
// already texted the first phone; the flow moves to
// NeedsSMS2FAVerification in that case.
func (f *Flow) AuthExtras(ctx context.Context) (*AuthExtras, error) {
	if err := f.expect(NeedsSMS2FA, NeedsDevice2FA); err != nil {
		return nil, err
	}
	req, err := f.twoFactorRequest(ctx, http.MethodGet, f.client.authURL, nil, true)
	if err != nil {
		return nil, err
	}
	resp, data, err := f.do(req)
	if err != nil {
		return nil, err
	}
	var extras AuthExtras
	if err := json.Unmarshal(data, &extras); err != nil {
		return nil, &TwoFactorError{Err: fmt.Errorf("malformed auth extras: %w", err)}
	}
	if resp.StatusCode == http.StatusCreated && len(extras.TrustedPhoneNumbers) > 0 {
		f.phone = &PhoneVerification{PhoneNumber: PhoneID{ID: extras.TrustedPhoneNumbers[0].ID}, Mode: "sms"}
		f.state = NeedsSMS2FAVerification
	}
	return &extras, nil
}

func (f *Flow) defaultPhoneID(ctx context.Context) int {
	extras, err := f.AuthExtras(ctx)
	if err != nil {
		f.client.log.Debug().Err(err).Msg("auth extras unavailable, using default phone")
		return defaultPhoneID
	}
	if len(extras.TrustedPhoneNumbers) > 0 {
		return extras.TrustedPhoneNumbers[0].ID
	}
	return defaultPhoneID
}

// statusFromDict checks ec/em in a "Status" sub-dictionary or at the top
// level.
func statusFromDict(d map[string]interface{}) error {
	if status, ok := d["Status"].(map[string]interface{}); ok {
		d = status
	}
	code, ok := toInt(d["ec"])
	if !ok || code == 0 {
		return nil
	}
	msg, _ := d["em"].(string)
	return &AuthError{Code: code, Message: msg}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}
