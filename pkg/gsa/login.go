package gsa

import (
	"context"
	"fmt"
)

// LoginState is the position of a login in the two-factor state machine.
type LoginState int

const (
	// NeedsLogin means a password round is due: initially, after a
	// rejected password, or after a two-factor code was accepted.
	NeedsLogin LoginState = iota
	NeedsDevice2FA
	Needs2FAVerification
	NeedsSMS2FA
	NeedsSMS2FAVerification
	NeedsExtraStep
	LoggedIn
)

// NeedsPasswordRetry is the state after a failed password round.
const NeedsPasswordRetry = NeedsLogin

func (s LoginState) String() string {
	switch s {
	case NeedsLogin:
		return "NeedsLogin"
	case NeedsDevice2FA:
		return "NeedsDevice2FA"
	case Needs2FAVerification:
		return "Needs2FAVerification"
	case NeedsSMS2FA:
		return "NeedsSMS2FA"
	case NeedsSMS2FAVerification:
		return "NeedsSMS2FAVerification"
	case NeedsExtraStep:
		return "NeedsExtraStep"
	case LoggedIn:
		return "LoggedIn"
	}
	return fmt.Sprintf("LoginState(%d)", int(s))
}

// secondary auth markers in Status.au
const (
	authTrustedDevice = "trustedDeviceSecondaryAuth"
	authSecondary     = "secondaryAuth"
)

// Flow drives one Apple ID login. A Flow is owned by a single goroutine.
type Flow struct {
	client   *Client
	username string
	password string

	state     LoginState
	extraStep string
	phone     *PhoneVerification
	data      *serverData
}

// NewFlow prepares a login without contacting the server.
func (c *Client) NewFlow(username, password string) *Flow {
	return &Flow{client: c, username: username, password: password, state: NeedsLogin}
}

func (f *Flow) State() LoginState { return f.state }

// ExtraStep is the server's tag when State is NeedsExtraStep.
func (f *Flow) ExtraStep() string { return f.extraStep }

// Phone is the pending SMS context when State is NeedsSMS2FAVerification.
func (f *Flow) Phone() *PhoneVerification { return f.phone }

func (f *Flow) expect(states ...LoginState) error {
	for _, s := range states {
		if f.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrWrongState, f.state)
}

// Login runs the two SRP rounds with the flow's credentials.
func (f *Flow) Login(ctx context.Context) error {
	if err := f.expect(NeedsLogin); err != nil {
		return err
	}
	c := f.client
	log := c.log.With().Str("user", f.username).Logger()

	anisette, err := c.Anisette(ctx)
	if err != nil {
		return err
	}
	srp, err := newSRPClient(c.rand)
	if err != nil {
		return &AuthError{Message: err.Error()}
	}

	log.Debug().Msg("gsa init")
	challenge, err := postGSA[initResponse](ctx, c, anisette, map[string]interface{}{
		"A2k": srp.publicKey(),
		"cpd": anisette.clientProvidedData(),
		"o":   "init",
		"ps":  []string{protocolS2K, protocolS2KFO},
		"u":   f.username,
	})
	if err != nil {
		return err
	}
	if len(challenge.Salt) == 0 || len(challenge.B) == 0 || challenge.Cookie == "" {
		return &AuthError{Message: "init response is missing salt, server key or cookie"}
	}

	key, err := derivePassword(f.password, challenge.Salt, challenge.Iterations, challenge.Protocol)
	if err != nil {
		return &AuthError{Message: err.Error()}
	}
	if err := srp.processChallenge(f.username, key, challenge.Salt, challenge.B); err != nil {
		return &AuthError{Message: err.Error()}
	}

	log.Debug().Msg("gsa complete")
	complete, err := postGSA[completeResponse](ctx, c, anisette, map[string]interface{}{
		"M1":  srp.M1,
		"c":   challenge.Cookie,
		"cpd": anisette.clientProvidedData(),
		"o":   "complete",
		"u":   f.username,
	})
	if err != nil {
		return err
	}
	if !srp.verifyServer(complete.M2) {
		return &AuthError{Message: "server proof mismatch"}
	}
	plain, err := decryptSessionData(srp.K, complete.SPD)
	if err != nil {
		return &AuthError{Message: fmt.Sprintf("failed to decrypt server data: %v", err)}
	}
	data, err := parseServerData(plain)
	if err != nil {
		return &AuthError{Message: fmt.Sprintf("malformed server data: %v", err)}
	}

	f.data = data
	f.phone = nil
	f.extraStep = ""
	switch au := complete.Status.AuthType; au {
	case "":
		f.state = LoggedIn
	case authTrustedDevice:
		f.state = NeedsDevice2FA
	case authSecondary:
		f.state = NeedsSMS2FA
	default:
		f.state = NeedsExtraStep
		f.extraStep = au
	}
	log.Debug().Stringer("state", f.state).Msg("password round done")
	return nil
}

// Session returns the authenticated session once the flow is LoggedIn.
func (f *Flow) Session() (*Session, error) {
	if f.state != LoggedIn || f.data == nil {
		return nil, ErrNotLoggedIn
	}
	return newSession(f.client, f.username, f.data), nil
}

// Credentials supplies an Apple ID and password. It may block.
type Credentials func(ctx context.Context) (username, password string, err error)

// CodePrompt supplies a two-factor code. It may block until a human answers
// and should return ctx.Err() once ctx is done.
type CodePrompt func(ctx context.Context) (string, error)

// Login authenticates, walking every two-factor step the server asks for.
// A nil session is returned on any failure, including cancellation while
// waiting for a code.
func (c *Client) Login(ctx context.Context, creds Credentials, prompt CodePrompt) (*Session, error) {
	username, password, err := creds(ctx)
	if err != nil {
		return nil, &AuthError{Message: fmt.Sprintf("failed to get Apple ID credentials: %v", err)}
	}
	f := c.NewFlow(username, password)
	if err := f.Login(ctx); err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, &TwoFactorError{Err: err}
		}
		switch f.State() {
		case LoggedIn:
			return f.Session()
		case NeedsLogin:
			err = f.Login(ctx)
		case NeedsDevice2FA:
			err = f.RequestDevicePush(ctx)
		case Needs2FAVerification:
			var code string
			if code, err = askCode(ctx, prompt); err == nil {
				err = f.Verify(ctx, code)
			}
		case NeedsSMS2FA:
			// auth extras may already have moved the flow on
			id := f.defaultPhoneID(ctx)
			if f.State() == NeedsSMS2FA {
				err = f.RequestSMS(ctx, id)
			}
		case NeedsSMS2FAVerification:
			var code string
			if code, err = askCode(ctx, prompt); err == nil {
				err = f.VerifySMS(ctx, code)
			}
		case NeedsExtraStep:
			if f.data != nil && f.data.pet() != "" {
				f.state = LoggedIn
				continue
			}
			return nil, &UnsupportedStepError{Step: f.ExtraStep()}
		}
		if err != nil {
			return nil, err
		}
	}
}

func askCode(ctx context.Context, prompt CodePrompt) (string, error) {
	if prompt == nil {
		return "", &TwoFactorError{Err: fmt.Errorf("no code prompt configured")}
	}
	code, err := prompt(ctx)
	if err != nil {
		return "", &TwoFactorError{Err: err}
	}
	return code, nil
}
