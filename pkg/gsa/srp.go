package gsa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

// RFC 5054 2048-bit group, g=2, SHA-256.
var (
	srpN = mustParseBigHex(
		"AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050" +
			"A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50" +
			"E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B8" +
			"55F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773B" +
			"CA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748" +
			"544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6" +
			"AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB6" +
			"94B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73")
	srpG         = big.NewInt(2)
	srpNLenBytes = 2048 / 8
)

// Password protocols offered in the init round.
const (
	protocolS2K   = "s2k"
	protocolS2KFO = "s2k_fo"
)

var errInvalidServerKey = errors.New("srp: invalid server public value")

func mustParseBigHex(s string) *big.Int {
	b, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("srp: bad hex constant for N")
	}
	return b
}

// srpClient is the client half of an SRP-6a exchange. Apple's variant leaves
// the username out of x. Only g is padded to the length of N; A, B and S
// enter every hash as minimal big-endian bytes.
type srpClient struct {
	a  *big.Int
	A  *big.Int
	k  *big.Int
	M1 []byte
	M2 []byte
	K  []byte
}

func newSRPClient(random io.Reader) (*srpClient, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(random, secret); err != nil {
		return nil, fmt.Errorf("srp: failed to generate secret: %w", err)
	}
	a := new(big.Int).SetBytes(secret)
	return &srpClient{
		a: a,
		A: new(big.Int).Exp(srpG, a, srpN),
		k: srpMultiplier(),
	}, nil
}

func (c *srpClient) publicKey() []byte {
	return c.A.Bytes()
}

// processChallenge derives K, M1 and the expected M2 from the server's
// init response.
func (c *srpClient) processChallenge(username string, derivedKey, salt, serverB []byte) error {
	B := new(big.Int).SetBytes(serverB)
	if new(big.Int).Mod(B, srpN).Sign() == 0 {
		return errInvalidServerKey
	}
	u := srpU(c.A, B)
	if u.Sign() == 0 {
		return errInvalidServerKey
	}
	x := srpX(salt, derivedKey)
	c.K = srpHash(srpClientS(c.k, x, c.a, B, u))

	aBytes := c.A.Bytes()
	bBytes := B.Bytes()
	c.M1 = srpM1([]byte(username), salt, aBytes, bBytes, c.K)
	c.M2 = srpM2(aBytes, c.M1, c.K)
	return nil
}

func (c *srpClient) verifyServer(m2 []byte) bool {
	return len(c.M2) > 0 && hmac.Equal(c.M2, m2)
}

// derivePassword turns the raw password into the SRP password input.
// s2k: PBKDF2(SHA256(password)); s2k_fo: PBKDF2(hex(SHA256(password))).
func derivePassword(password string, salt []byte, iterations int, protocol string) ([]byte, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("srp: invalid iteration count %d", iterations)
	}
	digest := sha256.Sum256([]byte(password))
	var input []byte
	switch protocol {
	case protocolS2KFO:
		input = []byte(hex.EncodeToString(digest[:]))
	case protocolS2K, "":
		input = digest[:]
	default:
		return nil, fmt.Errorf("srp: unsupported password protocol %q", protocol)
	}
	return pbkdf2.Key(input, salt, iterations, sha256.Size, sha256.New), nil
}

func padToN(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= srpNLenBytes {
		return b
	}
	padded := make([]byte, srpNLenBytes)
	copy(padded[srpNLenBytes-len(b):], b)
	return padded
}

func srpHash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func hashToInt(h hash.Hash) *big.Int {
	return new(big.Int).SetBytes(h.Sum(nil))
}

// k = H(N | pad(g))
func srpMultiplier() *big.Int {
	h := sha256.New()
	h.Write(srpN.Bytes())
	h.Write(padToN(srpG))
	return hashToInt(h)
}

// x = H(salt | H(":" | derivedKey))
func srpX(salt, derivedKey []byte) *big.Int {
	inner := srpHash([]byte(":"), derivedKey)
	return new(big.Int).SetBytes(srpHash(salt, inner))
}

// u = H(A | B)
func srpU(A, B *big.Int) *big.Int {
	h := sha256.New()
	h.Write(A.Bytes())
	h.Write(B.Bytes())
	return hashToInt(h)
}

// S = (B - k*g^x) ^ (a + u*x) mod N
func srpClientS(k, x, a, B, u *big.Int) []byte {
	kgx := new(big.Int).Mul(k, new(big.Int).Exp(srpG, x, srpN))
	base := new(big.Int).Sub(B, kgx)
	base.Mod(base, srpN)
	exp := new(big.Int).Add(a, new(big.Int).Mul(u, x))
	return new(big.Int).Exp(base, exp, srpN).Bytes()
}

// M1 = H(H(g) XOR H(N) | H(username) | salt | A | B | K)
func srpM1(username, salt, A, B, K []byte) []byte {
	hg := srpHash(padToN(srpG))
	hn := srpHash(srpN.Bytes())
	hxor := make([]byte, len(hg))
	for i := range hg {
		hxor[i] = hg[i] ^ hn[i]
	}
	return srpHash(hxor, srpHash(username), salt, A, B, K)
}

// M2 = H(A | M1 | K)
func srpM2(A, M1, K []byte) []byte {
	return srpHash(A, M1, K)
}
