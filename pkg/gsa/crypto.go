package gsa

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	extraDataKeyLabel = "extra data key:"
	extraDataIVLabel  = "extra data iv:"

	appTokenMagic = "XYZ"
	appTokenIVLen = 16
)

func hmacSHA256(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// sessionCipherParams derives the AES-256-CBC key and IV that protect the
// server provided data from the SRP session key K.
func sessionCipherParams(K []byte) (key, iv []byte) {
	key = hmacSHA256(K, []byte(extraDataKeyLabel))
	iv = hmacSHA256(K, []byte(extraDataIVLabel))[:aes.BlockSize]
	return key, iv
}

func decryptSessionData(K, data []byte) ([]byte, error) {
	key, iv := sessionCipherParams(K)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("session data length %d is not a multiple of the block size", len(data))
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return pkcs7Unpad(out)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	if !bytes.Equal(data[len(data)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, errors.New("invalid padding")
	}
	return data[:len(data)-n], nil
}

// appTokenChecksum authenticates an apptokens request for one service.
func appTokenChecksum(sessionKey []byte, dsid, service string) []byte {
	return hmacSHA256(sessionKey, []byte("apptokens"), []byte(dsid), []byte(service))
}

// decryptAppTokens opens an "et" blob: "XYZ" | 16-byte IV | ciphertext | tag,
// sealed with AES-256-GCM under the session key and "XYZ" as associated data.
func decryptAppTokens(sessionKey, et []byte) ([]byte, error) {
	if len(sessionKey) != 32 {
		return nil, &TokenDecryptionError{Err: fmt.Errorf("session key is %d bytes", len(sessionKey))}
	}
	if len(et) < len(appTokenMagic)+appTokenIVLen+16 {
		return nil, &TokenDecryptionError{Err: errors.New("encrypted token too short")}
	}
	header := et[:len(appTokenMagic)]
	if string(header) != appTokenMagic {
		return nil, &TokenDecryptionError{Err: errors.New("encrypted token is in an unknown format")}
	}
	iv := et[len(appTokenMagic) : len(appTokenMagic)+appTokenIVLen]
	sealed := et[len(appTokenMagic)+appTokenIVLen:]

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, &TokenDecryptionError{Err: err}
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, appTokenIVLen)
	if err != nil {
		return nil, &TokenDecryptionError{Err: err}
	}
	plain, err := gcm.Open(nil, iv, sealed, header)
	if err != nil {
		return nil, &TokenDecryptionError{Err: err}
	}
	return plain, nil
}
