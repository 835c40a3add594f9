// Package envelope authenticates and decrypts the encrypted resource data
// attached to presence change notifications.
//
// The format is fixed by the presence service: the symmetric key is wrapped
// with RSA-OAEP, the ciphertext is AES-CBC with PKCS#7 padding and an IV equal
// to the first 16 bytes of the key, and the integrity tag is a base64
// HMAC-SHA256 of the ciphertext keyed with the same symmetric key.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"presence-indicator/pkg/presence"
)

const ivSize = aes.BlockSize

// Unwrapper resolves the private key named by an envelope and unwraps its data key.
type Unwrapper interface {
	Unwrap(certificateID, thumbprint, wrappedKey string) ([]byte, error)
}

// Decryptor runs the full unwrap, verify, decrypt and parse pipeline.
// It holds no per-envelope state and is safe for concurrent use.
type Decryptor struct {
	keys Unwrapper
}

// New creates a Decryptor backed by keys.
func New(keys Unwrapper) *Decryptor {
	return &Decryptor{keys: keys}
}

// Open decrypts one envelope. The unwrapped key is wiped before returning.
func (d *Decryptor) Open(env presence.EncryptedEnvelope) (presence.Record, error) {
	key, err := d.keys.Unwrap(env.EncryptionCertificateID, env.EncryptionCertificateThumbprint, env.DataKey)
	if err != nil {
		if KindOf(err) == KindNone {
			err = Fail(KindUnwrap, err)
		}
		return presence.Record{}, err
	}
	defer Wipe(key)

	return Open(env, key)
}

// Open verifies env against key and decrypts it into a presence record.
// Decryption is attempted only after the integrity tag matches.
func Open(env presence.EncryptedEnvelope, key []byte) (presence.Record, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return presence.Record{}, Fail(KindMalformed, fmt.Errorf("decode data: %w", err))
	}

	if !Verify(ciphertext, key, env.DataSignature) {
		return presence.Record{}, Fail(KindIntegrity, errors.New("data signature mismatch"))
	}

	plaintext, err := Decrypt(ciphertext, key)
	if err != nil {
		return presence.Record{}, Fail(KindDecrypt, err)
	}
	defer Wipe(plaintext)

	rec, err := ParseRecord(plaintext)
	if err != nil {
		return presence.Record{}, Fail(KindMalformed, err)
	}
	return rec, nil
}

// Sign returns the base64 HMAC-SHA256 of ciphertext under key.
func Sign(ciphertext, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(ciphertext)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify compares the recomputed tag with signature in constant time.
func Verify(ciphertext, key []byte, signature string) bool {
	expected := Sign(ciphertext, key)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Decrypt performs AES-CBC decryption with IV = key[:16] and strips PKCS#7 padding.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(key) < ivSize {
		return nil, fmt.Errorf("key too short for iv: %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes key: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a positive multiple of %d", len(ciphertext), aes.BlockSize)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, key[:ivSize]).CryptBlocks(out, ciphertext)

	unpadded, err := unpad(out)
	if err != nil {
		Wipe(out)
		return nil, err
	}
	return unpadded, nil
}

// Encrypt is the inverse of Decrypt. The presence service is the only real
// producer of envelopes; this exists for fixtures and round-trip checks.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	if len(key) < ivSize {
		return nil, fmt.Errorf("key too short for iv: %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes key: %w", err)
	}
	n := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(bytes.Clone(plaintext), bytes.Repeat([]byte{byte(n)}, n)...)
	cipher.NewCBCEncrypter(block, key[:ivSize]).CryptBlocks(padded, padded)
	return padded, nil
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}

// ParseRecord extracts availability and activity from decrypted resource JSON.
func ParseRecord(plaintext []byte) (presence.Record, error) {
	if !utf8.Valid(plaintext) {
		return presence.Record{}, errors.New("payload is not valid utf-8")
	}
	var raw struct {
		Availability *string `json:"availability"`
		Activity     *string `json:"activity"`
	}
	if err := json.Unmarshal(plaintext, &raw); err != nil {
		return presence.Record{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if raw.Availability == nil || *raw.Availability == "" {
		return presence.Record{}, errors.New("payload missing availability")
	}
	if raw.Activity == nil {
		return presence.Record{}, errors.New("payload missing activity")
	}
	return presence.Record{Availability: *raw.Availability, Activity: *raw.Activity}, nil
}

// Wipe zeroes b.
func Wipe(b []byte) {
	clear(b)
}
