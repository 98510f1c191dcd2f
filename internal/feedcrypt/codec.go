// Package feedcrypt decrypts the incident feed's encrypted envelope.
//
// The upstream aggregator encrypts payloads CryptoJS-style: a 32-byte AES key
// derived from a shared secret and a per-message salt via OpenSSL's legacy
// EVP_BytesToKey construction over MD5, then AES-256-CBC with an explicit IV.
// The key derivation must be reproduced bit-for-bit; substituting a modern KDF
// makes the feed unreadable.
package feedcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const keyLen = 32

// Envelope is the encrypted wrapper returned by the incident feed.
type Envelope struct {
	CipherText string `json:"ct"` // base64
	IV         string `json:"iv"` // hex
	Salt       string `json:"s"`  // hex
}

// DecryptionError reports a malformed envelope or wrong key material, with
// enough shape detail to diagnose feed drift from logs.
type DecryptionError struct {
	Stage string
	Err   error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt envelope: %s: %v", e.Stage, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Codec decrypts feed envelopes with a fixed shared secret.
type Codec struct {
	secret []byte
}

// New creates a Codec for the given shared secret.
func New(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Decrypt opens an envelope and returns the plaintext JSON. The upstream
// encoder wraps the payload in a stray layer of JSON string quoting; that
// artifact is stripped here so callers can unmarshal directly.
func (c *Codec) Decrypt(env Envelope) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(env.CipherText)
	if err != nil {
		return nil, &DecryptionError{Stage: "decode ciphertext", Err: err}
	}
	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, &DecryptionError{Stage: "decode iv", Err: err}
	}
	salt, err := hex.DecodeString(env.Salt)
	if err != nil {
		return nil, &DecryptionError{Stage: "decode salt", Err: err}
	}

	if len(iv) != aes.BlockSize {
		return nil, &DecryptionError{Stage: "decode iv", Err: fmt.Errorf("iv is %d bytes, want %d", len(iv), aes.BlockSize)}
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, &DecryptionError{Stage: "decode ciphertext", Err: fmt.Errorf("ciphertext length %d is not a positive multiple of %d", len(ct), aes.BlockSize)}
	}

	block, err := aes.NewCipher(deriveKey(c.secret, salt))
	if err != nil {
		return nil, &DecryptionError{Stage: "init cipher", Err: err}
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	plain, err = stripPKCS7(plain)
	if err != nil {
		return nil, &DecryptionError{Stage: "unpad", Err: err}
	}

	return stripQuoteArtifact(plain), nil
}

// deriveKey reproduces OpenSSL's EVP_BytesToKey with MD5 and one iteration:
// repeatedly hash previousDigest || secret || salt until keyLen bytes of key
// material are produced.
func deriveKey(secret, salt []byte) []byte {
	var key, prev []byte
	for len(key) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write(secret)
		h.Write(salt)
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:keyLen]
}

func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}

// stripQuoteArtifact unwraps the extra JSON-string layer the upstream encoder
// leaves on the plaintext: a leading/trailing quote with inner quotes escaped.
func stripQuoteArtifact(plain []byte) []byte {
	s := string(plain)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return plain
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		return []byte(unquoted)
	}
	// Fall back to naive stripping when the payload contains escapes
	// strconv.Unquote rejects.
	s = s[1 : len(s)-1]
	s = strings.ReplaceAll(s, `\"`, `"`)
	return []byte(s)
}
