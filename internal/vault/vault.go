// Package vault encrypts transfer payloads for temporary storage.
//
// A sealed payload is the CBOR encoding of a Bundle, encrypted with
// XChaCha20-Poly1305 and stored as unpadded base64url text:
//
//	[Version: 1 byte] [Nonce: 24 bytes] [Ciphertext+Tag]
//
// The version byte is authenticated as additional data.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size in bytes of the derived payload key.
	KeySize = chacha20poly1305.KeySize

	// BlobVersion prefixes every sealed payload.
	BlobVersion byte = 0x01

	blobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

// hkdfInfo separates the payload key from anything else derived from the same secret.
var hkdfInfo = []byte("exchange_gateway.vault.payload.v1")

// ErrEmptySecret is returned by New when no secret is configured.
var ErrEmptySecret = errors.New("vault: encryption secret is empty")

// CryptoError reports a serialization or authentication failure. It is
// never retryable: the same ciphertext fails the same way every time.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto %s failed: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Vault seals and opens bundles under a key fixed at construction.
type Vault struct {
	aead cipher.AEAD
}

// New derives the payload key from secret with HKDF-SHA256.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("deriving payload key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt serializes b and seals it into a storable string.
func (v *Vault) Encrypt(b Bundle) (string, error) {
	plaintext, err := encMode.Marshal(b)
	if err != nil {
		return "", &CryptoError{Op: "encode", Err: err}
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", &CryptoError{Op: "encrypt", Err: fmt.Errorf("generating random nonce: %w", err)}
	}

	aad := []byte{BlobVersion}

	output := make([]byte, 1+len(nonce), blobOverhead+len(plaintext))
	output[0] = BlobVersion
	copy(output[1:], nonce[:])
	output = v.aead.Seal(output, nonce[:], plaintext, aad)

	return base64.RawURLEncoding.EncodeToString(output), nil
}

// Decrypt opens a string produced by Encrypt. Malformed input and
// authentication failures are reported as *CryptoError.
func (v *Vault) Decrypt(sealed string) (Bundle, error) {
	blob, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return Bundle{}, &CryptoError{Op: "decrypt", Err: fmt.Errorf("malformed ciphertext: %w", err)}
	}

	if len(blob) < blobOverhead {
		return Bundle{}, &CryptoError{
			Op:  "decrypt",
			Err: fmt.Errorf("ciphertext is %d bytes, minimum is %d", len(blob), blobOverhead),
		}
	}

	if blob[0] != BlobVersion {
		return Bundle{}, &CryptoError{Op: "decrypt", Err: fmt.Errorf("unsupported ciphertext version %d", blob[0])}
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]

	plaintext, err := v.aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], blob[:1])
	if err != nil {
		return Bundle{}, &CryptoError{Op: "decrypt", Err: err}
	}

	var b Bundle
	if err := decMode.Unmarshal(plaintext, &b); err != nil {
		return Bundle{}, &CryptoError{Op: "decode", Err: err}
	}

	return b, nil
}

// Verify reports whether sealed opens under the vault key.
func (v *Vault) Verify(sealed string) error {
	_, err := v.Decrypt(sealed)

	return err
}
