// Package codec encrypts credential bundles for storage. Records are sealed
// with XChaCha20-Poly1305 under a key derived (HKDF-SHA256) from the
// configured key material. A codec built without key material generates a
// random key that does not survive a restart.
package codec

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/haukened/ssidrelay/internal/domain"
)

// AlgXChaCha20Poly1305 is the algorithm tag written next to every record.
const AlgXChaCha20Poly1305 = "xchacha20poly1305-hkdf-sha256"

const hkdfInfo = "ssidrelay credential codec v1"

// ErrUndecryptable indicates the record was sealed with another key or
// algorithm, or has been tampered with.
var ErrUndecryptable = errors.New("record cannot be decrypted")

// Record is the at-rest form of a bundle.
type Record struct {
	Algorithm  string
	KeyVersion int
	// Ciphertext is nonce || sealed JSON.
	Ciphertext []byte
}

// Codec is safe for concurrent use.
type Codec struct {
	key        []byte
	keyVersion int
	ephemeral  bool
}

// New builds a Codec from key material. material may be base64 (standard or
// URL alphabet, padded or raw) or any passphrase; either way the AEAD key is
// derived with HKDF. An empty material yields an ephemeral random key and a
// warning on logger (slog.Default() when nil).
func New(material string, keyVersion int, logger *slog.Logger) (*Codec, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if keyVersion <= 0 {
		keyVersion = 1
	}
	c := &Codec{keyVersion: keyVersion}
	material = strings.TrimSpace(material)
	var ikm []byte
	if material == "" {
		ikm = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(ikm); err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		c.ephemeral = true
		logger.Warn("no encryption key configured; using an ephemeral key, stored credentials become unreadable after restart",
			"domain", "codec")
	} else {
		ikm = decodeMaterial(material)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	c.key = key
	return c, nil
}

// decodeMaterial returns the base64-decoded bytes when material is valid
// base64 of at least 16 bytes, else the raw passphrase bytes.
func decodeMaterial(material string) []byte {
	encodings := []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding}
	for _, enc := range encodings {
		if b, err := enc.DecodeString(material); err == nil && len(b) >= 16 {
			return b
		}
	}
	return []byte(material)
}

// Ephemeral reports whether the key was generated at startup.
func (c *Codec) Ephemeral() bool { return c.ephemeral }

// KeyVersion returns the version stamped on new records.
func (c *Codec) KeyVersion() int { return c.keyVersion }

// Encrypt seals the JSON form of b.
func (c *Codec) Encrypt(b domain.Bundle) (Record, error) {
	plain, err := json.Marshal(b)
	if err != nil {
		return Record{}, err
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return Record{}, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return Record{}, err
	}
	return Record{
		Algorithm:  AlgXChaCha20Poly1305,
		KeyVersion: c.keyVersion,
		Ciphertext: aead.Seal(nonce, nonce, plain, nil),
	}, nil
}

// Decrypt opens r and decodes the bundle. Any mismatch yields ErrUndecryptable.
func (c *Codec) Decrypt(r Record) (domain.Bundle, error) {
	if r.Algorithm != AlgXChaCha20Poly1305 {
		return domain.Bundle{}, fmt.Errorf("%w: unknown algorithm %q", ErrUndecryptable, r.Algorithm)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return domain.Bundle{}, err
	}
	if len(r.Ciphertext) < aead.NonceSize()+aead.Overhead() {
		return domain.Bundle{}, fmt.Errorf("%w: short ciphertext", ErrUndecryptable)
	}
	nonce, sealed := r.Ciphertext[:aead.NonceSize()], r.Ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return domain.Bundle{}, ErrUndecryptable
	}
	var b domain.Bundle
	if err := json.Unmarshal(plain, &b); err != nil {
		return domain.Bundle{}, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	return b, nil
}
