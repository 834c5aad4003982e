package credstore

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"
)

// Sealer encrypts provider keys before a persistent store writes them and
// decrypts them on read.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// AgeSealer seals with an age X25519 identity. Ciphertext is stored as
// standard base64 so it fits a text column.
type AgeSealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeSealer parses an AGE-SECRET-KEY-1... identity.
func NewAgeSealer(identity string) (*AgeSealer, error) {
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &AgeSealer{identity: id, recipient: id.Recipient()}, nil
}

// GenerateAgeIdentity returns a fresh identity string, for `cloudrelay keygen`
// and tests.
func GenerateAgeIdentity() (identity string, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age identity: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

// Recipient returns the public half, safe to log.
func (s *AgeSealer) Recipient() string { return s.recipient.String() }

// Seal encrypts plaintext to the sealer's own recipient.
func (s *AgeSealer) Seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts a value produced by Seal.
func (s *AgeSealer) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed credential: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting sealed credential: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted credential: %w", err)
	}
	return plaintext, nil
}
