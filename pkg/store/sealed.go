// Copyright 2024-2026 Aiku AI

package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"filippo.io/age"
)

// Sealer encrypts credential blobs to a local age identity.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewSealer wraps an existing identity.
func NewSealer(identity *age.X25519Identity) *Sealer {
	return &Sealer{identity: identity, recipient: identity.Recipient()}
}

// LoadOrCreateSealer reads an age identity from path, generating and saving a
// new one when the file does not exist.
func LoadOrCreateSealer(path string) (*Sealer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		identity, genErr := age.GenerateX25519Identity()
		if genErr != nil {
			return nil, fmt.Errorf("failed to generate age identity: %w", genErr)
		}
		if err = writeFileAtomic(path, []byte(identity.String()+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("failed to save age identity: %w", err)
		}
		return NewSealer(identity), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read age identity: %w", err)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse age identity: %w", err)
	}
	return NewSealer(identity), nil
}

// Recipient returns the public key blobs are sealed to.
func (s *Sealer) Recipient() string {
	return s.recipient.String()
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to create age encryptor: %w", err)
	}
	if _, err = w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to write to age encryptor: %w", err)
	}
	if err = w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize age encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plaintext, nil
}
