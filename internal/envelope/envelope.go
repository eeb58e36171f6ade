// Package envelope checks the shape of sealed message bodies. It never opens
// them: sealing and opening happen on the clients with NaCl box.
package envelope

import (
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/pliu/murmur/internal/models"
)

const (
	NonceSize     = 24
	PublicKeySize = 32

	// MaxCiphertextBytes bounds a single decoded ciphertext.
	MaxCiphertextBytes = 48 * 1024
)

var ErrInvalid = errors.New("invalid envelope")

// ValidateSealed checks that s looks like the output of box.Seal.
func ValidateSealed(s models.Sealed) error {
	nonce, err := decode(s.Nonce)
	if err != nil {
		return fmt.Errorf("%w: nonce: %v", ErrInvalid, err)
	}
	if len(nonce) != NonceSize {
		return fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrInvalid, NonceSize, len(nonce))
	}
	ct, err := decode(s.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: ciphertext: %v", ErrInvalid, err)
	}
	if len(ct) < box.Overhead {
		return fmt.Errorf("%w: ciphertext shorter than box overhead", ErrInvalid)
	}
	if len(ct) > MaxCiphertextBytes {
		return fmt.Errorf("%w: ciphertext too large", ErrInvalid)
	}
	return nil
}

// ValidatePublicKey checks a base64 curve25519 public key.
func ValidatePublicKey(key string) error {
	raw, err := decode(key)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", ErrInvalid, err)
	}
	if len(raw) != PublicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalid, PublicKeySize, len(raw))
	}
	return nil
}

// Validate checks both envelopes and the sender key of a message body.
func Validate(b models.SealedBody) error {
	if err := ValidateSealed(b.Recipient); err != nil {
		return fmt.Errorf("recipient envelope: %w", err)
	}
	if err := ValidateSealed(b.Self); err != nil {
		return fmt.Errorf("self envelope: %w", err)
	}
	return ValidatePublicKey(b.SenderPublicKey)
}

func decode(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty")
	}
	return base64.StdEncoding.DecodeString(s)
}
