package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"time"
)

const (
	// IVSize is the AES-GCM nonce length.
	IVSize = 12

	// SaltSize is the length of the per-entry salt recorded in each
	// envelope. The salt is stored but does not take part in decryption.
	SaltSize = 16

	// KeySize is the required vault key length (AES-256).
	KeySize = 32
)

// Envelope is the at-rest form of one entry.
type Envelope struct {
	Ciphertext []byte
	IV         []byte
	Salt       []byte
	Timestamp  int64 // unix milliseconds
}

// sealer encrypts and decrypts envelopes with AES-256-GCM.
type sealer struct {
	aead cipher.AEAD
	rand io.Reader
	now  func() time.Time
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &sealer{aead: aead, rand: rand.Reader, now: time.Now}, nil
}

// additionalData binds a ciphertext to its partition and key, so an
// envelope copied to another row fails authentication.
func additionalData(p Partition, key string) []byte {
	aad := make([]byte, 0, len(p.Name())+1+len(key))
	aad = append(aad, p.Name()...)
	aad = append(aad, 0)
	aad = append(aad, key...)
	return aad
}

func (s *sealer) seal(p Partition, key string, plaintext []byte) (Envelope, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return Envelope{}, fmt.Errorf("failed to generate iv: %w", err)
	}
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(s.rand, salt); err != nil {
		return Envelope{}, fmt.Errorf("failed to generate salt: %w", err)
	}

	return Envelope{
		Ciphertext: s.aead.Seal(nil, iv, plaintext, additionalData(p, key)),
		IV:         iv,
		Salt:       salt,
		Timestamp:  s.now().UnixMilli(),
	}, nil
}

func (s *sealer) open(p Partition, key string, env Envelope) ([]byte, error) {
	if len(env.IV) != IVSize {
		return nil, fmt.Errorf("invalid iv length %d", len(env.IV))
	}
	plaintext, err := s.aead.Open(nil, env.IV, env.Ciphertext, additionalData(p, key))
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}
