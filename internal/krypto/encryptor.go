package krypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnknownKey is returned when a message was encrypted with a key
	// the Encryptor does not have.
	ErrUnknownKey = errors.New("unknown key")
	// ErrInvalidData is returned for empty plaintext and malformed messages.
	ErrInvalidData = errors.New("invalid data")
)

const (
	formatV1 byte = 1
	// headerLen is the format byte followed by a big endian uint16 key index.
	headerLen = 3
)

// Encryptor encrypts personal data at rest with AES-256-GCM.
//
// Keys form an append only list, new data is always encrypted with the
// last key. Every message starts with a header naming the format and the
// index of the key, so data encrypted with older keys stays readable
// after a new key is appended. The header is not secret but it is
// authenticated.
type Encryptor struct {
	aeads []cipher.AEAD
}

// NewEncryptor creates an Encryptor for the given keys, oldest first.
func NewEncryptor(keys []Key) (*Encryptor, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one key is required")
	}

	if len(keys) > math.MaxUint16+1 {
		return nil, fmt.Errorf("at most %d keys are supported, got %d", math.MaxUint16+1, len(keys))
	}

	aeads := make([]cipher.AEAD, 0, len(keys))
	for i, k := range keys {
		block, err := aes.NewCipher(k.value)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}

		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}

		aeads = append(aeads, gcm)
	}

	return &Encryptor{aeads: aeads}, nil
}

// Encrypt encrypts data with the latest key.
func (e *Encryptor) Encrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidData
	}

	index := len(e.aeads) - 1
	gcm := e.aeads[index]

	header := []byte{formatV1, 0, 0}
	binary.BigEndian.PutUint16(header[1:], uint16(index))

	nonce, err := randBytes(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	msg := make([]byte, 0, headerLen+len(nonce)+len(data)+gcm.Overhead())
	msg = append(msg, header...)
	msg = append(msg, nonce...)
	return gcm.Seal(msg, nonce, data, header), nil
}

// Decrypt decrypts a message created by Encrypt, using the key named in its header.
func (e *Encryptor) Decrypt(msg []byte) ([]byte, error) {
	if len(msg) < headerLen || msg[0] != formatV1 {
		return nil, ErrInvalidData
	}

	index := int(binary.BigEndian.Uint16(msg[1:headerLen]))
	if index >= len(e.aeads) {
		return nil, fmt.Errorf("%w: index %d", ErrUnknownKey, index)
	}

	gcm := e.aeads[index]
	nonceEnd := headerLen + gcm.NonceSize()
	if len(msg) <= nonceEnd {
		return nil, ErrInvalidData
	}

	data, err := gcm.Open(nil, msg[headerLen:nonceEnd], msg[nonceEnd:], msg[:headerLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidData, err)
	}

	return data, nil
}
