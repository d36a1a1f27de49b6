package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the derived symmetric key length in bytes (AES-256).
	KeySize = 32
	// IVSize is the AES-GCM initialization vector length in bytes.
	IVSize = 12
	// TagSize is the AES-GCM authentication tag length in bytes.
	TagSize = 16
	// NonceSize is the length in bytes of the locally generated HKDF salt.
	NonceSize = 16

	// MaxPlaintextSize bounds a single message (1MB) to prevent excessive
	// memory usage.
	MaxPlaintextSize = 1024 * 1024
)

// NewKeyMaterial pairs a well-known block hash with a fresh random nonce.
// The block hash must be a non-empty hex string; the nonce is generated
// locally so the resulting key is unique to this message.
func NewKeyMaterial(blockHash string) (KeyMaterial, error) {
	if _, err := decodeNonEmptyHex(blockHash); err != nil {
		return KeyMaterial{}, fmt.Errorf("%w: block hash: %v", ErrKeyMaterial, err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return KeyMaterial{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return KeyMaterial{
		BlockHash: blockHash,
		Nonce:     hex.EncodeToString(nonce),
	}, nil
}

// DeriveKey computes the per-message symmetric key: HKDF-SHA-256 with the
// block hash as the secret input, the nonce as the salt, and the block hash
// as the info parameter. Both peers hold both values, so both arrive at the
// same 32-byte key without the relay ever seeing it.
//
// Key material that does not decode, or a derivation that cannot produce
// exactly KeySize bytes, is a protocol violation and is rejected.
func DeriveKey(km KeyMaterial) ([KeySize]byte, error) {
	var key [KeySize]byte

	blockHash, err := decodeNonEmptyHex(km.BlockHash)
	if err != nil {
		return key, fmt.Errorf("%w: block hash: %v", ErrKeyMaterial, err)
	}
	nonce, err := decodeNonEmptyHex(km.Nonce)
	if err != nil {
		return key, fmt.Errorf("%w: nonce: %v", ErrKeyMaterial, err)
	}

	reader := hkdf.New(sha256.New, blockHash, nonce, blockHash)
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return [KeySize]byte{}, fmt.Errorf("%w: derivation yielded short key", ErrKeyMaterial)
	}

	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random IV and
// returns the IV, authentication tag and ciphertext separately, matching
// the envelope wire shape.
func Encrypt(key [KeySize]byte, plaintext []byte) (iv [IVSize]byte, tag [TagSize]byte, ciphertext []byte, err error) {
	if len(plaintext) == 0 {
		err = errors.New("empty plaintext")
		return
	}
	if len(plaintext) > MaxPlaintextSize {
		err = fmt.Errorf("plaintext too large: %d bytes (max %d)", len(plaintext), MaxPlaintextSize)
		return
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return
	}

	if _, err = rand.Read(iv[:]); err != nil {
		return
	}

	sealed := gcm.Seal(nil, iv[:], plaintext, nil)

	// gcm.Seal appends the tag to the ciphertext; the wire carries them
	// separately.
	split := len(sealed) - TagSize
	ciphertext = sealed[:split]
	copy(tag[:], sealed[split:])
	return
}

// Decrypt is the exact inverse of Encrypt. An authentication failure
// rejects the whole message; no partial plaintext is ever returned.
func Decrypt(key [KeySize]byte, iv [IVSize]byte, tag [TagSize]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag[:]...)

	plaintext, err := gcm.Open(nil, iv[:], sealed, nil)
	if err != nil {
		return nil, errors.New("decryption failed: message authentication failed")
	}

	return plaintext, nil
}

// Seal derives the key for km and produces a fully populated envelope from
// sender to recipient. The caller supplies the client-generated message ID
// via the returned envelope if it needs a specific one; by default the
// envelope is stamped with the current time and an empty MessageID.
func Seal(km KeyMaterial, from, to string, plaintext []byte) (*Envelope, error) {
	key, err := DeriveKey(km)
	if err != nil {
		return nil, err
	}

	iv, tag, ciphertext, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt envelope: %w", err)
	}

	return &Envelope{
		From:        from,
		To:          to,
		KeyMaterial: km,
		IV:          hex.EncodeToString(iv[:]),
		AuthTag:     hex.EncodeToString(tag[:]),
		Ciphertext:  hex.EncodeToString(ciphertext),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Open derives the key from the envelope's own key material and decrypts
// its payload. Only the recipient (or sender) can do this; the relay has no
// use for it beyond tests.
func Open(e *Envelope) ([]byte, error) {
	key, err := DeriveKey(e.KeyMaterial)
	if err != nil {
		return nil, err
	}

	ivBytes, err := hex.DecodeString(e.IV)
	if err != nil || len(ivBytes) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d hex-encoded bytes", ErrMalformed, IVSize)
	}
	tagBytes, err := hex.DecodeString(e.AuthTag)
	if err != nil || len(tagBytes) != TagSize {
		return nil, fmt.Errorf("%w: authTag must be %d hex-encoded bytes", ErrMalformed, TagSize)
	}
	ciphertext, err := hex.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not hex", ErrMalformed)
	}

	var iv [IVSize]byte
	var tag [TagSize]byte
	copy(iv[:], ivBytes)
	copy(tag[:], tagBytes)

	return Decrypt(key, iv, tag, ciphertext)
}

func decodeNonEmptyHex(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty value")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty value")
	}
	return b, nil
}
