package envelope

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrKeyMaterial indicates key material that violates the derivation
	// contract. Envelopes carrying it must be rejected before relay, never
	// padded or truncated into shape.
	ErrKeyMaterial = errors.New("invalid key material")
	// ErrMalformed indicates an envelope missing required routing or
	// cryptographic fields.
	ErrMalformed = errors.New("malformed envelope")
)

// KeyMaterial is the public derivation input both peers feed into HKDF.
// BlockHash and Nonce are hex encoded on the wire.
type KeyMaterial struct {
	BlockHash string `json:"blockHash"`
	Nonce     string `json:"nonce"`
}

// Envelope is the unit of relay. All binary fields are hex encoded. The
// relay never inspects Ciphertext; it routes by From and To only.
type Envelope struct {
	MessageID        string      `json:"messageId"`
	From             string      `json:"fromIdentity"`
	To               string      `json:"toIdentity"`
	KeyMaterial      KeyMaterial `json:"keyMaterial"`
	IV               string      `json:"iv"`
	AuthTag          string      `json:"authTag"`
	Ciphertext       string      `json:"ciphertext"`
	CreatedAt        time.Time   `json:"createdAt"`
	ExpiresAfterRead int64       `json:"expiresAfterReadSeconds,omitempty"`

	// Sequence is stamped by the relay on submission and breaks createdAt
	// ties when ordering queued envelopes. Clients never set it.
	Sequence uint64 `json:"sequence,omitempty"`
}

// Validate checks the routing and cryptographic fields of an envelope
// before it is relayed or queued. A failure here is a protocol violation
// by the submitting client, not a transient condition.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("%w: missing messageId", ErrMalformed)
	}
	if e.To == "" {
		return fmt.Errorf("%w: missing toIdentity", ErrMalformed)
	}
	if e.Ciphertext == "" {
		return fmt.Errorf("%w: missing ciphertext", ErrMalformed)
	}
	if _, err := hex.DecodeString(e.Ciphertext); err != nil {
		return fmt.Errorf("%w: ciphertext is not hex", ErrMalformed)
	}

	iv, err := hex.DecodeString(e.IV)
	if err != nil || len(iv) != IVSize {
		return fmt.Errorf("%w: iv must be %d hex-encoded bytes", ErrMalformed, IVSize)
	}
	tag, err := hex.DecodeString(e.AuthTag)
	if err != nil || len(tag) != TagSize {
		return fmt.Errorf("%w: authTag must be %d hex-encoded bytes", ErrMalformed, TagSize)
	}

	if _, err := DeriveKey(e.KeyMaterial); err != nil {
		return err
	}
	return nil
}
