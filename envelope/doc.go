// Package envelope defines the wire shape of an encrypted ephemeral message
// and the key-derivation contract peers use to agree on a per-message key.
//
// Every envelope carries its own key material: a blockHash (an unpredictable
// public value neither party controls alone) and a locally generated random
// nonce. Both peers derive an identical 256-bit key with HKDF-SHA-256 and the
// sender encrypts with AES-256-GCM under a fresh 96-bit IV. The relay routes
// envelopes opaquely; only the two peers ever hold the key.
//
// Example:
//
//	km, _ := envelope.NewKeyMaterial(blockHash)
//	env, err := envelope.Seal(km, "alice", "bob", []byte("hello"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	plaintext, err := envelope.Open(env)
package envelope
