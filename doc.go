// Package ephemrelay implements a presence-aware, store-and-forward relay
// for end-to-end-encrypted ephemeral messages between paired identities.
//
// Clients never reveal plaintext to the relay. The relay routes opaque
// ciphertext envelopes, tracks which identities are reachable, and
// guarantees every envelope is either handed to a live connection or
// durably queued exactly once until the recipient acknowledges it.
//
// # Getting Started
//
// Wire a Relay to a directory and a mailbox, then serve connections over
// the transport package:
//
//	dir := identity.NewMemoryDirectory()
//	box := mailbox.NewMemory()
//
//	relay, err := ephemrelay.New(ephemrelay.Options{
//	    Directory: dir,
//	    Mailbox:   box,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	relay.Start()
//	defer relay.Stop()
//
//	verifier := auth.NewJWT(secret, time.Hour)
//	http.Handle("/ws", transport.NewServer(verifier, relay, nil))
//
// Each inbound envelope is resolved, privacy-filtered, and then either
// relayed to every live connection of the recipient or queued in the
// mailbox; the sender always receives exactly one terminal signal per
// submission.
package ephemrelay
