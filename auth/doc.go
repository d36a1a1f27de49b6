// Package auth verifies the bearer credential a client presents when it
// opens a connection. The relay core treats the credential as opaque; it
// only needs the canonical identity and alias the verifier returns.
package auth
