// Package identity resolves message addressees to canonical identities and
// enforces the block-list privacy filter.
//
// An identity is addressed either by its canonical account id or by a public
// alias: an anonymous handle of the form 888XXXXXXX. The Directory interface
// is the single resolution entry point; there is deliberately no second
// alias table that could drift out of sync with the canonical mapping.
//
// Blocking is bidirectional: if either side blocks the other, no message or
// presence update flows between them in either direction.
package identity
