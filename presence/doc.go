// Package presence tracks which identities are reachable and pushes
// privacy-filtered status updates to live connections.
//
// The registry holds one record per identity: a status (online, away or
// offline), the time it last changed, and the set of live connections.
// Records are created on first connection and never deleted; an identity
// with no live connection is offline, not absent. Each identity's record
// carries its own lock, so connect and disconnect storms on one identity
// never contend with traffic for another.
package presence
