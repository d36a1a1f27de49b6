// Package mailbox durably queues envelopes for recipients with no live
// connection and tracks their persisted delivery state.
//
// Two implementations are provided: Memory, an in-process store suited to
// tests and single-node deployments without durability requirements, and
// SQLite, the durable store. Both are safe for concurrent use and both
// treat Store as idempotent on (messageId, toIdentity): a duplicate
// submission never creates a second deliverable copy.
package mailbox
