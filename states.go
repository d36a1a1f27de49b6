package ephemrelay

// DeliveryState is the in-flight lifecycle of a submitted envelope:
// created, then relayed (handed directly to a live connection) or queued
// (persisted in the mailbox), converging to delivered once the recipient
// affirms receipt, and terminal at read.
type DeliveryState uint8

const (
	// StateCreated means submitted but not yet routed.
	StateCreated DeliveryState = iota
	// StateRelayed means pushed to at least one live connection, no
	// persistence.
	StateRelayed
	// StateQueued means persisted because no live connection existed.
	StateQueued
	// StateDelivered means the recipient's client affirmed receipt.
	StateDelivered
	// StateRead means the recipient explicitly acknowledged reading.
	StateRead
)

// String returns a human-readable state name.
func (s DeliveryState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRelayed:
		return "relayed"
	case StateQueued:
		return "queued"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	default:
		return "unknown"
	}
}
