package ephemrelay

import "errors"

var (
	// ErrRecipientUnresolvable indicates an addressee handle that maps to no
	// known identity. Non-retryable until the sender corrects the handle.
	ErrRecipientUnresolvable = errors.New("recipient unresolvable")

	// ErrBlockedByRecipient indicates the recipient blocks the sender. The
	// recipient never learns the message existed.
	ErrBlockedByRecipient = errors.New("blocked by recipient")

	// ErrBlockedRecipient indicates the sender blocks the recipient; the
	// sender's own choice, reported back for UX.
	ErrBlockedRecipient = errors.New("cannot send to blocked recipient")

	// ErrPersistence indicates the mailbox write failed. Retryable by the
	// client; the envelope must not be assumed queued.
	ErrPersistence = errors.New("persistence failure")

	// ErrDirectoryUnavailable indicates a directory lookup failed, so the
	// privacy filter could not be verified. Retryable.
	ErrDirectoryUnavailable = errors.New("directory unavailable")
)
