package relayerrors

import "errors"

// Common errors
var (
	// ErrDecryptionUnavailable means the key material needed to read a
	// payload is missing. Recoverable: callers render a placeholder and may
	// request access.
	ErrDecryptionUnavailable = errors.New("decryption unavailable")

	// ErrMalformedEvent marks an inbound event of a recognized kind that is
	// missing a required tag or carries unparseable content. The event is
	// dropped; the batch continues.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrNoSigningKey means only a public identity is available and no
	// outbound ciphertext or signature can be produced.
	ErrNoSigningKey = errors.New("no signing key")

	// ErrRelayUnreachable covers transport failures against the relay set.
	ErrRelayUnreachable = errors.New("relay unreachable")

	// ErrDuplicateEvent is returned by the dedup gate. It is a silent no-op
	// for callers, never a failure.
	ErrDuplicateEvent = errors.New("duplicate event")

	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrConversationDeleted = errors.New("conversation deleted")
)
