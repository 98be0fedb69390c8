package wire

import "errors"

var (
	// ErrIncomplete means the buffer does not yet hold a whole message. The
	// caller should read more and retry; nothing was consumed.
	ErrIncomplete = errors.New("wire: incomplete message")
	// ErrMalformedHeader means the size field is below the header size, above
	// the configured maximum, or not 4-byte aligned.
	ErrMalformedHeader = errors.New("wire: malformed header")
	// ErrMalformedMessage means the payload does not match its signature.
	ErrMalformedMessage = errors.New("wire: malformed message")
	// ErrUnknownMessage means no signature is known for sender and opcode.
	ErrUnknownMessage = errors.New("wire: unknown message")
	// ErrMissingFd means a message declares more fd arguments than were
	// received alongside it.
	ErrMissingFd = errors.New("wire: missing file descriptor")
	// ErrUnclaimedFd means a message without a known signature arrived while
	// descriptors were queued. Whether it owns them cannot be told, and
	// leaving them queued would hand them to a later message.
	ErrUnclaimedFd = errors.New("wire: descriptors queued ahead of an opaque message")
	// ErrMessageTooLarge is returned by Encode for messages above MaxSize.
	ErrMessageTooLarge = errors.New("wire: message too large")
)
