package protocol

import "github.com/pkg/errors"

// Error kinds surfaced by the protocol core. Callers classify with
// errors.Is; wrapped context is added at the failure site.
var (
	// ErrMalformedPacket indicates a structural parsing failure.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrCryptoFailure indicates AEAD authentication failure or a bad
	// Noise handshake message.
	ErrCryptoFailure = errors.New("crypto failure")

	// ErrUnknownSession indicates a receiver index with no matching
	// handshake or session state.
	ErrUnknownSession = errors.New("unknown session")

	// ErrReceiverIdxMismatch indicates a packet violating the
	// session-affine binding of its connection.
	ErrReceiverIdxMismatch = errors.New("receiver index mismatch")

	// ErrReceiverIdxCollision indicates a ClientHello proposing an index
	// that is already in use.
	ErrReceiverIdxCollision = errors.New("receiver index collision")

	// ErrTimestampOutOfTolerance is the base kind for ClientHello
	// timestamp rejections. The two variants below wrap it so operators
	// can tell clock-skew directions apart.
	ErrTimestampOutOfTolerance = errors.New("timestamp out of tolerance")
	ErrTimestampTooOld         = errors.Wrap(ErrTimestampOutOfTolerance, "timestamp too old")
	ErrTimestampInFuture       = errors.Wrap(ErrTimestampOutOfTolerance, "timestamp too far in the future")

	// ErrUnexpectedTransition indicates the state machine rejected an
	// input in its current state.
	ErrUnexpectedTransition = errors.New("unexpected state transition")

	// ErrForwardTargetMismatch indicates a forwarding request for a
	// different exit than the one this session is bound to.
	ErrForwardTargetMismatch = errors.New("forward target mismatch")

	// ErrForwardIoTimeout / ErrForwardIoError cover exit-stream failures.
	ErrForwardIoTimeout = errors.New("forward i/o timeout")
	ErrForwardIoError   = errors.New("forward i/o error")

	// ErrAtCapacity indicates the forward-open semaphore is exhausted.
	ErrAtCapacity = errors.New("at forward capacity")

	// ErrWindowFull is returned by the reliable engine's Write adapter
	// when the send queue cannot accept a single additional segment.
	ErrWindowFull = errors.New("send window is full")

	// ErrMessageTooLarge is returned by Send when a message would need
	// more than 255 fragments; such messages belong to the linked-set
	// reconstruction layer.
	ErrMessageTooLarge = errors.New("message exceeds 255 fragments")
)
