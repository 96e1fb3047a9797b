package tcp

import "errors"

var (
	// ErrMalformedSegment reports a TCP header whose length fields are
	// inconsistent with the buffer. The segment is dropped before it can
	// reach any connection.
	ErrMalformedSegment = errors.New("tcp: malformed segment")

	// ErrChecksumMismatch reports a failed pseudo-header checksum.
	ErrChecksumMismatch = errors.New("tcp: checksum mismatch")

	// ErrProtocolViolation reports flags or sequence numbers that are not
	// legal in the connection's current state. The connection answers with
	// a reset.
	ErrProtocolViolation = errors.New("tcp: protocol violation")

	// ErrCapacity reports a full connection table or a full buffer under
	// the non-blocking write policy. Recoverable by the caller.
	ErrCapacity = errors.New("tcp: capacity exceeded")

	// ErrTimeout reports that retransmission retries were exhausted and
	// the connection was aborted.
	ErrTimeout = errors.New("tcp: connection timed out")

	// ErrReset reports that the peer reset the connection.
	ErrReset = errors.New("tcp: connection reset by peer")

	// ErrClosed reports an operation on a closed connection, listener, or
	// engine.
	ErrClosed = errors.New("tcp: closed")

	// ErrDuplicateConnection reports an insert for a 4-tuple already
	// present in the connection table.
	ErrDuplicateConnection = errors.New("tcp: duplicate connection")

	// ErrAddrInUse reports a listen on a port that already has a listener.
	ErrAddrInUse = errors.New("tcp: address already in use")
)
