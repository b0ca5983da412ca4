package protocol

import "errors"

// Decode errors. A frame that fails with any of these is dropped by the
// receive pipeline; none of them is fatal to a session.
var (
	ErrTruncated          = errors.New("protocol: truncated frame")
	ErrUnknownCommand     = errors.New("protocol: unknown command")
	ErrOversize           = errors.New("protocol: payload exceeds max frame size")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrSizeMismatch       = errors.New("protocol: payload size mismatch")
)

// Encode errors.
var (
	ErrNilPayload  = errors.New("protocol: nil payload")
	ErrNameTooLong = errors.New("protocol: client name too long")
	ErrNameHasNUL  = errors.New("protocol: client name contains NUL")
)
