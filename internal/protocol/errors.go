package protocol

import "errors"

var (
	// ErrFormat marks a malformed datagram; the caller drops it.
	ErrFormat = errors.New("protocol: malformed frame")
	// ErrIntegrity marks a checksum mismatch; the caller drops it.
	ErrIntegrity = errors.New("protocol: checksum mismatch")

	ErrInvalidModuleID = errors.New("protocol: invalid module id")
	ErrInvalidJack     = errors.New("protocol: invalid jack")
	ErrLabelTooLong    = errors.New("protocol: label too long")
)
