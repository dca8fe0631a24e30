package peerstore

import "errors"

var (
	// ErrPeerNotFound is returned when the requested peer is not stored.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrInvalidRecord is returned for records without a usable address or port.
	ErrInvalidRecord = errors.New("invalid peer record")

	// ErrUnknownBackend is returned by Open for unsupported backend names.
	ErrUnknownBackend = errors.New("unknown peer store backend")

	// ErrDatabase is returned when a backend operation fails.
	ErrDatabase = errors.New("database error")
)
