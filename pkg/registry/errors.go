package registry

import (
	"errors"
	"net/http"
	"strconv"
)

var (
	// ErrNoRegistryAvailable is returned when no endpoint of the failover list answered.
	ErrNoRegistryAvailable = errors.New("no central registry available")

	// ErrNoEndpoints is returned when central sync runs with an empty failover list.
	ErrNoEndpoints = errors.New("no registry endpoints configured")

	// ErrInvalidSighting is returned for sightings without a usable address or port.
	ErrInvalidSighting = errors.New("invalid peer sighting")
)

// StatusError represents a non-200 answer from a peer or registry.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.StatusCode) + " " + http.StatusText(e.StatusCode)
}
