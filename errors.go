package meshnet

import "errors"

// Error values used throughout the mesh library. These provide
// standardized errors for the failure kinds a caller can actually act on;
// everything else (per-recipient send failures, decode errors) is logged
// and swallowed instead of surfaced.
var (
	// ErrNotInitialized is returned when an operation is invoked on a
	// Node before Start or after Stop.
	ErrNotInitialized = errors.New("mesh: node not started")

	// ErrPeerNotFound is returned when an explicit connect or send
	// targets a peer the local node has never heard of.
	ErrPeerNotFound = errors.New("mesh: peer not found")

	// ErrRoutingUnavailable is returned when a targeted send resolves
	// to no next hop for any of its targets.
	ErrRoutingUnavailable = errors.New("mesh: no route to any target peer")

	// ErrTransportUnavailable is returned when no adapter currently
	// holds the direct peer a send needs to go through; this usually
	// indicates a race with a disconnect and the caller may retry.
	ErrTransportUnavailable = errors.New("mesh: no transport holds peer")

	// ErrNoAdapters is returned by Start when every configured
	// transport adapter reported itself unavailable.
	ErrNoAdapters = errors.New("mesh: no available transport adapters")

	// ErrAlreadyStarted is returned by Start on a Node that is already
	// running.
	ErrAlreadyStarted = errors.New("mesh: node already started")
)
