package meshnet

import "time"

// Tunable defaults. DefaultMeshTTL, PeerAnnounceInterval and
// DefaultServiceName can be overridden with the matching NodeOption; the
// other values have no option and are used as-is.
const (
	// DefaultMeshTTL is the hop budget a locally originated message
	// starts with unless overridden.
	DefaultMeshTTL = 5

	// MaxMeshTTL caps how high a caller may push the ttl of a locally
	// originated message.
	MaxMeshTTL = 15

	// PeerHealthCheckInterval is how often the router scans the table
	// for peers that have gone stale.
	PeerHealthCheckInterval = 30 * time.Second

	// PeerStaleTimeout is how long a peer may go without activity
	// before the router marks it stale.
	PeerStaleTimeout = 90 * time.Second

	// PeerAnnounceInterval is how often the node broadcasts a
	// self-announce carrying its view of the routing table.
	PeerAnnounceInterval = 15 * time.Second

	// MessageDeduplicationWindow bounds how long a processed message id
	// is remembered in the dedup cache.
	MessageDeduplicationWindow = 5 * time.Minute

	// MaxDeduplicationCacheSize caps the number of entries kept in the
	// dedup cache regardless of age; oldest-inserted is evicted first.
	MaxDeduplicationCacheSize = 10000

	// DefaultFileChunkSize is the default file chunk size. Nothing in this
	// package applies it: a FileInfo carries whatever ChunkSize the caller
	// sets.
	DefaultFileChunkSize = 65536

	// MaxConcurrentFileTransfers is the per-peer file transfer limit.
	// Nothing in this package enforces it: a file-progress event is
	// published for every announced file.
	MaxConcurrentFileTransfers = 3

	// DefaultServiceName is the discovery service name used when a
	// NodeConfig does not specify one.
	DefaultServiceName = "flutter_p2p_mesh"
)
