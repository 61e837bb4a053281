package meshnet

import "context"

// DiscoveredPeer is what a transport reports when it learns about a
// nearby peer through discovery, before any byte channel exists.
type DiscoveredPeer struct {
	Id            string
	Username      string
	TransportType TransportType
	Address       string
	Port          int
}

// PeerStateChange is what a transport reports when its view of a
// connection's health changes.
type PeerStateChange struct {
	Id    string
	State PeerState
}

// InboundBytes is a raw frame received from a directly connected peer,
// already reassembled if the adapter had to chunk it (spec.md §4.3(d)).
type InboundBytes struct {
	FromPeerId string
	Data       []byte
}

// ConnectedPeer is the bidirectional channel handle an adapter hands back
// from Connect, describing the peer now reachable over it.
type ConnectedPeer struct {
	Id            string
	Username      string
	TransportType TransportType
	Address       string
	Port          int
}

// Adapter is the capability interface every transport must satisfy to be
// driven by a Node (spec.md §4.3). An adapter owns exactly one underlying
// discovery-and-byte-pipe mechanism (Wi-Fi Aware, Wi-Fi Direct, BLE, a
// plain LAN socket, a WebRTC data channel, ...); the core never inspects
// which.
//
// Contract guarantees the core relies on:
//   - the peer_id surfaced in inbound events equals the id previously
//     reported as connected;
//   - Send is FIFO per peer;
//   - a Disconnect followed by a later rediscovery is a valid re-learn
//     sequence;
//   - text payloads are delivered whole — any chunking/reassembly below
//     the adapter's own MTU is the adapter's responsibility, never the
//     core's.
type Adapter interface {
	// Name identifies the adapter for logging/diagnostics.
	Name() string

	// IsAvailable probes whether the underlying platform/hardware can
	// support this transport right now.
	IsAvailable(ctx context.Context) bool

	// Initialize performs one-time setup. Idempotent.
	Initialize(ctx context.Context) error

	// StartDiscovery begins passively learning about nearby peers
	// advertising serviceName.
	StartDiscovery(ctx context.Context, serviceName string) error
	StopDiscovery(ctx context.Context) error

	// StartAdvertising makes the local peer discoverable under
	// serviceName.
	StartAdvertising(ctx context.Context, local Peer, serviceName string) error
	StopAdvertising(ctx context.Context) error

	// Connect establishes a bidirectional byte channel to peerId,
	// discovered earlier via the Discovered() stream.
	Connect(ctx context.Context, peerId string) (*ConnectedPeer, error)
	// Disconnect tears down the channel to peerId, if any.
	Disconnect(ctx context.Context, peerId string) error

	// Send delivers text to a connected peer, best-effort.
	Send(ctx context.Context, peerId string, text string) error

	// Dispose releases every resource the adapter holds. Called once,
	// during Node shutdown.
	Dispose(ctx context.Context) error

	// ConnectedPeers lists peer ids this adapter currently holds a
	// channel to; the Node uses this to pick which adapter owns a send.
	ConnectedPeers() []string

	// Discovered, PeerStateChanges and Inbound are the three observable
	// streams spec.md §4.3 requires. Each must tolerate multiple
	// subscribers and subscribers joining after Start.
	Discovered() (<-chan DiscoveredPeer, func())
	PeerStateChanges() (<-chan PeerStateChange, func())
	Inbound() (<-chan InboundBytes, func())
}
