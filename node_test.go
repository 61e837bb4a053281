package meshnet

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mockAdapter is an in-memory Adapter used to drive Node without any
// real transport, in the spirit of the teacher's own test_helpers.go
// constructing bare Agents for unit tests.
type mockAdapter struct {
	name string

	mu        sync.Mutex
	available bool
	connected map[string]bool
	sent      []sentFrame

	discovered *broadcaster[DiscoveredPeer]
	stateCh    *broadcaster[PeerStateChange]
	inbound    *broadcaster[InboundBytes]
}

type sentFrame struct {
	peerId string
	text   string
}

func newMockAdapter(name string) *mockAdapter {
	return &mockAdapter{
		name:       name,
		available:  true,
		connected:  make(map[string]bool),
		discovered: newBroadcaster[DiscoveredPeer](),
		stateCh:    newBroadcaster[PeerStateChange](),
		inbound:    newBroadcaster[InboundBytes](),
	}
}

func (m *mockAdapter) Name() string                          { return m.name }
func (m *mockAdapter) IsAvailable(ctx context.Context) bool   { return m.available }
func (m *mockAdapter) Initialize(ctx context.Context) error   { return nil }
func (m *mockAdapter) StartDiscovery(ctx context.Context, s string) error { return nil }
func (m *mockAdapter) StopDiscovery(ctx context.Context) error            { return nil }
func (m *mockAdapter) StartAdvertising(ctx context.Context, local Peer, s string) error {
	return nil
}
func (m *mockAdapter) StopAdvertising(ctx context.Context) error { return nil }

func (m *mockAdapter) Connect(ctx context.Context, peerId string) (*ConnectedPeer, error) {
	m.mu.Lock()
	m.connected[peerId] = true
	m.mu.Unlock()
	return &ConnectedPeer{Id: peerId, TransportType: TransportLAN}, nil
}

func (m *mockAdapter) Disconnect(ctx context.Context, peerId string) error {
	m.mu.Lock()
	delete(m.connected, peerId)
	m.mu.Unlock()
	return nil
}

func (m *mockAdapter) Send(ctx context.Context, peerId string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected[peerId] {
		return ErrTransportUnavailable
	}
	m.sent = append(m.sent, sentFrame{peerId: peerId, text: text})
	return nil
}

func (m *mockAdapter) Dispose(ctx context.Context) error { return nil }

func (m *mockAdapter) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.connected))
	for id := range m.connected {
		ids = append(ids, id)
	}
	return ids
}

func (m *mockAdapter) Discovered() (<-chan DiscoveredPeer, func())        { return m.discovered.Subscribe() }
func (m *mockAdapter) PeerStateChanges() (<-chan PeerStateChange, func()) { return m.stateCh.Subscribe() }
func (m *mockAdapter) Inbound() (<-chan InboundBytes, func())             { return m.inbound.Subscribe() }

// connectPeer simulates a peer directly connecting through this adapter:
// it marks the peer connected and fires the state-change event Node
// watches for.
func (m *mockAdapter) connectPeer(peerId string) {
	m.mu.Lock()
	m.connected[peerId] = true
	m.mu.Unlock()
	m.stateCh.Publish(PeerStateChange{Id: peerId, State: PeerConnected})
}

func (m *mockAdapter) deliver(fromPeerId string, data []byte) {
	m.inbound.Publish(InboundBytes{FromPeerId: fromPeerId, Data: data})
}

func (m *mockAdapter) lastSent() (sentFrame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentFrame{}, false
	}
	return m.sent[len(m.sent)-1], true
}

func TestNodeStartFailsWithNoAvailableAdapters(t *testing.T) {
	a := newMockAdapter("a")
	a.available = false
	n := New([]Adapter{a}, WithUsername("alice"))
	if err := n.Start(context.Background()); err != ErrNoAdapters {
		t.Fatalf("expected ErrNoAdapters, got %v", err)
	}
}

func TestNodeBroadcastViaAdapter(t *testing.T) {
	a := newMockAdapter("a")
	n := New([]Adapter{a}, WithUsername("alice"), WithPeerId("local"), WithAutoAdvertise(false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	a.connectPeer("peerB")
	time.Sleep(20 * time.Millisecond)

	if err := n.Broadcast(ctx, "hello mesh", nil, nil, 0); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	frame, ok := a.lastSent()
	if !ok || frame.peerId != "peerB" {
		t.Fatalf("expected a send to peerB, got %+v ok=%v", frame, ok)
	}
}

// TestNodePingPong is spec.md scenario S6: a ping targeted at the local
// node gets a pong synthesized back at the sender.
func TestNodePingPong(t *testing.T) {
	a := newMockAdapter("a")
	n := New([]Adapter{a}, WithUsername("carol"), WithPeerId("C"), WithAutoAdvertise(false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	a.connectPeer("A")
	time.Sleep(20 * time.Millisecond)

	// spec.md S6: ping id is the message id itself, not a nested
	// payload field.
	ping := &Message{
		Id: "p1", Type: MsgPing, SourceId: "A", TargetIds: []string{"C"},
		Ttl: 3,
	}
	buf, err := encodeMessage(ping)
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	a.deliver("A", buf)

	time.Sleep(30 * time.Millisecond)
	frame, ok := a.lastSent()
	if !ok {
		t.Fatalf("expected a pong to be sent back")
	}
	reply, err := decodeMessage([]byte(frame.text))
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Type != MsgPong {
		t.Fatalf("expected pong, got %s", reply.Type)
	}
	pp, ok := reply.Payload.(pongPayload)
	if !ok || pp.PingId != "p1" {
		t.Fatalf("expected pong payload pingId=p1, got %+v", reply.Payload)
	}
}

func TestNodeDecodeFailureIsSwallowed(t *testing.T) {
	a := newMockAdapter("a")
	n := New([]Adapter{a}, WithUsername("alice"), WithAutoAdvertise(false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	a.connectPeer("peerB")
	time.Sleep(20 * time.Millisecond)

	a.deliver("peerB", []byte("not json at all"))
	time.Sleep(20 * time.Millisecond)

	// A malformed frame must not disturb the node; it should still be
	// able to process a well-formed message from the same peer right
	// after.
	ch, cancel2 := n.OnMessage()
	defer cancel2()

	msg := &Message{Id: "ok-1", Type: MsgData, SourceId: "peerB", Ttl: 3, Payload: DataPayload{Text: "still alive"}}
	buf, _ := encodeMessage(msg)
	a.deliver("peerB", buf)

	select {
	case m := <-ch:
		dp := m.Payload.(DataPayload)
		if dp.Text != "still alive" {
			t.Fatalf("unexpected payload: %+v", dp)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected the node to keep processing after a decode failure")
	}
}

// TestNodeFileAnnounceFiresProgress covers the SUPPLEMENTED FEATURES
// file-progress announcement: a fileAnnounce message must decode into a
// structured payload and fire on_file_progress once per announced file,
// the same as a data message carrying files does.
func TestNodeFileAnnounceFiresProgress(t *testing.T) {
	a := newMockAdapter("a")
	n := New([]Adapter{a}, WithUsername("alice"), WithAutoAdvertise(false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	a.connectPeer("peerB")
	time.Sleep(20 * time.Millisecond)

	ch, cancel2 := n.OnFileProgress()
	defer cancel2()

	file := FileInfo{Id: "f1", Name: "report.pdf", Size: 4096, HostPeerId: "peerB"}
	msg := &Message{
		Id: "fa-1", Type: MsgFileAnnounce, SourceId: "peerB", Ttl: 3,
		Payload: DataPayload{Files: []FileInfo{file}},
	}
	buf, err := encodeMessage(msg)
	if err != nil {
		t.Fatalf("encode fileAnnounce: %v", err)
	}
	a.deliver("peerB", buf)

	select {
	case fp := <-ch:
		if fp.File.Id != "f1" || fp.PeerId != "peerB" || fp.Done {
			t.Fatalf("unexpected file progress event: %+v", fp)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected on_file_progress to fire for a fileAnnounce message")
	}
}

// TestNodeOnPeerUpdateCarriesAnnounceLearnedPeers covers spec.md §4.2
// Startup's "Subscribe to the Router's delivery, peer-update streams":
// a peer learned only indirectly, through a peerAnnounce from a direct
// peer, must still reach the outward OnPeerUpdate stream.
func TestNodeOnPeerUpdateCarriesAnnounceLearnedPeers(t *testing.T) {
	a := newMockAdapter("a")
	n := New([]Adapter{a}, WithUsername("alice"), WithPeerId("A"), WithAutoAdvertise(false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	a.connectPeer("B")
	time.Sleep(20 * time.Millisecond)

	ch, cancel2 := n.OnPeerUpdate()
	defer cancel2()

	ann := PeerAnnounce{
		Peer:       Peer{Id: "B", Username: "bob"},
		KnownPeers: []Peer{{Id: "D", Username: "dave", HopCount: 0}},
	}
	msg := &Message{Id: "ann-1", Type: MsgPeerAnnounce, SourceId: "B", Ttl: 1, Payload: ann}
	buf, err := encodeMessage(msg)
	if err != nil {
		t.Fatalf("encode announce: %v", err)
	}
	a.deliver("B", buf)

	deadline := time.After(1 * time.Second)
	for {
		select {
		case p := <-ch:
			if p.Id == "D" && p.HopCount == 1 && p.NextHopPeerId == "B" {
				return
			}
		case <-deadline:
			t.Fatalf("expected OnPeerUpdate to carry the announce-learned peer D")
		}
	}
}

// TestNodeOnPeerUpdateCarriesCascadeRemoval covers the other half of the
// same fix: RemoveDirectPeer's cascade eviction (spec.md §4.1, S5) must
// reach OnPeerUpdate for every peer it drops, not just the direct one.
func TestNodeOnPeerUpdateCarriesCascadeRemoval(t *testing.T) {
	a := newMockAdapter("a")
	n := New([]Adapter{a}, WithUsername("alice"), WithPeerId("A"), WithAutoAdvertise(false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	a.connectPeer("B")
	time.Sleep(20 * time.Millisecond)

	ann := PeerAnnounce{
		Peer:       Peer{Id: "B", Username: "bob"},
		KnownPeers: []Peer{{Id: "D", Username: "dave", HopCount: 0}},
	}
	msg := &Message{Id: "ann-2", Type: MsgPeerAnnounce, SourceId: "B", Ttl: 1, Payload: ann}
	buf, _ := encodeMessage(msg)
	a.deliver("B", buf)
	time.Sleep(20 * time.Millisecond)

	if n.GetPeer("D") == nil {
		t.Fatalf("expected D to be learned via B's announce before the drop")
	}

	ch, cancel2 := n.OnPeerUpdate()
	defer cancel2()

	a.stateCh.Publish(PeerStateChange{Id: "B", State: PeerDisconnected})

	seen := map[string]bool{}
	deadline := time.After(1 * time.Second)
	for len(seen) < 2 {
		select {
		case p := <-ch:
			if p.State == PeerDisconnected {
				seen[p.Id] = true
			}
		case <-deadline:
			t.Fatalf("expected disconnected updates for both B and D, got %v", seen)
		}
	}
	if !seen["B"] || !seen["D"] {
		t.Fatalf("expected cascade removal of B and D on OnPeerUpdate, got %v", seen)
	}
}
