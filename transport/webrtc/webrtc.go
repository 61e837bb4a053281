// Package webrtc implements mesh's "message-passing mode" transport
// adapter (spec.md §4.3): peers exchange SDP offers/answers and ICE
// candidates through an injectable Signaler, then talk over an ordered,
// reliable WebRTC data channel. The data channel's effective MTU is
// small enough that outbound text is transparently chunked with a
// "CHUNK:index:total:" header and reassembled on the receiving side
// before it is ever handed to mesh — the core never observes the
// difference from the lan adapter's direct-socket mode.
package webrtc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	pionrtc "github.com/pion/webrtc/v3"

	"github.com/KarpelesLab/meshnet"
)

// chunkMTU bounds the payload carried per data-channel message, mirroring
// the ~255-byte MTU spec.md §4.3 calls out for message-passing transports.
const chunkMTU = 200

// chunkPrefix introduces a chunked fragment: "CHUNK:<index>:<total>:".
const chunkPrefix = "CHUNK:"

// Signaler exchanges the offer/answer/ICE-candidate messages a WebRTC
// connection setup needs, out of band of the data channel itself.
// spec.md §1 puts BLE credential exchange out of scope; this interface
// is the core's equivalent boundary for WebRTC signaling — a concrete
// Signaler might relay through a websocket rendezvous server, a
// Wi-Fi-Aware publish/subscribe message, or anything else capable of
// carrying a few hundred bytes of JSON between two peers that have
// already discovered each other.
type Signaler interface {
	// Discovered reports peers the signaling channel has learned about.
	Discovered() (<-chan meshnet.DiscoveredPeer, func())
	// Offers, Answers and ICECandidates report signaling messages
	// addressed to the local peer.
	Offers() (<-chan IncomingOffer, func())
	Answers() (<-chan IncomingAnswer, func())
	ICECandidates() (<-chan IncomingICE, func())

	// SendOffer, SendAnswer and SendICECandidate relay a local signaling
	// message to the peer named by toPeerId.
	SendOffer(ctx context.Context, toPeerId string, offer pionrtc.SessionDescription) error
	SendAnswer(ctx context.Context, toPeerId string, answer pionrtc.SessionDescription) error
	SendICECandidate(ctx context.Context, toPeerId string, cand pionrtc.ICECandidateInit) error

	// Announce makes the local peer discoverable under serviceName;
	// StopAnnounce withdraws it.
	Announce(ctx context.Context, local meshnet.Peer, serviceName string) error
	StopAnnounce(ctx context.Context) error
}

// IncomingOffer, IncomingAnswer and IncomingICE are the signaling
// messages a Signaler surfaces to the adapter.
type IncomingOffer struct {
	FromPeerId string
	SDP        pionrtc.SessionDescription
}

type IncomingAnswer struct {
	FromPeerId string
	SDP        pionrtc.SessionDescription
}

type IncomingICE struct {
	FromPeerId string
	Candidate  pionrtc.ICECandidateInit
}

// peerConn bundles the pion PeerConnection and DataChannel for one
// remote peer along with the reassembly state for inbound chunked
// frames.
type peerConn struct {
	pc *pionrtc.PeerConnection
	dc *pionrtc.DataChannel

	opened chan struct{}
	opened1 sync.Once

	mu       sync.Mutex
	reassemb map[int]string // chunk index -> payload, for the in-flight frame
	total    int
}

// Adapter is a meshnet.Adapter backed by WebRTC data channels, suited to
// peers that can only exchange a small amount of signaling data
// out-of-band (e.g. over a constrained discovery transport) before
// falling back to a full duplex channel.
type Adapter struct {
	Signaler Signaler
	Config   pionrtc.Configuration

	mu      sync.Mutex
	localId string
	conns   map[string]*peerConn

	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup

	discovered *eventBus[meshnet.DiscoveredPeer]
	stateCh    *eventBus[meshnet.PeerStateChange]
	inbound    *eventBus[meshnet.InboundBytes]
}

// New builds a WebRTC adapter driven by the given Signaler. A
// reasonable default ICE configuration (a single public STUN server) is
// used unless Config is overridden before Initialize.
func New(signaler Signaler) *Adapter {
	return &Adapter{
		Signaler: signaler,
		Config: pionrtc.Configuration{
			ICEServers: []pionrtc.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		conns:      make(map[string]*peerConn),
		discovered: newEventBus[meshnet.DiscoveredPeer](),
		stateCh:    newEventBus[meshnet.PeerStateChange](),
		inbound:    newEventBus[meshnet.InboundBytes](),
	}
}

func (a *Adapter) Name() string { return "webrtc" }

// IsAvailable reports whether a Signaler is set: unlike a radio
// transport, WebRTC has no hardware precondition beyond the signaling
// channel the Signaler owns.
func (a *Adapter) IsAvailable(ctx context.Context) bool { return a.Signaler != nil }

// Initialize starts the background watch of the signaler's offer,
// answer and ICE-candidate streams.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.watchCancel != nil {
		a.mu.Unlock()
		return nil
	}
	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.mu.Unlock()

	a.watchWG.Add(3)
	go a.watchOffers(wctx)
	go a.watchAnswers(wctx)
	go a.watchICE(wctx)
	return nil
}

func (a *Adapter) watchOffers(ctx context.Context) {
	defer a.watchWG.Done()
	ch, cancel := a.Signaler.Offers()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.handleOffer(ctx, ev)
		}
	}
}

func (a *Adapter) watchAnswers(ctx context.Context) {
	defer a.watchWG.Done()
	ch, cancel := a.Signaler.Answers()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.handleAnswer(ev)
		}
	}
}

func (a *Adapter) watchICE(ctx context.Context) {
	defer a.watchWG.Done()
	ch, cancel := a.Signaler.ICECandidates()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.mu.Lock()
			pc, ok := a.conns[ev.FromPeerId]
			a.mu.Unlock()
			if ok {
				pc.pc.AddICECandidate(ev.Candidate)
			}
		}
	}
}

func (a *Adapter) handleOffer(ctx context.Context, ev IncomingOffer) {
	pc, err := pionrtc.NewPeerConnection(a.Config)
	if err != nil {
		return
	}
	conn := &peerConn{pc: pc, opened: make(chan struct{}), reassemb: make(map[int]string)}

	pc.OnICECandidate(func(c *pionrtc.ICECandidate) {
		if c == nil {
			return
		}
		a.Signaler.SendICECandidate(ctx, ev.FromPeerId, c.ToJSON())
	})
	pc.OnDataChannel(func(dc *pionrtc.DataChannel) {
		a.wireDataChannel(ev.FromPeerId, conn, dc)
	})

	if err := pc.SetRemoteDescription(ev.SDP); err != nil {
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return
	}

	a.mu.Lock()
	a.conns[ev.FromPeerId] = conn
	a.mu.Unlock()

	a.Signaler.SendAnswer(ctx, ev.FromPeerId, answer)
}

func (a *Adapter) handleAnswer(ev IncomingAnswer) {
	a.mu.Lock()
	conn, ok := a.conns[ev.FromPeerId]
	a.mu.Unlock()
	if !ok {
		return
	}
	conn.pc.SetRemoteDescription(ev.SDP)
}

func (a *Adapter) wireDataChannel(peerId string, conn *peerConn, dc *pionrtc.DataChannel) {
	conn.dc = dc
	dc.OnOpen(func() {
		conn.opened1.Do(func() { close(conn.opened) })
		a.stateCh.publish(meshnet.PeerStateChange{Id: peerId, State: meshnet.PeerConnected})
	})
	dc.OnClose(func() {
		a.mu.Lock()
		delete(a.conns, peerId)
		a.mu.Unlock()
		a.stateCh.publish(meshnet.PeerStateChange{Id: peerId, State: meshnet.PeerDisconnected})
	})
	dc.OnMessage(func(msg pionrtc.DataChannelMessage) {
		a.handleInboundFrame(peerId, conn, string(msg.Data))
	})
}

// handleInboundFrame reassembles a chunked frame, or passes an
// unchunked one straight through, before publishing the complete text
// upward. Reassembly state is scoped to one in-flight frame per peer;
// spec.md §4.3(d) only promises whole-payload delivery, not pipelined
// concurrent frames per link.
func (a *Adapter) handleInboundFrame(peerId string, conn *peerConn, frame string) {
	if !strings.HasPrefix(frame, chunkPrefix) {
		a.inbound.publish(meshnet.InboundBytes{FromPeerId: peerId, Data: []byte(frame)})
		return
	}

	rest := strings.TrimPrefix(frame, chunkPrefix)
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return
	}
	index, err1 := strconv.Atoi(parts[0])
	total, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || total <= 0 {
		return
	}
	payload := parts[2]

	conn.mu.Lock()
	if conn.total != total {
		conn.reassemb = make(map[int]string)
		conn.total = total
	}
	conn.reassemb[index] = payload
	complete := len(conn.reassemb) == total
	var full string
	if complete {
		var b strings.Builder
		for i := 0; i < total; i++ {
			b.WriteString(conn.reassemb[i])
		}
		full = b.String()
		conn.reassemb = make(map[int]string)
		conn.total = 0
	}
	conn.mu.Unlock()

	if complete {
		a.inbound.publish(meshnet.InboundBytes{FromPeerId: peerId, Data: []byte(full)})
	}
}

func (a *Adapter) StartDiscovery(ctx context.Context, serviceName string) error {
	a.watchWG.Add(1)
	go func() {
		defer a.watchWG.Done()
		ch, cancel := a.Signaler.Discovered()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				a.discovered.publish(ev)
			}
		}
	}()
	return nil
}

func (a *Adapter) StopDiscovery(ctx context.Context) error { return nil }

func (a *Adapter) StartAdvertising(ctx context.Context, local meshnet.Peer, serviceName string) error {
	a.mu.Lock()
	a.localId = local.Id
	a.mu.Unlock()
	return a.Signaler.Announce(ctx, local, serviceName)
}

func (a *Adapter) StopAdvertising(ctx context.Context) error {
	return a.Signaler.StopAnnounce(ctx)
}

// Connect creates a fresh PeerConnection, opens a "mesh" data channel,
// and sends an offer via the Signaler, waiting for the channel to open
// (which implies the answer/ICE exchange completed).
func (a *Adapter) Connect(ctx context.Context, peerId string) (*meshnet.ConnectedPeer, error) {
	a.mu.Lock()
	existing, ok := a.conns[peerId]
	a.mu.Unlock()
	if ok {
		select {
		case <-existing.opened:
			return &meshnet.ConnectedPeer{Id: peerId, TransportType: meshnet.TransportWebRTC}, nil
		default:
		}
	}

	pc, err := pionrtc.NewPeerConnection(a.Config)
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}
	conn := &peerConn{pc: pc, opened: make(chan struct{}), reassemb: make(map[int]string)}

	pc.OnICECandidate(func(c *pionrtc.ICECandidate) {
		if c == nil {
			return
		}
		a.Signaler.SendICECandidate(ctx, peerId, c.ToJSON())
	})

	dc, err := pc.CreateDataChannel("mesh", nil)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create data channel: %w", err)
	}
	a.wireDataChannel(peerId, conn, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("webrtc: set local description: %w", err)
	}

	a.mu.Lock()
	a.conns[peerId] = conn
	a.mu.Unlock()

	if err := a.Signaler.SendOffer(ctx, peerId, offer); err != nil {
		return nil, fmt.Errorf("webrtc: send offer: %w", err)
	}

	select {
	case <-conn.opened:
		return &meshnet.ConnectedPeer{Id: peerId, TransportType: meshnet.TransportWebRTC}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Adapter) Disconnect(ctx context.Context, peerId string) error {
	a.mu.Lock()
	conn, ok := a.conns[peerId]
	delete(a.conns, peerId)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.pc.Close()
}

// Send chunks text into chunkMTU-sized pieces (if needed) and writes
// each fragment to the peer's data channel, preserving FIFO order since
// a single data channel's Send calls are themselves ordered.
func (a *Adapter) Send(ctx context.Context, peerId string, text string) error {
	a.mu.Lock()
	conn, ok := a.conns[peerId]
	a.mu.Unlock()
	if !ok || conn.dc == nil {
		return meshnet.ErrTransportUnavailable
	}

	if len(text) <= chunkMTU {
		return conn.dc.SendText(text)
	}

	var chunks []string
	for i := 0; i < len(text); i += chunkMTU {
		end := i + chunkMTU
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[i:end])
	}
	for i, c := range chunks {
		frame := fmt.Sprintf("%s%d:%d:%s", chunkPrefix, i, len(chunks), c)
		if err := conn.dc.SendText(frame); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Dispose(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.watchCancel
	conns := a.conns
	a.conns = make(map[string]*peerConn)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.watchWG.Wait()

	for _, c := range conns {
		c.pc.Close()
	}
	return nil
}

func (a *Adapter) ConnectedPeers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.conns))
	for id, c := range a.conns {
		select {
		case <-c.opened:
			ids = append(ids, id)
		default:
		}
	}
	return ids
}

func (a *Adapter) Discovered() (<-chan meshnet.DiscoveredPeer, func())        { return a.discovered.subscribe() }
func (a *Adapter) PeerStateChanges() (<-chan meshnet.PeerStateChange, func()) { return a.stateCh.subscribe() }
func (a *Adapter) Inbound() (<-chan meshnet.InboundBytes, func())             { return a.inbound.subscribe() }
