package meshnet

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileProgress is published on the file-progress stream. The core only
// announces files (spec.md §3: chunk assembly is out of scope), so every
// event fires once, at announce time, with BytesDone left at zero; a
// consumer that wants real transfer progress wires chunk I/O itself on
// top of the FileAnnounce/FileChunk message types the wire format already
// carries through untouched.
type FileProgress struct {
	File      FileInfo
	PeerId    string
	BytesDone int64
	Done      bool
}

// Node composes a Router with one or more transport Adapters and mediates
// between the two: it drives discovery, auto-connect, the periodic
// peer-announce protocol, and dispatches locally delivered messages by
// type (spec.md §4.2).
type Node struct {
	cfg NodeConfig

	router *Router

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	adapters []Adapter
	// discoveredCache remembers the last DiscoveredPeer descriptor seen
	// for an id, so a bare "connected" state-change event (which carries
	// only an id) can still be turned into a reasonably complete Peer.
	discoveredCache map[string]DiscoveredPeer

	onMessage      *broadcaster[*Message]
	onPeerUpdate   *broadcaster[*Peer]
	onFileProgress *broadcaster[FileProgress]

	diag *diagLog
}

// New builds a Node around the given transport adapters. Start must be
// called before the node does anything.
func New(adapters []Adapter, opts ...NodeOption) *Node {
	cfg := DefaultNodeConfig()
	for _, o := range opts {
		o.apply(&cfg)
	}
	if cfg.PeerId == "" {
		cfg.PeerId = uuid.NewString()
	}
	cfg.DefaultTTL = clampTTL(cfg.DefaultTTL, DefaultMeshTTL)

	n := &Node{
		cfg:             cfg,
		adapters:        adapters,
		discoveredCache: make(map[string]DiscoveredPeer),
		onMessage:       newBroadcaster[*Message](),
		onPeerUpdate:    newBroadcaster[*Peer](),
		onFileProgress:  newBroadcaster[FileProgress](),
		diag:            newDiagLog(),
	}
	return n
}

// Id returns the local peer id.
func (n *Node) Id() string { return n.cfg.PeerId }

// Start probes every adapter, initializes the available ones, wires them
// to a fresh Router, and begins discovery/advertising/announce.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}

	n.router = NewRouter(n.cfg.PeerId, n.cfg.Username)
	n.router.SetSendFunc(n.sendToDirectPeer)

	var active []Adapter
	for _, a := range n.adapters {
		if !a.IsAvailable(ctx) {
			n.diag.logf("mesh:node:adapter_unavailable adapter=%s", a.Name())
			continue
		}
		if err := a.Initialize(ctx); err != nil {
			n.diag.logf("mesh:node:adapter_init_fail adapter=%s err=%s", a.Name(), err)
			continue
		}
		active = append(active, a)
	}
	if len(active) == 0 {
		n.mu.Unlock()
		return ErrNoAdapters
	}
	n.adapters = active

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.started = true
	n.mu.Unlock()

	n.router.Start()

	n.wg.Add(1)
	go n.dispatchLoop(runCtx)

	n.wg.Add(2)
	go n.watchRouterPeerUpdates(runCtx)
	go n.watchRouterPeerRemovals(runCtx)

	local := n.localPeer()
	for _, a := range active {
		n.wg.Add(3)
		go n.watchDiscovered(runCtx, a)
		go n.watchStateChanges(runCtx, a)
		go n.watchInbound(runCtx, a)

		if err := a.StartDiscovery(runCtx, n.cfg.ServiceName); err != nil {
			n.diag.logf("mesh:node:discovery_fail adapter=%s err=%s", a.Name(), err)
		}
		if n.cfg.AutoAdvertise {
			if err := a.StartAdvertising(runCtx, local, n.cfg.ServiceName); err != nil {
				n.diag.logf("mesh:node:advertise_fail adapter=%s err=%s", a.Name(), err)
			}
		}
	}

	n.wg.Add(1)
	go n.announceLoop(runCtx)

	return nil
}

// Stop cancels the announce timer, tears down every adapter (tolerant of
// individual failures), stops the router and closes the outward streams.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.started = false
	cancel := n.cancel
	adapters := n.adapters
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	n.wg.Wait()

	for _, a := range adapters {
		ctx := context.Background()
		if err := a.StopDiscovery(ctx); err != nil {
			n.diag.logf("mesh:node:stop_discovery_fail adapter=%s err=%s", a.Name(), err)
		}
		if err := a.StopAdvertising(ctx); err != nil {
			n.diag.logf("mesh:node:stop_advertise_fail adapter=%s err=%s", a.Name(), err)
		}
		if err := a.Dispose(ctx); err != nil {
			n.diag.logf("mesh:node:dispose_fail adapter=%s err=%s", a.Name(), err)
		}
	}

	n.router.Stop()
	n.onMessage.Close()
	n.onPeerUpdate.Close()
	n.onFileProgress.Close()
}

func (n *Node) localPeer() Peer {
	return Peer{
		Id:         n.cfg.PeerId,
		Username:   n.cfg.Username,
		State:      PeerConnected,
		HopCount:   0,
		LastSeenAt: nowMs(),
	}
}

// sendToDirectPeer is the Router's SendFunc: encode msg and hand it to
// whichever adapter currently holds a channel to peerId.
func (n *Node) sendToDirectPeer(ctx context.Context, peerId string, msg *Message) error {
	buf, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	n.mu.Lock()
	adapters := n.adapters
	n.mu.Unlock()

	for _, a := range adapters {
		for _, id := range a.ConnectedPeers() {
			if id == peerId {
				return a.Send(ctx, peerId, string(buf))
			}
		}
	}
	return ErrTransportUnavailable
}

func (n *Node) watchDiscovered(ctx context.Context, a Adapter) {
	defer n.wg.Done()
	ch, cancel := a.Discovered()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n.handleDiscovered(ctx, a, ev)
		}
	}
}

func (n *Node) handleDiscovered(ctx context.Context, a Adapter, ev DiscoveredPeer) {
	n.mu.Lock()
	n.discoveredCache[ev.Id] = ev
	n.mu.Unlock()

	if !n.cfg.AutoConnect || ev.Id == n.cfg.PeerId {
		return
	}
	if n.router.GetPeer(ev.Id) != nil {
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cp, err := a.Connect(connectCtx, ev.Id)
	if err != nil {
		n.diag.logf("mesh:node:auto_connect_fail adapter=%s peer=%s err=%s", a.Name(), ev.Id, err)
		return
	}

	n.router.AddDirectPeer(Peer{
		Id:            cp.Id,
		Username:      cp.Username,
		TransportType: cp.TransportType,
		Address:       cp.Address,
		Port:          cp.Port,
	})
}

func (n *Node) watchStateChanges(ctx context.Context, a Adapter) {
	defer n.wg.Done()
	ch, cancel := a.PeerStateChanges()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n.handleStateChange(ev)
		}
	}
}

func (n *Node) handleStateChange(ev PeerStateChange) {
	switch ev.State {
	case PeerConnected:
		n.mu.Lock()
		cached, ok := n.discoveredCache[ev.Id]
		n.mu.Unlock()

		p := Peer{Id: ev.Id}
		if ok {
			p.Username = cached.Username
			p.TransportType = cached.TransportType
			p.Address = cached.Address
			p.Port = cached.Port
		}
		n.router.AddDirectPeer(p)
	case PeerDisconnected:
		n.router.RemoveDirectPeer(ev.Id)
	}
	// n.onPeerUpdate is fed by watchRouterPeerUpdates/watchRouterPeerRemovals,
	// which re-publish whatever AddDirectPeer/RemoveDirectPeer just emitted
	// on the router's own streams; publishing here too would double it up.
}

func (n *Node) watchInbound(ctx context.Context, a Adapter) {
	defer n.wg.Done()
	ch, cancel := a.Inbound()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n.handleInbound(ctx, ev)
		}
	}
}

func (n *Node) handleInbound(ctx context.Context, ev InboundBytes) {
	msg, err := decodeMessage(ev.Data)
	if err != nil {
		n.diag.logf("mesh:node:decode_fail from=%s err=%s", ev.FromPeerId, err)
		return
	}
	n.router.ProcessIncoming(ctx, msg, ev.FromPeerId)
}

// watchRouterPeerUpdates re-publishes the router's peer-update stream
// onto the outward OnPeerUpdate stream, per spec.md §4.2 Startup
// ("Subscribe to the Router's delivery, peer-update streams"). This is
// the only path by which indirect peers learned via HandlePeerAnnounce
// and stale transitions from the health tick ever reach a caller.
func (n *Node) watchRouterPeerUpdates(ctx context.Context) {
	defer n.wg.Done()
	ch, cancel := n.router.PeerUpdates()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			n.onPeerUpdate.Publish(p)
		}
	}
}

// watchRouterPeerRemovals re-publishes the router's peer-removed stream
// (cascade evictions from RemoveDirectPeer) onto OnPeerUpdate as a
// disconnected peer, the same shape handleStateChange used to report a
// direct drop.
func (n *Node) watchRouterPeerRemovals(ctx context.Context) {
	defer n.wg.Done()
	ch, cancel := n.router.PeerRemovals()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-ch:
			if !ok {
				return
			}
			n.onPeerUpdate.Publish(&Peer{Id: id, State: PeerDisconnected})
		}
	}
}

// dispatchLoop consumes the router's local-delivery stream and performs
// the by-type dispatch of spec.md §4.2.
func (n *Node) dispatchLoop(ctx context.Context) {
	defer n.wg.Done()
	ch, cancel := n.router.Messages()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			n.dispatchByType(ctx, d)
		}
	}
}

func (n *Node) dispatchByType(ctx context.Context, d *Delivery) {
	msg := d.Msg
	switch msg.Type {
	case MsgData:
		n.onMessage.Publish(msg)
		n.publishFileProgress(msg)
	case MsgFileAnnounce:
		// wire.go decodes fileAnnounce into the same DataPayload shape
		// as data, so its FileInfo entries drive on_file_progress the
		// same way; the router still forwards the message as it does
		// any other type.
		n.publishFileProgress(msg)
	case MsgPeerAnnounce:
		ann, ok := msg.Payload.(PeerAnnounce)
		if !ok {
			return
		}
		n.router.HandlePeerAnnounce(&ann, d.FromPeerId)
	case MsgPing:
		// spec.md §4.2: the pong payload's pingId echoes ping.id, the
		// *message* id (S6: "A sends ping ... with id=p1"), not a
		// field nested inside the ping's own payload.
		reply := &Message{
			Type:      MsgPong,
			TargetIds: []string{msg.SourceId},
			Ttl:       n.cfg.DefaultTTL,
			Payload:   pongPayload{PingId: msg.Id},
		}
		if err := n.router.SendLocal(ctx, reply); err != nil {
			n.diag.logf("mesh:node:pong_fail to=%s err=%s", msg.SourceId, err)
		}
	default:
		// reserved/unknown types are forwarded by the router already;
		// there is nothing further for the node to act on.
	}
}

func (n *Node) publishFileProgress(msg *Message) {
	dp, ok := msg.Payload.(DataPayload)
	if !ok {
		return
	}
	for _, f := range dp.Files {
		n.onFileProgress.Publish(FileProgress{File: f, PeerId: msg.SourceId, BytesDone: 0, Done: false})
	}
}

func (n *Node) announceLoop(ctx context.Context) {
	defer n.wg.Done()
	t := time.NewTicker(n.cfg.AnnounceInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.sendAnnounce(ctx)
		}
	}
}

func (n *Node) sendAnnounce(ctx context.Context) {
	ann := n.router.BuildSelfAnnounce()
	msg := &Message{
		Type:    MsgPeerAnnounce,
		Ttl:     n.cfg.DefaultTTL,
		Payload: *ann,
	}
	if err := n.router.SendLocal(ctx, msg); err != nil {
		n.diag.logf("mesh:node:announce_fail err=%s", err)
	}
}

// Broadcast sends text/files/customData to every reachable peer.
func (n *Node) Broadcast(ctx context.Context, text string, files []FileInfo, custom map[string]any, ttl int) error {
	if !n.isStarted() {
		return ErrNotInitialized
	}
	msg := &Message{
		Type:    MsgData,
		Ttl:     clampTTL(ttl, n.cfg.DefaultTTL),
		Payload: DataPayload{Text: text, Files: files, CustomData: custom},
	}
	return n.router.SendLocal(ctx, msg)
}

// SendTo sends text/files/customData to a specific set of peer ids.
func (n *Node) SendTo(ctx context.Context, peerIds []string, text string, files []FileInfo, custom map[string]any, ttl int) error {
	if !n.isStarted() {
		return ErrNotInitialized
	}
	known := false
	for _, id := range peerIds {
		if n.router.GetPeer(id) != nil {
			known = true
			break
		}
	}
	if !known {
		return ErrPeerNotFound
	}
	msg := &Message{
		Type:      MsgData,
		TargetIds: peerIds,
		Ttl:       clampTTL(ttl, n.cfg.DefaultTTL),
		Payload:   DataPayload{Text: text, Files: files, CustomData: custom},
	}
	return n.router.SendLocal(ctx, msg)
}

// clampTTL applies the caller-supplied ttl if set, falling back to def,
// and caps the result at MaxMeshTTL (spec.md §6.2) so a misbehaving
// caller can't push a message further than the overlay allows.
func clampTTL(ttl, def int) int {
	if ttl <= 0 {
		ttl = def
	}
	if ttl > MaxMeshTTL {
		ttl = MaxMeshTTL
	}
	return ttl
}

// SendToPeer is a convenience wrapper around SendTo for a single target.
func (n *Node) SendToPeer(ctx context.Context, peerId string, text string, files []FileInfo, custom map[string]any, ttl int) error {
	return n.SendTo(ctx, []string{peerId}, text, files, custom, ttl)
}

// ConnectToPeer asks each adapter in turn to connect to peerId, stopping
// at the first that succeeds; ErrPeerNotFound if none does.
func (n *Node) ConnectToPeer(ctx context.Context, peerId string) error {
	if !n.isStarted() {
		return ErrNotInitialized
	}

	n.mu.Lock()
	adapters := n.adapters
	n.mu.Unlock()

	for _, a := range adapters {
		for _, id := range a.ConnectedPeers() {
			if id == peerId {
				return nil // already connected
			}
		}
	}

	for _, a := range adapters {
		cp, err := a.Connect(ctx, peerId)
		if err != nil {
			continue
		}
		n.router.AddDirectPeer(Peer{
			Id:            cp.Id,
			Username:      cp.Username,
			TransportType: cp.TransportType,
			Address:       cp.Address,
			Port:          cp.Port,
		})
		return nil
	}
	return ErrPeerNotFound
}

// DisconnectPeer tears down any adapter connection to peerId and removes
// it as a direct peer.
func (n *Node) DisconnectPeer(ctx context.Context, peerId string) error {
	if !n.isStarted() {
		return ErrNotInitialized
	}

	n.mu.Lock()
	adapters := n.adapters
	n.mu.Unlock()

	for _, a := range adapters {
		_ = a.Disconnect(ctx, peerId)
	}
	n.router.RemoveDirectPeer(peerId)
	return nil
}

// Peers returns the full routing table.
func (n *Node) Peers() []*Peer {
	if !n.isStarted() {
		return nil
	}
	return n.router.GetPeers()
}

// DirectPeers returns only one-hop peers.
func (n *Node) DirectPeers() []*Peer {
	if !n.isStarted() {
		return nil
	}
	return n.router.GetDirectPeers()
}

// PeerCount returns the size of the routing table.
func (n *Node) PeerCount() int {
	if !n.isStarted() {
		return 0
	}
	return n.router.PeerCount()
}

// GetPeer looks up a single peer by id.
func (n *Node) GetPeer(id string) *Peer {
	if !n.isStarted() {
		return nil
	}
	return n.router.GetPeer(id)
}

// OnMessage subscribes to application data messages delivered locally.
func (n *Node) OnMessage() (<-chan *Message, func()) {
	return n.onMessage.Subscribe()
}

// OnPeerUpdate subscribes to peer table changes.
func (n *Node) OnPeerUpdate() (<-chan *Peer, func()) {
	return n.onPeerUpdate.Subscribe()
}

// OnFileProgress subscribes to file announce/progress events.
func (n *Node) OnFileProgress() (<-chan FileProgress, func()) {
	return n.onFileProgress.Subscribe()
}

func (n *Node) isStarted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

// DumpInfo writes a human-readable diagnostic summary, in the spirit of
// the teacher's Agent.DumpInfo: identity, routing table, dedup cache
// occupancy, and the recent event trail.
func (n *Node) DumpInfo(w io.Writer) {
	fmt.Fprintf(w, "Mesh Node\n=========\n\n")
	fmt.Fprintf(w, "Local username: %s\n", n.cfg.Username)
	fmt.Fprintf(w, "Local id:       %s\n", n.cfg.PeerId)
	fmt.Fprintf(w, "Started:        %v\n", n.isStarted())
	if n.router != nil {
		fmt.Fprintf(w, "Dedup cache:    %d entries\n", n.router.DedupCacheSize())
	}
	fmt.Fprintf(w, "\n")

	for _, p := range n.Peers() {
		fmt.Fprintf(w, "Peer: %s (%s) hop=%d state=%s next_hop=%s\n",
			p.Username, p.Id, p.HopCount, p.State, p.NextHopPeerId)
	}
	fmt.Fprintf(w, "\n")

	n.diag.dump(w)
}
