// Package lan implements mesh's "direct-socket mode" transport adapter:
// peer discovery via a UDP broadcast beacon and message delivery over a
// plain websocket connection per peer, one text frame per mesh message.
package lan

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KarpelesLab/meshnet"
)

// beacon is the JSON payload broadcast over UDP so nearby nodes can learn
// each other's websocket listen address without a rendezvous server.
type beacon struct {
	Id          string `json:"id"`
	Username    string `json:"username"`
	ServiceName string `json:"serviceName"`
	Port        int    `json:"port"`
}

// Adapter is a meshnet.Adapter backed by UDP discovery and websocket
// delivery, suited to peers reachable on a shared local network segment.
type Adapter struct {
	// ListenPort is the TCP port the websocket server binds to. Zero
	// picks a free port.
	ListenPort int
	// BeaconPort is the UDP port discovery beacons are broadcast and
	// listened for on. New sets it to 47631.
	BeaconPort int
	// BroadcastAddr is the UDP broadcast address beacons are sent to,
	// e.g. "255.255.255.255". New sets it to the limited broadcast address.
	BroadcastAddr string

	mu          sync.Mutex
	localId     string
	localUser   string
	serviceName string

	listener   net.Listener
	server     *http.Server
	actualPort int

	udpConn      *net.UDPConn
	beaconCancel context.CancelFunc
	beaconWG     sync.WaitGroup

	conns map[string]*wsConn // peerId -> connection

	// discoveredAddrs remembers the most recent beacon address/port for
	// each peer id, so Connect can resolve a target without re-consuming
	// the Discovered() stream itself.
	discoveredAddrs map[string]discoveredAddr

	discovered *eventBus[meshnet.DiscoveredPeer]
	stateCh    *eventBus[meshnet.PeerStateChange]
	inbound    *eventBus[meshnet.InboundBytes]
}

type discoveredAddr struct {
	addr string
	port int
}

type wsConn struct {
	peerId string
	conn   *websocket.Conn
	mu     sync.Mutex // guards writes; gorilla connections are not write-concurrent-safe
}

// New builds a LAN adapter. Call Initialize before use.
func New() *Adapter {
	return &Adapter{
		BeaconPort:      47631,
		BroadcastAddr:   "255.255.255.255",
		conns:           make(map[string]*wsConn),
		discoveredAddrs: make(map[string]discoveredAddr),
		discovered:      newEventBus[meshnet.DiscoveredPeer](),
		stateCh:         newEventBus[meshnet.PeerStateChange](),
		inbound:         newEventBus[meshnet.InboundBytes](),
	}
}

func (a *Adapter) Name() string { return "lan" }

// IsAvailable reports whether any non-loopback IPv4 interface exists.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipNet.IP.To4() != nil {
			return true
		}
	}
	return false
}

// Initialize starts the websocket listener. Idempotent.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.ListenPort))
	if err != nil {
		return fmt.Errorf("lan: listen: %w", err)
	}
	a.listener = ln
	a.actualPort = ln.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/mesh", a.handleUpgrade)
	a.server = &http.Server{Handler: mux}
	go a.server.Serve(ln)

	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (a *Adapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	peerId := r.URL.Query().Get("id")
	if peerId == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wc := &wsConn{peerId: peerId, conn: c}
	a.mu.Lock()
	a.conns[peerId] = wc
	a.mu.Unlock()

	a.stateCh.publish(meshnet.PeerStateChange{Id: peerId, State: meshnet.PeerConnected})
	a.readLoop(wc)
}

// StartDiscovery begins listening for UDP beacons from other peers
// advertising serviceName.
func (a *Adapter) StartDiscovery(ctx context.Context, serviceName string) error {
	a.mu.Lock()
	a.serviceName = serviceName
	if a.udpConn != nil {
		a.mu.Unlock()
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: a.BeaconPort})
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("lan: udp listen: %w", err)
	}
	a.udpConn = conn
	a.mu.Unlock()

	go a.discoveryLoop(conn, serviceName)
	return nil
}

func (a *Adapter) discoveryLoop(conn *net.UDPConn, serviceName string) {
	buf := make([]byte, 2048)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // conn closed
		}
		var b beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil {
			continue
		}
		if b.ServiceName != serviceName || b.Id == a.localId {
			continue
		}
		a.mu.Lock()
		a.discoveredAddrs[b.Id] = discoveredAddr{addr: src.IP.String(), port: b.Port}
		a.mu.Unlock()
		a.discovered.publish(meshnet.DiscoveredPeer{
			Id:            b.Id,
			Username:      b.Username,
			TransportType: meshnet.TransportLAN,
			Address:       src.IP.String(),
			Port:          b.Port,
		})
	}
}

func (a *Adapter) StopDiscovery(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.udpConn != nil {
		a.udpConn.Close()
		a.udpConn = nil
	}
	return nil
}

// StartAdvertising periodically broadcasts a beacon announcing local on
// BeaconPort, until ctx is canceled.
func (a *Adapter) StartAdvertising(ctx context.Context, local meshnet.Peer, serviceName string) error {
	a.mu.Lock()
	a.localId = local.Id
	a.localUser = local.Username
	port := a.actualPort
	a.mu.Unlock()

	bctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.beaconCancel = cancel
	a.mu.Unlock()

	conn, err := net.Dial("udp4", fmt.Sprintf("%s:%d", a.BroadcastAddr, a.BeaconPort))
	if err != nil {
		return fmt.Errorf("lan: beacon dial: %w", err)
	}

	payload, _ := json.Marshal(beacon{
		Id:          local.Id,
		Username:    local.Username,
		ServiceName: serviceName,
		Port:        port,
	})

	a.beaconWG.Add(1)
	go func() {
		defer a.beaconWG.Done()
		defer conn.Close()
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		conn.Write(payload)
		for {
			select {
			case <-bctx.Done():
				return
			case <-t.C:
				conn.Write(payload)
			}
		}
	}()
	return nil
}

func (a *Adapter) StopAdvertising(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.beaconCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.beaconWG.Wait()
	return nil
}

// Connect dials the websocket listener of a previously discovered peer.
func (a *Adapter) Connect(ctx context.Context, peerId string) (*meshnet.ConnectedPeer, error) {
	a.mu.Lock()
	if existing, ok := a.conns[peerId]; ok && existing != nil {
		a.mu.Unlock()
		return &meshnet.ConnectedPeer{Id: peerId, TransportType: meshnet.TransportLAN}, nil
	}
	a.mu.Unlock()

	addr, port, ok := a.lookupDiscovered(peerId)
	if !ok {
		return nil, fmt.Errorf("lan: %w: %s", meshnet.ErrPeerNotFound, peerId)
	}

	url := fmt.Sprintf("ws://%s:%s/mesh?id=%s", addr, strconv.Itoa(port), a.localId)
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("lan: dial %s: %w", peerId, err)
	}

	wc := &wsConn{peerId: peerId, conn: c}
	a.mu.Lock()
	a.conns[peerId] = wc
	a.mu.Unlock()

	go a.readLoop(wc)

	return &meshnet.ConnectedPeer{Id: peerId, TransportType: meshnet.TransportLAN, Address: addr, Port: port}, nil
}

func (a *Adapter) lookupDiscovered(peerId string) (string, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.discoveredAddrs[peerId]
	return e.addr, e.port, ok
}

func (a *Adapter) Disconnect(ctx context.Context, peerId string) error {
	a.mu.Lock()
	wc, ok := a.conns[peerId]
	delete(a.conns, peerId)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return wc.conn.Close()
}

func (a *Adapter) Send(ctx context.Context, peerId string, text string) error {
	a.mu.Lock()
	wc, ok := a.conns[peerId]
	a.mu.Unlock()
	if !ok {
		return meshnet.ErrTransportUnavailable
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (a *Adapter) Dispose(ctx context.Context) error {
	a.StopDiscovery(ctx)
	a.StopAdvertising(ctx)

	a.mu.Lock()
	conns := a.conns
	a.conns = make(map[string]*wsConn)
	server := a.server
	a.mu.Unlock()

	for _, wc := range conns {
		wc.conn.Close()
	}
	if server != nil {
		server.Close()
	}
	return nil
}

func (a *Adapter) ConnectedPeers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.conns))
	for id := range a.conns {
		ids = append(ids, id)
	}
	return ids
}

func (a *Adapter) Discovered() (<-chan meshnet.DiscoveredPeer, func())        { return a.discovered.subscribe() }
func (a *Adapter) PeerStateChanges() (<-chan meshnet.PeerStateChange, func()) { return a.stateCh.subscribe() }
func (a *Adapter) Inbound() (<-chan meshnet.InboundBytes, func())             { return a.inbound.subscribe() }

func (a *Adapter) readLoop(wc *wsConn) {
	defer func() {
		a.mu.Lock()
		delete(a.conns, wc.peerId)
		a.mu.Unlock()
		a.stateCh.publish(meshnet.PeerStateChange{Id: wc.peerId, State: meshnet.PeerDisconnected})
	}()

	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		a.inbound.publish(meshnet.InboundBytes{FromPeerId: wc.peerId, Data: data})
	}
}
