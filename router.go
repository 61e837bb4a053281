package meshnet

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SendFunc is the callback a Router uses to hand a message to a directly
// connected peer for link-layer delivery. The Node supplies this when it
// wires itself to a Router; the Router never talks to an Adapter
// directly (spec.md §4.2: "the Mesh Node is single-owner of adapter
// handles").
type SendFunc func(ctx context.Context, directPeerId string, msg *Message) error

type dedupEntry struct {
	id string
	ts time.Time
}

// Delivery is what the Router publishes on its local-delivery stream: a
// message addressed to this node, plus the direct peer it arrived over.
// Node needs the latter to install correct next-hop pointers when the
// message is a peer announce (spec.md §9's "received-from" open
// question, resolved here by threading the identity through rather than
// assuming ttl=1).
type Delivery struct {
	Msg        *Message
	FromPeerId string
}

// Router owns the routing table and the message-id dedup cache. It is the
// single owner of that state (spec.md §4.1/§5); every mutating method
// takes the router's mutex, and no suspending call is ever made while
// that mutex is held.
type Router struct {
	localId       string
	localUsername string

	mu      sync.Mutex
	table   map[string]*Peer
	direct  map[string]bool
	dedupIx map[string]*list.Element
	dedupLs *list.List // of dedupEntry, oldest at Front

	send SendFunc

	messages  *broadcaster[*Delivery]
	peerUps   *broadcaster[*Peer]
	peerDels  *broadcaster[string]

	healthInterval time.Duration
	staleTimeout   time.Duration
	dedupWindow    time.Duration
	dedupCap       int

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRouter builds a fresh Router keyed by the local peer's identity. It
// does not start its background ticks; call Start for that.
func NewRouter(localId, localUsername string) *Router {
	return &Router{
		localId:        localId,
		localUsername:  localUsername,
		table:          make(map[string]*Peer),
		direct:         make(map[string]bool),
		dedupIx:        make(map[string]*list.Element),
		dedupLs:        list.New(),
		messages:       newBroadcaster[*Delivery](),
		peerUps:        newBroadcaster[*Peer](),
		peerDels:       newBroadcaster[string](),
		healthInterval: PeerHealthCheckInterval,
		staleTimeout:   PeerStaleTimeout,
		dedupWindow:    MessageDeduplicationWindow,
		dedupCap:       MaxDeduplicationCacheSize,
	}
}

// SetSendFunc wires the link-layer delivery callback. Must be called
// before Start.
func (r *Router) SetSendFunc(f SendFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.send = f
}

// Start launches the health-check and dedup-cleanup ticks.
func (r *Router) Start() {
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	r.stop = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.tickLoop()
}

// Stop cancels the background ticks and closes the outward streams.
func (r *Router) Stop() {
	r.mu.Lock()
	stop := r.stop
	r.stop = nil
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		r.wg.Wait()
	}

	r.messages.Close()
	r.peerUps.Close()
	r.peerDels.Close()
}

func (r *Router) tickLoop() {
	defer r.wg.Done()

	health := time.NewTicker(r.healthInterval)
	defer health.Stop()
	dedup := time.NewTicker(r.dedupWindow)
	defer dedup.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-health.C:
			r.healthTick()
		case <-dedup.C:
			r.dedupCleanupTick()
		}
	}
}

// Messages is the local-delivery stream: messages addressed to this node.
func (r *Router) Messages() (<-chan *Delivery, func()) {
	return r.messages.Subscribe()
}

// PeerUpdates fires whenever a table entry is installed or mutated.
func (r *Router) PeerUpdates() (<-chan *Peer, func()) {
	return r.peerUps.Subscribe()
}

// PeerRemovals fires once per peer id evicted from the table.
func (r *Router) PeerRemovals() (<-chan string, func()) {
	return r.peerDels.Subscribe()
}

// AddDirectPeer registers p as a one-hop peer, connected right now.
func (r *Router) AddDirectPeer(p Peer) {
	p.HopCount = 0
	p.NextHopPeerId = ""
	p.State = PeerConnected
	p.LastSeenAt = nowMs()

	r.mu.Lock()
	r.table[p.Id] = p.clone()
	r.direct[p.Id] = true
	out := p.clone()
	r.mu.Unlock()

	r.peerUps.Publish(out)
}

// RemoveDirectPeer tears down a one-hop peer and cascades the eviction to
// every entry that routed through it (spec.md §4.1, Property 5).
func (r *Router) RemoveDirectPeer(id string) {
	r.mu.Lock()
	delete(r.direct, id)

	removed := []string{}
	if _, ok := r.table[id]; ok {
		delete(r.table, id)
		removed = append(removed, id)
	}
	for pid, p := range r.table {
		if p.NextHopPeerId == id {
			delete(r.table, pid)
			removed = append(removed, pid)
		}
	}
	r.mu.Unlock()

	for _, pid := range removed {
		r.peerDels.Publish(pid)
	}
}

// HandlePeerAnnounce folds a received announcement into the routing
// table. fromPeerId is the direct peer the announcement arrived through;
// since announcements travel with ttl = default_ttl rather than being
// restricted to direct neighbors, the router cannot assume source_id
// equals the direct sender and instead relies on the caller (Node) to
// thread the adjacent peer's identity through from the inbound event.
func (r *Router) HandlePeerAnnounce(ann *PeerAnnounce, fromPeerId string) {
	var updates []*Peer

	r.mu.Lock()
	if existing, ok := r.table[ann.Peer.Id]; ok {
		existing.LastSeenAt = nowMs()
		if existing.State == PeerStale {
			existing.State = PeerConnected
			updates = append(updates, existing.clone())
		}
	}

	for _, kp := range ann.KnownPeers {
		if kp.Id == r.localId {
			continue
		}
		candidateHop := kp.HopCount + 1

		existing, ok := r.table[kp.Id]
		if !ok || existing.HopCount > candidateHop {
			installed := &Peer{
				Id:            kp.Id,
				Username:      kp.Username,
				TransportType: kp.TransportType,
				State:         PeerConnected,
				HopCount:      candidateHop,
				NextHopPeerId: fromPeerId,
				LastSeenAt:    nowMs(),
				Metadata:      kp.Metadata,
			}
			r.table[kp.Id] = installed
			updates = append(updates, installed.clone())
		}
		// else: existing route is shorter or equal cost; ties do not
		// swap, avoiding route flapping (spec.md §4.1, Property 6).
	}
	r.mu.Unlock()

	for _, p := range updates {
		r.peerUps.Publish(p)
	}
}

// ProcessIncoming runs the inbound-message pipeline of spec.md §4.1:
// dedup, mark-seen, sender-liveness refresh, local delivery and
// forwarding. fromPeerId is the direct peer msg arrived over, used for
// horizon-split/no-bounceback. Returns false if msg was dropped as a
// duplicate, true if it was processed (regardless of whether it was
// delivered locally, forwarded, both, or neither).
func (r *Router) ProcessIncoming(ctx context.Context, msg *Message, fromPeerId string) bool {
	r.mu.Lock()
	if r.seenLocked(msg.Id) {
		r.mu.Unlock()
		return false
	}
	r.markSeenLocked(msg.Id)

	var revived *Peer
	if src, ok := r.table[msg.SourceId]; ok {
		src.LastSeenAt = nowMs()
		if src.State == PeerStale {
			src.State = PeerConnected
			revived = src.clone()
		}
	}

	isForUs := msg.IsForPeer(r.localId)
	newTtl := msg.Ttl - 1
	canForward := newTtl > 0
	hasOtherTarget := false
	for _, t := range msg.TargetIds {
		if t != r.localId {
			hasOtherTarget = true
			break
		}
	}
	shouldForward := canForward && (msg.IsBroadcast() || hasOtherTarget)

	var broadcastTo []string
	var targetedTo []string
	if shouldForward {
		if msg.IsBroadcast() {
			for id := range r.direct {
				if id != fromPeerId {
					broadcastTo = append(broadcastTo, id)
				}
			}
		} else {
			seen := map[string]bool{}
			for _, t := range msg.TargetIds {
				if t == r.localId {
					continue
				}
				nh, ok := r.nextHopLocked(t)
				if !ok || nh == "" || nh == fromPeerId {
					continue
				}
				if !seen[nh] {
					seen[nh] = true
					targetedTo = append(targetedTo, nh)
				}
			}
		}
	}
	r.mu.Unlock()

	if revived != nil {
		r.peerUps.Publish(revived)
	}

	if isForUs {
		r.messages.Publish(&Delivery{Msg: msg, FromPeerId: fromPeerId})
	}

	if shouldForward {
		fwd := *msg
		fwd.Ttl = newTtl
		r.dispatch(ctx, append(broadcastTo, targetedTo...), &fwd)
	}

	return true
}

// SendLocal originates msg from this node: it is pre-marked seen (so a
// looped-back echo is dropped) and then fanned out to the resolved next
// hops.
func (r *Router) SendLocal(ctx context.Context, msg *Message) error {
	if msg.Id == "" {
		msg.Id = newMessageId()
	}
	msg.SourceId = r.localId
	msg.SourceUsername = r.localUsername
	if msg.CreatedAt == 0 {
		msg.CreatedAt = nowMs()
	}
	if msg.Ttl <= 0 {
		msg.Ttl = DefaultMeshTTL
	}

	r.mu.Lock()
	r.markSeenLocked(msg.Id)

	var recipients []string
	if msg.IsBroadcast() {
		for id := range r.direct {
			recipients = append(recipients, id)
		}
	} else {
		seen := map[string]bool{}
		for _, t := range msg.TargetIds {
			if t == r.localId {
				continue
			}
			nh, ok := r.nextHopLocked(t)
			if !ok || nh == "" {
				continue
			}
			if !seen[nh] {
				seen[nh] = true
				recipients = append(recipients, nh)
			}
		}
		if len(recipients) == 0 {
			r.mu.Unlock()
			return ErrRoutingUnavailable
		}
	}
	r.mu.Unlock()

	r.dispatch(ctx, recipients, msg)
	return nil
}

// dispatch sends msg to every recipient via the send callback. Each send
// runs independently so a slow/failing peer never blocks the others;
// per-recipient errors are logged, not returned (spec.md §4.1 Failure
// semantics).
func (r *Router) dispatch(ctx context.Context, recipients []string, msg *Message) {
	r.mu.Lock()
	send := r.send
	r.mu.Unlock()

	if send == nil || len(recipients) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, id := range recipients {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := send(ctx, id, msg); err != nil {
				slog.Warn(fmt.Sprintf("[mesh] failed to send message %s to %s: %s", msg.Id, id, err),
					"event", "mesh:router:send_fail")
			}
		}(id)
	}
	wg.Wait()
}

// NextHop resolves which direct peer a message for target must go
// through next: target itself if it's already direct, otherwise the
// table entry's recorded next hop, or "" if unroutable.
func (r *Router) NextHop(target string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextHopLocked(target)
}

func (r *Router) nextHopLocked(target string) (string, bool) {
	if r.direct[target] {
		return target, true
	}
	if p, ok := r.table[target]; ok {
		if p.NextHopPeerId == "" {
			return "", false
		}
		return p.NextHopPeerId, true
	}
	return "", false
}

// BuildSelfAnnounce assembles the payload of a peer-announce message:
// this node at hop_count 0 plus every non-local entry currently known.
func (r *Router) BuildSelfAnnounce() *PeerAnnounce {
	r.mu.Lock()
	defer r.mu.Unlock()

	known := make([]Peer, 0, len(r.table))
	for id, p := range r.table {
		if id == r.localId {
			continue
		}
		known = append(known, *p.clone())
	}

	return &PeerAnnounce{
		Peer: Peer{
			Id:         r.localId,
			Username:   r.localUsername,
			State:      PeerConnected,
			HopCount:   0,
			LastSeenAt: nowMs(),
		},
		KnownPeers: known,
	}
}

// GetPeer returns a snapshot of a single table entry, or nil.
func (r *Router) GetPeer(id string) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table[id].clone()
}

// GetPeers returns a snapshot of the full routing table, sorted.
func (r *Router) GetPeers() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(sortablePeers, 0, len(r.table))
	for _, p := range r.table {
		out = append(out, p.clone())
	}
	sort.Sort(out)
	return out
}

// GetDirectPeers returns a snapshot of just the one-hop peers.
func (r *Router) GetDirectPeers() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(sortablePeers, 0, len(r.direct))
	for id := range r.direct {
		if p, ok := r.table[id]; ok {
			out = append(out, p.clone())
		}
	}
	sort.Sort(out)
	return out
}

// PeerCount returns the number of entries in the full table.
func (r *Router) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}

func (r *Router) healthTick() {
	now := time.Now()
	var staled []*Peer

	r.mu.Lock()
	cutoff := now.Add(-r.staleTimeout).UnixMilli()
	for _, p := range r.table {
		if p.LastSeenAt < cutoff && p.State != PeerStale {
			p.State = PeerStale
			staled = append(staled, p.clone())
		}
	}
	r.mu.Unlock()

	for _, p := range staled {
		r.peerUps.Publish(p)
	}
}

func (r *Router) dedupCleanupTick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked(time.Now())
}

// seenLocked reports whether id is currently in the dedup cache. Must be
// called with r.mu held.
func (r *Router) seenLocked(id string) bool {
	_, ok := r.dedupIx[id]
	return ok
}

// markSeenLocked inserts id into the dedup cache, enforcing both the size
// cap (oldest-inserted eviction) and the time window. Must be called with
// r.mu held.
func (r *Router) markSeenLocked(id string) {
	if _, ok := r.dedupIx[id]; ok {
		return
	}

	now := time.Now()
	el := r.dedupLs.PushBack(dedupEntry{id: id, ts: now})
	r.dedupIx[id] = el

	r.evictExpiredLocked(now)

	for r.dedupLs.Len() > r.dedupCap {
		front := r.dedupLs.Front()
		if front == nil {
			break
		}
		e := front.Value.(dedupEntry)
		delete(r.dedupIx, e.id)
		r.dedupLs.Remove(front)
	}
}

// evictExpiredLocked drops dedup entries older than the dedup window.
// Must be called with r.mu held.
func (r *Router) evictExpiredLocked(now time.Time) {
	cutoff := now.Add(-r.dedupWindow)
	for {
		front := r.dedupLs.Front()
		if front == nil {
			return
		}
		e := front.Value.(dedupEntry)
		if e.ts.After(cutoff) {
			return
		}
		delete(r.dedupIx, e.id)
		r.dedupLs.Remove(front)
	}
}

// DedupCacheSize reports how many message ids are currently remembered;
// exposed for diagnostics (Node.DumpInfo) and tests.
func (r *Router) DedupCacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dedupLs.Len()
}
