package meshnet

import (
	"context"
	"testing"
	"time"
)

// wireRouters installs a SendFunc on each router that hands a forwarded
// or locally-originated message straight to the router of the direct
// peer it was addressed to, simulating an instantaneous in-process
// transport so the router's routing logic can be exercised without any
// adapter.
func wireRouters(routers map[string]*Router) {
	for id, r := range routers {
		r, id := r, id
		r.SetSendFunc(func(ctx context.Context, directPeerId string, msg *Message) error {
			nb, ok := routers[directPeerId]
			if !ok {
				return ErrPeerNotFound
			}
			cp := *msg
			nb.ProcessIncoming(ctx, &cp, id)
			return nil
		})
	}
}

func connectDirect(a, b *Router) {
	a.AddDirectPeer(Peer{Id: b.localId, Username: b.localUsername})
	b.AddDirectPeer(Peer{Id: a.localId, Username: a.localUsername})
}

func drainDeliveries(t *testing.T, r *Router) *[]*Delivery {
	t.Helper()
	ch, cancel := r.Messages()
	t.Cleanup(cancel)
	got := []*Delivery{}
	go func() {
		for d := range ch {
			got = append(got, d)
		}
	}()
	return &got
}

// TestLineBroadcastTTL is spec.md scenario S1: A-B-C, A broadcasts with
// ttl=3; B delivers locally and forwards with ttl=2; C delivers locally
// and has nowhere else to forward.
func TestLineBroadcastTTL(t *testing.T) {
	a := NewRouter("A", "alice")
	b := NewRouter("B", "bob")
	c := NewRouter("C", "carol")
	routers := map[string]*Router{"A": a, "B": b, "C": c}
	wireRouters(routers)

	connectDirect(a, b)
	connectDirect(b, c)

	ctx := context.Background()

	bDeliv := drainDeliveries(t, b)
	cDeliv := drainDeliveries(t, c)
	aDeliv := drainDeliveries(t, a)

	msg := &Message{Type: MsgData, Ttl: 3, Payload: DataPayload{Text: "hi"}}
	if err := a.SendLocal(ctx, msg); err != nil {
		t.Fatalf("SendLocal: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if len(*bDeliv) != 1 || (*bDeliv)[0].Msg.Ttl != 3 {
		t.Fatalf("expected B to deliver once at ttl=3, got %+v", *bDeliv)
	}
	if len(*cDeliv) != 1 || (*cDeliv)[0].Msg.Ttl != 2 {
		t.Fatalf("expected C to deliver once at ttl=2, got %+v", *cDeliv)
	}
	if len(*aDeliv) != 0 {
		t.Fatalf("expected A to never see its own broadcast, got %+v", *aDeliv)
	}
}

// TestTargetedThroughIntermediate is spec.md scenario S2: A sends to C
// through B, learned via announce.
func TestTargetedThroughIntermediate(t *testing.T) {
	a := NewRouter("A", "alice")
	b := NewRouter("B", "bob")
	c := NewRouter("C", "carol")
	routers := map[string]*Router{"A": a, "B": b, "C": c}
	wireRouters(routers)

	connectDirect(a, b)
	connectDirect(b, c)

	// B tells A it knows C at hop_count 0.
	a.HandlePeerAnnounce(&PeerAnnounce{
		Peer:       Peer{Id: "B", Username: "bob"},
		KnownPeers: []Peer{{Id: "C", Username: "carol", HopCount: 0}},
	}, "B")

	nh, ok := a.NextHop("C")
	if !ok || nh != "B" {
		t.Fatalf("expected A's next hop to C to be B, got %q ok=%v", nh, ok)
	}

	ctx := context.Background()
	cDeliv := drainDeliveries(t, c)
	bDeliv := drainDeliveries(t, b)

	msg := &Message{Type: MsgData, TargetIds: []string{"C"}, Ttl: 3, Payload: DataPayload{Text: "for C"}}
	if err := a.SendLocal(ctx, msg); err != nil {
		t.Fatalf("SendLocal: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if len(*bDeliv) != 0 {
		t.Fatalf("B is not a target, should not deliver locally, got %+v", *bDeliv)
	}
	if len(*cDeliv) != 1 || (*cDeliv)[0].Msg.Ttl != 2 {
		t.Fatalf("expected C to deliver once at ttl=2, got %+v", *cDeliv)
	}
}

// TestTriangleDuplicateSuppression is spec.md scenario S3: A broadcasts
// in a triangle A-B-C-A; B and C each forward to one another and the
// echo is dropped by dedup, so each of B and C delivers exactly once.
func TestTriangleDuplicateSuppression(t *testing.T) {
	a := NewRouter("A", "alice")
	b := NewRouter("B", "bob")
	c := NewRouter("C", "carol")
	routers := map[string]*Router{"A": a, "B": b, "C": c}
	wireRouters(routers)

	connectDirect(a, b)
	connectDirect(a, c)
	connectDirect(b, c)

	ctx := context.Background()
	bDeliv := drainDeliveries(t, b)
	cDeliv := drainDeliveries(t, c)

	msg := &Message{Type: MsgData, Ttl: 5, Payload: DataPayload{Text: "hi"}}
	if err := a.SendLocal(ctx, msg); err != nil {
		t.Fatalf("SendLocal: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if len(*bDeliv) != 1 {
		t.Fatalf("expected exactly one delivery at B, got %d", len(*bDeliv))
	}
	if len(*cDeliv) != 1 {
		t.Fatalf("expected exactly one delivery at C, got %d", len(*cDeliv))
	}
}

// TestShorterRouteWins is spec.md scenario S4: after A learns D via both
// B (hop_count=1 -> candidate 2) and later a tie at the same cost
// through a different path, the original shorter/first-learned route is
// kept.
func TestShorterRouteWins(t *testing.T) {
	a := NewRouter("A", "alice")

	a.AddDirectPeer(Peer{Id: "B", Username: "bob"})
	a.AddDirectPeer(Peer{Id: "C", Username: "carol"})

	a.HandlePeerAnnounce(&PeerAnnounce{
		Peer:       Peer{Id: "B", Username: "bob"},
		KnownPeers: []Peer{{Id: "D", Username: "dave", HopCount: 1}},
	}, "B")

	p := a.GetPeer("D")
	if p == nil || p.HopCount != 2 || p.NextHopPeerId != "B" {
		t.Fatalf("expected D at hop=2 via B, got %+v", p)
	}

	// A later announce from C also claims D at hop_count 1 — the same
	// candidate cost of 2 hops, now through C; ties must not replace the
	// existing route.
	a.HandlePeerAnnounce(&PeerAnnounce{
		Peer:       Peer{Id: "C", Username: "carol"},
		KnownPeers: []Peer{{Id: "D", Username: "dave", HopCount: 1}},
	}, "C")

	p = a.GetPeer("D")
	if p == nil || p.HopCount != 2 || p.NextHopPeerId != "B" {
		t.Fatalf("expected D's route to remain hop=2 via B on tie, got %+v", p)
	}
}

// TestDirectPeerDropCascades is spec.md scenario S5: A has direct peer
// B; B has announced knowing D at hop 0, so A's route to D goes via B.
// Removing B cascades to remove D too.
func TestDirectPeerDropCascades(t *testing.T) {
	a := NewRouter("A", "alice")

	removed := []string{}
	ch, cancel := a.PeerRemovals()
	defer cancel()
	done := make(chan struct{})
	go func() {
		for id := range ch {
			removed = append(removed, id)
		}
		close(done)
	}()

	a.AddDirectPeer(Peer{Id: "B", Username: "bob"})
	a.HandlePeerAnnounce(&PeerAnnounce{
		Peer:       Peer{Id: "B", Username: "bob"},
		KnownPeers: []Peer{{Id: "D", Username: "dave", HopCount: 0}},
	}, "B")

	if a.PeerCount() != 2 {
		t.Fatalf("expected 2 peers before drop, got %d", a.PeerCount())
	}

	a.RemoveDirectPeer("B")

	time.Sleep(20 * time.Millisecond)
	if a.PeerCount() != 0 {
		t.Fatalf("expected 0 peers after drop, got %d", a.PeerCount())
	}
	if a.GetPeer("B") != nil || a.GetPeer("D") != nil {
		t.Fatalf("expected both B and D gone from table")
	}

	a.Stop()
	<-done
	if len(removed) != 2 {
		t.Fatalf("expected exactly two peer-removed events, got %d: %v", len(removed), removed)
	}
}

// TestDedupIdempotence is property 1: processing the same message id
// more than once yields exactly one local delivery and one forward
// decision; the second call reports "not processed" (false).
func TestDedupIdempotence(t *testing.T) {
	a := NewRouter("A", "alice")
	b := NewRouter("B", "bob")
	routers := map[string]*Router{"A": a, "B": b}
	wireRouters(routers)
	connectDirect(a, b)

	ctx := context.Background()
	bDeliv := drainDeliveries(t, b)

	msg := &Message{Id: "fixed-id", Type: MsgData, Ttl: 3, SourceId: "A", CreatedAt: 1, Payload: DataPayload{Text: "hi"}}

	first := a.ProcessIncoming(ctx, msg, "")
	second := a.ProcessIncoming(ctx, msg, "")
	third := a.ProcessIncoming(ctx, msg, "")
	if !first {
		t.Fatalf("first ProcessIncoming should report processed")
	}
	if second || third {
		t.Fatalf("repeat ProcessIncoming calls must be dropped as duplicates")
	}

	time.Sleep(30 * time.Millisecond)
	if len(*bDeliv) != 1 {
		t.Fatalf("expected exactly one forward-driven delivery at B, got %d", len(*bDeliv))
	}
}

// TestNoBounceback is property 3: a forwarded message is never sent
// back over the link it arrived on.
func TestNoBounceback(t *testing.T) {
	a := NewRouter("A", "alice")
	b := NewRouter("B", "bob")
	c := NewRouter("C", "carol")
	routers := map[string]*Router{"A": a, "B": b, "C": c}
	wireRouters(routers)
	connectDirect(a, b)
	connectDirect(b, c)

	ctx := context.Background()
	aDeliv := drainDeliveries(t, a)

	msg := &Message{Type: MsgData, Ttl: 5, Payload: DataPayload{Text: "hi"}}
	if err := b.SendLocal(ctx, msg); err != nil {
		t.Fatalf("SendLocal: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	// B broadcasts to both A and C directly; neither bounces it back,
	// so A sees exactly one copy, not two.
	if len(*aDeliv) != 1 {
		t.Fatalf("expected exactly one delivery at A, got %d", len(*aDeliv))
	}
}

// TestDedupCacheBounds is property 7: the cache never exceeds its cap.
func TestDedupCacheBounds(t *testing.T) {
	a := NewRouter("A", "alice")
	a.dedupCap = 5

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		msg := &Message{Id: string(rune('a' + i)), Type: MsgData, Ttl: 1}
		a.ProcessIncoming(ctx, msg, "")
	}
	if a.DedupCacheSize() > 5 {
		t.Fatalf("dedup cache exceeded cap: %d", a.DedupCacheSize())
	}
}

// TestRoutingUnavailable covers §7: a targeted SendLocal with no
// resolvable next hop for any target fails with ErrRoutingUnavailable.
func TestRoutingUnavailable(t *testing.T) {
	a := NewRouter("A", "alice")
	a.SetSendFunc(func(ctx context.Context, id string, msg *Message) error { return nil })

	err := a.SendLocal(context.Background(), &Message{Type: MsgData, TargetIds: []string{"ghost"}, Ttl: 3})
	if err != ErrRoutingUnavailable {
		t.Fatalf("expected ErrRoutingUnavailable, got %v", err)
	}
}

// TestTTLExpiry is property 2: a message decremented to ttl<=0 is never
// forwarded further.
func TestTTLExpiry(t *testing.T) {
	a := NewRouter("A", "alice")
	b := NewRouter("B", "bob")
	c := NewRouter("C", "carol")
	routers := map[string]*Router{"A": a, "B": b, "C": c}
	wireRouters(routers)
	connectDirect(a, b)
	connectDirect(b, c)

	ctx := context.Background()
	cDeliv := drainDeliveries(t, c)

	msg := &Message{Type: MsgData, Ttl: 1, Payload: DataPayload{Text: "hi"}}
	if err := a.SendLocal(ctx, msg); err != nil {
		t.Fatalf("SendLocal: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if len(*cDeliv) != 0 {
		t.Fatalf("ttl=1 message should not survive past B, but C saw %d deliveries", len(*cDeliv))
	}
}

// TestStalePeerRevivesOnMessage covers spec.md §4.1's "stale is a soft
// terminal: a later announce or message about the peer returns it to
// connected" — a message from a peer the health tick already marked
// stale must flip it back to connected, not just refresh its timestamp.
func TestStalePeerRevivesOnMessage(t *testing.T) {
	a := NewRouter("A", "alice")
	a.SetSendFunc(func(ctx context.Context, id string, msg *Message) error { return nil })
	a.AddDirectPeer(Peer{Id: "B", Username: "bob"})

	a.mu.Lock()
	a.table["B"].State = PeerStale
	a.mu.Unlock()

	msg := &Message{Id: "m1", Type: MsgData, SourceId: "B", Ttl: 3, Payload: DataPayload{Text: "hi"}}
	a.ProcessIncoming(context.Background(), msg, "B")

	p := a.GetPeer("B")
	if p == nil || p.State != PeerConnected {
		t.Fatalf("expected B to revive to connected after a message, got %+v", p)
	}
}

// TestStalePeerRevivesOnAnnounce is the announce-handling counterpart:
// an announce from a peer previously marked stale must also revive it.
func TestStalePeerRevivesOnAnnounce(t *testing.T) {
	a := NewRouter("A", "alice")
	a.AddDirectPeer(Peer{Id: "B", Username: "bob"})

	a.mu.Lock()
	a.table["B"].State = PeerStale
	a.mu.Unlock()

	a.HandlePeerAnnounce(&PeerAnnounce{Peer: Peer{Id: "B", Username: "bob"}}, "B")

	p := a.GetPeer("B")
	if p == nil || p.State != PeerConnected {
		t.Fatalf("expected B to revive to connected after an announce, got %+v", p)
	}
}
