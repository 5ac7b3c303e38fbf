package graph

import "testing"

func TestSeedPriority(t *testing.T) {
	if got := SeedPriority(BandCustomer, 0); got != 299 {
		t.Errorf("expected origin seed priority 299, got %d", got)
	}
	if got := SeedPriority(BandCustomer, 1); got != 298 {
		t.Errorf("expected one-hop customer seed priority 298, got %d", got)
	}
	if got := SeedPriority(BandPeer, 2); got != 197 {
		t.Errorf("expected two-hop peer seed priority 197, got %d", got)
	}
	if got := SeedPriority(BandProvider, 150); got != 0 {
		t.Errorf("expected weight floored at 0, got %d", got)
	}
}

func TestForwardPriority(t *testing.T) {
	// Customer route at the origin forwarded to a provider.
	if got := ForwardPriority(BandCustomer, 299); got != 298 {
		t.Errorf("expected 298, got %d", got)
	}
	// Same route rebased for a peer.
	if got := ForwardPriority(BandPeer, 299); got != 198 {
		t.Errorf("expected 198, got %d", got)
	}
	// Rebased downward for a customer.
	if got := ForwardPriority(BandProvider, 298); got != 97 {
		t.Errorf("expected 97, got %d", got)
	}
	// Exhausted weight stays at zero instead of wrapping.
	if got := ForwardPriority(BandPeer, 200); got != 100 {
		t.Errorf("expected 100, got %d", got)
	}
}

func TestBetterThan_PriorityFirst(t *testing.T) {
	a := &Announcement{Priority: 298}
	b := &Announcement{Priority: 200, ASPath: []uint32{1}}
	better, tie := a.BetterThan(b)
	if !better || tie {
		t.Errorf("expected higher priority to win, got better=%v tie=%v", better, tie)
	}
}

func TestBetterThan_PathLengthBreaksPriorityTie(t *testing.T) {
	a := &Announcement{Priority: 200, ASPath: []uint32{1}}
	b := &Announcement{Priority: 200, ASPath: []uint32{1, 2}}
	better, tie := a.BetterThan(b)
	if !better || tie {
		t.Error("expected shorter path to win on priority tie")
	}
}

func TestBetterThan_OriginThenNeighbor(t *testing.T) {
	a := &Announcement{Priority: 200, Origin: 10, ASPath: []uint32{1}}
	b := &Announcement{Priority: 200, Origin: 20, ASPath: []uint32{2}}
	if better, _ := a.BetterThan(b); !better {
		t.Error("expected lower origin to win")
	}

	c := &Announcement{Priority: 200, Origin: 10, ReceivedFrom: 5, ASPath: []uint32{1}}
	d := &Announcement{Priority: 200, Origin: 10, ReceivedFrom: 7, ASPath: []uint32{2}}
	if better, _ := c.BetterThan(d); !better {
		t.Error("expected lower received_from to win")
	}
}

func TestBetterThan_FullTie(t *testing.T) {
	a := &Announcement{Priority: 200, Origin: 10, ReceivedFrom: 5, ASPath: []uint32{1}}
	b := &Announcement{Priority: 200, Origin: 10, ReceivedFrom: 5, ASPath: []uint32{2}}
	better, tie := a.BetterThan(b)
	if better || !tie {
		t.Errorf("expected full tie, got better=%v tie=%v", better, tie)
	}
}

func TestForward(t *testing.T) {
	p, _ := ParsePrefix("10.0.0.0", "255.0.0.0")
	ann := Announcement{
		Origin:       5,
		Prefix:       p,
		Priority:     299,
		ReceivedFrom: 5,
		FromMonitor:  true,
		ASPath:       []uint32{5},
	}
	cp := ann.Forward(2, ForwardPriority(BandCustomer, ann.Priority))

	if cp.FromMonitor {
		t.Error("expected forwarded copy to drop the monitor flag")
	}
	if cp.ReceivedFrom != 2 {
		t.Errorf("expected received_from 2, got %d", cp.ReceivedFrom)
	}
	if cp.Priority != 298 {
		t.Errorf("expected priority 298, got %d", cp.Priority)
	}
	if len(cp.ASPath) != 2 || cp.ASPath[1] != 2 {
		t.Errorf("expected path [5 2], got %v", cp.ASPath)
	}
	if len(ann.ASPath) != 1 {
		t.Errorf("expected original path untouched, got %v", ann.ASPath)
	}
}

func TestForward_NoDoubleAppend(t *testing.T) {
	ann := Announcement{ASPath: []uint32{5, 2}}
	cp := ann.Forward(2, 100)
	if len(cp.ASPath) != 2 {
		t.Errorf("expected no duplicate sender on path, got %v", cp.ASPath)
	}
}

func TestOnPath(t *testing.T) {
	ann := Announcement{ASPath: []uint32{5, 2, 7}}
	if !ann.OnPath(2) {
		t.Error("expected 2 on path")
	}
	if ann.OnPath(9) {
		t.Error("expected 9 not on path")
	}
}

func TestIsSentinelASN(t *testing.T) {
	for _, asn := range []uint32{64512, 64513, 64514, 64515, 64516} {
		if !IsSentinelASN(asn) {
			t.Errorf("expected %d to be a sentinel", asn)
		}
	}
	if IsSentinelASN(64511) || IsSentinelASN(64517) {
		t.Error("expected neighbours of the sentinel range to be ordinary ASNs")
	}
}
