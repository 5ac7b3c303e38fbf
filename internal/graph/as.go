package graph

import (
	"math/rand"

	"github.com/route-beacon/route-extrapolator/internal/metrics"
)

// Relationship identifies how a neighbour relates to this AS.
type Relationship int

const (
	RelProvider Relationship = iota
	RelPeer
	RelCustomer
	RelNone
)

func (r Relationship) String() string {
	switch r {
	case RelProvider:
		return "provider"
	case RelPeer:
		return "peer"
	case RelCustomer:
		return "customer"
	}
	return "none"
}

// Band returns the priority band of a route learned over this relationship.
func (r Relationship) Band() uint32 {
	switch r {
	case RelCustomer:
		return BandCustomer
	case RelPeer:
		return BandPeer
	}
	return BandProvider
}

// AS is a single node of the inter-domain graph: its neighbour sets, the
// incoming announcement queue, and the installed routes. All state is owned
// by the graph and mutated only while the AS is being visited.
type AS struct {
	ASN  uint32
	Rank int

	Providers map[uint32]struct{}
	Peers     map[uint32]struct{}
	Customers map[uint32]struct{}

	incoming []Announcement

	// LocRIB holds the installed best route per prefix.
	LocRIB map[Prefix]Announcement
	// Depref holds the second-best route per prefix, when enabled.
	Depref map[Prefix]Announcement

	// MemberASes lists the ASNs collapsed into this node, non-empty only
	// for the representative of a non-trivial strongly connected component.
	MemberASes []uint32

	// PolicyVector holds the node's policy tags; only the first is
	// consulted at ingress.
	PolicyVector []PolicyTag
	// Withdrawals queues routes displaced at this node, pending export.
	Withdrawals []Announcement
	// Blackholes tracks installed blackhole entries for the parallel sink
	// and for ROV++bis/BP export stripping.
	Blackholes map[Prefix]Announcement
	// Preventive tracks preventive announcements for export stripping.
	Preventive []Announcement

	// attackers is borrowed from the owning graph; nil outside hijack mode.
	attackers map[uint32]struct{}
	// inverse is borrowed from the owning graph when inverted results are
	// being collected.
	inverse map[PrefixOrigin]map[uint32]struct{}

	trackWithdrawals bool
	storeDepref      bool

	rng *rand.Rand

	// Tarjan scratch.
	index   int
	lowlink int
	onStack bool
	visited bool
}

func newAS(asn uint32) *AS {
	return &AS{
		ASN:       asn,
		Rank:      -1,
		Providers: make(map[uint32]struct{}),
		Peers:     make(map[uint32]struct{}),
		Customers: make(map[uint32]struct{}),
		LocRIB:    make(map[Prefix]Announcement),
		index:     -1,
	}
}

// Policy returns the node's effective policy tag.
func (a *AS) Policy() PolicyTag {
	if len(a.PolicyVector) == 0 {
		return PolicyBGP
	}
	return a.PolicyVector[0]
}

// Relationship reports how asn relates to this AS. The neighbour sets are
// pairwise disjoint, so at most one case matches.
func (a *AS) Relationship(asn uint32) Relationship {
	if _, ok := a.Providers[asn]; ok {
		return RelProvider
	}
	if _, ok := a.Peers[asn]; ok {
		return RelPeer
	}
	if _, ok := a.Customers[asn]; ok {
		return RelCustomer
	}
	return RelNone
}

// addNeighbor records asn under the given relationship. A neighbour already
// present in any set keeps its first relationship, so the sets stay disjoint
// when the input data carries conflicting rows.
func (a *AS) addNeighbor(asn uint32, rel Relationship) bool {
	if a.Relationship(asn) != RelNone {
		return false
	}
	switch rel {
	case RelProvider:
		a.Providers[asn] = struct{}{}
	case RelPeer:
		a.Peers[asn] = struct{}{}
	case RelCustomer:
		a.Customers[asn] = struct{}{}
	}
	return true
}

func (a *AS) removeNeighbor(asn uint32) {
	delete(a.Providers, asn)
	delete(a.Peers, asn)
	delete(a.Customers, asn)
}

// attacked reports whether origin belongs to the graph's attacker set.
func (a *AS) attacked(origin uint32) bool {
	_, ok := a.attackers[origin]
	return ok
}

// Receive applies the ingress policy to a batch of announcements and appends
// the survivors to the incoming queue. No selection happens here.
func (a *AS) Receive(anns []Announcement) {
	pol := a.Policy()
	for i := range anns {
		ann := anns[i]
		if pol.rejectsOrigins() && !ann.Withdraw && a.attacked(ann.Origin) {
			metrics.IngressRejectsTotal.WithLabelValues(pol.String()).Inc()
			if pol.blackholes() {
				a.incoming = append(a.incoming, Announcement{
					Origin:       SentinelBlackhole,
					Prefix:       ann.Prefix,
					Priority:     ann.Priority,
					ReceivedFrom: SentinelBlackhole,
					Timestamp:    ann.Timestamp,
					PolicyIndex:  ann.PolicyIndex,
				})
			}
			continue
		}
		a.incoming = append(a.incoming, ann)
	}
}

// ProcessIncoming drains the incoming queue into the loc-RIB, keeping the
// best route per prefix. Queued withdrawals matching an installed route drop
// it instead. The queue is empty on return.
func (a *AS) ProcessIncoming(randomTiebreak bool) {
	for i := range a.incoming {
		ann := a.incoming[i]
		if ann.Withdraw {
			a.ApplyWithdrawal(ann)
			continue
		}
		cur, ok := a.LocRIB[ann.Prefix]
		if ok && cur.FromMonitor {
			continue
		}
		if !ok {
			a.install(ann)
			continue
		}
		if a.challengerWins(&ann, &cur, randomTiebreak) {
			a.install(ann)
			a.recordDepref(cur)
		} else {
			a.recordDepref(ann)
		}
	}
	a.incoming = a.incoming[:0]
}

// ProcessAnnouncement installs a single announcement directly, bypassing the
// incoming queue. Used for seeding monitor routes and attacker origins. An
// installed monitor entry is displaced only by a better monitor entry.
func (a *AS) ProcessAnnouncement(ann Announcement, randomTiebreak bool) {
	cur, ok := a.LocRIB[ann.Prefix]
	if !ok {
		a.install(ann)
		return
	}
	if cur.FromMonitor && !ann.FromMonitor {
		return
	}
	if a.challengerWins(&ann, &cur, randomTiebreak) {
		a.install(ann)
		a.recordDepref(cur)
	} else {
		a.recordDepref(ann)
	}
}

// challengerWins resolves the best-path relation between a challenger and the
// installed incumbent, including the final tiebreak level.
func (a *AS) challengerWins(challenger, incumbent *Announcement, randomTiebreak bool) bool {
	better, tie := challenger.BetterThan(incumbent)
	if !tie {
		return better
	}
	if incumbent.TiebreakOverride != 0 {
		return false
	}
	if randomTiebreak && a.randomBool() {
		challenger.TiebreakOverride = a.ASN
		return true
	}
	return false
}

func (a *AS) install(ann Announcement) {
	if old, ok := a.LocRIB[ann.Prefix]; ok {
		if a.trackWithdrawals && !old.Withdraw {
			wd := old
			wd.Withdraw = true
			a.Withdrawals = append(a.Withdrawals, wd)
		}
		a.swapInverse(old, ann)
	} else if a.inverse != nil {
		if set, ok := a.inverse[PrefixOrigin{ann.Prefix, ann.Origin}]; ok {
			delete(set, a.ASN)
		}
	}
	a.LocRIB[ann.Prefix] = ann
	if ann.Origin == SentinelBlackhole {
		if a.Blackholes == nil {
			a.Blackholes = make(map[Prefix]Announcement)
		}
		a.Blackholes[ann.Prefix] = ann
	}
}

// ApplyWithdrawal removes the matching installed route, if any. Withdrawals
// for routes not currently installed, or installed via a different neighbour,
// are ignored. Monitor entries are immune.
func (a *AS) ApplyWithdrawal(wd Announcement) {
	cur, ok := a.LocRIB[wd.Prefix]
	if !ok || cur.FromMonitor || cur.ReceivedFrom != wd.ReceivedFrom {
		return
	}
	delete(a.LocRIB, wd.Prefix)
	if a.inverse != nil {
		if set, ok := a.inverse[PrefixOrigin{cur.Prefix, cur.Origin}]; ok {
			set[a.ASN] = struct{}{}
		}
	}
	if a.trackWithdrawals {
		onward := cur
		onward.Withdraw = true
		a.Withdrawals = append(a.Withdrawals, onward)
	}
	metrics.WithdrawalsAppliedTotal.Inc()
}

func (a *AS) swapInverse(old, cur Announcement) {
	if a.inverse == nil {
		return
	}
	if set, ok := a.inverse[PrefixOrigin{old.Prefix, old.Origin}]; ok {
		set[a.ASN] = struct{}{}
	}
	if set, ok := a.inverse[PrefixOrigin{cur.Prefix, cur.Origin}]; ok {
		delete(set, a.ASN)
	}
}

func (a *AS) recordDepref(loser Announcement) {
	if !a.storeDepref {
		return
	}
	if a.Depref == nil {
		a.Depref = make(map[Prefix]Announcement)
	}
	cur, ok := a.Depref[loser.Prefix]
	if !ok {
		a.Depref[loser.Prefix] = loser
		return
	}
	if better, _ := loser.BetterThan(&cur); better {
		a.Depref[loser.Prefix] = loser
	}
}

// AlreadyReceived reports whether the loc-RIB holds any entry for the
// announcement's prefix.
func (a *AS) AlreadyReceived(ann *Announcement) bool {
	_, ok := a.LocRIB[ann.Prefix]
	return ok
}

// RecordPreventive registers a preventive announcement for export stripping.
func (a *AS) RecordPreventive(ann Announcement) {
	a.Preventive = append(a.Preventive, ann)
}

// Clear empties the incoming queue, the RIBs, and the withdrawal queue. The
// neighbour sets and policy vector are untouched.
func (a *AS) Clear() {
	a.incoming = nil
	a.LocRIB = make(map[Prefix]Announcement)
	a.Depref = nil
	a.Withdrawals = nil
	a.Blackholes = nil
	a.Preventive = nil
}

// randomBool draws one bit from a generator seeded with the AS's own ASN, so
// tiebreaks are deterministic per AS across runs.
func (a *AS) randomBool() bool {
	if a.rng == nil {
		a.rng = rand.New(rand.NewSource(int64(a.ASN)))
	}
	return a.rng.Intn(2) == 1
}
