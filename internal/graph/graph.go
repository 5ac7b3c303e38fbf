package graph

import (
	"sort"

	"github.com/route-beacon/route-extrapolator/internal/metrics"
)

// PrefixOrigin keys the inverse-results map.
type PrefixOrigin struct {
	Prefix Prefix
	Origin uint32
}

// ASGraph holds every AS node keyed by representative ASN, plus the
// translation maps produced by cycle compression and stub elision.
type ASGraph struct {
	ASes map[uint32]*AS

	// ASesByRank[r] lists the representative ASNs at rank r.
	ASesByRank [][]uint32

	// ComponentTranslation maps collapsed ASNs to their representative.
	ComponentTranslation map[uint32]uint32

	// StubsToParents maps elided stub ASNs to their single provider.
	StubsToParents map[uint32]uint32

	// Attackers is the graph-wide attacker origin set; nodes borrow it.
	Attackers map[uint32]struct{}

	// Inverse maps (prefix, origin) to the ASNs that did NOT install that
	// route; nil unless inverted results are enabled.
	Inverse map[PrefixOrigin]map[uint32]struct{}

	trackWithdrawals bool
	storeDepref      bool
}

// New returns an empty graph.
func New() *ASGraph {
	return &ASGraph{
		ASes:                 make(map[uint32]*AS),
		ComponentTranslation: make(map[uint32]uint32),
		StubsToParents:       make(map[uint32]uint32),
	}
}

// Node returns the AS for asn, creating it with empty neighbour sets if
// unknown.
func (g *ASGraph) Node(asn uint32) *AS {
	as, ok := g.ASes[asn]
	if !ok {
		as = newAS(asn)
		as.attackers = g.Attackers
		as.inverse = g.Inverse
		as.trackWithdrawals = g.trackWithdrawals
		as.storeDepref = g.storeDepref
		g.ASes[asn] = as
	}
	return as
}

// Lookup returns the AS for asn without creating one.
func (g *ASGraph) Lookup(asn uint32) (*AS, bool) {
	as, ok := g.ASes[asn]
	return as, ok
}

// AddProviderCustomer records a provider→customer edge on both endpoints.
// Duplicate rows are deduplicated; a pair already related keeps its first
// relationship.
func (g *ASGraph) AddProviderCustomer(provider, customer uint32) {
	if provider == customer {
		return
	}
	p := g.Node(provider)
	c := g.Node(customer)
	if p.addNeighbor(customer, RelCustomer) {
		c.addNeighbor(provider, RelProvider)
	}
}

// AddPeering records a peer edge on both endpoints.
func (g *ASGraph) AddPeering(a, b uint32) {
	if a == b {
		return
	}
	na := g.Node(a)
	nb := g.Node(b)
	if na.addNeighbor(b, RelPeer) {
		nb.addNeighbor(a, RelPeer)
	}
}

// RemoveEdge deletes any relationship between a and b on both sides.
func (g *ASGraph) RemoveEdge(a, b uint32) {
	if na, ok := g.ASes[a]; ok {
		na.removeNeighbor(b)
	}
	if nb, ok := g.ASes[b]; ok {
		nb.removeNeighbor(a)
	}
}

// Process prepares the graph for propagation: compress customer-provider
// cycles, optionally elide stubs, and assign ranks.
func (g *ASGraph) Process(elideStubs bool) {
	g.compressCycles()
	if elideStubs {
		g.elideStubs()
	}
	g.decideRanks()
	metrics.GraphASes.Set(float64(len(g.ASes)))
	metrics.GraphRanks.Set(float64(len(g.ASesByRank)))
}

// compressCycles runs Tarjan's SCC algorithm over the provider→customer
// subgraph and collapses every component of size > 1 into its smallest-ASN
// member, rewriting incident edges and recording the translation.
func (g *ASGraph) compressCycles() {
	components := g.tarjan()
	for _, comp := range components {
		if len(comp) < 2 {
			continue
		}
		g.combineComponent(comp)
		metrics.CyclesCompressedTotal.Inc()
	}
}

type tarjanFrame struct {
	asn       uint32
	neighbors []uint32
	next      int
}

// tarjan is the iterative form of Tarjan's algorithm; the graph holds
// millions of nodes, so recursion depth is not an option.
func (g *ASGraph) tarjan() [][]uint32 {
	var (
		counter    int
		stack      []uint32
		components [][]uint32
		frames     []tarjanFrame
	)

	for root, rootAS := range g.ASes {
		if rootAS.index != -1 {
			continue
		}
		frames = append(frames[:0], tarjanFrame{asn: root, neighbors: customerList(rootAS)})
		rootAS.index = counter
		rootAS.lowlink = counter
		counter++
		rootAS.onStack = true
		stack = append(stack, root)

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			cur := g.ASes[f.asn]

			if f.next < len(f.neighbors) {
				w := f.neighbors[f.next]
				f.next++
				was, ok := g.ASes[w]
				if !ok {
					continue
				}
				if was.index == -1 {
					was.index = counter
					was.lowlink = counter
					counter++
					was.onStack = true
					stack = append(stack, w)
					frames = append(frames, tarjanFrame{asn: w, neighbors: customerList(was)})
				} else if was.onStack && was.index < cur.lowlink {
					cur.lowlink = was.index
				}
				continue
			}

			// Frame exhausted: pop, propagate lowlink, maybe emit SCC.
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := g.ASes[frames[len(frames)-1].asn]
				if cur.lowlink < parent.lowlink {
					parent.lowlink = cur.lowlink
				}
			}
			if cur.lowlink == cur.index {
				var comp []uint32
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					g.ASes[w].onStack = false
					comp = append(comp, w)
					if w == f.asn {
						break
					}
				}
				components = append(components, comp)
			}
		}
	}
	return components
}

func customerList(as *AS) []uint32 {
	out := make([]uint32, 0, len(as.Customers))
	for c := range as.Customers {
		out = append(out, c)
	}
	return out
}

// combineComponent collapses comp into its smallest member. Edges incident to
// non-representatives move to the representative; edges internal to the
// component are discarded.
func (g *ASGraph) combineComponent(comp []uint32) {
	rep := comp[0]
	for _, asn := range comp[1:] {
		if asn < rep {
			rep = asn
		}
	}
	inComp := make(map[uint32]struct{}, len(comp))
	for _, asn := range comp {
		inComp[asn] = struct{}{}
	}

	repAS := g.ASes[rep]
	members := make([]uint32, 0, len(comp)-1)
	for _, asn := range comp {
		if asn == rep {
			continue
		}
		members = append(members, asn)
		member := g.ASes[asn]

		for p := range member.Providers {
			if _, internal := inComp[p]; internal {
				continue
			}
			g.ASes[p].removeNeighbor(asn)
			if repAS.addNeighbor(p, RelProvider) {
				g.ASes[p].addNeighbor(rep, RelCustomer)
			}
		}
		for c := range member.Customers {
			if _, internal := inComp[c]; internal {
				continue
			}
			g.ASes[c].removeNeighbor(asn)
			if repAS.addNeighbor(c, RelCustomer) {
				g.ASes[c].addNeighbor(rep, RelProvider)
			}
		}
		for p := range member.Peers {
			if _, internal := inComp[p]; internal {
				continue
			}
			g.ASes[p].removeNeighbor(asn)
			if repAS.addNeighbor(p, RelPeer) {
				g.ASes[p].addNeighbor(rep, RelPeer)
			}
		}

		g.ComponentTranslation[asn] = rep
		repAS.removeNeighbor(asn)
		delete(g.ASes, asn)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	repAS.MemberASes = append(repAS.MemberASes, members...)
	repAS.removeNeighbor(rep)
}

// elideStubs removes every AS with exactly one provider and no peers or
// customers, recording its parent for result synthesis.
func (g *ASGraph) elideStubs() {
	// Snapshot first: an AS that only becomes a stub once another stub is
	// removed stays in the graph, independent of iteration order.
	var stubs []uint32
	for asn, as := range g.ASes {
		if len(as.Providers) == 1 && len(as.Peers) == 0 && len(as.Customers) == 0 && len(as.MemberASes) == 0 {
			stubs = append(stubs, asn)
		}
	}
	for _, asn := range stubs {
		as := g.ASes[asn]
		var parent uint32
		for p := range as.Providers {
			parent = p
		}
		g.StubsToParents[asn] = parent
		if pAS, ok := g.ASes[parent]; ok {
			pAS.removeNeighbor(asn)
		}
		delete(g.ASes, asn)
		metrics.StubsElidedTotal.Inc()
	}
}

// decideRanks assigns rank 0 to customer-free ASes and relaxes upward:
// rank(provider) >= rank(customer) + 1. The provider→customer subgraph is a
// DAG after compression, so the relaxation reaches a fixed point.
func (g *ASGraph) decideRanks() {
	var queue []uint32
	for asn, as := range g.ASes {
		if len(as.Customers) == 0 {
			as.Rank = 0
			queue = append(queue, asn)
		}
	}

	maxRank := 0
	for len(queue) > 0 {
		asn := queue[0]
		queue = queue[1:]
		as := g.ASes[asn]
		want := as.Rank + 1
		for p := range as.Providers {
			pAS, ok := g.ASes[p]
			if !ok {
				continue
			}
			if pAS.Rank < want {
				pAS.Rank = want
				if want > maxRank {
					maxRank = want
				}
				queue = append(queue, p)
			}
		}
	}

	byRank := make([][]uint32, maxRank+1)
	for asn, as := range g.ASes {
		if as.Rank < 0 {
			// Isolated nodes with neither customers nor a path from a
			// leaf; treat as rank 0.
			as.Rank = 0
		}
		byRank[as.Rank] = append(byRank[as.Rank], asn)
	}
	for _, level := range byRank {
		sort.Slice(level, func(i, j int) bool { return level[i] < level[j] })
	}
	g.ASesByRank = byRank
}

// Translate maps any ASN to the representative node that carries its routes:
// collapsed members map to their component representative, elided stubs to
// their parent's representative, everything else to itself.
func (g *ASGraph) Translate(asn uint32) uint32 {
	for {
		if rep, ok := g.ComponentTranslation[asn]; ok {
			asn = rep
			continue
		}
		if parent, ok := g.StubsToParents[asn]; ok {
			asn = parent
			continue
		}
		return asn
	}
}

// SetAttackers installs the graph-wide attacker set and lends it to every
// node.
func (g *ASGraph) SetAttackers(attackers map[uint32]struct{}) {
	if attackers == nil {
		attackers = make(map[uint32]struct{})
	}
	g.Attackers = attackers
	for _, as := range g.ASes {
		as.attackers = attackers
	}
}

// AddAttacker marks an origin ASN as attacking.
func (g *ASGraph) AddAttacker(asn uint32) {
	if g.Attackers == nil {
		g.SetAttackers(make(map[uint32]struct{}))
	}
	g.Attackers[asn] = struct{}{}
}

// SetPolicy assigns a policy vector to an AS, translated through any
// compression already performed.
func (g *ASGraph) SetPolicy(asn uint32, tags []PolicyTag) {
	if as, ok := g.ASes[g.Translate(asn)]; ok {
		as.PolicyVector = tags
	}
}

// EnableWithdrawalTracking makes every node queue a withdrawal whenever an
// installed route is displaced or dropped.
func (g *ASGraph) EnableWithdrawalTracking() {
	g.trackWithdrawals = true
	for _, as := range g.ASes {
		as.trackWithdrawals = true
	}
}

// EnableDepref makes every node keep its second-best route per prefix.
func (g *ASGraph) EnableDepref() {
	g.storeDepref = true
	for _, as := range g.ASes {
		as.storeDepref = true
	}
}

// EnableInverse switches on inverted result collection and lends the map to
// every node.
func (g *ASGraph) EnableInverse() {
	if g.Inverse == nil {
		g.Inverse = make(map[PrefixOrigin]map[uint32]struct{})
	}
	for _, as := range g.ASes {
		as.inverse = g.Inverse
	}
}

// RegisterInverse seeds the inverse-results set for a (prefix, origin) pair
// with every representative ASN; installation erases entries as routes land.
func (g *ASGraph) RegisterInverse(prefix Prefix, origin uint32) {
	if g.Inverse == nil {
		return
	}
	key := PrefixOrigin{prefix, origin}
	if _, ok := g.Inverse[key]; ok {
		return
	}
	set := make(map[uint32]struct{}, len(g.ASes))
	for asn := range g.ASes {
		set[asn] = struct{}{}
	}
	g.Inverse[key] = set
}

// ClearAnnouncements empties every node's queues and RIBs between iteration
// blocks.
func (g *ASGraph) ClearAnnouncements() {
	for _, as := range g.ASes {
		as.Clear()
	}
	for key := range g.Inverse {
		delete(g.Inverse, key)
	}
}

// Reset clears ranks, Tarjan scratch, component and stub maps so the graph
// can be re-processed after edge removal in multi-round mode. Announcements
// are cleared as well.
func (g *ASGraph) Reset() {
	for _, as := range g.ASes {
		as.Rank = -1
		as.index = -1
		as.lowlink = 0
		as.onStack = false
		as.visited = false
		as.MemberASes = nil
		as.Clear()
	}
	g.ASesByRank = nil
	g.ComponentTranslation = make(map[uint32]uint32)
	g.StubsToParents = make(map[uint32]uint32)
	for key := range g.Inverse {
		delete(g.Inverse, key)
	}
}

// MaxRank returns the highest assigned rank, or -1 before Process.
func (g *ASGraph) MaxRank() int {
	return len(g.ASesByRank) - 1
}
