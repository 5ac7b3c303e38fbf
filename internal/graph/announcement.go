package graph

// Relationship bands for the priority scalar. A route's priority is
// band + weight, where the band encodes the relationship the route was
// learned over and weight = MaxPathWeight - hops keeps longer paths below
// shorter ones without crossing band boundaries.
const (
	BandProvider uint32 = 0
	BandPeer     uint32 = 100
	BandCustomer uint32 = 200

	MaxPathWeight uint32 = 99
)

// Reserved origin / received-from sentinels in the private ASN range.
const (
	SentinelBlackhole        uint32 = 64512
	SentinelHijackOrigin     uint32 = 64513
	SentinelLegitOrigin      uint32 = 64514
	SentinelPreventiveHijack uint32 = 64515
	SentinelPreventiveLegit  uint32 = 64516
)

// IsSentinelASN reports whether asn is one of the reserved synthetic origins.
func IsSentinelASN(asn uint32) bool {
	return asn >= SentinelBlackhole && asn <= SentinelPreventiveLegit
}

// Announcement is a route advertisement carried between ASes. A withdrawal
// uses the same shape with Withdraw set.
type Announcement struct {
	Origin           uint32
	Prefix           Prefix
	Priority         uint32
	ReceivedFrom     uint32
	Timestamp        int64
	FromMonitor      bool
	FromAttacker     bool
	Withdraw         bool
	PolicyIndex      int
	TiebreakOverride uint32
	// ASPath lists the ASNs the route traversed, origin first, excluding
	// the AS currently holding it.
	ASPath []uint32
}

// SeedPriority computes the priority of a monitor-seeded announcement:
// customer band at the origin, otherwise the band of the relationship the
// announcement arrived over, minus one weight unit per hop from the origin.
func SeedPriority(band uint32, hops int) uint32 {
	w := int(MaxPathWeight) - hops
	if w < 0 {
		w = 0
	}
	return band + uint32(w)
}

// ForwardPriority rebases priority for the next hop: the path-length weight
// is decremented and the band replaced by the receiver's relationship to the
// sender.
func ForwardPriority(band, priority uint32) uint32 {
	w := priority % 100
	if w > 0 {
		w--
	}
	return band + w
}

// CustomerRoute reports whether the announcement was learned from a customer
// (or self-originated at seed time), i.e. is eligible for export to peers and
// providers under valley-free policy.
func (a *Announcement) CustomerRoute() bool {
	return a.Priority >= BandCustomer
}

// OnPath reports whether asn already appears on the announcement's AS path.
func (a *Announcement) OnPath(asn uint32) bool {
	for _, hop := range a.ASPath {
		if hop == asn {
			return true
		}
	}
	return false
}

// BetterThan is the best-path relation: a beats incumbent b when it has
// higher priority, then a shorter AS path, then a lower origin, then a lower
// received-from ASN. The final level is resolved by the caller (see
// AS.challengerWins) so that selection stays order-independent.
func (a *Announcement) BetterThan(b *Announcement) (better, tie bool) {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority, false
	}
	if len(a.ASPath) != len(b.ASPath) {
		return len(a.ASPath) < len(b.ASPath), false
	}
	if a.Origin != b.Origin {
		return a.Origin < b.Origin, false
	}
	if a.ReceivedFrom != b.ReceivedFrom {
		return a.ReceivedFrom < b.ReceivedFrom, false
	}
	return false, true
}

// Forward returns the announcement as sent onward by sender with the given
// rebased priority.
func (a *Announcement) Forward(sender, priority uint32) Announcement {
	cp := *a
	cp.Priority = priority
	cp.ReceivedFrom = sender
	cp.FromMonitor = false
	path := make([]uint32, 0, len(a.ASPath)+1)
	path = append(path, a.ASPath...)
	if len(path) == 0 || path[len(path)-1] != sender {
		path = append(path, sender)
	}
	cp.ASPath = path
	if a.TiebreakOverride != 0 {
		cp.TiebreakOverride = sender
	}
	return cp
}
