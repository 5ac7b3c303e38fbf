package engine

import (
	"context"

	"github.com/route-beacon/route-extrapolator/internal/graph"
)

// Relation names the declared business relationship of a relationship row.
type Relation int

const (
	ProviderOf Relation = iota
	PeerOf
)

// RelationshipRecord is one row of the relationship stream. For ProviderOf,
// A sells transit to B; for PeerOf the pair is symmetric.
type RelationshipRecord struct {
	A        uint32
	B        uint32
	Relation Relation
}

// AnnouncementRecord is one observed announcement: a prefix and the AS path
// it was collected with, origin last.
type AnnouncementRecord struct {
	Prefix    graph.Prefix
	ASPath    []uint32
	Timestamp int64
}

// AttackRecord is one attacker/victim scenario row.
type AttackRecord struct {
	Attacker uint32
	Victim   uint32
	Prefix   graph.Prefix
	ASPath   []uint32
}

// PolicyRecord assigns a policy vector to one AS.
type PolicyRecord struct {
	ASN  uint32
	Tags []graph.PolicyTag
}

// RecordSource streams the input tables. Implementations skip malformed rows
// themselves; a returned error aborts the run.
type RecordSource interface {
	Relationships(ctx context.Context, fn func(RelationshipRecord) error) error
	DistinctPrefixes(ctx context.Context) ([]graph.Prefix, error)
	Announcements(ctx context.Context, block []graph.Prefix, fn func(AnnouncementRecord) error) error
}

// AttackSource streams the victim and attacker scenario tables for hijack
// mode.
type AttackSource interface {
	Victims(ctx context.Context, fn func(AttackRecord) error) error
	Attackers(ctx context.Context, fn func(AttackRecord) error) error
}

// PolicySource streams per-AS policy assignments.
type PolicySource interface {
	Policies(ctx context.Context, fn func(PolicyRecord) error) error
}

// Row is one installed route as emitted to a result sink.
type Row struct {
	ASN          uint32
	Prefix       graph.Prefix
	Origin       uint32
	Priority     uint32
	ReceivedFrom uint32
}

// ResultSink consumes result rows. A sink error is fatal to the run.
type ResultSink interface {
	WriteRow(ctx context.Context, row Row) error
}

// InverseSink consumes (prefix, origin, asn) triples naming ASes that did
// NOT install the route.
type InverseSink interface {
	WriteInverseRow(ctx context.Context, prefix graph.Prefix, origin, asn uint32) error
}

// RoundSink consumes per-round hijack statistics.
type RoundSink interface {
	WriteRound(ctx context.Context, round, successful, total int) error
}

// Sinks bundles the optional output surfaces of a run. Results is required;
// the rest may be nil.
type Sinks struct {
	Results    ResultSink
	Depref     ResultSink
	Blackholes ResultSink
	Inverse    InverseSink
	Rounds     RoundSink
}
