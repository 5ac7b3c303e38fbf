package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/route-beacon/route-extrapolator/internal/graph"
	"github.com/route-beacon/route-extrapolator/internal/metrics"
	"go.uber.org/zap"
)

// Options are the per-run knobs of the propagation engine.
type Options struct {
	// InvertResults records the ASes that did NOT install each route
	// instead of per-AS rows.
	InvertResults bool
	// StoreDepref keeps and emits the second-best route per prefix.
	StoreDepref bool
	// RandomTiebreak enables the per-AS seeded random tiebreak level.
	RandomTiebreak bool
	// IterationSize caps the number of prefixes per propagation block;
	// zero processes everything in one block.
	IterationSize int
	// ElideStubs removes single-provider leaf ASes from the graph and
	// synthesizes their rows from the parent at emission time.
	ElideStubs bool
	// PropagateTwice runs (up, down) after each seed table in hijack mode
	// instead of once after both.
	PropagateTwice bool
	// NumRounds caps attacker-edge-removal iterations in hijack mode.
	NumRounds int
	// MaxAttackerHops is the seed-time path-length penalty applied to the
	// attacker's forged announcement.
	MaxAttackerHops int
}

// Engine replays observed announcements over a processed AS graph: seed the
// paths, propagate up the customer-provider hierarchy and back down, then
// stream every installed route to the sinks. Single-threaded by design; it
// owns the graph for the duration of a run.
type Engine struct {
	graph  *graph.ASGraph
	source RecordSource
	sinks  Sinks
	opts   Options
	logger *zap.Logger

	// cascadeWithdrawals is switched on by the hijack engine.
	cascadeWithdrawals bool

	// statusMu guards the progress fields read by the status endpoint
	// while the single-threaded run mutates them.
	statusMu sync.Mutex
	phase    string
	block    int
	round    int
}

// Status reports the current phase, iteration block, and hijack round.
func (e *Engine) Status() (string, int, int) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.phase, e.block, e.round
}

func (e *Engine) setStatus(phase string, block int) {
	e.statusMu.Lock()
	e.phase = phase
	if block > 0 {
		e.block = block
	}
	e.statusMu.Unlock()
}

func (e *Engine) setRound(round int) {
	e.statusMu.Lock()
	e.round = round
	e.statusMu.Unlock()
}

// New builds an engine over an already-populated (but not yet processed)
// graph.
func New(g *graph.ASGraph, source RecordSource, sinks Sinks, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		graph:  g,
		source: source,
		sinks:  sinks,
		opts:   opts,
		logger: logger,
	}
}

// Graph exposes the engine's graph, mainly to tests and the stats tool.
func (e *Engine) Graph() *graph.ASGraph {
	return e.graph
}

// BuildGraph streams the relationship table into the graph and processes it
// (cycle compression, optional stub elision, rank assignment).
func (e *Engine) BuildGraph(ctx context.Context) error {
	start := time.Now()
	rows := 0
	err := e.source.Relationships(ctx, func(rec RelationshipRecord) error {
		switch rec.Relation {
		case ProviderOf:
			e.graph.AddProviderCustomer(rec.A, rec.B)
		case PeerOf:
			e.graph.AddPeering(rec.A, rec.B)
		}
		rows++
		return nil
	})
	if err != nil {
		return fmt.Errorf("engine: loading relationships: %w", err)
	}
	if e.opts.InvertResults {
		e.graph.EnableInverse()
	}
	if e.opts.StoreDepref {
		e.graph.EnableDepref()
	}
	e.graph.Process(e.opts.ElideStubs)
	metrics.PhaseDuration.WithLabelValues("graph_build").Observe(time.Since(start).Seconds())
	e.logger.Info("graph processed",
		zap.Int("relationship_rows", rows),
		zap.Int("ases", len(e.graph.ASes)),
		zap.Int("max_rank", e.graph.MaxRank()),
	)
	return nil
}

// Run executes the full batch: subdivide the prefix space into blocks and,
// per block, seed, propagate up, propagate down, emit, clear.
func (e *Engine) Run(ctx context.Context) error {
	prefixes, err := e.source.DistinctPrefixes(ctx)
	if err != nil {
		return fmt.Errorf("engine: loading prefixes: %w", err)
	}
	sort.Slice(prefixes, func(i, j int) bool { return prefixes[i].Less(prefixes[j]) })

	blocks := blockPrefixes(prefixes, e.opts.IterationSize)
	e.logger.Info("starting propagation",
		zap.Int("prefixes", len(prefixes)),
		zap.Int("blocks", len(blocks)),
	)

	for i, block := range blocks {
		e.setStatus("seed", i+1)
		metrics.BlockPrefixes.Observe(float64(len(block)))
		seeded := 0
		err := e.source.Announcements(ctx, block, func(rec AnnouncementRecord) error {
			e.SeedPath(rec.ASPath, rec.Prefix, rec.Timestamp)
			seeded++
			return nil
		})
		if err != nil {
			return fmt.Errorf("engine: block %d announcements: %w", i+1, err)
		}

		e.PropagateUp()
		e.PropagateDown()

		e.setStatus("emit", i+1)
		if err := e.EmitResults(ctx); err != nil {
			return fmt.Errorf("engine: block %d results: %w", i+1, err)
		}
		e.graph.ClearAnnouncements()

		e.logger.Info("block complete",
			zap.Int("block", i+1),
			zap.Int("prefixes", len(block)),
			zap.Int("paths_seeded", seeded),
		)
	}
	return nil
}

// blockPrefixes splits the sorted prefixes into blocks of at most size. An
// empty prefix list yields one empty block, which sources read as "every
// announcement" (a replay topic cannot list its prefixes up front).
func blockPrefixes(prefixes []graph.Prefix, size int) [][]graph.Prefix {
	if size <= 0 || len(prefixes) <= size {
		return [][]graph.Prefix{prefixes}
	}
	var blocks [][]graph.Prefix
	for start := 0; start < len(prefixes); start += size {
		end := start + size
		if end > len(prefixes) {
			end = len(prefixes)
		}
		blocks = append(blocks, prefixes[start:end])
	}
	return blocks
}

// SeedPath installs a monitor announcement for prefix on every AS of an
// observed path, walking from the origin outward. Unknown ASNs and missing
// relationships truncate the walk at the last sound hop.
func (e *Engine) SeedPath(path []uint32, prefix graph.Prefix, ts int64) {
	e.seedPath(path, prefix, ts, 0, false, 0)
}

func (e *Engine) seedPath(path []uint32, prefix graph.Prefix, ts int64, originSentinel uint32, fromAttacker bool, hopsOffset int) {
	if len(path) == 0 {
		return
	}

	var walked []uint32
	var originRep uint32
	hops := hopsOffset
	havePrev := false
	var prevRep uint32

	for i := len(path) - 1; i >= 0; i-- {
		rep := e.graph.Translate(path[i])
		as, ok := e.graph.Lookup(rep)
		if !ok {
			metrics.BrokenPathsTotal.WithLabelValues("unknown_asn").Inc()
			return
		}
		if havePrev && rep == prevRep {
			// Path prepending, or two members of one supernode.
			hops++
			continue
		}

		band := graph.BandCustomer
		receivedFrom := rep
		if !havePrev {
			originRep = rep
			if originSentinel != 0 {
				receivedFrom = originSentinel
			}
			if e.opts.InvertResults {
				e.graph.RegisterInverse(prefix, originRep)
			}
		} else {
			rel := as.Relationship(prevRep)
			if rel == graph.RelNone {
				metrics.BrokenPathsTotal.WithLabelValues("no_relationship").Inc()
				return
			}
			band = rel.Band()
			receivedFrom = prevRep
		}

		ann := graph.Announcement{
			Origin:       originRep,
			Prefix:       prefix,
			Priority:     graph.SeedPriority(band, hops),
			ReceivedFrom: receivedFrom,
			Timestamp:    ts,
			FromMonitor:  true,
			FromAttacker: fromAttacker,
			ASPath:       append([]uint32(nil), walked...),
		}
		as.ProcessAnnouncement(ann, e.opts.RandomTiebreak)
		metrics.AnnouncementsSeededTotal.Inc()

		walked = append(walked, rep)
		prevRep = rep
		havePrev = true
		hops++
	}
}

// PropagateUp walks the ranks bottom-up: each AS drains its queue and exports
// its customer routes to providers and peers.
func (e *Engine) PropagateUp() {
	e.setStatus("propagate_up", 0)
	start := time.Now()
	for rank := 0; rank < len(e.graph.ASesByRank); rank++ {
		for _, asn := range e.graph.ASesByRank[rank] {
			as, ok := e.graph.Lookup(asn)
			if !ok {
				continue
			}
			as.ProcessIncoming(e.opts.RandomTiebreak)
			if e.cascadeWithdrawals {
				e.processWithdrawals(as)
			}
			if len(as.LocRIB) > 0 {
				e.sendAll(as, true, true, false)
			}
		}
	}
	metrics.PhaseDuration.WithLabelValues("propagate_up").Observe(time.Since(start).Seconds())
}

// PropagateDown walks the ranks top-down: each AS drains its queue and
// exports every route to its customers.
func (e *Engine) PropagateDown() {
	e.setStatus("propagate_down", 0)
	start := time.Now()
	for rank := len(e.graph.ASesByRank) - 1; rank >= 0; rank-- {
		for _, asn := range e.graph.ASesByRank[rank] {
			as, ok := e.graph.Lookup(asn)
			if !ok {
				continue
			}
			as.ProcessIncoming(e.opts.RandomTiebreak)
			if e.cascadeWithdrawals {
				e.processWithdrawals(as)
			}
			if len(as.LocRIB) > 0 {
				e.sendAll(as, false, false, true)
			}
		}
	}
	metrics.PhaseDuration.WithLabelValues("propagate_down").Observe(time.Since(start).Seconds())
}

// sendAll exports the source AS's loc-RIB to the selected neighbour classes
// under valley-free policy: only customer routes go up or across, everything
// goes down. A route is never offered to an AS already on its path.
func (e *Engine) sendAll(src *graph.AS, toProviders, toPeers, toCustomers bool) {
	var provVec, peerVec, custVec []graph.Announcement

	strip := src.Policy().StripsExports()
	for _, entry := range src.LocRIB {
		exportable := entry.CustomerRoute()
		stripped := strip && e.strippedExport(src, &entry)
		if toProviders && exportable && !stripped {
			provVec = append(provVec, entry.Forward(src.ASN, graph.ForwardPriority(graph.BandCustomer, entry.Priority)))
		}
		if toPeers && exportable && !stripped {
			peerVec = append(peerVec, entry.Forward(src.ASN, graph.ForwardPriority(graph.BandPeer, entry.Priority)))
		}
		if toCustomers {
			custVec = append(custVec, entry.Forward(src.ASN, graph.ForwardPriority(graph.BandProvider, entry.Priority)))
		}
	}

	if toProviders && len(provVec) > 0 {
		e.deliver(src.Providers, provVec, "customer")
	}
	if toPeers && len(peerVec) > 0 {
		e.deliver(src.Peers, peerVec, "peer")
	}
	if toCustomers && len(custVec) > 0 {
		e.deliver(src.Customers, custVec, "provider")
	}
}

// strippedExport reports whether the entry is a blackhole or preventive
// announcement that an ROV++bis/BP node keeps away from providers and peers.
func (e *Engine) strippedExport(src *graph.AS, entry *graph.Announcement) bool {
	if entry.Origin == graph.SentinelBlackhole {
		return true
	}
	for i := range src.Preventive {
		if src.Preventive[i].Prefix == entry.Prefix && src.Preventive[i].Origin == entry.Origin {
			return true
		}
	}
	return false
}

func (e *Engine) deliver(targets map[uint32]struct{}, vec []graph.Announcement, band string) {
	for targetASN := range targets {
		target, ok := e.graph.Lookup(targetASN)
		if !ok {
			continue
		}
		var batch []graph.Announcement
		for i := range vec {
			if vec[i].OnPath(targetASN) {
				continue
			}
			batch = append(batch, vec[i])
		}
		if len(batch) > 0 {
			target.Receive(batch)
			metrics.AnnouncementsForwardedTotal.WithLabelValues(band).Add(float64(len(batch)))
		}
	}
}

// processWithdrawals drains the AS's withdrawal queue, pulling the withdrawn
// route out of every neighbour that learned it from this AS and cascading
// onward.
func (e *Engine) processWithdrawals(as *graph.AS) {
	for len(as.Withdrawals) > 0 {
		pending := as.Withdrawals
		as.Withdrawals = nil
		for _, wd := range pending {
			e.cascadeWithdrawal(as, wd)
		}
	}
}

func (e *Engine) cascadeWithdrawal(from *graph.AS, wd graph.Announcement) {
	onward := wd
	onward.ReceivedFrom = from.ASN
	onward.Withdraw = true
	for _, set := range []map[uint32]struct{}{from.Providers, from.Peers, from.Customers} {
		for neighborASN := range set {
			neighbor, ok := e.graph.Lookup(neighborASN)
			if !ok {
				continue
			}
			installed, ok := neighbor.LocRIB[wd.Prefix]
			if !ok || installed.ReceivedFrom != from.ASN {
				continue
			}
			neighbor.ApplyWithdrawal(onward)
			e.processWithdrawals(neighbor)
		}
	}
}

// LoopCheck traces every installed route back through received_from and
// drops entries whose traceback revisits the holder. Returns the number of
// entries dropped.
func (e *Engine) LoopCheck() int {
	dropped := 0
	for _, as := range e.graph.ASes {
		for prefix := range as.LocRIB {
			if e.tracebackLoops(prefix, as) {
				delete(as.LocRIB, prefix)
				dropped++
				metrics.LoopEntriesDroppedTotal.Inc()
			}
		}
	}
	if dropped > 0 {
		e.logger.Warn("loop check dropped entries", zap.Int("dropped", dropped))
	}
	return dropped
}

const maxTracebackDepth = 100

func (e *Engine) tracebackLoops(prefix graph.Prefix, start *graph.AS) bool {
	cur := start
	for depth := 0; depth < maxTracebackDepth; depth++ {
		ann, ok := cur.LocRIB[prefix]
		if !ok {
			return false
		}
		rf := ann.ReceivedFrom
		if rf == cur.ASN || graph.IsSentinelASN(rf) {
			return false
		}
		if rf == start.ASN {
			return true
		}
		next, ok := e.graph.Lookup(e.graph.Translate(rf))
		if !ok {
			return true
		}
		cur = next
	}
	return true
}

// EmitResults streams every installed route to the sinks: representative
// rows, member rows for collapsed components, synthesized stub rows, and the
// optional depref, blackhole, and inverse outputs.
func (e *Engine) EmitResults(ctx context.Context) error {
	start := time.Now()

	if e.opts.InvertResults {
		if err := e.emitInverse(ctx); err != nil {
			return err
		}
	} else {
		if err := e.emitRIBs(ctx); err != nil {
			return err
		}
	}

	if e.opts.StoreDepref && e.sinks.Depref != nil {
		if err := e.emitDepref(ctx); err != nil {
			return err
		}
	}
	if e.sinks.Blackholes != nil {
		if err := e.emitBlackholes(ctx); err != nil {
			return err
		}
	}

	metrics.SinkWriteDuration.WithLabelValues("results").Observe(time.Since(start).Seconds())
	return nil
}

func (e *Engine) emitRIBs(ctx context.Context) error {
	for _, asn := range e.sortedASNs() {
		as, _ := e.graph.Lookup(asn)
		if err := e.emitRIBAs(ctx, as, asn); err != nil {
			return err
		}
		for _, member := range as.MemberASes {
			if err := e.emitRIBAs(ctx, as, member); err != nil {
				return err
			}
		}
	}

	// Stubs copy their parent's routes under their own ASN.
	stubs := make([]uint32, 0, len(e.graph.StubsToParents))
	for stub := range e.graph.StubsToParents {
		stubs = append(stubs, stub)
	}
	sort.Slice(stubs, func(i, j int) bool { return stubs[i] < stubs[j] })
	for _, stub := range stubs {
		parent, ok := e.graph.Lookup(e.graph.Translate(stub))
		if !ok {
			continue
		}
		if err := e.emitRIBAs(ctx, parent, stub); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) emitRIBAs(ctx context.Context, as *graph.AS, emitASN uint32) error {
	for _, prefix := range sortedPrefixes(as.LocRIB) {
		ann := as.LocRIB[prefix]
		row := Row{
			ASN:          emitASN,
			Prefix:       prefix,
			Origin:       ann.Origin,
			Priority:     ann.Priority,
			ReceivedFrom: ann.ReceivedFrom,
		}
		if err := e.sinks.Results.WriteRow(ctx, row); err != nil {
			return fmt.Errorf("engine: result sink: %w", err)
		}
		metrics.ResultRowsTotal.WithLabelValues("results").Inc()
	}
	return nil
}

func (e *Engine) emitDepref(ctx context.Context) error {
	for _, asn := range e.sortedASNs() {
		as, _ := e.graph.Lookup(asn)
		for _, prefix := range sortedPrefixes(as.Depref) {
			ann := as.Depref[prefix]
			row := Row{
				ASN:          asn,
				Prefix:       prefix,
				Origin:       ann.Origin,
				Priority:     ann.Priority,
				ReceivedFrom: ann.ReceivedFrom,
			}
			if err := e.sinks.Depref.WriteRow(ctx, row); err != nil {
				return fmt.Errorf("engine: depref sink: %w", err)
			}
			metrics.ResultRowsTotal.WithLabelValues("depref").Inc()
		}
	}
	return nil
}

func (e *Engine) emitBlackholes(ctx context.Context) error {
	for _, asn := range e.sortedASNs() {
		as, _ := e.graph.Lookup(asn)
		for _, prefix := range sortedPrefixes(as.Blackholes) {
			ann := as.Blackholes[prefix]
			// A blackhole later displaced by a real route is not listed.
			if cur, installed := as.LocRIB[prefix]; !installed || cur.Origin != graph.SentinelBlackhole {
				continue
			}
			row := Row{
				ASN:          asn,
				Prefix:       prefix,
				Origin:       ann.Origin,
				Priority:     ann.Priority,
				ReceivedFrom: ann.ReceivedFrom,
			}
			if err := e.sinks.Blackholes.WriteRow(ctx, row); err != nil {
				return fmt.Errorf("engine: blackhole sink: %w", err)
			}
			metrics.ResultRowsTotal.WithLabelValues("blackholes").Inc()
		}
	}
	return nil
}

func (e *Engine) emitInverse(ctx context.Context) error {
	if e.sinks.Inverse == nil {
		return nil
	}
	keys := make([]graph.PrefixOrigin, 0, len(e.graph.Inverse))
	for key := range e.graph.Inverse {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := keys[i].Prefix.Compare(keys[j].Prefix); c != 0 {
			return c < 0
		}
		return keys[i].Origin < keys[j].Origin
	})
	for _, key := range keys {
		set := e.graph.Inverse[key]
		asns := make([]uint32, 0, len(set))
		for asn := range set {
			asns = append(asns, asn)
		}
		sort.Slice(asns, func(i, j int) bool { return asns[i] < asns[j] })
		for _, asn := range asns {
			if err := e.sinks.Inverse.WriteInverseRow(ctx, key.Prefix, key.Origin, asn); err != nil {
				return fmt.Errorf("engine: inverse sink: %w", err)
			}
			metrics.ResultRowsTotal.WithLabelValues("inverse").Inc()
		}
	}
	return nil
}

func (e *Engine) sortedASNs() []uint32 {
	asns := make([]uint32, 0, len(e.graph.ASes))
	for asn := range e.graph.ASes {
		asns = append(asns, asn)
	}
	sort.Slice(asns, func(i, j int) bool { return asns[i] < asns[j] })
	return asns
}

func sortedPrefixes(m map[graph.Prefix]graph.Announcement) []graph.Prefix {
	prefixes := make([]graph.Prefix, 0, len(m))
	for p := range m {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return prefixes[i].Less(prefixes[j]) })
	return prefixes
}
