package engine

import (
	"context"
	"testing"

	"github.com/route-beacon/route-extrapolator/internal/graph"
	"go.uber.org/zap"
)

type fakeAttackSource struct {
	victims   []AttackRecord
	attackers []AttackRecord
}

func (s *fakeAttackSource) Victims(_ context.Context, fn func(AttackRecord) error) error {
	for _, rec := range s.victims {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeAttackSource) Attackers(_ context.Context, fn func(AttackRecord) error) error {
	for _, rec := range s.attackers {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

type fakePolicySource struct {
	recs []PolicyRecord
}

func (s *fakePolicySource) Policies(_ context.Context, fn func(PolicyRecord) error) error {
	for _, rec := range s.recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

type memRoundSink struct {
	rows [][3]int
}

func (s *memRoundSink) WriteRound(_ context.Context, round, successful, total int) error {
	s.rows = append(s.rows, [3]int{round, successful, total})
	return nil
}

func newHijackEngine(t *testing.T, rels []RelationshipRecord, attacks *fakeAttackSource, policies *fakePolicySource, opts Options, sinks Sinks) *HijackEngine {
	t.Helper()
	if sinks.Results == nil {
		sinks.Results = &memSink{}
	}
	base := New(graph.New(), &fakeSource{rels: rels}, sinks, opts, zap.NewNop())
	if err := base.BuildGraph(context.Background()); err != nil {
		t.Fatalf("build graph: %v", err)
	}
	var ps PolicySource
	if policies != nil {
		ps = policies
	}
	h := NewHijack(base, attacks, ps)
	if err := h.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return h
}

// S3: victim and attacker share provider X; X runs ROV, so the forged
// announcement dies at X's ingress while the legitimate one spreads.
func TestHijack_ROVRejectsForgedRoute(t *testing.T) {
	p := mustPrefix(t, "137.99.0.0", "255.255.0.0")
	const (
		victimASN   = 20
		attackerASN = 30
		providerX   = 40
	)
	rels := []RelationshipRecord{
		{A: providerX, B: victimASN, Relation: ProviderOf},
		{A: providerX, B: attackerASN, Relation: ProviderOf},
	}
	attacks := &fakeAttackSource{
		victims: []AttackRecord{
			{Attacker: attackerASN, Victim: victimASN, Prefix: p, ASPath: []uint32{victimASN}},
		},
		attackers: []AttackRecord{
			{Attacker: attackerASN, Victim: victimASN, Prefix: p, ASPath: []uint32{attackerASN}},
		},
	}
	policies := &fakePolicySource{recs: []PolicyRecord{
		{ASN: providerX, Tags: []graph.PolicyTag{graph.PolicyROV}},
	}}

	h := newHijackEngine(t, rels, attacks, policies, Options{}, Sinks{})
	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	g := h.Graph()
	v, _ := g.Lookup(victimASN)
	vAnn, ok := v.LocRIB[p]
	if !ok {
		t.Fatal("expected the victim to hold its own route")
	}
	if vAnn.FromAttacker {
		t.Error("expected the victim's route not to be from the attacker")
	}

	x, _ := g.Lookup(providerX)
	xAnn, ok := x.LocRIB[p]
	if !ok {
		t.Fatal("expected X to install the legitimate route")
	}
	if xAnn.ReceivedFrom != victimASN {
		t.Errorf("expected X's route via the victim, got received_from %d", xAnn.ReceivedFrom)
	}
	if xAnn.FromAttacker {
		t.Error("expected the forged route rejected at X's ingress")
	}
}

func TestHijack_AttackSucceedsWithoutROV(t *testing.T) {
	p := mustPrefix(t, "137.99.0.0", "255.255.0.0")
	const (
		originASN   = 20
		attackerASN = 10
		providerX   = 40
		victimASN   = 50
	)
	// X is the shared provider of the legitimate origin, the attacker,
	// and the victim. The attacker's forged origin is numerically lower,
	// so X deterministically prefers it on the origin tiebreak.
	rels := []RelationshipRecord{
		{A: providerX, B: originASN, Relation: ProviderOf},
		{A: providerX, B: attackerASN, Relation: ProviderOf},
		{A: providerX, B: victimASN, Relation: ProviderOf},
	}
	attacks := &fakeAttackSource{
		victims: []AttackRecord{
			{Attacker: attackerASN, Victim: victimASN, Prefix: p, ASPath: []uint32{originASN}},
		},
		attackers: []AttackRecord{
			{Attacker: attackerASN, Victim: victimASN, Prefix: p, ASPath: []uint32{attackerASN}},
		},
	}

	h := newHijackEngine(t, rels, attacks, nil, Options{}, Sinks{})
	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	g := h.Graph()
	v, _ := g.Lookup(victimASN)
	ann, ok := v.LocRIB[p]
	if !ok {
		t.Fatal("expected the targeted prefix to reach the victim")
	}
	if !ann.FromAttacker {
		t.Errorf("expected the victim to install the attacker route, got %+v", ann)
	}
	if h.Successful != 1 || h.Total != 1 {
		t.Errorf("expected 1/1 successful attacks, got %d/%d", h.Successful, h.Total)
	}
}

func TestHijack_RoundsRemoveAttackerEdges(t *testing.T) {
	p := mustPrefix(t, "137.99.0.0", "255.255.0.0")
	const (
		originASN   = 20
		attackerASN = 10
		providerX   = 40
		victimASN   = 50
	)
	rels := []RelationshipRecord{
		{A: providerX, B: originASN, Relation: ProviderOf},
		{A: providerX, B: attackerASN, Relation: ProviderOf},
		{A: providerX, B: victimASN, Relation: ProviderOf},
	}
	attacks := &fakeAttackSource{
		victims: []AttackRecord{
			{Attacker: attackerASN, Victim: victimASN, Prefix: p, ASPath: []uint32{originASN}},
		},
		attackers: []AttackRecord{
			{Attacker: attackerASN, Victim: victimASN, Prefix: p, ASPath: []uint32{attackerASN}},
		},
	}
	rounds := &memRoundSink{}

	h := newHijackEngine(t, rels, attacks, nil, Options{NumRounds: 5}, Sinks{Rounds: rounds})
	if err := h.RunRounds(context.Background()); err != nil {
		t.Fatalf("run rounds: %v", err)
	}

	// Round 1 succeeds, the attacker-provider edge is severed, and the
	// attack fails in round 2.
	if len(rounds.rows) != 2 {
		t.Fatalf("expected 2 rounds, got %d: %v", len(rounds.rows), rounds.rows)
	}
	if rounds.rows[0] != [3]int{1, 1, 1} {
		t.Errorf("expected round 1 = 1/1, got %v", rounds.rows[0])
	}
	if rounds.rows[1][1] != 0 {
		t.Errorf("expected no successful attacks in round 2, got %v", rounds.rows[1])
	}

	x, _ := h.Graph().Lookup(providerX)
	if x.Relationship(attackerASN) != graph.RelNone {
		t.Error("expected the attacker's provider edge removed between rounds")
	}

	v, _ := h.Graph().Lookup(victimASN)
	ann, ok := v.LocRIB[p]
	if !ok {
		t.Fatal("expected the legitimate route to reach the victim in round 2")
	}
	if ann.FromAttacker {
		t.Error("expected the victim clean after the edge removal")
	}
}

func TestHijack_ROVppInstallsAndPropagatesBlackhole(t *testing.T) {
	p := mustPrefix(t, "137.99.0.0", "255.255.0.0")
	const (
		attackerASN = 10
		rovppX      = 40
		customerC   = 50
	)
	rels := []RelationshipRecord{
		{A: rovppX, B: attackerASN, Relation: ProviderOf},
		{A: rovppX, B: customerC, Relation: ProviderOf},
	}
	attacks := &fakeAttackSource{
		attackers: []AttackRecord{
			{Attacker: attackerASN, Victim: customerC, Prefix: p, ASPath: []uint32{attackerASN}},
		},
	}
	policies := &fakePolicySource{recs: []PolicyRecord{
		{ASN: rovppX, Tags: []graph.PolicyTag{graph.PolicyROVpp}},
	}}
	blackholes := &memSink{}

	h := newHijackEngine(t, rels, attacks, policies, Options{}, Sinks{Blackholes: blackholes})
	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	g := h.Graph()
	x, _ := g.Lookup(rovppX)
	xAnn, ok := x.LocRIB[p]
	if !ok {
		t.Fatal("expected a blackhole installed at the ROV++ node")
	}
	if xAnn.Origin != graph.SentinelBlackhole {
		t.Errorf("expected blackhole origin 64512, got %d", xAnn.Origin)
	}

	// The blackhole propagates downward like any other route.
	c, _ := g.Lookup(customerC)
	cAnn, ok := c.LocRIB[p]
	if !ok {
		t.Fatal("expected the blackhole to reach the customer")
	}
	if cAnn.Origin != graph.SentinelBlackhole || cAnn.ReceivedFrom != rovppX {
		t.Errorf("expected blackhole via X at the customer, got %+v", cAnn)
	}

	if _, ok := blackholes.rowFor(rovppX, p); !ok {
		t.Error("expected the ROV++ node's blackhole in the blackhole sink")
	}
}

func TestHijack_ROVppBisStripsBlackholeFromUpstream(t *testing.T) {
	p := mustPrefix(t, "137.99.0.0", "255.255.0.0")
	const (
		attackerASN = 10
		bisX        = 40
		upstreamT   = 60
		customerC   = 50
	)
	rels := []RelationshipRecord{
		{A: bisX, B: attackerASN, Relation: ProviderOf},
		{A: bisX, B: customerC, Relation: ProviderOf},
		{A: upstreamT, B: bisX, Relation: ProviderOf},
	}
	attacks := &fakeAttackSource{
		attackers: []AttackRecord{
			{Attacker: attackerASN, Victim: customerC, Prefix: p, ASPath: []uint32{attackerASN}},
		},
	}
	policies := &fakePolicySource{recs: []PolicyRecord{
		{ASN: bisX, Tags: []graph.PolicyTag{graph.PolicyROVppBis}},
	}}

	h := newHijackEngine(t, rels, attacks, policies, Options{}, Sinks{})
	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	g := h.Graph()
	// The blackhole leaks to the customer only.
	c, _ := g.Lookup(customerC)
	if _, ok := c.LocRIB[p]; !ok {
		t.Error("expected the blackhole to reach the customer")
	}
	tAS, _ := g.Lookup(upstreamT)
	if _, ok := tAS.LocRIB[p]; ok {
		t.Error("expected the blackhole stripped from the provider export")
	}
}

func TestSendAll_PreventiveStrippedFromUpstream(t *testing.T) {
	p := mustPrefix(t, "137.99.0.0", "255.255.0.0")
	rels := []RelationshipRecord{
		{A: 40, B: 10, Relation: ProviderOf},
		{A: 60, B: 40, Relation: ProviderOf},
		{A: 40, B: 50, Relation: ProviderOf},
	}
	e, _ := newTestEngine(t, rels, nil, Options{})
	g := e.Graph()

	n40, _ := g.Lookup(40)
	n40.PolicyVector = []graph.PolicyTag{graph.PolicyROVppBP}
	preventive := graph.Announcement{Origin: 10, Prefix: p, Priority: 298, ReceivedFrom: 10, ASPath: []uint32{10}}
	n40.ProcessAnnouncement(preventive, false)
	n40.RecordPreventive(preventive)

	e.sendAll(n40, true, true, true)

	n60, _ := g.Lookup(60)
	n60.ProcessIncoming(false)
	if _, ok := n60.LocRIB[p]; ok {
		t.Error("expected the preventive announcement stripped from the provider export")
	}

	n50, _ := g.Lookup(50)
	n50.ProcessIncoming(false)
	if _, ok := n50.LocRIB[p]; !ok {
		t.Error("expected the preventive announcement to leak to the customer")
	}
}

// S6: a synthetic received_from cycle is dropped by the loop check while
// sound entries survive.
func TestLoopCheck_DropsCycle(t *testing.T) {
	p := mustPrefix(t, "137.99.0.0", "255.255.0.0")
	rels := []RelationshipRecord{
		{A: 1, B: 2, Relation: ProviderOf},
		{A: 1, B: 9, Relation: ProviderOf},
	}
	e, _ := newTestEngine(t, rels, nil, Options{})
	g := e.Graph()

	n1, _ := g.Lookup(1)
	n2, _ := g.Lookup(2)
	n9, _ := g.Lookup(9)
	n1.LocRIB[p] = graph.Announcement{Origin: 5, Prefix: p, Priority: 97, ReceivedFrom: 2}
	n2.LocRIB[p] = graph.Announcement{Origin: 5, Prefix: p, Priority: 298, ReceivedFrom: 1}
	n9.LocRIB[p] = graph.Announcement{Origin: 9, Prefix: p, Priority: 299, ReceivedFrom: 9}

	dropped := e.LoopCheck()
	if dropped != 1 {
		t.Errorf("expected exactly one dropped entry, got %d", dropped)
	}
	if _, ok := n9.LocRIB[p]; !ok {
		t.Error("expected the self-originated entry untouched")
	}
	if len(n1.LocRIB)+len(n2.LocRIB) != 1 {
		t.Errorf("expected one side of the cycle to survive, got %d entries",
			len(n1.LocRIB)+len(n2.LocRIB))
	}
}

func TestWithdrawalCascade(t *testing.T) {
	p := mustPrefix(t, "137.99.0.0", "255.255.0.0")
	// Chain 1→2→3: the route originates at 3 and is installed upward.
	rels := []RelationshipRecord{
		{A: 1, B: 2, Relation: ProviderOf},
		{A: 2, B: 3, Relation: ProviderOf},
	}
	attacks := &fakeAttackSource{}
	h := newHijackEngine(t, rels, attacks, nil, Options{}, Sinks{})
	g := h.Graph()

	n3, _ := g.Lookup(3)
	n3.ProcessAnnouncement(graph.Announcement{Origin: 3, Prefix: p, Priority: 299, ReceivedFrom: 3}, false)
	h.PropagateUp()

	n2, _ := g.Lookup(2)
	n1, _ := g.Lookup(1)
	if n2.LocRIB[p].ReceivedFrom != 3 || n1.LocRIB[p].ReceivedFrom != 2 {
		t.Fatalf("expected the route installed up the chain, got %+v and %+v",
			n2.LocRIB[p], n1.LocRIB[p])
	}

	// 3 withdraws its route; the drop must cascade through 2 to 1.
	old := n3.LocRIB[p]
	old.Withdraw = true
	n3.Withdrawals = append(n3.Withdrawals, old)
	h.processWithdrawals(n3)

	if _, ok := n2.LocRIB[p]; ok {
		t.Error("expected the withdrawal to drop 2's entry")
	}
	if _, ok := n1.LocRIB[p]; ok {
		t.Error("expected the withdrawal to cascade to 1")
	}
}

func TestHijack_VictimUnreachedNotCounted(t *testing.T) {
	p := mustPrefix(t, "137.99.0.0", "255.255.0.0")
	// The victim is disconnected from the attacker, so the prefix never
	// reaches it and the attempt is not counted.
	rels := []RelationshipRecord{
		{A: 40, B: 10, Relation: ProviderOf},
		{A: 41, B: 50, Relation: ProviderOf},
	}
	attacks := &fakeAttackSource{
		attackers: []AttackRecord{
			{Attacker: 10, Victim: 50, Prefix: p, ASPath: []uint32{10}},
		},
	}
	h := newHijackEngine(t, rels, attacks, nil, Options{}, Sinks{})
	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.Total != 0 || h.Successful != 0 {
		t.Errorf("expected 0/0 accounting for an unreached victim, got %d/%d", h.Successful, h.Total)
	}
}
