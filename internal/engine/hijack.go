package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/route-beacon/route-extrapolator/internal/graph"
	"github.com/route-beacon/route-extrapolator/internal/metrics"
	"go.uber.org/zap"
)

// HijackEngine extends the propagation engine with attacker/victim
// bookkeeping: sentinel origins at seed time, ROV-family ingress policies,
// withdrawal cascades, the post-propagation loop check, and per-round attack
// accounting with attacker-edge removal.
type HijackEngine struct {
	*Engine

	attacks  AttackSource
	policies PolicySource

	// victimTargets maps each victim to the scenario targeting it, rebuilt
	// every round during seeding.
	victimTargets map[uint32]AttackRecord

	// attackerEdges lists (attacker, path-neighbour) edges to sever before
	// the next round.
	attackerEdges [][2]uint32

	// Successful and Total hold the last round's attack accounting.
	Successful int
	Total      int
}

// NewHijack wraps a base engine for hijack mode. policies may be nil.
func NewHijack(base *Engine, attacks AttackSource, policies PolicySource) *HijackEngine {
	base.cascadeWithdrawals = true
	return &HijackEngine{
		Engine:        base,
		attacks:       attacks,
		policies:      policies,
		victimTargets: make(map[uint32]AttackRecord),
	}
}

// Prepare must run after BuildGraph: it installs the attacker set, switches
// on withdrawal tracking, and applies per-AS policy assignments.
func (h *HijackEngine) Prepare(ctx context.Context) error {
	h.graph.SetAttackers(make(map[uint32]struct{}))
	h.graph.EnableWithdrawalTracking()
	if h.policies == nil {
		return nil
	}
	assigned := 0
	err := h.policies.Policies(ctx, func(rec PolicyRecord) error {
		h.graph.SetPolicy(rec.ASN, rec.Tags)
		assigned++
		return nil
	})
	if err != nil {
		return fmt.Errorf("engine: loading policies: %w", err)
	}
	h.logger.Info("policies assigned", zap.Int("ases", assigned))
	return nil
}

// Run executes one full hijack propagation and emits results.
func (h *HijackEngine) Run(ctx context.Context) error {
	if err := h.runOnce(ctx); err != nil {
		return err
	}
	return h.EmitResults(ctx)
}

// runOnce seeds both scenario tables, propagates, runs the loop check, and
// updates the attack accounting.
func (h *HijackEngine) runOnce(ctx context.Context) error {
	h.victimTargets = make(map[uint32]AttackRecord)

	err := h.attacks.Victims(ctx, func(rec AttackRecord) error {
		h.seedPath(rec.ASPath, rec.Prefix, 1, graph.SentinelLegitOrigin, false, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("engine: seeding victims: %w", err)
	}
	if h.opts.PropagateTwice {
		h.PropagateUp()
		h.PropagateDown()
	}

	err = h.attacks.Attackers(ctx, func(rec AttackRecord) error {
		h.graph.AddAttacker(rec.Attacker)
		h.graph.AddAttacker(h.graph.Translate(rec.Attacker))
		h.victimTargets[rec.Victim] = rec
		h.seedPath(rec.ASPath, rec.Prefix, 1, graph.SentinelHijackOrigin, true, h.opts.MaxAttackerHops)
		return nil
	})
	if err != nil {
		return fmt.Errorf("engine: seeding attackers: %w", err)
	}

	h.PropagateUp()
	h.PropagateDown()

	h.LoopCheck()
	h.countAttacks()
	return nil
}

// countAttacks checks, for every registered victim, whether the targeted
// prefix reached it via the attacker, and records the attacker edge to sever
// before the next round. Victims the prefix never reached do not count.
func (h *HijackEngine) countAttacks() {
	h.Successful, h.Total = 0, 0

	victims := make([]uint32, 0, len(h.victimTargets))
	for v := range h.victimTargets {
		victims = append(victims, v)
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i] < victims[j] })

	for _, victim := range victims {
		rec := h.victimTargets[victim]
		vAS, ok := h.graph.Lookup(h.graph.Translate(victim))
		if !ok {
			continue
		}
		entry, ok := vAS.LocRIB[rec.Prefix]
		if !ok {
			continue
		}
		h.Total++
		metrics.AttacksTotal.Inc()
		if !entry.FromAttacker {
			continue
		}
		h.Successful++
		metrics.SuccessfulAttacksTotal.Inc()
		attacker := h.graph.Translate(rec.Attacker)
		if neighbor, ok := h.pathNeighborOfAttacker(vAS, rec.Prefix, attacker); ok {
			h.attackerEdges = append(h.attackerEdges, [2]uint32{attacker, neighbor})
		}
	}
}

// pathNeighborOfAttacker walks the received_from chain from the victim
// toward the attacker and returns the AS that heard the route directly from
// it.
func (h *HijackEngine) pathNeighborOfAttacker(start *graph.AS, prefix graph.Prefix, attacker uint32) (uint32, bool) {
	cur := start
	for depth := 0; depth < maxTracebackDepth; depth++ {
		ann, ok := cur.LocRIB[prefix]
		if !ok {
			return 0, false
		}
		rf := ann.ReceivedFrom
		if rf == attacker {
			return cur.ASN, true
		}
		if rf == cur.ASN || graph.IsSentinelASN(rf) {
			return 0, false
		}
		next, ok := h.graph.Lookup(h.graph.Translate(rf))
		if !ok {
			return 0, false
		}
		cur = next
	}
	return 0, false
}

// removeAttackerEdges severs every recorded (attacker, neighbour) edge.
func (h *HijackEngine) removeAttackerEdges() {
	for _, edge := range h.attackerEdges {
		h.graph.RemoveEdge(edge[0], edge[1])
		h.logger.Info("attacker edge removed",
			zap.Uint32("attacker", edge[0]),
			zap.Uint32("neighbor", edge[1]),
		)
	}
	h.attackerEdges = nil
}

// RunRounds repeats propagation with attacker-edge removal between rounds
// until no attack succeeds or the round cap is reached, then emits results.
// Round statistics go to the rounds sink as they are produced.
func (h *HijackEngine) RunRounds(ctx context.Context) error {
	rounds := h.opts.NumRounds
	if rounds <= 0 {
		rounds = 1
	}

	for round := 1; round <= rounds; round++ {
		h.setRound(round)
		metrics.CurrentRound.Set(float64(round))
		if round > 1 {
			h.removeAttackerEdges()
			h.graph.Reset()
			h.graph.Process(h.opts.ElideStubs)
		}

		if err := h.runOnce(ctx); err != nil {
			return fmt.Errorf("engine: round %d: %w", round, err)
		}

		probability := 0.0
		if h.Total > 0 {
			probability = float64(h.Successful) / float64(h.Total)
		}
		h.logger.Info("round complete",
			zap.Int("round", round),
			zap.Int("successful_attacks", h.Successful),
			zap.Int("total_attacks", h.Total),
			zap.Float64("probability", probability),
		)
		if h.sinks.Rounds != nil {
			if err := h.sinks.Rounds.WriteRound(ctx, round, h.Successful, h.Total); err != nil {
				return fmt.Errorf("engine: round sink: %w", err)
			}
		}

		if h.Successful == 0 {
			break
		}
	}
	return h.EmitResults(ctx)
}
