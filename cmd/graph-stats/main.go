package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/route-beacon/route-extrapolator/internal/config"
	"github.com/route-beacon/route-extrapolator/internal/db"
	"github.com/route-beacon/route-extrapolator/internal/engine"
	"github.com/route-beacon/route-extrapolator/internal/graph"
	"github.com/route-beacon/route-extrapolator/internal/source"
	"go.uber.org/zap"
)

// graph-stats loads the relationship tables, processes the graph, and prints
// what the propagation engine would see. Useful for sanity-checking a fresh
// relationship snapshot before a long run.
func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := zap.NewNop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, "graph-stats",
		cfg.Postgres.MaxConns, cfg.Postgres.MinConns, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "db: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	tables := source.Tables{
		CustomerProviders: cfg.Source.CustomerProvidersTable,
		Peers:             cfg.Source.PeersTable,
	}
	src := source.NewPGSource(pool, tables, logger)

	g := graph.New()
	providerEdges, peerEdges := 0, 0
	err = src.Relationships(ctx, func(rec engine.RelationshipRecord) error {
		switch rec.Relation {
		case engine.ProviderOf:
			g.AddProviderCustomer(rec.A, rec.B)
			providerEdges++
		case engine.PeerOf:
			g.AddPeering(rec.A, rec.B)
			peerEdges++
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "relationships: %v\n", err)
		os.Exit(1)
	}

	totalBefore := len(g.ASes)
	g.Process(cfg.Engine.ElideStubs)

	supernodes := 0
	collapsed := 0
	for _, as := range g.ASes {
		if len(as.MemberASes) > 0 {
			supernodes++
			collapsed += len(as.MemberASes)
		}
	}

	fmt.Printf("relationship rows:   %d provider-customer, %d peer\n", providerEdges, peerEdges)
	fmt.Printf("ases before process: %d\n", totalBefore)
	fmt.Printf("ases after process:  %d\n", len(g.ASes))
	fmt.Printf("supernodes:          %d (%d ASNs collapsed)\n", supernodes, collapsed)
	fmt.Printf("stubs elided:        %d\n", len(g.StubsToParents))
	fmt.Printf("rank levels:         %d\n", len(g.ASesByRank))
	for r, level := range g.ASesByRank {
		if r > 10 {
			fmt.Printf("  ... %d more levels\n", len(g.ASesByRank)-r)
			break
		}
		fmt.Printf("  rank %-3d %d ases\n", r, len(level))
	}
}
