package source

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/route-extrapolator/internal/engine"
	"github.com/route-beacon/route-extrapolator/internal/graph"
	"github.com/route-beacon/route-extrapolator/internal/metrics"
	"go.uber.org/zap"
)

// Tables names the input tables consumed by the Postgres source.
type Tables struct {
	CustomerProviders string
	Peers             string
	Announcements     string
	Victims           string
	Attackers         string
	Policies          string
}

// PGSource streams relationship, announcement, scenario, and policy rows out
// of Postgres. Malformed rows are counted and skipped; query errors abort.
type PGSource struct {
	pool   *pgxpool.Pool
	tables Tables
	logger *zap.Logger
}

func NewPGSource(pool *pgxpool.Pool, tables Tables, logger *zap.Logger) *PGSource {
	return &PGSource{pool: pool, tables: tables, logger: logger}
}

// Relationships streams provider→customer rows followed by peer rows.
func (s *PGSource) Relationships(ctx context.Context, fn func(engine.RelationshipRecord) error) error {
	q := fmt.Sprintf("SELECT provider_asn, customer_asn FROM %s", s.tables.CustomerProviders)
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("source: querying %s: %w", s.tables.CustomerProviders, err)
	}
	defer rows.Close()
	for rows.Next() {
		var provider, customer int64
		if err := rows.Scan(&provider, &customer); err != nil {
			metrics.MalformedRecordsTotal.WithLabelValues("relationships").Inc()
			continue
		}
		metrics.SourceRecordsTotal.WithLabelValues("relationships").Inc()
		if err := fn(engine.RelationshipRecord{
			A:        uint32(provider),
			B:        uint32(customer),
			Relation: engine.ProviderOf,
		}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("source: reading %s: %w", s.tables.CustomerProviders, err)
	}
	rows.Close()

	q = fmt.Sprintf("SELECT peer_asn_1, peer_asn_2 FROM %s", s.tables.Peers)
	prows, err := s.pool.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("source: querying %s: %w", s.tables.Peers, err)
	}
	defer prows.Close()
	for prows.Next() {
		var a, b int64
		if err := prows.Scan(&a, &b); err != nil {
			metrics.MalformedRecordsTotal.WithLabelValues("relationships").Inc()
			continue
		}
		metrics.SourceRecordsTotal.WithLabelValues("relationships").Inc()
		if err := fn(engine.RelationshipRecord{
			A:        uint32(a),
			B:        uint32(b),
			Relation: engine.PeerOf,
		}); err != nil {
			return err
		}
	}
	if err := prows.Err(); err != nil {
		return fmt.Errorf("source: reading %s: %w", s.tables.Peers, err)
	}
	return nil
}

// DistinctPrefixes returns the distinct IPv4 prefixes of the announcement
// table; IPv6 rows are skipped.
func (s *PGSource) DistinctPrefixes(ctx context.Context) ([]graph.Prefix, error) {
	q := fmt.Sprintf("SELECT DISTINCT host, netmask, family FROM %s", s.tables.Announcements)
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("source: querying distinct prefixes: %w", err)
	}
	defer rows.Close()

	var prefixes []graph.Prefix
	for rows.Next() {
		var host, netmask string
		var family int
		if err := rows.Scan(&host, &netmask, &family); err != nil {
			metrics.MalformedRecordsTotal.WithLabelValues("prefixes").Inc()
			continue
		}
		if family == 6 {
			continue
		}
		prefix, err := graph.ParsePrefix(host, netmask)
		if err != nil {
			metrics.MalformedRecordsTotal.WithLabelValues("prefixes").Inc()
			s.logger.Debug("skipping malformed prefix", zap.String("host", host), zap.String("netmask", netmask))
			continue
		}
		prefixes = append(prefixes, prefix)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: reading distinct prefixes: %w", err)
	}
	return prefixes, nil
}

// Announcements streams the announcement rows of one prefix block.
func (s *PGSource) Announcements(ctx context.Context, block []graph.Prefix, fn func(engine.AnnouncementRecord) error) error {
	want := make(map[string]graph.Prefix, len(block))
	for _, p := range block {
		want[p.String()] = p
	}

	q := fmt.Sprintf(`SELECT host, netmask, as_path, COALESCE(EXTRACT(EPOCH FROM time)::bigint, 0), family
		FROM %s WHERE family = 4`, s.tables.Announcements)
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("source: querying announcements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var host, netmask string
		var rawPath []int64
		var ts int64
		var family int
		if err := rows.Scan(&host, &netmask, &rawPath, &ts, &family); err != nil {
			metrics.MalformedRecordsTotal.WithLabelValues("announcements").Inc()
			continue
		}
		prefix, err := graph.ParsePrefix(host, netmask)
		if err != nil {
			metrics.MalformedRecordsTotal.WithLabelValues("announcements").Inc()
			continue
		}
		if len(block) > 0 {
			if _, ok := want[prefix.String()]; !ok {
				continue
			}
		}
		path, err := int64Path(rawPath)
		if err != nil {
			metrics.MalformedRecordsTotal.WithLabelValues("announcements").Inc()
			continue
		}
		metrics.SourceRecordsTotal.WithLabelValues("announcements").Inc()
		if err := fn(engine.AnnouncementRecord{Prefix: prefix, ASPath: path, Timestamp: ts}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("source: reading announcements: %w", err)
	}
	return nil
}

// Victims streams the legitimate-origin scenario table.
func (s *PGSource) Victims(ctx context.Context, fn func(engine.AttackRecord) error) error {
	return s.attackTable(ctx, s.tables.Victims, "victims", fn)
}

// Attackers streams the forged-origin scenario table.
func (s *PGSource) Attackers(ctx context.Context, fn func(engine.AttackRecord) error) error {
	return s.attackTable(ctx, s.tables.Attackers, "attackers", fn)
}

func (s *PGSource) attackTable(ctx context.Context, table, stream string, fn func(engine.AttackRecord) error) error {
	q := fmt.Sprintf("SELECT attacker_asn, victim_asn, prefix_host, prefix_netmask, as_path FROM %s", table)
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("source: querying %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var attacker, victim int64
		var host, netmask string
		var rawPath []int64
		if err := rows.Scan(&attacker, &victim, &host, &netmask, &rawPath); err != nil {
			metrics.MalformedRecordsTotal.WithLabelValues(stream).Inc()
			continue
		}
		prefix, err := graph.ParsePrefix(host, netmask)
		if err != nil {
			metrics.MalformedRecordsTotal.WithLabelValues(stream).Inc()
			continue
		}
		path, err := int64Path(rawPath)
		if err != nil {
			metrics.MalformedRecordsTotal.WithLabelValues(stream).Inc()
			continue
		}
		metrics.SourceRecordsTotal.WithLabelValues(stream).Inc()
		if err := fn(engine.AttackRecord{
			Attacker: uint32(attacker),
			Victim:   uint32(victim),
			Prefix:   prefix,
			ASPath:   path,
		}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("source: reading %s: %w", table, err)
	}
	return nil
}

// Policies streams per-AS policy vectors as comma-separated tag lists.
func (s *PGSource) Policies(ctx context.Context, fn func(engine.PolicyRecord) error) error {
	q := fmt.Sprintf("SELECT asn, policy FROM %s", s.tables.Policies)
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("source: querying %s: %w", s.tables.Policies, err)
	}
	defer rows.Close()

	for rows.Next() {
		var asn int64
		var policy string
		if err := rows.Scan(&asn, &policy); err != nil {
			metrics.MalformedRecordsTotal.WithLabelValues("policies").Inc()
			continue
		}
		tags, err := parsePolicyVector(policy)
		if err != nil {
			metrics.MalformedRecordsTotal.WithLabelValues("policies").Inc()
			s.logger.Warn("skipping unknown policy", zap.Int64("asn", asn), zap.String("policy", policy))
			continue
		}
		metrics.SourceRecordsTotal.WithLabelValues("policies").Inc()
		if err := fn(engine.PolicyRecord{ASN: uint32(asn), Tags: tags}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("source: reading %s: %w", s.tables.Policies, err)
	}
	return nil
}
