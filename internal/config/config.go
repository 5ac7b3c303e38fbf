package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	Postgres PostgresConfig `koanf:"postgres"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Source   SourceConfig   `koanf:"source"`
	Sink     SinkConfig     `koanf:"sink"`
	Engine   EngineConfig   `koanf:"engine"`
}

type ServiceConfig struct {
	InstanceID string `koanf:"instance_id"`
	HTTPListen string `koanf:"http_listen"`
	LogLevel   string `koanf:"log_level"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// KafkaConfig configures the optional announcement replay topic. When
// disabled, announcements come from the Postgres table instead.
type KafkaConfig struct {
	Enabled    bool     `koanf:"enabled"`
	Brokers    []string `koanf:"brokers"`
	Topic      string   `koanf:"topic"`
	GroupID    string   `koanf:"group_id"`
	ClientID   string   `koanf:"client_id"`
	IdleWaitMs int      `koanf:"idle_wait_ms"`
}

type SourceConfig struct {
	CustomerProvidersTable string `koanf:"customer_providers_table"`
	PeersTable             string `koanf:"peers_table"`
	AnnouncementsTable     string `koanf:"announcements_table"`
	VictimsTable           string `koanf:"victims_table"`
	AttackersTable         string `koanf:"attackers_table"`
	PoliciesTable          string `koanf:"policies_table"`
}

type SinkConfig struct {
	// Mode selects where result rows land: "csv" or "postgres".
	Mode            string `koanf:"mode"`
	ResultsPath     string `koanf:"results_path"`
	Compress        bool   `koanf:"compress"`
	ResultsTable    string `koanf:"results_table"`
	DeprefTable     string `koanf:"depref_table"`
	BlackholesTable string `koanf:"blackholes_table"`
	InverseTable    string `koanf:"inverse_table"`
	RoundsPath      string `koanf:"rounds_path"`
	BatchSize       int    `koanf:"batch_size"`
}

type EngineConfig struct {
	InvertResults   bool `koanf:"invert_results"`
	StoreDepref     bool `koanf:"store_depref"`
	RandomTiebreak  bool `koanf:"random_tiebreak"`
	IterationSize   int  `koanf:"iteration_size"`
	ElideStubs      bool `koanf:"elide_stubs"`
	PropagateTwice  bool `koanf:"propagate_twice"`
	NumRounds       int  `koanf:"num_rounds"`
	MaxAttackerHops int  `koanf:"max_attacker_hops"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: ROUTE_EXTRAPOLATOR_POSTGRES__DSN → postgres.dsn
	if err := k.Load(env.Provider("ROUTE_EXTRAPOLATOR_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "ROUTE_EXTRAPOLATOR_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID: "route-extrapolator-1",
			HTTPListen: ":8080",
			LogLevel:   "info",
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 1,
		},
		Kafka: KafkaConfig{
			GroupID:    "route-extrapolator",
			ClientID:   "route-extrapolator",
			IdleWaitMs: 5000,
		},
		Source: SourceConfig{
			CustomerProvidersTable: "customer_providers",
			PeersTable:             "peers",
			AnnouncementsTable:     "mrt_announcements",
			VictimsTable:           "victims",
			AttackersTable:         "attackers",
			PoliciesTable:          "rov_policies",
		},
		Sink: SinkConfig{
			Mode:            "postgres",
			ResultsPath:     "results.csv",
			ResultsTable:    "extrapolation_results",
			DeprefTable:     "depref_results",
			BlackholesTable: "blackhole_results",
			InverseTable:    "inverse_results",
			RoundsPath:      "round_statistics.csv",
			BatchSize:       10000,
		},
		Engine: EngineConfig{
			IterationSize: 50000,
			NumRounds:     10,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("config: kafka.topic is required when kafka is enabled")
		}
		if c.Kafka.IdleWaitMs <= 0 {
			return fmt.Errorf("config: kafka.idle_wait_ms must be > 0 (got %d)", c.Kafka.IdleWaitMs)
		}
	}
	switch c.Sink.Mode {
	case "csv":
		if c.Sink.ResultsPath == "" {
			return fmt.Errorf("config: sink.results_path is required for csv mode")
		}
	case "postgres":
		if c.Sink.ResultsTable == "" {
			return fmt.Errorf("config: sink.results_table is required for postgres mode")
		}
	default:
		return fmt.Errorf("config: sink.mode must be csv or postgres (got %q)", c.Sink.Mode)
	}
	if c.Sink.BatchSize <= 0 {
		return fmt.Errorf("config: sink.batch_size must be > 0 (got %d)", c.Sink.BatchSize)
	}
	if c.Engine.IterationSize < 0 {
		return fmt.Errorf("config: engine.iteration_size must be >= 0 (got %d)", c.Engine.IterationSize)
	}
	if c.Engine.NumRounds <= 0 {
		return fmt.Errorf("config: engine.num_rounds must be > 0 (got %d)", c.Engine.NumRounds)
	}
	if c.Engine.MaxAttackerHops < 0 || c.Engine.MaxAttackerHops > 99 {
		return fmt.Errorf("config: engine.max_attacker_hops must be in [0, 99] (got %d)", c.Engine.MaxAttackerHops)
	}
	return nil
}
