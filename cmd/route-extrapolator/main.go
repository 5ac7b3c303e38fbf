package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/route-extrapolator/internal/config"
	"github.com/route-beacon/route-extrapolator/internal/db"
	"github.com/route-beacon/route-extrapolator/internal/engine"
	"github.com/route-beacon/route-extrapolator/internal/graph"
	exthttp "github.com/route-beacon/route-extrapolator/internal/http"
	"github.com/route-beacon/route-extrapolator/internal/metrics"
	"github.com/route-beacon/route-extrapolator/internal/sink"
	"github.com/route-beacon/route-extrapolator/internal/source"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "propagate":
		run(false, false)
	case "hijack":
		run(true, false)
	case "rounds":
		run(true, true)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: route-extrapolator <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  propagate     Replay observed announcements and extrapolate per-AS routes")
	fmt.Println("  hijack        Propagate attacker/victim scenarios once and record outcomes")
	fmt.Println("  rounds        Iterate hijack rounds with attacker-edge removal")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// flusher is any sink that buffers rows until an explicit flush.
type flusher interface {
	Flush(ctx context.Context) error
}

// closer is any sink holding a file that must be closed to land its bytes.
type closer interface {
	Close() error
}

func run(hijackMode, multiRound bool) {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting route-extrapolator",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
		zap.Bool("hijack", hijackMode),
		zap.Bool("multi_round", multiRound),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Service.InstanceID,
		cfg.Postgres.MaxConns, cfg.Postgres.MinConns, logger.Named("db"))
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	tables := source.Tables{
		CustomerProviders: cfg.Source.CustomerProvidersTable,
		Peers:             cfg.Source.PeersTable,
		Announcements:     cfg.Source.AnnouncementsTable,
		Victims:           cfg.Source.VictimsTable,
		Attackers:         cfg.Source.AttackersTable,
		Policies:          cfg.Source.PoliciesTable,
	}
	pgSource := source.NewPGSource(pool, tables, logger.Named("source"))

	var recordSource engine.RecordSource = pgSource
	if cfg.Kafka.Enabled {
		ks, err := source.NewKafkaSource(pgSource, cfg.Kafka.Brokers, cfg.Kafka.Topic,
			cfg.Kafka.GroupID, cfg.Kafka.ClientID, cfg.Kafka.IdleWaitMs, logger.Named("kafka"))
		if err != nil {
			logger.Fatal("failed to create kafka source", zap.Error(err))
		}
		defer ks.Close()
		recordSource = ks
	}

	sinks, cleanups, err := buildSinks(ctx, cfg, pool, logger, hijackMode, multiRound)
	if err != nil {
		logger.Fatal("failed to prepare sinks", zap.Error(err))
	}

	opts := engine.Options{
		InvertResults:   cfg.Engine.InvertResults,
		StoreDepref:     cfg.Engine.StoreDepref,
		RandomTiebreak:  cfg.Engine.RandomTiebreak,
		IterationSize:   cfg.Engine.IterationSize,
		ElideStubs:      cfg.Engine.ElideStubs,
		PropagateTwice:  cfg.Engine.PropagateTwice,
		NumRounds:       cfg.Engine.NumRounds,
		MaxAttackerHops: cfg.Engine.MaxAttackerHops,
	}
	base := engine.New(graph.New(), recordSource, sinks, opts, logger.Named("engine"))

	httpServer := exthttp.NewServer(cfg.Service.HTTPListen, pool, base, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	start := time.Now()
	if err := base.BuildGraph(ctx); err != nil {
		logger.Fatal("graph build failed", zap.Error(err))
	}

	if hijackMode {
		hj := engine.NewHijack(base, pgSource, pgSource)
		if err := hj.Prepare(ctx); err != nil {
			logger.Fatal("hijack preparation failed", zap.Error(err))
		}
		if multiRound {
			err = hj.RunRounds(ctx)
		} else {
			err = hj.Run(ctx)
		}
	} else {
		err = base.Run(ctx)
	}
	if err != nil {
		logger.Fatal("propagation failed", zap.Error(err))
	}

	for _, fl := range cleanups.flushers {
		if err := fl.Flush(ctx); err != nil {
			logger.Fatal("sink flush failed", zap.Error(err))
		}
	}
	for _, cl := range cleanups.closers {
		if err := cl.Close(); err != nil {
			logger.Fatal("sink close failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	logger.Info("route-extrapolator finished", zap.Duration("elapsed", time.Since(start)))
}

type sinkCleanups struct {
	flushers []flusher
	closers  []closer
}

func buildSinks(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger, hijackMode, multiRound bool) (engine.Sinks, sinkCleanups, error) {
	var sinks engine.Sinks
	var cl sinkCleanups

	switch cfg.Sink.Mode {
	case "postgres":
		results := sink.NewPGSink(pool, cfg.Sink.ResultsTable, cfg.Sink.BatchSize, logger.Named("sink.results"))
		if err := results.EnsureTable(ctx); err != nil {
			return sinks, cl, err
		}
		sinks.Results = results
		cl.flushers = append(cl.flushers, results)

		if cfg.Engine.StoreDepref {
			depref := sink.NewPGSink(pool, cfg.Sink.DeprefTable, cfg.Sink.BatchSize, logger.Named("sink.depref"))
			if err := depref.EnsureTable(ctx); err != nil {
				return sinks, cl, err
			}
			sinks.Depref = depref
			cl.flushers = append(cl.flushers, depref)
		}
		if hijackMode {
			blackholes := sink.NewPGSink(pool, cfg.Sink.BlackholesTable, cfg.Sink.BatchSize, logger.Named("sink.blackholes"))
			if err := blackholes.EnsureTable(ctx); err != nil {
				return sinks, cl, err
			}
			sinks.Blackholes = blackholes
			cl.flushers = append(cl.flushers, blackholes)
		}
		if cfg.Engine.InvertResults {
			inverse := sink.NewPGInverseSink(pool, cfg.Sink.InverseTable, cfg.Sink.BatchSize, logger.Named("sink.inverse"))
			if err := inverse.EnsureTable(ctx); err != nil {
				return sinks, cl, err
			}
			sinks.Inverse = inverse
			cl.flushers = append(cl.flushers, inverse)
		}

	case "csv":
		results, err := sink.NewFileSink(cfg.Sink.ResultsPath, cfg.Sink.Compress)
		if err != nil {
			return sinks, cl, err
		}
		sinks.Results = results
		cl.closers = append(cl.closers, results)

		if cfg.Engine.StoreDepref {
			depref, err := sink.NewFileSink(withSuffix(cfg.Sink.ResultsPath, "depref"), cfg.Sink.Compress)
			if err != nil {
				return sinks, cl, err
			}
			sinks.Depref = depref
			cl.closers = append(cl.closers, depref)
		}
		if hijackMode {
			blackholes, err := sink.NewFileSink(withSuffix(cfg.Sink.ResultsPath, "blackholes"), cfg.Sink.Compress)
			if err != nil {
				return sinks, cl, err
			}
			sinks.Blackholes = blackholes
			cl.closers = append(cl.closers, blackholes)
		}
		if cfg.Engine.InvertResults {
			inverse, err := sink.NewFileSink(withSuffix(cfg.Sink.ResultsPath, "inverse"), cfg.Sink.Compress)
			if err != nil {
				return sinks, cl, err
			}
			sinks.Inverse = inverse
			cl.closers = append(cl.closers, inverse)
		}
	}

	if multiRound && cfg.Sink.RoundsPath != "" {
		rounds, err := sink.NewFileSink(cfg.Sink.RoundsPath, false)
		if err != nil {
			return sinks, cl, err
		}
		sinks.Rounds = rounds
		cl.closers = append(cl.closers, rounds)
	}

	return sinks, cl, nil
}

// withSuffix derives sibling output paths: results.csv → results_depref.csv.
func withSuffix(path, suffix string) string {
	if strings.HasSuffix(path, ".csv") {
		return strings.TrimSuffix(path, ".csv") + "_" + suffix + ".csv"
	}
	return path + "_" + suffix
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
