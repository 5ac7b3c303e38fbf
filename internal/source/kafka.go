package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/route-beacon/route-extrapolator/internal/engine"
	"github.com/route-beacon/route-extrapolator/internal/graph"
	"github.com/route-beacon/route-extrapolator/internal/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// announcementMessage is the JSON shape of one observed route on the replay
// topic.
type announcementMessage struct {
	Host      string   `json:"host"`
	Netmask   string   `json:"netmask"`
	ASPath    []uint32 `json:"as_path"`
	Timestamp int64    `json:"timestamp"`
	Family    int      `json:"family"`
}

// KafkaSource replays announcement rows from a Kafka topic while delegating
// relationships (and the scenario tables) to a Postgres source. The prefix
// space cannot be enumerated up front, so runs consume the whole topic as a
// single block.
type KafkaSource struct {
	*PGSource

	client   *kgo.Client
	idleWait time.Duration
	logger   *zap.Logger
	joined   atomic.Bool
}

// NewKafkaSource builds the replay consumer. idleWaitMs bounds how long a
// poll may stay empty before the topic is considered drained.
func NewKafkaSource(pg *PGSource, brokers []string, topic, groupID, clientID string, idleWaitMs int, logger *zap.Logger) (*KafkaSource, error) {
	ks := &KafkaSource{
		PGSource: pg,
		idleWait: time.Duration(idleWaitMs) * time.Millisecond,
		logger:   logger,
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(groupID),
		kgo.ClientID(clientID),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			ks.joined.Store(true)
			logger.Info("replay consumer: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			ks.joined.Store(false)
			logger.Info("replay consumer: partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("source: kafka client: %w", err)
	}
	ks.client = client
	return ks, nil
}

// IsJoined reports whether the consumer currently holds partitions.
func (s *KafkaSource) IsJoined() bool {
	return s.joined.Load()
}

func (s *KafkaSource) Close() {
	s.client.Close()
}

// DistinctPrefixes returns nil: a topic replay always runs as one block.
func (s *KafkaSource) DistinctPrefixes(ctx context.Context) ([]graph.Prefix, error) {
	return nil, nil
}

// maxEmptyPolls bounds how many idle-deadline polls an untouched topic gets
// before the replay is considered drained.
const maxEmptyPolls = 3

// Announcements drains the replay topic, decoding each record into an
// announcement row. Consumption stops when a poll comes back empty after at
// least one record was seen, or after repeated empty polls on a quiet topic.
func (s *KafkaSource) Announcements(ctx context.Context, _ []graph.Prefix, fn func(engine.AnnouncementRecord) error) error {
	seen := 0
	emptyPolls := 0
	for {
		pollCtx, cancel := context.WithTimeout(ctx, s.idleWait)
		fetches := s.client.PollFetches(pollCtx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for _, fetchErr := range fetches.Errors() {
			if fetchErr.Err == context.DeadlineExceeded || fetchErr.Err == context.Canceled {
				continue
			}
			s.logger.Error("replay consumer: fetch error",
				zap.String("topic", fetchErr.Topic),
				zap.Int32("partition", fetchErr.Partition),
				zap.Error(fetchErr.Err),
			)
		}

		records := fetches.Records()
		if len(records) == 0 {
			emptyPolls++
			if seen > 0 || emptyPolls >= maxEmptyPolls {
				s.logger.Info("replay topic drained", zap.Int("records", seen))
				return nil
			}
			continue
		}
		emptyPolls = 0

		for _, rec := range records {
			seen++
			var msg announcementMessage
			if err := json.Unmarshal(rec.Value, &msg); err != nil {
				metrics.MalformedRecordsTotal.WithLabelValues("kafka").Inc()
				continue
			}
			if msg.Family == 6 {
				continue
			}
			prefix, err := graph.ParsePrefix(msg.Host, msg.Netmask)
			if err != nil {
				metrics.MalformedRecordsTotal.WithLabelValues("kafka").Inc()
				continue
			}
			metrics.SourceRecordsTotal.WithLabelValues("kafka").Inc()
			if err := fn(engine.AnnouncementRecord{
				Prefix:    prefix,
				ASPath:    msg.ASPath,
				Timestamp: msg.Timestamp,
			}); err != nil {
				return err
			}
		}
	}
}
