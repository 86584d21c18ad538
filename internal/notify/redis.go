// Package notify forwards sandbox events to external consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ajaxzhan/localsandbox/internal/logging"
	"github.com/ajaxzhan/localsandbox/pkg/types"
)

const (
	// DefaultChannel is the pub/sub channel every event is published on.
	DefaultChannel = "localsandbox:events"
	// DefaultHistoryTTL is how long a sandbox's event history is kept.
	DefaultHistoryTTL = 24 * time.Hour

	historyPrefix = "localsandbox:events:"
	writeTimeout  = 2 * time.Second
)

// Record is the wire form of one event.
type Record struct {
	SandboxID string          `json:"sandbox_id"`
	Kind      types.EventKind `json:"kind"`
	Event     types.Event     `json:"event"`
}

// RedisSink publishes events to a Redis channel and appends them to a
// per-sandbox history list.
type RedisSink struct {
	cli        *redisv9.Client
	channel    string
	historyTTL time.Duration
	log        *zap.Logger
}

// NewRedisSink creates a sink writing through cli.
func NewRedisSink(cli *redisv9.Client, log *zap.Logger) *RedisSink {
	return &RedisSink{
		cli:        cli,
		channel:    DefaultChannel,
		historyTTL: DefaultHistoryTTL,
		log:        logging.OrDefault(log).Named("notify"),
	}
}

// DialRedis creates a sink for the Redis server at addr and checks that it
// answers.
func DialRedis(ctx context.Context, addr, password string, log *zap.Logger) (*RedisSink, error) {
	cli := redisv9.NewClient(&redisv9.Options{Addr: addr, Password: password})
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisSink(cli, log), nil
}

// HistoryKey returns the list key holding sandboxID's events.
func HistoryKey(sandboxID string) string {
	return historyPrefix + sandboxID
}

// Publish writes one event. It returns the first write error.
func (s *RedisSink) Publish(ctx context.Context, sandboxID string, ev types.Event) error {
	payload, err := json.Marshal(Record{SandboxID: sandboxID, Kind: ev.Kind(), Event: ev})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	key := HistoryKey(sandboxID)
	pipe := s.cli.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, s.historyTTL)
	pipe.Publish(ctx, s.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// History returns the raw records stored for sandboxID, oldest first.
func (s *RedisSink) History(ctx context.Context, sandboxID string) ([]string, error) {
	return s.cli.LRange(ctx, HistoryKey(sandboxID), 0, -1).Result()
}

// Listener adapts the sink to a sandbox listener. Write failures are logged;
// a slow or absent Redis never fails a command.
func (s *RedisSink) Listener() types.Listener {
	return func(sandboxID string, ev types.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.Publish(ctx, sandboxID, ev); err != nil {
			s.log.Warn("dropping event", logging.SandboxID(sandboxID), zap.String("kind", string(ev.Kind())), zap.Error(err))
		}
	}
}

// Close closes the Redis client.
func (s *RedisSink) Close() error {
	return s.cli.Close()
}
