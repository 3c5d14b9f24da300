// Package ingest consumes transactions from a Redis Stream and feeds them
// through the decision pipeline. The worker is optional: deployments that only
// take transactions over HTTP run without Redis entirely.
//
// Delivery is at-least-once. Entries are acknowledged after analysis; entries
// left pending by a crashed consumer are reclaimed with XAutoClaim. Malformed
// payloads are copied to a dead-letter stream and acknowledged so they cannot
// wedge the group.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/fault"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/telemetry"
)

const (
	// readBatch and readBlock shape each XREADGROUP call.
	readBatch = 16
	readBlock = 5 * time.Second
	// reclaimIdle is how long an entry may sit pending with a dead consumer
	// before another consumer takes it over.
	reclaimIdle = 30 * time.Second
)

// Analyzer is the slice of the arbiter the worker drives.
type Analyzer interface {
	Analyze(ctx context.Context, txn model.Transaction) (model.Decision, error)
}

// Config holds the stream topology.
type Config struct {
	URL      string
	Stream   string
	Group    string
	Consumer string // defaults to hostname-pid
	DLQ      string
}

// Worker is the consumer-group ingest loop.
type Worker struct {
	client   *redis.Client
	arbiter  Analyzer
	stream   string
	group    string
	consumer string
	dlq      string
	logger   *slog.Logger

	consumed metric.Int64Counter
	deadLtrd metric.Int64Counter
}

// New connects to Redis and ensures the stream and consumer group exist.
func New(ctx context.Context, arbiter Analyzer, cfg Config, logger *slog.Logger) (*Worker, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ingest: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ingest: connect redis: %w", err)
	}

	consumer := cfg.Consumer
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	w := &Worker{
		client:   client,
		arbiter:  arbiter,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: consumer,
		dlq:      cfg.DLQ,
		logger:   logger.With("component", "ingest", "consumer", consumer),
	}

	if err := w.ensureGroup(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	meter := telemetry.Meter("fraud/ingest")
	w.consumed, _ = meter.Int64Counter("fraud.ingest.consumed",
		metric.WithDescription("Stream entries analyzed"))
	w.deadLtrd, _ = meter.Int64Counter("fraud.ingest.dead_lettered",
		metric.WithDescription("Stream entries moved to the dead-letter stream"))
	return w, nil
}

// ensureGroup creates the stream and consumer group idempotently.
func (w *Worker) ensureGroup(ctx context.Context) error {
	err := w.client.XGroupCreateMkStream(ctx, w.stream, w.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("ingest: create consumer group: %w", err)
	}
	return nil
}

// Run consumes until ctx is cancelled. Each iteration first reclaims stale
// pending entries from dead consumers, then reads new ones.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("ingest worker started", "stream", w.stream, "group", w.group)
	for {
		if ctx.Err() != nil {
			w.logger.Info("ingest worker stopped")
			return
		}

		msgs, err := w.fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			w.logger.Warn("fetch failed, backing off", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			w.handle(ctx, msg)
		}
	}
}

// fetch returns the next batch: reclaimed entries first, then new ones.
func (w *Worker) fetch(ctx context.Context) ([]redis.XMessage, error) {
	claimed, _, err := w.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   w.stream,
		Group:    w.group,
		Consumer: w.consumer,
		MinIdle:  reclaimIdle,
		Start:    "0-0",
		Count:    readBatch,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("ingest: autoclaim: %w", err)
	}
	if len(claimed) > 0 {
		w.logger.Info("reclaimed stale pending entries", "count", len(claimed))
		return claimed, nil
	}

	streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.group,
		Consumer: w.consumer,
		Streams:  []string{w.stream, ">"},
		Count:    readBatch,
		Block:    readBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: read group: %w", err)
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

// handle analyzes one entry and acknowledges it. Malformed and invalid
// payloads go to the DLQ; transient analysis failures leave the entry pending
// for redelivery.
func (w *Worker) handle(ctx context.Context, msg redis.XMessage) {
	txn, err := parseEntry(msg)
	if err != nil {
		w.deadLetter(ctx, msg, err)
		return
	}

	_, err = w.arbiter.Analyze(ctx, txn)
	switch {
	case err == nil:
		w.consumed.Add(ctx, 1)
		w.ack(ctx, msg.ID)
	case fault.KindOf(err) == fault.InvalidInput:
		// Redelivery cannot fix a bad transaction.
		w.deadLetter(ctx, msg, err)
	default:
		w.logger.Warn("analysis failed, leaving entry pending",
			"entry_id", msg.ID, "txn_id", txn.TxnID, "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.client.XAck(ctx, w.stream, w.group, id).Err(); err != nil {
		w.logger.Warn("ack failed", "entry_id", id, "error", err)
	}
}

// deadLetter copies the raw entry plus the rejection reason to the DLQ, then
// acknowledges the original.
func (w *Worker) deadLetter(ctx context.Context, msg redis.XMessage, cause error) {
	values := map[string]any{"error": cause.Error(), "source_id": msg.ID}
	if data, ok := msg.Values["data"]; ok {
		values["data"] = data
	}
	if err := w.client.XAdd(ctx, &redis.XAddArgs{Stream: w.dlq, Values: values}).Err(); err != nil {
		w.logger.Error("dead-letter write failed, entry left pending",
			"entry_id", msg.ID, "error", err)
		return
	}
	w.deadLtrd.Add(ctx, 1)
	w.logger.Warn("entry dead-lettered", "entry_id", msg.ID, "cause", cause)
	w.ack(ctx, msg.ID)
}

// parseEntry decodes the JSON transaction from the entry's data field.
func parseEntry(msg redis.XMessage) (model.Transaction, error) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return model.Transaction{}, fmt.Errorf("ingest: entry %s has no data field", msg.ID)
	}
	var txn model.Transaction
	if err := json.Unmarshal([]byte(raw), &txn); err != nil {
		return model.Transaction{}, fmt.Errorf("ingest: decode entry %s: %w", msg.ID, err)
	}
	return txn, nil
}

// Publish appends a transaction to the stream. Used by the demo seeder and
// tests; producers normally write the same shape from their own services.
func (w *Worker) Publish(ctx context.Context, txn model.Transaction) (string, error) {
	data, err := json.Marshal(txn)
	if err != nil {
		return "", fmt.Errorf("ingest: marshal transaction: %w", err)
	}
	id, err := w.client.XAdd(ctx, &redis.XAddArgs{
		Stream: w.stream,
		Values: map[string]any{"data": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("ingest: publish: %w", err)
	}
	return id, nil
}

// Close closes the Redis connection.
func (w *Worker) Close() error {
	return w.client.Close()
}
