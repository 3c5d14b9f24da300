//go:build integration

package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/fault"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/testutil"
)

type recordingAnalyzer struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (r *recordingAnalyzer) Analyze(_ context.Context, txn model.Transaction) (model.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return model.Decision{}, r.err
	}
	r.seen = append(r.seen, txn.TxnID)
	return model.Decision{TxnID: txn.TxnID, Verdict: model.VerdictApprove, Status: model.StatusFinal}, nil
}

func (r *recordingAnalyzer) txnIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestWorkerConsumesAndAcks(t *testing.T) {
	tc := testutil.MustStartRedis()
	defer tc.Terminate()

	arb := &recordingAnalyzer{}
	w, err := New(context.Background(), arb, Config{
		URL:    tc.DSN,
		Stream: "fraud:test", Group: "g1", Consumer: "c1", DLQ: "fraud:test:dlq",
	}, testutil.TestLogger())
	require.NoError(t, err)
	defer w.Close()

	txn := model.Transaction{
		TxnID: "txn-stream-1", CustomerID: "cust-1",
		Timestamp: time.Now().UTC(), Amount: 100, Currency: "USD",
		Merchant: model.Merchant{Category: "grocery"},
		Location: model.Location{Country: "US"}, Type: "purchase",
	}
	_, err = w.Publish(context.Background(), txn)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		return len(arb.txnIDs()) == 1
	}, 10*time.Second, 100*time.Millisecond)
	cancel()
	<-done

	// Acked: nothing left pending for the group.
	opt, err := redis.ParseURL(tc.DSN)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	defer client.Close()
	pending, err := client.XPending(context.Background(), "fraud:test", "g1").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestWorkerDeadLettersMalformedAndInvalid(t *testing.T) {
	tc := testutil.MustStartRedis()
	defer tc.Terminate()

	arb := &recordingAnalyzer{err: fault.New(fault.InvalidInput, "arbiter: validate transaction")}
	w, err := New(context.Background(), arb, Config{
		URL:    tc.DSN,
		Stream: "fraud:test", Group: "g1", Consumer: "c1", DLQ: "fraud:test:dlq",
	}, testutil.TestLogger())
	require.NoError(t, err)
	defer w.Close()

	opt, err := redis.ParseURL(tc.DSN)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	defer client.Close()

	// One malformed payload, one structurally valid payload the arbiter rejects.
	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "fraud:test", Values: map[string]any{"data": "{broken"},
	}).Err())
	data, _ := json.Marshal(model.Transaction{TxnID: "txn-bad"})
	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "fraud:test", Values: map[string]any{"data": string(data)},
	}).Err())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		n, err := client.XLen(context.Background(), "fraud:test:dlq").Result()
		return err == nil && n == 2
	}, 10*time.Second, 100*time.Millisecond)
	cancel()
	<-done

	pending, err := client.XPending(context.Background(), "fraud:test", "g1").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}
