package journal

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testTxn(id string) model.Transaction {
	return model.Transaction{
		TxnID:      id,
		CustomerID: "cust-1",
		Timestamp:  time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		Amount:     750,
		Currency:   "USD",
		Merchant:   model.Merchant{Category: "electronics"},
		Location:   model.Location{Country: "US"},
		Type:       "purchase",
	}
}

func open(t *testing.T, dir string) *Journal {
	t.Helper()
	j, err := New(testLogger(), Config{Dir: dir, SyncMode: "full"})
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func TestDisabledWhenDirEmpty(t *testing.T) {
	j, err := New(testLogger(), Config{})
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestInvalidSyncMode(t *testing.T) {
	_, err := New(testLogger(), Config{Dir: t.TempDir(), SyncMode: "sometimes"})
	require.Error(t, err)
}

func TestRecoverReturnsUnfinishedJobs(t *testing.T) {
	dir := t.TempDir()
	j := open(t, dir)

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, j.Enqueue(a, testTxn("txn-a"), model.Stage1Result{CombinedScore: 40}))
	require.NoError(t, j.Enqueue(b, testTxn("txn-b"), model.Stage1Result{CombinedScore: 55}))
	require.NoError(t, j.Enqueue(c, testTxn("txn-c"), model.Stage1Result{CombinedScore: 70}))
	require.NoError(t, j.Done(b))
	require.NoError(t, j.Close())

	j2 := open(t, dir)
	defer j2.Close() //nolint:errcheck // test cleanup

	jobs, err := j2.Recover()
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// Oldest first, done thread absent, payloads intact.
	assert.Equal(t, a, jobs[0].ThreadID)
	assert.Equal(t, "txn-a", jobs[0].Txn.TxnID)
	assert.Equal(t, 40.0, jobs[0].Stage1.CombinedScore)
	assert.Equal(t, c, jobs[1].ThreadID)
}

func TestRecoverEmptyJournal(t *testing.T) {
	j := open(t, t.TempDir())
	defer j.Close() //nolint:errcheck // test cleanup

	jobs, err := j.Recover()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRecoverCompactsSegments(t *testing.T) {
	dir := t.TempDir()
	j := open(t, dir)
	threadID := uuid.New()
	require.NoError(t, j.Enqueue(threadID, testTxn("txn-a"), model.Stage1Result{}))
	require.NoError(t, j.Close())

	j2 := open(t, dir)
	jobs, err := j2.Recover()
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// Replayed segments are gone; only the compacted current segment remains.
	assert.Equal(t, 1, j2.SegmentCount())
	require.NoError(t, j2.Close())

	// A second recovery still sees the job.
	j3 := open(t, dir)
	defer j3.Close() //nolint:errcheck // test cleanup
	jobs, err = j3.Recover()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, threadID, jobs[0].ThreadID)
}

func TestDoneClearsCompactedJob(t *testing.T) {
	dir := t.TempDir()
	j := open(t, dir)
	threadID := uuid.New()
	require.NoError(t, j.Enqueue(threadID, testTxn("txn-a"), model.Stage1Result{}))
	require.NoError(t, j.Close())

	j2 := open(t, dir)
	_, err := j2.Recover()
	require.NoError(t, err)
	require.NoError(t, j2.Done(threadID))
	require.NoError(t, j2.Close())

	j3 := open(t, dir)
	defer j3.Close() //nolint:errcheck // test cleanup
	jobs, err := j3.Recover()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestTornTailStopsReplayOfThatSegment(t *testing.T) {
	dir := t.TempDir()
	j := open(t, dir)
	threadID := uuid.New()
	require.NoError(t, j.Enqueue(threadID, testTxn("txn-a"), model.Stage1Result{}))
	require.NoError(t, j.Close())

	// Simulate a crash mid-write: garbage after the last intact record.
	segs, err := filepath.Glob(filepath.Join(dir, "*.journal"))
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	f, err := os.OpenFile(segs[0], os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xDE, 0xAD, 0xBE})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2 := open(t, dir)
	defer j2.Close() //nolint:errcheck // test cleanup
	jobs, err := j2.Recover()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, threadID, jobs[0].ThreadID)
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()
	j, err := New(testLogger(), Config{Dir: dir, SyncMode: "full", MaxSegmentRecs: 2})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Enqueue(uuid.New(), testTxn("txn"), model.Stage1Result{}))
	}
	assert.GreaterOrEqual(t, j.SegmentCount(), 2)
	require.NoError(t, j.Close())

	j2 := open(t, dir)
	defer j2.Close() //nolint:errcheck // test cleanup
	jobs, err := j2.Recover()
	require.NoError(t, err)
	assert.Len(t, jobs, 5)
}

func TestDoneWithoutEnqueueIsHarmless(t *testing.T) {
	j := open(t, t.TempDir())
	defer j.Close() //nolint:errcheck // test cleanup
	require.NoError(t, j.Done(uuid.New()))

	jobs, err := j.Recover()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
