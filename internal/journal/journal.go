// Package journal provides a crash-durable record of scheduled stage-2 work.
//
// Every time the arbiter defers a transaction to stage 2 it appends an enqueue
// record; when the decision is finalized it appends a done record. On startup,
// recovery replays the segments and returns the jobs that were enqueued but
// never finished, so the engine can re-run analyses lost to a crash instead of
// leaving their decisions pending forever.
//
// Records are framed as [seq(8) | payloadLen(4) | payload(N) | CRC32C(4)] in
// append-only segment files. A torn or corrupted tail stops replay of that
// segment; everything before it is recovered. Recovery compacts the surviving
// jobs into a fresh segment and reclaims the old files.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/telemetry"
)

// Segment file format constants.
const (
	journalMagic = 0x46524A4C // "FRJL"
	version      = 1
	headerSize   = 16 // magic(4) + version(2) + reserved(2) + baseSeq(8)
	recordHead   = 12 // seq(8) + payloadLen(4)
	crcSize      = 4
	maxPayload   = 1 << 20 // jobs are small; anything bigger is corruption

	defaultSegmentSize = 8 << 20
	defaultSegmentRecs = 10_000

	defaultSyncInterval = 10 * time.Millisecond
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Record operations.
const (
	opEnqueue = "enqueue"
	opDone    = "done"
)

// record is one journal entry. Txn and Stage1 are set on enqueue only.
type record struct {
	Op       string              `json:"op"`
	ThreadID uuid.UUID           `json:"thread_id"`
	Txn      *model.Transaction  `json:"txn,omitempty"`
	Stage1   *model.Stage1Result `json:"stage1,omitempty"`
	At       time.Time           `json:"at"`
}

// Job is a recovered stage-2 analysis that never finished.
type Job struct {
	ThreadID uuid.UUID
	Txn      model.Transaction
	Stage1   model.Stage1Result
}

// Config holds journal settings.
type Config struct {
	Dir            string // empty disables the journal
	SyncMode       string // "full", "batch", "none"; default "batch"
	SyncInterval   time.Duration
	MaxSegmentSize int64
	MaxSegmentRecs int
}

// Journal is the append-only stage-2 job log.
type Journal struct {
	dir      string
	syncMode string

	mu          sync.Mutex
	current     *os.File
	segmentNum  uint64
	segmentSize int64
	segmentRecs int
	nextSeq     atomic.Uint64

	maxSegSize int64
	maxSegRecs int

	logger *slog.Logger

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// New opens the journal directory. Returns nil when cfg.Dir is empty.
func New(logger *slog.Logger, cfg Config) (*Journal, error) {
	if cfg.Dir == "" {
		return nil, nil
	}
	if cfg.SyncMode == "" {
		cfg.SyncMode = "batch"
	}
	switch cfg.SyncMode {
	case "full", "batch", "none":
	default:
		return nil, fmt.Errorf("journal: invalid sync mode %q (must be full, batch, or none)", cfg.SyncMode)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = defaultSegmentSize
	}
	if cfg.MaxSegmentRecs <= 0 {
		cfg.MaxSegmentRecs = defaultSegmentRecs
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}

	j := &Journal{
		dir:        cfg.Dir,
		syncMode:   cfg.SyncMode,
		maxSegSize: cfg.MaxSegmentSize,
		maxSegRecs: cfg.MaxSegmentRecs,
		logger:     logger.With("component", "journal"),
	}

	highSeg, highSeq, err := j.scanSegments()
	if err != nil {
		return nil, fmt.Errorf("journal: scan segments: %w", err)
	}
	j.nextSeq.Store(highSeq + 1)
	j.segmentNum = highSeg + 1

	if err := j.rotateSegment(); err != nil {
		return nil, fmt.Errorf("journal: open initial segment: %w", err)
	}

	if cfg.SyncMode == "none" {
		j.logger.Warn("sync mode is 'none'; scheduled stage-2 work may be lost on crash")
	}
	if cfg.SyncMode == "batch" {
		ctx, cancel := context.WithCancel(context.Background())
		j.syncCancel = cancel
		j.syncDone = make(chan struct{})
		go j.syncLoop(ctx, cfg.SyncInterval)
	}

	j.registerMetrics()
	return j, nil
}

// Enqueue records that threadID's stage-2 pass was scheduled.
func (j *Journal) Enqueue(threadID uuid.UUID, txn model.Transaction, s1 model.Stage1Result) error {
	return j.append(record{
		Op:       opEnqueue,
		ThreadID: threadID,
		Txn:      &txn,
		Stage1:   &s1,
		At:       time.Now().UTC(),
	})
}

// Done records that threadID's decision was finalized.
func (j *Journal) Done(threadID uuid.UUID) error {
	return j.append(record{Op: opDone, ThreadID: threadID, At: time.Now().UTC()})
}

// Recover replays all segments and returns the jobs that were enqueued but
// never marked done, oldest first. Surviving jobs are compacted into a fresh
// segment and the replayed files deleted, so repeated crashes never accumulate
// unbounded history.
func (j *Journal) Recover() ([]Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	all, err := j.listSegments()
	if err != nil {
		return nil, fmt.Errorf("journal: list segments: %w", err)
	}

	// The open segment is where compacted records land; replay only the rest.
	curPath := j.segmentPath(j.segmentNum - 1)
	segments := make([]string, 0, len(all))
	for _, seg := range all {
		if seg != curPath {
			segments = append(segments, seg)
		}
	}

	pending := make(map[uuid.UUID]Job)
	var order []uuid.UUID
	for _, seg := range segments {
		records, _, err := j.readSegment(seg)
		if err != nil {
			j.logger.Warn("recovery: unreadable segment, skipping remainder",
				"segment", seg, "error", err)
			break
		}
		for _, r := range records {
			switch r.Op {
			case opEnqueue:
				if r.Txn == nil || r.Stage1 == nil {
					continue
				}
				if _, seen := pending[r.ThreadID]; !seen {
					order = append(order, r.ThreadID)
				}
				pending[r.ThreadID] = Job{ThreadID: r.ThreadID, Txn: *r.Txn, Stage1: *r.Stage1}
			case opDone:
				delete(pending, r.ThreadID)
			}
		}
	}

	jobs := make([]Job, 0, len(pending))
	for _, id := range order {
		if job, ok := pending[id]; ok {
			jobs = append(jobs, job)
		}
	}

	if err := j.compactLocked(segments, jobs); err != nil {
		// Recovery itself succeeded; stale segments just stay around.
		j.logger.Warn("recovery: compaction failed", "error", err)
	}
	return jobs, nil
}

// Close syncs and closes the current segment.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	if j.syncCancel != nil {
		j.syncCancel()
		<-j.syncDone
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil {
		return nil
	}
	if err := j.current.Sync(); err != nil {
		j.logger.Warn("final sync failed", "error", err)
	}
	err := j.current.Close()
	j.current = nil
	return err
}

// SegmentCount returns the number of segment files on disk.
func (j *Journal) SegmentCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	segs, _ := j.listSegments()
	return len(segs)
}

func (j *Journal) append(r record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}
	if len(payload) > maxPayload {
		return fmt.Errorf("journal: record too large (%d bytes)", len(payload))
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil {
		return fmt.Errorf("journal: closed")
	}

	if err := j.writeFrameLocked(payload); err != nil {
		return err
	}
	if j.segmentSize >= j.maxSegSize || j.segmentRecs >= j.maxSegRecs {
		if err := j.rotateSegment(); err != nil {
			return fmt.Errorf("journal: rotate segment: %w", err)
		}
	}

	if j.syncMode == "full" {
		if err := j.current.Sync(); err != nil {
			return fmt.Errorf("journal: fsync: %w", err)
		}
	}
	return nil
}

// compactLocked rewrites the pending jobs into the current (fresh) segment and
// removes the replayed files. Caller holds j.mu.
func (j *Journal) compactLocked(replayed []string, jobs []Job) error {
	for _, job := range jobs {
		payload, err := json.Marshal(record{
			Op:       opEnqueue,
			ThreadID: job.ThreadID,
			Txn:      &job.Txn,
			Stage1:   &job.Stage1,
			At:       time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("journal: marshal compacted record: %w", err)
		}
		if err := j.writeFrameLocked(payload); err != nil {
			return err
		}
	}
	if j.current != nil {
		if err := j.current.Sync(); err != nil {
			return fmt.Errorf("journal: sync compacted segment: %w", err)
		}
	}

	for _, seg := range replayed {
		if err := os.Remove(seg); err != nil {
			j.logger.Warn("failed to delete replayed segment", "path", seg, "error", err)
		}
	}
	return nil
}

// writeFrameLocked appends one framed payload to the current segment. Caller
// holds j.mu.
func (j *Journal) writeFrameLocked(payload []byte) error {
	seq := j.nextSeq.Add(1) - 1

	var head [recordHead]byte
	binary.BigEndian.PutUint64(head[0:8], seq)
	binary.BigEndian.PutUint32(head[8:12], uint32(len(payload)))

	h := crc32.New(crc32cTable)
	_, _ = h.Write(head[:])
	_, _ = h.Write(payload)
	var crcBuf [crcSize]byte
	binary.BigEndian.PutUint32(crcBuf[:], h.Sum32())

	if _, err := j.current.Write(head[:]); err != nil {
		return fmt.Errorf("journal: write record head: %w", err)
	}
	if _, err := j.current.Write(payload); err != nil {
		return fmt.Errorf("journal: write payload: %w", err)
	}
	if _, err := j.current.Write(crcBuf[:]); err != nil {
		return fmt.Errorf("journal: write crc: %w", err)
	}
	j.segmentSize += int64(recordHead + len(payload) + crcSize)
	j.segmentRecs++
	return nil
}

func (j *Journal) segmentPath(num uint64) string {
	return filepath.Join(j.dir, fmt.Sprintf("%09d.journal", num))
}

func (j *Journal) rotateSegment() error {
	if j.current != nil {
		if err := j.current.Sync(); err != nil {
			j.logger.Warn("sync before rotation failed", "error", err)
		}
		if err := j.current.Close(); err != nil {
			j.logger.Warn("close before rotation failed", "error", err)
		}
	}

	path := j.segmentPath(j.segmentNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("journal: open segment %d: %w", j.segmentNum, err)
	}

	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], journalMagic)
	binary.BigEndian.PutUint16(hdr[4:6], version)
	binary.BigEndian.PutUint64(hdr[8:16], j.nextSeq.Load())
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("journal: write segment header: %w", err)
	}

	j.current = f
	j.segmentSize = headerSize
	j.segmentRecs = 0
	j.segmentNum++
	return nil
}

func (j *Journal) listSegments() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".journal") {
			paths = append(paths, filepath.Join(j.dir, e.Name()))
		}
	}
	sort.Strings(paths) // zero-padded names sort numerically
	return paths, nil
}

// scanSegments finds the highest segment number and sequence on disk.
func (j *Journal) scanSegments() (highSeg, highSeq uint64, err error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".journal") {
			continue
		}
		var num uint64
		if _, err := fmt.Sscanf(name, "%09d.journal", &num); err == nil && num > highSeg {
			highSeg = num
		}
		_, segHigh, readErr := j.readSegment(filepath.Join(j.dir, name))
		if readErr == nil && segHigh > highSeq {
			highSeq = segHigh
		}
	}
	return highSeg, highSeq, nil
}

// readSegment replays one segment. A torn or corrupted record stops the read;
// whatever parsed before it is returned.
func (j *Journal) readSegment(path string) ([]record, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("journal: open segment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var hdr [headerSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("journal: read segment header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != journalMagic {
		return nil, 0, fmt.Errorf("journal: bad magic 0x%08X", magic)
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != version {
		return nil, 0, fmt.Errorf("journal: unsupported version %d", v)
	}

	var records []record
	var highSeq uint64
	for {
		var head [recordHead]byte
		if _, err := io.ReadFull(f, head[:]); errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		} else if err != nil {
			return records, highSeq, fmt.Errorf("journal: read record head: %w", err)
		}

		seq := binary.BigEndian.Uint64(head[0:8])
		payloadLen := binary.BigEndian.Uint32(head[8:12])
		if payloadLen > maxPayload {
			j.logger.Warn("corrupted record length, stopping segment read",
				"path", path, "seq", seq, "payload_len", payloadLen)
			break
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(f, payload); err != nil {
			break // torn record
		}
		var crcBuf [crcSize]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			break
		}

		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)
		if h.Sum32() != binary.BigEndian.Uint32(crcBuf[:]) {
			j.logger.Warn("CRC mismatch, stopping segment read", "path", path, "seq", seq)
			break
		}

		var r record
		if err := json.Unmarshal(payload, &r); err != nil {
			j.logger.Warn("corrupted record JSON, stopping segment read",
				"path", path, "seq", seq, "error", err)
			break
		}
		records = append(records, r)
		if seq > highSeq {
			highSeq = seq
		}
	}
	return records, highSeq, nil
}

func (j *Journal) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(j.syncDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.mu.Lock()
			if j.current != nil {
				if err := j.current.Sync(); err != nil {
					j.logger.Warn("batch sync failed", "error", err)
				}
			}
			j.mu.Unlock()
		}
	}
}

func (j *Journal) registerMetrics() {
	meter := telemetry.Meter("fraud/journal")
	_, _ = meter.Int64ObservableGauge("fraud.journal.segment_count",
		metric.WithDescription("Current number of journal segment files"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(j.SegmentCount()))
			return nil
		}),
	)
}
