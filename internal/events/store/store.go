// Package store implements the append-only event store: one JSONL log per
// stream with monotonic gap-free offsets, size-based rotation, filtered lazy
// reads, and trailing-corruption repair on open.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/logger"
)

// Stream names. Each maps to a fixed file under the data directory.
const (
	StreamEvents       = "events"
	StreamTestEvents   = "test_events"
	StreamTraces       = "traces"
	StreamAgentConfigs = "agent_configs"
	StreamPlaybookExec = "playbook_exec"
	StreamProposals    = "proposals"
	StreamPlans        = "plans"
	StreamRollback     = "rollback"
	StreamTaskQueue    = "task_queue"
)

var streamPaths = map[string]string{
	StreamEvents:       "events/events.jsonl",
	StreamTestEvents:   "events/test_events.jsonl",
	StreamTraces:       "traces/agent_traces.jsonl",
	StreamAgentConfigs: "agent_configs.history.jsonl",
	StreamPlaybookExec: "playbook_exec.jsonl",
	StreamProposals:    "proposals.jsonl",
	StreamPlans:        "plans.jsonl",
	StreamRollback:     "rollback/snapshots.jsonl",
	StreamTaskQueue:    "task_queue.jsonl",
}

var (
	// ErrStorageExhausted is returned by Append when the disk is full.
	ErrStorageExhausted = errors.New("storage exhausted")
	// ErrUnknownStream is returned for a stream name not in the table.
	ErrUnknownStream = errors.New("unknown stream")
)

// Options configures the store.
type Options struct {
	// MaxSegmentBytes triggers rotation of the live file when exceeded.
	MaxSegmentBytes int64
	// Retention is how long rotated segments are kept.
	Retention time.Duration
}

// Record is one stored record with its offset within the stream.
type Record struct {
	Offset int64
	Data   json.RawMessage
}

// Decode unmarshals the record into v.
func (r *Record) Decode(v interface{}) error {
	return json.Unmarshal(r.Data, v)
}

type segment struct {
	path        string
	firstOffset int64
	records     int64
}

type stream struct {
	name     string
	livePath string
	mu       sync.Mutex
	f        *os.File
	size     int64
	// nextOffset is the offset the next appended record receives. Offsets
	// are gap-free within the stream and survive rotation.
	nextOffset int64
	baseOffset int64 // offset of the first record in the live file
	segments   []segment
}

// Store is the durable append log. Appends are serialized per stream by a
// single writer; readers never take the writer lock on the rotated segments.
type Store struct {
	dir      string
	opts     Options
	log      *logger.Logger
	mu       sync.Mutex
	streams  map[string]*stream
	degraded atomic.Bool
	repaired []string
}

// Open opens (and repairs, if needed) all streams under dir.
func Open(dir string, opts Options, log *logger.Logger) (*Store, error) {
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = 64 << 20
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	s := &Store{
		dir:     dir,
		opts:    opts,
		log:     log.WithFields(zap.String("component", "event-store")),
		streams: make(map[string]*stream),
	}
	for name, rel := range streamPaths {
		st, repaired, err := s.openStream(name, rel)
		if err != nil {
			return nil, fmt.Errorf("open stream %s: %w", name, err)
		}
		s.streams[name] = st
		if repaired {
			s.repaired = append(s.repaired, name)
		}
	}
	sort.Strings(s.repaired)
	return s, nil
}

func (s *Store) openStream(name, rel string) (*stream, bool, error) {
	livePath := filepath.Join(s.dir, rel)
	if err := os.MkdirAll(filepath.Dir(livePath), 0o755); err != nil {
		return nil, false, err
	}

	st := &stream{name: name, livePath: livePath}

	// Collect rotated segments: <base>.<firstOffset>.jsonl next to the live file.
	base := strings.TrimSuffix(livePath, ".jsonl")
	matches, err := filepath.Glob(base + ".*.jsonl")
	if err != nil {
		return nil, false, err
	}
	for _, m := range matches {
		suffix := strings.TrimSuffix(strings.TrimPrefix(m, base+"."), ".jsonl")
		first, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil {
			continue
		}
		n, _, err := countRecords(m)
		if err != nil {
			return nil, false, err
		}
		st.segments = append(st.segments, segment{path: m, firstOffset: first, records: n})
	}
	sort.Slice(st.segments, func(i, j int) bool {
		return st.segments[i].firstOffset < st.segments[j].firstOffset
	})
	for _, seg := range st.segments {
		st.baseOffset = seg.firstOffset + seg.records
	}

	repaired, err := repairTail(livePath)
	if err != nil {
		return nil, false, err
	}
	liveRecords, liveSize, err := countRecords(livePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, false, err
	}
	st.nextOffset = st.baseOffset + liveRecords
	st.size = liveSize

	f, err := os.OpenFile(livePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, false, err
	}
	st.f = f
	return st, repaired, nil
}

// countRecords returns the number of newline-terminated records and the file size.
func countRecords(path string) (int64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer f.Close()

	var n, size int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		n++
		size += int64(len(sc.Bytes())) + 1
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	return n, size, nil
}

// repairTail truncates a trailing partial or corrupt record left by a crash.
func repairTail(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}

	valid := int64(0)
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		line := data[start:i]
		if !json.Valid(line) {
			break
		}
		valid = int64(i + 1)
		start = i + 1
	}
	if valid == int64(len(data)) {
		return false, nil
	}
	// Anything past the last valid newline-terminated record is dropped.
	if err := os.Truncate(path, valid); err != nil {
		return false, err
	}
	return true, nil
}

// Repaired returns stream names whose tail was truncated during Open.
func (s *Store) Repaired() []string {
	return append([]string(nil), s.repaired...)
}

// Degraded reports whether the last append hit storage exhaustion.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Append writes one record to the stream and returns its offset.
func (s *Store) Append(streamName string, v interface{}) (int64, error) {
	st, ok := s.streams[streamName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownStream, streamName)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, err := st.f.Write(data); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			s.degraded.Store(true)
			return 0, fmt.Errorf("%w: %v", ErrStorageExhausted, err)
		}
		return 0, err
	}
	s.degraded.Store(false)

	offset := st.nextOffset
	st.nextOffset++
	st.size += int64(len(data))

	if st.size >= s.opts.MaxSegmentBytes {
		if err := s.rotateLocked(st); err != nil {
			s.log.Error("segment rotation failed",
				zap.String("stream", st.name), zap.Error(err))
		}
	}
	return offset, nil
}

// rotateLocked renames the live file to a rotated segment and starts a new
// live file. Caller holds st.mu.
func (s *Store) rotateLocked(st *stream) error {
	if err := st.f.Close(); err != nil {
		return err
	}
	base := strings.TrimSuffix(st.livePath, ".jsonl")
	segPath := fmt.Sprintf("%s.%d.jsonl", base, st.baseOffset)
	if err := os.Rename(st.livePath, segPath); err != nil {
		return err
	}
	st.segments = append(st.segments, segment{
		path:        segPath,
		firstOffset: st.baseOffset,
		records:     st.nextOffset - st.baseOffset,
	})
	st.baseOffset = st.nextOffset

	f, err := os.OpenFile(st.livePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st.f = f
	st.size = 0
	s.log.Info("rotated stream segment",
		zap.String("stream", st.name), zap.String("segment", segPath))
	return nil
}

// Sync flushes the stream's live file to disk.
func (s *Store) Sync(streamName string) error {
	st, ok := s.streams[streamName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamName)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.f.Sync()
}

// ReadOptions filters a stream read.
type ReadOptions struct {
	// SinceOffset skips records below this offset.
	SinceOffset int64
	// Filter, when set, keeps only records it returns true for.
	Filter func(json.RawMessage) bool
	// Limit caps the number of returned records; zero means no cap.
	Limit int
}

// Read returns an iterator over the stream, rotated segments included,
// restartable from any returned offset.
func (s *Store) Read(streamName string, opts ReadOptions) (*Iterator, error) {
	st, ok := s.streams[streamName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, streamName)
	}

	st.mu.Lock()
	paths := make([]string, 0, len(st.segments)+1)
	firsts := make([]int64, 0, len(st.segments)+1)
	for _, seg := range st.segments {
		paths = append(paths, seg.path)
		firsts = append(firsts, seg.firstOffset)
	}
	paths = append(paths, st.livePath)
	firsts = append(firsts, st.baseOffset)
	st.mu.Unlock()

	return &Iterator{paths: paths, firsts: firsts, opts: opts}, nil
}

// ReadAll drains an iterator into a slice. Convenience for small reads.
func (s *Store) ReadAll(streamName string, opts ReadOptions) ([]Record, error) {
	it, err := s.Read(streamName, opts)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Record
	for {
		rec, err := it.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return out, nil
		}
		out = append(out, *rec)
	}
}

// Size returns the total bytes held by the store on disk.
func (s *Store) Size() int64 {
	var total int64
	for _, st := range s.streams {
		st.mu.Lock()
		total += st.size
		for _, seg := range st.segments {
			if fi, err := os.Stat(seg.path); err == nil {
				total += fi.Size()
			}
		}
		st.mu.Unlock()
	}
	return total
}

// Prune deletes rotated segments older than the retention horizon. The live
// file is never pruned.
func (s *Store) Prune(now time.Time) int {
	horizon := now.Add(-s.opts.Retention)
	removed := 0
	for _, st := range s.streams {
		st.mu.Lock()
		kept := st.segments[:0]
		for _, seg := range st.segments {
			fi, err := os.Stat(seg.path)
			if err == nil && fi.ModTime().Before(horizon) {
				if err := os.Remove(seg.path); err == nil {
					removed++
					continue
				}
			}
			kept = append(kept, seg)
		}
		st.segments = kept
		st.mu.Unlock()
	}
	return removed
}

// Close closes all stream writers.
func (s *Store) Close() error {
	var firstErr error
	for _, st := range s.streams {
		st.mu.Lock()
		if err := st.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		st.mu.Unlock()
	}
	return firstErr
}

// Iterator lazily walks a stream's segments in offset order.
type Iterator struct {
	paths   []string
	firsts  []int64
	opts    ReadOptions
	idx     int
	f       *os.File
	sc      *bufio.Scanner
	offset  int64
	yielded int
}

// Next returns the next matching record, or nil at end of stream.
func (it *Iterator) Next() (*Record, error) {
	if it.opts.Limit > 0 && it.yielded >= it.opts.Limit {
		return nil, nil
	}
	for {
		if it.sc == nil {
			if it.idx >= len(it.paths) {
				return nil, nil
			}
			f, err := os.Open(it.paths[it.idx])
			if err != nil {
				if os.IsNotExist(err) {
					it.idx++
					continue
				}
				return nil, err
			}
			it.f = f
			it.sc = bufio.NewScanner(f)
			it.sc.Buffer(make([]byte, 64<<10), 16<<20)
			it.offset = it.firsts[it.idx]
		}
		if !it.sc.Scan() {
			err := it.sc.Err()
			it.f.Close()
			it.f, it.sc = nil, nil
			it.idx++
			if err != nil {
				return nil, err
			}
			continue
		}
		line := it.sc.Bytes()
		off := it.offset
		it.offset++
		if off < it.opts.SinceOffset {
			continue
		}
		if !json.Valid(line) {
			// Partial trailing write racing a reader; treat as end of segment.
			continue
		}
		if it.opts.Filter != nil && !it.opts.Filter(json.RawMessage(line)) {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		it.yielded++
		return &Record{Offset: off, Data: data}, nil
	}
}

// Close releases the iterator's open file, if any.
func (it *Iterator) Close() error {
	if it.f != nil {
		err := it.f.Close()
		it.f, it.sc = nil, nil
		return err
	}
	return nil
}
