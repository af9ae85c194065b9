package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/btree"
)

const (
	logFileName = "graph.log"

	defaultBatchSyncInterval = 100 * time.Millisecond

	// scanBatchSize is how many entries Scan reads under the lock before
	// handing them to the callback.
	scanBatchSize = 256
)

// logEntry locates the live value of a key inside the log file.
type logEntry struct {
	key       string
	valueOff  int64
	valueSize int
	frameSize int
}

func logLess(a, b logEntry) bool { return a.key < b.key }

// LogStore is an append-only log-structured store. Every write appends a
// checksummed frame; an in-memory B-tree maps each live key to the offset of
// its latest value. Opening the store replays the log to rebuild the index
// and truncates a torn tail left by a crash mid-write. Damage followed by
// intact frames is not a torn tail: OpenLog fails with ErrCorrupt and leaves
// the file untouched.
//
// LogStore has no multi-key transaction: a PutBulk lands with a single write
// call but a crash can persist a prefix of it. Compact rewrites the log with
// only live values.
//
// Durability follows SyncMode:
//   - "immediate": fsync after every write call
//   - "batch": fsync every BatchSyncInterval (default)
//   - "none": never fsync, the OS flushes eventually
type LogStore struct {
	mu       sync.RWMutex
	dir      string
	path     string
	file     *os.File
	lock     *os.File
	index    *btree.BTreeG[logEntry]
	size     int64
	garbage  int64
	syncMode string
	log      *slog.Logger

	dirty    atomic.Bool
	closed   bool
	ticker   *time.Ticker
	stopSync chan struct{}
	syncDone chan struct{}
}

var (
	_ Scanner   = (*LogStore)(nil)
	_ Syncer    = (*LogStore)(nil)
	_ Compactor = (*LogStore)(nil)
)

// LogStats reports the shape of a log store.
type LogStats struct {
	Keys         int
	FileBytes    int64
	GarbageBytes int64
}

// OpenLog opens (or creates) a log store in opts.Dir and takes an exclusive
// lock on the directory. A second open of the same directory fails with
// ErrLocked until the first store is closed.
func OpenLog(opts Options) (*LogStore, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("storage: log store needs a data directory")
	}
	mode := strings.ToLower(opts.SyncMode)
	switch mode {
	case "":
		mode = SyncBatch
	case SyncImmediate, SyncBatch, SyncNone:
	default:
		return nil, fmt.Errorf("storage: unknown sync mode %q", opts.SyncMode)
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: failed to create directory: %w", err)
	}
	lock, err := lockDir(opts.Dir)
	if err != nil {
		return nil, err
	}

	s := &LogStore{
		dir:      opts.Dir,
		path:     filepath.Join(opts.Dir, logFileName),
		lock:     lock,
		index:    btree.NewBTreeGOptions(logLess, btree.Options{NoLocks: true}),
		syncMode: mode,
		log:      logger(opts.Logger).With("component", "logstore"),
	}
	if err := s.openFile(); err != nil {
		_ = unlockDir(lock)
		return nil, err
	}
	if err := s.replay(); err != nil {
		_ = s.file.Close()
		_ = unlockDir(lock)
		return nil, err
	}

	if mode == SyncBatch {
		interval := opts.BatchSyncInterval
		if interval <= 0 {
			interval = defaultBatchSyncInterval
		}
		s.ticker = time.NewTicker(interval)
		s.stopSync = make(chan struct{})
		s.syncDone = make(chan struct{})
		go s.batchSyncLoop()
	}
	return s, nil
}

func (s *LogStore) openFile() error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("storage: failed to open log: %w", err)
	}
	s.file = f
	return nil
}

// replay rebuilds the index from the log file.
func (s *LogStore) replay() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("storage: failed to stat log: %w", err)
	}
	r := bufio.NewReaderSize(io.NewSectionReader(s.file, 0, info.Size()), 64<<10)

	var off int64
	for {
		f, n, err := readFrame(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			torn, terr := s.tornTail(off, n, info.Size(), err)
			if terr != nil {
				return terr
			}
			if !torn {
				return fmt.Errorf("%w: %s: frame at offset %d: %w", ErrCorrupt, s.path, off, err)
			}
			s.log.Warn("truncating damaged log tail",
				"path", s.path,
				"offset", off,
				"dropped_bytes", info.Size()-off,
				"error", err)
			if err := s.file.Truncate(off); err != nil {
				return fmt.Errorf("storage: failed to truncate log: %w", err)
			}
			break
		}
		s.apply(f, off, n)
		off += int64(n)
	}
	s.size = off
	s.log.Debug("log replayed", "path", s.path, "keys", s.index.Len(), "bytes", off)
	return nil
}

// tornTail reports whether a frame that failed to read at off is the
// unfinished last write: a frame cut short by the end of the file, a damaged
// frame that ends exactly at the end of the file, or a zero-filled tail.
func (s *LogStore) tornTail(off int64, frameSize int, fileSize int64, err error) (bool, error) {
	switch {
	case errors.Is(err, errIncompleteFrame):
		return true, nil
	case frameSize > 0:
		return off+int64(frameSize) == fileSize, nil
	}
	rest := io.NewSectionReader(s.file, off, fileSize-off)
	buf := make([]byte, 32<<10)
	for {
		n, rerr := rest.Read(buf)
		for _, b := range buf[:n] {
			if b != 0 {
				return false, nil
			}
		}
		if rerr == io.EOF {
			return true, nil
		}
		if rerr != nil {
			return false, fmt.Errorf("storage: failed to read log: %w", rerr)
		}
	}
}

// apply records a frame written at frameOff in the index.
func (s *LogStore) apply(f frame, frameOff int64, frameSize int) {
	switch f.op {
	case opPut:
		e := logEntry{
			key:       string(f.key),
			valueOff:  frameOff + int64(frameHeaderSize+uvarintLen(len(f.key))+len(f.key)),
			valueSize: len(f.value),
			frameSize: frameSize,
		}
		if prev, replaced := s.index.Set(e); replaced {
			s.garbage += int64(prev.frameSize)
		}
	case opDelete:
		if prev, ok := s.index.Delete(logEntry{key: string(f.key)}); ok {
			s.garbage += int64(prev.frameSize)
		}
		s.garbage += int64(frameSize)
	}
}

func (s *LogStore) Get(key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.index.Get(logEntry{key: string(key)})
	if !ok {
		return nil, ErrNotFound
	}
	return s.readValue(e)
}

func (s *LogStore) GetBulk(keys [][]byte) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if err := checkKey(key); err != nil {
			return nil, err
		}
		e, ok := s.index.Get(logEntry{key: string(key)})
		if !ok {
			continue
		}
		v, err := s.readValue(e)
		if err != nil {
			return nil, err
		}
		out[e.key] = v
	}
	return out, nil
}

func (s *LogStore) readValue(e logEntry) ([]byte, error) {
	buf := make([]byte, e.valueSize)
	if _, err := s.file.ReadAt(buf, e.valueOff); err != nil {
		return nil, fmt.Errorf("storage: failed to read %q: %w", e.key, err)
	}
	return buf, nil
}

func (s *LogStore) Put(key, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return s.write([]frame{{op: opPut, key: key, value: value}})
}

// Delete appends a tombstone. Deleting an absent key writes nothing.
func (s *LogStore) Delete(key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mu.RLock()
	_, ok := s.index.Get(logEntry{key: string(key)})
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return nil
	}
	return s.write([]frame{{op: opDelete, key: key}})
}

// PutBulk appends every entry, in key order, with a single write call.
func (s *LogStore) PutBulk(entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		if k == "" {
			return ErrInvalidKey
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	frames := make([]frame, 0, len(keys))
	for _, k := range keys {
		frames = append(frames, frame{op: opPut, key: []byte(k), value: entries[k]})
	}
	return s.write(frames)
}

func (s *LogStore) write(frames []frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var (
		buf     []byte
		offsets = make([]int, len(frames))
	)
	for i, f := range frames {
		offsets[i] = len(buf)
		buf, _ = appendFrame(buf, f)
	}

	if _, err := s.file.Write(buf); err != nil {
		// Drop whatever part of the batch reached the file so the log ends on
		// a frame boundary.
		if terr := s.file.Truncate(s.size); terr != nil {
			s.log.Error("failed to roll back partial write", "path", s.path, "error", terr)
		}
		return fmt.Errorf("storage: failed to append to log: %w", err)
	}

	for i, f := range frames {
		end := len(buf)
		if i+1 < len(frames) {
			end = offsets[i+1]
		}
		s.apply(f, s.size+int64(offsets[i]), end-offsets[i])
	}
	s.size += int64(len(buf))

	if s.syncMode == SyncImmediate {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("storage: sync failed: %w", err)
		}
		return nil
	}
	s.dirty.Store(true)
	return nil
}

// Scan walks keys with the given prefix in ascending order. Values are read
// in batches under the lock and handed to fn with the lock released, so fn
// may write to the store.
func (s *LogStore) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)
	pivot := p
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.scanBatch(p, pivot)
		if err != nil {
			return err
		}
		for _, kv := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn([]byte(kv.key), kv.value); err != nil {
				if errors.Is(err, ErrIterationStopped) {
					return nil
				}
				return err
			}
		}
		if len(batch) < scanBatchSize {
			return nil
		}
		pivot = batch[len(batch)-1].key + "\x00"
	}
}

func (s *LogStore) scanBatch(prefix, pivot string) ([]memItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var (
		batch []memItem
		err   error
	)
	s.index.Ascend(logEntry{key: pivot}, func(e logEntry) bool {
		if !strings.HasPrefix(e.key, prefix) {
			return false
		}
		var v []byte
		if v, err = s.readValue(e); err != nil {
			return false
		}
		batch = append(batch, memItem{key: e.key, value: v})
		return len(batch) < scanBatchSize
	})
	return batch, err
}

// Sync flushes the log to stable storage.
func (s *LogStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.syncLocked()
}

func (s *LogStore) syncLocked() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("storage: sync failed: %w", err)
	}
	s.dirty.Store(false)
	return nil
}

func (s *LogStore) batchSyncLoop() {
	defer close(s.syncDone)
	for {
		select {
		case <-s.ticker.C:
			if !s.dirty.Load() {
				continue
			}
			if err := s.Sync(); err != nil && !errors.Is(err, ErrClosed) {
				s.log.Error("batch sync failed", "path", s.path, "error", err)
			}
		case <-s.stopSync:
			return
		}
	}
}

// Compact rewrites the log keeping only live values, then atomically
// replaces the old file. On failure the store keeps using the old log.
func (s *LogStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("storage: failed to create compaction file: %w", err)
	}
	abort := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	w := bufio.NewWriterSize(tmp, 64<<10)
	next := btree.NewBTreeGOptions(logLess, btree.Options{NoLocks: true})
	var (
		off  int64
		buf  []byte
		rerr error
	)
	s.index.Scan(func(e logEntry) bool {
		var v []byte
		if v, rerr = s.readValue(e); rerr != nil {
			return false
		}
		var valueOff int
		buf, valueOff = appendFrame(buf[:0], frame{op: opPut, key: []byte(e.key), value: v})
		if _, rerr = w.Write(buf); rerr != nil {
			return false
		}
		next.Set(logEntry{
			key:       e.key,
			valueOff:  off + int64(valueOff),
			valueSize: e.valueSize,
			frameSize: len(buf),
		})
		off += int64(len(buf))
		return true
	})
	if rerr != nil {
		return abort(fmt.Errorf("storage: compaction failed: %w", rerr))
	}
	if err := w.Flush(); err != nil {
		return abort(fmt.Errorf("storage: compaction failed: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return abort(fmt.Errorf("storage: compaction failed: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("storage: compaction failed: %w", err)
	}

	before := s.size
	_ = s.file.Close()
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		if oerr := s.openFile(); oerr != nil {
			s.closed = true
			return fmt.Errorf("storage: failed to reopen log after compaction error %v: %w", err, oerr)
		}
		return fmt.Errorf("storage: failed to replace log: %w", err)
	}
	if err := s.openFile(); err != nil {
		s.closed = true
		return fmt.Errorf("storage: failed to reopen compacted log: %w", err)
	}
	s.index = next
	s.size = off
	s.garbage = 0
	s.dirty.Store(false)
	s.log.Info("log compacted", "path", s.path, "before_bytes", before, "after_bytes", off, "keys", next.Len())
	return nil
}

// Stats returns the key count and file usage.
func (s *LogStore) Stats() LogStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return LogStats{Keys: s.index.Len(), FileBytes: s.size, GarbageBytes: s.garbage}
}

// Close flushes the log, closes the file and releases the directory lock.
func (s *LogStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.syncMode != SyncNone {
		err = s.file.Sync()
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	if uerr := unlockDir(s.lock); err == nil {
		err = uerr
	}
	s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stopSync)
		<-s.syncDone
	}
	return err
}

func uvarintLen(n int) int {
	var buf [binary.MaxVarintLen64]byte
	return binary.PutUvarint(buf[:], uint64(n))
}
