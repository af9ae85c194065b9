// Package graph stores a property graph in an ordered key-value store.
//
// A Store keeps three logical tables in one flat key space:
//
//	node:<id>  -> encoded Node
//	edge:<id>  -> encoded Edge
//	adj:<id>   -> encoded Adjacency (outgoing and incoming edge id sets)
//
// and keeps them mutually consistent: every edge is listed in its source's
// outgoing set and its target's incoming set, and every listed edge id names
// a stored edge with matching endpoints.
//
// Writes that touch several keys (PutEdge, PutEdgesBulk, deletes) run inside
// one transaction when the backend implements storage.Transactional. On other
// backends they are applied in a fixed order, edge record first, and a crash
// can leave an edge missing from an adjacency set; Repair rebuilds the
// adjacency table from the edge table.
//
// Absent entities are not errors: getters return nil, nil. Stored bytes that
// fail to decode surface as ErrCorrupt.
//
// Example Usage:
//
//	store, err := graph.Open(storage.Options{Backend: "badger", Dir: "./data"}, codec.Binary{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	alice := model.NewNode(model.MustProperties(map[string]any{"name": "Alice"}))
//	bob := model.NewNode(model.MustProperties(map[string]any{"name": "Bob"}))
//	store.PutNodes([]*model.Node{alice, bob})
//
//	store.PutEdge(model.NewEdge(alice.ID, bob.ID, model.Properties{
//		"relation": model.String("friend"),
//	}))
//	adj, _ := store.GetAdjacencyList(alice.ID)
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/graphkv/pkg/codec"
	"github.com/orneryd/graphkv/pkg/metrics"
	"github.com/orneryd/graphkv/pkg/model"
	"github.com/orneryd/graphkv/pkg/storage"
)

// Common errors
var (
	ErrClosed           = errors.New("graph: store closed")
	ErrCorrupt          = errors.New("graph: corrupt record")
	ErrDuplicateID      = errors.New("graph: id already exists")
	ErrInvalidID        = errors.New("graph: invalid id")
	ErrInvalidData      = errors.New("graph: invalid data")
	ErrEndpointsChanged = errors.New("graph: edge endpoints are immutable")
	ErrUnsupported      = errors.New("graph: operation not supported by backend")
)

// ErrStopIteration can be returned from a ScanNodes or ScanEdges callback to
// end the scan early without an error.
var ErrStopIteration = storage.ErrIterationStopped

// DefaultBulkChunkSize is the number of entities a bulk write puts in one
// backend batch. A batch the backend rejects as too large for one
// transaction is halved until it fits.
const DefaultBulkChunkSize = 10000

// ConflictPolicy decides what a put does when the id is already stored.
type ConflictPolicy int

const (
	// ConflictOverwrite replaces the stored entity (last write wins).
	ConflictOverwrite ConflictPolicy = iota
	// ConflictReject fails the put with ErrDuplicateID.
	ConflictReject
)

func (p ConflictPolicy) String() string {
	if p == ConflictReject {
		return "reject"
	}
	return "overwrite"
}

// ParseConflictPolicy accepts "overwrite" (or "") and "reject".
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(s) {
	case "", "overwrite":
		return ConflictOverwrite, nil
	case "reject":
		return ConflictReject, nil
	}
	return ConflictOverwrite, fmt.Errorf("graph: unknown conflict policy %q", s)
}

// Option configures a Store.
type Option func(*Store)

// WithConflictPolicy sets how puts treat existing ids.
func WithConflictPolicy(p ConflictPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithBulkChunkSize splits bulk writes into chunks of at most n entities.
// n <= 0 writes each bulk call as a single batch.
func WithBulkChunkSize(n int) Option {
	return func(s *Store) { s.chunkSize = n }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records operation metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Store) { s.metrics = c }
}

// Store is a property graph over a key-value store. It owns the key-value
// store and closes it on Close.
//
// Store is safe for concurrent use. Writes are serialised inside the Store,
// so adjacency read-modify-write cycles never interleave even on backends
// without transactions.
type Store struct {
	kv        storage.Store
	codec     codec.Codec
	policy    ConflictPolicy
	chunkSize int
	log       *slog.Logger
	metrics   *metrics.Collector

	writeMu sync.Mutex
	closed  atomic.Bool
}

// New wraps kv. A nil codec selects codec.Binary.
func New(kv storage.Store, c codec.Codec, opts ...Option) *Store {
	if c == nil {
		c = codec.Binary{}
	}
	s := &Store{
		kv:        kv,
		codec:     c,
		chunkSize: DefaultBulkChunkSize,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "graph")
	return s
}

// Open opens the backend described by opts and wraps it.
func Open(opts storage.Options, c codec.Codec, gopts ...Option) (*Store, error) {
	kv, err := storage.Open(opts)
	if err != nil {
		return nil, err
	}
	return New(kv, c, gopts...), nil
}

// Codec returns the codec used for stored records.
func (s *Store) Codec() codec.Codec { return s.codec }

// Sync flushes the backend if it buffers writes.
func (s *Store) Sync() (err error) {
	defer s.observe("sync", time.Now(), &err)
	if s.closed.Load() {
		return ErrClosed
	}
	if sy, ok := s.kv.(storage.Syncer); ok {
		return s.storeErr("sync", sy.Sync())
	}
	return nil
}

// Compact asks the backend to reclaim space. Backends without compaction
// return ErrUnsupported.
func (s *Store) Compact() (err error) {
	defer s.observe("compact", time.Now(), &err)
	if s.closed.Load() {
		return ErrClosed
	}
	c, ok := s.kv.(storage.Compactor)
	if !ok {
		return ErrUnsupported
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.storeErr("compact", c.Compact())
}

// Close releases the backend. Further calls fail with ErrClosed; closing
// twice is a no-op.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.kv.Close()
}

// readWriter is the surface the multi-key algorithms are written against.
// It is either a backend transaction or the plain store.
type readWriter interface {
	get(key []byte) ([]byte, error)
	getBulk(keys [][]byte) (map[string][]byte, error)
	put(key, value []byte) error
	putBulk(entries map[string][]byte) error
	delete(key []byte) error
}

type txnRW struct {
	txn storage.Txn
}

func (t txnRW) get(key []byte) ([]byte, error) { return t.txn.Get(key) }

func (t txnRW) getBulk(keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := t.txn.Get(k)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[string(k)] = v
	}
	return out, nil
}

func (t txnRW) put(key, value []byte) error { return t.txn.Put(key, value) }

func (t txnRW) putBulk(entries map[string][]byte) error {
	for k, v := range entries {
		if err := t.txn.Put([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (t txnRW) delete(key []byte) error { return t.txn.Delete(key) }

type kvRW struct {
	kv storage.Store
}

func (k kvRW) get(key []byte) ([]byte, error)                   { return k.kv.Get(key) }
func (k kvRW) getBulk(keys [][]byte) (map[string][]byte, error) { return k.kv.GetBulk(keys) }
func (k kvRW) put(key, value []byte) error                      { return k.kv.Put(key, value) }
func (k kvRW) putBulk(entries map[string][]byte) error          { return k.kv.PutBulk(entries) }
func (k kvRW) delete(key []byte) error                          { return k.kv.Delete(key) }

// write runs fn under the write lock, inside a transaction when the backend
// has them.
func (s *Store) write(fn func(rw readWriter) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.apply(fn)
}

// apply runs fn inside a transaction when the backend has them. The caller
// holds writeMu.
func (s *Store) apply(fn func(rw readWriter) error) error {
	if tx, ok := s.kv.(storage.Transactional); ok {
		return tx.Update(func(txn storage.Txn) error {
			return fn(txnRW{txn})
		})
	}
	return fn(kvRW{s.kv})
}

// reader returns the plain store for single-call reads.
func (s *Store) reader() (readWriter, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return kvRW{s.kv}, nil
}

// getRecord returns the value under key, nil when absent.
func getRecord(rw readWriter, key []byte) ([]byte, error) {
	v, err := rw.get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (s *Store) storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrClosed) {
		return ErrClosed
	}
	// Errors produced by this package pass through unchanged.
	for _, known := range []error{ErrClosed, ErrCorrupt, ErrDuplicateID, ErrInvalidID, ErrInvalidData, ErrEndpointsChanged, ErrUnsupported} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("graph: %s: %w", op, err)
}

func (s *Store) corrupt(key []byte, err error) error {
	s.metrics.IncCorruption()
	k := describeKey(key)
	s.log.Warn("corrupt record", "key", k, "codec", s.codec.Name(), "error", err)
	return fmt.Errorf("%w: %s: %w", ErrCorrupt, k, err)
}

func (s *Store) observe(op string, start time.Time, errp *error) {
	s.metrics.Observe(op, start, *errp)
}

// describeKey renders a table key as "table:<uuid>".
func describeKey(key []byte) string {
	if len(key) > model.IDSize {
		prefix := key[:len(key)-model.IDSize]
		if id, err := model.NodeIDFromBytes(key[len(prefix):]); err == nil {
			return string(prefix) + id.String()
		}
	}
	return fmt.Sprintf("%q", key)
}

// writeChunked calls fn for consecutive [lo, hi) ranges covering n items, at
// most chunkSize items each. A range that fails with storage.ErrTxnTooBig is
// split in half and both halves are retried in order; fn must leave nothing
// behind when it fails that way, which holds for transactional backends.
func (s *Store) writeChunked(n int, fn func(lo, hi int) error) error {
	queue := chunks(n, s.chunkSize)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		err := fn(c[0], c[1])
		if errors.Is(err, storage.ErrTxnTooBig) && c[1]-c[0] > 1 {
			mid := c[0] + (c[1]-c[0])/2
			s.log.Debug("batch too large for one transaction, splitting",
				"offset", c[0], "entities", c[1]-c[0])
			queue = append([][2]int{{c[0], mid}, {mid, c[1]}}, queue...)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// chunks splits n items into [start, end) ranges of at most size items.
func chunks(n, size int) [][2]int {
	if n == 0 {
		return nil
	}
	if size <= 0 || size >= n {
		return [][2]int{{0, n}}
	}
	out := make([][2]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}
