// Package storage provides the ordered key-value stores graphkv persists to.
//
// Every backend implements Store: byte-keyed get, put and delete plus batched
// reads and writes. Backends advertise extra capabilities through optional
// interfaces discovered with a type assertion:
//
//   - Transactional: atomic multi-key read-modify-write (Badger, Memory)
//   - Scanner: ordered prefix iteration (all backends)
//   - Syncer: flush to stable storage (Badger, Log)
//   - Compactor: reclaim space held by overwritten values (Badger, Log)
//
// Example Usage:
//
//	store, err := storage.Open(storage.Options{Backend: "badger", Dir: "./data"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	if err := store.Put([]byte("greeting"), []byte("hello")); err != nil {
//		log.Fatal(err)
//	}
//	v, err := store.Get([]byte("greeting"))
//
// Keys and values handed to a store are copied; callers may reuse their
// buffers once a call returns, and returned slices belong to the caller.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotFound         = errors.New("storage: key not found")
	ErrClosed           = errors.New("storage: store closed")
	ErrInvalidKey       = errors.New("storage: empty key")
	ErrLocked           = errors.New("storage: directory locked by another process")
	ErrCorrupt          = errors.New("storage: corrupt data file")
	ErrTxnTooBig        = errors.New("storage: transaction too large") // split the batch and retry
	ErrIterationStopped = errors.New("storage: iteration stopped") // return from a Scan callback to stop early
)

// Backend names accepted by Open.
const (
	BackendBadger = "badger"
	BackendLog    = "log"
	BackendMemory = "memory"
)

// Sync modes for the log backend.
const (
	SyncImmediate = "immediate" // fsync after every write call
	SyncBatch     = "batch"     // fsync on a timer
	SyncNone      = "none"      // leave flushing to the OS
)

// Store is the minimal contract every backend satisfies.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error
	// GetBulk reads many keys in one call. Absent keys are omitted from the
	// result, which is keyed by string(key).
	GetBulk(keys [][]byte) (map[string][]byte, error)
	// PutBulk writes every entry. Transactional backends apply the batch
	// atomically; the log backend appends it in one flush.
	PutBulk(entries map[string][]byte) error
	Close() error
}

// Txn is the read-write view handed to an Update callback. Reads observe the
// transaction's own uncommitted writes.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Transactional stores run fn atomically: every write lands or none does.
type Transactional interface {
	Store
	Update(fn func(txn Txn) error) error
}

// Scanner stores iterate keys sharing a prefix in ascending byte order.
// Returning ErrIterationStopped from fn ends the scan without an error.
type Scanner interface {
	Store
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
}

// Syncer stores can force buffered writes to stable storage.
type Syncer interface {
	Sync() error
}

// Compactor stores can reclaim space held by overwritten or deleted values.
type Compactor interface {
	Compact() error
}

// Options configures Open.
type Options struct {
	// Backend is one of BackendBadger (default), BackendLog or BackendMemory.
	Backend string

	// Dir holds the data files. Required for persistent backends.
	Dir string

	// InMemory runs Badger without touching disk.
	InMemory bool

	// SyncWrites makes Badger fsync every commit.
	SyncWrites bool

	// LowMemory shrinks Badger's memtables and caches.
	LowMemory bool

	// MemTableSize and ValueLogFileSize override Badger defaults when > 0.
	MemTableSize     int64
	ValueLogFileSize int64

	// SyncMode and BatchSyncInterval control log backend durability.
	SyncMode          string
	BatchSyncInterval time.Duration

	// Logger receives engine messages. Nil silences Badger and uses
	// slog.Default for the other backends.
	Logger *slog.Logger
}

// Open opens the backend named by opts.Backend.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendBadger:
		return OpenBadger(opts)
	case BackendLog:
		return OpenLog(opts)
	case BackendMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
}

func checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
