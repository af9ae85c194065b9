package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore persists keys in BadgerDB.
//
// Features:
//   - ACID transactions (Update runs inside a single badger.Txn)
//   - Memory-mapped LSM tables with a separate value log
//   - Directory lock held by Badger for the life of the store
//   - Crash recovery on open
//
// Example:
//
//	store, err := storage.OpenBadger(storage.Options{Dir: "/path/to/data"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
type BadgerStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

var (
	_ Transactional = (*BadgerStore)(nil)
	_ Scanner       = (*BadgerStore)(nil)
	_ Syncer        = (*BadgerStore)(nil)
	_ Compactor     = (*BadgerStore)(nil)
)

// OpenBadger opens (or creates) a Badger database in opts.Dir.
//
// Memory tuning mirrors what containerised deployments need: LowMemory
// shrinks memtables and caches to a few tens of MB, MemTableSize and
// ValueLogFileSize override individual limits.
func OpenBadger(opts Options) (*BadgerStore, error) {
	if opts.Dir == "" && !opts.InMemory {
		return nil, fmt.Errorf("storage: badger needs a data directory")
	}
	dir := opts.Dir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites)

	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(badgerLogger{opts.Logger.With("component", "badger")})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).
			WithValueLogFileSize(64 << 20).
			WithNumMemtables(2).
			WithNumLevelZeroTables(2).
			WithNumLevelZeroTablesStall(4).
			WithValueThreshold(1024).
			WithBlockCacheSize(32 << 20).
			WithIndexCacheSize(16 << 20)
	}
	if opts.MemTableSize > 0 {
		badgerOpts = badgerOpts.WithMemTableSize(opts.MemTableSize)
	}
	if opts.ValueLogFileSize > 0 {
		badgerOpts = badgerOpts.WithValueLogFileSize(opts.ValueLogFileSize)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get returns a copy of the value stored under key.
func (b *BadgerStore) Get(key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		v, err := badgerGet(txn, key)
		value = v
		return err
	})
	return value, err
}

func (b *BadgerStore) Put(key, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(clone(key), clone(value))
	})
}

func (b *BadgerStore) Delete(key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(clone(key))
	})
}

// GetBulk reads every key from one consistent snapshot.
func (b *BadgerStore) GetBulk(keys [][]byte) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	out := make(map[string][]byte, len(keys))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := checkKey(key); err != nil {
				return err
			}
			v, err := badgerGet(txn, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out[string(key)] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutBulk writes every entry in a single transaction. Batches larger than
// Badger's transaction limit fail with ErrTxnTooBig; callers split them.
func (b *BadgerStore) PutBulk(entries map[string][]byte) error {
	return b.Update(func(txn Txn) error {
		for k, v := range entries {
			if err := txn.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update runs fn in a read-write transaction and commits when fn returns nil.
// A transaction exceeding Badger's entry count or size limit is discarded
// and fails with ErrTxnTooBig.
func (b *BadgerStore) Update(fn func(txn Txn) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return fn(badgerTxn{txn})
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("%w: %w", ErrTxnTooBig, err)
	}
	return err
}

// Scan iterates keys with the given prefix in ascending order. Entries are
// read in batches, each from its own snapshot, and handed to fn with the
// lock released, so fn may call back into the store or close it.
func (b *BadgerStore) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	pivot := prefix
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := b.scanBatch(prefix, pivot)
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
		pivot = append([]byte(batch[len(batch)-1].key), 0)
	}
}

func (b *BadgerStore) scanBatch(prefix, pivot []byte) ([]memItem, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	var batch []memItem
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = scanBatchSize
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(pivot); it.ValidForPrefix(prefix) && len(batch) < scanBatchSize; it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			batch = append(batch, memItem{key: string(item.Key()), value: value})
		}
		return nil
	})
	return batch, err
}

// Sync forces a sync of all data to disk.
func (b *BadgerStore) Sync() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return b.db.Sync()
}

// Compact runs value-log garbage collection until Badger reports nothing
// left to rewrite.
func (b *BadgerStore) Compact() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for {
		err := b.db.RunValueLogGC(0.5)
		switch {
		case err == nil:
			continue
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return nil
		default:
			return err
		}
	}
}

// Size returns the approximate on-disk size of the LSM tree and value log.
func (b *BadgerStore) Size() (lsm, vlog int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, 0
	}
	return b.db.Size()
}

// Close closes the database. Closing twice is a no-op.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func badgerGet(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t badgerTxn) Get(key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return badgerGet(t.txn, key)
}

func (t badgerTxn) Put(key, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return t.txn.Set(clone(key), clone(value))
}

func (t badgerTxn) Delete(key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return t.txn.Delete(clone(key))
}

// badgerLogger routes Badger's printf-style logging into slog. Badger is
// chatty at info level, so its info lines are logged at debug.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
