// Package storage is the Pebble key-value layer under durable replica state.
package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between background WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond

	// defaultCacheSize is the default block cache size.
	defaultCacheSize = 32 << 20
)

// Options tunes a Storage.
type Options struct {
	CacheSize    int64         // CacheSize is the block cache size in bytes, 0 uses 32 MB
	SyncInterval time.Duration // SyncInterval is the background WAL sync period, 0 uses 100ms
}

// KeyValue is one write in a batch.
type KeyValue struct {
	Key   []byte // Key is the key to store
	Value []byte // Value is the value to store
}

// Storage is a key-value store backed by Pebble.
// Unsynced batches are flushed to the WAL in the background; synced
// batches return only once the WAL is on disk.
type Storage struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// New opens the store at path.
func New(path string, opts Options) (*Storage, error) {
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}

	interval := opts.SyncInterval
	if interval <= 0 {
		interval = defaultSyncInterval
	}

	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:                       cache,
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s:\n%w", path, err)
	}

	s := &Storage{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop(interval)

	return s, nil
}

// Get returns a copy of the value for key, or nil when absent.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)

	return out, nil
}

// Commit atomically stores pairs. With sync set it returns once the
// whole batch is on disk, sharing one fsync between all pairs.
func (s *Storage) Commit(pairs []KeyValue, sync bool) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		if err := batch.Set(kv.Key, kv.Value, nil); err != nil {
			return err
		}
	}

	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}

	return batch.Commit(opts)
}

// IteratePrefix calls fn for each pair whose key starts with prefix, in
// key order. A nil prefix visits everything. Iteration stops at the
// first error fn returns.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	var opts *pebble.IterOptions
	if len(prefix) > 0 {
		opts = &pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)}
	}

	iter, err := s.db.NewIter(opts)
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound returns the exclusive upper bound of a prefix scan,
// or nil when the prefix is all 0xFF.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close stops background syncing, flushes the WAL and closes the database.
func (s *Storage) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// startSyncLoop periodically syncs buffered writes.
func (s *Storage) startSyncLoop(interval time.Duration) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
