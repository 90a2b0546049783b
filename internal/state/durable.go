package state

import (
	"errors"
	"fmt"
	"sync"

	"DeltaKV/internal/envelope"
	"DeltaKV/internal/logger"
	"DeltaKV/internal/storage"
)

// ErrClosed is returned by Store after Close.
var ErrClosed = errors.New("durable store closed")

const (
	// keyPrefix namespaces envelopes in the underlying store.
	keyPrefix = "env/"

	// defaultQueueSize bounds pending durable writes.
	defaultQueueSize = 1024

	// maxGroupSize bounds the writes folded into one fsync.
	maxGroupSize = 256
)

// storeRequest is one pending durable write.
type storeRequest struct {
	key  string             // key is the replicated key
	env  *envelope.Envelope // env is the value to persist
	done chan error         // done receives the outcome once
}

// Durable persists envelopes through a single writer goroutine.
// Pending writes are committed in groups sharing one fsync, and each
// write is merged with the stored value so disk state only grows.
type Durable struct {
	db     *storage.Storage  // db is the underlying key-value store
	queue  chan storeRequest // queue feeds the writer goroutine
	stop   chan struct{}     // stop ends the writer goroutine
	closed bool              // closed is set by Close
	mu     sync.RWMutex      // mu guards closed against concurrent sends
	wg     sync.WaitGroup
}

// NewDurable starts a durable writer over db.
func NewDurable(db *storage.Storage) *Durable {
	d := &Durable{
		db:    db,
		queue: make(chan storeRequest, defaultQueueSize),
		stop:  make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

// Store queues env for key. The channel yields nil once it is on disk.
func (d *Durable) Store(key string, env *envelope.Envelope) <-chan error {
	done := make(chan error, 1)

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		done <- ErrClosed
		return done
	}

	select {
	case d.queue <- storeRequest{key: key, env: env, done: done}:
	case <-d.stop:
		done <- ErrClosed
	}

	return done
}

// Load returns every stored envelope keyed by replicated key.
func (d *Durable) Load() (map[string]*envelope.Envelope, error) {
	out := make(map[string]*envelope.Envelope)

	err := d.db.IteratePrefix([]byte(keyPrefix), func(k, v []byte) error {
		env, err := envelope.Unmarshal(v)
		if err != nil {
			return fmt.Errorf("decode %s:\n%w", k, err)
		}

		out[string(k[len(keyPrefix):])] = env

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load envelopes:\n%w", err)
	}

	return out, nil
}

// LoadInto merges every stored envelope into r and returns the key count.
func (d *Durable) LoadInto(r *Replica) (int, error) {
	entries, err := d.Load()
	if err != nil {
		return 0, err
	}

	for key, env := range entries {
		if _, err := r.Merge(key, env); err != nil {
			return 0, err
		}
	}

	return len(entries), nil
}

// Close stops the writer after committing what is already queued.
func (d *Durable) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()
}

// run owns all writes to the store.
func (d *Durable) run() {
	defer d.wg.Done()

	for {
		select {
		case req := <-d.queue:
			d.commit(d.gather(req))

		case <-d.stop:
			// Store no longer sends once closed is set.
			for {
				select {
				case req := <-d.queue:
					d.commit(d.gather(req))
				default:
					return
				}
			}
		}
	}
}

// gather collects queued requests behind first, up to maxGroupSize.
func (d *Durable) gather(first storeRequest) []storeRequest {
	group := []storeRequest{first}

	for len(group) < maxGroupSize {
		select {
		case req := <-d.queue:
			group = append(group, req)
		default:
			return group
		}
	}

	return group
}

// commit merges each request with the stored value and writes the group
// with one synced batch.
func (d *Durable) commit(group []storeRequest) {
	merged := make(map[string]*envelope.Envelope, len(group))
	errs := make([]error, len(group))

	for i, req := range group {
		if req.env == nil {
			errs[i] = fmt.Errorf("store %s: nil envelope", req.key)
			continue
		}

		base, ok := merged[req.key]
		if !ok {
			stored, err := d.read(req.key)
			if err != nil {
				errs[i] = err
				continue
			}
			base = stored
		}

		env, err := base.Merge(req.env)
		if err != nil {
			errs[i] = fmt.Errorf("merge stored %s:\n%w", req.key, err)
			continue
		}

		merged[req.key] = env
	}

	pairs := make([]storage.KeyValue, 0, len(merged))

	for key, env := range merged {
		data, err := env.Marshal()
		if err != nil {
			for i, req := range group {
				if req.key == key && errs[i] == nil {
					errs[i] = fmt.Errorf("encode %s:\n%w", key, err)
				}
			}
			continue
		}

		pairs = append(pairs, storage.KeyValue{Key: []byte(keyPrefix + key), Value: data})
	}

	var commitErr error
	if len(pairs) > 0 {
		commitErr = d.db.Commit(pairs, true)
		if commitErr != nil {
			logger.Warn("durable commit failed", "writes", len(group), "error", commitErr)
			commitErr = fmt.Errorf("commit:\n%w", commitErr)
		}
	}

	for i, req := range group {
		if errs[i] == nil {
			errs[i] = commitErr
		}
		req.done <- errs[i]
	}
}

// read returns the stored envelope for key, or nil.
func (d *Durable) read(key string) (*envelope.Envelope, error) {
	data, err := d.db.Get([]byte(keyPrefix + key))
	if err != nil {
		return nil, fmt.Errorf("read %s:\n%w", key, err)
	}

	if data == nil {
		return nil, nil
	}

	env, err := envelope.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode stored %s:\n%w", key, err)
	}

	return env, nil
}
