package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is the default time-to-live for seen frame hashes.
	defaultDedupTTL = 5 * time.Second

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = 1 * time.Second
)

// Dedup drops frames seen within a TTL. Replica messages carry an
// operation id and attempt number, so only true retransmissions collide.
type Dedup struct {
	seen map[[32]byte]time.Time // seen maps frame hash to first arrival
	mu   sync.Mutex             // mu protects the seen map
	ttl  time.Duration          // ttl is how long a hash is remembered
	stop chan struct{}          // stop signals the cleanup goroutine to stop
	wg   sync.WaitGroup         // wg waits for the cleanup goroutine
}

// NewDedup creates a tracker remembering frames for ttl, or the default
// when ttl is zero.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]time.Time),
		ttl:  ttl,
		stop: make(chan struct{}),
	}

	d.startCleanup()

	return d
}

// Check returns true the first time data is seen within the TTL.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.seen[hash]; ok && now.Sub(ts) < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

// Len returns the number of remembered hashes.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Close stops the cleanup goroutine.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

// startCleanup starts the background cleanup goroutine.
func (d *Dedup) startCleanup() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(min(cleanupInterval, d.ttl))
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				d.cleanup(now)
			case <-d.stop:
				return
			}
		}
	}()
}

// cleanup removes entries older than the TTL.
func (d *Dedup) cleanup(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
