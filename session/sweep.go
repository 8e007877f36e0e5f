package session

import (
	"context"
	"log"
	"time"

	"github.com/mnemo-labs/mnemo/core"
)

// DefaultMaxIdle is the sweep threshold when the deployment does not
// configure one.
const DefaultMaxIdle = 30 * time.Minute

// Sweep closes (persists and evicts) every session idle longer than
// maxIdle, using the same per-key lock discipline as Close. A session whose
// persist fails stays cached and is retried on the next sweep. Returns the
// number of sessions closed.
func (r *Registry) Sweep(ctx context.Context, maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var stale []core.SessionKey
	for key, e := range r.entries {
		if e.lastActive.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	r.mu.Unlock()

	closed := 0
	for _, key := range stale {
		unlock := r.lock(key)

		r.mu.Lock()
		e := r.entries[key]
		idle := e != nil && e.lastActive.Before(cutoff)
		r.mu.Unlock()

		// The session may have been closed or touched while we waited
		// for its lock.
		if !idle {
			unlock()
			continue
		}

		if err := e.mem.Close(ctx, true); err != nil {
			log.Printf("[SESSION] Sweep: persist %s failed, keeping it live: %v", key, err)
			unlock()
			continue
		}
		r.mu.Lock()
		delete(r.entries, key)
		r.mu.Unlock()
		log.Printf("[SESSION] Sweep: closed idle %s", key)
		closed++
		unlock()
	}
	return closed
}

// StartSweeper runs Sweep every interval until ctx is canceled.
func (r *Registry) StartSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Sweep(ctx, maxIdle); n > 0 {
					log.Printf("[SESSION] Sweep: closed %d idle sessions, %d live", n, r.Len())
				}
			}
		}
	}()
}
