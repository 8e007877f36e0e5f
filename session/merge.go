package session

import (
	"context"
	"fmt"
	"log"

	"github.com/mnemo-labs/mnemo/core"
	"github.com/mnemo-labs/mnemo/memory"
)

// MergeResult reports the per-source outcome of a merge.
type MergeResult struct {
	Merged  []core.SessionKey
	Skipped []core.SessionKey
}

// Merge combines the persisted memories of the source sessions into a new
// memory for dst, preserving source order across the list and fragment
// insertion order within each source. The result is immediately persisted
// and evicted, so dst reopens lazily from its archive on next access.
//
// A source that cannot be loaded is skipped and logged; the merge continues
// with the remaining sources and the result names both groups. A failed
// persist of the destination is returned as an error.
func (r *Registry) Merge(ctx context.Context, dst core.SessionKey, sources []core.SessionKey) (*MergeResult, error) {
	r.mergeMu.Lock()
	defer r.mergeMu.Unlock()

	unlockDst := r.lock(dst)
	defer unlockDst()

	// A live destination entry would shadow the merged archive; discard it.
	if e := r.lookup(dst); e != nil {
		log.Printf("[SESSION] Merge target %s is live, discarding its cached state", dst)
		if err := e.mem.Close(ctx, false); err != nil {
			log.Printf("[SESSION] Discard %s: %v", dst, err)
		}
		r.mu.Lock()
		delete(r.entries, dst)
		r.mu.Unlock()
	}

	dstMem, err := memory.Create(dst, r.arch, r.embedder)
	if err != nil {
		return nil, fmt.Errorf("create merge target %s: %w", dst, err)
	}

	result := &MergeResult{}
	for _, src := range sources {
		if src == dst {
			log.Printf("[SESSION] Merge: skipping %s, it is the destination", src)
			result.Skipped = append(result.Skipped, src)
			continue
		}
		if err := r.mergeSource(ctx, dstMem, src); err != nil {
			log.Printf("[SESSION] Merge: skipping %s: %v", src, err)
			result.Skipped = append(result.Skipped, src)
			continue
		}
		result.Merged = append(result.Merged, src)
	}

	if err := dstMem.Close(ctx, true); err != nil {
		return result, fmt.Errorf("persist merge target %s: %w", dst, err)
	}
	log.Printf("[SESSION] Merged %d of %d sources into %s", len(result.Merged), len(sources), dst)
	return result, nil
}

// mergeSource exports one source's fragments into dstMem. The source lock
// is held for the duration so the exported snapshot is consistent; sources
// are locked one at a time, never two together.
func (r *Registry) mergeSource(ctx context.Context, dstMem *memory.VectorMemory, src core.SessionKey) error {
	unlock := r.lock(src)
	defer unlock()

	var srcMem *memory.VectorMemory
	transient := false
	if e := r.lookup(src); e != nil {
		srcMem = e.mem
	} else {
		var err error
		srcMem, err = memory.Open(ctx, src, r.arch, r.embedder)
		if err != nil {
			return err
		}
		transient = true
	}

	fragments := srcMem.Export()
	if transient {
		// Opened only for the export; drop local state without persisting.
		if err := srcMem.Close(ctx, false); err != nil {
			log.Printf("[SESSION] Merge: release %s: %v", src, err)
		}
	}

	add := make([]memory.NewFragment, len(fragments))
	for i, f := range fragments {
		add[i] = memory.NewFragment{
			Text:      f.Text,
			Role:      f.Role,
			Turn:      f.Turn,
			Timestamp: f.Timestamp,
			Embedding: f.Embedding,
		}
	}
	if err := dstMem.Add(ctx, add); err != nil {
		return fmt.Errorf("add %d fragments: %w", len(add), err)
	}
	log.Printf("[SESSION] Merge: added %d fragments from %s", len(add), src)
	return nil
}
