package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/mnemo-labs/mnemo/archive"
	"github.com/mnemo-labs/mnemo/blob"
	"github.com/mnemo-labs/mnemo/core"
)

const (
	manifestName   = "fragments.json"
	collectionName = "fragments"
)

// ErrClosed is returned when a VectorMemory is used after Close.
var ErrClosed = errors.New("memory: vector memory is closed")

// NewFragment is the input to Add. Embedding is optional: when set (merge
// reuses exported vectors) the text is not re-embedded.
type NewFragment struct {
	Text      string
	Role      string
	Turn      int
	Timestamp time.Time
	Embedding []float32
}

// VectorMemory is one session's semantic index. It owns a chromem
// collection for retrieval and the ordered fragment list that backs export
// and persistence. Safe for concurrent use.
type VectorMemory struct {
	key      core.SessionKey
	arch     *archive.Adapter
	embedder Embedder

	mu        sync.RWMutex
	dir       string
	db        *chromem.DB
	col       *chromem.Collection
	fragments []core.Fragment
	byID      map[string]int
	dirty     bool
	closed    bool
}

// Open restores the session's memory from its remote archive, or
// initializes an empty one backed by a fresh local directory when no
// archive exists.
func Open(ctx context.Context, key core.SessionKey, arch *archive.Adapter, embedder Embedder) (*VectorMemory, error) {
	dir, err := arch.Restore(ctx, key)
	switch {
	case errors.Is(err, blob.ErrNotFound):
		log.Printf("[MEMORY] No archive for %s, starting empty", key)
		if dir, err = arch.NewDir(key); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	m, err := newVectorMemory(key, arch, embedder, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := m.loadManifest(ctx); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return m, nil
}

// Create initializes an empty memory for key without consulting the remote
// archive. The store starts dirty, so a later persisting Close always
// replaces whatever archive the key had before; merge destinations rely on
// that to overwrite stale snapshots.
func Create(key core.SessionKey, arch *archive.Adapter, embedder Embedder) (*VectorMemory, error) {
	dir, err := arch.NewDir(key)
	if err != nil {
		return nil, err
	}
	m, err := newVectorMemory(key, arch, embedder, dir)
	if err != nil {
		return nil, err
	}
	m.dirty = true
	return m, nil
}

func newVectorMemory(key core.SessionKey, arch *archive.Adapter, embedder Embedder, dir string) (*VectorMemory, error) {
	m := &VectorMemory{
		key:      key,
		arch:     arch,
		embedder: embedder,
		dir:      dir,
		db:       chromem.NewDB(),
		byID:     make(map[string]int),
	}
	var err error
	m.col, err = m.db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection for %s: %w", key, err)
	}
	return m, nil
}

// loadManifest rebuilds the index from the extracted fragment manifest, if
// one exists.
func (m *VectorMemory) loadManifest(ctx context.Context) error {
	data, err := os.ReadFile(filepath.Join(m.dir, manifestName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest for %s: %w", m.key, err)
	}

	var fragments []core.Fragment
	if err := json.Unmarshal(data, &fragments); err != nil {
		return fmt.Errorf("decode manifest for %s: %w", m.key, err)
	}

	for i := range fragments {
		f := &fragments[i]
		if len(f.Embedding) == 0 {
			// Manifest from an older snapshot without vectors; re-embed.
			f.Embedding, err = m.embedder.Embed(ctx, f.Text)
			if err != nil {
				return fmt.Errorf("re-embed fragment %s: %w", f.ID, err)
			}
		}
		if err := m.index(ctx, *f); err != nil {
			return err
		}
		m.byID[f.ID] = len(m.fragments)
		m.fragments = append(m.fragments, *f)
	}

	log.Printf("[MEMORY] Loaded %d fragments for %s", len(m.fragments), m.key)
	return nil
}

func (m *VectorMemory) index(ctx context.Context, f core.Fragment) error {
	doc := chromem.Document{
		ID:        f.ID,
		Content:   f.Text,
		Embedding: f.Embedding,
		Metadata: map[string]string{
			"role": f.Role,
			"turn": strconv.Itoa(f.Turn),
			"seq":  strconv.Itoa(f.Seq),
		},
	}
	if err := m.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index fragment %s: %w", f.ID, err)
	}
	return nil
}

// Key returns the session key this memory belongs to.
func (m *VectorMemory) Key() core.SessionKey {
	return m.key
}

// Add embeds and appends fragments to the index. Fragments carrying a
// precomputed embedding are stored as-is. Marks the store dirty.
func (m *VectorMemory) Add(ctx context.Context, frags []NewFragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, nf := range frags {
		emb := nf.Embedding
		if len(emb) == 0 {
			var err error
			emb, err = m.embedder.Embed(ctx, nf.Text)
			if err != nil {
				return fmt.Errorf("embed fragment: %w", err)
			}
		}
		f := core.Fragment{
			ID:        uuid.New().String(),
			Text:      nf.Text,
			Role:      nf.Role,
			Turn:      nf.Turn,
			Seq:       len(m.fragments),
			Timestamp: nf.Timestamp,
			Embedding: emb,
		}
		if err := m.index(ctx, f); err != nil {
			return err
		}
		m.byID[f.ID] = len(m.fragments)
		m.fragments = append(m.fragments, f)
		m.dirty = true
	}
	return nil
}

// Query returns up to k fragments ranked by ascending embedding distance to
// text. Ties break on insertion order, earlier fragment first. k must be
// positive; when fewer than k fragments exist, all of them are candidates.
func (m *VectorMemory) Query(ctx context.Context, text string, k int) ([]core.Fragment, error) {
	if k <= 0 {
		return nil, fmt.Errorf("memory: query k must be positive, got %d", k)
	}

	// Capture the collection under the lock: Close nils it out, and the
	// embedding call below must not hold the lock. The captured collection
	// stays valid even if the memory closes mid-query.
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	col := m.col
	count := len(m.fragments)
	m.mu.RUnlock()

	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	emb, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := col.QueryEmbedding(ctx, emb, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query index for %s: %w", m.key, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	type ranked struct {
		frag core.Fragment
		sim  float32
	}
	hits := make([]ranked, 0, len(results))
	for _, r := range results {
		idx, ok := m.byID[r.ID]
		if !ok {
			continue
		}
		hits = append(hits, ranked{frag: m.fragments[idx], sim: r.Similarity})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].sim != hits[j].sim {
			return hits[i].sim > hits[j].sim
		}
		return hits[i].frag.Seq < hits[j].frag.Seq
	})

	out := make([]core.Fragment, len(hits))
	for i, h := range hits {
		out[i] = h.frag
	}
	return out, nil
}

// Export returns every stored fragment in insertion order.
func (m *VectorMemory) Export() []core.Fragment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Fragment, len(m.fragments))
	copy(out, m.fragments)
	return out
}

// Count returns the number of stored fragments.
func (m *VectorMemory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fragments)
}

// Close persists the store through the archive adapter when persist is set,
// then frees in-memory and local-disk state.
//
// A failed persist returns the error with all state intact, so the caller
// can retry; an abandoned close (persist=false) discards local state
// without touching the remote archive.
func (m *VectorMemory) Close(ctx context.Context, persist bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if persist && m.dirty {
		if err := m.writeManifest(); err != nil {
			return err
		}
		if err := m.arch.Persist(ctx, m.key, m.dir); err != nil {
			return err
		}
	} else {
		os.RemoveAll(m.dir)
	}

	m.db = nil
	m.col = nil
	m.fragments = nil
	m.byID = nil
	m.closed = true
	return nil
}

func (m *VectorMemory) writeManifest() error {
	data, err := json.Marshal(m.fragments)
	if err != nil {
		return fmt.Errorf("encode manifest for %s: %w", m.key, err)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("recreate local dir for %s: %w", m.key, err)
	}
	path := filepath.Join(m.dir, manifestName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest for %s: %w", m.key, err)
	}
	return nil
}
