// Package session owns the process-wide cache of live conversations: one
// VectorMemory and one chat-turn log per session key.
//
// All mutating operations on a session serialize through a per-key lock, so
// two requests for the same conversation can never double-restore the
// archive, race on turn numbers, or fight over the local directory.
// Unrelated sessions proceed fully in parallel.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mnemo-labs/mnemo/archive"
	"github.com/mnemo-labs/mnemo/chunk"
	"github.com/mnemo-labs/mnemo/core"
	"github.com/mnemo-labs/mnemo/memory"
)

// ErrNotFound is returned by Close when no live entry exists for the key.
var ErrNotFound = errors.New("session: not found")

// Registry is the process-wide session cache. Construct with NewRegistry;
// the zero value is not usable.
type Registry struct {
	arch         *archive.Adapter
	embedder     memory.Embedder
	now          func() time.Time
	chunkSize    int
	chunkOverlap int

	mu      sync.Mutex
	entries map[core.SessionKey]*entry
	locks   map[core.SessionKey]*keyLock

	// mergeMu serializes merges so two merges can never hold each
	// other's destination while waiting on the other's source.
	mergeMu sync.Mutex
}

type entry struct {
	mem        *memory.VectorMemory
	turns      []core.ChatTurn
	lastActive time.Time
}

// Option configures the registry.
type Option func(*Registry)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithChunking overrides the fragment size and overlap used when embedding
// turns.
func WithChunking(size, overlap int) Option {
	return func(r *Registry) {
		r.chunkSize = size
		r.chunkOverlap = overlap
	}
}

// NewRegistry creates an empty registry with injected dependencies.
func NewRegistry(arch *archive.Adapter, embedder memory.Embedder, opts ...Option) *Registry {
	r := &Registry{
		arch:         arch,
		embedder:     embedder,
		now:          time.Now,
		chunkSize:    chunk.DefaultSize,
		chunkOverlap: chunk.DefaultOverlap,
		entries:      make(map[core.SessionKey]*entry),
		locks:        make(map[core.SessionKey]*keyLock),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// keyLock is a refcounted mutex so the lock table does not grow with every
// session key ever seen.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the per-key lock and returns its release func.
func (r *Registry) lock(key core.SessionKey) func() {
	r.mu.Lock()
	kl := r.locks[key]
	if kl == nil {
		kl = &keyLock{}
		r.locks[key] = kl
	}
	kl.refs++
	r.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		r.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) lookup(key core.SessionKey) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[key]
}

// touch updates the entry's idle timer. lastActive is guarded by r.mu, not
// the key lock, because the sweeper reads it without holding key locks.
func (r *Registry) touch(e *entry) {
	r.mu.Lock()
	e.lastActive = r.now()
	r.mu.Unlock()
}

// getOrCreateLocked returns the cached entry or opens the session's memory.
// Caller must hold the key lock.
func (r *Registry) getOrCreateLocked(ctx context.Context, key core.SessionKey) (*entry, error) {
	if e := r.lookup(key); e != nil {
		r.touch(e)
		return e, nil
	}

	mem, err := memory.Open(ctx, key, r.arch, r.embedder)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", key, err)
	}

	e := &entry{mem: mem, lastActive: r.now()}
	r.mu.Lock()
	r.entries[key] = e
	r.mu.Unlock()
	log.Printf("[SESSION] Opened %s (%d fragments)", key, mem.Count())
	return e, nil
}

// GetOrCreate returns the session's live memory and turn log, restoring or
// creating the memory on first access.
func (r *Registry) GetOrCreate(ctx context.Context, key core.SessionKey) (*memory.VectorMemory, []core.ChatTurn, error) {
	unlock := r.lock(key)
	defer unlock()

	e, err := r.getOrCreateLocked(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return e.mem, copyTurns(e.turns), nil
}

// AppendTurn records a turn, assigns the next turn number, and embeds the
// rendered turn text into the session's memory.
//
// The turn is recorded even when embedding fails, so the conversation log
// stays consistent; the returned error then reports the lost fragments.
func (r *Registry) AppendTurn(ctx context.Context, key core.SessionKey, role, text, attachmentRef string) (int, error) {
	unlock := r.lock(key)
	defer unlock()

	e, err := r.getOrCreateLocked(ctx, key)
	if err != nil {
		return 0, err
	}

	now := r.now()
	turnNumber := len(e.turns) + 1
	e.turns = append(e.turns, core.ChatTurn{
		Role:          role,
		Text:          text,
		TurnNumber:    turnNumber,
		HasAttachment: attachmentRef != "",
		AttachmentRef: attachmentRef,
		Timestamp:     now,
	})
	r.touch(e)

	rendered := fmt.Sprintf("[%d] %s: %s", turnNumber, role, text)
	chunks := chunk.Split(rendered, r.chunkSize, r.chunkOverlap)
	fragments := make([]memory.NewFragment, len(chunks))
	for i, c := range chunks {
		fragments[i] = memory.NewFragment{
			Text:      c,
			Role:      role,
			Turn:      turnNumber,
			Timestamp: now,
		}
	}
	if err := e.mem.Add(ctx, fragments); err != nil {
		return turnNumber, fmt.Errorf("embed turn %d of %s: %w", turnNumber, key, err)
	}
	return turnNumber, nil
}

// History returns a copy of the session's turn log, or nil when the session
// is not live.
func (r *Registry) History(key core.SessionKey) []core.ChatTurn {
	unlock := r.lock(key)
	defer unlock()

	e := r.lookup(key)
	if e == nil {
		return nil
	}
	return copyTurns(e.turns)
}

// RecentContext renders the last nTurns*2 turns of the session as
// newline-joined "Role: text" lines, oldest first. Empty when the session
// has no recorded turns.
func (r *Registry) RecentContext(key core.SessionKey, nTurns int) string {
	unlock := r.lock(key)
	defer unlock()

	e := r.lookup(key)
	if e == nil || len(e.turns) == 0 {
		return ""
	}

	turns := e.turns
	if max := nTurns * 2; len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = fmt.Sprintf("%s: %s", title(t.Role), t.Text)
	}
	return strings.Join(lines, "\n")
}

// Close persists the session's memory to the remote archive and evicts it.
// This is the only path that guarantees durability. Returns ErrNotFound
// when the session is not live. On a failed persist the entry stays cached
// with all state intact so the close can be retried.
func (r *Registry) Close(ctx context.Context, key core.SessionKey) error {
	unlock := r.lock(key)
	defer unlock()

	e := r.lookup(key)
	if e == nil {
		return ErrNotFound
	}

	if err := e.mem.Close(ctx, true); err != nil {
		return fmt.Errorf("persist session %s: %w", key, err)
	}

	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
	log.Printf("[SESSION] Closed %s", key)
	return nil
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func copyTurns(turns []core.ChatTurn) []core.ChatTurn {
	out := make([]core.ChatTurn, len(turns))
	copy(out, turns)
	return out
}

func title(role string) string {
	if role == "" {
		return role
	}
	return strings.ToUpper(role[:1]) + role[1:]
}
