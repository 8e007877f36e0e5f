package memory_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mnemo-labs/mnemo/archive"
	"github.com/mnemo-labs/mnemo/blob/fsstore"
	"github.com/mnemo-labs/mnemo/core"
	"github.com/mnemo-labs/mnemo/memory"
	"github.com/mnemo-labs/mnemo/memory/embedder/mock"
)

func newAdapter(t *testing.T) *archive.Adapter {
	t.Helper()
	store, err := fsstore.New(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("fsstore.New: %v", err)
	}
	a, err := archive.New(store, filepath.Join(t.TempDir(), "work"))
	if err != nil {
		t.Fatalf("archive.New: %v", err)
	}
	return a
}

func TestOpenEmptyAddQuery(t *testing.T) {
	ctx := context.Background()
	arch := newAdapter(t)
	key := core.SessionKey{UserID: "u1", ChatID: "c1"}

	m, err := memory.Open(ctx, key, arch, mock.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if m.Count() != 0 {
		t.Fatalf("fresh memory should be empty, got %d fragments", m.Count())
	}

	err = m.Add(ctx, []memory.NewFragment{
		{Text: "[1] user: hello", Role: core.RoleUser, Turn: 1, Timestamp: time.Unix(100, 0).UTC()},
		{Text: "[2] assistant: completely unrelated reply", Role: core.RoleAssistant, Turn: 2, Timestamp: time.Unix(101, 0).UTC()},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// The mock embedder maps identical text to identical vectors, so the
	// exact fragment must rank first.
	got, err := m.Query(ctx, "[1] user: hello", 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	if got[0].Turn != 1 {
		t.Errorf("expected fragment from turn 1, got turn %d", got[0].Turn)
	}
}

func TestQueryClampsK(t *testing.T) {
	ctx := context.Background()
	key := core.SessionKey{UserID: "u1", ChatID: "c1"}

	m, err := memory.Open(ctx, key, newAdapter(t), mock.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = m.Add(ctx, []memory.NewFragment{
		{Text: "one", Role: core.RoleUser, Turn: 1},
		{Text: "two", Role: core.RoleAssistant, Turn: 2},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := m.Query(ctx, "anything", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected all 2 fragments when k exceeds count, got %d", len(got))
	}

	if _, err := m.Query(ctx, "anything", 0); err == nil {
		t.Error("expected error for non-positive k")
	}
}

func TestQueryEmptyStore(t *testing.T) {
	ctx := context.Background()
	key := core.SessionKey{UserID: "u1", ChatID: "c1"}

	m, err := memory.Open(ctx, key, newAdapter(t), mock.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := m.Query(ctx, "anything", 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got != nil {
		t.Errorf("expected no results from empty store, got %v", got)
	}
}

func TestCloseRoundTrip(t *testing.T) {
	ctx := context.Background()
	arch := newAdapter(t)
	key := core.SessionKey{UserID: "u1", ChatID: "c1"}

	m, err := memory.Open(ctx, key, arch, mock.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = m.Add(ctx, []memory.NewFragment{
		{Text: "[1] user: hello", Role: core.RoleUser, Turn: 1, Timestamp: time.Unix(100, 0).UTC()},
		{Text: "[2] assistant: hi there", Role: core.RoleAssistant, Turn: 2, Timestamp: time.Unix(101, 0).UTC()},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	before := m.Export()
	if err := m.Close(ctx, true); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := memory.Open(ctx, key, arch, mock.New())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	after := reopened.Export()

	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("round trip changed fragments (-before +after):\n%s", diff)
	}

	// The restored index must still answer queries.
	got, err := reopened.Query(ctx, "[1] user: hello", 1)
	if err != nil {
		t.Fatalf("Query after reopen: %v", err)
	}
	if len(got) != 1 || got[0].Turn != 1 {
		t.Errorf("expected turn-1 fragment after reopen, got %+v", got)
	}
}

func TestUseAfterClose(t *testing.T) {
	ctx := context.Background()
	key := core.SessionKey{UserID: "u1", ChatID: "c1"}

	m, err := memory.Open(ctx, key, newAdapter(t), mock.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Close(ctx, false); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := m.Add(ctx, []memory.NewFragment{{Text: "x", Role: core.RoleUser, Turn: 1}}); err == nil {
		t.Error("Add after Close should fail")
	}
	if _, err := m.Query(ctx, "x", 1); err == nil {
		t.Error("Query after Close should fail")
	}
}

// gatedEmbedder blocks one Embed call mid-flight so tests can interleave
// another operation at a precise point.
type gatedEmbedder struct {
	inner   memory.Embedder
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedEmbedder() *gatedEmbedder {
	return &gatedEmbedder{
		inner:   mock.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (e *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.armed.CompareAndSwap(true, false) {
		close(e.entered)
		<-e.release
	}
	return e.inner.Embed(ctx, text)
}

func (e *gatedEmbedder) Dimensions() int { return e.inner.Dimensions() }

func TestQueryConcurrentWithClose(t *testing.T) {
	ctx := context.Background()
	key := core.SessionKey{UserID: "u1", ChatID: "c1"}
	embedder := newGatedEmbedder()

	m, err := memory.Open(ctx, key, newAdapter(t), embedder)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = m.Add(ctx, []memory.NewFragment{{Text: "hello", Role: core.RoleUser, Turn: 1}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Park the query inside its embedding call, after it has passed the
	// closed check, then close the memory underneath it.
	embedder.armed.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := m.Query(ctx, "hello", 1)
		done <- err
	}()

	<-embedder.entered
	if err := m.Close(ctx, false); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(embedder.release)

	if err := <-done; !errors.Is(err, memory.ErrClosed) {
		t.Fatalf("Query racing Close returned %v, want ErrClosed", err)
	}
}

func TestOpenCorruptManifestCleansUp(t *testing.T) {
	ctx := context.Background()
	arch := newAdapter(t)
	key := core.SessionKey{UserID: "u1", ChatID: "c1"}

	// Archive a snapshot whose manifest does not decode.
	dir, err := arch.NewDir(key)
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "fragments.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := arch.Persist(ctx, key, dir); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if _, err := memory.Open(ctx, key, arch, mock.New()); err == nil {
		t.Fatal("Open succeeded despite corrupt manifest")
	}
	if _, err := os.Stat(arch.LocalDir(key)); !os.IsNotExist(err) {
		t.Errorf("extracted dir left behind after failed open: stat err = %v", err)
	}
}

func TestExportPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	key := core.SessionKey{UserID: "u1", ChatID: "c1"}

	m, err := memory.Open(ctx, key, newAdapter(t), mock.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	texts := []string{"first", "second", "third"}
	for i, text := range texts {
		err := m.Add(ctx, []memory.NewFragment{{Text: text, Role: core.RoleUser, Turn: i + 1}})
		if err != nil {
			t.Fatalf("Add %q: %v", text, err)
		}
	}

	exported := m.Export()
	if len(exported) != len(texts) {
		t.Fatalf("expected %d fragments, got %d", len(texts), len(exported))
	}
	for i, f := range exported {
		if f.Text != texts[i] {
			t.Errorf("fragment %d: expected %q, got %q", i, texts[i], f.Text)
		}
		if f.Seq != i {
			t.Errorf("fragment %d: expected seq %d, got %d", i, i, f.Seq)
		}
	}
}
