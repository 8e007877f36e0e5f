package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mnemo-labs/mnemo/archive"
	"github.com/mnemo-labs/mnemo/blob"
	"github.com/mnemo-labs/mnemo/blob/fsstore"
	"github.com/mnemo-labs/mnemo/memory/embedder/mock"
	"github.com/mnemo-labs/mnemo/session"
)

type fakeGenerator struct {
	answer      string
	insight     string
	generateErr error
	describeErr error
}

func (f *fakeGenerator) Generate(context.Context, string, string, float64) (string, error) {
	return f.answer, f.generateErr
}

func (f *fakeGenerator) Describe(context.Context, string, string, []byte) (string, error) {
	return f.insight, f.describeErr
}

func newTestServer(t *testing.T, gen *fakeGenerator, images blob.Store) (*Server, *session.Registry) {
	t.Helper()
	store, err := fsstore.New(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	arch, err := archive.New(store, filepath.Join(t.TempDir(), "work"))
	if err != nil {
		t.Fatal(err)
	}
	registry := session.NewRegistry(arch, mock.New())
	return New(registry, gen, images), registry
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestChatMissingFields(t *testing.T) {
	srv, registry := newTestServer(t, &fakeGenerator{}, nil)
	h := srv.Handler()

	rec := post(t, h, "/chat", map[string]string{
		"user_id": "alice", "chat_id": "c1", "model_name": "m",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if registry.Len() != 0 {
		t.Error("rejected request created session state")
	}
}

func TestChatAnswersAndRecordsBothTurns(t *testing.T) {
	srv, registry := newTestServer(t, &fakeGenerator{answer: "blue, you said so"}, nil)
	h := srv.Handler()

	rec := post(t, h, "/chat", map[string]string{
		"user_id": "alice", "chat_id": "c1", "model_name": "m",
		"question": "what is my favorite color?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decode[chatResponse](t, rec)
	if resp.Response != "blue, you said so" {
		t.Errorf("response = %q", resp.Response)
	}
	if len(resp.History) != 2 {
		t.Fatalf("history has %d turns, want 2", len(resp.History))
	}
	if resp.History[0].Role != "user" || resp.History[1].Role != "assistant" {
		t.Errorf("history roles = %s, %s", resp.History[0].Role, resp.History[1].Role)
	}
	if registry.Len() != 1 {
		t.Errorf("registry holds %d sessions, want 1", registry.Len())
	}
}

func TestChatGenerationFailureDegrades(t *testing.T) {
	gen := &fakeGenerator{generateErr: errors.New("upstream timeout")}
	srv, _ := newTestServer(t, gen, nil)

	rec := post(t, srv.Handler(), "/chat", map[string]string{
		"user_id": "alice", "chat_id": "c1", "model_name": "m",
		"question": "hello?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with degraded answer", rec.Code)
	}

	resp := decode[chatResponse](t, rec)
	if resp.Response != DegradedAnswer {
		t.Errorf("response = %q, want degraded answer", resp.Response)
	}
	// The failed exchange is still part of the conversation record.
	if len(resp.History) != 2 {
		t.Fatalf("history has %d turns, want 2", len(resp.History))
	}
	if resp.History[1].Text != DegradedAnswer {
		t.Errorf("assistant turn = %q", resp.History[1].Text)
	}
}

func TestChatWithImage(t *testing.T) {
	images, err := fsstore.New(filepath.Join(t.TempDir(), "images"))
	if err != nil {
		t.Fatal(err)
	}
	if err := images.Upload(context.Background(), "diagram.png", []byte("png bytes")); err != nil {
		t.Fatal(err)
	}

	gen := &fakeGenerator{answer: "see below", insight: "a wiring diagram"}
	srv, _ := newTestServer(t, gen, images)

	rec := post(t, srv.Handler(), "/chat", map[string]string{
		"user_id": "alice", "chat_id": "c1", "model_name": "m",
		"question": "what is this?", "image_name": "diagram.png",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decode[chatResponse](t, rec)
	if !strings.HasSuffix(resp.Response, "Visual Insight: a wiring diagram") {
		t.Errorf("response missing visual insight: %q", resp.Response)
	}
	if !strings.Contains(resp.History[0].Text, "[Attached Image: diagram.png]") {
		t.Errorf("user turn missing attachment marker: %q", resp.History[0].Text)
	}
	if !resp.History[0].HasAttachment || resp.History[0].AttachmentRef != "diagram.png" {
		t.Errorf("user turn attachment fields = %+v", resp.History[0])
	}
}

func TestChatMissingImageDegradesToText(t *testing.T) {
	images, err := fsstore.New(filepath.Join(t.TempDir(), "images"))
	if err != nil {
		t.Fatal(err)
	}

	gen := &fakeGenerator{answer: "text only"}
	srv, _ := newTestServer(t, gen, images)

	rec := post(t, srv.Handler(), "/chat", map[string]string{
		"user_id": "alice", "chat_id": "c1", "model_name": "m",
		"question": "what is this?", "image_name": "missing.png",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	resp := decode[chatResponse](t, rec)
	if resp.Response != "text only" {
		t.Errorf("response = %q", resp.Response)
	}
	if resp.History[0].HasAttachment {
		t.Error("turn marked as having an attachment despite failed download")
	}
}

func TestCloseChat(t *testing.T) {
	srv, registry := newTestServer(t, &fakeGenerator{answer: "ok"}, nil)
	h := srv.Handler()

	rec := post(t, h, "/close_chat", map[string]string{"user_id": "alice", "chat_id": "c1"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("close of unknown session: status = %d, want 404", rec.Code)
	}

	post(t, h, "/chat", map[string]string{
		"user_id": "alice", "chat_id": "c1", "model_name": "m", "question": "hi",
	})

	rec = post(t, h, "/close_chat", map[string]string{"user_id": "alice", "chat_id": "c1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]string](t, rec)["status"]; got != "uploaded" {
		t.Errorf("status field = %q, want uploaded", got)
	}
	if registry.Len() != 0 {
		t.Error("session still live after close")
	}
}

func TestMergeChats(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGenerator{answer: "ok"}, nil)
	h := srv.Handler()

	for _, chat := range []string{"a", "b"} {
		post(t, h, "/chat", map[string]string{
			"user_id": "alice", "chat_id": chat, "model_name": "m", "question": "hi",
		})
		post(t, h, "/close_chat", map[string]string{"user_id": "alice", "chat_id": chat})
	}

	rec := post(t, h, "/merge_chats", map[string]any{
		"user_id": "alice", "chat_ids": []string{"a", "b"}, "new_chat_id": "ab",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decode[mergeChatsResponse](t, rec)
	if resp.Status != "merged" || resp.NewChatID != "ab" {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Merged) != 2 || len(resp.Skipped) != 0 {
		t.Errorf("merged = %v, skipped = %v", resp.Merged, resp.Skipped)
	}

	// The merged session answers from the combined memory.
	rec = post(t, h, "/chat", map[string]string{
		"user_id": "alice", "chat_id": "ab", "model_name": "m", "question": "hi again",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat on merged session: status = %d", rec.Code)
	}
}

func TestMergeChatsValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeGenerator{}, nil)

	rec := post(t, srv.Handler(), "/merge_chats", map[string]any{
		"user_id": "alice", "chat_ids": []string{}, "new_chat_id": "ab",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
