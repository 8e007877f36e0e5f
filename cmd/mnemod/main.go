// Command mnemod serves the conversational memory API.
//
// Configuration is environment-driven; a .env file in the working directory
// is loaded when present. With SUPABASE_URL and SUPABASE_KEY set, session
// archives and chat images go through Supabase Storage; otherwise a local
// filesystem store under DATA_DIR is used, which suits development only.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mnemo-labs/mnemo/archive"
	"github.com/mnemo-labs/mnemo/blob"
	"github.com/mnemo-labs/mnemo/blob/fsstore"
	"github.com/mnemo-labs/mnemo/blob/supabase"
	"github.com/mnemo-labs/mnemo/httpapi"
	"github.com/mnemo-labs/mnemo/llm"
	"github.com/mnemo-labs/mnemo/llm/anthropic"
	"github.com/mnemo-labs/mnemo/llm/openrouter"
	"github.com/mnemo-labs/mnemo/memory"
	"github.com/mnemo-labs/mnemo/memory/embedder/cached"
	"github.com/mnemo-labs/mnemo/memory/embedder/mock"
	"github.com/mnemo-labs/mnemo/memory/embedder/onnx"
	"github.com/mnemo-labs/mnemo/session"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Printf("[MAIN] Loaded .env")
	}

	dataDir := envOr("DATA_DIR", "data")

	store, err := newBlobStore(dataDir)
	if err != nil {
		log.Fatalf("[MAIN] Blob store: %v", err)
	}

	arch, err := archive.New(store, filepath.Join(dataDir, "sessions"))
	if err != nil {
		log.Fatalf("[MAIN] Archive adapter: %v", err)
	}

	embedder, err := newEmbedder()
	if err != nil {
		log.Fatalf("[MAIN] Embedder: %v", err)
	}

	registry := session.NewRegistry(arch, embedder)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	maxIdle := durationOr("SESSION_MAX_IDLE", session.DefaultMaxIdle)
	sweepInterval := durationOr("SWEEP_INTERVAL", 5*time.Minute)
	registry.StartSweeper(ctx, sweepInterval, maxIdle)

	server := &http.Server{
		Addr:              envOr("ADDR", ":5001"),
		Handler:           httpapi.New(registry, newGenerator(), store).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		// Persist whatever is still live before the process exits.
		if n := registry.Sweep(shutdownCtx, 0); n > 0 {
			log.Printf("[MAIN] Persisted %d live sessions on shutdown", n)
		}
	}()

	log.Printf("[MAIN] Listening on %s (max idle %s)", server.Addr, maxIdle)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[MAIN] Server: %v", err)
	}
}

// newBlobStore prefers Supabase Storage and falls back to local files.
func newBlobStore(dataDir string) (blob.Store, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_KEY")
	if url != "" && key != "" {
		bucket := envOr("SUPABASE_BUCKET", "chat_vectors")
		log.Printf("[MAIN] Using Supabase bucket %q", bucket)
		return supabase.New(url, key, bucket), nil
	}
	root := filepath.Join(dataDir, "blobs")
	log.Printf("[MAIN] SUPABASE_URL not set, storing blobs under %s", root)
	return fsstore.New(root)
}

// newEmbedder wires the local ONNX model when configured, a deterministic
// mock otherwise, and puts a read-through cache in front of either.
func newEmbedder() (memory.Embedder, error) {
	var inner memory.Embedder
	if modelPath := os.Getenv("ONNX_MODEL_PATH"); modelPath != "" {
		e, err := onnx.New(onnx.Config{
			ModelPath:     modelPath,
			TokenizerPath: os.Getenv("ONNX_TOKENIZER_PATH"),
			LibraryPath:   os.Getenv("ONNX_LIBRARY_PATH"),
		})
		if err != nil {
			return nil, err
		}
		inner = e
		log.Printf("[MAIN] Embedding with ONNX model %s", modelPath)
	} else {
		inner = mock.New()
		log.Printf("[MAIN] ONNX_MODEL_PATH not set, using hash embeddings (development only)")
	}
	return cached.New(inner, 0)
}

// newGenerator routes claude models to Anthropic when a key is configured;
// everything else goes through OpenRouter.
func newGenerator() llm.Generator {
	router := llm.NewRouter(openrouter.New(os.Getenv("OPENROUTER_API_KEY")))
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		router.Route("claude", anthropic.New(key))
	}
	return router
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("[MAIN] %s: %v", key, err)
	}
	return d
}
