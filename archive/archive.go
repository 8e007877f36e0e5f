// Package archive moves session memory directories to and from the remote
// blob store as single zip snapshots.
//
// One archive exists per session key at any time; uploads replace the prior
// snapshot. Absence of an archive is not an error: it means the session has
// never been persisted and should start empty.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/mnemo-labs/mnemo/blob"
	"github.com/mnemo-labs/mnemo/core"
)

// Adapter serializes local memory directories to archive blobs and back.
type Adapter struct {
	store   blob.Store
	workDir string
}

// New returns an adapter that extracts archives under workDir.
func New(store blob.Store, workDir string) (*Adapter, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive work dir: %w", err)
	}
	return &Adapter{store: store, workDir: workDir}, nil
}

// ObjectKey is the remote blob key for a session's archive.
func ObjectKey(key core.SessionKey) string {
	return fmt.Sprintf("%s_%s_chat_memory.zip", key.UserID, key.ChatID)
}

// LocalDir is the local extraction directory for a session. Identifiers are
// sanitized and suffixed with a hash of the raw key, so hostile IDs cannot
// traverse paths and sanitized collisions stay distinct.
func (a *Adapter) LocalDir(key core.SessionKey) string {
	h := fnv.New32a()
	h.Write([]byte(key.UserID))
	h.Write([]byte{0})
	h.Write([]byte(key.ChatID))
	name := fmt.Sprintf("vector_store_%s_%s_%08x", sanitize(key.UserID), sanitize(key.ChatID), h.Sum32())
	return filepath.Join(a.workDir, name)
}

// NewDir creates a fresh, empty local directory for a session, discarding
// any leftover extraction from a previous run.
func (a *Adapter) NewDir(key core.SessionKey) (string, error) {
	dir := a.LocalDir(key)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear local dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create local dir: %w", err)
	}
	return dir, nil
}

// Restore downloads the session's archive and extracts it into a fresh
// local directory, returning the directory path. Returns blob.ErrNotFound
// (wrapped) when no archive exists for the session.
func (a *Adapter) Restore(ctx context.Context, key core.SessionKey) (string, error) {
	data, err := a.store.Download(ctx, ObjectKey(key))
	if err != nil {
		return "", fmt.Errorf("download archive for %s: %w", key, err)
	}

	dir, err := a.NewDir(key)
	if err != nil {
		return "", err
	}
	if err := extract(data, dir); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("extract archive for %s: %w", key, err)
	}
	log.Printf("[ARCHIVE] Restored %s into %s", ObjectKey(key), dir)
	return dir, nil
}

// Persist zips dir and uploads it with upsert semantics. On success the
// local directory and the zip are deleted to bound disk usage. On failure
// both are kept so a retry does not lose data.
func (a *Adapter) Persist(ctx context.Context, key core.SessionKey, dir string) error {
	zipPath := dir + ".zip"
	if err := pack(dir, zipPath); err != nil {
		return fmt.Errorf("pack archive for %s: %w", key, err)
	}

	data, err := os.ReadFile(zipPath)
	if err != nil {
		return fmt.Errorf("read archive for %s: %w", key, err)
	}
	if err := a.store.Upload(ctx, ObjectKey(key), data); err != nil {
		return fmt.Errorf("upload archive for %s: %w", key, err)
	}

	log.Printf("[ARCHIVE] Uploaded %s (%d bytes)", ObjectKey(key), len(data))
	os.RemoveAll(dir)
	os.Remove(zipPath)
	return nil
}

// pack writes all regular files under dir into a zip at zipPath. The zip is
// written to a temp file and renamed so a partial write never looks like a
// complete archive.
func pack(dir, zipPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(zipPath), ".pack-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	zw := zip.NewWriter(tmp)
	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if walkErr == nil {
		walkErr = zw.Close()
	} else {
		zw.Close()
	}
	if cerr := tmp.Close(); walkErr == nil {
		walkErr = cerr
	}
	if walkErr != nil {
		os.Remove(tmpName)
		return walkErr
	}
	return os.Rename(tmpName, zipPath)
}

// extract unzips archive data into dir, rejecting entries that would land
// outside it.
func extract(data []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		dst := filepath.Join(dir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(dst, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes extraction dir: %q", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(dst)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// sanitize keeps identifier characters safe for filesystem use.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}
