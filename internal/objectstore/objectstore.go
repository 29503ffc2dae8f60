// Package objectstore implements the blob half of capability C3: a
// key-addressed store with atomic put/get/delete/list, backed by a
// plain directory tree under a configured bucket root. Keys map
// directly onto relative file paths (e.g. "runs/{run-id}/digest.json"),
// matching the deterministic key layout spec.md §6 requires for
// artifacts, digests, and the accounts configuration file.
package objectstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/nugget/contentdigest/internal/errkind"
)

// ErrNotFound is returned by Get and Delete when the key does not exist.
var ErrNotFound = errors.New("objectstore: key not found")

// meta is the sidecar metadata persisted alongside every blob, used to
// answer ContentType queries and to give List callers an integrity
// checksum without re-reading the blob.
type meta struct {
	ContentType string `json:"content_type"`
	Checksum    string `json:"checksum_blake2b"`
	Size        int64  `json:"size"`
}

// Store is a directory-backed Object Store rooted at Bucket.
type Store struct {
	root string
}

// Open creates (if necessary) and returns a Store rooted at bucketDir.
func Open(bucketDir string) (*Store, error) {
	if bucketDir == "" {
		return nil, fmt.Errorf("objectstore: %w: bucket directory is empty", errkind.ConfigurationError)
	}
	if err := os.MkdirAll(bucketDir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create bucket dir: %w", err)
	}
	return &Store{root: bucketDir}, nil
}

// Entry describes one object returned by List.
type Entry struct {
	Key         string
	ContentType string
	Size        int64
	Checksum    string
}

func (s *Store) paths(key string) (blobPath, metaPath string, err error) {
	clean := filepath.Clean("/" + key)[1:]
	if clean == "" || clean == "." || strings.Contains(clean, "..") {
		return "", "", fmt.Errorf("objectstore: invalid key %q", key)
	}
	blobPath = filepath.Join(s.root, clean)
	metaPath = blobPath + ".meta.json"
	return blobPath, metaPath, nil
}

// Put writes bytes under key with the given content type. The write is
// atomic at key granularity: data lands in a temp file in the same
// directory and is renamed into place only after a full, successful
// write, so concurrent readers never observe a partial object.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	blobPath, metaPath, err := s.paths(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return fmt.Errorf("objectstore: create parent dir for %q: %w", key, err)
	}

	sum := blake2b.Sum256(data)
	m := meta{ContentType: contentType, Checksum: hex.EncodeToString(sum[:]), Size: int64(len(data))}
	metaBytes, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("objectstore: marshal metadata for %q: %w", key, err)
	}

	if err := atomicWrite(blobPath, data); err != nil {
		return fmt.Errorf("objectstore: write %q: %w", key, err)
	}
	if err := atomicWrite(metaPath, metaBytes); err != nil {
		return fmt.Errorf("objectstore: write metadata for %q: %w", key, err)
	}
	return nil
}

// atomicWrite writes data to a randomly named temp file beside path,
// then renames it into place.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Get returns the bytes stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	blobPath, _, err := s.paths(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(blobPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("objectstore: get %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %q: %w", key, err)
	}
	return data, nil
}

// Delete removes the object stored under key. Deleting a missing key
// returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, key string) error {
	blobPath, metaPath, err := s.paths(key)
	if err != nil {
		return err
	}
	if err := os.Remove(blobPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("objectstore: delete %q: %w", key, ErrNotFound)
		}
		return fmt.Errorf("objectstore: delete %q: %w", key, err)
	}
	_ = os.Remove(metaPath)
	return nil
}

// List returns every object whose key begins with prefix, in sorted
// key order.
func (s *Store) List(ctx context.Context, prefix string) ([]Entry, error) {
	prefixPath, _, err := s.paths(prefix)
	if err != nil && prefix != "" {
		return nil, err
	}
	walkRoot := s.root
	if prefix != "" {
		walkRoot = filepath.Dir(prefixPath)
	}

	var entries []Entry
	err = filepath.WalkDir(walkRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".meta.json") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		entry := Entry{Key: key}
		if mb, err := os.ReadFile(path + ".meta.json"); err == nil {
			var m meta
			if json.Unmarshal(mb, &m) == nil {
				entry.ContentType = m.ContentType
				entry.Checksum = m.Checksum
				entry.Size = m.Size
			}
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: list %q: %w", prefix, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// randomSuffix is retained for callers that need a collision-resistant
// path component (e.g. screenshot filenames) without reading random
// bytes directly.
func randomSuffix() (string, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RandomSuffix exposes randomSuffix for callers outside the package.
func RandomSuffix() (string, error) { return randomSuffix() }
