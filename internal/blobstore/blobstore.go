// Package blobstore implements the content-addressed blob store (C9):
// boltdb-backed metadata keyed by blob key, with payloads stored on
// disk under a filesystem-safe encoding of the key and written
// atomically (temp file + fsync + rename).
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/braidfs/braidfs/internal/braiderr"
	"github.com/braidfs/braidfs/internal/wire"
)

var metaBucket = []byte("blob_meta")

// Meta is a blob's stored metadata.
type Meta struct {
	Key         string        `json:"key"`
	Version     []wire.Version `json:"version"`
	Parents     []wire.Version `json:"parents"`
	ContentType string        `json:"content_type"`
	ContentHash string        `json:"content_hash"`
	Size        int64         `json:"size"`
}

// Store is one blob store instance, rooted at dbPath.
type Store struct {
	mu     sync.Mutex
	dbPath string
	db     *bolt.DB
}

// Open opens (creating if necessary) a blob store rooted at dbPath.
// Payloads live under dbPath/{encoded_key}; metadata lives in
// dbPath/meta.db.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dbPath, "tmp"), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating blob store directories")
	}
	db, err := bolt.Open(filepath.Join(dbPath, "meta.db"), 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening blob metadata database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating blob metadata bucket")
	}
	return &Store{dbPath: dbPath, db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// encodeKey produces a filesystem-safe name for a blob key, mirroring
// the percent-encoding scheme used for URL->path mapping, applied
// here to arbitrary blob keys rather than full URLs.
func encodeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == '/':
			b.WriteByte('!')
		default:
			for _, bb := range []byte(string(r)) {
				b.WriteString("%")
				b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{bb})))
			}
		}
	}
	return b.String()
}

func (s *Store) payloadPath(key string) string {
	return filepath.Join(s.dbPath, encodeKey(key))
}

// compareVersions orders by the trailing sequence component, the
// substring after the last '-' in the version's string form, compared
// numerically where possible and by byte order otherwise, tie-broken
// by full byte order of the raw version string.
func compareVersions(a, b []wire.Version) int {
	as, bs := joinedTrailing(a), joinedTrailing(b)
	if as != bs {
		an, aerr := strconv.ParseInt(as, 10, 64)
		bn, berr := strconv.ParseInt(bs, 10, 64)
		if aerr != nil || berr != nil {
			return strings.Compare(as, bs)
		}
		if an < bn {
			return -1
		}
		if an > bn {
			return 1
		}
	}
	af, bf := joinVersions(a), joinVersions(b)
	return strings.Compare(af, bf)
}

func joinVersions(vs []wire.Version) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = string(v)
	}
	return strings.Join(parts, ",")
}

func joinedTrailing(vs []wire.Version) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = trailingSeq(v)
	}
	return strings.Join(parts, ",")
}

func trailingSeq(v wire.Version) string {
	s := string(v)
	if idx := strings.LastIndexByte(s, '-'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// Put atomically stores data under key if compare_versions(version,
// current) > 0. If not newer, it is a no-op that returns the current
// stored version.
func (s *Store) Put(key string, data []byte, version, parents []wire.Version, contentType string) ([]wire.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var m Meta
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		current = &m
		return nil
	})
	if err != nil {
		return nil, braiderr.Wrap(braiderr.KindIO, "META_READ", "reading blob metadata", err)
	}
	if current != nil && compareVersions(version, current.Version) <= 0 {
		return current.Version, nil
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	tmpPath := filepath.Join(s.dbPath, "tmp", "tmp_"+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, braiderr.Wrap(braiderr.KindIO, "WRITE_TMP", "creating temp blob file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, braiderr.Wrap(braiderr.KindIO, "WRITE_TMP", "writing temp blob file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, braiderr.Wrap(braiderr.KindIO, "WRITE_TMP", "fsyncing temp blob file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, braiderr.Wrap(braiderr.KindIO, "WRITE_TMP", "closing temp blob file", err)
	}
	dest := s.payloadPath(key)
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return nil, braiderr.Wrap(braiderr.KindIO, "RENAME", "renaming blob into place", err)
	}

	meta := Meta{
		Key:         key,
		Version:     version,
		Parents:     parents,
		ContentType: contentType,
		ContentHash: hash,
		Size:        int64(len(data)),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling blob metadata")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte(key), raw)
	})
	if err != nil {
		return nil, braiderr.Wrap(braiderr.KindIO, "META_WRITE", "writing blob metadata", err)
	}
	return version, nil
}

// Get returns the blob's payload and metadata, re-verifying the
// stored content hash against a fresh SHA-256 of the bytes on disk.
func (s *Store) Get(key string) ([]byte, *Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.getMetaLocked(key)
	if err != nil {
		return nil, nil, err
	}
	if meta == nil {
		return nil, nil, nil
	}
	data, err := os.ReadFile(s.payloadPath(key))
	if err != nil {
		return nil, nil, braiderr.Wrap(braiderr.KindIO, "READ", "reading blob payload", err)
	}
	if meta.ContentHash != "" {
		sum := sha256.Sum256(data)
		got := hex.EncodeToString(sum[:])
		if got != meta.ContentHash {
			return nil, nil, braiderr.IntegrityMismatch(key, meta.ContentHash, got)
		}
	}
	return data, meta, nil
}

// GetMeta returns only the metadata, without touching the payload
// file.
func (s *Store) GetMeta(key string) (*Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getMetaLocked(key)
}

func (s *Store) getMetaLocked(key string) (*Meta, error) {
	var meta *Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var m Meta
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		meta = &m
		return nil
	})
	if err != nil {
		return nil, braiderr.Wrap(braiderr.KindIO, "META_READ", "reading blob metadata", err)
	}
	return meta, nil
}

// Delete removes both the metadata entry and the payload file.
// Deletion is always explicit; blobs are never implicitly evicted.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Delete([]byte(key))
	})
	if err != nil {
		return braiderr.Wrap(braiderr.KindIO, "META_DELETE", "deleting blob metadata", err)
	}
	if err := os.Remove(s.payloadPath(key)); err != nil && !os.IsNotExist(err) {
		return braiderr.Wrap(braiderr.KindIO, "PAYLOAD_DELETE", "deleting blob payload", err)
	}
	return nil
}

// ListKeys returns every key currently stored.
func (s *Store) ListKeys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, braiderr.Wrap(braiderr.KindIO, "LIST", "listing blob keys", err)
	}
	return keys, nil
}
