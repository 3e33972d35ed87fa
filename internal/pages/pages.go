// Package pages implements the JSON-backed per-resource page store
// (C12): one file per resource holding its rendered content, head
// set, and full version graph, serialized atomically via
// temp-file-then-rename.
package pages

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/braidfs/braidfs/internal/braiderr"
	"github.com/braidfs/braidfs/internal/wire"
)

// Page is the on-disk schema for one resource.
type Page struct {
	Content      string                      `json:"content"`
	Heads        []wire.Version              `json:"heads"`
	VersionGraph map[wire.Version][]wire.Version `json:"version_graph"`
	MergeType    string                      `json:"merge_type"`
	MergeState   json.RawMessage             `json:"merge_state,omitempty"`
	CreatedAt    time.Time                   `json:"created_at"`
	ModifiedAt   time.Time                   `json:"modified_at"`
}

// Store manages Page files under root, one JSON file per resource key.
type Store struct {
	mu   sync.Mutex
	root string
}

// Open ensures root exists and returns a Store rooted there.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating pages store root")
	}
	return &Store{root: root}, nil
}

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.root, encodeFilename(key)+".json")
}

func encodeFilename(key string) string {
	var b []byte
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b = append(b, c)
		case c == '/':
			b = append(b, '!')
		default:
			b = append(b, '%')
			const hexd = "0123456789ABCDEF"
			b = append(b, hexd[c>>4], hexd[c&0xf])
		}
	}
	return string(b)
}

// Load reads a page by key. Returns (nil, nil) if it does not exist.
func (s *Store) Load(key string) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(key)
}

func (s *Store) loadLocked(key string) (*Page, error) {
	raw, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, braiderr.Wrap(braiderr.KindIO, "PAGE_READ", "reading page file", err)
	}
	var p Page
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, braiderr.Wrap(braiderr.KindProtocol, "PAGE_DECODE", "decoding page file", err)
	}
	return &p, nil
}

// IsValidParent reports whether parent is either the distinguished
// root marker ("" or "ROOT") or already present in the version
// graph.
func IsValidParent(p *Page, parent wire.Version) bool {
	if parent == "" || parent == "ROOT" {
		return true
	}
	if p == nil {
		return false
	}
	_, ok := p.VersionGraph[parent]
	return ok
}

// Put validates parents, inserts the new version into the graph, sets
// heads to [newVersion], updates content and modified_at, and writes
// the page atomically. A parent not present in the graph (and not the
// root marker) is rejected with a 409-class causal error.
func (s *Store) Put(key string, content string, newVersion wire.Version, parents []wire.Version, mergeType string) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.loadLocked(key)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if p == nil {
		p = &Page{
			VersionGraph: map[wire.Version][]wire.Version{},
			MergeType:    mergeType,
			CreatedAt:    now,
		}
	}
	for _, parent := range parents {
		if !IsValidParent(p, parent) {
			return nil, braiderr.UnknownParent(string(parent))
		}
	}

	p.VersionGraph[newVersion] = append([]wire.Version(nil), parents...)
	p.Heads = []wire.Version{newVersion}
	p.Content = content
	p.ModifiedAt = now
	if mergeType != "" {
		p.MergeType = mergeType
	}

	if err := s.writeLocked(key, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) writeLocked(key string, p *Page) error {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshalling page")
	}
	dest := s.pathFor(key)
	tmp := filepath.Join(filepath.Dir(dest), ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return braiderr.Wrap(braiderr.KindIO, "PAGE_WRITE_TMP", "creating temp page file", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return braiderr.Wrap(braiderr.KindIO, "PAGE_WRITE_TMP", "writing temp page file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return braiderr.Wrap(braiderr.KindIO, "PAGE_WRITE_TMP", "fsyncing temp page file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return braiderr.Wrap(braiderr.KindIO, "PAGE_WRITE_TMP", "closing temp page file", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return braiderr.Wrap(braiderr.KindIO, "PAGE_RENAME", "renaming page file into place", err)
	}
	return nil
}

// SetMergeState persists an opaque merge-type-specific snapshot (used
// by diamond to avoid replaying the whole CRDT history on load).
func (s *Store) SetMergeState(key string, state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.loadLocked(key)
	if err != nil {
		return err
	}
	if p == nil {
		return braiderr.New(braiderr.KindIO, "PAGE_NOT_FOUND", "no page to attach merge state to")
	}
	p.MergeState = state
	return s.writeLocked(key, p)
}
