package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/braidfs/braidfs/internal/braiderr"
)

// VersionStore persists {root}/.braidfs/versions.json: the current and
// parent versions known for each synced URL, write-locked with fsync
// on every update.
type VersionStore struct {
	mu    sync.Mutex
	path  string
	byURL map[string]FileVersion
}

// OpenVersionStore loads or creates versions.json under root.
func OpenVersionStore(root string) (*VersionStore, error) {
	path := filepath.Join(root, ".braidfs", "versions.json")
	vs := &VersionStore{path: path, byURL: map[string]FileVersion{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return vs, nil
		}
		return nil, errors.Wrap(err, "reading versions.json")
	}
	if err := json.Unmarshal(raw, &vs.byURL); err != nil {
		return nil, braiderr.Wrap(braiderr.KindProtocol, "BAD_VERSIONS", "parsing versions.json", err)
	}
	return vs, nil
}

// Get returns the stored version info for url, if any.
func (vs *VersionStore) Get(url string) (FileVersion, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	fv, ok := vs.byURL[url]
	return fv, ok
}

// Set records fv for url and persists immediately.
func (vs *VersionStore) Set(url string, fv FileVersion) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.byURL[url] = fv
	return vs.saveLocked()
}

func (vs *VersionStore) saveLocked() error {
	data, err := json.MarshalIndent(vs.byURL, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling versions.json")
	}
	return AtomicWrite(vs.path, data)
}
