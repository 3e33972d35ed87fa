// Package daemon implements the file↔resource sync daemon (C10): a
// bidirectional mirror between a local filesystem tree and a
// configured set of remote Braid resources, with echo suppression,
// atomic writes, and LWW-vs-patch reconciliation on push.
//
// Everything under {root}/.braidfs/ is written with the same
// write-temp, fsync, rename discipline the payload files use.
package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/braidfs/braidfs/internal/braiderr"
)

// Cookie is a session credential for a domain.
type Cookie struct {
	Domain string `json:"domain"`
	Value  string `json:"value"`
}

// Config is the on-disk daemon configuration
// (.braidfs/config.json).
type Config struct {
	Sync            map[string]bool   `json:"sync"`
	Cookies         map[string]Cookie `json:"cookies"`
	Identities      map[string]string `json:"identities"`
	PeerID          string            `json:"peer_id"`
	Port            int               `json:"port"`
	DebounceMS      int               `json:"debounce_ms"`
	IgnorePatterns  []string          `json:"ignore_patterns"`
}

// FileVersion is the persisted current/parent version pair for one
// synced URL.
type FileVersion struct {
	CurrentVersion []string `json:"current_version"`
	Parents        []string `json:"parents"`
}

// knownDeadURLs are compiled in and purged from the sync map whenever
// an existing config.json is loaded. The ignore_patterns field is
// stored in the config but is not read by the watcher or sync loops.
var knownDeadURLs = []string{
	"https://braid.org/dead-example-1",
}

func defaultConfig(peerID string, port int) *Config {
	return &Config{
		Sync:           map[string]bool{},
		Cookies:        map[string]Cookie{},
		Identities:     map[string]string{},
		PeerID:         peerID,
		Port:           port,
		DebounceMS:     100,
		IgnorePatterns: []string{".git", ".braidfs", "*.tmp"},
	}
}

// ConfigStore guards the on-disk config.json with a mutex and persists
// every mutation via write-temp-then-rename.
type ConfigStore struct {
	mu   sync.Mutex
	path string
	cfg  *Config
}

// LoadOrInitConfig loads {root}/.braidfs/config.json and purges
// knownDeadURLs from its sync map, or creates and saves a fresh
// default config if the file is absent.
func LoadOrInitConfig(root, peerID string, port int) (*ConfigStore, error) {
	dir := filepath.Join(root, ".braidfs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating .braidfs directory")
	}
	path := filepath.Join(dir, "config.json")

	cs := &ConfigStore{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "reading config.json")
		}
		cs.cfg = defaultConfig(peerID, port)
		if err := cs.saveLocked(); err != nil {
			return nil, err
		}
		return cs, nil
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, braiderr.Wrap(braiderr.KindProtocol, "BAD_CONFIG", "parsing config.json", err)
	}
	for _, dead := range knownDeadURLs {
		delete(cfg.Sync, dead)
	}
	cs.cfg = &cfg
	return cs, nil
}

// Snapshot returns a deep-enough copy of the current config for
// read-only inspection (e.g. the /.braidfs/config control endpoint).
func (cs *ConfigStore) Snapshot() Config {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cp := *cs.cfg
	cp.Sync = cloneBoolMap(cs.cfg.Sync)
	cp.Cookies = cloneCookieMap(cs.cfg.Cookies)
	cp.Identities = cloneStringMap(cs.cfg.Identities)
	return cp
}

// SetSync enables or disables a URL's sync entry and persists.
func (cs *ConfigStore) SetSync(url string, enabled bool) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if enabled {
		cs.cfg.Sync[url] = true
	} else {
		delete(cs.cfg.Sync, url)
	}
	return cs.saveLocked()
}

// SetCookie records a cookie for domain and persists.
func (cs *ConfigStore) SetCookie(domain, value string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.cfg.Cookies[domain] = Cookie{Domain: domain, Value: value}
	return cs.saveLocked()
}

// SetIdentity records an email identity for domain and persists.
func (cs *ConfigStore) SetIdentity(domain, email string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.cfg.Identities[domain] = email
	return cs.saveLocked()
}

// CookieFor returns the cookie value configured for a URL's host, if any.
func (cs *ConfigStore) CookieFor(domain string) (string, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.cfg.Cookies[domain]
	return c.Value, ok
}

// EnabledURLs returns every URL currently marked for sync.
func (cs *ConfigStore) EnabledURLs() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	urls := make([]string, 0, len(cs.cfg.Sync))
	for u, on := range cs.cfg.Sync {
		if on {
			urls = append(urls, u)
		}
	}
	return urls
}

func (cs *ConfigStore) PeerID() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.cfg.PeerID
}

func (cs *ConfigStore) DebounceDuration() time.Duration {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return time.Duration(cs.cfg.DebounceMS) * time.Millisecond
}

func (cs *ConfigStore) saveLocked() error {
	return atomicWriteJSON(cs.path, cs.cfg)
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneCookieMap(m map[string]Cookie) map[string]Cookie {
	out := make(map[string]Cookie, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// atomicWriteJSON marshals v and writes it to path via a sibling
// temp file, fsync, and rename.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling json")
	}
	return AtomicWrite(path, data)
}

// AtomicWrite writes data to path via write-temp, fsync, rename, so
// editors holding the destination file open never observe a partial
// write.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating parent directory")
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "writing temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "fsyncing temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "closing temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "renaming temp file into place")
	}
	return nil
}
