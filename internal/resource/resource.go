// Package resource implements the resource-state manager (C8): one
// MergeType instance per resource URL plus its
// version graph, frontier mapping, subscriber broadcast channel and a
// small retained last-broadcast cache for reconnecting subscribers.
// One logical writer per resource is enforced with a mutex held across
// apply + broadcast; readers take a short-lived lock over a content
// snapshot only.
package resource

import (
	"strconv"
	"sync"
	"time"

	"github.com/braidfs/braidfs/internal/braiderr"
	"github.com/braidfs/braidfs/internal/logging"
	"github.com/braidfs/braidfs/internal/merge"
	"github.com/braidfs/braidfs/internal/pages"
	"github.com/braidfs/braidfs/internal/wire"
)

var log = logging.For("resource")

// BroadcastEvent is what subscribers of a resource receive on every
// successful mutation.
type BroadcastEvent struct {
	Resource string
	Version  wire.Version
	Parents  []wire.Version
	Patches  []merge.MergePatch
	Content  string
	HasBody  bool
	At       time.Time
}

const broadcastBuffer = 64

// historyRetained bounds the per-resource event log used to serve
// catch-up subscribes without a full snapshot.
const historyRetained = 64

// entry is the per-resource state.
type entry struct {
	mu        sync.Mutex
	mt        merge.MergeType
	heads     map[wire.Version]struct{}
	subs      map[int]chan BroadcastEvent
	nextSubID int
	lastEvent *BroadcastEvent
	history   []BroadcastEvent
}

// Manager holds every known resource, keyed by URL.
type Manager struct {
	mu        sync.Mutex
	resources map[string]*entry
	registry  *merge.Registry
	peerID    string
	pages     *pages.Store
}

// NewManager creates a resource manager backed by registry, minting
// versions under peerID.
func NewManager(registry *merge.Registry, peerID string) *Manager {
	return &Manager{resources: map[string]*entry{}, registry: registry, peerID: peerID}
}

// WithPersistence attaches a pages store so resources survive
// process restart. Must be called before any resource is touched.
func (m *Manager) WithPersistence(store *pages.Store) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = store
	return m
}

func (m *Manager) getOrCreate(resourceURL, mergeType string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.resources[resourceURL]
	if ok {
		if mergeType != "" && e.mt.Name() != mergeType {
			return nil, braiderr.MergeRejected("resource " + resourceURL + " already uses merge type " + e.mt.Name())
		}
		return e, nil
	}

	var page *pages.Page
	if m.pages != nil {
		p, err := m.pages.Load(resourceURL)
		if err != nil {
			log.WithField("resource", resourceURL).WithField("error", err).Warn("failed to load persisted page")
		} else {
			page = p
		}
	}
	if mergeType == "" {
		if page != nil && page.MergeType != "" {
			mergeType = page.MergeType
		} else {
			mergeType = "simpleton"
		}
	}
	mt, err := m.registry.New(mergeType, m.peerID)
	if err != nil {
		return nil, err
	}
	e = &entry{mt: mt, heads: map[wire.Version]struct{}{}, subs: map[int]chan BroadcastEvent{}}
	if page != nil {
		// Restoring content re-initializes the merge type, which mints
		// its own fresh version rather than reusing page.Heads: heads
		// must track whatever version the merge type actually holds,
		// never a value it doesn't know about.
		if err := mt.Initialize(page.Content); err != nil {
			return nil, err
		}
		for _, v := range mt.GetVersion() {
			e.heads[v] = struct{}{}
		}
		e.lastEvent = &BroadcastEvent{Resource: resourceURL, Version: mt.GetVersion()[0], Content: page.Content, HasBody: true, At: page.ModifiedAt}
	}
	m.resources[resourceURL] = e
	return e, nil
}

// get returns the entry for an existing resource, or nil.
func (m *Manager) get(resourceURL string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resources[resourceURL]
}

// ApplyUpdate creates the resource if needed (default merge type
// simpleton), applies body, and broadcasts the result. A
// caller-supplied version is honored; parents, when given, must all be
// known to the resource or the update is rejected with an
// unknown-parent error and the resource is left untouched.
func (m *Manager) ApplyUpdate(resourceURL string, body string, peerID string, version wire.Version, parents []wire.Version, mergeType string) (wire.Version, error) {
	e, err := m.getOrCreate(resourceURL, mergeType)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := validateParentsLocked(e, parents); err != nil {
		return "", err
	}

	patch := merge.MergePatch{Range: "everything", Content: merge.EncodeStringContent(body), Version: version, Parents: parents}
	var res merge.MergeResult
	if version != "" {
		// A versioned PUT is a remote edit: the version identity must
		// survive so the author can recognize its own echo.
		if len(patch.Parents) == 0 {
			patch.Parents = headsOfLocked(e)
		}
		res = e.mt.ApplyPatch(patch)
	} else {
		res = e.mt.LocalEdit(patch)
	}
	if !res.Success {
		return "", res.Err
	}
	e.heads = map[wire.Version]struct{}{res.Version: {}}
	m.broadcastLocked(e, resourceURL, BroadcastEvent{
		Resource: resourceURL,
		Version:  res.Version,
		Parents:  parents,
		Content:  e.mt.GetContent(),
		HasBody:  true,
		At:       time.Now(),
	})
	return res.Version, nil
}

func headsOfLocked(e *entry) []wire.Version {
	out := make([]wire.Version, 0, len(e.heads))
	for v := range e.heads {
		out = append(out, v)
	}
	return out
}

// validateParentsLocked checks every non-root parent against the
// versions the merge type has actually seen.
func validateParentsLocked(e *entry, parents []wire.Version) error {
	if len(parents) == 0 {
		return nil
	}
	known := map[wire.Version]struct{}{}
	for _, v := range e.mt.GetAllVersions() {
		known[v] = struct{}{}
	}
	for _, p := range parents {
		if p == "" || p == "ROOT" {
			continue
		}
		if _, ok := known[p]; !ok {
			return braiderr.UnknownParent(string(p))
		}
	}
	return nil
}

// ApplyRemoteInsertVersioned implements apply_remote_insert_versioned:
// validates parents against the resource's current merge state,
// applies an insert-range patch, and broadcasts.
func (m *Manager) ApplyRemoteInsertVersioned(resourceURL string, peer string, parents []wire.Version, pos int, text string, version wire.Version, mergeType string) (wire.Version, error) {
	e, err := m.getOrCreate(resourceURL, mergeType)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	res := e.mt.ApplyPatch(merge.MergePatch{
		Range:   posRange(pos),
		Content: merge.EncodeStringContent(text),
		Version: version,
		Parents: parents,
	})
	if !res.Success {
		return "", res.Err
	}
	e.heads = map[wire.Version]struct{}{res.Version: {}}
	m.broadcastLocked(e, resourceURL, BroadcastEvent{
		Resource: resourceURL,
		Version:  res.Version,
		Parents:  parents,
		Patches:  []merge.MergePatch{{Range: posRange(pos), Content: merge.EncodeStringContent(text)}},
		At:       time.Now(),
	})
	return res.Version, nil
}

func posRange(pos int) string {
	return strconv.Itoa(pos)
}

// GetContent returns a snapshot of current content and frontier,
// taken under the resource's mutex.
func (m *Manager) GetContent(resourceURL string) (content string, version []wire.Version, ok bool) {
	e := m.get(resourceURL)
	if e == nil {
		return "", nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mt.GetContent(), e.mt.GetVersion(), true
}

// Subscribe registers a new subscriber channel for resourceURL,
// returning it along with the last retained broadcast (if any) so a
// reconnecting subscriber can catch up without a full resync.
func (m *Manager) Subscribe(resourceURL, mergeType string) (<-chan BroadcastEvent, *BroadcastEvent, func(), error) {
	e, err := m.getOrCreate(resourceURL, mergeType)
	if err != nil {
		return nil, nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	ch := make(chan BroadcastEvent, broadcastBuffer)
	e.subs[id] = ch
	var last *BroadcastEvent
	if e.lastEvent != nil {
		cp := *e.lastEvent
		last = &cp
	}
	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			close(c)
			delete(e.subs, id)
		}
	}
	return ch, last, cancel, nil
}

// broadcastLocked must be called with e.mu held. A slow subscriber
// that cannot keep up is dropped (its channel's buffer is full): the
// subscriber is expected to notice the closed channel and resync from
// a fresh GET rather than block the resource's single writer.
func (m *Manager) broadcastLocked(e *entry, resourceURL string, ev BroadcastEvent) {
	cp := ev
	e.lastEvent = &cp
	e.history = append(e.history, ev)
	if len(e.history) > historyRetained {
		e.history = e.history[len(e.history)-historyRetained:]
	}
	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			log.WithField("resource", resourceURL).Warn("subscriber buffer full, dropping and resyncing")
			close(ch)
			delete(e.subs, id)
		}
	}

	if m.pages == nil {
		return
	}
	heads := make([]wire.Version, 0, len(e.heads))
	for v := range e.heads {
		heads = append(heads, v)
	}
	if len(heads) == 0 {
		return
	}
	if _, err := m.pages.Put(resourceURL, e.mt.GetContent(), heads[0], ev.Parents, e.mt.Name()); err != nil {
		log.WithField("resource", resourceURL).WithField("error", err).Warn("failed to persist page")
	}
}

// EventsSince returns the retained broadcast events that came after
// any of the given versions, in application order. ok is false when
// none of the versions is still in the retained window (the caller
// should fall back to a full snapshot frame).
func (m *Manager) EventsSince(resourceURL string, since []wire.Version) ([]BroadcastEvent, bool) {
	if len(since) == 0 {
		return nil, false
	}
	e := m.get(resourceURL)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	wanted := map[wire.Version]struct{}{}
	for _, v := range since {
		wanted[v] = struct{}{}
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		if _, ok := wanted[e.history[i].Version]; ok {
			out := make([]BroadcastEvent, len(e.history)-i-1)
			copy(out, e.history[i+1:])
			return out, true
		}
	}
	return nil, false
}

// GetHistory returns the current content as a single "everything"
// replacement patch, for every merge type. sinceVersions is not
// consulted: no causal delta is computed.
func (m *Manager) GetHistory(resourceURL string, sinceVersions []wire.Version) ([]merge.MergePatch, error) {
	e := m.get(resourceURL)
	if e == nil {
		return nil, braiderr.New(braiderr.KindProtocol, "NO_SUCH_RESOURCE", "resource has no history")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return []merge.MergePatch{{Range: "everything", Content: merge.EncodeStringContent(e.mt.GetContent())}}, nil
}
