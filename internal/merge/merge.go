// Package merge implements the merge-type registry (C5): a
// dynamic-dispatch table of named conflict resolution strategies,
// each produced by a factory closure rather than a global singleton.
// Two built-ins ship here: simpleton (LWW) and diamond (a true
// sequence CRDT wrapping internal/crdt).
package merge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/braidfs/braidfs/internal/braiderr"
	"github.com/braidfs/braidfs/internal/crdt"
	"github.com/braidfs/braidfs/internal/wire"
)

// MergePatch is a single edit expressed in the merge type's own range
// grammar.
type MergePatch struct {
	Range   string
	Content json.RawMessage
	Version wire.Version
	Parents []wire.Version
}

// MergeResult is the outcome of applying or locally originating an
// edit.
type MergeResult struct {
	Success        bool
	Version        wire.Version
	RebasedPatches []MergePatch
	Err            error
}

// MergeType is the capability set every registered strategy must
// satisfy.
type MergeType interface {
	Name() string
	Initialize(content string) error
	ApplyPatch(p MergePatch) MergeResult
	LocalEdit(p MergePatch) MergeResult
	GetContent() string
	GetVersion() []wire.Version
	GetAllVersions() []wire.Version
	Prune() bool
	Clone() MergeType
}

// Factory builds a fresh MergeType instance scoped to peerID.
type Factory func(peerID string) MergeType

// Registry is an explicit, non-global mapping name → Factory, passed
// as a parameter to the resource manager rather than consulted as a
// package-level singleton.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Factory
}

// NewRegistry returns a registry pre-populated with the required
// built-ins, simpleton and diamond.
func NewRegistry() *Registry {
	r := &Registry{fns: map[string]Factory{}}
	r.Register("simpleton", func(peerID string) MergeType { return newSimpleton(peerID) })
	r.Register("diamond", func(peerID string) MergeType { return newDiamond(peerID) })
	return r
}

// Register adds or replaces a factory under name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = f
}

// New instantiates the named merge type for peerID. Unknown names
// return a braiderr.KindMerge error.
func (r *Registry) New(name, peerID string) (MergeType, error) {
	if name == "" {
		name = "simpleton"
	}
	r.mu.RLock()
	f, ok := r.fns[name]
	r.mu.RUnlock()
	if !ok {
		return nil, braiderr.MergeRejected(fmt.Sprintf("unknown merge type %q", name))
	}
	return f(peerID), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.fns[name]
	return ok
}

// ParsedRange is a decoded range-grammar expression:
//
//	"[a:b]" or "a:b"  -> delete [a,b) and insert content
//	"a"               -> insert at position a
//	"" or "everything" -> full replacement
type ParsedRange struct {
	Start      int
	End        int
	Replace    bool // true for "" / "everything"
	InsertOnly bool // true for the bare-position "a" form
}

// ParseRange decodes the range grammar. length is the current content
// length, used to resolve "everything" to [0, length).
func ParseRange(s string, length int) (ParsedRange, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "everything") {
		return ParsedRange{Start: 0, End: length, Replace: true}, nil
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		a, err := strconv.Atoi(strings.TrimSpace(s[:idx]))
		if err != nil {
			return ParsedRange{}, errors.Wrapf(err, "invalid range start %q", s)
		}
		b, err := strconv.Atoi(strings.TrimSpace(s[idx+1:]))
		if err != nil {
			return ParsedRange{}, errors.Wrapf(err, "invalid range end %q", s)
		}
		return ParsedRange{Start: a, End: b}, nil
	}
	a, err := strconv.Atoi(s)
	if err != nil {
		return ParsedRange{}, errors.Wrapf(err, "invalid range %q", s)
	}
	return ParsedRange{Start: a, End: a, InsertOnly: true}, nil
}

func decodeStringContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	// Permit bare (unquoted) text bodies too, for callers that pass
	// raw patch bytes straight through rather than a JSON string.
	return string(raw), nil
}

func EncodeStringContent(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func genVersion(peerID string) wire.Version {
	return wire.Version(fmt.Sprintf("%d@%s", time.Now().UnixNano(), peerID))
}

// --- simpleton: non-CRDT last-writer-wins text -----------------------

type simpleton struct {
	mu      sync.RWMutex
	peerID  string
	content string
	version wire.Version
	allVers []wire.Version
}

func newSimpleton(peerID string) *simpleton {
	return &simpleton{peerID: peerID}
}

func (s *simpleton) Name() string { return "simpleton" }

func (s *simpleton) Initialize(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = content
	s.version = genVersion(s.peerID)
	s.allVers = append(s.allVers, s.version)
	return nil
}

func (s *simpleton) applyRange(rng string, content json.RawMessage) (string, error) {
	text, err := decodeStringContent(content)
	if err != nil {
		return "", err
	}
	pr, err := ParseRange(rng, len(s.content))
	if err != nil {
		return "", err
	}
	if pr.Replace {
		return text, nil
	}
	if pr.Start < 0 || pr.End > len(s.content) || pr.Start > pr.End {
		return "", braiderr.Malformed(fmt.Sprintf("range %q out of bounds for length %d", rng, len(s.content)))
	}
	var b strings.Builder
	b.WriteString(s.content[:pr.Start])
	b.WriteString(text)
	b.WriteString(s.content[pr.End:])
	return b.String(), nil
}

// ApplyPatch is last-writer-wins: the incoming patch always replaces
// whatever is current, regardless of parents, since simpleton keeps
// no causal history beyond its version counter. Parents are not
// recorded here; the resource-manager layer checks them for an
// unknown-parent 409, and simpleton itself never rejects on parents.
func (s *simpleton) ApplyPatch(p MergePatch) MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	newContent, err := s.applyRange(p.Range, p.Content)
	if err != nil {
		return MergeResult{Success: false, Err: err}
	}
	s.content = newContent
	v := p.Version
	if v == "" {
		v = genVersion(s.peerID)
	}
	s.version = v
	s.allVers = append(s.allVers, v)
	return MergeResult{Success: true, Version: v}
}

func (s *simpleton) LocalEdit(p MergePatch) MergeResult {
	p.Version = ""
	return s.ApplyPatch(p)
}

func (s *simpleton) GetContent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

func (s *simpleton) GetVersion() []wire.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.version == "" {
		return nil
	}
	return []wire.Version{s.version}
}

func (s *simpleton) GetAllVersions() []wire.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.Version, len(s.allVers))
	copy(out, s.allVers)
	return out
}

// Prune is a no-op for simpleton: it carries no DAG to compact.
func (s *simpleton) Prune() bool { return false }

func (s *simpleton) Clone() MergeType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &simpleton{
		peerID:  s.peerID,
		content: s.content,
		version: s.version,
		allVers: append([]wire.Version(nil), s.allVers...),
	}
}

// --- diamond: sequence CRDT wrapping internal/crdt -------------------

type diamond struct {
	mu      sync.RWMutex
	peerID  string
	seq     *crdt.Sequence
	heads   map[wire.Version]struct{}
	parents map[wire.Version][]wire.Version
	allVers []wire.Version
}

func newDiamond(peerID string) *diamond {
	return &diamond{
		peerID:  peerID,
		seq:     crdt.NewSequence(),
		heads:   map[wire.Version]struct{}{},
		parents: map[wire.Version][]wire.Version{},
	}
}

func (d *diamond) Name() string { return "diamond" }

func (d *diamond) Initialize(content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := genVersion(d.peerID)
	d.seq = crdt.NewText(v, content)
	d.heads = map[wire.Version]struct{}{v: {}}
	d.parents[v] = nil
	d.allVers = append(d.allVers, v)
	return nil
}

// visibleAncestorsOf returns a predicate true for every version this
// diamond instance currently knows about that is reachable from the
// given parent set (transitive closure over d.parents).
func (d *diamond) visibleAncestorsOf(parents []wire.Version) crdt.Visible {
	if len(parents) == 0 {
		return func(wire.Version) bool { return false }
	}
	seen := map[wire.Version]struct{}{}
	var walk func(wire.Version)
	walk = func(v wire.Version) {
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		for _, p := range d.parents[v] {
			walk(p)
		}
	}
	for _, p := range parents {
		walk(p)
	}
	return func(v wire.Version) bool {
		_, ok := seen[v]
		return ok
	}
}

func (d *diamond) currentVisible() crdt.Visible {
	known := map[wire.Version]struct{}{}
	for _, v := range d.allVers {
		known[v] = struct{}{}
	}
	return func(v wire.Version) bool {
		_, ok := known[v]
		return ok
	}
}

func (d *diamond) splicesFor(pr ParsedRange, text string) []crdt.Splice {
	switch {
	case pr.Replace:
		return []crdt.Splice{{Pos: pr.Start, DeleteCount: pr.End - pr.Start, Insert: text, Op: crdt.OpReplace}}
	case pr.InsertOnly:
		return []crdt.Splice{{Pos: pr.Start, Insert: text, Op: crdt.OpInsert}}
	default:
		op := crdt.OpReplace
		if text == "" {
			op = crdt.OpDelete
		}
		return []crdt.Splice{{Pos: pr.Start, DeleteCount: pr.End - pr.Start, Insert: text, Op: op}}
	}
}

func (d *diamond) apply(p MergePatch, isLocal bool) MergeResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ancestor crdt.Visible
	parents := p.Parents
	if isLocal {
		parents = d.currentHeadsLocked()
		ancestor = d.currentVisible()
	} else {
		for _, parent := range parents {
			if parent == "" || parent == "ROOT" {
				continue
			}
			if _, known := d.parents[parent]; !known {
				return MergeResult{Success: false, Err: braiderr.UnknownParent(string(parent))}
			}
		}
		ancestor = d.visibleAncestorsOf(parents)
	}

	length := utf8Len(d.seq.Content(ancestor))
	pr, err := ParseRange(p.Range, length)
	if err != nil {
		return MergeResult{Success: false, Err: err}
	}
	text, err := decodeStringContent(p.Content)
	if err != nil {
		return MergeResult{Success: false, Err: err}
	}

	v := p.Version
	if v == "" {
		v = genVersion(d.peerID)
	}
	if d.seq.IsKnown(v) {
		return MergeResult{Success: true, Version: v}
	}

	splices := d.splicesFor(pr, text)
	rebased := d.seq.AddVersion(v, splices, ancestor)

	d.parents[v] = parents
	for _, parent := range parents {
		delete(d.heads, parent)
	}
	d.heads[v] = struct{}{}
	d.allVers = append(d.allVers, v)

	out := make([]MergePatch, 0, len(rebased))
	for _, sp := range rebased {
		out = append(out, splicePatch(sp))
	}
	return MergeResult{Success: true, Version: v, RebasedPatches: out}
}

func splicePatch(sp crdt.Splice) MergePatch {
	rng := fmt.Sprintf("[%d:%d]", sp.Pos, sp.Pos+sp.DeleteCount)
	return MergePatch{Range: rng, Content: EncodeStringContent(sp.Insert)}
}

func (d *diamond) currentHeadsLocked() []wire.Version {
	out := make([]wire.Version, 0, len(d.heads))
	for v := range d.heads {
		out = append(out, v)
	}
	return out
}

func (d *diamond) ApplyPatch(p MergePatch) MergeResult { return d.apply(p, false) }
func (d *diamond) LocalEdit(p MergePatch) MergeResult  { return d.apply(p, true) }

func (d *diamond) GetContent() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.seq.Content(d.currentVisible())
}

func (d *diamond) GetVersion() []wire.Version {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentHeadsLocked()
}

func (d *diamond) GetAllVersions() []wire.Version {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]wire.Version, len(d.allVers))
	copy(out, d.allVers)
	return out
}

// Prune reports whether the antimatter coordinator should be consulted
// for bubble computation; the actual bubbling is driven externally
// via internal/antimatter and internal/crdt.ApplyBubbles, since
// pruning requires the cross-resource boundary bookkeeping C5 does
// not have visibility into on its own.
func (d *diamond) Prune() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.allVers) > 1
}

func (d *diamond) Clone() MergeType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	clone := &diamond{
		peerID:  d.peerID,
		seq:     crdt.NewSequence(),
		heads:   map[wire.Version]struct{}{},
		parents: map[wire.Version][]wire.Version{},
	}
	// Re-derive the clone by replaying GenerateBraid for every known
	// version against its own parent set; this keeps Clone() honest
	// about only exposing what AddVersion/ApplyPatch would produce,
	// rather than sharing the underlying tree.
	for _, v := range d.allVers {
		ancestor := d.visibleAncestorsOf(d.parents[v])
		splices := d.seq.GenerateBraid(v, ancestor)
		clone.seq.AddVersion(v, splices, ancestor)
		clone.parents[v] = d.parents[v]
	}
	for v := range d.heads {
		clone.heads[v] = struct{}{}
	}
	clone.allVers = append([]wire.Version(nil), d.allVers...)
	return clone
}

func utf8Len(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
