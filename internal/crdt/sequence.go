// Package crdt implements the pruneable sequence CRDT (C3): a text
// sequence with concurrent insert/delete, deterministic ordering of
// concurrent inserts, and a version-renaming "bubble" operation used
// by the pruning algorithm in the antimatter coordinator.
//
// The document is a causal tree / RGA: each node holds a single
// rune, tagged with the version that inserted it, and a sorted list
// of children representing every node ever inserted immediately after
// it. Document order is the tree's pre-order DFS. A node with exactly
// one child behaves like a linear successor; more than one child is a
// fan that appears only at genuine concurrent-insert points. Runs are
// represented per-rune rather than per-splice so that insertion and
// splitting never need to break a multi-rune node apart.
package crdt

import (
	"sort"
	"strings"

	"github.com/braidfs/braidfs/internal/wire"
)

// OpType identifies a splice's kind.
type OpType byte

const (
	OpInsert  OpType = 'i'
	OpDelete  OpType = 'd'
	OpReplace OpType = 'r'
)

// Splice is a single edit operation expressed as an offset into the
// visible sequence.
type Splice struct {
	Pos         int
	DeleteCount int
	Insert      string
	SortKey     string
	Op          OpType
}

// Visible is a predicate over Version used to compute a filtered view
// of the sequence.
type Visible func(wire.Version) bool

// AlwaysVisible is the default predicate: every version ever merged
// into the tree is part of the view.
func AlwaysVisible(wire.Version) bool { return true }

// Node is one element of the causal tree. The root node is a sentinel
// with IsRoot set and carries no rune.
type Node struct {
	Version   wire.Version
	SortKey   string
	Elem      rune
	IsRoot    bool
	DeletedBy map[wire.Version]struct{}
	Children  []*Node
}

func (n *Node) isVisible(v Visible) bool {
	if n.IsRoot {
		return true
	}
	if !v(n.Version) {
		return false
	}
	for d := range n.DeletedBy {
		if v(d) {
			return false
		}
	}
	return true
}

// orderKey returns the (sort_key ?? version, version) pair used to
// give concurrent sibling insertions a total, deterministic order.
func orderKey(n *Node) (string, string) {
	sk := n.SortKey
	if sk == "" {
		sk = string(n.Version)
	}
	return sk, string(n.Version)
}

// insertSorted keeps children in descending key order. A later
// insertion must land before its anchor's existing continuation (the
// rest of the original run), so among siblings the greater key wins
// the earlier document position.
func insertSorted(children []*Node, n *Node) []*Node {
	sk, ver := orderKey(n)
	idx := sort.Search(len(children), func(i int) bool {
		isk, iver := orderKey(children[i])
		if isk != sk {
			return isk < sk
		}
		return iver < ver
	})
	children = append(children, nil)
	copy(children[idx+1:], children[idx:])
	children[idx] = n
	return children
}

// Sequence is one pruneable text-sequence CRDT instance.
type Sequence struct {
	root    *Node
	known   map[wire.Version]struct{}
	peerGen int // monotonic counter used only to mint default sort keys
}

// NewSequence creates an empty sequence.
func NewSequence() *Sequence {
	return &Sequence{
		root:  &Node{IsRoot: true},
		known: map[wire.Version]struct{}{},
	}
}

// NewText creates a sequence whose initial content is s, entirely
// attributed to version v.
func NewText(v wire.Version, s string) *Sequence {
	seq := NewSequence()
	if s == "" {
		seq.known[v] = struct{}{}
		return seq
	}
	cur := seq.root
	for _, r := range s {
		n := &Node{Version: v, Elem: r}
		cur.Children = insertSorted(cur.Children, n)
		cur = n
	}
	seq.known[v] = struct{}{}
	return seq
}

// Length returns the number of visible elements.
func (s *Sequence) Length(visible Visible) int {
	n := 0
	s.walk(s.root, visible, func(*Node, int) bool { n++; return true })
	return n
}

// Content renders the visible sequence as a string.
func (s *Sequence) Content(visible Visible) string {
	var b strings.Builder
	s.walk(s.root, visible, func(n *Node, _ int) bool { b.WriteRune(n.Elem); return true })
	return b.String()
}

// Get returns the i-th visible element.
func (s *Sequence) Get(i int, visible Visible) (rune, bool) {
	var found rune
	var ok bool
	idx := 0
	s.walk(s.root, visible, func(n *Node, _ int) bool {
		if idx == i {
			found, ok = n.Elem, true
			return false
		}
		idx++
		return true
	})
	return found, ok
}

// walk performs a pre-order DFS over visible nodes, calling fn(node,
// offset) for each. fn returning false stops the traversal early.
// Offset is the visible index of the node, ignoring the root.
func (s *Sequence) walk(n *Node, visible Visible, fn func(*Node, int) bool) bool {
	offset := 0
	return s.walkFrom(n, visible, &offset, fn)
}

func (s *Sequence) walkFrom(n *Node, visible Visible, offset *int, fn func(*Node, int) bool) bool {
	if !n.IsRoot {
		if n.isVisible(visible) {
			if !fn(n, *offset) {
				return false
			}
			*offset++
		}
	}
	for _, c := range n.Children {
		if !s.walkFrom(c, visible, offset, fn) {
			return false
		}
	}
	return true
}

// findAnchorAndRun locates the node at (or immediately before) visible
// offset pos under the given predicate. Returns the root if pos==0.
// It also returns every visible node encountered from pos onward, up
// to need nodes, used by delete.
func (s *Sequence) findAnchorAndRun(pos, need int, visible Visible) (anchor *Node, run []*Node) {
	anchor = s.root
	idx := 0
	collecting := false
	s.walk(s.root, visible, func(n *Node, offset int) bool {
		if offset == pos-1 {
			anchor = n
		}
		if offset >= pos && len(run) < need {
			run = append(run, n)
			collecting = true
		}
		idx++
		return !(collecting && len(run) >= need)
	})
	return anchor, run
}

// IsKnown reports whether v has already been merged; re-adding a
// known version is a no-op.
func (s *Sequence) IsKnown(v wire.Version) bool {
	_, ok := s.known[v]
	return ok
}

// AddVersion applies splices authored by v, interpreting each splice's
// Pos against the view given by ancestor (the state v's author had
// when it made the edit). It returns the same edits rebased as
// positions in the pre-existing (ancestor-independent) visible state,
// for peers forwarding the operation rather than the raw version.
//
// Re-adding a known version is a no-op (idempotent).
func (s *Sequence) AddVersion(v wire.Version, splices []Splice, ancestor Visible) []Splice {
	if s.IsKnown(v) {
		return nil
	}
	if ancestor == nil {
		ancestor = AlwaysVisible
	}
	full := AlwaysVisible

	rebased := make([]Splice, 0, len(splices))
	for _, sp := range splices {
		anchor, _ := s.findAnchorAndRun(sp.Pos, 0, ancestor)
		rebasedPos := visibleOffsetOf(s, anchor, full)

		switch sp.Op {
		case OpDelete, OpReplace:
			if sp.DeleteCount > 0 {
				_, run := s.findAnchorAndRun(sp.Pos, sp.DeleteCount, ancestor)
				for _, n := range run {
					if n.DeletedBy == nil {
						n.DeletedBy = map[wire.Version]struct{}{}
					}
					n.DeletedBy[v] = struct{}{}
				}
			}
		}
		switch sp.Op {
		case OpInsert, OpReplace:
			if sp.Insert != "" {
				cur := anchor
				for _, r := range sp.Insert {
					n := &Node{Version: v, SortKey: sp.SortKey, Elem: r}
					cur.Children = insertSorted(cur.Children, n)
					cur = n
				}
			}
		}
		rebased = append(rebased, Splice{
			Pos:         rebasedPos,
			DeleteCount: sp.DeleteCount,
			Insert:      sp.Insert,
			SortKey:     sp.SortKey,
			Op:          sp.Op,
		})
	}
	s.known[v] = struct{}{}
	return rebased
}

// visibleOffsetOf returns the visible offset that `target` occupies
// under `visible` (the offset it would be inserted-after at), or the
// count of everything visible before it if target itself is not
// currently visible.
func visibleOffsetOf(s *Sequence, target *Node, visible Visible) int {
	if target.IsRoot {
		return 0
	}
	count := 0
	found := false
	s.walk(s.root, visible, func(n *Node, offset int) bool {
		if n == target {
			count = offset + 1
			found = true
			return false
		}
		return true
	})
	if !found {
		// target isn't visible under this predicate (e.g. it was
		// deleted); fall back to counting everything visible before
		// it in document order regardless of its own visibility.
		count = 0
		var walk func(*Node) bool
		walk = func(n *Node) bool {
			if n == target {
				return false
			}
			if !n.IsRoot && n.isVisible(visible) {
				count++
			}
			for _, c := range n.Children {
				if !walk(c) {
					return false
				}
			}
			return true
		}
		walk(s.root)
	}
	return count
}

// GenerateBraid reconstructs the splices that define v when applied to
// the ancestor-filtered state, via a prefix/suffix-trim diff between
// the ancestor content and the ancestor+v content. This reproduces
// the final content exactly without attempting to recover the
// original multi-splice authoring sequence node-for-node.
func (s *Sequence) GenerateBraid(v wire.Version, ancestor Visible) []Splice {
	if ancestor == nil {
		ancestor = AlwaysVisible
	}
	before := s.Content(ancestor)
	after := s.Content(func(d wire.Version) bool { return ancestor(d) || d == v })
	if before == after {
		return nil
	}

	prefix := commonPrefixLen(before, after)
	suffix := commonSuffixLen(before[prefix:], after[prefix:])
	delCount := len(before) - prefix - suffix
	insert := after[prefix : len(after)-suffix]

	op := OpReplace
	if delCount == 0 {
		op = OpInsert
	} else if insert == "" {
		op = OpDelete
	}
	return []Splice{{Pos: prefix, DeleteCount: delCount, Insert: insert, SortKey: string(v), Op: op}}
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func commonSuffixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	return i
}

// Bubble is a contiguous, safely-pruneable region of the DAG
// identified by its single entry (bottom) and single exit (top)
// version.
type Bubble struct {
	Bottom wire.Version
	Top    wire.Version
}

// ApplyBubbles renames every node whose version is a key of mapping to
// that bubble's Top version, and does the same inside DeletedBy sets,
// implementing the CRDT side of pruning.
// Node merging for memory compaction is intentionally not performed:
// renaming alone is sufficient to keep subsequent lookups correct,
// since visibility and deletedBy checks only ever compare versions,
// never a node's position.
func (s *Sequence) ApplyBubbles(mapping map[wire.Version]Bubble) {
	if len(mapping) == 0 {
		return
	}
	var walk func(*Node)
	walk = func(n *Node) {
		if b, ok := mapping[n.Version]; ok {
			n.Version = b.Top
		}
		if len(n.DeletedBy) > 0 {
			for d := range n.DeletedBy {
				if b, ok := mapping[d]; ok {
					delete(n.DeletedBy, d)
					n.DeletedBy[b.Top] = struct{}{}
				}
			}
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(s.root)

	for old, b := range mapping {
		if _, ok := s.known[old]; ok {
			delete(s.known, old)
			s.known[b.Top] = struct{}{}
		}
	}
}
