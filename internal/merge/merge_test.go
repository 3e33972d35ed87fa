package merge

import (
	"testing"

	"github.com/braidfs/braidfs/internal/crdt"
	"github.com/braidfs/braidfs/internal/wire"
)

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()
	if !r.Has("simpleton") || !r.Has("diamond") {
		t.Fatal("expected simpleton and diamond to be registered")
	}
	if _, err := r.New("nonsense", "peer1"); err == nil {
		t.Fatal("expected error for unknown merge type")
	}
}

func TestParseRangeForms(t *testing.T) {
	cases := []struct {
		in   string
		want ParsedRange
	}{
		{"[0:5]", ParsedRange{Start: 0, End: 5}},
		{"0:5", ParsedRange{Start: 0, End: 5}},
		{"3", ParsedRange{Start: 3, End: 3, InsertOnly: true}},
		{"", ParsedRange{Start: 0, End: 10, Replace: true}},
		{"everything", ParsedRange{Start: 0, End: 10, Replace: true}},
	}
	for _, c := range cases {
		got, err := ParseRange(c.in, 10)
		if err != nil {
			t.Fatalf("ParseRange(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseRange(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestSimpletonLastWriterWins(t *testing.T) {
	s := newSimpleton("peerA")
	if err := s.Initialize("hello"); err != nil {
		t.Fatal(err)
	}
	res := s.LocalEdit(MergePatch{Range: "[0:5]", Content: EncodeStringContent("goodbye")})
	if !res.Success {
		t.Fatalf("edit failed: %v", res.Err)
	}
	if got := s.GetContent(); got != "goodbye" {
		t.Fatalf("got %q", got)
	}
	if len(s.GetAllVersions()) != 2 {
		t.Fatalf("expected 2 versions recorded, got %d", len(s.GetAllVersions()))
	}
}

func TestSimpletonClone(t *testing.T) {
	s := newSimpleton("peerA")
	s.Initialize("hi")
	c := s.Clone()
	s.LocalEdit(MergePatch{Range: "everything", Content: EncodeStringContent("changed")})
	if c.GetContent() != "hi" {
		t.Fatalf("clone should be unaffected by later edits, got %q", c.GetContent())
	}
}

func TestDiamondInitializeAndLocalEdit(t *testing.T) {
	d := newDiamond("peerA")
	if err := d.Initialize("hello"); err != nil {
		t.Fatal(err)
	}
	res := d.LocalEdit(MergePatch{Range: "5", Content: EncodeStringContent(" world")})
	if !res.Success {
		t.Fatalf("edit failed: %v", res.Err)
	}
	if got := d.GetContent(); got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestDiamondApplyPatchUnknownParentRejected(t *testing.T) {
	d := newDiamond("peerA")
	d.Initialize("hi")
	res := d.ApplyPatch(MergePatch{
		Range:   "0",
		Content: EncodeStringContent("x"),
		Version: "bogus@B",
		Parents: []wire.Version{"nonexistent"},
	})
	if res.Success {
		t.Fatal("expected rejection for unknown parent")
	}
}

func TestDiamondConcurrentEditsConverge(t *testing.T) {
	a := newDiamond("peerA")
	a.Initialize("hello")
	root := a.GetVersion()[0]

	b := newDiamond("peerB")
	b.seq = crdt.NewText(root, "hello")
	b.parents[root] = nil
	b.heads[root] = struct{}{}
	b.allVers = append(b.allVers, root)

	resA := a.ApplyPatch(MergePatch{Range: "[5:5]", Content: EncodeStringContent(" world"), Version: "2@A", Parents: []wire.Version{root}})
	if !resA.Success {
		t.Fatalf("A's own edit rejected: %v", resA.Err)
	}
	resB := b.ApplyPatch(MergePatch{Range: "0", Content: EncodeStringContent("hi, "), Version: "1@B", Parents: []wire.Version{root}})
	if !resB.Success {
		t.Fatalf("B's edit rejected: %v", resB.Err)
	}

	// Cross-merge: A learns B's edit, B learns A's edit.
	resA2 := a.ApplyPatch(MergePatch{Range: "0", Content: EncodeStringContent("hi, "), Version: "1@B", Parents: []wire.Version{root}})
	if !resA2.Success {
		t.Fatalf("A applying B's edit failed: %v", resA2.Err)
	}
	resB2 := b.ApplyPatch(MergePatch{Range: "[5:5]", Content: EncodeStringContent(" world"), Version: "2@A", Parents: []wire.Version{root}})
	if !resB2.Success {
		t.Fatalf("B applying A's edit failed: %v", resB2.Err)
	}

	want := "hi, hello world"
	if got := a.GetContent(); got != want {
		t.Fatalf("A converged to %q, want %q", got, want)
	}
	if got := b.GetContent(); got != want {
		t.Fatalf("B converged to %q, want %q", got, want)
	}
}

func TestDiamondCloneIsIndependent(t *testing.T) {
	d := newDiamond("peerA")
	d.Initialize("hello")
	clone := d.Clone()
	d.LocalEdit(MergePatch{Range: "5", Content: EncodeStringContent(" world")})
	if clone.GetContent() != "hello" {
		t.Fatalf("clone mutated by later edits: %q", clone.GetContent())
	}
	if d.GetContent() != "hello world" {
		t.Fatalf("original not updated: %q", d.GetContent())
	}
}

func TestDiamondPruneReportsWhenMultipleVersions(t *testing.T) {
	d := newDiamond("peerA")
	d.Initialize("hi")
	if d.Prune() {
		t.Fatal("single-version diamond should report nothing to prune")
	}
	d.LocalEdit(MergePatch{Range: "2", Content: EncodeStringContent("!")})
	if !d.Prune() {
		t.Fatal("multi-version diamond should report prune-eligible")
	}
}
