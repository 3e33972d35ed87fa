package crdt

import (
	"testing"

	"github.com/braidfs/braidfs/internal/wire"
)

func TestNewTextContent(t *testing.T) {
	seq := NewText("1@A", "hello")
	if got := seq.Content(AlwaysVisible); got != "hello" {
		t.Fatalf("got %q", got)
	}
	if n := seq.Length(AlwaysVisible); n != 5 {
		t.Fatalf("got length %d", n)
	}
}

func TestAddVersionAppend(t *testing.T) {
	seq := NewText("1@A", "hello")
	seq.AddVersion("2@A", []Splice{{Pos: 5, Insert: " world", Op: OpInsert}}, AlwaysVisible)
	if got := seq.Content(AlwaysVisible); got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestAddVersionIsIdempotent(t *testing.T) {
	seq := NewText("1@A", "hello")
	seq.AddVersion("2@A", []Splice{{Pos: 5, Insert: " world", Op: OpInsert}}, AlwaysVisible)
	before := seq.Content(AlwaysVisible)
	rebased := seq.AddVersion("2@A", []Splice{{Pos: 5, Insert: " world", Op: OpInsert}}, AlwaysVisible)
	if rebased != nil {
		t.Fatalf("expected nil rebased splices on replay, got %v", rebased)
	}
	if after := seq.Content(AlwaysVisible); after != before {
		t.Fatalf("content changed on replay: %q -> %q", before, after)
	}
}

func TestConcurrentInsertConvergence(t *testing.T) {
	// R="hello" at "1@A".
	// A applies [5:5] -> " world" giving "2@A".
	// B concurrently applies [0:0] -> "hi, " giving "1@B".
	// Both peers must converge to "hi, hello world" once both versions
	// are merged, regardless of application order.
	ancestorOnly := func(v wire.Version) bool { return v == "1@A" }

	peerA := NewText("1@A", "hello")
	peerA.AddVersion("2@A", []Splice{{Pos: 5, Insert: " world", Op: OpInsert}}, ancestorOnly)
	peerA.AddVersion("1@B", []Splice{{Pos: 0, Insert: "hi, ", Op: OpInsert}}, ancestorOnly)

	peerB := NewText("1@A", "hello")
	peerB.AddVersion("1@B", []Splice{{Pos: 0, Insert: "hi, ", Op: OpInsert}}, ancestorOnly)
	peerB.AddVersion("2@A", []Splice{{Pos: 5, Insert: " world", Op: OpInsert}}, ancestorOnly)

	want := "hi, hello world"
	if got := peerA.Content(AlwaysVisible); got != want {
		t.Fatalf("peerA converged to %q, want %q", got, want)
	}
	if got := peerB.Content(AlwaysVisible); got != want {
		t.Fatalf("peerB converged to %q, want %q", got, want)
	}
}

func TestDeleteMarksDeletedBy(t *testing.T) {
	seq := NewText("1@A", "hello world")
	seq.AddVersion("2@A", []Splice{{Pos: 5, DeleteCount: 6, Op: OpDelete}}, AlwaysVisible)
	if got := seq.Content(AlwaysVisible); got != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestReplaceOp(t *testing.T) {
	seq := NewText("1@A", "hello world")
	seq.AddVersion("2@A", []Splice{{Pos: 6, DeleteCount: 5, Insert: "there", Op: OpReplace}}, AlwaysVisible)
	if got := seq.Content(AlwaysVisible); got != "hello there" {
		t.Fatalf("got %q", got)
	}
}

func TestVisibilityFilter(t *testing.T) {
	seq := NewText("1@A", "hello")
	seq.AddVersion("2@A", []Splice{{Pos: 5, Insert: " world", Op: OpInsert}}, AlwaysVisible)
	onlyRoot := func(v wire.Version) bool { return v == "1@A" }
	if got := seq.Content(onlyRoot); got != "hello" {
		t.Fatalf("got %q, want hello under ancestor-only view", got)
	}
	if got := seq.Content(AlwaysVisible); got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestGenerateBraidRoundTrip(t *testing.T) {
	seq := NewText("1@A", "hello")
	ancestorOnly := func(v wire.Version) bool { return v == "1@A" }
	seq.AddVersion("2@A", []Splice{{Pos: 5, Insert: " world", Op: OpInsert}}, ancestorOnly)

	splices := seq.GenerateBraid("2@A", ancestorOnly)
	if len(splices) != 1 {
		t.Fatalf("expected 1 splice, got %d", len(splices))
	}

	sibling := NewText("1@A", "hello")
	sibling.AddVersion("2@A", splices, ancestorOnly)
	if got, want := sibling.Content(AlwaysVisible), seq.Content(AlwaysVisible); got != want {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}

func TestGenerateBraidRoundTripWithDelete(t *testing.T) {
	seq := NewText("1@A", "hello world")
	ancestorOnly := func(v wire.Version) bool { return v == "1@A" }
	seq.AddVersion("2@A", []Splice{{Pos: 5, DeleteCount: 6, Op: OpDelete}}, ancestorOnly)

	splices := seq.GenerateBraid("2@A", ancestorOnly)
	sibling := NewText("1@A", "hello world")
	sibling.AddVersion("2@A", splices, ancestorOnly)
	if got, want := sibling.Content(AlwaysVisible), seq.Content(AlwaysVisible); got != want {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}

func TestApplyBubblesRenamesVersions(t *testing.T) {
	seq := NewText("1@A", "hi")
	seq.AddVersion("2@A", []Splice{{Pos: 2, Insert: "!", Op: OpInsert}}, AlwaysVisible)

	mapping := map[wire.Version]Bubble{
		"1@A": {Bottom: "1@A", Top: "bubble-1"},
		"2@A": {Bottom: "1@A", Top: "bubble-1"},
	}
	seq.ApplyBubbles(mapping)

	if got := seq.Content(AlwaysVisible); got != "hi!" {
		t.Fatalf("content changed after bubbling: %q", got)
	}
	bubbleOnly := func(v wire.Version) bool { return v == "bubble-1" }
	if got := seq.Content(bubbleOnly); got != "hi!" {
		t.Fatalf("bubbled version not visible under new name: %q", got)
	}
	if seq.IsKnown("1@A") || seq.IsKnown("2@A") {
		t.Fatal("old versions should no longer be known after bubbling")
	}
	if !seq.IsKnown("bubble-1") {
		t.Fatal("bubble top should be known after bubbling")
	}
}

func TestApplyBubblesRenamesDeletedBy(t *testing.T) {
	seq := NewText("1@A", "hello world")
	seq.AddVersion("2@A", []Splice{{Pos: 5, DeleteCount: 6, Op: OpDelete}}, AlwaysVisible)

	mapping := map[wire.Version]Bubble{
		"2@A": {Bottom: "2@A", Top: "bubble-2"},
	}
	seq.ApplyBubbles(mapping)

	// The deletion should still be honored, now attributed to bubble-2.
	excludingBubble := func(v wire.Version) bool { return v == "1@A" }
	if got := seq.Content(excludingBubble); got != "hello world" {
		t.Fatalf("got %q, want full content when bubble excluded", got)
	}
	includingBubble := func(v wire.Version) bool { return v == "1@A" || v == "bubble-2" }
	if got := seq.Content(includingBubble); got != "hello" {
		t.Fatalf("got %q, want deletion honored under renamed version", got)
	}
}
