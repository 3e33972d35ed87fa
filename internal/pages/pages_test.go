package pages

import (
	"testing"

	"github.com/braidfs/braidfs/internal/wire"
)

func TestPutCreatesNewPage(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.Put("res1", "hello", "1@A", nil, "simpleton")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Heads) != 1 || p.Heads[0] != "1@A" {
		t.Fatalf("unexpected heads: %v", p.Heads)
	}
}

func TestPutRejectsUnknownParent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.Put("res1", "hello", "1@A", nil, "simpleton")
	_, err = s.Put("res1", "hello2", "2@A", []wire.Version{"bogus"}, "simpleton")
	if err == nil {
		t.Fatal("expected unknown parent rejection")
	}
}

func TestPutAcceptsRootMarkerParent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put("res1", "hello", "1@A", []wire.Version{"ROOT"}, "simpleton"); err != nil {
		t.Fatalf("expected root marker to be accepted: %v", err)
	}
}

func TestPutChainsVersionGraph(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.Put("res1", "hello", "1@A", nil, "simpleton")
	p, err := s.Put("res1", "hello world", "2@A", []wire.Version{"1@A"}, "simpleton")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Heads) != 1 || p.Heads[0] != "2@A" {
		t.Fatalf("unexpected heads: %v", p.Heads)
	}
	if parents, ok := p.VersionGraph["2@A"]; !ok || len(parents) != 1 || parents[0] != "1@A" {
		t.Fatalf("unexpected version graph: %v", p.VersionGraph)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.Put("res1", "hello", "1@A", nil, "simpleton")

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	p, err := s2.Load("res1")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Content != "hello" {
		t.Fatalf("unexpected reload: %+v", p)
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.Load("nope")
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatalf("expected nil page, got %+v", p)
	}
}
