package resource

import (
	"testing"

	"github.com/braidfs/braidfs/internal/merge"
	"github.com/braidfs/braidfs/internal/wire"
)

func TestApplyUpdateCreatesResource(t *testing.T) {
	m := NewManager(merge.NewRegistry(), "peerA")
	v, err := m.ApplyUpdate("https://example.com/doc", "hello", "peerA", "", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if v == "" {
		t.Fatal("expected a minted version")
	}
	content, versions, ok := m.GetContent("https://example.com/doc")
	if !ok || content != "hello" || len(versions) != 1 {
		t.Fatalf("unexpected state: %q %v %v", content, versions, ok)
	}
}

func TestApplyUpdateRejectsMergeTypeMismatch(t *testing.T) {
	m := NewManager(merge.NewRegistry(), "peerA")
	m.ApplyUpdate("https://example.com/doc", "hello", "peerA", "", nil, "simpleton")
	_, err := m.ApplyUpdate("https://example.com/doc", "hello2", "peerA", "", nil, "diamond")
	if err == nil {
		t.Fatal("expected merge type mismatch rejection")
	}
}

func TestSubscribeReceivesBroadcast(t *testing.T) {
	m := NewManager(merge.NewRegistry(), "peerA")
	m.ApplyUpdate("https://example.com/doc", "hello", "peerA", "", nil, "simpleton")

	ch, last, cancel, err := m.Subscribe("https://example.com/doc", "")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	if last == nil || last.Content != "hello" {
		t.Fatalf("expected retained last broadcast, got %v", last)
	}

	go m.ApplyUpdate("https://example.com/doc", "hello world", "peerA", "", nil, "")
	ev := <-ch
	if ev.Content != "hello world" {
		t.Fatalf("got %q", ev.Content)
	}
}

func TestApplyRemoteInsertVersionedRejectsUnknownParent(t *testing.T) {
	m := NewManager(merge.NewRegistry(), "peerA")
	m.ApplyUpdate("https://example.com/doc", "hello", "peerA", "", nil, "diamond")
	_, err := m.ApplyRemoteInsertVersioned("https://example.com/doc", "peerB", []wire.Version{"bogus"}, 0, "x", "v2", "diamond")
	if err == nil {
		t.Fatal("expected unknown parent rejection")
	}
}
