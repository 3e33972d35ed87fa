package blobstore

import (
	"os"
	"testing"

	"github.com/braidfs/braidfs/internal/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	v := []wire.Version{"1-1"}
	if _, err := s.Put("k1", []byte("hello"), v, nil, "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, meta, err := s.Get("k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q", data)
	}
	if meta.ContentType != "text/plain" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
}

func TestPutRejectsOlderVersion(t *testing.T) {
	s := openTestStore(t)
	s.Put("k1", []byte("v2 data"), []wire.Version{"seq-2"}, nil, "")
	got, err := s.Put("k1", []byte("v1 data"), []wire.Version{"seq-1"}, nil, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(got) != 1 || got[0] != "seq-2" {
		t.Fatalf("expected current version returned unchanged, got %v", got)
	}
	data, _, err := s.Get("k1")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2 data" {
		t.Fatalf("stale write clobbered newer data: %q", data)
	}
}

func TestGetDetectsTamperedPayload(t *testing.T) {
	s := openTestStore(t)
	s.Put("k1", []byte("hello"), []wire.Version{"seq-1"}, nil, "")
	if err := os.WriteFile(s.payloadPath("k1"), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get("k1"); err == nil {
		t.Fatal("expected integrity error on tampered payload")
	}
}

func TestDeleteRemovesMetaAndPayload(t *testing.T) {
	s := openTestStore(t)
	s.Put("k1", []byte("hello"), []wire.Version{"seq-1"}, nil, "")
	if err := s.Delete("k1"); err != nil {
		t.Fatal(err)
	}
	meta, err := s.GetMeta("k1")
	if err != nil {
		t.Fatal(err)
	}
	if meta != nil {
		t.Fatalf("expected nil meta after delete, got %+v", meta)
	}
}

func TestListKeys(t *testing.T) {
	s := openTestStore(t)
	s.Put("a", []byte("1"), []wire.Version{"seq-1"}, nil, "")
	s.Put("b", []byte("2"), []wire.Version{"seq-1"}, nil, "")
	keys, err := s.ListKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestEncodeKeyEscapesSlash(t *testing.T) {
	if got := encodeKey("a/b"); got != "a!b" {
		t.Fatalf("got %q", got)
	}
}
