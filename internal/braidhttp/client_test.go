package braidhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/braidfs/braidfs/internal/wire"
)

func TestClientGetSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Version", `"1@A"`)
		w.Write([]byte("hello"))
	}))
	defer ts.Close()

	c := NewClient()
	resp, err := c.Get(context.Background(), ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "hello" {
		t.Fatalf("got %q", resp.Body)
	}
	if len(resp.Version) != 1 || resp.Version[0] != "1@A" {
		t.Fatalf("got version %v", resp.Version)
	}
}

func TestClientRetriesOn503(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	c := NewClient()
	resp, err := c.Fetch(context.Background(), ts.URL, BraidRequest{
		Retry: &RetryConfig{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if string(resp.Body) != "ok" {
		t.Fatalf("got %q", resp.Body)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestClientPutAutogeneratesVersion(t *testing.T) {
	var gotVersion string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("Version")
	}))
	defer ts.Close()

	c := NewClient()
	_, err := c.Put(context.Background(), ts.URL, []byte("data"), BraidRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if gotVersion == "" {
		t.Fatal("expected an autogenerated version header")
	}
}

// TestEncodeP2PRequestRoundTrips verifies a request encoded for the
// libp2p transport (the Braid header grammar carried without an HTTP
// request line) parses back into the same method/path/version/body a
// server-side handler needs.
func TestEncodeP2PRequestRoundTrips(t *testing.T) {
	req := BraidRequest{
		Method:    http.MethodPut,
		Version:   []wire.Version{"2@A"},
		Parents:   []wire.Version{"1@A"},
		MergeType: "diamond",
		Body:      []byte("hello"),
	}
	raw := encodeP2PRequest("/docs/a", req)

	p := wire.NewParser()
	msgs, err := p.Feed(raw)
	if err != nil {
		t.Fatalf("parsing encoded p2p request: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one frame, got %d", len(msgs))
	}
	u := msgs[0]
	if u.ExtraHeaders["method"] != http.MethodPut {
		t.Fatalf("method = %q", u.ExtraHeaders["method"])
	}
	if u.ExtraHeaders["path"] != "/docs/a" {
		t.Fatalf("path = %q", u.ExtraHeaders["path"])
	}
	if len(u.Version) != 1 || u.Version[0] != "2@A" {
		t.Fatalf("version = %v", u.Version)
	}
	if len(u.Parents) != 1 || u.Parents[0] != "1@A" {
		t.Fatalf("parents = %v", u.Parents)
	}
	if u.MergeType != "diamond" {
		t.Fatalf("merge-type = %q", u.MergeType)
	}
	if string(u.Body) != "hello" {
		t.Fatalf("body = %q", u.Body)
	}
}

// TestDecodeP2PResponse verifies the client decodes the HTTP-status-
// line-plus-headers-plus-body shape braid-serverd's p2pRequestHandler
// emits back into a Response.
func TestDecodeP2PResponse(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nversion: \"3@B\"\r\ncontent-length: 2\r\n\r\nhi")
	resp, err := decodeP2PResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
	if string(resp.Body) != "hi" {
		t.Fatalf("body = %q", resp.Body)
	}
	if len(resp.Version) != 1 || resp.Version[0] != "3@B" {
		t.Fatalf("version = %v", resp.Version)
	}
}

func TestDecodeP2PResponseEmptyIsError(t *testing.T) {
	if _, err := decodeP2PResponse(nil); err == nil {
		t.Fatal("expected an error decoding an empty p2p response")
	}
}
