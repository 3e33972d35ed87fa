package braidhttp

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/braidfs/braidfs/internal/merge"
	"github.com/braidfs/braidfs/internal/resource"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	raw := encodeFrame("r7", []byte("payload"), false)
	f, ok := decodeFrame(raw)
	if !ok {
		t.Fatal("decode failed")
	}
	if f.rID != "r7" || string(f.data) != "payload" || f.closed {
		t.Fatalf("unexpected frame: %+v", f)
	}

	sentinel, ok := decodeFrame(encodeFrame("r7", nil, true))
	if !ok || !sentinel.closed || len(sentinel.data) != 0 {
		t.Fatalf("unexpected sentinel: %+v", sentinel)
	}
}

func TestParseThroughPath(t *testing.T) {
	m, r, ok := ParseThroughPath("/.well-known/multiplexer/m123/r7")
	if !ok || m != "m123" || r != "r7" {
		t.Fatalf("got %q %q %v", m, r, ok)
	}
	if _, _, ok := ParseThroughPath("/somewhere/else"); ok {
		t.Fatal("expected rejection of non-multiplexer path")
	}
	if _, _, ok := ParseThroughPath("/.well-known/multiplexer/only-mid"); ok {
		t.Fatal("expected rejection of a path missing the request id")
	}
}

func TestMultiplexTunnelRoundTrip(t *testing.T) {
	mgr := resource.NewManager(merge.NewRegistry(), "server")
	if _, err := mgr.ApplyUpdate("doc", "hello", "peerA", "1@A", nil, ""); err != nil {
		t.Fatal(err)
	}
	srv := &Server{Resources: mgr, Tunnels: NewMultiplexRegistry()}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := DialMultiplexer(ctx, ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	c := NewClient()
	resp, err := c.FetchVia(ctx, m, ts.URL+"/doc", BraidRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 {
		t.Fatalf("tunnelled status = %d", resp.Status)
	}
	if string(resp.Body) != "hello" {
		t.Fatalf("tunnelled body = %q", resp.Body)
	}
	if len(resp.Version) != 1 || resp.Version[0] != "1@A" {
		t.Fatalf("tunnelled version = %v", resp.Version)
	}
}

func TestFetchViaFallsBackWithoutTunnel(t *testing.T) {
	// A server with no registry never answers 293; FetchVia should
	// behave exactly like Fetch.
	mgr := resource.NewManager(merge.NewRegistry(), "server")
	if _, err := mgr.ApplyUpdate("doc", "plain", "peerA", "", nil, ""); err != nil {
		t.Fatal(err)
	}
	srv := &Server{Resources: mgr}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	m := &Multiplexer{mID: "dead", pending: map[string]chan frame{}, orphans: map[string][]frame{}}
	c := NewClient()
	resp, err := c.FetchVia(context.Background(), m, ts.URL+"/doc", BraidRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 || string(resp.Body) != "plain" {
		t.Fatalf("got %d %q", resp.Status, resp.Body)
	}
}
