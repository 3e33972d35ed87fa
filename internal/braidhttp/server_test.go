package braidhttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/braidfs/braidfs/internal/merge"
	"github.com/braidfs/braidfs/internal/resource"
	"github.com/braidfs/braidfs/internal/wire"
)

func TestWriteSnapshotSetsHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSnapshot(w, []wire.Version{"1@A"}, nil, "text/plain", []byte("hello"))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	if w.Header().Get(wire.HeaderVersion) != `"1@A"` {
		t.Fatalf("got version header %q", w.Header().Get(wire.HeaderVersion))
	}
	if w.Header().Get("range-request-allow-units") != "json" {
		t.Fatal("missing CORS hint")
	}
}

func TestWriteMultiPatchFormat(t *testing.T) {
	w := httptest.NewRecorder()
	patches := []merge.MergePatch{
		{Range: "[0:0]", Content: []byte(`"hello"`)},
	}
	WriteMultiPatch(w, []wire.Version{"2@A"}, patches, func(merge.MergePatch) string { return "text" })
	if w.Code != http.StatusPartialContent {
		t.Fatalf("got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Content-Range: text [0:0]") {
		t.Fatalf("missing content-range in body: %q", body)
	}
	if !strings.HasSuffix(body, "\r\n") {
		t.Fatalf("missing trailing separator: %q", body)
	}
}

func TestParseBraidState(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/doc", nil)
	r.Header.Set(wire.HeaderSubscribe, "true")
	r.Header.Set(wire.HeaderVersion, `"1@A"`)
	r.Header.Set(wire.HeaderHeartbeats, "30s")
	bs, err := ParseBraidState(r)
	if err != nil {
		t.Fatal(err)
	}
	if bs.Subscribe != wire.SubscribeTrue {
		t.Fatalf("got %v", bs.Subscribe)
	}
	if bs.Heartbeats != 30000 {
		t.Fatalf("got %d", bs.Heartbeats)
	}
}

func TestServerSubscribeInitialSnapshot(t *testing.T) {
	mgr := resource.NewManager(merge.NewRegistry(), "server")
	if _, err := mgr.ApplyUpdate("doc", "hello", "peerA", "1@A", nil, ""); err != nil {
		t.Fatal(err)
	}
	srv := &Server{Resources: mgr}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := NewClient()
	sub, err := c.Subscribe(ctx, ts.URL+"/doc", BraidRequest{})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	select {
	case u := <-sub.Updates:
		if len(u.Version) != 1 || u.Version[0] != "1@A" {
			t.Fatalf("first frame version = %v", u.Version)
		}
		if len(u.Parents) != 0 {
			t.Fatalf("first frame parents = %v", u.Parents)
		}
		if string(u.Body) != "hello" {
			t.Fatalf("first frame body = %q", u.Body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the initial snapshot frame")
	}
}

func TestServerSubscribeCatchUp(t *testing.T) {
	mgr := resource.NewManager(merge.NewRegistry(), "server")
	contents := map[string]string{"v1": "a", "v2": "ab", "v3": "abc", "v4": "abcd"}
	parents := map[string][]wire.Version{"v2": {"v1"}, "v3": {"v2"}, "v4": {"v3"}}
	for _, v := range []string{"v1", "v2", "v3", "v4"} {
		if _, err := mgr.ApplyUpdate("doc", contents[v], "peerA", wire.Version(v), parents[v], ""); err != nil {
			t.Fatalf("applying %s: %v", v, err)
		}
	}
	srv := &Server{Resources: mgr}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := NewClient()
	sub, err := c.Subscribe(ctx, ts.URL+"/doc", BraidRequest{Parents: []wire.Version{"v2"}})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	var got []string
	for len(got) < 2 {
		select {
		case u := <-sub.Updates:
			got = append(got, string(u.Version[0]))
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out; received %v so far", got)
		}
	}
	if got[0] != "v3" || got[1] != "v4" {
		t.Fatalf("catch-up frames out of order: %v", got)
	}
}

func TestServerPutUnknownParentConflict(t *testing.T) {
	mgr := resource.NewManager(merge.NewRegistry(), "server")
	if _, err := mgr.ApplyUpdate("doc", "hello", "peerA", "1@A", nil, ""); err != nil {
		t.Fatal(err)
	}
	srv := &Server{Resources: mgr}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/doc", strings.NewReader("mutated"))
	req.Header.Set("Version", `"x@C"`)
	req.Header.Set("Parents", `"nope@Z"`)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("got %d, want 409", resp.StatusCode)
	}
	var body strings.Builder
	if _, err := io.Copy(&body, resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body.String(), "Conflict") {
		t.Fatalf("conflict body missing marker: %q", body.String())
	}
	content, _, _ := mgr.GetContent("doc")
	if content != "hello" {
		t.Fatalf("resource mutated by rejected PUT: %q", content)
	}
}

func TestServerGetPut(t *testing.T) {
	mgr := resource.NewManager(merge.NewRegistry(), "peerA")
	srv := &Server{Resources: mgr}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/doc", strings.NewReader("hello"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT got %d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/doc")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("GET got %d", resp2.StatusCode)
	}
}
