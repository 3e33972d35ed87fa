// Package braidhttp implements the HTTP server middleware & response
// builder (C7) and the HTTP client (C6), routed with
// github.com/julienschmidt/httprouter, with every response carrying
// the Braid dialect's CORS-style range-request-allow-* hints.
package braidhttp

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/braidfs/braidfs/internal/braiderr"
	"github.com/braidfs/braidfs/internal/merge"
	"github.com/braidfs/braidfs/internal/resource"
	"github.com/braidfs/braidfs/internal/wire"
)

// BraidState is the typed bag of Braid-dialect request headers
// attached to every inbound request.
type BraidState struct {
	Subscribe        wire.SubscribeValue
	Version          []wire.Version
	Parents          []wire.Version
	Peer             string
	Heartbeats       int64 // milliseconds, 0 if absent
	MergeType        string
	ContentRange     string
	MultiplexThrough string
}

// ParseBraidState extracts the Braid headers from r into a BraidState.
func ParseBraidState(r *http.Request) (*BraidState, error) {
	bs := &BraidState{}
	if v := r.Header.Get(wire.HeaderSubscribe); v != "" {
		sv, err := wire.ParseSubscribe(v)
		if err != nil {
			return nil, err
		}
		bs.Subscribe = sv
	}
	if v := r.Header.Get(wire.HeaderVersion); v != "" {
		vs, err := wire.ParseVersionList(v)
		if err != nil {
			return nil, err
		}
		bs.Version = vs
	}
	if v := r.Header.Get(wire.HeaderParents); v != "" {
		vs, err := wire.ParseVersionList(v)
		if err != nil {
			return nil, err
		}
		bs.Parents = vs
	}
	bs.Peer = r.Header.Get(wire.HeaderPeer)
	if v := r.Header.Get(wire.HeaderHeartbeats); v != "" {
		ms, err := wire.ParseHeartbeat(v)
		if err != nil {
			return nil, err
		}
		bs.Heartbeats = ms
	}
	bs.MergeType = r.Header.Get(wire.HeaderMergeType)
	bs.ContentRange = r.Header.Get(wire.HeaderContentRange)
	bs.MultiplexThrough = r.Header.Get(wire.HeaderMultiplexThrough)
	return bs, nil
}

func setCORSHints(w http.ResponseWriter) {
	w.Header().Set("range-request-allow-methods", "PATCH, PUT")
	w.Header().Set("range-request-allow-units", "json")
}

// WriteSnapshot writes a 200 snapshot response: Content-Type,
// Content-Length, Version and optional Parents headers, raw body.
func WriteSnapshot(w http.ResponseWriter, version []wire.Version, parents []wire.Version, contentType string, body []byte) {
	setCORSHints(w)
	w.Header().Set(wire.HeaderVersion, wire.FormatVersionList(version))
	if len(parents) > 0 {
		w.Header().Set(wire.HeaderParents, wire.FormatVersionList(parents))
	}
	if contentType != "" {
		w.Header().Set("content-type", contentType)
	}
	w.Header().Set(wire.HeaderContentLength, strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// WriteSinglePatch writes a 206 single-patch response.
func WriteSinglePatch(w http.ResponseWriter, version []wire.Version, unit, rng string, content []byte) {
	setCORSHints(w)
	w.Header().Set(wire.HeaderVersion, wire.FormatVersionList(version))
	w.Header().Set("content-type", "application/braid-patch")
	w.Header().Set(wire.HeaderContentRange, unit+" "+rng)
	w.Header().Set(wire.HeaderContentLength, strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(content)
}

// WriteMultiPatch writes a multi-patch 206 response: Patches: N header
// followed by N per-patch records. The trailing \r\n is required
// between records, including after the last one.
func WriteMultiPatch(w http.ResponseWriter, version []wire.Version, patches []merge.MergePatch, unitOf func(merge.MergePatch) string) {
	setCORSHints(w)
	w.Header().Set(wire.HeaderVersion, wire.FormatVersionList(version))
	w.Header().Set(wire.HeaderPatches, strconv.Itoa(len(patches)))
	w.WriteHeader(http.StatusPartialContent)
	for _, p := range patches {
		unit := unitOf(p)
		fmt.Fprintf(w, "Content-Length: %d\r\nContent-Range: %s %s\r\n\r\n", len(p.Content), unit, p.Range)
		w.Write(p.Content)
		fmt.Fprint(w, "\r\n")
	}
}

// WriteConflict writes a 409 Conflict for an unknown parent.
func WriteConflict(w http.ResponseWriter, err error) {
	setCORSHints(w)
	w.WriteHeader(http.StatusConflict)
	fmt.Fprint(w, err.Error())
}

// WriteGone writes a 410 Gone for a pruned version.
func WriteGone(w http.ResponseWriter, err error) {
	setCORSHints(w)
	w.WriteHeader(http.StatusGone)
	fmt.Fprint(w, err.Error())
}

// WriteRangeNotSatisfiable writes a 416.
func WriteRangeNotSatisfiable(w http.ResponseWriter) {
	setCORSHints(w)
	w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
}

// WriteTunnelled writes the 293 "tunnelled via multiplexer" response:
// an empty body, since the real response was pushed into the
// multiplexer stream separately.
func WriteTunnelled(w http.ResponseWriter) {
	setCORSHints(w)
	w.WriteHeader(293)
}

// subscriptionStatus is the non-standard 209 code used for an
// established Braid subscription.
const subscriptionStatus = 209

// BeginSubscription writes the subscription's header set exactly once
// at connection open (status 209) and returns a flusher the caller
// uses to stream subsequent per-Update frames.
func BeginSubscription(w http.ResponseWriter, initialVersion []wire.Version) (http.Flusher, bool) {
	setCORSHints(w)
	w.Header().Set("content-type", "text/plain")
	w.Header().Set("connection", "keep-alive")
	if len(initialVersion) > 0 {
		w.Header().Set(wire.HeaderVersion, wire.FormatVersionList(initialVersion))
	}
	w.WriteHeader(subscriptionStatus)
	f, ok := w.(http.Flusher)
	return f, ok
}

// WriteSubscriptionFrame writes one frame of an open subscription:
// its own Version/Parents/Content-Length header block, body, and a
// trailing blank line.
func WriteSubscriptionFrame(w http.ResponseWriter, flusher http.Flusher, version, parents []wire.Version, body []byte) {
	fmt.Fprintf(w, "Version: %s\r\n", wire.FormatVersionList(version))
	if len(parents) > 0 {
		fmt.Fprintf(w, "Parents: %s\r\n", wire.FormatVersionList(parents))
	}
	fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(body))
	w.Write(body)
	fmt.Fprint(w, "\r\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// ErrorStatus maps a braiderr.Kind to its HTTP status.
func ErrorStatus(err error) int {
	switch {
	case braiderr.Is(err, braiderr.KindCausal):
		var e *braiderr.Error
		if ae, ok := err.(*braiderr.Error); ok {
			e = ae
		}
		if e != nil && e.Code == "VERSION_PRUNED" {
			return http.StatusGone
		}
		return http.StatusConflict
	case braiderr.Is(err, braiderr.KindAuth):
		var e *braiderr.Error
		if ae, ok := err.(*braiderr.Error); ok {
			e = ae
		}
		if e != nil && e.Code == "FORBIDDEN" {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case braiderr.Is(err, braiderr.KindProtocol):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Server wires the resource manager to an httprouter mux implementing
// the Braid dialect. It is a thin reference implementation
// (cmd/braid-serverd, which persists resources through a pages
// store) used for integration testing
// against the sync daemon, rather than a production origin server.
type Server struct {
	Resources *resource.Manager
	Tunnels   *MultiplexRegistry
}

// Router builds an httprouter.Router exposing GET/PUT against
// /{resource...} paths.
func (s *Server) Router() *httprouter.Router {
	r := httprouter.New()
	r.GET("/*resource", s.handleGet)
	r.PUT("/*resource", s.handlePut)
	return r
}

// Handler wraps Router with the multiplex tunnel middleware when a
// registry is attached; without one it is the bare router.
func (s *Server) Handler() http.Handler {
	router := s.Router()
	if s.Tunnels == nil {
		return router
	}
	return s.Tunnels.Middleware(router)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	bs, err := ParseBraidState(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, err.Error())
		return
	}
	key := resourceKey(ps.ByName("resource"))

	if bs.Subscribe == wire.SubscribeTrue || bs.Subscribe == wire.SubscribeKeepAlive {
		s.handleSubscribe(w, r, key, bs)
		return
	}

	content, version, ok := s.Resources.GetContent(key)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	WriteSnapshot(w, version, nil, "text/plain", []byte(content))
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, key string, bs *BraidState) {
	ch, last, cancel, err := s.Resources.Subscribe(key, bs.MergeType)
	if err != nil {
		w.WriteHeader(ErrorStatus(err))
		fmt.Fprint(w, err.Error())
		return
	}
	defer cancel()

	var initial []wire.Version
	if last != nil {
		initial = []wire.Version{last.Version}
	}
	flusher, _ := BeginSubscription(w, initial)

	// Catch-up: a subscriber naming Parents it already holds receives
	// only the events after them; anyone else (or a subscriber whose
	// parents have aged out of the retained window) gets one full
	// snapshot frame first.
	if events, ok := s.Resources.EventsSince(key, bs.Parents); ok {
		for _, ev := range events {
			WriteSubscriptionFrame(w, flusher, []wire.Version{ev.Version}, ev.Parents, []byte(ev.Content))
		}
	} else if content, version, ok := s.Resources.GetContent(key); ok && len(version) > 0 {
		WriteSubscriptionFrame(w, flusher, version, nil, []byte(content))
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			WriteSubscriptionFrame(w, flusher, []wire.Version{ev.Version}, ev.Parents, []byte(ev.Content))
		}
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	bs, err := ParseBraidState(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, err.Error())
		return
	}
	key := resourceKey(ps.ByName("resource"))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var version wire.Version
	if len(bs.Version) > 0 {
		version = bs.Version[0]
	}

	newVersion, err := s.Resources.ApplyUpdate(key, string(body), bs.Peer, version, bs.Parents, bs.MergeType)
	if err != nil {
		status := ErrorStatus(err)
		w.WriteHeader(status)
		if status == http.StatusConflict {
			fmt.Fprint(w, "Conflict: ")
		}
		fmt.Fprint(w, err.Error())
		return
	}
	WriteSnapshot(w, []wire.Version{newVersion}, bs.Parents, "text/plain", nil)
}

func resourceKey(path string) string {
	return strings.TrimPrefix(path, "/")
}
