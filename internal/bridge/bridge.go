// Package bridge implements the local 209 bridge (C11): a
// lightweight HTTP server for editors that cannot negotiate
// the Braid dialect directly. For each bridged URL it polls upstream
// on a shared interval (gated by live subscribers and a grace window),
// writes changed content to the local file through the same
// pending_writes echo guard the sync daemon (C10) uses, and re-exposes
// the resource as a Braid subscription of its own.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/braidfs/braidfs/internal/braidhttp"
	"github.com/braidfs/braidfs/internal/daemon"
	"github.com/braidfs/braidfs/internal/logging"
	"github.com/braidfs/braidfs/internal/wire"
)

var log = logging.For("bridge")

// DefaultPollInterval is how often a URL with at least one live
// subscriber is re-fetched.
const DefaultPollInterval = 5 * time.Second

// SubscriberGrace is how long after the last subscriber disconnects a
// URL is still polled.
const SubscriberGrace = 30 * time.Second

type entry struct {
	mu          sync.Mutex
	version     []wire.Version
	content     string
	subs        map[int]chan []byte
	nextSubID   int
	lastActive  time.Time
}

// Bridge serves GET /subscribe/{url} for editors, polling upstream
// resources through client and writing results through d so C10's
// local_server_managed suppression stays correct.
type Bridge struct {
	Client       *braidhttp.Client
	Daemon       *daemon.Daemon
	PollInterval time.Duration

	mu        sync.Mutex
	resources map[string]*entry
}

// New builds a Bridge that polls through client and writes changed
// content via d (so d.MarkLocalManaged/writeLocalOrDefer-equivalent
// suppression is respected).
func New(client *braidhttp.Client, d *daemon.Daemon) *Bridge {
	return &Bridge{Client: client, Daemon: d, PollInterval: DefaultPollInterval, resources: map[string]*entry{}}
}

func (b *Bridge) getOrCreate(url string) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.resources[url]
	if !ok {
		e = &entry{subs: map[int]chan []byte{}, lastActive: time.Now()}
		b.resources[url] = e
		b.Daemon.MarkLocalManaged(url, true)
	}
	return e
}

// Router returns an httprouter.Router exposing GET /subscribe/*url.
func (b *Bridge) Router() *httprouter.Router {
	r := httprouter.New()
	r.GET("/subscribe/*url", b.handleSubscribe)
	return r
}

func (b *Bridge) handleSubscribe(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	url := strings.TrimPrefix(ps.ByName("url"), "/")
	e := b.getOrCreate(url)

	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	ch := make(chan []byte, 8)
	e.subs[id] = ch
	initial := e.content
	e.lastActive = time.Now()
	e.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(209)
	flusher, _ := w.(http.Flusher)
	if initial != "" {
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s\r\n", len(initial), initial)
		if flusher != nil {
			flusher.Flush()
		}
	}

	defer func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.lastActive = time.Now()
		e.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case body, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s\r\n", len(body), body)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (b *Bridge) liveSubscriberURLs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var urls []string
	for url, e := range b.resources {
		e.mu.Lock()
		active := len(e.subs) > 0 || now.Sub(e.lastActive) < SubscriberGrace
		e.mu.Unlock()
		if active {
			urls = append(urls, url)
		} else {
			b.Daemon.MarkLocalManaged(url, false)
			delete(b.resources, url)
		}
	}
	return urls
}

// Run drives the shared poll loop until ctx is cancelled. Only URLs
// with a live subscriber, or within the grace window of their last
// one, are polled.
func (b *Bridge) Run(ctx context.Context) {
	interval := b.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, url := range b.liveSubscriberURLs() {
				b.pollOnce(ctx, url)
			}
		}
	}
}

func (b *Bridge) pollOnce(ctx context.Context, url string) {
	resp, err := b.Client.Get(ctx, url)
	if err != nil {
		log.WithField("url", url).WithField("error", err).Warn("bridge poll failed")
		return
	}
	if resp.Status >= 400 {
		return
	}
	content := string(resp.Body)

	e := b.getOrCreate(url)
	e.mu.Lock()
	unchanged := content == e.content
	e.content = content
	e.version = resp.Version
	subs := make([]chan []byte, 0, len(e.subs))
	for _, ch := range e.subs {
		subs = append(subs, ch)
	}
	e.mu.Unlock()
	if unchanged {
		return
	}

	if err := b.Daemon.WriteBridgedContent(url, content); err != nil {
		log.WithField("url", url).WithField("error", err).Warn("bridge failed to write local file")
	}

	for _, ch := range subs {
		select {
		case ch <- []byte(content):
		default:
		}
	}
}
