// This file implements the bulk of C10: the
// subscription loop that mirrors a remote resource into the local
// filesystem, echo suppression, and the local→remote push path with
// its LWW-vs-server reconciliation. The URL↔path mapping lives in
// internal/fsmap; persisted state lives in config.go/versionstore.go.
package daemon

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/braidfs/braidfs/internal/admin"
	"github.com/braidfs/braidfs/internal/braidhttp"
	"github.com/braidfs/braidfs/internal/braiderr"
	"github.com/braidfs/braidfs/internal/fsmap"
	"github.com/braidfs/braidfs/internal/htmlmd"
	"github.com/braidfs/braidfs/internal/logging"
	"github.com/braidfs/braidfs/internal/merge"
	"github.com/braidfs/braidfs/internal/wire"
)

var log = logging.For("daemon")

// pendingWriteGrace is how long a just-written path is excluded from
// triggering its own filesystem event.
const pendingWriteGrace = 100 * time.Millisecond

// failedSync records the last failure for a URL, for log throttling.
type failedSync struct {
	Status int
	At     time.Time
}

// Daemon owns every process-wide map the sync loops share (the
// content cache, pending writes, activity tracker, failed syncs and
// the set of bridge-managed URLs), each behind a short critical
// section. The bundle is passed explicitly to every task that needs
// it rather than consulted as a package-level variable.
type Daemon struct {
	Root   string
	PeerID string

	Client   *braidhttp.Client
	Config   *ConfigStore
	Versions *VersionStore

	// Metrics is optional; nil disables instrumentation.
	Metrics *admin.Metrics

	mu              sync.Mutex
	contentCache    map[string]string
	pendingWrites   map[string]time.Time
	activityTracker map[string]time.Time
	failedSyncs     map[string]failedSync
	localManaged    map[string]struct{}
	urlMergeType    map[string]string
}

// NewDaemon builds a Daemon rooted at root, synchronizing through
// client under the given config/version stores.
func NewDaemon(root string, client *braidhttp.Client, cfg *ConfigStore, versions *VersionStore) *Daemon {
	return &Daemon{
		Root:            root,
		PeerID:          cfg.PeerID(),
		Client:          client,
		Config:          cfg,
		Versions:        versions,
		contentCache:    map[string]string{},
		pendingWrites:   map[string]time.Time{},
		activityTracker: map[string]time.Time{},
		failedSyncs:     map[string]failedSync{},
		localManaged:    map[string]struct{}{},
		urlMergeType:    map[string]string{},
	}
}

// MarkLocalManaged records that the 209 bridge now drives writes for
// url; while managed, the direct subscription loop never writes the
// mapped file itself.
func (d *Daemon) MarkLocalManaged(url string, managed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if managed {
		d.localManaged[url] = struct{}{}
	} else {
		delete(d.localManaged, url)
	}
}

func (d *Daemon) isLocalManaged(url string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.localManaged[url]
	return ok
}

func (d *Daemon) cacheContent(url, content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contentCache[url] = content
}

// ContentCache returns the last-known body cached for url (used by
// the filesystem watcher to diff against).
func (d *Daemon) ContentCache(url string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contentCache[url]
	return c, ok
}

func (d *Daemon) markPendingWrite(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingWrites[path] = time.Now().Add(pendingWriteGrace)
}

// IsPendingWrite reports whether path is still within the echo-guard
// window set by our own last write, pruning expired entries as it
// goes.
func (d *Daemon) IsPendingWrite(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	deadline, ok := d.pendingWrites[path]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(d.pendingWrites, path)
		return false
	}
	return true
}

func (d *Daemon) touchActivity(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activityTracker[url] = time.Now()
}

func (d *Daemon) recordFailure(url string, status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failedSyncs[url] = failedSync{Status: status, At: time.Now()}
}

// FailedSyncs returns a snapshot of the last recorded failure per URL,
// for the control API's /.braidfs/errors endpoint.
func (d *Daemon) FailedSyncs() map[string]failedSync {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]failedSync, len(d.failedSyncs))
	for k, v := range d.failedSyncs {
		out[k] = v
	}
	return out
}

func (d *Daemon) shouldLogFailure(url string, status int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.failedSyncs[url]
	return !ok || prev.Status != status || time.Since(prev.At) > 30*time.Second
}

func (d *Daemon) mergeTypeFor(url string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urlMergeType[url]
}

func (d *Daemon) setMergeTypeFor(url, mt string) {
	if mt == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urlMergeType[url] = mt
}

// isEcho reports whether an incoming update's version carries this
// daemon's own peer id. Echoes are dropped silently; they are not
// errors.
func (d *Daemon) isEcho(vs []wire.Version) bool {
	for _, v := range vs {
		if strings.Contains(string(v), d.PeerID) {
			return true
		}
	}
	return false
}

// WarmOrStub prepares the on-disk file for url before the subscription
// loop starts: if a file already exists at the mapped path, its
// content seeds content_cache; otherwise an empty stub is created so
// later filesystem events have something to diff against.
func (d *Daemon) WarmOrStub(rawURL string) error {
	path, err := fsmap.URLToPath(d.Root, rawURL)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err == nil {
		d.cacheContent(rawURL, string(data))
		return nil
	}
	if !os.IsNotExist(err) {
		return braiderr.Wrap(braiderr.KindIO, "WARM_READ", "warming cache from disk", err)
	}
	d.cacheContent(rawURL, "")
	d.markPendingWrite(path)
	return d.atomicWriteFile(path, "")
}

// SubscribeLoop mirrors one URL until ctx is cancelled: initial GET
// + write, open a Braid subscription, and apply every subsequent
// Update to the local mirror, suppressing echoes and deferring to the
// 209 bridge when it owns the URL.
func (d *Daemon) SubscribeLoop(ctx context.Context, rawURL string) {
	if d.Metrics != nil {
		d.Metrics.ActiveSubscriptions.Inc()
		defer d.Metrics.ActiveSubscriptions.Dec()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := d.initialFetch(ctx, rawURL); err != nil {
			d.logRetry(rawURL, err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		if err := d.runSubscription(ctx, rawURL); err != nil {
			d.logRetry(rawURL, err)
		}
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func (d *Daemon) logRetry(rawURL string, err error) {
	kind := classifyError(err)
	fields := map[string]interface{}{"url": rawURL, "kind": kind}
	if kind == "decode" || kind == "timeout" || kind == "closed" {
		log.WithFields(fields).Info("subscription interrupted, reconnecting")
	} else {
		log.WithFields(fields).WithField("error", err).Error("subscription error, retrying")
	}
}

// classifyError buckets an error into decode/timeout/closed for the
// reconnect log-level decision; anything else logs as an error.
func classifyError(err error) string {
	switch {
	case braiderr.Is(err, braiderr.KindProtocol):
		return "decode"
	case braiderr.Is(err, braiderr.KindTransport):
		return "timeout"
	case err != nil && strings.Contains(err.Error(), "EOF"):
		return "closed"
	default:
		return "other"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (d *Daemon) initialFetch(ctx context.Context, rawURL string) error {
	req := braidhttp.BraidRequest{Peer: d.PeerID}
	if domain := hostOf(rawURL); domain != "" {
		if cookie, ok := d.Config.CookieFor(domain); ok {
			req.ExtraHeaders = map[string]string{"Cookie": cookie}
		}
	}
	resp, err := d.Client.Fetch(ctx, rawURL, req)
	if err != nil {
		return err
	}
	if resp.Status == 401 {
		return braiderr.Unauthorized(rawURL)
	}
	if resp.Status == 403 {
		return braiderr.Forbidden(rawURL)
	}
	if resp.Status >= 400 {
		return braiderr.New(braiderr.KindTransport, "INITIAL_FETCH", fmt.Sprintf("status %d", resp.Status))
	}

	body := string(resp.Body)
	if htmlmd.LooksLikeHTML(body) {
		if converted, cerr := htmlmd.Extract(body); cerr == nil {
			body = converted
		}
	}

	if err := d.writeLocalOrDefer(rawURL, body); err != nil {
		return err
	}
	d.cacheContent(rawURL, body)

	if len(resp.Version) > 0 {
		fv := FileVersion{CurrentVersion: stringsOf(resp.Version)}
		if err := d.Versions.Set(rawURL, fv); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) runSubscription(ctx context.Context, rawURL string) error {
	req := braidhttp.BraidRequest{Peer: d.PeerID, Heartbeats: 30 * time.Second}
	if mt := d.mergeTypeFor(rawURL); mt != "" {
		req.MergeType = mt
	}
	sub, err := d.Client.Subscribe(ctx, rawURL, req)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-sub.Updates:
			if !ok {
				return nil
			}
			d.touchActivity(rawURL)
			if err := d.applyIncoming(rawURL, upd); err != nil {
				log.WithField("url", rawURL).WithField("error", err).Warn("failed to apply incoming update")
			}
		case err, ok := <-sub.Errors:
			if !ok || err == nil {
				return nil
			}
			return err
		}
	}
}

// applyIncoming applies one incoming subscription update.
func (d *Daemon) applyIncoming(rawURL string, upd *wire.Update) error {
	if d.isEcho(upd.Version) {
		if d.Metrics != nil {
			d.Metrics.EchoesSuppressed.Inc()
		}
		return nil
	}
	if d.Metrics != nil {
		d.Metrics.UpdatesReceived.Inc()
	}
	if stored, ok := d.Versions.Get(rawURL); ok && sameVersionSet(stored.CurrentVersion, upd.Version) {
		return nil
	}

	d.setMergeTypeFor(rawURL, upd.MergeType)

	if err := d.Versions.Set(rawURL, FileVersion{
		CurrentVersion: stringsOf(upd.Version),
		Parents:        stringsOf(upd.Parents),
	}); err != nil {
		return err
	}

	content, ok := d.ContentCache(rawURL)
	if !ok {
		content = ""
	}
	newContent, err := applyUpdateToContent(content, upd)
	if err != nil {
		return braiderr.Wrap(braiderr.KindMerge, "APPLY_FAILED", "applying incoming patch", err)
	}

	if d.isLocalManaged(rawURL) {
		d.cacheContent(rawURL, newContent)
		return nil
	}
	if err := d.writeLocalOrDefer(rawURL, newContent); err != nil {
		return err
	}
	d.cacheContent(rawURL, newContent)
	return nil
}

// applyUpdateToContent resolves an Update against the currently
// cached content: a body-bearing update is a full snapshot; a
// patch-bearing update is applied range by range using the same
// range grammar the merge-type registry uses, since the wire-level
// patch is expressed in exactly that grammar.
func applyUpdateToContent(content string, upd *wire.Update) (string, error) {
	if upd.HasBody {
		return string(upd.Body), nil
	}
	for _, p := range upd.Patches {
		pr, err := merge.ParseRange(p.Range, len(content))
		if err != nil {
			return "", err
		}
		if pr.Replace {
			content = string(p.Content)
			continue
		}
		if pr.Start < 0 || pr.End > len(content) || pr.Start > pr.End {
			return "", braiderr.Malformed(fmt.Sprintf("patch range %q out of bounds", p.Range))
		}
		content = content[:pr.Start] + string(p.Content) + content[pr.End:]
	}
	return content, nil
}

func sameVersionSet(a []string, b []wire.Version) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[string]struct{}{}
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := seen[string(v)]; !ok {
			return false
		}
	}
	return true
}

func stringsOf(vs []wire.Version) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}

func versionsOfStrings(ss []string) []wire.Version {
	out := make([]wire.Version, len(ss))
	for i, s := range ss {
		out[i] = wire.Version(s)
	}
	return out
}

// WriteBridgedContent writes content to url's mapped local file on
// behalf of the 209 bridge (C11): the bridge owns the write for any
// URL in local_server_managed, so this goes through the same
// pending_writes echo guard as the direct subscription path.
func (d *Daemon) WriteBridgedContent(rawURL, content string) error {
	if err := d.writeLocalOrDefer(rawURL, content); err != nil {
		return err
	}
	d.cacheContent(rawURL, content)
	return nil
}

// writeLocalOrDefer atomically writes content to url's mapped path,
// registering the path in pending_writes first so the filesystem
// watcher's own echo guard ignores the event this write generates.
func (d *Daemon) writeLocalOrDefer(rawURL, content string) error {
	path, err := fsmap.URLToPath(d.Root, rawURL)
	if err != nil {
		return err
	}
	d.markPendingWrite(path)
	return d.atomicWriteFile(path, content)
}

func (d *Daemon) atomicWriteFile(path, content string) error {
	if err := AtomicWrite(path, []byte(content)); err != nil {
		if resolvePathConflict(path) {
			if err := AtomicWrite(path, []byte(content)); err == nil {
				return nil
			}
		}
		return braiderr.Wrap(braiderr.KindIO, "WRITE_FAILED", "writing synced file", err)
	}
	return nil
}

// resolvePathConflict implements the IO-kind handling: a path
// conflict (a file sits where a directory component is needed, or a
// directory sits where the target file is needed) is resolved
// automatically by renaming the offender to "<name>.txt", then the
// caller retries the write once. Reports whether it found and moved a
// conflicting entry.
func resolvePathConflict(path string) bool {
	if fi, err := os.Lstat(path); err == nil && fi.IsDir() {
		return os.Rename(path, path+".txt") == nil
	}
	dir := filepath.Dir(path)
	for dir != "." && dir != string(filepath.Separator) {
		if fi, err := os.Lstat(dir); err == nil && !fi.IsDir() {
			return os.Rename(dir, dir+".txt") == nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Pushes to this host omit the Parents header to avoid engaging an
// incompatible merge type on the remote.
const deadBraidOrgHost = "braid.org"

// PushLocalToRemote pushes a local edit upstream: fetch the server's
// current state, defer to it under LWW if it disagrees with our local
// file, otherwise mint a new version and PUT.
func (d *Daemon) PushLocalToRemote(ctx context.Context, rawURL string, localContent string) error {
	resp, err := d.Client.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	if resp.Status == 401 {
		return braiderr.Unauthorized(rawURL)
	}
	if resp.Status == 403 {
		return braiderr.Forbidden(rawURL)
	}
	if resp.Status >= 400 {
		d.recordFailure(rawURL, resp.Status)
		return braiderr.New(braiderr.KindTransport, "PUSH_HEAD", fmt.Sprintf("status %d", resp.Status))
	}

	serverContent := string(resp.Body)
	if serverContent != "" && serverContent != localContent {
		if err := d.writeLocalOrDefer(rawURL, serverContent); err != nil {
			return err
		}
		d.cacheContent(rawURL, serverContent)
		if len(resp.Version) > 0 {
			d.Versions.Set(rawURL, FileVersion{CurrentVersion: stringsOf(resp.Version)})
		}
		return nil
	}

	newVersion := fmt.Sprintf("%d-%s", time.Now().UnixNano(), d.PeerID)
	req := braidhttp.BraidRequest{
		Version: []wire.Version{wire.Version(newVersion)},
		Peer:    d.PeerID,
	}
	if mt := d.mergeTypeFor(rawURL); mt != "" {
		req.MergeType = mt
	}
	if hostOf(rawURL) != deadBraidOrgHost {
		if stored, ok := d.Versions.Get(rawURL); ok {
			req.Parents = versionsOfStrings(stored.CurrentVersion)
		}
	}

	putResp, err := d.Client.Put(ctx, rawURL, []byte(localContent), req)
	if err != nil {
		return err
	}
	if putResp.Status == 401 {
		return braiderr.Unauthorized(rawURL)
	}
	if putResp.Status == 403 {
		return braiderr.Forbidden(rawURL)
	}
	if putResp.Status >= 400 {
		d.recordFailure(rawURL, putResp.Status)
		return braiderr.New(braiderr.KindTransport, "PUSH_PUT", fmt.Sprintf("status %d", putResp.Status))
	}

	d.cacheContent(rawURL, localContent)
	return d.Versions.Set(rawURL, FileVersion{CurrentVersion: []string{newVersion}})
}
