// This file implements the daemon's HTTP control API: the scriptable
// surface braidctl and the interactive console both drive, layered
// over the same httprouter.Router shape the rest of this fabric uses
// for its resource/bridge endpoints. Paths that match no control
// endpoint fall through to the Braid-aware filesystem passthrough.
package daemon

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/braidfs/braidfs/internal/wire"
)

// ControlAPI exposes the daemon's management endpoints: enabling or
// disabling sync for a URL, pushing local edits, setting cookies and
// identities, reading config/error state, and the raw version-store
// accessors.
type ControlAPI struct {
	Daemon *Daemon
}

// NewControlAPI builds a control API bound to d.
func NewControlAPI(d *Daemon) *ControlAPI {
	return &ControlAPI{Daemon: d}
}

// Router returns the httprouter.Router exposing the control
// endpoints under /api and /.braidfs.
func (c *ControlAPI) Router() *httprouter.Router {
	r := httprouter.New()
	r.PUT("/api/sync", c.putSync)
	r.DELETE("/api/sync", c.deleteSync)
	r.PUT("/api/push", c.putPush)
	r.PUT("/api/push/binary", c.putPushBinary)
	r.PUT("/api/cookie", c.putCookie)
	r.PUT("/api/identity", c.putIdentity)
	r.GET("/api/get", c.getGet)
	r.GET("/.braidfs/config", c.getConfig)
	r.GET("/.braidfs/errors", c.getErrors)
	r.GET("/.braidfs/get_version/*fullpath", c.getVersion)
	r.PUT("/.braidfs/set_version/*fullpath", c.setVersion)
	// httprouter rejects a catch-all that overlaps the routes above,
	// so the filesystem passthrough hangs off the not-found handler.
	r.NotFound = http.HandlerFunc(c.passthrough)
	return r
}

// passthrough serves GET /{path} and PUT /{path} directly against the
// sync root. GET returns the file's bytes plus the stored Version
// header when the path is known to the version store; PUT writes the
// file atomically (through the pending-writes echo guard) and records
// a Version header if the client sent one.
func (c *ControlAPI) passthrough(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/")
	if rel == "" || strings.Contains(rel, "..") || strings.HasPrefix(rel, ".braidfs") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	abs := filepath.Join(c.Daemon.Root, filepath.FromSlash(rel))

	switch r.Method {
	case http.MethodGet:
		data, err := os.ReadFile(abs)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if fv, ok := c.Daemon.Versions.Get(rel); ok && len(fv.CurrentVersion) > 0 {
			w.Header().Set("Version", wire.FormatVersionList(versionsOfStrings(fv.CurrentVersion)))
			if len(fv.Parents) > 0 {
				w.Header().Set("Parents", wire.FormatVersionList(versionsOfStrings(fv.Parents)))
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write(data)
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		c.Daemon.markPendingWrite(abs)
		if err := c.Daemon.atomicWriteFile(abs, string(body)); err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		if raw := r.Header.Get("Version"); raw != "" {
			if vs, err := wire.ParseVersionList(raw); err == nil && len(vs) > 0 {
				c.Daemon.Versions.Set(rel, FileVersion{CurrentVersion: stringsOf(vs)})
			}
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type syncRequest struct {
	URL string `json:"url"`
}

func (c *ControlAPI) putSync(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := c.Daemon.Config.SetSync(req.URL, true); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (c *ControlAPI) deleteSync(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := c.Daemon.Config.SetSync(req.URL, false); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type pushRequest struct {
	URL         string `json:"url"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

func (c *ControlAPI) putPush(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := c.Daemon.PushLocalToRemote(r.Context(), req.URL, req.Content); err != nil {
		writeErr(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// putPushBinary takes the URL via query and the body raw, per
// the "binary variant".
func (c *ControlAPI) putPushBinary(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeErr(w, http.StatusBadRequest, errMissingURL)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := c.Daemon.PushLocalToRemote(r.Context(), url, string(body)); err != nil {
		writeErr(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type cookieRequest struct {
	Domain string `json:"domain"`
	Value  string `json:"value"`
}

func (c *ControlAPI) putCookie(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req cookieRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := c.Daemon.Config.SetCookie(req.Domain, req.Value); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type identityRequest struct {
	Domain string `json:"domain"`
	Email  string `json:"email"`
}

func (c *ControlAPI) putIdentity(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := c.Daemon.Config.SetIdentity(req.Domain, req.Email); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (c *ControlAPI) getGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	url := r.URL.Query().Get("url")
	content, ok := c.Daemon.ContentCache(url)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(content))
}

func (c *ControlAPI) getConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, c.Daemon.Config.Snapshot())
}

func (c *ControlAPI) getErrors(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, c.Daemon.FailedSyncs())
}

func (c *ControlAPI) getVersion(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fullpath := strings.TrimPrefix(ps.ByName("fullpath"), "/")
	hash := r.URL.Query().Get("hash")
	fv, ok := c.Daemon.Versions.Get(fullpath)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if hash != "" && !containsString(fv.CurrentVersion, hash) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, fv)
}

func (c *ControlAPI) setVersion(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fullpath := strings.TrimPrefix(ps.ByName("fullpath"), "/")
	parents := r.URL.Query().Get("parents")
	var parentList []string
	if parents != "" {
		parentList = strings.Split(parents, ",")
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	version := strings.TrimSpace(string(body))
	if version == "" {
		writeErr(w, http.StatusBadRequest, errMissingVersion)
		return
	}
	if err := c.Daemon.Versions.Set(fullpath, FileVersion{
		CurrentVersion: []string{version},
		Parents:        parentList,
	}); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

var errMissingURL = newControlErr("url is required")
var errMissingVersion = newControlErr("version body is required")

type controlErr string

func (e controlErr) Error() string { return string(e) }

func newControlErr(msg string) error { return controlErr(msg) }
