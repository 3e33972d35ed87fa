package braidhttp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/braidfs/braidfs/internal/braiderr"
	"github.com/braidfs/braidfs/internal/wire"
)

// Multiplexer opens a single tunnel connection over
// which many logical request/response pairs are framed. The primary
// connection is a websocket upgrade (GET {origin}/.multiplex?m={id})
// carrying Multiplex-Version: 1.0; no request with the MULTIPLEX
// method is sent. Once the server accepts, every subsequent
// frame traveling over it is either raw bytes for an r-id or a
// CloseResponse(r-id) sentinel. A websocket connection (rather than a
// raw TCP tunnel) carries the framing here, since it already gives
// the pack's message-oriented read/write primitives for free.
type Multiplexer struct {
	conn   *websocket.Conn
	mID    string
	mu     sync.Mutex
	nextID int

	pending   map[string]chan frame
	orphans   map[string][]frame
	pendingMu sync.Mutex
}

type frame struct {
	rID     string
	data    []byte
	closed  bool
}

const multiplexVersion = "1.0"

// DialMultiplexer opens the primary multiplexer connection against
// origin, the server's base URL (http, https, ws or wss). http and
// https are rewritten to ws and wss, and the path is replaced with
// /.multiplex plus an m= query naming the new multiplexer.
func DialMultiplexer(ctx context.Context, origin string) (*Multiplexer, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	mID := generateID()
	u.Path = "/.multiplex"
	q := u.Query()
	q.Set("m", mID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set(wire.HeaderMultiplexVersion, multiplexVersion)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, braiderr.Transient("multiplex-dial", err)
	}
	m := &Multiplexer{conn: conn, mID: mID, pending: map[string]chan frame{}, orphans: map[string][]frame{}}
	go m.readLoop()
	return m, nil
}

func (m *Multiplexer) readLoop() {
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			m.pendingMu.Lock()
			for _, ch := range m.pending {
				close(ch)
			}
			m.pending = map[string]chan frame{}
			m.pendingMu.Unlock()
			return
		}
		f, ok := decodeFrame(data)
		if !ok {
			continue
		}
		m.pendingMu.Lock()
		ch, ok := m.pending[f.rID]
		if !ok {
			// Frames can land before the caller's Await registers;
			// hold them until it does.
			m.orphans[f.rID] = append(m.orphans[f.rID], f)
			m.pendingMu.Unlock()
			continue
		}
		m.pendingMu.Unlock()
		ch <- f
		if f.closed {
			m.pendingMu.Lock()
			delete(m.pending, f.rID)
			m.pendingMu.Unlock()
			close(ch)
		}
	}
}

// NextRequestID mints a fresh r-id for a new tunnelled request.
func (m *Multiplexer) NextRequestID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return fmt.Sprintf("r%d", m.nextID)
}

// ThroughPath is the value to set in the Multiplex-Through header for
// a request tunnelled over this multiplexer under rID.
func (m *Multiplexer) ThroughPath(rID string) string {
	return fmt.Sprintf("/.well-known/multiplexer/%s/%s", m.mID, rID)
}

// Await blocks until the tunnelled response for rID is fully received
// (all frames up to its CloseResponse sentinel), returning the
// concatenated raw bytes (a ":status: NNN\r\n..." header block
// followed by the body).
func (m *Multiplexer) Await(ctx context.Context, rID string) ([]byte, error) {
	ch := make(chan frame, 8)
	m.pendingMu.Lock()
	held := m.orphans[rID]
	delete(m.orphans, rID)
	m.pending[rID] = ch
	m.pendingMu.Unlock()

	var out []byte
	for _, f := range held {
		out = append(out, f.data...)
		if f.closed {
			m.pendingMu.Lock()
			delete(m.pending, rID)
			m.pendingMu.Unlock()
			return out, nil
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case f, ok := <-ch:
			if !ok {
				return out, nil
			}
			out = append(out, f.data...)
			if f.closed {
				return out, nil
			}
		}
	}
}

// Close tears down the primary connection.
func (m *Multiplexer) Close() error { return m.conn.Close() }

// --- wire framing -----------------------------------------------------
//
// Each frame is: [2-byte r-id length][r-id bytes][1-byte closed flag][payload].

func encodeFrame(rID string, data []byte, closed bool) []byte {
	buf := make([]byte, 2+len(rID)+1+len(data))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(rID)))
	copy(buf[2:], rID)
	off := 2 + len(rID)
	if closed {
		buf[off] = 1
	}
	copy(buf[off+1:], data)
	return buf
}

func decodeFrame(b []byte) (frame, bool) {
	if len(b) < 3 {
		return frame{}, false
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+n+1 {
		return frame{}, false
	}
	rID := string(b[2 : 2+n])
	closed := b[2+n] != 0
	data := b[2+n+1:]
	return frame{rID: rID, data: data, closed: closed}, true
}

// WriteChunk sends one raw-bytes frame for rID, per CloseResponse
// framing semantics (closed=false).
func (m *Multiplexer) WriteChunk(rID string, data []byte) error {
	return m.conn.WriteMessage(websocket.BinaryMessage, encodeFrame(rID, data, false))
}

// CloseResponse sends the CloseResponse(r-id) sentinel, ending that
// logical response's frame stream.
func (m *Multiplexer) CloseResponse(rID string) error {
	return m.conn.WriteMessage(websocket.BinaryMessage, encodeFrame(rID, nil, true))
}

var _ io.Closer = (*Multiplexer)(nil)

// ParseThroughPath decodes "/.well-known/multiplexer/{m}/{r}" into its
// multiplexer and request ids.
func ParseThroughPath(s string) (mID, rID string, ok bool) {
	const prefix = "/.well-known/multiplexer/"
	if !strings.HasPrefix(s, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(s, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// MultiplexRegistry is the server side of the tunnel: it accepts
// MULTIPLEX upgrades on /.multiplex and rewrites any response whose
// request carries a Multiplex-Through header naming an active tunnel,
// returning 293 on the original connection.
type MultiplexRegistry struct {
	mu      sync.Mutex
	tunnels map[string]*serverTunnel

	upgrader websocket.Upgrader
}

type serverTunnel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *serverTunnel) send(rID string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, encodeFrame(rID, data, false)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, encodeFrame(rID, nil, true))
}

// NewMultiplexRegistry creates an empty registry.
func NewMultiplexRegistry() *MultiplexRegistry {
	return &MultiplexRegistry{tunnels: map[string]*serverTunnel{}}
}

// Middleware wraps next so that /.multiplex upgrades register a tunnel
// and tunnelled requests are answered with 293 plus a pushed response.
func (reg *MultiplexRegistry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.multiplex" {
			reg.handleUpgrade(w, r)
			return
		}
		through := r.Header.Get(wire.HeaderMultiplexThrough)
		if mID, rID, ok := ParseThroughPath(through); ok {
			if t := reg.get(mID); t != nil {
				rec := newTunnelRecorder()
				next.ServeHTTP(rec, r)
				if err := t.send(rID, rec.encode()); err == nil {
					WriteTunnelled(w)
					return
				}
				// Tunnel write failed: fall through and answer on the
				// original connection instead.
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (reg *MultiplexRegistry) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	mID := r.URL.Query().Get("m")
	if mID == "" {
		http.Error(w, "missing multiplexer id", http.StatusBadRequest)
		return
	}
	conn, err := reg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	t := &serverTunnel{conn: conn}
	reg.mu.Lock()
	reg.tunnels[mID] = t
	reg.mu.Unlock()

	// The tunnel is write-only from the server's point of view; reading
	// until error is how we learn the client went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		reg.mu.Lock()
		delete(reg.tunnels, mID)
		reg.mu.Unlock()
		conn.Close()
	}()
}

func (reg *MultiplexRegistry) get(mID string) *serverTunnel {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.tunnels[mID]
}

// tunnelRecorder buffers a handler's response so it can be re-encoded
// into the tunnel as a ":status: NNN" header block plus body.
type tunnelRecorder struct {
	status int
	header http.Header
	body   []byte
}

func newTunnelRecorder() *tunnelRecorder {
	return &tunnelRecorder{status: http.StatusOK, header: http.Header{}}
}

func (t *tunnelRecorder) Header() http.Header { return t.header }

func (t *tunnelRecorder) WriteHeader(status int) { t.status = status }

func (t *tunnelRecorder) Write(b []byte) (int, error) {
	t.body = append(t.body, b...)
	return len(b), nil
}

func (t *tunnelRecorder) encode() []byte {
	var buf []byte
	buf = append(buf, fmt.Sprintf(":status: %d\r\n", t.status)...)
	for k, vs := range t.header {
		for _, v := range vs {
			buf = append(buf, fmt.Sprintf("%s: %s\r\n", k, v)...)
		}
	}
	buf = append(buf, fmt.Sprintf("content-length: %d\r\n\r\n", len(t.body))...)
	buf = append(buf, t.body...)
	return buf
}

// FetchVia issues req decorated with Multiplex-Through against url; a
// 293 reply means the real response was tunnelled, so it is read back
// from m and decoded.
func (c *Client) FetchVia(ctx context.Context, m *Multiplexer, url string, req BraidRequest) (*Response, error) {
	rID := m.NextRequestID()
	if req.ExtraHeaders == nil {
		req.ExtraHeaders = map[string]string{}
	}
	req.ExtraHeaders[wire.HeaderMultiplexThrough] = m.ThroughPath(rID)

	resp, err := c.Fetch(ctx, url, req)
	if err != nil {
		return nil, err
	}
	if resp.Status != 293 {
		return resp, nil
	}

	raw, err := m.Await(ctx, rID)
	if err != nil {
		return nil, err
	}
	p := wire.NewParser()
	msgs, err := p.Feed(raw)
	if err != nil {
		return nil, braiderr.Wrap(braiderr.KindProtocol, "TUNNEL_DECODE", "decoding tunnelled response", err)
	}
	if len(msgs) == 0 {
		return nil, braiderr.New(braiderr.KindProtocol, "TUNNEL_EMPTY", "tunnel closed before a complete response")
	}
	u := msgs[0]
	status := u.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{Status: status, Version: u.Version, Parents: u.Parents, Body: u.Body}, nil
}
