package braidhttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/braidfs/braidfs/internal/braiderr"
	"github.com/braidfs/braidfs/internal/logging"
	"github.com/braidfs/braidfs/internal/p2pid"
	"github.com/braidfs/braidfs/internal/wire"
)

var clientLog = logging.For("braidhttp.client")

// RetryConfig controls the client's retry policy.
type RetryConfig struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
}

// DefaultRetryConfig is three attempts, exponential backoff starting
// at 100ms, capped at 5s.
var DefaultRetryConfig = RetryConfig{MaxAttempts: 3, InitialWait: 100 * time.Millisecond, MaxWait: 5 * time.Second}

// BraidRequest is the client-side request shape.
type BraidRequest struct {
	Method       string
	Version      []wire.Version
	Parents      []wire.Version
	MergeType    string
	ContentType  string
	Subscribe    wire.SubscribeValue
	Peer         string
	Heartbeats   time.Duration
	Body         []byte
	ExtraHeaders map[string]string
	Retry        *RetryConfig
}

// Response is the decoded result of a non-subscribing request.
type Response struct {
	Status  int
	Version []wire.Version
	Parents []wire.Version
	Headers http.Header
	Body    []byte
}

// Client issues Braid-dialect HTTP requests.
type Client struct {
	HTTP *http.Client

	// P2P, when set, is used instead of plain HTTP for any URL using
	// the braid+p2p:// scheme. Nil means every request goes over HTTP
	// regardless of scheme.
	P2P *p2pid.Identity
}

// NewClient builds a Client with sane request timeouts.
func NewClient() *Client {
	return &Client{HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Fetch issues req against url, retrying per req.Retry (or
// DefaultRetryConfig) on 429/503/transient network errors, honoring
// Retry-After, and resetting the attempt counter on any 2xx-3xx
// response.
func (c *Client) Fetch(ctx context.Context, url string, req BraidRequest) (*Response, error) {
	cfg := DefaultRetryConfig
	if req.Retry != nil {
		cfg = *req.Retry
	}

	wait := cfg.InitialWait
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		resp, err := c.doOnce(ctx, url, req)
		if err == nil && resp.Status >= 200 && resp.Status < 400 {
			return resp, nil
		}
		if err != nil {
			lastErr = braiderr.Transient("fetch", err)
		} else if resp.Status == 429 || resp.Status == 503 {
			lastErr = braiderr.New(braiderr.KindTransport, "RETRYABLE_STATUS", fmt.Sprintf("status %d", resp.Status))
			if ra := resp.Headers.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.Atoi(ra); perr == nil {
					wait = time.Duration(secs) * time.Second
				}
			}
		} else {
			return resp, nil
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait = time.Duration(math.Min(float64(wait*2), float64(cfg.MaxWait)))
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, url string, req BraidRequest) (*Response, error) {
	if c.P2P != nil && p2pid.IsP2PURL(url) {
		return c.p2pFetch(ctx, url, req)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method == http.MethodPut && len(req.Version) == 0 {
		req.Version = []wire.Version{wire.Version(generateID())}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	if len(req.Version) > 0 {
		httpReq.Header.Set(wire.HeaderVersion, wire.FormatVersionList(req.Version))
	}
	if len(req.Parents) > 0 {
		httpReq.Header.Set(wire.HeaderParents, wire.FormatVersionList(req.Parents))
	}
	if req.MergeType != "" {
		httpReq.Header.Set(wire.HeaderMergeType, req.MergeType)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if req.Subscribe != wire.SubscribeFalse {
		httpReq.Header.Set(wire.HeaderSubscribe, req.Subscribe.String())
	}
	if req.Peer != "" {
		httpReq.Header.Set(wire.HeaderPeer, req.Peer)
	}
	if req.Heartbeats > 0 {
		httpReq.Header.Set(wire.HeaderHeartbeats, fmt.Sprintf("%ds", int(req.Heartbeats.Seconds())))
	}
	for k, v := range req.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}

	resp := &Response{Status: httpResp.StatusCode, Headers: httpResp.Header, Body: body}
	if v := httpResp.Header.Get(wire.HeaderVersion); v != "" {
		resp.Version, _ = wire.ParseVersionList(v)
	}
	if v := httpResp.Header.Get(wire.HeaderParents); v != "" {
		resp.Parents, _ = wire.ParseVersionList(v)
	}
	return resp, nil
}

// Get issues a simple GET.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Fetch(ctx, url, BraidRequest{Method: http.MethodGet})
}

// Put issues a PUT with the given body; a new version is minted if
// req.Version is empty.
func (c *Client) Put(ctx context.Context, url string, body []byte, req BraidRequest) (*Response, error) {
	req.Method = http.MethodPut
	req.Body = body
	return c.Fetch(ctx, url, req)
}

// Post issues a POST.
func (c *Client) Post(ctx context.Context, url string, body []byte, req BraidRequest) (*Response, error) {
	req.Method = http.MethodPost
	req.Body = body
	return c.Fetch(ctx, url, req)
}

// Poke issues a zero-body PUT used to nudge a resource without
// changing its content (a cheap liveness probe in this dialect).
func (c *Client) Poke(ctx context.Context, url string) (*Response, error) {
	return c.Fetch(ctx, url, BraidRequest{Method: http.MethodPut, Body: []byte{}})
}

// Subscription is a cancellable, forward-only sequence of Updates.
type Subscription struct {
	Updates <-chan *wire.Update
	Errors  <-chan error
	cancel  context.CancelFunc
}

// Cancel tears down the subscription's receiver goroutine.
func (s *Subscription) Cancel() { s.cancel() }

// Subscribe opens a streaming GET with Subscribe: true, feeding the
// response body through the C2 parser and surfacing each complete
// frame as an Update. IO errors observed after a
// quiet interval are classified as transient so callers can retry;
// a clean stream close is simply a close of the Updates channel with
// no error.
func (c *Client) Subscribe(ctx context.Context, url string, req BraidRequest) (*Subscription, error) {
	req.Method = http.MethodGet
	req.Subscribe = wire.SubscribeTrue
	if req.Heartbeats == 0 {
		req.Heartbeats = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set(wire.HeaderSubscribe, "true")
	httpReq.Header.Set(wire.HeaderHeartbeats, fmt.Sprintf("%ds", int(req.Heartbeats.Seconds())))
	if req.Peer != "" {
		httpReq.Header.Set(wire.HeaderPeer, req.Peer)
	}
	if req.MergeType != "" {
		httpReq.Header.Set(wire.HeaderMergeType, req.MergeType)
	}
	// A catch-up subscribe names the versions it already has.
	if len(req.Parents) > 0 {
		httpReq.Header.Set(wire.HeaderParents, wire.FormatVersionList(req.Parents))
	}
	for k, v := range req.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}

	updates := make(chan *wire.Update, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(updates)
		defer httpResp.Body.Close()
		p := wire.NewParser()
		buf := make([]byte, 4096)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := httpResp.Body.Read(buf)
			if n > 0 {
				got, perr := p.Feed(buf[:n])
				if perr != nil {
					errs <- braiderr.Wrap(braiderr.KindProtocol, "DECODE", "decoding subscription frame", perr)
					return
				}
				for _, u := range got {
					select {
					case updates <- u:
					case <-ctx.Done():
						return
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					errs <- braiderr.Transient("subscribe", err)
				}
				return
			}
		}
	}()

	return &Subscription{Updates: updates, Errors: errs, cancel: cancel}, nil
}

// p2pFetch encodes req as a raw Braid header block (plus body) and
// carries it over a direct libp2p stream via c.P2P instead of HTTP,
// for a braid+p2p://{peer-multiaddr}#{path} URL. Same headers,
// different transport underneath.
func (c *Client) p2pFetch(ctx context.Context, url string, req BraidRequest) (*Response, error) {
	_, path := p2pid.SplitP2PURL(url)
	reqBytes := encodeP2PRequest(path, req)

	respBytes, err := c.P2P.Fetch(ctx, url, reqBytes)
	if err != nil {
		return nil, err
	}
	return decodeP2PResponse(respBytes)
}

// encodeP2PRequest renders req as a Braid header block (plus body)
// carried over a libp2p stream instead of an HTTP connection: method
// and path travel as ordinary (if non-standard) headers since there
// is no HTTP request line on this transport.
func encodeP2PRequest(path string, req BraidRequest) []byte {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method == http.MethodPut && len(req.Version) == 0 {
		req.Version = []wire.Version{wire.Version(generateID())}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "method: %s\r\n", method)
	fmt.Fprintf(&buf, "path: %s\r\n", path)
	if len(req.Version) > 0 {
		fmt.Fprintf(&buf, "%s: %s\r\n", wire.HeaderVersion, wire.FormatVersionList(req.Version))
	}
	if len(req.Parents) > 0 {
		fmt.Fprintf(&buf, "%s: %s\r\n", wire.HeaderParents, wire.FormatVersionList(req.Parents))
	}
	if req.MergeType != "" {
		fmt.Fprintf(&buf, "%s: %s\r\n", wire.HeaderMergeType, req.MergeType)
	}
	if req.ContentType != "" {
		fmt.Fprintf(&buf, "content-type: %s\r\n", req.ContentType)
	}
	for k, v := range req.ExtraHeaders {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(&buf, "content-length: %d\r\n\r\n", len(req.Body))
	buf.Write(req.Body)
	return buf.Bytes()
}

// decodeP2PResponse parses the raw bytes a peer's FetchProtocol
// handler returned into a Response, the mirror of braid-serverd's own
// p2pRequestHandler encoding.
func decodeP2PResponse(respBytes []byte) (*Response, error) {
	p := wire.NewParser()
	msgs, err := p.Feed(respBytes)
	if err != nil {
		return nil, braiderr.Wrap(braiderr.KindProtocol, "P2P_DECODE", "decoding p2p response", err)
	}
	if len(msgs) == 0 {
		return nil, braiderr.New(braiderr.KindProtocol, "P2P_EMPTY_RESPONSE", "peer returned no complete frame")
	}
	u := msgs[0]
	status := u.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{Status: status, Version: u.Version, Parents: u.Parents, Body: u.Body}, nil
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
