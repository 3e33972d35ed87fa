// Command braid-serverd is a minimal reference Braid resource server:
// C7 (HTTP middleware/response builder) over C8 (resource-state
// manager) over C5 (merge-type registry), with C12 (pages storage)
// as its persistence layer, so the client side and integration
// tests have something real to sync against without standing up the
// full daemon.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/braidfs/braidfs/internal/admin"
	"github.com/braidfs/braidfs/internal/braidhttp"
	"github.com/braidfs/braidfs/internal/logging"
	"github.com/braidfs/braidfs/internal/merge"
	"github.com/braidfs/braidfs/internal/p2pid"
	"github.com/braidfs/braidfs/internal/pages"
	"github.com/braidfs/braidfs/internal/resource"
	"github.com/braidfs/braidfs/internal/wire"
)

var log = logging.For("braid-serverd")

func main() {
	var addr, adminAddr, dataDir, peerID string
	var enableP2P bool

	root := &cobra.Command{
		Use:   "braid-serverd",
		Short: "Reference Braid resource server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), addr, adminAddr, dataDir, peerID, enableP2P)
		},
	}
	root.Flags().StringVar(&addr, "addr", ":8080", "address to listen on for Braid HTTP traffic")
	root.Flags().StringVar(&adminAddr, "admin-addr", ":8081", "address to listen on for /metrics and /debug/pprof")
	root.Flags().StringVar(&dataDir, "data-dir", "./braid-serverd-data", "directory for page persistence")
	root.Flags().StringVar(&peerID, "peer-id", "server", "peer id this process mints versions under")
	root.Flags().BoolVar(&enableP2P, "p2p", false, "also accept braid+p2p:// fetches over a libp2p stream")

	if err := root.Execute(); err != nil {
		log.WithField("error", err).Fatal("braid-serverd exited with error")
	}
}

func run(ctx context.Context, addr, adminAddr, dataDir, peerID string, enableP2P bool) error {
	pageStore, err := pages.Open(dataDir)
	if err != nil {
		return err
	}

	mgr := resource.NewManager(merge.NewRegistry(), peerID).WithPersistence(pageStore)
	srv := &braidhttp.Server{Resources: mgr, Tunnels: braidhttp.NewMultiplexRegistry()}

	if enableP2P {
		id, err := p2pid.LoadOrCreate(dataDir, p2pRequestHandler(srv.Router()))
		if err != nil {
			return err
		}
		defer id.Close()
		log.WithField("peer", id.Host.ID().String()).Info("accepting braid+p2p:// fetches")
	}

	_, reg := admin.NewMetrics()

	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 15 * time.Second}
	adminSrv := admin.NewServer(adminAddr, reg, true)

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", addr).Info("braid-serverd listening")
		errCh <- httpSrv.ListenAndServe()
	}()
	go func() {
		log.WithField("addr", adminAddr).Info("admin server listening")
		errCh <- adminSrv.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Error("server exited unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	adminSrv.Shutdown(shutdownCtx)
	return nil
}

// p2pRequestHandler adapts router to the raw-bytes-in/raw-bytes-out
// shape p2pid's libp2p stream handler expects: it decodes a request
// encoded by braidhttp.Client.p2pFetch (method/path pseudo-headers
// plus the usual Braid headers) into an in-process http.Request,
// drives it through router exactly as the HTTP listener would, and
// re-encodes the recorded response as an HTTP/1.1 status line plus
// headers plus body so the client's wire.Parser can decode it.
func p2pRequestHandler(router http.Handler) func([]byte) []byte {
	return func(raw []byte) []byte {
		p := wire.NewParser()
		msgs, err := p.Feed(raw)
		if err != nil || len(msgs) == 0 {
			return []byte("HTTP/1.1 400 Bad Request\r\ncontent-length: 0\r\n\r\n")
		}
		u := msgs[0]

		method := u.ExtraHeaders["method"]
		if method == "" {
			method = http.MethodGet
		}
		path := u.ExtraHeaders["path"]
		if path == "" {
			path = "/"
		}

		httpReq := httptest.NewRequest(method, path, bytes.NewReader(u.Body))
		if len(u.Version) > 0 {
			httpReq.Header.Set(wire.HeaderVersion, wire.FormatVersionList(u.Version))
		}
		if len(u.Parents) > 0 {
			httpReq.Header.Set(wire.HeaderParents, wire.FormatVersionList(u.Parents))
		}
		if u.MergeType != "" {
			httpReq.Header.Set(wire.HeaderMergeType, u.MergeType)
		}
		if u.ContentType != "" {
			httpReq.Header.Set("Content-Type", u.ContentType)
		}

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httpReq)

		var buf bytes.Buffer
		fmt.Fprintf(&buf, "HTTP/1.1 %d status\r\n", rec.Code)
		for k, vs := range rec.Header() {
			for _, v := range vs {
				fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
			}
		}
		body := rec.Body.Bytes()
		fmt.Fprintf(&buf, "content-length: %d\r\n\r\n", len(body))
		buf.Write(body)
		return buf.Bytes()
	}
}
