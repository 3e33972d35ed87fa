// Command braidfs is the sync daemon's entrypoint: a cobra top-level
// command wiring the file↔resource sync loop (C10), the local 209
// bridge (C11), the control API and admin endpoints
// together through an fx.App composition root, plus the interactive
// token/sync console (cobra has no REPL concept, so that loop is hand
// written on top).
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/braidfs/braidfs/internal/admin"
	"github.com/braidfs/braidfs/internal/braidhttp"
	"github.com/braidfs/braidfs/internal/bridge"
	"github.com/braidfs/braidfs/internal/daemon"
	"github.com/braidfs/braidfs/internal/lifecycle"
	"github.com/braidfs/braidfs/internal/logging"
	"github.com/braidfs/braidfs/internal/p2pid"
)

var log = logging.For("braidfs")

type cliFlags struct {
	Root       string
	Port       int
	PeerID     string
	LogLevel   string
	AdminAddr  string
	BridgeAddr string
	Scheme     string
	Console    bool
	P2P        bool
}

func main() {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:   "braidfs",
		Short: "Bidirectional file <-> Braid resource sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if os.Getenv("BRAID_SKIP_DAEMON") != "" {
				log.Info("BRAID_SKIP_DAEMON set; not launching the daemon")
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, flags)
		},
	}
	root.Flags().StringVar(&flags.Root, "root", "./braidfs-sync", "root directory mirrored against synced resources")
	root.Flags().IntVar(&flags.Port, "port", 8090, "control API listen port")
	root.Flags().StringVar(&flags.PeerID, "peer-id", "", "peer id to mint versions under (random if empty)")
	root.Flags().StringVar(&flags.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().StringVar(&flags.AdminAddr, "admin-addr", ":8091", "address for /metrics and /debug/pprof")
	root.Flags().StringVar(&flags.BridgeAddr, "bridge-addr", ":8092", "address for the local 209 bridge (editors that can't speak Braid)")
	root.Flags().StringVar(&flags.Scheme, "scheme", "https", "scheme assumed when reconstructing a URL from a bare path")
	root.Flags().BoolVar(&flags.Console, "console", true, "run the interactive token/sync console on stdin")
	root.Flags().BoolVar(&flags.P2P, "p2p", false, "resolve braid+p2p:// sync URLs over a direct libp2p stream instead of requiring an HTTP origin")

	if err := root.Execute(); err != nil {
		log.WithField("error", err).Fatal("braidfs exited with error")
	}
}

func runDaemon(ctx context.Context, flags *cliFlags) error {
	level := flags.LogLevel
	if env := os.Getenv("BRAIDFS_LOG"); env != "" {
		level = env
	}
	setLogLevel(level)

	var d *daemon.Daemon
	var br *bridge.Bridge
	var ctl *daemon.ControlAPI

	app := fx.New(
		fx.Supply(flags),
		fx.Provide(
			newClient,
			newConfigStore,
			newVersionStore,
			newDaemon,
			newBridge,
			newControlAPI,
		),
		fx.Populate(&d, &br, &ctl),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	)

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	shutdown := lifecycle.New(10 * time.Second)

	metrics, reg := admin.NewMetrics()
	d.Metrics = metrics
	adminSrv := admin.NewServer(flags.AdminAddr, reg, true)
	go func() {
		log.WithField("addr", flags.AdminAddr).Info("admin server listening")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Error("admin server exited")
		}
	}()
	shutdown.Register(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return adminSrv.Shutdown(sctx)
	})

	controlAddr := fmt.Sprintf(":%d", flags.Port)
	controlSrv := &http.Server{Addr: controlAddr, Handler: ctl.Router(), ReadHeaderTimeout: 15 * time.Second}
	go func() {
		log.WithField("addr", controlAddr).Info("control API listening")
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Error("control API exited")
		}
	}()
	shutdown.Register(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return controlSrv.Shutdown(sctx)
	})

	bridgeSrv := &http.Server{Addr: flags.BridgeAddr, Handler: br.Router(), ReadHeaderTimeout: 15 * time.Second}
	go func() {
		log.WithField("addr", flags.BridgeAddr).Info("209 bridge listening")
		if err := bridgeSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Error("209 bridge exited")
		}
	}()
	shutdown.Register(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return bridgeSrv.Shutdown(sctx)
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	go d.Run(runCtx, flags.Scheme)
	shutdown.Register(func() error {
		cancelRun()
		return nil
	})

	go br.Run(runCtx)

	if flags.Console {
		go runConsole(os.Stdin, os.Stdout, d)
	}

	<-ctx.Done()
	cancelRun()
	if err := shutdown.Shutdown(context.Background()); err != nil {
		log.WithField("error", err).Warn("shutdown completed with errors")
	}
	return app.Stop(context.Background())
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		logging.SetLevel(logrus.DebugLevel)
	case "warn":
		logging.SetLevel(logrus.WarnLevel)
	case "error":
		logging.SetLevel(logrus.ErrorLevel)
	default:
		logging.SetLevel(logrus.InfoLevel)
	}
}

func newClient(flags *cliFlags) (*braidhttp.Client, error) {
	client := braidhttp.NewClient()
	if flags.P2P {
		id, err := p2pid.LoadOrCreate(flags.Root, nil)
		if err != nil {
			return nil, err
		}
		client.P2P = id
	}
	return client, nil
}

func newConfigStore(flags *cliFlags) (*daemon.ConfigStore, error) {
	peerID := flags.PeerID
	if peerID == "" {
		peerID = randomPeerID()
	}
	return daemon.LoadOrInitConfig(flags.Root, peerID, flags.Port)
}

func newVersionStore(flags *cliFlags) (*daemon.VersionStore, error) {
	return daemon.OpenVersionStore(flags.Root)
}

func newDaemon(flags *cliFlags, client *braidhttp.Client, cfg *daemon.ConfigStore, vs *daemon.VersionStore) *daemon.Daemon {
	return daemon.NewDaemon(flags.Root, client, cfg, vs)
}

func newBridge(client *braidhttp.Client, d *daemon.Daemon) *bridge.Bridge {
	return bridge.New(client, d)
}

func newControlAPI(d *daemon.Daemon) *daemon.ControlAPI {
	return daemon.NewControlAPI(d)
}

// runConsole implements the interactive console: token
// <domain> <value>, sync <url>, help.
func runConsole(in *os.File, out *os.File, d *daemon.Daemon) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "braidfs console ready. type 'help' for commands.")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "help":
			fmt.Fprintln(out, "commands: token <domain> <value>, sync <url>, help")
		case "token":
			if len(fields) < 3 {
				fmt.Fprintln(out, "usage: token <domain> <value>")
				continue
			}
			if err := d.Config.SetCookie(fields[1], strings.Join(fields[2:], " ")); err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, "ok")
		case "sync":
			if len(fields) < 2 {
				fmt.Fprintln(out, "usage: sync <url>")
				continue
			}
			if err := d.Config.SetSync(fields[1], true); err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, "ok")
		default:
			fmt.Fprintln(out, "unknown command:", fields[0])
		}
	}
}

func randomPeerID() string {
	return uuid.NewString()
}
