// Package cmd wires the daemon's process-wide dependencies together:
// config, logging, metrics, the on-disk registry, the swarm accept loop,
// and the IPC socket. Grounded on the teacher's agent/cmd package (cobra
// root command, PersistentFlags for a config path, a start() that builds
// every collaborator and blocks).
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/spf13/cobra"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/btpd/btpd-sub000/content"
	"github.com/btpd/btpd-sub000/core"
	"github.com/btpd/btpd-sub000/ipc"
	"github.com/btpd/btpd-sub000/library"
	"github.com/btpd/btpd-sub000/stream"
	"github.com/btpd/btpd-sub000/swarm"
	"github.com/btpd/btpd-sub000/torrent"
	"github.com/btpd/btpd-sub000/tracker"
)

var configFile string

func init() {
	rootCmd.PersistentFlags().StringVarP(
		&configFile, "config", "c", "", "configuration file path")
}

var rootCmd = &cobra.Command{
	Use:   "btpd",
	Short: "btpd is a BitTorrent client daemon: a swarm engine reachable over a UNIX socket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return start(configFile)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func start(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zlog, err := cfg.Logging.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zlog.Sync()
	logger := zlog.Sugar()

	stats, closer := newMetricsScope()
	defer closer.Close()

	pid, err := library.AcquirePID(filepath.Join(cfg.Dir, "pid"))
	if err != nil {
		return fmt.Errorf("acquire pid file: %w", err)
	}
	defer pid.Release()

	registry, err := library.Open(cfg.Dir)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}

	ln, err := library.Listen(cfg.Dir)
	if err != nil {
		return fmt.Errorf("listen on ipc socket: %w", err)
	}
	defer ln.Close()

	localID, err := core.RandomPeerID()
	if err != nil {
		return fmt.Errorf("generate peer id: %w", err)
	}

	clk := clock.New()
	torrents := torrent.NewManager()

	sw := swarm.New(
		swarm.Config{ListenAddr: cfg.ListenAddr, MaxConns: cfg.MaxConns},
		localID, stats, clk, logger, torrents.Lookup, torrents)
	if err := sw.Start(); err != nil {
		return fmt.Errorf("start swarm: %w", err)
	}
	defer sw.Stop()

	build := newBuilder(cfg, registry, localID, sw, clk, stats, logger)
	ipcSrv := ipc.NewServer(registry, torrents, build, logger)

	if err := resumeActive(registry, torrents, build, logger); err != nil {
		logger.Warnw("failed to resume active torrents", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go serveIPC(ctx, ln, ipcSrv, logger)
	go func() {
		ticker := clk.Ticker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				torrents.ChokeTickAll()
			}
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc

	logger.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for _, hash := range listOrEmpty(registry, logger) {
		if t, ok := torrents.Get(hash); ok && t.State() == torrent.Active {
			t.Stop(shutdownCtx)
		}
	}
	return nil
}

func listOrEmpty(registry *library.Registry, logger *zap.SugaredLogger) []core.InfoHash {
	hashes, err := registry.List()
	if err != nil {
		logger.Warnw("failed to list registry entries during shutdown", "error", err)
		return nil
	}
	return hashes
}

// consoleReporter is a minimal tally.StatsReporter that prints to stdout,
// grounded on the teacher's metrics.defaultReporter: enough to prove
// metrics are flowing without pulling in a statsd/m3 client this build has
// no use for.
type consoleReporter struct{}

func (consoleReporter) ReportCounter(name string, _ map[string]string, value int64) {
	fmt.Printf("counter %s %d\n", name, value)
}
func (consoleReporter) ReportGauge(name string, _ map[string]string, value float64) {
	fmt.Printf("gauge %s %f\n", name, value)
}
func (consoleReporter) ReportTimer(name string, _ map[string]string, interval time.Duration) {
	fmt.Printf("timer %s %s\n", name, interval)
}
func (consoleReporter) ReportHistogramValueSamples(name string, _ map[string]string, _ tally.Buckets, lo, hi float64, samples int64) {
}
func (consoleReporter) ReportHistogramDurationSamples(name string, _ map[string]string, _ tally.Buckets, lo, hi time.Duration, samples int64) {
}
func (consoleReporter) Capabilities() tally.Capabilities { return consoleReporter{} }
func (consoleReporter) Reporting() bool                  { return true }
func (consoleReporter) Tagging() bool                    { return false }
func (consoleReporter) Flush()                           {}

// newMetricsScope builds a root tally scope reporting to stdout, grounded
// on the teacher's metrics.newDefaultScope.
func newMetricsScope() (tally.Scope, io.Closer) {
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "btpd",
		Reporter: consoleReporter{},
	}, time.Second)
	return scope, closer
}

// newBuilder closes an ipc.Builder over the daemon's process-wide
// dependencies so the ipc package never has to hold them itself.
func newBuilder(
	cfg *Config,
	registry *library.Registry,
	localID core.PeerID,
	sw *swarm.Swarm,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.SugaredLogger,
) ipc.Builder {
	return func(mi *core.MetaInfo, contentDir string) *torrent.Torrent {
		torrentCfg := torrent.Config{
			Content: content.Config{
				Files:        []stream.FileSpec{{Path: mi.Name(), Length: mi.TotalLength()}},
				Open:         openInDir(contentDir),
				ResumePath:   registry.ResumePath(mi.InfoHash()),
				BlockSize:    cfg.BlockSize,
				HashOnWorker: cfg.HashOnWorker,
			},
			Tracker:  tracker.Config{AnnounceURL: cfg.TrackerURL},
			MaxPeers: cfg.MaxPeers,
		}
		return torrent.New(mi, torrentCfg, localID, sw, clk, stats, logger)
	}
}

// openInDir returns a stream.OpenFunc rooted at dir, creating writable
// files and their parent directories on demand.
func openInDir(dir string) stream.OpenFunc {
	return func(path string, writable bool) (*os.File, error) {
		full := filepath.Join(dir, path)
		if !writable {
			return os.Open(full)
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, err
		}
		return os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0644)
	}
}

// resumeActive starts every torrent the registry marked active on a prior
// run (spec.md section 7's startup resumption behavior). Each resume is
// independent (a missing or corrupt entry must not hold up the rest), so
// they run concurrently under an errgroup.Group rather than a plain loop;
// individual failures are logged and swallowed, never returned, so one bad
// entry can't stop the others from launching.
func resumeActive(
	registry *library.Registry,
	torrents *torrent.Manager,
	build ipc.Builder,
	logger *zap.SugaredLogger,
) error {
	hashes, err := registry.ActiveHashes()
	if err != nil {
		return fmt.Errorf("list active hashes: %w", err)
	}
	var g errgroup.Group
	for _, hash := range hashes {
		hash := hash
		g.Go(func() error {
			resumeOne(registry, torrents, build, logger, hash)
			return nil
		})
	}
	return g.Wait()
}

func resumeOne(
	registry *library.Registry,
	torrents *torrent.Manager,
	build ipc.Builder,
	logger *zap.SugaredLogger,
	hash core.InfoHash,
) {
	info, err := registry.ReadInfo(hash)
	if err != nil {
		logger.Warnw("skipping active torrent with unreadable info", "hash", hash, "error", err)
		return
	}
	f, err := os.Open(registry.TorrentPath(hash))
	if err != nil {
		logger.Warnw("skipping active torrent with unreadable torrent file", "hash", hash, "error", err)
		return
	}
	mi, err := core.DecodeMetaInfo(f)
	f.Close()
	if err != nil {
		logger.Warnw("skipping active torrent with undecodable torrent file", "hash", hash, "error", err)
		return
	}
	t := build(mi, info.Dir)
	if err := torrents.Add(t); err != nil {
		logger.Warnw("skipping duplicate active torrent", "hash", hash, "error", err)
		return
	}
	if err := t.Start(context.Background()); err != nil {
		logger.Warnw("failed to resume active torrent", "hash", hash, "error", err)
	}
}
