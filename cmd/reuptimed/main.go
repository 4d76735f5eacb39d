// reuptimed is the host liveness monitoring daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/reuptime/internal/daemon"
	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/loader"
	"github.com/xtxerr/reuptime/internal/logging"
	"github.com/xtxerr/reuptime/internal/monitor"
	"github.com/xtxerr/reuptime/internal/probe"
	"github.com/xtxerr/reuptime/internal/query"
	"github.com/xtxerr/reuptime/internal/registry"
	"github.com/xtxerr/reuptime/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("main")

func main() {
	cfgPath := flag.String("config", "/etc/reuptime/reuptime.yaml", "config file path")
	action := flag.String("action", "start", "start, stop or status")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	logJSON := flag.Bool("log-json", false, "log as JSON (overrides config)")
	flag.Parse()

	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loader.DefaultConfig()
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.JSON = true
	}
	logging.InitWriter(os.Stderr, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)

	if err != nil {
		log.Warn("no config file found, using defaults", "path", *cfgPath)
	}

	if err := loader.Validate(cfg); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	sup, err := daemon.NewSupervisor(cfg.Daemon)
	if err != nil {
		log.Error("create supervisor", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	switch *action {
	case "start":
		log.Info("reuptimed starting", "version", Version)
		err = sup.Start(ctx, func(ctx context.Context) error { return run(ctx, cfg) })
	case "stop":
		err = sup.Stop(ctx)
		if err == nil {
			fmt.Println("stopped")
		}
	case "status":
		err = printStatus(ctx, sup)
	default:
		err = fmt.Errorf("unknown action %q", *action)
	}

	if err != nil {
		log.Error("reuptimed failed", "action", *action, "error", err)
		os.Exit(1)
	}
}

// run wires the daemon and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *loader.Config) error {
	// =========================================================================
	// Registry (hosts and settings)
	// =========================================================================

	reg, err := registry.New(cfg.Registry)
	if err != nil {
		return errors.Wrap(err, "open registry")
	}
	defer reg.Close()

	if len(cfg.Hosts) > 0 {
		res, err := loader.ApplyHosts(ctx, cfg, reg)
		if err != nil {
			return errors.Wrap(err, "apply hosts")
		}
		log.Info("hosts applied", "created", res.HostsCreated, "existing", res.HostsSkipped)
	}

	settings := registry.NewCachedSettings(reg, cfg.Registry.SettingsCacheTTL)

	// =========================================================================
	// Prober and time-series store
	// =========================================================================

	prober, err := probe.New(cfg.Monitor.ProbeOptions())
	if err != nil {
		return errors.Wrap(err, "create prober")
	}

	store, err := storage.New(&cfg.Store)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("store close failed", "error", err)
		}
	}()

	engine, err := monitor.New(cfg.Monitor, reg, settings, prober, store)
	if err != nil {
		return errors.Wrap(err, "create engine")
	}

	// =========================================================================
	// Run
	// =========================================================================

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })

	if cfg.Query.Enabled {
		srv, err := query.New(cfg.Query, engine)
		if err != nil {
			return errors.Wrap(err, "create query server")
		}
		if err := srv.Listen(); err != nil {
			return err
		}
		g.Go(func() error { return srv.Serve(gctx) })
	}

	log.Info("monitoring started",
		"interval", cfg.Monitor.Interval,
		"prober", cfg.Monitor.Prober,
		"persistent", cfg.Store.Persistent())

	err = g.Wait()

	st := engine.Stats()
	log.Info("monitoring stopped",
		"ticks", st.Scheduler.Ticks,
		"probes", st.Probes,
		"write_errors", st.WriteErrors)
	return err
}

func printStatus(ctx context.Context, sup *daemon.Supervisor) error {
	r, err := sup.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("status:  %s\n", r.Status.Status)
	if r.Stale {
		fmt.Println("         (stale: process is gone)")
	}
	if r.PID > 0 {
		fmt.Printf("pid:     %d (alive=%t)\n", r.PID, r.Alive)
	}
	if !r.Timestamp.IsZero() {
		fmt.Printf("updated: %s\n", r.Timestamp.Format(time.RFC3339))
	}
	if !r.StartedAt.IsZero() {
		fmt.Printf("uptime:  %s\n", time.Since(r.StartedAt).Truncate(time.Second))
	}
	if r.RSS > 0 {
		fmt.Printf("rss:     %.1f MiB\n", float64(r.RSS)/(1<<20))
		fmt.Printf("cpu:     %.1f%%\n", r.CPU)
	}
	if r.Message != "" {
		fmt.Printf("message: %s\n", r.Message)
	}
	return nil
}
