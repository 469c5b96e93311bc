// Command mdvpkgd is the package-management daemon (spec §1): it loads
// the urpmi configuration and rpmdb into a PackageIndex, exposes it
// over D-Bus, and drives install/remove plans through an external
// backend process.
//
// Grounded on the teacher's cmd/newrelic-infra/newrelic-infra.go: flag
// parsing, config load, logger setup, then a signal-driven run loop
// that cancels one context shared by every long-running component.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	godbus "github.com/godbus/dbus/v5"

	"github.com/jvdm/mdvpkg/internal/backend"
	"github.com/jvdm/mdvpkg/internal/config"
	mdbus "github.com/jvdm/mdvpkg/internal/dbus"
	"github.com/jvdm/mdvpkg/internal/index"
	mdlog "github.com/jvdm/mdvpkg/internal/log"
	"github.com/jvdm/mdvpkg/internal/resolver"
	"github.com/jvdm/mdvpkg/internal/rpmdb"
	"github.com/jvdm/mdvpkg/internal/session"
	"github.com/jvdm/mdvpkg/internal/tasks"
)

var (
	configFile  string
	showVersion bool

	buildVersion = "development"
)

func init() {
	flag.StringVar(&configFile, "config", "/etc/mdvpkgd/mdvpkgd.yaml", "Daemon configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
}

var dlog = mdlog.WithComponent("mdvpkgd")

func main() {
	flag.Parse()

	if showVersion {
		fmt.Printf("mdvpkgd version: %s, GoVersion: %s\n", buildVersion, runtime.Version())
		os.Exit(0)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		dlog.WithError(err).Fatal("loading configuration")
	}
	if err := mdlog.ParseAndSetLevel(cfg.LogLevel); err != nil {
		dlog.WithError(err).Warn("unrecognized log_level, defaulting to info")
	}
	mdlog.SetJSONFormat(cfg.LogJSON)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchSignals(cancel)

	if err := run(ctx, cfg); err != nil {
		dlog.WithError(err).Fatal("mdvpkgd exited with error")
	}
}

func watchSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	dlog.Info("received shutdown signal")
	cancel()
}

func run(ctx context.Context, cfg config.Config) error {
	rpmdbReader := rpmdb.New(cfg.RpmdbPath)
	resolverClient := resolver.New(cfg.ResolverPath)
	backendChannel := backend.New(cfg.BackendPath)

	idx := index.New(rpmdbReader, resolverClient, cfg.UrpmiDataDir)
	if err := idx.Configure(cfg.UrpmiConfDir, cfg.UrpmiConfFile); err != nil {
		return err
	}
	if err := idx.Load(); err != nil {
		return err
	}
	dlog.Info("package index loaded")

	commitRunner := tasks.NewCommitRunner(idx, backendChannel)
	idx.SetCommitEnqueuer(commitRunner)
	sessions := session.NewManager(idx, commitRunner.Runner)

	conn, err := godbus.SystemBus()
	if err != nil {
		return err
	}
	defer conn.Close()

	bus := mdbus.New(conn, idx, sessions, commitRunner.Runner, func() {
		dlog.Info("Quit requested, shutting down")
		os.Exit(0)
	})
	if err := bus.Export(); err != nil {
		return err
	}
	bus.EmitMedia()

	go idx.RunWatch(ctx)
	go commitRunner.Run(ctx)
	go func() {
		if err := bus.WatchDisconnects(ctx); err != nil {
			dlog.WithError(err).Warn("disconnect watch ended")
		}
	}()

	dlog.WithField("service", mdbus.ServiceName).Info("mdvpkgd ready")
	<-ctx.Done()
	dlog.Info("shutting down")
	return nil
}
