// Package cli implements the CLI of the allocsync daemon
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hpcops/allocsync/internal/common"
	internal_runtime "github.com/hpcops/allocsync/internal/runtime"
	"github.com/hpcops/allocsync/pkg/sync/base"
	"github.com/hpcops/allocsync/pkg/sync/db"
	"github.com/hpcops/allocsync/pkg/sync/http"
	"github.com/hpcops/allocsync/pkg/sync/models"
	"github.com/hpcops/allocsync/pkg/sync/reconciler"
	"github.com/hpcops/allocsync/pkg/sync/slurm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/model"
	"github.com/prometheus/common/promlog"
	"github.com/prometheus/common/promlog/flag"
	"github.com/prometheus/common/version"
)

// AllocSyncAppConfig contains the configuration of the allocsync daemon.
type AllocSyncAppConfig struct {
	AllocSync AllocSyncConfig `yaml:"allocsync"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *AllocSyncAppConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Set a default config
	*c = AllocSyncAppConfig{
		AllocSync: AllocSyncConfig{
			Data: DataConfig{
				Path: "data",
			},
			Sync: SyncConfig{
				Interval:       model.Duration(time.Hour),
				CommandTimeout: model.Duration(30 * time.Second),
				UsageBaseline:  reconciler.BaselineZero,
			},
			Web: WebConfig{
				RoutePrefix: "/",
			},
		},
	}

	type plain AllocSyncAppConfig

	return unmarshal((*plain)(c))
}

// AllocSyncConfig contains the daemon configuration sections.
type AllocSyncConfig struct {
	Data DataConfig `yaml:"data"`
	Sync SyncConfig `yaml:"sync"`
	Web  WebConfig  `yaml:"web"`
}

// DataConfig contains the storage configuration.
type DataConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig contains the reconciliation configuration.
type SyncConfig struct {
	Interval       model.Duration `yaml:"interval"`
	CommandTimeout model.Duration `yaml:"command_timeout"`
	UsageBaseline  string         `yaml:"usage_baseline"`
	SacctmgrPath   string         `yaml:"sacctmgr_path"`
	SsharePath     string         `yaml:"sshare_path"`
}

// WebConfig contains the status server configuration.
type WebConfig struct {
	RoutePrefix string `yaml:"route_prefix"`
}

// AllocSync represents the `allocsync` cli.
type AllocSync struct {
	appName string
	App     kingpin.Application
}

// NewAllocSync creates a new AllocSync instance.
func NewAllocSync() (*AllocSync, error) {
	return &AllocSync{
		appName: base.AllocSyncAppName,
		App:     base.AllocSyncApp,
	}, nil
}

// Main is the entry point of the `allocsync` command.
func (a *AllocSync) Main() error {
	var (
		webListenAddresses = a.App.Flag(
			"web.listen-address",
			"Address on which to expose health, sweep status and metrics.",
		).Default(":9030").String()
		webConfigFile = a.App.Flag(
			"web.config.file",
			"Path to configuration file that can enable TLS or authentication. See: https://github.com/prometheus/exporter-toolkit/blob/master/docs/web-configuration.md",
		).Envar("ALLOCSYNC_WEB_CONFIG_FILE").Default("").String()
		configFile = a.App.Flag(
			"config.file",
			"Path to allocsync configuration file.",
		).Envar("ALLOCSYNC_CONFIG_FILE").Default("").String()
		syncOnce = a.App.Flag(
			"sync.once",
			"Run a single reconciliation sweep and exit.",
		).Default("false").Bool()
		maxProcs = a.App.Flag(
			"runtime.gomaxprocs", "The target number of CPUs Go will run on (GOMAXPROCS)",
		).Envar("GOMAXPROCS").Default("1").Int()
	)

	// Socket activation only available on Linux
	systemdSocket := func() *bool { b := false; return &b }()
	if runtime.GOOS == "linux" {
		systemdSocket = a.App.Flag(
			"web.systemd-socket",
			"Use systemd socket activation listeners instead of port listeners (Linux only).",
		).Bool()
	}

	promlogConfig := &promlog.Config{}
	flag.AddFlags(&a.App, promlogConfig)
	a.App.Version(version.Print(a.appName))
	a.App.UsageWriter(os.Stdout)
	a.App.HelpFlag.Short('h')

	if _, err := a.App.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse CLI flags: %w", err)
	}

	// Make config from file
	config, err := common.MakeConfig[AllocSyncAppConfig](*configFile)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	logger := promlog.New(promlogConfig)

	level.Info(logger).Log("msg", "Starting "+a.appName, "version", version.Info())
	level.Info(logger).Log("msg", "Build context", "build_context", version.BuildContext())
	level.Info(logger).Log("host_details", internal_runtime.Uname())
	level.Info(logger).Log("fd_limits", internal_runtime.FdLimits())

	runtime.GOMAXPROCS(*maxProcs)
	level.Debug(logger).Log("msg", "Go MAXPROCS", "procs", runtime.GOMAXPROCS(0))

	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open allocation DB
	store, err := db.New(&db.Config{
		Logger:   logger,
		DataPath: config.AllocSync.Data.Path,
	})
	if err != nil {
		level.Error(logger).Log("msg", "Failed to open allocation DB", "err", err)

		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	syncConfig := config.AllocSync.Sync

	rec, err := reconciler.New(&reconciler.Config{
		Logger: logger,
		Store:  store,
		NewClient: func(cluster models.Cluster, logger log.Logger) (slurm.Client, error) {
			return slurm.NewClient(&slurm.Config{
				Logger:         logger,
				Cluster:        cluster,
				CommandTimeout: time.Duration(syncConfig.CommandTimeout),
				SacctmgrPath:   syncConfig.SacctmgrPath,
				SsharePath:     syncConfig.SsharePath,
			})
		},
		UsageBaseline: syncConfig.UsageBaseline,
		Registry:      registry,
	})
	if err != nil {
		level.Error(logger).Log("msg", "Failed to create reconciler", "err", err)

		return err
	}

	// Run one sweep and exit when requested
	if *syncOnce {
		_, err := rec.ReconcileAll(ctx)
		if err != nil {
			level.Error(logger).Log("msg", "Reconciliation sweep failed", "err", err)
		}

		return err
	}

	statusServer, err := http.NewStatusServer(&http.Config{
		Logger:           logger,
		Address:          *webListenAddresses,
		WebSystemdSocket: *systemdSocket,
		WebConfigFile:    *webConfigFile,
		RoutePrefix:      config.AllocSync.Web.RoutePrefix,
		Registry:         registry,
		HealthCheck:      store.Ping,
		LastSweep:        rec.LastSweep,
	})
	if err != nil {
		level.Error(logger).Log("msg", "Failed to create status server", "err", err)

		return err
	}

	var wg sync.WaitGroup

	syncTicker := time.NewTicker(time.Duration(syncConfig.Interval))
	defer syncTicker.Stop()

	wg.Add(1)

	go func() {
		defer wg.Done()

		for {
			// Run the sweep as soon as the go routine starts instead of
			// waiting for the first tick
			if _, err := rec.ReconcileAll(ctx); err != nil {
				level.Error(logger).Log("msg", "Reconciliation sweep failed", "err", err)
			}

			select {
			case <-syncTicker.C:
				continue
			case <-ctx.Done():
				level.Info(logger).Log("msg", "Received Interrupt. Stopping reconciliation")

				return
			}
		}
	}()

	go func() {
		if err := statusServer.Start(); err != nil {
			level.Error(logger).Log("msg", "Failed to start status server", "err", err)
		}
	}()

	// Wait for signal
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		level.Error(logger).Log("msg", "Failed to shutdown status server", "err", err)
	}

	wg.Wait()

	level.Info(logger).Log("msg", "Server exiting")
	level.Info(logger).Log("msg", "See you next time!!")

	return nil
}
