package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/entrhq/fleet/pkg/browser"
	"github.com/entrhq/fleet/pkg/config"
	"github.com/entrhq/fleet/pkg/logging"
	"github.com/entrhq/fleet/pkg/metrics"
	"github.com/entrhq/fleet/pkg/queue"
	"github.com/entrhq/fleet/pkg/status"
	"github.com/entrhq/fleet/pkg/supervisor"
	"github.com/entrhq/fleet/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// app wires the stores, the status bus and the supervisor for one process.
type app struct {
	settings *config.Settings
	layout   config.Layout
	bus      *status.Bus
	logs     *logging.Manager
	queue    *queue.Store
	configs  *config.WorkerStore
	driver   *browser.PlaywrightDriver
	registry *prometheus.Registry
	sup      *supervisor.Supervisor
}

// appFactory builds the app from the root flags.
type appFactory func(opts ...appOption) (*app, error)

type appOptions struct {
	quiet bool
}

// appOption adjusts how the app is built.
type appOption func(*appOptions)

// withoutConsole stops log lines from being mirrored to stderr, for the
// dashboard.
func withoutConsole() appOption {
	return func(o *appOptions) {
		o.quiet = true
	}
}

func newApp(configPath, dataDir string, opts ...appOption) (*app, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		settings.DataDir = dataDir
	}

	layout := settings.Layout()
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	bus := status.NewBus()
	seedStatuses(bus, layout)

	logOpts := []logging.Option{
		logging.WithLocation(settings.Location()),
		logging.WithPublisher(bus),
	}
	if settings.Log.Console && !o.quiet {
		logOpts = append(logOpts, logging.WithConsole(os.Stderr))
	}
	logs := logging.NewManager(layout, logOpts...)

	qs := queue.NewStore(layout, queue.WithLocation(settings.Location()), queue.WithPublisher(bus))
	configs := config.NewWorkerStore(layout, config.WithPendingCounter(qs), config.WithPublisher(bus))
	driver := browser.NewPlaywrightDriver(settings.Browser)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	sup, err := supervisor.New(supervisor.Deps{
		Layout:  layout,
		Driver:  driver,
		Queue:   qs,
		Configs: configs,
		Logs:    logs,
		Bus:     bus,
	}, supervisor.ConfigFromSettings(settings), supervisor.WithMetrics(collector))
	if err != nil {
		return nil, err
	}

	return &app{
		settings: settings,
		layout:   layout,
		bus:      bus,
		logs:     logs,
		queue:    qs,
		configs:  configs,
		driver:   driver,
		registry: registry,
		sup:      sup,
	}, nil
}

// seedStatuses replays the aggregate log so derived statuses survive a
// restart and reflect workers run by other processes.
func seedStatuses(bus *status.Bus, layout config.Layout) {
	f, err := os.Open(layout.AggregateLogFile())
	if err != nil {
		return
	}
	defer f.Close()

	for id, word := range status.DeriveAll(f) {
		bus.Seed(id, word)
	}
}

// closeStores flushes the log files. Offline commands use it instead of
// shutdown so they never touch the locks of a running serve process.
func (a *app) closeStores() {
	a.bus.Close()
	_ = a.logs.Close()
}

// shutdown releases every worker, then the browser and the log files.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.sup.CloseAll(ctx)
	if err := a.driver.Close(); err != nil {
		a.logs.Main().Warnf("Failed to stop browser driver: %v", err)
	}
	a.closeStores()
}

// guardOffline refuses a destructive command while the aggregate log says
// the worker is active, unless forced.
func (a *app) guardOffline(id types.WorkerID, force bool) error {
	word := a.bus.Status(id)
	if force || !types.WorkerState(word).Active() {
		return nil
	}
	return fmt.Errorf("%w: %s is %s (use --force to override)", supervisor.ErrWorkerBusy, id.Name(), word)
}

func parseID(arg string) (types.WorkerID, error) {
	id, err := types.ParseWorkerID(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid worker id %q: %w", arg, err)
	}
	return id, nil
}

func parseIDs(args []string) ([]types.WorkerID, error) {
	ids := make([]types.WorkerID, 0, len(args))
	for _, arg := range args {
		id, err := parseID(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// errNoProfiles is returned by serve when there is nothing to run.
var errNoProfiles = errors.New("no worker profiles found, create one with 'fleet profile create'")

func itoa(n int) string { return strconv.Itoa(n) }
