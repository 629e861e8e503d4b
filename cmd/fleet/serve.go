package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/entrhq/fleet/pkg/dashboard"
	"github.com/entrhq/fleet/pkg/metrics"
	"github.com/entrhq/fleet/pkg/status"
	"github.com/entrhq/fleet/pkg/types"
	"github.com/spf13/cobra"
)

func newServeCmd(appFn appFactory) *cobra.Command {
	var (
		showDashboard bool
		noRun         bool
		linkTimeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve [ID...]",
		Short: "Link and run workers until interrupted",
		Long: "Link and run the given workers, or every profile when none is given.\n" +
			"Workers that are not linked open a session and refresh a QR snapshot until the device is linked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var opts []appOption
			if showDashboard {
				opts = append(opts, withoutConsole())
			}
			a, err := appFn(opts...)
			if err != nil {
				return err
			}
			if err := a.logs.Open(); err != nil {
				a.closeStores()
				return err
			}
			defer a.shutdown()

			if len(ids) == 0 {
				profiles, err := a.sup.ListProfiles()
				if err != nil {
					return err
				}
				for _, p := range profiles {
					ids = append(ids, p.ID)
				}
			}
			if len(ids) == 0 {
				return errNoProfiles
			}

			if err := a.driver.Initialize(a.logs.Main().Writer()); err != nil {
				return err
			}

			if a.settings.Metrics.Enabled {
				srv := metrics.NewServer(a.settings.Metrics.Addr, a.registry)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logs.Main().Errorf("Metrics server failed: %v", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.logs.Main().Infof("Metrics listening on %s", a.settings.Metrics.Addr)
			}

			var wg sync.WaitGroup
			for _, id := range ids {
				wg.Add(1)
				go func(id types.WorkerID) {
					defer wg.Done()
					a.serveWorker(ctx, id, linkTimeout, noRun)
				}(id)
			}
			finished := make(chan struct{})
			go func() {
				wg.Wait()
				close(finished)
			}()

			if showDashboard {
				rows, err := a.dashboardRows(ids)
				if err != nil {
					return err
				}
				sub := a.sup.Subscribe("dashboard", status.Aggregate())
				defer a.sup.Release("dashboard")
				return dashboard.Run(ctx, sub, rows)
			}

			select {
			case <-ctx.Done():
				a.logs.Main().Infof("Shutting down")
			case <-finished:
				if noRun {
					// Keep linking sessions open until interrupted.
					<-ctx.Done()
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showDashboard, "dashboard", false, "Show a live terminal dashboard")
	cmd.Flags().BoolVar(&noRun, "no-run", false, "Only link devices, do not process queues")
	cmd.Flags().DurationVar(&linkTimeout, "link-timeout", 0, "Give up linking a worker after this long (0 waits forever)")
	return cmd
}

// serveWorker links the worker if needed, then runs its queue to the end.
func (a *app) serveWorker(ctx context.Context, id types.WorkerID, linkTimeout time.Duration, noRun bool) {
	log := a.logs.Worker(id)

	cfg, err := a.sup.GetConfig(id)
	if err != nil {
		log.Errorf("Cannot serve: %v", err)
		return
	}

	if !cfg.QRLoggedIn {
		if err := a.link(ctx, id, linkTimeout); err != nil {
			log.Warnf("Device not linked: %v", err)
			a.sup.Stop(context.WithoutCancel(ctx), id)
			return
		}
	}
	if noRun || ctx.Err() != nil {
		return
	}

	if err := a.sup.Run(ctx, id); err != nil {
		log.Errorf("Cannot run: %v", err)
		return
	}
	result, err := a.sup.Wait(ctx, id)
	if err != nil {
		return
	}
	log.Infof("Run ended after %d rows: %s", result.Processed, result.Message)
}

// link opens a linking session and waits for the device to be linked.
func (a *app) link(ctx context.Context, id types.WorkerID, timeout time.Duration) error {
	observer := fmt.Sprintf("link-%s", id.Name())
	sub := a.sup.Subscribe(observer, status.ForWorker(id))
	defer a.sup.Unsubscribe(sub)

	info, err := a.sup.Start(ctx, id)
	if err != nil {
		return err
	}
	if info.LoggedIn {
		return nil
	}
	a.logs.Worker(id).Infof("Scan the QR code in %s to link the device", info.QRPath)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return errors.New("status bus closed")
			}
			if event.Type != types.EventTypeLinkUpdated {
				continue
			}
			if loggedIn, _ := event.Metadata["logged_in"].(bool); loggedIn {
				return nil
			}
		}
	}
}

func (a *app) dashboardRows(ids []types.WorkerID) ([]dashboard.Row, error) {
	rows := make([]dashboard.Row, 0, len(ids))
	for _, id := range ids {
		pending, err := a.queue.PendingCount(id)
		if err != nil {
			return nil, err
		}
		rows = append(rows, dashboard.Row{ID: id, State: a.bus.Status(id), Pending: pending})
	}
	return rows, nil
}
