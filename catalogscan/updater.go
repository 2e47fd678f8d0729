package catalogscan

import (
	"context"
	"time"

	"github.com/NuGet/Insights-sub012/leases"
	"github.com/prometheus/client_golang/prometheus"
)

const UpdaterLeaseName = "Timer-CatalogScanUpdate"

var UpdaterRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "catalogscan",
	Name:      "updater_runs",
}, []string{"result"})

type UpdaterOptions struct {
	// Interval is the time between two UpdateAll calls (default: 1h).
	Interval time.Duration
	// LeaseDuration is also how long a host waits before competing for
	// the lease again (default: 5m).
	LeaseDuration time.Duration
}

func (o *UpdaterOptions) SetDefaults() {
	if o.Interval == 0 {
		o.Interval = time.Hour
	}
	if o.LeaseDuration == 0 {
		o.LeaseDuration = 5 * time.Minute
	}
}

// Updater calls UpdateAll on an interval from the one host that holds the
// updater lease.
type Updater struct {
	service *Service
	opts    UpdaterOptions
	update  func(ctx context.Context) (map[DriverType]*StartResult, error)
}

func NewUpdater(service *Service, opts UpdaterOptions) *Updater {
	opts.SetDefaults()
	return &Updater{
		service: service,
		opts:    opts,
		update: func(ctx context.Context) (map[DriverType]*StartResult, error) {
			return service.UpdateAll(ctx, time.Time{})
		},
	}
}

// Run competes for the lease until ctx is done. A host that loses the
// lease stops updating and competes again.
func (u *Updater) Run(ctx context.Context) error {
	clk := u.service.opts.Clock
	logger := u.service.opts.Logger
	for {
		lease, err := u.service.leases.TryAcquireAutoRenewing(ctx, UpdaterLeaseName, u.opts.LeaseDuration)
		switch {
		case err != nil:
			logger.ErrorCtx(ctx, "updater lease failed", "err", err)
		case lease != nil:
			u.hold(lease)
			if err := lease.Close(context.WithoutCancel(ctx)); err != nil {
				logger.WarnCtx(ctx, "updater lease release failed", "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(u.opts.LeaseDuration):
		}
	}
}

func (u *Updater) hold(lease *leases.AutoRenewingLease) {
	ctx := lease.Context()
	clk := u.service.opts.Clock
	logger := u.service.opts.Logger
	for {
		results, err := u.update(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			UpdaterRuns.WithLabelValues("error").Inc()
			logger.ErrorCtx(ctx, "update failed", "err", err)
		default:
			UpdaterRuns.WithLabelValues("ok").Inc()
			started := 0
			for _, r := range results {
				if r.Type == NewStarted {
					started++
				}
			}
			logger.InfoCtx(ctx, "updated scans", "drivers", len(results), "started", started)
		}
		select {
		case <-ctx.Done():
			if lease.Lost() {
				logger.WarnCtx(ctx, "updater lease lost")
			}
			return
		case <-clk.After(u.opts.Interval):
		}
	}
}
