// Package leases implements named, expiring, exclusive leases on top of
// the table store. Ownership is proven by the lease id together with the
// row ETag, so a holder that lost its lease cannot renew or release the
// lease of whoever took it over.
package leases

import (
	"context"
	"encoding/json"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const TableName = "leases"

var LeaseEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "leases",
	Name:      "events",
}, []string{"event"})

type Lease struct {
	Name        string
	LeaseID     string
	Started     time.Time
	LastRenewed time.Time
	Expires     time.Time
	ETag        string
}

type leaseValue struct {
	LeaseID     string    `json:"id"`
	Started     time.Time `json:"started"`
	LastRenewed time.Time `json:"renewed"`
	Expires     time.Time `json:"expires"`
}

func (l *Lease) toRow() tables.Row {
	data, _ := json.Marshal(leaseValue{
		LeaseID:     l.LeaseID,
		Started:     l.Started,
		LastRenewed: l.LastRenewed,
		Expires:     l.Expires,
	})
	return tables.Row{RowKey: l.Name, ETag: l.ETag, Value: data}
}

func fromRow(row *tables.Row) (*Lease, error) {
	var v leaseValue
	if err := json.Unmarshal(row.Value, &v); err != nil {
		return nil, errors.Wrapf(err, "malformed lease %s", row.RowKey)
	}
	return &Lease{
		Name:        row.RowKey,
		LeaseID:     v.LeaseID,
		Started:     v.Started,
		LastRenewed: v.LastRenewed,
		Expires:     v.Expires,
		ETag:        row.ETag,
	}, nil
}

type Options struct {
	Clock  clock.Clock
	Logger utils.Logger
}

type Service struct {
	store  tables.Store
	clock  clock.Clock
	logger utils.Logger
}

func NewService(store tables.Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Service{store: store, clock: opts.Clock, logger: utils.OrDefault(opts.Logger)}
}

func (s *Service) Initialize(ctx context.Context) error {
	return s.store.CreateTable(ctx, TableName)
}

func lostRace(err error) bool {
	return errors.Is(err, insights_errors.ErrConflict) ||
		errors.Is(err, insights_errors.ErrPreconditionFailed) ||
		errors.Is(err, insights_errors.ErrNotFound)
}

// TryAcquire takes the named lease for duration. It returns false if the
// lease is held by someone else and not expired.
func (s *Service) TryAcquire(ctx context.Context, name string, duration time.Duration) (*Lease, bool, error) {
	now := s.clock.Now().UTC()
	lease := &Lease{
		Name:        name,
		LeaseID:     uuid.NewString(),
		Started:     now,
		LastRenewed: now,
		Expires:     now.Add(duration),
	}
	row, err := s.store.Get(ctx, TableName, "", name)
	switch {
	case errors.Is(err, insights_errors.ErrNotFound):
		lease.ETag, err = s.store.Insert(ctx, TableName, lease.toRow())
	case err != nil:
		return nil, false, err
	default:
		current, ferr := fromRow(row)
		if ferr != nil {
			return nil, false, ferr
		}
		if current.Expires.After(now) {
			LeaseEvents.WithLabelValues("busy").Inc()
			return nil, false, nil
		}
		lease.ETag = current.ETag
		lease.ETag, err = s.store.Replace(ctx, TableName, lease.toRow())
	}
	if lostRace(err) {
		LeaseEvents.WithLabelValues("busy").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	LeaseEvents.WithLabelValues("acquired").Inc()
	s.logger.DebugCtx(ctx, "lease acquired", "lease", name, "expires", lease.Expires)
	return lease, true, nil
}

func (s *Service) Acquire(ctx context.Context, name string, duration time.Duration) (*Lease, error) {
	lease, ok, err := s.TryAcquire(ctx, name, duration)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(insights_errors.ErrLeaseNotAcquired, "lease %s", name)
	}
	return lease, nil
}

// TryRenew extends the lease by duration from now. It returns false if the
// lease was taken over or released since it was last written by lease.
func (s *Service) TryRenew(ctx context.Context, lease *Lease, duration time.Duration) (bool, error) {
	now := s.clock.Now().UTC()
	renewed := *lease
	renewed.LastRenewed = now
	renewed.Expires = now.Add(duration)
	etag, err := s.store.Replace(ctx, TableName, renewed.toRow())
	if lostRace(err) {
		LeaseEvents.WithLabelValues("lost").Inc()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	renewed.ETag = etag
	*lease = renewed
	LeaseEvents.WithLabelValues("renewed").Inc()
	return true, nil
}

func (s *Service) Renew(ctx context.Context, lease *Lease, duration time.Duration) error {
	ok, err := s.TryRenew(ctx, lease, duration)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(insights_errors.ErrLeaseLost, "lease %s", lease.Name)
	}
	return nil
}

func (s *Service) TryRelease(ctx context.Context, lease *Lease) (bool, error) {
	err := s.store.Delete(ctx, TableName, "", lease.Name, lease.ETag)
	if lostRace(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	LeaseEvents.WithLabelValues("released").Inc()
	s.logger.DebugCtx(ctx, "lease released", "lease", lease.Name)
	return true, nil
}

func (s *Service) Release(ctx context.Context, lease *Lease) error {
	ok, err := s.TryRelease(ctx, lease)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(insights_errors.ErrLeaseLost, "lease %s", lease.Name)
	}
	return nil
}

// Break removes the lease whoever holds it.
func (s *Service) Break(ctx context.Context, name string) error {
	err := s.store.Delete(ctx, TableName, "", name, "")
	if errors.Is(err, insights_errors.ErrNotFound) {
		return nil
	}
	if err == nil {
		LeaseEvents.WithLabelValues("broken").Inc()
		s.logger.WarnCtx(ctx, "lease broken", "lease", name)
	}
	return err
}
