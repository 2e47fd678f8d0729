package leases

import (
	"context"
	"sync"
	"time"
)

// AutoRenewingLease keeps a lease alive from a background goroutine. The
// context returned by Context is canceled as soon as a renewal fails, so
// work guarded by the lease stops once exclusivity is no longer certain.
type AutoRenewingLease struct {
	s        *Service
	duration time.Duration

	mu    sync.Mutex
	lease *Lease
	lost  bool

	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// TryAcquireAutoRenewing acquires the lease and starts renewing it every
// third of duration. The returned lease is nil when the lease is busy.
func (s *Service) TryAcquireAutoRenewing(ctx context.Context, name string, duration time.Duration) (*AutoRenewingLease, error) {
	lease, ok, err := s.TryAcquire(ctx, name, duration)
	if err != nil || !ok {
		return nil, err
	}
	a := &AutoRenewingLease{
		s:        s,
		duration: duration,
		lease:    lease,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	go a.renewLoop()
	return a, nil
}

// Context is canceled when the lease is lost or closed.
func (a *AutoRenewingLease) Context() context.Context {
	return a.ctx
}

func (a *AutoRenewingLease) Name() string {
	return a.lease.Name
}

// Lost tells whether a renewal failed.
func (a *AutoRenewingLease) Lost() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lost
}

func (a *AutoRenewingLease) renewLoop() {
	defer close(a.done)
	for {
		select {
		case <-a.stop:
			return
		case <-a.ctx.Done():
			return
		case <-a.s.clock.After(a.duration / 3):
		}
		a.mu.Lock()
		ok, err := a.s.TryRenew(a.ctx, a.lease, a.duration)
		if err != nil || !ok {
			a.lost = true
		}
		a.mu.Unlock()
		if err != nil || !ok {
			a.s.logger.ErrorCtx(a.ctx, "lease renewal failed", "lease", a.lease.Name, "err", err)
			a.cancel()
			return
		}
	}
}

// Close stops renewing and releases the lease if it is still held.
func (a *AutoRenewingLease) Close(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
	defer a.cancel()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lost {
		return nil
	}
	_, err := a.s.TryRelease(ctx, a.lease)
	return err
}
