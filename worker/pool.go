package worker

import (
	"context"
	"time"

	"github.com/NuGet/Insights-sub012/queues"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

var InFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "insights",
	Subsystem: "worker",
	Name:      "in_flight",
}, []string{"queue"})

type PoolOptions struct {
	// Workers is the number of receiving goroutines (default: 4).
	Workers int
	// BatchSize is how many messages one receive takes (default: 16).
	BatchSize int
	// VisibilityTimeout hides received messages from other workers
	// (default: 5m).
	VisibilityTimeout time.Duration
	// PollInterval is the pause after finding every queue empty
	// (default: 1s).
	PollInterval time.Duration
	// Queues are polled in order, so expansion goes before leaf work.
	Queues []queues.QueueType
	Clock  clock.Clock
	Logger utils.Logger
}

func (o *PoolOptions) SetDefaults() {
	if o.Workers == 0 {
		o.Workers = 4
	}
	if o.BatchSize == 0 {
		o.BatchSize = 16
	}
	if o.VisibilityTimeout == 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if len(o.Queues) == 0 {
		o.Queues = []queues.QueueType{queues.Expand, queues.Work}
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	o.Logger = utils.OrDefault(o.Logger)
}

// Pool runs receivers over the queues.
type Pool struct {
	dispatcher *Dispatcher
	provider   queues.Provider
	opts       PoolOptions
	inFlight   *xsync.MapOf[string, int]
}

func NewPool(dispatcher *Dispatcher, provider queues.Provider, opts PoolOptions) *Pool {
	opts.SetDefaults()
	return &Pool{
		dispatcher: dispatcher,
		provider:   provider,
		opts:       opts,
		inFlight:   xsync.NewMapOf[string, int](),
	}
}

// Run receives and dispatches until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			wctx := p.opts.Logger.WithDefaultArgs(gctx, "worker", i)
			for {
				n, err := p.Poll(wctx)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					p.opts.Logger.ErrorCtx(wctx, "worker poll failed", "err", err)
				}
				if n > 0 {
					continue
				}
				select {
				case <-gctx.Done():
					return nil
				case <-p.opts.Clock.After(p.opts.PollInterval):
				}
			}
		})
	}
	return g.Wait()
}

// Poll receives one batch from the first queue that has visible messages
// and dispatches it. It returns the number of messages handled.
func (p *Pool) Poll(ctx context.Context) (int, error) {
	for _, qt := range p.opts.Queues {
		q := p.provider.Queue(qt.Name())
		msgs, err := q.Receive(ctx, p.opts.BatchSize, p.opts.VisibilityTimeout)
		if err != nil {
			return 0, err
		}
		if len(msgs) == 0 {
			continue
		}
		p.track(q.Name(), len(msgs))
		defer p.track(q.Name(), -len(msgs))
		for _, msg := range msgs {
			if err := p.dispatcher.Dispatch(ctx, q, msg); err != nil {
				return 0, err
			}
		}
		return len(msgs), nil
	}
	return 0, nil
}

// RunUntilIdle polls on the calling goroutine until no queue has a visible
// message, and returns how many messages it handled.
func (p *Pool) RunUntilIdle(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.Poll(ctx)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}

func (p *Pool) track(queue string, delta int) {
	n, _ := p.inFlight.Compute(queue, func(old int, loaded bool) (int, bool) {
		return old + delta, false
	})
	InFlight.WithLabelValues(queue).Set(float64(n))
}

// InFlight reports the messages being processed per queue.
func (p *Pool) InFlight() map[string]int {
	out := map[string]int{}
	p.inFlight.Range(func(queue string, n int) bool {
		out[queue] = n
		return true
	})
	return out
}
