package catalogscan

import (
	"context"
	"sync"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/queues"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxLeafAttempts is how often a leaf is tried before its message is
	// poisoned.
	MaxLeafAttempts      = 10
	tryAgainLaterDelay   = time.Minute
	maxNextAttemptWait   = 5 * time.Minute
	nextAttemptClockSkew = 5 * time.Second
)

var LeafResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "catalogscan",
	Name:      "leaf_results",
}, []string{"driver", "result"})

type LeafProcessorOptions struct {
	// Concurrency bounds the leaves or package id groups processed at once
	// within one batch (default: 8).
	Concurrency int
}

type LeafProcessor struct {
	s           *Service
	concurrency int
}

func NewLeafProcessor(s *Service, opts LeafProcessorOptions) *LeafProcessor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &LeafProcessor{s: s, concurrency: opts.Concurrency}
}

type pendingLeaf struct {
	msg  LeafScanMessage
	scan *LeafScan
}

// leafBatch collects outcomes from concurrent leaf processing.
type leafBatch struct {
	mu     sync.Mutex
	result queues.BatchResult[LeafScanMessage]
}

func (b *leafBatch) fail(msg LeafScanMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result.Fail(msg)
}

func (b *leafBatch) later(msg LeafScanMessage, notBefore time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result.Later(msg, notBefore)
}

func totalAttempts(scan *LeafScan, dequeueCount int) int {
	return max(scan.AttemptCount+1, dequeueCount)
}

// ProcessBatch processes leaf messages. The messages are regrouped by page
// so the leaf scans of a page are read in one query.
func (p *LeafProcessor) ProcessBatch(ctx context.Context, msgs []LeafScanMessage, dequeueCount int) (queues.BatchResult[LeafScanMessage], error) {
	type pageKey struct{ suffix, scanID, pageID string }
	var order []pageKey
	groups := map[pageKey][]LeafScanMessage{}
	for _, msg := range msgs {
		k := pageKey{msg.StorageSuffix, msg.ScanID, msg.PageID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], msg)
	}

	batch := &leafBatch{}
	for _, k := range order {
		toProcess, err := p.categorize(ctx, groups[k], dequeueCount, batch)
		if err != nil {
			return batch.result, err
		}
		if len(toProcess) == 0 {
			continue
		}
		driverType := toProcess[0].scan.DriverType
		for _, pl := range toProcess[1:] {
			if pl.scan.DriverType != driverType {
				return batch.result, errors.Errorf("scan %s has leaves of drivers %s and %s", k.scanID, driverType, pl.scan.DriverType)
			}
		}
		driver, err := p.s.registry.Create(driverType)
		if err != nil {
			return batch.result, err
		}
		if bd, ok := driver.(BatchDriver); ok {
			err = p.processByID(ctx, bd, toProcess, batch)
		} else {
			err = p.processOneByOne(ctx, driver, toProcess, batch)
		}
		if err != nil {
			return batch.result, err
		}
	}
	if n := len(batch.result.Failed); n > 0 {
		p.s.opts.Logger.ErrorCtx(ctx, "leaf scans failed", "failed", n, "count", len(msgs))
	}
	if n := len(batch.result.TryAgainLater); n > 0 {
		p.s.opts.Logger.InfoCtx(ctx, "leaf scans will be tried again later", "later", n, "count", len(msgs))
	}
	return batch.result, nil
}

// categorize loads the leaf scans of one page. Messages without a leaf
// scan are done already, messages over the attempt limit are poisoned and
// leaves backing off are put aside.
func (p *LeafProcessor) categorize(ctx context.Context, msgs []LeafScanMessage, dequeueCount int, batch *leafBatch) ([]pendingLeaf, error) {
	first := msgs[0]
	leafIDs := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		leafIDs = append(leafIDs, msg.LeafID)
	}
	scans, err := p.s.storage.GetLeafScans(ctx, first.StorageSuffix, first.ScanID, first.PageID, leafIDs)
	if errors.Is(err, insights_errors.ErrTableNotFound) {
		p.s.opts.Logger.WarnCtx(ctx, "leaf scans of a finished scan", "scan", first.ScanID, "count", len(msgs))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := p.s.opts.Clock.Now()
	var out []pendingLeaf
	missing := 0
	for _, msg := range msgs {
		scan, ok := scans[msg.LeafID]
		if !ok {
			missing++
			continue
		}
		if totalAttempts(scan, dequeueCount) > MaxLeafAttempts {
			p.s.opts.Logger.ErrorCtx(ctx, "moving leaf scan to the poison queue",
				"scan", scan.ScanID, "leaf", scan.RowKey(), "attempts", scan.AttemptCount, "dequeues", dequeueCount)
			if err := p.poison(ctx, msg); err != nil {
				return nil, err
			}
			LeafResults.WithLabelValues(string(scan.DriverType), "poison").Inc()
			continue
		}
		if scan.NextAttempt != nil && scan.NextAttempt.After(now) {
			wait := min(scan.NextAttempt.Sub(now)+nextAttemptClockSkew, maxNextAttemptWait)
			batch.later(msg, wait)
			continue
		}
		out = append(out, pendingLeaf{msg: msg, scan: scan})
	}
	if missing > 0 {
		p.s.opts.Logger.WarnCtx(ctx, "no matching leaf scans", "missing", missing, "count", len(msgs))
	}
	return out, nil
}

func (p *LeafProcessor) poison(ctx context.Context, msg LeafScanMessage) error {
	body, err := p.s.enqueuer.Serializer().Serialize(msg)
	if err != nil {
		return err
	}
	return p.s.enqueuer.Poison(ctx, queues.Work.Name(), body)
}

func (p *LeafProcessor) startAttempt(scan *LeafScan) {
	scan.AttemptCount++
	next := p.s.opts.Clock.Now().Add(queues.MessageDelay(scan.AttemptCount)).UTC()
	scan.NextAttempt = &next
}

// resetAttempt gives back the attempt of a leaf that asked to be tried
// again later.
func (p *LeafProcessor) resetAttempt(scan *LeafScan) {
	scan.AttemptCount--
	next := p.s.opts.Clock.Now().Add(tryAgainLaterDelay).UTC()
	scan.NextAttempt = &next
}

// lostRace tells whether another worker changed or finished the leaf scan
// since it was read.
func lostRace(err error) bool {
	return errors.Is(err, insights_errors.ErrNotFound) || errors.Is(err, insights_errors.ErrPreconditionFailed)
}

func (p *LeafProcessor) processOneByOne(ctx context.Context, driver Driver, leaves []pendingLeaf, batch *leafBatch) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, pl := range leaves {
		g.Go(func() error {
			return p.processOne(gctx, driver, pl, batch)
		})
	}
	return g.Wait()
}

func (p *LeafProcessor) processOne(ctx context.Context, driver Driver, pl pendingLeaf, batch *leafBatch) error {
	scan := pl.scan
	driverType := string(scan.DriverType)
	p.startAttempt(scan)
	if err := p.s.storage.ReplaceLeafScans(ctx, []*LeafScan{scan}); err != nil {
		if errors.Is(err, insights_errors.ErrNotFound) {
			p.s.opts.Logger.WarnCtx(ctx, "leaf scan was completed elsewhere", "leaf", scan.RowKey())
			return nil
		}
		if lostRace(err) {
			p.s.opts.Logger.WarnCtx(ctx, "leaf scan is busy elsewhere", "leaf", scan.RowKey())
			batch.later(pl.msg, tryAgainLaterDelay)
			return nil
		}
		return err
	}

	result := driver.ProcessLeaf(ctx, scan)
	switch result.Kind {
	case ResultSuccess:
		LeafResults.WithLabelValues(driverType, "success").Inc()
		if err := p.complete(ctx, []*LeafScan{scan}); err != nil {
			return err
		}
	case ResultTryAgainLater:
		LeafResults.WithLabelValues(driverType, "try_again_later").Inc()
		p.resetAttempt(scan)
		err := p.s.storage.ReplaceLeafScans(ctx, []*LeafScan{scan})
		if err != nil && !lostRace(err) {
			return err
		}
		batch.later(pl.msg, tryAgainLaterDelay)
	default:
		LeafResults.WithLabelValues(driverType, "failure").Inc()
		p.s.opts.Logger.ErrorCtx(ctx, "leaf scan failed",
			"id", scan.PackageID, "version", scan.PackageVersion, "leaf", scan.RowKey(), "err", result.Err)
		batch.fail(pl.msg)
	}
	return nil
}

// processByID hands each package id's leaves to the batch driver as one
// group. A failing group fails alone.
func (p *LeafProcessor) processByID(ctx context.Context, driver BatchDriver, leaves []pendingLeaf, batch *leafBatch) error {
	scans := make([]*LeafScan, 0, len(leaves))
	byScan := make(map[*LeafScan]LeafScanMessage, len(leaves))
	for _, pl := range leaves {
		p.startAttempt(pl.scan)
		scans = append(scans, pl.scan)
		byScan[pl.scan] = pl.msg
	}
	if err := p.s.storage.ReplaceLeafScans(ctx, scans); err != nil {
		if lostRace(err) {
			p.s.opts.Logger.WarnCtx(ctx, "a leaf scan of the batch is busy elsewhere", "count", len(scans))
			for _, pl := range leaves {
				batch.later(pl.msg, tryAgainLaterDelay)
			}
			return nil
		}
		return err
	}

	var order []string
	groups := map[string][]*LeafScan{}
	for _, scan := range scans {
		id := scan.LowerID()
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], scan)
	}

	var (
		mu      sync.Mutex
		done    []*LeafScan
		retried []*LeafScan
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, id := range order {
		group := groups[id]
		g.Go(func() error {
			result, err := driver.ProcessLeaves(gctx, group)
			if err != nil {
				p.s.opts.Logger.ErrorCtx(gctx, "leaf scan group failed", "id", id, "count", len(group), "err", err)
				result = BatchDriverResult{Failed: group}
			}
			failed := map[*LeafScan]bool{}
			for _, scan := range result.Failed {
				failed[scan] = true
				batch.fail(byScan[scan])
			}
			later := map[*LeafScan]bool{}
			for _, scan := range result.TryAgainLater {
				later[scan] = true
				batch.later(byScan[scan], tryAgainLaterDelay)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, scan := range group {
				switch {
				case failed[scan]:
				case later[scan]:
					p.resetAttempt(scan)
					retried = append(retried, scan)
				default:
					done = append(done, scan)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	driverType := string(leaves[0].scan.DriverType)
	LeafResults.WithLabelValues(driverType, "success").Add(float64(len(done)))
	LeafResults.WithLabelValues(driverType, "try_again_later").Add(float64(len(retried)))
	LeafResults.WithLabelValues(driverType, "failure").Add(float64(len(leaves) - len(done) - len(retried)))

	if err := p.s.storage.ReplaceLeafScans(ctx, retried); err != nil && !lostRace(err) {
		return err
	}
	return p.complete(ctx, done)
}

// complete deletes the leaf scans of finished leaves. When a batch delete
// loses a race the leaves are deleted one by one, so the others still go.
func (p *LeafProcessor) complete(ctx context.Context, scans []*LeafScan) error {
	err := p.s.storage.DeleteLeafScans(ctx, scans)
	if err == nil || !lostRace(err) {
		return err
	}
	for _, scan := range scans {
		if err := p.s.storage.DeleteLeafScans(ctx, []*LeafScan{scan}); err != nil && !lostRace(err) {
			return err
		}
	}
	return nil
}
