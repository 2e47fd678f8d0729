package catalogscan

import (
	"context"

	"github.com/NuGet/Insights-sub012/catalog"
	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/queues"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// maxMissingScanAttempts bounds how long a message waits for its index
	// scan row, which is inserted right after the message is sent.
	maxMissingScanAttempts = 10
	// a lost race backs off for a full minute
	conflictAttemptPenalty = 60
)

var IndexTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "catalogscan",
	Name:      "index_transitions",
}, []string{"driver", "state"})

type IndexProcessor struct {
	s *Service
}

func NewIndexProcessor(s *Service) *IndexProcessor {
	return &IndexProcessor{s: s}
}

func (p *IndexProcessor) Process(ctx context.Context, msg IndexScanMessage, dequeueCount int) error {
	ctx = p.s.opts.Logger.WithDefaultArgs(ctx, "driver", msg.DriverType, "scan", msg.ScanID)
	scan, err := p.s.storage.GetIndexScan(ctx, msg.DriverType, msg.ScanID)
	if errors.Is(err, insights_errors.ErrNotFound) {
		if msg.AttemptCount < maxMissingScanAttempts {
			p.s.opts.Logger.WarnCtx(ctx, "no index scan yet, retrying", "attempt", msg.AttemptCount)
			return p.requeue(ctx, msg, 1)
		}
		p.s.opts.Logger.ErrorCtx(ctx, "no index scan, giving up", "attempt", msg.AttemptCount)
		return nil
	}
	if err != nil {
		return err
	}
	if scan.State.IsTerminal() {
		return nil
	}
	driver, err := p.s.registry.Create(scan.DriverType)
	if err != nil {
		return err
	}

	for {
		next, wait, err := p.step(ctx, driver, scan, &msg)
		if err != nil {
			return err
		}
		if wait {
			return p.requeue(ctx, msg, 1)
		}
		scan.State = next
		if err := p.s.storage.ReplaceIndexScan(ctx, scan); err != nil {
			if errors.Is(err, insights_errors.ErrPreconditionFailed) {
				p.s.opts.Logger.WarnCtx(ctx, "index scan was updated by someone else", "state", next)
				return p.requeue(ctx, msg, conflictAttemptPenalty)
			}
			return err
		}
		IndexTransitions.WithLabelValues(string(scan.DriverType), string(next)).Inc()
		p.s.opts.Logger.InfoCtx(ctx, "index scan moved", "state", next)
		if next.IsTerminal() {
			return p.afterComplete(ctx, scan)
		}
	}
}

// step does the work of the current state and names the next one. wait
// means the state is not done yet and the message should come back later.
func (p *IndexProcessor) step(ctx context.Context, driver Driver, scan *IndexScan, msg *IndexScanMessage) (next IndexScanState, wait bool, err error) {
	switch scan.State {
	case Created:
		if err := driver.Initialize(ctx, scan); err != nil {
			return "", false, err
		}
		if err := p.s.storage.InitializeChildTables(ctx, scan.StorageSuffix); err != nil {
			return "", false, err
		}
		if err := p.s.taskStates.Initialize(ctx, scan.StorageSuffix); err != nil {
			return "", false, err
		}
		now := p.s.opts.Clock.Now().UTC()
		scan.Started = &now
		return Expanding, false, nil

	case Expanding:
		return Enqueued, false, p.expand(ctx, scan)

	case Enqueued:
		pending, err := p.s.storage.HasPageScans(ctx, scan.StorageSuffix, scan.ScanID)
		if err != nil || pending {
			return "", pending, err
		}
		return Expanded, false, nil

	case Expanded:
		pending, err := p.s.storage.HasLeafScans(ctx, scan.StorageSuffix, scan.ScanID)
		if err != nil || pending {
			return "", pending, err
		}
		if err := driver.StartAggregate(ctx, scan); err != nil {
			return "", false, err
		}
		msg.AttemptCount = 0
		return Aggregating, false, nil

	case Aggregating:
		done, err := driver.IsAggregateComplete(ctx, scan)
		if err != nil || !done {
			return "", !done && err == nil, err
		}
		return Aggregated, false, nil

	case Aggregated:
		return Finalizing, false, nil

	case Finalizing:
		return Complete, false, p.finalize(ctx, driver, scan)
	}
	return "", false, errors.Errorf("index scan %s is in unknown state %q", scan.ScanID, scan.State)
}

// expand creates a page scan for every page in bounds and enqueues them
// all. Page ids come from the page ranks, so a repeated expansion finds
// its rows already there.
func (p *IndexProcessor) expand(ctx context.Context, scan *IndexScan) error {
	index, err := p.s.catalog.GetIndex(ctx)
	if err != nil {
		return err
	}
	pages := catalog.GetPagesInBounds(index, scan.Min, scan.Max)
	scans := make([]*PageScan, 0, len(pages))
	messages := make([]any, 0, len(pages))
	for _, page := range pages {
		ps := &PageScan{
			StorageSuffix:    scan.StorageSuffix,
			ScanID:           scan.ScanID,
			PageID:           utils.RankID('P', page.Rank),
			State:            PageCreated,
			DriverType:       scan.DriverType,
			Min:              scan.Min,
			Max:              scan.Max,
			URL:              page.URL,
			Rank:             page.Rank,
			CommitTimestamp:  page.CommitTimestamp.UTC(),
			ScanTimestamp:    scan.scanTimestamp(),
			OnlyLatestLeaves: scan.OnlyLatestLeaves,
			ScanParameters:   scan.ScanParameters,
		}
		scans = append(scans, ps)
		messages = append(messages, PageScanMessage{StorageSuffix: ps.StorageSuffix, ScanID: ps.ScanID, PageID: ps.PageID})
	}
	added, err := p.s.storage.InsertMissingPageScans(ctx, scan.StorageSuffix, scan.ScanID, scans)
	if err != nil {
		return err
	}
	p.s.opts.Logger.InfoCtx(ctx, "expanded index", "pages", len(pages), "added", added)
	return p.s.enqueuer.Enqueue(ctx, messages, 0)
}

func (p *IndexProcessor) finalize(ctx context.Context, driver Driver, scan *IndexScan) error {
	if err := driver.Finalize(ctx, scan); err != nil {
		return err
	}
	if err := p.s.storage.DeleteChildTables(ctx, scan.StorageSuffix); err != nil {
		return err
	}
	if err := p.s.taskStates.DeleteTable(ctx, scan.StorageSuffix); err != nil {
		return err
	}
	if scan.CursorName != "" {
		cursor, err := p.s.cursors.GetOrCreate(ctx, scan.CursorName)
		if err != nil {
			return err
		}
		if cursor.Value.Before(scan.Max) {
			if err := p.s.cursors.Update(ctx, cursor, scan.Max); err != nil {
				return err
			}
		} else {
			p.s.opts.Logger.WarnCtx(ctx, "cursor is already past the scan", "cursor", cursor.Value, "max", scan.Max)
		}
	}
	now := p.s.opts.Clock.Now().UTC()
	scan.Completed = &now
	scan.Result = "Complete"
	return nil
}

func (p *IndexProcessor) afterComplete(ctx context.Context, scan *IndexScan) error {
	if err := p.s.storage.DeleteOldIndexScans(ctx, scan.DriverType, scan.ScanID, p.s.opts.OldScansToKeep); err != nil {
		p.s.opts.Logger.WarnCtx(ctx, "failed to delete old index scans", "err", err)
	}
	if scan.ContinueUpdate {
		_, err := p.s.UpdateAll(ctx, scan.Max)
		return err
	}
	return nil
}

func (p *IndexProcessor) requeue(ctx context.Context, msg IndexScanMessage, attempts int) error {
	msg.AttemptCount += attempts
	return p.s.enqueuer.Enqueue(ctx, []any{msg}, queues.MessageDelay(msg.AttemptCount))
}
