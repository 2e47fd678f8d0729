package catalogscan

import (
	"cmp"
	"context"
	"slices"

	"github.com/NuGet/Insights-sub012/catalog"
	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/pkg/errors"
)

type PageProcessor struct {
	s *Service
}

func NewPageProcessor(s *Service) *PageProcessor {
	return &PageProcessor{s: s}
}

func (p *PageProcessor) Process(ctx context.Context, msg PageScanMessage, dequeueCount int) error {
	ctx = p.s.opts.Logger.WithDefaultArgs(ctx, "scan", msg.ScanID, "page", msg.PageID)
	scan, err := p.s.storage.GetPageScan(ctx, msg.StorageSuffix, msg.ScanID, msg.PageID)
	if errors.Is(err, insights_errors.ErrNotFound) || errors.Is(err, insights_errors.ErrTableNotFound) {
		p.s.opts.Logger.WarnCtx(ctx, "no matching page scan")
		return nil
	}
	if err != nil {
		return err
	}

	var leaves []*LeafScan
	loadLeaves := func() error {
		if leaves != nil {
			return nil
		}
		leaves, err = p.createLeafScans(ctx, scan)
		return err
	}

	if scan.State == PageCreated {
		scan.State = PageExpanding
		if err := p.s.storage.ReplacePageScan(ctx, scan); err != nil {
			return err
		}
	}
	if scan.State == PageExpanding {
		if err := loadLeaves(); err != nil {
			return err
		}
		added, err := p.s.storage.InsertMissingLeafScans(ctx, scan.StorageSuffix, scan.ScanID, scan.PageID, leaves)
		if err != nil {
			return err
		}
		p.s.opts.Logger.DebugCtx(ctx, "expanded page", "leaves", len(leaves), "added", added)
		scan.State = PageEnqueuing
		if err := p.s.storage.ReplacePageScan(ctx, scan); err != nil {
			return err
		}
	}
	if scan.State == PageEnqueuing {
		if err := loadLeaves(); err != nil {
			return err
		}
		if err := p.enqueueLeaves(ctx, scan, leaves); err != nil {
			return err
		}
		scan.State = PageComplete
		if err := p.s.storage.ReplacePageScan(ctx, scan); err != nil {
			return err
		}
	}
	return p.s.storage.DeletePageScan(ctx, scan)
}

// createLeafScans reads the page and builds one leaf scan per leaf in
// bounds, keyed by the leaf's rank in the page.
func (p *PageProcessor) createLeafScans(ctx context.Context, scan *PageScan) ([]*LeafScan, error) {
	atLeast := scan.Max
	if scan.CommitTimestamp.Before(atLeast) {
		atLeast = scan.CommitTimestamp
	}
	page, err := p.s.catalog.GetPage(ctx, scan.URL, atLeast)
	if err != nil {
		return nil, err
	}
	items, err := catalog.GetLeavesInBounds(page, scan.Min, scan.Max, scan.OnlyLatestLeaves)
	if err != nil {
		return nil, err
	}
	out := make([]*LeafScan, 0, len(items))
	for _, item := range items {
		leafType, err := item.LeafType()
		if err != nil {
			return nil, err
		}
		out = append(out, &LeafScan{
			StorageSuffix:   scan.StorageSuffix,
			ScanID:          scan.ScanID,
			PageID:          scan.PageID,
			LeafID:          utils.RankID('L', item.Rank),
			DriverType:      scan.DriverType,
			Min:             scan.Min,
			Max:             scan.Max,
			URL:             item.URL,
			PageURL:         scan.URL,
			LeafType:        leafType,
			CommitID:        item.CommitID,
			CommitTimestamp: item.CommitTimestamp.UTC(),
			PackageID:       item.PackageID,
			PackageVersion:  item.PackageVersion,
			ScanTimestamp:   scan.ScanTimestamp,
			ScanParameters:  scan.ScanParameters,
		})
	}
	slices.SortFunc(out, func(a, b *LeafScan) int {
		return cmp.Compare(a.LeafID, b.LeafID)
	})
	// a leaf listed twice in a page has one rank
	return slices.CompactFunc(out, func(a, b *LeafScan) bool {
		return a.LeafID == b.LeafID
	}), nil
}

// enqueueLeaves sends one message per leaf. For batch drivers the leaves
// of one package id are kept next to each other so they tend to share a
// batch.
func (p *PageProcessor) enqueueLeaves(ctx context.Context, scan *PageScan, leaves []*LeafScan) error {
	driver, err := p.s.registry.Create(scan.DriverType)
	if err != nil {
		return err
	}
	ordered := slices.Clone(leaves)
	if _, ok := driver.(BatchDriver); ok {
		slices.SortStableFunc(ordered, func(a, b *LeafScan) int {
			return cmp.Compare(a.LowerID(), b.LowerID())
		})
	}
	messages := make([]any, 0, len(ordered))
	for _, leaf := range ordered {
		messages = append(messages, LeafScanMessage{
			StorageSuffix: leaf.StorageSuffix,
			ScanID:        leaf.ScanID,
			PageID:        leaf.PageID,
			LeafID:        leaf.LeafID,
		})
	}
	return p.s.enqueuer.Enqueue(ctx, messages, 0)
}
