package catalogscan

import (
	"context"
	"strconv"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/pkg/errors"
)

// CompactionProcessor compacts one bucket and then deletes the task state
// row that the aggregation step waits on.
type CompactionProcessor struct {
	s *Service
}

func NewCompactionProcessor(s *Service) *CompactionProcessor {
	return &CompactionProcessor{s: s}
}

func (p *CompactionProcessor) Process(ctx context.Context, msg CompactionMessage, dequeueCount int) error {
	ctx = p.s.opts.Logger.WithDefaultArgs(ctx, "driver", msg.DriverType, "scan", msg.ScanID, "bucket", msg.Bucket)
	task, err := p.s.taskStates.Get(ctx, msg.StorageSuffix, msg.ScanID, strconv.Itoa(msg.Bucket))
	if errors.Is(err, insights_errors.ErrNotFound) || errors.Is(err, insights_errors.ErrTableNotFound) {
		p.s.opts.Logger.WarnCtx(ctx, "no task state for compaction")
		return nil
	}
	if err != nil {
		return err
	}
	driver, err := p.s.registry.Create(msg.DriverType)
	if err != nil {
		return err
	}
	c, ok := driver.(Compactor)
	if !ok {
		return errors.Errorf("driver %s does not compact", msg.DriverType)
	}
	if err := c.CompactBucket(ctx, msg); err != nil {
		return err
	}
	return p.s.taskStates.Delete(ctx, task)
}
