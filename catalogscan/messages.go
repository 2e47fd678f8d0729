package catalogscan

import (
	"github.com/NuGet/Insights-sub012/queues"
)

const (
	IndexScanSchema  = "cis"
	PageScanSchema   = "cps"
	LeafScanSchema   = "cls"
	CompactionSchema = "cc"
)

type IndexScanMessage struct {
	DriverType   DriverType `json:"t"`
	ScanID       string     `json:"i"`
	AttemptCount int        `json:"a,omitempty"`
}

type PageScanMessage struct {
	StorageSuffix string `json:"s"`
	ScanID        string `json:"i"`
	PageID        string `json:"p"`
}

type LeafScanMessage struct {
	StorageSuffix string `json:"s"`
	ScanID        string `json:"i"`
	PageID        string `json:"p"`
	LeafID        string `json:"l"`
}

// CompactionMessage asks for one bucket of a scan's appended results to be
// compacted. The task state row keyed by the bucket tracks it.
type CompactionMessage struct {
	DriverType    DriverType `json:"t"`
	ScanID        string     `json:"i"`
	StorageSuffix string     `json:"s"`
	Bucket        int        `json:"b"`
}

// RegisterMessages binds the scan message types to their schema names.
func RegisterMessages(s *queues.Serializer) {
	queues.Register[IndexScanMessage](s, IndexScanSchema, 1, queues.Expand, false)
	queues.Register[PageScanMessage](s, PageScanSchema, 1, queues.Expand, false)
	queues.Register[LeafScanMessage](s, LeafScanSchema, 1, queues.Work, true)
	queues.Register[CompactionMessage](s, CompactionSchema, 1, queues.Work, false)
}
