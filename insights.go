// Package insights opens the storage of a catalog scan host and wires the
// scan engine, its drivers and the queue workers over it.
package insights

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/NuGet/Insights-sub012/appendresults"
	"github.com/NuGet/Insights-sub012/blobs"
	"github.com/NuGet/Insights-sub012/catalog"
	"github.com/NuGet/Insights-sub012/catalogscan"
	"github.com/NuGet/Insights-sub012/config"
	"github.com/NuGet/Insights-sub012/cursors"
	"github.com/NuGet/Insights-sub012/drivers"
	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/latestleaf"
	"github.com/NuGet/Insights-sub012/leases"
	"github.com/NuGet/Insights-sub012/queues"
	"github.com/NuGet/Insights-sub012/tablecopy"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/NuGet/Insights-sub012/taskstate"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/NuGet/Insights-sub012/worker"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/juju/clock"
	"github.com/pkg/errors"
)

type Options struct {
	Config *config.Config
	// FS of the pebble database, vfs.NewMem() keeps everything in memory.
	FS vfs.FS
	// CatalogTransport replaces the HTTP transport of the catalog client.
	CatalogTransport http.RoundTripper
	Clock            clock.Clock
	Logger           utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Config == nil {
		o.Config = config.Default()
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	o.Logger = utils.OrDefault(o.Logger)
}

// Insights is one host: it may start scans and it works the queues.
// Several hosts may share tables and blobs through postgres and minio,
// queues always live in the local pebble database.
type Insights struct {
	opts Options

	db       *pebble.DB
	tables   tables.Store
	blobs    blobs.Store
	queues   *queues.PebbleQueues
	enqueuer *queues.Enqueuer
	cursors  *cursors.Service
	catalog  *catalog.Client
	scans    *catalogscan.Service
	updater  *catalogscan.Updater
	copies   *tablecopy.Service
	pool     *worker.Pool

	closers []func() error
	lock    sync.Mutex
	closed  bool
}

// Open opens or creates the storage named by the config and initializes
// the shared tables.
func Open(ctx context.Context, opts Options) (_ *Insights, err error) {
	opts.SetDefaults()
	cfg := opts.Config
	ins := &Insights{opts: opts}
	defer func() {
		if err != nil {
			_ = ins.Close()
		}
	}()

	ins.db, err = pebble.Open(cfg.Storage.Dir, &pebble.Options{FS: opts.FS})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", cfg.Storage.Dir)
	}
	ins.closers = append(ins.closers, ins.db.Close)

	if cfg.Storage.PostgresDSN != "" {
		pg, err := tables.NewPostgresStore(ctx, cfg.Storage.PostgresDSN, tables.PostgresOptions{Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		ins.closers = append(ins.closers, func() error {
			pg.Close()
			return nil
		})
		ins.tables = pg
	} else {
		ins.tables = tables.NewPebbleStore(ins.db, tables.PebbleOptions{Logger: opts.Logger})
	}

	if cfg.Storage.Minio.EndpointURL != "" {
		ins.blobs, err = blobs.NewMinioStore(cfg.Storage.Minio)
		if err != nil {
			return nil, err
		}
	} else {
		ins.blobs = blobs.NewPebbleStore(ins.db, nil)
	}

	ins.queues = queues.NewPebbleQueues(ins.db, queues.PebbleOptions{Clock: opts.Clock})
	serializer := queues.NewSerializer()
	catalogscan.RegisterMessages(serializer)
	tablecopy.RegisterMessages(serializer)
	ins.enqueuer = queues.NewEnqueuer(serializer, ins.queues, queues.EnqueuerOptions{
		BulkEnqueueThreshold: cfg.Scan.BulkEnqueueThreshold,
		Logger:               opts.Logger,
	})

	ins.cursors = cursors.NewService(ins.tables, cursors.Options{Logger: opts.Logger})
	leaseService := leases.NewService(ins.tables, leases.Options{Clock: opts.Clock, Logger: opts.Logger})
	taskStates := taskstate.NewService(ins.tables, taskstate.Options{Clock: opts.Clock, Logger: opts.Logger})
	ins.catalog = catalog.NewClient(catalog.ClientConfig{
		IndexURL:      cfg.Catalog.IndexURL,
		Timeout:       cfg.Catalog.Timeout(),
		RateLimit:     cfg.Catalog.RateLimit,
		RateBurst:     cfg.Catalog.RateBurst,
		PageCacheSize: cfg.Catalog.PageCacheSize,
		UserAgent:     "NuGet.Insights",
		Transport:     opts.CatalogTransport,
		Clock:         opts.Clock,
		Logger:        opts.Logger,
	})

	registry := catalogscan.NewRegistry()
	disabled := make([]catalogscan.DriverType, 0, len(cfg.Scan.DisabledDrivers))
	for _, name := range cfg.Scan.DisabledDrivers {
		disabled = append(disabled, catalogscan.DriverType(name))
	}
	err = drivers.Register(registry, drivers.Deps{
		CsvDeps: catalogscan.CsvDeps{
			Tables:     ins.tables,
			Blobs:      ins.blobs,
			TaskStates: taskStates,
			Enqueuer:   ins.enqueuer,
			Append:     appendresults.Options{Clock: opts.Clock, Logger: opts.Logger},
		},
		Leaves: ins.catalog,
	}, drivers.Options{
		BucketCount:            cfg.Scan.BucketCount,
		MaxConcurrentDownloads: int64(cfg.Scan.MaxConcurrentDownloads),
		LatestLeaf:             latestleaf.Options{Clock: opts.Clock, Logger: opts.Logger},
		Disabled:               disabled,
		Logger:                 opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	for _, dt := range disabled {
		if _, err := registry.Metadata(dt); err != nil {
			return nil, errors.Wrap(err, "cannot disable driver")
		}
	}

	storage := catalogscan.NewStorage(ins.tables, opts.Logger)
	if err := storage.Initialize(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to initialize index scans")
	}
	if err := ins.cursors.Initialize(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to initialize cursors")
	}
	if err := leaseService.Initialize(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to initialize leases")
	}

	ins.scans = catalogscan.NewService(catalogscan.Deps{
		Registry:   registry,
		Storage:    storage,
		Cursors:    ins.cursors,
		Leases:     leaseService,
		TaskStates: taskStates,
		Enqueuer:   ins.enqueuer,
		Catalog:    ins.catalog,
	}, catalogscan.ServiceOptions{
		StartLeaseDuration: cfg.Scan.StartLeaseDuration(),
		OldScansToKeep:     cfg.Scan.OldScansToKeep,
		Clock:              opts.Clock,
		Logger:             opts.Logger,
	})
	ins.updater = catalogscan.NewUpdater(ins.scans, catalogscan.UpdaterOptions{
		Interval:      cfg.Scan.UpdateInterval(),
		LeaseDuration: cfg.Scan.UpdateLeaseDuration(),
	})
	ins.copies = tablecopy.NewService(ins.tables, ins.enqueuer, opts.Logger)

	d := worker.NewDispatcher(ins.enqueuer, opts.Logger)
	worker.Handle[catalogscan.IndexScanMessage](d, catalogscan.NewIndexProcessor(ins.scans))
	worker.Handle[catalogscan.PageScanMessage](d, catalogscan.NewPageProcessor(ins.scans))
	worker.HandleBatch[catalogscan.LeafScanMessage](d, catalogscan.NewLeafProcessor(ins.scans, catalogscan.LeafProcessorOptions{
		Concurrency: cfg.Worker.LeafConcurrency,
	}))
	worker.Handle[catalogscan.CompactionMessage](d, catalogscan.NewCompactionProcessor(ins.scans))
	worker.Handle[tablecopy.RowCopyMessage](d, tablecopy.NewRowCopyProcessor(ins.copies))
	ins.pool = worker.NewPool(d, ins.queues, worker.PoolOptions{
		Workers:           cfg.Worker.Workers,
		BatchSize:         cfg.Worker.BatchSize,
		VisibilityTimeout: cfg.Worker.VisibilityTimeout(),
		PollInterval:      cfg.Worker.PollInterval(),
		Clock:             opts.Clock,
		Logger:            opts.Logger,
	})

	opts.Logger.Info("insights opened", "dir", cfg.Storage.Dir, "tables", storeName(ins.tables),
		"blobs", storeName(ins.blobs), "drivers", len(registry.Types()))
	return ins, nil
}

func storeName(s any) string {
	switch s.(type) {
	case *tables.PostgresStore:
		return "postgres"
	case *blobs.MinioStore:
		return "minio"
	default:
		return "pebble"
	}
}

// Close releases storage in reverse opening order. Messages in flight are
// redelivered after their visibility timeout.
func (ins *Insights) Close() error {
	ins.lock.Lock()
	defer ins.lock.Unlock()
	if ins.closed {
		return insights_errors.ErrClosed
	}
	ins.closed = true
	var first error
	for i := len(ins.closers) - 1; i >= 0; i-- {
		if err := ins.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	ins.closers = nil
	return first
}

func (ins *Insights) Scans() *catalogscan.Service {
	return ins.scans
}

// Updater is the leased UpdateAll loop; the host runs it only if asked to.
func (ins *Insights) Updater() *catalogscan.Updater {
	return ins.updater
}

func (ins *Insights) Copies() *tablecopy.Service {
	return ins.copies
}

func (ins *Insights) Pool() *worker.Pool {
	return ins.pool
}

func (ins *Insights) Tables() tables.Store {
	return ins.tables
}

func (ins *Insights) Blobs() blobs.Store {
	return ins.blobs
}

func (ins *Insights) Catalog() *catalog.Client {
	return ins.catalog
}

func (ins *Insights) Logger() utils.Logger {
	return ins.opts.Logger
}

// UpdateAll starts a scan for every driver that is behind the catalog.
func (ins *Insights) UpdateAll(ctx context.Context) (map[catalogscan.DriverType]*catalogscan.StartResult, error) {
	return ins.scans.UpdateAll(ctx, time.Time{})
}

// QueueCounts reports the message count of every work and poison queue.
func (ins *Insights) QueueCounts(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{}
	for _, qt := range []queues.QueueType{queues.Expand, queues.Work} {
		for _, name := range []string{qt.Name(), qt.PoisonName()} {
			n, err := ins.queues.Queue(name).Count(ctx)
			if err != nil {
				return nil, err
			}
			counts[name] = n
		}
	}
	return counts, nil
}

// DriverStatus is what the console shows per driver.
type DriverStatus struct {
	Type     catalogscan.DriverType
	Disabled bool
	Cursor   time.Time
	Latest   *catalogscan.IndexScan
}

func (ins *Insights) Status(ctx context.Context) ([]DriverStatus, error) {
	registry := ins.scans.Registry()
	var out []DriverStatus
	for _, dt := range registry.Types() {
		md, err := registry.Metadata(dt)
		if err != nil {
			return nil, err
		}
		c, err := ins.scans.GetCursor(ctx, dt)
		if err != nil {
			return nil, err
		}
		st := DriverStatus{Type: dt, Disabled: md.Disabled, Cursor: c.Value}
		scans, err := ins.scans.GetLatestScans(ctx, dt, 1)
		if err != nil {
			return nil, err
		}
		if len(scans) > 0 {
			st.Latest = scans[0]
		}
		out = append(out, st)
	}
	return out, nil
}
