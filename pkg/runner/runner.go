package runner

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tendant/transcript-pipeline/internal/bus"
	"github.com/tendant/transcript-pipeline/internal/config"
	"github.com/tendant/transcript-pipeline/internal/dbosruntime"
	"github.com/tendant/transcript-pipeline/internal/dedupe"
	"github.com/tendant/transcript-pipeline/internal/handlers"
	"github.com/tendant/transcript-pipeline/internal/history"
	"github.com/tendant/transcript-pipeline/internal/invoker"
	"github.com/tendant/transcript-pipeline/internal/metrics"
	"github.com/tendant/transcript-pipeline/internal/reconciler"
	"github.com/tendant/transcript-pipeline/internal/records"
	"github.com/tendant/transcript-pipeline/internal/trigger"
	"github.com/tendant/transcript-pipeline/internal/workflows"
	"github.com/tendant/transcript-pipeline/pkg/pipeline"
)

// Runner is an assembled transcript pipeline service: trigger, state machine,
// reconciler and the HTTP API, wired to one event bus
type Runner struct {
	handler   http.Handler
	records   records.Store
	workflows *workflows.WorkflowRunner
	runtime   *dbosruntime.Runtime

	// closers run in order on Shutdown, after in-flight runs have stopped
	closers []func()
}

// New assembles the durable service: Postgres stores, LISTEN/NOTIFY bus and
// DBOS workflows. Runs left unfinished by a previous process are resumed by DBOS.
func New(ctx context.Context, cfg config.Config) (*Runner, error) {
	if err := cfg.ValidateDurable(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Printf("✓ Connected to database")

	r, err := newDurable(ctx, cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.closers = append(r.closers, func() { db.Close() })
	return r, nil
}

func newDurable(ctx context.Context, cfg config.Config, db *sql.DB) (*Runner, error) {
	recs, err := records.NewPostgresStore(ctx, db)
	if err != nil {
		return nil, err
	}
	hist, err := history.NewPostgresStore(ctx, db)
	if err != nil {
		return nil, err
	}
	var recordings records.RecordingsIndex
	if cfg.RecordingsIndexEnabled {
		if recordings, err = records.NewPostgresRecordings(ctx, db); err != nil {
			return nil, err
		}
	}
	ledger, err := dedupe.NewTracker(db)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	dbosRuntime, err := dbosruntime.NewRuntime(ctx, dbosruntime.Config{
		DatabaseURL:        cfg.SystemDatabaseURL,
		AppName:            cfg.AppName,
		QueueName:          cfg.QueueName,
		Concurrency:        cfg.QueueConcurrency,
		ApplicationVersion: cfg.ApplicationVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
	}

	pgBus := bus.NewPostgresBus(db, cfg.DatabaseURL, cfg.BusChannelPrefix, bus.Options{})

	r := assemble(cfg, m, pgBus, recs, hist, recordings, ledger, dbosRuntime)

	// Launch DBOS (must be after workflow registration)
	if err := dbosRuntime.Launch(); err != nil {
		return nil, fmt.Errorf("failed to launch DBOS: %w", err)
	}
	log.Printf("✓ DBOS runtime launched (app %s, queue %s, concurrency %d)", cfg.AppName, dbosRuntime.QueueName(), dbosRuntime.Concurrency())

	busCtx, stopBus := context.WithCancel(context.Background())
	if err := pgBus.Start(busCtx); err != nil {
		stopBus()
		dbosRuntime.Shutdown(5 * time.Second)
		return nil, err
	}

	r.handler = newHandler(pgBus, recs, handlers.Options{
		Checks: map[string]handlers.Pinger{
			"database": recs,
			"dbos":     dbosRuntime,
			"bus":      pgBus,
		},
		Gatherer:  reg,
		Workflows: dbosRuntime,
	})
	r.closers = append(r.closers,
		stopBus,
		func() { pgBus.Close() },
	)
	return r, nil
}

// assemble wires the trigger and reconciler onto b and builds the state machine
func assemble(cfg config.Config, m *metrics.Metrics, b bus.Bus, recs records.Store, hist history.Store, recordings records.RecordingsIndex, ledger dedupe.Ledger, dbosRuntime *dbosruntime.Runtime) *Runner {
	worker := invoker.NewHTTPWorker(cfg.WorkerBaseURL, cfg.WorkerURLs, cfg.WorkerTimeout)
	machine := workflows.NewMachine(invoker.New(worker, m), recs, hist, m, workflows.MachineConfig{
		Graph:      workflows.DefaultGraph(cfg.DiarizeConcurrency, cfg.TranscribeConcurrency),
		RunTimeout: cfg.RunTimeout,
	})
	rec := reconciler.New(recs, hist, recordings, m, cfg.HistoryLookback)
	workflowRunner := workflows.NewWorkflowRunner(machine, dbosRuntime, b, m).WithFallback(rec)

	b.Subscribe(pipeline.TopicObjectCreated, trigger.New(workflowRunner, ledger, recs, recordings, m, cfg.UploadPrefix))
	b.Subscribe(pipeline.TopicRunStatus, rec)
	log.Printf("✓ Subscribed trigger to %s and reconciler to %s", pipeline.TopicObjectCreated, pipeline.TopicRunStatus)

	return &Runner{
		records:   recs,
		workflows: workflowRunner,
		runtime:   dbosRuntime,
	}
}

func newHandler(b handlers.Publisher, recs records.Store, opts handlers.Options) http.Handler {
	mux := http.NewServeMux()
	handlers.New(b, recs, opts).Register(mux)
	return mux
}

// Handler returns the HTTP API
func (r *Runner) Handler() http.Handler {
	return r.handler
}

// Records returns the processing record store
func (r *Runner) Records() records.Store {
	return r.records
}

// Shutdown stops in-process runs, then the DBOS runtime and the bus.
// Durable runs interrupted here are resumed by the next process.
func (r *Runner) Shutdown(timeout time.Duration) {
	r.workflows.Shutdown()
	if r.runtime != nil {
		r.runtime.Shutdown(timeout)
	}
	for _, closeFn := range r.closers {
		closeFn()
	}
}
