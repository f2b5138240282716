package runner

import (
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tendant/simple-content/pkg/simplecontent/presets"

	"github.com/tendant/transcript-pipeline/internal/bus"
	"github.com/tendant/transcript-pipeline/internal/config"
	"github.com/tendant/transcript-pipeline/internal/dedupe"
	"github.com/tendant/transcript-pipeline/internal/handlers"
	"github.com/tendant/transcript-pipeline/internal/history"
	"github.com/tendant/transcript-pipeline/internal/metrics"
	"github.com/tendant/transcript-pipeline/internal/records"
	"github.com/tendant/transcript-pipeline/internal/storage"
)

// NewStandalone assembles the service in a single process for quick testing:
// in-memory stores and bus, goroutine runs, and an embedded simple-content
// service (filesystem storage under cfg.StorageDir) behind POST /v1/uploads.
// Nothing survives a restart.
func NewStandalone(cfg config.Config) (*Runner, error) {
	cfg.WithDefaults()

	svc, cleanup, err := presets.NewDevelopment(
		presets.WithDevStorage(cfg.StorageDir),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize simple-content service: %w", err)
	}
	log.Printf("✓ simple-content service initialized (storage %s)", cfg.StorageDir)

	recs := records.NewMemoryStore()
	var recordings records.RecordingsIndex
	if cfg.RecordingsIndexEnabled {
		recordings = records.NewMemoryRecordings()
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	memBus := bus.NewMemoryBus(bus.Options{})

	r := assemble(cfg, m, memBus, recs, history.NewMemoryStore(), recordings, dedupe.NewMemoryLedger(), nil)
	r.handler = newHandler(memBus, recs, handlers.Options{
		Checks: map[string]handlers.Pinger{
			"bus": memBus,
		},
		Gatherer: reg,
		Uploads:  storage.NewContentStore(svc, cfg.UploadPrefix),
	})
	r.closers = append(r.closers,
		memBus.Close,
		cleanup,
	)
	return r, nil
}
