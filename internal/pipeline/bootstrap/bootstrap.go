// Package bootstrap wires the pipeline core's components into a runnable
// whole: postgres-backed repos, the retry orchestrator, the stage
// registry, the batch scheduler, and a Temporal worker for the retry
// workflow. Concrete stage handlers (the adapters that actually call
// out to OCR/vision/embedding providers) are supplied by the caller —
// this package only wires the engine around them.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/yungbote/neurobridge-backend/internal/clients/gcp"
	pipelinerepos "github.com/yungbote/neurobridge-backend/internal/data/repos/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/batch"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/errorlog"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/external"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/idempotency"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/lock"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/retrypolicy"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/retryorch"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/scheduler"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/storagequeue"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/temporalrun"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/tracker"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// App bundles every component a pipeline worker process needs once
// wired: the batch controller for synchronous/manual runs, the retry
// sweeper that drives background retries by default, and — when
// configured — the Temporal runner as the durable alternative to the
// sweeper.
type App struct {
	DB         *gorm.DB
	Log        *logger.Logger
	Registry   *stage.Registry
	Controller *batch.Controller
	Sweeper    *retryorch.Sweeper  // nil once Temporal takes over background retries
	Temporal   *temporalrun.Runner // nil when TEMPORAL_ADDRESS is unset
}

// New opens the database, builds every repo and the retry orchestrator,
// substitutes the core storage-queue handler into the "storage"
// descriptor (overriding whatever placeholder the caller supplied for
// it), assembles the stage registry from the remaining caller-supplied
// extractor handlers, and starts the background-retry sweeper — unless
// TEMPORAL_ADDRESS is configured, in which case Temporal's durable
// workflow takes over that role instead and the sweeper is left
// unstarted. Handlers must cover all ten fixed stage names or
// stage.BuildDescriptors (invoked by the caller before New) rejects the
// registry. The GCS bucket service requires both AVATAR_GCS_BUCKET_NAME
// and MATERIAL_GCS_BUCKET_NAME to be set even though this engine only
// ever touches the material bucket; see DESIGN.md.
func New(ctx context.Context, log *logger.Logger, descriptors []*stage.Descriptor) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("bootstrap: logger required")
	}

	dsn := strings.TrimSpace(os.Getenv("PIPELINE_DATABASE_DSN"))
	if dsn == "" {
		return nil, fmt.Errorf("bootstrap: PIPELINE_DATABASE_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open database: %w", err)
	}

	docRepo := pipelinerepos.NewDocumentRepo(db, log)
	policyRepo := pipelinerepos.NewRetryPolicyRepo(db, log)
	idemRepo := pipelinerepos.NewCompletionMarkerRepo(db, log)
	errLogRepo := pipelinerepos.NewPipelineErrorRepo(db, log)
	trackerRepo := pipelinerepos.NewStageStatusRepo(db, log)
	artifactQueueRepo := pipelinerepos.NewArtifactQueueRepo(db, log)
	outputRepo := pipelinerepos.NewOutputRepo(db, log)

	bucketSvc, err := gcp.NewBucketService(log)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: gcs bucket service: %w", err)
	}
	objectStore := external.NewGCSObjectStore(bucketSvc)
	storageProcessor := storagequeue.New(artifactQueueRepo, outputRepo, objectStore, log)
	storageHandler := storagequeue.NewHandler(storageProcessor, 0)
	for _, d := range descriptors {
		if d.Name == stage.Storage {
			d.Handler = storageHandler
		}
	}

	registry, err := stage.NewRegistry(descriptors)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build stage registry: %w", err)
	}

	policies := retrypolicy.New(policyRepo, 0)
	if addr := strings.TrimSpace(os.Getenv("PIPELINE_RETRY_CACHE_REDIS_ADDR")); addr != "" {
		remote, err := retrypolicy.NewRedisCache(log, addr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: redis retry-policy cache: %w", err)
		}
		policies = policies.WithRemoteCache(remote)
	}

	locks := lock.NewPostgresManager(db)
	errLog := errorlog.New(errLogRepo, log, strings.TrimSpace(os.Getenv("PIPELINE_ERROR_LOG_DIR")))
	idem := idempotency.New(idemRepo)
	tr := tracker.New(trackerRepo, log)

	orchestrator := retryorch.New(policies, idem, locks, errLog, errLogRepo, tr, log)
	sched := scheduler.New(registry, orchestrator, idem, tr, docRepo, log)
	controller := batch.New(sched, log)

	app := &App{DB: db, Log: log, Registry: registry, Controller: controller}

	temporalEnabled := false
	if addr := strings.TrimSpace(os.Getenv("TEMPORAL_ADDRESS")); addr != "" {
		tc, err := temporalrun.NewClient(log)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: temporal client: %w", err)
		}
		if tc != nil {
			acts := temporalrun.New(registry, orchestrator)
			runner, err := temporalrun.NewRunner(log, tc, acts)
			if err != nil {
				return nil, fmt.Errorf("bootstrap: temporal runner: %w", err)
			}
			app.Temporal = runner
			temporalEnabled = true
		}
	}

	if !temporalEnabled {
		interval := sweepIntervalFromEnv("PIPELINE_RETRY_SWEEP_INTERVAL_SECONDS", 5*time.Second)
		app.Sweeper = retryorch.NewSweeper(errLogRepo, registry, orchestrator, log, interval)
		go app.Sweeper.Run(ctx)
	}

	return app, nil
}

func sweepIntervalFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}
