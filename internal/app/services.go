package app

import (
	"os"
	"strings"

	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/ingestion"
	"github.com/coursegraph/coursegraph-backend/internal/jobs"
	"github.com/coursegraph/coursegraph-backend/internal/platform/envutil"
	"github.com/coursegraph/coursegraph-backend/internal/platform/gcp"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
	"github.com/coursegraph/coursegraph-backend/internal/platform/openai"
	"github.com/coursegraph/coursegraph-backend/internal/services"
)

type Services struct {
	Tree         services.TreeStore
	Fingerprints services.FingerprintService
	Ledger       services.JobLedger
	Completion   services.CompletionClient
	Queue        services.JobQueue
	Notifier     services.JobNotifier
	Orchestrator services.GenerationOrchestrator

	Bucket gcp.BucketService

	Registry  *jobs.Registry
	JobWorker *jobs.Worker
	Temporal  *jobs.TemporalRuntime
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, r Repos) (Services, error) {
	var s Services

	s.Tree = services.NewTreeStore(db, log, r.MaterialNode, r.MaterialEntry)
	s.Fingerprints = services.NewFingerprintService(db, log, r.MaterialNode, r.MaterialEntry)
	s.Ledger = services.NewJobLedger(db, log, r.Job)

	// External collaborators degrade to nil when unconfigured; the handlers
	// that need them fail their jobs instead of blocking startup.
	var aiClient openai.Client
	if strings.TrimSpace(os.Getenv("OPENAI_API_KEY")) != "" {
		c, err := openai.NewClient(log)
		if err != nil {
			return s, err
		}
		aiClient = c
	} else {
		log.Warn("OPENAI_API_KEY unset, generation disabled")
	}
	s.Completion = services.NewCompletionClient(log, aiClient)

	if strings.TrimSpace(os.Getenv("MATERIAL_GCS_BUCKET_NAME")) != "" {
		bucket, err := gcp.NewBucketService(log)
		if err != nil {
			return s, err
		}
		s.Bucket = bucket
	} else {
		log.Warn("MATERIAL_GCS_BUCKET_NAME unset, bucket downloads disabled")
	}

	var doc gcp.Document
	if strings.TrimSpace(os.Getenv("DOCUMENTAI_PROCESSOR_ID")) != "" {
		d, err := gcp.NewDocument(log)
		if err != nil {
			log.Warn("document AI init failed", "error", err)
		} else {
			doc = d
		}
	}
	var video gcp.Video
	if strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")) != "" ||
		strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")) != "" {
		v, err := gcp.NewVideo(log)
		if err != nil {
			log.Warn("video intelligence init failed", "error", err)
		} else {
			video = v
		}
	}

	if cfg.RedisEnabled {
		n, err := services.NewRedisNotifier(log)
		if err != nil {
			return s, err
		}
		s.Notifier = n
	} else {
		s.Notifier = services.NopNotifier{}
	}

	processors := ingestion.NewSet(log, doc, video, aiClient)

	s.Registry = jobs.NewRegistry()
	s.JobWorker = jobs.NewWorker(db, log, r.Job, s.Ledger, s.Registry, s.Notifier)

	ingestHandler := jobs.NewIngestHandler(db, log, s.Bucket, processors, r.MaterialEntry, s.Fingerprints)
	generateHandler := jobs.NewGenerateHandler(db, log, s.Tree, s.Fingerprints, r.Snapshot, s.Completion)
	if err := s.Registry.Register(ingestHandler); err != nil {
		return s, err
	}
	if err := s.Registry.Register(generateHandler); err != nil {
		return s, err
	}

	if cfg.TemporalEnabled {
		acts := jobs.NewActivities(s.JobWorker, r.Job, log)
		rt, err := jobs.NewTemporalRuntime(log, acts)
		if err != nil {
			return s, err
		}
		s.Temporal = rt
		s.Queue = services.NewTemporalQueue(rt.Client,
			envutil.String("TEMPORAL_TASK_QUEUE", "coursegraph-jobs"), log)
	} else {
		s.Queue = services.LocalQueue{}
	}

	s.Orchestrator = services.NewGenerationOrchestrator(
		db, log,
		s.Tree, s.Ledger, s.Fingerprints,
		r.Job, r.MaterialNode, r.MaterialEntry, r.Snapshot,
		s.Queue, s.Notifier,
	)

	return s, nil
}
