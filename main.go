package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tagscan/annotate"
	"tagscan/export"
	"tagscan/ingest"
	"tagscan/internal/media"
	"tagscan/memguard"
	"tagscan/merge"
	"tagscan/ocr"
	"tagscan/raster"
)

// Logger
var log = logrus.New()

// App struct to hold dependencies
type App struct {
	Config   *AppConfig
	Database *gorm.DB
	Media    *media.Store
	Settings *SettingsStore

	Extractor  *ingest.Extractor
	Rasterizer *raster.Rasterizer
	Guard      *memguard.Guard
	Engine     *ocr.Engine
	Merger     *merge.Merger
	Annotator  *annotate.Renderer
	Exporter   *export.Exporter

	Jobs Dispatcher
}

// newApp wires the pipeline components. Options are passed to the
// MemoryGuard so tests can inject a sampler.
func newApp(cfg *AppConfig, db *gorm.DB, store *media.Store, registry *ocr.Registry, guardOpts ...memguard.Option) (*App, error) {
	settings := loadSettings(cfg.ConfigDir, defaultSettings(cfg))
	current := settings.Get()

	exporter, err := export.New(db, store, cfg.ExportNameTemplate)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:     cfg,
		Database:   db,
		Media:      store,
		Settings:   settings,
		Extractor:  ingest.NewExtractor(db, store, cfg.MaxUploadBytes),
		Rasterizer: raster.New(db, store, cfg.BaseDPI, current.PageWorkers),
		Guard:      memguard.New(current.guardConfig(), guardOpts...),
		Engine:     ocr.NewEngine(registry, cfg.OCRRequestsPerMinute),
		Merger:     merge.New(db, current.MergeIoUThreshold),
		Annotator:  annotate.New(db, store),
		Exporter:   exporter,
	}
	return app, nil
}

// applySettings pushes runtime settings into the shared components.
func (app *App) applySettings(s Settings) error {
	if err := app.Guard.SetConfig(s.guardConfig()); err != nil {
		return err
	}
	app.Merger.SetTolerance(s.MergeIoUThreshold)
	app.Rasterizer.SetWorkers(s.PageWorkers)
	return nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logrus logger
	initLogger(cfg.LogLevel)

	database, err := InitializeDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	store, err := media.NewStore(cfg.MediaRoot)
	if err != nil {
		log.Fatalf("Failed to initialize media store: %v", err)
	}

	app, err := newApp(cfg, database, store, ocr.NewRegistry(cfg.OCR))
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := app.recoverInterruptedBatches(); err != nil {
		log.Errorf("Failed to recover interrupted batches: %v", err)
	}

	if cfg.RedisURL != "" {
		queue, err := NewRedisQueue(cfg.RedisURL, cfg.QueueName, cfg.WorkerCount, cfg.JobTimeout, app, cfg.QueueConsumer)
		if err != nil {
			log.Fatalf("Failed to initialize Redis queue: %v", err)
		}
		app.Jobs = queue
		log.Infof("Dispatching batches through Redis queue %q", cfg.QueueName)
	} else {
		queue := NewLocalQueue(100)
		queue.Start(ctx, app, cfg.WorkerCount)
		app.Jobs = queue
		if n, err := app.requeuePendingBatches(ctx); err != nil {
			log.Errorf("Failed to requeue pending batches: %v", err)
		} else if n > 0 {
			log.Infof("Requeued %d pending batches", n)
		}
	}

	StartBackgroundTasks(ctx, app, 10*time.Minute)

	// Create a Gin router with default middleware (logger and recovery)
	router := gin.Default()
	router.MaxMultipartMemory = 32 << 20
	app.registerRoutes(router)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: router,
	}
	go func() {
		log.Infof("Server started on %s", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to run server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown: %v", err)
	}
	if err := app.Jobs.Close(); err != nil {
		log.Errorf("Job queue shutdown: %v", err)
	}
}

// registerRoutes mounts the API.
func (app *App) registerRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.POST("/vessels", app.createVesselHandler)
		api.GET("/vessels", app.listVesselsHandler)
		api.DELETE("/vessels/:id", app.deleteVesselHandler)

		api.POST("/uploads", app.uploadHandler)
		api.GET("/documents", app.listDocumentsHandler)
		api.GET("/documents/:id", app.getDocumentHandler)
		api.POST("/documents/:id/detect", app.detectDocumentHandler)
		api.POST("/documents/:id/annotate", app.annotateDocumentHandler)

		api.GET("/pages/:id/runs", app.pageRunsHandler)
		api.GET("/pages/:id/annotation", app.pageAnnotationHandler)
		api.POST("/runs/:run_id/promote", app.promoteRunHandler)

		api.GET("/configs", app.listConfigsHandler)
		api.POST("/configs", app.createConfigHandler)
		api.PUT("/configs/:id", app.reviseConfigHandler)
		api.GET("/backends", app.listBackendsHandler)

		api.POST("/batches/detect", app.detectBatchHandler)
		api.POST("/exports", app.exportHandler)
		api.GET("/batches", app.listBatchesHandler)
		api.GET("/batches/:id", app.getBatchHandler)
		api.POST("/batches/:id/cancel", app.cancelBatchHandler)
		api.GET("/batches/:id/artifact", app.batchArtifactHandler)

		api.POST("/truths", app.importTruthsHandler)
		api.GET("/evaluations", app.evaluationHandler)

		api.GET("/settings", app.getSettingsHandler)
		api.PATCH("/settings", app.updateSettingsHandler)
	}
}

func initLogger(logLevel string) {
	level := logrus.InfoLevel
	switch logLevel {
	case "debug":
		level = logrus.DebugLevel
	case "info":
		level = logrus.InfoLevel
	case "warn":
		level = logrus.WarnLevel
	case "error":
		level = logrus.ErrorLevel
	default:
		if logLevel != "" {
			log.Fatalf("Invalid log level: '%s'.", logLevel)
		}
	}
	log.SetLevel(level)

	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Set log level for every pipeline package
	ingest.SetLogLevel(level)
	raster.SetLogLevel(level)
	memguard.SetLogLevel(level)
	ocr.SetLogLevel(level)
	merge.SetLogLevel(level)
	annotate.SetLogLevel(level)
	export.SetLogLevel(level)
}
