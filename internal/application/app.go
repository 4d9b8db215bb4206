package application

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/application/usecase"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/entity"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/service"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/infrastructure/config"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/infrastructure/llm"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/infrastructure/persistence"
	httpServer "github.com/Kepler9870u0987/triage-inference-layer/internal/interfaces/http"
	"github.com/Kepler9870u0987/triage-inference-layer/pkg/safego"
)

// App is the dependency-injection container wiring the assembler,
// gateway, validation pipeline, retry engine, orchestrator, and stores
// into a runnable process.
type App struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	schemaValidator *llm.SchemaValidator
	gateway         service.Gateway
	assembler       *service.PromptAssembler
	pipeline        *service.ValidationPipeline
	retryEngine     *service.RetryEngine

	store        *persistence.Store
	watcher      *config.Watcher
	orchestrator *usecase.Orchestrator
	httpServer   *httpServer.Server

	pipelineVersion entity.PipelineVersion
}

// NewApp builds the full process: database, store, gateway, retry engine,
// orchestrator, and HTTP surface.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{config: cfg, logger: logger}

	if err := app.initPersistence(); err != nil {
		return nil, fmt.Errorf("failed to init persistence: %w", err)
	}
	if err := app.initPipeline(); err != nil {
		return nil, fmt.Errorf("failed to init pipeline: %w", err)
	}
	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}
	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}
	app.initConfigWatcher()

	return app, nil
}

// initConfigWatcher binds a hot-reload Watcher to the config file Load()
// actually used. A process started without any config.yaml on disk (all
// defaults) has nothing to watch, so the watcher is left nil and Start/Stop
// skip it.
func (app *App) initConfigWatcher() {
	if app.config.Viper() == nil || app.config.ConfigPath() == "" {
		return
	}
	initial := config.HotReloadable{
		FallbackModels:                app.config.Retry.FallbackModels,
		MaxRetries:                    app.config.Retry.MaxRetries,
		RetryBackoffBase:              app.config.Retry.RetryBackoffBase,
		MinConfidenceWarningThreshold: app.config.Validation.MinConfidenceWarningThreshold,
		EnableEvidencePresenceCheck:   app.config.Validation.EnableEvidencePresenceCheck,
		EnableKeywordPresenceCheck:    app.config.Validation.EnableKeywordPresenceCheck,
	}
	w, err := config.NewWatcher(app.config.Viper(), app.config.ConfigPath(), initial, app.logger, app.applyHotReload)
	if err != nil {
		app.logger.Warn("failed to start config watcher", zap.Error(err))
		return
	}
	app.watcher = w
}

// applyHotReload pushes the Watcher's freshly reloaded values into the
// retry engine and validation pipeline singletons in place, so a config
// file edit takes effect for the next request without a restart.
func (app *App) applyHotReload(next config.HotReloadable) {
	engineCfg := app.retryEngine.Config()
	engineCfg.MaxRetries = next.MaxRetries
	engineCfg.BackoffBase = next.RetryBackoffBase
	engineCfg.FallbackModels = next.FallbackModels
	app.retryEngine.UpdateConfig(engineCfg)

	app.pipeline.UpdateConfig(service.PipelineConfig{
		MinConfidenceWarningThreshold: next.MinConfidenceWarningThreshold,
		EnableEvidencePresenceCheck:   next.EnableEvidencePresenceCheck,
		EnableKeywordPresenceCheck:    next.EnableKeywordPresenceCheck,
	})
}

func (app *App) initPersistence() error {
	app.logger.Info("Initializing persistence")

	db, err := persistence.NewDBConnection(app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db

	app.store = persistence.NewStore(persistence.StoreConfig{
		Addr:          app.config.Store.RedisAddr,
		Password:      app.config.Store.RedisPassword,
		DB:            app.config.Store.RedisDB,
		ResultTTL:     time.Duration(app.config.Store.ResultTTLSeconds) * time.Second,
		DLQMaxEntries: int64(app.config.Store.DLQMaxEntries),
	}, db, app.logger)

	return nil
}

func (app *App) initPipeline() error {
	app.logger.Info("Initializing triage pipeline")

	schemaBytes, err := os.ReadFile(app.config.Pipeline.SchemaPath)
	if err != nil {
		return fmt.Errorf("failed to read response schema: %w", err)
	}
	validator, err := llm.LoadSchema(schemaBytes)
	if err != nil {
		return fmt.Errorf("failed to load response schema: %w", err)
	}
	app.schemaValidator = validator

	systemTemplate, err := os.ReadFile(app.config.Pipeline.SystemPromptPath)
	if err != nil {
		return fmt.Errorf("failed to read system prompt template: %w", err)
	}
	userTemplate, err := os.ReadFile(app.config.Pipeline.UserPromptPath)
	if err != nil {
		return fmt.Errorf("failed to read user prompt template: %w", err)
	}

	assemblerCfg := service.DefaultAssemblerConfig()
	assemblerCfg.BodyCharLimit = app.config.Assembler.BodyTruncationLimit
	assemblerCfg.ShrinkBodyLimit = app.config.Assembler.ShrinkBodyLimit
	assemblerCfg.CandidateTopN = app.config.Assembler.CandidateTopN
	assemblerCfg.ShrinkTopN = app.config.Assembler.ShrinkTopN
	assemblerCfg.RedactForLLM = app.config.Assembler.RedactForLLM
	assemblerCfg.SystemPromptTemplate = string(systemTemplate)
	assemblerCfg.UserPromptTemplate = string(userTemplate)
	app.assembler = service.NewPromptAssembler(assemblerCfg, validator.Raw())

	app.gateway = llm.NewGateway(llm.GatewayConfig{
		BaseURL:        app.config.Gateway.BaseURL,
		RequestTimeout: app.config.Gateway.RequestTimeout,
		MaxNetRetries:  app.config.Gateway.MaxNetRetries,
	}, app.logger)

	pipelineCfg := service.DefaultPipelineConfig()
	pipelineCfg.MinConfidenceWarningThreshold = app.config.Validation.MinConfidenceWarningThreshold
	pipelineCfg.EnableEvidencePresenceCheck = app.config.Validation.EnableEvidencePresenceCheck
	pipelineCfg.EnableKeywordPresenceCheck = app.config.Validation.EnableKeywordPresenceCheck
	app.pipeline = service.NewValidationPipeline(pipelineCfg, app.schemaValidator)

	engineCfg := service.DefaultRetryEngineConfig()
	engineCfg.MaxRetries = app.config.Retry.MaxRetries
	engineCfg.BackoffBase = app.config.Retry.RetryBackoffBase
	engineCfg.FallbackModels = app.config.Retry.FallbackModels
	engineCfg.PrimaryModel = app.config.Gateway.PrimaryModel
	engineCfg.Temperature = app.config.Retry.Temperature
	engineCfg.MaxTokens = app.config.Retry.MaxTokens
	app.retryEngine = service.NewRetryEngine(engineCfg, app.assembler, app.gateway, app.pipeline, app.logger)

	app.pipelineVersion = entity.PipelineVersion{
		CanonicalizerVersion:  app.config.Pipeline.CanonicalizerVersion,
		NerVersion:            app.config.Pipeline.NerVersion,
		DictionaryVersion:     app.config.Pipeline.DictionaryVersion,
		ModelVersion:          app.config.Pipeline.ModelVersion,
		SchemaVersion:         app.config.Pipeline.SchemaVersion,
		InferenceLayerVersion: app.config.Pipeline.InferenceLayerVersion,
		StoplistVersion:       app.config.Pipeline.StoplistVersion,
	}

	return nil
}

func (app *App) initApplicationServices() error {
	app.logger.Info("Initializing application services")

	app.orchestrator = usecase.NewOrchestrator(usecase.OrchestratorConfig{
		WorkerConcurrency: app.config.Worker.Concurrency,
		BatchMaxSize:      app.config.Worker.BatchMaxSize,
	}, app.retryEngine, app.store, app.logger)

	return nil
}

func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.HTTP.Host,
			Port: app.config.HTTP.Port,
			Mode: app.config.HTTP.Mode,
		},
		app.orchestrator,
		app.store,
		app.gateway,
		app.pipelineVersion,
		app.logger,
	)

	return nil
}

// Start launches the HTTP server and the config hot-reload watcher, and
// records the primary model's metadata for the audit trail.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if app.watcher != nil {
		safego.Go(app.logger, "config-watcher", app.watcher.Start)
	}

	safego.Go(app.logger, "model-info", func() {
		infoCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		model := app.config.Gateway.PrimaryModel
		info, err := app.gateway.ModelInfo(infoCtx, model)
		if err != nil {
			app.logger.Warn("primary model info unavailable", zap.String("model", model), zap.Error(err))
			return
		}
		app.logger.Info("primary model info", zap.String("model", model), zap.Any("info", info))
	})

	return nil
}

// Stop gracefully shuts down the HTTP server and config watcher.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if app.watcher != nil {
		app.watcher.Stop()
	}

	if err := app.httpServer.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop HTTP server: %w", err)
	}

	return nil
}

// Store exposes the result/DLQ store, used by the TUI inspector and CLI.
func (app *App) Store() *persistence.Store { return app.store }

// Orchestrator exposes the worker orchestrator for the CLI's one-shot
// triage command.
func (app *App) Orchestrator() *usecase.Orchestrator { return app.orchestrator }

// PipelineVersion exposes the version stamp for one-shot CLI invocations.
func (app *App) PipelineVersion() entity.PipelineVersion { return app.pipelineVersion }

// Logger exposes the process logger.
func (app *App) Logger() *zap.Logger { return app.logger }
