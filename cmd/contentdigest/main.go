// Package main is the entry point for the contentdigest weekly
// content-curation pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/contentdigest/internal/buildinfo"
	"github.com/nugget/contentdigest/internal/capture"
	"github.com/nugget/contentdigest/internal/classifier"
	"github.com/nugget/contentdigest/internal/config"
	"github.com/nugget/contentdigest/internal/digest"
	"github.com/nugget/contentdigest/internal/distribution"
	"github.com/nugget/contentdigest/internal/emailsender"
	"github.com/nugget/contentdigest/internal/events"
	"github.com/nugget/contentdigest/internal/fetcher"
	"github.com/nugget/contentdigest/internal/httpapi"
	"github.com/nugget/contentdigest/internal/kvstore"
	"github.com/nugget/contentdigest/internal/llm"
	"github.com/nugget/contentdigest/internal/objectstore"
	"github.com/nugget/contentdigest/internal/oracle"
	"github.com/nugget/contentdigest/internal/orchestrator"
	"github.com/nugget/contentdigest/internal/queue"
	"github.com/nugget/contentdigest/internal/scheduler"
	"github.com/nugget/contentdigest/internal/subscriber"
	"github.com/nugget/contentdigest/internal/telemetry"
	"github.com/nugget/contentdigest/internal/web"
)

// classifyQueueName is the single queue name shared by the Visual
// Capture stage (producer) and the Classification Engine (consumer)
// for the long path, per spec.md §6's queue message body schema.
const classifyQueueName = "classify"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "run":
			mode := orchestrator.ModeAuto
			if flag.NArg() >= 2 {
				mode = orchestrator.ProcessingMode(flag.Arg(1))
			}
			runTrigger(logger, *configPath, mode)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("contentdigest - weekly Twitter content-curation pipeline")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve            Start the pipeline: HTTP API, scheduler, optional dashboard")
	fmt.Println("  run [mode]       Trigger one manual run (short|long|auto, default auto)")
	fmt.Println("  version          Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// deps bundles every opened resource and constructed component so
// runServe and runTrigger can share one assembly path without either
// one half-building the pipeline.
type deps struct {
	cfg          *config.Config
	kv           *kvstore.Store
	q            *queue.Queue
	store        *objectstore.Store
	bus          *events.Bus
	orchestrator *orchestrator.Orchestrator
	subscribers  *subscriber.Controller
	scheduler    *scheduler.Scheduler
	telemetry    *telemetry.Broadcaster
	httpServer   *httpapi.Server
	webServer    *web.Server
	closers      []func() error
}

// build loads configuration and wires every capability into an
// Orchestrator, following the teacher's runServe composition order:
// config, then storage, then capability clients, then the components
// that depend on them.
func build(logger *slog.Logger, configPath string) (*deps, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", cfgPath, err)
	}

	if err := os.MkdirAll(cfg.ResolvePath("data:"), 0o755); err != nil {
		return nil, fmt.Errorf("config: create data directory: %w", err)
	}

	d := &deps{cfg: cfg}

	kv, err := kvstore.Open(cfg.ResolvePath("data:contentdigest.db"), cfg.SQLiteDriver)
	if err != nil {
		return nil, fmt.Errorf("kvstore: %w", err)
	}
	d.kv = kv
	d.closers = append(d.closers, kv.Close)

	store, err := objectstore.Open(cfg.ResolvePath(cfg.DataBucket))
	if err != nil {
		return nil, fmt.Errorf("objectstore: %w", err)
	}
	d.store = store

	q, err := queue.Open(cfg.ResolvePath(cfg.QueueURL), cfg.SQLiteDriver, queue.DefaultMaxReceives)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	d.q = q
	d.closers = append(d.closers, q.Close)

	d.bus = events.New()

	llmClient := createLLMClient(cfg, logger)
	orc := oracle.New(llmClient, cfg.LLMModel, logger)

	var fetch orchestrator.Fetcher
	if cfg.FetchConfigured() {
		fc, err := fetcher.New(fetcher.Config{
			BearerToken:  cfg.TwitterBearerToken,
			LookbackDays: cfg.FetchLookbackDays,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("fetcher: %w", err)
		}
		fetch = fc
	}

	var capturer orchestrator.Capturer
	if cfg.VisualCaptureEnabled {
		browser := capture.NewRemoteBrowser(cfg.BrowserServiceURL, logger)
		ocr := capture.NewRemoteOCR(cfg.OCRServiceURL, logger)
		capturer = capture.New(browser, ocr, store, q, classifyQueueName, buildinfo.Version, logger)
	}

	pool := classifier.New(classifier.Config{
		Workers:           cfg.ClassifierWorkers,
		BatchSize:         cfg.ClassifierBatchSize,
		VisibilityTimeout: time.Duration(cfg.ClassifierVisibilityTimeoutSeconds) * time.Second,
		ClassifierVersion: cfg.ClassifierVersion,
		QueueName:         classifyQueueName,
	}, q, store, kv, orc, logger)

	manageURL := ""
	if cfg.PublicBaseURL != "" {
		manageURL = cfg.PublicBaseURL + "/unsubscribe"
	}
	assembler := digest.New(orc, manageURL)

	subs := subscriber.New(kv)
	d.subscribers = subs

	var dist orchestrator.Distributor
	if cfg.DistributionConfigured() && cfg.Email.Configured() {
		marks := emailsender.NewKVHighWaterMark(kv)
		sender, err := emailsender.New(context.Background(), cfg.Email, marks, logger)
		if err != nil {
			return nil, fmt.Errorf("emailsender: %w", err)
		}
		account := ""
		for _, a := range cfg.Email.Accounts {
			if a.SMTPConfigured() {
				account = a.Name
				break
			}
		}
		dist = distribution.New(sender, subs, distribution.Config{Account: account, UnsubscribeBaseURL: manageURL}, logger)
	}

	orchDeps := orchestrator.Deps{
		Fetcher:      fetch,
		Capturer:     capturer,
		Oracle:       orc,
		Pool:         pool,
		KV:           kv,
		Queue:        q,
		QueueName:    classifyQueueName,
		Assembler:    assembler,
		Distribution: dist,
		Bus:          d.bus,
	}
	d.orchestrator = orchestrator.New(cfg, orchDeps, logger)

	d.httpServer = httpapi.NewServer(cfg.HTTPAddress, subs, cfg.CORSOrigins, logger)

	if cfg.AdminDashboardAddress != "" {
		d.webServer = web.NewServer(cfg.AdminDashboardAddress, kv, d.bus, logger)
	}

	if cfg.MQTTBrokerURL != "" {
		d.telemetry = telemetry.New(cfg.MQTTBrokerURL, "contentdigest", logger)
	}

	schedStore, err := scheduler.NewStore(cfg.ResolvePath("data:scheduler.db"))
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	d.closers = append(d.closers, schedStore.Close)

	executeTask := func(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution) error {
		if task.Payload.Kind != scheduler.PayloadRunPipeline {
			logger.Warn("scheduler: unsupported payload kind", "kind", task.Payload.Kind)
			return nil
		}
		mode := orchestrator.ModeAuto
		if m, ok := task.Payload.Data["mode"].(string); ok && m != "" {
			mode = orchestrator.ProcessingMode(m)
		}
		accounts, err := fetcher.LoadAccounts(ctx, store)
		if err != nil {
			return err
		}
		d.bus.Publish(events.Event{Source: events.SourceScheduler, Kind: events.KindTaskFired, Data: map[string]any{
			"task_id": task.ID, "mode": string(mode),
		}})
		start := time.Now()
		manifest, err := d.orchestrator.Run(ctx, "scheduled", mode, accounts)
		d.bus.Publish(events.Event{Source: events.SourceScheduler, Kind: events.KindTaskComplete, Data: map[string]any{
			"task_id": task.ID, "run_id": manifest.RunID, "ok": err == nil,
			"duration_ms": time.Since(start).Milliseconds(),
		}})
		return err
	}
	d.scheduler = scheduler.New(logger, schedStore, executeTask)

	return d, nil
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting contentdigest", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	d, err := build(logger, configPath)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer closeAll(logger, d.closers)

	if d.cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(d.cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded",
		"http_address", d.cfg.HTTPAddress,
		"processing_mode", d.cfg.ProcessingMode,
		"sqlite_driver", d.cfg.SQLiteDriver,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.scheduler.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer d.scheduler.Stop()

	if d.telemetry != nil && d.telemetry.Enabled() {
		if err := d.telemetry.Start(ctx); err != nil {
			logger.Error("telemetry start failed", "error", err)
		} else {
			go d.telemetry.Run(ctx, d.bus)
			defer d.telemetry.Stop(context.Background())
		}
	}

	if d.webServer != nil {
		go func() {
			if err := d.webServer.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("admin dashboard failed", "error", err)
			}
		}()
		logger.Info("admin dashboard listening", "address", d.cfg.AdminDashboardAddress)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = d.httpServer.Shutdown(context.Background())
		if d.webServer != nil {
			_ = d.webServer.Shutdown(context.Background())
		}
	}()

	logger.Info("http subscription api listening", "address", d.cfg.HTTPAddress)
	if err := d.httpServer.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("contentdigest stopped")
}

// runTrigger loads the full pipeline and runs it once, synchronously,
// for manual/operational use outside the scheduler.
func runTrigger(logger *slog.Logger, configPath string, mode orchestrator.ProcessingMode) {
	d, err := build(logger, configPath)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer closeAll(logger, d.closers)

	accounts, err := fetcher.LoadAccounts(context.Background(), d.store)
	if err != nil {
		logger.Error("failed to load accounts configuration", "error", err)
		os.Exit(1)
	}

	manifest, err := d.orchestrator.Run(context.Background(), "manual", mode, accounts)
	if err != nil {
		logger.Error("run failed", "run_id", manifest.RunID, "error", err)
		os.Exit(1)
	}

	logger.Info("run complete", "run_id", manifest.RunID, "status", manifest.Status)
	fmt.Printf("run %s: %s\n", manifest.RunID, manifest.Status)
}

func closeAll(logger *slog.Logger, closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Error("cleanup failed", "error", err)
		}
	}
}

// createLLMClient builds a multi-provider LLM client: Ollama is always
// the fallback, Anthropic is registered when an API key is configured,
// and the configured default model is routed to whichever provider
// LLM_PROVIDER names, mirroring the teacher's createLLMClient factory.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollamaClient := llm.NewOllamaClient(cfg.OllamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.LLMAPIKey != "" {
		anthropicClient := llm.NewAnthropicClient(cfg.LLMAPIKey, logger)
		multi.AddProvider("anthropic", anthropicClient)
		logger.Info("anthropic provider configured")
	}

	provider := cfg.LLMProvider
	if provider == "" {
		provider = "anthropic"
	}
	multi.AddModel(cfg.LLMModel, provider)

	logger.Info("llm client initialized", "default_model", cfg.LLMModel, "default_provider", provider)
	return multi
}
