package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"karaoke/internal/cancel"
	"karaoke/internal/config"
	"karaoke/internal/core/aggregate"
	"karaoke/internal/core/discovery"
	"karaoke/internal/core/extraction"
	"karaoke/internal/core/job"
	"karaoke/internal/core/media"
	"karaoke/internal/core/records"
	"karaoke/internal/core/schedule"
	"karaoke/internal/core/session"
	"karaoke/internal/core/validation"
	"karaoke/internal/health"
	"karaoke/internal/logger"
	"karaoke/internal/platform/browser"
	"karaoke/internal/platform/eino"
	rds "karaoke/internal/platform/redis"
	"karaoke/internal/platform/storage"
	tasks "karaoke/internal/platform/tasks"
	"karaoke/internal/server"
	"karaoke/internal/worker"
	"karaoke/prompts"
)

// pipeline holds everything both the server and batch mode need.
type pipeline struct {
	controller *aggregate.Controller
	broker     *session.Broker
	sink       records.Sink
	browser    *browser.Playwright
	closers    []func() error
}

func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		_ = p.closers[i]()
	}
}

func main() {
	cfg := config.Load()
	logr := logger.New("main")
	cancelSvc := cancel.New(cfg.CancelGracePeriod, nil)

	if len(os.Args) > 1 && os.Args[1] == "run" {
		os.Exit(runBatch(cfg, cancelSvc, os.Args[2:]))
	}

	log.Printf("[karaoke] starting at %s (env=%s)\n", cfg.HTTPAddr, cfg.AppEnv)

	redisSvc, err := rds.New(rds.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		log.Fatal(err)
	}
	defer redisSvc.Close()

	jobSvc := job.NewJobService(redisSvc)
	p, err := buildPipeline(cfg, cancelSvc, redisSvc, jobSvc)
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}
	defer p.Close()

	taskClient := tasks.New(redisSvc)
	defer taskClient.Close()
	asynqServer := worker.NewServer(redisSvc.AsynqRedisOpt(), cfg.WorkerConcurrency)

	mux := worker.NewMux()
	mux.HandleFunc(tasks.TaskTypeProcessSource, p.controller.HandleTask)

	go func() {
		if err := asynqServer.Start(mux.Mux()); err != nil {
			log.Printf("[worker] stopped: %v\n", err)
		}
	}()

	app := fiber.New(fiber.Config{
		AppName: "Karaoke Schedule Extractor",
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})
	// Local screenshots are saved under DATA_DIR and referenced as /files/...
	app.Static("/files", cfg.DataDir)

	checks := map[string]health.Checker{"redis": redisSvc}
	if pg, ok := p.sink.(*records.Postgres); ok {
		checks["records"] = pg
	}
	healthHandler := server.RegisterRoutes(app, server.Dependencies{
		Sources:  aggregate.NewHandler(jobSvc, taskClient, cancelSvc, cfg.TaskMaxRetries),
		Sessions: session.NewHandler(p.broker),
		Records:  records.NewHandler(p.sink),
		Checks:   checks,
	})
	healthHandler.SetReady()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logr.LogInfo("Shutting down...")
		report := cancelSvc.CancelAll(context.Background())
		logr.LogInfof("cancelled %d workers (%d forced)", len(report.Terminated), len(report.Forced))
		asynqServer.Shutdown()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		log.Fatalf("server listen: %v", err)
	}
}

// buildPipeline wires the workers. redisSvc and status may be nil in batch
// mode, in which case merges are serialized in process only.
func buildPipeline(cfg config.Config, cancelSvc *cancel.Service, redisSvc *rds.Service, status aggregate.RunStatus) (*pipeline, error) {
	p := &pipeline{}
	ctx := context.Background()

	p.browser = browser.NewPlaywright(cancelSvc, cfg.NavigationTimeout)
	p.closers = append(p.closers, p.browser.Close)

	einoSvc, err := eino.NewService(eino.Config{
		Provider: cfg.LLMProvider,
		APIKey:   cfg.GeminiAPIKey,
		Model:    cfg.DefaultLLMModel,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize Eino service: %w", err)
	}
	sp := prompts.NewSystemPrompts()

	artifacts, err := storage.New(storage.Options{
		AppEnv:             cfg.AppEnv,
		DataDir:            cfg.DataDir,
		SupabaseURL:        cfg.SupabaseURL,
		SupabaseServiceKey: cfg.SupabaseServiceKey,
		SupabaseBucket:     cfg.SupabaseBucket,
	})
	if err != nil {
		return nil, err
	}

	var store session.Store = session.NewFileStore(cfg.SessionFile)
	if strings.EqualFold(cfg.SessionStore, "redis") {
		if redisSvc == nil {
			return nil, fmt.Errorf("SESSION_STORE=redis needs a redis connection")
		}
		store = session.NewRedisStore(redisSvc.Client(), "")
	}
	p.broker = session.NewBroker(store, session.NewFacebook(p.browser, cfg.NavigationTimeout), cancelSvc, session.Options{
		Email:             cfg.FacebookEmail,
		Password:          cfg.FacebookPassword,
		CredentialTimeout: cfg.CredentialTimeout,
	})

	var loader discovery.PageLoader = discovery.NewStaticLoader(cfg.DiscoveryTimeout)
	if cfg.DiscoveryRenderJS {
		loader = discovery.NewBrowserLoader(p.browser, cfg.DiscoveryTimeout)
	}

	switch {
	case cfg.DatabaseURL != "":
		pg, err := records.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		p.sink = pg
		p.closers = append(p.closers, pg.Close)
	case cfg.IsProduction():
		return nil, fmt.Errorf("production requires DATABASE_URL")
	default:
		logger.New("main").LogWarnf("DATABASE_URL not set, parsed schedules are kept in memory")
		p.sink = records.NewMemory()
	}

	deps := aggregate.Deps{
		Discoverer: discovery.New(loader, einoSvc, sp.Discovery, cancelSvc, discovery.Options{MaxURLs: cfg.MaxDiscoveredURLs}),
		Extractor: extraction.New(p.browser, p.broker, einoSvc, sp, artifacts, cancelSvc, extraction.Options{
			NavigationTimeout: cfg.NavigationTimeout,
			ScrollIterations:  cfg.ScrollIterations,
			MaxImages:         cfg.MaxImagesPerSource,
		}),
		Images: media.NewResolver(cancelSvc, media.Options{
			Attempts: cfg.ImageRetryAttempts,
			Delay:    cfg.ImageRetryDelay,
		}),
		Geo:    validation.NewGeoCompleter(einoSvc, cancelSvc, sp.Geo, validation.GeoOptions{BatchSize: cfg.GeoBatchSize}),
		Sink:   p.sink,
		Status: status,
		Cancel: cancelSvc,
	}
	if redisSvc != nil {
		deps.Locker = redisSvc
	}
	p.controller, err = aggregate.New(deps, aggregate.Options{
		RunTimeout:       cfg.RunTimeout,
		DiscoveryTimeout: cfg.DiscoveryTimeout,
		Concurrency:      cfg.WorkerConcurrency,
	})
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// runBatch processes the URLs given on the command line without the HTTP
// server or queue and prints one JSON outcome per line.
func runBatch(cfg config.Config, cancelSvc *cancel.Service, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	kind := fs.String("kind", "", "source kind for every url (inferred when empty)")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: karaoke run [-kind directory|social-group|...] url...")
		return 2
	}

	var redisSvc *rds.Service
	if strings.EqualFold(cfg.SessionStore, "redis") {
		r, err := rds.New(rds.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Printf("redis: %v", err)
			return 1
		}
		defer r.Close()
		redisSvc = r
	}

	p, err := buildPipeline(cfg, cancelSvc, redisSvc, nil)
	if err != nil {
		log.Printf("failed to build pipeline: %v", err)
		return 1
	}
	defer p.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupt
		cancelSvc.CancelAll(context.Background())
	}()

	targets := make([]schedule.SourceTarget, 0, fs.NArg())
	for _, u := range fs.Args() {
		targets = append(targets, schedule.NewTarget(u, schedule.Kind(*kind)))
	}

	code := 0
	enc := json.NewEncoder(os.Stdout)
	for _, o := range p.controller.ProcessBatch(context.Background(), targets) {
		line := struct {
			aggregate.Outcome
			Error string `json:"error,omitempty"`
		}{Outcome: o}
		if o.Err != nil {
			line.Error = o.Err.Error()
			code = 1
		}
		_ = enc.Encode(line)
	}
	return code
}
