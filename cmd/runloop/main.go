package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"goa.design/runloop/activity"
	"goa.design/runloop/activity/stub"
	"goa.design/runloop/config"
	"goa.design/runloop/coordinator"
	"goa.design/runloop/engine"
	"goa.design/runloop/events"
	"goa.design/runloop/events/eventlog"
	"goa.design/runloop/events/redislog"
	"goa.design/runloop/httpapi"
	"goa.design/runloop/lease"
	"goa.design/runloop/lease/redislease"
	"goa.design/runloop/limits"
	"goa.design/runloop/pulseclient"
	"goa.design/runloop/state"
	"goa.design/runloop/state/statefs"
	"goa.design/runloop/state/stateredis"
	"goa.design/runloop/telemetry"
	"goa.design/runloop/tools"
	"goa.design/runloop/tools/builtin"
	"goa.design/runloop/tools/executor"
	"goa.design/runloop/tools/toolqueue"
	"goa.design/runloop/workflow"
	"goa.design/runloop/workflow/workflowfs"
	"goa.design/runloop/workflow/workflowredis"
)

func main() {
	dbgF := flag.Bool("debug", false, "enable debug logs")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	log.Print(ctx, log.KV{K: "mode", V: cfg.Mode}, log.KV{K: "http_addr", V: cfg.HTTPAddr})

	if err := run(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "runloop exited")
	}
	log.Printf(ctx, "exited")
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics(otel.Meter("runloop"))

	var (
		eventLog   events.Log
		dispatcher events.Dispatcher
		stateStore state.Store
		wfStore    workflow.Store
		runLease   lease.Lease
		deduper    executor.Deduper
		relay      *redislog.Log
		pulse      pulseclient.Client
	)
	switch cfg.Mode {
	case config.ModeSingleProcess:
		if cfg.ClearDataOnStartup {
			log.Printf(ctx, "clearing data dir %s", cfg.DataDir)
			if err := os.RemoveAll(cfg.DataDir); err != nil {
				return fmt.Errorf("clear data dir: %w", err)
			}
		}
		l, err := eventlog.New(filepath.Join(cfg.DataDir, "events"),
			eventlog.WithLogger(logger), eventlog.WithMetrics(metrics))
		if err != nil {
			return err
		}
		ss, err := statefs.New(filepath.Join(cfg.DataDir, "state"))
		if err != nil {
			return err
		}
		ws, err := workflowfs.New(filepath.Join(cfg.DataDir, "workflow"))
		if err != nil {
			return err
		}
		eventLog, dispatcher, stateStore, wfStore = l, l, ss, ws
		runLease = lease.Noop()
		deduper = executor.NewMemoryDeduper()

	case config.ModeDistributed:
		opts, err := redis.ParseURL(cfg.EventStoreURL)
		if err != nil {
			return fmt.Errorf("parse EVENT_STORE_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		pulse, err = pulseclient.New(pulseclient.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("create pulse client: %w", err)
		}
		l := redislog.New(rdb, pulse, redislog.WithLogger(logger), redislog.WithMetrics(metrics))
		eventLog, dispatcher, relay = l, l, l
		stateStore = stateredis.New(rdb)
		wfStore = workflowredis.New(rdb)
		runLease = redislease.New(rdb, redislease.DefaultTTL)
		deduper = executor.NewRedisDeduper(rdb, executor.DefaultDedupeTTL)
	}

	registry := tools.NewRegistry()
	if err := registry.RegisterServer(builtin.NewCalculator()); err != nil {
		return err
	}
	if cfg.GitHubToken != "" {
		if err := registry.RegisterServer(builtin.NewGitHub(cfg.GitHubToken)); err != nil {
			return err
		}
	}
	gate := tools.NewGate(cfg.Environment)

	var retrievalCache, toolCache *tools.Cache
	if cfg.CacheRetrieval {
		retrievalCache = tools.NewCache(tools.DefaultCacheSize)
	}
	if cfg.CacheToolResults {
		toolCache = tools.NewCache(tools.DefaultCacheSize)
	}

	budget := limits.NewBudget()
	limiter := limits.NewLimiter(cfg.GlobalConcurrency, cfg.TenantConcurrency)

	projector := state.NewProjector(stateStore, eventLog, logger)
	deps := activity.Deps{
		Log:            eventLog,
		Planner:        stub.NewPlanner(),
		Retriever:      stub.NewRetriever(stub.DefaultCorpus(), "v1"),
		Model:          stub.NewModel(),
		Guardrail:      stub.NewGuardrail(),
		Registry:       registry,
		Gate:           gate,
		Budget:         budget,
		RetrievalCache: retrievalCache,
		TopK:           cfg.RetrievalTopK,
		Policies:       cfg.Policies,
		Logger:         logger,
	}
	eng := engine.New(activity.NewSet(deps), wfStore, projector, eventLog,
		engine.WithWorkers(cfg.EngineWorkers),
		engine.WithPolicies(cfg.Policies),
		engine.WithLease(runLease),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics))
	coord := coordinator.New(eventLog, projector, wfStore, eng, limiter, budget,
		coordinator.WithDefaultBudget(cfg.RunModelBudgetUSD),
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(metrics))
	execOpts := []executor.Option{
		executor.WithDeduper(deduper),
		executor.WithLogger(logger),
		executor.WithMetrics(metrics),
	}
	if toolCache != nil {
		execOpts = append(execOpts, executor.WithCache(toolCache))
	}
	exec := executor.New(eventLog, registry, gate, execOpts...)

	// Handler order matters: the projection folds first so later handlers
	// read fresh state.
	dispatcher.Register(projector)
	dispatcher.Register(eng)
	dispatcher.Register(coord)

	g, gctx := errgroup.WithContext(ctx)

	if relay != nil {
		// Distributed mode: tool requests travel the durable queue and the
		// handler relay feeds off the events.all stream.
		producer, err := toolqueue.NewProducer(pulse, logger)
		if err != nil {
			return fmt.Errorf("create tool queue producer: %w", err)
		}
		dispatcher.Register(producer)
		consumer := toolqueue.NewConsumer(pulse, exec, logger)
		if err := consumer.Start(gctx); err != nil {
			return fmt.Errorf("start tool queue consumer: %w", err)
		}
		if err := relay.Start(gctx); err != nil {
			return fmt.Errorf("start event relay: %w", err)
		}
	} else {
		dispatcher.Register(exec)
	}

	if err := eng.Start(gctx); err != nil {
		return err
	}
	if err := coord.ResumeIncomplete(ctx); err != nil {
		log.Errorf(ctx, err, "resume incomplete runs")
	}

	api := httpapi.New(coord, eng, eventLog, projector, wfStore, logger)
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Handler()}
	g.Go(func() error {
		log.Printf(gctx, "HTTP server listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		eng.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return eng.Wait() })

	return g.Wait()
}
