// Command taskmesh boots the TaskMesh orchestrator process: it wires
// the Store Gateway, Event Bus, Budget Ledger, Rate Governor, Resource
// Pool, File Lock Manager, Task Lifecycle Queue, Stuck-Task Recovery
// sweeper, Async Validation pipeline, Mission Orchestrator, and the
// HTTP/WebSocket surface into one process, then serves until signaled.
// Grounded on Kocoro-lab/Shannon's go/orchestrator/main.go composition
// root: bring up health/admin HTTP first, wire the database, then the
// domain services, then the public API, with graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskmesh-ai/taskmesh/internal/agentsvc"
	"github.com/taskmesh-ai/taskmesh/internal/budget"
	"github.com/taskmesh-ai/taskmesh/internal/config"
	"github.com/taskmesh-ai/taskmesh/internal/cooling"
	"github.com/taskmesh-ai/taskmesh/internal/eventbus"
	"github.com/taskmesh-ai/taskmesh/internal/filelock"
	"github.com/taskmesh-ai/taskmesh/internal/httpapi"
	"github.com/taskmesh-ai/taskmesh/internal/lifecycle"
	"github.com/taskmesh-ai/taskmesh/internal/mission"
	"github.com/taskmesh-ai/taskmesh/internal/models"
	"github.com/taskmesh-ai/taskmesh/internal/policy"
	"github.com/taskmesh-ai/taskmesh/internal/ratecontrol"
	"github.com/taskmesh-ai/taskmesh/internal/recovery"
	"github.com/taskmesh-ai/taskmesh/internal/resourcepool"
	"github.com/taskmesh-ai/taskmesh/internal/store"
	"github.com/taskmesh-ai/taskmesh/internal/validation"

	"github.com/redis/go-redis/v9"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		return 1
	}

	// Admin/health HTTP comes up first so liveness checks succeed even
	// while the rest of the process is still wiring.
	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	adminMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	adminSrv := &http.Server{
		Addr:         addr(cfg.HealthPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("admin HTTP server listening", zap.Int("port", cfg.HealthPort))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin HTTP server failed", zap.Error(err))
		}
	}()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to persistent store", zap.Error(err))
		return 1
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.Migrate(ctx); err != nil {
		logger.Error("failed to migrate store schema", zap.Error(err))
		return 1
	}

	busOpts := []eventbus.Option{eventbus.WithLogger(logger)}
	if cfg.UsePubSubBridge && cfg.RedisURL != "" {
		rdb := redis.NewClient(&redis.Options{Addr: stripRedisScheme(cfg.RedisURL)})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("pubsub bridge redis ping failed; continuing without it", zap.Error(err))
		} else {
			busOpts = append(busOpts, eventbus.WithRedis(rdb))
			logger.Info("event bus mirroring to pubsub bridge", zap.String("redis_url", cfg.RedisURL))
		}
	}
	bus := eventbus.New(busOpts...)

	ledger := budget.New(
		budget.WithConfig(budget.Config{
			DailyLimitCents:  cfg.DailyBudgetCents,
			WarningThreshold: cfg.BudgetWarningRatio,
			Enabled:          cfg.BudgetEnabled,
		}),
		budget.WithEventBus(bus),
	)
	ledger.StartDailyRollover()
	defer ledger.StopDailyRollover()

	pool := resourcepool.New(resourcepool.WithEventBus(bus))

	rate := ratecontrol.New(
		ratecontrol.WithBufferFactor(cfg.RateLimitBuffer),
		ratecontrol.WithMinSpacing(cfg.MinAPIDelay),
	)

	fileLocks := filelock.New()

	var policyEngine *policy.Engine
	if cfg.PolicyMode != "" && cfg.PolicyMode != policy.ModeOff {
		policyEngine, err = policy.New(ctx, policy.WithMode(cfg.PolicyMode), policy.WithLogger(logger))
		if err != nil {
			logger.Warn("policy engine init failed; continuing with policy off", zap.Error(err))
			policyEngine = nil
		}
	}

	agents := agentsvc.New(cfg.AgentsURL, agentsvc.WithBreakers(budget.NewBreakers(5, 30*time.Second)))

	// The validation pipeline's Runner shells out to run a task's
	// validationCommand (spec 4.7); when async validation is disabled
	// the runner trivially passes so the rest of the completion path
	// (which always hands off completed tasks carrying a
	// validationCommand) stays unconditional.
	var runner validation.Runner
	if cfg.AsyncValidationEnabled {
		runner = func(ctx context.Context, taskID, command string) (bool, string, error) {
			c := exec.CommandContext(ctx, "sh", "-c", command)
			out, err := c.CombinedOutput()
			return err == nil, string(out), nil
		}
	} else {
		runner = func(ctx context.Context, taskID, command string) (bool, string, error) {
			return true, "", nil
		}
	}
	validationPipeline := validation.New(runner)

	queueOpts := []lifecycle.Option{
		lifecycle.WithCooler(cooling.New(
			cooling.WithEventBus(bus),
		)),
		lifecycle.WithBudget(ledger),
		lifecycle.WithRateGovernor(rate),
		lifecycle.WithAgentClient(agents),
		lifecycle.WithValidation(validationPipeline),
		lifecycle.WithAutoCodeReview(cfg.AutoCodeReview),
	}
	if policyEngine != nil {
		queueOpts = append(queueOpts, lifecycle.WithPolicy(policyEngine))
	}

	queue := lifecycle.New(st, pool, fileLocks, bus, queueOpts...)

	sweeper := recovery.New(st, pool, fileLocks, bus,
		recovery.WithTimeout(cfg.StuckTaskTimeout),
		recovery.WithCheckInterval(cfg.StuckTaskCheckInterval),
	)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	missions := mission.New(st, queue, bus, agents.Decompose,
		mission.WithAutoReview(cfg.AutoCodeReview),
	)

	stopDriver := startTaskDriver(ctx, bus, st, queue, missions, logger)
	defer stopDriver()

	srvOpts := []httpapi.Option{
		httpapi.WithAgentClient(agents),
		httpapi.WithLogger(logger),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
	}
	if cfg.WSJWTSecret != "" {
		srvOpts = append(srvOpts, httpapi.WithWebSocketSecret([]byte(cfg.WSJWTSecret)))
	}
	server := httpapi.NewServer(st, queue, missions, ledger, validationPipeline, bus, cfg.APIKey, srvOpts...)

	httpSrv := &http.Server{
		Addr:         addr(cfg.HTTPPort),
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("public HTTP server listening", zap.Int("port", cfg.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("public HTTP server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down taskmesh")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)

	return 0
}

// startTaskDriver subscribes to the Event Bus's task_updated stream and
// drives the two things nothing else in the process otherwise does
// (spec 4.5/4.10): it dispatches newly assigned tasks to the agent
// runtime (Dispatch's own doc promises "a worker loop" calls it; this
// is that loop), and it feeds every subtask's terminal transition back
// to the Mission Orchestrator so OnSubtaskTerminal actually advances
// the DAG frontier and finalizes missions instead of sitting dead.
// Grounded on Kocoro-lab/Shannon's internal/streaming subscribe-and-
// fan-out worker goroutine shape. Returns a stop func that unsubscribes
// and waits for the goroutine to exit.
func startTaskDriver(ctx context.Context, bus *eventbus.Bus, st *store.Store, queue *lifecycle.Queue, missions *mission.Orchestrator, logger *zap.Logger) func() {
	sub := bus.Subscribe([]string{eventbus.TypeTaskUpdated}, "")
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				taskID := strings.TrimPrefix(ev.EntityKey, "task:")
				if taskID == ev.EntityKey {
					// not a task entity (e.g. "mission:<id>" events the
					// Mission Orchestrator publishes on the same type).
					continue
				}
				status, _ := ev.Payload["status"].(string)
				switch status {
				case models.TaskAssigned:
					go dispatchTask(queue, taskID, logger)
				case models.TaskCompleted, models.TaskFailed, models.TaskAborted:
					go notifyMission(st, missions, taskID, logger)
				}
			}
		}
	}()

	return func() {
		sub.Close()
		<-done
	}
}

func dispatchTask(queue *lifecycle.Queue, taskID string, logger *zap.Logger) {
	if err := queue.Dispatch(context.Background(), taskID); err != nil {
		logger.Warn("task dispatch failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func notifyMission(st *store.Store, missions *mission.Orchestrator, taskID string, logger *zap.Logger) {
	task, err := st.GetTask(context.Background(), taskID)
	if err != nil || task == nil || task.ParentTaskID == nil {
		return
	}
	if err := missions.OnSubtaskTerminal(context.Background(), *task.ParentTaskID); err != nil {
		logger.Warn("mission aggregate failed",
			zap.String("mission_id", *task.ParentTaskID), zap.String("task_id", taskID), zap.Error(err))
	}
}

func addr(port int) string {
	if port <= 0 {
		port = 8080
	}
	return ":" + strconv.Itoa(port)
}

func stripRedisScheme(u string) string {
	u = strings.TrimPrefix(u, "redis://")
	u = strings.TrimPrefix(u, "rediss://")
	return u
}
