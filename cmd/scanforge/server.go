package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/scanforge/scanforge/pkg/config"
	"github.com/scanforge/scanforge/pkg/cvefeed"
	"github.com/scanforge/scanforge/pkg/events"
	"github.com/scanforge/scanforge/pkg/library"
	"github.com/scanforge/scanforge/pkg/llm"
	"github.com/scanforge/scanforge/pkg/log"
	"github.com/scanforge/scanforge/pkg/pipeline"
	"github.com/scanforge/scanforge/pkg/registry"
	"github.com/scanforge/scanforge/pkg/runtime"
	"github.com/scanforge/scanforge/pkg/scan"
	"github.com/scanforge/scanforge/pkg/scheduler"
	"github.com/scanforge/scanforge/pkg/types"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the scan orchestration server",
	Long: `Run the full orchestration process: the job scheduler and its worker
pools, the containerd-backed scan executor, the container reaper, and
the template synthesis pipeline. Configuration comes from the
environment (REDIS_URL, CONTAINERD_SOCKET, SCANNER_IMAGE, LLM_URL,
CVE_FEED_URL, ...) with flag overrides.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("server")

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		containerLogDir, _ := cmd.Flags().GetString("container-log-dir")
		pipelineInterval, _ := cmd.Flags().GetDuration("pipeline-interval")

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %v", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %v", err)
		}
		fmt.Println("✓ Connected to Redis")

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		reg := registry.NewRegistry(rdb, broker)
		sched := scheduler.NewScheduler(rdb, reg, scheduler.Options{
			Concurrency:       cfg.Concurrency,
			QueueSoftCap:      int64(cfg.QueueSoftCap),
			RetryBase:         cfg.RetryBase,
			RetryCap:          cfg.RetryCap,
			HeartbeatInterval: cfg.HeartbeatInterval,
		})

		runner, err := runtime.NewContainerdRunner(cfg.ContainerdSocket, containerLogDir)
		if err != nil {
			return fmt.Errorf("failed to connect to containerd: %v", err)
		}
		defer runner.Close()
		runner.Reaper().SetTTL(cfg.ContainerTTL)
		if err := runner.Reaper().Start(ctx); err != nil {
			return fmt.Errorf("failed to start reaper: %v", err)
		}
		defer runner.Reaper().Stop()
		fmt.Println("✓ Container runtime ready")

		lib := library.NewLibrary(cfg.LibraryRoot, rdb)
		if err := lib.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize template library: %v", err)
		}
		fmt.Println("✓ Template library loaded")

		executor := scan.NewExecutor(runner, reg, broker, scan.Config{
			Image:       cfg.ScannerImage,
			Timeout:     cfg.ScanTimeout,
			NetworkMode: cfg.NetworkMode,
			Resources: runtime.Resources{
				CPULimit:    cfg.CPULimit,
				MemoryBytes: cfg.MemoryLimitBytes,
				PidsLimit:   cfg.PidsLimit,
			},
			CustomTemplatesDir: lib.CustomDir(),
			AITemplatesDir:     lib.AIDir(),
		})
		executor.RegisterHandlers(sched)

		feed := cvefeed.NewClient(cvefeed.Config{
			URL:      cfg.FeedURL,
			Window:   cfg.FeedWindow,
			CacheTTL: cfg.CVECacheTTL,
			Timeout:  cfg.FeedTimeout,
		}, rdb)
		model := llm.NewClient(llm.Config{
			URL:         cfg.LLMURL,
			Model:       cfg.LLMModel,
			Timeout:     cfg.LLMTimeout,
			Temperature: cfg.LLMTemperature,
		})
		pipe := pipeline.NewPipeline(sched, reg, lib, feed, model, rdb, broker, pipeline.Config{
			ReferenceTarget: cfg.ReferenceTarget,
			MaxRefinements:  cfg.MaxRefinements,
		})
		pipe.RegisterHandlers(sched)

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %v", err)
		}
		defer sched.Stop()
		fmt.Println("✓ Scheduler started")

		metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			metricsSrv.Shutdown(sctx)
		}()
		fmt.Printf("✓ Metrics on %s/metrics\n", metricsAddr)

		if pipelineInterval > 0 {
			go func() {
				ticker := time.NewTicker(pipelineInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if _, err := pipe.Trigger(ctx, types.TriggerScheduled, ""); err != nil {
							logger.Error().Err(err).Msg("scheduled pipeline trigger")
						}
					}
				}
			}()
			fmt.Printf("✓ Pipeline scheduled every %s\n", pipelineInterval)
		}

		fmt.Println()
		fmt.Println("Server is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		cancel()
		return nil
	},
}

func init() {
	serverCmd.Flags().String("metrics-addr", ":9090", "Address for the Prometheus metrics endpoint")
	serverCmd.Flags().String("container-log-dir", "/var/lib/scanforge/logs", "Directory for scanner container log files")
	serverCmd.Flags().Duration("pipeline-interval", 0, "Interval for scheduled pipeline runs (0 disables)")
}
