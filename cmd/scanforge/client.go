package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/scanforge/scanforge/pkg/config"
	"github.com/scanforge/scanforge/pkg/cvefeed"
	"github.com/scanforge/scanforge/pkg/events"
	"github.com/scanforge/scanforge/pkg/library"
	"github.com/scanforge/scanforge/pkg/llm"
	"github.com/scanforge/scanforge/pkg/log"
	"github.com/scanforge/scanforge/pkg/manager"
	"github.com/scanforge/scanforge/pkg/pipeline"
	"github.com/scanforge/scanforge/pkg/registry"
	"github.com/scanforge/scanforge/pkg/scheduler"
	"github.com/scanforge/scanforge/pkg/types"
)

// newClientManager wires a manager over the shared Redis for CLI
// commands. Job kinds are declared so submissions pass the handler
// check, but no workers run here; a server process picks the work up.
func newClientManager(ctx context.Context) (*manager.Manager, func(), error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %v", err)
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis unreachable: %v", err)
	}

	broker := events.NewBroker()
	broker.Start()

	reg := registry.NewRegistry(rdb, broker)
	sched := scheduler.NewScheduler(rdb, reg, scheduler.Options{
		QueueSoftCap: int64(cfg.QueueSoftCap),
	})
	declareRemoteKinds(sched)

	lib := library.NewLibrary(cfg.LibraryRoot, rdb)
	if err := lib.Init(ctx); err != nil {
		broker.Stop()
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to initialize template library: %v", err)
	}

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

	cleanup := func() {
		broker.Stop()
		rdb.Close()
	}
	return manager.NewManager(sched, reg, lib, pipe, broker), cleanup, nil
}

// declareRemoteKinds registers submission-only handlers for job kinds
// executed by the server process. They never run because this scheduler
// is never started.
func declareRemoteKinds(s *scheduler.Scheduler) {
	remote := func(ctx context.Context, job *types.Job) (json.RawMessage, error) {
		return nil, fmt.Errorf("job kind %s runs in the server process", job.Kind)
	}
	s.Register(types.JobKindScan, remote)
	s.Register(types.JobKindCustomScan, remote)
	s.Register(types.JobKindAIScan, remote)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
