package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lingopod/internal/asr"
	"lingopod/internal/config"
	"lingopod/internal/episode"
	"lingopod/internal/feeds"
	"lingopod/internal/ingest"
	"lingopod/internal/queue"
	"lingopod/internal/storage"
	"lingopod/internal/translator"
)

func main() {
	csvPath := flag.String("csv", "", "ingest episodes listed in a CSV feed file")
	rssURL := flag.String("rss", "", "ingest episodes from an RSS feed URL")
	company := flag.String("company", "VOA", "publisher name for feed items")
	channel := flag.String("channel", "", "only process this channel")
	limit := flag.Int("limit", 0, "stop after this many episodes (0 = all)")
	concurrent := flag.Int("concurrent", config.IngestConcurrency, "episodes processed in parallel")
	skipDone := flag.Bool("skip-done", true, "skip episodes the catalogue already has")
	stats := flag.Bool("stats", false, "print checkpoint statistics and exit")
	worker := flag.Bool("worker", false, "consume fetch jobs from the Redis queue")
	enqueue := flag.Bool("enqueue", false, "push the feed as a job for a worker instead of processing it here")
	flag.Parse()

	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	state, err := ingest.LoadState(config.IngestStateDir)
	if err != nil {
		slog.Error("Failed to load ingest state", "error", err)
		os.Exit(1)
	}

	if *stats {
		downloaded, processed := state.Counts()
		fmt.Printf("downloaded: %d\nprocessed:  %d\n", downloaded, processed)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	if *enqueue {
		if err := enqueueJob(ctx, *csvPath, *rssURL, *company, *channel, *limit); err != nil {
			slog.Error("Failed to enqueue job", "error", err)
			os.Exit(1)
		}
		return
	}

	orch, err := buildOrchestrator(ctx, state)
	if err != nil {
		slog.Error("Failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	opts := ingest.Options{
		Concurrency: *concurrent,
		Channel:     *channel,
		Limit:       *limit,
		SkipDone:    *skipDone,
		Translate:   translator.DefaultOptions(),
	}

	switch {
	case *worker:
		runWorker(ctx, orch, opts)
	case *csvPath != "":
		episodes, err := feeds.LoadCSV(*csvPath)
		if err != nil {
			slog.Error("Failed to load CSV feed", "path", *csvPath, "error", err)
			os.Exit(1)
		}
		runBatch(ctx, orch, episodes, opts)
	case *rssURL != "":
		episodes, err := feeds.FetchRSS(ctx, http.DefaultClient, *rssURL, *company, *channel)
		if err != nil {
			slog.Error("Failed to fetch RSS feed", "url", *rssURL, "error", err)
			os.Exit(1)
		}
		runBatch(ctx, orch, episodes, opts)
	default:
		fmt.Fprintln(os.Stderr, "one of -csv, -rss or -worker is required")
		flag.Usage()
		os.Exit(2)
	}
}

func enqueueJob(ctx context.Context, csvPath, rssURL, company, channel string, limit int) error {
	jobQueue, err := queue.NewQueue(ctx)
	if err != nil {
		return err
	}
	defer jobQueue.Close()

	var job *queue.Job
	switch {
	case csvPath != "":
		job = queue.NewJob("csv", company, channel)
		job.CSVPath = csvPath
	case rssURL != "":
		job = queue.NewJob("rss", company, channel)
		job.FeedURL = rssURL
	default:
		return fmt.Errorf("-enqueue needs -csv or -rss")
	}
	job.Limit = limit
	return jobQueue.Enqueue(ctx, job)
}

func buildOrchestrator(ctx context.Context, state *ingest.State) (*ingest.Orchestrator, error) {
	var provider translator.Provider
	switch config.TranslateProvider {
	case "openai":
		provider = translator.NewOpenAICompat(config.OpenAIAPIKey, config.OpenAIEndpoint, config.OpenAIModel)
	default:
		provider = translator.NewDashScope(config.DashScopeAPIKey, config.DashScopeEndpoint, config.DashScopeModel)
	}
	engine := translator.NewEngine(provider, config.TranslateConcurrency)

	transcriber := asr.NewAdapter(asr.NewWhisperClient(config.ASRServerURL, config.ASRModel))

	store, err := storage.New(ctx, storage.Config{
		Region:      config.S3Region,
		Bucket:      config.S3Bucket,
		AccessKey:   config.S3AccessKey,
		SecretKey:   config.S3SecretKey,
		EndpointURL: config.S3EndpointURL,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to object store: %w", err)
	}

	publisher := ingest.NewRemotePublisher(config.CatalogueURL, config.ServiceToken)
	return ingest.NewOrchestrator(state, transcriber, engine, store, publisher, config.IngestWorkDir), nil
}

func runBatch(ctx context.Context, orch *ingest.Orchestrator, episodes []episode.Episode, opts ingest.Options) {
	stats, err := orch.ProcessBatch(ctx, episodes, opts)
	if err != nil {
		slog.Error("Batch failed", "error", err)
		os.Exit(1)
	}
	if stats.QuotaExceeded {
		slog.Warn("Batch stopped early: translation quota exhausted")
	}
	if stats.Failed > 0 {
		os.Exit(1)
	}
}

// runWorker consumes fetch jobs until cancelled. Each job names a feed; the
// worker claims the channel so two workers never ingest it concurrently.
func runWorker(ctx context.Context, orch *ingest.Orchestrator, opts ingest.Options) {
	jobQueue, err := queue.NewQueue(ctx)
	if err != nil {
		slog.Error("Failed to connect to job queue", "error", err)
		os.Exit(1)
	}
	defer jobQueue.Close()

	slog.Info("Worker started, waiting for jobs...")
	for {
		if ctx.Err() != nil {
			slog.Info("Worker shutting down")
			return
		}

		job, err := jobQueue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("Failed to dequeue job", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		started, err := jobQueue.StartChannel(ctx, job.Channel)
		if err != nil {
			slog.Error("Failed to claim channel", "error", err, "job_id", job.ID)
			jobQueue.FailJob(ctx, job, "failed to claim channel")
			continue
		}
		if !started {
			slog.Warn("Channel already being fetched, failing job", "channel", job.Channel, "job_id", job.ID)
			jobQueue.FailJob(ctx, job, "channel already being fetched")
			continue
		}

		func() {
			defer func() {
				if err := jobQueue.FinishChannel(ctx, job.Channel); err != nil {
					slog.Error("Failed to release channel", "error", err, "channel", job.Channel)
				}
			}()

			episodes, err := loadJobEpisodes(ctx, job)
			if err != nil {
				slog.Error("Failed to load feed for job", "error", err, "job_id", job.ID)
				jobQueue.FailJob(ctx, job, err.Error())
				return
			}

			jobOpts := opts
			jobOpts.Channel = job.Channel
			if job.Limit > 0 {
				jobOpts.Limit = job.Limit
			}
			stats, err := orch.ProcessBatch(ctx, episodes, jobOpts)
			if err != nil {
				jobQueue.FailJob(ctx, job, err.Error())
				return
			}
			if stats.Failed > 0 {
				jobQueue.FailJob(ctx, job, fmt.Sprintf("%d of %d episodes failed", stats.Failed, stats.Total))
			}
		}()
	}
}

func loadJobEpisodes(ctx context.Context, job *queue.Job) ([]episode.Episode, error) {
	switch job.Source {
	case "csv":
		return feeds.LoadCSV(job.CSVPath)
	case "rss":
		return feeds.FetchRSS(ctx, http.DefaultClient, job.FeedURL, job.Company, job.Channel)
	default:
		return nil, fmt.Errorf("unknown job source %q", job.Source)
	}
}
