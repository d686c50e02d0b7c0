package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BearBump/TrackTry/config"
	"github.com/BearBump/TrackTry/internal/broker/kafka"
	"github.com/BearBump/TrackTry/internal/cache/rediscache"
	"github.com/BearBump/TrackTry/internal/integrations/tracktry"
	"github.com/BearBump/TrackTry/internal/services/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type workerFactories struct {
	newProducer       func(cfg *config.Config) (p syncer.Producer, closeFn func())
	newRateLimiter    func(cfg *config.Config) (rl syncer.RateLimiter, closeFn func())
	newTracktryClient func(cfg *config.Config) syncer.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newProducer: func(cfg *config.Config) (syncer.Producer, func()) {
			p := kafka.NewProducer(cfg.Kafka.Brokers())
			return p, func() { _ = p.Close() }
		},
		newRateLimiter: func(cfg *config.Config) (syncer.RateLimiter, func()) {
			rl := rediscache.NewRateLimiter(cfg.Redis.Addr())
			return rl, func() { _ = rl.Close() }
		},
		newTracktryClient: func(cfg *config.Config) syncer.Client {
			return tracktry.NewFromConfig(&http.Client{}, cfg.Tracktry)
		},
	}
}

// RunTrackWorker крутит синхронизацию до отмены ctx. HTTP-сервер поднимается, только если задан swaggerPath.
func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories, swaggerPath string) error {
	topic := cfg.Kafka.SnapshotsTopicName
	if topic == "" {
		topic = "tracktry.snapshots"
	}

	interval := time.Duration(cfg.TrackBox.WorkerSyncIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	couriersEvery := cfg.TrackBox.WorkerCouriersEvery
	if couriersEvery <= 0 {
		couriersEvery = 12
	}
	rlPerMin := int64(cfg.TrackBox.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 60
	}

	producer, closeProducer := f.newProducer(cfg)
	if closeProducer != nil {
		defer closeProducer()
	}
	rl, closeRL := f.newRateLimiter(cfg)
	if closeRL != nil {
		defer closeRL()
	}
	client := f.newTracktryClient(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pc := syncer.DefaultPlannerConfig()
	pc.Interval = interval
	if d := seconds(cfg.TrackBox.WorkerBackoff1Seconds); d > 0 {
		pc.Backoff1 = d
	}
	if d := seconds(cfg.TrackBox.WorkerBackoff2Seconds); d > 0 {
		pc.Backoff2 = d
	}
	if d := seconds(cfg.TrackBox.WorkerBackoff3Seconds); d > 0 {
		pc.Backoff3 = d
	}
	if d := seconds(cfg.TrackBox.WorkerBackoff4Seconds); d > 0 {
		pc.Backoff4 = d
	}

	s := syncer.New(client, producer, rl, topic).
		WithPlanner(pc).
		WithSettings(interval, couriersEvery, rlPerMin).
		WithMetrics(syncer.NewMetrics("trackworker", reg))

	if swaggerPath != "" {
		go func() {
			err := runWorkerHTTPServer(ctx, workerHTTPOpts{
				httpAddr:    cfg.TrackBox.WorkerHTTPAddr,
				swaggerPath: swaggerPath,
				syncer:      s,
				cfg:         cfg,
				registry:    reg,
			})
			if err != nil && err != http.ErrServerClosed {
				slog.Error("worker http server", "error", err.Error())
			}
		}()
	}

	slog.Info("track-worker started", "topic", topic, "interval", interval.String(), "couriersEvery", couriersEvery)
	return s.Run(ctx)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
