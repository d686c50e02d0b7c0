package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/TrackTry/internal/broker/messages"
	"github.com/BearBump/TrackTry/internal/models"
	"github.com/pkg/errors"
)

type Client interface {
	LoadTrackings(ctx context.Context) (models.Envelope, error)
	LoadCouriers(ctx context.Context, params url.Values) (models.Envelope, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Syncer периодически забирает trackings (и реже couriers) из Tracktry
// и публикует каждый результат как messages.SnapshotTaken.
type Syncer struct {
	client   Client
	producer Producer
	rl       RateLimiter
	metrics  *Metrics

	topic string

	planner *Planner

	couriersEvery      int
	rateLimitPerMinute int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	lastSuccessUnixNano atomic.Int64
	totalCycles         atomic.Int64
	totalLoads          atomic.Int64
	totalErrors         atomic.Int64
	totalPublished      atomic.Int64
	totalRateLimited    atomic.Int64
	failStreak          atomic.Int32
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(client Client, producer Producer, rl RateLimiter, topic string) *Syncer {
	return &Syncer{
		client: client, producer: producer, rl: rl, topic: topic,
		planner:            NewPlanner(DefaultPlannerConfig(), nil),
		couriersEvery:      12,
		rateLimitPerMinute: 60,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (s *Syncer) WithSettings(interval time.Duration, couriersEvery int, rlPerMin int64) *Syncer {
	if interval > 0 {
		cfg := s.planner.cfg
		cfg.Interval = interval
		s.planner = NewPlanner(cfg, s.planner.r)
	}
	if couriersEvery > 0 {
		s.couriersEvery = couriersEvery
	}
	if rlPerMin > 0 {
		s.rateLimitPerMinute = rlPerMin
	}
	return s
}

func (s *Syncer) WithPlanner(cfg PlannerConfig) *Syncer {
	s.planner = NewPlanner(cfg, nil)
	return s
}

func (s *Syncer) WithMetrics(m *Metrics) *Syncer {
	s.metrics = m
	return s
}

// Trigger forces an immediate sync cycle (best-effort, non-blocking).
func (s *Syncer) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	TotalCycles   int64      `json:"totalCycles"`
	TotalLoads    int64      `json:"totalLoads"`
	TotalErrors   int64      `json:"totalErrors"`
	Published     int64      `json:"published"`
	RateLimited   int64      `json:"rateLimited"`
	FailStreak    int32      `json:"failStreak"`
	LastError     string     `json:"lastError,omitempty"`
}

func (s *Syncer) Stats() Stats {
	st := Stats{
		StartedAt:   time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalCycles: s.totalCycles.Load(),
		TotalLoads:  s.totalLoads.Load(),
		TotalErrors: s.totalErrors.Load(),
		Published:   s.totalPublished.Load(),
		RateLimited: s.totalRateLimited.Load(),
		FailStreak:  s.failStreak.Load(),
	}
	st.LastCycleAt = unixNanoPtr(s.lastCycleUnixNano.Load())
	st.LastTriggerAt = unixNanoPtr(s.lastTriggerUnixNano.Load())
	st.LastSuccessAt = unixNanoPtr(s.lastSuccessUnixNano.Load())
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

// Run блокируется до отмены ctx. Первый цикл стартует сразу.
func (s *Syncer) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-s.triggerCh:
			timer.Stop()
		}
		s.runOnce(ctx)
		timer.Reset(s.planner.NextDelay(int(s.failStreak.Load())))
	}
}

func (s *Syncer) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	s.lastCycleUnixNano.Store(now.UnixNano())
	cycle := s.totalCycles.Add(1)

	err := s.sync(ctx, models.SnapshotKindTrackings, func(ctx context.Context) (models.Envelope, error) {
		return s.client.LoadTrackings(ctx)
	})

	if s.couriersEvery > 0 && (cycle-1)%int64(s.couriersEvery) == 0 {
		cErr := s.sync(ctx, models.SnapshotKindCouriers, func(ctx context.Context) (models.Envelope, error) {
			return s.client.LoadCouriers(ctx, nil)
		})
		if err == nil {
			err = cErr
		}
	}

	switch {
	case errors.Is(err, errRateLimited):
	case err != nil:
		s.failStreak.Add(1)
	default:
		s.failStreak.Store(0)
		s.lastSuccessUnixNano.Store(time.Now().UTC().UnixNano())
	}
}

var errRateLimited = errors.New("tracktry rate limit exceeded")

func (s *Syncer) sync(ctx context.Context, kind string, load func(context.Context) (models.Envelope, error)) error {
	if !s.allow(ctx, kind) {
		return errRateLimited
	}

	start := time.Now().UTC()
	s.totalLoads.Add(1)
	env, err := load(ctx)
	s.metrics.observeLoad(kind, time.Since(start), err)

	msg := messages.SnapshotTaken{
		Kind:    kind,
		TakenAt: start,
		Meta:    env.Meta,
	}
	if err != nil {
		e := err.Error()
		msg.Error = &e
		s.recordError(err)
		slog.Error("tracktry sync", "kind", kind, "error", e)
	} else {
		msg.Data = env.Data
	}

	if pErr := s.publish(ctx, kind, msg); pErr != nil {
		s.recordError(pErr)
		slog.Error("publish snapshot", "kind", kind, "error", pErr.Error())
		if err == nil {
			err = pErr
		}
	}
	return err
}

func (s *Syncer) publish(ctx context.Context, kind string, msg messages.SnapshotTaken) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}
	err = s.producer.Publish(ctx, s.topic, []byte(kind), b)
	s.metrics.observePublish(err)
	if err != nil {
		return err
	}
	s.totalPublished.Add(1)
	return nil
}

// allow пропускает запрос, если сам лимитер недоступен.
func (s *Syncer) allow(ctx context.Context, kind string) bool {
	if s.rl == nil || s.rateLimitPerMinute <= 0 {
		return true
	}
	key := fmt.Sprintf("rl:tracktry:%s", time.Now().UTC().Format("200601021504"))
	allowed, n, err := s.rl.Allow(ctx, key, s.rateLimitPerMinute, 70*time.Second)
	if err != nil {
		slog.Warn("tracktry rate limiter unavailable", "error", err.Error())
		return true
	}
	if !allowed {
		s.totalRateLimited.Add(1)
		s.metrics.observeRateLimited()
		slog.Warn("tracktry rate limit exceeded", "kind", kind, "count", n, "limit", s.rateLimitPerMinute)
		return false
	}
	return true
}

func (s *Syncer) recordError(err error) {
	s.totalErrors.Add(1)
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}

func unixNanoPtr(n int64) *time.Time {
	if n <= 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}
