package trackings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BearBump/TrackTry/internal/broker/messages"
	"github.com/BearBump/TrackTry/internal/cache"
	"github.com/BearBump/TrackTry/internal/models"
	"github.com/pkg/errors"
)

// ErrInvalidArgument оборачивает все ошибки валидации входных данных.
var ErrInvalidArgument = errors.New("invalid argument")

type Client interface {
	LoadTrackings(ctx context.Context) (models.Envelope, error)
	CreateTracking(ctx context.Context, in models.AddTrackingInput) error
	DeleteTracking(ctx context.Context, carrierCode, trackingNumber string) error
	LookupCouriers(ctx context.Context, trackingNumber string, extra map[string]any) (models.Data, error)
	LoadCouriers(ctx context.Context, params url.Values) (models.Envelope, error)
	Meta() models.Meta
}

type Repository interface {
	SaveSnapshot(ctx context.Context, snap *models.Snapshot) (*models.Snapshot, error)
	LatestSnapshot(ctx context.Context, kind string) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context, kind string, limit, offset int) ([]*models.Snapshot, error)
}

// Откуда пришёл результат List*.
const (
	SourceCache    = "cache"
	SourceSnapshot = "snapshot"
	SourceLive     = "live"
)

type Result struct {
	Source  string      `json:"source"`
	TakenAt time.Time   `json:"takenAt"`
	Meta    models.Meta `json:"meta"`
	Data    models.Data `json:"data"`
}

type Service struct {
	client     Client
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration

	// момент последнего Add/Remove; снимки trackings старше него устарели
	trackingsWrittenAt atomic.Int64
}

func New(client Client, repo Repository, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{client: client, repo: repo, cache: c, currentTTL: currentTTL}
}

func (s *Service) ListTrackings(ctx context.Context) (*Result, error) {
	return s.latest(ctx, models.SnapshotKindTrackings, s.client.LoadTrackings)
}

// ListCouriers отдаёт сохранённый список, если фильтров нет; с фильтрами всегда идёт в Tracktry.
func (s *Service) ListCouriers(ctx context.Context, params url.Values) (*Result, error) {
	load := func(ctx context.Context) (models.Envelope, error) {
		return s.client.LoadCouriers(ctx, params)
	}
	if len(params) > 0 {
		env, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Source: SourceLive, TakenAt: time.Now().UTC(), Meta: env.Meta, Data: env.Data}, nil
	}
	return s.latest(ctx, models.SnapshotKindCouriers, load)
}

func (s *Service) AddTracking(ctx context.Context, in models.AddTrackingInput) error {
	in.TrackingNumber = strings.TrimSpace(in.TrackingNumber)
	if in.TrackingNumber == "" {
		return fmt.Errorf("%w: trackingNumber is required", ErrInvalidArgument)
	}
	if err := s.client.CreateTracking(ctx, in); err != nil {
		return err
	}
	s.refreshTrackings(ctx)
	return nil
}

func (s *Service) RemoveTracking(ctx context.Context, carrierCode, trackingNumber string) error {
	if carrierCode == "" {
		return fmt.Errorf("%w: carrierCode is required", ErrInvalidArgument)
	}
	if trackingNumber == "" {
		return fmt.Errorf("%w: trackingNumber is required", ErrInvalidArgument)
	}
	if err := s.client.DeleteTracking(ctx, carrierCode, trackingNumber); err != nil {
		return err
	}
	s.refreshTrackings(ctx)
	return nil
}

func (s *Service) DetectCouriers(ctx context.Context, trackingNumber string, extra map[string]any) (models.Data, error) {
	if strings.TrimSpace(trackingNumber) == "" {
		return nil, fmt.Errorf("%w: trackingNumber is required", ErrInvalidArgument)
	}
	return s.client.LookupCouriers(ctx, trackingNumber, extra)
}

func (s *Service) Meta() models.Meta {
	return s.client.Meta()
}

func (s *Service) ListSnapshots(ctx context.Context, kind string, limit, offset int) ([]*models.Snapshot, error) {
	if kind != "" && !models.ValidSnapshotKind(kind) {
		return nil, fmt.Errorf("%w: unknown snapshot kind %q", ErrInvalidArgument, kind)
	}
	return s.repo.ListSnapshots(ctx, kind, limit, offset)
}

// ApplySnapshot сохраняет снимок из Kafka. Кэш обновляется только успешными снимками.
func (s *Service) ApplySnapshot(ctx context.Context, msg messages.SnapshotTaken) error {
	if !models.ValidSnapshotKind(msg.Kind) {
		return fmt.Errorf("%w: unknown snapshot kind %q", ErrInvalidArgument, msg.Kind)
	}
	if msg.TakenAt.IsZero() {
		msg.TakenAt = time.Now().UTC()
	}

	saved, err := s.repo.SaveSnapshot(ctx, &models.Snapshot{
		Kind:    msg.Kind,
		TakenAt: msg.TakenAt,
		Meta:    msg.Meta,
		Data:    msg.Data,
		Error:   msg.Error,
	})
	if err != nil {
		return errors.Wrap(err, "save snapshot")
	}

	if saved.Error == nil && !s.stale(msg.Kind, saved.TakenAt) {
		s.remember(ctx, &Result{TakenAt: saved.TakenAt, Meta: saved.Meta, Data: saved.Data}, msg.Kind)
	}
	return nil
}

// latest: Redis -> последний успешный снимок в Postgres -> живой запрос.
func (s *Service) latest(ctx context.Context, kind string, load func(context.Context) (models.Envelope, error)) (*Result, error) {
	if r, ok := s.cached(ctx, kind); ok {
		r.Source = SourceCache
		return r, nil
	}

	snap, err := s.repo.LatestSnapshot(ctx, kind)
	if err != nil {
		slog.Warn("latest snapshot", "kind", kind, "error", err.Error())
	}
	if snap != nil && !s.stale(kind, snap.TakenAt) {
		r := &Result{Source: SourceSnapshot, TakenAt: snap.TakenAt, Meta: snap.Meta, Data: snap.Data}
		s.remember(ctx, r, kind)
		return r, nil
	}

	env, err := load(ctx)
	if err != nil {
		return nil, err
	}
	r := &Result{Source: SourceLive, TakenAt: time.Now().UTC(), Meta: env.Meta, Data: env.Data}
	s.remember(ctx, r, kind)
	return r, nil
}

// refreshTrackings перечитывает trackings из Tracktry после записи, чтобы
// следующий ListTrackings не отдал снимок, снятый до неё.
func (s *Service) refreshTrackings(ctx context.Context) {
	s.trackingsWrittenAt.Store(time.Now().UTC().UnixNano())

	env, err := s.client.LoadTrackings(ctx)
	if err != nil {
		slog.Warn("reload trackings after write", "error", err.Error())
		s.invalidate(ctx, models.SnapshotKindTrackings)
		return
	}
	s.remember(ctx, &Result{TakenAt: time.Now().UTC(), Meta: env.Meta, Data: env.Data}, models.SnapshotKindTrackings)
}

func (s *Service) stale(kind string, takenAt time.Time) bool {
	if kind != models.SnapshotKindTrackings {
		return false
	}
	written := s.trackingsWrittenAt.Load()
	return written > 0 && takenAt.UnixNano() < written
}

func (s *Service) cached(ctx context.Context, kind string) (*Result, bool) {
	if s.cache == nil || s.currentTTL <= 0 {
		return nil, false
	}
	b, ok, err := s.cache.Get(ctx, cache.LatestKey(kind))
	if err != nil || !ok {
		return nil, false
	}
	var r Result
	if json.Unmarshal(b, &r) != nil {
		return nil, false
	}
	return &r, true
}

func (s *Service) remember(ctx context.Context, r *Result, kind string) {
	if s.cache == nil || s.currentTTL <= 0 {
		return
	}
	b, err := json.Marshal(Result{TakenAt: r.TakenAt, Meta: r.Meta, Data: r.Data})
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cache.LatestKey(kind), b, s.currentTTL); err != nil {
		slog.Warn("cache set", "kind", kind, "error", err.Error())
	}
}

func (s *Service) invalidate(ctx context.Context, kind string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.LatestKey(kind)); err != nil {
		slog.Warn("cache delete", "kind", kind, "error", err.Error())
	}
}
