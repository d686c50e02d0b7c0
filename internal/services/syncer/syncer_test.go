package syncer

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/BearBump/TrackTry/internal/broker/messages"
	"github.com/BearBump/TrackTry/internal/integrations/tracktry"
	"github.com/BearBump/TrackTry/internal/models"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic string
	key   string
	msg   messages.SnapshotTaken
}

type fakeProducer struct {
	out []published
	err error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	if p.err != nil {
		return p.err
	}
	var m messages.SnapshotTaken
	if err := json.Unmarshal(value, &m); err != nil {
		return err
	}
	p.out = append(p.out, published{topic: topic, key: string(key), msg: m})
	return nil
}

type fakeRL struct {
	allowed bool
	count   int64
	err     error
	calls   int
}

func (r *fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	r.calls++
	return r.allowed, r.count, r.err
}

type fakeClient struct {
	trackings    models.Envelope
	trackingsErr error
	couriers     models.Envelope
	couriersErr  error

	trackingsCalls int
	couriersCalls  int
}

func (c *fakeClient) LoadTrackings(ctx context.Context) (models.Envelope, error) {
	c.trackingsCalls++
	return c.trackings, c.trackingsErr
}

func (c *fakeClient) LoadCouriers(ctx context.Context, params url.Values) (models.Envelope, error) {
	c.couriersCalls++
	return c.couriers, c.couriersErr
}

func okClient() *fakeClient {
	return &fakeClient{
		trackings: models.Envelope{Data: map[string]any{"123": "x"}, Meta: models.Meta{Code: 200, Message: "OK"}},
		couriers:  models.Envelope{Data: map[string]any{"ups": "UPS"}, Meta: models.Meta{Code: 200, Message: "OK"}},
	}
}

func TestSyncer_runOnce_PublishesTrackingsAndCouriers(t *testing.T) {
	fp := &fakeProducer{}
	c := okClient()
	s := New(c, fp, &fakeRL{allowed: true}, "tracktry.snapshots").WithSettings(time.Minute, 2, 10)

	s.runOnce(context.Background())

	require.Len(t, fp.out, 2)
	require.Equal(t, "tracktry.snapshots", fp.out[0].topic)
	require.Equal(t, models.SnapshotKindTrackings, fp.out[0].key)
	require.Equal(t, map[string]any{"123": "x"}, fp.out[0].msg.Data)
	require.Equal(t, 200, fp.out[0].msg.Meta.Code)
	require.Nil(t, fp.out[0].msg.Error)
	require.Equal(t, models.SnapshotKindCouriers, fp.out[1].key)

	// второй цикл: couriers только каждый 2-й раз
	s.runOnce(context.Background())
	require.Len(t, fp.out, 3)
	require.Equal(t, 2, c.trackingsCalls)
	require.Equal(t, 1, c.couriersCalls)

	st := s.Stats()
	require.Equal(t, int64(2), st.TotalCycles)
	require.Equal(t, int64(3), st.Published)
	require.Zero(t, st.TotalErrors)
	require.NotNil(t, st.LastSuccessAt)
}

func TestSyncer_runOnce_RemoteErrorPublishedWithMeta(t *testing.T) {
	fp := &fakeProducer{}
	meta := models.Meta{Code: 4001, Message: "Invalid key"}
	c := &fakeClient{
		trackings:    models.Envelope{Meta: meta},
		trackingsErr: &tracktry.RemoteError{Op: "get trackings", StatusCode: 401, Meta: meta},
	}
	s := New(c, fp, nil, "t").WithSettings(time.Minute, 100, 0)

	s.runOnce(context.Background())

	require.Len(t, fp.out, 2)
	got := fp.out[0].msg
	require.NotNil(t, got.Error)
	require.Contains(t, *got.Error, "Invalid key")
	require.Equal(t, meta, got.Meta)
	require.Empty(t, got.Data)

	st := s.Stats()
	require.Equal(t, int32(1), st.FailStreak)
	require.Equal(t, int64(1), st.TotalErrors)
	require.Nil(t, st.LastSuccessAt)
}

func TestSyncer_runOnce_RateLimitedSkipsLoad(t *testing.T) {
	fp := &fakeProducer{}
	c := okClient()
	rl := &fakeRL{allowed: false, count: 61}
	s := New(c, fp, rl, "t")

	s.runOnce(context.Background())

	require.Zero(t, c.trackingsCalls)
	require.Zero(t, c.couriersCalls)
	require.Empty(t, fp.out)
	require.Equal(t, int64(2), s.Stats().RateLimited)
	require.Zero(t, s.Stats().FailStreak)
}

func TestSyncer_runOnce_RateLimiterErrorFailsOpen(t *testing.T) {
	fp := &fakeProducer{}
	c := okClient()
	s := New(c, fp, &fakeRL{err: errors.New("redis down")}, "t")

	s.runOnce(context.Background())
	require.Equal(t, 1, c.trackingsCalls)
	require.Len(t, fp.out, 2)
}

func TestSyncer_runOnce_PublishErrorCounts(t *testing.T) {
	fp := &fakeProducer{err: errors.New("kafka down")}
	s := New(okClient(), fp, nil, "t")

	s.runOnce(context.Background())

	st := s.Stats()
	require.Equal(t, int64(2), st.TotalErrors)
	require.Equal(t, "kafka down", st.LastError)
	require.Equal(t, int32(1), st.FailStreak)
}

func TestSyncer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("tracktry", reg)
	c := &fakeClient{
		trackingsErr: &tracktry.TransportError{Op: "get trackings", Timeout: true, Err: context.DeadlineExceeded},
		couriers:     models.Envelope{Data: map[string]any{}},
	}
	s := New(c, &fakeProducer{}, nil, "t").WithMetrics(m)

	s.runOnce(context.Background())

	mfs, err := reg.Gather()
	require.NoError(t, err)
	loads := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() != "tracktry_tracktry_loads_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			var kind, result string
			for _, lp := range metric.GetLabel() {
				switch lp.GetName() {
				case "kind":
					kind = lp.GetValue()
				case "result":
					result = lp.GetValue()
				}
			}
			loads[kind+"/"+result] = metric.GetCounter().GetValue()
		}
	}
	require.Equal(t, map[string]float64{
		"trackings/transport": 1,
		"couriers/ok":         1,
	}, loads)
}

func TestSyncer_WithSettings(t *testing.T) {
	s := New(okClient(), &fakeProducer{}, nil, "t").WithSettings(7*time.Second, 3, 13)
	require.Equal(t, 7*time.Second, s.planner.NextDelay(0))
	require.Equal(t, 3, s.couriersEvery)
	require.Equal(t, int64(13), s.rateLimitPerMinute)

	s = New(okClient(), &fakeProducer{}, nil, "t").WithSettings(0, 0, 0)
	require.Equal(t, 5*time.Minute, s.planner.NextDelay(0))
	require.Equal(t, 12, s.couriersEvery)
}
