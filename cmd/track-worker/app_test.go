package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/TrackTry/config"
	"github.com/BearBump/TrackTry/internal/integrations/tracktry"
	"github.com/BearBump/TrackTry/internal/models"
	"github.com/BearBump/TrackTry/internal/services/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type noopProducer struct{}

func (p noopProducer) Publish(ctx context.Context, topic string, key, value []byte) error { return nil }

type stubClient struct{}

func (stubClient) LoadTrackings(ctx context.Context) (models.Envelope, error) {
	return models.Envelope{Data: map[string]any{}}, nil
}
func (stubClient) LoadCouriers(ctx context.Context, params url.Values) (models.Envelope, error) {
	return models.Envelope{Data: map[string]any{}}, nil
}

func TestDefaultWorkerFactories(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{
		Kafka:    config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis:    config.RedisConfig{Host: "localhost", Port: 6379},
		Tracktry: config.TracktryConfig{BaseURL: "http://localhost:9000", APIKey: "k", TimeoutSeconds: 3},
	}

	p, closeP := f.newProducer(cfg)
	require.NotNil(t, p)
	closeP()

	rl, closeRL := f.newRateLimiter(cfg)
	require.NotNil(t, rl)
	closeRL()

	c := f.newTracktryClient(cfg)
	_, ok := c.(*tracktry.Client)
	require.True(t, ok)
}

func TestRunTrackWorker_ContextCanceled(t *testing.T) {
	closed := 0
	f := workerFactories{
		newProducer: func(cfg *config.Config) (syncer.Producer, func()) {
			return noopProducer{}, func() { closed++ }
		},
		newRateLimiter: func(cfg *config.Config) (syncer.RateLimiter, func()) {
			return nil, func() { closed++ }
		},
		newTracktryClient: func(cfg *config.Config) syncer.Client {
			return stubClient{}
		},
	}

	cfg := &config.Config{
		Kafka:    config.KafkaConfig{SnapshotsTopicName: "t"},
		TrackBox: config.TrackBoxConfig{WorkerSyncIntervalSeconds: 1},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunTrackWorker(ctx, cfg, f, "")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, closed)
}

func TestWorkerRouter(t *testing.T) {
	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	reg := prometheus.NewRegistry()
	s := syncer.New(stubClient{}, noopProducer{}, nil, "t").WithMetrics(syncer.NewMetrics("trackworker", reg))
	cfg := &config.Config{Tracktry: config.TracktryConfig{APIKey: "secret", BaseURL: "http://x"}}

	srv := httptest.NewServer(workerRouter(workerHTTPOpts{swaggerPath: sw, syncer: s, cfg: cfg, registry: reg}))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	code, body := get("/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "ok")

	code, _ = get("/readyz")
	require.Equal(t, http.StatusOK, code)

	code, body = get("/config")
	require.Equal(t, http.StatusOK, code)
	require.NotContains(t, body, "secret")
	require.Contains(t, body, "http://x")

	resp, err := http.Post(srv.URL+"/trigger", "application/json", strings.NewReader(""))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	code, body = get("/stats")
	require.Equal(t, http.StatusOK, code)
	var st syncer.Stats
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	require.NotNil(t, st.LastTriggerAt)

	// счётчики появляются после первой загрузки
	code, _ = get("/metrics")
	require.Equal(t, http.StatusOK, code)

	code, body = get("/swagger.json")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "swagger")
}

func TestRunWorkerHTTPServer_Shutdown(t *testing.T) {
	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    "127.0.0.1:0",
			swaggerPath: sw,
			onListen:    func(a string) { addrCh <- a },
		})
	}()

	addr := <-addrCh
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("worker http server did not stop")
	}

	require.Error(t, runWorkerHTTPServer(context.Background(), workerHTTPOpts{swaggerPath: ""}))
}
