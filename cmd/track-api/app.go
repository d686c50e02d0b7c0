package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	trackingsapi "github.com/BearBump/TrackTry/internal/api/trackings_api"
	"github.com/BearBump/TrackTry/internal/broker/messages"
	"github.com/BearBump/TrackTry/internal/services/trackings"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
)

type trackAPIOpts struct {
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type snapshotApplier interface {
	ApplySnapshot(ctx context.Context, msg messages.SnapshotTaken) error
}

func runTrackAPI(ctx context.Context, opts trackAPIOpts, svc *trackings.Service, consumer kafkaConsumer) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(httpLis.Addr().String())
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, httpLis, trackingsapi.New(svc), opts.swaggerPath)
	}()

	consumerErr := make(chan error, 1)
	go func() {
		slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
		consumerErr <- consumer.Consume(ctx, snapshotHandler(ctx, svc))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	case err := <-consumerErr:
		return errors.Wrap(err, "kafka consumer")
	}
}

// snapshotHandler пропускает битые сообщения, чтобы они не блокировали партицию.
func snapshotHandler(ctx context.Context, svc snapshotApplier) func(key, value []byte) error {
	return func(key, value []byte) error {
		var m messages.SnapshotTaken
		if err := json.Unmarshal(value, &m); err != nil {
			slog.Error("skip malformed snapshot message", "key", string(key), "error", err.Error())
			return nil
		}
		err := svc.ApplySnapshot(ctx, m)
		if errors.Is(err, trackings.ErrInvalidArgument) {
			slog.Error("skip invalid snapshot message", "key", string(key), "error", err.Error())
			return nil
		}
		return err
	}
}

func runHTTPServer(ctx context.Context, lis net.Listener, api *trackingsapi.TrackingsAPI, swaggerPath string) error {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, swaggerPath)
	})
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger.json"),
	))

	api.Register(r)

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}
