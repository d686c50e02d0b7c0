package pgsnapshot

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/TrackTry/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPGSnapshot_RepoFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "tracktry_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/tracktry_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	latest, err := st.LatestSnapshot(ctx, models.SnapshotKindTrackings)
	require.NoError(t, err)
	require.Nil(t, latest)

	t0 := time.Now().UTC().Add(-time.Minute)
	first, err := st.SaveSnapshot(ctx, &models.Snapshot{
		Kind:    models.SnapshotKindTrackings,
		TakenAt: t0,
		Meta:    models.Meta{Code: 200, Message: "OK"},
		Data:    map[string]any{"123": map[string]any{"tracking_number": "123"}},
	})
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	// Неудачный снимок не должен становиться "последним".
	msg := "tracktry get trackings: http 401: code 4001 - Invalid key"
	_, err = st.SaveSnapshot(ctx, &models.Snapshot{
		Kind:    models.SnapshotKindTrackings,
		TakenAt: t0.Add(30 * time.Second),
		Meta:    models.Meta{Code: 4001, Message: "Invalid key"},
		Error:   &msg,
	})
	require.NoError(t, err)

	_, err = st.SaveSnapshot(ctx, &models.Snapshot{
		Kind:    models.SnapshotKindCouriers,
		TakenAt: t0.Add(40 * time.Second),
		Data:    map[string]any{"ups": "UPS"},
	})
	require.NoError(t, err)

	latest, err = st.LatestSnapshot(ctx, models.SnapshotKindTrackings)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, first.ID, latest.ID)
	require.Equal(t, map[string]any{"123": map[string]any{"tracking_number": "123"}}, latest.Data)
	require.Equal(t, 200, latest.Meta.Code)
	require.WithinDuration(t, t0, latest.TakenAt, time.Second)

	all, err := st.ListSnapshots(ctx, models.SnapshotKindTrackings, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NotNil(t, all[0].Error)
	require.Equal(t, 4001, all[0].Meta.Code)
	require.Empty(t, all[0].Data)

	page, err := st.ListSnapshots(ctx, models.SnapshotKindTrackings, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, first.ID, page[0].ID)

	mixed, err := st.ListSnapshots(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, mixed, 3)
	require.Equal(t, models.SnapshotKindCouriers, mixed[0].Kind)
}
