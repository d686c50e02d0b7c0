package pgsnapshot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/TrackTry/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const snapshotColumns = `
  id, kind, taken_at,
  meta_code, meta_message, meta_type,
  payload, error, created_at`

func (s *Storage) SaveSnapshot(ctx context.Context, snap *models.Snapshot) (*models.Snapshot, error) {
	if snap == nil {
		return nil, errors.New("snapshot is nil")
	}
	data := snap.Data
	if data == nil {
		data = models.EmptyData()
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}

	out := *snap
	out.Data = data
	if out.TakenAt.IsZero() {
		out.TakenAt = time.Now().UTC()
	}

	err = s.db.QueryRow(ctx, `
INSERT INTO tracktry_snapshots (
  kind, taken_at, meta_code, meta_message, meta_type, payload, error, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,now())
RETURNING id, created_at
`, out.Kind, out.TakenAt.UTC(), out.Meta.Code, out.Meta.Message, out.Meta.Type, payload, out.Error).
		Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert snapshot")
	}
	return &out, nil
}

// LatestSnapshot возвращает последний успешный снимок вида kind или nil, если его ещё нет.
func (s *Storage) LatestSnapshot(ctx context.Context, kind string) (*models.Snapshot, error) {
	row := s.db.QueryRow(ctx, `
SELECT`+snapshotColumns+`
FROM tracktry_snapshots
WHERE kind = $1 AND error IS NULL
ORDER BY taken_at DESC, id DESC
LIMIT 1
`, kind)

	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select latest snapshot")
	}
	return snap, nil
}

// ListSnapshots: пустой kind означает все виды.
func (s *Storage) ListSnapshots(ctx context.Context, kind string, limit, offset int) ([]*models.Snapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT`+snapshotColumns+`
FROM tracktry_snapshots
WHERE ($1 = '' OR kind = $1)
ORDER BY taken_at DESC, id DESC
LIMIT $2 OFFSET $3
`, kind, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select snapshots")
	}
	defer rows.Close()

	out := make([]*models.Snapshot, 0, limit)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan snapshot")
		}
		out = append(out, snap)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func scanSnapshot(row pgx.Row) (*models.Snapshot, error) {
	var snap models.Snapshot
	var payload []byte
	var lastError *string
	if err := row.Scan(
		&snap.ID, &snap.Kind, &snap.TakenAt,
		&snap.Meta.Code, &snap.Meta.Message, &snap.Meta.Type,
		&payload, &lastError, &snap.CreatedAt,
	); err != nil {
		return nil, err
	}
	snap.Error = lastError
	snap.Data = models.EmptyData()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &snap.Data); err != nil {
			return nil, errors.Wrap(err, "decode payload")
		}
	}
	return &snap, nil
}
