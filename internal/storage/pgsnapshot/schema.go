package pgsnapshot

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS tracktry_snapshots (
  id BIGSERIAL PRIMARY KEY,
  kind TEXT NOT NULL,
  taken_at TIMESTAMPTZ NOT NULL,
  meta_code INT NOT NULL DEFAULT 0,
  meta_message TEXT NOT NULL DEFAULT '',
  meta_type TEXT NOT NULL DEFAULT '',
  payload JSONB NOT NULL DEFAULT '{}'::jsonb,
  error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracktry_snapshots_kind_taken_at ON tracktry_snapshots(kind, taken_at DESC)`,
		// Поиск последнего успешного снимка.
		`CREATE INDEX IF NOT EXISTS idx_tracktry_snapshots_ok ON tracktry_snapshots(kind, taken_at DESC) WHERE error IS NULL`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
