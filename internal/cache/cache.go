package cache

import (
	"context"
	"time"
)

type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// LatestKey: ключ последнего снимка вида kind.
func LatestKey(kind string) string {
	return "tracktry:" + kind + ":latest"
}
