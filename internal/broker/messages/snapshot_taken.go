package messages

import (
	"time"

	"github.com/BearBump/TrackTry/internal/models"
)

// SnapshotTaken публикует track-worker после каждой загрузки из Tracktry,
// удачной или нет. Ключ сообщения в Kafka = Kind.
type SnapshotTaken struct {
	Kind    string    `json:"kind"`
	TakenAt time.Time `json:"taken_at"`

	Meta models.Meta `json:"meta"`
	Data models.Data `json:"data,omitempty"`

	Error *string `json:"error,omitempty"`
}
