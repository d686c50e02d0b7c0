package models

import "time"

// Виды снимков, которые воркер снимает с Tracktry.
const (
	SnapshotKindTrackings = "trackings"
	SnapshotKindCouriers  = "couriers"
)

type Snapshot struct {
	ID        uint64
	Kind      string
	TakenAt   time.Time
	Meta      Meta
	Data      Data
	Error     *string
	CreatedAt time.Time
}

func ValidSnapshotKind(kind string) bool {
	return kind == SnapshotKindTrackings || kind == SnapshotKindCouriers
}
