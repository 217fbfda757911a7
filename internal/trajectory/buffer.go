// Package trajectory keeps the bounded position history of one entity.
package trajectory

import (
	"time"

	"skyguard-telemetry/internal/models"
)

// Buffer is an ordered, capped sequence of path points. It is not safe for
// concurrent use; the owning reconciler serialises access.
type Buffer struct {
	maxPoints  int
	ttl        time.Duration
	points     []models.PathPoint
	lastUpdate time.Time
}

// New creates an empty buffer. maxPoints < 1 is treated as 1.
func New(maxPoints int, ttl time.Duration) *Buffer {
	if maxPoints < 1 {
		maxPoints = 1
	}
	return &Buffer{
		maxPoints: maxPoints,
		ttl:       ttl,
		points:    make([]models.PathPoint, 0, minInt(maxPoints, 64)),
	}
}

// Append adds p as the newest point, dropping the oldest points beyond the cap.
func (b *Buffer) Append(p models.PathPoint, now time.Time) {
	b.points = append(b.points, p)
	if over := len(b.points) - b.maxPoints; over > 0 {
		// shift instead of reslicing so the backing array does not grow forever
		n := copy(b.points, b.points[over:])
		b.points = b.points[:n]
	}
	b.lastUpdate = now
}

// Points returns a copy of the points, oldest first.
func (b *Buffer) Points() []models.PathPoint {
	return append([]models.PathPoint(nil), b.points...)
}

// Len returns the number of stored points.
func (b *Buffer) Len() int {
	return len(b.points)
}

// IsStale reports whether more than the TTL has passed since the last Append.
func (b *Buffer) IsStale(now time.Time) bool {
	return now.Sub(b.lastUpdate) > b.ttl
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
