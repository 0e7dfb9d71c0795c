package trajectory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/carpool-settlement/internal/models"
)

// Store reads and appends GPS samples. The verification engine only ever
// reads; appends come from the ingestion consumer.
type Store interface {
	GetTrajectory(ctx context.Context, userID, tripID string, start, end time.Time) ([]models.TrajectoryPoint, error)
	Append(ctx context.Context, p models.TrajectoryPoint) error
}

type MemoryStore struct {
	mu     sync.RWMutex
	points map[string][]models.TrajectoryPoint // keyed by userID+"/"+tripID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[string][]models.TrajectoryPoint)}
}

func (m *MemoryStore) Append(ctx context.Context, p models.TrajectoryPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := p.UserID + "/" + p.TripID
	m.points[k] = append(m.points[k], p)
	return nil
}

func (m *MemoryStore) GetTrajectory(ctx context.Context, userID, tripID string, start, end time.Time) ([]models.TrajectoryPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TrajectoryPoint
	for _, p := range m.points[userID+"/"+tripID] {
		if p.Timestamp.Before(start) || p.Timestamp.After(end) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
