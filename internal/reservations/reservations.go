package reservations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/carpool-settlement/internal/models"
)

var (
	ErrNotFound          = errors.New("reservation not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Repository is the reservation store plus the per-user penalty log used for
// cancellation rate-limiting.
type Repository interface {
	Create(ctx context.Context, r models.Reservation) error
	ByID(ctx context.Context, id string) (models.Reservation, error)
	ByOffer(ctx context.Context, offerID string) ([]models.Reservation, error)
	// Transition moves the reservation along the state graph, rejecting
	// anything the graph does not allow.
	Transition(ctx context.Context, id string, to models.Status) (models.Reservation, error)
	// FindOverlapping returns the user's non-terminal reservations whose
	// [StartedOn, EstimatedArrivalOn] window intersects [start, end].
	FindOverlapping(ctx context.Context, userID string, start, end time.Time) ([]models.Reservation, error)
	// StartedEndedBetween returns driver reservations still in STARTED whose
	// estimated arrival fell inside the window; the recalc job re-verifies
	// these.
	StartedEndedBetween(ctx context.Context, since, until time.Time) ([]models.Reservation, error)
	Delete(ctx context.Context, id string) error
	RecordPenalty(ctx context.Context, userID string, at time.Time) error
}

type MemoryRepository struct {
	mu           sync.RWMutex
	reservations map[string]models.Reservation
	penalties    map[string][]time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		reservations: make(map[string]models.Reservation),
		penalties:    make(map[string][]time.Time),
	}
}

func (m *MemoryRepository) Create(ctx context.Context, r models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[r.ID]; ok {
		return fmt.Errorf("reservation %s exists", r.ID)
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	m.reservations[r.ID] = r
	return nil
}

func (m *MemoryRepository) ByID(ctx context.Context, id string) (models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return models.Reservation{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepository) ByOffer(ctx context.Context, offerID string) ([]models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Reservation
	for _, r := range m.reservations {
		if r.OfferID == offerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) Transition(ctx context.Context, id string, to models.Status) (models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return models.Reservation{}, ErrNotFound
	}
	if !models.CanTransition(r.Status, to) {
		return models.Reservation{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	m.reservations[id] = r
	return r, nil
}

func (m *MemoryRepository) FindOverlapping(ctx context.Context, userID string, start, end time.Time) ([]models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Reservation
	for _, r := range m.reservations {
		if r.UserID != userID || r.Status.Terminal() {
			continue
		}
		if r.StartedOn.Before(end) && r.EstimatedArrivalOn.After(start) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedOn.Before(out[j].StartedOn) })
	return out, nil
}

func (m *MemoryRepository) StartedEndedBetween(ctx context.Context, since, until time.Time) ([]models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Reservation
	for _, r := range m.reservations {
		if r.Status != models.StatusStarted || r.Role != models.RoleDriver {
			continue
		}
		if r.EstimatedArrivalOn.After(since) && !r.EstimatedArrivalOn.After(until) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EstimatedArrivalOn.Before(out[j].EstimatedArrivalOn)
	})
	return out, nil
}

func (m *MemoryRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[id]; !ok {
		return ErrNotFound
	}
	delete(m.reservations, id)
	return nil
}

func (m *MemoryRepository) RecordPenalty(ctx context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.penalties[userID] = append(m.penalties[userID], at)
	return nil
}

// Penalties returns recorded cancellation penalties for a user, oldest first.
func (m *MemoryRepository) Penalties(userID string) []time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]time.Time(nil), m.penalties[userID]...)
}
