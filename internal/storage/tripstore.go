package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrDown is returned by the memory store while it is switched off in tests.
	ErrDown = errors.New("storage: unavailable")
)

// RideArchive persists rides that reached a terminal state and serves them back for history views.
type RideArchive interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRidesByDriver(ctx context.Context, driverID string, limit int) ([]models.Ride, error)
	Ping(ctx context.Context) error
}

// Profiles is the driver directory used for ratings and the rider-facing assignment summary.
type Profiles interface {
	GetProfile(ctx context.Context, driverID string) (models.DriverProfile, error)
	PutProfile(ctx context.Context, p models.DriverProfile) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]models.Ride
	profiles map[string]models.DriverProfile
	down     bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]models.Ride),
		profiles: make(map[string]models.DriverProfile),
	}
}

// SetDown makes every call fail with ErrDown until cleared.
func (m *MemoryStore) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *MemoryStore) SaveRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrDown
	}
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return nil, ErrDown
	}
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// ListRidesByDriver returns the driver's rides, newest first.
func (m *MemoryStore) ListRidesByDriver(_ context.Context, driverID string, limit int) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return nil, ErrDown
	}
	var out []models.Ride
	for _, r := range m.rides {
		if r.DriverID == driverID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return ErrDown
	}
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, driverID string) (models.DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[driverID]
	if !ok {
		return models.DriverProfile{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) PutProfile(_ context.Context, p models.DriverProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
	return nil
}
