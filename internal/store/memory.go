package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kjstillabower/forecast-sync/internal/models"
)

// InMemoryStore implements RecordStore, HistoryReader and LocationRegistry with maps.
// Safe for concurrent use. Contents are lost on restart.
type InMemoryStore struct {
	mu           sync.RWMutex
	current      map[string]models.ForecastRecord
	history      map[string][]models.ForecastRecord
	historyLimit int
	versions     map[string]int64 // highest version ever assigned, survives Delete
	locations    map[string]models.Location
	defaultID    string
}

// NewInMemoryStore creates an empty store keeping up to historyLimit superseded versions
// per location (0 keeps none).
func NewInMemoryStore(historyLimit int) *InMemoryStore {
	return &InMemoryStore{
		current:      make(map[string]models.ForecastRecord),
		history:      make(map[string][]models.ForecastRecord),
		historyLimit: historyLimit,
		versions:     make(map[string]int64),
		locations:    make(map[string]models.Location),
	}
}

// Get returns the current record or ErrNotFound.
func (s *InMemoryStore) Get(ctx context.Context, locationID string) (models.ForecastRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.ForecastRecord{}, storageErr("get", locationID, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.current[locationID]
	if !ok {
		return models.ForecastRecord{}, ErrNotFound
	}
	return rec, nil
}

// Put replaces the current record and returns it with its assigned version.
func (s *InMemoryStore) Put(ctx context.Context, locationID string, rec models.ForecastRecord) (models.ForecastRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.ForecastRecord{}, storageErr("put", locationID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.LocationID = locationID
	rec.Version = s.versions[locationID] + 1
	s.versions[locationID] = rec.Version
	if prev, ok := s.current[locationID]; ok {
		if s.historyLimit > 0 {
			h := append([]models.ForecastRecord{prev}, s.history[locationID]...)
			if len(h) > s.historyLimit {
				h = h[:s.historyLimit]
			}
			s.history[locationID] = h
		}
	}
	s.current[locationID] = rec
	return rec, nil
}

// Delete removes the current record. Deleting a missing record is not an error.
func (s *InMemoryStore) Delete(ctx context.Context, locationID string) error {
	if err := ctx.Err(); err != nil {
		return storageErr("delete", locationID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.current, locationID)
	return nil
}

// History returns up to limit superseded versions, newest first. limit <= 0 returns all kept.
func (s *InMemoryStore) History(ctx context.Context, locationID string, limit int) ([]models.ForecastRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[locationID]
	if limit > 0 && len(h) > limit {
		h = h[:limit]
	}
	out := make([]models.ForecastRecord, len(h))
	copy(out, h)
	return out, nil
}

func (s *InMemoryStore) AddLocation(ctx context.Context, loc models.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[loc.ID]; ok {
		return ErrLocationExists
	}
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = time.Now().UTC()
	}
	s.locations[loc.ID] = loc
	return nil
}

func (s *InMemoryStore) GetLocation(ctx context.Context, id string) (models.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.locations[id]
	if !ok {
		return models.Location{}, ErrNotFound
	}
	return loc, nil
}

// ListLocations returns saved locations ordered by creation time, then id.
func (s *InMemoryStore) ListLocations(ctx context.Context) ([]models.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocationsLocked(), nil
}

func (s *InMemoryStore) sortedLocationsLocked() []models.Location {
	out := make([]models.Location, 0, len(s.locations))
	for _, loc := range s.locations {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DeleteLocation removes a location with its cached forecast and history.
func (s *InMemoryStore) DeleteLocation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locations, id)
	delete(s.current, id)
	delete(s.history, id)
	if s.defaultID == id {
		s.defaultID = ""
	}
	return nil
}

func (s *InMemoryStore) SetDefaultLocation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[id]; !ok {
		return ErrNotFound
	}
	s.defaultID = id
	return nil
}

// DefaultLocation returns the configured default, else the first saved location.
func (s *InMemoryStore) DefaultLocation(ctx context.Context) (models.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if loc, ok := s.locations[s.defaultID]; ok {
		return loc, nil
	}
	locs := s.sortedLocationsLocked()
	if len(locs) == 0 {
		return models.Location{}, ErrNotFound
	}
	return locs[0], nil
}
