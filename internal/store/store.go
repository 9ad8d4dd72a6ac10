// Package store persists forecast records and saved locations.
//
// RecordStore is the durable keyed storage the coordinator writes through. Put replaces the
// current record for a location atomically and assigns the next version; readers never see
// a partially written record. Superseded versions may be kept for diagnostics but are never
// returned by Get.
package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/kjstillabower/forecast-sync/internal/models"
)

var (
	// ErrNotFound is returned when no current record (or location) exists for a key.
	ErrNotFound = errors.New("not found")
	// ErrStorage matches every *StorageError via errors.Is.
	ErrStorage = errors.New("storage failure")
	// ErrLocationExists is returned by AddLocation for a duplicate id.
	ErrLocationExists = errors.New("location already exists")
)

// StorageError wraps a backend failure that is not a plain not-found.
type StorageError struct {
	Op         string
	LocationID string
	Err        error
}

func (e *StorageError) Error() string {
	if e.LocationID == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.LocationID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op, locationID string, err error) error {
	return &StorageError{Op: op, LocationID: locationID, Err: err}
}

// RecordStore is the forecast record contract used by the coordinator.
type RecordStore interface {
	Get(ctx context.Context, locationID string) (models.ForecastRecord, error)
	Put(ctx context.Context, locationID string, rec models.ForecastRecord) (models.ForecastRecord, error)
	Delete(ctx context.Context, locationID string) error
}

// HistoryReader exposes superseded record versions, newest first.
type HistoryReader interface {
	History(ctx context.Context, locationID string, limit int) ([]models.ForecastRecord, error)
}

// LocationRegistry manages saved locations and the default location.
type LocationRegistry interface {
	AddLocation(ctx context.Context, loc models.Location) error
	GetLocation(ctx context.Context, id string) (models.Location, error)
	ListLocations(ctx context.Context) ([]models.Location, error)
	DeleteLocation(ctx context.Context, id string) error
	SetDefaultLocation(ctx context.Context, id string) error
	DefaultLocation(ctx context.Context) (models.Location, error)
}

const lockShards = 64

// keyLocks serializes writers per location id using a fixed set of striped mutexes.
type keyLocks struct {
	shards [lockShards]sync.Mutex
}

func (k *keyLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &k.shards[h.Sum32()%lockShards]
	m.Lock()
	return m.Unlock
}
