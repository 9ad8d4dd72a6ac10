package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/forecast-sync/internal/models"
)

const (
	keyPrefix      = "forecast:"
	maxCASAttempts = 8
)

// MemcachedStore implements RecordStore on memcached. Version increments use
// compare-and-swap so concurrent writers from several processes never reuse a version.
// Durability is whatever the memcached deployment provides.
type MemcachedStore struct {
	client *memcache.Client
	ttl    time.Duration
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero. ttl of zero stores items without expiry.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int, ttl time.Duration) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client, ttl: ttl}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (s *MemcachedStore) key(locationID string) string {
	return keyPrefix + locationID
}

func (s *MemcachedStore) expiration() int32 {
	const maxRelativeExp = 30 * 24 * 60 * 60
	sec := int32(s.ttl.Seconds())
	if sec <= 0 {
		return 0
	}
	if sec > maxRelativeExp {
		return maxRelativeExp
	}
	return sec
}

// entry is the stored item. A deleted entry is a tombstone that keeps the last version so
// versions keep rising after Delete.
type entry struct {
	models.ForecastRecord
	Deleted bool `json:"deleted,omitempty"`
}

func decodeEntry(raw []byte) (entry, error) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, fmt.Errorf("decode record: %w", err)
	}
	return e, nil
}

// Get returns the current record or ErrNotFound.
func (s *MemcachedStore) Get(ctx context.Context, locationID string) (models.ForecastRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.ForecastRecord{}, storageErr("get", locationID, err)
	}
	item, err := s.client.Get(s.key(locationID))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return models.ForecastRecord{}, ErrNotFound
	}
	if err != nil {
		return models.ForecastRecord{}, storageErr("get", locationID, err)
	}
	e, err := decodeEntry(item.Value)
	if err != nil {
		return models.ForecastRecord{}, storageErr("get", locationID, err)
	}
	if e.Deleted {
		return models.ForecastRecord{}, ErrNotFound
	}
	return e.ForecastRecord, nil
}

// Put replaces the current record, retrying on CAS conflicts.
func (s *MemcachedStore) Put(ctx context.Context, locationID string, rec models.ForecastRecord) (models.ForecastRecord, error) {
	rec.LocationID = locationID
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.ForecastRecord{}, storageErr("put", locationID, err)
		}
		item, err := s.client.Get(s.key(locationID))
		switch {
		case errors.Is(err, memcache.ErrCacheMiss):
			rec.Version = 1
			raw, err := json.Marshal(entry{ForecastRecord: rec})
			if err != nil {
				return models.ForecastRecord{}, storageErr("put", locationID, err)
			}
			err = s.client.Add(&memcache.Item{Key: s.key(locationID), Value: raw, Expiration: s.expiration()})
			if errors.Is(err, memcache.ErrNotStored) {
				continue
			}
			if err != nil {
				return models.ForecastRecord{}, storageErr("put", locationID, err)
			}
			return rec, nil
		case err != nil:
			return models.ForecastRecord{}, storageErr("put", locationID, err)
		}

		// An undecodable item is overwritten; its version is lost.
		prev, _ := decodeEntry(item.Value)
		rec.Version = prev.Version + 1
		raw, err := json.Marshal(entry{ForecastRecord: rec})
		if err != nil {
			return models.ForecastRecord{}, storageErr("put", locationID, err)
		}
		item.Value = raw
		item.Expiration = s.expiration()
		err = s.client.CompareAndSwap(item)
		if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) {
			continue
		}
		if err != nil {
			return models.ForecastRecord{}, storageErr("put", locationID, err)
		}
		return rec, nil
	}
	return models.ForecastRecord{}, storageErr("put", locationID, errors.New("too many concurrent writers"))
}

// Delete replaces the current record with a tombstone carrying its version. Idempotent.
func (s *MemcachedStore) Delete(ctx context.Context, locationID string) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return storageErr("delete", locationID, err)
		}
		item, err := s.client.Get(s.key(locationID))
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil
		}
		if err != nil {
			return storageErr("delete", locationID, err)
		}
		prev, err := decodeEntry(item.Value)
		if err != nil {
			// Nothing to preserve.
			if err := s.client.Delete(s.key(locationID)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
				return storageErr("delete", locationID, err)
			}
			return nil
		}
		if prev.Deleted {
			return nil
		}
		raw, err := json.Marshal(entry{
			ForecastRecord: models.ForecastRecord{LocationID: locationID, Version: prev.Version},
			Deleted:        true,
		})
		if err != nil {
			return storageErr("delete", locationID, err)
		}
		item.Value = raw
		item.Expiration = s.expiration()
		err = s.client.CompareAndSwap(item)
		if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) {
			continue
		}
		if err != nil {
			return storageErr("delete", locationID, err)
		}
		return nil
	}
	return storageErr("delete", locationID, errors.New("too many concurrent writers"))
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping() error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
