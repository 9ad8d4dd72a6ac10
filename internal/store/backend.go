package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend names accepted by Open.
const (
	BackendSQLite    = "sqlite"
	BackendMemory    = "memory"
	BackendMemcached = "memcached"
)

// BackendConfig selects and configures the store backend.
type BackendConfig struct {
	Kind         string
	Path         string // SQLite file; also holds saved locations for the memcached backend
	HistoryLimit int

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	MemcachedTTL          time.Duration
}

// Backend bundles the store roles the rest of the process needs. History is nil when the
// record store cannot serve superseded versions.
type Backend struct {
	Records  RecordStore
	Registry LocationRegistry
	History  HistoryReader

	pings  []func() error
	closes []func() error
}

// Open builds the configured backend. The memcached backend keeps forecast records in
// memcached and saved locations in a local SQLite file at cfg.Path.
func Open(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	switch cfg.Kind {
	case BackendMemory:
		m := NewInMemoryStore(cfg.HistoryLimit)
		return &Backend{Records: m, Registry: m, History: m}, nil
	case BackendSQLite, "":
		s, err := OpenSQLite(ctx, cfg.Path, cfg.HistoryLimit)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Records:  s,
			Registry: s,
			History:  s,
			pings:    []func() error{s.Ping},
			closes:   []func() error{s.Close},
		}, nil
	case BackendMemcached:
		s, err := OpenSQLite(ctx, cfg.Path, 0)
		if err != nil {
			return nil, err
		}
		mc := NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.MemcachedTTL)
		return &Backend{
			Records:  mc,
			Registry: s,
			pings:    []func() error{mc.Ping, s.Ping},
			closes:   []func() error{mc.Close, s.Close},
		}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Kind)
	}
}

// Ping checks every underlying store. Nil for the in-memory backend.
func (b *Backend) Ping() error {
	var errs []error
	for _, p := range b.pings {
		if err := p(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases every underlying store.
func (b *Backend) Close() error {
	var errs []error
	for _, c := range b.closes {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closes = nil
	return errors.Join(errs...)
}
