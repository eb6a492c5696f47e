// Package persistence stores agent knowledge snapshots so agents can be
// rehydrated after a restart. Writes are last-writer-wins per agent id.
package persistence

import (
	"context"
	"fmt"
	"strings"

	"conclave/pkg/config"
)

// Store is the save/load contract agents are persisted through.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns ErrNotFound when nothing was saved for agentID.
	Load(ctx context.Context, agentID string) (*Snapshot, error)
	Delete(ctx context.Context, agentID string) error
	// List returns the ids of every persisted agent, sorted.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg *config.PersistenceConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case config.PersistenceDriverSQLite, "":
		return OpenSQLite(cfg.SQLitePath)
	case config.PersistenceDriverRedis:
		return OpenRedis(ctx, &cfg.Redis)
	case config.PersistenceDriverNone:
		return NopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}

// NopStore discards saves and never finds anything.
type NopStore struct{}

// Save implements Store.
func (NopStore) Save(context.Context, *Snapshot) error { return nil }

// Load implements Store.
func (NopStore) Load(context.Context, string) (*Snapshot, error) { return nil, ErrNotFound }

// Delete implements Store.
func (NopStore) Delete(context.Context, string) error { return nil }

// List implements Store.
func (NopStore) List(context.Context) ([]string, error) { return nil, nil }

// Close implements Store.
func (NopStore) Close() error { return nil }
