// Package persistence implements the optional snapshot writer/loader the
// spec's Non-goals leave room for: "durability (the cache is volatile,
// process-lifetime only)" rules out a durability guarantee, not a
// best-effort warm-restart convenience that stays off by default.
package persistence

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rizwan4701798/cacheserver/internal/cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Store is the subset of internal/cache.Engine persistence needs.
type Store interface {
	Snapshot() []cache.Snapshot
	Restore(entries []cache.Snapshot) int
}

// Snapshotter periodically writes the engine's live entries to disk and
// can load them back on cold start. Loads are collapsed through a
// singleflight.Group — the same mechanism the teacher's sharded_cache.go
// uses to dedupe concurrent cache-miss loader calls — so that concurrent
// LoadOnStartup calls share a single read of the snapshot file.
type Snapshotter struct {
	store  Store
	path   string
	logger zerolog.Logger
	group  singleflight.Group
}

// New constructs a Snapshotter writing to/reading from path.
func New(store Store, path string, logger zerolog.Logger) *Snapshotter {
	return &Snapshotter{store: store, path: path, logger: logger}
}

// LoadOnStartup reads path and restores its entries into the store. A
// missing file is not an error — there is simply nothing to warm up
// from. Any other read or decode failure is logged and ignored: per
// SPEC_FULL.md, persistence is advisory, never a reason to fail to boot.
func (s *Snapshotter) LoadOnStartup() {
	v, err, _ := s.group.Do("load", func() (any, error) {
		return s.load()
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("persistence: snapshot load failed, starting with an empty cache")
		return
	}
	entries := v.([]cache.Snapshot)
	if len(entries) == 0 {
		return
	}
	restored := s.store.Restore(entries)
	s.logger.Info().Int("restored", restored).Int("found", len(entries)).Str("path", s.path).Msg("persistence: snapshot loaded")
}

func (s *Snapshotter) load() ([]cache.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []cache.Snapshot
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Save writes the store's current contents to path, replacing it
// atomically via a temp-file rename so a crash mid-write never leaves a
// truncated snapshot behind.
func (s *Snapshotter) Save() error {
	entries := s.store.Snapshot()
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Run saves on a fixed cadence until ctx is canceled, then performs one
// final save so the most recent state survives a clean shutdown.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		s.saveQuietly()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.saveQuietly()
			return
		case <-ticker.C:
			s.saveQuietly()
		}
	}
}

func (s *Snapshotter) saveQuietly() {
	if err := s.Save(); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("persistence: snapshot save failed")
	}
}
