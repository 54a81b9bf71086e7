package api

import (
	"context"
	"fmt"

	"github.com/goodtune/ktime/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const defaultProfileCacheSize = 1024

// ProfileSync writes caller profiles to storage when they change. The last
// written profile per user is kept in an LRU so repeat requests skip the
// write.
type ProfileSync struct {
	store  storage.ProfileStore
	seen   *lru.Cache[string, storage.UserProfile]
	logger zerolog.Logger
}

// NewProfileSync creates a profile recorder
func NewProfileSync(store storage.ProfileStore, size int, logger zerolog.Logger) (*ProfileSync, error) {
	if size <= 0 {
		size = defaultProfileCacheSize
	}
	seen, err := lru.New[string, storage.UserProfile](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile cache: %w", err)
	}
	return &ProfileSync{
		store:  store,
		seen:   seen,
		logger: logger.With().Str("component", "profiles").Logger(),
	}, nil
}

// Observe records p unless it matches what was last written. Failures are
// logged and retried on the next request.
func (s *ProfileSync) Observe(ctx context.Context, p storage.UserProfile) {
	if p.ID == "" {
		return
	}
	if last, ok := s.seen.Get(p.ID); ok && last == p {
		return
	}

	if err := s.store.Upsert(ctx, p); err != nil {
		s.logger.Warn().Err(err).Str("user_id", p.ID).Msg("Failed to record user profile")
		return
	}
	s.seen.Add(p.ID, p)
}
