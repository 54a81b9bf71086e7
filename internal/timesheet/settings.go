package timesheet

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/ktime/internal/storage"
)

// SettingsService resolves the settings in effect for a user: the stored
// deployment settings (or the configured defaults when none are stored)
// with the user's override applied.
type SettingsService struct {
	store    storage.SettingsStore
	defaults storage.Settings
}

// NewSettingsService creates a settings resolver
func NewSettingsService(store storage.SettingsStore, defaults storage.Settings) *SettingsService {
	return &SettingsService{store: store, defaults: defaults}
}

// Global returns the deployment settings.
func (s *SettingsService) Global(ctx context.Context) (storage.Settings, error) {
	settings, err := s.store.Get(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return s.defaults, nil
	}
	if err != nil {
		return storage.Settings{}, storageError("get settings", err)
	}
	return *settings, nil
}

// Effective returns the settings that apply to userID.
func (s *SettingsService) Effective(ctx context.Context, userID string) (storage.Settings, error) {
	global, err := s.Global(ctx)
	if err != nil {
		return storage.Settings{}, err
	}

	override, err := s.store.GetOverride(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return global, nil
	}
	if err != nil {
		return storage.Settings{}, storageError("get settings override", err)
	}

	return global.Apply(override), nil
}

// Location returns the effective time zone for userID.
func (s *SettingsService) Location(ctx context.Context, userID string) (*time.Location, storage.Settings, error) {
	settings, err := s.Effective(ctx, userID)
	if err != nil {
		return nil, settings, err
	}

	loc, err := settings.Location()
	if err != nil {
		// Validated on write, so only a manual edit gets here
		return nil, settings, storageError("load time zone", err)
	}
	return loc, settings, nil
}

// UpdateGlobal validates and stores the deployment settings.
func (s *SettingsService) UpdateGlobal(ctx context.Context, settings storage.Settings) (storage.Settings, error) {
	if err := settings.Validate(); err != nil {
		return storage.Settings{}, Validationf("%v", err)
	}
	if err := s.store.Put(ctx, settings); err != nil {
		return storage.Settings{}, storageError("put settings", err)
	}
	return settings, nil
}

// UpdateUser stores a per-user override and returns the resulting effective
// settings. An empty override clears it.
func (s *SettingsService) UpdateUser(ctx context.Context, userID string, override storage.SettingsOverride) (storage.Settings, error) {
	if userID == "" {
		return storage.Settings{}, Validationf("user_id is required")
	}

	global, err := s.Global(ctx)
	if err != nil {
		return storage.Settings{}, err
	}

	merged := global.Apply(&override)
	if err := merged.Validate(); err != nil {
		return storage.Settings{}, Validationf("%v", err)
	}

	if err := s.store.PutOverride(ctx, userID, override); err != nil {
		return storage.Settings{}, storageError("put settings override", err)
	}
	return merged, nil
}
