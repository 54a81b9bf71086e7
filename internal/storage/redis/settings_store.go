package redis

import (
	"context"
	"strconv"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type settingsStore struct {
	client *redis.Client
}

// Get returns the deployment settings
func (s *settingsStore) Get(ctx context.Context) (*storage.Settings, error) {
	data, err := s.client.HGetAll(ctx, settingsKey).Result()
	if err != nil {
		return nil, err
	}

	return parseSettings(data)
}

// Put replaces the deployment settings
func (s *settingsStore) Put(ctx context.Context, settings storage.Settings) error {
	return s.client.HSet(ctx, settingsKey, map[string]interface{}{
		"time_zone":         settings.TimeZone,
		"rounding_minutes":  strconv.Itoa(settings.RoundingMinutes),
		"max_break_minutes": strconv.Itoa(settings.MaxBreakMinutes),
		"enforce_max_break": strconv.FormatBool(settings.EnforceMaxBreak),
	}).Err()
}

// GetOverride returns a user's sparse settings override
func (s *settingsStore) GetOverride(ctx context.Context, userID string) (*storage.SettingsOverride, error) {
	data, err := s.client.HGetAll(ctx, userSettingsKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	return parseSettingsOverride(data)
}

// PutOverride replaces a user's override. An empty override removes it.
func (s *settingsStore) PutOverride(ctx context.Context, userID string, override storage.SettingsOverride) error {
	key := userSettingsKey(userID)

	fields := make(map[string]interface{})
	if override.TimeZone != nil {
		fields["time_zone"] = *override.TimeZone
	}
	if override.RoundingMinutes != nil {
		fields["rounding_minutes"] = strconv.Itoa(*override.RoundingMinutes)
	}
	if override.MaxBreakMinutes != nil {
		fields["max_break_minutes"] = strconv.Itoa(*override.MaxBreakMinutes)
	}
	if override.EnforceMaxBreak != nil {
		fields["enforce_max_break"] = strconv.FormatBool(*override.EnforceMaxBreak)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
		}
		return nil
	})
	return err
}
