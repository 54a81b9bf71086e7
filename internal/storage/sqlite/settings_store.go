package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goodtune/ktime/internal/storage"
)

type settingsStore struct {
	read  *sql.DB
	write *sql.DB
}

func (s *settingsStore) Get(ctx context.Context) (*storage.Settings, error) {
	var settings storage.Settings
	var enforce int

	err := s.read.QueryRowContext(ctx, `
		SELECT time_zone, rounding_minutes, max_break_minutes, enforce_max_break
		FROM settings WHERE id = 1`).
		Scan(&settings.TimeZone, &settings.RoundingMinutes, &settings.MaxBreakMinutes, &enforce)
	if isNoRows(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	settings.EnforceMaxBreak = intToBool(enforce)
	return &settings, nil
}

func (s *settingsStore) Put(ctx context.Context, settings storage.Settings) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO settings (id, time_zone, rounding_minutes, max_break_minutes, enforce_max_break)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			time_zone = excluded.time_zone,
			rounding_minutes = excluded.rounding_minutes,
			max_break_minutes = excluded.max_break_minutes,
			enforce_max_break = excluded.enforce_max_break`,
		settings.TimeZone, settings.RoundingMinutes, settings.MaxBreakMinutes, boolToInt(settings.EnforceMaxBreak))
	if err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

func (s *settingsStore) GetOverride(ctx context.Context, userID string) (*storage.SettingsOverride, error) {
	var timeZone sql.NullString
	var rounding, maxBreak, enforce sql.NullInt64

	err := s.read.QueryRowContext(ctx, `
		SELECT time_zone, rounding_minutes, max_break_minutes, enforce_max_break
		FROM settings_overrides WHERE user_id = ?`, userID).
		Scan(&timeZone, &rounding, &maxBreak, &enforce)
	if isNoRows(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings override: %w", err)
	}

	var override storage.SettingsOverride
	if timeZone.Valid {
		override.TimeZone = &timeZone.String
	}
	if rounding.Valid {
		v := int(rounding.Int64)
		override.RoundingMinutes = &v
	}
	if maxBreak.Valid {
		v := int(maxBreak.Int64)
		override.MaxBreakMinutes = &v
	}
	if enforce.Valid {
		v := enforce.Int64 != 0
		override.EnforceMaxBreak = &v
	}
	return &override, nil
}

// PutOverride replaces the user's override. An empty override deletes it.
func (s *settingsStore) PutOverride(ctx context.Context, userID string, override storage.SettingsOverride) error {
	if override.IsEmpty() {
		if _, err := s.write.ExecContext(ctx, `DELETE FROM settings_overrides WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("deleting settings override: %w", err)
		}
		return nil
	}

	var enforce any
	if override.EnforceMaxBreak != nil {
		enforce = boolToInt(*override.EnforceMaxBreak)
	}

	_, err := s.write.ExecContext(ctx, `
		INSERT INTO settings_overrides (user_id, time_zone, rounding_minutes, max_break_minutes, enforce_max_break)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			time_zone = excluded.time_zone,
			rounding_minutes = excluded.rounding_minutes,
			max_break_minutes = excluded.max_break_minutes,
			enforce_max_break = excluded.enforce_max_break`,
		userID,
		nullableString(override.TimeZone),
		nullableInt(override.RoundingMinutes),
		nullableInt(override.MaxBreakMinutes),
		enforce,
	)
	if err != nil {
		return fmt.Errorf("writing settings override: %w", err)
	}
	return nil
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
