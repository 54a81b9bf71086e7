package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/goodtune/ktime/internal/storage"
)

type profileStore struct {
	read  *sql.DB
	write *sql.DB
}

func (s *profileStore) Upsert(ctx context.Context, profile storage.UserProfile) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO user_profiles (id, username, name, email)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			name = excluded.name,
			email = excluded.email,
			updated_at = CURRENT_TIMESTAMP`,
		profile.ID, profile.Username, profile.Name, profile.Email)
	if err != nil {
		return fmt.Errorf("upserting profile %s: %w", profile.ID, err)
	}
	return nil
}

func (s *profileStore) GetMany(ctx context.Context, ids []string) (map[string]storage.UserProfile, error) {
	profiles := make(map[string]storage.UserProfile, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.read.QueryContext(ctx,
		`SELECT id, username, name, email FROM user_profiles WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p storage.UserProfile
		if err := rows.Scan(&p.ID, &p.Username, &p.Name, &p.Email); err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		profiles[p.ID] = p
	}
	return profiles, rows.Err()
}
