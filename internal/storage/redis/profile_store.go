package redis

import (
	"context"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type profileStore struct {
	client *redis.Client
}

// Upsert records a user's identity fields, writing only what changed
func (s *profileStore) Upsert(ctx context.Context, profile storage.UserProfile) error {
	keys := []string{profileKey(profile.ID)}
	args := []interface{}{
		"id", profile.ID,
		"username", profile.Username,
		"name", profile.Name,
		"email", profile.Email,
	}

	return putProfileScript.Run(ctx, s.client, keys, args...).Err()
}

// GetMany loads profiles for the given users. Unknown users are omitted.
func (s *profileStore) GetMany(ctx context.Context, ids []string) (map[string]storage.UserProfile, error) {
	profiles := make(map[string]storage.UserProfile, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}

	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(ids))
	for _, id := range ids {
		if _, ok := cmds[id]; ok {
			continue
		}
		cmds[id] = pipe.HGetAll(ctx, profileKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for id, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		profiles[id] = storage.UserProfile{
			ID:       id,
			Username: data["username"],
			Name:     data["name"],
			Email:    data["email"],
		}
	}

	return profiles, nil
}
