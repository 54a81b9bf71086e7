package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/ktime/internal/storage"
)

const (
	keyPrefix       = "ktime:"
	openSessionsSet = keyPrefix + "sessions:open"
	settingsKey     = keyPrefix + "settings"
)

func sessionKey(id string) string {
	return keyPrefix + "session:" + id
}

func userOpenKey(userID string) string {
	return keyPrefix + "user:" + userID + ":open"
}

func userRevKey(userID string) string {
	return keyPrefix + "user:" + userID + ":rev"
}

func userSessionsKey(userID string) string {
	return keyPrefix + "user:" + userID + ":sessions"
}

// userEndedKey indexes closed sessions by end time for overlap queries.
func userEndedKey(userID string) string {
	return keyPrefix + "user:" + userID + ":ended"
}

func userSettingsKey(userID string) string {
	return keyPrefix + "settings:user:" + userID
}

func profileKey(userID string) string {
	return keyPrefix + "profile:" + userID
}

// scoreOf is the sorted-set score for a start timestamp (unix milliseconds).
func scoreOf(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// sessionFields flattens a session into hash fields.
func sessionFields(s storage.WorkSession) (map[string]interface{}, error) {
	breaks := s.Breaks
	if breaks == nil {
		breaks = []storage.BreakInterval{}
	}
	encoded, err := json.Marshal(breaks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode breaks: %w", err)
	}

	return map[string]interface{}{
		"id":         s.ID,
		"user_id":    s.UserID,
		"started_at": formatTime(&s.StartedAt),
		"ended_at":   formatTime(s.EndedAt),
		"notes":      s.Notes,
		"client_ip":  s.Client.IP,
		"user_agent": s.Client.UserAgent,
		"breaks":     string(encoded),
		"created_at": formatTime(&s.CreatedAt),
		"updated_at": formatTime(&s.UpdatedAt),
	}, nil
}

// parseWorkSession converts a Redis hash to WorkSession
func parseWorkSession(data map[string]string) (*storage.WorkSession, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startedAt, err := time.Parse(time.RFC3339Nano, data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	endedAt, err := parseOptionalTime(data["ended_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse ended_at: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	var breaks []storage.BreakInterval
	if raw := data["breaks"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &breaks); err != nil {
			return nil, fmt.Errorf("failed to parse breaks: %w", err)
		}
	}

	return &storage.WorkSession{
		ID:        data["id"],
		UserID:    data["user_id"],
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Notes:     data["notes"],
		Client: storage.ClientContext{
			IP:        data["client_ip"],
			UserAgent: data["user_agent"],
		},
		Breaks:    breaks,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

// parseSettings converts a Redis hash to Settings
func parseSettings(data map[string]string) (*storage.Settings, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	rounding, err := strconv.Atoi(data["rounding_minutes"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse rounding_minutes: %w", err)
	}

	maxBreak, err := strconv.Atoi(data["max_break_minutes"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse max_break_minutes: %w", err)
	}

	enforce, err := strconv.ParseBool(data["enforce_max_break"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse enforce_max_break: %w", err)
	}

	return &storage.Settings{
		TimeZone:        data["time_zone"],
		RoundingMinutes: rounding,
		MaxBreakMinutes: maxBreak,
		EnforceMaxBreak: enforce,
	}, nil
}

// parseSettingsOverride converts a sparse Redis hash to SettingsOverride
func parseSettingsOverride(data map[string]string) (*storage.SettingsOverride, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	var o storage.SettingsOverride
	if v, ok := data["time_zone"]; ok {
		o.TimeZone = &v
	}
	if v, ok := data["rounding_minutes"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse rounding_minutes: %w", err)
		}
		o.RoundingMinutes = &n
	}
	if v, ok := data["max_break_minutes"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse max_break_minutes: %w", err)
		}
		o.MaxBreakMinutes = &n
	}
	if v, ok := data["enforce_max_break"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse enforce_max_break: %w", err)
		}
		o.EnforceMaxBreak = &b
	}

	return &o, nil
}
