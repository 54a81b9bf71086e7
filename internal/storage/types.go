package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the status of a work session, derived from its end timestamp.
type SessionStatus string

const (
	StatusOpen   SessionStatus = "OPEN"
	StatusClosed SessionStatus = "CLOSED"
)

// ParseSessionStatus normalizes a status string to uppercase and validates it.
func ParseSessionStatus(s string) (SessionStatus, error) {
	normalized := SessionStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch normalized {
	case StatusOpen, StatusClosed:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid status: %s (must be OPEN or CLOSED)", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize status to uppercase.
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSessionStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ClientContext captures where a session was started from.
type ClientContext struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// BreakInterval is a rest break nested inside a work session.
type BreakInterval struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	ExceededMax bool       `json:"exceeded_max,omitempty"`
	Capped      bool       `json:"capped,omitempty"`
}

// IsOpen reports whether the break is still ongoing.
func (b BreakInterval) IsOpen() bool {
	return b.EndedAt == nil
}

// WorkSession is a single clock-in/clock-out interval owned by one user.
// The session owns its breaks; both are always persisted together.
type WorkSession struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Notes     string          `json:"notes"`
	Client    ClientContext   `json:"client"`
	Breaks    []BreakInterval `json:"breaks"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Status derives the session status from the end timestamp.
func (s WorkSession) Status() SessionStatus {
	if s.EndedAt == nil {
		return StatusOpen
	}
	return StatusClosed
}

// IsOpen reports whether the session has no end timestamp yet.
func (s WorkSession) IsOpen() bool {
	return s.EndedAt == nil
}

// OpenBreak returns the ongoing break, or nil.
func (s *WorkSession) OpenBreak() *BreakInterval {
	for i := range s.Breaks {
		if s.Breaks[i].IsOpen() {
			return &s.Breaks[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (s WorkSession) Clone() WorkSession {
	out := s
	if s.EndedAt != nil {
		end := *s.EndedAt
		out.EndedAt = &end
	}
	out.Breaks = make([]BreakInterval, len(s.Breaks))
	for i, b := range s.Breaks {
		if b.EndedAt != nil {
			end := *b.EndedAt
			b.EndedAt = &end
		}
		out.Breaks[i] = b
	}
	return out
}

// MarshalJSON adds the derived status to the encoded session.
func (s WorkSession) MarshalJSON() ([]byte, error) {
	type alias WorkSession
	breaks := s.Breaks
	if breaks == nil {
		breaks = []BreakInterval{}
	}
	a := alias(s)
	a.Breaks = breaks
	return json.Marshal(struct {
		alias
		Status SessionStatus `json:"status"`
	}{alias: a, Status: s.Status()})
}

// Settings holds the tracking configuration for a deployment or, after an
// override is applied, for a single user.
type Settings struct {
	TimeZone        string `json:"time_zone"`
	RoundingMinutes int    `json:"rounding_minutes"`
	MaxBreakMinutes int    `json:"max_break_minutes"`
	EnforceMaxBreak bool   `json:"enforce_max_break"`
}

// Location loads the configured time zone. An empty zone means UTC.
func (s Settings) Location() (*time.Location, error) {
	if s.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.TimeZone)
}

// Validate checks the settings for out-of-policy values.
func (s Settings) Validate() error {
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("invalid time zone %q: %w", s.TimeZone, err)
	}
	if s.RoundingMinutes < 0 || s.RoundingMinutes > 24*60 {
		return fmt.Errorf("rounding_minutes must be between 0 and 1440, got %d", s.RoundingMinutes)
	}
	if s.MaxBreakMinutes < 0 {
		return fmt.Errorf("max_break_minutes must not be negative, got %d", s.MaxBreakMinutes)
	}
	return nil
}

// SettingsOverride is a sparse per-user override; nil fields inherit.
type SettingsOverride struct {
	TimeZone        *string `json:"time_zone,omitempty"`
	RoundingMinutes *int    `json:"rounding_minutes,omitempty"`
	MaxBreakMinutes *int    `json:"max_break_minutes,omitempty"`
	EnforceMaxBreak *bool   `json:"enforce_max_break,omitempty"`
}

// IsEmpty reports whether the override sets nothing.
func (o SettingsOverride) IsEmpty() bool {
	return o.TimeZone == nil && o.RoundingMinutes == nil && o.MaxBreakMinutes == nil && o.EnforceMaxBreak == nil
}

// Apply returns s with every field set in o replaced.
func (s Settings) Apply(o *SettingsOverride) Settings {
	if o == nil {
		return s
	}
	if o.TimeZone != nil {
		s.TimeZone = *o.TimeZone
	}
	if o.RoundingMinutes != nil {
		s.RoundingMinutes = *o.RoundingMinutes
	}
	if o.MaxBreakMinutes != nil {
		s.MaxBreakMinutes = *o.MaxBreakMinutes
	}
	if o.EnforceMaxBreak != nil {
		s.EnforceMaxBreak = *o.EnforceMaxBreak
	}
	return s
}

// UserProfile is the identity snapshot last presented by the auth layer.
type UserProfile struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}

// SessionQuery selects a user's sessions. Zero times are unbounded.
type SessionQuery struct {
	// StartedFrom is the inclusive lower bound on the start timestamp.
	StartedFrom time.Time
	// StartedBefore is the exclusive upper bound on the start timestamp.
	StartedBefore time.Time
	// ActiveAfter keeps only sessions that are still open or ended after it.
	ActiveAfter time.Time
}

// Matches reports whether the session satisfies the query.
func (q SessionQuery) Matches(s WorkSession) bool {
	if !q.StartedFrom.IsZero() && s.StartedAt.Before(q.StartedFrom) {
		return false
	}
	if !q.StartedBefore.IsZero() && !s.StartedAt.Before(q.StartedBefore) {
		return false
	}
	if !q.ActiveAfter.IsZero() && s.EndedAt != nil && !s.EndedAt.After(q.ActiveAfter) {
		return false
	}
	return true
}
