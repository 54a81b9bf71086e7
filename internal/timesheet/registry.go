package timesheet

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/goodtune/ktime/internal/clock"
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/rs/zerolog"
)

const (
	DefaultPage     = 1
	DefaultLimit    = 10
	DefaultMaxLimit = 100
)

// ActiveSession is an open session joined with its owner's profile.
type ActiveSession struct {
	Session        storage.WorkSession `json:"session"`
	User           storage.UserProfile `json:"user"`
	State          State               `json:"state"`
	ElapsedSeconds int64               `json:"elapsed_seconds"`
}

// ActiveFilter narrows the active-session view. Zero times are unbounded;
// From is inclusive and To exclusive on the session start.
type ActiveFilter struct {
	From   time.Time
	To     time.Time
	Search string
}

// HistoryFilter narrows a user's session history by start time and status.
type HistoryFilter struct {
	From   time.Time
	To     time.Time
	Status storage.SessionStatus
}

// PageRequest selects a page of results. Zero values take the defaults.
type PageRequest struct {
	Page  int
	Limit int
}

// Page is the pagination envelope for session history.
type Page struct {
	Items []storage.WorkSession `json:"items"`
	Total int                   `json:"total"`
	Page  int                   `json:"page"`
	Limit int                   `json:"limit"`
	Pages int                   `json:"pages"`
}

// Registry answers read-only questions about sessions.
type Registry struct {
	sessions storage.SessionStore
	profiles storage.ProfileStore
	clock    clock.Clock
	maxLimit int
	logger   zerolog.Logger
}

// NewRegistry creates a registry. maxLimit caps the page size.
func NewRegistry(sessions storage.SessionStore, profiles storage.ProfileStore, clk clock.Clock, maxLimit int, logger zerolog.Logger) *Registry {
	if maxLimit <= 0 {
		maxLimit = DefaultMaxLimit
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Registry{
		sessions: sessions,
		profiles: profiles,
		clock:    clk,
		maxLimit: maxLimit,
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// ListActive returns every open session matching the filter, oldest first.
func (r *Registry) ListActive(ctx context.Context, filter ActiveFilter) ([]ActiveSession, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, Validationf("'to' must not be before 'from'")
	}

	open, err := r.sessions.ListOpenSessions(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list open sessions")
		return nil, storageError("list open sessions", err)
	}
	metrics.OpenSessions.Set(float64(len(open)))

	userIDs := make([]string, 0, len(open))
	for _, session := range open {
		userIDs = append(userIDs, session.UserID)
	}

	profiles, err := r.profiles.GetMany(ctx, userIDs)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to load user profiles")
		return nil, storageError("get profiles", err)
	}

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	now := r.clock.Now()

	active := make([]ActiveSession, 0, len(open))
	for _, session := range open {
		if !filter.From.IsZero() && session.StartedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !session.StartedAt.Before(filter.To) {
			continue
		}

		profile, ok := profiles[session.UserID]
		if !ok {
			profile = storage.UserProfile{ID: session.UserID}
		}
		if search != "" && !matchesSearch(profile, search) {
			continue
		}

		elapsed := now.Sub(session.StartedAt)
		if elapsed < 0 {
			elapsed = 0
		}

		active = append(active, ActiveSession{
			Session:        session,
			User:           profile,
			State:          StateOf(&session),
			ElapsedSeconds: int64(elapsed / time.Second),
		})
	}

	slices.SortStableFunc(active, func(a, b ActiveSession) int {
		return a.Session.StartedAt.Compare(b.Session.StartedAt)
	})

	return active, nil
}

func matchesSearch(p storage.UserProfile, needle string) bool {
	for _, field := range []string{p.ID, p.Username, p.Name, p.Email} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// ListUserSessions returns a page of the user's sessions, newest first.
func (r *Registry) ListUserSessions(ctx context.Context, userID string, req PageRequest, filter HistoryFilter) (*Page, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, Validationf("'to' must not be before 'from'")
	}

	page, limit := r.normalize(req)

	sessions, err := r.sessions.ListUserSessions(ctx, userID, storage.SessionQuery{
		StartedFrom:   filter.From,
		StartedBefore: filter.To,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list user sessions")
		return nil, storageError("list user sessions", err)
	}

	if filter.Status != "" {
		sessions = slices.DeleteFunc(sessions, func(s storage.WorkSession) bool {
			return s.Status() != filter.Status
		})
	}
	slices.Reverse(sessions)

	total := len(sessions)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	pages := (total + limit - 1) / limit

	return &Page{
		Items: sessions[start:end],
		Total: total,
		Page:  page,
		Limit: limit,
		Pages: pages,
	}, nil
}

func (r *Registry) normalize(req PageRequest) (int, int) {
	page, limit := req.Page, req.Limit
	if page < 1 {
		page = DefaultPage
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > r.maxLimit {
		limit = r.maxLimit
	}
	return page, limit
}
