// Package identity carries the authenticated caller through a request.
package identity

import (
	"context"
	"slices"

	"github.com/goodtune/ktime/internal/storage"
)

// Subject is the caller as presented by the authentication collaborator.
type Subject struct {
	ID          string   `json:"id"`
	Username    string   `json:"username,omitempty"`
	Name        string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// HasPermission reports whether the subject carries the named permission.
func (s Subject) HasPermission(permission string) bool {
	return slices.Contains(s.Permissions, permission)
}

// Profile returns the identity fields cached for search.
func (s Subject) Profile() storage.UserProfile {
	return storage.UserProfile{
		ID:       s.ID,
		Username: s.Username,
		Name:     s.Name,
		Email:    s.Email,
	}
}

type contextKey struct{}

// WithSubject returns a copy of ctx carrying s.
func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the subject stored in ctx, if any.
func FromContext(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(contextKey{}).(Subject)
	return s, ok
}
