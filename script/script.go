// Package script holds script templates and the repository they are loaded from.
package script

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("script template not found")

// Template is a named script body that can be run on the host.
type Template struct {
	ID          string
	WorkspaceID string
	Name        string
	Body        string
	// LastRunUser is the display name of the operator who last started or stopped the template.
	LastRunUser string
	ModifyTime  time.Time
}

// Repository looks up and persists script templates.
// Get returns ErrNotFound when there is no template with the given ID.
type Repository interface {
	Get(ctx context.Context, id string) (*Template, error)
	Update(ctx context.Context, t *Template) error
}
