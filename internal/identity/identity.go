// Package identity resolves user identity and entitlements at
// connection-registration time. The engine does not authenticate; it
// consumes whatever the surrounding application's persistence layer
// asserts about a user.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/propline/coord/internal/event"
)

// ErrNotFound is returned when the user is unknown to the directory.
var ErrNotFound = errors.New("identity: user not found")

// Profile is what the directory knows about a user: their professional
// role and the correlation keys (transactions, projects) they are
// entitled to follow. Entitlements drive room auto-subscription.
type Profile struct {
	UserID       string
	Role         event.Role
	DisplayName  string
	Transactions []string // transaction IDs the user participates in
	Projects     []string // project IDs the user participates in
}

// Directory looks up user profiles.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*Profile, error)
	Close() error
}

// StaticDirectory is an in-memory Directory used in tests and in
// deployments without a participant database.
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewStatic creates an empty static directory.
func NewStatic() *StaticDirectory {
	return &StaticDirectory{profiles: make(map[string]*Profile)}
}

// Put stores or replaces a profile.
func (d *StaticDirectory) Put(p *Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.UserID] = p
}

// Lookup implements Directory.
func (d *StaticDirectory) Lookup(_ context.Context, userID string) (*Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// Close implements Directory.
func (d *StaticDirectory) Close() error { return nil }
