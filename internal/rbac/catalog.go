package rbac

import (
	"errors"
	"strings"
	"sync"
)

// ErrInvalidInput marks catalog mutations with missing identifiers.
var ErrInvalidInput = errors.New("rbac: invalid input")

// Catalog is the in-memory role and permission registry. Every mutation bumps
// a version counter; resolvers use the counter to invalidate memoized results
// wholesale rather than tracking staleness per role.
type Catalog struct {
	mu      sync.RWMutex
	roles   map[string]Role
	perms   map[string]Permission
	version uint64
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		roles: make(map[string]Role),
		perms: make(map[string]Permission),
	}
}

// UpsertPermission registers or replaces a permission definition.
func (c *Catalog) UpsertPermission(p Permission) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perms[p.ID] = p
	c.version++
	return nil
}

// UpsertRole registers or replaces a role.
func (c *Catalog) UpsertRole(r Role) error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roles[r.ID] = r
	c.version++
	return nil
}

// DeleteRole removes a role. Deleting an unknown role still bumps the
// version: callers treat any mutation attempt as a catalog change.
func (c *Catalog) DeleteRole(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.roles, id)
	c.version++
}

// Role returns a role by id.
func (c *Catalog) Role(id string) (Role, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.roles[id]
	return r, ok
}

// Permission returns a permission definition by id.
func (c *Catalog) Permission(id string) (Permission, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.perms[id]
	return p, ok
}

// Version returns the current mutation counter.
func (c *Catalog) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// view calls fn while holding the read lock so a resolution sees one
// consistent catalog state.
func (c *Catalog) view(fn func(roles map[string]Role, perms map[string]Permission, version uint64)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(c.roles, c.perms, c.version)
}
