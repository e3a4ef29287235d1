// Package pgcatalog loads a role catalog from Postgres into memory. The
// engine only reads: catalog ownership and mutation stay with the backing
// service. Callers typically open the database with the pgx stdlib driver.
package pgcatalog

import (
	"context"
	"database/sql"
	"fmt"

	"finbridge.org/internal/rbac"
)

// Load reads permissions, roles, grants and inheritance edges into a fresh
// catalog. Unknown level strings fall back to read, keeping a malformed row
// from widening anyone's access.
func Load(ctx context.Context, db *sql.DB) (*rbac.Catalog, error) {
	if db == nil {
		return nil, fmt.Errorf("pgcatalog: database connection is required")
	}
	catalog := rbac.NewCatalog()

	if err := loadPermissions(ctx, db, catalog); err != nil {
		return nil, err
	}

	roles, order, err := loadRoles(ctx, db)
	if err != nil {
		return nil, err
	}
	if err := loadGrants(ctx, db, roles); err != nil {
		return nil, err
	}
	if err := loadParents(ctx, db, roles); err != nil {
		return nil, err
	}
	for _, id := range order {
		if err := catalog.UpsertRole(*roles[id]); err != nil {
			return nil, fmt.Errorf("pgcatalog: role %s: %w", id, err)
		}
	}
	return catalog, nil
}

func loadPermissions(ctx context.Context, db *sql.DB, catalog *rbac.Catalog) error {
	rows, err := db.QueryContext(ctx, `
		select id, resource, level
		from permissions
		order by id
	`)
	if err != nil {
		return fmt.Errorf("pgcatalog: query permissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, resource, level string
		if err := rows.Scan(&id, &resource, &level); err != nil {
			return fmt.Errorf("pgcatalog: scan permission: %w", err)
		}
		lvl, _ := rbac.ParseLevel(level)
		if err := catalog.UpsertPermission(rbac.Permission{ID: id, Resource: resource, Level: lvl}); err != nil {
			return fmt.Errorf("pgcatalog: permission %s: %w", id, err)
		}
	}
	return rows.Err()
}

func loadRoles(ctx context.Context, db *sql.DB) (map[string]*rbac.Role, []string, error) {
	rows, err := db.QueryContext(ctx, `
		select id, active
		from roles
		order by id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("pgcatalog: query roles: %w", err)
	}
	defer rows.Close()

	roles := make(map[string]*rbac.Role)
	order := make([]string, 0)
	for rows.Next() {
		var (
			id     string
			active bool
		)
		if err := rows.Scan(&id, &active); err != nil {
			return nil, nil, fmt.Errorf("pgcatalog: scan role: %w", err)
		}
		roles[id] = &rbac.Role{ID: id, Active: active}
		order = append(order, id)
	}
	return roles, order, rows.Err()
}

func loadGrants(ctx context.Context, db *sql.DB, roles map[string]*rbac.Role) error {
	rows, err := db.QueryContext(ctx, `
		select role_id, permission_id
		from role_permissions
		order by role_id, permission_id
	`)
	if err != nil {
		return fmt.Errorf("pgcatalog: query role permissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var roleID, permID string
		if err := rows.Scan(&roleID, &permID); err != nil {
			return fmt.Errorf("pgcatalog: scan role permission: %w", err)
		}
		if role, ok := roles[roleID]; ok {
			role.Permissions = append(role.Permissions, permID)
		}
	}
	return rows.Err()
}

// loadParents preserves position order: it fixes the metadata tie-break
// precedence between parents.
func loadParents(ctx context.Context, db *sql.DB, roles map[string]*rbac.Role) error {
	rows, err := db.QueryContext(ctx, `
		select role_id, parent_role_id
		from role_parents
		order by role_id, position
	`)
	if err != nil {
		return fmt.Errorf("pgcatalog: query role parents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var roleID, parentID string
		if err := rows.Scan(&roleID, &parentID); err != nil {
			return fmt.Errorf("pgcatalog: scan role parent: %w", err)
		}
		if role, ok := roles[roleID]; ok {
			role.InheritsFrom = append(role.InheritsFrom, parentID)
		}
	}
	return rows.Err()
}
