package rbac

import (
	"sort"
	"strings"
	"sync"
)

// Resolver computes effective permission sets with memoization. It never
// returns an error: unknown role ids contribute nothing and cycles terminate
// via the visited set, so an authorization check always produces an answer.
type Resolver struct {
	catalog *Catalog

	mu          sync.Mutex
	memoVersion uint64
	memo        map[string]map[string]Permission
}

// NewResolver binds a resolver to a catalog.
func NewResolver(catalog *Catalog) *Resolver {
	return &Resolver{
		catalog: catalog,
		memo:    make(map[string]map[string]Permission),
	}
}

// EffectivePermissions returns the union of permissions reachable from every
// role in the set via active-role inheritance, keyed by permission id. The
// returned map is the caller's to keep.
func (r *Resolver) EffectivePermissions(roleIDs ...string) map[string]Permission {
	key := memoKey(roleIDs)

	r.mu.Lock()
	version := r.catalog.Version()
	if version != r.memoVersion {
		// Catalog changed: drop every cached set at once.
		r.memo = make(map[string]map[string]Permission)
		r.memoVersion = version
	}
	if cached, ok := r.memo[key]; ok {
		r.mu.Unlock()
		return clonePermissions(cached)
	}
	r.mu.Unlock()

	resolved := r.resolve(roleIDs)

	r.mu.Lock()
	// A concurrent mutation between resolve and store would leave a stale
	// entry; only cache against the version the resolution started from.
	if r.catalog.Version() == version && r.memoVersion == version {
		r.memo[key] = resolved
	}
	r.mu.Unlock()

	return clonePermissions(resolved)
}

// HasPermission reports whether the role set grants the permission id. When
// resource is non-empty the matched permission's resource must equal it
// exactly; no wildcard semantics apply.
func (r *Resolver) HasPermission(roleIDs []string, permID, resource string) bool {
	perm, ok := r.EffectivePermissions(roleIDs...)[permID]
	if !ok {
		return false
	}
	if resource != "" && perm.Resource != resource {
		return false
	}
	return true
}

// GrantsAtLeast reports whether any effective permission on the resource
// carries at least the given level. This backs UI affordances only and is
// never used in place of HasPermission for enforcement.
func (r *Resolver) GrantsAtLeast(roleIDs []string, resource string, min Level) bool {
	for _, perm := range r.EffectivePermissions(roleIDs...) {
		if perm.Resource == resource && perm.Level.AtLeast(min) {
			return true
		}
	}
	return false
}

// resolve walks the inheritance graph iteratively. A role already visited in
// the current resolution is never re-expanded, which both terminates cycles
// and guarantees each role contributes its direct permissions exactly once.
func (r *Resolver) resolve(roleIDs []string) map[string]Permission {
	result := make(map[string]Permission)
	r.catalog.view(func(roles map[string]Role, perms map[string]Permission, _ uint64) {
		visited := make(map[string]struct{})
		stack := make([]string, 0, len(roleIDs))
		// Push in reverse so the pre-order walk honors assignment order for
		// metadata tie-breaks.
		for i := len(roleIDs) - 1; i >= 0; i-- {
			stack = append(stack, strings.TrimSpace(roleIDs[i]))
		}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if id == "" {
				continue
			}
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}

			role, ok := roles[id]
			if !ok || !role.Active {
				continue
			}
			for _, pid := range role.Permissions {
				if _, taken := result[pid]; taken {
					// First contributor fixes the metadata.
					continue
				}
				if perm, known := perms[pid]; known {
					result[pid] = perm
				} else {
					result[pid] = Permission{ID: pid}
				}
			}
			for i := len(role.InheritsFrom) - 1; i >= 0; i-- {
				stack = append(stack, role.InheritsFrom[i])
			}
		}
	})
	return result
}

// memoKey is order-independent: the sorted, deduplicated role id tuple.
func memoKey(roleIDs []string) string {
	ids := make([]string, 0, len(roleIDs))
	seen := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, "\x1f")
}

func clonePermissions(src map[string]Permission) map[string]Permission {
	out := make(map[string]Permission, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
