package rbac

import (
	"testing"
)

func seedCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := NewCatalog()
	perms := []Permission{
		{ID: "read:wallet", Resource: "wallet", Level: LevelRead},
		{ID: "write:wallet", Resource: "wallet", Level: LevelWrite},
		{ID: "admin:cards", Resource: "cards", Level: LevelAdmin},
	}
	for _, p := range perms {
		if err := c.UpsertPermission(p); err != nil {
			t.Fatalf("UpsertPermission(%s): %v", p.ID, err)
		}
	}
	roles := []Role{
		{ID: "viewer", Permissions: []string{"read:wallet"}, Active: true},
		{ID: "manager", Permissions: []string{"write:wallet"}, InheritsFrom: []string{"viewer"}, Active: true},
		{ID: "card_admin", Permissions: []string{"admin:cards"}, Active: true},
		{ID: "retired", Permissions: []string{"admin:cards"}, Active: false},
	}
	for _, r := range roles {
		if err := c.UpsertRole(r); err != nil {
			t.Fatalf("UpsertRole(%s): %v", r.ID, err)
		}
	}
	return c
}

func TestPermissionInheritance(t *testing.T) {
	resolver := NewResolver(seedCatalog(t))

	got := resolver.EffectivePermissions("manager")
	if len(got) != 2 {
		t.Fatalf("expected 2 permissions for manager, got %v", got)
	}
	for _, id := range []string{"read:wallet", "write:wallet"} {
		if _, ok := got[id]; !ok {
			t.Fatalf("manager missing %s: %v", id, got)
		}
	}

	viewerOnly := resolver.EffectivePermissions("viewer")
	if len(viewerOnly) != 1 {
		t.Fatalf("expected viewer to hold only its direct permission, got %v", viewerOnly)
	}
	if _, ok := viewerOnly["read:wallet"]; !ok {
		t.Fatalf("viewer missing read:wallet: %v", viewerOnly)
	}
}

func TestCycleTerminatesAndContributesOnce(t *testing.T) {
	c := NewCatalog()
	if err := c.UpsertPermission(Permission{ID: "a:perm", Resource: "a", Level: LevelRead}); err != nil {
		t.Fatal(err)
	}
	if err := c.UpsertPermission(Permission{ID: "b:perm", Resource: "b", Level: LevelRead}); err != nil {
		t.Fatal(err)
	}
	if err := c.UpsertRole(Role{ID: "a", Permissions: []string{"a:perm"}, InheritsFrom: []string{"b"}, Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := c.UpsertRole(Role{ID: "b", Permissions: []string{"b:perm"}, InheritsFrom: []string{"a"}, Active: true}); err != nil {
		t.Fatal(err)
	}

	got := NewResolver(c).EffectivePermissions("a")
	if len(got) != 2 {
		t.Fatalf("expected exactly the union of a and b permissions, got %v", got)
	}
}

func TestSelfInheritanceTerminates(t *testing.T) {
	c := NewCatalog()
	if err := c.UpsertRole(Role{ID: "loop", Permissions: []string{"p"}, InheritsFrom: []string{"loop"}, Active: true}); err != nil {
		t.Fatal(err)
	}
	got := NewResolver(c).EffectivePermissions("loop")
	if len(got) != 1 {
		t.Fatalf("expected single permission, got %v", got)
	}
}

func TestInactiveRolesAreSkipped(t *testing.T) {
	c := seedCatalog(t)
	if err := c.UpsertRole(Role{ID: "escalator", InheritsFrom: []string{"retired"}, Active: true}); err != nil {
		t.Fatal(err)
	}
	resolver := NewResolver(c)

	if got := resolver.EffectivePermissions("retired"); len(got) != 0 {
		t.Fatalf("inactive role must contribute nothing, got %v", got)
	}
	if got := resolver.EffectivePermissions("escalator"); len(got) != 0 {
		t.Fatalf("inheritance must not traverse inactive roles, got %v", got)
	}
}

func TestUnknownRolesContributeNothing(t *testing.T) {
	resolver := NewResolver(seedCatalog(t))
	got := resolver.EffectivePermissions("viewer", "ghost")
	if len(got) != 1 {
		t.Fatalf("unknown role must be ignored, got %v", got)
	}
}

func TestHasPermissionResourceMatch(t *testing.T) {
	resolver := NewResolver(seedCatalog(t))
	roles := []string{"manager"}

	if !resolver.HasPermission(roles, "write:wallet", "") {
		t.Fatal("expected write:wallet without resource filter")
	}
	if !resolver.HasPermission(roles, "write:wallet", "wallet") {
		t.Fatal("expected write:wallet on wallet")
	}
	if resolver.HasPermission(roles, "write:wallet", "cards") {
		t.Fatal("resource mismatch must deny")
	}
	if resolver.HasPermission(roles, "admin:cards", "") {
		t.Fatal("permission not granted to manager")
	}
}

func TestGrantsAtLeast(t *testing.T) {
	resolver := NewResolver(seedCatalog(t))

	if !resolver.GrantsAtLeast([]string{"manager"}, "wallet", LevelWrite) {
		t.Fatal("manager should grant at least write on wallet")
	}
	if resolver.GrantsAtLeast([]string{"viewer"}, "wallet", LevelWrite) {
		t.Fatal("viewer should not grant write on wallet")
	}
	if !resolver.GrantsAtLeast([]string{"viewer"}, "wallet", LevelRead) {
		t.Fatal("viewer should grant read on wallet")
	}
}

func TestMemoInvalidatedOnCatalogMutation(t *testing.T) {
	c := seedCatalog(t)
	resolver := NewResolver(c)

	before := resolver.EffectivePermissions("viewer")
	if len(before) != 1 {
		t.Fatalf("unexpected initial set: %v", before)
	}

	if err := c.UpsertRole(Role{
		ID:          "viewer",
		Permissions: []string{"read:wallet", "write:wallet"},
		Active:      true,
	}); err != nil {
		t.Fatal(err)
	}

	after := resolver.EffectivePermissions("viewer")
	if len(after) != 2 {
		t.Fatalf("expected recomputed set after mutation, got %v", after)
	}
}

func TestMemoKeyIsOrderIndependent(t *testing.T) {
	if memoKey([]string{"b", "a", "a", " "}) != memoKey([]string{"a", "b"}) {
		t.Fatal("memo key must normalize order and duplicates")
	}
}

func TestResultIsACopy(t *testing.T) {
	resolver := NewResolver(seedCatalog(t))
	first := resolver.EffectivePermissions("viewer")
	delete(first, "read:wallet")
	second := resolver.EffectivePermissions("viewer")
	if _, ok := second["read:wallet"]; !ok {
		t.Fatal("mutating a returned set must not poison the cache")
	}
}

func TestParseLevelOrdering(t *testing.T) {
	order := []string{"read", "write", "admin", "super_admin"}
	var prev Level
	for i, name := range order {
		lvl, ok := ParseLevel(name)
		if !ok {
			t.Fatalf("ParseLevel(%s) failed", name)
		}
		if i > 0 && !lvl.AtLeast(prev) {
			t.Fatalf("%s should be at least %s", name, order[i-1])
		}
		prev = lvl
	}
	if _, ok := ParseLevel("owner"); ok {
		t.Fatal("unknown level must not parse")
	}
	if lvl, _ := ParseLevel(" WRITE "); lvl != LevelWrite {
		t.Fatal("ParseLevel must normalize case and whitespace")
	}
}
