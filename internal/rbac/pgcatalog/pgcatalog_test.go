package pgcatalog

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"finbridge.org/internal/rbac"
)

func TestLoadBuildsCatalog(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select id, resource, level").
		WillReturnRows(sqlmock.NewRows([]string{"id", "resource", "level"}).
			AddRow("read:wallet", "wallet", "read").
			AddRow("write:wallet", "wallet", "write").
			AddRow("odd:perm", "wallet", "banana"))

	mock.ExpectQuery("select id, active").
		WillReturnRows(sqlmock.NewRows([]string{"id", "active"}).
			AddRow("manager", true).
			AddRow("retired", false).
			AddRow("viewer", true))

	mock.ExpectQuery("select role_id, permission_id").
		WillReturnRows(sqlmock.NewRows([]string{"role_id", "permission_id"}).
			AddRow("manager", "write:wallet").
			AddRow("viewer", "read:wallet"))

	mock.ExpectQuery("select role_id, parent_role_id").
		WillReturnRows(sqlmock.NewRows([]string{"role_id", "parent_role_id"}).
			AddRow("manager", "viewer"))

	catalog, err := Load(context.Background(), db)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	role, ok := catalog.Role("manager")
	if !ok || !role.Active {
		t.Fatalf("expected active manager role, got %+v ok=%v", role, ok)
	}
	if len(role.InheritsFrom) != 1 || role.InheritsFrom[0] != "viewer" {
		t.Fatalf("unexpected inheritance: %v", role.InheritsFrom)
	}

	perm, ok := catalog.Permission("odd:perm")
	if !ok || perm.Level != rbac.LevelRead {
		t.Fatalf("unknown level must fall back to read, got %+v", perm)
	}

	resolver := rbac.NewResolver(catalog)
	effective := resolver.EffectivePermissions("manager")
	if len(effective) != 2 {
		t.Fatalf("expected inherited union, got %v", effective)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoadPropagatesQueryErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select id, resource, level").
		WillReturnError(context.DeadlineExceeded)

	if _, err := Load(context.Background(), db); err == nil {
		t.Fatal("expected error from failed permissions query")
	}
}

func TestLoadRequiresDB(t *testing.T) {
	if _, err := Load(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}
