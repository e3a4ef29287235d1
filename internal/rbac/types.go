// Package rbac computes effective permissions over a role graph whose
// inheritance relation may contain cycles. Resolution is local and
// synchronous: the catalog must already be in memory, and no decision ever
// reaches for the network.
package rbac

import "strings"

// Level orders permission strength for UI affordances. Enforcement decisions
// always match permission ids exactly; levels never substitute for that.
type Level int

const (
	LevelRead Level = iota
	LevelWrite
	LevelAdmin
	LevelSuperAdmin
)

var levelNames = map[Level]string{
	LevelRead:       "read",
	LevelWrite:      "write",
	LevelAdmin:      "admin",
	LevelSuperAdmin: "super_admin",
}

// ParseLevel maps a stored level string to its ordered value.
func ParseLevel(s string) (Level, bool) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "read":
		return LevelRead, true
	case "write":
		return LevelWrite, true
	case "admin":
		return LevelAdmin, true
	case "super_admin":
		return LevelSuperAdmin, true
	default:
		return LevelRead, false
	}
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "read"
}

// AtLeast reports whether l grants at least min.
func (l Level) AtLeast(min Level) bool {
	return l >= min
}

// Permission is a fine-grained capability over a resource.
type Permission struct {
	ID       string
	Resource string
	Level    Level
}

// Role groups directly granted permissions and optionally inherits from
// parent roles. Parent order is the tie-break for conflicting metadata only;
// set membership is order-independent. Inactive roles are skipped entirely
// during resolution.
type Role struct {
	ID           string
	Permissions  []string
	InheritsFrom []string
	Active       bool
}
