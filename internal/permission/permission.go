// Package permission defines the permission levels understood by the
// authorization layer and their capability projections.
package permission

import (
	"errors"
	"fmt"
)

// ErrInvalidLevel is returned when a permission name does not match any
// known level.
var ErrInvalidLevel = errors.New("invalid permission level")

// Permission is a named level together with the capabilities it implies.
type Permission struct {
	Name      string
	Priority  int
	CanRead   bool
	CanUpdate bool
	CanDelete bool
	CanManage bool
}

// The fixed set of levels. MANAGE dominates everything; NO_PERMISSIONS
// grants nothing.
var (
	Read = Permission{
		Name:     "READ",
		Priority: 1,
		CanRead:  true,
	}
	Edit = Permission{
		Name:      "EDIT",
		Priority:  2,
		CanRead:   true,
		CanUpdate: true,
	}
	Manage = Permission{
		Name:      "MANAGE",
		Priority:  3,
		CanRead:   true,
		CanUpdate: true,
		CanDelete: true,
		CanManage: true,
	}
	NoPermissions = Permission{
		Name:     "NO_PERMISSIONS",
		Priority: 0,
	}
)

var levels = map[string]Permission{
	Read.Name:          Read,
	Edit.Name:          Edit,
	Manage.Name:        Manage,
	NoPermissions.Name: NoPermissions,
}

// Get resolves a level name to its Permission.
func Get(name string) (Permission, error) {
	perm, ok := levels[name]
	if !ok {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidLevel, name)
	}
	return perm, nil
}

// Valid reports whether name is a known permission level.
func Valid(name string) bool {
	_, ok := levels[name]
	return ok
}

// All returns every defined level. The order is unspecified.
func All() []Permission {
	out := make([]Permission, 0, len(levels))
	for _, p := range levels {
		out = append(out, p)
	}
	return out
}

// Stronger reports whether a grants at least as much as b. Used by the
// rename conflict policy where the highest-capability grant wins.
func Stronger(a, b string) bool {
	pa, errA := Get(a)
	pb, errB := Get(b)
	if errA != nil || errB != nil {
		return errA == nil
	}
	return pa.Priority >= pb.Priority
}
