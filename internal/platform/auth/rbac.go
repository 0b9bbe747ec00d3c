package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Role is the single role carried by a caller's token.
type Role string

const (
	RolePhysician      Role = "physician"
	RoleNurse          Role = "nurse"
	RoleAdministrative Role = "administrative"
)

// AllRoles lists every role the desk knows about.
var AllRoles = []Role{RolePhysician, RoleNurse, RoleAdministrative}

func ParseRole(s string) (Role, error) {
	r := Role(strings.TrimSpace(s))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	switch r {
	case RolePhysician, RoleNurse, RoleAdministrative:
		return true
	}
	return false
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	Subject string
	Role    Role
}

// CanCreateAdmission reports whether role may register a new admission.
// Administrative staff may read but not admit; unknown roles may do nothing.
func CanCreateAdmission(role Role) bool {
	return role == RolePhysician || role == RoleNurse
}

// RequireRole returns middleware that checks the caller holds one of roles.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			has := RoleFromContext(c.Request().Context())
			for _, required := range roles {
				if has == required {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(names, " or ")))
		}
	}
}
