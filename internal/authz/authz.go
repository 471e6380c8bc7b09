// Package authz decides whether an actor may perform an action on a member
// record. All role checks in the system funnel through Authorize; handlers
// never branch on roles themselves.
package authz

import (
	"errors"
	"fmt"

	"dojotrack/internal/model"
)

// ErrForbidden is returned for every denied action.
var ErrForbidden = errors.New("forbidden")

// Action names an operation subject to authorization.
type Action string

const (
	ActionRead    Action = "read"
	ActionBook    Action = "book"
	ActionUnbook  Action = "unbook"
	ActionCheckIn Action = "checkin_manual"
	ActionManage  Action = "manage"
)

// Authorize evaluates the rule table in order and returns nil on the first
// allowing rule. target is the member a booking or check-in concerns; it may
// be nil for actions that have no member subject (session management, group
// listing).
func Authorize(actor model.Actor, action Action, target *model.Member) error {
	switch actor.Role {
	case model.RoleOperator:
		// Operators run sessions and record manual check-ins but do not
		// hold personal bookings for members.
		if action == ActionBook || action == ActionUnbook {
			return fmt.Errorf("%w: operators do not manage personal bookings", ErrForbidden)
		}
		return nil
	case model.RoleGuardian:
		if action != ActionRead && action != ActionBook && action != ActionUnbook {
			return fmt.Errorf("%w: guardians may only read and book", ErrForbidden)
		}
		if target == nil || target.GuardianID == nil || *target.GuardianID != actor.ID {
			return fmt.Errorf("%w: member not in guardian's care", ErrForbidden)
		}
		return nil
	case model.RoleMember:
		if action != ActionRead && action != ActionBook && action != ActionUnbook {
			return fmt.Errorf("%w: members may only read and book", ErrForbidden)
		}
		if target == nil || target.OwnerUserID == nil || *target.OwnerUserID != actor.ID {
			return fmt.Errorf("%w: not the member's own record", ErrForbidden)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown role %q", ErrForbidden, actor.Role)
}
