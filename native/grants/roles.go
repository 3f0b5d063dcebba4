package grants

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role identifies the capacity in which a participant acts on a program.
type Role string

const (
	// RoleGrantor funds the program and may manage milestones.
	RoleGrantor Role = "grantor"
	// RoleSupervisor oversees progress and may manage milestones.
	RoleSupervisor Role = "supervisor"
	// RoleGrantee performs the funded work and may submit proof, never
	// certify it.
	RoleGrantee Role = "grantee"
)

// ParseRole maps a wire-format role string onto the typed enum.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleGrantor:
		return RoleGrantor, nil
	case RoleSupervisor:
		return RoleSupervisor, nil
	case RoleGrantee:
		return RoleGrantee, nil
	default:
		return "", fmt.Errorf("grants: unknown role %q", raw)
	}
}

// RolesFor resolves the roles a user holds on the program. Only active
// participant records count; ordering follows the roster. Duplicate active
// records for the same user surface as duplicate roles on purpose, so that
// roster anomalies stay visible to callers instead of being masked here.
func RolesFor(program *GrantProgram, userID uuid.UUID) []Role {
	if program == nil {
		return nil
	}
	var roles []Role
	for _, participant := range program.Participants {
		if participant == nil || !participant.Active {
			continue
		}
		if participant.UserID != userID {
			continue
		}
		roles = append(roles, participant.Role)
	}
	return roles
}

// CanManageMilestones reports whether the user may mutate milestone state on
// the program. This is the single authorization predicate for marking
// requirements complete, advancing stages, and configuring contract
// bindings.
func CanManageMilestones(program *GrantProgram, userID uuid.UUID) bool {
	for _, role := range RolesFor(program, userID) {
		switch role {
		case RoleGrantor, RoleSupervisor:
			return true
		case RoleGrantee:
			// Grantees submit proof; they never certify completion.
		}
	}
	return false
}
