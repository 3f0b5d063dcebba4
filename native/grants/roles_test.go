package grants

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func rosterProgram(participants ...*Participant) *GrantProgram {
	return &GrantProgram{ID: uuid.New(), Name: "Grant", BankAccountNumber: "ACC-1", Participants: participants}
}

func TestRolesForFiltersInactiveRecords(t *testing.T) {
	userID := uuid.New()
	program := rosterProgram(
		&Participant{UserID: userID, Role: RoleSupervisor, Active: false},
	)
	if roles := RolesFor(program, userID); len(roles) != 0 {
		t.Fatalf("inactive participant must contribute no roles, got %v", roles)
	}
}

func TestRolesForPreservesRosterOrderWithoutDedup(t *testing.T) {
	userID := uuid.New()
	other := uuid.New()
	program := rosterProgram(
		&Participant{UserID: userID, Role: RoleSupervisor, Active: true},
		&Participant{UserID: other, Role: RoleGrantor, Active: true},
		&Participant{UserID: userID, Role: RoleGrantor, Active: true},
		// Duplicate active record: both must surface. The resolver pins the
		// roster's literal contents rather than repairing anomalies.
		&Participant{UserID: userID, Role: RoleGrantor, Active: true},
	)
	got := RolesFor(program, userID)
	want := []Role{RoleSupervisor, RoleGrantor, RoleGrantor}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestCanManageMilestones(t *testing.T) {
	grantor := uuid.New()
	supervisor := uuid.New()
	grantee := uuid.New()
	stranger := uuid.New()
	revoked := uuid.New()
	program := rosterProgram(
		&Participant{UserID: grantor, Role: RoleGrantor, Active: true},
		&Participant{UserID: supervisor, Role: RoleSupervisor, Active: true},
		&Participant{UserID: grantee, Role: RoleGrantee, Active: true},
		&Participant{UserID: revoked, Role: RoleGrantor, Active: false},
	)

	cases := []struct {
		name string
		user uuid.UUID
		want bool
	}{
		{"grantor", grantor, true},
		{"supervisor", supervisor, true},
		{"grantee only", grantee, false},
		{"not on roster", stranger, false},
		{"revoked grantor", revoked, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanManageMilestones(program, tc.user); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	if role, err := ParseRole(" Grantor "); err != nil || role != RoleGrantor {
		t.Fatalf("expected grantor, got %v (%v)", role, err)
	}
	if _, err := ParseRole("owner"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}
