package user

import "testing"

func TestUserCanAccessTenant(t *testing.T) {
	tests := []struct {
		name     string
		usr      User
		schoolID string
		want     bool
	}{
		{name: "super admin any school", usr: User{Role: RoleSuperAdmin}, schoolID: "sch-1", want: true},
		{name: "super admin empty school", usr: User{Role: RoleSuperAdmin}, schoolID: "", want: true},
		{name: "school admin own school", usr: User{Role: RoleSchoolAdmin, SchoolID: "sch-1"}, schoolID: "sch-1", want: true},
		{name: "school admin other school", usr: User{Role: RoleSchoolAdmin, SchoolID: "sch-1"}, schoolID: "sch-2", want: false},
		{name: "teacher own school", usr: User{Role: RoleTeacher, SchoolID: "sch-1"}, schoolID: "sch-1", want: true},
		{name: "teacher no school", usr: User{Role: RoleTeacher}, schoolID: "sch-1", want: false},
		{name: "teacher empty target", usr: User{Role: RoleTeacher, SchoolID: "sch-1"}, schoolID: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.usr.CanAccessTenant(tt.schoolID); got != tt.want {
				t.Errorf("CanAccessTenant() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserRolePredicates(t *testing.T) {
	super := User{Role: RoleSuperAdmin}
	schAdmin := User{Role: RoleSchoolAdmin, SchoolID: "sch-1"}
	teacher := User{Role: RoleTeacher, SchoolID: "sch-1"}

	if !super.IsAdmin() || !schAdmin.IsAdmin() {
		t.Error("admins should be admins")
	}
	if teacher.IsAdmin() {
		t.Error("teacher should not be admin")
	}
	if !teacher.IsTeacher() {
		t.Error("teacher should be teacher")
	}

	var usr User
	if usr.Active() {
		t.Error("unset IsActive should not be active")
	}
	usr.SetActive(true)
	if !usr.Active() {
		t.Error("SetActive(true) should be active")
	}
}
