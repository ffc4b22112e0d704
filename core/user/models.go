package user

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/shule/core"
)

// Roles
const (
	RoleSuperAdmin  = "super_admin"  // cross-school operators
	RoleSchoolAdmin = "school_admin" // school principals & staff managers
	RoleTeacher     = "teacher"
)

var (
	AllRoles   = []string{RoleSuperAdmin, RoleSchoolAdmin, RoleTeacher}
	AdminRoles = []string{RoleSuperAdmin, RoleSchoolAdmin}

	Roles = []Role{
		{Name: "Teacher", Value: RoleTeacher},
		{Name: "School Admin", Value: RoleSchoolAdmin},
		{Name: "Super Admin", Value: RoleSuperAdmin},
	}
)

type Role struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type User struct {
	ID           string    `json:"id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	SchoolID     string    `json:"school_id,omitempty"` // empty for super admins
	IsActive     *bool     `json:"is_active"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"` // UTC
	UpdatedAt    time.Time `json:"updated_at"` // UTC
	LastLogin    time.Time `json:"last_login"` // UTC
}

func (u *User) FullName() string {
	if u.FirstName == "" {
		return u.LastName
	}
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

func (u *User) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (u *User) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(pwd))
}

func (u *User) SetActive(active bool) { u.IsActive = &active }

func (u *User) Active() bool { return u.IsActive != nil && *u.IsActive }

func (u *User) IsSuperAdmin() bool  { return u.Role == RoleSuperAdmin }
func (u *User) IsSchoolAdmin() bool { return u.Role == RoleSchoolAdmin }
func (u *User) IsTeacher() bool     { return u.Role == RoleTeacher }

// IsAdmin reports whether the user can manage other users.
func (u *User) IsAdmin() bool { return u.IsSuperAdmin() || u.IsSchoolAdmin() }

// CanAccessTenant reports whether the user may act on data belonging to the
// given school. Super admins bypass the check; everyone else needs an exact
// school match. A user without a school matches nothing.
func (u *User) CanAccessTenant(schoolID string) bool {
	if u.IsSuperAdmin() {
		return true
	}
	return u.SchoolID != "" && u.SchoolID == schoolID
}

// NewUser contains information needed to create a new User.
type NewUser struct {
	FirstName       string `json:"first_name" validate:"required"`
	LastName        string `json:"last_name" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	Role            string `json:"role" validate:"required,role"`
	SchoolID        string `json:"school_id"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

func (nu *NewUser) Validate(ctx context.Context, validate *validator.Validate, svc Service) error {
	nu.FirstName = core.CleanString(nu.FirstName)
	nu.LastName = core.CleanString(nu.LastName)
	nu.Email = core.CleanString(nu.Email, true /* lower */)
	nu.SchoolID = core.CleanString(nu.SchoolID)

	if err := validate.Struct(nu); err != nil {
		return err
	}
	return svc.CheckUniqueness(ctx, nu.Email)
}

// UpdateUser defines what information may be provided to modify an existing User.
type UpdateUser struct {
	FirstName       string  `json:"first_name"`
	LastName        string  `json:"last_name"`
	Email           string  `json:"email" validate:"omitempty,email"`
	Role            string  `json:"role" validate:"omitempty,role"`
	SchoolID        *string `json:"school_id"`
	IsActive        *bool   `json:"is_active"`
	Password        string  `json:"password" validate:"omitempty"`
	PasswordConfirm string  `json:"password_confirm" validate:"required_with=Password,eqfield=Password"`
}

func (uu *UpdateUser) Validate(ctx context.Context, origUsr User, validate *validator.Validate, svc Service) error {
	firstName := core.CleanString(uu.FirstName)
	if firstName != "" {
		uu.FirstName = firstName
	} else {
		uu.FirstName = origUsr.FirstName
	}

	lastName := core.CleanString(uu.LastName)
	if lastName != "" {
		uu.LastName = lastName
	} else {
		uu.LastName = origUsr.LastName
	}

	email := core.CleanString(uu.Email, true /* lower */)
	if email != "" {
		uu.Email = email
	} else {
		uu.Email = origUsr.Email
	}

	if uu.Role == "" {
		uu.Role = origUsr.Role
	}

	if err := validate.Struct(uu); err != nil {
		return err
	}
	return svc.CheckUniqueness(ctx, uu.Email, origUsr)
}

type ResetUserPassword struct {
	Token           string `json:"token,omitempty" validate:"required"`
	UID             string `json:"uid,omitempty" validate:"required"`
	Password        string `json:"password,omitempty" validate:"required"`
	PasswordConfirm string `json:"password_confirm,omitempty" validate:"required,eqfield=Password"`
}

func (rp ResetUserPassword) Validate(validate *validator.Validate) error {
	return validate.Struct(rp)
}

type QueryFilter struct {
	Search      string    `query:"search"`
	Role        string    `query:"role"`
	SchoolID    string    `query:"school_id"`
	IsActive    *bool     `query:"is_active"`
	CreatedFrom time.Time `query:"created_from"`
	CreatedTo   time.Time `query:"created_to"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Search == "" && qf.Role == "" && qf.SchoolID == "" && qf.IsActive == nil &&
		qf.CreatedFrom.IsZero() && qf.CreatedTo.IsZero()
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
	qf.Role = core.CleanString(qf.Role, true /* lower */)
	qf.SchoolID = core.CleanString(qf.SchoolID)
}
