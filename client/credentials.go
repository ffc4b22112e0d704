package client

import (
	"encoding/json"

	"github.com/trezcool/shule/core/user"
)

// Keyring keys holding the authenticated state.
const (
	keyAuthToken    = "auth_token"
	keyAuthUser     = "auth_user"
	keyRefreshToken = "refresh_token"
)

// Identity is the authenticated user as returned by the API.
type Identity struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	SchoolID  string `json:"school_id,omitempty"`
}

// CredentialStore persists tokens and the current identity in a Keyring.
// All getters fail closed: on any storage or decode error they report
// the unauthenticated state instead of failing.
type CredentialStore struct {
	ring Keyring
}

func NewCredentialStore(ring Keyring) *CredentialStore {
	return &CredentialStore{ring: ring}
}

// Token returns the stored access token, or "" when absent.
func (cs *CredentialStore) Token() string {
	token, err := cs.ring.Get(keyAuthToken)
	if err != nil {
		return ""
	}
	return token
}

// RefreshToken returns the stored refresh token, or "" when absent.
func (cs *CredentialStore) RefreshToken() string {
	token, err := cs.ring.Get(keyRefreshToken)
	if err != nil {
		return ""
	}
	return token
}

// User returns the stored identity, or nil when absent or unreadable.
func (cs *CredentialStore) User() *Identity {
	data, err := cs.ring.Get(keyAuthUser)
	if err != nil {
		return nil
	}
	var usr Identity
	if err = json.Unmarshal([]byte(data), &usr); err != nil {
		return nil
	}
	return &usr
}

// IsAuthenticated reports whether an access token is stored.
func (cs *CredentialStore) IsAuthenticated() bool { return cs.Token() != "" }

// SetAuth stores the access token and identity. Any stored refresh
// token is left untouched.
func (cs *CredentialStore) SetAuth(token string, usr Identity) error {
	data, err := json.Marshal(usr)
	if err != nil {
		return err
	}
	if err = cs.ring.Set(keyAuthToken, token); err != nil {
		return err
	}
	return cs.ring.Set(keyAuthUser, string(data))
}

// SetAuthWithRefresh stores the access token, identity and refresh token.
func (cs *CredentialStore) SetAuthWithRefresh(token, refreshToken string, usr Identity) error {
	if err := cs.SetAuth(token, usr); err != nil {
		return err
	}
	return cs.ring.Set(keyRefreshToken, refreshToken)
}

// ClearAuth removes all stored credentials. It is idempotent: clearing
// an empty store succeeds. It attempts all deletions and returns the
// first error encountered.
func (cs *CredentialStore) ClearAuth() error {
	var firstErr error
	for _, key := range []string{keyAuthToken, keyAuthUser, keyRefreshToken} {
		if err := cs.ring.Delete(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HasRole reports whether the stored identity holds the given role.
// Super admins pass every role check. Absent identity fails the check.
func (cs *CredentialStore) HasRole(role string) bool {
	usr := cs.User()
	if usr == nil {
		return false
	}
	if usr.Role == user.RoleSuperAdmin {
		return true
	}
	return usr.Role == role
}

// HasAnyRole reports whether the stored identity holds one of the given
// roles, with the same super admin bypass as HasRole.
func (cs *CredentialStore) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if cs.HasRole(role) {
			return true
		}
	}
	return false
}

// CanAccessTenant reports whether the stored identity may act on the
// given school. Super admins may act on any school; everyone else only
// on their own, and never when no school is assigned.
func (cs *CredentialStore) CanAccessTenant(schoolID string) bool {
	usr := cs.User()
	if usr == nil {
		return false
	}
	if usr.Role == user.RoleSuperAdmin {
		return true
	}
	return usr.SchoolID != "" && usr.SchoolID == schoolID
}
