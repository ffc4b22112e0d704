package inmemdb

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
)

// userRepository is an in-memory user.Repository used by tests.
type userRepository struct {
	mutex sync.RWMutex
	table map[string]*user.User
}

var _ user.Repository = (*userRepository)(nil)

func NewUserRepository() user.Repository {
	return &userRepository{table: make(map[string]*user.User)}
}

func (repo *userRepository) query() []user.User {
	users := make([]user.User, 0, len(repo.table))
	for _, u := range repo.table {
		users = append(users, *u)
	}
	return users
}

func (repo *userRepository) CheckEmailUniqueness(_ context.Context, email string, excludedUsers ...user.User) error {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()

	excluded := make(map[string]struct{}, len(excludedUsers))
	for _, usr := range excludedUsers {
		excluded[usr.ID] = struct{}{}
	}

	for _, usr := range repo.query() {
		if _, ok := excluded[usr.ID]; ok {
			continue
		}
		if usr.Email == email {
			return user.ErrEmailExists
		}
	}
	return nil
}

func (repo *userRepository) CreateUser(_ context.Context, usr user.User) (user.User, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	if usr.ID == "" {
		usr.ID = uuid.New().String()
	}
	repo.table[usr.ID] = &usr
	return usr, nil
}

func (repo *userRepository) GetUserByID(_ context.Context, id string) (user.User, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()

	if usr, ok := repo.table[id]; ok {
		return *usr, nil
	}
	return user.User{}, user.ErrNotFound
}

func (repo *userRepository) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()

	for _, usr := range repo.query() {
		if usr.Email == email {
			return usr, nil
		}
	}
	return user.User{}, user.ErrNotFound
}

func (repo *userRepository) FilterUsers(_ context.Context, filter user.QueryFilter, ordering ...core.DBOrdering) ([]user.User, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()

	users := make([]user.User, 0)
	for _, usr := range repo.query() {
		if filter.Search != "" && !matchesSearch(usr, filter.Search) {
			continue
		}
		if filter.Role != "" && usr.Role != filter.Role {
			continue
		}
		if filter.SchoolID != "" && usr.SchoolID != filter.SchoolID {
			continue
		}
		if filter.IsActive != nil && usr.Active() != *filter.IsActive {
			continue
		}
		if !filter.CreatedFrom.IsZero() && usr.CreatedAt.Before(filter.CreatedFrom) {
			continue
		}
		if !filter.CreatedTo.IsZero() && usr.CreatedAt.After(filter.CreatedTo) {
			continue
		}
		users = append(users, usr)
	}

	sort.Slice(users, func(i, j int) bool { return less(users[i], users[j], ordering) })
	return users, nil
}

// UpdateUser only saves set fields.
func (repo *userRepository) UpdateUser(_ context.Context, usr user.User, isActive *bool) (user.User, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	origUsr, ok := repo.table[usr.ID]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	if usr.FirstName != "" {
		origUsr.FirstName = usr.FirstName
	}
	if usr.LastName != "" {
		origUsr.LastName = usr.LastName
	}
	if usr.Email != "" {
		origUsr.Email = usr.Email
	}
	if usr.Role != "" {
		origUsr.Role = usr.Role
	}
	if usr.SchoolID != "" {
		origUsr.SchoolID = usr.SchoolID
	}
	if usr.PasswordHash != nil {
		origUsr.PasswordHash = usr.PasswordHash
	}
	if isActive != nil {
		origUsr.SetActive(*isActive)
	}
	origUsr.UpdatedAt = usr.UpdatedAt

	repo.table[usr.ID] = origUsr
	return *origUsr, nil
}

func (repo *userRepository) UpdateOrCreateUser(ctx context.Context, usr user.User) (user.User, error) {
	existing, err := repo.GetUserByEmail(ctx, usr.Email)
	if err != nil {
		if err == user.ErrNotFound {
			now := time.Now().UTC()
			usr.CreatedAt = now
			usr.UpdatedAt = now
			return repo.CreateUser(ctx, usr)
		}
		return user.User{}, err
	}
	usr.ID = existing.ID
	usr.UpdatedAt = time.Now().UTC()
	return repo.UpdateUser(ctx, usr, usr.IsActive)
}

func (repo *userRepository) SetLastLogin(_ context.Context, usr user.User) (user.User, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()

	origUsr, ok := repo.table[usr.ID]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	origUsr.LastLogin = time.Now().UTC()
	return *origUsr, nil
}

func (repo *userRepository) DeleteUsersByID(_ context.Context, ids ...string) error {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	for _, id := range ids {
		delete(repo.table, id)
	}
	return nil
}

func matchesSearch(usr user.User, search string) bool {
	search = strings.ToLower(search)
	return strings.Contains(strings.ToLower(usr.FirstName), search) ||
		strings.Contains(strings.ToLower(usr.LastName), search) ||
		strings.Contains(strings.ToLower(usr.Email), search)
}

func less(a, b user.User, ordering []core.DBOrdering) bool {
	for _, ord := range ordering {
		var cmp int
		switch ord.Field {
		case "first_name":
			cmp = strings.Compare(a.FirstName, b.FirstName)
		case "last_name":
			cmp = strings.Compare(a.LastName, b.LastName)
		case "email":
			cmp = strings.Compare(a.Email, b.Email)
		case "role":
			cmp = strings.Compare(a.Role, b.Role)
		case "school_id":
			cmp = strings.Compare(a.SchoolID, b.SchoolID)
		case "created_at":
			cmp = compareTimes(a.CreatedAt, b.CreatedAt)
		case "updated_at":
			cmp = compareTimes(a.UpdatedAt, b.UpdatedAt)
		case "last_login":
			cmp = compareTimes(a.LastLogin, b.LastLogin)
		default:
			continue
		}
		if cmp == 0 {
			continue
		}
		if ord.Ascending {
			return cmp < 0
		}
		return cmp > 0
	}
	// default: newest first
	return a.CreatedAt.After(b.CreatedAt)
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}
