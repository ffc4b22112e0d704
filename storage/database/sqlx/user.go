package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
)

// orderableColumns whitelists the columns exposed to API ordering.
var orderableColumns = map[string]struct{}{
	"first_name": {},
	"last_name":  {},
	"email":      {},
	"role":       {},
	"school_id":  {},
	"created_at": {},
	"updated_at": {},
	"last_login": {},
}

type userRow struct {
	ID           string      `db:"id"`
	FirstName    string      `db:"first_name"`
	LastName     string      `db:"last_name"`
	Email        string      `db:"email"`
	Role         string      `db:"role"`
	SchoolID     null.String `db:"school_id"`
	IsActive     bool        `db:"is_active"`
	PasswordHash []byte      `db:"password_hash"`
	CreatedAt    time.Time   `db:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
	LastLogin    null.Time   `db:"last_login"`
}

func newUserRow(usr user.User) userRow {
	return userRow{
		ID:           usr.ID,
		FirstName:    usr.FirstName,
		LastName:     usr.LastName,
		Email:        usr.Email,
		Role:         usr.Role,
		SchoolID:     null.NewString(usr.SchoolID, usr.SchoolID != ""),
		IsActive:     usr.Active(),
		PasswordHash: usr.PasswordHash,
		CreatedAt:    usr.CreatedAt,
		UpdatedAt:    usr.UpdatedAt,
		LastLogin:    null.NewTime(usr.LastLogin, !usr.LastLogin.IsZero()),
	}
}

func (r userRow) toUser() user.User {
	usr := user.User{
		ID:           r.ID,
		FirstName:    r.FirstName,
		LastName:     r.LastName,
		Email:        r.Email,
		Role:         r.Role,
		SchoolID:     r.SchoolID.String,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		LastLogin:    r.LastLogin.Time,
	}
	usr.SetActive(r.IsActive)
	return usr
}

type userRepository struct {
	db *sqlx.DB
}

var _ user.Repository = (*userRepository)(nil)

func NewUserRepository(db *sqlx.DB) user.Repository {
	return &userRepository{db: db}
}

func (repo *userRepository) CheckEmailUniqueness(ctx context.Context, email string, excludedUsers ...user.User) error {
	query := `SELECT EXISTS(SELECT 1 FROM "user" WHERE email = ?`
	args := []interface{}{email}
	if len(excludedUsers) > 0 {
		ids := make([]string, 0, len(excludedUsers))
		for _, usr := range excludedUsers {
			ids = append(ids, usr.ID)
		}
		query += ` AND id NOT IN (?)`
		q, inArgs, err := sqlx.In(query+`)`, email, ids)
		if err != nil {
			return errors.Wrap(err, "building uniqueness query")
		}
		query, args = q, inArgs
	} else {
		query += `)`
	}

	var exists bool
	if err := repo.db.GetContext(ctx, &exists, repo.db.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "checking email uniqueness")
	}
	if exists {
		return user.ErrEmailExists
	}
	return nil
}

func (repo *userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	if usr.ID == "" {
		usr.ID = uuid.New().String()
	}
	row := newUserRow(usr)
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO "user" (id, first_name, last_name, email, role, school_id, is_active, password_hash, created_at, updated_at, last_login)
		VALUES (:id, :first_name, :last_name, :email, :role, :school_id, :is_active, :password_hash, :created_at, :updated_at, :last_login)`,
		row,
	)
	if err != nil {
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return usr, nil
}

func (repo *userRepository) GetUserByID(ctx context.Context, id string) (user.User, error) {
	var row userRow
	err := repo.db.GetContext(ctx, &row, `SELECT * FROM "user" WHERE id = $1`, id)
	if err != nil {
		return user.User{}, trapNoRowsErr(err, "finding user by id")
	}
	return row.toUser(), nil
}

func (repo *userRepository) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	var row userRow
	err := repo.db.GetContext(ctx, &row, `SELECT * FROM "user" WHERE email = $1`, email)
	if err != nil {
		return user.User{}, trapNoRowsErr(err, "finding user by email")
	}
	return row.toUser(), nil
}

func (repo *userRepository) FilterUsers(ctx context.Context, filter user.QueryFilter, ordering ...core.DBOrdering) ([]user.User, error) {
	var conds []string
	var args []interface{}

	if filter.Search != "" {
		conds = append(conds, `(first_name ILIKE ? OR last_name ILIKE ? OR email ILIKE ?)`)
		like := "%" + filter.Search + "%"
		args = append(args, like, like, like)
	}
	if filter.Role != "" {
		conds = append(conds, `role = ?`)
		args = append(args, filter.Role)
	}
	if filter.SchoolID != "" {
		conds = append(conds, `school_id = ?`)
		args = append(args, filter.SchoolID)
	}
	if filter.IsActive != nil {
		conds = append(conds, `is_active = ?`)
		args = append(args, *filter.IsActive)
	}
	if !filter.CreatedFrom.IsZero() {
		conds = append(conds, `created_at >= ?`)
		args = append(args, filter.CreatedFrom)
	}
	if !filter.CreatedTo.IsZero() {
		conds = append(conds, `created_at <= ?`)
		args = append(args, filter.CreatedTo)
	}

	query := `SELECT * FROM "user"`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += orderBy(ordering)

	var rows []userRow
	if err := repo.db.SelectContext(ctx, &rows, repo.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "filtering users")
	}

	users := make([]user.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toUser())
	}
	return users, nil
}

// UpdateUser only saves set fields.
func (repo *userRepository) UpdateUser(ctx context.Context, usr user.User, isActive *bool) (user.User, error) {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return user.User{}, errors.Wrap(err, "beginning update tx")
	}
	defer func() { _ = tx.Rollback() }()

	var orig userRow
	if err = tx.GetContext(ctx, &orig, `SELECT * FROM "user" WHERE id = $1 FOR UPDATE`, usr.ID); err != nil {
		return user.User{}, trapNoRowsErr(err, "finding user by id")
	}

	if usr.FirstName != "" {
		orig.FirstName = usr.FirstName
	}
	if usr.LastName != "" {
		orig.LastName = usr.LastName
	}
	if usr.Email != "" {
		orig.Email = usr.Email
	}
	if usr.Role != "" {
		orig.Role = usr.Role
	}
	if usr.SchoolID != "" {
		orig.SchoolID = null.StringFrom(usr.SchoolID)
	}
	if usr.PasswordHash != nil {
		orig.PasswordHash = usr.PasswordHash
	}
	if isActive != nil {
		orig.IsActive = *isActive
	}
	orig.UpdatedAt = usr.UpdatedAt
	if orig.UpdatedAt.IsZero() {
		orig.UpdatedAt = time.Now().UTC()
	}

	_, err = tx.NamedExecContext(ctx, `
		UPDATE "user"
		SET first_name = :first_name, last_name = :last_name, email = :email, role = :role,
		    school_id = :school_id, is_active = :is_active, password_hash = :password_hash,
		    updated_at = :updated_at
		WHERE id = :id`,
		orig,
	)
	if err != nil {
		return user.User{}, errors.Wrap(err, "updating user")
	}
	if err = tx.Commit(); err != nil {
		return user.User{}, errors.Wrap(err, "committing update tx")
	}
	return orig.toUser(), nil
}

func (repo *userRepository) UpdateOrCreateUser(ctx context.Context, usr user.User) (user.User, error) {
	existing, err := repo.GetUserByEmail(ctx, usr.Email)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
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

func (repo *userRepository) SetLastLogin(ctx context.Context, usr user.User) (user.User, error) {
	usr.LastLogin = time.Now().UTC()
	_, err := repo.db.ExecContext(ctx, `UPDATE "user" SET last_login = $1 WHERE id = $2`, usr.LastLogin, usr.ID)
	if err != nil {
		return user.User{}, errors.Wrap(err, "setting last login")
	}
	return usr, nil
}

func (repo *userRepository) DeleteUsersByID(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM "user" WHERE id IN (?)`, ids)
	if err != nil {
		return errors.Wrap(err, "building delete query")
	}
	if _, err = repo.db.ExecContext(ctx, repo.db.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "deleting users")
	}
	return nil
}

func orderBy(ordering []core.DBOrdering) string {
	if len(ordering) == 0 {
		return ` ORDER BY created_at DESC`
	}
	clauses := make([]string, 0, len(ordering))
	for _, ord := range ordering {
		if _, ok := orderableColumns[ord.Field]; !ok {
			continue
		}
		clauses = append(clauses, ord.String())
	}
	if len(clauses) == 0 {
		return ` ORDER BY created_at DESC`
	}
	return fmt.Sprintf(` ORDER BY %s`, strings.Join(clauses, ", "))
}

func trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return user.ErrNotFound
	}
	return errors.Wrap(err, msg)
}
