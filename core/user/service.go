package user

import (
	"context"
	"errors"
	"net/mail"
	"time"

	"github.com/trezcool/shule/core"
)

var (
	// errors
	ErrNotFound    = errors.New("user not found")
	ErrEmailExists = errors.New("a user with this email already exists")
)

type (
	Repository interface {
		CheckEmailUniqueness(ctx context.Context, email string, excludedUsers ...User) error
		CreateUser(ctx context.Context, usr User) (User, error)
		GetUserByID(ctx context.Context, id string) (User, error)
		GetUserByEmail(ctx context.Context, email string) (User, error)
		// FilterUsers applies AND operation on available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on one of
		// User.FirstName, User.LastName or User.Email.
		FilterUsers(ctx context.Context, filter QueryFilter, ordering ...core.DBOrdering) ([]User, error)
		UpdateUser(ctx context.Context, usr User, isActive *bool) (User, error)
		UpdateOrCreateUser(ctx context.Context, usr User) (User, error)
		SetLastLogin(ctx context.Context, usr User) (User, error)
		DeleteUsersByID(ctx context.Context, ids ...string) error
	}

	Service interface {
		Create(ctx context.Context, nu NewUser) (User, error)
		GetByID(ctx context.Context, id string) (User, error)
		GetByEmail(ctx context.Context, email string) (User, error)
		Query(ctx context.Context, filter *QueryFilter, ordering ...core.DBOrdering) ([]User, error)
		Update(ctx context.Context, id string, uu UpdateUser) (User, error)
		Delete(ctx context.Context, ids ...string) error
		CheckUniqueness(ctx context.Context, email string, exclUsers ...User) error
		SetLastLogin(ctx context.Context, usr User) (User, error)
		RequestPasswordReset(ctx context.Context, email string) error
		ResetPassword(ctx context.Context, rp ResetUserPassword) error
	}

	service struct {
		repo    Repository
		mailSvc core.EmailService
		conf    *core.Config
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository, mailSvc core.EmailService, conf *core.Config) Service {
	secretKey = []byte(conf.SecretKey)
	passwordResetTimeoutDelta = conf.PasswordResetTimeoutDelta
	return &service{
		repo:    repo,
		mailSvc: mailSvc,
		conf:    conf,
	}
}

func (svc *service) CheckUniqueness(ctx context.Context, email string, exclUsers ...User) error {
	if err := svc.repo.CheckEmailUniqueness(ctx, email, exclUsers...); err != nil {
		if err == ErrEmailExists {
			return core.NewValidationError(err, core.FieldError{Field: "email", Error: err.Error()})
		}
		return err
	}
	return nil
}

func (svc *service) Create(ctx context.Context, nu NewUser) (User, error) {
	now := time.Now().UTC()
	usr := User{
		FirstName: nu.FirstName,
		LastName:  nu.LastName,
		Email:     nu.Email,
		Role:      nu.Role,
		SchoolID:  nu.SchoolID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	usr.SetActive(true)
	if err := usr.SetPassword(nu.Password); err != nil {
		return User{}, err
	}
	return svc.repo.CreateUser(ctx, usr)
}

func (svc *service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUserByID(ctx, id)
}

func (svc *service) GetByEmail(ctx context.Context, email string) (User, error) {
	return svc.repo.GetUserByEmail(ctx, core.CleanString(email, true /* lower */))
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter, ordering ...core.DBOrdering) ([]User, error) {
	if filter == nil {
		filter = new(QueryFilter)
	}
	filter.Clean()
	return svc.repo.FilterUsers(ctx, *filter, ordering...)
}

func (svc *service) Update(ctx context.Context, id string, uu UpdateUser) (User, error) {
	usr := User{
		ID:        id,
		FirstName: uu.FirstName,
		LastName:  uu.LastName,
		Email:     uu.Email,
		Role:      uu.Role,
		UpdatedAt: time.Now().UTC(),
	}
	if uu.SchoolID != nil {
		usr.SchoolID = *uu.SchoolID
	}
	if uu.Password != "" {
		if err := usr.SetPassword(uu.Password); err != nil {
			return User{}, err
		}
	}
	return svc.repo.UpdateUser(ctx, usr, uu.IsActive)
}

func (svc *service) Delete(ctx context.Context, ids ...string) error {
	return svc.repo.DeleteUsersByID(ctx, ids...)
}

func (svc *service) SetLastLogin(ctx context.Context, usr User) (User, error) {
	return svc.repo.SetLastLogin(ctx, usr)
}

// RequestPasswordReset emails a time-bounded reset token to the user.
func (svc *service) RequestPasswordReset(ctx context.Context, email string) error {
	usr, err := svc.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if !usr.Active() {
		return ErrNotFound
	}
	svc.sendPasswordResetMail(usr)
	return nil
}

func (svc *service) ResetPassword(ctx context.Context, rp ResetUserPassword) error {
	id, err := decodeUID(rp.UID)
	if err != nil {
		return core.NewValidationError(errInvalidToken)
	}
	usr, err := svc.repo.GetUserByID(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return core.NewValidationError(errInvalidToken)
		}
		return err
	}
	if err = verifyToken(usr, rp.Token); err != nil {
		return core.NewValidationError(err)
	}
	if err = usr.SetPassword(rp.Password); err != nil {
		return err
	}
	usr.UpdatedAt = time.Now().UTC()
	_, err = svc.repo.UpdateUser(ctx, usr, nil)
	return err
}

type passwordResetData struct {
	User  User
	UID   string
	Token string
}

func (svc *service) sendPasswordResetMail(usr User) {
	svc.mailSvc.SendMessages(
		&core.EmailMessage{
			To:           []mail.Address{{Name: usr.FullName(), Address: usr.Email}},
			Subject:      "Password Reset",
			TemplateName: "password-reset",
			TemplateData: passwordResetData{User: usr, UID: EncodeUID(usr), Token: MakeToken(usr)},
		},
	)
}
