package echoapi

import (
	"net/http"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
)

// Token uses; access tokens cannot be replayed against the refresh
// endpoint and vice versa.
const (
	TokenUseAccess  = "access"
	TokenUseRefresh = "refresh"
)

const contextUserKey = "user"

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt int64  `json:"oriat,omitempty"`
	TokenUse     string `json:"use,omitempty"`
	Email        string `json:"email,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Role         string `json:"role,omitempty"`
	SchoolID     string `json:"school_id,omitempty"`
	IsAdmin      bool   `json:"is_admin,omitempty"`
}

// AuthResponse is returned on successful login and token refresh.
type AuthResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	User         user.User `json:"user"`
}

func newJWTConfig(conf *core.Config) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(conf.SecretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    "userToken",
		Claims:        new(Claims),
	}
}

// GetUserClaims builds access token claims for the user. origIat is carried
// over on refresh so the refresh window is bounded by the original login.
func GetUserClaims(usr user.User, conf *core.Config, origIat ...int64) *Claims {
	return newClaims(usr, conf, TokenUseAccess, conf.Server.JWTExpirationDelta, origIat...)
}

func getRefreshClaims(usr user.User, conf *core.Config, origIat ...int64) *Claims {
	return newClaims(usr, conf, TokenUseRefresh, conf.Server.JWTRefreshExpirationDelta, origIat...)
}

func newClaims(usr user.User, conf *core.Config, use string, expDelta time.Duration, origIat ...int64) *Claims {
	now := time.Now()
	nownix := now.Unix()

	var oriat int64
	if len(origIat) > 0 {
		oriat = origIat[0]
	} else {
		oriat = nownix
	}

	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   usr.ID,
			ExpiresAt: now.Add(expDelta).Unix(),
			IssuedAt:  nownix,
		},
		OrigIssuedAt: oriat,
		TokenUse:     use,
		Email:        usr.Email,
		FirstName:    usr.FirstName,
		LastName:     usr.LastName,
		Role:         usr.Role,
		SchoolID:     usr.SchoolID,
		IsAdmin:      usr.IsAdmin(),
	}
}

// GenerateToken generates a signed JWT token string representing the user Claims.
func GenerateToken(claims *Claims, conf *core.Config) (string, error) {
	method := jwt.GetSigningMethod(middleware.AlgorithmHS256)
	token := jwt.NewWithClaims(method, claims)

	ss, err := token.SignedString([]byte(conf.SecretKey))
	if err != nil {
		return "", errors.New("signing token")
	}
	return ss, nil
}

// GenerateTokenPair generates a signed access/refresh token pair for the user.
func GenerateTokenPair(usr user.User, conf *core.Config, origIat ...int64) (access, refresh string, err error) {
	if access, err = GenerateToken(GetUserClaims(usr, conf, origIat...), conf); err != nil {
		return "", "", err
	}
	if refresh, err = GenerateToken(getRefreshClaims(usr, conf, origIat...), conf); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func authenticate(ctx echo.Context, email, pwd string, svc user.Service) (user.User, error) {
	usr, err := svc.GetByEmail(ctx.Request().Context(), email)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return user.User{}, errAuthenticationFailed
		}
		return user.User{}, errors.Wrap(err, "finding user by email")
	}
	if err = usr.CheckPassword(pwd); err != nil {
		return user.User{}, errAuthenticationFailed
	}
	if !usr.Active() {
		return user.User{}, errAccountDeactivated
	}
	usr, err = svc.SetLastLogin(ctx.Request().Context(), usr)
	if err != nil {
		return user.User{}, errors.Wrap(err, "setting lastLogin")
	}
	return usr, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get("userToken").(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

func getContextUser(ctx echo.Context, svc user.Service, clms ...Claims) (user.User, error) {
	if usr, ok := ctx.Get(contextUserKey).(user.User); ok {
		return usr, nil
	}

	var claims Claims
	var err error
	if len(clms) > 0 {
		claims = clms[0]
	} else {
		claims, err = getContextClaims(ctx)
		if err != nil {
			return user.User{}, errors.Wrap(err, "getting context claims")
		}
	}

	usr, err := svc.GetByID(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return user.User{}, errors.Wrap(err, "finding user by ID")
	}
	ctx.Set(contextUserKey, usr)
	return usr, nil
}

// parseRefreshToken validates the signature and shape of a refresh token.
func parseRefreshToken(tokenStr string, conf *core.Config) (*Claims, error) {
	claims := new(Claims)
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != middleware.AlgorithmHS256 {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(conf.SecretKey), nil
	})
	if err != nil {
		return nil, errRefreshExpired
	}
	if claims.TokenUse != TokenUseRefresh {
		return nil, errRefreshExpired
	}
	return claims, nil
}

type authApi struct {
	svc      user.Service
	conf     *core.Config
	audit    core.AuditSink
	validate *validator.Validate
}

func registerAuthAPI(g *echo.Group, api authApi) {
	ag := g.Group("/auth")

	// TODO: rate limit `/password-reset` & `/password-reset-confirm`
	ag.POST("/login", api.login)
	ag.POST("/refresh", api.refreshToken)
	ag.POST("/password-reset", api.resetPassword)
	ag.POST("/password-reset-confirm", api.confirmPasswordReset)
}

func (api *authApi) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	usr, err := authenticate(ctx, data.Email, data.Password, api.svc)
	if err != nil {
		return err
	}
	access, refresh, err := GenerateTokenPair(usr, api.conf)
	if err != nil {
		return errors.Wrap(err, "generating token pair")
	}

	event := core.NewAuditEvent(core.AuditLogin, "")
	event.ActorID, event.ActorEmail, event.SchoolID = usr.ID, usr.Email, usr.SchoolID
	api.audit.Append(event)

	return ctx.JSON(http.StatusOK, AuthResponse{AccessToken: access, RefreshToken: refresh, User: usr})
}

// refreshToken rotates a refresh token into a fresh token pair. The original
// issuance time is carried over so refreshing cannot extend a session forever.
func (api *authApi) refreshToken(ctx echo.Context) error {
	var data RefreshRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to RefreshRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	claims, err := parseRefreshToken(data.RefreshToken, api.conf)
	if err != nil {
		return err
	}

	usr, err := api.svc.GetByID(ctx.Request().Context(), claims.Subject)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return errRefreshExpired
		}
		return errors.Wrap(err, "finding user by ID")
	}
	if !usr.Active() {
		return errAccountDeactivated
	}

	// check if refresh has not expired
	expTime := time.Unix(claims.OrigIssuedAt, 0).Add(api.conf.Server.JWTRefreshExpirationDelta)
	if time.Now().After(expTime) {
		return errRefreshExpired
	}

	access, refresh, err := GenerateTokenPair(usr, api.conf, claims.OrigIssuedAt)
	if err != nil {
		return errors.Wrap(err, "generating token pair")
	}

	event := core.NewAuditEvent(core.AuditTokenRefresh, "")
	event.ActorID, event.ActorEmail, event.SchoolID = usr.ID, usr.Email, usr.SchoolID
	api.audit.Append(event)

	return ctx.JSON(http.StatusOK, AuthResponse{AccessToken: access, RefreshToken: refresh, User: usr})
}

func (api *authApi) resetPassword(ctx echo.Context) error {
	var data PasswordResetRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to PasswordResetRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	if err := api.svc.RequestPasswordReset(ctx.Request().Context(), data.Email); !(err == nil || errors.Cause(err) == user.ErrNotFound) {
		// do not return errors to attackers
		ctx.Logger().Errorf("%+v", errors.Wrap(err, "requesting password reset"))
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{
		Success: "If the email address supplied is associated with an active account on this system, " +
			"an email will arrive in your inbox shortly with instructions to reset your password.",
	})
}

func (api *authApi) confirmPasswordReset(ctx echo.Context) error {
	var data user.ResetUserPassword
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ResetUserPassword")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	if err := api.svc.ResetPassword(ctx.Request().Context(), data); err != nil {
		return errors.Wrap(err, "resetting password")
	}
	api.audit.Append(core.NewAuditEvent(core.AuditPasswordReset, ""))
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "Password has been reset with the new password."})
}

type (
	LoginRequest struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	RefreshRequest struct {
		RefreshToken string `json:"refreshToken" validate:"required"`
	}

	PasswordResetRequest struct {
		Email string `json:"email" validate:"required,email"`
	}

	SuccessResponse struct {
		Success string `json:"success"`
	}
)

func (lr *LoginRequest) Validate(validate *validator.Validate) error {
	lr.Email = core.CleanString(lr.Email, true /* lower */)
	return validate.Struct(lr)
}

func (rr *RefreshRequest) Validate(validate *validator.Validate) error {
	return validate.Struct(rr)
}

func (pr *PasswordResetRequest) Validate(validate *validator.Validate) error {
	pr.Email = core.CleanString(pr.Email, true /* lower */)
	return validate.Struct(pr)
}
