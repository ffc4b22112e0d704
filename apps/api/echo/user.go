package echoapi

import (
	"net/http"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
)

var (
	errUsrNotFoundInCtx   = errors.New("user object not found in echo.Context")
	errNoPermsToSetRole   = "not enough rights to set this role"
	errNoPermsForSchool   = "not enough rights to manage users of this school"
	errSchoolChangeDenied = "only super admins may move users between schools"
)

type userApi struct {
	svc      user.Service
	audit    core.AuditSink
	validate *validator.Validate
}

func registerUserAPI(g *echo.Group, jwt echo.MiddlewareFunc, api userApi) {
	ug := g.Group("/users", jwt, accessTokenMiddleware())

	ug.GET("/me", api.me)
	ug.POST("/register", api.create, adminMiddleware())
	ug.GET("", api.query, adminMiddleware())
	ug.DELETE("", api.destroyMultiple, adminMiddleware())
	ug.GET("/roles", api.queryRoles, adminMiddleware())

	// detail endpoints
	dg := ug.Group("/:id", ctxUserOrAdminMiddleware(api.svc))
	dg.GET("", api.retrieve)
	dg.PUT("", api.update)
	dg.DELETE("", api.destroy, adminMiddleware())
}

// Handlers

func (api *userApi) me(ctx echo.Context) error {
	usr, err := getContextUser(ctx, api.svc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	return ctx.JSON(http.StatusOK, usr)
}

func (api *userApi) create(ctx echo.Context) error {
	var data user.NewUser
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewUser")
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	// school admins only manage their own school and cannot mint admins
	// above them; checked before validation so the caller learns about
	// their missing rights rather than the field rules
	if claims.Role != user.RoleSuperAdmin {
		if data.SchoolID != claims.SchoolID {
			return core.NewValidationError(nil, core.FieldError{Field: "school_id", Error: errNoPermsForSchool})
		}
		if data.Role == user.RoleSuperAdmin {
			return core.NewValidationError(nil, core.FieldError{Field: "role", Error: errNoPermsToSetRole})
		}
	}

	if err := data.Validate(ctx.Request().Context(), api.validate, api.svc); err != nil {
		return err
	}

	usr, err := api.svc.Create(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating user")
	}

	event := core.NewAuditEvent(core.AuditUserCreated, usr.Email)
	event.ActorID, event.ActorEmail, event.SchoolID = claims.Subject, claims.Email, usr.SchoolID
	api.audit.Append(event)

	return ctx.JSON(http.StatusCreated, usr)
}

func (api *userApi) query(ctx echo.Context) error {
	filter := new(user.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []user.User{})
	}
	filter.Clean()
	ordering := new(Ordering)
	ordering.Bind(ctx)

	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	// school admins only ever see their own school
	if claims.Role != user.RoleSuperAdmin {
		filter.SchoolID = claims.SchoolID
	}

	users, err := api.svc.Query(ctx.Request().Context(), filter, ordering.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying users")
	}
	if users == nil {
		users = []user.User{}
	}
	return ctx.JSON(http.StatusOK, users)
}

func (api *userApi) retrieve(ctx echo.Context) error {
	usr, ok := ctx.Get("object").(user.User)
	if !ok {
		return errors.Wrap(errUsrNotFoundInCtx, "retrieving object from context")
	}
	return ctx.JSON(http.StatusOK, usr)
}

func (api *userApi) update(ctx echo.Context) error {
	usr, ok := ctx.Get("object").(user.User)
	if !ok {
		return errors.Wrap(errUsrNotFoundInCtx, "retrieving object from context")
	}

	var data user.UpdateUser
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateUser")
	}

	ctxUsr, err := getContextUser(ctx, api.svc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	if !ctxUsr.IsAdmin() {
		// `IsActive`, `Role` and `Email` can only be changed by admin
		if data.IsActive != nil || data.Role != "" || data.Email != "" {
			return errHttpForbidden
		}
	}
	if !ctxUsr.IsSuperAdmin() {
		if data.SchoolID != nil && *data.SchoolID != usr.SchoolID {
			return core.NewValidationError(nil, core.FieldError{Field: "school_id", Error: errSchoolChangeDenied})
		}
		if data.Role == user.RoleSuperAdmin {
			return core.NewValidationError(nil, core.FieldError{Field: "role", Error: errNoPermsToSetRole})
		}
	}

	if err = data.Validate(ctx.Request().Context(), usr, api.validate, api.svc); err != nil {
		return err
	}

	usr, err = api.svc.Update(ctx.Request().Context(), usr.ID, data)
	if err != nil {
		return errors.Wrap(err, "updating user")
	}

	event := core.NewAuditEvent(core.AuditUserUpdated, usr.Email)
	event.ActorID, event.ActorEmail, event.SchoolID = ctxUsr.ID, ctxUsr.Email, usr.SchoolID
	api.audit.Append(event)

	return ctx.JSON(http.StatusOK, usr)
}

func (api *userApi) destroy(ctx echo.Context) error {
	usr, ok := ctx.Get("object").(user.User)
	if !ok {
		return errors.Wrap(errUsrNotFoundInCtx, "retrieving object from context")
	}

	// Say No to Suicide! ctxUser cannot delete themselves
	ctxUsr, err := getContextUser(ctx, api.svc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	if usr.ID == ctxUsr.ID {
		return errHttpForbidden
	}

	if err = api.svc.Delete(ctx.Request().Context(), usr.ID); err != nil {
		return errors.Wrap(err, "deleting user")
	}

	event := core.NewAuditEvent(core.AuditUserDeleted, usr.Email)
	event.ActorID, event.ActorEmail, event.SchoolID = ctxUsr.ID, ctxUsr.Email, usr.SchoolID
	api.audit.Append(event)

	return ctx.NoContent(http.StatusNoContent)
}

func (api *userApi) destroyMultiple(ctx echo.Context) error {
	var query DestroyMultipleRequest
	if err := ctx.Bind(&query); err != nil {
		return errors.Wrap(err, "binding to DestroyMultipleRequest")
	}
	if query.IDs == nil {
		return ctx.NoContent(http.StatusNoContent)
	}

	// Say No to Suicide! ctxUser cannot delete themselves
	ctxUsr, err := getContextUser(ctx, api.svc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	sort.Strings(query.IDs)
	if i := sort.SearchStrings(query.IDs, ctxUsr.ID); i < len(query.IDs) {
		if match := query.IDs[i]; ctxUsr.ID == match {
			return errHttpForbidden
		}
	}

	if err = api.svc.Delete(ctx.Request().Context(), query.IDs...); err != nil {
		return errors.Wrap(err, "deleting users")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *userApi) queryRoles(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, user.Roles)
}

// ctxUserOrAdminMiddleware loads the target user into the context. Plain
// users only reach their own record; admins reach records of their school,
// super admins reach everyone. Anything else reads as not found.
func ctxUserOrAdminMiddleware(svc user.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			ctxUsr, err := getContextUser(ctx, svc)
			if err != nil {
				return errors.Wrap(err, "getting context user")
			}

			if ctx.Param("id") == ctxUsr.ID || ctxUsr.IsAdmin() {
				if usr, err := svc.GetByID(ctx.Request().Context(), ctx.Param("id")); err == nil {
					if usr.ID != ctxUsr.ID && !ctxUsr.CanAccessTenant(usr.SchoolID) {
						return errHttpNotFound
					}
					ctx.Set("object", usr)
					return next(ctx)
				} else if errors.Cause(err) != user.ErrNotFound {
					return errors.Wrap(err, "finding user by ID")
				}
			}
			return errHttpNotFound
		}
	}
}

type DestroyMultipleRequest struct {
	IDs []string `query:"id"`
}
