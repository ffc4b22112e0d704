package echoapi

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
	storagesvc "github.com/trezcool/shule/services/storage"
)

const errUploadNotAllowed = "upload not allowed for this school"

type uploadApi struct {
	signer   *storagesvc.Signer
	audit    core.AuditSink
	validate *validator.Validate
}

func registerUploadAPI(g *echo.Group, jwt echo.MiddlewareFunc, api uploadApi) {
	ug := g.Group("/uploads", jwt, accessTokenMiddleware())
	ug.POST("/sign", api.sign)
}

// sign presigns a direct-to-storage upload. Non super admins may only
// target object keys under their own school's prefix.
func (api *uploadApi) sign(ctx echo.Context) error {
	var data SignUploadRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SignUploadRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	if claims.Role != user.RoleSuperAdmin {
		prefix := "schools/" + claims.SchoolID + "/"
		if claims.SchoolID == "" || !strings.HasPrefix(data.ObjectKey, prefix) {
			return echo.NewHTTPError(http.StatusForbidden, errUploadNotAllowed)
		}
	}

	signed, err := api.signer.Sign(data.ObjectKey, data.ContentType)
	if err != nil {
		// a misconfigured storage backend is a server fault, not the caller's
		return errors.Wrap(err, "presigning upload")
	}

	event := core.NewAuditEvent(core.AuditUploadSigned, data.ObjectKey)
	event.ActorID, event.ActorEmail, event.SchoolID = claims.Subject, claims.Email, claims.SchoolID
	api.audit.Append(event)

	return ctx.JSON(http.StatusOK, signed)
}

type SignUploadRequest struct {
	ObjectKey   string `json:"objectKey" validate:"required"`
	ContentType string `json:"contentType"`
}

func (sr *SignUploadRequest) Validate(validate *validator.Validate) error {
	sr.ObjectKey = core.CleanString(sr.ObjectKey)
	return validate.Struct(sr)
}
