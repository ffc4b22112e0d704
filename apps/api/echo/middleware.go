package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/user"
)

// accessTokenMiddleware rejects tokens minted for any other use than API
// access; a refresh token cannot double as an access token.
func accessTokenMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if claims.TokenUse != TokenUseAccess {
				return errUnauthorized
			}
			return next(ctx)
		}
	}
}

// adminMiddleware restricts an endpoint to admins. When roles are given, the
// caller must additionally hold one of them; super admins always pass.
func adminMiddleware(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if claims.IsAdmin && claimsHaveAnyRole(claims, roles) {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

func claimsHaveAnyRole(claims Claims, roles []string) bool {
	if len(roles) == 0 || claims.Role == user.RoleSuperAdmin {
		return true
	}
	for _, role := range roles {
		if claims.Role == role {
			return true
		}
	}
	return false
}
