package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
	"github.com/noah-isme/sma-assessment-api/pkg/response"
)

// Staff roles may write assessments and scores.
var StaffRoles = []models.UserRole{models.RoleSuperAdmin, models.RoleAdmin, models.RoleTeacher}

// RequireRoles rejects callers whose role is not listed.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	return authorize(roles, "")
}

// RequireRolesOrSelf additionally admits a caller whose user id equals the named path parameter, such as a
// student reading their own scores.
func RequireRolesOrSelf(param string, roles ...models.UserRole) gin.HandlerFunc {
	return authorize(roles, param)
}

func authorize(roles []models.UserRole, selfParam string) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(c *gin.Context) {
		claims, ok := CurrentUser(c)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if _, ok := allowed[claims.Role]; ok {
			c.Next()
			return
		}
		if selfParam != "" {
			if target := c.Param(selfParam); target != "" && target == claims.UserID {
				c.Next()
				return
			}
		}
		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}
