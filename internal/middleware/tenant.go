package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
	"github.com/noah-isme/sma-assessment-api/pkg/logger"
	"github.com/noah-isme/sma-assessment-api/pkg/response"
)

const (
	// ContextScopeKey is the gin context key storing the resolved models.TenantScope.
	ContextScopeKey = "tenantScope"
	// TenantHeader lets elevated callers act inside a specific tenant.
	TenantHeader = "X-Tenant-ID"
)

// TenantScope resolves the caller's tenant boundary from the JWT claims. SUPERADMIN callers are elevated and
// may pick a tenant with the X-Tenant-ID header; everyone else is pinned to the tenant in their token and the
// header is ignored.
func TenantScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := CurrentUser(c)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		scope := models.TenantScope{TenantID: strings.TrimSpace(claims.TenantID)}
		if claims.Role == models.RoleSuperAdmin {
			scope.Elevated = true
			if override := strings.TrimSpace(c.GetHeader(TenantHeader)); override != "" {
				scope.TenantID = override
			}
		} else if scope.TenantID == "" {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "token carries no tenant"))
			c.Abort()
			return
		}

		c.Set(ContextScopeKey, scope)
		if scope.TenantID != "" {
			c.Set(logger.TenantKey, scope.TenantID)
		}
		c.Next()
	}
}

// ScopeFromContext returns the scope resolved by TenantScope. A missing scope yields the zero value, which
// every service rejects.
func ScopeFromContext(c *gin.Context) models.TenantScope {
	value, exists := c.Get(ContextScopeKey)
	if !exists {
		return models.TenantScope{}
	}
	scope, _ := value.(models.TenantScope)
	return scope
}
