package repository

import (
	"fmt"

	"github.com/noah-isme/sma-assessment-api/internal/models"
)

// scopeCondition appends the tenant predicate for column unless the scope is elevated. Every query that loads
// tenant-owned rows goes through it, so a foreign row is indistinguishable from a missing one.
func scopeCondition(scope models.TenantScope, column string, args []interface{}) (string, []interface{}) {
	if scope.Elevated {
		return "", args
	}
	args = append(args, scope.TenantID)
	return fmt.Sprintf(" AND %s = $%d", column, len(args)), args
}
