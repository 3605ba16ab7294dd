package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
)

type referenceChecker interface {
	Missing(ctx context.Context, tenantID string, refs []models.Reference) ([]models.Reference, error)
}

// checkScope rejects calls without a usable tenant boundary. It runs before any repository access.
func checkScope(scope models.TenantScope) error {
	if scope.Elevated {
		return nil
	}
	if strings.TrimSpace(scope.TenantID) == "" {
		return appErrors.Clone(appErrors.ErrUnauthorized, "tenant scope required")
	}
	return nil
}

// ownerTenant is the tenant new records are created under.
func ownerTenant(scope models.TenantScope) (string, error) {
	if err := checkScope(scope); err != nil {
		return "", err
	}
	tenant := strings.TrimSpace(scope.TenantID)
	if tenant == "" {
		return "", appErrors.Clone(appErrors.ErrValidation, "elevated callers must select a tenant to create records")
	}
	return tenant, nil
}

func notFound(entity string) error {
	return appErrors.Clone(appErrors.ErrNotFound, entity+" not found")
}

// requireReferences reports NotFound naming every reference that does not resolve under tenantID.
func requireReferences(ctx context.Context, checker referenceChecker, tenantID string, refs ...models.Reference) error {
	if checker == nil || len(refs) == 0 {
		return nil
	}
	missing, err := checker.Missing(ctx, tenantID, refs)
	if err != nil {
		return appErrors.Internal(err, "failed to resolve references")
	}
	if len(missing) == 0 {
		return nil
	}
	labels := make([]string, 0, len(missing))
	ids := make(map[string]interface{}, len(missing))
	for _, ref := range missing {
		labels = append(labels, ref.Kind)
		ids[ref.Kind] = ref.ID
	}
	return appErrors.WithDetails(appErrors.ErrNotFound, fmt.Sprintf("%s not found", strings.Join(labels, ", ")), map[string]interface{}{"missing": ids})
}
