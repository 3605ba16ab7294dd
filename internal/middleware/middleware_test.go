package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-assessment-api/internal/models"
	appErrors "github.com/noah-isme/sma-assessment-api/pkg/errors"
)

type stubValidator map[string]*models.JWTClaims

func (s stubValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	if claims, ok := s[token]; ok {
		return claims, nil
	}
	return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
}

var tokens = stubValidator{
	"teacher": {UserID: "t-1", Role: models.RoleTeacher, TenantID: "tenant-a"},
	"student": {UserID: "st-1", Role: models.RoleStudent, TenantID: "tenant-a"},
	"root":    {UserID: "su", Role: models.RoleSuperAdmin},
	"orphan":  {UserID: "o-1", Role: models.RoleAdmin},
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	chain := append([]gin.HandlerFunc{JWT(tokens), TenantScope()}, handlers...)
	chain = append(chain, func(c *gin.Context) {
		c.JSON(http.StatusOK, ScopeFromContext(c))
	})
	r.GET("/students/:id/scores", chain...)
	return r
}

func do(r http.Handler, token, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTRejectsMissingAndInvalidTokens(t *testing.T) {
	r := newRouter()
	assert.Equal(t, http.StatusUnauthorized, do(r, "", "/students/x/scores", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "forged", "/students/x/scores", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/students/x/scores", nil)
	req.Header.Set("Authorization", "Basic abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTenantScopePinsNonElevatedCallers(t *testing.T) {
	r := newRouter()
	w := do(r, "teacher", "/students/x/scores", map[string]string{TenantHeader: "tenant-b"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tenant_id":"tenant-a","elevated":false}`, w.Body.String())
}

func TestTenantScopeElevatesSuperAdmin(t *testing.T) {
	r := newRouter()
	w := do(r, "root", "/students/x/scores", map[string]string{TenantHeader: "tenant-b"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tenant_id":"tenant-b","elevated":true}`, w.Body.String())

	w = do(r, "root", "/students/x/scores", nil)
	assert.JSONEq(t, `{"tenant_id":"","elevated":true}`, w.Body.String())
}

func TestTenantScopeRejectsTokenWithoutTenant(t *testing.T) {
	w := do(newRouter(), "orphan", "/students/x/scores", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRoles(t *testing.T) {
	r := newRouter(RequireRoles(StaffRoles...))
	assert.Equal(t, http.StatusOK, do(r, "teacher", "/students/st-1/scores", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(r, "student", "/students/st-1/scores", nil).Code)
}

func TestRequireRolesOrSelf(t *testing.T) {
	r := newRouter(RequireRolesOrSelf("id", StaffRoles...))
	assert.Equal(t, http.StatusOK, do(r, "student", "/students/st-1/scores", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(r, "student", "/students/st-2/scores", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, "teacher", "/students/st-2/scores", nil).Code)
}

type recordedRequest struct {
	method, path string
	status       int
}

type observerStub struct{ seen []recordedRequest }

func (o *observerStub) ObserveHTTPRequest(method, path string, status int, _ time.Duration) {
	o.seen = append(o.seen, recordedRequest{method, path, status})
}

func TestMetricsLabelsRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	observer := &observerStub{}
	r := gin.New()
	r.Use(Metrics(observer))
	r.GET("/assessments/:kind/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do(r, "", "/assessments/summative/a-1", nil)
	do(r, "", "/nowhere", nil)

	require.Len(t, observer.seen, 2)
	assert.Equal(t, recordedRequest{http.MethodGet, "/assessments/:kind/:id", http.StatusNoContent}, observer.seen[0])
	assert.Equal(t, "unmatched", observer.seen[1].path)
	assert.Equal(t, http.StatusNotFound, observer.seen[1].status)
}

func TestResponseMetaReportsCacheHit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(WithResponseMeta())
	var collected map[string]interface{}
	r.GET("/plain", func(c *gin.Context) {
		collected = ResponseMeta(c)
		c.Status(http.StatusOK)
	})
	r.GET("/cached", func(c *gin.Context) {
		SetCacheHit(c, true)
		collected = ResponseMeta(c)
		c.Status(http.StatusOK)
	})

	do(r, "", "/plain", nil)
	assert.Nil(t, collected)

	do(r, "", "/cached", nil)
	require.NotNil(t, collected)
	assert.Equal(t, true, collected[cacheHitKey])
	assert.Contains(t, collected, "processing_time_ms")
}

func TestCurrentUserWithoutClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := CurrentUser(c)
	assert.False(t, ok)
	assert.Equal(t, models.TenantScope{}, ScopeFromContext(c))
}
