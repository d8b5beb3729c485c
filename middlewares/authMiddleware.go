package middlewares

import (
	"context"
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/fiscal_backend/appctx"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	HeaderApiKey = "x-api-key"
	tenantKey    = "tenant"
)

type TenantLookup interface {
	FindTenantByApiKeyPrefix(ctx context.Context, prefix string) (*models.Tenant, error)
}

// ApiKeyMiddleware resolves the calling tenant from x-api-key (or a Bearer
// token) and scopes the request context to it.
func ApiKeyMiddleware(tenants TenantLookup, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderApiKey)
		if key == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "api key missing (x-api-key)"})
			return
		}
		prefix, err := models.ApiKeyPrefix(key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		ctx := appctx.WithoutTenantScope(c.Request.Context())
		tenant, err := tenants.FindTenantByApiKeyPrefix(ctx, prefix)
		if err != nil || tenant.VerifyApiKey(key) != nil {
			logger.WithFields(logrus.Fields{
				"field":      "ApiKeyMiddleware",
				"key_prefix": prefix,
			}).Warn("rejected api key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		if !tenant.IsActive {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "tenant is disabled"})
			return
		}

		c.Set(tenantKey, tenant)
		c.Request = c.Request.WithContext(appctx.WithTenant(c.Request.Context(), tenant.ID))
		c.Next()
	}
}

// CurrentTenant returns the tenant resolved by ApiKeyMiddleware.
func CurrentTenant(c *gin.Context) *models.Tenant {
	v, ok := c.Get(tenantKey)
	if !ok {
		return nil
	}
	t, _ := v.(*models.Tenant)
	return t
}
