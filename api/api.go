package api

import (
	"context"
	"net/http"

	"bitbucket.org/mmdatafocus/fiscal_backend/middlewares"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"bitbucket.org/mmdatafocus/fiscal_backend/store"
	"bitbucket.org/mmdatafocus/fiscal_backend/webhook"
	"bitbucket.org/mmdatafocus/fiscal_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Store interface {
	store.TenantStore
	store.IssuerStore
}

// Handler exposes the lifecycle controller and webhook ledger over HTTP.
// Every route acts for the tenant resolved from the API key.
type Handler struct {
	Controller *workflow.Controller
	Ledger     *webhook.Ledger
	Dispatcher *webhook.Dispatcher
	Store      Store
	Logger     *logrus.Logger
}

// Register mounts the authenticated /v1 routes on r.
func (h *Handler) Register(r gin.IRouter, auth ...gin.HandlerFunc) {
	v1 := r.Group("/v1", auth...)

	v1.POST("/api-key/regenerate", h.regenerateApiKey)

	issuers := v1.Group("/issuers/:issuerId")
	issuers.PUT("", h.saveIssuer)
	issuers.GET("", h.getIssuer)
	issuers.GET("/status/:kind", h.checkStatus)
	issuers.POST("/documents", h.emit)
	issuers.GET("/documents/:documentId", h.getDocument)
	issuers.POST("/documents/:documentId/cancel", h.cancel)
	issuers.POST("/documents/:documentId/corrections", h.correct)
	issuers.GET("/documents/:documentId/corrections", h.listCorrections)
	issuers.POST("/documents/:documentId/close", h.close)
	issuers.POST("/invalidations", h.invalidateRange)

	hooks := v1.Group("/webhooks")
	hooks.GET("/config", h.getWebhookConfig)
	hooks.PATCH("/config", h.updateWebhookConfig)
	hooks.POST("/secret/regenerate", h.regenerateSecret)
	hooks.POST("/test", h.sendTest)
	hooks.GET("/deliveries", h.listDeliveries)
	hooks.GET("/deliveries/:deliveryId", h.getDelivery)
	hooks.POST("/deliveries/:deliveryId/redeliver", h.redeliver)
}

type RouterOptions struct {
	// Global middleware runs before routing, e.g. CORS.
	Global []gin.HandlerFunc
	// AfterAuth runs once the tenant is known, e.g. rate limiting.
	AfterAuth []gin.HandlerFunc
}

// NewRouter builds the gin engine with health, metrics and the /v1 surface.
func NewRouter(h *Handler, tenants middlewares.TenantLookup, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(middlewares.ErrorLogger(h.Logger))
	r.Use(gin.Recovery())
	r.Use(opts.Global...)

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := append([]gin.HandlerFunc{middlewares.ApiKeyMiddleware(tenants, h.Logger)}, opts.AfterAuth...)
	h.Register(r, auth...)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func tenantId(c *gin.Context) string {
	if t := middlewares.CurrentTenant(c); t != nil {
		return t.ID
	}
	return ""
}

func scopeOf(c *gin.Context) models.Scope {
	return models.Scope{TenantId: tenantId(c), IssuerId: c.Param("issuerId")}
}

func requestContext(c *gin.Context) context.Context {
	return c.Request.Context()
}

func (h *Handler) regenerateApiKey(c *gin.Context) {
	ctx := requestContext(c)
	tenant, err := h.Store.GetTenant(ctx, tenantId(c))
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	key, err := tenant.RotateApiKey()
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	if err := h.Store.SaveTenant(ctx, tenant); err != nil {
		abortWithError(c, err, nil)
		return
	}
	h.Logger.WithFields(logrus.Fields{
		"field":     "api",
		"tenant_id": tenant.ID,
	}).Info("api key rotated")
	c.JSON(http.StatusOK, gin.H{"api_key": key})
}
