package api

import (
	"net/http"
	"strconv"

	"bitbucket.org/mmdatafocus/fiscal_backend/webhook"
	"github.com/gin-gonic/gin"
)

func (h *Handler) getWebhookConfig(c *gin.Context) {
	cfg, err := webhook.GetConfig(requestContext(c), h.Store, tenantId(c))
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *Handler) updateWebhookConfig(c *gin.Context) {
	var in webhook.ConfigUpdate
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	cfg, err := webhook.UpdateConfig(requestContext(c), h.Store, tenantId(c), in)
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *Handler) regenerateSecret(c *gin.Context) {
	secret, err := webhook.RegenerateSecret(requestContext(c), h.Store, tenantId(c))
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook_secret": secret})
}

func (h *Handler) sendTest(c *gin.Context) {
	res, err := h.Dispatcher.SendTest(requestContext(c), tenantId(c))
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) listDeliveries(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(c, errInvalidLimit)
			return
		}
		limit = n
	}
	list, err := h.Ledger.List(requestContext(c), tenantId(c), limit)
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": list})
}

func (h *Handler) getDelivery(c *gin.Context) {
	d, err := h.Ledger.Get(requestContext(c), tenantId(c), c.Param("deliveryId"))
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) redeliver(c *gin.Context) {
	d, err := h.Ledger.Redeliver(requestContext(c), tenantId(c), c.Param("deliveryId"))
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, d)
}
