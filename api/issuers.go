package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"github.com/gin-gonic/gin"
)

type issuerInput struct {
	LegalName            string             `json:"legal_name" binding:"required,max=200"`
	TaxId                string             `json:"tax_id" binding:"required,numeric,min=11,max=14"`
	StateRegistration    string             `json:"state_registration" binding:"max=20"`
	Jurisdiction         string             `json:"jurisdiction" binding:"required,len=2,numeric"`
	StateAbbr            string             `json:"state_abbr" binding:"omitempty,len=2,alpha"`
	MunicipalityCode     string             `json:"municipality_code" binding:"omitempty,len=7,numeric"`
	Environment          models.Environment `json:"environment" binding:"omitempty,oneof=production homologation"`
	SecurityCode         *string            `json:"security_code"`
	SecurityCodeId       *string            `json:"security_code_id"`
	CertificateRef       *string            `json:"certificate_ref"`
	CertificateExpiresAt *time.Time         `json:"certificate_expires_at"`
}

func (h *Handler) saveIssuer(c *gin.Context) {
	var in issuerInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	if err := models.ValidateJurisdiction(in.Jurisdiction); err != nil {
		abortWithError(c, err, nil)
		return
	}
	ctx := requestContext(c)
	scope := scopeOf(c)

	issuer := &models.Issuer{ID: scope.IssuerId, TenantId: scope.TenantId}
	existing, err := h.Store.GetIssuer(ctx, scope.TenantId, scope.IssuerId)
	switch {
	case err == nil:
		issuer = existing
	case !errors.Is(err, models.ErrNotFound):
		abortWithError(c, err, nil)
		return
	}

	issuer.LegalName = strings.TrimSpace(in.LegalName)
	issuer.TaxId = in.TaxId
	issuer.StateRegistration = in.StateRegistration
	issuer.Jurisdiction = in.Jurisdiction
	issuer.StateAbbr = strings.ToUpper(in.StateAbbr)
	issuer.MunicipalityCode = in.MunicipalityCode
	issuer.Environment = in.Environment
	if issuer.Environment == "" {
		issuer.Environment = models.EnvironmentHomologation
	}
	if in.SecurityCode != nil {
		issuer.SecurityCode = in.SecurityCode
	}
	if in.SecurityCodeId != nil {
		issuer.SecurityCodeId = in.SecurityCodeId
	}
	if in.CertificateRef != nil {
		issuer.CertificateRef = in.CertificateRef
	}
	if in.CertificateExpiresAt != nil {
		at := in.CertificateExpiresAt.UTC()
		issuer.CertificateExpiresAt = &at
	}

	if err := h.Store.SaveIssuer(ctx, issuer); err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, issuer)
}

func (h *Handler) getIssuer(c *gin.Context) {
	scope := scopeOf(c)
	issuer, err := h.Store.GetIssuer(requestContext(c), scope.TenantId, scope.IssuerId)
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, issuer)
}
