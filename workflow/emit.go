package workflow

import (
	"context"
	"errors"
	"strings"

	"bitbucket.org/mmdatafocus/fiscal_backend/accesskey"
	"bitbucket.org/mmdatafocus/fiscal_backend/gateway"
	"bitbucket.org/mmdatafocus/fiscal_backend/metrics"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"github.com/sirupsen/logrus"
)

type EmitRequest struct {
	Kind    models.DocumentKind
	Series  int
	Payload models.Payload
}

func checkIssuerForEmission(issuer *models.Issuer, rules kindRules, kind models.DocumentKind) error {
	if err := models.ValidateJurisdiction(issuer.Jurisdiction); err != nil {
		return models.NewPreconditionError("issuer jurisdiction %q is invalid", issuer.Jurisdiction)
	}
	taxId := strings.TrimSpace(issuer.TaxId)
	if taxId == "" || len(taxId) > 14 || strings.Trim(taxId, "0123456789") != "" {
		return models.NewPreconditionError("issuer tax id must have up to 14 digits")
	}
	if rules.needsSecurityCode && !issuer.HasSecurityCode() {
		return models.NewPreconditionError("issuer has no security code configured for %s", describe(kind))
	}
	if kind == models.DocumentKindServiceInvoice && strings.TrimSpace(issuer.MunicipalityCode) == "" {
		return models.NewPreconditionError("issuer has no municipality code for %s", describe(kind))
	}
	return nil
}

// Emit allocates the next number, submits the document and commits the
// authority's verdict. On REJECTED or ERROR the persisted document is returned
// together with the classified error.
func (c *Controller) Emit(ctx context.Context, scope models.Scope, req EmitRequest) (*models.FiscalDocument, error) {
	logger := c.log(ctx, scope, "Emit").WithField("kind", req.Kind)

	rules, err := rulesFor(req.Kind)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateSeries(req.Series); err != nil {
		return nil, err
	}
	if err := models.ValidatePayload(req.Kind, req.Payload); err != nil {
		return nil, err
	}
	issuer, err := c.loadIssuer(ctx, scope)
	if err != nil {
		return nil, err
	}
	if err := checkIssuerForEmission(issuer, rules, req.Kind); err != nil {
		return nil, err
	}
	payload, err := models.EncodePayload(req.Payload)
	if err != nil {
		return nil, models.NewValidationError("payload could not be encoded: %v", err)
	}

	// No document row exists until the number is secured.
	number, err := c.Sequencer.Next(ctx, issuer.ID, req.Kind, req.Series)
	if err != nil {
		return nil, err
	}

	now := c.Now()
	doc := &models.FiscalDocument{
		ID:        c.NewID(),
		TenantId:  issuer.TenantId,
		IssuerId:  issuer.ID,
		Kind:      req.Kind,
		Series:    req.Series,
		Number:    number,
		Status:    models.DocumentStatusCreated,
		Amount:    req.Payload.Total(),
		Payload:   payload,
		Version:   1,
		CreatedAt: now,
	}
	logger = logger.WithFields(logrus.Fields{"document_id": doc.ID, "series": doc.Series, "number": doc.Number})

	unlock, err := c.Locker.Lock(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := c.Store.CreateDocument(ctx, doc); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// The counter is behind the persisted numbers; it must be resynced.
			logger.WithError(err).Error("allocated number already persisted")
			return nil, models.NewSequencingUnavailableError(err)
		}
		return nil, err
	}
	metrics.DocumentTransitions.WithLabelValues(string(doc.Kind), string(doc.Status)).Inc()

	if issuer.FirstEmissionAt == nil {
		if err := c.Store.MarkIssuerEmitted(ctx, issuer.ID, now); err != nil {
			logger.WithError(err).Warn("failed to record first emission")
		}
	}

	res, key, err := c.submit(ctx, logger, gateway.IssuerConfigFrom(issuer), doc, req.Payload)
	ctx, cancel := c.settle(ctx)
	defer cancel()
	switch {
	case err != nil:
		if errors.Is(err, models.ErrPrecondition) {
			logger.WithError(err).Error("access key could not be built")
		} else {
			logger.WithError(err).Warn("gateway unavailable during submission")
		}
		doc.Status = models.DocumentStatusError
		doc.ReasonMessage = strPtr(truncate(err.Error(), 1000))
		if cerr := c.commit(ctx, doc, models.DocumentStatusCreated); cerr != nil {
			return nil, cerr
		}
		c.publishDocument(ctx, rules.failed, doc, nil)
		return doc, gatewayFailure(err)

	case !res.Authorized:
		logger.WithFields(logrus.Fields{
			"reason_code": res.ReasonCode,
		}).Info("document rejected by authority")
		doc.Status = models.DocumentStatusRejected
		doc.ReasonCode = strPtr(res.ReasonCode)
		doc.ReasonMessage = strPtr(res.ReasonMessage)
		if cerr := c.commit(ctx, doc, models.DocumentStatusCreated); cerr != nil {
			return nil, cerr
		}
		c.publishDocument(ctx, rules.rejected, doc, nil)
		return doc, models.NewGatewayRejection(res.ReasonCode, res.ReasonMessage)
	}

	if res.AccessKey != "" && res.AccessKey != key {
		if verr := accesskey.Validate(res.AccessKey); verr == nil {
			key = res.AccessKey
		} else {
			logger.WithError(verr).Warn("authority returned a malformed access key; keeping computed key")
		}
	}
	doc.Status = models.DocumentStatusAuthorized
	doc.AccessKey = &key
	doc.Protocol = strPtr(res.Protocol)
	doc.ReasonCode = strPtr(res.ReasonCode)
	doc.ReasonMessage = strPtr(res.ReasonMessage)
	doc.QrCodeUrl = strPtr(res.QrCodeUrl)
	doc.AuthorizedAt = timePtr(c.Now())
	doc.XmlPath = c.storeXml(ctx, doc, "", res.Xml)
	if err := c.commit(ctx, doc, models.DocumentStatusCreated); err != nil {
		logger.WithError(err).Error("failed to commit authorization")
		return nil, err
	}
	logger.WithField("access_key", key).Info("document authorized")
	c.publishDocument(ctx, rules.authorized, doc, nil)
	return doc, nil
}

// submit computes the access key and submits, drawing a new disambiguator
// when the authority reports a key conflict.
func (c *Controller) submit(ctx context.Context, logger *logrus.Entry, cfg gateway.IssuerConfig, doc *models.FiscalDocument, payload models.Payload) (gateway.SubmitResult, string, error) {
	attempts := c.MaxKeyAttempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		res gateway.SubmitResult
		key string
		err error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		key, err = accesskey.Build(accesskey.Fields{
			Jurisdiction:  cfg.Jurisdiction,
			IssuedAt:      doc.CreatedAt,
			TaxId:         strings.TrimSpace(cfg.TaxId),
			Model:         doc.Kind.ModelCode(),
			Series:        doc.Series,
			Number:        doc.Number,
			EmissionMode:  accesskey.EmissionModeNormal,
			Disambiguator: c.Disambiguator(),
		})
		if err != nil {
			return res, "", models.NewPreconditionError("access key cannot be built: %v", err)
		}
		res, err = c.Gateway.Submit(ctx, cfg, gateway.Submission{
			DocumentId: doc.ID,
			Kind:       doc.Kind,
			Series:     doc.Series,
			Number:     doc.Number,
			AccessKey:  key,
			IssuedAt:   doc.CreatedAt,
			Payload:    payload,
		})
		if err != nil {
			return res, key, err
		}
		if res.Authorized || res.ReasonCode != gateway.ReasonKeyConflict {
			return res, key, nil
		}
		logger.WithField("attempt", attempt).Warn("access key conflict; regenerating disambiguator")
	}
	return res, key, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
