package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/gateway"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"github.com/sirupsen/logrus"
)

func requireAuthorized(doc *models.FiscalDocument, op string) error {
	if doc.Status != models.DocumentStatusAuthorized {
		return models.NewPreconditionError("cannot %s a %s document", op, doc.Status)
	}
	if doc.AccessKey == nil {
		return models.NewPreconditionError("document %s has no access key", doc.ID)
	}
	return nil
}

// Cancel voids an authorized document within the issuer environment's window.
func (c *Controller) Cancel(ctx context.Context, scope models.Scope, documentId, justification string) (*models.FiscalDocument, error) {
	text, err := models.ValidateJustification("justification", justification)
	if err != nil {
		return nil, err
	}
	doc, issuer, unlock, err := c.lockDocument(ctx, scope, documentId)
	if err != nil {
		return nil, err
	}
	defer unlock()
	logger := c.log(ctx, scope, "Cancel").WithField("document_id", doc.ID)

	rules, err := rulesFor(doc.Kind)
	if err != nil {
		return nil, err
	}
	if !rules.canCancel {
		return nil, models.NewPreconditionError("%s cannot be canceled", describe(doc.Kind))
	}
	if err := requireAuthorized(doc, "cancel"); err != nil {
		return nil, err
	}
	if doc.AuthorizedAt == nil {
		return nil, models.NewPreconditionError("document %s has no authorization time", doc.ID)
	}
	window := c.CancelWindow(issuer.Environment)
	if elapsed := c.Now().Sub(*doc.AuthorizedAt); elapsed > window {
		return nil, models.NewTimeWindowExpiredError("cancellation window of %s expired %s ago",
			window, (elapsed - window).Truncate(time.Minute))
	}

	res, err := c.Gateway.Cancel(ctx, gateway.IssuerConfigFrom(issuer), gateway.CancelRequest{
		Kind:          doc.Kind,
		AccessKey:     *doc.AccessKey,
		Protocol:      valueOf(doc.Protocol),
		Justification: text,
	})
	ctx, cancel := c.settle(ctx)
	defer cancel()
	if err != nil {
		logger.WithError(err).Warn("gateway unavailable during cancellation")
		return nil, gatewayFailure(err)
	}
	if !res.Accepted {
		logger.WithField("reason_code", res.ReasonCode).Info("cancellation rejected by authority")
		return nil, models.NewGatewayRejection(res.ReasonCode, res.ReasonMessage)
	}

	doc.Status = models.DocumentStatusCanceled
	doc.CanceledAt = timePtr(c.Now())
	doc.CancelJustification = &text
	receipt := c.storeXml(ctx, doc, "-cancel", res.Xml)
	if err := c.commit(ctx, doc, models.DocumentStatusAuthorized); err != nil {
		logger.WithError(err).Error("failed to commit cancellation")
		return nil, err
	}
	logger.Info("document canceled")
	extra := map[string]any{
		"justification":  text,
		"event_protocol": res.Protocol,
		"canceled_at":    doc.CanceledAt.UTC(),
	}
	if receipt != nil {
		extra["event_xml_path"] = *receipt
	}
	c.publishDocument(ctx, rules.canceled, doc, extra)
	return doc, nil
}

// Correct appends the next correction event to an authorized goods invoice.
func (c *Controller) Correct(ctx context.Context, scope models.Scope, documentId, text string) (*models.CorrectionEvent, error) {
	text, err := models.ValidateJustification("text", text)
	if err != nil {
		return nil, err
	}
	doc, issuer, unlock, err := c.lockDocument(ctx, scope, documentId)
	if err != nil {
		return nil, err
	}
	defer unlock()
	logger := c.log(ctx, scope, "Correct").WithField("document_id", doc.ID)

	rules, err := rulesFor(doc.Kind)
	if err != nil {
		return nil, err
	}
	if !rules.canCorrect {
		return nil, models.NewPreconditionError("%s does not accept corrections", describe(doc.Kind))
	}
	if err := requireAuthorized(doc, "correct"); err != nil {
		return nil, err
	}
	last, err := c.Store.LastCorrectionSequence(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	next := last + 1
	if next > models.MaxCorrectionSequence {
		return nil, models.NewSequenceLimitExceededError(models.MaxCorrectionSequence)
	}

	res, err := c.Gateway.Correct(ctx, gateway.IssuerConfigFrom(issuer), gateway.CorrectionRequest{
		AccessKey: *doc.AccessKey,
		Sequence:  next,
		Text:      text,
	})
	ctx, cancel := c.settle(ctx)
	defer cancel()
	if err != nil {
		logger.WithError(err).Warn("gateway unavailable during correction")
		return nil, gatewayFailure(err)
	}
	if !res.Accepted {
		logger.WithField("reason_code", res.ReasonCode).Info("correction rejected by authority")
		return nil, models.NewGatewayRejection(res.ReasonCode, res.ReasonMessage)
	}

	ev := &models.CorrectionEvent{
		ID:         c.NewID(),
		TenantId:   doc.TenantId,
		DocumentId: doc.ID,
		Sequence:   next,
		Text:       text,
		Protocol:   strPtr(res.Protocol),
		XmlPath:    c.storeXml(ctx, doc, fmt.Sprintf("-cce-%02d", next), res.Xml),
		CreatedAt:  c.Now(),
	}
	if err := c.Store.AppendCorrection(ctx, doc, doc.Version, ev); err != nil {
		logger.WithError(err).Error("failed to record correction")
		return nil, err
	}
	logger.WithField("sequence", next).Info("correction recorded")
	c.publishDocument(ctx, rules.corrected, doc, map[string]any{
		"sequence":       next,
		"text":           text,
		"event_protocol": res.Protocol,
	})
	return ev, nil
}

// Close ends an authorized manifest's trip in the given jurisdiction.
func (c *Controller) Close(ctx context.Context, scope models.Scope, documentId, closingJurisdiction string) (*models.FiscalDocument, error) {
	if err := models.ValidateJurisdiction(closingJurisdiction); err != nil {
		return nil, err
	}
	doc, issuer, unlock, err := c.lockDocument(ctx, scope, documentId)
	if err != nil {
		return nil, err
	}
	defer unlock()
	logger := c.log(ctx, scope, "Close").WithField("document_id", doc.ID)

	rules, err := rulesFor(doc.Kind)
	if err != nil {
		return nil, err
	}
	if !rules.canClose {
		return nil, models.NewPreconditionError("%s cannot be closed", describe(doc.Kind))
	}
	if err := requireAuthorized(doc, "close"); err != nil {
		return nil, err
	}

	closedAt := c.Now()
	res, err := c.Gateway.Close(ctx, gateway.IssuerConfigFrom(issuer), gateway.CloseRequest{
		AccessKey:    *doc.AccessKey,
		Protocol:     valueOf(doc.Protocol),
		Jurisdiction: closingJurisdiction,
		ClosedAt:     closedAt,
	})
	ctx, cancel := c.settle(ctx)
	defer cancel()
	if err != nil {
		logger.WithError(err).Warn("gateway unavailable during closing")
		return nil, gatewayFailure(err)
	}
	if !res.Accepted {
		logger.WithField("reason_code", res.ReasonCode).Info("closing rejected by authority")
		return nil, models.NewGatewayRejection(res.ReasonCode, res.ReasonMessage)
	}

	doc.Status = models.DocumentStatusClosed
	doc.ClosedAt = &closedAt
	doc.ClosingJurisdiction = &closingJurisdiction
	receipt := c.storeXml(ctx, doc, "-close", res.Xml)
	if err := c.commit(ctx, doc, models.DocumentStatusAuthorized); err != nil {
		logger.WithError(err).Error("failed to commit closing")
		return nil, err
	}
	logger.Info("manifest closed")
	extra := map[string]any{
		"closing_jurisdiction": closingJurisdiction,
		"closed_at":            closedAt.UTC(),
		"event_protocol":       res.Protocol,
	}
	if receipt != nil {
		extra["event_xml_path"] = *receipt
	}
	c.publishDocument(ctx, rules.closed, doc, extra)
	return doc, nil
}

type InvalidateRangeRequest struct {
	Kind          models.DocumentKind
	Series        int
	Start         int64
	End           int64
	Justification string
}

// InvalidateRange declares an unused number range void. It never touches
// document rows and fails if any number in the range was already used.
func (c *Controller) InvalidateRange(ctx context.Context, scope models.Scope, req InvalidateRangeRequest) (*models.RangeInvalidation, error) {
	if req.Kind == "" {
		req.Kind = models.DocumentKindConsumerInvoice
	}
	rules, err := rulesFor(req.Kind)
	if err != nil {
		return nil, err
	}
	if !rules.canInvalidate {
		return nil, models.NewPreconditionError("number ranges of %s cannot be invalidated", describe(req.Kind))
	}
	if err := models.ValidateSeries(req.Series); err != nil {
		return nil, err
	}
	if req.Start < 1 || req.End < req.Start || req.End > models.MaxDocumentNumber {
		return nil, models.NewValidationError("range must satisfy 1 <= start <= end <= %d", models.MaxDocumentNumber)
	}
	text, err := models.ValidateJustification("justification", req.Justification)
	if err != nil {
		return nil, err
	}
	issuer, err := c.loadIssuer(ctx, scope)
	if err != nil {
		return nil, err
	}
	logger := c.log(ctx, scope, "InvalidateRange").WithFields(logrus.Fields{
		"series": req.Series,
		"start":  req.Start,
		"end":    req.End,
	})

	unlock, err := c.Locker.Lock(ctx, fmt.Sprintf("range:%s:%s:%03d", issuer.ID, req.Kind, req.Series))
	if err != nil {
		return nil, err
	}
	defer unlock()

	used, err := c.Store.CountDocumentsInRange(ctx, issuer.ID, req.Kind, req.Series, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	if used > 0 {
		return nil, models.NewPreconditionError("range %d-%d contains %d issued documents", req.Start, req.End, used)
	}

	now := c.Now()
	res, err := c.Gateway.InvalidateRange(ctx, gateway.IssuerConfigFrom(issuer), gateway.InvalidationRequest{
		Kind:          req.Kind,
		Series:        req.Series,
		Start:         req.Start,
		End:           req.End,
		Year:          now.Year(),
		Justification: text,
	})
	ctx, cancel := c.settle(ctx)
	defer cancel()
	if err != nil {
		logger.WithError(err).Warn("gateway unavailable during range invalidation")
		return nil, gatewayFailure(err)
	}
	if !res.Accepted {
		logger.WithField("reason_code", res.ReasonCode).Info("range invalidation rejected by authority")
		return nil, models.NewGatewayRejection(res.ReasonCode, res.ReasonMessage)
	}

	inv := &models.RangeInvalidation{
		ID:            c.NewID(),
		TenantId:      issuer.TenantId,
		IssuerId:      issuer.ID,
		Kind:          req.Kind,
		Series:        req.Series,
		StartNumber:   req.Start,
		EndNumber:     req.End,
		Justification: text,
		Protocol:      strPtr(res.Protocol),
		CreatedAt:     now,
	}
	if err := c.Store.CreateRangeInvalidation(ctx, inv); err != nil {
		logger.WithError(err).Error("failed to record range invalidation")
		return nil, err
	}
	logger.Info("number range invalidated")
	c.publish(ctx, models.EventRangeInvalidated, issuer.TenantId, issuer.ID, "", map[string]any{
		"invalidation_id": inv.ID,
		"issuer_id":       issuer.ID,
		"kind":            req.Kind,
		"series":          req.Series,
		"start":           req.Start,
		"end":             req.End,
		"justification":   text,
		"protocol":        res.Protocol,
	})
	return inv, nil
}

func valueOf(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
