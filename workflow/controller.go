package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/accesskey"
	"bitbucket.org/mmdatafocus/fiscal_backend/appctx"
	"bitbucket.org/mmdatafocus/fiscal_backend/artifacts"
	"bitbucket.org/mmdatafocus/fiscal_backend/gateway"
	"bitbucket.org/mmdatafocus/fiscal_backend/metrics"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"bitbucket.org/mmdatafocus/fiscal_backend/sequencer"
	"bitbucket.org/mmdatafocus/fiscal_backend/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the controller needs.
type Store interface {
	store.IssuerStore
	store.DocumentStore
}

// Controller drives documents through their lifecycle. Every transition runs
// under the document lock and commits with an optimistic status/version check.
type Controller struct {
	Store     Store
	Sequencer *sequencer.Sequencer
	Gateway   gateway.Adapter
	Locker    Locker
	Sink      EventSink
	Artifacts artifacts.Store
	Logger    *logrus.Logger

	CancelWindowProduction   time.Duration
	CancelWindowHomologation time.Duration
	// MaxKeyAttempts bounds resubmissions after an access key conflict.
	MaxKeyAttempts int
	// SettleTimeout bounds the commit and publish that follow a gateway call.
	SettleTimeout time.Duration

	Now           func() time.Time
	NewID         func() string
	Disambiguator func() int
}

func NewController(st Store, seq *sequencer.Sequencer, gw gateway.Adapter, logger *logrus.Logger) *Controller {
	return &Controller{
		Store:                    st,
		Sequencer:                seq,
		Gateway:                  gw,
		Locker:                   NewLocalLocker(),
		Sink:                     NopSink{},
		Artifacts:                artifacts.NoopStore{},
		Logger:                   logger,
		CancelWindowProduction:   24 * time.Hour,
		CancelWindowHomologation: 168 * time.Hour,
		MaxKeyAttempts:           3,
		SettleTimeout:            15 * time.Second,
		Now:                      time.Now,
		NewID:                    uuid.NewString,
		Disambiguator:            accesskey.RandomDisambiguator,
	}
}

func (c *Controller) log(ctx context.Context, scope models.Scope, funcName string) *logrus.Entry {
	fields := logrus.Fields{
		"field":     "LifecycleController",
		"func":      funcName,
		"tenant_id": scope.TenantId,
		"issuer_id": scope.IssuerId,
	}
	if cid, ok := appctx.GetString(ctx, appctx.ContextKeyCorrelationId); ok {
		fields["correlation_id"] = cid
	}
	return c.Logger.WithFields(fields)
}

// CancelWindow returns the cancellation window for an issuer environment.
func (c *Controller) CancelWindow(env models.Environment) time.Duration {
	if env == models.EnvironmentProduction {
		return c.CancelWindowProduction
	}
	return c.CancelWindowHomologation
}

func (c *Controller) loadIssuer(ctx context.Context, scope models.Scope) (*models.Issuer, error) {
	if scope.TenantId == "" || scope.IssuerId == "" {
		return nil, models.NewValidationError("tenant and issuer are required")
	}
	return c.Store.GetIssuer(ctx, scope.TenantId, scope.IssuerId)
}

// loadDocument returns the freshest copy of a document owned by scope.
func (c *Controller) loadDocument(ctx context.Context, scope models.Scope, documentId string) (*models.FiscalDocument, error) {
	doc, err := c.Store.GetDocument(ctx, scope.TenantId, documentId)
	if err != nil {
		return nil, err
	}
	if scope.IssuerId != "" && doc.IssuerId != scope.IssuerId {
		return nil, models.NewNotFoundError("document")
	}
	return doc, nil
}

// lockDocument takes the document lock and loads the document and its issuer.
func (c *Controller) lockDocument(ctx context.Context, scope models.Scope, documentId string) (*models.FiscalDocument, *models.Issuer, func(), error) {
	if documentId == "" {
		return nil, nil, nil, models.NewValidationError("document id is required")
	}
	unlock, err := c.Locker.Lock(ctx, documentId)
	if err != nil {
		return nil, nil, nil, err
	}
	doc, err := c.loadDocument(ctx, scope, documentId)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	issuer, err := c.Store.GetIssuer(ctx, doc.TenantId, doc.IssuerId)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	return doc, issuer, unlock, nil
}

// settle returns the context for the work that follows a gateway call. Once
// the authority has been asked, its verdict is committed and published even
// if the caller has gone away.
func (c *Controller) settle(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.SettleTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// commit persists doc if its stored status is still expected.
func (c *Controller) commit(ctx context.Context, doc *models.FiscalDocument, expected models.DocumentStatus) error {
	if err := c.Store.UpdateDocument(ctx, doc, expected, doc.Version); err != nil {
		return err
	}
	metrics.DocumentTransitions.WithLabelValues(string(doc.Kind), string(doc.Status)).Inc()
	return nil
}

func documentEventData(doc *models.FiscalDocument) map[string]any {
	data := map[string]any{
		"document_id": doc.ID,
		"issuer_id":   doc.IssuerId,
		"kind":        doc.Kind,
		"series":      doc.Series,
		"number":      doc.Number,
		"status":      doc.Status,
		"amount":      doc.Amount.StringFixed(2),
	}
	if doc.AccessKey != nil {
		data["access_key"] = *doc.AccessKey
	}
	if doc.Protocol != nil {
		data["protocol"] = *doc.Protocol
	}
	if doc.ReasonCode != nil {
		data["reason_code"] = *doc.ReasonCode
	}
	if doc.ReasonMessage != nil {
		data["reason_message"] = *doc.ReasonMessage
	}
	if doc.QrCodeUrl != nil {
		data["qr_code_url"] = *doc.QrCodeUrl
	}
	return data
}

func (c *Controller) publish(ctx context.Context, kind models.EventKind, tenantId, issuerId, documentId string, data map[string]any) {
	if kind == "" || c.Sink == nil {
		return
	}
	c.Sink.Publish(ctx, models.LifecycleEvent{
		Kind:       kind,
		TenantId:   tenantId,
		IssuerId:   issuerId,
		DocumentId: documentId,
		OccurredAt: c.Now().UTC(),
		Data:       data,
	})
}

func (c *Controller) publishDocument(ctx context.Context, kind models.EventKind, doc *models.FiscalDocument, extra map[string]any) {
	data := documentEventData(doc)
	for k, v := range extra {
		data[k] = v
	}
	c.publish(ctx, kind, doc.TenantId, doc.IssuerId, doc.ID, data)
}

// storeXml writes an authority receipt. A storage failure is logged and
// never fails a transition the authority already accepted.
func (c *Controller) storeXml(ctx context.Context, doc *models.FiscalDocument, suffix string, xml []byte) *string {
	if len(xml) == 0 || c.Artifacts == nil || doc.AccessKey == nil {
		return nil
	}
	name := artifacts.ObjectName(doc.Kind, *doc.AccessKey, suffix)
	path, err := c.Artifacts.Put(ctx, name, xml, artifacts.ContentTypeXml)
	if err != nil {
		c.Logger.WithFields(logrus.Fields{
			"field":       "LifecycleController",
			"tenant_id":   doc.TenantId,
			"document_id": doc.ID,
			"object":      name,
		}).WithError(err).Warn("failed to store xml artifact")
		return nil
	}
	if path == "" {
		return nil
	}
	return &path
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// Document returns one document of the scope's tenant.
func (c *Controller) Document(ctx context.Context, scope models.Scope, documentId string) (*models.FiscalDocument, error) {
	return c.loadDocument(ctx, scope, documentId)
}

// Corrections lists a document's correction events in sequence order.
func (c *Controller) Corrections(ctx context.Context, scope models.Scope, documentId string) ([]models.CorrectionEvent, error) {
	if _, err := c.loadDocument(ctx, scope, documentId); err != nil {
		return nil, err
	}
	return c.Store.ListCorrections(ctx, scope.TenantId, documentId)
}

// CheckStatus asks the authority whether the service for kind is up in the issuer's jurisdiction.
func (c *Controller) CheckStatus(ctx context.Context, scope models.Scope, kind models.DocumentKind) (gateway.ServiceStatus, error) {
	if !kind.Valid() {
		return gateway.ServiceStatus{}, models.NewValidationError("unsupported document kind %q", kind)
	}
	issuer, err := c.loadIssuer(ctx, scope)
	if err != nil {
		return gateway.ServiceStatus{}, err
	}
	status, err := c.Gateway.CheckStatus(ctx, gateway.IssuerConfigFrom(issuer), kind)
	if err != nil {
		c.log(ctx, scope, "CheckStatus").WithError(err).Warn("status check failed")
		return gateway.ServiceStatus{}, models.NewGatewayUnavailableError(err)
	}
	return status, nil
}

// gatewayFailure maps an adapter error to GATEWAY_UNAVAILABLE, keeping
// already classified errors.
func gatewayFailure(err error) error {
	var fe *models.FiscalError
	if errors.As(err, &fe) {
		return err
	}
	return models.NewGatewayUnavailableError(err)
}

func describe(kind models.DocumentKind) string {
	switch kind {
	case models.DocumentKindGoodsInvoice:
		return "goods invoice"
	case models.DocumentKindConsumerInvoice:
		return "consumer invoice"
	case models.DocumentKindManifest:
		return "manifest"
	case models.DocumentKindServiceInvoice:
		return "service invoice"
	}
	return fmt.Sprintf("document kind %s", kind)
}
