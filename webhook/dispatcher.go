package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TenantSource resolves the tenant that owns an event.
type TenantSource interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
}

// Dispatcher turns lifecycle events into signed envelopes for the tenant's
// endpoint and hands them to the Ledger.
type Dispatcher struct {
	Tenants TenantSource
	Ledger  *Ledger
	Logger  *logrus.Logger
	Now     func() time.Time
	NewID   func() string

	wg sync.WaitGroup
}

func NewDispatcher(tenants TenantSource, ledger *Ledger, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		Tenants: tenants,
		Ledger:  ledger,
		Logger:  logger,
		Now:     time.Now,
		NewID:   uuid.NewString,
	}
}

// Dispatch delivers ev synchronously. It returns nil, nil when the tenant has
// no endpoint or is not subscribed to ev.Kind.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.LifecycleEvent) (*models.WebhookDelivery, error) {
	logger := d.Logger.WithFields(logrus.Fields{
		"field":      "WebhookDispatcher",
		"tenant_id":  ev.TenantId,
		"event_kind": ev.Kind,
	})
	tenant, err := d.Tenants.GetTenant(ctx, ev.TenantId)
	if err != nil {
		return nil, err
	}
	url, secret, ok := tenant.WebhookTarget()
	if !ok {
		logger.Debug("tenant has no webhook configured")
		return nil, nil
	}
	if !tenant.Subscribes(ev.Kind) {
		logger.Debug("tenant not subscribed to event")
		return nil, nil
	}

	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = d.Now()
	}
	body, err := Envelope{ID: d.NewID(), Kind: ev.Kind, Timestamp: occurred, Data: ev.Data}.Encode()
	if err != nil {
		return nil, err
	}
	return d.Ledger.Deliver(ctx, tenant.ID, ev.Kind, url, body, SignatureHeader(secret, body))
}

// Publish dispatches ev in the background; the caller never waits on delivery.
func (d *Dispatcher) Publish(ctx context.Context, ev models.LifecycleEvent) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.Dispatch(context.WithoutCancel(ctx), ev); err != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":       "WebhookDispatcher",
				"tenant_id":   ev.TenantId,
				"event_kind":  ev.Kind,
				"document_id": ev.DocumentId,
			}).WithError(err).Error("webhook dispatch failed")
		}
	}()
}

// Wait blocks until background dispatches have recorded their first attempt.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

type TestResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
	Error      string `json:"error,omitempty"`
}

var ErrWebhookNotConfigured = errors.New("webhook url not configured")

// SendTest posts a signed sample event to the tenant's endpoint without
// recording a delivery.
func (d *Dispatcher) SendTest(ctx context.Context, tenantId string) (TestResult, error) {
	tenant, err := d.Tenants.GetTenant(ctx, tenantId)
	if err != nil {
		return TestResult{}, err
	}
	url, secret, ok := tenant.WebhookTarget()
	if !ok {
		return TestResult{}, models.NewPreconditionError("%v", ErrWebhookNotConfigured)
	}
	body, err := Envelope{
		ID:        d.NewID(),
		Kind:      models.EventInvoiceAuthorized,
		Timestamp: d.Now(),
		Data: map[string]any{
			"test":       true,
			"message":    "This is a test webhook event",
			"access_key": "00000000000000000000000000000000000000000000",
			"status":     models.DocumentStatusAuthorized,
			"amount":     "1234.56",
		},
	}.Encode()
	if err != nil {
		return TestResult{}, err
	}
	resp, err := d.Ledger.Sender.Send(ctx, Request{
		URL:        url,
		DeliveryId: "test",
		EventKind:  models.EventInvoiceAuthorized,
		Body:       body,
		Signature:  SignatureHeader(secret, body),
	})
	if err != nil {
		return TestResult{Success: false, Error: err.Error()}, nil
	}
	return TestResult{Success: resp.OK(), StatusCode: resp.StatusCode, Body: resp.Body}, nil
}
