// Package store persists tenants, issuers, documents and webhook deliveries.
//
// GormStore is the production backend (MySQL). MemoryStore keeps the same
// contract in process for tests and the simulated profile.
package store

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
)

type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	FindTenantByApiKeyPrefix(ctx context.Context, prefix string) (*models.Tenant, error)
	SaveTenant(ctx context.Context, tenant *models.Tenant) error
}

type IssuerStore interface {
	GetIssuer(ctx context.Context, tenantId, id string) (*models.Issuer, error)
	// SaveIssuer creates or updates; a jurisdiction change after the first emission is a CONFLICT.
	SaveIssuer(ctx context.Context, issuer *models.Issuer) error
	MarkIssuerEmitted(ctx context.Context, issuerId string, at time.Time) error
	ListIssuersWithCertificates(ctx context.Context) ([]models.Issuer, error)
}

type DocumentStore interface {
	// CreateDocument inserts a CREATED document. A duplicate (issuer, kind, series, number) is a CONFLICT.
	CreateDocument(ctx context.Context, doc *models.FiscalDocument) error
	GetDocument(ctx context.Context, tenantId, id string) (*models.FiscalDocument, error)
	// UpdateDocument writes doc's mutable fields only if the stored row still has
	// expectedStatus and expectedVersion; otherwise it returns CONFLICT. On success doc.Version is bumped.
	UpdateDocument(ctx context.Context, doc *models.FiscalDocument, expectedStatus models.DocumentStatus, expectedVersion int) error
	CountDocumentsInRange(ctx context.Context, issuerId string, kind models.DocumentKind, series int, start, end int64) (int64, error)
	MaxDocumentNumbers(ctx context.Context) ([]CounterFloor, error)

	LastCorrectionSequence(ctx context.Context, documentId string) (int, error)
	// AppendCorrection records ev and bumps the document version atomically, guarded like UpdateDocument.
	AppendCorrection(ctx context.Context, doc *models.FiscalDocument, expectedVersion int, ev *models.CorrectionEvent) error
	ListCorrections(ctx context.Context, tenantId, documentId string) ([]models.CorrectionEvent, error)

	CreateRangeInvalidation(ctx context.Context, inv *models.RangeInvalidation) error
}

type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error
	GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, d *models.WebhookDelivery) error
	// ListDeliveries returns a tenant's deliveries newest first.
	ListDeliveries(ctx context.Context, tenantId string, limit int) ([]models.WebhookDelivery, error)
	ListPendingDeliveries(ctx context.Context) ([]models.WebhookDelivery, error)
}

type Store interface {
	TenantStore
	IssuerStore
	DocumentStore
	DeliveryStore
}

// CounterFloor is the highest persisted number of one numbering stream.
type CounterFloor struct {
	IssuerId  string
	Kind      models.DocumentKind
	Series    int
	MaxNumber int64
}
