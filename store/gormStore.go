package store

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/appctx"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// GormStore is the MySQL-backed Store. Every tenant-owned query both filters on
// tenant_id explicitly and carries the tenant in ctx for the tenant guard plugin.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewNotFoundError(what)
	}
	return err
}

func (s *GormStore) tenantDB(ctx context.Context, tenantId string) *gorm.DB {
	return s.db.WithContext(appctx.WithTenant(ctx, tenantId))
}

func (s *GormStore) systemDB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(appctx.WithoutTenantScope(ctx))
}

func (s *GormStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	if err := s.systemDB(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFoundOr(err, "tenant")
	}
	return &t, nil
}

func (s *GormStore) FindTenantByApiKeyPrefix(ctx context.Context, prefix string) (*models.Tenant, error) {
	var t models.Tenant
	if err := s.systemDB(ctx).Where("api_key_prefix = ? AND is_active = ?", prefix, true).First(&t).Error; err != nil {
		return nil, notFoundOr(err, "tenant")
	}
	return &t, nil
}

func (s *GormStore) SaveTenant(ctx context.Context, tenant *models.Tenant) error {
	return s.systemDB(ctx).Save(tenant).Error
}

func (s *GormStore) GetIssuer(ctx context.Context, tenantId, id string) (*models.Issuer, error) {
	var i models.Issuer
	if err := s.tenantDB(ctx, tenantId).Where("id = ? AND tenant_id = ?", id, tenantId).First(&i).Error; err != nil {
		return nil, notFoundOr(err, "issuer")
	}
	return &i, nil
}

func (s *GormStore) SaveIssuer(ctx context.Context, issuer *models.Issuer) error {
	return s.tenantDB(ctx, issuer.TenantId).Transaction(func(tx *gorm.DB) error {
		var existing models.Issuer
		err := tx.Where("id = ?", issuer.ID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(issuer).Error
		}
		if err != nil {
			return err
		}
		if existing.JurisdictionLocked() && existing.Jurisdiction != issuer.Jurisdiction {
			return models.NewConflictError("jurisdiction cannot change after the first emission")
		}
		issuer.FirstEmissionAt = existing.FirstEmissionAt
		return tx.Save(issuer).Error
	})
}

func (s *GormStore) MarkIssuerEmitted(ctx context.Context, issuerId string, at time.Time) error {
	return s.systemDB(ctx).Model(&models.Issuer{}).
		Where("id = ? AND first_emission_at IS NULL", issuerId).
		Update("first_emission_at", at).Error
}

func (s *GormStore) ListIssuersWithCertificates(ctx context.Context) ([]models.Issuer, error) {
	var issuers []models.Issuer
	err := s.systemDB(ctx).Where("certificate_expires_at IS NOT NULL").Order("id").Find(&issuers).Error
	return issuers, err
}

func (s *GormStore) CreateDocument(ctx context.Context, doc *models.FiscalDocument) error {
	if doc.Version == 0 {
		doc.Version = 1
	}
	if err := s.tenantDB(ctx, doc.TenantId).Create(doc).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return models.NewConflictError("document number %d already used", doc.Number)
		}
		return err
	}
	return nil
}

func (s *GormStore) GetDocument(ctx context.Context, tenantId, id string) (*models.FiscalDocument, error) {
	var doc models.FiscalDocument
	if err := s.tenantDB(ctx, tenantId).Where("id = ? AND tenant_id = ?", id, tenantId).First(&doc).Error; err != nil {
		return nil, notFoundOr(err, "document")
	}
	return &doc, nil
}

func documentChanges(doc *models.FiscalDocument, version int) map[string]interface{} {
	return map[string]interface{}{
		"status":               doc.Status,
		"access_key":           doc.AccessKey,
		"protocol":             doc.Protocol,
		"reason_code":          doc.ReasonCode,
		"reason_message":       doc.ReasonMessage,
		"xml_path":             doc.XmlPath,
		"qr_code_url":          doc.QrCodeUrl,
		"cancel_justification": doc.CancelJustification,
		"closing_jurisdiction": doc.ClosingJurisdiction,
		"authorized_at":        doc.AuthorizedAt,
		"canceled_at":          doc.CanceledAt,
		"closed_at":            doc.ClosedAt,
		"version":              version,
	}
}

func (s *GormStore) UpdateDocument(ctx context.Context, doc *models.FiscalDocument, expectedStatus models.DocumentStatus, expectedVersion int) error {
	res := s.tenantDB(ctx, doc.TenantId).Model(&models.FiscalDocument{}).
		Where("id = ? AND tenant_id = ? AND status = ? AND version = ?", doc.ID, doc.TenantId, expectedStatus, expectedVersion).
		Updates(documentChanges(doc, expectedVersion+1))
	if res.Error != nil {
		if isDuplicateKeyErr(res.Error) {
			return models.NewConflictError("access key already in use")
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.NewConflictError("document %s changed concurrently", doc.ID)
	}
	doc.Version = expectedVersion + 1
	return nil
}

func (s *GormStore) CountDocumentsInRange(ctx context.Context, issuerId string, kind models.DocumentKind, series int, start, end int64) (int64, error) {
	var n int64
	err := s.systemDB(ctx).Model(&models.FiscalDocument{}).
		Where("issuer_id = ? AND kind = ? AND series = ? AND number BETWEEN ? AND ?", issuerId, kind, series, start, end).
		Count(&n).Error
	return n, err
}

func (s *GormStore) MaxDocumentNumbers(ctx context.Context) ([]CounterFloor, error) {
	var floors []CounterFloor
	err := s.systemDB(ctx).Model(&models.FiscalDocument{}).
		Select("issuer_id, kind, series, MAX(number) AS max_number").
		Group("issuer_id, kind, series").
		Scan(&floors).Error
	return floors, err
}

func (s *GormStore) LastCorrectionSequence(ctx context.Context, documentId string) (int, error) {
	var last int
	err := s.systemDB(ctx).Model(&models.CorrectionEvent{}).
		Where("document_id = ?", documentId).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error
	return last, err
}

func (s *GormStore) AppendCorrection(ctx context.Context, doc *models.FiscalDocument, expectedVersion int, ev *models.CorrectionEvent) error {
	err := s.tenantDB(ctx, doc.TenantId).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.FiscalDocument{}).
			Where("id = ? AND tenant_id = ? AND status = ? AND version = ?", doc.ID, doc.TenantId, models.DocumentStatusAuthorized, expectedVersion).
			Update("version", expectedVersion+1)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.NewConflictError("document %s changed concurrently", doc.ID)
		}
		if err := tx.Create(ev).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return models.NewConflictError("correction sequence %d already recorded", ev.Sequence)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	doc.Version = expectedVersion + 1
	return nil
}

func (s *GormStore) ListCorrections(ctx context.Context, tenantId, documentId string) ([]models.CorrectionEvent, error) {
	var events []models.CorrectionEvent
	err := s.tenantDB(ctx, tenantId).
		Where("document_id = ? AND tenant_id = ?", documentId, tenantId).
		Order("sequence").
		Find(&events).Error
	return events, err
}

func (s *GormStore) CreateRangeInvalidation(ctx context.Context, inv *models.RangeInvalidation) error {
	return s.tenantDB(ctx, inv.TenantId).Create(inv).Error
}

func (s *GormStore) CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	if err := s.tenantDB(ctx, d.TenantId).Create(d).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return models.NewConflictError("delivery %s already exists", d.ID)
		}
		return err
	}
	return nil
}

func (s *GormStore) GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	if err := s.systemDB(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, notFoundOr(err, "delivery")
	}
	return &d, nil
}

func (s *GormStore) UpdateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	return s.systemDB(ctx).Model(&models.WebhookDelivery{}).
		Where("id = ?", d.ID).
		Updates(map[string]interface{}{
			"status":          d.Status,
			"attempts":        d.Attempts,
			"last_error":      d.LastError,
			"last_status":     d.LastStatus,
			"first_failed_at": d.FirstFailedAt,
			"next_attempt_at": d.NextAttemptAt,
			"delivered_at":    d.DeliveredAt,
		}).Error
}

func (s *GormStore) ListDeliveries(ctx context.Context, tenantId string, limit int) ([]models.WebhookDelivery, error) {
	var out []models.WebhookDelivery
	q := s.tenantDB(ctx, tenantId).Where("tenant_id = ?", tenantId).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *GormStore) ListPendingDeliveries(ctx context.Context) ([]models.WebhookDelivery, error) {
	var out []models.WebhookDelivery
	err := s.systemDB(ctx).Where("status = ?", models.DeliveryStatusPending).Order("created_at").Find(&out).Error
	return out, err
}
