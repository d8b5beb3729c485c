package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"bitbucket.org/mmdatafocus/fiscal_backend/sequencer"
)

// MemoryStore is an in-process Store and sequencer.Counter. Records are copied
// on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu            sync.Mutex
	tenants       map[string]models.Tenant
	issuers       map[string]models.Issuer
	documents     map[string]*models.FiscalDocument
	corrections   map[string][]models.CorrectionEvent
	invalidations []models.RangeInvalidation
	deliveries    map[string]*models.WebhookDelivery
	counters      map[sequencer.Key]int64

	// CounterErr, when set, fails every IncrementAndGet.
	CounterErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:     map[string]models.Tenant{},
		issuers:     map[string]models.Issuer{},
		documents:   map[string]*models.FiscalDocument{},
		corrections: map[string][]models.CorrectionEvent{},
		deliveries:  map[string]*models.WebhookDelivery{},
		counters:    map[sequencer.Key]int64{},
	}
}

func (s *MemoryStore) IncrementAndGet(_ context.Context, key sequencer.Key) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CounterErr != nil {
		return 0, s.CounterErr
	}
	s.counters[key]++
	return s.counters[key], nil
}

func (s *MemoryStore) GetTenant(_ context.Context, id string) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, models.NewNotFoundError("tenant")
	}
	return &t, nil
}

func (s *MemoryStore) FindTenantByApiKeyPrefix(_ context.Context, prefix string) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.ApiKeyPrefix == prefix {
			t := t
			return &t, nil
		}
	}
	return nil, models.NewNotFoundError("tenant")
}

func (s *MemoryStore) SaveTenant(_ context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant.ID] = *tenant
	return nil
}

func (s *MemoryStore) GetIssuer(_ context.Context, tenantId, id string) (*models.Issuer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.issuers[id]
	if !ok || i.TenantId != tenantId {
		return nil, models.NewNotFoundError("issuer")
	}
	return &i, nil
}

func (s *MemoryStore) SaveIssuer(_ context.Context, issuer *models.Issuer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.issuers[issuer.ID]; ok {
		if existing.JurisdictionLocked() && existing.Jurisdiction != issuer.Jurisdiction {
			return models.NewConflictError("jurisdiction cannot change after the first emission")
		}
		issuer.FirstEmissionAt = existing.FirstEmissionAt
	}
	s.issuers[issuer.ID] = *issuer
	return nil
}

func (s *MemoryStore) MarkIssuerEmitted(_ context.Context, issuerId string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.issuers[issuerId]
	if !ok {
		return models.NewNotFoundError("issuer")
	}
	if i.FirstEmissionAt == nil {
		i.FirstEmissionAt = &at
		s.issuers[issuerId] = i
	}
	return nil
}

func (s *MemoryStore) ListIssuersWithCertificates(_ context.Context) ([]models.Issuer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Issuer, 0)
	for _, i := range s.issuers {
		if i.CertificateExpiresAt != nil {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc *models.FiscalDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.documents {
		if d.IssuerId == doc.IssuerId && d.Kind == doc.Kind && d.Series == doc.Series && d.Number == doc.Number {
			return models.NewConflictError("document number %d already used", doc.Number)
		}
	}
	if _, ok := s.documents[doc.ID]; ok {
		return models.NewConflictError("document %s already exists", doc.ID)
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	doc.UpdatedAt = doc.CreatedAt
	s.documents[doc.ID] = doc.Clone()
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, tenantId, id string) (*models.FiscalDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok || d.TenantId != tenantId {
		return nil, models.NewNotFoundError("document")
	}
	return d.Clone(), nil
}

func (s *MemoryStore) UpdateDocument(_ context.Context, doc *models.FiscalDocument, expectedStatus models.DocumentStatus, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.documents[doc.ID]
	if !ok || cur.TenantId != doc.TenantId {
		return models.NewNotFoundError("document")
	}
	if cur.Status != expectedStatus || cur.Version != expectedVersion {
		return models.NewConflictError("document %s changed concurrently (status %s, version %d)", doc.ID, cur.Status, cur.Version)
	}
	doc.Version = expectedVersion + 1
	doc.UpdatedAt = time.Now()
	s.documents[doc.ID] = doc.Clone()
	return nil
}

func (s *MemoryStore) CountDocumentsInRange(_ context.Context, issuerId string, kind models.DocumentKind, series int, start, end int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.documents {
		if d.IssuerId == issuerId && d.Kind == kind && d.Series == series && d.Number >= start && d.Number <= end {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MaxDocumentNumbers(_ context.Context) ([]CounterFloor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	floors := map[sequencer.Key]int64{}
	for _, d := range s.documents {
		k := sequencer.Key{IssuerId: d.IssuerId, Kind: d.Kind, Series: d.Series}
		if d.Number > floors[k] {
			floors[k] = d.Number
		}
	}
	out := make([]CounterFloor, 0, len(floors))
	for k, n := range floors {
		out = append(out, CounterFloor{IssuerId: k.IssuerId, Kind: k.Kind, Series: k.Series, MaxNumber: n})
	}
	return out, nil
}

func (s *MemoryStore) LastCorrectionSequence(_ context.Context, documentId string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := 0
	for _, ev := range s.corrections[documentId] {
		if ev.Sequence > last {
			last = ev.Sequence
		}
	}
	return last, nil
}

func (s *MemoryStore) AppendCorrection(_ context.Context, doc *models.FiscalDocument, expectedVersion int, ev *models.CorrectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.documents[doc.ID]
	if !ok {
		return models.NewNotFoundError("document")
	}
	if cur.Status != models.DocumentStatusAuthorized || cur.Version != expectedVersion {
		return models.NewConflictError("document %s changed concurrently", doc.ID)
	}
	for _, existing := range s.corrections[doc.ID] {
		if existing.Sequence == ev.Sequence {
			return models.NewConflictError("correction sequence %d already recorded", ev.Sequence)
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	s.corrections[doc.ID] = append(s.corrections[doc.ID], *ev)
	cur.Version++
	cur.UpdatedAt = time.Now()
	doc.Version = cur.Version
	return nil
}

func (s *MemoryStore) ListCorrections(_ context.Context, tenantId, documentId string) ([]models.CorrectionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CorrectionEvent, 0)
	for _, ev := range s.corrections[documentId] {
		if ev.TenantId == tenantId {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Sequence < out[b].Sequence })
	return out, nil
}

func (s *MemoryStore) CreateRangeInvalidation(_ context.Context, inv *models.RangeInvalidation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	s.invalidations = append(s.invalidations, *inv)
	return nil
}

// RangeInvalidations returns what was recorded, oldest first.
func (s *MemoryStore) RangeInvalidations() []models.RangeInvalidation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RangeInvalidation(nil), s.invalidations...)
}

func (s *MemoryStore) CreateDelivery(_ context.Context, d *models.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; ok {
		return models.NewConflictError("delivery %s already exists", d.ID)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	s.deliveries[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, id string) (*models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, models.NewNotFoundError("delivery")
	}
	return d.Clone(), nil
}

func (s *MemoryStore) UpdateDelivery(_ context.Context, d *models.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		return models.NewNotFoundError("delivery")
	}
	d.UpdatedAt = time.Now()
	s.deliveries[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) ListDeliveries(_ context.Context, tenantId string, limit int) ([]models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WebhookDelivery, 0)
	for _, d := range s.deliveries {
		if d.TenantId == tenantId {
			out = append(out, *d.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPendingDeliveries(_ context.Context) ([]models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WebhookDelivery, 0)
	for _, d := range s.deliveries {
		if d.Status == models.DeliveryStatusPending {
			out = append(out, *d.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}
