package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/appctx"
	"bitbucket.org/mmdatafocus/fiscal_backend/metrics"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"bitbucket.org/mmdatafocus/fiscal_backend/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RetryOffsets are measured from the first failed attempt. Attempt n runs at
// FirstFailedAt + RetryOffsets[n-1]; the first entry is the immediate attempt.
var RetryOffsets = []time.Duration{0, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour, 24 * time.Hour}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

var errAttemptInFlight = errors.New("delivery attempt already in flight")

// Ledger persists deliveries, performs attempts and owns retry scheduling.
// Delivery failures are recorded on the row and never returned to publishers.
type Ledger struct {
	Store        store.DeliveryStore
	Sender       Sender
	Scheduler    *Scheduler
	Logger       *logrus.Logger
	LastErrorMax int
	Offsets      []time.Duration
	// PersistRetry is the earliest re-attempt after an outcome could not be stored.
	PersistRetry time.Duration
	Now          func() time.Time
	NewID        func() string

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewLedger(st store.DeliveryStore, sender Sender, scheduler *Scheduler, logger *logrus.Logger) *Ledger {
	return &Ledger{
		Store:        st,
		Sender:       sender,
		Scheduler:    scheduler,
		Logger:       logger,
		LastErrorMax: 500,
		Offsets:      RetryOffsets,
		PersistRetry: time.Minute,
		Now:          time.Now,
		NewID:        uuid.NewString,
		inflight:     make(map[string]struct{}),
	}
}

// MaxAttempts is the total number of attempts before a delivery fails.
func (l *Ledger) MaxAttempts() int {
	return len(l.Offsets)
}

func (l *Ledger) log(d *models.WebhookDelivery) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"field":       "DeliveryLedger",
		"tenant_id":   d.TenantId,
		"delivery_id": d.ID,
		"event_kind":  d.EventKind,
		"attempt":     d.Attempts,
	})
}

// Deliver records a pending delivery and performs the first attempt before returning.
func (l *Ledger) Deliver(ctx context.Context, tenantId string, kind models.EventKind, url string, body []byte, signature string) (*models.WebhookDelivery, error) {
	d := &models.WebhookDelivery{
		ID:        l.NewID(),
		TenantId:  tenantId,
		EventKind: kind,
		TargetUrl: url,
		Payload:   append([]byte(nil), body...),
		Signature: signature,
		Status:    models.DeliveryStatusPending,
		CreatedAt: l.Now(),
	}
	if err := l.Store.CreateDelivery(ctx, d); err != nil {
		return nil, err
	}
	return l.attempt(ctx, d.ID)
}

func (l *Ledger) begin(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inflight[id]; busy {
		return false
	}
	l.inflight[id] = struct{}{}
	return true
}

func (l *Ledger) end(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, id)
}

// attempt sends a pending delivery once and records the outcome. A delivery
// that is no longer pending is left alone, so a stale timer never re-sends.
func (l *Ledger) attempt(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	if !l.begin(id) {
		return nil, errAttemptInFlight
	}
	defer l.end(id)

	d, err := l.Store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DeliveryStatusPending {
		l.Scheduler.Cancel(id)
		return d, nil
	}

	d.Attempts++
	resp, sendErr := l.Sender.Send(ctx, Request{
		URL:        d.TargetUrl,
		DeliveryId: d.ID,
		EventKind:  d.EventKind,
		Body:       d.Payload,
		Signature:  d.Signature,
	})
	now := l.Now()
	if resp.StatusCode != 0 {
		code := resp.StatusCode
		d.LastStatus = &code
	}

	if sendErr == nil && resp.OK() {
		d.Status = models.DeliveryStatusSuccess
		d.DeliveredAt = &now
		d.NextAttemptAt = nil
		metrics.WebhookAttempts.WithLabelValues("success").Inc()
		metrics.WebhookTerminal.WithLabelValues(string(d.Status)).Inc()
		if err := l.Store.UpdateDelivery(ctx, d); err != nil {
			l.persistFailed(d, now, err)
			return nil, err
		}
		l.Scheduler.Cancel(id)
		l.syncGauge()
		l.log(d).Info("webhook delivered")
		return d, nil
	}

	var msg string
	if sendErr != nil {
		msg = sendErr.Error()
	} else {
		msg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Body)
	}
	d.LastError = &msg
	if l.LastErrorMax > 0 && len([]rune(msg)) > l.LastErrorMax {
		truncated := string([]rune(msg)[:l.LastErrorMax])
		d.LastError = &truncated
	}
	if d.FirstFailedAt == nil {
		d.FirstFailedAt = &now
	}
	metrics.WebhookAttempts.WithLabelValues("failure").Inc()

	if d.Attempts >= l.MaxAttempts() {
		d.Status = models.DeliveryStatusFailed
		d.NextAttemptAt = nil
		metrics.WebhookTerminal.WithLabelValues(string(d.Status)).Inc()
	} else {
		next := d.FirstFailedAt.Add(l.Offsets[d.Attempts])
		if next.Before(now) {
			next = now
		}
		d.NextAttemptAt = &next
	}
	if err := l.Store.UpdateDelivery(ctx, d); err != nil {
		l.persistFailed(d, now, err)
		return nil, err
	}

	if d.Status == models.DeliveryStatusFailed {
		l.log(d).WithField("last_error", *d.LastError).Warn("webhook delivery failed permanently")
	} else {
		l.log(d).WithFields(logrus.Fields{
			"last_error":      *d.LastError,
			"next_attempt_at": d.NextAttemptAt,
		}).Warn("webhook delivery failed; retry scheduled")
		l.schedule(d.ID, *d.NextAttemptAt)
	}
	return d, nil
}

// persistFailed re-arms a delivery whose outcome was not stored. The row
// still holds its previous state, so the next attempt is decided from it.
func (l *Ledger) persistFailed(d *models.WebhookDelivery, now time.Time, err error) {
	at := now.Add(l.PersistRetry)
	if d.NextAttemptAt != nil && d.NextAttemptAt.After(at) {
		at = *d.NextAttemptAt
	}
	l.log(d).WithError(err).WithField("retry_at", at).Error("failed to record webhook attempt; retry scheduled")
	l.schedule(d.ID, at)
}

func (l *Ledger) schedule(id string, at time.Time) {
	l.Scheduler.Schedule(id, at, func() {
		ctx := appctx.WithoutTenantScope(context.Background())
		_, err := l.attempt(ctx, id)
		switch {
		case errors.Is(err, errAttemptInFlight):
			l.schedule(id, l.Now().Add(time.Second))
		case err != nil:
			l.Logger.WithFields(logrus.Fields{
				"field":       "DeliveryLedger",
				"delivery_id": id,
			}).WithError(err).Error("scheduled webhook attempt failed")
		}
	})
	l.syncGauge()
}

func (l *Ledger) syncGauge() {
	metrics.WebhookScheduled.Set(float64(l.Scheduler.Len()))
}

// Get returns one delivery of a tenant.
func (l *Ledger) Get(ctx context.Context, tenantId, id string) (*models.WebhookDelivery, error) {
	d, err := l.Store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.TenantId != tenantId {
		return nil, models.NewNotFoundError("delivery")
	}
	return d, nil
}

// List returns a tenant's deliveries, newest first.
func (l *Ledger) List(ctx context.Context, tenantId string, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return l.Store.ListDeliveries(ctx, tenantId, limit)
}

// Redeliver restarts a terminal delivery with a fresh attempt budget and
// attempts it immediately.
func (l *Ledger) Redeliver(ctx context.Context, tenantId, id string) (*models.WebhookDelivery, error) {
	d, err := l.Get(ctx, tenantId, id)
	if err != nil {
		return nil, err
	}
	if d.Status == models.DeliveryStatusPending {
		return nil, models.NewConflictError("delivery %s is still pending", id)
	}
	if !l.begin(id) {
		return nil, models.NewConflictError("delivery %s is being attempted", id)
	}
	d.Status = models.DeliveryStatusPending
	d.Attempts = 0
	d.FirstFailedAt = nil
	d.NextAttemptAt = nil
	d.DeliveredAt = nil
	err = l.Store.UpdateDelivery(ctx, d)
	l.end(id)
	if err != nil {
		return nil, err
	}
	l.log(d).Info("webhook redelivery requested")
	return l.attempt(ctx, id)
}

// Recover re-arms retries for pending deliveries after a restart. Rows that
// never got their first attempt are attempted right away.
func (l *Ledger) Recover(ctx context.Context) (int, error) {
	pending, err := l.Store.ListPendingDeliveries(appctx.WithoutTenantScope(ctx))
	if err != nil {
		return 0, err
	}
	now := l.Now()
	for _, d := range pending {
		at := now
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) {
			at = *d.NextAttemptAt
		}
		l.schedule(d.ID, at)
	}
	if len(pending) > 0 {
		l.Logger.WithFields(logrus.Fields{
			"field":   "DeliveryLedger",
			"pending": len(pending),
		}).Info("re-armed pending webhook deliveries")
	}
	return len(pending), nil
}
