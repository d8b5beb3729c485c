package scheduler

import (
	"context"
	"math"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/appctx"
	"bitbucket.org/mmdatafocus/fiscal_backend/metrics"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"bitbucket.org/mmdatafocus/fiscal_backend/workflow"
	"github.com/sirupsen/logrus"
)

// Days before expiry on which an issuer is notified.
var DefaultThresholds = []int{30, 15, 7, 3, 1}

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

type CertificateSource interface {
	ListIssuersWithCertificates(ctx context.Context) ([]models.Issuer, error)
}

// CertificateCheck raises certificate.expiring once a day for issuers whose
// certificate expiry lands exactly on a threshold.
type CertificateCheck struct {
	Issuers    CertificateSource
	Sink       workflow.EventSink
	Logger     *logrus.Logger
	Thresholds []int
	Location   *time.Location
	Hour       int
	Now        func() time.Time
}

func NewCertificateCheck(issuers CertificateSource, sink workflow.EventSink, logger *logrus.Logger) *CertificateCheck {
	return &CertificateCheck{
		Issuers:    issuers,
		Sink:       sink,
		Logger:     logger,
		Thresholds: DefaultThresholds,
		Location:   saoPaulo(),
		Hour:       8,
		Now:        time.Now,
	}
}

func saoPaulo() *time.Location {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		// no tzdata in the image; Brazil dropped DST in 2019
		return time.FixedZone("BRT", -3*60*60)
	}
	return loc
}

// DaysUntil rounds the remaining time up to whole days.
func DaysUntil(expiresAt, now time.Time) int {
	return int(math.Ceil(expiresAt.Sub(now).Hours() / 24))
}

func Severity(days int) string {
	switch {
	case days <= 3:
		return SeverityCritical
	case days <= 7:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func (c *CertificateCheck) isThreshold(days int) bool {
	for _, t := range c.Thresholds {
		if t == days {
			return true
		}
	}
	return false
}

// RunOnce checks every issuer with a certificate and returns how many events were raised.
func (c *CertificateCheck) RunOnce(ctx context.Context) (int, error) {
	logger := c.Logger.WithField("field", "CertificateCheck")
	issuers, err := c.Issuers.ListIssuersWithCertificates(appctx.WithoutTenantScope(ctx))
	if err != nil {
		logger.WithError(err).Error("listing issuers with certificates failed")
		return 0, err
	}

	now := c.Now()
	counts := map[string]int{SeverityCritical: 0, SeverityWarning: 0, SeverityInfo: 0}
	raised := 0
	for _, issuer := range issuers {
		if issuer.CertificateExpiresAt == nil {
			continue
		}
		days := DaysUntil(*issuer.CertificateExpiresAt, now)
		if !c.isThreshold(days) {
			continue
		}
		severity := Severity(days)
		counts[severity]++
		raised++
		c.Sink.Publish(ctx, models.LifecycleEvent{
			Kind:       models.EventCertificateExpiring,
			TenantId:   issuer.TenantId,
			IssuerId:   issuer.ID,
			OccurredAt: now,
			Data: map[string]any{
				"issuer_id":      issuer.ID,
				"tax_id":         issuer.TaxId,
				"legal_name":     issuer.LegalName,
				"expires_at":     issuer.CertificateExpiresAt.UTC(),
				"days_remaining": days,
				"severity":       severity,
			},
		})
		logger.WithFields(logrus.Fields{
			"tenant_id": issuer.TenantId,
			"issuer_id": issuer.ID,
			"days":      days,
			"severity":  severity,
		}).Warn("issuer certificate expiring")
	}
	for severity, n := range counts {
		metrics.CertificatesExpiring.WithLabelValues(severity).Set(float64(n))
	}
	logger.WithFields(logrus.Fields{
		"checked": len(issuers),
		"raised":  raised,
	}).Info("certificate expiry check finished")
	return raised, nil
}

// NextRun returns the next daily run time strictly after now.
func (c *CertificateCheck) NextRun(now time.Time) time.Time {
	local := now.In(c.Location)
	next := time.Date(local.Year(), local.Month(), local.Day(), c.Hour, 0, 0, 0, c.Location)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run executes the check every day at Hour in Location until ctx ends.
func (c *CertificateCheck) Run(ctx context.Context) {
	for {
		wait := time.Until(c.NextRun(c.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		_, _ = c.RunOnce(ctx)
	}
}
