package gateway

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/metrics"
	"bitbucket.org/mmdatafocus/fiscal_backend/models"
)

// Instrumented records call latency and outcome for any Adapter.
type Instrumented struct {
	next Adapter
}

func WithMetrics(next Adapter) *Instrumented {
	return &Instrumented{next: next}
}

func (a *Instrumented) Name() string { return a.next.Name() }

func (a *Instrumented) observe(op string, start time.Time, ok bool, err error) {
	outcome := "accepted"
	switch {
	case err != nil:
		outcome = "unavailable"
	case !ok:
		outcome = "rejected"
	}
	metrics.GatewayCallDuration.WithLabelValues(a.next.Name(), op, outcome).Observe(time.Since(start).Seconds())
}

func (a *Instrumented) CheckStatus(ctx context.Context, cfg IssuerConfig, kind models.DocumentKind) (ServiceStatus, error) {
	start := time.Now()
	st, err := a.next.CheckStatus(ctx, cfg, kind)
	a.observe("status", start, st.State == ServiceStateUp, err)
	return st, err
}

func (a *Instrumented) Submit(ctx context.Context, cfg IssuerConfig, sub Submission) (SubmitResult, error) {
	start := time.Now()
	res, err := a.next.Submit(ctx, cfg, sub)
	a.observe("submit", start, res.Authorized, err)
	return res, err
}

func (a *Instrumented) Cancel(ctx context.Context, cfg IssuerConfig, req CancelRequest) (EventResult, error) {
	start := time.Now()
	res, err := a.next.Cancel(ctx, cfg, req)
	a.observe("cancel", start, res.Accepted, err)
	return res, err
}

func (a *Instrumented) Correct(ctx context.Context, cfg IssuerConfig, req CorrectionRequest) (EventResult, error) {
	start := time.Now()
	res, err := a.next.Correct(ctx, cfg, req)
	a.observe("correct", start, res.Accepted, err)
	return res, err
}

func (a *Instrumented) Close(ctx context.Context, cfg IssuerConfig, req CloseRequest) (EventResult, error) {
	start := time.Now()
	res, err := a.next.Close(ctx, cfg, req)
	a.observe("close", start, res.Accepted, err)
	return res, err
}

func (a *Instrumented) InvalidateRange(ctx context.Context, cfg IssuerConfig, req InvalidationRequest) (EventResult, error) {
	start := time.Now()
	res, err := a.next.InvalidateRange(ctx, cfg, req)
	a.observe("invalidate_range", start, res.Accepted, err)
	return res, err
}
