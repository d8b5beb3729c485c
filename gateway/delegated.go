package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Response is what a vendor library answers for any operation.
type Response struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Protocol  string `json:"protocol"`
	AccessKey string `json:"access_key"`
	Xml       []byte `json:"xml"`
	QrCodeUrl string `json:"qr_code_url"`
}

// Library is one acquired, stateful vendor library handle. It must be
// configured for an issuer before use and released exactly once.
type Library interface {
	Configure(ctx context.Context, cfg IssuerConfig, kind models.DocumentKind) error
	ServiceStatus(ctx context.Context) (Response, error)
	Send(ctx context.Context, sub Submission) (Response, error)
	Cancel(ctx context.Context, req CancelRequest) (Response, error)
	Correct(ctx context.Context, req CorrectionRequest) (Response, error)
	Close(ctx context.Context, req CloseRequest) (Response, error)
	InvalidateRange(ctx context.Context, req InvalidationRequest) (Response, error)
	Release(ctx context.Context) error
}

type LibraryFactory interface {
	Acquire(ctx context.Context) (Library, error)
}

// Delegated forwards every operation to a vendor library using
// acquire, configure, call, normalize; release runs on every path.
type Delegated struct {
	factory LibraryFactory
	timeout time.Duration
	logger  *logrus.Logger
	now     func() time.Time
}

func NewDelegated(factory LibraryFactory, timeout time.Duration, logger *logrus.Logger) *Delegated {
	return &Delegated{factory: factory, timeout: timeout, logger: logger, now: time.Now}
}

func (d *Delegated) Name() string { return "delegated" }

func (d *Delegated) call(ctx context.Context, op string, cfg IssuerConfig, kind models.DocumentKind, fn func(ctx context.Context, lib Library) (Response, error)) (resp Response, err error) {
	ctx, span := otel.Tracer("fiscal/gateway").Start(ctx, "gateway."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("issuer_id", cfg.IssuerId),
		attribute.String("kind", string(kind)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("authority.code", resp.Code))
		}
	}()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	lib, err := d.factory.Acquire(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("acquire library: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: library panicked: %v", op, r)
		}
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if relErr := lib.Release(releaseCtx); relErr != nil {
			d.logger.WithFields(logrus.Fields{
				"field":     "DelegatedGateway",
				"operation": op,
				"issuer_id": cfg.IssuerId,
			}).WithError(relErr).Warn("library release failed")
		}
	}()

	if err = lib.Configure(ctx, cfg, kind); err != nil {
		return Response{}, fmt.Errorf("configure library: %w", err)
	}
	return fn(ctx, lib)
}

func reason(resp Response) (string, string) {
	return strconv.Itoa(resp.Code), resp.Message
}

func (d *Delegated) CheckStatus(ctx context.Context, cfg IssuerConfig, kind models.DocumentKind) (ServiceStatus, error) {
	resp, err := d.call(ctx, "status", cfg, kind, func(ctx context.Context, lib Library) (Response, error) {
		return lib.ServiceStatus(ctx)
	})
	if err != nil {
		return ServiceStatus{}, err
	}
	code, msg := reason(resp)
	return ServiceStatus{
		State:        serviceStateFor(resp.Code),
		Jurisdiction: cfg.Jurisdiction,
		ReasonCode:   code,
		Message:      msg,
		CheckedAt:    d.now(),
	}, nil
}

func (d *Delegated) Submit(ctx context.Context, cfg IssuerConfig, sub Submission) (SubmitResult, error) {
	resp, err := d.call(ctx, "submit", cfg, sub.Kind, func(ctx context.Context, lib Library) (Response, error) {
		return lib.Send(ctx, sub)
	})
	if err != nil {
		return SubmitResult{}, err
	}
	code, msg := reason(resp)
	res := SubmitResult{
		Authorized:    resp.Code == CodeAuthorized,
		AccessKey:     resp.AccessKey,
		Protocol:      resp.Protocol,
		ReasonCode:    code,
		ReasonMessage: msg,
		Xml:           resp.Xml,
		QrCodeUrl:     resp.QrCodeUrl,
	}
	if res.AccessKey == "" {
		res.AccessKey = sub.AccessKey
	}
	return res, nil
}

func eventResult(resp Response, accepted bool) EventResult {
	code, msg := reason(resp)
	return EventResult{
		Accepted:      accepted,
		Protocol:      resp.Protocol,
		ReasonCode:    code,
		ReasonMessage: msg,
		Xml:           resp.Xml,
	}
}

func (d *Delegated) Cancel(ctx context.Context, cfg IssuerConfig, req CancelRequest) (EventResult, error) {
	resp, err := d.call(ctx, "cancel", cfg, req.Kind, func(ctx context.Context, lib Library) (Response, error) {
		return lib.Cancel(ctx, req)
	})
	if err != nil {
		return EventResult{}, err
	}
	return eventResult(resp, IsEventRegistered(resp.Code)), nil
}

func (d *Delegated) Correct(ctx context.Context, cfg IssuerConfig, req CorrectionRequest) (EventResult, error) {
	resp, err := d.call(ctx, "correct", cfg, models.DocumentKindGoodsInvoice, func(ctx context.Context, lib Library) (Response, error) {
		return lib.Correct(ctx, req)
	})
	if err != nil {
		return EventResult{}, err
	}
	return eventResult(resp, IsEventRegistered(resp.Code)), nil
}

func (d *Delegated) Close(ctx context.Context, cfg IssuerConfig, req CloseRequest) (EventResult, error) {
	resp, err := d.call(ctx, "close", cfg, models.DocumentKindManifest, func(ctx context.Context, lib Library) (Response, error) {
		return lib.Close(ctx, req)
	})
	if err != nil {
		return EventResult{}, err
	}
	return eventResult(resp, IsEventRegistered(resp.Code)), nil
}

func (d *Delegated) InvalidateRange(ctx context.Context, cfg IssuerConfig, req InvalidationRequest) (EventResult, error) {
	resp, err := d.call(ctx, "invalidate_range", cfg, req.Kind, func(ctx context.Context, lib Library) (Response, error) {
		return lib.InvalidateRange(ctx, req)
	})
	if err != nil {
		return EventResult{}, err
	}
	return eventResult(resp, resp.Code == CodeRangeInvalidated), nil
}
