package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBody = 4096

type Request struct {
	URL        string
	DeliveryId string
	EventKind  models.EventKind
	Body       []byte
	Signature  string
}

type Response struct {
	StatusCode int
	Body       string
}

func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Sender performs one webhook HTTP call. A non-2xx answer is a Response, not an error.
type Sender interface {
	Send(ctx context.Context, req Request) (Response, error)
}

type HTTPSender struct {
	Client  *http.Client
	Timeout time.Duration
	tracer  trace.Tracer
}

func NewHTTPSender(timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSender{
		Client:  &http.Client{},
		Timeout: timeout,
		tracer:  otel.Tracer("fiscal/webhook"),
	}
}

func (s *HTTPSender) Send(ctx context.Context, req Request) (Response, error) {
	ctx, span := s.tracer.Start(ctx, "webhook.send", trace.WithAttributes(
		attribute.String("webhook.delivery_id", req.DeliveryId),
		attribute.String("webhook.event", string(req.EventKind)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "fiscal-webhooks/1.0")
	httpReq.Header.Set(HeaderSignature, req.Signature)
	httpReq.Header.Set(HeaderEvent, string(req.EventKind))
	httpReq.Header.Set(HeaderDelivery, req.DeliveryId)

	resp, err := s.Client.Do(httpReq)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	out := Response{StatusCode: resp.StatusCode, Body: string(body)}
	if !out.OK() {
		span.SetStatus(codes.Error, resp.Status)
	}
	return out, nil
}
