package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"golang.org/x/time/rate"
)

// BridgeFactory acquires vendor library sessions from the fiscal bridge, the
// sidecar process that hosts the native library. One session per operation.
type BridgeFactory struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func NewBridgeFactory(baseURL, token string, ratePerSecond int, timeout time.Duration) (*BridgeFactory, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("fiscal bridge url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("fiscal bridge url: %w", err)
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &BridgeFactory{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
	}, nil
}

func (f *BridgeFactory) do(ctx context.Context, method, path string, in any, out any) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fiscal bridge error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (f *BridgeFactory) Acquire(ctx context.Context) (Library, error) {
	var created struct {
		SessionId string `json:"session_id"`
	}
	if err := f.do(ctx, http.MethodPost, "/v1/sessions", nil, &created); err != nil {
		return nil, err
	}
	if created.SessionId == "" {
		return nil, errors.New("fiscal bridge returned no session id")
	}
	return &bridgeSession{factory: f, id: created.SessionId}, nil
}

type bridgeSession struct {
	factory *BridgeFactory
	id      string
}

func (s *bridgeSession) path(suffix string) string {
	return "/v1/sessions/" + url.PathEscape(s.id) + suffix
}

func (s *bridgeSession) invoke(ctx context.Context, suffix string, in any) (Response, error) {
	var out Response
	err := s.factory.do(ctx, http.MethodPost, s.path(suffix), in, &out)
	return out, err
}

func (s *bridgeSession) Configure(ctx context.Context, cfg IssuerConfig, kind models.DocumentKind) error {
	return s.factory.do(ctx, http.MethodPut, s.path("/config"), struct {
		IssuerConfig
		Kind models.DocumentKind `json:"kind"`
	}{cfg, kind}, nil)
}

func (s *bridgeSession) ServiceStatus(ctx context.Context) (Response, error) {
	return s.invoke(ctx, "/status", nil)
}

func (s *bridgeSession) Send(ctx context.Context, sub Submission) (Response, error) {
	return s.invoke(ctx, "/documents", sub)
}

func (s *bridgeSession) Cancel(ctx context.Context, req CancelRequest) (Response, error) {
	return s.invoke(ctx, "/events/cancel", req)
}

func (s *bridgeSession) Correct(ctx context.Context, req CorrectionRequest) (Response, error) {
	return s.invoke(ctx, "/events/correction", req)
}

func (s *bridgeSession) Close(ctx context.Context, req CloseRequest) (Response, error) {
	return s.invoke(ctx, "/events/close", req)
}

func (s *bridgeSession) InvalidateRange(ctx context.Context, req InvalidationRequest) (Response, error) {
	return s.invoke(ctx, "/invalidations", req)
}

func (s *bridgeSession) Release(ctx context.Context) error {
	return s.factory.do(ctx, http.MethodDelete, s.path(""), nil, nil)
}
