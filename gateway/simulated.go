package gateway

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync/atomic"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"github.com/sirupsen/logrus"
)

// Simulated accepts everything after an artificial delay. It is the default
// backend for development and homologation smoke tests.
type Simulated struct {
	delay    time.Duration
	logger   *logrus.Logger
	now      func() time.Time
	protocol atomic.Int64
}

func NewSimulated(delay time.Duration, logger *logrus.Logger) *Simulated {
	return &Simulated{delay: delay, logger: logger, now: time.Now}
}

func (s *Simulated) Name() string { return "simulated" }

func (s *Simulated) wait(ctx context.Context) error {
	if s.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// nextProtocol returns a 15-digit protocol: environment, jurisdiction, year, sequence.
func (s *Simulated) nextProtocol(cfg IssuerConfig) string {
	return fmt.Sprintf("%d%s%s%08d", cfg.Environment.AuthorityCode(), cfg.Jurisdiction, s.now().Format("06"), s.protocol.Add(1)%100000000)
}

type simulatedReceipt struct {
	XMLName   xml.Name `xml:"retSimulado"`
	Operation string   `xml:"operacao"`
	Key       string   `xml:"chave,omitempty"`
	Protocol  string   `xml:"nProt"`
	Code      int      `xml:"cStat"`
	Message   string   `xml:"xMotivo"`
	At        string   `xml:"dhRecbto"`
	Detail    string   `xml:"detalhe,omitempty"`
}

func (s *Simulated) receipt(op, key, protocol string, code int, msg, detail string) []byte {
	b, err := xml.MarshalIndent(simulatedReceipt{
		Operation: op, Key: key, Protocol: protocol, Code: code, Message: msg,
		At: s.now().Format(time.RFC3339), Detail: detail,
	}, "", "  ")
	if err != nil {
		return nil
	}
	return append([]byte(xml.Header), b...)
}

func (s *Simulated) CheckStatus(ctx context.Context, cfg IssuerConfig, kind models.DocumentKind) (ServiceStatus, error) {
	if err := s.wait(ctx); err != nil {
		return ServiceStatus{}, err
	}
	return ServiceStatus{
		State:        ServiceStateUp,
		Jurisdiction: cfg.Jurisdiction,
		ReasonCode:   fmt.Sprint(CodeServiceRunning),
		Message:      "Servico em Operacao (simulado)",
		CheckedAt:    s.now(),
	}, nil
}

func (s *Simulated) Submit(ctx context.Context, cfg IssuerConfig, sub Submission) (SubmitResult, error) {
	if err := s.wait(ctx); err != nil {
		return SubmitResult{}, err
	}
	protocol := s.nextProtocol(cfg)
	res := SubmitResult{
		Authorized:    true,
		AccessKey:     sub.AccessKey,
		Protocol:      protocol,
		ReasonCode:    fmt.Sprint(CodeAuthorized),
		ReasonMessage: "Autorizado o uso (simulado)",
		Xml:           s.receipt("autorizacao", sub.AccessKey, protocol, CodeAuthorized, "Autorizado o uso", string(sub.Kind)),
	}
	if sub.Kind == models.DocumentKindConsumerInvoice {
		if url, err := QrCodeURL(cfg, sub.AccessKey); err == nil {
			res.QrCodeUrl = url
		}
	}
	s.logger.WithFields(logrus.Fields{
		"field":      "SimulatedGateway",
		"issuer_id":  cfg.IssuerId,
		"kind":       sub.Kind,
		"number":     sub.Number,
		"access_key": sub.AccessKey,
	}).Info("simulated authorization")
	return res, nil
}

func (s *Simulated) event(ctx context.Context, cfg IssuerConfig, op, key string, code int, detail string) (EventResult, error) {
	if err := s.wait(ctx); err != nil {
		return EventResult{}, err
	}
	protocol := s.nextProtocol(cfg)
	return EventResult{
		Accepted:      true,
		Protocol:      protocol,
		ReasonCode:    fmt.Sprint(code),
		ReasonMessage: "Evento registrado (simulado)",
		Xml:           s.receipt(op, key, protocol, code, "Evento registrado", detail),
	}, nil
}

func (s *Simulated) Cancel(ctx context.Context, cfg IssuerConfig, req CancelRequest) (EventResult, error) {
	return s.event(ctx, cfg, "cancelamento", req.AccessKey, CodeEventRegistered, req.Justification)
}

func (s *Simulated) Correct(ctx context.Context, cfg IssuerConfig, req CorrectionRequest) (EventResult, error) {
	return s.event(ctx, cfg, "carta_correcao", req.AccessKey, CodeEventRegistered, req.Text)
}

func (s *Simulated) Close(ctx context.Context, cfg IssuerConfig, req CloseRequest) (EventResult, error) {
	return s.event(ctx, cfg, "encerramento", req.AccessKey, CodeEventRegistered, req.Jurisdiction)
}

func (s *Simulated) InvalidateRange(ctx context.Context, cfg IssuerConfig, req InvalidationRequest) (EventResult, error) {
	detail := fmt.Sprintf("serie %03d numeros %d-%d", req.Series, req.Start, req.End)
	return s.event(ctx, cfg, "inutilizacao", "", CodeRangeInvalidated, detail)
}
