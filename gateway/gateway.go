// Package gateway talks to the tax authority. The workflow sees only Adapter;
// the concrete backend is chosen once at start and injected.
package gateway

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
)

type ServiceState string

const (
	ServiceStateUp          ServiceState = "UP"
	ServiceStateDown        ServiceState = "DOWN"
	ServiceStateMaintenance ServiceState = "MAINTENANCE"
)

type ServiceStatus struct {
	State        ServiceState `json:"state"`
	Jurisdiction string       `json:"jurisdiction"`
	ReasonCode   string       `json:"reason_code"`
	Message      string       `json:"message"`
	CheckedAt    time.Time    `json:"checked_at"`
}

// IssuerConfig is everything a backend needs to act for one issuer.
type IssuerConfig struct {
	IssuerId          string             `json:"issuer_id"`
	TaxId             string             `json:"tax_id"`
	LegalName         string             `json:"legal_name"`
	StateRegistration string             `json:"state_registration"`
	Jurisdiction      string             `json:"jurisdiction"`
	StateAbbr         string             `json:"state_abbr"`
	MunicipalityCode  string             `json:"municipality_code"`
	Environment       models.Environment `json:"environment"`
	SecurityCode      string             `json:"security_code,omitempty"`
	SecurityCodeId    string             `json:"security_code_id,omitempty"`
	CertificateRef    string             `json:"certificate_ref,omitempty"`
}

func IssuerConfigFrom(i *models.Issuer) IssuerConfig {
	cfg := IssuerConfig{
		IssuerId:          i.ID,
		TaxId:             i.TaxId,
		LegalName:         i.LegalName,
		StateRegistration: i.StateRegistration,
		Jurisdiction:      i.Jurisdiction,
		StateAbbr:         i.StateAbbr,
		MunicipalityCode:  i.MunicipalityCode,
		Environment:       i.Environment,
	}
	if i.SecurityCode != nil {
		cfg.SecurityCode = *i.SecurityCode
	}
	if i.SecurityCodeId != nil {
		cfg.SecurityCodeId = *i.SecurityCodeId
	}
	if i.CertificateRef != nil {
		cfg.CertificateRef = *i.CertificateRef
	}
	return cfg
}

type Submission struct {
	DocumentId string              `json:"document_id"`
	Kind       models.DocumentKind `json:"kind"`
	Series     int                 `json:"series"`
	Number     int64               `json:"number"`
	AccessKey  string              `json:"access_key"`
	IssuedAt   time.Time           `json:"issued_at"`
	Payload    models.Payload      `json:"payload"`
}

type SubmitResult struct {
	Authorized    bool
	AccessKey     string
	Protocol      string
	ReasonCode    string
	ReasonMessage string
	Xml           []byte
	QrCodeUrl     string
}

type CancelRequest struct {
	Kind          models.DocumentKind `json:"kind"`
	AccessKey     string              `json:"access_key"`
	Protocol      string              `json:"protocol"`
	Justification string              `json:"justification"`
}

type CorrectionRequest struct {
	AccessKey string `json:"access_key"`
	Sequence  int    `json:"sequence"`
	Text      string `json:"text"`
}

type CloseRequest struct {
	AccessKey    string    `json:"access_key"`
	Protocol     string    `json:"protocol"`
	Jurisdiction string    `json:"jurisdiction"`
	ClosedAt     time.Time `json:"closed_at"`
}

type InvalidationRequest struct {
	Kind          models.DocumentKind `json:"kind"`
	Series        int                 `json:"series"`
	Start         int64               `json:"start"`
	End           int64               `json:"end"`
	Year          int                 `json:"year"`
	Justification string              `json:"justification"`
}

type EventResult struct {
	Accepted      bool
	Protocol      string
	ReasonCode    string
	ReasonMessage string
	Xml           []byte
}

// Adapter is the gateway contract. A returned error means the authority could
// not be reached or did not answer (retryable); a definitive "no" comes back as
// a result with Authorized/Accepted false and the authority's reason.
type Adapter interface {
	Name() string
	CheckStatus(ctx context.Context, cfg IssuerConfig, kind models.DocumentKind) (ServiceStatus, error)
	Submit(ctx context.Context, cfg IssuerConfig, sub Submission) (SubmitResult, error)
	Cancel(ctx context.Context, cfg IssuerConfig, req CancelRequest) (EventResult, error)
	Correct(ctx context.Context, cfg IssuerConfig, req CorrectionRequest) (EventResult, error)
	Close(ctx context.Context, cfg IssuerConfig, req CloseRequest) (EventResult, error)
	InvalidateRange(ctx context.Context, cfg IssuerConfig, req InvalidationRequest) (EventResult, error)
}
