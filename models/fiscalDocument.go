package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// FiscalDocument is one numbered tax document.
// Unique constraint: (issuer_id, kind, series, number).
type FiscalDocument struct {
	ID                  string          `gorm:"primaryKey;size:36" json:"id"`
	TenantId            string          `gorm:"size:36;not null;index" json:"tenant_id"`
	IssuerId            string          `gorm:"size:36;not null;index:uniq_doc_number,unique" json:"issuer_id"`
	Kind                DocumentKind    `gorm:"size:4;not null;index:uniq_doc_number,unique" json:"kind"`
	Series              int             `gorm:"not null;index:uniq_doc_number,unique" json:"series"`
	Number              int64           `gorm:"not null;index:uniq_doc_number,unique" json:"number"`
	Status              DocumentStatus  `gorm:"size:20;not null;index" json:"status"`
	AccessKey           *string         `gorm:"size:44;uniqueIndex" json:"access_key"`
	Protocol            *string         `gorm:"size:50" json:"protocol"`
	ReasonCode          *string         `gorm:"size:10" json:"reason_code"`
	ReasonMessage       *string         `gorm:"type:text" json:"reason_message"`
	Amount              decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	Payload             datatypes.JSON  `gorm:"not null" json:"payload"`
	XmlPath             *string         `gorm:"size:255" json:"xml_path"`
	QrCodeUrl           *string         `gorm:"size:1000" json:"qr_code_url"`
	CancelJustification *string         `gorm:"size:1000" json:"cancel_justification"`
	ClosingJurisdiction *string         `gorm:"size:2" json:"closing_jurisdiction"`
	Version             int             `gorm:"not null;default:1" json:"version"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	AuthorizedAt        *time.Time      `json:"authorized_at"`
	CanceledAt          *time.Time      `json:"canceled_at"`
	ClosedAt            *time.Time      `json:"closed_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (d *FiscalDocument) DecodePayload() (Payload, error) {
	return DecodePayload(d.Kind, d.Payload)
}

func (d *FiscalDocument) AccessKeyValue() string {
	if d.AccessKey == nil {
		return ""
	}
	return *d.AccessKey
}

// Clone returns a copy that shares no mutable slices with d.
func (d *FiscalDocument) Clone() *FiscalDocument {
	c := *d
	if d.Payload != nil {
		c.Payload = append(datatypes.JSON(nil), d.Payload...)
	}
	return &c
}

// CorrectionEvent is a free-text amendment to an authorized goods invoice.
// Unique constraint: (document_id, sequence).
type CorrectionEvent struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	TenantId   string    `gorm:"size:36;not null;index" json:"tenant_id"`
	DocumentId string    `gorm:"size:36;not null;index:uniq_correction_seq,unique" json:"document_id"`
	Sequence   int       `gorm:"not null;index:uniq_correction_seq,unique" json:"sequence"`
	Text       string    `gorm:"type:text;not null" json:"text"`
	Protocol   *string   `gorm:"size:50" json:"protocol"`
	XmlPath    *string   `gorm:"size:255" json:"xml_path"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// RangeInvalidation records a voided, never-used range of consumer invoice numbers.
type RangeInvalidation struct {
	ID            string       `gorm:"primaryKey;size:36" json:"id"`
	TenantId      string       `gorm:"size:36;not null;index" json:"tenant_id"`
	IssuerId      string       `gorm:"size:36;not null;index" json:"issuer_id"`
	Kind          DocumentKind `gorm:"size:4;not null" json:"kind"`
	Series        int          `gorm:"not null" json:"series"`
	StartNumber   int64        `gorm:"not null" json:"start_number"`
	EndNumber     int64        `gorm:"not null" json:"end_number"`
	Justification string       `gorm:"size:1000;not null" json:"justification"`
	Protocol      *string      `gorm:"size:50" json:"protocol"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

// DocumentCounter backs the SQL sequencer. One row per (issuer, kind, series).
type DocumentCounter struct {
	IssuerId  string       `gorm:"primaryKey;size:36" json:"issuer_id"`
	Kind      DocumentKind `gorm:"primaryKey;size:4" json:"kind"`
	Series    int          `gorm:"primaryKey;autoIncrement:false" json:"series"`
	LastValue int64        `gorm:"not null" json:"last_value"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// Scope identifies who a lifecycle operation acts for. It is passed explicitly
// to every operation instead of being read from ambient request state.
type Scope struct {
	TenantId string
	IssuerId string
}
