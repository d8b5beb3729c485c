package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Payload is the kind-specific body of a FiscalDocument. Exactly one concrete
// payload type exists per DocumentKind.
type Payload interface {
	DocumentKind() DocumentKind
	Total() decimal.Decimal
}

type Address struct {
	Street           string `json:"street" validate:"required,max=60"`
	Number           string `json:"number" validate:"required,max=60"`
	Complement       string `json:"complement,omitempty" validate:"max=60"`
	District         string `json:"district" validate:"required,max=60"`
	MunicipalityCode string `json:"municipality_code" validate:"required,numeric,len=7"`
	State            string `json:"state" validate:"required,alpha,len=2"`
	PostalCode       string `json:"postal_code" validate:"required,numeric,len=8"`
}

type Party struct {
	TaxId   string   `json:"tax_id" validate:"required,numeric,min=11,max=14"`
	Name    string   `json:"name" validate:"required,max=60"`
	Email   string   `json:"email,omitempty" validate:"omitempty,email"`
	Address *Address `json:"address,omitempty" validate:"omitempty"`
}

type LineItem struct {
	Code        string          `json:"code" validate:"required,max=60"`
	Description string          `json:"description" validate:"required,max=120"`
	Gtin        string          `json:"gtin,omitempty" validate:"omitempty,numeric,max=14"`
	Ncm         string          `json:"ncm,omitempty" validate:"omitempty,numeric,len=8"`
	Cfop        string          `json:"cfop,omitempty" validate:"omitempty,numeric,len=4"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price" validate:"gte=0"`
}

func (i LineItem) Amount() decimal.Decimal {
	return i.Quantity.Mul(i.UnitPrice).Round(2)
}

func sumItems(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Amount())
	}
	return total
}

type GoodsInvoicePayload struct {
	Nature         string     `json:"nature" validate:"required,max=60"`
	Recipient      Party      `json:"recipient"`
	Items          []LineItem `json:"items" validate:"required,min=1,max=990,dive"`
	AdditionalInfo string     `json:"additional_info,omitempty" validate:"max=5000"`
}

func (p *GoodsInvoicePayload) DocumentKind() DocumentKind { return DocumentKindGoodsInvoice }
func (p *GoodsInvoicePayload) Total() decimal.Decimal     { return sumItems(p.Items) }

// Payment method codes follow the tPag table: 01 cash, 03 credit, 04 debit, 05 store credit, 17 PIX, 99 other.
type Payment struct {
	Method string          `json:"method" validate:"required,oneof=01 02 03 04 05 10 11 12 13 15 16 17 18 19 90 99"`
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
}

type ConsumerInvoicePayload struct {
	Consumer       *Party     `json:"consumer,omitempty" validate:"omitempty"`
	Items          []LineItem `json:"items" validate:"required,min=1,max=990,dive"`
	Payments       []Payment  `json:"payments" validate:"required,min=1,dive"`
	AdditionalInfo string     `json:"additional_info,omitempty" validate:"max=5000"`
}

func (p *ConsumerInvoicePayload) DocumentKind() DocumentKind { return DocumentKindConsumerInvoice }
func (p *ConsumerInvoicePayload) Total() decimal.Decimal     { return sumItems(p.Items) }

func (p *ConsumerInvoicePayload) PaidTotal() decimal.Decimal {
	total := decimal.Zero
	for _, pay := range p.Payments {
		total = total.Add(pay.Amount)
	}
	return total
}

type Vehicle struct {
	Plate      string `json:"plate" validate:"required,alphanum,len=7"`
	Renavam    string `json:"renavam,omitempty" validate:"omitempty,numeric,min=9,max=11"`
	TareKg     int    `json:"tare_kg" validate:"gte=0"`
	CapacityKg int    `json:"capacity_kg" validate:"gte=0"`
}

type Driver struct {
	TaxId string `json:"tax_id" validate:"required,numeric,len=11"`
	Name  string `json:"name" validate:"required,max=60"`
}

type LinkedDocument struct {
	AccessKey string `json:"access_key" validate:"required,numeric,len=44"`
	Type      string `json:"type" validate:"required,oneof=nfe cte"`
}

type ManifestPayload struct {
	StartState    string           `json:"start_state" validate:"required,alpha,len=2"`
	EndState      string           `json:"end_state" validate:"required,alpha,len=2"`
	TripStart     time.Time        `json:"trip_start" validate:"required"`
	Vehicle       Vehicle          `json:"vehicle"`
	Driver        Driver           `json:"driver"`
	Documents     []LinkedDocument `json:"documents" validate:"required,min=1,dive"`
	CargoValue    decimal.Decimal  `json:"cargo_value" validate:"gte=0"`
	CargoWeightKg decimal.Decimal  `json:"cargo_weight_kg" validate:"gte=0"`
}

func (p *ManifestPayload) DocumentKind() DocumentKind { return DocumentKindManifest }
func (p *ManifestPayload) Total() decimal.Decimal     { return p.CargoValue }

type ServiceInvoicePayload struct {
	MunicipalityCode string          `json:"municipality_code" validate:"required,numeric,len=7"`
	ServiceCode      string          `json:"service_code" validate:"required,max=10"`
	CnaeCode         string          `json:"cnae_code,omitempty" validate:"omitempty,numeric,max=9"`
	Description      string          `json:"description" validate:"required,max=2000"`
	ServiceValue     decimal.Decimal `json:"service_value" validate:"gt=0"`
	Deductions       decimal.Decimal `json:"deductions" validate:"gte=0"`
	IssRate          decimal.Decimal `json:"iss_rate" validate:"gte=0,lte=1"`
	Taker            Party           `json:"taker"`
}

func (p *ServiceInvoicePayload) DocumentKind() DocumentKind { return DocumentKindServiceInvoice }
func (p *ServiceInvoicePayload) Total() decimal.Decimal {
	return p.ServiceValue.Sub(p.Deductions)
}

func (p *ServiceInvoicePayload) IssAmount() decimal.Decimal {
	return p.Total().Mul(p.IssRate).Round(2)
}

// NewPayload returns an empty payload of the concrete type for kind.
func NewPayload(kind DocumentKind) (Payload, error) {
	switch kind {
	case DocumentKindGoodsInvoice:
		return &GoodsInvoicePayload{}, nil
	case DocumentKindConsumerInvoice:
		return &ConsumerInvoicePayload{}, nil
	case DocumentKindManifest:
		return &ManifestPayload{}, nil
	case DocumentKindServiceInvoice:
		return &ServiceInvoicePayload{}, nil
	}
	return nil, fmt.Errorf("unknown document kind %q", kind)
}

func EncodePayload(p Payload) (datatypes.JSON, error) {
	if p == nil {
		return nil, errors.New("payload is nil")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func DecodePayload(kind DocumentKind, raw []byte) (Payload, error) {
	p, err := NewPayload(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
