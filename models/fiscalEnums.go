package models

import (
	"errors"
	"strings"
)

type DocumentKind string

const (
	DocumentKindGoodsInvoice    DocumentKind = "NFE"
	DocumentKindConsumerInvoice DocumentKind = "NFCE"
	DocumentKindManifest        DocumentKind = "MDFE"
	DocumentKindServiceInvoice  DocumentKind = "NFSE"
)

var AllDocumentKinds = []DocumentKind{
	DocumentKindGoodsInvoice,
	DocumentKindConsumerInvoice,
	DocumentKindManifest,
	DocumentKindServiceInvoice,
}

func (k DocumentKind) Valid() bool {
	switch k {
	case DocumentKindGoodsInvoice, DocumentKindConsumerInvoice, DocumentKindManifest, DocumentKindServiceInvoice:
		return true
	}
	return false
}

// ModelCode is the two-digit document model embedded in the access key.
func (k DocumentKind) ModelCode() string {
	switch k {
	case DocumentKindGoodsInvoice:
		return "55"
	case DocumentKindConsumerInvoice:
		return "65"
	case DocumentKindManifest:
		return "58"
	case DocumentKindServiceInvoice:
		return "99"
	}
	return ""
}

// ParseDocumentKind accepts the kind constant or its lowercase route form ("nfe", "nfce", ...).
func ParseDocumentKind(s string) (DocumentKind, error) {
	k := DocumentKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", errors.New("invalid document kind")
	}
	return k, nil
}

type DocumentStatus string

const (
	DocumentStatusCreated    DocumentStatus = "CREATED"
	DocumentStatusAuthorized DocumentStatus = "AUTHORIZED"
	DocumentStatusRejected   DocumentStatus = "REJECTED"
	DocumentStatusError      DocumentStatus = "ERROR"
	DocumentStatusCanceled   DocumentStatus = "CANCELED"
	DocumentStatusClosed     DocumentStatus = "CLOSED"
)

// IsTerminal reports whether no further transition is possible.
func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case DocumentStatusRejected, DocumentStatusError, DocumentStatusCanceled, DocumentStatusClosed:
		return true
	}
	return false
}

// HasAccessKey reports whether a document in this status must carry an access key.
func (s DocumentStatus) HasAccessKey() bool {
	switch s {
	case DocumentStatusAuthorized, DocumentStatusCanceled, DocumentStatusClosed:
		return true
	}
	return false
}

type Environment string

const (
	EnvironmentProduction   Environment = "production"
	EnvironmentHomologation Environment = "homologation"
)

// AuthorityCode is the tpAmb value sent to the tax authority.
func (e Environment) AuthorityCode() int {
	if e == EnvironmentProduction {
		return 1
	}
	return 2
}

type EventKind string

const (
	EventInvoiceAuthorized EventKind = "invoice.authorized"
	EventInvoiceRejected   EventKind = "invoice.rejected"
	EventInvoiceFailed     EventKind = "invoice.failed"
	EventInvoiceCanceled   EventKind = "invoice.canceled"
	EventInvoiceCorrected  EventKind = "invoice.corrected"

	EventManifestAuthorized EventKind = "mdfe.authorized"
	EventManifestRejected   EventKind = "mdfe.rejected"
	EventManifestFailed     EventKind = "mdfe.failed"
	EventManifestCanceled   EventKind = "mdfe.canceled"
	EventManifestClosed     EventKind = "mdfe.closed"

	EventServiceAuthorized EventKind = "nfse.authorized"
	EventServiceRejected   EventKind = "nfse.rejected"
	EventServiceFailed     EventKind = "nfse.failed"
	EventServiceCanceled   EventKind = "nfse.canceled"

	EventRangeInvalidated    EventKind = "nfce.range_invalidated"
	EventCertificateExpiring EventKind = "certificate.expiring"
)

var AllEventKinds = []EventKind{
	EventInvoiceAuthorized, EventInvoiceRejected, EventInvoiceFailed, EventInvoiceCanceled, EventInvoiceCorrected,
	EventManifestAuthorized, EventManifestRejected, EventManifestFailed, EventManifestCanceled, EventManifestClosed,
	EventServiceAuthorized, EventServiceRejected, EventServiceFailed, EventServiceCanceled,
	EventRangeInvalidated, EventCertificateExpiring,
}

func (e EventKind) Valid() bool {
	for _, k := range AllEventKinds {
		if k == e {
			return true
		}
	}
	return false
}

// Webhook delivery statuses for WebhookDelivery.Status.
// Keep these as strings (DB values).
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)
