package models

import (
	"strings"
	"time"
)

// Issuer is a legal entity emitting documents under a tenant.
// Jurisdiction becomes immutable once the first document is emitted.
type Issuer struct {
	ID                   string      `gorm:"primaryKey;size:36" json:"id"`
	TenantId             string      `gorm:"size:36;not null;index" json:"tenant_id"`
	LegalName            string      `gorm:"size:200;not null" json:"legal_name"`
	TaxId                string      `gorm:"size:14;not null" json:"tax_id"`
	StateRegistration    string      `gorm:"size:20" json:"state_registration"`
	Jurisdiction         string      `gorm:"size:2;not null" json:"jurisdiction"`
	StateAbbr            string      `gorm:"size:2" json:"state_abbr"`
	MunicipalityCode     string      `gorm:"size:7" json:"municipality_code"`
	Environment          Environment `gorm:"size:20;not null;default:homologation" json:"environment"`
	SecurityCode         *string     `gorm:"size:64" json:"-"`
	SecurityCodeId       *string     `gorm:"size:10" json:"security_code_id"`
	CertificateRef       *string     `gorm:"size:255" json:"certificate_ref"`
	CertificateExpiresAt *time.Time  `json:"certificate_expires_at"`
	FirstEmissionAt      *time.Time  `json:"first_emission_at"`
	CreatedAt            time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (i *Issuer) HasSecurityCode() bool {
	return i.SecurityCode != nil && strings.TrimSpace(*i.SecurityCode) != "" &&
		i.SecurityCodeId != nil && strings.TrimSpace(*i.SecurityCodeId) != ""
}

// JurisdictionLocked reports whether Jurisdiction may no longer change.
func (i *Issuer) JurisdictionLocked() bool {
	return i.FirstEmissionAt != nil
}
