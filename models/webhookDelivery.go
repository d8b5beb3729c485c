package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookDelivery is one event queued for one tenant endpoint. Payload holds the
// exact serialized envelope bytes that are signed and sent on every attempt.
type WebhookDelivery struct {
	ID            string         `gorm:"primaryKey;size:36" json:"id"`
	TenantId      string         `gorm:"size:36;not null;index:idx_delivery_tenant_created" json:"tenant_id"`
	EventKind     EventKind      `gorm:"size:50;not null" json:"event_kind"`
	TargetUrl     string         `gorm:"size:500;not null" json:"target_url"`
	Payload       datatypes.JSON `gorm:"not null" json:"payload"`
	Signature     string         `gorm:"size:100;not null" json:"-"`
	Status        DeliveryStatus `gorm:"size:20;not null;index" json:"status"`
	Attempts      int            `gorm:"not null;default:0" json:"attempts"`
	LastError     *string        `gorm:"size:500" json:"last_error"`
	LastStatus    *int           `json:"last_status_code"`
	FirstFailedAt *time.Time     `json:"first_failed_at"`
	NextAttemptAt *time.Time     `gorm:"index" json:"next_attempt_at"`
	DeliveredAt   *time.Time     `json:"delivered_at"`
	CreatedAt     time.Time      `gorm:"index:idx_delivery_tenant_created" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (d *WebhookDelivery) Clone() *WebhookDelivery {
	c := *d
	if d.Payload != nil {
		c.Payload = append(datatypes.JSON(nil), d.Payload...)
	}
	return &c
}

// LifecycleEvent is raised once per committed state transition.
// DocumentId is empty for issuer-level events.
type LifecycleEvent struct {
	Kind       EventKind      `json:"kind"`
	TenantId   string         `json:"tenant_id"`
	IssuerId   string         `json:"issuer_id"`
	DocumentId string         `json:"document_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}
