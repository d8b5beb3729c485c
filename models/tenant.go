package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Tenant is an API client. Webhook fields are optional; a tenant without a
// URL or secret receives no deliveries.
type Tenant struct {
	ID            string         `gorm:"primaryKey;size:36" json:"id"`
	Name          string         `gorm:"size:200;not null" json:"name"`
	ApiKeyPrefix  string         `gorm:"size:16;uniqueIndex" json:"-"`
	ApiKeyHash    string         `gorm:"size:100" json:"-"`
	WebhookUrl    *string        `gorm:"size:500" json:"webhook_url"`
	WebhookSecret *string        `gorm:"size:100" json:"-"`
	WebhookEvents datatypes.JSON `json:"webhook_events"`
	IsActive      bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t *Tenant) SubscribedEvents() []EventKind {
	if len(t.WebhookEvents) == 0 {
		return nil
	}
	var kinds []EventKind
	if err := json.Unmarshal(t.WebhookEvents, &kinds); err != nil {
		return nil
	}
	return kinds
}

func (t *Tenant) SetSubscribedEvents(kinds []EventKind) error {
	raw, err := json.Marshal(kinds)
	if err != nil {
		return err
	}
	t.WebhookEvents = datatypes.JSON(raw)
	return nil
}

func (t *Tenant) Subscribes(kind EventKind) bool {
	for _, k := range t.SubscribedEvents() {
		if k == kind {
			return true
		}
	}
	return false
}

// WebhookTarget returns the configured url and secret, or ok=false when either is missing.
func (t *Tenant) WebhookTarget() (url string, secret string, ok bool) {
	if t.WebhookUrl == nil || *t.WebhookUrl == "" || t.WebhookSecret == nil || *t.WebhookSecret == "" {
		return "", "", false
	}
	return *t.WebhookUrl, *t.WebhookSecret, true
}
