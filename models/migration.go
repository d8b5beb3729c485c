package models

import (
	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Tenant{}, &Issuer{},
		&FiscalDocument{}, &CorrectionEvent{}, &RangeInvalidation{},
		&DocumentCounter{},
		&WebhookDelivery{},
	)
}
