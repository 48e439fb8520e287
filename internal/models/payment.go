package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment is the append-only record of a completed transaction. The unique
// index on TransactionID caps it at one row per push attempt; only the
// finalize winner inserts here.
type Payment struct {
	BaseModel
	InvoiceID        uuid.UUID       `gorm:"type:uuid;index" json:"invoice_id"`
	TransactionID    uuid.UUID       `gorm:"type:uuid;uniqueIndex" json:"transaction_id"`
	TenantID         *uuid.UUID      `gorm:"type:uuid;index" json:"tenant_id"`
	Msisdn           string          `json:"msisdn"`
	Amount           decimal.Decimal `gorm:"type:decimal(12,2)" json:"amount"`
	ReceiptReference string          `json:"receipt_reference"`
	ProviderKind     ProcessorKind   `gorm:"type:varchar(24)" json:"provider_kind"`
	PaidAt           time.Time       `json:"paid_at"`
}
