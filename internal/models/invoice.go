package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Invoice bills one rent period on a lease. The unpaid→paid transition
// happens exactly once, inside reconciliation finalize, via a
// status-guarded update.
type Invoice struct {
	BaseModel
	LeaseID          uuid.UUID       `gorm:"type:uuid;index" json:"lease_id"`
	Lease            *Lease          `json:"lease,omitempty"`
	InvoiceNumber    string          `gorm:"uniqueIndex" json:"invoice_number"`
	Period           string          `gorm:"type:varchar(7)" json:"period"`
	DueDate          time.Time       `json:"due_date"`
	Amount           decimal.Decimal `gorm:"type:decimal(12,2)" json:"amount"`
	Status           InvoiceStatus   `gorm:"type:varchar(16);default:'unpaid';index" json:"status"`
	ReceiptReference string          `json:"receipt_reference"`
	PaidAt           *time.Time      `json:"paid_at"`
	Notes            string          `json:"notes"`
}
