package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Metadata is a small string map persisted as a JSON column. It carries
// provider echo fields that do not warrant their own columns.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = Metadata{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported column type %T", value)
	}
	if len(raw) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Metadata keys written by the payment and reconciliation services.
const (
	MetaMerchantRequestID = "merchant_request_id"
	MetaStatusURL         = "status_url"
	MetaReconcileAttempts = "reconcile_attempts"
	MetaConfigSource      = "config_source"
)

// Transaction is one push-payment attempt against an invoice. A row is
// inserted pending once the provider accepts the push; completed/failed
// are written at most once by reconciliation finalize.
type Transaction struct {
	BaseModel
	ProviderKind     ProcessorKind     `gorm:"type:varchar(24);index" json:"provider_kind"`
	CorrelationID    string            `gorm:"uniqueIndex" json:"correlation_id"`
	InvoiceID        uuid.UUID         `gorm:"type:uuid;index" json:"invoice_id"`
	Invoice          *Invoice          `json:"invoice,omitempty"`
	AccountReference string            `gorm:"index" json:"account_reference"`
	TenantID         *uuid.UUID        `gorm:"type:uuid;index" json:"tenant_id"`
	Msisdn           string            `json:"msisdn"`
	Amount           decimal.Decimal   `gorm:"type:decimal(12,2)" json:"amount"`
	Status           TransactionStatus `gorm:"type:varchar(16);default:'pending';index" json:"status"`
	ResultCode       *int              `json:"result_code"`
	ResultDesc       string            `json:"result_desc"`
	ReceiptReference string            `json:"receipt_reference"`
	Metadata         Metadata          `gorm:"type:jsonb" json:"metadata"`
	FinalizedAt      *time.Time        `json:"finalized_at"`
}

// HasResult reports whether a provider outcome has landed on the row,
// whether or not the row has been finalized yet.
func (t *Transaction) HasResult() bool {
	return t.ResultCode != nil
}
