package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Owner is a landlord whose rent the platform collects.
type Owner struct {
	BaseModel
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Msisdn     string     `json:"msisdn"`
	Active     bool       `gorm:"default:true" json:"active"`
	Properties []Property `json:"properties,omitempty"`
}

type Property struct {
	BaseModel
	OwnerID uuid.UUID `gorm:"type:uuid;index" json:"owner_id"`
	Owner   *Owner    `json:"owner,omitempty"`
	Name    string    `json:"name"`
	Address string    `json:"address"`
	Active  bool      `gorm:"default:true" json:"active"`
	Units   []Unit    `json:"units,omitempty"`
}

type Unit struct {
	BaseModel
	PropertyID  uuid.UUID       `gorm:"type:uuid;index" json:"property_id"`
	Property    *Property       `json:"property,omitempty"`
	Label       string          `json:"label"`
	MonthlyRent decimal.Decimal `gorm:"type:decimal(12,2)" json:"monthly_rent"`
	Active      bool            `gorm:"default:true" json:"active"`
}

// Lease binds a tenant to a unit for a period. Invoices hang off the lease.
type Lease struct {
	BaseModel
	UnitID    uuid.UUID  `gorm:"type:uuid;index" json:"unit_id"`
	Unit      *Unit      `json:"unit,omitempty"`
	TenantID  uuid.UUID  `gorm:"type:uuid;index" json:"tenant_id"`
	Tenant    *User      `gorm:"foreignKey:TenantID" json:"tenant,omitempty"`
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date"`
	Active    bool       `gorm:"default:true" json:"active"`
}
