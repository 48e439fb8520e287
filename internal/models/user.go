package models

// User represents an authenticated account, either a tenant paying rent
// or a manager operating a portfolio.
type User struct {
	BaseModel
	FullName     string `json:"full_name"`
	Email        string `gorm:"uniqueIndex" json:"email"`
	Msisdn       string `gorm:"index" json:"msisdn"`
	PasswordHash string `json:"-"`
	Role         Role   `gorm:"type:varchar(16);default:'tenant'" json:"role"`
	Active       bool   `gorm:"default:true" json:"active"`
}
