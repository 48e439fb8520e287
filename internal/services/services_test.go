package services

import (
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/kodipay/internal/config"
	"github.com/example/kodipay/internal/database"
	"github.com/example/kodipay/internal/models"
)

// newTestDB opens a file-backed sqlite database with the production
// schema. A single connection keeps sqlite happy under the concurrency
// tests; the guarded updates under test are exercised all the same.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "kodipay_test.db"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newTestConfig carries working platform rails; tests that need them
// broken blank out the relevant fields.
func newTestConfig() *config.Config {
	return &config.Config{
		JWTSecret:          "test-secret",
		TokenExpires:       time.Hour,
		TokenRefreshLeeway: 15 * time.Minute,

		DarajaBaseURL:   "https://sandbox.safaricom.co.ke",
		CallbackBaseURL: "https://pay.example.com",
		CallbackToken:   "cb-token",

		PlatformKind:           "paybill",
		PlatformShortCode:      "600000",
		PlatformConsumerKey:    "platform-key",
		PlatformConsumerSecret: "platform-secret",
		PlatformPasskey:        "platform-passkey",

		KopoKopoBaseURL:      "https://sandbox.kopokopo.com",
		KopoKopoClientID:     "platform-client",
		KopoKopoClientSecret: "platform-client-secret",
		KopoKopoTill:         "K000000",

		ReconPollInterval:    10 * time.Millisecond,
		ReconMaxPollAttempts: 3,
	}
}

func assertErrorKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	pe, ok := AsPaymentError(err)
	if !ok {
		t.Fatalf("error %v is not a PaymentError", err)
	}
	if pe.Kind != kind {
		t.Fatalf("error kind = %s, want %s", pe.Kind, kind)
	}
}

// chainFixture is one fully linked invoice chain.
type chainFixture struct {
	Tenant   models.User
	Owner    models.Owner
	Property models.Property
	Unit     models.Unit
	Lease    models.Lease
	Invoice  models.Invoice
}

func seedChain(t *testing.T, db *gorm.DB) chainFixture {
	t.Helper()

	fx := chainFixture{
		Tenant: models.User{
			FullName:     "Wanjiku Tenant",
			Email:        fmt.Sprintf("tenant-%s@test.local", t.Name()),
			Msisdn:       "254712345678",
			PasswordHash: "x",
			Role:         models.RoleTenant,
			Active:       true,
		},
		Owner: models.Owner{Name: "Kamau Properties", Active: true},
	}
	if err := db.Create(&fx.Tenant).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if err := db.Create(&fx.Owner).Error; err != nil {
		t.Fatalf("seed owner: %v", err)
	}

	fx.Property = models.Property{OwnerID: fx.Owner.ID, Name: "Riverside Court", Active: true}
	if err := db.Create(&fx.Property).Error; err != nil {
		t.Fatalf("seed property: %v", err)
	}

	fx.Unit = models.Unit{
		PropertyID:  fx.Property.ID,
		Label:       "A1",
		MonthlyRent: decimal.NewFromInt(25000),
		Active:      true,
	}
	if err := db.Create(&fx.Unit).Error; err != nil {
		t.Fatalf("seed unit: %v", err)
	}

	fx.Lease = models.Lease{
		UnitID:    fx.Unit.ID,
		TenantID:  fx.Tenant.ID,
		StartDate: time.Now().AddDate(0, -3, 0),
		Active:    true,
	}
	if err := db.Create(&fx.Lease).Error; err != nil {
		t.Fatalf("seed lease: %v", err)
	}

	fx.Invoice = models.Invoice{
		LeaseID:       fx.Lease.ID,
		InvoiceNumber: fmt.Sprintf("INV-%d", time.Now().UnixNano()),
		Period:        "2026-08",
		DueDate:       time.Now().AddDate(0, 0, 7),
		Amount:        decimal.NewFromInt(25000),
		Status:        models.InvoiceStatusUnpaid,
	}
	if err := db.Create(&fx.Invoice).Error; err != nil {
		t.Fatalf("seed invoice: %v", err)
	}

	return fx
}

// seedProcessorConfig stores a verified custom config whose secrets are
// sealed with the test vault.
func seedProcessorConfig(t *testing.T, db *gorm.DB, vault *VaultService, ownerID uuid.UUID, kind models.ProcessorKind) models.ProcessorConfig {
	t.Helper()

	keyCipher, err := vault.Encrypt("owner-key")
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	secretCipher, err := vault.Encrypt("owner-secret")
	if err != nil {
		t.Fatalf("encrypt secret: %v", err)
	}
	passkeyCipher := ""
	if !kind.Aggregator() {
		passkeyCipher, err = vault.Encrypt("owner-passkey")
		if err != nil {
			t.Fatalf("encrypt passkey: %v", err)
		}
	}

	now := time.Now()
	pc := models.ProcessorConfig{
		OwnerID:             ownerID,
		Kind:                kind,
		ShortCode:           "174379",
		KeyCipher:           keyCipher,
		SecretCipher:        secretCipher,
		PasskeyCipher:       passkeyCipher,
		Active:              true,
		CredentialsVerified: true,
		VerifiedAt:          &now,
	}
	if err := db.Create(&pc).Error; err != nil {
		t.Fatalf("seed processor config: %v", err)
	}
	return pc
}
