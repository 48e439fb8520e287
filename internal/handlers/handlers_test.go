package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/kodipay/internal/config"
	"github.com/example/kodipay/internal/database"
	"github.com/example/kodipay/internal/models"
	"github.com/example/kodipay/internal/routes"
)

const testVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestMain(m *testing.M) {
	config.GetLogger().SetOutput(io.Discard)
	os.Exit(m.Run())
}

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

type testEnv struct {
	app *fiber.App
	db  *gorm.DB
	cfg *config.Config
}

// newTestEnv mounts the production route table over a test database.
// Provider base URLs point at the supplied test servers; unreachable
// defaults keep accidental calls loud.
func newTestEnv(t *testing.T, darajaURL, kopokopoURL string) *testEnv {
	t.Helper()

	if darajaURL == "" {
		darajaURL = "http://127.0.0.1:1"
	}
	if kopokopoURL == "" {
		kopokopoURL = "http://127.0.0.1:1"
	}

	cfg := &config.Config{
		JWTSecret:          "test-secret",
		TokenExpires:       time.Hour,
		TokenRefreshLeeway: 15 * time.Minute,
		VaultKeyHex:        testVaultKey,

		DarajaBaseURL:   darajaURL,
		KopoKopoBaseURL: kopokopoURL,
		CallbackBaseURL: "https://pay.example.com",
		CallbackToken:   "cb-token",

		PlatformKind:           "paybill",
		PlatformShortCode:      "600000",
		PlatformConsumerKey:    "platform-key",
		PlatformConsumerSecret: "platform-secret",
		PlatformPasskey:        "platform-passkey",

		KopoKopoClientID:     "platform-client",
		KopoKopoClientSecret: "platform-client-secret",
		KopoKopoTill:         "K000000",

		ReconPollInterval:    5 * time.Millisecond,
		ReconMaxPollAttempts: 3,
	}

	db := newTestDB(t)
	app := fiber.New()
	if err := routes.Register(app, db, cfg); err != nil {
		t.Fatalf("register routes: %v", err)
	}
	return &testEnv{app: app, db: db, cfg: cfg}
}

// request performs one JSON round trip against the app and decodes the
// response body when there is one.
func (e *testEnv) request(t *testing.T, method, path, token string, payload any) (int, map[string]any) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.app.Test(req, 10_000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}

	decoded := map[string]any{}
	if len(raw) > 0 {
		// Error handlers answer in plain text; leave those undecoded.
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp.StatusCode, decoded
}

// registerUser creates an account through the real endpoint and returns
// its session token and id.
func registerUser(t *testing.T, env *testEnv, fullName, email, role string) (string, uuid.UUID) {
	t.Helper()

	status, body := env.request(t, http.MethodPost, "/api/auth/register", "", fiber.Map{
		"full_name": fullName,
		"email":     email,
		"msisdn":    "0712345678",
		"password":  "correct horse",
		"role":      role,
	})
	if status != http.StatusCreated {
		t.Fatalf("register %s: status %d: %v", email, status, body)
	}

	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("register %s: no token in response", email)
	}
	user, _ := body["user"].(map[string]any)
	id, err := uuid.Parse(fmt.Sprint(user["id"]))
	if err != nil {
		t.Fatalf("register %s: bad user id: %v", email, err)
	}
	return token, id
}

// portfolioFixture is a linked owner/property/unit/lease/invoice chain
// seeded directly, bypassing the HTTP surface.
type portfolioFixture struct {
	Owner   models.Owner
	Invoice models.Invoice
	Lease   models.Lease
	Unit    models.Unit
}

func seedPortfolio(t *testing.T, db *gorm.DB, tenantID uuid.UUID) portfolioFixture {
	t.Helper()

	fx := portfolioFixture{Owner: models.Owner{Name: "Kamau Properties", Active: true}}
	if err := db.Create(&fx.Owner).Error; err != nil {
		t.Fatalf("seed owner: %v", err)
	}

	property := models.Property{OwnerID: fx.Owner.ID, Name: "Riverside Court", Active: true}
	if err := db.Create(&property).Error; err != nil {
		t.Fatalf("seed property: %v", err)
	}

	fx.Unit = models.Unit{
		PropertyID:  property.ID,
		Label:       "A1",
		MonthlyRent: decimal.NewFromInt(25000),
		Active:      true,
	}
	if err := db.Create(&fx.Unit).Error; err != nil {
		t.Fatalf("seed unit: %v", err)
	}

	fx.Lease = models.Lease{
		UnitID:    fx.Unit.ID,
		TenantID:  tenantID,
		StartDate: time.Now().AddDate(0, -2, 0),
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
