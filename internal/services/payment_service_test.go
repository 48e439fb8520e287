package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/kodipay/internal/models"
)

// newPaymentStack wires the full initiation path against test provider
// endpoints. The vault key is fixed, so configs sealed by newTestVault
// decrypt here as well.
func newPaymentStack(t *testing.T, db *gorm.DB, darajaURL, kopokopoURL string) (*PaymentService, *ReconService) {
	t.Helper()
	cfg := newTestConfig()
	cfg.DarajaBaseURL = darajaURL
	cfg.KopoKopoBaseURL = kopokopoURL

	logger := newTestLogger()
	recon := NewReconService(db, nil, nil, logger, 5*time.Millisecond, 100)
	svc := NewPaymentService(db, NewResolverService(db, cfg), newTestVault(t),
		NewDarajaService(cfg.DarajaBaseURL, logger),
		NewKopoKopoService(cfg.KopoKopoBaseURL, logger),
		recon, cfg, logger)
	return svc, recon
}

type darajaPushCapture struct {
	auth string
	body stkPushRequest
}

func darajaAcceptingServer(t *testing.T, captured *darajaPushCapture) *httptest.Server {
	t.Helper()
	var authHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", darajaAuthHandler(&authHits))
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		captured.auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured.body); err != nil {
			t.Errorf("decode push payload: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"MerchantRequestID":   "mr-77",
			"CheckoutRequestID":   "ws_CO_accept",
			"ResponseCode":        "0",
			"ResponseDescription": "Success. Request accepted for processing",
			"CustomerMessage":     "Success. Request accepted for processing",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func countTransactions(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.Transaction{}).Count(&n).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	return n
}

func TestInitiatePlatformDarajaBooksPendingTransaction(t *testing.T) {
	db := newTestDB(t)
	fx := seedChain(t, db)

	var captured darajaPushCapture
	srv := darajaAcceptingServer(t, &captured)
	svc, recon := newPaymentStack(t, db, srv.URL, "http://127.0.0.1:1")

	tenantID := fx.Tenant.ID
	result, err := svc.Initiate(context.Background(), InitiateInput{
		InvoiceID: fx.Invoice.ID,
		Msisdn:    "0712 345 678",
		TenantID:  &tenantID,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	recon.Cancel(result.Transaction.ID)

	txn := result.Transaction
	if txn.Status != models.TransactionStatusPending {
		t.Fatalf("status = %s, want pending", txn.Status)
	}
	if txn.CorrelationID != "ws_CO_accept" {
		t.Fatalf("correlation id = %q", txn.CorrelationID)
	}
	if txn.ProviderKind != models.ProcessorKindPaybill {
		t.Fatalf("provider kind = %s", txn.ProviderKind)
	}
	if txn.AccountReference != fx.Invoice.InvoiceNumber {
		t.Fatalf("account reference = %q", txn.AccountReference)
	}
	if txn.Msisdn != "254712345678" {
		t.Fatalf("msisdn = %q, want normalized", txn.Msisdn)
	}
	if txn.TenantID == nil || *txn.TenantID != fx.Tenant.ID {
		t.Fatal("tenant not recorded on the transaction")
	}
	if !txn.Amount.Equal(fx.Invoice.Amount) {
		t.Fatalf("amount = %s, want %s", txn.Amount, fx.Invoice.Amount)
	}
	if got := txn.Metadata[models.MetaConfigSource]; got != "platform" {
		t.Fatalf("config source = %q", got)
	}
	if got := txn.Metadata[models.MetaMerchantRequestID]; got != "mr-77" {
		t.Fatalf("merchant request id = %q", got)
	}
	if result.CustomerMessage != "Success. Request accepted for processing" {
		t.Fatalf("customer message = %q", result.CustomerMessage)
	}

	// Push carried the platform rails.
	if captured.auth != "Bearer token-platform-key" {
		t.Fatalf("push auth = %q, want the platform consumer key's token", captured.auth)
	}
	if captured.body.BusinessShortCode != "600000" {
		t.Fatalf("short code = %q", captured.body.BusinessShortCode)
	}
	if captured.body.TransactionType != "CustomerPayBillOnline" {
		t.Fatalf("transaction type = %q", captured.body.TransactionType)
	}
	wantPassword := base64.StdEncoding.EncodeToString(
		[]byte("600000" + "platform-passkey" + captured.body.Timestamp))
	if captured.body.Password != wantPassword {
		t.Fatal("push password not derived from the platform passkey")
	}
	if captured.body.CallBackURL != "https://pay.example.com/api/callbacks/daraja/cb-token" {
		t.Fatalf("callback url = %q", captured.body.CallBackURL)
	}
	if captured.body.AccountReference != fx.Invoice.InvoiceNumber {
		t.Fatalf("push account reference = %q", captured.body.AccountReference)
	}

	row := reloadTxn(t, db, txn.ID)
	if row.Status != models.TransactionStatusPending {
		t.Fatalf("booked row status = %s", row.Status)
	}
}

func TestInitiateCustomConfigUsesOwnerCredentials(t *testing.T) {
	db := newTestDB(t)
	fx := seedChain(t, db)
	seedProcessorConfig(t, db, newTestVault(t), fx.Owner.ID, models.ProcessorKindTillDirect)

	var captured darajaPushCapture
	srv := darajaAcceptingServer(t, &captured)
	svc, recon := newPaymentStack(t, db, srv.URL, "http://127.0.0.1:1")

	result, err := svc.Initiate(context.Background(), InitiateInput{
		InvoiceID: fx.Invoice.ID,
		Msisdn:    "254712345678",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	recon.Cancel(result.Transaction.ID)

	if result.Transaction.ProviderKind != models.ProcessorKindTillDirect {
		t.Fatalf("provider kind = %s", result.Transaction.ProviderKind)
	}
	if got := result.Transaction.Metadata[models.MetaConfigSource]; got != "owner" {
		t.Fatalf("config source = %q, want owner", got)
	}

	if captured.auth != "Bearer token-owner-key" {
		t.Fatalf("push auth = %q, want the owner consumer key's token", captured.auth)
	}
	if captured.body.BusinessShortCode != "174379" {
		t.Fatalf("short code = %q, want the owner's", captured.body.BusinessShortCode)
	}
	if captured.body.TransactionType != "CustomerBuyGoodsOnline" {
		t.Fatalf("transaction type = %q for a direct till", captured.body.TransactionType)
	}
	wantPassword := base64.StdEncoding.EncodeToString(
		[]byte("174379" + "owner-passkey" + captured.body.Timestamp))
	if captured.body.Password != wantPassword {
		t.Fatal("push password not derived from the owner passkey")
	}
}

func TestInitiateAggregatorStoresStatusResource(t *testing.T) {
	db := newTestDB(t)
	fx := seedChain(t, db)
	seedProcessorConfig(t, db, newTestVault(t), fx.Owner.ID, models.ProcessorKindTillAggregator)

	var authHits int32
	var captured incomingPaymentRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", aggregatorAuthHandler(t, &authHits))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	statusURL := srv.URL + "/api/v1/incoming_payments/pay-555"
	mux.HandleFunc("/api/v1/incoming_payments", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Header().Set("Location", statusURL)
		w.WriteHeader(http.StatusCreated)
	})

	svc, recon := newPaymentStack(t, db, "http://127.0.0.1:1", srv.URL)
	result, err := svc.Initiate(context.Background(), InitiateInput{
		InvoiceID: fx.Invoice.ID,
		Msisdn:    "254712345678",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	recon.Cancel(result.Transaction.ID)

	txn := result.Transaction
	if txn.ProviderKind != models.ProcessorKindTillAggregator {
		t.Fatalf("provider kind = %s", txn.ProviderKind)
	}
	if txn.CorrelationID != "pay-555" {
		t.Fatalf("correlation id = %q, want the aggregator payment id", txn.CorrelationID)
	}
	if got := txn.Metadata[models.MetaStatusURL]; got != statusURL {
		t.Fatalf("status url = %q, want the Location header verbatim", got)
	}
	if result.CustomerMessage != "Payment request sent to your phone" {
		t.Fatalf("customer message = %q", result.CustomerMessage)
	}

	if captured.TillNumber != "174379" {
		t.Fatalf("till number = %q, want the owner's short code", captured.TillNumber)
	}
	if captured.Metadata["reference"] != fx.Invoice.InvoiceNumber {
		t.Fatalf("reference = %q", captured.Metadata["reference"])
	}
	if captured.Links.CallbackURL != "https://pay.example.com/api/callbacks/kopokopo/cb-token" {
		t.Fatalf("callback url = %q", captured.Links.CallbackURL)
	}
}

func TestInitiateProviderRejectionBooksNothing(t *testing.T) {
	db := newTestDB(t)
	fx := seedChain(t, db)

	var authHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", darajaAuthHandler(&authHits))
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid PhoneNumber",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	svc, _ := newPaymentStack(t, db, srv.URL, "http://127.0.0.1:1")
	_, err := svc.Initiate(context.Background(), InitiateInput{
		InvoiceID: fx.Invoice.ID,
		Msisdn:    "254712345678",
	})
	assertErrorKind(t, err, ErrKindProviderRejected)

	if n := countTransactions(t, db); n != 0 {
		t.Fatalf("transactions = %d; a rejected push must leave the ledger untouched", n)
	}
}

func TestInitiateValidationFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, db *gorm.DB, fx chainFixture) InitiateInput
		wantKind ErrorKind
	}{
		{
			name: "unknown invoice",
			setup: func(t *testing.T, db *gorm.DB, fx chainFixture) InitiateInput {
				return InitiateInput{InvoiceID: uuid.New(), Msisdn: "254712345678"}
			},
			wantKind: ErrKindInvoiceNotFound,
		},
		{
			name: "invoice already paid",
			setup: func(t *testing.T, db *gorm.DB, fx chainFixture) InitiateInput {
				if err := db.Model(&models.Invoice{}).Where("id = ?", fx.Invoice.ID).
					Update("status", models.InvoiceStatusPaid).Error; err != nil {
					t.Fatalf("mark paid: %v", err)
				}
				return InitiateInput{InvoiceID: fx.Invoice.ID, Msisdn: "254712345678"}
			},
			wantKind: ErrKindInvoiceAlreadyPaid,
		},
		{
			name: "non-positive amount",
			setup: func(t *testing.T, db *gorm.DB, fx chainFixture) InitiateInput {
				if err := db.Model(&models.Invoice{}).Where("id = ?", fx.Invoice.ID).
					Update("amount", "0").Error; err != nil {
					t.Fatalf("zero amount: %v", err)
				}
				return InitiateInput{InvoiceID: fx.Invoice.ID, Msisdn: "254712345678"}
			},
			wantKind: ErrKindInvalidAmount,
		},
		{
			name: "invalid phone",
			setup: func(t *testing.T, db *gorm.DB, fx chainFixture) InitiateInput {
				return InitiateInput{InvoiceID: fx.Invoice.ID, Msisdn: "12345"}
			},
			wantKind: ErrKindInvalidPhone,
		},
		{
			name: "custom preference without config",
			setup: func(t *testing.T, db *gorm.DB, fx chainFixture) InitiateInput {
				pref := models.PaymentPreference{OwnerID: fx.Owner.ID, Choice: models.PreferenceCustom}
				if err := db.Create(&pref).Error; err != nil {
					t.Fatalf("seed preference: %v", err)
				}
				return InitiateInput{InvoiceID: fx.Invoice.ID, Msisdn: "254712345678"}
			},
			wantKind: ErrKindNotConfigured,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db := newTestDB(t)
			fx := seedChain(t, db)
			// Provider endpoints unreachable: every case must fail
			// before a push is attempted.
			svc, _ := newPaymentStack(t, db, "http://127.0.0.1:1", "http://127.0.0.1:1")

			input := tc.setup(t, db, fx)
			_, err := svc.Initiate(context.Background(), input)
			assertErrorKind(t, err, tc.wantKind)

			if n := countTransactions(t, db); n != 0 {
				t.Fatalf("transactions = %d, want 0", n)
			}
		})
	}
}

func seedAggregatorTxn(t *testing.T, db *gorm.DB, fx chainFixture, correlationID, statusURL string) models.Transaction {
	t.Helper()
	txn := models.Transaction{
		ProviderKind:     models.ProcessorKindTillAggregator,
		CorrelationID:    correlationID,
		InvoiceID:        fx.Invoice.ID,
		AccountReference: fx.Invoice.InvoiceNumber,
		Msisdn:           "254712345678",
		Amount:           fx.Invoice.Amount,
		Status:           models.TransactionStatusPending,
		Metadata:         models.Metadata{models.MetaConfigSource: "owner"},
	}
	if statusURL != "" {
		txn.Metadata[models.MetaStatusURL] = statusURL
	}
	if err := db.Create(&txn).Error; err != nil {
		t.Fatalf("seed aggregator transaction: %v", err)
	}
	return txn
}

func TestVerifyNowReferenceLookupFailures(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newPaymentStack(t, db, "http://127.0.0.1:1", "http://127.0.0.1:1")
	ctx := context.Background()

	_, err := svc.VerifyNow(ctx, "   ")
	assertErrorKind(t, err, ErrKindTransactionNotFound)

	_, err = svc.VerifyNow(ctx, "ws_CO_nothing")
	assertErrorKind(t, err, ErrKindTransactionNotFound)
}

func TestVerifyNowTerminalRowShortCircuits(t *testing.T) {
	db := newTestDB(t)
	fx := seedChain(t, db)
	txn := seedAggregatorTxn(t, db, fx, "pay-done", "http://127.0.0.1:1/api/v1/incoming_payments/pay-done")
	if err := db.Model(&models.Transaction{}).Where("id = ?", txn.ID).
		Update("status", models.TransactionStatusCompleted).Error; err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	// Both providers unreachable: a terminal row must not trigger a query.
	svc, _ := newPaymentStack(t, db, "http://127.0.0.1:1", "http://127.0.0.1:1")
	got, err := svc.VerifyNow(context.Background(), "pay-done")
	if err != nil {
		t.Fatalf("VerifyNow: %v", err)
	}
	if got.Status != models.TransactionStatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestVerifyNowDarajaRailUnsupported(t *testing.T) {
	db := newTestDB(t)
	fx := seedChain(t, db)
	seedPendingTxn(t, db, fx, "ws_CO_verify")

	svc, _ := newPaymentStack(t, db, "http://127.0.0.1:1", "http://127.0.0.1:1")
	_, err := svc.VerifyNow(context.Background(), "ws_CO_verify")
	assertErrorKind(t, err, ErrKindVerifyUnsupported)
}

func TestVerifyNowWithoutStatusResource(t *testing.T) {
	db := newTestDB(t)
	fx := seedChain(t, db)
	seedAggregatorTxn(t, db, fx, "pay-bare", "")

	svc, _ := newPaymentStack(t, db, "http://127.0.0.1:1", "http://127.0.0.1:1")
	_, err := svc.VerifyNow(context.Background(), "pay-bare")
	assertErrorKind(t, err, ErrKindVerifyUnsupported)
}

func kopokopoStatusServer(t *testing.T, paymentID, status string, clientIDs *[]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse auth form: %v", err)
		}
		if clientIDs != nil {
			*clientIDs = append(*clientIDs, r.PostFormValue("client_id"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "agg-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/api/v1/incoming_payments/"+paymentID, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"id": paymentID,
				"attributes": map[string]any{
					"status": status,
					"event": map[string]any{
						"resource": map[string]any{
							"reference":           "RKT999",
							"sender_phone_number": "+254712345678",
						},
					},
				},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifyNowSettlesFromStatusResource(t *testing.T) {
	db := newTestDB(t)
	fx := seedChain(t, db)
	seedProcessorConfig(t, db, newTestVault(t), fx.Owner.ID, models.ProcessorKindTillAggregator)

	srv := kopokopoStatusServer(t, "pay-7", "Success", nil)
	txn := seedAggregatorTxn(t, db, fx, "pay-7", srv.URL+"/api/v1/incoming_payments/pay-7")

	svc, _ := newPaymentStack(t, db, "http://127.0.0.1:1", srv.URL)

	// Look up by account reference to exercise the fallback path.
	got, err := svc.VerifyNow(context.Background(), fx.Invoice.InvoiceNumber)
	if err != nil {
		t.Fatalf("VerifyNow: %v", err)
	}
	if got.ID != txn.ID {
		t.Fatalf("verified %s, want the pending attempt %s", got.ID, txn.ID)
	}
	if got.Status != models.TransactionStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ReceiptReference != "RKT999" {
		t.Fatalf("receipt = %q", got.ReceiptReference)
	}

	var invoice models.Invoice
	if err := db.First(&invoice, "id = ?", fx.Invoice.ID).Error; err != nil {
		t.Fatalf("reload invoice: %v", err)
	}
	if invoice.Status != models.InvoiceStatusPaid {
		t.Fatalf("invoice status = %s", invoice.Status)
	}
	if n := countPayments(t, db); n != 1 {
		t.Fatalf("payments = %d, want 1", n)
	}
}

func TestVerifyNowStillPendingBumpsAttempts(t *testing.T) {
	db := newTestDB(t)
	fx := seedChain(t, db)
	seedProcessorConfig(t, db, newTestVault(t), fx.Owner.ID, models.ProcessorKindTillAggregator)

	srv := kopokopoStatusServer(t, "pay-8", "Processing", nil)
	txn := seedAggregatorTxn(t, db, fx, "pay-8", srv.URL+"/api/v1/incoming_payments/pay-8")

	svc, _ := newPaymentStack(t, db, "http://127.0.0.1:1", srv.URL)
	ctx := context.Background()

	got, err := svc.VerifyNow(ctx, "pay-8")
	if err != nil {
		t.Fatalf("VerifyNow: %v", err)
	}
	if got.Status != models.TransactionStatusPending {
		t.Fatalf("status = %s, want still pending", got.Status)
	}

	if _, err := svc.VerifyNow(ctx, "pay-8"); err != nil {
		t.Fatalf("second VerifyNow: %v", err)
	}

	row := reloadTxn(t, db, txn.ID)
	if got := row.Metadata[models.MetaReconcileAttempts]; got != "2" {
		t.Fatalf("reconcile attempts = %q, want 2", got)
	}
	if row.Status != models.TransactionStatusPending {
		t.Fatalf("row status = %s", row.Status)
	}
}

func TestVerifyNowFallsBackToPlatformAggregatorPair(t *testing.T) {
	db := newTestDB(t)
	fx := seedChain(t, db)
	// The owner's rail is Daraja now, but this attempt was booked on the
	// aggregator. Verification reads through the platform pair.
	seedProcessorConfig(t, db, newTestVault(t), fx.Owner.ID, models.ProcessorKindPaybill)

	var clientIDs []string
	srv := kopokopoStatusServer(t, "pay-9", "Processing", &clientIDs)
	seedAggregatorTxn(t, db, fx, "pay-9", srv.URL+"/api/v1/incoming_payments/pay-9")

	svc, _ := newPaymentStack(t, db, "http://127.0.0.1:1", srv.URL)
	if _, err := svc.VerifyNow(context.Background(), "pay-9"); err != nil {
		t.Fatalf("VerifyNow: %v", err)
	}

	if len(clientIDs) == 0 || clientIDs[0] != "platform-client" {
		t.Fatalf("auth client ids = %v, want the platform pair", clientIDs)
	}
}

func TestVerifyOwnerCredentialsDarajaSuccess(t *testing.T) {
	db := newTestDB(t)
	fx := seedChain(t, db)
	vault := newTestVault(t)
	pc := seedProcessorConfig(t, db, vault, fx.Owner.ID, models.ProcessorKindPaybill)
	if err := db.Model(&models.ProcessorConfig{}).Where("id = ?", pc.ID).
		Updates(map[string]any{"credentials_verified": false, "verified_at": nil}).Error; err != nil {
		t.Fatalf("reset verification: %v", err)
	}

	var authHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", darajaAuthHandler(&authHits))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	svc, _ := newPaymentStack(t, db, srv.URL, "http://127.0.0.1:1")
	got, err := svc.VerifyOwnerCredentials(context.Background(), fx.Owner.ID)
	if err != nil {
		t.Fatalf("VerifyOwnerCredentials: %v", err)
	}
	if !got.CredentialsVerified || got.VerifiedAt == nil {
		t.Fatalf("verification not stamped: %+v", got)
	}
	if atomic.LoadInt32(&authHits) == 0 {
		t.Fatal("provider was never consulted")
	}

	var row models.ProcessorConfig
	if err := db.First(&row, "id = ?", pc.ID).Error; err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if !row.CredentialsVerified || row.VerifiedAt == nil {
		t.Fatal("verified flag not persisted")
	}
}

func TestVerifyOwnerCredentialsAggregatorSuccess(t *testing.T) {
	db := newTestDB(t)
	fx := seedChain(t, db)
	pc := seedProcessorConfig(t, db, newTestVault(t), fx.Owner.ID, models.ProcessorKindTillAggregator)
	if err := db.Model(&models.ProcessorConfig{}).Where("id = ?", pc.ID).
		Updates(map[string]any{"credentials_verified": false, "verified_at": nil}).Error; err != nil {
		t.Fatalf("reset verification: %v", err)
	}

	var authHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", aggregatorAuthHandler(t, &authHits))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	svc, _ := newPaymentStack(t, db, "http://127.0.0.1:1", srv.URL)
	got, err := svc.VerifyOwnerCredentials(context.Background(), fx.Owner.ID)
	if err != nil {
		t.Fatalf("VerifyOwnerCredentials: %v", err)
	}
	if !got.CredentialsVerified {
		t.Fatal("verification not stamped")
	}
	if atomic.LoadInt32(&authHits) == 0 {
		t.Fatal("provider was never consulted")
	}
}

func TestVerifyOwnerCredentialsRejected(t *testing.T) {
	db := newTestDB(t)
	fx := seedChain(t, db)
	pc := seedProcessorConfig(t, db, newTestVault(t), fx.Owner.ID, models.ProcessorKindPaybill)
	if err := db.Model(&models.ProcessorConfig{}).Where("id = ?", pc.ID).
		Updates(map[string]any{"credentials_verified": false, "verified_at": nil}).Error; err != nil {
		t.Fatalf("reset verification: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	svc, _ := newPaymentStack(t, db, srv.URL, "http://127.0.0.1:1")
	_, err := svc.VerifyOwnerCredentials(context.Background(), fx.Owner.ID)
	assertErrorKind(t, err, ErrKindCredentialsNotVerified)

	var row models.ProcessorConfig
	if err := db.First(&row, "id = ?", pc.ID).Error; err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if row.CredentialsVerified {
		t.Fatal("rejected credentials were marked verified")
	}
}

func TestVerifyOwnerCredentialsUnconfigured(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newPaymentStack(t, db, "http://127.0.0.1:1", "http://127.0.0.1:1")

	_, err := svc.VerifyOwnerCredentials(context.Background(), uuid.New())
	assertErrorKind(t, err, ErrKindNotConfigured)
}

func TestAvailabilityReflectsResolution(t *testing.T) {
	t.Run("platform rails available", func(t *testing.T) {
		db := newTestDB(t)
		fx := seedChain(t, db)
		svc, _ := newPaymentStack(t, db, "http://127.0.0.1:1", "http://127.0.0.1:1")

		av, err := svc.AvailabilityForInvoice(context.Background(), fx.Invoice.ID)
		if err != nil {
			t.Fatalf("AvailabilityForInvoice: %v", err)
		}
		if !av.Available {
			t.Fatalf("available = false: %+v", av)
		}
		if av.Kind != models.ProcessorKindPaybill || av.Source != models.ConfigSourcePlatform {
			t.Fatalf("kind/source = %s/%s", av.Kind, av.Source)
		}
	})

	t.Run("broken custom reports reason and action", func(t *testing.T) {
		db := newTestDB(t)
		fx := seedChain(t, db)
		pc := seedProcessorConfig(t, db, newTestVault(t), fx.Owner.ID, models.ProcessorKindPaybill)
		if err := db.Model(&models.ProcessorConfig{}).Where("id = ?", pc.ID).
			Update("active", false).Error; err != nil {
			t.Fatalf("deactivate config: %v", err)
		}
		svc, _ := newPaymentStack(t, db, "http://127.0.0.1:1", "http://127.0.0.1:1")

		av, err := svc.AvailabilityForInvoice(context.Background(), fx.Invoice.ID)
		if err != nil {
			t.Fatalf("AvailabilityForInvoice: %v", err)
		}
		if av.Available {
			t.Fatal("inactive custom config reported available")
		}
		if av.Reason != string(ErrKindConfigInactive) {
			t.Fatalf("reason = %q", av.Reason)
		}
		if av.Action == "" {
			t.Fatal("no remedial action hinted")
		}
	})

	t.Run("owner-side diagnostic", func(t *testing.T) {
		db := newTestDB(t)
		svc, _ := newPaymentStack(t, db, "http://127.0.0.1:1", "http://127.0.0.1:1")

		av, err := svc.AvailabilityForOwner(context.Background(), uuid.New())
		if err != nil {
			t.Fatalf("AvailabilityForOwner: %v", err)
		}
		if av.Available {
			t.Fatal("unknown owner reported available")
		}
		if av.Reason != string(ErrKindOwnerNotFound) {
			t.Fatalf("reason = %q", av.Reason)
		}
	})
}
