package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/example/kodipay/internal/config"
	"github.com/example/kodipay/internal/models"
	"github.com/example/kodipay/internal/utils"
)

// PaymentService is the initiation gateway: it validates the invoice,
// resolves the collection rail, decrypts credentials just in time,
// dispatches the push, and books the pending transaction.
type PaymentService struct {
	db       *gorm.DB
	resolver *ResolverService
	vault    *VaultService
	daraja   *DarajaService
	kopokopo *KopoKopoService
	recon    *ReconService
	cfg      *config.Config
	logger   *logrus.Logger
}

func NewPaymentService(db *gorm.DB, resolver *ResolverService, vault *VaultService,
	daraja *DarajaService, kopokopo *KopoKopoService, recon *ReconService,
	cfg *config.Config, logger *logrus.Logger) *PaymentService {
	return &PaymentService{
		db:       db,
		resolver: resolver,
		vault:    vault,
		daraja:   daraja,
		kopokopo: kopokopo,
		recon:    recon,
		cfg:      cfg,
		logger:   logger,
	}
}

type InitiateInput struct {
	InvoiceID uuid.UUID
	Msisdn    string
	TenantID  *uuid.UUID
}

type InitiateResult struct {
	Transaction     *models.Transaction
	CustomerMessage string
}

// Initiate pushes a payment prompt for the invoice to the subscriber's
// phone. The pending transaction is only booked once the provider accepts
// the push; rejections leave the ledger untouched.
func (s *PaymentService) Initiate(ctx context.Context, input InitiateInput) (*InitiateResult, error) {
	var invoice models.Invoice
	if err := s.db.WithContext(ctx).First(&invoice, "id = ?", input.InvoiceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewPaymentError(ErrKindInvoiceNotFound, "invoice not found")
		}
		return nil, fmt.Errorf("initiate: %w", err)
	}
	if invoice.Status == models.InvoiceStatusPaid {
		return nil, NewPaymentError(ErrKindInvoiceAlreadyPaid, "invoice is already paid")
	}
	if !invoice.Amount.IsPositive() {
		return nil, NewPaymentError(ErrKindInvalidAmount, "invoice amount must be positive")
	}

	msisdn, err := utils.NormalizeMSISDN(input.Msisdn)
	if err != nil {
		return nil, NewPaymentError(ErrKindInvalidPhone, "phone number is not a valid mobile subscriber")
	}

	resolved, err := s.resolver.Resolve(ctx, input.InvoiceID)
	if err != nil {
		return nil, err
	}

	creds, err := resolved.Credentials(s.vault)
	if err != nil {
		return nil, fmt.Errorf("initiate: %w", err)
	}

	metadata := models.Metadata{models.MetaConfigSource: string(resolved.Source)}
	var correlationID, customerMessage string

	switch resolved.Kind {
	case models.ProcessorKindPaybill, models.ProcessorKindTillDirect:
		push, err := s.daraja.STKPush(ctx, STKPushInput{
			Credentials: DarajaCredentials{
				ShortCode:      creds.ShortCode,
				ConsumerKey:    creds.Key,
				ConsumerSecret: creds.Secret,
				Passkey:        creds.Passkey,
			},
			TransactionType:  resolved.Kind.TransactionType(),
			Amount:           invoice.Amount,
			Msisdn:           msisdn,
			AccountReference: invoice.InvoiceNumber,
			Description:      "Rent " + invoice.Period,
			CallbackURL:      s.callbackURL("daraja"),
		})
		if err != nil {
			return nil, err
		}
		correlationID = push.CheckoutRequestID
		customerMessage = push.CustomerMessage
		metadata[models.MetaMerchantRequestID] = push.MerchantRequestID

	case models.ProcessorKindTillAggregator:
		created, err := s.kopokopo.CreateIncomingPayment(ctx, IncomingPaymentInput{
			Credentials: AggregatorCredentials{
				TillNumber:   creds.ShortCode,
				ClientID:     creds.Key,
				ClientSecret: creds.Secret,
			},
			Msisdn:      msisdn,
			Amount:      invoice.Amount,
			Reference:   invoice.InvoiceNumber,
			InvoiceID:   invoice.ID.String(),
			CallbackURL: s.callbackURL("kopokopo"),
		})
		if err != nil {
			return nil, err
		}
		correlationID = created.PaymentID
		customerMessage = "Payment request sent to your phone"
		metadata[models.MetaStatusURL] = created.StatusURL

	default:
		return nil, NewPaymentErrorWithAction(ErrKindNotConfigured,
			"resolved configuration has an unsupported kind", ActionConfigureProcessor)
	}

	txn := models.Transaction{
		ProviderKind:     resolved.Kind,
		CorrelationID:    correlationID,
		InvoiceID:        invoice.ID,
		AccountReference: invoice.InvoiceNumber,
		TenantID:         input.TenantID,
		Msisdn:           msisdn,
		Amount:           invoice.Amount,
		Status:           models.TransactionStatusPending,
		Metadata:         metadata,
	}
	if err := s.db.WithContext(ctx).Create(&txn).Error; err != nil {
		return nil, fmt.Errorf("initiate: book transaction: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"transaction": txn.ID,
		"invoice":     invoice.InvoiceNumber,
		"kind":        resolved.Kind,
		"source":      resolved.Source,
		"msisdn":      utils.MaskMSISDN(msisdn),
	}).Info("[Payment] push accepted")

	s.recon.Watch(txn.ID)

	return &InitiateResult{Transaction: &txn, CustomerMessage: customerMessage}, nil
}

func (s *PaymentService) callbackURL(provider string) string {
	return strings.TrimRight(s.cfg.CallbackBaseURL, "/") + "/api/callbacks/" + provider + "/" + s.cfg.CallbackToken
}

// Availability is the pre-flight answer for a payment screen. DebugBypass
// mirrors a deployment flag for test builds of the client; the server
// never branches on it.
type Availability struct {
	Available   bool                 `json:"available"`
	Kind        models.ProcessorKind `json:"kind,omitempty"`
	Source      models.ConfigSource  `json:"source,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	Action      string               `json:"action,omitempty"`
	DebugBypass bool                 `json:"debug_bypass"`
}

// AvailabilityForInvoice resolves without initiating and reports whether
// a push would be possible right now.
func (s *PaymentService) AvailabilityForInvoice(ctx context.Context, invoiceID uuid.UUID) (*Availability, error) {
	return s.availability(s.resolver.Resolve(ctx, invoiceID))
}

// AvailabilityForOwner is the manager-side diagnostic of the same policy.
func (s *PaymentService) AvailabilityForOwner(ctx context.Context, ownerID uuid.UUID) (*Availability, error) {
	return s.availability(s.resolver.ResolveForOwner(ctx, ownerID))
}

func (s *PaymentService) availability(resolved *ResolvedConfig, err error) (*Availability, error) {
	av := &Availability{DebugBypass: config.PaymentDebugBypass()}
	if err != nil {
		pe, ok := AsPaymentError(err)
		if !ok {
			return nil, err
		}
		av.Reason = string(pe.Kind)
		av.Action = pe.Action
		return av, nil
	}
	av.Available = true
	av.Kind = resolved.Kind
	av.Source = resolved.Source
	return av, nil
}

// VerifyNow performs an on-demand status query for an aggregator push,
// identified by correlation id or account reference. Daraja rails have no
// stored status resource and reconcile via callbacks and polling only.
func (s *PaymentService) VerifyNow(ctx context.Context, reference string) (*models.Transaction, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, NewPaymentError(ErrKindTransactionNotFound, "reference is required")
	}

	var txn models.Transaction
	err := s.db.WithContext(ctx).First(&txn, "correlation_id = ?", reference).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = s.db.WithContext(ctx).
			Where("account_reference = ? AND status = ?", reference, models.TransactionStatusPending).
			Order("created_at DESC").
			First(&txn).Error
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewPaymentError(ErrKindTransactionNotFound, "no transaction for reference")
		}
		return nil, fmt.Errorf("verify: %w", err)
	}

	if txn.Status.Terminal() {
		return &txn, nil
	}
	if !txn.ProviderKind.Aggregator() {
		return nil, NewPaymentError(ErrKindVerifyUnsupported,
			"on-demand verification is only available on aggregator rails")
	}

	statusURL := txn.Metadata[models.MetaStatusURL]
	if statusURL == "" {
		return nil, NewPaymentError(ErrKindVerifyUnsupported,
			"no status resource was recorded for this payment")
	}

	creds, err := s.aggregatorCredsForInvoice(ctx, txn.InvoiceID)
	if err != nil {
		return nil, err
	}

	status, err := s.kopokopo.QueryStatus(ctx, creds, statusURL)
	if err != nil {
		return nil, err
	}

	if status.Result != nil {
		status.Result.CorrelationID = txn.CorrelationID
		finalized, _, err := s.recon.Finalize(ctx, txn.ID, *status.Result)
		if err != nil {
			return nil, err
		}
		return finalized, nil
	}

	s.bumpReconcileAttempts(ctx, &txn)
	return &txn, nil
}

// aggregatorCredsForInvoice prefers the owner's aggregator pair and falls
// back to the platform pair when the owner chain cannot produce one.
// Verification is a read; the initiation-side no-fallback rule does not
// apply here.
func (s *PaymentService) aggregatorCredsForInvoice(ctx context.Context, invoiceID uuid.UUID) (AggregatorCredentials, error) {
	resolved, err := s.resolver.Resolve(ctx, invoiceID)
	if err == nil && resolved.Kind.Aggregator() {
		creds, cerr := resolved.Credentials(s.vault)
		if cerr == nil {
			return AggregatorCredentials{
				TillNumber:   creds.ShortCode,
				ClientID:     creds.Key,
				ClientSecret: creds.Secret,
			}, nil
		}
		s.logger.Warnf("[Payment] owner aggregator credentials unusable for invoice %s: %v", invoiceID, cerr)
	}

	platform, perr := s.resolver.PlatformAggregatorCredentials()
	if perr != nil {
		return AggregatorCredentials{}, perr
	}
	return AggregatorCredentials{
		TillNumber:   platform.ShortCode,
		ClientID:     platform.Key,
		ClientSecret: platform.Secret,
	}, nil
}

func (s *PaymentService) bumpReconcileAttempts(ctx context.Context, txn *models.Transaction) {
	attempts, _ := strconv.Atoi(txn.Metadata[models.MetaReconcileAttempts])
	meta := txn.Metadata
	if meta == nil {
		meta = models.Metadata{}
	}
	meta[models.MetaReconcileAttempts] = strconv.Itoa(attempts + 1)
	txn.Metadata = meta

	if err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", txn.ID, models.TransactionStatusPending).
		Update("metadata", meta).Error; err != nil {
		s.logger.Warnf("[Payment] bump reconcile attempts for %s: %v", txn.ID, err)
	}
}

// VerifyOwnerCredentials proves an owner's stored credentials against the
// live provider and flips the verified flag on success. The decrypted
// values exist only for the duration of the token fetch.
func (s *PaymentService) VerifyOwnerCredentials(ctx context.Context, ownerID uuid.UUID) (*models.ProcessorConfig, error) {
	var pc models.ProcessorConfig
	if err := s.db.WithContext(ctx).First(&pc, "owner_id = ?", ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewPaymentErrorWithAction(ErrKindNotConfigured,
				"owner has no processor configuration", ActionConfigureProcessor)
		}
		return nil, fmt.Errorf("verify credentials: %w", err)
	}

	key, err := s.vault.Decrypt(pc.KeyCipher)
	if err != nil {
		return nil, fmt.Errorf("verify credentials: %w", err)
	}
	secret, err := s.vault.Decrypt(pc.SecretCipher)
	if err != nil {
		return nil, fmt.Errorf("verify credentials: %w", err)
	}

	if pc.Kind.Aggregator() {
		_, err = s.kopokopo.OAuthToken(ctx, AggregatorCredentials{
			TillNumber:   pc.ShortCode,
			ClientID:     key,
			ClientSecret: secret,
		})
	} else {
		passkey := ""
		if pc.PasskeyCipher != "" {
			passkey, err = s.vault.Decrypt(pc.PasskeyCipher)
			if err != nil {
				return nil, fmt.Errorf("verify credentials: %w", err)
			}
		}
		_, err = s.daraja.OAuthToken(ctx, DarajaCredentials{
			ShortCode:      pc.ShortCode,
			ConsumerKey:    key,
			ConsumerSecret: secret,
			Passkey:        passkey,
		})
	}
	if err != nil {
		msg := "provider did not accept the credentials"
		if pe, ok := AsPaymentError(err); ok {
			msg = pe.Message
		}
		return nil, NewPaymentErrorWithAction(ErrKindCredentialsNotVerified, msg, ActionVerifyCredentials)
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&models.ProcessorConfig{}).
		Where("id = ?", pc.ID).
		Updates(map[string]any{
			"credentials_verified": true,
			"verified_at":          now,
		}).Error; err != nil {
		return nil, fmt.Errorf("verify credentials: %w", err)
	}

	pc.CredentialsVerified = true
	pc.VerifiedAt = &now
	s.logger.Infof("[Payment] credentials verified for owner %s (%s)", ownerID, pc.Kind)
	return &pc, nil
}
