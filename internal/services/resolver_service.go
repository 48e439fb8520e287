package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/kodipay/internal/config"
	"github.com/example/kodipay/internal/models"
)

// ProviderCredentials is the decrypted credential set handed to a provider
// client for the duration of one call. Key/Secret are the Daraja consumer
// pair or the aggregator client pair depending on Kind; Passkey is empty
// for aggregator configs.
type ProviderCredentials struct {
	ShortCode string
	Key       string
	Secret    string
	Passkey   string
}

// ResolvedConfig is the outcome of walking an invoice to its collection
// rail. Owner-sourced configs keep credentials sealed until Credentials
// is called at the point of use.
type ResolvedConfig struct {
	Kind      models.ProcessorKind
	Source    models.ConfigSource
	OwnerID   uuid.UUID
	ShortCode string

	keyCipher     string
	secretCipher  string
	passkeyCipher string

	plainKey     string
	plainSecret  string
	plainPasskey string

	Invoice *models.Invoice
	Lease   *models.Lease
}

// Credentials decrypts the config's credential envelopes just in time.
// The result must stay in the caller's scope for one provider call.
func (r *ResolvedConfig) Credentials(vault *VaultService) (ProviderCredentials, error) {
	if r.Source == models.ConfigSourcePlatform {
		return ProviderCredentials{
			ShortCode: r.ShortCode,
			Key:       r.plainKey,
			Secret:    r.plainSecret,
			Passkey:   r.plainPasskey,
		}, nil
	}

	key, err := vault.Decrypt(r.keyCipher)
	if err != nil {
		return ProviderCredentials{}, fmt.Errorf("resolve credentials: %w", err)
	}
	secret, err := vault.Decrypt(r.secretCipher)
	if err != nil {
		return ProviderCredentials{}, fmt.Errorf("resolve credentials: %w", err)
	}
	creds := ProviderCredentials{ShortCode: r.ShortCode, Key: key, Secret: secret}
	if r.passkeyCipher != "" {
		passkey, err := vault.Decrypt(r.passkeyCipher)
		if err != nil {
			return ProviderCredentials{}, fmt.Errorf("resolve credentials: %w", err)
		}
		creds.Passkey = passkey
	}
	return creds, nil
}

// ResolverService walks invoice → lease → unit → property → owner and
// applies the owner's payment preference to pick the collection rail.
type ResolverService struct {
	db  *gorm.DB
	cfg *config.Config
}

func NewResolverService(db *gorm.DB, cfg *config.Config) *ResolverService {
	return &ResolverService{db: db, cfg: cfg}
}

// Resolve locates the processor configuration responsible for an invoice.
// Each broken link in the chain fails with its own error kind; a custom
// configuration that is missing, inactive, or unverified never falls back
// to the platform rails.
func (s *ResolverService) Resolve(ctx context.Context, invoiceID uuid.UUID) (*ResolvedConfig, error) {
	var invoice models.Invoice
	if err := s.db.WithContext(ctx).First(&invoice, "id = ?", invoiceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewPaymentError(ErrKindInvoiceNotFound, "invoice not found")
		}
		return nil, fmt.Errorf("resolve invoice: %w", err)
	}

	var lease models.Lease
	if err := s.db.WithContext(ctx).First(&lease, "id = ?", invoice.LeaseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewPaymentError(ErrKindLeaseNotFound, "lease not found for invoice")
		}
		return nil, fmt.Errorf("resolve lease: %w", err)
	}

	var unit models.Unit
	if err := s.db.WithContext(ctx).First(&unit, "id = ?", lease.UnitID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewPaymentError(ErrKindUnitNotFound, "unit not found for lease")
		}
		return nil, fmt.Errorf("resolve unit: %w", err)
	}

	var property models.Property
	if err := s.db.WithContext(ctx).First(&property, "id = ?", unit.PropertyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewPaymentError(ErrKindPropertyNotFound, "property not found for unit")
		}
		return nil, fmt.Errorf("resolve property: %w", err)
	}

	var owner models.Owner
	if err := s.db.WithContext(ctx).First(&owner, "id = ?", property.OwnerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewPaymentError(ErrKindOwnerNotFound, "owner not found for property")
		}
		return nil, fmt.Errorf("resolve owner: %w", err)
	}

	resolved, err := s.resolveForOwnerID(ctx, owner.ID)
	if err != nil {
		return nil, err
	}

	resolved.Invoice = &invoice
	resolved.Lease = &lease
	return resolved, nil
}

// ResolveForOwner applies the preference policy directly to an owner,
// skipping the invoice walk. Used by configuration diagnostics.
func (s *ResolverService) ResolveForOwner(ctx context.Context, ownerID uuid.UUID) (*ResolvedConfig, error) {
	var owner models.Owner
	if err := s.db.WithContext(ctx).First(&owner, "id = ?", ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewPaymentError(ErrKindOwnerNotFound, "owner not found")
		}
		return nil, fmt.Errorf("resolve owner: %w", err)
	}
	return s.resolveForOwnerID(ctx, owner.ID)
}

func (s *ResolverService) resolveForOwnerID(ctx context.Context, ownerID uuid.UUID) (*ResolvedConfig, error) {
	var pref models.PaymentPreference
	prefErr := s.db.WithContext(ctx).First(&pref, "owner_id = ?", ownerID).Error
	if prefErr != nil && !errors.Is(prefErr, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("resolve preference: %w", prefErr)
	}

	var pc models.ProcessorConfig
	configErr := s.db.WithContext(ctx).First(&pc, "owner_id = ?", ownerID).Error
	if configErr != nil && !errors.Is(configErr, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("resolve processor config: %w", configErr)
	}
	hasConfig := configErr == nil

	// No explicit preference: owners with a config collect on it, the
	// rest ride the platform rails.
	choice := models.PreferencePlatformDefault
	if prefErr == nil {
		choice = pref.Choice
	} else if hasConfig {
		choice = models.PreferenceCustom
	}

	if choice == models.PreferencePlatformDefault {
		return s.platformConfig(ownerID)
	}

	if !hasConfig {
		return nil, NewPaymentErrorWithAction(ErrKindNotConfigured,
			"owner has no processor configuration", ActionConfigureProcessor)
	}
	if !pc.Active {
		return nil, NewPaymentErrorWithAction(ErrKindConfigInactive,
			"processor configuration is inactive", ActionContactManager)
	}
	if !pc.Kind.Valid() {
		return nil, NewPaymentErrorWithAction(ErrKindNotConfigured,
			"processor configuration has an unsupported kind", ActionConfigureProcessor)
	}
	if !pc.CredentialsVerified {
		return nil, NewPaymentErrorWithAction(ErrKindCredentialsNotVerified,
			"processor credentials have not been verified", ActionVerifyCredentials)
	}

	return &ResolvedConfig{
		Kind:          pc.Kind,
		Source:        models.ConfigSourceOwner,
		OwnerID:       ownerID,
		ShortCode:     pc.ShortCode,
		keyCipher:     pc.KeyCipher,
		secretCipher:  pc.SecretCipher,
		passkeyCipher: pc.PasskeyCipher,
	}, nil
}

func (s *ResolverService) platformConfig(ownerID uuid.UUID) (*ResolvedConfig, error) {
	kind := models.ProcessorKind(s.cfg.PlatformKind)
	if !kind.Valid() {
		kind = models.ProcessorKindPaybill
	}

	if kind.Aggregator() {
		creds, err := s.PlatformAggregatorCredentials()
		if err != nil {
			return nil, err
		}
		return &ResolvedConfig{
			Kind:         kind,
			Source:       models.ConfigSourcePlatform,
			OwnerID:      ownerID,
			ShortCode:    creds.ShortCode,
			plainKey:     creds.Key,
			plainSecret:  creds.Secret,
			plainPasskey: "",
		}, nil
	}

	if s.cfg.PlatformShortCode == "" || s.cfg.PlatformConsumerKey == "" ||
		s.cfg.PlatformConsumerSecret == "" || s.cfg.PlatformPasskey == "" {
		return nil, NewPaymentErrorWithAction(ErrKindNotConfigured,
			"platform collection rails are not configured", ActionContactManager)
	}

	return &ResolvedConfig{
		Kind:         kind,
		Source:       models.ConfigSourcePlatform,
		OwnerID:      ownerID,
		ShortCode:    s.cfg.PlatformShortCode,
		plainKey:     s.cfg.PlatformConsumerKey,
		plainSecret:  s.cfg.PlatformConsumerSecret,
		plainPasskey: s.cfg.PlatformPasskey,
	}, nil
}

// PlatformAggregatorCredentials returns the platform's aggregator client
// pair. Read-only status verification falls back to these when an owner
// chain cannot produce credentials.
func (s *ResolverService) PlatformAggregatorCredentials() (ProviderCredentials, error) {
	if s.cfg.KopoKopoClientID == "" || s.cfg.KopoKopoClientSecret == "" {
		return ProviderCredentials{}, NewPaymentErrorWithAction(ErrKindNotConfigured,
			"platform aggregator credentials are not configured", ActionContactManager)
	}
	return ProviderCredentials{
		ShortCode: s.cfg.KopoKopoTill,
		Key:       s.cfg.KopoKopoClientID,
		Secret:    s.cfg.KopoKopoClientSecret,
	}, nil
}
