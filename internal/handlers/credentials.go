package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/kodipay/internal/middleware"
	"github.com/example/kodipay/internal/models"
	"github.com/example/kodipay/internal/services"
)

// CredentialsHandler manages per-owner processor configuration. Secrets
// enter here in plaintext, leave as vault envelopes, and are never echoed
// back in any response.
type CredentialsHandler struct {
	db       *gorm.DB
	vault    *services.VaultService
	payments *services.PaymentService
}

func NewCredentialsHandler(db *gorm.DB, vault *services.VaultService, payments *services.PaymentService) *CredentialsHandler {
	return &CredentialsHandler{db: db, vault: vault, payments: payments}
}

type saveConfigRequest struct {
	Kind      string `json:"kind"`
	ShortCode string `json:"short_code"`
	Key       string `json:"key"`
	Secret    string `json:"secret"`
	Passkey   string `json:"passkey"`
}

// SaveConfig upserts the owner's processor configuration. Saving always
// resets the verified flag: new secrets have not been proven against the
// provider yet.
func (h *CredentialsHandler) SaveConfig(c *fiber.Ctx) error {
	ownerID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid owner id")
	}

	var req saveConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	kind := models.ProcessorKind(strings.TrimSpace(req.Kind))
	if !kind.Valid() {
		return fiber.NewError(fiber.StatusBadRequest, "kind must be paybill, till-direct, or till-aggregator")
	}

	shortCode := strings.TrimSpace(req.ShortCode)
	key := strings.TrimSpace(req.Key)
	secret := strings.TrimSpace(req.Secret)
	passkey := strings.TrimSpace(req.Passkey)

	if shortCode == "" || key == "" || secret == "" {
		return fiber.NewError(fiber.StatusBadRequest, "short_code, key, and secret are required")
	}
	if kind.Aggregator() {
		if passkey != "" {
			return fiber.NewError(fiber.StatusBadRequest, "passkey is not used for till-aggregator")
		}
	} else if passkey == "" {
		return fiber.NewError(fiber.StatusBadRequest, "passkey is required for "+string(kind))
	}

	var owner models.Owner
	if err := h.db.First(&owner, "id = ?", ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "owner not found")
		}
		return err
	}

	keyCipher, err := h.vault.Encrypt(key)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to seal credentials")
	}
	secretCipher, err := h.vault.Encrypt(secret)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to seal credentials")
	}
	passkeyCipher := ""
	if passkey != "" {
		passkeyCipher, err = h.vault.Encrypt(passkey)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to seal credentials")
		}
	}

	var cfg models.ProcessorConfig
	err = h.db.First(&cfg, "owner_id = ?", ownerID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		cfg = models.ProcessorConfig{
			OwnerID:       ownerID,
			Kind:          kind,
			ShortCode:     shortCode,
			KeyCipher:     keyCipher,
			SecretCipher:  secretCipher,
			PasskeyCipher: passkeyCipher,
			Active:        true,
		}
		if err := h.db.Create(&cfg).Error; err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := h.db.Model(&cfg).Updates(map[string]any{
			"kind":                 kind,
			"short_code":           shortCode,
			"key_cipher":           keyCipher,
			"secret_cipher":        secretCipher,
			"passkey_cipher":       passkeyCipher,
			"active":               true,
			"credentials_verified": false,
			"verified_at":          nil,
		}).Error; err != nil {
			return err
		}
		if err := h.db.First(&cfg, "owner_id = ?", ownerID).Error; err != nil {
			return err
		}
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    cfg,
	})
}

type preferenceRequest struct {
	Choice string `json:"choice"`
}

// SetPreference records whether the owner's invoices collect over their
// own rails or the platform's. Choosing custom without a saved config is
// rejected up front rather than failing at payment time.
func (h *CredentialsHandler) SetPreference(c *fiber.Ctx) error {
	ownerID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid owner id")
	}

	var req preferenceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	choice := models.PreferenceChoice(strings.TrimSpace(req.Choice))
	if !choice.Valid() {
		return fiber.NewError(fiber.StatusBadRequest, "choice must be custom or platform_default")
	}

	var owner models.Owner
	if err := h.db.First(&owner, "id = ?", ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "owner not found")
		}
		return err
	}

	if choice == models.PreferenceCustom {
		var cfg models.ProcessorConfig
		if err := h.db.First(&cfg, "owner_id = ?", ownerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return writePaymentError(c, services.NewPaymentErrorWithAction(
					services.ErrKindNotConfigured,
					"save a processor configuration before choosing custom",
					services.ActionConfigureProcessor))
			}
			return err
		}
	}

	var updatedBy *uuid.UUID
	if identity, ok := middleware.CurrentIdentity(c); ok {
		userID := identity.UserID
		updatedBy = &userID
	}

	var pref models.PaymentPreference
	err = h.db.First(&pref, "owner_id = ?", ownerID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		pref = models.PaymentPreference{OwnerID: ownerID, Choice: choice, UpdatedBy: updatedBy}
		if err := h.db.Create(&pref).Error; err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := h.db.Model(&pref).Updates(map[string]any{
			"choice":     choice,
			"updated_by": updatedBy,
		}).Error; err != nil {
			return err
		}
		pref.Choice = choice
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    pref,
	})
}

// VerifyConfig proves the stored credentials against the live provider
// and stamps the config row on success.
func (h *CredentialsHandler) VerifyConfig(c *fiber.Ctx) error {
	ownerID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid owner id")
	}

	cfg, err := h.payments.VerifyOwnerCredentials(c.UserContext(), ownerID)
	if err != nil {
		return writePaymentError(c, err)
	}

	verifiedAt := time.Now()
	if cfg.VerifiedAt != nil {
		verifiedAt = *cfg.VerifiedAt
	}

	return c.JSON(fiber.Map{
		"success":     true,
		"data":        cfg,
		"verified_at": verifiedAt,
	})
}

// ConfigStatus is the manager-side diagnostic: would a tenant payment to
// this owner go out right now, and if not, why.
func (h *CredentialsHandler) ConfigStatus(c *fiber.Ctx) error {
	ownerID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid owner id")
	}

	av, err := h.payments.AvailabilityForOwner(c.UserContext(), ownerID)
	if err != nil {
		return writePaymentError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    av,
	})
}
