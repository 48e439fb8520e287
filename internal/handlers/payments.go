package handlers

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/kodipay/internal/middleware"
	"github.com/example/kodipay/internal/models"
	"github.com/example/kodipay/internal/services"
	"github.com/example/kodipay/internal/utils"
)

// PaymentHandler exposes initiation, reconciliation, and verification
// endpoints over PaymentService and ReconService.
type PaymentHandler struct {
	db       *gorm.DB
	payments *services.PaymentService
	recon    *services.ReconService
}

func NewPaymentHandler(db *gorm.DB, payments *services.PaymentService, recon *services.ReconService) *PaymentHandler {
	return &PaymentHandler{db: db, payments: payments, recon: recon}
}

// writePaymentError translates a structured payment failure into an HTTP
// response. Anything that is not a PaymentError falls through to the
// app-level error handler.
func writePaymentError(c *fiber.Ctx, err error) error {
	pe, ok := services.AsPaymentError(err)
	if !ok {
		return err
	}

	status := fiber.StatusInternalServerError
	switch pe.Kind {
	case services.ErrKindInvoiceNotFound,
		services.ErrKindLeaseNotFound,
		services.ErrKindUnitNotFound,
		services.ErrKindPropertyNotFound,
		services.ErrKindOwnerNotFound,
		services.ErrKindTransactionNotFound:
		status = fiber.StatusNotFound
	case services.ErrKindInvoiceAlreadyPaid:
		status = fiber.StatusConflict
	case services.ErrKindNotConfigured,
		services.ErrKindConfigInactive,
		services.ErrKindCredentialsNotVerified:
		status = fiber.StatusUnprocessableEntity
	case services.ErrKindInvalidPhone,
		services.ErrKindInvalidAmount,
		services.ErrKindVerifyUnsupported:
		status = fiber.StatusBadRequest
	case services.ErrKindProviderRejected,
		services.ErrKindProviderUnavailable:
		status = fiber.StatusBadGateway
	}

	body := fiber.Map{
		"kind":    pe.Kind,
		"message": pe.Message,
	}
	if pe.Action != "" {
		body["action"] = pe.Action
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   body,
	})
}

type initiateRequest struct {
	InvoiceID string `json:"invoice_id"`
	Msisdn    string `json:"msisdn"`
}

// Initiate pushes a payment prompt to the payer's phone and returns the
// pending transaction once the provider has accepted the push.
func (h *PaymentHandler) Initiate(c *fiber.Ctx) error {
	var req initiateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	invoiceID, err := uuid.Parse(strings.TrimSpace(req.InvoiceID))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid invoice_id")
	}

	input := services.InitiateInput{InvoiceID: invoiceID, Msisdn: req.Msisdn}
	if identity, ok := middleware.CurrentIdentity(c); ok && identity.Role == models.RoleTenant {
		userID := identity.UserID
		input.TenantID = &userID
	}

	result, err := h.payments.Initiate(c.UserContext(), input)
	if err != nil {
		return writePaymentError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success":          true,
		"transaction":      result.Transaction,
		"customer_message": result.CustomerMessage,
	})
}

// Availability answers whether a push for the invoice (or the owner's
// rail in general) would go out right now, and why not otherwise.
func (h *PaymentHandler) Availability(c *fiber.Ctx) error {
	if raw := strings.TrimSpace(c.Query("invoice_id")); raw != "" {
		invoiceID, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid invoice_id")
		}
		av, err := h.payments.AvailabilityForInvoice(c.UserContext(), invoiceID)
		if err != nil {
			return writePaymentError(c, err)
		}
		return c.JSON(fiber.Map{"success": true, "data": av})
	}

	if raw := strings.TrimSpace(c.Query("owner_id")); raw != "" {
		ownerID, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid owner_id")
		}
		av, err := h.payments.AvailabilityForOwner(c.UserContext(), ownerID)
		if err != nil {
			return writePaymentError(c, err)
		}
		return c.JSON(fiber.Map{"success": true, "data": av})
	}

	return fiber.NewError(fiber.StatusBadRequest, "invoice_id or owner_id is required")
}

// ListTransactions returns transaction history, optionally filtered.
// Tenants only ever see their own rows.
func (h *PaymentHandler) ListTransactions(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	query := h.db.Model(&models.Transaction{})

	if identity, ok := middleware.CurrentIdentity(c); ok && identity.Role == models.RoleTenant {
		query = query.Where("tenant_id = ?", identity.UserID)
	}

	if status := strings.TrimSpace(c.Query("status")); status != "" {
		switch models.TransactionStatus(status) {
		case models.TransactionStatusPending, models.TransactionStatusCompleted, models.TransactionStatusFailed:
			query = query.Where("status = ?", status)
		default:
			return fiber.NewError(fiber.StatusBadRequest, "invalid status")
		}
	}
	if raw := strings.TrimSpace(c.Query("invoice_id")); raw != "" {
		invoiceID, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid invoice_id")
		}
		query = query.Where("invoice_id = ?", invoiceID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return err
	}

	var txns []models.Transaction
	if err := query.
		Order("created_at desc").
		Limit(pg.Limit).
		Offset(pg.Offset).
		Find(&txns).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    txns,
		"pagination": fiber.Map{
			"current_page":   pg.Page,
			"items_per_page": pg.Limit,
			"total_items":    total,
		},
	})
}

// GetTransaction returns the current state of one transaction, applying
// any recorded-but-unapplied provider result on the way out.
func (h *PaymentHandler) GetTransaction(c *fiber.Ctx) error {
	txID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid transaction id")
	}

	txn, err := h.recon.Poll(c.UserContext(), txID)
	if err != nil {
		return writePaymentError(c, err)
	}
	if !h.canViewTransaction(c, txn) {
		return fiber.NewError(fiber.StatusNotFound, "transaction not found")
	}

	return c.JSON(fiber.Map{"success": true, "data": txn})
}

// AwaitTransaction long-polls a transaction until its watch session
// reports success, failure, or a watch timeout, or until the request's
// own deadline passes. The ledger row itself is never blocked on.
func (h *PaymentHandler) AwaitTransaction(c *fiber.Ctx) error {
	txID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid transaction id")
	}

	timeout := 25 * time.Second
	if raw := strings.TrimSpace(c.Query("timeout")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid timeout")
		}
		timeout = parsed
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	if timeout > time.Minute {
		timeout = time.Minute
	}

	txn, err := h.recon.Poll(c.UserContext(), txID)
	if err != nil {
		return writePaymentError(c, err)
	}
	if !h.canViewTransaction(c, txn) {
		return fiber.NewError(fiber.StatusNotFound, "transaction not found")
	}

	updates, release, err := h.recon.Subscribe(txID)
	if err != nil {
		return writePaymentError(c, err)
	}
	defer release()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var last *services.TransactionUpdate
	for {
		select {
		case update, open := <-updates:
			if !open {
				return h.awaitResponse(c, txID, last)
			}
			last = &update
			if update.Stage != services.StageVerifying {
				return c.JSON(fiber.Map{"success": true, "data": update})
			}
		case <-timer.C:
			return h.awaitResponse(c, txID, last)
		}
	}
}

// awaitResponse answers a long-poll that ended without a settling event,
// falling back to the freshest row state.
func (h *PaymentHandler) awaitResponse(c *fiber.Ctx, txID uuid.UUID, last *services.TransactionUpdate) error {
	if last != nil && last.Stage != services.StageVerifying {
		return c.JSON(fiber.Map{"success": true, "data": last})
	}
	txn, err := h.recon.Poll(c.UserContext(), txID)
	if err != nil {
		return writePaymentError(c, err)
	}
	stage := services.StageVerifying
	switch txn.Status {
	case models.TransactionStatusCompleted:
		stage = services.StageSuccess
	case models.TransactionStatusFailed:
		stage = services.StageFailed
	}
	return c.JSON(fiber.Map{"success": true, "data": services.TransactionUpdate{
		TransactionID:    txn.ID,
		Stage:            stage,
		Status:           txn.Status,
		ResultCode:       txn.ResultCode,
		ResultDesc:       txn.ResultDesc,
		ReceiptReference: txn.ReceiptReference,
	}})
}

// CancelWatch stops the background watch for a transaction. The row is
// left as-is; reconciliation can still settle it later.
func (h *PaymentHandler) CancelWatch(c *fiber.Ctx) error {
	txID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid transaction id")
	}

	h.recon.Cancel(txID)
	return c.JSON(fiber.Map{"success": true})
}

type verifyRequest struct {
	Reference string `json:"reference"`
}

// Verify runs an on-demand status query against the aggregator for the
// referenced transaction and applies the answer if one exists.
func (h *PaymentHandler) Verify(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return fiber.NewError(fiber.StatusBadRequest, "reference is required")
	}

	txn, err := h.payments.VerifyNow(c.UserContext(), reference)
	if err != nil {
		return writePaymentError(c, err)
	}

	return c.JSON(fiber.Map{"success": true, "data": txn})
}

// canViewTransaction enforces tenant row ownership. Managers see all.
func (h *PaymentHandler) canViewTransaction(c *fiber.Ctx, txn *models.Transaction) bool {
	identity, ok := middleware.CurrentIdentity(c)
	if !ok || identity.Role != models.RoleTenant {
		return true
	}
	return txn.TenantID != nil && *txn.TenantID == identity.UserID
}
