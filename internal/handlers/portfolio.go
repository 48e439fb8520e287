package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/kodipay/internal/middleware"
	"github.com/example/kodipay/internal/models"
	"github.com/example/kodipay/internal/utils"
)

// PortfolioHandler manages owners, properties, units, leases, and
// invoices for managers, plus the tenant's own invoice list.
type PortfolioHandler struct {
	db *gorm.DB
}

// NewPortfolioHandler constructs PortfolioHandler.
func NewPortfolioHandler(db *gorm.DB) *PortfolioHandler {
	return &PortfolioHandler{db: db}
}

// Generic helpers for the simple list/get/create shapes.

func (h *PortfolioHandler) listSimple(c *fiber.Ctx, model interface{}) error {
	pg := utils.ParsePagination(c)
	var total int64
	if err := h.db.Model(model).Count(&total).Error; err != nil {
		return err
	}
	if err := h.db.Limit(pg.Limit).Offset(pg.Offset).Order("created_at desc").
		Find(model).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": model, "pagination": fiber.Map{
		"current_page":   pg.Page,
		"items_per_page": pg.Limit,
		"total_items":    total,
	}})
}

func (h *PortfolioHandler) getSimple(c *fiber.Ctx, model interface{}, preloads ...string) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid id")
	}
	query := h.db
	for _, preload := range preloads {
		query = query.Preload(preload)
	}
	if err := query.First(model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "resource not found")
		}
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": model})
}

func (h *PortfolioHandler) createSimple(c *fiber.Ctx, model interface{}) error {
	if err := c.BodyParser(model); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.db.Create(model).Error; err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": model})
}

// Owners.

func (h *PortfolioHandler) ListOwners(c *fiber.Ctx) error {
	var owners []models.Owner
	return h.listSimple(c, &owners)
}

func (h *PortfolioHandler) GetOwner(c *fiber.Ctx) error {
	var owner models.Owner
	return h.getSimple(c, &owner, "Properties")
}

func (h *PortfolioHandler) CreateOwner(c *fiber.Ctx) error {
	var payload models.Owner
	if err := c.BodyParser(&payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(payload.Name) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name is required")
	}
	if payload.Msisdn != "" {
		msisdn, err := utils.NormalizeMSISDN(payload.Msisdn)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid mobile number")
		}
		payload.Msisdn = msisdn
	}
	payload.Active = true
	if err := h.db.Create(&payload).Error; err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": payload})
}

// Properties.

func (h *PortfolioHandler) ListProperties(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	query := h.db.Model(&models.Property{})

	if raw := strings.TrimSpace(c.Query("owner_id")); raw != "" {
		ownerID, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid owner_id")
		}
		query = query.Where("owner_id = ?", ownerID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return err
	}

	var properties []models.Property
	if err := query.Limit(pg.Limit).Offset(pg.Offset).Order("created_at desc").
		Find(&properties).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": properties, "pagination": fiber.Map{
		"current_page":   pg.Page,
		"items_per_page": pg.Limit,
		"total_items":    total,
	}})
}

func (h *PortfolioHandler) GetProperty(c *fiber.Ctx) error {
	var property models.Property
	return h.getSimple(c, &property, "Units")
}

func (h *PortfolioHandler) CreateProperty(c *fiber.Ctx) error {
	var payload models.Property
	if err := c.BodyParser(&payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(payload.Name) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name is required")
	}

	var owner models.Owner
	if err := h.db.First(&owner, "id = ?", payload.OwnerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "owner not found")
		}
		return err
	}

	payload.Active = true
	if err := h.db.Create(&payload).Error; err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": payload})
}

// Units.

func (h *PortfolioHandler) GetUnit(c *fiber.Ctx) error {
	var unit models.Unit
	return h.getSimple(c, &unit, "Property")
}

func (h *PortfolioHandler) CreateUnit(c *fiber.Ctx) error {
	var payload models.Unit
	if err := c.BodyParser(&payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(payload.Label) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "label is required")
	}
	if !payload.MonthlyRent.IsPositive() {
		return fiber.NewError(fiber.StatusBadRequest, "monthly_rent must be positive")
	}

	var property models.Property
	if err := h.db.First(&property, "id = ?", payload.PropertyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "property not found")
		}
		return err
	}

	payload.Active = true
	if err := h.db.Create(&payload).Error; err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": payload})
}

// Leases.

func (h *PortfolioHandler) ListLeases(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	query := h.db.Model(&models.Lease{})

	if raw := strings.TrimSpace(c.Query("unit_id")); raw != "" {
		unitID, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid unit_id")
		}
		query = query.Where("unit_id = ?", unitID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return err
	}

	var leases []models.Lease
	if err := query.Preload("Unit").Preload("Tenant").
		Limit(pg.Limit).Offset(pg.Offset).Order("created_at desc").
		Find(&leases).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": leases, "pagination": fiber.Map{
		"current_page":   pg.Page,
		"items_per_page": pg.Limit,
		"total_items":    total,
	}})
}

type createLeaseRequest struct {
	UnitID    string `json:"unit_id"`
	TenantID  string `json:"tenant_id"`
	StartDate string `json:"start_date"`
}

func (h *PortfolioHandler) CreateLease(c *fiber.Ctx) error {
	var req createLeaseRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	unitID, err := uuid.Parse(strings.TrimSpace(req.UnitID))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid unit_id")
	}
	tenantID, err := uuid.Parse(strings.TrimSpace(req.TenantID))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid tenant_id")
	}

	startDate := time.Now()
	if raw := strings.TrimSpace(req.StartDate); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "start_date must be YYYY-MM-DD")
		}
		startDate = parsed
	}

	var unit models.Unit
	if err := h.db.First(&unit, "id = ?", unitID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "unit not found")
		}
		return err
	}

	var tenant models.User
	if err := h.db.First(&tenant, "id = ?", tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "tenant not found")
		}
		return err
	}
	if tenant.Role != models.RoleTenant {
		return fiber.NewError(fiber.StatusBadRequest, "lease holder must be a tenant account")
	}

	lease := models.Lease{
		UnitID:    unitID,
		TenantID:  tenantID,
		StartDate: startDate,
		Active:    true,
	}
	if err := h.db.Create(&lease).Error; err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": lease})
}

// Invoices.

func (h *PortfolioHandler) ListInvoices(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	query := h.db.Model(&models.Invoice{})

	if status := strings.TrimSpace(c.Query("status")); status != "" {
		switch models.InvoiceStatus(status) {
		case models.InvoiceStatusUnpaid, models.InvoiceStatusPaid:
			query = query.Where("status = ?", status)
		default:
			return fiber.NewError(fiber.StatusBadRequest, "invalid status")
		}
	}
	if raw := strings.TrimSpace(c.Query("lease_id")); raw != "" {
		leaseID, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid lease_id")
		}
		query = query.Where("lease_id = ?", leaseID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return err
	}

	var invoices []models.Invoice
	if err := query.Limit(pg.Limit).Offset(pg.Offset).Order("created_at desc").
		Find(&invoices).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": invoices, "pagination": fiber.Map{
		"current_page":   pg.Page,
		"items_per_page": pg.Limit,
		"total_items":    total,
	}})
}

func (h *PortfolioHandler) GetInvoice(c *fiber.Ctx) error {
	var invoice models.Invoice
	return h.getSimple(c, &invoice)
}

type createInvoiceRequest struct {
	LeaseID string `json:"lease_id"`
	Period  string `json:"period"`
	DueDate string `json:"due_date"`
	Amount  string `json:"amount"`
	Notes   string `json:"notes"`
}

// CreateInvoice bills one lease for one period. The amount defaults to
// the unit's monthly rent when omitted.
func (h *PortfolioHandler) CreateInvoice(c *fiber.Ctx) error {
	var req createInvoiceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	leaseID, err := uuid.Parse(strings.TrimSpace(req.LeaseID))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid lease_id")
	}

	period := strings.TrimSpace(req.Period)
	if period == "" {
		period = time.Now().Format("2006-01")
	} else if _, err := time.Parse("2006-01", period); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "period must be YYYY-MM")
	}

	var lease models.Lease
	if err := h.db.Preload("Unit").First(&lease, "id = ?", leaseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "lease not found")
		}
		return err
	}
	if !lease.Active {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "lease is not active")
	}
	if lease.Unit == nil {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "lease has no unit")
	}

	amount := lease.Unit.MonthlyRent
	if raw := strings.TrimSpace(req.Amount); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid amount")
		}
		amount = parsed
	}
	if !amount.IsPositive() {
		return fiber.NewError(fiber.StatusBadRequest, "amount must be positive")
	}

	dueDate := time.Now().AddDate(0, 0, 7)
	if raw := strings.TrimSpace(req.DueDate); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "due_date must be YYYY-MM-DD")
		}
		dueDate = parsed
	}

	invoice := models.Invoice{
		LeaseID:       leaseID,
		InvoiceNumber: newInvoiceNumber(),
		Period:        period,
		DueDate:       dueDate,
		Amount:        amount,
		Status:        models.InvoiceStatusUnpaid,
		Notes:         strings.TrimSpace(req.Notes),
	}
	if err := h.db.Create(&invoice).Error; err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": invoice})
}

// MyInvoices lists the authenticated tenant's invoices across all of
// their leases.
func (h *PortfolioHandler) MyInvoices(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "authentication required")
	}

	pg := utils.ParsePagination(c)
	query := h.db.Model(&models.Invoice{}).
		Joins("JOIN leases ON leases.id = invoices.lease_id").
		Where("leases.tenant_id = ?", userID)

	if status := strings.TrimSpace(c.Query("status")); status != "" {
		switch models.InvoiceStatus(status) {
		case models.InvoiceStatusUnpaid, models.InvoiceStatusPaid:
			query = query.Where("invoices.status = ?", status)
		default:
			return fiber.NewError(fiber.StatusBadRequest, "invalid status")
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return err
	}

	var invoices []models.Invoice
	if err := query.Limit(pg.Limit).Offset(pg.Offset).Order("invoices.created_at desc").
		Find(&invoices).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": invoices, "pagination": fiber.Map{
		"current_page":   pg.Page,
		"items_per_page": pg.Limit,
		"total_items":    total,
	}})
}

// newInvoiceNumber builds a short human-quotable reference. Uniqueness
// is enforced by the column index; the uuid source makes collisions
// practically unreachable.
func newInvoiceNumber() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "INV-" + strings.ToUpper(raw[:10])
}
