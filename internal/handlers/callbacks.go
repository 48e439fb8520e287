package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/example/kodipay/internal/services"
)

// CallbackHandler receives provider result deliveries. Both endpoints
// record results through ReconService.Ingest and acknowledge generously:
// a retried delivery the provider keeps sending helps nobody.
type CallbackHandler struct {
	recon  *services.ReconService
	logger *logrus.Logger
}

func NewCallbackHandler(recon *services.ReconService, logger *logrus.Logger) *CallbackHandler {
	return &CallbackHandler{recon: recon, logger: logger}
}

// Daraja handles the STK push result callback. Daraja retries anything
// that is not ACKed with ResultCode 0, so unknown correlation ids and
// malformed bodies are logged and ACKed all the same.
func (h *CallbackHandler) Daraja(c *fiber.Ctx) error {
	result, err := services.ParseDarajaCallback(c.Body())
	if err != nil {
		h.logger.Warnf("[Callback] daraja body rejected: %v", err)
		return darajaAck(c)
	}

	if err := h.recon.Ingest(c.UserContext(), *result); err != nil {
		if _, ok := services.AsPaymentError(err); ok {
			h.logger.Warnf("[Callback] daraja result for unknown correlation %q ignored", result.CorrelationID)
			return darajaAck(c)
		}
		return err
	}

	return darajaAck(c)
}

func darajaAck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// KopoKopo handles incoming-payment webhooks. Deliveries for payments
// that are still pending carry no outcome yet and are acknowledged
// without touching the ledger.
func (h *CallbackHandler) KopoKopo(c *fiber.Ctx) error {
	result, err := services.ParseKopoKopoWebhook(c.Body())
	if err != nil {
		h.logger.Warnf("[Callback] kopokopo body rejected: %v", err)
		return c.SendStatus(fiber.StatusOK)
	}
	if result == nil {
		h.logger.Debug("[Callback] kopokopo delivery still pending; ignored")
		return c.SendStatus(fiber.StatusOK)
	}

	if err := h.recon.Ingest(c.UserContext(), *result); err != nil {
		if _, ok := services.AsPaymentError(err); ok {
			h.logger.Warnf("[Callback] kopokopo result for unknown correlation %q ignored", result.CorrelationID)
			return c.SendStatus(fiber.StatusOK)
		}
		return err
	}

	return c.SendStatus(fiber.StatusOK)
}
