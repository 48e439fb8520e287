package routes

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/example/kodipay/internal/config"
	"github.com/example/kodipay/internal/handlers"
	"github.com/example/kodipay/internal/middleware"
	"github.com/example/kodipay/internal/services"
)

// Register wires up services and all HTTP routes. It fails only on
// construction errors that make the process unusable, like a bad vault
// key.
func Register(app *fiber.App, db *gorm.DB, cfg *config.Config) error {
	logger := config.GetLogger()

	vault, err := services.NewVaultService(cfg.VaultKeyHex)
	if err != nil {
		return err
	}

	telegram := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat)
	resolver := services.NewResolverService(db, cfg)
	daraja := services.NewDarajaService(cfg.DarajaBaseURL, logger)
	kopokopo := services.NewKopoKopoService(cfg.KopoKopoBaseURL, logger)
	feed := services.NewRedisResultFeed(logger)
	recon := services.NewReconService(db, feed, telegram, logger, cfg.ReconPollInterval, cfg.ReconMaxPollAttempts)
	payments := services.NewPaymentService(db, resolver, vault, daraja, kopokopo, recon, cfg, logger)

	authHandler := handlers.NewAuthHandler(db, cfg)
	paymentHandler := handlers.NewPaymentHandler(db, payments, recon)
	callbackHandler := handlers.NewCallbackHandler(recon, logger)
	credentialsHandler := handlers.NewCredentialsHandler(db, vault, payments)
	portfolioHandler := handlers.NewPortfolioHandler(db)

	api := app.Group("/api")

	// Auth routes
	auth := api.Group("/auth")
	auth.Post("/register", authHandler.Register)
	auth.Post("/login", authHandler.Login)

	// Provider callbacks authenticate with the shared path token, not JWT
	callbacks := api.Group("/callbacks")
	callbacks.Post("/daraja/:token", middleware.CallbackAuth(cfg.CallbackToken), callbackHandler.Daraja)
	callbacks.Post("/kopokopo/:token", middleware.CallbackAuth(cfg.CallbackToken), callbackHandler.KopoKopo)

	// Protected routes
	protected := api.Group("", middleware.AuthRequired(cfg))
	protected.Get("/auth/me", authHandler.Me)

	pay := protected.Group("/payments")
	pay.Post("/initiate", paymentHandler.Initiate)
	pay.Get("/availability", paymentHandler.Availability)
	pay.Post("/verify", paymentHandler.Verify)
	pay.Get("/transactions", paymentHandler.ListTransactions)
	pay.Get("/transactions/:id", paymentHandler.GetTransaction)
	pay.Get("/transactions/:id/await", paymentHandler.AwaitTransaction)
	pay.Post("/transactions/:id/cancel", paymentHandler.CancelWatch)

	// Registered before the manager invoice routes so "mine" is not
	// swallowed by the :id parameter.
	protected.Get("/invoices/mine", portfolioHandler.MyInvoices)

	// Manager-only portfolio and credential management
	manager := protected.Group("", middleware.ManagerOnly())

	owners := manager.Group("/owners")
	owners.Get("/", portfolioHandler.ListOwners)
	owners.Post("/", portfolioHandler.CreateOwner)
	owners.Get("/:id", portfolioHandler.GetOwner)
	owners.Post("/:id/processor-config", credentialsHandler.SaveConfig)
	owners.Post("/:id/processor-config/verify", credentialsHandler.VerifyConfig)
	owners.Get("/:id/processor-config/status", credentialsHandler.ConfigStatus)
	owners.Put("/:id/payment-preference", credentialsHandler.SetPreference)

	properties := manager.Group("/properties")
	properties.Get("/", portfolioHandler.ListProperties)
	properties.Post("/", portfolioHandler.CreateProperty)
	properties.Get("/:id", portfolioHandler.GetProperty)

	units := manager.Group("/units")
	units.Post("/", portfolioHandler.CreateUnit)
	units.Get("/:id", portfolioHandler.GetUnit)

	leases := manager.Group("/leases")
	leases.Get("/", portfolioHandler.ListLeases)
	leases.Post("/", portfolioHandler.CreateLease)

	invoices := manager.Group("/invoices")
	invoices.Get("/", portfolioHandler.ListInvoices)
	invoices.Post("/", portfolioHandler.CreateInvoice)
	invoices.Get("/:id", portfolioHandler.GetInvoice)

	return nil
}
