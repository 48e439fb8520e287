package main

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/example/kodipay/internal/config"
	"github.com/example/kodipay/internal/database"
	"github.com/example/kodipay/internal/routes"
)

func main() {
	cfg := config.Load()
	db := database.Connect(cfg.DatabaseURL)

	go config.ConnectRedisWithRetry()

	app := fiber.New(fiber.Config{
		AppName: "KodiPay Backend",
	})

	app.Use(recover.New())
	app.Use(logger.New())

	if err := routes.Register(app, db, cfg); err != nil {
		log.Fatalf("route setup failed: %v", err)
	}

	logPlatformRails(cfg)

	log.Printf("Starting server on :%s", cfg.AppPort)
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		log.Fatalf("fiber.Listen error: %v", err)
	}
}

// logPlatformRails reports at boot whether the platform payment rails are
// usable. Missing credentials only surface later, as not-configured
// resolution errors, so the early warning saves a support round-trip.
func logPlatformRails(cfg *config.Config) {
	if cfg.PlatformShortCode != "" && cfg.PlatformConsumerKey != "" &&
		cfg.PlatformConsumerSecret != "" && cfg.PlatformPasskey != "" {
		log.Printf("Platform Daraja rail configured (%s %s)", cfg.PlatformKind, cfg.PlatformShortCode)
	} else {
		log.Print("Platform Daraja rail not configured")
	}

	if cfg.KopoKopoTill != "" && cfg.KopoKopoClientID != "" && cfg.KopoKopoClientSecret != "" {
		log.Printf("Platform aggregator rail configured (till %s)", cfg.KopoKopoTill)
	} else {
		log.Print("Platform aggregator rail not configured")
	}
}
