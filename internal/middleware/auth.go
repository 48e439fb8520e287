package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/kodipay/internal/config"
	"github.com/example/kodipay/internal/models"
	"github.com/example/kodipay/internal/utils"
)

const identityContextKey = "currentIdentity"

// RefreshTokenHeader carries a replacement token when the presented one
// is close to expiry. Clients swap tokens on sight so a session cannot
// lapse in the middle of a payment round trip.
const RefreshTokenHeader = "X-Refresh-Token"

// AuthRequired validates bearer tokens, loads the identity into context,
// and issues a refresh header inside the expiry leeway.
func AuthRequired(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid authorization header")
		}

		identity, err := utils.ParseToken(cfg.JWTSecret, parts[1])
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		if identity.RemainingValidity() < cfg.TokenRefreshLeeway {
			if fresh, err := utils.GenerateToken(cfg.JWTSecret, identity.UserID, identity.Role, cfg.TokenExpires); err == nil {
				c.Set(RefreshTokenHeader, fresh)
			}
		}

		c.Locals(identityContextKey, identity)
		return c.Next()
	}
}

// ManagerOnly guards portfolio and credential routes. Must run after
// AuthRequired.
func ManagerOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		identity, ok := CurrentIdentity(c)
		if !ok {
			return fiber.NewError(fiber.StatusUnauthorized, "authentication required")
		}
		if identity.Role != models.RoleManager {
			return fiber.NewError(fiber.StatusForbidden, "manager role required")
		}
		return c.Next()
	}
}

// CurrentIdentity extracts the authenticated identity from context.
func CurrentIdentity(c *fiber.Ctx) (utils.TokenIdentity, bool) {
	value := c.Locals(identityContextKey)
	if value == nil {
		return utils.TokenIdentity{}, false
	}

	if identity, ok := value.(utils.TokenIdentity); ok {
		return identity, true
	}

	return utils.TokenIdentity{}, false
}

// GetCurrentUserID extracts the authenticated user ID from context.
func GetCurrentUserID(c *fiber.Ctx) (uuid.UUID, bool) {
	identity, ok := CurrentIdentity(c)
	if !ok {
		return uuid.Nil, false
	}
	return identity.UserID, true
}
