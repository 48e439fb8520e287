package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
)

// CallbackAuth gates provider callback routes on the shared callback
// token carried in the URL. The comparison is constant time; a mismatch
// is logged upstream as a forged delivery and rejected outright.
func CallbackAuth(expectedToken string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if expectedToken == "" {
			return fiber.NewError(fiber.StatusServiceUnavailable, "callback ingestion is not configured")
		}

		presented := c.Params("token")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(expectedToken)) != 1 {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid callback token")
		}

		return c.Next()
	}
}
