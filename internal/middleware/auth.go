package middleware

import (
	"github.com/gofiber/fiber/v2"

	"veilchat/pkg/auth"
)

// AuthMiddleware validates the access token and extracts the device
// fingerprint. Browsers cannot set headers on websocket upgrades, so both
// may arrive as query parameters instead.
func AuthMiddleware(jwtAuth *auth.LocalJWTAuth) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := auth.ExtractToken(c.Get("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing token"})
		}

		claims, err := jwtAuth.VerifyAccessToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}

		deviceFP := c.Get("X-Device-Fingerprint")
		if deviceFP == "" {
			deviceFP = c.Query("device_fp")
		}
		if deviceFP == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing device fingerprint"})
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("device_fp", deviceFP)
		return c.Next()
	}
}
