package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"veilchat/internal/database"
	"veilchat/internal/security"
	"veilchat/internal/services"
)

// HealthHandler reports liveness of the server and its backing services.
type HealthHandler struct {
	mongo *database.MongoDB
	redis *services.RedisService
}

// NewHealthHandler wires the dependencies the probe checks.
func NewHealthHandler(mongo *database.MongoDB, redis *services.RedisService) *HealthHandler {
	return &HealthHandler{mongo: mongo, redis: redis}
}

// Health answers GET /healthz.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	status := fiber.Map{"status": "ok"}
	healthy := true

	if h.mongo != nil {
		if err := h.mongo.Ping(ctx); err != nil {
			status["mongodb"] = "down"
			healthy = false
		} else {
			status["mongodb"] = "ok"
		}
	}
	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			status["redis"] = "down"
			healthy = false
		} else {
			status["redis"] = "ok"
		}
	}

	if !healthy {
		status["status"] = "degraded"
		return c.Status(fiber.StatusServiceUnavailable).JSON(status)
	}
	return c.JSON(status)
}

// StepUpHandler exposes the device verification endpoints. The code itself
// travels out-of-band: a device that is already trusted fetches it and shows
// it to the user, who types it into the new device.
type StepUpHandler struct {
	stepUp *services.StepUpService
	salt   string
}

// NewStepUpHandler wires the step-up collaborator.
func NewStepUpHandler(stepUp *services.StepUpService, userHashSalt string) *StepUpHandler {
	return &StepUpHandler{stepUp: stepUp, salt: userHashSalt}
}

type stepUpCodeRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type stepUpVerifyRequest struct {
	Fingerprint string `json:"fingerprint"`
	Code        string `json:"code"`
}

// Code answers POST /auth/step-up/code: a trusted device asks for the
// pending code of a new fingerprint.
func (h *StepUpHandler) Code(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	trustedFP, _ := c.Locals("device_fp").(string)
	if userID == "" || trustedFP == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	var req stepUpCodeRequest
	if err := c.BodyParser(&req); err != nil || req.Fingerprint == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "fingerprint required"})
	}

	userHash := security.HashUser(userID, h.salt)
	known, err := h.stepUp.IsKnownDevice(c.Context(), userHash, trustedFP)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "device check unavailable"})
	}
	if !known {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "requesting device is not trusted"})
	}

	code, err := h.stepUp.BeginChallenge(userHash, req.Fingerprint)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to issue code"})
	}
	return c.JSON(fiber.Map{"code": code})
}

// Verify answers POST /auth/step-up/verify from the new device.
func (h *StepUpHandler) Verify(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	var req stepUpVerifyRequest
	if err := c.BodyParser(&req); err != nil || req.Fingerprint == "" || req.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "fingerprint and code required"})
	}

	userHash := security.HashUser(userID, h.salt)
	if err := h.stepUp.VerifyCode(c.Context(), userHash, req.Fingerprint, req.Code); err != nil {
		if errors.Is(err, services.ErrInvalidStepUpCode) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "invalid or expired code"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "verification failed"})
	}
	return c.JSON(fiber.Map{"verified": true})
}
