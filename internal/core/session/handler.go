package session

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

type Handler struct {
	broker *Broker
}

func NewHandler(broker *Broker) *Handler { return &Handler{broker: broker} }

// HandleSupply accepts {email, password, requestId} for the outstanding
// credentials request.
func (h *Handler) HandleSupply(c *fiber.Ctx) error {
	var creds Credentials
	if err := c.BodyParser(&creds); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid body"})
	}
	if creds.RequestID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "requestId is required"})
	}
	if err := h.broker.Supply(creds); err != nil {
		status := fiber.StatusBadRequest
		if errors.Is(err, ErrUnknownRequest) {
			status = fiber.StatusConflict
		}
		return c.Status(status).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true, "requestId": creds.RequestID})
}

func (h *Handler) HandlePending(c *fiber.Ctx) error {
	req, ok := h.broker.Pending()
	if !ok {
		return c.JSON(fiber.Map{"success": true, "pending": false, "state": h.broker.State()})
	}
	return c.JSON(fiber.Map{"success": true, "pending": true, "state": h.broker.State(), "request": req})
}
