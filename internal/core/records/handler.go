package records

import (
	"errors"

	"karaoke/internal/utils/parser"

	"github.com/gofiber/fiber/v2"
)

type Handler struct {
	sink Sink
}

func NewHandler(sink Sink) *Handler { return &Handler{sink: sink} }

type getParams struct {
	SourceURL string `form:"source_url,required"`
}

func (h *Handler) HandleGet(c *fiber.Ctx) error {
	var p getParams
	if err := parser.ParseQuery(c, &p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	rec, err := h.sink.Get(c.UserContext(), p.SourceURL)
	if errors.Is(err, ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true, "record": rec})
}
