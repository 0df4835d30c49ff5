package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/jhoicas/verifactu-engine/internal/application/dto"
	"github.com/jhoicas/verifactu-engine/internal/application/submission"
)

// DispatcherHandler expone la pasada manual del dispatcher (protegido).
type DispatcherHandler struct {
	dispatcher *submission.Dispatcher
}

// NewDispatcherHandler construye el handler.
func NewDispatcherHandler(dispatcher *submission.Dispatcher) *DispatcherHandler {
	return &DispatcherHandler{dispatcher: dispatcher}
}

// Run ejecuta una pasada del dispatcher y devuelve el resumen.
// POST /api/v1/dispatcher/run?limit=N
func (h *DispatcherHandler) Run(c *fiber.Ctx) error {
	if GetCompanyID(c) == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "UNAUTHORIZED", Message: "token inválido"})
	}
	limit := c.QueryInt("limit", submission.DefaultBatchLimit)
	summary, err := h.dispatcher.RunOnce(c.Context(), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()})
	}
	return c.JSON(summary)
}
