package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/jhoicas/verifactu-engine/internal/application/chain"
	"github.com/jhoicas/verifactu-engine/internal/application/dto"
	"github.com/jhoicas/verifactu-engine/internal/application/submission"
	"github.com/jhoicas/verifactu-engine/internal/domain"
	"github.com/jhoicas/verifactu-engine/internal/domain/entity"
	"github.com/jhoicas/verifactu-engine/internal/domain/repository"
)

// RegistroHandler maneja las peticiones HTTP de registros de facturación (protegido).
type RegistroHandler struct {
	ledger         *chain.Ledger
	orchestrator   *submission.Orchestrator
	recordRepo     repository.ChainRecordRepository
	submissionRepo repository.SubmissionRepository
}

// NewRegistroHandler construye el handler.
func NewRegistroHandler(
	ledger *chain.Ledger,
	orchestrator *submission.Orchestrator,
	recordRepo repository.ChainRecordRepository,
	submissionRepo repository.SubmissionRepository,
) *RegistroHandler {
	return &RegistroHandler{
		ledger:         ledger,
		orchestrator:   orchestrator,
		recordRepo:     recordRepo,
		submissionRepo: submissionRepo,
	}
}

// Create crea un registro de alta y lo encadena en el libro del emisor.
// POST /api/v1/registros
func (h *RegistroHandler) Create(c *fiber.Ctx) error {
	companyID := GetCompanyID(c)
	if companyID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "UNAUTHORIZED", Message: "token inválido"})
	}
	var in dto.CreateRegistroRequest
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "INVALID_BODY", Message: "cuerpo inválido"})
	}
	record, err := h.ledger.CreateAlta(c.Context(), companyID, in)
	if err != nil {
		return mapError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(toRegistroResponse(record))
}

// GetByID obtiene un registro de la cadena.
// GET /api/v1/registros/:id
func (h *RegistroHandler) GetByID(c *fiber.Ctx) error {
	companyID := GetCompanyID(c)
	if companyID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "UNAUTHORIZED", Message: "token inválido"})
	}
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "id requerido"})
	}
	record, err := h.recordRepo.GetByID(c.Context(), id)
	if err != nil {
		return mapError(c, err)
	}
	if record == nil || record.CompanyID != companyID {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "NOT_FOUND", Message: "registro no encontrado"})
	}
	return c.JSON(toRegistroResponse(record))
}

// Queue pasa un registro de draft a ready para que el dispatcher lo recoja.
// POST /api/v1/registros/:id/encolar
func (h *RegistroHandler) Queue(c *fiber.Ctx) error {
	companyID := GetCompanyID(c)
	if companyID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "UNAUTHORIZED", Message: "token inválido"})
	}
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "id requerido"})
	}
	record, err := h.ledger.Queue(c.Context(), companyID, id)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(toRegistroResponse(record))
}

// Cancel crea el registro de anulación de un alta existente.
// POST /api/v1/registros/:id/anular
func (h *RegistroHandler) Cancel(c *fiber.Ctx) error {
	companyID := GetCompanyID(c)
	if companyID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "UNAUTHORIZED", Message: "token inválido"})
	}
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "id requerido"})
	}
	record, err := h.orchestrator.CancelRecord(c.Context(), companyID, id)
	if err != nil {
		return mapError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(toRegistroResponse(record))
}

// ListSubmissions devuelve el histórico de envíos de un registro, el más
// reciente primero.
// GET /api/v1/registros/:id/envios
func (h *RegistroHandler) ListSubmissions(c *fiber.Ctx) error {
	companyID := GetCompanyID(c)
	if companyID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "UNAUTHORIZED", Message: "token inválido"})
	}
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "id requerido"})
	}
	record, err := h.recordRepo.GetByID(c.Context(), id)
	if err != nil {
		return mapError(c, err)
	}
	if record == nil || record.CompanyID != companyID {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "NOT_FOUND", Message: "registro no encontrado"})
	}
	subs, err := h.submissionRepo.ListByRecord(c.Context(), id)
	if err != nil {
		return mapError(c, err)
	}
	out := make([]dto.SubmissionResponse, 0, len(subs))
	for _, s := range subs {
		out = append(out, dto.SubmissionResponse{
			ID:            s.ID,
			Type:          s.Type,
			Status:        s.Status,
			AttemptNumber: s.AttemptNumber,
			ErrorCode:     s.ErrorCode,
			ErrorMessage:  s.ErrorMessage,
			CreatedAt:     s.CreatedAt,
		})
	}
	return c.JSON(out)
}

// VerifyChain recorre la cadena persistida de un emisor y comprueba índices,
// enlaces de huella y recomputabilidad.
// GET /api/v1/cadena/:nif/verificar
func (h *RegistroHandler) VerifyChain(c *fiber.Ctx) error {
	companyID := GetCompanyID(c)
	if companyID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "UNAUTHORIZED", Message: "token inválido"})
	}
	nif := c.Params("nif")
	if nif == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "nif requerido"})
	}
	if err := h.ledger.VerifyChain(c.Context(), companyID, nif); err != nil {
		if errors.Is(err, domain.ErrChainConflict) {
			return c.JSON(dto.VerifyChainResponse{IssuerTaxID: nif, Valid: false, Detail: err.Error()})
		}
		return mapError(c, err)
	}
	return c.JSON(dto.VerifyChainResponse{IssuerTaxID: nif, Valid: true})
}

// mapError traduce errores de dominio a códigos HTTP.
func mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "NOT_FOUND", Message: "recurso no encontrado"})
	case errors.Is(err, domain.ErrDuplicate):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Code: "DUPLICATE", Message: err.Error()})
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrChainConflict):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Code: "CONFLICT", Message: err.Error()})
	case errors.Is(err, domain.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Code: "FORBIDDEN", Message: "acceso denegado"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()})
	}
}

func toRegistroResponse(r *entity.ChainRecord) dto.RegistroResponse {
	return dto.RegistroResponse{
		ID:               r.ID,
		CompanyID:        r.CompanyID,
		IssuerTaxID:      r.IssuerTaxID,
		Series:           r.Series,
		Number:           r.Number,
		IssueDate:        r.IssueDate,
		Kind:             r.Kind,
		Status:           r.Status,
		ChainIndex:       r.ChainIndex,
		Huella:           r.Huella,
		HuellaAnterior:   r.HuellaAnterior,
		CuotaTotal:       r.CuotaTotal,
		ImporteTotal:     r.ImporteTotal,
		CancellationMode: r.CancellationMode,
		AuthorityCSV:     r.AuthorityCSV,
		ErrorCode:        r.ErrorCode,
		ErrorMessage:     r.ErrorMessage,
		QRData:           r.QRData,
		NextAttemptAt:    r.NextAttemptAt,
	}
}
