package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/jhoicas/verifactu-engine/internal/application/chain"
	"github.com/jhoicas/verifactu-engine/internal/application/submission"
	"github.com/jhoicas/verifactu-engine/internal/domain/repository"
)

// RouterDeps dependencias para el router.
type RouterDeps struct {
	Ledger         *chain.Ledger
	Orchestrator   *submission.Orchestrator
	Dispatcher     *submission.Dispatcher
	RecordRepo     repository.ChainRecordRepository
	SubmissionRepo repository.SubmissionRepository
	JWTSecret      string
}

// Router registra las rutas de la API.
func Router(app *fiber.App, deps RouterDeps) {
	api := app.Group("/api/v1")

	// Rutas protegidas (requieren Bearer Token)
	protected := api.Group("/", AuthMiddleware(deps.JWTSecret))

	// Registros de facturación (protegido)
	registros := protected.Group("/registros")
	registroHandler := NewRegistroHandler(deps.Ledger, deps.Orchestrator, deps.RecordRepo, deps.SubmissionRepo)
	registros.Post("/", registroHandler.Create)
	registros.Get("/:id", registroHandler.GetByID)
	registros.Post("/:id/encolar", registroHandler.Queue)
	registros.Post("/:id/anular", registroHandler.Cancel)
	registros.Get("/:id/envios", registroHandler.ListSubmissions)

	// Verificación de cadena (protegido)
	cadena := protected.Group("/cadena")
	cadena.Get("/:nif/verificar", registroHandler.VerifyChain)

	// Dispatcher manual (protegido)
	dispatcherGroup := protected.Group("/dispatcher")
	dispatcherHandler := NewDispatcherHandler(deps.Dispatcher)
	dispatcherGroup.Post("/run", dispatcherHandler.Run)
}
