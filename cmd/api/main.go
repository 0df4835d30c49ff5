package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/jhoicas/verifactu-engine/internal/application/chain"
	"github.com/jhoicas/verifactu-engine/internal/application/submission"
	"github.com/jhoicas/verifactu-engine/internal/infrastructure/aeat"
	"github.com/jhoicas/verifactu-engine/internal/infrastructure/postgres"
	httpRouter "github.com/jhoicas/verifactu-engine/internal/interfaces/http"
	"github.com/jhoicas/verifactu-engine/pkg/config"
	"github.com/jhoicas/verifactu-engine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("cargar configuración: " + err.Error())
	}

	log := logger.New(logger.Config{
		Env:   cfg.App.Env,
		Level: "info",
	})
	log.Info().
		Str("env", cfg.App.Env).
		Str("app", cfg.App.Name).
		Msg("iniciando aplicación")

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("conexión a PostgreSQL")
	}
	defer pool.Close()

	recordRepo := postgres.NewChainRecordRepository(pool)
	submissionRepo := postgres.NewSubmissionRepository(pool)
	companyRepo := postgres.NewCompanyRepository(pool)
	txRunner := postgres.NewTxRunner(pool)

	ledger := chain.NewLedger(txRunner, recordRepo, companyRepo)

	builder := aeat.NewPayloadBuilder(aeat.SistemaConfig{
		NombreRazon:      cfg.Verifactu.SistemaNombreRazon,
		NIF:              cfg.Verifactu.SistemaNIF,
		NombreSistema:    cfg.Verifactu.SistemaNombre,
		IDSistema:        cfg.Verifactu.SistemaID,
		Version:          cfg.Verifactu.SistemaVersion,
		SoloVerifactu:    cfg.Verifactu.SistemaSoloVerifactu,
		MultiplesOT:      cfg.Verifactu.SistemaMultiplesOT,
		IndicadorMultiOT: cfg.Verifactu.SistemaIndicadorMultiOT,
	})

	// Cliente SOAP AEAT — en "dev" se simula la respuesta sin llamada de red.
	var submitter aeat.Submitter
	if cfg.Verifactu.AppEnv == aeat.AppEnvDev || cfg.Verifactu.AppEnv == "" {
		submitter = aeat.NewDevSubmitter()
	} else {
		submitter, err = aeat.NewSOAPClient(cfg.Verifactu.AppEnv, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("cliente SOAP AEAT")
		}
	}

	orchestrator := submission.NewOrchestrator(
		recordRepo, submissionRepo, companyRepo,
		ledger, builder, submitter,
		cfg.Dispatcher.RetryBackoff, log,
	)
	dispatcher := submission.NewDispatcher(recordRepo, orchestrator, log)

	app := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 10,
		IdleTimeout:  time.Second * 60,
	})
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": cfg.App.Name})
	})

	httpRouter.Router(app, httpRouter.RouterDeps{
		Ledger:         ledger,
		Orchestrator:   orchestrator,
		Dispatcher:     dispatcher,
		RecordRepo:     recordRepo,
		SubmissionRepo: submissionRepo,
		JWTSecret:      cfg.JWT.Secret,
	})

	go func() {
		if err := app.Listen(cfg.HTTP.Addr()); err != nil {
			log.Error().Err(err).Msg("servidor HTTP finalizado")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("señal de apagado recibida, cerrando servidor...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("apagado del servidor")
	}

	log.Info().Msg("aplicación detenida")
}
