package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jhoicas/verifactu-engine/internal/application/chain"
	"github.com/jhoicas/verifactu-engine/internal/application/submission"
	"github.com/jhoicas/verifactu-engine/internal/infrastructure/aeat"
	"github.com/jhoicas/verifactu-engine/internal/infrastructure/postgres"
	"github.com/jhoicas/verifactu-engine/pkg/config"
	"github.com/jhoicas/verifactu-engine/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "dispatcher: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "dispatcher",
		Short:        "Worker de envío de registros de facturación a la AEAT",
		Long:         `El dispatcher selecciona registros listos para envío, los reclama en exclusiva y ejecuta el ciclo de envío contra el WS VERI*FACTU. Puede ejecutarse en bucle o como pasada única (cron).`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newRunCmd())
	return cmd
}

func newRunCmd() *cobra.Command {
	var limit int
	var interval time.Duration
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ejecuta el dispatcher (bucle por defecto, --once para una pasada)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("cargar configuración: %w", err)
			}
			if limit <= 0 {
				limit = cfg.Dispatcher.BatchLimit
			}
			if interval <= 0 {
				interval = cfg.Dispatcher.Interval
			}

			log := logger.New(logger.Config{Env: cfg.App.Env, Level: "info"})
			log.Info().
				Int("limit", limit).
				Dur("interval", interval).
				Bool("once", once).
				Msg("iniciando dispatcher")

			pool, err := postgres.NewPool(ctx, cfg.DB)
			if err != nil {
				return fmt.Errorf("conexión a PostgreSQL: %w", err)
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

			var submitter aeat.Submitter
			if cfg.Verifactu.AppEnv == aeat.AppEnvDev || cfg.Verifactu.AppEnv == "" {
				submitter = aeat.NewDevSubmitter()
			} else {
				submitter, err = aeat.NewSOAPClient(cfg.Verifactu.AppEnv, nil)
				if err != nil {
					return err
				}
			}

			orchestrator := submission.NewOrchestrator(
				recordRepo, submissionRepo, companyRepo,
				ledger, builder, submitter,
				cfg.Dispatcher.RetryBackoff, log,
			)
			dispatcher := submission.NewDispatcher(recordRepo, orchestrator, log)

			if once {
				summary, err := dispatcher.RunOnce(ctx, limit)
				if err != nil {
					return err
				}
				log.Info().
					Int("selected", summary.Selected).
					Int("claimed", summary.Claimed).
					Int("succeeded", summary.Succeeded).
					Int("failed", summary.Failed).
					Msg("pasada única completada")
				return nil
			}
			return dispatcher.Run(ctx, limit, interval)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Registros por pasada (0 usa DISPATCHER_BATCH_LIMIT)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Periodo entre pasadas (0 usa DISPATCHER_INTERVAL_SECONDS)")
	cmd.Flags().BoolVar(&once, "once", false, "Ejecuta una sola pasada y termina")
	return cmd
}
