package submission

import (
	"context"
	"time"

	"github.com/jhoicas/verifactu-engine/internal/application/dto"
	"github.com/jhoicas/verifactu-engine/internal/domain/repository"
	"github.com/jhoicas/verifactu-engine/pkg/logger"
)

// DefaultBatchLimit es el tamaño de lote por pasada si no se indica otro.
const DefaultBatchLimit = 50

// Dispatcher selecciona registros elegibles y los entrega al orquestador con
// semántica de claim exclusivo. Es seguro ejecutar varias instancias en
// paralelo (varios procesos worker): el claim condicional decide quién procesa
// cada registro y el perdedor de la carrera lo salta en silencio.
type Dispatcher struct {
	recordRepo   repository.ChainRecordRepository
	orchestrator *Orchestrator
	log          *logger.Logger
}

// NewDispatcher construye el dispatcher.
func NewDispatcher(recordRepo repository.ChainRecordRepository, orchestrator *Orchestrator, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		recordRepo:   recordRepo,
		orchestrator: orchestrator,
		log:          log,
	}
}

// RunOnce ejecuta una pasada: selecciona hasta limit candidatos (status ready o
// error, next_attempt_at vencido o nulo, sin claim), intenta el claim atómico de
// cada uno y procesa los ganados. El fallo de un registro no aborta el lote; la
// pasada es idempotente de re-invocar.
func (d *Dispatcher) RunOnce(ctx context.Context, limit int) (dto.DispatcherRunResponse, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	now := time.Now()

	var summary dto.DispatcherRunResponse
	candidates, err := d.recordRepo.SelectEligible(ctx, now, limit)
	if err != nil {
		return summary, err
	}
	summary.Selected = len(candidates)
	if len(candidates) == 0 {
		d.log.Debug().Msg("dispatcher: sin trabajo")
		return summary, nil
	}

	for _, record := range candidates {
		claimed, err := d.recordRepo.Claim(ctx, record.ID, now)
		if err != nil {
			d.log.Error().Err(err).Str("record_id", record.ID).Msg("dispatcher: error al reclamar")
			summary.Failed++
			continue
		}
		if !claimed {
			// Otro worker ganó la carrera; no se reintenta en esta pasada.
			continue
		}
		summary.Claimed++

		if err := d.orchestrator.Process(ctx, record.ID); err != nil {
			// Process ya recupera los fallos de transporte; llegar aquí es un
			// fallo de infraestructura (DB). Se registra y se sigue con el lote.
			d.log.Error().Err(err).Str("record_id", record.ID).Msg("dispatcher: fallo procesando registro")
			summary.Failed++
			continue
		}
		summary.Succeeded++
	}

	d.log.Info().
		Int("selected", summary.Selected).
		Int("claimed", summary.Claimed).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Msg("dispatcher: pasada completada")
	return summary, nil
}

// Run ejecuta pasadas en bucle cada interval hasta que ctx se cancele.
func (d *Dispatcher) Run(ctx context.Context, limit int, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx, limit); err != nil {
			d.log.Error().Err(err).Msg("dispatcher: pasada fallida")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
