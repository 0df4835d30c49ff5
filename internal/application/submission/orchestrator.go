package submission

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jhoicas/verifactu-engine/internal/application/chain"
	"github.com/jhoicas/verifactu-engine/internal/domain"
	"github.com/jhoicas/verifactu-engine/internal/domain/entity"
	"github.com/jhoicas/verifactu-engine/internal/domain/repository"
	"github.com/jhoicas/verifactu-engine/internal/infrastructure/aeat"
	"github.com/jhoicas/verifactu-engine/pkg/logger"
)

// DefaultRetryBackoff es el backoff plano tras un fallo de transporte. No hay
// tope de reintentos: un registro en error se reintenta indefinidamente salvo
// intervención externa (decisión deliberada, no un olvido).
const DefaultRetryBackoff = 15 * time.Minute

// URL de cotejo de facturas VERI*FACTU (la misma para el QR en ambos ambientes).
const cotejoURL = "https://www2.agenciatributaria.gob.es/wlpl/TIKE-CONT/ValidarQR"

// Orchestrator ejecuta el ciclo de envío de un registro reclamado:
//
//	payload → WS AEAT → interpretar respuesta → actualizar registro → log de envío
//
// Cada intento deja exactamente una fila Submission (append-only). Los fallos de
// transporte nunca salen del orquestador: se recuperan por la vía error/backoff.
type Orchestrator struct {
	recordRepo     repository.ChainRecordRepository
	submissionRepo repository.SubmissionRepository
	companyRepo    repository.CompanyRepository
	ledger         *chain.Ledger
	builder        *aeat.PayloadBuilder
	submitter      aeat.Submitter
	backoff        time.Duration
	log            *logger.Logger
}

// NewOrchestrator construye el orquestador. backoff <= 0 usa DefaultRetryBackoff.
func NewOrchestrator(
	recordRepo repository.ChainRecordRepository,
	submissionRepo repository.SubmissionRepository,
	companyRepo repository.CompanyRepository,
	ledger *chain.Ledger,
	builder *aeat.PayloadBuilder,
	submitter aeat.Submitter,
	backoff time.Duration,
	log *logger.Logger,
) *Orchestrator {
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	return &Orchestrator{
		recordRepo:     recordRepo,
		submissionRepo: submissionRepo,
		companyRepo:    companyRepo,
		ledger:         ledger,
		builder:        builder,
		submitter:      submitter,
		backoff:        backoff,
		log:            log,
	}
}

// Process envía un registro ya reclamado por el dispatcher y lo lleva a un
// resultado terminal del intento. El claim (processing_at) se limpia SIEMPRE:
// en éxito, en reintento programado y también cuando un repositorio falla a
// mitad de intento, para que el registro vuelva a ser elegible.
func (o *Orchestrator) Process(ctx context.Context, recordID string) error {
	record, err := o.recordRepo.GetByID(ctx, recordID)
	if err != nil {
		return err
	}
	if record == nil {
		return domain.ErrNotFound
	}

	if err := o.processClaimed(ctx, record); err != nil {
		o.releaseClaim(ctx, record.ID)
		return err
	}
	return nil
}

// processClaimed ejecuta el intento sobre un registro ya cargado. Un error
// devuelto aquí es un fallo de repositorio a mitad de intento: transitorio,
// sin resultado que persistir; el claim lo libera el llamante.
func (o *Orchestrator) processClaimed(ctx context.Context, record *entity.ChainRecord) error {
	company, err := o.companyRepo.GetByID(ctx, record.CompanyID)
	if err != nil {
		return err
	}
	if company == nil {
		return o.failPermanently(ctx, record, "fetch-company", fmt.Sprintf("la empresa %s no existe", record.CompanyID))
	}

	prev, err := o.ledger.GetPrevious(ctx, record)
	if err != nil {
		if errors.Is(err, domain.ErrChainConflict) {
			return o.failPermanently(ctx, record, "chain-prev", err.Error())
		}
		return err
	}

	payload, err := o.builder.Build(record, company, prev)
	if err != nil {
		// Payload imposible de construir: determinista, reintentar no ayuda.
		return o.failPermanently(ctx, record, "payload", err.Error())
	}

	attempt, err := o.nextAttemptNumber(ctx, record.ID)
	if err != nil {
		return err
	}
	subType := submissionType(record)

	result, err := o.submitter.Submit(ctx, payload)
	if err != nil {
		// Fallo de transporte: backoff plano y reintento automático.
		return o.scheduleRetry(ctx, record, subType, attempt, err)
	}

	return o.applyResult(ctx, record, subType, attempt, result)
}

// applyResult mapea la respuesta estructurada de la AEAT a estado terminal:
//
//	envío Correcto y registro Correcto        → accepted
//	registro AceptadoConErrores o envío
//	ParcialmenteCorrecto                      → accepted_with_errors
//	cualquier otra respuesta estructurada     → rejected (sin reintento automático)
func (o *Orchestrator) applyResult(ctx context.Context, record *entity.ChainRecord, subType string, attempt int, result *aeat.SubmitResult) error {
	registerStatus := ""
	errCode, errMsg := "", ""
	for _, l := range result.Lineas {
		if registerStatus == "" {
			registerStatus = l.EstadoRegistro
		}
		if l.CodigoError != "" && errCode == "" {
			errCode, errMsg = l.CodigoError, l.DescripcionError
		}
	}

	var status string
	switch {
	case result.EstadoEnvio == aeat.EstadoEnvioCorrecto && registerStatus == aeat.EstadoRegistroCorrecto:
		status = entity.RecordStatusAccepted
	case registerStatus == aeat.EstadoRegistroAceptadoConErrores || result.EstadoEnvio == aeat.EstadoEnvioParcial:
		status = entity.RecordStatusAcceptedWithErrors
	default:
		status = entity.RecordStatusRejected
	}

	now := time.Now()
	record.Status = status
	record.AuthorityCSV = result.CSV
	record.SendStatus = result.EstadoEnvio
	record.RegisterStatus = registerStatus
	record.ErrorCode = errCode
	record.ErrorMessage = errMsg
	record.ProcessingAt = nil
	record.NextAttemptAt = nil
	if record.Kind == entity.RecordKindAlta && record.IsTerminalAccepted() {
		record.QRData = buildQRData(record)
	}
	record.UpdatedAt = now
	if err := o.recordRepo.Update(ctx, record); err != nil {
		return err
	}

	subStatus := map[string]string{
		entity.RecordStatusAccepted:           entity.SubmissionStatusAccepted,
		entity.RecordStatusAcceptedWithErrors: entity.SubmissionStatusAcceptedWithErrors,
		entity.RecordStatusRejected:           entity.SubmissionStatusRejected,
	}[status]

	if err := o.appendSubmission(ctx, record.ID, subType, subStatus, attempt, errCode, errMsg, result.RawResponse); err != nil {
		return err
	}

	o.log.Info().
		Str("record_id", record.ID).
		Str("status", status).
		Str("csv", result.CSV).
		Int("attempt", attempt).
		Msg("registro procesado por la AEAT")
	return nil
}

// releaseClaim limpia processing_at sobre el estado persistido, no sobre la
// copia mutada del intento fallido. Mejor esfuerzo: si tampoco se puede, se
// deja constancia en el log y el registro queda reclamado hasta intervención
// externa.
func (o *Orchestrator) releaseClaim(ctx context.Context, recordID string) {
	record, err := o.recordRepo.GetByID(ctx, recordID)
	if err != nil || record == nil {
		o.log.Error().Str("record_id", recordID).Err(err).Msg("no se pudo recargar el registro para liberar su claim")
		return
	}
	if record.ProcessingAt == nil {
		return
	}
	record.ProcessingAt = nil
	record.UpdatedAt = time.Now()
	if err := o.recordRepo.Update(ctx, record); err != nil {
		o.log.Error().Str("record_id", recordID).Err(err).Msg("no se pudo liberar el claim del registro")
	}
}

// scheduleRetry recupera un fallo de transporte: limpia el claim, deja el
// registro en error y programa el siguiente intento con backoff plano.
func (o *Orchestrator) scheduleRetry(ctx context.Context, record *entity.ChainRecord, subType string, attempt int, cause error) error {
	now := time.Now()
	next := now.Add(o.backoff)

	record.Status = entity.RecordStatusError
	record.ErrorMessage = cause.Error()
	record.ProcessingAt = nil
	record.NextAttemptAt = &next
	record.UpdatedAt = now
	if err := o.recordRepo.Update(ctx, record); err != nil {
		return err
	}
	if err := o.appendSubmission(ctx, record.ID, subType, entity.SubmissionStatusError, attempt, "", cause.Error(), ""); err != nil {
		return err
	}

	o.log.Warn().
		Str("record_id", record.ID).
		Int("attempt", attempt).
		Time("next_attempt_at", next).
		Err(cause).
		Msg("fallo de transporte, reintento programado")
	return nil
}

// failPermanently deja el registro en rejected sin reintento: el fallo es
// determinista (payload imposible, cadena inconsistente) y requiere corrección
// externa, no backoff.
func (o *Orchestrator) failPermanently(ctx context.Context, record *entity.ChainRecord, step, msg string) error {
	attempt, err := o.nextAttemptNumber(ctx, record.ID)
	if err != nil {
		return err
	}
	record.Status = entity.RecordStatusRejected
	record.ErrorMessage = msg
	record.ProcessingAt = nil
	record.NextAttemptAt = nil
	record.UpdatedAt = time.Now()
	if err := o.recordRepo.Update(ctx, record); err != nil {
		return err
	}
	if err := o.appendSubmission(ctx, record.ID, submissionType(record), entity.SubmissionStatusError, attempt, "", msg, ""); err != nil {
		return err
	}
	o.log.Error().Str("record_id", record.ID).Str("step", step).Msg(msg)
	return nil
}

// DetermineCancellationMode examina el histórico de envíos del registro a
// anular, del más reciente al más antiguo:
//
//  1. Algún envío de anulación rechazado → previous_cancellation_rejected
//     (máxima prioridad, anula al resto).
//  2. Si no, algún alta aceptada (con o sin errores) → aeat_registered.
//  3. Si no (sin envíos, o solo altas no aceptadas) → no_aeat_record.
func (o *Orchestrator) DetermineCancellationMode(ctx context.Context, recordID string) (string, error) {
	subs, err := o.submissionRepo.ListByRecord(ctx, recordID)
	if err != nil {
		return "", err
	}
	registered := false
	for _, s := range subs {
		if s.Type == entity.SubmissionTypeCancel && s.Status == entity.SubmissionStatusRejected {
			return entity.CancellationModePrevCancelRejected, nil
		}
		if s.Type == entity.SubmissionTypeRegister &&
			(s.Status == entity.SubmissionStatusAccepted || s.Status == entity.SubmissionStatusAcceptedWithErrors) {
			registered = true
		}
	}
	if registered {
		return entity.CancellationModeAEATRegistered, nil
	}
	return entity.CancellationModeNoAEATRecord, nil
}

// CancelRecord crea el registro de anulación de un alta: determina el modo por
// el histórico de envíos del original y lo encadena en la cabeza actual del
// emisor vía el libro.
func (o *Orchestrator) CancelRecord(ctx context.Context, companyID, recordID string) (*entity.ChainRecord, error) {
	original, err := o.recordRepo.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if original == nil || original.CompanyID != companyID {
		return nil, domain.ErrNotFound
	}

	mode, err := o.DetermineCancellationMode(ctx, original.ID)
	if err != nil {
		return nil, err
	}
	return o.ledger.AppendAnulacion(ctx, original, mode)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (o *Orchestrator) nextAttemptNumber(ctx context.Context, recordID string) (int, error) {
	count, err := o.submissionRepo.CountByRecord(ctx, recordID)
	if err != nil {
		return 0, err
	}
	return count + 1, nil
}

func (o *Orchestrator) appendSubmission(ctx context.Context, recordID, subType, status string, attempt int, errCode, errMsg, responseRef string) error {
	return o.submissionRepo.Create(ctx, &entity.Submission{
		ID:            uuid.New().String(),
		ChainRecordID: recordID,
		Type:          subType,
		Status:        status,
		AttemptNumber: attempt,
		ErrorCode:     errCode,
		ErrorMessage:  errMsg,
		ResponseRef:   responseRef,
		CreatedAt:     time.Now(),
	})
}

// submissionType clasifica el intento: cancel para anulaciones, resend para
// altas que ya fueron aceptadas (subsanación) y register en el resto.
func submissionType(record *entity.ChainRecord) string {
	switch {
	case record.Kind == entity.RecordKindAnulacion:
		return entity.SubmissionTypeCancel
	case record.IsTerminalAccepted():
		return entity.SubmissionTypeResend
	default:
		return entity.SubmissionTypeRegister
	}
}

// buildQRData compone la cadena de cotejo del QR (la imagen no se renderiza aquí):
// NIF|NumSerie|Fecha|Importe|URL de cotejo.
func buildQRData(record *entity.ChainRecord) string {
	fecha, err := timeParseFecha(record.IssueDate)
	if err != nil {
		fecha = record.IssueDate
	}
	q := url.Values{}
	q.Set("nif", record.IssuerTaxID)
	q.Set("numserie", record.FullNumber())
	return strings.Join([]string{
		record.IssuerTaxID,
		record.FullNumber(),
		fecha,
		record.ImporteTotal.Round(2).StringFixed(2),
		cotejoURL + "?" + q.Encode(),
	}, "|")
}

func timeParseFecha(s string) (string, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return "", err
	}
	return t.Format("02-01-2006"), nil
}
