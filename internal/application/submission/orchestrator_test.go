package submission_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/verifactu-engine/internal/application/dto"
	"github.com/jhoicas/verifactu-engine/internal/application/submission"
	"github.com/jhoicas/verifactu-engine/internal/domain/entity"
	"github.com/jhoicas/verifactu-engine/internal/infrastructure/aeat"
)

// ──────────────────────────────────────────────────────────────────────────────
// Tests del orquestador de envío: mapeo de la respuesta AEAT a estados
// terminales, reintento con backoff plano tras fallo de transporte, histórico
// append-only de envíos y determinación del modo de anulación.
// ──────────────────────────────────────────────────────────────────────────────

func TestProcess_RespuestaCorrectaDejaAccepted(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	record, err := env.createReadyAlta(ctx, "0001")
	require.NoError(t, err)
	env.submitter.enqueue(acceptedResult(), nil)

	require.NoError(t, env.orchestrator.Process(ctx, record.ID))

	got, err := env.records.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RecordStatusAccepted, got.Status)
	assert.Equal(t, "CSV123456789", got.AuthorityCSV)
	assert.Nil(t, got.ProcessingAt, "el claim debe limpiarse al terminar")
	assert.Nil(t, got.NextAttemptAt)
	assert.NotEmpty(t, got.QRData, "un alta aceptada lleva los datos de cotejo del QR")

	subs, err := env.submissions.ListByRecord(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, entity.SubmissionTypeRegister, subs[0].Type)
	assert.Equal(t, entity.SubmissionStatusAccepted, subs[0].Status)
	assert.Equal(t, 1, subs[0].AttemptNumber)
}

func TestProcess_AceptadoConErrores(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	record, err := env.createReadyAlta(ctx, "0001")
	require.NoError(t, err)
	env.submitter.enqueue(&aeat.SubmitResult{
		EstadoEnvio: aeat.EstadoEnvioParcial,
		CSV:         "CSV-PARCIAL",
		Lineas: []aeat.LineaRespuesta{{
			EstadoRegistro:   aeat.EstadoRegistroAceptadoConErrores,
			CodigoError:      "1117",
			DescripcionError: "valor de campo dudoso",
		}},
	}, nil)

	require.NoError(t, env.orchestrator.Process(ctx, record.ID))

	got, _ := env.records.GetByID(ctx, record.ID)
	assert.Equal(t, entity.RecordStatusAcceptedWithErrors, got.Status)
	assert.Equal(t, "1117", got.ErrorCode)
	assert.True(t, got.IsTerminalAccepted(), "aceptado con errores sigue siendo terminal aceptado")
}

func TestProcess_RespuestaIncorrectaDejaRejectedSinReintento(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	record, err := env.createReadyAlta(ctx, "0001")
	require.NoError(t, err)
	env.submitter.enqueue(&aeat.SubmitResult{
		EstadoEnvio: aeat.EstadoEnvioIncorrecto,
		Lineas: []aeat.LineaRespuesta{{
			EstadoRegistro:   aeat.EstadoRegistroIncorrecto,
			CodigoError:      "3000",
			DescripcionError: "registro duplicado",
		}},
	}, nil)

	require.NoError(t, env.orchestrator.Process(ctx, record.ID))

	got, _ := env.records.GetByID(ctx, record.ID)
	assert.Equal(t, entity.RecordStatusRejected, got.Status)
	assert.Nil(t, got.NextAttemptAt, "un rechazo estructurado no programa reintento automático")
	assert.Equal(t, "3000", got.ErrorCode)

	subs, _ := env.submissions.ListByRecord(ctx, record.ID)
	require.Len(t, subs, 1)
	assert.Equal(t, entity.SubmissionStatusRejected, subs[0].Status)
}

func TestProcess_FalloDeTransporteProgramaReintento(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	record, err := env.createReadyAlta(ctx, "0001")
	require.NoError(t, err)
	env.submitter.enqueue(nil, errors.New("connection refused"))

	before := time.Now()
	require.NoError(t, env.orchestrator.Process(ctx, record.ID))

	got, _ := env.records.GetByID(ctx, record.ID)
	assert.Equal(t, entity.RecordStatusError, got.Status)
	assert.Nil(t, got.ProcessingAt, "el claim se limpia también en el camino de error")
	require.NotNil(t, got.NextAttemptAt, "el fallo de transporte programa el siguiente intento")
	assert.WithinDuration(t, before.Add(submission.DefaultRetryBackoff), *got.NextAttemptAt, time.Minute,
		"el backoff es plano: siempre ~15 minutos, intento tras intento")

	subs, _ := env.submissions.ListByRecord(ctx, record.ID)
	require.Len(t, subs, 1)
	assert.Equal(t, entity.SubmissionStatusError, subs[0].Status)
	assert.Contains(t, subs[0].ErrorMessage, "connection refused")
}

func TestProcess_NumeroDeIntentoCrece(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	record, err := env.createReadyAlta(ctx, "0001")
	require.NoError(t, err)

	env.submitter.enqueue(nil, errors.New("timeout"))
	require.NoError(t, env.orchestrator.Process(ctx, record.ID))
	env.submitter.enqueue(nil, errors.New("timeout"))
	require.NoError(t, env.orchestrator.Process(ctx, record.ID))
	env.submitter.enqueue(acceptedResult(), nil)
	require.NoError(t, env.orchestrator.Process(ctx, record.ID))

	subs, _ := env.submissions.ListByRecord(ctx, record.ID)
	require.Len(t, subs, 3, "cada intento deja exactamente una fila")
	// ListByRecord devuelve del más reciente al más antiguo.
	assert.Equal(t, 3, subs[0].AttemptNumber)
	assert.Equal(t, 2, subs[1].AttemptNumber)
	assert.Equal(t, 1, subs[2].AttemptNumber)
	assert.Equal(t, entity.SubmissionStatusAccepted, subs[0].Status)
}

func TestProcess_EmpresaDesaparecidaDejaRejected(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	record, err := env.createReadyAlta(ctx, "0001")
	require.NoError(t, err)
	env.companies.remove(testCompanyID)

	require.NoError(t, env.orchestrator.Process(ctx, record.ID))

	got, _ := env.records.GetByID(ctx, record.ID)
	assert.Equal(t, entity.RecordStatusRejected, got.Status)
	assert.Nil(t, got.NextAttemptAt, "un fallo determinista no se reintenta")
	assert.Equal(t, 0, env.submitter.submittedCount(), "no debe llegarse al transporte")
}

func TestProcess_ErrorTransitorioDeEmpresaNoRechaza(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	record, err := env.createReadyAlta(ctx, "0001")
	require.NoError(t, err)
	claimed, err := env.records.Claim(ctx, record.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	env.companies.failNextGet(errors.New("read timeout"))
	require.Error(t, env.orchestrator.Process(ctx, record.ID))

	got, _ := env.records.GetByID(ctx, record.ID)
	assert.Equal(t, entity.RecordStatusReady, got.Status,
		"un fallo transitorio de lectura no es un rechazo definitivo")
	assert.Nil(t, got.ProcessingAt, "el claim se libera para el siguiente pase")
	assert.Equal(t, 0, env.submitter.submittedCount())
	subs, _ := env.submissions.ListByRecord(ctx, record.ID)
	assert.Empty(t, subs, "un intento abortado no deja fila de envío")

	// Con la empresa de nuevo legible, el reintento culmina en accepted.
	env.submitter.enqueue(acceptedResult(), nil)
	require.NoError(t, env.orchestrator.Process(ctx, record.ID))
	got, _ = env.records.GetByID(ctx, record.ID)
	assert.Equal(t, entity.RecordStatusAccepted, got.Status)
}

func TestProcess_QRDataCodificaLaSerieEnLaURL(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// Serie con caracteres reservados de URL.
	record, err := env.ledger.CreateAlta(ctx, testCompanyID, dto.CreateRegistroRequest{
		IssuerTaxID:           testNIF,
		IssuerName:            "Aceros del Norte SL",
		Series:                "FA&2024#",
		Number:                "0001",
		IssueDate:             "2023-11-29",
		InvoiceType:           "F2",
		ClaveRegimen:          "01",
		CalificacionOperacion: "S1",
		Lines: []dto.RegistroLineRequest{{
			Description: "Servicio",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.NewFromInt(100),
			VATRate:     decimal.NewFromInt(21),
		}},
	})
	require.NoError(t, err)

	env.submitter.enqueue(acceptedResult(), nil)
	require.NoError(t, env.orchestrator.Process(ctx, record.ID))

	got, _ := env.records.GetByID(ctx, record.ID)
	parts := strings.Split(got.QRData, "|")
	u, err := url.Parse(parts[len(parts)-1])
	require.NoError(t, err)
	assert.Empty(t, u.Fragment, "la serie no puede partir la URL de cotejo")

	q := u.Query()
	assert.Equal(t, testNIF, q.Get("nif"))
	assert.Equal(t, got.FullNumber(), q.Get("numserie"),
		"la serie y el número deben sobrevivir la codificación de la query")
}

func TestProcess_ReenvioDeRegistroAceptadoEsResend(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	record, err := env.createReadyAlta(ctx, "0001")
	require.NoError(t, err)
	env.submitter.enqueue(acceptedResult(), nil)
	require.NoError(t, env.orchestrator.Process(ctx, record.ID))

	// Segundo envío del mismo registro ya aceptado (subsanación).
	env.submitter.enqueue(acceptedResult(), nil)
	require.NoError(t, env.orchestrator.Process(ctx, record.ID))

	subs, _ := env.submissions.ListByRecord(ctx, record.ID)
	require.Len(t, subs, 2)
	assert.Equal(t, entity.SubmissionTypeResend, subs[0].Type)
	assert.Equal(t, entity.SubmissionTypeRegister, subs[1].Type)
}

// ── Modo de anulación ─────────────────────────────────────────────────────────

func TestDetermineCancellationMode_SinEnvios(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	record, err := env.createReadyAlta(ctx, "0001")
	require.NoError(t, err)

	mode, err := env.orchestrator.DetermineCancellationMode(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CancellationModeNoAEATRecord, mode)
}

func TestDetermineCancellationMode_AltaAceptada(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	record, err := env.createReadyAlta(ctx, "0001")
	require.NoError(t, err)
	env.submitter.enqueue(acceptedResult(), nil)
	require.NoError(t, env.orchestrator.Process(ctx, record.ID))

	mode, err := env.orchestrator.DetermineCancellationMode(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CancellationModeAEATRegistered, mode)
}

func TestDetermineCancellationMode_AnulacionRechazadaTienePrioridad(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	record, err := env.createReadyAlta(ctx, "0001")
	require.NoError(t, err)

	// Histórico: alta aceptada Y una anulación previa rechazada. La anulación
	// rechazada manda sobre el alta aceptada.
	seed := []*entity.Submission{
		{ChainRecordID: record.ID, Type: entity.SubmissionTypeRegister, Status: entity.SubmissionStatusAccepted, AttemptNumber: 1},
		{ChainRecordID: record.ID, Type: entity.SubmissionTypeCancel, Status: entity.SubmissionStatusRejected, AttemptNumber: 2},
	}
	for _, s := range seed {
		require.NoError(t, env.submissions.Create(ctx, s))
	}

	mode, err := env.orchestrator.DetermineCancellationMode(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CancellationModePrevCancelRejected, mode)
}

func TestDetermineCancellationMode_AltaRechazadaNoEsRegistrada(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	record, err := env.createReadyAlta(ctx, "0001")
	require.NoError(t, err)
	require.NoError(t, env.submissions.Create(ctx, &entity.Submission{
		ChainRecordID: record.ID,
		Type:          entity.SubmissionTypeRegister,
		Status:        entity.SubmissionStatusRejected,
		AttemptNumber: 1,
	}))

	mode, err := env.orchestrator.DetermineCancellationMode(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CancellationModeNoAEATRecord, mode,
		"un alta rechazada no cuenta como registrada en la AEAT")
}

func TestCancelRecord_CreaAnulacionConElModoCalculado(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	record, err := env.createReadyAlta(ctx, "0001")
	require.NoError(t, err)
	env.submitter.enqueue(acceptedResult(), nil)
	require.NoError(t, env.orchestrator.Process(ctx, record.ID))

	anulacion, err := env.orchestrator.CancelRecord(ctx, testCompanyID, record.ID)
	require.NoError(t, err)

	assert.Equal(t, entity.RecordKindAnulacion, anulacion.Kind)
	assert.Equal(t, entity.CancellationModeAEATRegistered, anulacion.CancellationMode)
	assert.Equal(t, int64(2), anulacion.ChainIndex, "la anulación se encadena tras el alta")
	require.NotNil(t, anulacion.CancelledRef)
	assert.Equal(t, record.ID, anulacion.CancelledRef.RecordID)

	// Y su envío queda tipado como cancel.
	env.submitter.enqueue(acceptedResult(), nil)
	require.NoError(t, env.orchestrator.Process(ctx, anulacion.ID))
	subs, _ := env.submissions.ListByRecord(ctx, anulacion.ID)
	require.Len(t, subs, 1)
	assert.Equal(t, entity.SubmissionTypeCancel, subs[0].Type)
}
