// Package aeat implementa la generación del payload VERI*FACTU y el puerto de
// entrega al web service de la AEAT.
package aeat

import "context"

// ── Constantes de entorno ──────────────────────────────────────────────────────

const (
	// AppEnvTest es el ambiente de pruebas de la AEAT.
	AppEnvTest = "test"
	// AppEnvProd es el ambiente de producción.
	AppEnvProd = "prod"
	// AppEnvDev es el identificador local: no envía al WS AEAT.
	AppEnvDev = "dev"

	soapURLTest = "https://prewww1.aeat.es/wlpl/TIKE-CONT/ws/SistemaFacturacion/VerifactuSOAP"
	soapURLProd = "https://www1.agenciatributaria.gob.es/wlpl/TIKE-CONT/ws/SistemaFacturacion/VerifactuSOAP"
)

// ── Estados de la respuesta AEAT ───────────────────────────────────────────────

const (
	// EstadoEnvio global del lote.
	EstadoEnvioCorrecto   = "Correcto"
	EstadoEnvioParcial    = "ParcialmenteCorrecto"
	EstadoEnvioIncorrecto = "Incorrecto"

	// EstadoRegistro por línea de registro.
	EstadoRegistroCorrecto           = "Correcto"
	EstadoRegistroAceptadoConErrores = "AceptadoConErrores"
	EstadoRegistroIncorrecto         = "Incorrecto"
)

// LineaRespuesta resultado por registro dentro de la respuesta del lote.
type LineaRespuesta struct {
	EstadoRegistro   string // Correcto | AceptadoConErrores | Incorrecto
	CodigoError      string
	DescripcionError string
}

// SubmitResult respuesta estructurada del WS AEAT. Una respuesta estructurada
// (aunque sea de rechazo) NO es un fallo de transporte: el orquestador la mapea
// a estado terminal. Los fallos de transporte llegan como error.
type SubmitResult struct {
	EstadoEnvio string // Correcto | ParcialmenteCorrecto | Incorrecto
	CSV         string // Código Seguro de Verificación del envío
	Lineas      []LineaRespuesta
	RawResponse string // referencia opaca al artefacto de respuesta
}

// Submitter define el puerto de salida para la entrega de registros a la AEAT.
// La implementación concreta usa SOAP; para tests se inyecta un fake. La firma
// del mensaje de transporte la aplica un cliente de firma externo, fuera de
// este motor.
type Submitter interface {
	// Submit entrega el payload XML de un registro (alta o anulación).
	Submit(ctx context.Context, payload []byte) (*SubmitResult, error)
}
