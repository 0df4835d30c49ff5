package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tipos de registro en la cadena VERI*FACTU.
const (
	RecordKindAlta      = "alta"      // Registro de alta (facturación)
	RecordKindAnulacion = "anulacion" // Registro de anulación
)

// Estados de envío a la AEAT de un registro de facturación.
const (
	RecordStatusDraft              = "draft"                // Creado, pendiente de encolar
	RecordStatusReady              = "ready"                // Encolado, elegible para el dispatcher
	RecordStatusSent               = "sent"                 // Enviado, respuesta pendiente
	RecordStatusAccepted           = "accepted"             // Aceptado por la AEAT
	RecordStatusAcceptedWithErrors = "accepted_with_errors" // Aceptado parcialmente / con errores
	RecordStatusRejected           = "rejected"             // Rechazado por la AEAT (requiere corrección)
	RecordStatusError              = "error"                // Fallo de transporte, reintento programado
)

// Modos de anulación según el histórico de envíos del registro anulado.
const (
	CancellationModeNoAEATRecord          = "no_aeat_record"                 // La AEAT nunca registró la factura
	CancellationModeAEATRegistered        = "aeat_registered"                // Hay un alta aceptada en la AEAT
	CancellationModePrevCancelRejected    = "previous_cancellation_rejected" // Un intento previo de anulación fue rechazado
)

// Tipos de rectificación (facturas rectificativas).
const (
	RectificationSubstitution = "substitution" // Por sustitución: importes completos de la nueva factura
	RectificationDifference   = "difference"   // Por diferencias: los totales ya son el delta
)

// DesgloseBucket acumula base imponible y cuota por (clave régimen, calificación, tipo impositivo).
type DesgloseBucket struct {
	ClaveRegimen           string
	CalificacionOperacion  string
	TipoImpositivo         decimal.Decimal
	BaseImponible          decimal.Decimal
	CuotaRepercutida       decimal.Decimal
}

// Recipient destinatario de la factura: NIF nacional o identidad extranjera
// (país, tipo de id, número). Los tipos de factura simplificada no llevan
// destinatario; el bloque puede faltar.
type Recipient struct {
	Name        string
	NIF         string
	CountryCode string
	IDType      string
	IDNumber    string
}

// RectifiedRef referencia a la factura rectificada más una instantánea de sus datos
// de identificación (la factura original puede mutar después).
type RectifiedRef struct {
	RecordID        string
	IssuerTaxID     string
	FullNumber      string
	IssueDate       string // YYYY-MM-DD
	RectificationType string // substitution | difference
}

// CancelledRef referencia al registro de alta que esta anulación cancela.
type CancelledRef struct {
	RecordID    string
	IssuerTaxID string
	FullNumber  string
	IssueDate   string // YYYY-MM-DD
}

// ChainRecord es una entrada del libro encadenado por emisor: un registro de alta
// o de anulación, con su huella SHA-256 enlazada a la huella del registro anterior.
type ChainRecord struct {
	ID             string
	CompanyID      string
	IssuerTaxID    string // NIF del obligado a expedir
	IssuerName     string
	Series         string
	Number         string
	IssueDate      string // YYYY-MM-DD (se valida y reformatea al construir la huella)
	InvoiceType    string // F1, F2, F3, R1..R5 (solo altas)
	Description    string
	Kind           string // alta | anulacion
	Status         string

	Huella          string // SHA-256 hex mayúsculas de la cadena canónica
	HuellaAnterior  string // vacía si es el primer registro del emisor
	ChainIndex      int64  // posición 1..N dentro de la cadena del emisor
	CanonicalString string
	// GeneratedAtOffset es la marca temporal (con huso horario) embebida en la
	// cadena canónica. Se congela al calcular la huella y nunca se recalcula.
	GeneratedAtOffset string

	IdempotencyKey string // opcional, única por empresa

	CuotaTotal   decimal.Decimal // suma de cuotas IVA
	ImporteTotal decimal.Decimal // importe total de la factura
	Desglose     []DesgloseBucket

	Recipient        *Recipient
	RectifiedRef     *RectifiedRef
	CancelledRef     *CancelledRef
	CancellationMode string // solo anulaciones

	// Campos de cola / reintento.
	NextAttemptAt *time.Time
	ProcessingAt  *time.Time // no nulo solo mientras un worker tiene el claim

	// Respuesta de la AEAT.
	AuthorityCSV   string
	SendStatus     string
	RegisterStatus string
	ErrorCode      string
	ErrorMessage   string
	QRData         string // cadena de cotejo (URL AEAT + datos), no se renderiza aquí

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullNumber devuelve serie+número tal cual se concatenan para la AEAT
// (el formato exacto se preserva, sin normalizar).
func (r *ChainRecord) FullNumber() string {
	return r.Series + r.Number
}

// IsFirstInChain indica si el registro abre la cadena de su emisor.
func (r *ChainRecord) IsFirstInChain() bool {
	return r.HuellaAnterior == ""
}

// IsTerminalAccepted indica si la AEAT dio el registro por bueno.
func (r *ChainRecord) IsTerminalAccepted() bool {
	return r.Status == RecordStatusAccepted || r.Status == RecordStatusAcceptedWithErrors
}
