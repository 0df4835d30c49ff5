package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreateRegistroRequest body para POST /api/v1/registros.
// Las reglas de negocio de los DTOs (compatibilidad tipo de factura/destinatario,
// rangos de tipos impositivos, etc.) ya vienen validadas por la capa de entrada.
type CreateRegistroRequest struct {
	IssuerTaxID    string `json:"issuer_tax_id"`
	IssuerName     string `json:"issuer_name"`
	Series         string `json:"series"`
	Number         string `json:"number"`
	IssueDate      string `json:"issue_date"` // YYYY-MM-DD
	InvoiceType    string `json:"invoice_type"` // F1, F2, F3, R1..R5
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	ClaveRegimen          string `json:"clave_regimen"`
	CalificacionOperacion string `json:"calificacion_operacion"`

	Lines     []RegistroLineRequest `json:"lines"`
	Recipient *RecipientRequest     `json:"recipient,omitempty"`
	Rectifies *RectificationRequest `json:"rectifies,omitempty"`

	// Force encola el registro aunque la empresa no tenga la política de
	// auto-encolado activa.
	Force bool `json:"force,omitempty"`
}

// RegistroLineRequest línea de factura.
type RegistroLineRequest struct {
	Description     string          `json:"description"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	VATRate         decimal.Decimal `json:"vat_rate"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

// RecipientRequest destinatario: NIF nacional o identidad extranjera completa.
type RecipientRequest struct {
	Name string `json:"name"`
	NIF  string `json:"nif,omitempty"`
	// Identidad extranjera (si no hay NIF): los tres campos van juntos.
	CountryCode string `json:"country_code,omitempty"`
	IDType      string `json:"id_type,omitempty"`
	IDNumber    string `json:"id_number,omitempty"`
}

// RectificationRequest bloque de rectificación: referencia a la factura
// rectificada y tipo (substitution | difference).
type RectificationRequest struct {
	RectifiedRecordID string `json:"rectified_record_id"`
	Type              string `json:"type"`
}

// RegistroResponse registro en respuestas.
type RegistroResponse struct {
	ID               string          `json:"id"`
	CompanyID        string          `json:"company_id"`
	IssuerTaxID      string          `json:"issuer_tax_id"`
	Series           string          `json:"series"`
	Number           string          `json:"number"`
	IssueDate        string          `json:"issue_date"`
	Kind             string          `json:"kind"`
	Status           string          `json:"status"`
	ChainIndex       int64           `json:"chain_index"`
	Huella           string          `json:"huella"`
	HuellaAnterior   string          `json:"huella_anterior,omitempty"`
	CuotaTotal       decimal.Decimal `json:"cuota_total"`
	ImporteTotal     decimal.Decimal `json:"importe_total"`
	CancellationMode string          `json:"cancellation_mode,omitempty"`
	AuthorityCSV     string          `json:"authority_csv,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	QRData           string          `json:"qr_data,omitempty"`
	NextAttemptAt    *time.Time      `json:"next_attempt_at,omitempty"`
}

// SubmissionResponse entrada del histórico de envíos.
type SubmissionResponse struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	AttemptNumber int       `json:"attempt_number"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// DispatcherRunResponse resumen de una pasada del dispatcher.
type DispatcherRunResponse struct {
	Selected  int `json:"selected"`
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}
