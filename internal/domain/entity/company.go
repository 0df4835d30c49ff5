package entity

import "time"

// Company es el obligado tributario en cuyo nombre se expiden los registros.
type Company struct {
	ID      string
	Name    string
	TaxID   string // NIF
	Address string

	// Flags de política VERI*FACTU: ambos activos → los registros nuevos se
	// encolan automáticamente (draft → ready) sin acción explícita.
	VerifactuEnabled bool
	SendToAEAT       bool

	// Número de instalación declarado del sistema informático. Si está vacío se
	// deriva de forma determinista del ID de empresa (relleno a 4 dígitos).
	InstallationNumber string

	CreatedAt time.Time
	UpdatedAt time.Time
}
