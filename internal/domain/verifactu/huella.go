// Package verifactu: cálculo de la huella de encadenamiento VERI*FACTU (AEAT).
// Algoritmo: SHA-256 en hexadecimal mayúsculas sobre la cadena canónica
// `clave=valor` unida por `&`, en el orden estricto que fija la AEAT.

package verifactu

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/verifactu-engine/internal/domain"
)

// TipoHuella identifica el algoritmo de huella en el payload AEAT ("01" = SHA-256).
const TipoHuella = "01"

// TipoRegistroAnulacion es la etiqueta de tipo para registros de anulación en la
// cadena canónica (las altas llevan el tipo de factura: F1, F2, R1..R5, F3).
const TipoRegistroAnulacion = "ANULACION"

// HuellaParams contiene los datos de la cadena canónica en el orden exigido.
// FechaHoraHusoGenRegistro se congela al calcular la huella: recalcularla
// después rompería el encadenamiento verificado por la AEAT.
type HuellaParams struct {
	IDEmisorFactura          string // NIF del emisor
	NumSerieFactura          string // Serie + número, formato exacto preservado
	FechaExpedicionFactura   string // YYYY-MM-DD (se reformatea a dd-mm-yyyy)
	TipoRegistro             string // Tipo de factura (altas) o ANULACION
	CuotaTotal               decimal.Decimal
	ImporteTotal             decimal.Decimal
	Huella                   string // Huella del registro anterior; "" si es el primero
	FechaHoraHusoGenRegistro string // ISO-8601 con desplazamiento UTC numérico
}

// HuellaResult es la cadena canónica y su hash.
type HuellaResult struct {
	Canonical string
	Huella    string
}

// HuellaService construye la cadena canónica y calcula la huella SHA-256.
// Puro y sin estado: mismos parámetros → misma cadena y misma huella.
type HuellaService struct{}

// NewHuellaService crea el servicio.
func NewHuellaService() *HuellaService {
	return &HuellaService{}
}

// Calculate genera la cadena canónica y la huella.
//
// Orden estricto de claves:
//
//	IDEmisorFactura & NumSerieFactura & FechaExpedicionFactura & TipoFactura &
//	CuotaTotal & ImporteTotal & Huella & FechaHoraHusoGenRegistro
//
// Importes con 2 decimales, punto decimal y sin separador de miles. Los valores
// no se URL-encodean. Si no hay registro anterior, la clave Huella se emite con
// valor vacío (nunca se omite la clave).
func (s *HuellaService) Calculate(p *HuellaParams) (*HuellaResult, error) {
	if p == nil {
		return nil, fmt.Errorf("verifactu: HuellaParams es obligatorio: %w", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(p.IDEmisorFactura) == "" {
		return nil, fmt.Errorf("verifactu: IDEmisorFactura es obligatorio: %w", domain.ErrInvalidInput)
	}
	if p.NumSerieFactura == "" {
		return nil, fmt.Errorf("verifactu: NumSerieFactura es obligatorio: %w", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(p.TipoRegistro) == "" {
		return nil, fmt.Errorf("verifactu: TipoRegistro es obligatorio: %w", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(p.FechaHoraHusoGenRegistro) == "" {
		return nil, fmt.Errorf("verifactu: FechaHoraHusoGenRegistro es obligatoria: %w", domain.ErrInvalidInput)
	}

	// La fecha malformada es error duro: nunca se sustituye por otra.
	fecha, err := FormatFechaExpedicion(p.FechaExpedicionFactura)
	if err != nil {
		return nil, err
	}

	pairs := []string{
		"IDEmisorFactura=" + strings.TrimSpace(p.IDEmisorFactura),
		"NumSerieFactura=" + p.NumSerieFactura,
		"FechaExpedicionFactura=" + fecha,
		"TipoFactura=" + strings.TrimSpace(p.TipoRegistro),
		"CuotaTotal=" + FormatImporte(p.CuotaTotal),
		"ImporteTotal=" + FormatImporte(p.ImporteTotal),
		"Huella=" + p.Huella,
		"FechaHoraHusoGenRegistro=" + strings.TrimSpace(p.FechaHoraHusoGenRegistro),
	}
	canonical := strings.Join(pairs, "&")

	sum := sha256.Sum256([]byte(canonical))
	return &HuellaResult{
		Canonical: canonical,
		Huella:    strings.ToUpper(hex.EncodeToString(sum[:])),
	}, nil
}

// FormatFechaExpedicion valida una fecha YYYY-MM-DD y la devuelve como dd-mm-yyyy
// (formato de la cadena canónica y del payload AEAT).
func FormatFechaExpedicion(s string) (string, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("verifactu: fecha de expedición %q no válida (se espera YYYY-MM-DD): %w", s, domain.ErrInvalidInput)
	}
	return t.Format("02-01-2006"), nil
}

// FormatImporte formatea importes para la cadena canónica y el payload:
// 2 decimales, punto decimal, sin separador de miles (ej: 1500.00, -3.21).
func FormatImporte(d decimal.Decimal) string {
	return d.Round(2).StringFixed(2)
}

// GenerationTimestamp devuelve la marca temporal ISO-8601 con desplazamiento UTC
// numérico que se embebe en la cadena canónica (ej: 2024-05-01T10:00:00+02:00).
func GenerationTimestamp(t time.Time) string {
	return t.Format("2006-01-02T15:04:05-07:00")
}
