package verifactu

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/verifactu-engine/internal/domain"
	"github.com/jhoicas/verifactu-engine/internal/domain/entity"
)

// InvoiceLine es una línea de factura ya validada por la capa de entrada.
type InvoiceLine struct {
	Description     string
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	VATRate         decimal.Decimal // porcentaje (21, 10, 4, 0)
	DiscountPercent decimal.Decimal
}

// DesgloseResult agrupa los buckets por tipo impositivo y los totales.
type DesgloseResult struct {
	Buckets      []entity.DesgloseBucket
	CuotaTotal   decimal.Decimal
	ImporteTotal decimal.Decimal
}

// Aggregate agrupa las líneas en buckets (clave régimen, calificación, tipo
// impositivo) y calcula bases y cuotas. La política de redondeo es de contrato:
// la AEAT recalcula los totales de forma independiente, así que cada línea se
// redondea a 2 decimales ANTES de acumular (suma de redondeados, no redondeo
// de la suma).
//
// Por línea:
//
//	bruto     = precio * cantidad
//	descuento = bruto * pctDescuento / 100
//	base      = round(bruto - descuento, 2)
//	cuota     = round(base * tipo / 100, 2)
//
// Los buckets conservan el orden de primera aparición de su clave; sus
// acumulados se redondean a 2 decimales al final.
func Aggregate(lines []InvoiceLine, claveRegimen, calificacion string) (*DesgloseResult, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("verifactu: se requiere al menos una línea: %w", domain.ErrInvalidInput)
	}
	if claveRegimen == "" || calificacion == "" {
		return nil, fmt.Errorf("verifactu: clave de régimen y calificación son obligatorias: %w", domain.ErrInvalidInput)
	}

	cien := decimal.NewFromInt(100)

	type key struct {
		regimen, calificacion, tipo string
	}
	index := make(map[key]int)
	var buckets []entity.DesgloseBucket

	cuotaTotal := decimal.Zero
	importeTotal := decimal.Zero

	for _, ln := range lines {
		bruto := ln.UnitPrice.Mul(ln.Quantity)
		descuento := bruto.Mul(ln.DiscountPercent).Div(cien)
		base := bruto.Sub(descuento).Round(2)
		cuota := base.Mul(ln.VATRate).Div(cien).Round(2)

		k := key{claveRegimen, calificacion, ln.VATRate.String()}
		i, ok := index[k]
		if !ok {
			i = len(buckets)
			index[k] = i
			buckets = append(buckets, entity.DesgloseBucket{
				ClaveRegimen:          claveRegimen,
				CalificacionOperacion: calificacion,
				TipoImpositivo:        ln.VATRate,
			})
		}
		buckets[i].BaseImponible = buckets[i].BaseImponible.Add(base)
		buckets[i].CuotaRepercutida = buckets[i].CuotaRepercutida.Add(cuota)

		cuotaTotal = cuotaTotal.Add(cuota)
		importeTotal = importeTotal.Add(base).Add(cuota)
	}

	for i := range buckets {
		buckets[i].BaseImponible = buckets[i].BaseImponible.Round(2)
		buckets[i].CuotaRepercutida = buckets[i].CuotaRepercutida.Round(2)
	}

	return &DesgloseResult{
		Buckets:      buckets,
		CuotaTotal:   cuotaTotal.Round(2),
		ImporteTotal: importeTotal.Round(2),
	}, nil
}
