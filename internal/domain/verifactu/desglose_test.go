package verifactu_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/verifactu-engine/internal/domain"
	"github.com/jhoicas/verifactu-engine/internal/domain/verifactu"
)

const (
	testClaveRegimen = "01" // Régimen general
	testCalificacion = "S1" // Operación sujeta y no exenta
)

func linea(qty, price, rate, discount float64) verifactu.InvoiceLine {
	return verifactu.InvoiceLine{
		Description:     "línea de prueba",
		Quantity:        decimal.NewFromFloat(qty),
		UnitPrice:       decimal.NewFromFloat(price),
		VATRate:         decimal.NewFromFloat(rate),
		DiscountPercent: decimal.NewFromFloat(discount),
	}
}

// TestAggregate_LineaSimple: cantidad 1, precio 100.00, IVA 21, sin descuento →
// base 100.00, cuota 21.00, total 121.00 (vector de contrato).
func TestAggregate_LineaSimple(t *testing.T) {
	res, err := verifactu.Aggregate(
		[]verifactu.InvoiceLine{linea(1, 100, 21, 0)},
		testClaveRegimen, testCalificacion,
	)
	require.NoError(t, err)

	require.Len(t, res.Buckets, 1)
	b := res.Buckets[0]
	assert.Equal(t, "100.00", b.BaseImponible.StringFixed(2))
	assert.Equal(t, "21.00", b.CuotaRepercutida.StringFixed(2))
	assert.Equal(t, "21.00", res.CuotaTotal.StringFixed(2))
	assert.Equal(t, "121.00", res.ImporteTotal.StringFixed(2))
}

func TestAggregate_DescuentoPorcentual(t *testing.T) {
	// 2 × 50.00 con 10% de descuento → base 90.00, cuota 21% = 18.90
	res, err := verifactu.Aggregate(
		[]verifactu.InvoiceLine{linea(2, 50, 21, 10)},
		testClaveRegimen, testCalificacion,
	)
	require.NoError(t, err)
	assert.Equal(t, "90.00", res.Buckets[0].BaseImponible.StringFixed(2))
	assert.Equal(t, "18.90", res.Buckets[0].CuotaRepercutida.StringFixed(2))
	assert.Equal(t, "108.90", res.ImporteTotal.StringFixed(2))
}

// TestAggregate_RedondeoPorLinea verifica que se suman valores YA redondeados
// por línea, no el redondeo de la suma: la cuota por línea es round(0.3528) =
// 0.35 → 1.05 total; redondear la suma (1.0584) daría 1.06.
func TestAggregate_RedondeoPorLinea(t *testing.T) {
	lines := []verifactu.InvoiceLine{
		linea(1, 1.675, 21, 0),
		linea(1, 1.675, 21, 0),
		linea(1, 1.675, 21, 0),
	}
	res, err := verifactu.Aggregate(lines, testClaveRegimen, testCalificacion)
	require.NoError(t, err)

	// Por línea: base = round(1.675) = 1.68 (mitad hacia arriba), cuota = round(0.3528) = 0.35
	assert.Equal(t, "5.04", res.Buckets[0].BaseImponible.StringFixed(2), "3 × 1.68 sumadas ya redondeadas")
	assert.Equal(t, "1.05", res.Buckets[0].CuotaRepercutida.StringFixed(2), "3 × 0.35 sumadas ya redondeadas")
	assert.Equal(t, "6.09", res.ImporteTotal.StringFixed(2))
}

// TestAggregate_BucketsPorTipoImpositivo verifica la agrupación por tipo y el
// orden de primera aparición.
func TestAggregate_BucketsPorTipoImpositivo(t *testing.T) {
	lines := []verifactu.InvoiceLine{
		linea(1, 100, 21, 0),
		linea(1, 200, 10, 0),
		linea(1, 50, 21, 0),
		linea(1, 30, 4, 0),
	}
	res, err := verifactu.Aggregate(lines, testClaveRegimen, testCalificacion)
	require.NoError(t, err)

	require.Len(t, res.Buckets, 3)
	assert.Equal(t, "21", res.Buckets[0].TipoImpositivo.String(), "el 21% aparece primero")
	assert.Equal(t, "10", res.Buckets[1].TipoImpositivo.String())
	assert.Equal(t, "4", res.Buckets[2].TipoImpositivo.String())

	assert.Equal(t, "150.00", res.Buckets[0].BaseImponible.StringFixed(2), "las dos líneas al 21% se acumulan")
	assert.Equal(t, "31.50", res.Buckets[0].CuotaRepercutida.StringFixed(2))

	// CuotaTotal = 31.50 + 20.00 + 1.20; ImporteTotal = 380 + 52.70
	assert.Equal(t, "52.70", res.CuotaTotal.StringFixed(2))
	assert.Equal(t, "432.70", res.ImporteTotal.StringFixed(2))
}

// TestAggregate_ImportesNegativos: las rectificativas por diferencias llevan
// líneas negativas; el signo se conserva tal cual en bases, cuotas y totales.
func TestAggregate_ImportesNegativos(t *testing.T) {
	res, err := verifactu.Aggregate(
		[]verifactu.InvoiceLine{linea(1, -1, 21, 0)},
		testClaveRegimen, testCalificacion,
	)
	require.NoError(t, err)
	assert.Equal(t, "-1.00", res.Buckets[0].BaseImponible.StringFixed(2))
	assert.Equal(t, "-0.21", res.Buckets[0].CuotaRepercutida.StringFixed(2))
	assert.Equal(t, "-1.21", res.ImporteTotal.StringFixed(2))
}

func TestAggregate_ErrorSinLineas(t *testing.T) {
	_, err := verifactu.Aggregate(nil, testClaveRegimen, testCalificacion)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAggregate_ErrorSinClaveRegimen(t *testing.T) {
	_, err := verifactu.Aggregate(
		[]verifactu.InvoiceLine{linea(1, 100, 21, 0)},
		"", testCalificacion,
	)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
