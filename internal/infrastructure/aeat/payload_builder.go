package aeat

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/jhoicas/verifactu-engine/internal/domain"
	"github.com/jhoicas/verifactu-engine/internal/domain/entity"
	"github.com/jhoicas/verifactu-engine/internal/domain/verifactu"
)

// IDVersion del esquema de registro VERI*FACTU.
const IDVersion = "1.0"

// Tipos de factura sin destinatario (familia simplificada/ticket). Aunque la
// entrada traiga destinatario, el payload lo omite.
var tiposSinDestinatario = map[string]bool{
	"F2": true,
	"R5": true,
}

// SistemaConfig bloque de identificación del sistema informático de facturación.
// Se resuelve una vez por proceso desde la configuración; nunca se muta en runtime.
type SistemaConfig struct {
	NombreRazon      string
	NIF              string
	NombreSistema    string
	IDSistema        string
	Version          string
	SoloVerifactu    string // "S" | "N"
	MultiplesOT      string // "S" | "N"
	IndicadorMultiOT string // "S" | "N"
}

// ── Estructuras del payload (esquema SuministroInformacion) ──────────────────

type idFactura struct {
	IDEmisorFactura        string `xml:"IDEmisorFactura"`
	NumSerieFactura        string `xml:"NumSerieFactura"`
	FechaExpedicionFactura string `xml:"FechaExpedicionFactura"` // dd-mm-yyyy
}

type idFacturaAnulada struct {
	IDEmisorFacturaAnulada        string `xml:"IDEmisorFacturaAnulada"`
	NumSerieFacturaAnulada        string `xml:"NumSerieFacturaAnulada"`
	FechaExpedicionFacturaAnulada string `xml:"FechaExpedicionFacturaAnulada"`
}

type idDestinatario struct {
	NombreRazon string  `xml:"NombreRazon"`
	NIF         string  `xml:"NIF,omitempty"`
	IDOtro      *idOtro `xml:"IDOtro,omitempty"`
}

type idOtro struct {
	CodigoPais string `xml:"CodigoPais"`
	IDType     string `xml:"IDType"`
	ID         string `xml:"ID"`
}

type destinatarios struct {
	IDDestinatario []idDestinatario `xml:"IDDestinatario"`
}

type facturaRectificada struct {
	IDEmisorFactura        string `xml:"IDEmisorFactura"`
	NumSerieFactura        string `xml:"NumSerieFactura"`
	FechaExpedicionFactura string `xml:"FechaExpedicionFactura"`
}

type facturasRectificadas struct {
	IDFacturaRectificada []facturaRectificada `xml:"IDFacturaRectificada"`
}

type importeRectificacion struct {
	BaseRectificada    string `xml:"BaseRectificada"`
	CuotaRectificada   string `xml:"CuotaRectificada"`
	ImporteRectificado string `xml:"ImporteRectificado"`
}

type detalleDesglose struct {
	ClaveRegimen          string `xml:"ClaveRegimen"`
	CalificacionOperacion string `xml:"CalificacionOperacion"`
	TipoImpositivo        string `xml:"TipoImpositivo"`
	BaseImponible         string `xml:"BaseImponibleOimporteNoSujeto"`
	CuotaRepercutida      string `xml:"CuotaRepercutida"`
}

type desglose struct {
	DetalleDesglose []detalleDesglose `xml:"DetalleDesglose"`
}

type registroAnterior struct {
	IDEmisorFactura        string `xml:"IDEmisorFactura"`
	NumSerieFactura        string `xml:"NumSerieFactura"`
	FechaExpedicionFactura string `xml:"FechaExpedicionFactura"`
	Huella                 string `xml:"Huella"`
}

type encadenamiento struct {
	PrimerRegistro   string            `xml:"PrimerRegistro,omitempty"` // "S" si abre cadena
	RegistroAnterior *registroAnterior `xml:"RegistroAnterior,omitempty"`
}

type sistemaInformatico struct {
	NombreRazon                 string `xml:"NombreRazon"`
	NIF                         string `xml:"NIF"`
	NombreSistemaInformatico    string `xml:"NombreSistemaInformatico"`
	IdSistemaInformatico        string `xml:"IdSistemaInformatico"`
	Version                     string `xml:"Version"`
	NumeroInstalacion           string `xml:"NumeroInstalacion"`
	TipoUsoPosibleSoloVerifactu string `xml:"TipoUsoPosibleSoloVerifactu"`
	TipoUsoPosibleMultiOT       string `xml:"TipoUsoPosibleMultiOT"`
	IndicadorMultiplesOT        string `xml:"IndicadorMultiplesOT"`
}

type registroAlta struct {
	XMLName                  xml.Name              `xml:"RegistroAlta"`
	IDVersion                string                `xml:"IDVersion"`
	IDFactura                idFactura             `xml:"IDFactura"`
	NombreRazonEmisor        string                `xml:"NombreRazonEmisor"`
	TipoFactura              string                `xml:"TipoFactura"`
	TipoRectificativa        string                `xml:"TipoRectificativa,omitempty"` // S | I
	FacturasRectificadas     *facturasRectificadas `xml:"FacturasRectificadas,omitempty"`
	ImporteRectificacion     *importeRectificacion `xml:"ImporteRectificacion,omitempty"`
	DescripcionOperacion     string                `xml:"DescripcionOperacion"`
	Destinatarios            *destinatarios        `xml:"Destinatarios,omitempty"`
	Desglose                 desglose              `xml:"Desglose"`
	CuotaTotal               string                `xml:"CuotaTotal"`
	ImporteTotal             string                `xml:"ImporteTotal"`
	Encadenamiento           encadenamiento        `xml:"Encadenamiento"`
	SistemaInformatico       sistemaInformatico    `xml:"SistemaInformatico"`
	FechaHoraHusoGenRegistro string                `xml:"FechaHoraHusoGenRegistro"`
	TipoHuella               string                `xml:"TipoHuella"`
	Huella                   string                `xml:"Huella"`
}

type registroAnulacion struct {
	XMLName                  xml.Name           `xml:"RegistroAnulacion"`
	IDVersion                string             `xml:"IDVersion"`
	IDFactura                idFacturaAnulada   `xml:"IDFactura"`
	Encadenamiento           encadenamiento     `xml:"Encadenamiento"`
	SistemaInformatico       sistemaInformatico `xml:"SistemaInformatico"`
	FechaHoraHusoGenRegistro string             `xml:"FechaHoraHusoGenRegistro"`
	TipoHuella               string             `xml:"TipoHuella"`
	Huella                   string             `xml:"Huella"`
}

// ── Builder ───────────────────────────────────────────────────────────────────

// PayloadBuilder ensambla el payload AEAT de un registro (alta o anulación) a
// partir del registro persistido, el registro anterior de la cadena (nil si
// abre cadena) y la configuración del sistema informático.
type PayloadBuilder struct {
	sistema SistemaConfig
}

// NewPayloadBuilder crea el builder con el bloque de sistema resuelto por proceso.
func NewPayloadBuilder(sistema SistemaConfig) *PayloadBuilder {
	return &PayloadBuilder{sistema: sistema}
}

// Build genera el XML del registro. prev es el registro con chain_index
// inmediatamente anterior del mismo emisor, o nil si este registro abre la cadena.
func (b *PayloadBuilder) Build(record *entity.ChainRecord, company *entity.Company, prev *entity.ChainRecord) ([]byte, error) {
	if record == nil || company == nil {
		return nil, fmt.Errorf("aeat: se requieren registro y empresa: %w", domain.ErrInvalidInput)
	}

	enc, err := b.buildEncadenamiento(record, prev)
	if err != nil {
		return nil, err
	}

	var doc any
	switch record.Kind {
	case entity.RecordKindAlta:
		doc, err = b.buildAlta(record, company, enc)
	case entity.RecordKindAnulacion:
		doc, err = b.buildAnulacion(record, company, enc)
	default:
		err = fmt.Errorf("aeat: tipo de registro %q desconocido: %w", record.Kind, domain.ErrInvalidInput)
	}
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	e := xml.NewEncoder(&buf)
	e.Indent("", "  ")
	if err := e.Encode(doc); err != nil {
		return nil, fmt.Errorf("aeat: serializar payload: %w", err)
	}
	if err := e.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *PayloadBuilder) buildAlta(record *entity.ChainRecord, company *entity.Company, enc encadenamiento) (*registroAlta, error) {
	fecha, err := verifactu.FormatFechaExpedicion(record.IssueDate)
	if err != nil {
		return nil, err
	}

	alta := &registroAlta{
		IDVersion: IDVersion,
		IDFactura: idFactura{
			IDEmisorFactura:        record.IssuerTaxID,
			NumSerieFactura:        record.FullNumber(),
			FechaExpedicionFactura: fecha,
		},
		NombreRazonEmisor:        record.IssuerName,
		TipoFactura:              record.InvoiceType,
		DescripcionOperacion:     record.Description,
		CuotaTotal:               verifactu.FormatImporte(record.CuotaTotal),
		ImporteTotal:             verifactu.FormatImporte(record.ImporteTotal),
		Encadenamiento:           enc,
		SistemaInformatico:       b.buildSistema(company),
		FechaHoraHusoGenRegistro: record.GeneratedAtOffset,
		TipoHuella:               verifactu.TipoHuella,
		Huella:                   record.Huella,
	}

	for _, bk := range record.Desglose {
		alta.Desglose.DetalleDesglose = append(alta.Desglose.DetalleDesglose, detalleDesglose{
			ClaveRegimen:          bk.ClaveRegimen,
			CalificacionOperacion: bk.CalificacionOperacion,
			TipoImpositivo:        verifactu.FormatImporte(bk.TipoImpositivo),
			BaseImponible:         verifactu.FormatImporte(bk.BaseImponible),
			CuotaRepercutida:      verifactu.FormatImporte(bk.CuotaRepercutida),
		})
	}

	if dest := b.buildDestinatario(record); dest != nil {
		alta.Destinatarios = dest
	}

	if err := b.applyRectificacion(alta, record); err != nil {
		return nil, err
	}
	return alta, nil
}

// buildDestinatario resuelve el bloque de destinatario: NIF si existe, si no la
// identidad extranjera completa. Los tipos simplificados (F2, R5) no llevan
// destinatario aunque la entrada lo traiga; su ausencia se tolera siempre.
func (b *PayloadBuilder) buildDestinatario(record *entity.ChainRecord) *destinatarios {
	if tiposSinDestinatario[record.InvoiceType] {
		return nil
	}
	r := record.Recipient
	if r == nil {
		return nil
	}
	switch {
	case strings.TrimSpace(r.NIF) != "":
		return &destinatarios{IDDestinatario: []idDestinatario{{
			NombreRazon: r.Name,
			NIF:         r.NIF,
		}}}
	case r.CountryCode != "" && r.IDType != "" && r.IDNumber != "":
		return &destinatarios{IDDestinatario: []idDestinatario{{
			NombreRazon: r.Name,
			IDOtro: &idOtro{
				CodigoPais: r.CountryCode,
				IDType:     r.IDType,
				ID:         r.IDNumber,
			},
		}}}
	default:
		return nil
	}
}

// applyRectificacion emite el bloque rectificativo. En sustitución (S) el bloque
// ImporteRectificacion replica los totales de la nueva factura; en diferencias
// (I) se omite por completo: los totales ya son el delta y duplicarlos lo
// contaría dos veces.
func (b *PayloadBuilder) applyRectificacion(alta *registroAlta, record *entity.ChainRecord) error {
	ref := record.RectifiedRef
	if ref == nil {
		return nil
	}
	fecha, err := verifactu.FormatFechaExpedicion(ref.IssueDate)
	if err != nil {
		return err
	}
	alta.FacturasRectificadas = &facturasRectificadas{
		IDFacturaRectificada: []facturaRectificada{{
			IDEmisorFactura:        ref.IssuerTaxID,
			NumSerieFactura:        ref.FullNumber,
			FechaExpedicionFactura: fecha,
		}},
	}
	switch ref.RectificationType {
	case entity.RectificationSubstitution:
		alta.TipoRectificativa = "S"
		base := record.ImporteTotal.Sub(record.CuotaTotal)
		alta.ImporteRectificacion = &importeRectificacion{
			BaseRectificada:    verifactu.FormatImporte(base),
			CuotaRectificada:   verifactu.FormatImporte(record.CuotaTotal),
			ImporteRectificado: verifactu.FormatImporte(record.ImporteTotal),
		}
	case entity.RectificationDifference:
		alta.TipoRectificativa = "I"
	default:
		return fmt.Errorf("aeat: tipo de rectificativa %q desconocido: %w", ref.RectificationType, domain.ErrInvalidInput)
	}
	return nil
}

func (b *PayloadBuilder) buildAnulacion(record *entity.ChainRecord, company *entity.Company, enc encadenamiento) (*registroAnulacion, error) {
	ref := record.CancelledRef
	if ref == nil {
		return nil, fmt.Errorf("aeat: una anulación requiere referencia a la factura anulada: %w", domain.ErrInvalidInput)
	}
	// La identidad del bloque es la de la factura ANULADA, no la del registro de anulación.
	fecha, err := verifactu.FormatFechaExpedicion(ref.IssueDate)
	if err != nil {
		return nil, err
	}
	return &registroAnulacion{
		IDVersion: IDVersion,
		IDFactura: idFacturaAnulada{
			IDEmisorFacturaAnulada:        ref.IssuerTaxID,
			NumSerieFacturaAnulada:        ref.FullNumber,
			FechaExpedicionFacturaAnulada: fecha,
		},
		Encadenamiento:           enc,
		SistemaInformatico:       b.buildSistema(company),
		FechaHoraHusoGenRegistro: record.GeneratedAtOffset,
		TipoHuella:               verifactu.TipoHuella,
		Huella:                   record.Huella,
	}, nil
}

func (b *PayloadBuilder) buildEncadenamiento(record *entity.ChainRecord, prev *entity.ChainRecord) (encadenamiento, error) {
	if record.IsFirstInChain() {
		return encadenamiento{PrimerRegistro: "S"}, nil
	}
	if prev == nil {
		return encadenamiento{}, fmt.Errorf("aeat: falta el registro anterior para chain_index %d: %w",
			record.ChainIndex, domain.ErrChainConflict)
	}
	if prev.Huella != record.HuellaAnterior {
		return encadenamiento{}, fmt.Errorf("aeat: la huella anterior no coincide con el registro %d de la cadena: %w",
			prev.ChainIndex, domain.ErrChainConflict)
	}
	fecha, err := verifactu.FormatFechaExpedicion(prev.IssueDate)
	if err != nil {
		return encadenamiento{}, err
	}
	return encadenamiento{RegistroAnterior: &registroAnterior{
		IDEmisorFactura:        prev.IssuerTaxID,
		NumSerieFactura:        prev.FullNumber(),
		FechaExpedicionFactura: fecha,
		Huella:                 prev.Huella,
	}}, nil
}

func (b *PayloadBuilder) buildSistema(company *entity.Company) sistemaInformatico {
	return sistemaInformatico{
		NombreRazon:                 b.sistema.NombreRazon,
		NIF:                         b.sistema.NIF,
		NombreSistemaInformatico:    b.sistema.NombreSistema,
		IdSistemaInformatico:        b.sistema.IDSistema,
		Version:                     b.sistema.Version,
		NumeroInstalacion:           InstallationNumber(company),
		TipoUsoPosibleSoloVerifactu: b.sistema.SoloVerifactu,
		TipoUsoPosibleMultiOT:       b.sistema.MultiplesOT,
		IndicadorMultiplesOT:        b.sistema.IndicadorMultiOT,
	}
}

// InstallationNumber devuelve el número de instalación declarado de la empresa
// o, si no hay, uno derivado de forma determinista del ID de empresa: sus
// dígitos finales rellenados con ceros a la izquierda hasta 4 posiciones.
func InstallationNumber(company *entity.Company) string {
	if company.InstallationNumber != "" {
		return company.InstallationNumber
	}
	var digits []rune
	for _, r := range company.ID {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	s := string(digits)
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	for len(s) < 4 {
		s = "0" + s
	}
	return s
}
