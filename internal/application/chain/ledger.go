package chain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jhoicas/verifactu-engine/internal/application/dto"
	"github.com/jhoicas/verifactu-engine/internal/domain"
	"github.com/jhoicas/verifactu-engine/internal/domain/entity"
	"github.com/jhoicas/verifactu-engine/internal/domain/repository"
	"github.com/jhoicas/verifactu-engine/internal/domain/verifactu"
)

// Ledger es el libro encadenado por emisor: asigna posiciones de cadena, calcula
// huellas contra la cabeza observada y persiste registro + cabeza de forma
// atómica.
//
// Sección crítica: entre leer la cabeza y persistir el nuevo registro ningún
// otro escritor puede actuar sobre una cabeza obsoleta. Se serializa por
// (empresa, emisor NIF) con el bloqueo de fila de ChainHeadRepository dentro de
// una única transacción — nunca con reintento optimista sobre la huella, porque
// la huella es función pura de la cabeza observada y no puede recalcularse a
// posteriori sin rehacer la cadena canónica.
type Ledger struct {
	txRunner    TxRunner
	recordRepo  repository.ChainRecordRepository
	companyRepo repository.CompanyRepository
	huella      *verifactu.HuellaService
}

// NewLedger construye el libro con sus dependencias.
func NewLedger(txRunner TxRunner, recordRepo repository.ChainRecordRepository, companyRepo repository.CompanyRepository) *Ledger {
	return &Ledger{
		txRunner:    txRunner,
		recordRepo:  recordRepo,
		companyRepo: companyRepo,
		huella:      verifactu.NewHuellaService(),
	}
}

// CreateAlta valida la petición, agrega el desglose, asigna posición de cadena y
// persiste el registro. Si la empresa tiene la política de auto-encolado activa
// (o la petición trae force) el registro nace en ready; si no, en draft.
//
// Idempotencia: si (empresa, idempotency_key) ya existe, se devuelve el registro
// existente sin consumir posición de cadena. La comprobación ocurre dentro de la
// misma transacción que el bloqueo de cabeza, antes de asignar el hueco.
func (l *Ledger) CreateAlta(ctx context.Context, companyID string, in dto.CreateRegistroRequest) (*entity.ChainRecord, error) {
	if companyID == "" || in.IssuerTaxID == "" || in.Number == "" || in.InvoiceType == "" {
		return nil, domain.ErrInvalidInput
	}
	if len(in.Lines) == 0 {
		return nil, domain.ErrInvalidInput
	}

	company, err := l.companyRepo.GetByID(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if company == nil {
		return nil, domain.ErrNotFound
	}

	rectifiedRef, err := l.resolveRectification(ctx, companyID, in)
	if err != nil {
		return nil, err
	}

	if err := validateLines(in.Lines, rectifiedRef); err != nil {
		return nil, err
	}

	lines := make([]verifactu.InvoiceLine, len(in.Lines))
	for i, ln := range in.Lines {
		lines[i] = verifactu.InvoiceLine{
			Description:     ln.Description,
			Quantity:        ln.Quantity,
			UnitPrice:       ln.UnitPrice,
			VATRate:         ln.VATRate,
			DiscountPercent: ln.DiscountPercent,
		}
	}
	desglose, err := verifactu.Aggregate(lines, in.ClaveRegimen, in.CalificacionOperacion)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	status := entity.RecordStatusDraft
	if in.Force || (company.VerifactuEnabled && company.SendToAEAT) {
		status = entity.RecordStatusReady
	}

	record := &entity.ChainRecord{
		ID:             uuid.New().String(),
		CompanyID:      companyID,
		IssuerTaxID:    strings.TrimSpace(in.IssuerTaxID),
		IssuerName:     in.IssuerName,
		Series:         in.Series,
		Number:         in.Number,
		IssueDate:      in.IssueDate,
		InvoiceType:    in.InvoiceType,
		Description:    in.Description,
		Kind:           entity.RecordKindAlta,
		Status:         status,
		IdempotencyKey: in.IdempotencyKey,
		CuotaTotal:     desglose.CuotaTotal,
		ImporteTotal:   desglose.ImporteTotal,
		Desglose:       desglose.Buckets,
		RectifiedRef:   rectifiedRef,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.Recipient != nil {
		record.Recipient = &entity.Recipient{
			Name:        in.Recipient.Name,
			NIF:         in.Recipient.NIF,
			CountryCode: in.Recipient.CountryCode,
			IDType:      in.Recipient.IDType,
			IDNumber:    in.Recipient.IDNumber,
		}
	}

	return l.append(ctx, record, record.InvoiceType)
}

// AppendAnulacion crea el registro de anulación de original y lo encadena en la
// cabeza ACTUAL del emisor, que puede estar varios registros por delante de la
// factura anulada. mode es el modo de anulación ya determinado por el histórico
// de envíos.
func (l *Ledger) AppendAnulacion(ctx context.Context, original *entity.ChainRecord, mode string) (*entity.ChainRecord, error) {
	if original == nil {
		return nil, domain.ErrInvalidInput
	}
	if original.Kind != entity.RecordKindAlta {
		return nil, fmt.Errorf("solo se anulan registros de alta: %w", domain.ErrInvalidInput)
	}

	now := time.Now()
	record := &entity.ChainRecord{
		ID:          uuid.New().String(),
		CompanyID:   original.CompanyID,
		IssuerTaxID: original.IssuerTaxID,
		IssuerName:  original.IssuerName,
		Series:      original.Series,
		Number:      original.Number,
		IssueDate:   original.IssueDate,
		Kind:        entity.RecordKindAnulacion,
		Status:      entity.RecordStatusReady,
		CuotaTotal:  decimal.Zero,
		ImporteTotal: decimal.Zero,
		CancelledRef: &entity.CancelledRef{
			RecordID:    original.ID,
			IssuerTaxID: original.IssuerTaxID,
			FullNumber:  original.FullNumber(),
			IssueDate:   original.IssueDate,
		},
		CancellationMode: mode,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	return l.append(ctx, record, verifactu.TipoRegistroAnulacion)
}

// append ejecuta la sección crítica: bloqueo de cabeza, idempotencia, huella,
// inserción y avance de cabeza, todo en una transacción.
func (l *Ledger) append(ctx context.Context, record *entity.ChainRecord, tipoRegistro string) (*entity.ChainRecord, error) {
	var result *entity.ChainRecord

	err := l.txRunner.RunChain(ctx, func(records repository.ChainRecordRepository, heads repository.ChainHeadRepository) error {
		head, err := heads.LockHead(ctx, record.CompanyID, record.IssuerTaxID)
		if err != nil {
			return err
		}

		// Idempotencia DENTRO de la sección crítica y ANTES de asignar posición:
		// un duplicado no debe consumir hueco de cadena.
		if record.IdempotencyKey != "" {
			existing, err := records.GetByIdempotencyKey(ctx, record.CompanyID, record.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result = existing
				return nil
			}
		}

		// GeneratedAtOffset se congela aquí, justo antes de calcular la huella,
		// y no vuelve a recalcularse nunca.
		record.GeneratedAtOffset = verifactu.GenerationTimestamp(time.Now())
		record.HuellaAnterior = head.LastHash
		record.ChainIndex = head.LastIndex + 1

		res, err := l.huella.Calculate(&verifactu.HuellaParams{
			IDEmisorFactura:          record.IssuerTaxID,
			NumSerieFactura:          record.FullNumber(),
			FechaExpedicionFactura:   record.IssueDate,
			TipoRegistro:             tipoRegistro,
			CuotaTotal:               record.CuotaTotal,
			ImporteTotal:             record.ImporteTotal,
			Huella:                   record.HuellaAnterior,
			FechaHoraHusoGenRegistro: record.GeneratedAtOffset,
		})
		if err != nil {
			return err
		}
		record.CanonicalString = res.Canonical
		record.Huella = res.Huella

		if err := records.Create(ctx, record); err != nil {
			return err
		}
		if err := heads.UpdateHead(ctx, record.CompanyID, record.IssuerTaxID, record.ChainIndex, record.Huella); err != nil {
			return err
		}
		result = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Queue pasa un registro de draft a ready (acción explícita de encolado).
func (l *Ledger) Queue(ctx context.Context, companyID, recordID string) (*entity.ChainRecord, error) {
	record, err := l.recordRepo.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record == nil || record.CompanyID != companyID {
		return nil, domain.ErrNotFound
	}
	if record.Status != entity.RecordStatusDraft {
		return nil, fmt.Errorf("el registro está en %q, no en draft: %w", record.Status, domain.ErrConflict)
	}
	record.Status = entity.RecordStatusReady
	record.UpdatedAt = time.Now()
	if err := l.recordRepo.Update(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// GetPrevious devuelve el registro con chain_index inmediatamente anterior al
// dado dentro de la cadena de su emisor, o nil si abre cadena.
func (l *Ledger) GetPrevious(ctx context.Context, record *entity.ChainRecord) (*entity.ChainRecord, error) {
	if record.IsFirstInChain() {
		return nil, nil
	}
	all, err := l.recordRepo.ListChain(ctx, record.CompanyID, record.IssuerTaxID)
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.ChainIndex == record.ChainIndex-1 {
			return r, nil
		}
	}
	return nil, fmt.Errorf("no existe el registro %d de la cadena de %s: %w",
		record.ChainIndex-1, record.IssuerTaxID, domain.ErrChainConflict)
}

// VerifyChain recorre la cadena persistida de un emisor comprobando que los
// chain_index son 1..N sin huecos y que cada huella anterior embebida coincide
// con la huella del eslabón previo (y que cada huella es recomputable desde su
// cadena canónica).
func (l *Ledger) VerifyChain(ctx context.Context, companyID, issuerTaxID string) error {
	records, err := l.recordRepo.ListChain(ctx, companyID, issuerTaxID)
	if err != nil {
		return err
	}
	prevHash := ""
	for i, r := range records {
		if r.ChainIndex != int64(i)+1 {
			return fmt.Errorf("hueco en la cadena de %s: se esperaba índice %d y hay %d: %w",
				issuerTaxID, i+1, r.ChainIndex, domain.ErrChainConflict)
		}
		if r.HuellaAnterior != prevHash {
			return fmt.Errorf("huella anterior del índice %d no enlaza con el eslabón previo: %w",
				r.ChainIndex, domain.ErrChainConflict)
		}
		tipo := r.InvoiceType
		if r.Kind == entity.RecordKindAnulacion {
			tipo = verifactu.TipoRegistroAnulacion
		}
		res, err := l.huella.Calculate(&verifactu.HuellaParams{
			IDEmisorFactura:          r.IssuerTaxID,
			NumSerieFactura:          r.FullNumber(),
			FechaExpedicionFactura:   r.IssueDate,
			TipoRegistro:             tipo,
			CuotaTotal:               r.CuotaTotal,
			ImporteTotal:             r.ImporteTotal,
			Huella:                   r.HuellaAnterior,
			FechaHoraHusoGenRegistro: r.GeneratedAtOffset,
		})
		if err != nil {
			return err
		}
		if res.Huella != r.Huella {
			return fmt.Errorf("huella del índice %d no es recomputable desde su cadena canónica: %w",
				r.ChainIndex, domain.ErrChainConflict)
		}
		prevHash = r.Huella
	}
	return nil
}

// resolveRectification valida y captura la instantánea de la factura rectificada.
func (l *Ledger) resolveRectification(ctx context.Context, companyID string, in dto.CreateRegistroRequest) (*entity.RectifiedRef, error) {
	if in.Rectifies == nil {
		return nil, nil
	}
	if in.Rectifies.RectifiedRecordID == "" {
		return nil, fmt.Errorf("rectificativa sin referencia a la factura rectificada: %w", domain.ErrInvalidInput)
	}
	switch in.Rectifies.Type {
	case entity.RectificationSubstitution, entity.RectificationDifference:
	default:
		return nil, fmt.Errorf("tipo de rectificativa %q desconocido: %w", in.Rectifies.Type, domain.ErrInvalidInput)
	}
	rectified, err := l.recordRepo.GetByID(ctx, in.Rectifies.RectifiedRecordID)
	if err != nil {
		return nil, err
	}
	if rectified == nil || rectified.CompanyID != companyID {
		return nil, domain.ErrNotFound
	}
	return &entity.RectifiedRef{
		RecordID:          rectified.ID,
		IssuerTaxID:       rectified.IssuerTaxID,
		FullNumber:        rectified.FullNumber(),
		IssueDate:         rectified.IssueDate,
		RectificationType: in.Rectifies.Type,
	}, nil
}

// validateLines aplica las reglas de signo: los importes negativos solo son
// válidos en rectificativas por diferencias (el total ya es un delta). En altas
// normales y en sustituciones una línea con precio negativo se rechaza.
func validateLines(lines []dto.RegistroLineRequest, ref *entity.RectifiedRef) error {
	allowNegative := ref != nil && ref.RectificationType == entity.RectificationDifference
	for _, ln := range lines {
		if ln.Quantity.IsZero() {
			return fmt.Errorf("línea con cantidad cero: %w", domain.ErrInvalidInput)
		}
		if !allowNegative && ln.UnitPrice.IsNegative() {
			return fmt.Errorf("precio negativo solo permitido en rectificativas por diferencias: %w", domain.ErrInvalidInput)
		}
	}
	return nil
}
