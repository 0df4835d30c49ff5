package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/jhoicas/verifactu-engine/internal/domain"
	"github.com/jhoicas/verifactu-engine/internal/domain/entity"
	"github.com/jhoicas/verifactu-engine/internal/domain/repository"
)

var _ repository.ChainRecordRepository = (*ChainRecordRepo)(nil)

// ChainRecordRepo implementación de ChainRecordRepository (usable con pool o tx).
type ChainRecordRepo struct {
	q Querier
}

// NewChainRecordRepository construye el adaptador. Pasar pool o tx (Querier).
func NewChainRecordRepository(q Querier) *ChainRecordRepo {
	return &ChainRecordRepo{q: q}
}

// desgloseRow forma JSON del desglose en la columna JSONB.
type desgloseRow struct {
	ClaveRegimen          string          `json:"clave_regimen"`
	CalificacionOperacion string          `json:"calificacion_operacion"`
	TipoImpositivo        decimal.Decimal `json:"tipo_impositivo"`
	BaseImponible         decimal.Decimal `json:"base_imponible"`
	CuotaRepercutida      decimal.Decimal `json:"cuota_repercutida"`
}

const recordColumns = `
	id, company_id, issuer_tax_id, issuer_name, series, number, issue_date,
	invoice_type, description, kind, status,
	huella, huella_anterior, chain_index, canonical_string, generated_at_offset,
	idempotency_key, cuota_total, importe_total, desglose,
	recipient_name, recipient_nif, recipient_country, recipient_id_type, recipient_id_number,
	rectified_record_id, rectified_issuer, rectified_number, rectified_issue_date, rectification_type,
	cancelled_record_id, cancelled_issuer, cancelled_number, cancelled_issue_date, cancellation_mode,
	next_attempt_at, processing_at,
	authority_csv, send_status, register_status, error_code, error_message, qr_data,
	created_at, updated_at`

// Create persiste el registro de cadena completo.
func (r *ChainRecordRepo) Create(ctx context.Context, rec *entity.ChainRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	desglose, err := marshalDesglose(rec.Desglose)
	if err != nil {
		return err
	}

	var recipName, recipNIF, recipCountry, recipIDType, recipIDNumber *string
	if rc := rec.Recipient; rc != nil {
		recipName = nullIfEmpty(rc.Name)
		recipNIF = nullIfEmpty(rc.NIF)
		recipCountry = nullIfEmpty(rc.CountryCode)
		recipIDType = nullIfEmpty(rc.IDType)
		recipIDNumber = nullIfEmpty(rc.IDNumber)
	}
	var rectID, rectIssuer, rectNumber, rectDate, rectType *string
	if rf := rec.RectifiedRef; rf != nil {
		rectID, rectIssuer = nullIfEmpty(rf.RecordID), nullIfEmpty(rf.IssuerTaxID)
		rectNumber, rectDate = nullIfEmpty(rf.FullNumber), nullIfEmpty(rf.IssueDate)
		rectType = nullIfEmpty(rf.RectificationType)
	}
	var cancID, cancIssuer, cancNumber, cancDate *string
	if cf := rec.CancelledRef; cf != nil {
		cancID, cancIssuer = nullIfEmpty(cf.RecordID), nullIfEmpty(cf.IssuerTaxID)
		cancNumber, cancDate = nullIfEmpty(cf.FullNumber), nullIfEmpty(cf.IssueDate)
	}

	query := `
		INSERT INTO chain_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19, $20,
		        $21, $22, $23, $24, $25, $26, $27, $28, $29, $30,
		        $31, $32, $33, $34, $35, $36, $37, $38, $39, $40,
		        $41, $42, $43, $44, $45)`
	_, err = r.q.Exec(ctx, query,
		rec.ID, rec.CompanyID, rec.IssuerTaxID, rec.IssuerName, rec.Series, rec.Number, rec.IssueDate,
		nullIfEmpty(rec.InvoiceType), rec.Description, rec.Kind, rec.Status,
		rec.Huella, rec.HuellaAnterior, rec.ChainIndex, rec.CanonicalString, rec.GeneratedAtOffset,
		nullIfEmpty(rec.IdempotencyKey), rec.CuotaTotal, rec.ImporteTotal, desglose,
		recipName, recipNIF, recipCountry, recipIDType, recipIDNumber,
		rectID, rectIssuer, rectNumber, rectDate, rectType,
		cancID, cancIssuer, cancNumber, cancDate, nullIfEmpty(rec.CancellationMode),
		rec.NextAttemptAt, rec.ProcessingAt,
		nullIfEmpty(rec.AuthorityCSV), nullIfEmpty(rec.SendStatus), nullIfEmpty(rec.RegisterStatus),
		nullIfEmpty(rec.ErrorCode), nullIfEmpty(rec.ErrorMessage), nullIfEmpty(rec.QRData),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("registro duplicado (índice de cadena o clave de idempotencia): %w", domain.ErrDuplicate)
		}
		return fmt.Errorf("insert chain record: %w", err)
	}
	return nil
}

// Update actualiza el estado mutable del registro (estado, cola, respuesta AEAT).
// La identidad, la huella y la posición de cadena son inmutables tras Create.
func (r *ChainRecordRepo) Update(ctx context.Context, rec *entity.ChainRecord) error {
	query := `
		UPDATE chain_records
		SET status          = $2,
		    cancellation_mode = COALESCE($3, cancellation_mode),
		    next_attempt_at = $4,
		    processing_at   = $5,
		    authority_csv   = COALESCE($6, authority_csv),
		    send_status     = $7,
		    register_status = $8,
		    error_code      = $9,
		    error_message   = $10,
		    qr_data         = COALESCE($11, qr_data),
		    updated_at      = $12
		WHERE id = $1`
	_, err := r.q.Exec(ctx, query,
		rec.ID, rec.Status, nullIfEmpty(rec.CancellationMode),
		rec.NextAttemptAt, rec.ProcessingAt,
		nullIfEmpty(rec.AuthorityCSV), nullIfEmpty(rec.SendStatus), nullIfEmpty(rec.RegisterStatus),
		nullIfEmpty(rec.ErrorCode), nullIfEmpty(rec.ErrorMessage), nullIfEmpty(rec.QRData),
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update chain record: %w", err)
	}
	return nil
}

// GetByID obtiene un registro completo por ID.
func (r *ChainRecordRepo) GetByID(ctx context.Context, id string) (*entity.ChainRecord, error) {
	row := r.q.QueryRow(ctx, `SELECT `+recordColumns+` FROM chain_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chain record: %w", err)
	}
	return rec, nil
}

// GetByIdempotencyKey devuelve el registro existente para (empresa, clave) o nil.
func (r *ChainRecordRepo) GetByIdempotencyKey(ctx context.Context, companyID, key string) (*entity.ChainRecord, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM chain_records WHERE company_id = $1 AND idempotency_key = $2`,
		companyID, key)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get by idempotency key: %w", err)
	}
	return rec, nil
}

// ListChain devuelve la cadena de un emisor ordenada por chain_index ascendente.
func (r *ChainRecordRepo) ListChain(ctx context.Context, companyID, issuerTaxID string) ([]*entity.ChainRecord, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+recordColumns+` FROM chain_records
		 WHERE company_id = $1 AND issuer_tax_id = $2
		 ORDER BY chain_index`,
		companyID, issuerTaxID)
	if err != nil {
		return nil, fmt.Errorf("list chain: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// SelectEligible devuelve candidatos del dispatcher: ready o error, sin claim,
// con next_attempt_at nulo o vencido; orden updated_at ascendente (los más
// antiguos primero).
func (r *ChainRecordRepo) SelectEligible(ctx context.Context, now time.Time, limit int) ([]*entity.ChainRecord, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+recordColumns+` FROM chain_records
		 WHERE status IN ('ready', 'error')
		   AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   AND processing_at IS NULL
		 ORDER BY updated_at ASC
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("select eligible: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Claim marca el registro como en proceso solo si nadie lo tiene reclamado.
/// El WHERE processing_at IS NULL hace el claim atómico: de dos workers
// concurrentes exactamente uno ve RowsAffected == 1.
func (r *ChainRecordRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.q.Exec(ctx,
		`UPDATE chain_records SET processing_at = $2 WHERE id = $1 AND processing_at IS NULL`,
		id, now)
	if err != nil {
		return false, fmt.Errorf("claim chain record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanRecord(row pgx.Row) (*entity.ChainRecord, error) {
	var rec entity.ChainRecord
	var invoiceType, idemKey *string
	var desgloseJSON []byte
	var recipName, recipNIF, recipCountry, recipIDType, recipIDNumber *string
	var rectID, rectIssuer, rectNumber, rectDate, rectType *string
	var cancID, cancIssuer, cancNumber, cancDate, cancMode *string
	var csv, sendStatus, regStatus, errCode, errMsg, qr *string

	err := row.Scan(
		&rec.ID, &rec.CompanyID, &rec.IssuerTaxID, &rec.IssuerName, &rec.Series, &rec.Number, &rec.IssueDate,
		&invoiceType, &rec.Description, &rec.Kind, &rec.Status,
		&rec.Huella, &rec.HuellaAnterior, &rec.ChainIndex, &rec.CanonicalString, &rec.GeneratedAtOffset,
		&idemKey, &rec.CuotaTotal, &rec.ImporteTotal, &desgloseJSON,
		&recipName, &recipNIF, &recipCountry, &recipIDType, &recipIDNumber,
		&rectID, &rectIssuer, &rectNumber, &rectDate, &rectType,
		&cancID, &cancIssuer, &cancNumber, &cancDate, &cancMode,
		&rec.NextAttemptAt, &rec.ProcessingAt,
		&csv, &sendStatus, &regStatus, &errCode, &errMsg, &qr,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.InvoiceType = deref(invoiceType)
	rec.IdempotencyKey = deref(idemKey)
	rec.CancellationMode = deref(cancMode)
	rec.AuthorityCSV = deref(csv)
	rec.SendStatus = deref(sendStatus)
	rec.RegisterStatus = deref(regStatus)
	rec.ErrorCode = deref(errCode)
	rec.ErrorMessage = deref(errMsg)
	rec.QRData = deref(qr)

	if len(desgloseJSON) > 0 {
		var rows []desgloseRow
		if err := json.Unmarshal(desgloseJSON, &rows); err != nil {
			return nil, fmt.Errorf("decode desglose: %w", err)
		}
		for _, d := range rows {
			rec.Desglose = append(rec.Desglose, entity.DesgloseBucket{
				ClaveRegimen:          d.ClaveRegimen,
				CalificacionOperacion: d.CalificacionOperacion,
				TipoImpositivo:        d.TipoImpositivo,
				BaseImponible:         d.BaseImponible,
				CuotaRepercutida:      d.CuotaRepercutida,
			})
		}
	}
	if recipName != nil || recipNIF != nil || recipIDNumber != nil {
		rec.Recipient = &entity.Recipient{
			Name:        deref(recipName),
			NIF:         deref(recipNIF),
			CountryCode: deref(recipCountry),
			IDType:      deref(recipIDType),
			IDNumber:    deref(recipIDNumber),
		}
	}
	if rectID != nil {
		rec.RectifiedRef = &entity.RectifiedRef{
			RecordID:          deref(rectID),
			IssuerTaxID:       deref(rectIssuer),
			FullNumber:        deref(rectNumber),
			IssueDate:         deref(rectDate),
			RectificationType: deref(rectType),
		}
	}
	if cancID != nil {
		rec.CancelledRef = &entity.CancelledRef{
			RecordID:    deref(cancID),
			IssuerTaxID: deref(cancIssuer),
			FullNumber:  deref(cancNumber),
			IssueDate:   deref(cancDate),
		}
	}
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]*entity.ChainRecord, error) {
	var list []*entity.ChainRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain record: %w", err)
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

func marshalDesglose(buckets []entity.DesgloseBucket) ([]byte, error) {
	rows := make([]desgloseRow, len(buckets))
	for i, b := range buckets {
		rows[i] = desgloseRow{
			ClaveRegimen:          b.ClaveRegimen,
			CalificacionOperacion: b.CalificacionOperacion,
			TipoImpositivo:        b.TipoImpositivo,
			BaseImponible:         b.BaseImponible,
			CuotaRepercutida:      b.CuotaRepercutida,
		}
	}
	out, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode desglose: %w", err)
	}
	return out, nil
}
