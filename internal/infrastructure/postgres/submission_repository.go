package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jhoicas/verifactu-engine/internal/domain/entity"
	"github.com/jhoicas/verifactu-engine/internal/domain/repository"
)

var _ repository.SubmissionRepository = (*SubmissionRepo)(nil)

// SubmissionRepo implementación de SubmissionRepository. La tabla es
// append-only: cada intento de envío deja su propia fila, nunca se actualiza.
type SubmissionRepo struct {
	q Querier
}

func NewSubmissionRepository(q Querier) *SubmissionRepo {
	return &SubmissionRepo{q: q}
}

func (r *SubmissionRepo) Create(ctx context.Context, s *entity.Submission) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	query := `
		INSERT INTO submissions (
			id, chain_record_id, type, status, attempt_number,
			error_code, error_message, request_ref, response_ref, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.q.Exec(ctx, query,
		s.ID, s.ChainRecordID, s.Type, s.Status, s.AttemptNumber,
		nullIfEmpty(s.ErrorCode), nullIfEmpty(s.ErrorMessage),
		nullIfEmpty(s.RequestRef), nullIfEmpty(s.ResponseRef), s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// ListByRecord devuelve el historial de envíos, el más reciente primero.
func (r *SubmissionRepo) ListByRecord(ctx context.Context, chainRecordID string) ([]*entity.Submission, error) {
	query := `
		SELECT id, chain_record_id, type, status, attempt_number,
		       error_code, error_message, request_ref, response_ref, created_at
		FROM submissions
		WHERE chain_record_id = $1
		ORDER BY created_at DESC, attempt_number DESC`
	rows, err := r.q.Query(ctx, query, chainRecordID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var list []*entity.Submission
	for rows.Next() {
		var s entity.Submission
		var errCode, errMsg, reqRef, respRef *string
		if err := rows.Scan(
			&s.ID, &s.ChainRecordID, &s.Type, &s.Status, &s.AttemptNumber,
			&errCode, &errMsg, &reqRef, &respRef, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		s.ErrorCode = deref(errCode)
		s.ErrorMessage = deref(errMsg)
		s.RequestRef = deref(reqRef)
		s.ResponseRef = deref(respRef)
		list = append(list, &s)
	}
	return list, rows.Err()
}

func (r *SubmissionRepo) CountByRecord(ctx context.Context, chainRecordID string) (int, error) {
	var count int
	err := r.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM submissions WHERE chain_record_id = $1`,
		chainRecordID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return count, nil
}
