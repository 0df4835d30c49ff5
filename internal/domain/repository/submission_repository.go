package repository

import (
	"context"

	"github.com/jhoicas/verifactu-engine/internal/domain/entity"
)

// SubmissionRepository persiste el histórico de intentos de envío.
// Solo inserción: las filas nunca se mutan ni se borran.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *entity.Submission) error
	// ListByRecord devuelve los envíos de un registro, más reciente primero.
	ListByRecord(ctx context.Context, chainRecordID string) ([]*entity.Submission, error)
	CountByRecord(ctx context.Context, chainRecordID string) (int, error)
}
