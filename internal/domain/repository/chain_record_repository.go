package repository

import (
	"context"
	"time"

	"github.com/jhoicas/verifactu-engine/internal/domain/entity"
)

// ChainRecordRepository persiste los registros de la cadena.
type ChainRecordRepository interface {
	Create(ctx context.Context, record *entity.ChainRecord) error
	GetByID(ctx context.Context, id string) (*entity.ChainRecord, error)
	// GetByIdempotencyKey devuelve el registro existente para (empresa, clave) o nil.
	GetByIdempotencyKey(ctx context.Context, companyID, key string) (*entity.ChainRecord, error)
	Update(ctx context.Context, record *entity.ChainRecord) error
	// ListChain devuelve los registros de un emisor ordenados por chain_index ascendente.
	ListChain(ctx context.Context, companyID, issuerTaxID string) ([]*entity.ChainRecord, error)

	// SelectEligible devuelve candidatos para el dispatcher: status ready o error,
	// next_attempt_at nulo o vencido, sin claim activo; orden updated_at ascendente.
	SelectEligible(ctx context.Context, now time.Time, limit int) ([]*entity.ChainRecord, error)
	// Claim intenta el marcado exclusivo (processing_at=now WHERE processing_at IS NULL).
	// Devuelve false si otro worker ganó la carrera.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
}
