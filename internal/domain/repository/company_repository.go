package repository

import (
	"context"

	"github.com/jhoicas/verifactu-engine/internal/domain/entity"
)

// CompanyRepository acceso a los obligados tributarios.
type CompanyRepository interface {
	GetByID(ctx context.Context, id string) (*entity.Company, error)
}
