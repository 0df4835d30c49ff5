package postgres

import (
	"context"
	"fmt"

	"github.com/jhoicas/verifactu-engine/internal/domain/repository"
)

var _ repository.ChainHeadRepository = (*ChainHeadRepo)(nil)

// ChainHeadRepo implementación de ChainHeadRepository sobre la tabla chain_heads
// (fila contadora por empresa + emisor). Debe construirse con una tx: el FOR
// UPDATE de LockHead no serializa nada fuera de una transacción.
type ChainHeadRepo struct {
	q Querier
}

// NewChainHeadRepository construye el adaptador. Pasar la tx de la sección crítica.
func NewChainHeadRepository(q Querier) *ChainHeadRepo {
	return &ChainHeadRepo{q: q}
}

// LockHead bloquea la fila de cabeza del emisor y la devuelve, creándola con
// índice 0 y huella vacía si la cadena aún no existe. El INSERT con ON CONFLICT
// DO NOTHING seguido del SELECT FOR UPDATE cubre la carrera de dos escritores
// creando la misma cadena a la vez.
func (r *ChainHeadRepo) LockHead(ctx context.Context, companyID, issuerTaxID string) (*repository.ChainHead, error) {
	_, err := r.q.Exec(ctx, `
		INSERT INTO chain_heads (company_id, issuer_tax_id, last_index, last_hash)
		VALUES ($1, $2, 0, '')
		ON CONFLICT (company_id, issuer_tax_id) DO NOTHING`,
		companyID, issuerTaxID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert chain head: %w", err)
	}

	head := &repository.ChainHead{CompanyID: companyID, IssuerTaxID: issuerTaxID}
	err = r.q.QueryRow(ctx, `
		SELECT last_index, last_hash
		FROM chain_heads
		WHERE company_id = $1 AND issuer_tax_id = $2
		FOR UPDATE`,
		companyID, issuerTaxID,
	).Scan(&head.LastIndex, &head.LastHash)
	if err != nil {
		return nil, fmt.Errorf("lock chain head: %w", err)
	}
	return head, nil
}

// UpdateHead avanza la cabeza a la nueva posición y huella.
func (r *ChainHeadRepo) UpdateHead(ctx context.Context, companyID, issuerTaxID string, lastIndex int64, lastHash string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE chain_heads
		SET last_index = $3, last_hash = $4, updated_at = now()
		WHERE company_id = $1 AND issuer_tax_id = $2`,
		companyID, issuerTaxID, lastIndex, lastHash,
	)
	if err != nil {
		return fmt.Errorf("update chain head: %w", err)
	}
	return nil
}
