package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jhoicas/verifactu-engine/internal/application/chain"
	"github.com/jhoicas/verifactu-engine/internal/domain/repository"
)

// Ensure TxRunner implements chain.TxRunner.
var _ chain.TxRunner = (*TxRunner)(nil)

// TxRunner ejecuta callbacks dentro de una transacción PostgreSQL. El bloqueo
// de cabeza de cadena (SELECT ... FOR UPDATE) solo serializa dentro de una
// transacción, por eso los repos del callback van atados a la tx.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner construye el runner con el pool.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunChain inicia una transacción, ejecuta fn con los repos de cadena atados a
// la tx y hace Commit o Rollback. Si fn falla no queda escritura parcial: el
// registro y el avance de cabeza se confirman juntos o ninguno.
func (r *TxRunner) RunChain(ctx context.Context, fn func(
	records repository.ChainRecordRepository,
	heads repository.ChainHeadRepository,
) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(NewChainRecordRepository(tx), NewChainHeadRepository(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
