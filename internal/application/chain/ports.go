package chain

import (
	"context"

	"github.com/jhoicas/verifactu-engine/internal/domain/repository"
)

// TxRunner ejecuta callbacks dentro de una transacción con los repositorios de
// la cadena atados a la tx. El bloqueo de ChainHeadRepository.LockHead solo
// serializa mientras dure esa transacción.
type TxRunner interface {
	RunChain(ctx context.Context, fn func(
		records repository.ChainRecordRepository,
		heads repository.ChainHeadRepository,
	) error) error
}
