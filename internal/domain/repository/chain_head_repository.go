package repository

import "context"

// ChainHead es la cabeza persistida de la cadena de un emisor: última posición
// asignada y huella del último registro. LastIndex 0 significa cadena vacía.
type ChainHead struct {
	CompanyID   string
	IssuerTaxID string
	LastIndex   int64
	LastHash    string
}

// ChainHeadRepository gestiona la fila contadora por (empresa, emisor NIF).
// LockHead es la sección crítica del motor: entre leer la cabeza y persistir el
// nuevo registro ningún otro escritor puede observar una cabeza obsoleta, por lo
// que la implementación debe bloquear la fila (SELECT ... FOR UPDATE) dentro de
// la transacción del caller. Nunca se reintenta de forma optimista sobre la
// huella: la huella es función pura de la cabeza observada.
type ChainHeadRepository interface {
	// LockHead bloquea (creándola si no existe) la fila de cabeza del emisor y la devuelve.
	LockHead(ctx context.Context, companyID, issuerTaxID string) (*ChainHead, error)
	// UpdateHead avanza la cabeza a la nueva posición y huella.
	UpdateHead(ctx context.Context, companyID, issuerTaxID string, lastIndex int64, lastHash string) error
}
