package aeat

import (
	"context"
	"fmt"
	"time"
)

var _ Submitter = (*DevSubmitter)(nil)

// DevSubmitter simula la respuesta del WS AEAT en ambiente local: acepta todo
// con un CSV sintético. No hay llamada de red.
type DevSubmitter struct{}

func NewDevSubmitter() *DevSubmitter {
	return &DevSubmitter{}
}

func (s *DevSubmitter) Submit(_ context.Context, _ []byte) (*SubmitResult, error) {
	return &SubmitResult{
		EstadoEnvio: EstadoEnvioCorrecto,
		CSV:         fmt.Sprintf("DEV%d", time.Now().UnixNano()),
		Lineas: []LineaRespuesta{
			{EstadoRegistro: EstadoRegistroCorrecto},
		},
	}, nil
}
