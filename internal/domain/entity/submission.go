package entity

import "time"

// Tipos de envío a la AEAT.
const (
	SubmissionTypeRegister = "register" // Alta
	SubmissionTypeCancel   = "cancel"   // Anulación
	SubmissionTypeResend   = "resend"   // Reenvío (subsanación)
)

// Estados de un intento de envío.
const (
	SubmissionStatusPending            = "pending"
	SubmissionStatusSent               = "sent"
	SubmissionStatusAccepted           = "accepted"
	SubmissionStatusAcceptedWithErrors = "accepted_with_errors"
	SubmissionStatusRejected           = "rejected"
	SubmissionStatusError              = "error"
)

// Submission es una entrada de auditoría por intento de entrega: se crea una vez
// por intento y nunca se muta ni se borra.
type Submission struct {
	ID            string
	ChainRecordID string
	Type          string // register | cancel | resend
	Status        string
	AttemptNumber int // 1-based, creciente por registro

	ErrorCode    string
	ErrorMessage string

	// Referencias opacas a los artefactos crudos (XML enviado / respuesta).
	RequestRef  string
	ResponseRef string

	CreatedAt time.Time
}
