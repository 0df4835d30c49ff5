package dto

// ErrorResponse cuerpo de error HTTP.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// VerifyChainResponse resultado de la verificación de una cadena.
type VerifyChainResponse struct {
	IssuerTaxID string `json:"issuer_tax_id"`
	Valid       bool   `json:"valid"`
	Detail      string `json:"detail,omitempty"`
}
