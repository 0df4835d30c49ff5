package aeat

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MessageSigner es el cliente externo de firma del mensaje de transporte.
// Este motor no implementa primitivas de firma: se delega por completo.
type MessageSigner interface {
	Sign(payload []byte) ([]byte, error)
}

// SOAPClient implementa Submitter contra el WS VERI*FACTU de la AEAT.
type SOAPClient struct {
	httpClient *http.Client
	endpoint   string
	signer     MessageSigner // opcional; nil = enviar sin firmar (solo pruebas)
}

// NewSOAPClient construye el cliente para el ambiente indicado ("test" | "prod")
// con un timeout de red generoso (60 s): el WS de la AEAT puede tardar varios
// segundos en responder un lote.
func NewSOAPClient(env string, signer MessageSigner) (*SOAPClient, error) {
	var endpoint string
	switch env {
	case AppEnvTest:
		endpoint = soapURLTest
	case AppEnvProd:
		endpoint = soapURLProd
	default:
		return nil, fmt.Errorf("aeat: ambiente %q desconocido (usar test|prod)", env)
	}
	return &SOAPClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		endpoint:   endpoint,
		signer:     signer,
	}, nil
}

// ── Estructuras SOAP ──────────────────────────────────────────────────────────

type soapEnvelope struct {
	XMLName xml.Name `xml:"s:Envelope"`
	XmlnsS  string   `xml:"xmlns:s,attr"`
	Body    soapBody `xml:"s:Body"`
}

type soapBody struct {
	Payload []byte `xml:",innerxml"`
}

type soapResponseEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Respuesta respuestaRegFactu `xml:"RespuestaRegFactuSistemaFacturacion"`
	} `xml:"Body"`
}

type respuestaRegFactu struct {
	CSV            string `xml:"CSV"`
	EstadoEnvio    string `xml:"EstadoEnvio"`
	RespuestaLinea []struct {
		EstadoRegistro           string `xml:"EstadoRegistro"`
		CodigoErrorRegistro      string `xml:"CodigoErrorRegistro"`
		DescripcionErrorRegistro string `xml:"DescripcionErrorRegistro"`
	} `xml:"RespuestaLinea"`
}

// Submit envía el registro al WS y devuelve la respuesta estructurada. Cualquier
// fallo de red, HTTP no-200 o respuesta inparseable se devuelve como error
// (fallo de transporte); el caller programa el reintento.
func (c *SOAPClient) Submit(ctx context.Context, payload []byte) (*SubmitResult, error) {
	body := payload
	if c.signer != nil {
		signed, err := c.signer.Sign(payload)
		if err != nil {
			return nil, fmt.Errorf("aeat: firmar mensaje: %w", err)
		}
		body = signed
	}

	envelope, err := xml.Marshal(soapEnvelope{
		XmlnsS: "http://schemas.xmlsoap.org/soap/envelope/",
		Body:   soapBody{Payload: body},
	})
	if err != nil {
		return nil, fmt.Errorf("aeat: construir envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("aeat: construir request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aeat: enviar al WS: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("aeat: leer respuesta: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("aeat: WS devolvió HTTP %d: %s", resp.StatusCode, truncate(raw, 512))
	}

	var parsed soapResponseEnvelope
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("aeat: respuesta inparseable: %w", err)
	}

	result := &SubmitResult{
		EstadoEnvio: parsed.Body.Respuesta.EstadoEnvio,
		CSV:         parsed.Body.Respuesta.CSV,
		RawResponse: string(raw),
	}
	for _, l := range parsed.Body.Respuesta.RespuestaLinea {
		result.Lineas = append(result.Lineas, LineaRespuesta{
			EstadoRegistro:   l.EstadoRegistro,
			CodigoError:      l.CodigoErrorRegistro,
			DescripcionError: l.DescripcionErrorRegistro,
		})
	}
	return result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
