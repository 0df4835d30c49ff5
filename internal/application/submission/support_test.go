package submission_test

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/verifactu-engine/internal/application/chain"
	"github.com/jhoicas/verifactu-engine/internal/application/dto"
	"github.com/jhoicas/verifactu-engine/internal/application/submission"
	"github.com/jhoicas/verifactu-engine/internal/domain/entity"
	"github.com/jhoicas/verifactu-engine/internal/domain/repository"
	"github.com/jhoicas/verifactu-engine/internal/infrastructure/aeat"
	"github.com/jhoicas/verifactu-engine/pkg/logger"
)

// Dobles en memoria y entorno compartido por los tests del orquestador y del
// dispatcher. El libro y el constructor de payload son los reales; solo el
// transporte (Submitter) y la persistencia se sustituyen.

const (
	testCompanyID = "c0000000-0000-0000-0000-000000000001"
	testNIF       = "B12345678"
)

type testEnv struct {
	records      *memChainRecordRepo
	submissions  *memSubmissionRepo
	companies    *memCompanyRepo
	ledger       *chain.Ledger
	submitter    *stubSubmitter
	orchestrator *submission.Orchestrator
	dispatcher   *submission.Dispatcher
}

func newTestEnv() *testEnv {
	records := newMemChainRecordRepo()
	heads := newMemChainHeadRepo()
	submissions := &memSubmissionRepo{}
	companies := &memCompanyRepo{companies: map[string]*entity.Company{
		testCompanyID: {
			ID:               testCompanyID,
			Name:             "Aceros del Norte SL",
			TaxID:            testNIF,
			VerifactuEnabled: true,
			SendToAEAT:       true,
		},
	}}
	runner := &memTxRunner{records: records, heads: heads}
	ledger := chain.NewLedger(runner, records, companies)

	builder := aeat.NewPayloadBuilder(aeat.SistemaConfig{
		NombreRazon:      "Software Factura SL",
		NIF:              "B00000000",
		NombreSistema:    "verifactu-engine",
		IDSistema:        "77",
		Version:          "1.0",
		SoloVerifactu:    "S",
		MultiplesOT:      "S",
		IndicadorMultiOT: "N",
	})
	submitter := &stubSubmitter{}
	orchestrator := submission.NewOrchestrator(
		records, submissions, companies, ledger, builder, submitter, 0, logger.Nop(),
	)
	dispatcher := submission.NewDispatcher(records, orchestrator, logger.Nop())

	return &testEnv{
		records:      records,
		submissions:  submissions,
		companies:    companies,
		ledger:       ledger,
		submitter:    submitter,
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
	}
}

// createReadyAlta crea y encadena un alta lista para envío.
func (e *testEnv) createReadyAlta(ctx context.Context, number string) (*entity.ChainRecord, error) {
	return e.ledger.CreateAlta(ctx, testCompanyID, dto.CreateRegistroRequest{
		IssuerTaxID:           testNIF,
		IssuerName:            "Aceros del Norte SL",
		Series:                "FA2024-",
		Number:                number,
		IssueDate:             "2023-11-29",
		InvoiceType:           "F2",
		ClaveRegimen:          "01",
		CalificacionOperacion: "S1",
		Lines: []dto.RegistroLineRequest{
			{
				Description: "Servicio",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   decimal.NewFromInt(100),
				VATRate:     decimal.NewFromInt(21),
			},
		},
	})
}

// ── Submitter de prueba ───────────────────────────────────────────────────────

// stubSubmitter devuelve respuestas programadas en orden FIFO y guarda los
// payloads recibidos.
type stubSubmitter struct {
	mu       sync.Mutex
	results  []*aeat.SubmitResult
	errs     []error
	payloads [][]byte
}

func (s *stubSubmitter) enqueue(result *aeat.SubmitResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	s.errs = append(s.errs, err)
}

func (s *stubSubmitter) Submit(_ context.Context, payload []byte) (*aeat.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	if len(s.results) == 0 {
		// Sin respuesta programada: aceptar todo.
		return acceptedResult(), nil
	}
	result, err := s.results[0], s.errs[0]
	s.results, s.errs = s.results[1:], s.errs[1:]
	return result, err
}

func (s *stubSubmitter) submittedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func acceptedResult() *aeat.SubmitResult {
	return &aeat.SubmitResult{
		EstadoEnvio: aeat.EstadoEnvioCorrecto,
		CSV:         "CSV123456789",
		Lineas:      []aeat.LineaRespuesta{{EstadoRegistro: aeat.EstadoRegistroCorrecto}},
	}
}

// ── repositorios en memoria ───────────────────────────────────────────────────

type memTxRunner struct {
	mu      sync.Mutex
	records *memChainRecordRepo
	heads   *memChainHeadRepo
}

func (t *memTxRunner) RunChain(_ context.Context, fn func(repository.ChainRecordRepository, repository.ChainHeadRepository) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(t.records, t.heads)
}

type memChainRecordRepo struct {
	mu      sync.Mutex
	byID    map[string]*entity.ChainRecord
	ordered []string
}

func newMemChainRecordRepo() *memChainRecordRepo {
	return &memChainRecordRepo{byID: map[string]*entity.ChainRecord{}}
}

func (m *memChainRecordRepo) Create(_ context.Context, r *entity.ChainRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.byID[r.ID] = &cp
	m.ordered = append(m.ordered, r.ID)
	return nil
}

func (m *memChainRecordRepo) GetByID(_ context.Context, id string) (*entity.ChainRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memChainRecordRepo) GetByIdempotencyKey(_ context.Context, companyID, key string) (*entity.ChainRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.ordered {
		r := m.byID[id]
		if r.CompanyID == companyID && r.IdempotencyKey == key {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memChainRecordRepo) Update(_ context.Context, r *entity.ChainRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.byID[r.ID] = &cp
	return nil
}

func (m *memChainRecordRepo) ListChain(_ context.Context, companyID, issuerTaxID string) ([]*entity.ChainRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.ChainRecord
	for _, id := range m.ordered {
		r := m.byID[id]
		if r.CompanyID == companyID && r.IssuerTaxID == issuerTaxID {
			cp := *r
			out = append(out, &cp)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ChainIndex > out[j].ChainIndex; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

func (m *memChainRecordRepo) SelectEligible(_ context.Context, now time.Time, limit int) ([]*entity.ChainRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.ChainRecord
	for _, id := range m.ordered {
		r := m.byID[id]
		if r.Status != entity.RecordStatusReady && r.Status != entity.RecordStatusError {
			continue
		}
		if r.ProcessingAt != nil {
			continue
		}
		if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memChainRecordRepo) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok || r.ProcessingAt != nil {
		return false, nil
	}
	ts := now
	r.ProcessingAt = &ts
	return true, nil
}

type memChainHeadRepo struct {
	mu    sync.Mutex
	heads map[string]*repository.ChainHead
}

func newMemChainHeadRepo() *memChainHeadRepo {
	return &memChainHeadRepo{heads: map[string]*repository.ChainHead{}}
}

func (m *memChainHeadRepo) LockHead(_ context.Context, companyID, issuerTaxID string) (*repository.ChainHead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := companyID + "|" + issuerTaxID
	h, ok := m.heads[key]
	if !ok {
		h = &repository.ChainHead{CompanyID: companyID, IssuerTaxID: issuerTaxID}
		m.heads[key] = h
	}
	cp := *h
	return &cp, nil
}

func (m *memChainHeadRepo) UpdateHead(_ context.Context, companyID, issuerTaxID string, lastIndex int64, lastHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads[companyID+"|"+issuerTaxID] = &repository.ChainHead{
		CompanyID:   companyID,
		IssuerTaxID: issuerTaxID,
		LastIndex:   lastIndex,
		LastHash:    lastHash,
	}
	return nil
}

type memSubmissionRepo struct {
	mu       sync.Mutex
	subs     []*entity.Submission
	countErr error
}

// failNextCount hace fallar la siguiente llamada a CountByRecord.
func (m *memSubmissionRepo) failNextCount(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countErr = err
}

func (m *memSubmissionRepo) Create(_ context.Context, s *entity.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.subs = append(m.subs, &cp)
	return nil
}

func (m *memSubmissionRepo) ListByRecord(_ context.Context, recordID string) ([]*entity.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.Submission
	// Del más reciente al más antiguo.
	for i := len(m.subs) - 1; i >= 0; i-- {
		if m.subs[i].ChainRecordID == recordID {
			cp := *m.subs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSubmissionRepo) CountByRecord(_ context.Context, recordID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		err := m.countErr
		m.countErr = nil
		return 0, err
	}
	count := 0
	for _, s := range m.subs {
		if s.ChainRecordID == recordID {
			count++
		}
	}
	return count, nil
}

type memCompanyRepo struct {
	mu        sync.Mutex
	companies map[string]*entity.Company
	getErr    error
}

// failNextGet hace fallar la siguiente llamada a GetByID.
func (m *memCompanyRepo) failNextGet(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
}

func (m *memCompanyRepo) GetByID(_ context.Context, id string) (*entity.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		err := m.getErr
		m.getErr = nil
		return nil, err
	}
	c, ok := m.companies[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memCompanyRepo) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.companies, id)
}
