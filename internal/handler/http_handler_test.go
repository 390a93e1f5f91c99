package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-p2p-coordinator/internal/audit"
	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
	"github.com/pesio-ai/be-p2p-coordinator/internal/eventbus"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
	"github.com/pesio-ai/be-p2p-coordinator/internal/matching"
	"github.com/pesio-ai/be-p2p-coordinator/internal/repository/memory"
	"github.com/pesio-ai/be-p2p-coordinator/internal/workflow"
)

type testServer struct {
	srv  *httptest.Server
	bus  *eventbus.Bus
	docs *memory.DocumentStore
}

func i64(n int64) *int64 { return &n }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.Nop()
	bus := eventbus.New(log, eventbus.Options{})

	rec := audit.NewRecorder(memory.NewAuditStore(), audit.NewDeadLetter(filepath.Join(t.TempDir(), "dl.jsonl")), audit.Options{}, log)
	require.NoError(t, rec.Register(bus))

	docs := memory.NewDocumentStore()
	m := matching.NewEngine(memory.NewMatchStore(), docs, bus, log)
	require.NoError(t, m.Register(bus))

	wf, err := workflow.NewEngine(memory.NewWorkflowStore(), bus, workflow.Options{MissingScorePolicy: workflow.PolicyRequireHuman}, log)
	require.NoError(t, err)
	require.NoError(t, wf.Register(bus))

	ctx := context.Background()
	for _, rule := range []*domain.MatrixRule{
		{ID: "pr-1", EntityType: "PR", MaxAmount: i64(1_000_000), Level: 1, ApproverRole: "DEPT_HEAD", IsActive: true},
		{ID: "pr-2", EntityType: "PR", MaxAmount: i64(1_000_000), Level: 2, ApproverRole: "FINANCE", IsActive: true},
		{ID: "inv-1", EntityType: "INVOICE", Level: 1, ApproverRole: "AP_MANAGER", IsActive: true},
	} {
		require.NoError(t, wf.CreateRule(ctx, rule))
	}

	h := NewHTTPHandler(wf, m, rec, bus, nil, log)
	srv := httptest.NewServer(NewRouter(h, RouterConfig{AllowedOrigins: []string{"*"}}, log))
	t.Cleanup(func() {
		srv.Close()
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Close(closeCtx)
	})
	return &testServer{srv: srv, bus: bus, docs: docs}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.bus.Flush(ctx))
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	var body map[string]any
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "bus")
}

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	var inst domain.ApprovalInstance
	code := s.do(t, http.MethodPost, "/api/v1/approvals", map[string]any{
		"entity_type": "PR", "entity_id": "PR2024-099", "amount": 450_000, "requested_by": "raj",
	}, &inst)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, 2, inst.TotalLevels)
	assert.Equal(t, domain.InstanceStatusPending, inst.Status)
	require.Len(t, inst.Steps, 2)
	assert.Equal(t, domain.StepStatusPending, inst.Steps[0].Status)
	assert.Equal(t, domain.StepStatusWaiting, inst.Steps[1].Status, "unreached levels are reported as WAITING")

	var pending listResponse[domain.ApprovalInstance]
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/approvals/pending?role=DEPT_HEAD", nil, &pending))
	require.Equal(t, 1, pending.Count)

	code = s.do(t, http.MethodPost, "/api/v1/approvals/"+inst.ID+"/approve", map[string]any{"approver_name": "meera"}, &inst)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, inst.CurrentLevel)

	code = s.do(t, http.MethodPost, "/api/v1/approvals/"+inst.ID+"/approve", map[string]any{"approver_name": "arjun", "comments": "ok"}, &inst)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.InstanceStatusApproved, inst.Status)

	var errResp errorResponse
	code = s.do(t, http.MethodPost, "/api/v1/approvals/"+inst.ID+"/reject", map[string]any{"approver_name": "arjun"}, &errResp)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(errors.ErrCodeInvalidState), errResp.Error.Code)

	var latest domain.ApprovalInstance
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/approvals?entity_type=PR&entity_id=PR2024-099", nil, &latest))
	assert.Equal(t, inst.ID, latest.ID)

	s.flush(t)
	var history listResponse[domain.AuditRecord]
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/audit/entities/PR/PR2024-099", nil, &history))
	assert.Equal(t, 3, history.Count, "requested plus two approvals")
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   errors.Code
	}{
		{"unknown instance", http.MethodGet, "/api/v1/approvals/nope", nil, http.StatusNotFound, errors.ErrCodeNotFound},
		{"no rule", http.MethodPost, "/api/v1/approvals", map[string]any{"entity_type": "PO", "entity_id": "PO-1", "amount": 5}, http.StatusUnprocessableEntity, errors.ErrCodeNoApprovalRule},
		{"bad entity type", http.MethodPost, "/api/v1/approvals", map[string]any{"entity_type": "GRN", "entity_id": "G-1", "amount": 5}, http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"unknown field", http.MethodPost, "/api/v1/approvals", map[string]any{"entity": "PR"}, http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"bad match type", http.MethodPost, "/api/v1/matching/run", map[string]any{"invoice_id": "INV-1", "match_type": "FOUR_WAY"}, http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"unknown invoice", http.MethodPost, "/api/v1/matching/run", map[string]any{"invoice_id": "INV-X"}, http.StatusNotFound, errors.ErrCodeNotFound},
		{"bad open flag", http.MethodGet, "/api/v1/matching/exceptions?open=maybe", nil, http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"bad audit topic", http.MethodGet, "/api/v1/audit?event_topic=invoice.paid", nil, http.StatusBadRequest, errors.ErrCodeInvalidInput},
		{"bad offset", http.MethodGet, "/api/v1/audit?offset=-1", nil, http.StatusBadRequest, errors.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp errorResponse
			assert.Equal(t, tt.status, s.do(t, tt.method, tt.path, tt.body, &resp))
			assert.Equal(t, string(tt.code), resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Message)
		})
	}
}

func TestMatchingEscalationOverHTTP(t *testing.T) {
	s := newTestServer(t)
	po := "PO-1"
	s.docs.PutPurchaseOrder(&domain.PurchaseOrder{ID: po, Amount: 100_000})
	s.docs.PutInvoice(&domain.Invoice{ID: "INV-9", POID: &po, Department: "OPS", Amount: 108_000})

	var outcome domain.MatchOutcome
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/matching/run", map[string]any{
		"invoice_id": "INV-9", "match_type": "TWO_WAY",
	}, &outcome))
	require.NotNil(t, outcome.Exception)
	assert.Equal(t, domain.MatchStatusException, outcome.Result.Status)
	assert.Equal(t, domain.SeverityHigh, outcome.Exception.Severity)

	var open listResponse[domain.MatchException]
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/matching/exceptions?open=true", nil, &open))
	require.Equal(t, 1, open.Count)

	var exc domain.MatchException
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/matching/exceptions/"+outcome.Exception.ID+"/resolve", map[string]any{
		"resolution": "ESCALATED", "resolved_by": "priya",
	}, &exc))
	require.NotNil(t, exc.Resolution)
	assert.Equal(t, domain.ResolutionEscalated, *exc.Resolution)

	s.flush(t)

	var inst domain.ApprovalInstance
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/approvals?entity_type=INVOICE&entity_id=INV-9", nil, &inst))
	assert.Equal(t, int64(108_000), inst.Amount)
	assert.Equal(t, "AP_MANAGER", inst.Steps[0].ApproverRole)

	var sum domain.MatchSummary
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/matching/summary", nil, &sum))
	assert.Equal(t, int64(1), sum.Exceptions)
	assert.Zero(t, sum.OpenExceptions)

	var auditSum domain.AuditSummary
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/audit/summary", nil, &auditSum))
	assert.Equal(t, int64(3), auditSum.TotalEvents, "match.exception, exception.resolved, approval.requested")
}

func TestMatrixRoutes(t *testing.T) {
	s := newTestServer(t)

	var rule domain.MatrixRule
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/matrix", map[string]any{
		"entity_type": "PO", "level": 1, "approver_role": "PROCUREMENT_HEAD",
	}, &rule))
	assert.NotEmpty(t, rule.ID)
	assert.True(t, rule.IsActive)

	var rules listResponse[domain.MatrixRule]
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/matrix", nil, &rules))
	assert.Equal(t, 4, rules.Count)

	var errResp errorResponse
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/matrix", map[string]any{
		"entity_type": "PO", "level": 1, "approver_role": "X", "auto_approve": true,
	}, &errResp))
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, s.srv.URL+"/api/v1/approvals", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://erp.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHTTPStatusAndGRPCCode(t *testing.T) {
	assert.Equal(t, http.StatusConflict, HTTPStatus(errors.ErrCodeConflict))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(errors.ErrCodeUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.ErrCodeConfiguration))
	assert.Equal(t, "FailedPrecondition", GRPCCode(errors.ErrCodeNoApprovalRule).String())
	assert.Equal(t, "NotFound", GRPCCode(errors.ErrCodeNotFound).String())
}
