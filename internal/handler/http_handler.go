package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-p2p-coordinator/internal/audit"
	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/eventbus"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
	"github.com/pesio-ai/be-p2p-coordinator/internal/matching"
	"github.com/pesio-ai/be-p2p-coordinator/internal/workflow"
)

// StatsSource reports bus counters for the health endpoint.
type StatsSource interface {
	Stats() eventbus.Stats
}

// HTTPHandler serves the query and action surface over the three engines.
type HTTPHandler struct {
	workflow *workflow.Engine
	matching *matching.Engine
	audit    *audit.Recorder
	bus      StatsSource
	ping     func(ctx context.Context) error
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. ping may be nil when the
// service runs without a database.
func NewHTTPHandler(wf *workflow.Engine, m *matching.Engine, rec *audit.Recorder, bus StatsSource, ping func(context.Context) error, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		workflow: wf,
		matching: m,
		audit:    rec,
		bus:      bus,
		ping:     ping,
		log:      log.Component("http"),
	}
}

// Health reports liveness, database reachability and bus counters.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy"}
	status := http.StatusOK

	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("health: database ping failed")
			body["status"] = "degraded"
			body["database"] = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	if h.bus != nil {
		body["bus"] = h.bus.Stats()
	}
	writeJSON(w, status, body)
}

// ── Approvals ────────────────────────────────────────────────────────────────

type createApprovalRequest struct {
	EntityType      string   `json:"entity_type"`
	EntityID        string   `json:"entity_id"`
	Amount          int64    `json:"amount"`
	Department      string   `json:"department"`
	RequestedBy     string   `json:"requested_by"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
}

// CreateApproval starts an approval and, when a confidence score is given,
// attempts auto-approval right away.
func (h *HTTPHandler) CreateApproval(w http.ResponseWriter, r *http.Request) {
	var req createApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	inst, err := h.workflow.CreateRequest(r.Context(), workflow.Request{
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Amount:      req.Amount,
		Department:  req.Department,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if req.ConfidenceScore != nil {
		if inst, err = h.workflow.TryAutoApprove(r.Context(), inst.ID, req.ConfidenceScore); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, inst)
}

// GetApprovals returns the latest instance for ?entity_type=&entity_id=.
func (h *HTTPHandler) GetApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	inst, err := h.workflow.GetByEntity(r.Context(), q.Get("entity_type"), q.Get("entity_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// GetApproval returns one instance with its steps. Step status is one of
// WAITING (level not reached yet), PENDING, APPROVED, REJECTED or SKIPPED.
func (h *HTTPHandler) GetApproval(w http.ResponseWriter, r *http.Request) {
	inst, err := h.workflow.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *HTTPHandler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	items, err := h.workflow.ListPending(r.Context(), r.URL.Query().Get("role"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*domain.ApprovalInstance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

type decisionRequest struct {
	ApproverName string `json:"approver_name"`
	Comments     string `json:"comments"`
}

func (h *HTTPHandler) ApproveStep(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	inst, err := h.workflow.ApproveStep(r.Context(), chi.URLParam(r, "id"), req.ApproverName, req.Comments)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *HTTPHandler) RejectStep(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	inst, err := h.workflow.RejectStep(r.Context(), chi.URLParam(r, "id"), req.ApproverName, req.Comments)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type cancelRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (h *HTTPHandler) CancelApproval(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	inst, err := h.workflow.Cancel(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// ── Approval matrix ──────────────────────────────────────────────────────────

func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.workflow.ListRules(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rules == nil {
		rules = []*domain.MatrixRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rules, "count": len(rules)})
}

func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	rule := &domain.MatrixRule{IsActive: true}
	if err := decodeJSON(r, rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.workflow.CreateRule(r.Context(), rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// ── Matching ─────────────────────────────────────────────────────────────────

type runMatchRequest struct {
	InvoiceID string `json:"invoice_id"`
	MatchType string `json:"match_type"`
}

func (h *HTTPHandler) RunMatch(w http.ResponseWriter, r *http.Request) {
	var req runMatchRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	matchType, err := domain.ParseMatchType(req.MatchType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	outcome, err := h.matching.RunMatch(r.Context(), req.InvoiceID, matchType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

func (h *HTTPHandler) ListMatchResults(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	results, err := h.matching.ListResults(r.Context(), r.URL.Query().Get("invoice_id"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []*domain.MatchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": results, "count": len(results)})
}

func (h *HTTPHandler) ListExceptions(w http.ResponseWriter, r *http.Request) {
	openOnly, err := queryBool(r, "open")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items, err := h.matching.ListExceptions(r.Context(), openOnly, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*domain.MatchException{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (h *HTTPHandler) GetException(w http.ResponseWriter, r *http.Request) {
	exc, err := h.matching.GetException(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exc)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes"`
}

func (h *HTTPHandler) ResolveException(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resolution, err := domain.ParseResolution(req.Resolution)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	exc, err := h.matching.ResolveException(r.Context(), chi.URLParam(r, "id"), resolution, req.ResolvedBy, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exc)
}

func (h *HTTPHandler) MatchSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.matching.Summary(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ── Audit ────────────────────────────────────────────────────────────────────

func (h *HTTPHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	filter := domain.AuditFilter{
		SourceModule: optional(r, "source_module"),
		EntityType:   optional(r, "entity_type"),
		EntityID:     optional(r, "entity_id"),
		Limit:        limit,
		Offset:       offset,
	}
	if topic := optional(r, "event_topic"); topic != nil {
		t := domain.Topic(*topic)
		filter.EventTopic = &t
	}

	records, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records, "count": len(records)})
}

func (h *HTTPHandler) AuditSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.audit.Summary(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *HTTPHandler) EntityHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.audit.EntityHistory(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records, "count": len(records)})
}
