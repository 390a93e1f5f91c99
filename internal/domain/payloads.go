package domain

// Entity types referenced by events and audit records.
const (
	EntityTypePR             = "PR"
	EntityTypePO             = "PO"
	EntityTypeInvoice        = "INVOICE"
	EntityTypeMatchException = "MATCH_EXCEPTION"
)

// ── Domain service events ────────────────────────────────────────────────────

type PRCreated struct {
	PRID        string `json:"pr_id"`
	Department  string `json:"department,omitempty"`
	Amount      int64  `json:"amount"`
	RequestedBy string `json:"requested_by,omitempty"`
}

func (PRCreated) Topic() Topic         { return TopicPRCreated }
func (p PRCreated) Subject() EntityRef { return EntityRef{Type: EntityTypePR, ID: p.PRID} }
func (p PRCreated) Actor() string      { return actorOr(p.RequestedBy) }

type PRApproved struct {
	PRID       string `json:"pr_id"`
	ApprovedBy string `json:"approved_by,omitempty"`
}

func (PRApproved) Topic() Topic         { return TopicPRApproved }
func (p PRApproved) Subject() EntityRef { return EntityRef{Type: EntityTypePR, ID: p.PRID} }
func (p PRApproved) Actor() string      { return actorOr(p.ApprovedBy) }

type POCreated struct {
	POID       string `json:"po_id"`
	PRID       string `json:"pr_id,omitempty"`
	SupplierID string `json:"supplier_id,omitempty"`
	Amount     int64  `json:"amount"`
	CreatedBy  string `json:"created_by,omitempty"`
}

func (POCreated) Topic() Topic         { return TopicPOCreated }
func (p POCreated) Subject() EntityRef { return EntityRef{Type: EntityTypePO, ID: p.POID} }
func (p POCreated) Actor() string      { return actorOr(p.CreatedBy) }

type InvoiceCaptured struct {
	InvoiceID  string `json:"invoice_id"`
	POID       string `json:"po_id,omitempty"`
	Amount     int64  `json:"amount"`
	CapturedBy string `json:"captured_by,omitempty"`
}

func (InvoiceCaptured) Topic() Topic { return TopicInvoiceCaptured }
func (p InvoiceCaptured) Subject() EntityRef {
	return EntityRef{Type: EntityTypeInvoice, ID: p.InvoiceID}
}
func (p InvoiceCaptured) Actor() string { return actorOr(p.CapturedBy) }

// InvoiceReadyForMatch asks the matching engine to run. An empty MatchType
// means THREE_WAY.
type InvoiceReadyForMatch struct {
	InvoiceID   string    `json:"invoice_id"`
	MatchType   MatchType `json:"match_type,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
}

func (InvoiceReadyForMatch) Topic() Topic { return TopicInvoiceReadyForMatch }
func (p InvoiceReadyForMatch) Subject() EntityRef {
	return EntityRef{Type: EntityTypeInvoice, ID: p.InvoiceID}
}
func (p InvoiceReadyForMatch) Actor() string { return actorOr(p.RequestedBy) }

// InvoiceReadyForApproval asks the workflow engine to open an approval.
// ConfidenceScore comes from an upstream scoring service and may be absent.
type InvoiceReadyForApproval struct {
	InvoiceID       string   `json:"invoice_id"`
	Amount          int64    `json:"amount"`
	Department      string   `json:"department,omitempty"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
	RequestedBy     string   `json:"requested_by,omitempty"`
}

func (InvoiceReadyForApproval) Topic() Topic { return TopicInvoiceReadyForApproval }
func (p InvoiceReadyForApproval) Subject() EntityRef {
	return EntityRef{Type: EntityTypeInvoice, ID: p.InvoiceID}
}
func (p InvoiceReadyForApproval) Actor() string { return actorOr(p.RequestedBy) }

// ── Matching events ──────────────────────────────────────────────────────────

type MatchCompleted struct {
	MatchResultID   string    `json:"match_result_id"`
	InvoiceID       string    `json:"invoice_id"`
	MatchType       MatchType `json:"match_type"`
	VariancePercent float64   `json:"variance_percent"`
}

func (MatchCompleted) Topic() Topic { return TopicMatchCompleted }
func (p MatchCompleted) Subject() EntityRef {
	return EntityRef{Type: EntityTypeInvoice, ID: p.InvoiceID}
}
func (MatchCompleted) Actor() string { return ActorSystem }

type MatchExceptionRaised struct {
	ExceptionID     string        `json:"exception_id"`
	MatchResultID   string        `json:"match_result_id"`
	InvoiceID       string        `json:"invoice_id"`
	MatchType       MatchType     `json:"match_type"`
	Status          MatchStatus   `json:"status"`
	ExceptionType   ExceptionType `json:"exception_type"`
	Severity        Severity      `json:"severity"`
	VariancePercent float64       `json:"variance_percent"`
	Note            string        `json:"note,omitempty"`
}

func (MatchExceptionRaised) Topic() Topic { return TopicMatchException }
func (p MatchExceptionRaised) Subject() EntityRef {
	return EntityRef{Type: EntityTypeInvoice, ID: p.InvoiceID}
}
func (MatchExceptionRaised) Actor() string { return ActorSystem }

type ExceptionResolved struct {
	ExceptionID   string     `json:"exception_id"`
	MatchResultID string     `json:"match_result_id"`
	InvoiceID     string     `json:"invoice_id"`
	InvoiceAmount int64      `json:"invoice_amount"`
	Department    string     `json:"department,omitempty"`
	Resolution    Resolution `json:"resolution"`
	ResolvedBy    string     `json:"resolved_by"`
	Notes         string     `json:"notes,omitempty"`
}

func (ExceptionResolved) Topic() Topic { return TopicExceptionResolved }
func (p ExceptionResolved) Subject() EntityRef {
	return EntityRef{Type: EntityTypeMatchException, ID: p.ExceptionID}
}
func (p ExceptionResolved) Actor() string { return actorOr(p.ResolvedBy) }

// ── Workflow events ──────────────────────────────────────────────────────────

type ApprovalRequested struct {
	InstanceID   string `json:"instance_id"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	Amount       int64  `json:"amount"`
	Department   string `json:"department,omitempty"`
	TotalLevels  int    `json:"total_levels"`
	ApproverRole string `json:"approver_role"`
	RequestedBy  string `json:"requested_by,omitempty"`
}

func (ApprovalRequested) Topic() Topic { return TopicApprovalRequested }
func (p ApprovalRequested) Subject() EntityRef {
	return EntityRef{Type: p.EntityType, ID: p.EntityID}
}
func (p ApprovalRequested) Actor() string { return actorOr(p.RequestedBy) }

// ApprovalApproved is published for every approved step. Terminal is true
// when the step completed the ladder.
type ApprovalApproved struct {
	InstanceID   string         `json:"instance_id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	DecidedLevel int            `json:"decided_level"`
	CurrentLevel int            `json:"current_level"`
	Status       InstanceStatus `json:"status"`
	Terminal     bool           `json:"terminal"`
	Approver     string         `json:"approver"`
	NextRole     string         `json:"next_role,omitempty"`
	AutoApproved bool           `json:"auto_approved,omitempty"`
	Comments     string         `json:"comments,omitempty"`
}

func (ApprovalApproved) Topic() Topic { return TopicApprovalApproved }
func (p ApprovalApproved) Subject() EntityRef {
	return EntityRef{Type: p.EntityType, ID: p.EntityID}
}
func (p ApprovalApproved) Actor() string { return actorOr(p.Approver) }

type ApprovalRejected struct {
	InstanceID   string `json:"instance_id"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	DecidedLevel int    `json:"decided_level"`
	SkippedSteps int    `json:"skipped_steps"`
	Approver     string `json:"approver"`
	Comments     string `json:"comments,omitempty"`
}

func (ApprovalRejected) Topic() Topic { return TopicApprovalRejected }
func (p ApprovalRejected) Subject() EntityRef {
	return EntityRef{Type: p.EntityType, ID: p.EntityID}
}
func (p ApprovalRejected) Actor() string { return actorOr(p.Approver) }

type ApprovalCancelled struct {
	InstanceID  string `json:"instance_id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	CancelledBy string `json:"cancelled_by"`
	Reason      string `json:"reason,omitempty"`
}

func (ApprovalCancelled) Topic() Topic { return TopicApprovalCancelled }
func (p ApprovalCancelled) Subject() EntityRef {
	return EntityRef{Type: p.EntityType, ID: p.EntityID}
}
func (p ApprovalCancelled) Actor() string { return actorOr(p.CancelledBy) }
