package domain

import (
	"time"

	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

type MatchType string

const (
	MatchTypeTwoWay   MatchType = "TWO_WAY"
	MatchTypeThreeWay MatchType = "THREE_WAY"
)

// ParseMatchType accepts the canonical names plus the short 2WAY/3WAY forms
// used by older clients. Empty input yields THREE_WAY.
func ParseMatchType(s string) (MatchType, error) {
	switch s {
	case "", string(MatchTypeThreeWay), "3WAY":
		return MatchTypeThreeWay, nil
	case string(MatchTypeTwoWay), "2WAY":
		return MatchTypeTwoWay, nil
	}
	return "", errors.InvalidInput("match_type", "match type must be TWO_WAY or THREE_WAY")
}

type MatchStatus string

const (
	MatchStatusPassed    MatchStatus = "PASSED"
	MatchStatusException MatchStatus = "EXCEPTION"
	MatchStatusBlocked   MatchStatus = "BLOCKED"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

type ExceptionType string

const (
	ExceptionPriceVariance    ExceptionType = "PRICE_VARIANCE"
	ExceptionQuantityMismatch ExceptionType = "QUANTITY_MISMATCH"
	ExceptionNoPO             ExceptionType = "NO_PO"
	ExceptionNoGRN            ExceptionType = "NO_GRN"
	ExceptionInvalidReference ExceptionType = "INVALID_REFERENCE"
	ExceptionFraudBlock       ExceptionType = "FRAUD_BLOCK"
)

type Resolution string

const (
	ResolutionApprovedOverride Resolution = "APPROVED_OVERRIDE"
	ResolutionRejected         Resolution = "REJECTED"
	ResolutionEscalated        Resolution = "ESCALATED"
)

// ParseResolution validates a resolution name.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolutionApprovedOverride, ResolutionRejected, ResolutionEscalated:
		return r, nil
	}
	return "", errors.InvalidInput("resolution", "resolution must be APPROVED_OVERRIDE, REJECTED or ESCALATED")
}

// MatchResult is the immutable outcome of one matching attempt.
type MatchResult struct {
	ID              string      `json:"id"`
	InvoiceID       string      `json:"invoice_id"`
	MatchType       MatchType   `json:"match_type"`
	VariancePercent float64     `json:"variance_percent"`
	Status          MatchStatus `json:"status"`
	Note            string      `json:"note"`
	CreatedAt       time.Time   `json:"created_at"`
}

// MatchException is raised for EXCEPTION and BLOCKED results. It is OPEN
// while Resolution is nil and CLOSED once Resolve succeeds.
type MatchException struct {
	ID              string        `json:"id"`
	MatchResultID   string        `json:"match_result_id"`
	InvoiceID       string        `json:"invoice_id"`
	ExceptionType   ExceptionType `json:"exception_type"`
	Severity        Severity      `json:"severity"`
	Description     string        `json:"description"`
	Resolution      *Resolution   `json:"resolution,omitempty"`
	ResolvedBy      *string       `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	ResolutionNotes *string       `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// IsOpen reports whether the exception still awaits a resolution.
func (e *MatchException) IsOpen() bool { return e.Resolution == nil }

// Resolve closes the exception. Closing is the only permitted mutation and
// happens at most once.
func (e *MatchException) Resolve(resolution Resolution, resolvedBy, notes string, at time.Time) error {
	if !e.IsOpen() {
		return errors.InvalidState("exception %s is already closed (%s)", e.ID, *e.Resolution)
	}
	if _, err := ParseResolution(string(resolution)); err != nil {
		return err
	}
	if resolvedBy == "" {
		return errors.InvalidInput("resolved_by", "resolved_by is required")
	}

	e.Resolution = &resolution
	e.ResolvedBy = &resolvedBy
	e.ResolvedAt = &at
	if notes != "" {
		e.ResolutionNotes = &notes
	}
	return nil
}

// MatchOutcome pairs a result with the exception it raised, if any.
type MatchOutcome struct {
	Result    *MatchResult    `json:"result"`
	Exception *MatchException `json:"exception,omitempty"`
}

// MatchSummary aggregates matching activity.
type MatchSummary struct {
	TotalMatches   int64 `json:"total_matches"`
	Passed         int64 `json:"passed"`
	Exceptions     int64 `json:"exceptions"`
	Blocked        int64 `json:"blocked"`
	OpenExceptions int64 `json:"open_exceptions"`
}

// ── Source documents (owned by domain services, read-only here) ──────────────

// Invoice is the subset of a captured invoice that matching needs.
type Invoice struct {
	ID         string
	Number     string
	POID       *string
	GRNID      *string
	Department string
	Amount     int64 // minor units, before tax
	FraudFlag  bool
	Lines      []InvoiceLine
}

type InvoiceLine struct {
	LineNumber int
	ItemCode   string
	Quantity   float64
	Amount     int64
}

type PurchaseOrder struct {
	ID     string
	Amount int64
	Lines  []OrderLine
}

type OrderLine struct {
	LineNumber int
	ItemCode   string
	Quantity   float64
}

type GoodsReceipt struct {
	ID    string
	POID  string
	Lines []ReceiptLine
}

type ReceiptLine struct {
	LineNumber       int
	ItemCode         string
	ReceivedQuantity float64
}
