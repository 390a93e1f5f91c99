package matching

import (
	"fmt"
	"math"
	"strings"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
)

// TolerancePercent is the accepted deviation for amounts and quantities.
const TolerancePercent = 5.0

// criticalVariancePercent is the variance above which an exception is CRITICAL.
const criticalVariancePercent = 10.0

// Documents are the source records one match attempt looks at. PO and GRN are
// nil when the invoice does not reference them or the reference is dangling.
type Documents struct {
	Invoice       *domain.Invoice
	PurchaseOrder *domain.PurchaseOrder
	GoodsReceipt  *domain.GoodsReceipt

	// set when the invoice names a record that could not be found
	MissingPO  bool
	MissingGRN bool
}

type finding struct {
	kind   domain.ExceptionType
	detail string
}

// Evaluation is the pure outcome of comparing documents, before anything is
// persisted. VariancePercent is rounded to two decimals; the tolerance and
// severity checks use the unrounded value.
type Evaluation struct {
	Status          domain.MatchStatus
	VariancePercent float64
	ExceptionType   domain.ExceptionType
	Severity        domain.Severity
	Note            string
}

// Evaluate applies the matching rules. The first finding decides the
// exception type; the note lists all of them. A fraud flag forces BLOCKED
// whatever the variance.
func Evaluate(docs Documents, matchType domain.MatchType) Evaluation {
	inv := docs.Invoice
	var findings []finding
	var variance float64

	switch {
	case inv.POID == nil || *inv.POID == "":
		findings = append(findings, finding{domain.ExceptionNoPO, "invoice does not reference a purchase order"})
	case docs.MissingPO || docs.PurchaseOrder == nil:
		findings = append(findings, finding{domain.ExceptionInvalidReference,
			fmt.Sprintf("purchase order %s not found", *inv.POID)})
	case docs.PurchaseOrder.Amount <= 0:
		findings = append(findings, finding{domain.ExceptionInvalidReference,
			fmt.Sprintf("purchase order %s has non-positive amount %d", docs.PurchaseOrder.ID, docs.PurchaseOrder.Amount)})
	default:
		variance = VariancePercent(inv.Amount, docs.PurchaseOrder.Amount)
		if math.Abs(variance) > TolerancePercent {
			findings = append(findings, finding{domain.ExceptionPriceVariance,
				fmt.Sprintf("amount variance %.2f%% exceeds %.0f%% tolerance", variance, TolerancePercent)})
		}
	}

	if matchType == domain.MatchTypeThreeWay {
		switch {
		case inv.GRNID == nil || *inv.GRNID == "" || docs.MissingGRN || docs.GoodsReceipt == nil:
			findings = append(findings, finding{domain.ExceptionNoGRN, "no goods receipt for three-way match"})
		case docs.PurchaseOrder != nil:
			for _, d := range lineMismatches(docs.PurchaseOrder, docs.GoodsReceipt, inv) {
				findings = append(findings, finding{domain.ExceptionQuantityMismatch, d})
			}
		}
	}

	ev := Evaluation{Status: domain.MatchStatusPassed, VariancePercent: RoundPercent(variance)}

	if inv.FraudFlag {
		findings = append([]finding{{domain.ExceptionFraudBlock, "invoice carries a fraud flag"}}, findings...)
		ev.Status = domain.MatchStatusBlocked
	} else if len(findings) > 0 {
		ev.Status = domain.MatchStatusException
	}

	if len(findings) == 0 {
		ev.Note = fmt.Sprintf("%s match within %.0f%% tolerance (variance %.2f%%)", matchType, TolerancePercent, ev.VariancePercent)
		return ev
	}

	notes := make([]string, len(findings))
	for i, f := range findings {
		notes[i] = f.detail
	}
	ev.Note = strings.Join(notes, "; ")
	ev.ExceptionType = findings[0].kind
	ev.Severity = SeverityFor(ev.Status, variance)
	return ev
}

// VariancePercent is (invoice - order) / order * 100, unrounded.
func VariancePercent(invoiceAmount, orderAmount int64) float64 {
	return float64(invoiceAmount-orderAmount) * 100 / float64(orderAmount)
}

// RoundPercent rounds a percentage to two decimals for storage and display.
func RoundPercent(v float64) float64 {
	return math.Round(v*100) / 100
}

// SeverityFor derives exception severity: BLOCKED or more than 10% is
// CRITICAL, more than 5% is HIGH, anything else MEDIUM.
func SeverityFor(status domain.MatchStatus, variance float64) domain.Severity {
	abs := math.Abs(variance)
	switch {
	case status == domain.MatchStatusBlocked || abs > criticalVariancePercent:
		return domain.SeverityCritical
	case abs > TolerancePercent:
		return domain.SeverityHigh
	default:
		return domain.SeverityMedium
	}
}

// lineMismatches compares ordered, received and invoiced quantity per order
// line. Lines are paired by line number, falling back to item code.
func lineMismatches(po *domain.PurchaseOrder, grn *domain.GoodsReceipt, inv *domain.Invoice) []string {
	var out []string
	for _, ol := range po.Lines {
		rl := findReceiptLine(grn.Lines, ol)
		il := findInvoiceLine(inv.Lines, ol)

		switch {
		case rl == nil:
			out = append(out, fmt.Sprintf("line %d (%s): not received", ol.LineNumber, ol.ItemCode))
			continue
		case il == nil:
			out = append(out, fmt.Sprintf("line %d (%s): not invoiced", ol.LineNumber, ol.ItemCode))
			continue
		}

		if !withinTolerance(rl.ReceivedQuantity, ol.Quantity) {
			out = append(out, fmt.Sprintf("line %d (%s): received %g vs ordered %g",
				ol.LineNumber, ol.ItemCode, rl.ReceivedQuantity, ol.Quantity))
		}
		if !withinTolerance(il.Quantity, rl.ReceivedQuantity) {
			out = append(out, fmt.Sprintf("line %d (%s): invoiced %g vs received %g",
				ol.LineNumber, ol.ItemCode, il.Quantity, rl.ReceivedQuantity))
		}
	}
	return out
}

func findReceiptLine(lines []domain.ReceiptLine, ol domain.OrderLine) *domain.ReceiptLine {
	for i := range lines {
		if lines[i].LineNumber == ol.LineNumber {
			return &lines[i]
		}
	}
	for i := range lines {
		if ol.ItemCode != "" && lines[i].ItemCode == ol.ItemCode {
			return &lines[i]
		}
	}
	return nil
}

func findInvoiceLine(lines []domain.InvoiceLine, ol domain.OrderLine) *domain.InvoiceLine {
	for i := range lines {
		if lines[i].LineNumber == ol.LineNumber {
			return &lines[i]
		}
	}
	for i := range lines {
		if ol.ItemCode != "" && lines[i].ItemCode == ol.ItemCode {
			return &lines[i]
		}
	}
	return nil
}

// withinTolerance reports whether got deviates from want by at most
// TolerancePercent of want.
func withinTolerance(got, want float64) bool {
	if want == 0 {
		return got == 0
	}
	return math.Abs(got-want) <= math.Abs(want)*TolerancePercent/100
}
