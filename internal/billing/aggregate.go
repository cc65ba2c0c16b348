package billing

import "time"

// OutstandingBalance sums balance due across the given invoices, skipping
// fully paid ones. Invoices whose paid amount exceeds the total contribute
// zero; the returned count flags how many were clamped so callers can log
// the data-integrity warning.
func OutstandingBalance(invoices []Invoice) (total float64, clamped int) {
	for _, inv := range invoices {
		if inv.Status == StatusPaid {
			continue
		}
		balance := inv.TotalAmount - inv.PaidAmount
		if balance < 0 {
			clamped++
			continue
		}
		total += balance
	}
	return total, clamped
}

// UpcomingDueCount counts issued invoices whose due date is strictly in
// the future. Recomputed on every view, never cached.
func UpcomingDueCount(invoices []Invoice, now time.Time) int {
	count := 0
	for _, inv := range invoices {
		if inv.Status == StatusIssued && inv.DueDate.After(now) {
			count++
		}
	}
	return count
}

// DeriveStatus maps a paid/total pair onto the invoice status. A zero paid
// amount always yields issued, full payment yields paid, anything in
// between yields partial.
func DeriveStatus(paid, total float64) InvoiceStatus {
	switch {
	case paid <= 0:
		return StatusIssued
	case paid >= total:
		return StatusPaid
	default:
		return StatusPartial
	}
}

// StatusLabel renders the parent-facing label for a status. Unknown and
// draft statuses read as "Pending".
func StatusLabel(status InvoiceStatus) string {
	switch status {
	case StatusPaid:
		return "Paid"
	case StatusPartial:
		return "Partial"
	case StatusOverdue:
		return "Overdue"
	case StatusIssued:
		return "Pending"
	default:
		return "Pending"
	}
}

// EffectiveBalance is the balance due after scholarship adjustments,
// clamped at zero.
func EffectiveBalance(inv Invoice, adjustments []ScholarshipAdjustment) float64 {
	balance := inv.TotalAmount - inv.PaidAmount
	for _, adj := range adjustments {
		balance -= adj.Amount
	}
	if balance < 0 {
		return 0
	}
	return balance
}
