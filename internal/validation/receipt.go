// Package validation turns loosely trusted model output into a record that is
// either safe to use or clearly marked for a human to check.
package validation

import (
	"fmt"
	"strings"

	"github.com/zombor/kvitto-ocr/internal/scanning"
)

// ValidatedReceipt is the raw record plus the fields derived by validation.
// It is built once by ValidateAndEnhance and not modified afterwards.
type ValidatedReceipt struct {
	scanning.ReceiptData

	CalculatedTotal  *float64 `json:"calculated_total,omitempty"`
	TotalMismatch    bool     `json:"total_mismatch,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
}

// Summary is a one-line description of what needs attention.
func (r *ValidatedReceipt) Summary() string {
	var issues []string
	if r.RequiresManualReview {
		issues = append(issues, "requires manual review")
	}
	if r.TotalMismatch {
		issues = append(issues, "items do not add up")
	}
	if r.ConfidenceScore < 0.8 {
		issues = append(issues, "low confidence")
	}
	if n := len(r.ValidationErrors); n > 0 {
		issues = append(issues, fmt.Sprintf("%d validation errors", n))
	}
	if len(issues) == 0 {
		return "validation OK"
	}
	return strings.Join(issues, ", ")
}
