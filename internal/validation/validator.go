package validation

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/zombor/kvitto-ocr/internal/scanning"
)

const (
	invalidDateConfidenceCap     = 0.7
	unknownCurrencyConfidenceCap = 0.8
	mismatchTolerance            = 0.01
	minMerchantLength            = 2
)

// Rules holds the tunable parts of validation.
type Rules struct {
	Disabled      bool     // pass records through without checks
	Strict        bool     // a missing date counts as invalid
	MinConfidence float64  // below this a record needs review
	MaxAmount     float64  // totals above this are unrealistic
	Currencies    []string // accepted currencies; the first is the fallback
	MinYear       int      // dates must fall strictly after this year
}

// DefaultRules returns the default validation settings.
func DefaultRules() Rules {
	return Rules{
		MinConfidence: 0.7,
		MaxAmount:     100000,
		Currencies:    slices.Clone(scanning.SupportedCurrencies),
		MinYear:       2000,
	}
}

// Validator checks raw model output and derives the review fields.
type Validator struct {
	rules Rules
	now   func() time.Time
}

// New creates a Validator. now defaults to time.Now.
func New(rules Rules, now func() time.Time) *Validator {
	if len(rules.Currencies) == 0 {
		rules.Currencies = slices.Clone(scanning.SupportedCurrencies)
	}
	if now == nil {
		now = time.Now
	}
	return &Validator{rules: rules, now: now}
}

// ValidateAndEnhance never fails: problems lower the confidence, set the
// review flag and are listed in ValidationErrors. Every rule is applied.
// raw is not modified.
func (v *Validator) ValidateAndEnhance(raw *scanning.ReceiptData) *ValidatedReceipt {
	out := &ValidatedReceipt{}
	if raw != nil {
		out.ReceiptData = *raw
		out.Items = slices.Clone(raw.Items)
	}
	if v.rules.Disabled {
		return out
	}

	rawConfidence := out.ConfidenceScore
	var errs []string

	if (out.Date != "" || v.rules.Strict) && !v.validDate(out.Date) {
		errs = append(errs, fmt.Sprintf("invalid date: %q", out.Date))
		out.RequiresManualReview = true
		out.ConfidenceScore = math.Min(out.ConfidenceScore, invalidDateConfidenceCap)
	}

	if out.TotalAmount <= 0 || out.TotalAmount > v.rules.MaxAmount {
		errs = append(errs, fmt.Sprintf("unrealistic total amount: %s", formatAmount(out.TotalAmount)))
		out.RequiresManualReview = true
	}

	if !slices.Contains(v.rules.Currencies, out.Currency) {
		errs = append(errs, fmt.Sprintf("unknown currency: %q", out.Currency))
		out.Currency = v.rules.Currencies[0]
		out.ConfidenceScore = math.Min(out.ConfidenceScore, unknownCurrencyConfidenceCap)
		out.RequiresManualReview = true
	}

	if len(out.Items) > 0 {
		sum := decimal.Zero
		for _, item := range out.Items {
			sum = sum.Add(decimal.NewFromFloat(item.Price))
		}
		sum = sum.Round(2)
		calculated := sum.InexactFloat64()
		out.CalculatedTotal = &calculated

		diff := sum.Sub(decimal.NewFromFloat(out.TotalAmount)).Abs()
		if diff.GreaterThan(decimal.NewFromFloat(mismatchTolerance)) {
			out.TotalMismatch = true
			out.RequiresManualReview = true
			errs = append(errs, fmt.Sprintf("items do not add up: calculated %s, total %s",
				sum.StringFixed(2), formatAmount(out.TotalAmount)))
		}
	}

	if utf8.RuneCountInString(strings.TrimSpace(out.MerchantName)) < minMerchantLength {
		errs = append(errs, "merchant name missing or too short")
		out.RequiresManualReview = true
	}

	if rawConfidence < v.rules.MinConfidence {
		out.RequiresManualReview = true
	}

	if len(errs) > 0 {
		out.ValidationErrors = errs
	}
	return out
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006/01/02",
}

// validDate accepts real calendar dates after MinYear that are not in the future.
func (v *Validator) validDate(s string) bool {
	for _, layout := range dateLayouts {
		d, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		return d.Year() > v.rules.MinYear && !d.After(v.now())
	}
	return false
}

func formatAmount(f float64) string {
	return decimal.NewFromFloat(f).String()
}
