// Package export renders a validated receipt as a downloadable file.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/zombor/kvitto-ocr/internal/validation"
)

// Format is an export file format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// UTF-8 BOM bytes for Excel compatibility on Windows.
var BOM = []byte{0xEF, 0xBB, 0xBF}

const sheetName = "Receipt"

var columns = []string{
	"Merchant",
	"Date",
	"Time",
	"Total",
	"Currency",
	"Category",
	"Payment Method",
	"Confidence",
	"Manual Review",
	"Item Count",
}

// ParseFormat converts a query value to a Format. Empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatCSV, "":
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type for the format
func (f Format) ContentType() string {
	switch f {
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatJSON:
		return "application/json"
	default:
		return "text/csv; charset=utf-8"
	}
}

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Filename returns kvitto_<merchant>_<YYYY-MM-DD>.<ext> for the export date.
func Filename(r *validation.ValidatedReceipt, exported time.Time, f Format) string {
	merchant := nonAlphanumeric.ReplaceAllString(strings.TrimSpace(r.MerchantName), "_")
	if merchant == "" {
		merchant = "unknown"
	}
	if len(merchant) > 50 {
		merchant = merchant[:50]
	}
	return fmt.Sprintf("kvitto_%s_%s.%s", merchant, exported.Format("2006-01-02"), f)
}

// Write renders r in the given format
func Write(w io.Writer, f Format, r *validation.ValidatedReceipt) error {
	switch f {
	case FormatXLSX:
		return WriteXLSX(w, r)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	default:
		return WriteCSV(w, r)
	}
}

// WriteCSV writes the summary row and, when present, an items section.
func WriteCSV(w io.Writer, r *validation.ValidatedReceipt) error {
	if _, err := w.Write(BOM); err != nil {
		return fmt.Errorf("writing BOM: %w", err)
	}

	cw := csv.NewWriter(w)
	rows := [][]string{columns, summaryRow(r)}
	if len(r.Items) > 0 {
		rows = append(rows, []string{}, []string{"Items"}, []string{"Description", "Price"})
		for _, item := range r.Items {
			rows = append(rows, []string{item.Description, formatMoney(item.Price)})
		}
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("writing csv: %w", err)
	}
	return nil
}

// WriteXLSX writes a single-sheet workbook with the same layout as WriteCSV.
func WriteXLSX(w io.Writer, r *validation.ValidatedReceipt) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}

	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if err := f.SetRowStyle(sheetName, 1, 1, bold); err != nil {
		return fmt.Errorf("styling header: %w", err)
	}

	row := []any{
		r.MerchantName,
		r.Date,
		deref(r.Time),
		r.TotalAmount,
		r.Currency,
		r.ExpenseCategory,
		deref(r.PaymentMethod),
		r.ConfidenceScore,
		formatBool(r.RequiresManualReview),
		len(r.Items),
	}
	if err := f.SetSheetRow(sheetName, "A2", &row); err != nil {
		return fmt.Errorf("writing receipt row: %w", err)
	}

	if len(r.Items) > 0 {
		if err := f.SetSheetRow(sheetName, "A4", &[]any{"Description", "Price"}); err != nil {
			return fmt.Errorf("writing items header: %w", err)
		}
		if err := f.SetRowStyle(sheetName, 4, 4, bold); err != nil {
			return fmt.Errorf("styling items header: %w", err)
		}
		for i, item := range r.Items {
			cell, err := excelize.CoordinatesToCellName(1, 5+i)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(sheetName, cell, &[]any{item.Description, item.Price}); err != nil {
				return fmt.Errorf("writing item %d: %w", i, err)
			}
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func summaryRow(r *validation.ValidatedReceipt) []string {
	return []string{
		r.MerchantName,
		r.Date,
		deref(r.Time),
		formatMoney(r.TotalAmount),
		r.Currency,
		r.ExpenseCategory,
		deref(r.PaymentMethod),
		strconv.FormatFloat(r.ConfidenceScore, 'f', 2, 64),
		formatBool(r.RequiresManualReview),
		strconv.Itoa(len(r.Items)),
	}
}

func formatMoney(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatBool(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
