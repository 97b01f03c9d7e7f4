package scanning

import "context"

// LineItem is a single row on the receipt.
type LineItem struct {
	Description string  `json:"description"`
	Price       float64 `json:"price"`
}

// ReceiptData contains the fields extracted by the model, in the shape of
// the version SchemaVersion schema.
type ReceiptData struct {
	MerchantName         string     `json:"merchant_name"`
	Date                 string     `json:"date"` // ISO 8601 calendar date
	Time                 *string    `json:"time"`
	TotalAmount          float64    `json:"total_amount"`
	Currency             string     `json:"currency"`
	ExpenseCategory      string     `json:"expense_category"`
	Items                []LineItem `json:"items"`
	PaymentMethod        *string    `json:"payment_method"`
	ConfidenceScore      float64    `json:"confidence_score"`
	RequiresManualReview bool       `json:"requires_manual_review"`
}

// Scanner defines the interface for receipt scanning operations
type Scanner interface {
	// ScanReceipt sends an image to the given model and extracts receipt data
	ScanReceipt(ctx context.Context, imageData []byte, contentType, model string) (*ReceiptData, error)
	// Close closes the scanner and releases resources
	Close() error
}
