package scanning

import (
	"encoding/json"
	"strings"
)

// SchemaVersion identifies the output contract shared by the model, the
// response parser and the validator. Bump it whenever ReceiptData changes.
const SchemaVersion = 1

// SchemaName is sent to the endpoint as the json_schema name.
const SchemaName = "receipt_analysis_v1"

// Currencies and categories the model is allowed to emit.
var (
	SupportedCurrencies = []string{"SEK", "EUR", "NOK", "DKK"}
	ExpenseCategories   = []string{"Mat/Dryck", "Boende", "Transport", "Annat"}
)

// ReceiptFields lists every top-level field of ReceiptData; all are required.
var ReceiptFields = []string{
	"merchant_name",
	"date",
	"time",
	"total_amount",
	"currency",
	"expense_category",
	"items",
	"payment_method",
	"confidence_score",
	"requires_manual_review",
}

// ReceiptSchema returns the strict JSON schema the model must conform to.
func ReceiptSchema() json.RawMessage {
	item := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description": map[string]any{"type": "string", "description": "Item description as printed"},
			"price":       map[string]any{"type": "number", "minimum": 0, "description": "Item price"},
		},
		"required":             []string{"description", "price"},
		"additionalProperties": false,
	}

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"merchant_name":    map[string]any{"type": "string", "description": "Store or business name"},
			"date":             map[string]any{"type": "string", "description": "Purchase date (YYYY-MM-DD)"},
			"time":             map[string]any{"type": []string{"string", "null"}, "description": "Purchase time"},
			"total_amount":     map[string]any{"type": "number", "minimum": 0, "description": "Total amount paid"},
			"currency":         map[string]any{"type": "string", "enum": SupportedCurrencies, "description": "Currency"},
			"expense_category": map[string]any{"type": "string", "enum": ExpenseCategories, "description": "Expense category"},
			"items": map[string]any{
				"type":        "array",
				"description": "Line items, when clearly legible",
				"items":       item,
			},
			"payment_method":         map[string]any{"type": []string{"string", "null"}, "description": "Payment method if visible"},
			"confidence_score":       map[string]any{"type": "number", "minimum": 0, "maximum": 1, "description": "Confidence in the reading (0-1)"},
			"requires_manual_review": map[string]any{"type": "boolean", "description": "Whether a human should check the result"},
		},
		"required":             ReceiptFields,
		"additionalProperties": false,
	}

	data, err := json.Marshal(schema)
	if err != nil {
		// The schema is a static literal; failing to marshal it is a programming error.
		panic(err)
	}
	return data
}

const receiptPromptHead = `You are analyzing a photo of a receipt. Carefully read all text in the image and extract the following information according to the schema:

1. **merchant_name**: The store or business name, usually the largest text at the top of the receipt.
2. **date**: The purchase date in ISO 8601 format (YYYY-MM-DD).
3. **time**: The purchase time if printed, otherwise null.
4. **total_amount**: The final amount paid as a number (e.g. 142.50), not a string.
5. **currency**: Exactly one of: ` + "%CURRENCIES%" + `.
6. **expense_category**: Exactly one of: ` + "%CATEGORIES%" + `.
7. **items**: Each legible line item with its description and price. Leave the list empty rather than inventing items.
8. **payment_method**: Card, cash, Swish or similar if visible, otherwise null.
9. **confidence_score**: How sure you are of the reading, between 0 and 1.
10. **requires_manual_review**: true when anything is unclear.

Important:
- Never guess. If information is missing or hard to read, lower confidence_score and set requires_manual_review to true.
- Use the currency and category values exactly as listed above.`

const inlineSchemaTail = `

Return ONLY valid JSON matching this JSON schema, with no markdown code blocks and no text before or after it:
`

// BuildPrompt returns the extraction instructions. When inlineSchema is set
// the schema is appended to the text, for endpoints that cannot enforce it.
func BuildPrompt(inlineSchema bool) string {
	prompt := strings.NewReplacer(
		"%CURRENCIES%", strings.Join(SupportedCurrencies, ", "),
		"%CATEGORIES%", strings.Join(ExpenseCategories, ", "),
	).Replace(receiptPromptHead)
	if inlineSchema {
		prompt += inlineSchemaTail + string(ReceiptSchema())
	}
	return prompt
}
