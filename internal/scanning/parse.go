package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FinishReasonLength is the finish reason reported when the token ceiling cut the output.
const FinishReasonLength = "length"

// Envelope is the chat-completions response shape.
type Envelope struct {
	Choices []Choice `json:"choices"`
}

// Choice is one completion candidate.
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Message carries either content or a refusal.
type Message struct {
	Content *string `json:"content"`
	Refusal *string `json:"refusal"`
}

// DecodeEnvelope unmarshals a raw response body.
func DecodeEnvelope(body []byte, model string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ExtractionError{Model: model, Raw: truncate(string(body), 200), Err: fmt.Errorf("decoding envelope: %w", err)}
	}
	return &env, nil
}

// ParseEnvelope turns an envelope into receipt data. Refusal wins over
// truncation, truncation wins over content.
func ParseEnvelope(env *Envelope, model string) (*ReceiptData, error) {
	if env == nil || len(env.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := env.Choices[0]

	if choice.Message.Refusal != nil && strings.TrimSpace(*choice.Message.Refusal) != "" {
		return nil, &RefusalError{Model: model, Reason: strings.TrimSpace(*choice.Message.Refusal)}
	}
	if choice.FinishReason == FinishReasonLength {
		return nil, &TruncatedError{Model: model}
	}
	if choice.Message.Content == nil || strings.TrimSpace(*choice.Message.Content) == "" {
		return nil, ErrEmptyResponse
	}

	content := *choice.Message.Content
	data, err := parseReceiptJSON(content)
	if err != nil {
		return nil, &ExtractionError{Model: model, Raw: truncate(content, 200), Err: err}
	}
	return data, nil
}

// parseReceiptJSON parses the model's JSON text, tolerating markdown fences
// and chatter around the object.
func parseReceiptJSON(text string) (*ReceiptData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var data ReceiptData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}
	data.MerchantName = strings.TrimSpace(data.MerchantName)
	data.Date = strings.TrimSpace(data.Date)
	return &data, nil
}
