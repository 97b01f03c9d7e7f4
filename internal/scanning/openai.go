package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// DefaultOpenAIURL is the chat-completions endpoint.
const DefaultOpenAIURL = "https://api.openai.com/v1/chat/completions"

const maxResponseBytes = 8 << 20

// OpenAI implements the Scanner interface against a chat-completions endpoint.
// Any OpenAI-compatible server (for example Ollama's /v1/chat/completions)
// works; the bearer header is omitted when no key is configured.
type OpenAI struct {
	endpoint string
	apiKey   string
	client   *http.Client
	models   *Models
	backoff  *Backoff
	maxDim   int
}

// OpenAIOptions configures NewOpenAI.
type OpenAIOptions struct {
	Endpoint     string
	APIKey       string
	Models       *Models
	Backoff      *Backoff
	MaxDimension int
	HTTPClient   *http.Client
}

// NewOpenAI creates a new OpenAI Scanner instance
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultOpenAIURL
	}
	if opts.Models == nil {
		opts.Models = NewModels()
	}
	if opts.Backoff == nil {
		opts.Backoff = NewBackoff(DefaultPolicy())
	}
	if opts.MaxDimension == 0 {
		opts.MaxDimension = DefaultMaxDimension
	}
	if opts.HTTPClient == nil {
		// Deadlines come from the per-attempt context, not the client.
		opts.HTTPClient = &http.Client{}
	}
	return &OpenAI{
		endpoint: opts.Endpoint,
		apiKey:   opts.APIKey,
		client:   opts.HTTPClient,
		models:   opts.Models,
		backoff:  opts.Backoff,
		maxDim:   opts.MaxDimension,
	}, nil
}

type chatRequest struct {
	Model               string         `json:"model"`
	Messages            []chatMessage  `json:"messages"`
	ResponseFormat      responseFormat `json:"response_format"`
	MaxCompletionTokens int            `json:"max_completion_tokens"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// buildRequest assembles the chat-completions body for one receipt image.
func buildRequest(model string, tokenLimit int, imageData []byte, mimeType string) ([]byte, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(imageData))
	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: BuildPrompt(false)},
					{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
				},
			},
		},
		ResponseFormat: responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchemaFormat{
				Name:   SchemaName,
				Strict: true,
				Schema: ReceiptSchema(),
			},
		},
		MaxCompletionTokens: tokenLimit,
	}
	return json.Marshal(req)
}

// ScanReceipt analyzes a receipt and extracts structured data
func (o *OpenAI) ScanReceipt(ctx context.Context, imageData []byte, contentType, model string) (*ReceiptData, error) {
	model = o.models.Resolve(model)

	finalImageData, mimeType, err := prepareImage(imageData, contentType, o.maxDim)
	if err != nil {
		return nil, err
	}

	payload, err := buildRequest(model, o.models.TokenLimit(model), finalImageData, mimeType)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	body, err := Retry(ctx, o.backoff, o.models.BaseTimeout(model), func(ctx context.Context, attempt int) ([]byte, error) {
		return o.post(ctx, payload)
	})
	if err != nil {
		return nil, err
	}

	env, err := DecodeEnvelope(body, model)
	if err != nil {
		return nil, err
	}
	return ParseEnvelope(env, model)
}

// post performs one attempt and returns the body of a 2xx reply.
func (o *OpenAI) post(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling chat completions API: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, newStatusError(resp.StatusCode, resp.Header, body)
	}
	return body, nil
}

// Close closes the OpenAI client (no-op for HTTP client)
func (o *OpenAI) Close() error {
	o.client.CloseIdleConnections()
	return nil
}
