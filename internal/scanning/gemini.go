package scanning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Gemini implements the Scanner interface using Google Gemini. It goes
// through the same backoff loop and response parser as OpenAI.
type Gemini struct {
	client  *genai.Client
	models  *Models
	backoff *Backoff
	maxDim  int
}

// NewGemini creates a new Gemini Scanner instance
func NewGemini(ctx context.Context, apiKey string, models *Models, backoff *Backoff, maxDim int) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if models == nil {
		models = NewGeminiModels()
	}
	if backoff == nil {
		backoff = NewBackoff(DefaultPolicy())
	}
	if maxDim == 0 {
		maxDim = DefaultMaxDimension
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client:  client,
		models:  models,
		backoff: backoff,
		maxDim:  maxDim,
	}, nil
}

// ScanReceipt analyzes a receipt and extracts structured data
func (g *Gemini) ScanReceipt(ctx context.Context, imageData []byte, contentType, model string) (*ReceiptData, error) {
	model = g.models.Resolve(model)

	finalImageData, mimeType, err := prepareImage(imageData, contentType, g.maxDim)
	if err != nil {
		return nil, err
	}

	gm := g.client.GenerativeModel(model)
	gm.SetMaxOutputTokens(int32(g.models.TokenLimit(model)))

	// genai.ImageData expects just the format suffix (e.g., "png"), not the full MIME type
	parts := []genai.Part{
		genai.ImageData(strings.TrimPrefix(mimeType, "image/"), finalImageData),
		genai.Text(BuildPrompt(true)),
	}

	env, err := Retry(ctx, g.backoff, g.models.BaseTimeout(model), func(ctx context.Context, attempt int) (*Envelope, error) {
		resp, err := gm.GenerateContent(ctx, parts...)
		if err != nil {
			var blocked *genai.BlockedError
			if errors.As(err, &blocked) {
				return refusalEnvelope(blocked.Error()), nil
			}
			return nil, grpcStatusError(err)
		}
		return geminiEnvelope(resp), nil
	})
	if err != nil {
		return nil, err
	}
	return ParseEnvelope(env, model)
}

// geminiEnvelope maps the first candidate onto the chat-completions shape.
func geminiEnvelope(resp *genai.GenerateContentResponse) *Envelope {
	if resp == nil || len(resp.Candidates) == 0 {
		return &Envelope{}
	}
	cand := resp.Candidates[0]

	var text strings.Builder
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}

	choice := Choice{FinishReason: "stop"}
	switch cand.FinishReason {
	case genai.FinishReasonMaxTokens:
		choice.FinishReason = FinishReasonLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		reason := fmt.Sprintf("generation stopped: %v", cand.FinishReason)
		choice.Message.Refusal = &reason
	}
	if s := text.String(); s != "" {
		choice.Message.Content = &s
	}
	return &Envelope{Choices: []Choice{choice}}
}

func refusalEnvelope(reason string) *Envelope {
	return &Envelope{Choices: []Choice{{Message: Message{Refusal: &reason}, FinishReason: "stop"}}}
}

// grpcStatusError converts gRPC status codes into the HTTP-shaped errors the
// backoff policy understands.
func grpcStatusError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return &StatusError{StatusCode: http.StatusTooManyRequests, Body: st.Message()}
	case codes.Unavailable:
		return &StatusError{StatusCode: http.StatusServiceUnavailable, Body: st.Message()}
	case codes.Internal, codes.Unknown, codes.DataLoss:
		return &StatusError{StatusCode: http.StatusInternalServerError, Body: st.Message()}
	case codes.DeadlineExceeded, codes.Canceled:
		return err
	case codes.Unauthenticated:
		return &StatusError{StatusCode: http.StatusUnauthorized, Body: st.Message()}
	case codes.PermissionDenied:
		return &StatusError{StatusCode: http.StatusForbidden, Body: st.Message()}
	case codes.NotFound:
		return &StatusError{StatusCode: http.StatusNotFound, Body: st.Message()}
	default:
		return &StatusError{StatusCode: http.StatusBadRequest, Body: st.Message()}
	}
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
