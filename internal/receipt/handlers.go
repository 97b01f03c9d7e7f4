package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/kvitto-ocr/internal/export"
	"github.com/zombor/kvitto-ocr/internal/scanning"
	"github.com/zombor/kvitto-ocr/internal/validation"
)

// writeJSON writes v as JSON with the given status
func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		loggerFrom(r.Context()).Error("Error encoding response", "error", err)
	}
}

// writeError writes {"error": message} with the given status
func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeJSON(w, r, code, map[string]any{"error": message})
}

type performance struct {
	TotalTimeMs int64 `json:"total_time_ms"`
	CacheHit    bool  `json:"cache_hit"`
}

type ocrResponse struct {
	Data        *validation.ValidatedReceipt `json:"data"`
	Model       string                       `json:"model"`
	Summary     string                       `json:"summary"`
	Performance performance                  `json:"performance"`
}

// handleOCR extracts a receipt from the multipart "image" field
func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		logger.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusBadRequest,
				fmt.Sprintf("File is too large. Maximum size is %dMB.", s.opts.MaxUploadBytes>>20))
			return
		}
		writeError(w, r, http.StatusBadRequest, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("image")
	if err != nil {
		logger.Error("Error getting image from form", "error", err)
		writeError(w, r, http.StatusBadRequest, "No image provided. Send the receipt in the \"image\" field.")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		logger.Error("Error reading image data", "error", err, "filename", header.Filename)
		writeError(w, r, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}
	if len(data) == 0 {
		writeError(w, r, http.StatusBadRequest, "The uploaded image is empty.")
		return
	}

	upload := Upload{
		Filename:     header.Filename,
		Data:         data,
		ContentType:  detectContentType(header.Filename, header.Header.Get("Content-Type")),
		LastModified: parseLastModified(r.FormValue("last_modified")),
		Model:        r.Header.Get("X-Model"),
	}

	result, err := s.service.ProcessReceipt(r.Context(), upload)
	if err != nil {
		s.writeScanError(w, r, err, s.service.Models().Resolve(upload.Model))
		return
	}

	writeJSON(w, r, http.StatusOK, ocrResponse{
		Data:    result.Record,
		Model:   result.Model,
		Summary: result.Summary,
		Performance: performance{
			TotalTimeMs: result.Elapsed.Milliseconds(),
			CacheHit:    result.CacheHit,
		},
	})
}

// writeScanError maps a pipeline failure to a status and diagnostic body
func (s *Server) writeScanError(w http.ResponseWriter, r *http.Request, err error, model string) {
	code, body := scanErrorResponse(err, model, s.service.Models().Fallback)
	if code == http.StatusServiceUnavailable {
		if secs, ok := body["retry_after_seconds"].(int); ok && secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	writeJSON(w, r, code, body)
}

func scanErrorResponse(err error, model, fallback string) (int, map[string]any) {
	var (
		refusal    *scanning.RefusalError
		truncated  *scanning.TruncatedError
		timeout    *scanning.TimeoutError
		status     *scanning.StatusError
		transport  *scanning.TransportError
		extraction *scanning.ExtractionError
	)

	switch {
	case errors.As(err, &refusal):
		return http.StatusBadRequest, map[string]any{
			"error":   fmt.Sprintf("The model refused to process the image: %s", refusal.Reason),
			"model":   model,
			"refusal": refusal.Reason,
		}
	case errors.Is(err, scanning.ErrUnsupportedImage):
		return http.StatusBadRequest, map[string]any{
			"error":   "Unsupported file. Upload a JPEG, PNG, GIF, WebP, HEIC or PDF receipt.",
			"model":   model,
			"details": err.Error(),
		}
	case errors.As(err, &truncated):
		return http.StatusRequestEntityTooLarge, map[string]any{
			"error":         fmt.Sprintf("The response was truncated by the token limit. Model %s needs more tokens.", model),
			"model":         model,
			"finish_reason": scanning.FinishReasonLength,
			"suggestion":    truncated.Suggestion(),
		}
	case errors.As(err, &timeout):
		return http.StatusRequestTimeout, map[string]any{
			"error":           fmt.Sprintf("Timed out after %s waiting for model %s.", timeout.Timeout, model),
			"model":           model,
			"timeout":         true,
			"timeout_seconds": timeout.Timeout.Seconds(),
			"elapsed_ms":      timeout.Elapsed.Milliseconds(),
		}
	case errors.As(err, &status) && status.RateLimited():
		return http.StatusServiceUnavailable, map[string]any{
			"error":               fmt.Sprintf("Model %s is rate limited. Please try again shortly.", model),
			"model":               model,
			"status":              status.StatusCode,
			"retry_after_seconds": int(math.Ceil(status.RetryAfter.Seconds())),
		}
	case errors.As(err, &status):
		return http.StatusBadGateway, map[string]any{
			"error":    fmt.Sprintf("OCR analysis with %s failed. Check that the model supports image input and structured outputs.", model),
			"model":    model,
			"status":   status.StatusCode,
			"details":  status.Body,
			"fallback": fallback,
		}
	case errors.As(err, &transport):
		return http.StatusBadGateway, map[string]any{
			"error":   "Could not reach the inference service.",
			"model":   model,
			"details": transport.Err.Error(),
		}
	case errors.As(err, &extraction):
		return http.StatusInternalServerError, map[string]any{
			"error":        fmt.Sprintf("No structured result from %s.", model),
			"model":        model,
			"raw_response": extraction.Raw,
		}
	case errors.Is(err, scanning.ErrEmptyResponse):
		return http.StatusInternalServerError, map[string]any{
			"error": fmt.Sprintf("Empty response from %s.", model),
			"model": model,
		}
	default:
		return http.StatusInternalServerError, map[string]any{
			"error":   "An unexpected error occurred during image analysis.",
			"details": err.Error(),
		}
	}
}

// detectContentType prefers the part header and falls back to the file extension
func detectContentType(filename, contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// parseLastModified reads a millisecond Unix timestamp; anything else is zero
func parseLastModified(v string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// handleExport renders a posted record as csv, xlsx or json
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var record validation.ValidatedReceipt
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&record); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	filename := export.Filename(&record, s.service.timeSource.Now(), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	if err := export.Write(w, format, &record); err != nil {
		loggerFrom(r.Context()).Error("Error writing export", "format", format, "error", err)
	}
}

type modelsResponse struct {
	Default  string           `json:"default"`
	Fallback string           `json:"fallback"`
	Models   []scanning.Model `json:"models"`
}

// handleListModels returns the selectable models
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := s.service.Models()
	catalog := models.Catalog
	if catalog == nil {
		catalog = []scanning.Model{}
	}
	writeJSON(w, r, http.StatusOK, modelsResponse{
		Default:  models.Default,
		Fallback: models.Fallback,
		Models:   catalog,
	})
}

// handleHealth reports liveness, version and cache size
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       s.opts.Version,
		"cache_entries": s.service.CacheLen(),
	})
}
