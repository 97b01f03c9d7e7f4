package receipt

import (
	"context"
	"fmt"
	"time"

	"github.com/zombor/kvitto-ocr/internal/cache"
	"github.com/zombor/kvitto-ocr/internal/scanning"
	"github.com/zombor/kvitto-ocr/internal/validation"
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// ResultCache is the cache of raw extraction results
type ResultCache = cache.Cache[*scanning.ReceiptData]

// Service runs the extraction pipeline: cache lookup, scan, validation
type Service struct {
	scanner    scanning.Scanner
	models     *scanning.Models
	cache      *ResultCache
	validator  *validation.Validator
	keyScheme  KeyScheme
	timeSource TimeSource
}

// NewService creates a new Service with the default time source
func NewService(scanner scanning.Scanner, models *scanning.Models, results *ResultCache, validator *validation.Validator, keyScheme KeyScheme) *Service {
	return NewServiceWithDeps(scanner, models, results, validator, keyScheme, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(scanner scanning.Scanner, models *scanning.Models, results *ResultCache, validator *validation.Validator, keyScheme KeyScheme, timeSrc TimeSource) *Service {
	if models == nil {
		models = scanning.NewModels()
	}
	if results == nil {
		results = cache.New[*scanning.ReceiptData](cache.Options{})
	}
	if validator == nil {
		validator = validation.New(validation.DefaultRules(), nil)
	}
	if keyScheme == "" {
		keyScheme = KeyMetadata
	}
	return &Service{
		scanner:    scanner,
		models:     models,
		cache:      results,
		validator:  validator,
		keyScheme:  keyScheme,
		timeSource: timeSrc,
	}
}

// Models returns the model table the service resolves against
func (s *Service) Models() *scanning.Models {
	return s.models
}

// CacheLen reports how many results are cached
func (s *Service) CacheLen() int {
	return s.cache.Len()
}

func (s *Service) cacheKey(upload Upload, model string) string {
	if s.keyScheme == KeyContent {
		return ContentKey(upload.Data, model)
	}
	return MetadataKey(upload.Filename, int64(len(upload.Data)), upload.LastModified, model)
}

// ProcessReceipt extracts and validates a receipt. Concurrent calls for the
// same key share one scan. The scan keeps the first caller's values but not
// its cancellation, so it is bounded by the per-attempt deadlines alone.
// Validation runs on every call since it depends on the current date.
func (s *Service) ProcessReceipt(ctx context.Context, upload Upload) (*Result, error) {
	start := s.timeSource.Now()
	model := s.models.Resolve(upload.Model)
	logger := loggerFrom(ctx)

	if len(upload.Data) == 0 {
		return nil, fmt.Errorf("empty upload: %w", scanning.ErrUnsupportedImage)
	}

	scanCtx := context.WithoutCancel(ctx)
	raw, hit, err := s.cache.GetOrCompute(s.cacheKey(upload, model), func() (*scanning.ReceiptData, error) {
		logger.Info("Scanning receipt",
			"filename", upload.Filename,
			"content_type", upload.ContentType,
			"file_size", len(upload.Data),
			"model", model,
		)
		return s.scanner.ScanReceipt(scanCtx, upload.Data, upload.ContentType, model)
	})
	if err != nil {
		logger.Error("Failed to scan receipt",
			"filename", upload.Filename,
			"content_type", upload.ContentType,
			"file_size", len(upload.Data),
			"model", model,
			"error", err,
		)
		return nil, fmt.Errorf("scanning receipt: %w", err)
	}

	record := s.validator.ValidateAndEnhance(raw)
	result := &Result{
		Record:   record,
		Model:    model,
		CacheHit: hit,
		Elapsed:  s.timeSource.Now().Sub(start),
		Summary:  record.Summary(),
	}

	logger.Info("Receipt processed",
		"model", model,
		"cache_hit", hit,
		"elapsed", result.Elapsed,
		"requires_manual_review", record.RequiresManualReview,
		"summary", result.Summary,
	)
	return result, nil
}
