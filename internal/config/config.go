// Package config loads service settings from flags, environment variables,
// an optional config file and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/kvitto-ocr/internal/cache"
	"github.com/zombor/kvitto-ocr/internal/scanning"
	"github.com/zombor/kvitto-ocr/internal/validation"
)

// EnvPrefix is prepended to flag names to form environment variable names,
// e.g. --openai-key is read from KVITTO_OCR_OPENAI_KEY.
const EnvPrefix = "KVITTO_OCR"

// Config holds every externally overridable setting
type Config struct {
	Port int

	Scanner   string // openai or gemini
	OpenAIURL string
	OpenAIKey string
	GeminiKey string

	DefaultModel    string
	Models          []string
	TokenLimits     map[string]int
	AttemptTimeouts map[string]time.Duration

	MaxAttempts       int
	RetryDelay        time.Duration
	RateLimitWait     time.Duration
	RequestsPerMinute int

	CacheEnabled    bool
	CacheMaxAge     time.Duration
	CacheMaxEntries int
	CacheKey        string // metadata or content

	ValidationEnabled bool
	StrictValidation  bool
	MinConfidence     float64
	Currencies        []string
	MaxAmount         float64

	MaxUploadBytes    int64
	MaxImageDimension int

	LogLevel  string
	LogFormat string

	ShowVersion bool
}

// UsageError is returned when the command line cannot be parsed. Help holds
// the rendered flag documentation.
type UsageError struct {
	Help string
	Err  error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// Load reads .env (when present), then flags, environment and config file.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	flags := ff.NewFlagSet("kvitto-ocr")
	var (
		port          = flags.IntLong("port", 8080, "HTTP server port")
		scannerType   = flags.StringLong("scanner", "openai", "Scanner type: 'openai' or 'gemini'")
		openaiURL     = flags.StringLong("openai-url", scanning.DefaultOpenAIURL, "Chat completions endpoint (any OpenAI-compatible server, e.g. Ollama)")
		openaiKey     = flags.StringLong("openai-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
		geminiKey     = flags.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		defaultModel  = flags.StringLong("default-model", "", "Model used when a request does not pick one (default: per scanner type)")
		models        = flags.StringLong("models", "", "Comma-separated model IDs offered to clients (default: built-in catalog)")
		tokenLimits   = flags.StringLong("token-limits", "gpt-5=50000,default=4000", "Completion token ceiling per model, key=value pairs")
		timeouts      = flags.StringLong("attempt-timeouts", "default=40s", "First-attempt timeout per model, key=duration pairs")
		maxAttempts   = flags.IntLong("max-attempts", 3, "Inference attempts per request")
		retryDelay    = flags.DurationLong("retry-delay", time.Second, "Linear backoff step after server errors")
		rateLimitWait = flags.DurationLong("rate-limit-wait", 5*time.Second, "Wait after a 429 without retry-after")
		rpm           = flags.IntLong("requests-per-minute", 0, "Client-side request throttle (0 disables)")
		noCache       = flags.BoolLong("disable-cache", "Disable the result cache")
		cacheMaxAge   = flags.DurationLong("cache-max-age", cache.DefaultMaxAge, "Result cache freshness window")
		cacheEntries  = flags.IntLong("cache-max-entries", 100, "Result cache size bound (0 for unbounded)")
		cacheKey      = flags.StringLong("cache-key", "metadata", "Cache key scheme: 'metadata' or 'content'")
		noValidation  = flags.BoolLong("disable-validation", "Return model output without validation")
		strict        = flags.BoolLong("strict-validation", "Treat a missing date as invalid")
		minConfidence = flags.Float64Long("min-confidence", 0.7, "Confidence below which a receipt needs manual review")
		currencies    = flags.StringLong("currencies", strings.Join(scanning.SupportedCurrencies, ","), "Accepted currencies; the first is the fallback")
		maxAmount     = flags.Float64Long("max-amount", 100000, "Largest realistic receipt total")
		maxUploadMB   = flags.IntLong("max-upload-mb", 50, "Largest accepted upload in megabytes")
		maxDimension  = flags.IntLong("max-image-dimension", scanning.DefaultMaxDimension, "Longest image side sent to the model")
		logLevel      = flags.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat     = flags.StringLong("log-format", "text", "Log format: text or json")
		showVersion   = flags.BoolLong("version", "Show version information")
		_             = flags.StringLong("config", "", "Config file (optional)")
	)

	if err := ff.Parse(flags, args,
		ff.WithEnvVarPrefix(EnvPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithConfigAllowMissingFile(),
	); err != nil {
		return nil, &UsageError{Help: fmt.Sprintf("%s", ffhelp.Flags(flags)), Err: err}
	}

	cfg := &Config{
		Port:              *port,
		Scanner:           strings.ToLower(strings.TrimSpace(*scannerType)),
		OpenAIURL:         *openaiURL,
		OpenAIKey:         firstNonEmpty(*openaiKey, os.Getenv("OPENAI_API_KEY")),
		GeminiKey:         firstNonEmpty(*geminiKey, os.Getenv("GEMINI_API_KEY")),
		DefaultModel:      strings.TrimSpace(*defaultModel),
		Models:            splitList(*models),
		MaxAttempts:       *maxAttempts,
		RetryDelay:        *retryDelay,
		RateLimitWait:     *rateLimitWait,
		RequestsPerMinute: *rpm,
		CacheEnabled:      !*noCache,
		CacheMaxAge:       *cacheMaxAge,
		CacheMaxEntries:   *cacheEntries,
		CacheKey:          strings.ToLower(strings.TrimSpace(*cacheKey)),
		ValidationEnabled: !*noValidation,
		StrictValidation:  *strict,
		MinConfidence:     *minConfidence,
		Currencies:        splitList(strings.ToUpper(*currencies)),
		MaxAmount:         *maxAmount,
		MaxUploadBytes:    int64(*maxUploadMB) << 20,
		MaxImageDimension: *maxDimension,
		LogLevel:          strings.ToLower(*logLevel),
		LogFormat:         strings.ToLower(*logFormat),
		ShowVersion:       *showVersion,
	}

	if cfg.DefaultModel == "" {
		cfg.DefaultModel = scanning.DefaultModelID
		if cfg.Scanner == "gemini" {
			cfg.DefaultModel = scanning.DefaultGeminiModelID
		}
	}

	var err error
	if cfg.TokenLimits, err = ParseTokenLimits(*tokenLimits); err != nil {
		return nil, err
	}
	if cfg.AttemptTimeouts, err = ParseTimeouts(*timeouts); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	var errs []error
	if c.Scanner != "openai" && c.Scanner != "gemini" {
		errs = append(errs, fmt.Errorf("invalid scanner type %q (valid: openai or gemini)", c.Scanner))
	}
	if c.Scanner == "gemini" && !strings.HasPrefix(c.DefaultModel, "gemini") {
		errs = append(errs, fmt.Errorf("default model %q is not a Gemini model", c.DefaultModel))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max-attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("min-confidence must be between 0 and 1, got %v", c.MinConfidence))
	}
	if c.MaxAmount <= 0 {
		errs = append(errs, fmt.Errorf("max-amount must be positive, got %v", c.MaxAmount))
	}
	if len(c.Currencies) == 0 {
		errs = append(errs, errors.New("at least one currency is required"))
	}
	if c.CacheKey != "metadata" && c.CacheKey != "content" {
		errs = append(errs, fmt.Errorf("invalid cache key scheme %q (valid: metadata or content)", c.CacheKey))
	}
	if c.CacheMaxEntries < 0 {
		errs = append(errs, fmt.Errorf("cache-max-entries must not be negative, got %d", c.CacheMaxEntries))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max-upload-mb must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("invalid log format %q (valid: text or json)", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ParseTokenLimits parses "model=tokens" pairs, e.g. "gpt-5=50000,default=4000"
func ParseTokenLimits(s string) (map[string]int, error) {
	return parseTable(s, func(v string) (int, error) {
		n, err := strconv.Atoi(v)
		if err == nil && n <= 0 {
			err = errors.New("must be positive")
		}
		return n, err
	})
}

// ParseTimeouts parses "model=duration" pairs, e.g. "gpt-5=60s,default=40s"
func ParseTimeouts(s string) (map[string]time.Duration, error) {
	return parseTable(s, func(v string) (time.Duration, error) {
		d, err := time.ParseDuration(v)
		if err == nil && d <= 0 {
			err = errors.New("must be positive")
		}
		return d, err
	})
}

func parseTable[T any](s string, parse func(string) (T, error)) (map[string]T, error) {
	table := make(map[string]T)
	for _, pair := range splitList(s) {
		key, value, ok := strings.Cut(pair, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("invalid table entry %q (want key=value)", pair)
		}
		v, err := parse(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %q: %w", key, err)
		}
		table[key] = v
	}
	return table, nil
}

// ModelTable builds the per-model settings used by the scanners
func (c *Config) ModelTable() *scanning.Models {
	m := scanning.NewModels()
	if c.Scanner == "gemini" {
		m = scanning.NewGeminiModels()
	}
	if c.DefaultModel != "" {
		m.Default = c.DefaultModel
	}
	if len(c.TokenLimits) > 0 {
		m.TokenLimits = c.TokenLimits
	}
	if len(c.AttemptTimeouts) > 0 {
		m.AttemptTimeout = c.AttemptTimeouts
	}
	if len(c.Models) > 0 {
		known := append(scanning.DefaultCatalog(), scanning.GeminiCatalog()...)
		catalog := make([]scanning.Model, 0, len(c.Models))
		for _, id := range c.Models {
			i := slices.IndexFunc(known, func(k scanning.Model) bool { return k.ID == id })
			if i >= 0 {
				catalog = append(catalog, known[i])
				continue
			}
			catalog = append(catalog, scanning.Model{ID: id, Name: id, Tier: scanning.TierStandard})
		}
		m.Catalog = catalog
	}
	return m
}

// Policy builds the backoff policy
func (c *Config) Policy() scanning.Policy {
	p := scanning.DefaultPolicy()
	p.MaxAttempts = c.MaxAttempts
	p.RetryDelay = c.RetryDelay
	p.RateLimitWait = c.RateLimitWait
	if d, ok := c.AttemptTimeouts["default"]; ok {
		p.AttemptTimeout = d
	}
	return p
}

// CacheOptions builds the result cache options
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		MaxAge:     c.CacheMaxAge,
		MaxEntries: c.CacheMaxEntries,
		Disabled:   !c.CacheEnabled,
	}
}

// ValidationRules builds the validator settings
func (c *Config) ValidationRules() validation.Rules {
	r := validation.DefaultRules()
	r.Disabled = !c.ValidationEnabled
	r.Strict = c.StrictValidation
	r.MinConfidence = c.MinConfidence
	r.MaxAmount = c.MaxAmount
	r.Currencies = c.Currencies
	return r
}

// NewLogger builds the process logger from the log level and format
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (valid: debug, info, warn or error)", s)
	}
	return level, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
