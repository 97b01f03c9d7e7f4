package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/zombor/kvitto-ocr/internal/cache"
	"github.com/zombor/kvitto-ocr/internal/config"
	"github.com/zombor/kvitto-ocr/internal/receipt"
	"github.com/zombor/kvitto-ocr/internal/scanning"
	"github.com/zombor/kvitto-ocr/internal/validation"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		var usage *config.UsageError
		if errors.As(err, &usage) {
			fmt.Fprintf(os.Stderr, "%s\n", usage.Help)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if cfg.ShowVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	slog.SetDefault(cfg.NewLogger(os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	models := cfg.ModelTable()
	backoff := scanning.NewBackoff(cfg.Policy())
	if cfg.RequestsPerMinute > 0 {
		backoff.Limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
		slog.Info("Client-side throttle enabled", "requests_per_minute", cfg.RequestsPerMinute)
	}

	// Initialize scanner based on type
	var scanner scanning.Scanner
	switch cfg.Scanner {
	case "openai":
		if cfg.OpenAIKey == "" && cfg.OpenAIURL == scanning.DefaultOpenAIURL {
			slog.Error("OpenAI API key is required. Set --openai-key flag or OPENAI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing OpenAI-compatible scanner...", "url", cfg.OpenAIURL, "default_model", models.Default)
		scanner, err = scanning.NewOpenAI(scanning.OpenAIOptions{
			Endpoint:     cfg.OpenAIURL,
			APIKey:       cfg.OpenAIKey,
			Models:       models,
			Backoff:      backoff,
			MaxDimension: cfg.MaxImageDimension,
		})
		if err != nil {
			slog.Error("Failed to initialize OpenAI scanner", "error", err)
			os.Exit(1)
		}
	case "gemini":
		if cfg.GeminiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "default_model", models.Default)
		scanner, err = scanning.NewGemini(ctx, cfg.GeminiKey, models, backoff, cfg.MaxImageDimension)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	}
	defer scanner.Close()

	keyScheme, err := receipt.ParseKeyScheme(cfg.CacheKey)
	if err != nil {
		slog.Error("Invalid cache key scheme", "error", err)
		os.Exit(1)
	}

	slog.Info("Initializing result cache...",
		"enabled", cfg.CacheEnabled,
		"max_age", cfg.CacheMaxAge,
		"max_entries", cfg.CacheMaxEntries,
		"key", keyScheme)
	results := cache.New[*scanning.ReceiptData](cfg.CacheOptions())
	validator := validation.New(cfg.ValidationRules(), nil)

	receiptService := receipt.NewService(scanner, models, results, validator, keyScheme)
	server := receipt.NewServer(receiptService, receipt.ServerOptions{
		Version:        version,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shut down cleanly")
}
