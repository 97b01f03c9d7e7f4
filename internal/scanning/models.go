package scanning

import (
	"strings"
	"time"
)

// Tier groups models by capacity. Premium models get a larger completion budget.
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
)

// Model describes a selectable inference model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Tier        Tier   `json:"tier"`
}

// DefaultModelID is used when a request does not pick a model.
const DefaultModelID = "gpt-5-mini-2025-08-07"

// FallbackModelID is suggested to users when the selected model fails.
const FallbackModelID = "gpt-4o-mini-2024-07-18"

// Gemini counterparts of DefaultModelID and FallbackModelID.
const (
	DefaultGeminiModelID  = "gemini-2.5-pro"
	FallbackGeminiModelID = "gemini-2.5-flash"
)

// DefaultCatalog lists the models offered by default.
func DefaultCatalog() []Model {
	return []Model{
		{ID: "gpt-5-mini-2025-08-07", Name: "GPT-5 Mini", Description: "Fast and cost-effective", Tier: TierPremium},
		{ID: "gpt-5-2025-08-07", Name: "GPT-5", Description: "Highest accuracy", Tier: TierPremium},
		{ID: "gpt-5-nano-2025-08-07", Name: "GPT-5 Nano", Description: "Fastest and cheapest", Tier: TierPremium},
		{ID: "gpt-4o-mini-2024-07-18", Name: "GPT-4o Mini", Description: "Balanced", Tier: TierStandard},
		{ID: "chatgpt-4o-latest", Name: "ChatGPT-4o Latest", Description: "Latest snapshot", Tier: TierStandard},
	}
}

// GeminiCatalog lists the models offered when scanning with Gemini.
func GeminiCatalog() []Model {
	return []Model{
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Description: "Highest accuracy", Tier: TierPremium},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Description: "Fast and cost-effective", Tier: TierStandard},
		{ID: "gemini-2.5-flash-lite", Name: "Gemini 2.5 Flash-Lite", Description: "Fastest and cheapest", Tier: TierStandard},
	}
}

// DefaultTokenLimits gives gpt-5 models a much larger completion ceiling.
func DefaultTokenLimits() map[string]int {
	return map[string]int{"gpt-5": 50000, "default": 4000}
}

// DefaultAttemptTimeouts is the base per-attempt timeout table.
func DefaultAttemptTimeouts() map[string]time.Duration {
	return map[string]time.Duration{"default": 40 * time.Second}
}

// Models resolves per-model settings. Table keys match a model ID exactly,
// then by the longest key contained in the ID, then "default".
type Models struct {
	Default        string
	Fallback       string
	Catalog        []Model
	TokenLimits    map[string]int
	AttemptTimeout map[string]time.Duration
}

// NewModels builds a Models with the default catalog and tables.
func NewModels() *Models {
	return &Models{
		Default:        DefaultModelID,
		Fallback:       FallbackModelID,
		Catalog:        DefaultCatalog(),
		TokenLimits:    DefaultTokenLimits(),
		AttemptTimeout: DefaultAttemptTimeouts(),
	}
}

// NewGeminiModels builds a Models with the Gemini catalog and the default tables.
func NewGeminiModels() *Models {
	m := NewModels()
	m.Default = DefaultGeminiModelID
	m.Fallback = FallbackGeminiModelID
	m.Catalog = GeminiCatalog()
	return m
}

// Resolve returns the model to use for a requested ID.
func (m *Models) Resolve(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return m.Default
	}
	return id
}

// TokenLimit is the max_completion_tokens value for a model.
func (m *Models) TokenLimit(id string) int {
	if v, ok := lookup(m.TokenLimits, id); ok {
		return v
	}
	return 4000
}

// BaseTimeout is the first-attempt timeout for a model. Zero means "use the
// backoff policy's default".
func (m *Models) BaseTimeout(id string) time.Duration {
	v, _ := lookup(m.AttemptTimeout, id)
	return v
}

func lookup[T any](table map[string]T, id string) (T, bool) {
	if v, ok := table[id]; ok {
		return v, true
	}
	best := ""
	for k := range table {
		if k == "default" || !strings.Contains(id, k) {
			continue
		}
		if len(k) > len(best) {
			best = k
		}
	}
	if best != "" {
		return table[best], true
	}
	v, ok := table["default"]
	return v, ok
}
