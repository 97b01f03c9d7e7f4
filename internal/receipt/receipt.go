package receipt

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zombor/kvitto-ocr/internal/validation"
)

// KeyScheme selects how cache keys are derived from an upload
type KeyScheme string

const (
	// KeyMetadata identifies an upload by name, size, modification time and model.
	// Different files with identical metadata collide, and a renamed copy misses.
	KeyMetadata KeyScheme = "metadata"
	// KeyContent identifies an upload by a hash of its bytes and the model.
	KeyContent KeyScheme = "content"
)

// ParseKeyScheme converts a configuration value to a KeyScheme
func ParseKeyScheme(s string) (KeyScheme, error) {
	switch KeyScheme(s) {
	case KeyMetadata, "":
		return KeyMetadata, nil
	case KeyContent:
		return KeyContent, nil
	default:
		return "", fmt.Errorf("unknown cache key scheme %q (want metadata or content)", s)
	}
}

// Upload is one receipt file submitted for extraction
type Upload struct {
	Filename     string
	Data         []byte
	ContentType  string
	LastModified time.Time // zero when the client did not send it
	Model        string    // empty selects the default model
}

// Result is the outcome of a successful extraction
type Result struct {
	Record   *validation.ValidatedReceipt
	Model    string
	CacheHit bool
	Elapsed  time.Duration
	Summary  string
}

// MetadataKey builds the weak identity key name_size_lastModifiedMs_model
func MetadataKey(name string, size int64, lastModified time.Time, model string) string {
	var ms int64
	if !lastModified.IsZero() {
		ms = lastModified.UnixMilli()
	}
	return fmt.Sprintf("%s_%d_%d_%s", name, size, ms, model)
}

// ContentKey builds a key from the upload bytes and the model
func ContentKey(data []byte, model string) string {
	return fmt.Sprintf("xxh64:%016x_%s", xxhash.Sum64(data), model)
}
