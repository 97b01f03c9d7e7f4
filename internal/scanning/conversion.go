package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	"image/jpeg"
	_ "image/png" // Register PNG decoder
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// DefaultMaxDimension bounds the longest image side sent upstream.
const DefaultMaxDimension = 3000

const jpegQuality = 92

// passThroughTypes can be inlined as-is when they are small enough.
var passThroughTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// pdfToImage renders the first page of a PDF (most receipts are single page)
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// isHEICFormat checks if the image data is in HEIC/HEIF format
// HEIC files carry an ftyp box at offset 4 with a HEIC-family brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1"
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// downscale fits img inside a maxDim x maxDim box, keeping the aspect ratio.
func downscale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return img
	}
	if w >= h {
		h = h * maxDim / w
		w = maxDim
	} else {
		w = w * maxDim / h
		h = maxDim
	}
	dst := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// prepareImage normalizes an upload into something the model endpoints
// accept. Returns the final image data and its MIME type.
func prepareImage(data []byte, contentType string, maxDim int) ([]byte, string, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = sniffMimeType(data)
	}

	var img image.Image
	var err error
	switch {
	case mimeType == "application/pdf":
		img, err = pdfToImage(data)
		if err != nil {
			return nil, "", fmt.Errorf("converting PDF to image: %w", err)
		}
	case isHEICFormat(data) || isHEICMimeType(mimeType):
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	case passThroughTypes[mimeType]:
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("%w: %s: %v", ErrUnsupportedImage, mimeType, err)
		}
		if maxDim <= 0 || (cfg.Width <= maxDim && cfg.Height <= maxDim) {
			return data, mimeType, nil
		}
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("decoding image: %w", err)
		}
	default:
		return nil, "", fmt.Errorf("%w: %s. Supported formats: JPEG, PNG, GIF, WebP, HEIC, HEIF, PDF", ErrUnsupportedImage, mimeType)
	}

	out, err := encodeJPEG(downscale(img, maxDim))
	if err != nil {
		return nil, "", err
	}
	return out, "image/jpeg", nil
}

func sniffMimeType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(data, []byte("GIF8")):
		return "image/gif"
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "image/webp"
	case isHEICFormat(data):
		return "image/heic"
	}
	return "application/octet-stream"
}
