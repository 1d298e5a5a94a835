package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// MaxPixels bounds the decoded size of an upload; it is checked against the
// header before any pixel buffer is allocated
const MaxPixels = 50_000_000

// pdfRenderDPI matches the resolution fitz uses for Document.Image
const pdfRenderDPI = 300.0

// ErrImageTooLarge is wrapped by DecodeError when an upload exceeds MaxPixels
var ErrImageTooLarge = errors.New("image too large")

// DecodeImage validates the upload and normalizes it to PNG.
// Every input is fully decoded, so truncated or garbage bytes are rejected
// here rather than by the inference service.
func DecodeImage(data []byte, contentType string) (Image, error) {
	if len(data) == 0 {
		return Image{}, &DecodeError{Err: errors.New("empty image data")}
	}

	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	pngData, err := convertToPNG(data, mimeType)
	if err != nil {
		return Image{}, &DecodeError{Err: err}
	}

	return Image{Data: pngData, MIMEType: "image/png"}, nil
}

// pdfToImage renders the first page of a PDF as PNG
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Receipts are single page
	bound, err := doc.Bound(0)
	if err != nil {
		return nil, fmt.Errorf("reading PDF page size: %w", err)
	}
	scale := pdfRenderDPI / 72.0
	if err := checkPixels(int(float64(bound.Dx())*scale), int(float64(bound.Dy())*scale)); err != nil {
		return nil, err
	}

	img, err := doc.ImageDPI(0, pdfRenderDPI)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// imageToPNG decodes any supported image and returns PNG bytes.
// Valid PNG input is returned unchanged.
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var format string
	var err error

	// Go's standard image package doesn't know HEIC (iPhone default)
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		if cfg, cfgErr := heic.DecodeConfig(bytes.NewReader(imageData)); cfgErr == nil {
			if err := checkPixels(cfg.Width, cfg.Height); err != nil {
				return nil, err
			}
		}
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		format = "heic"
	} else {
		// A header that fails to parse is left for Decode to report
		if cfg, _, cfgErr := image.DecodeConfig(bytes.NewReader(imageData)); cfgErr == nil {
			if err := checkPixels(cfg.Width, cfg.Height); err != nil {
				return nil, err
			}
		}
		img, format, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if errors.Is(err, image.ErrFormat) {
				return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF: %w", err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	if format == "png" {
		return imageData, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

func checkPixels(width, height int) error {
	if int64(width)*int64(height) > MaxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, width, height, MaxPixels)
	}
	return nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

func isPDF(data []byte, mimeType string) bool {
	return mimeType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF-"))
}

// convertToPNG dispatches on the content type and magic bytes
func convertToPNG(data []byte, mimeType string) ([]byte, error) {
	if isPDF(data, mimeType) {
		pngData, err := pdfToImage(data)
		if err != nil {
			return nil, fmt.Errorf("converting PDF to image: %w", err)
		}
		return pngData, nil
	}
	return imageToPNG(data, mimeType)
}
