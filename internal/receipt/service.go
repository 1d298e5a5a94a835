package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-analyzer/internal/scanning"
)

var (
	// ErrMissingAPIKey is returned when the caller supplies a blank credential
	ErrMissingAPIKey = errors.New("API key is required")
	// ErrEmptyUpload is returned for a zero-byte upload
	ErrEmptyUpload = errors.New("uploaded file is empty")
)

// Analyzer runs the classification pipeline. *scanning.Pipeline implements it.
type Analyzer interface {
	Analyze(ctx context.Context, imageData []byte, contentType string, credential string) scanning.Result
}

// IDGenerator generates unique IDs for uploads
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// SweepObserver is told how many uploads each sweep removed
type SweepObserver interface {
	ObserveSwept(n int)
}

// Service handles upload intake
type Service struct {
	analyzer    Analyzer
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with a UUID generator and the wall clock
func NewService(analyzer Analyzer, storage Storage) *Service {
	return NewServiceWithDeps(analyzer, storage, uuidGenerator{}, defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(analyzer Analyzer, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		analyzer:    analyzer,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	whitespace  = regexp.MustCompile(`\s+`)
	extension   = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)
)

// sanitizeFilename strips directories and special characters and truncates long phone-generated names
func sanitizeFilename(filename string) string {
	filename = filepath.Base(strings.ReplaceAll(filename, "\\", "/"))

	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	if !extension.MatchString(ext) {
		ext = ""
	}

	base = unsafeChars.ReplaceAllString(base, "")
	base = whitespace.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_")

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}

	return base + ext
}

// Analyze stores the upload and runs it through the pipeline with the
// caller's API key. Pipeline failures are reported in the Analysis, not as
// an error; the error return covers intake problems only.
func (s *Service) Analyze(ctx context.Context, filename string, data []byte, contentType string, apiKey string) (*Analysis, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if len(data) == 0 {
		return nil, ErrEmptyUpload
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	savedName, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	result := s.analyzer.Analyze(ctx, data, contentType, apiKey)
	if result.Err != nil {
		slog.Error("Failed to analyze upload",
			"id", id,
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", result.Err,
		)
	} else {
		slog.Info("Analyzed upload", "id", id, "outcome", result.Outcome.String())
	}

	return newAnalysis(id, savedName, result, now), nil
}

// GetUpload returns a stored upload and its content type
func (s *Service) GetUpload(name string) ([]byte, string, error) {
	data, err := s.storage.Get(name)
	if err != nil {
		return nil, "", fmt.Errorf("getting upload: %w", err)
	}
	return data, contentTypeFromName(name), nil
}

// SweepUploads removes uploads older than maxAge
func (s *Service) SweepUploads(maxAge time.Duration) (int, error) {
	n, err := s.storage.Sweep(s.timeSource.Now().Add(-maxAge))
	if err != nil {
		return n, fmt.Errorf("sweeping uploads: %w", err)
	}
	return n, nil
}

// StartSweeper sweeps expired uploads every interval until ctx is done.
// observer may be nil.
func (s *Service) StartSweeper(ctx context.Context, interval, maxAge time.Duration, observer SweepObserver) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.SweepUploads(maxAge)
				if err != nil {
					slog.Warn("Failed to sweep uploads", "error", err)
				}
				if n > 0 {
					slog.Info("Swept expired uploads", "count", n)
					if observer != nil {
						observer.ObserveSwept(n)
					}
				}
			}
		}
	}()
}

// contentTypeFromName maps a stored file's extension to a MIME type.
// Only formats the decoder accepts get a real type; anything else is
// served as an opaque download so an upload can never render as a page.
func contentTypeFromName(name string) string {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
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
