package scanning

import (
	"context"
	"strings"
	"time"
)

// Image is a decoded, validated upload ready to be sent to a model.
type Image struct {
	Data     []byte
	MIMEType string
}

// Format returns the image subtype ("png" for "image/png").
func (i Image) Format() string {
	_, format, ok := strings.Cut(i.MIMEType, "/")
	if !ok {
		return i.MIMEType
	}
	return format
}

// Model sends a single prompt plus image to a multimodal model and returns its text.
type Model interface {
	// Generate returns the text produced for prompt and img
	Generate(ctx context.Context, prompt string, img Image) (string, error)
	// Close releases the client behind the model
	Close() error
}

// Backend opens request-scoped models. Each call to Open builds a new client
// from the given credential; nothing is shared between calls.
type Backend interface {
	Open(ctx context.Context, credential string) (Model, error)
	Name() string
}

// Recorder receives pipeline measurements.
type Recorder interface {
	ObserveCall(backend, stage string, d time.Duration, err error)
	ObserveOutcome(backend, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCall(string, string, time.Duration, error) {}
func (nopRecorder) ObserveOutcome(string, string)                    {}

// Outcome is the result tag of one pipeline invocation.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeDetected
	OutcomeNotReceipt
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDetected:
		return "detected"
	case OutcomeNotReceipt:
		return "not_receipt"
	default:
		return "failed"
	}
}

const (
	// DetectedLabel prefixes the extracted text when a receipt is found
	DetectedLabel = "Receipt detected:\n\n"
	// NotReceiptMessage is shown when classification is negative
	NotReceiptMessage = "Not a receipt - analysis stopped."
	failedPrefix      = "API Error: "
)

// Result is what Pipeline.Analyze hands back to its caller.
// Text is set only for OutcomeDetected, Err only for OutcomeFailed.
type Result struct {
	Outcome Outcome
	Text    string
	Err     error
}

// Message flattens the result into a user-displayable string
func (r Result) Message() string {
	switch r.Outcome {
	case OutcomeDetected:
		return DetectedLabel + r.Text
	case OutcomeNotReceipt:
		return NotReceiptMessage
	}
	if r.Err == nil {
		return failedPrefix + "unknown error"
	}
	return failedPrefix + r.Err.Error()
}

func failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Err: err}
}
