package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCallTimeout bounds each remote call
const DefaultCallTimeout = 60 * time.Second

// Pipeline classifies an image as a receipt and, only if it is one,
// extracts its text. It holds no per-request state and is safe for
// concurrent use.
type Pipeline struct {
	backend     Backend
	callTimeout time.Duration
	recorder    Recorder
	tracer      trace.Tracer
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithCallTimeout sets the timeout applied to each remote call. Zero disables it.
func WithCallTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.callTimeout = d
	}
}

// WithRecorder sets where call and outcome measurements go
func WithRecorder(r Recorder) PipelineOption {
	return func(p *Pipeline) {
		if r != nil {
			p.recorder = r
		}
	}
}

// NewPipeline creates a pipeline over backend
func NewPipeline(backend Backend, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		backend:     backend,
		callTimeout: DefaultCallTimeout,
		recorder:    nopRecorder{},
		tracer:      otel.Tracer("github.com/zombor/receipt-analyzer/internal/scanning"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Analyze runs classify-then-maybe-extract for one upload. It never returns
// an error: every failure is reported as an OutcomeFailed Result.
func (p *Pipeline) Analyze(ctx context.Context, imageData []byte, contentType string, credential string) (result Result) {
	ctx, span := p.tracer.Start(ctx, "scanning.Analyze", trace.WithAttributes(
		attribute.String("backend", p.backend.Name()),
		attribute.Int("image.size", len(imageData)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			result = failed(fmt.Errorf("panic during analysis: %v", r))
		}
		span.SetAttributes(attribute.String("outcome", result.Outcome.String()))
		if result.Err != nil {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
		}
		p.recorder.ObserveOutcome(p.backend.Name(), result.Outcome.String())
	}()

	return p.analyze(ctx, imageData, contentType, credential)
}

func (p *Pipeline) analyze(ctx context.Context, imageData []byte, contentType string, credential string) Result {
	img, err := DecodeImage(imageData, contentType)
	if err != nil {
		slog.Warn("Failed to decode upload", "content_type", contentType, "size", len(imageData), "error", err)
		return failed(err)
	}

	model, err := p.backend.Open(ctx, credential)
	if err != nil {
		return failed(&RemoteCallError{Stage: StageOpen, Err: err})
	}
	defer func() {
		if err := model.Close(); err != nil {
			slog.Debug("Failed to close model client", "backend", p.backend.Name(), "error", err)
		}
	}()

	answer, err := p.call(ctx, model, StageClassify, classifyPrompt, img)
	if err != nil {
		return failed(err)
	}
	if !isAffirmative(answer) {
		slog.Debug("Image is not a receipt", "answer", answer)
		return Result{Outcome: OutcomeNotReceipt}
	}

	text, err := p.call(ctx, model, StageExtract, extractPrompt, img)
	if err != nil {
		return failed(err)
	}

	return Result{Outcome: OutcomeDetected, Text: text}
}

// call runs one remote generation under the per-call timeout
func (p *Pipeline) call(ctx context.Context, model Model, stage Stage, prompt string, img Image) (string, error) {
	ctx, span := p.tracer.Start(ctx, "scanning."+string(stage))
	defer span.End()

	if p.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
	}

	start := time.Now()
	text, err := model.Generate(ctx, prompt, img)
	elapsed := time.Since(start)
	p.recorder.ObserveCall(p.backend.Name(), string(stage), elapsed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Remote call failed", "backend", p.backend.Name(), "stage", stage, "duration", elapsed, "error", err)
		return "", &RemoteCallError{Stage: stage, Err: err}
	}
	return text, nil
}
