package scanning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// mockModel answers by prompt and records every call
type mockModel struct {
	answers map[string]string
	errs    map[string]error
	block   bool
	panics  bool
	calls   []string
	closed  bool
}

func newMockModel(classifyAnswer string) *mockModel {
	return &mockModel{
		answers: map[string]string{
			classifyPrompt: classifyAnswer,
			extractPrompt:  "Item,Price\nCoffee,3.50\nTotal,3.50",
		},
		errs: map[string]error{},
	}
}

func (m *mockModel) Generate(ctx context.Context, prompt string, img Image) (string, error) {
	m.calls = append(m.calls, prompt)
	if m.panics {
		panic("model exploded")
	}
	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err := m.errs[prompt]; err != nil {
		return "", err
	}
	return m.answers[prompt], nil
}

func (m *mockModel) Close() error {
	m.closed = true
	return nil
}

func (m *mockModel) callCount(prompt string) int {
	n := 0
	for _, c := range m.calls {
		if c == prompt {
			n++
		}
	}
	return n
}

// mockBackend hands out the same mock model and records credentials
type mockBackend struct {
	model   *mockModel
	openErr error
	opened  []string
}

func (b *mockBackend) Open(ctx context.Context, credential string) (Model, error) {
	b.opened = append(b.opened, credential)
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.model, nil
}

func (b *mockBackend) Name() string {
	return "mock"
}

type mockRecorder struct {
	outcomes []string
	stages   []string
}

func (r *mockRecorder) ObserveCall(backend, stage string, d time.Duration, err error) {
	r.stages = append(r.stages, stage)
}

func (r *mockRecorder) ObserveOutcome(backend, outcome string) {
	r.outcomes = append(r.outcomes, outcome)
}

// keyedBackend hands each caller a model bound to its own credential.
// Safe for concurrent use.
type keyedBackend struct {
	mu     sync.Mutex
	opened []string
}

func (b *keyedBackend) Open(ctx context.Context, credential string) (Model, error) {
	b.mu.Lock()
	b.opened = append(b.opened, credential)
	b.mu.Unlock()
	return &keyedModel{credential: credential}, nil
}

func (b *keyedBackend) Name() string {
	return "keyed"
}

// keyedModel echoes its credential in the extraction
type keyedModel struct {
	credential string
}

func (m *keyedModel) Generate(ctx context.Context, prompt string, img Image) (string, error) {
	if prompt == classifyPrompt {
		// Interleave the two calls of concurrent invocations
		time.Sleep(time.Millisecond)
		return "YES", nil
	}
	return "key=" + m.credential, nil
}

func (m *keyedModel) Close() error {
	return nil
}

func pngBytes() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Pipeline", func() {
	var (
		model     *mockModel
		backend   *mockBackend
		recorder  *mockRecorder
		pipeline  *Pipeline
		imageData []byte
		result    Result
	)

	BeforeEach(func() {
		model = newMockModel("YES")
		backend = &mockBackend{model: model}
		recorder = &mockRecorder{}
		pipeline = NewPipeline(backend, WithRecorder(recorder), WithCallTimeout(time.Second))
		imageData = pngBytes()
	})

	JustBeforeEach(func() {
		result = pipeline.Analyze(context.Background(), imageData, "image/png", "test-key")
	})

	DescribeTable("affirmative answers after normalization",
		func(answer string) {
			model.calls = nil
			model.answers[classifyPrompt] = answer
			result = pipeline.Analyze(context.Background(), imageData, "image/png", "test-key")

			Expect(result.Outcome).To(Equal(OutcomeDetected))
			Expect(model.callCount(extractPrompt)).To(Equal(1))
		},
		Entry("yes", "yes"),
		Entry("Yes", "Yes"),
		Entry("YES with trailing space", "YES "),
	)

	DescribeTable("negative answers",
		func(answer string) {
			model.calls = nil
			model.answers[classifyPrompt] = answer
			result = pipeline.Analyze(context.Background(), imageData, "image/png", "test-key")

			Expect(result.Outcome).To(Equal(OutcomeNotReceipt))
			Expect(result.Err).NotTo(HaveOccurred())
			Expect(model.callCount(extractPrompt)).To(Equal(0))
		},
		Entry("NO", "NO"),
		Entry("empty", ""),
		Entry("MAYBE", "MAYBE"),
	)

	When("the image is a receipt", func() {
		It("returns the extraction text verbatim", func() {
			Expect(result.Outcome).To(Equal(OutcomeDetected))
			Expect(result.Text).To(Equal("Item,Price\nCoffee,3.50\nTotal,3.50"))
		})

		It("labels the message", func() {
			Expect(result.Message()).To(Equal("Receipt detected:\n\nItem,Price\nCoffee,3.50\nTotal,3.50"))
		})

		It("calls classify before extract", func() {
			Expect(model.calls).To(Equal([]string{classifyPrompt, extractPrompt}))
		})

		It("closes the request-scoped model", func() {
			Expect(model.closed).To(BeTrue())
		})

		It("records both calls and the outcome", func() {
			Expect(recorder.stages).To(Equal([]string{"classify", "extract"}))
			Expect(recorder.outcomes).To(Equal([]string{"detected"}))
		})
	})

	When("the image is not a receipt", func() {
		BeforeEach(func() {
			model.answers[classifyPrompt] = "NO"
		})

		It("short-circuits after classification", func() {
			Expect(model.calls).To(Equal([]string{classifyPrompt}))
		})

		It("returns the not-a-receipt message", func() {
			Expect(result.Message()).To(Equal("Not a receipt - analysis stopped."))
		})
	})

	When("the image bytes are malformed", func() {
		BeforeEach(func() {
			imageData = []byte("definitely not an image")
		})

		It("fails with a DecodeError", func() {
			Expect(result.Outcome).To(Equal(OutcomeFailed))
			var decodeErr *DecodeError
			Expect(errors.As(result.Err, &decodeErr)).To(BeTrue())
		})

		It("never opens a client or calls the model", func() {
			Expect(backend.opened).To(BeEmpty())
			Expect(model.calls).To(BeEmpty())
		})
	})

	When("the image is empty", func() {
		BeforeEach(func() {
			imageData = nil
		})

		It("fails without remote calls", func() {
			Expect(result.Outcome).To(Equal(OutcomeFailed))
			Expect(model.calls).To(BeEmpty())
		})
	})

	When("the client cannot be opened", func() {
		BeforeEach(func() {
			backend.openErr = errors.New("bad credentials")
		})

		It("fails with an open-stage RemoteCallError", func() {
			Expect(result.Outcome).To(Equal(OutcomeFailed))
			var remoteErr *RemoteCallError
			Expect(errors.As(result.Err, &remoteErr)).To(BeTrue())
			Expect(remoteErr.Stage).To(Equal(StageOpen))
		})
	})

	When("classification fails", func() {
		BeforeEach(func() {
			model.errs[classifyPrompt] = errors.New("quota exceeded")
		})

		It("fails with the error description", func() {
			Expect(result.Outcome).To(Equal(OutcomeFailed))
			Expect(result.Message()).To(HavePrefix("API Error: "))
			Expect(result.Message()).To(ContainSubstring("quota exceeded"))
		})

		It("never attempts extraction", func() {
			Expect(model.callCount(extractPrompt)).To(Equal(0))
		})

		It("tags the classify stage", func() {
			var remoteErr *RemoteCallError
			Expect(errors.As(result.Err, &remoteErr)).To(BeTrue())
			Expect(remoteErr.Stage).To(Equal(StageClassify))
		})
	})

	When("extraction fails", func() {
		BeforeEach(func() {
			model.errs[extractPrompt] = errors.New("service unavailable")
		})

		It("fails instead of reporting a detection", func() {
			Expect(result.Outcome).To(Equal(OutcomeFailed))
			Expect(result.Text).To(BeEmpty())
			Expect(result.Err).To(MatchError(ContainSubstring("service unavailable")))
		})

		It("tags the extract stage", func() {
			var remoteErr *RemoteCallError
			Expect(errors.As(result.Err, &remoteErr)).To(BeTrue())
			Expect(remoteErr.Stage).To(Equal(StageExtract))
		})
	})

	When("a remote call exceeds the timeout", func() {
		BeforeEach(func() {
			model.block = true
			pipeline = NewPipeline(backend, WithCallTimeout(10*time.Millisecond))
		})

		It("fails with a deadline error", func() {
			Expect(result.Outcome).To(Equal(OutcomeFailed))
			Expect(errors.Is(result.Err, context.DeadlineExceeded)).To(BeTrue())
		})
	})

	When("the model panics", func() {
		BeforeEach(func() {
			model.panics = true
		})

		It("reports a failure instead of crashing", func() {
			Expect(result.Outcome).To(Equal(OutcomeFailed))
			Expect(result.Message()).To(ContainSubstring("model exploded"))
		})
	})

	Describe("repeated invocations", func() {
		It("yields identical results for identical input", func() {
			second := pipeline.Analyze(context.Background(), imageData, "image/png", "test-key")
			Expect(second).To(Equal(result))
		})

		It("opens a fresh client with each caller's credential", func() {
			pipeline.Analyze(context.Background(), imageData, "image/png", "other-key")
			Expect(backend.opened).To(Equal([]string{"test-key", "other-key"}))
		})
	})

	Describe("concurrent invocations", func() {
		It("keeps each caller's credential to its own calls", func() {
			keyed := &keyedBackend{}
			shared := NewPipeline(keyed)

			const callers = 16
			results := make([]Result, callers)
			var wg sync.WaitGroup
			for i := range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					results[i] = shared.Analyze(context.Background(), imageData, "image/png", fmt.Sprintf("key-%d", i))
				}()
			}
			wg.Wait()

			for i, r := range results {
				Expect(r.Outcome).To(Equal(OutcomeDetected))
				Expect(r.Text).To(Equal(fmt.Sprintf("key=key-%d", i)))
			}
			Expect(keyed.opened).To(HaveLen(callers))
		})
	})
})
