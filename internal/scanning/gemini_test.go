package scanning

import (
	"context"

	"github.com/google/generative-ai-go/genai"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("GeminiBackend", func() {
	It("defaults the model name", func() {
		Expect(NewGemini("").modelName).To(Equal(DefaultGeminiModel))
		Expect(NewGemini("gemini-2.5-flash").modelName).To(Equal("gemini-2.5-flash"))
	})

	It("refuses to open without a credential", func() {
		_, err := NewGemini("").Open(context.Background(), "")
		Expect(err).To(MatchError("gemini api key is required"))
	})
})

var _ = Describe("responseText", func() {
	It("concatenates the text parts of the first candidate", func() {
		resp := &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []genai.Part{
					genai.Text("Item,Price\n"),
					genai.ImageData("png", []byte{1}),
					genai.Text("Tea,2.00"),
				}},
			}},
		}

		text, err := responseText(resp)
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(Equal("Item,Price\nTea,2.00"))
	})

	It("fails without candidates", func() {
		_, err := responseText(&genai.GenerateContentResponse{})
		Expect(err).To(MatchError("no response from gemini"))
	})

	It("fails on a blocked candidate", func() {
		resp := &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
		}
		_, err := responseText(resp)
		Expect(err).To(MatchError(ContainSubstring("empty response from gemini")))
	})

	It("fails on a nil response", func() {
		_, err := responseText(nil)
		Expect(err).To(HaveOccurred())
	})
})
