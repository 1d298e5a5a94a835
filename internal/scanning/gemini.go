package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGeminiModel is used when no model name is configured
const DefaultGeminiModel = "gemini-1.5-pro"

// GeminiBackend opens Google Gemini clients, one per credential
type GeminiBackend struct {
	modelName string
	opts      []option.ClientOption
}

// NewGemini creates a Gemini backend. Extra client options (endpoint, HTTP
// client) are applied after the per-request API key.
func NewGemini(modelName string, opts ...option.ClientOption) *GeminiBackend {
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	return &GeminiBackend{
		modelName: modelName,
		opts:      opts,
	}
}

// Name identifies the backend in logs and metrics
func (g *GeminiBackend) Name() string {
	return "gemini"
}

// Open creates a client authenticated with credential
func (g *GeminiBackend) Open(ctx context.Context, credential string) (Model, error) {
	if credential == "" {
		return nil, errors.New("gemini api key is required")
	}

	opts := append([]option.ClientOption{option.WithAPIKey(credential)}, g.opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &geminiModel{
		client: client,
		model:  client.GenerativeModel(g.modelName),
	}, nil
}

type geminiModel struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// Generate sends the prompt followed by the image
func (m *geminiModel) Generate(ctx context.Context, prompt string, img Image) (string, error) {
	// genai.ImageData wants the format suffix ("png"), not the MIME type
	resp, err := m.model.GenerateContent(ctx,
		genai.Text(prompt),
		genai.ImageData(img.Format(), img.Data),
	)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	return responseText(resp)
}

func (m *geminiModel) Close() error {
	return m.client.Close()
}

// responseText concatenates the text parts of the first candidate
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("no response from gemini")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from gemini (finish reason: %s)", candidate.FinishReason)
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return text.String(), nil
}
