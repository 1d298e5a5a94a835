package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OllamaBackend talks to an Ollama server (or an authenticating proxy in front of one).
// Recommended vision models for receipts:
//   - llava:1.6 (best balance of accuracy and speed)
//   - qwen2-vl:7b (good OCR capabilities)
//   - llava-phi3 (smaller, faster, but less accurate)
type OllamaBackend struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a new Ollama backend
func NewOllama(baseURL string, modelName string) *OllamaBackend {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}

	return &OllamaBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		// Calls are bounded by their context, not the client
		client: &http.Client{},
	}
}

// Name identifies the backend in logs and metrics
func (o *OllamaBackend) Name() string {
	return "ollama"
}

// Open binds the credential to a model handle. The HTTP client is shared;
// the credential lives only on the returned value.
func (o *OllamaBackend) Open(ctx context.Context, credential string) (Model, error) {
	return &ollamaModel{backend: o, credential: credential}, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

type ollamaModel struct {
	backend    *OllamaBackend
	credential string
}

// Generate posts a single non-streaming chat turn with the image attached
func (m *ollamaModel) Generate(ctx context.Context, prompt string, img Image) (string, error) {
	reqBody := ollamaChatRequest{
		Model:  m.backend.model,
		Stream: false,
		Messages: []ollamaMessage{
			{
				Role:    "user",
				Content: prompt,
				Images:  []string{base64.StdEncoding.EncodeToString(img.Data)},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", m.backend.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.credential != "" {
		req.Header.Set("Authorization", "Bearer "+m.credential)
	}

	resp, err := m.backend.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return chatResp.Message.Content, nil
}

// Close is a no-op; the HTTP client belongs to the backend
func (m *ollamaModel) Close() error {
	return nil
}
