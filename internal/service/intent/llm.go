package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shinka-ai/shinka/internal/model"
)

// OllamaProvider classifies intents with a small local model via Ollama's
// generate API in JSON mode. Any OpenAI-compatible completion endpoint
// would serve; the prompt asks for a strict JSON verdict.
type OllamaProvider struct {
	url        string
	modelName  string
	httpClient *http.Client
}

// NewOllamaProvider creates an LLM intent provider. url is the Ollama base
// URL; the per-call deadline comes from the caller's context.
func NewOllamaProvider(url, modelName string) *OllamaProvider {
	return &OllamaProvider{
		url:        url,
		modelName:  modelName,
		httpClient: &http.Client{},
	}
}

const intentPrompt = `Classify the database query below as exactly one of "sql", "semantic", or "hybrid".
"sql" means it should run on a relational engine, "semantic" means it is a natural-language similarity request, "hybrid" means both.
Reply with JSON only: {"kind": "...", "confidence": 0.0, "reason": "..."}

Query: %s`

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

type llmVerdict struct {
	Kind       string  `json:"kind"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Classify asks the model for a routing verdict.
func (p *OllamaProvider) Classify(ctx context.Context, query string) (model.Intent, error) {
	reqBody, err := json.Marshal(ollamaGenerateRequest{
		Model:  p.modelName,
		Prompt: fmt.Sprintf(intentPrompt, query),
		Format: "json",
		Stream: false,
	})
	if err != nil {
		return model.Intent{}, fmt.Errorf("intent: marshal llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return model.Intent{}, fmt.Errorf("intent: create llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return model.Intent{}, fmt.Errorf("intent: llm request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return model.Intent{}, fmt.Errorf("intent: llm status %d: %s", resp.StatusCode, string(body))
	}

	var gen ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return model.Intent{}, fmt.Errorf("intent: decode llm response: %w", err)
	}

	var verdict llmVerdict
	if err := json.Unmarshal([]byte(gen.Response), &verdict); err != nil {
		return model.Intent{}, fmt.Errorf("intent: llm returned non-JSON verdict: %w", err)
	}

	decision := model.Decision(verdict.Kind)
	if !decision.Valid() {
		return model.Intent{}, fmt.Errorf("intent: llm returned unknown kind %q", verdict.Kind)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return model.Intent{}, fmt.Errorf("intent: llm confidence %v out of range", verdict.Confidence)
	}

	return model.Intent{
		Decision:    decision,
		Confidence:  verdict.Confidence,
		Source:      model.IntentSourceLLM,
		Explanation: verdict.Reason,
	}, nil
}
