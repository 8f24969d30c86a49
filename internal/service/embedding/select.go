package embedding

import (
	"context"
	"fmt"
	"log/slog"
)

// Options configures provider selection.
type Options struct {
	Kind        string // "auto", "openai", "ollama", or "noop"
	OpenAIKey   string
	OpenAIModel string
	OllamaURL   string
	OllamaModel string
	Dimensions  int
}

// Select picks a provider. "auto" prefers OpenAI when a key is configured,
// then a reachable Ollama server, then the deterministic noop provider.
// The returned provider is wrapped with the upstream retry ladder.
func Select(ctx context.Context, opts Options, logger *slog.Logger) (Provider, error) {
	var inner Provider
	switch opts.Kind {
	case "openai":
		if opts.OpenAIKey == "" {
			return nil, fmt.Errorf("embedding: openai provider requires OPENAI_API_KEY")
		}
		inner = NewOpenAIProvider(opts.OpenAIKey, opts.OpenAIModel, opts.Dimensions)
	case "ollama":
		inner = NewOllamaProvider(opts.OllamaURL, opts.OllamaModel, opts.Dimensions)
	case "noop":
		inner = NewNoopProvider(opts.Dimensions)
	case "auto", "":
		if opts.OpenAIKey != "" {
			logger.Info("embedding: auto-selected openai", "model", opts.OpenAIModel)
			inner = NewOpenAIProvider(opts.OpenAIKey, opts.OpenAIModel, opts.Dimensions)
			break
		}
		ollama := NewOllamaProvider(opts.OllamaURL, opts.OllamaModel, opts.Dimensions)
		if ollama.Reachable(ctx) {
			logger.Info("embedding: auto-selected ollama", "url", opts.OllamaURL, "model", opts.OllamaModel)
			inner = ollama
			break
		}
		logger.Warn("embedding: no provider reachable, using deterministic noop embeddings")
		inner = NewNoopProvider(opts.Dimensions)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", opts.Kind)
	}
	return NewRetrying(inner), nil
}
