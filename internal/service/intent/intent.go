// Package intent classifies queries as sql, semantic, or hybrid.
//
// A deterministic rules tier is always available; an optional LLM tier runs
// in parallel under a hard deadline and may override the rules only when it
// is decisively more confident. The LLM is never load-bearing: any failure
// degrades silently to the rules result.
package intent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/shinka-ai/shinka/internal/model"
)

// LLMProvider classifies a query using a language model. Implementations
// must respect the context deadline.
type LLMProvider interface {
	Classify(ctx context.Context, query string) (model.Intent, error)
}

// Analyzer combines the rules tier with the optional LLM tier.
type Analyzer struct {
	llm     LLMProvider // nil disables the LLM tier
	breaker *gobreaker.CircuitBreaker
	margin  float64
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an analyzer. llm may be nil. margin is how much the LLM's
// confidence must exceed the rules confidence to win; timeout is the LLM
// hard deadline.
func New(llm LLMProvider, margin float64, timeout time.Duration, logger *slog.Logger) *Analyzer {
	var breaker *gobreaker.CircuitBreaker
	if llm != nil {
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "llm-intent",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Info("intent: llm breaker state change", "from", from.String(), "to", to.String())
			},
		})
	}
	return &Analyzer{
		llm:     llm,
		breaker: breaker,
		margin:  margin,
		timeout: timeout,
		logger:  logger,
	}
}

// Classify returns the routing intent for a query. conceptRatio is the
// evolution bias published by the tracker; it shifts the token-scan scores
// toward the semantic path without code changes.
func (a *Analyzer) Classify(ctx context.Context, query string, conceptRatio float64) (model.Intent, error) {
	if strings.TrimSpace(query) == "" {
		return model.Intent{}, model.ErrEmptyQuery
	}

	// Kick the LLM off first so it overlaps the (cheap) rules tier.
	var llmCh chan llmResult
	if a.llm != nil {
		llmCh = make(chan llmResult, 1)
		go a.classifyLLM(ctx, query, llmCh)
	}

	det := classifyRules(query, conceptRatio)

	// A strong SQL prefix is definitive; don't wait on the LLM for it.
	if det.Decision == model.DecisionSQL && det.Confidence == 1.0 {
		return det, nil
	}

	if llmCh != nil {
		res := <-llmCh
		if res.err != nil {
			a.logger.Debug("intent: llm tier unavailable, using rules", "error", res.err)
			return det, nil
		}
		if res.intent.Confidence >= det.Confidence+a.margin {
			res.intent.Source = model.IntentSourceLLM
			res.intent.SQLHits = det.SQLHits
			res.intent.SemanticHits = det.SemanticHits
			return res.intent, nil
		}
	}
	return det, nil
}

type llmResult struct {
	intent model.Intent
	err    error
}

func (a *Analyzer) classifyLLM(ctx context.Context, query string, out chan<- llmResult) {
	llmCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	v, err := a.breaker.Execute(func() (any, error) {
		return a.llm.Classify(llmCtx, query)
	})
	if err != nil {
		out <- llmResult{err: err}
		return
	}
	out <- llmResult{intent: v.(model.Intent)}
}
