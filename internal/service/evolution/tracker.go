// Package evolution tracks how a deployment's query mix matures and decides
// when routing may lean harder on the concept layer.
//
// The tracker observes every routed query, keeps a rolling window of the
// most recent ones, and advances the deployment phase when the mix shows
// the semantic layer is carrying real, well-served traffic. Advancement is
// one-way: automatic regression never happens.
package evolution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shinka-ai/shinka/internal/model"
)

// Store is the persistence surface for the evolution singleton and its
// audit trail. *storage.DB satisfies it.
type Store interface {
	GetEvolutionState(ctx context.Context) (model.EvolutionState, error)
	SaveEvolutionState(ctx context.Context, s model.EvolutionState) error
	RecordEvolutionEvent(ctx context.Context, fromPhase, toPhase int, forced bool, reason string) error
	ListEvolutionHistory(ctx context.Context, limit int) ([]model.EvolutionEvent, error)
}

// evaluateInterval is how often the background loop re-checks advancement
// and persists the counters.
const evaluateInterval = 30 * time.Second

// Tracker is the evolution state machine. One instance per process; writes
// go through a mutex, reads come from an atomically published snapshot that
// is at most one update stale.
type Tracker struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	state  model.EvolutionState
	window *window

	snapshot atomic.Pointer[model.EvolutionSnapshot]

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New loads the persisted state and builds a tracker. The rolling window
// starts empty on every boot; lifetime counters come from the store.
func New(ctx context.Context, store Store, logger *slog.Logger) (*Tracker, error) {
	state, err := store.GetEvolutionState(ctx)
	if err != nil {
		return nil, fmt.Errorf("evolution: load state: %w", err)
	}
	if state.Phase < model.MinPhase {
		state.Phase = model.MinPhase
		state.ConceptRatio = model.ConceptRatio(state.Phase)
	}

	t := &Tracker{
		store:  store,
		logger: logger,
		state:  state,
		window: newWindow(model.EvolutionWindowSize),
		done:   make(chan struct{}),
	}
	t.publishLocked()
	return t, nil
}

// Start launches the periodic evaluate-and-persist loop. Call Stop to end it.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(evaluateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				t.tick(ctx)
				cancel()
			}
		}
	}()
}

// Stop halts the background loop and persists a final state. Safe to call
// more than once.
func (t *Tracker) Stop(ctx context.Context) {
	t.stopOnce.Do(func() {
		close(t.done)
		t.wg.Wait()
		t.mu.Lock()
		state := t.state
		t.mu.Unlock()
		if err := t.store.SaveEvolutionState(ctx, state); err != nil {
			t.logger.Warn("evolution: final state save failed", "error", err)
		}
	})
}

func (t *Tracker) tick(ctx context.Context) {
	t.mu.Lock()
	ok, reason := t.evaluateLocked()
	if ok {
		t.advanceLocked(ctx, t.state.Phase+1, false, reason)
	}
	state := t.state
	t.mu.Unlock()

	if err := t.store.SaveEvolutionState(ctx, state); err != nil {
		t.logger.Warn("evolution: periodic state save failed", "error", err)
	}
}

// Observe records one routed query and re-evaluates advancement.
func (t *Tracker) Observe(ctx context.Context, o model.Observation) {
	t.mu.Lock()
	t.window.push(o)
	t.state.TotalQueries++
	t.state.QueriesSinceAdvancement++
	switch o.Decision {
	case model.DecisionSQL:
		t.state.SQLQueries++
	case model.DecisionSemantic:
		t.state.SemanticQueries++
	case model.DecisionHybrid:
		t.state.HybridQueries++
	}

	ok, reason := t.evaluateLocked()
	if ok {
		t.advanceLocked(ctx, t.state.Phase+1, false, reason)
	}
	t.publishLocked()
	t.mu.Unlock()
}

// publishLocked refreshes the lock-free snapshot. Callers hold t.mu.
func (t *Tracker) publishLocked() {
	snap := &model.EvolutionSnapshot{
		Phase:                   t.state.Phase,
		ConceptRatio:            t.state.ConceptRatio,
		WindowSize:              t.window.size,
		TotalQueries:            t.state.TotalQueries,
		QueriesSinceAdvancement: t.state.QueriesSinceAdvancement,
		SQLShare:                t.window.share(model.DecisionSQL),
		SemanticShare:           t.window.share(model.DecisionSemantic),
		HybridShare:             t.window.share(model.DecisionHybrid),
		AvgConfidenceSQL:        t.window.avgConfidence(model.DecisionSQL),
		AvgConfidenceSemantic:   t.window.avgConfidence(model.DecisionSemantic),
		AvgConfidenceHybrid:     t.window.avgConfidence(model.DecisionHybrid),
		P95RelationalMS:         t.window.relational.p95(),
		P95SemanticMS:           t.window.semantic.p95(),
		CacheHits:               t.window.cacheHits,
		MergeHits:               t.window.mergeHits,
		AdvancedAt:              t.state.AdvancedAt,
	}
	t.snapshot.Store(snap)
}

// Snapshot returns the latest published view.
func (t *Tracker) Snapshot() model.EvolutionSnapshot {
	return *t.snapshot.Load()
}

// ConceptRatio is the routing bias for the current phase. Hot path: reads
// the snapshot, never the mutex.
func (t *Tracker) ConceptRatio() float64 {
	return t.snapshot.Load().ConceptRatio
}

// evaluateLocked checks the advancement preconditions. Callers hold t.mu.
// Returns whether to advance and a human-readable reason either way.
func (t *Tracker) evaluateLocked() (bool, string) {
	if t.state.Phase >= model.MaxPhase {
		return false, "already at final phase"
	}
	target := t.state.Phase + 1

	if t.state.QueriesSinceAdvancement < model.AdvancementMinQueries {
		return false, fmt.Sprintf("need %d queries since last advancement, have %d",
			model.AdvancementMinQueries, t.state.QueriesSinceAdvancement)
	}

	share := t.window.share(model.DecisionSemantic) + t.window.share(model.DecisionHybrid)
	if need := model.AdvancementTarget(target); share < need {
		return false, fmt.Sprintf("semantic share %.2f below target %.2f for phase %d", share, need, target)
	}

	if avg := t.window.avgConfidence(model.DecisionSemantic); avg < model.AdvancementMinConfidence {
		return false, fmt.Sprintf("avg semantic confidence %.2f below %.2f", avg, model.AdvancementMinConfidence)
	}

	p95Sem := t.window.semantic.p95()
	p95Rel := t.window.relational.p95()
	if p95Sem > model.AdvancementP95FloorMS && (p95Rel == 0 || float64(p95Sem) > model.AdvancementMaxP95Ratio*float64(p95Rel)) {
		return false, fmt.Sprintf("p95 semantic %dms too slow vs relational %dms", p95Sem, p95Rel)
	}

	return true, fmt.Sprintf("share %.2f, avg semantic confidence %.2f, p95 semantic %dms vs relational %dms",
		share, t.window.avgConfidence(model.DecisionSemantic), p95Sem, p95Rel)
}

// advanceLocked moves to toPhase, persists, and records the event. Callers
// hold t.mu.
func (t *Tracker) advanceLocked(ctx context.Context, toPhase int, forced bool, reason string) {
	from := t.state.Phase
	now := time.Now().UTC()
	t.state.Phase = toPhase
	t.state.ConceptRatio = model.ConceptRatio(toPhase)
	t.state.QueriesSinceAdvancement = 0
	t.state.AdvancedAt = &now

	if err := t.store.SaveEvolutionState(ctx, t.state); err != nil {
		t.logger.Error("evolution: state save on advancement failed", "error", err)
	}
	if err := t.store.RecordEvolutionEvent(ctx, from, toPhase, forced, reason); err != nil {
		t.logger.Warn("evolution: history record failed", "error", err)
	}
	t.logger.Info("evolution: phase change",
		"from_phase", from, "to_phase", toPhase, "forced", forced, "reason", reason)
	t.publishLocked()
}

// TriggerEvolution is the operator entry point. Without force the usual
// preconditions apply and only the next phase is reachable. With force any
// phase in range is set, including a lower one; that is the only path to
// regression.
func (t *Tracker) TriggerEvolution(ctx context.Context, targetPhase *int, force bool) (model.EvolutionState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := t.state.Phase + 1
	if targetPhase != nil {
		target = *targetPhase
	}
	if target < model.MinPhase || target > model.MaxPhase {
		return model.EvolutionState{}, fmt.Errorf("evolution: phase %d out of range [%d, %d]",
			target, model.MinPhase, model.MaxPhase)
	}

	if !force {
		if target != t.state.Phase+1 {
			return model.EvolutionState{}, fmt.Errorf("evolution: cannot jump from phase %d to %d without force",
				t.state.Phase, target)
		}
		ok, reason := t.evaluateLocked()
		if !ok {
			return model.EvolutionState{}, fmt.Errorf("evolution: preconditions not met: %s", reason)
		}
		t.advanceLocked(ctx, target, false, "operator trigger: "+reason)
		return t.state, nil
	}

	if target == t.state.Phase {
		return t.state, nil
	}
	t.advanceLocked(ctx, target, true, "operator trigger: forced")
	return t.state, nil
}

// State returns a copy of the persisted counters.
func (t *Tracker) State() model.EvolutionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// History returns the advancement audit trail, newest first.
func (t *Tracker) History(ctx context.Context, limit int) ([]model.EvolutionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return t.store.ListEvolutionHistory(ctx, limit)
}
