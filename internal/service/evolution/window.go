package evolution

import "github.com/shinka-ai/shinka/internal/model"

// latencyBucketBounds are the upper bounds (ms) of the fixed histogram used
// for p95 estimation. The top bucket is open-ended.
var latencyBucketBounds = [...]int64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// latencyHistogram is a fixed-bucket histogram supporting removal, so it
// can track a sliding window.
type latencyHistogram struct {
	counts [len(latencyBucketBounds) + 1]int64
	total  int64
}

func bucketFor(ms int64) int {
	for i, bound := range latencyBucketBounds {
		if ms <= bound {
			return i
		}
	}
	return len(latencyBucketBounds)
}

func (h *latencyHistogram) add(ms int64) {
	h.counts[bucketFor(ms)]++
	h.total++
}

func (h *latencyHistogram) remove(ms int64) {
	h.counts[bucketFor(ms)]--
	h.total--
}

// p95 returns the upper bound of the bucket containing the 95th percentile.
// Zero when the histogram is empty; the open top bucket reports the last
// finite bound.
func (h *latencyHistogram) p95() int64 {
	if h.total == 0 {
		return 0
	}
	rank := (h.total*95 + 99) / 100 // ceil(0.95 * total)
	var cum int64
	for i, c := range h.counts[:len(latencyBucketBounds)] {
		cum += c
		if cum >= rank {
			return latencyBucketBounds[i]
		}
	}
	return latencyBucketBounds[len(latencyBucketBounds)-1]
}

// window holds the last N observations with incrementally maintained
// aggregates, so Snapshot never rescans the ring.
type window struct {
	ring []model.Observation
	head int
	size int

	countByKind      map[model.Decision]int64
	confidenceByKind map[model.Decision]float64
	cacheHits        int64
	mergeHits        int64

	relational latencyHistogram
	semantic   latencyHistogram
}

func newWindow(capacity int) *window {
	return &window{
		ring:             make([]model.Observation, capacity),
		countByKind:      make(map[model.Decision]int64),
		confidenceByKind: make(map[model.Decision]float64),
	}
}

func (w *window) push(o model.Observation) {
	if w.size == len(w.ring) {
		w.evict(w.ring[w.head])
	} else {
		w.size++
	}
	w.ring[w.head] = o
	w.head = (w.head + 1) % len(w.ring)
	w.apply(o)
}

func (w *window) apply(o model.Observation) {
	w.countByKind[o.Decision]++
	w.confidenceByKind[o.Decision] += o.Confidence
	if o.CacheHit {
		w.cacheHits++
	}
	if o.MergeHit {
		w.mergeHits++
	}
	if o.RelationalMS > 0 {
		w.relational.add(o.RelationalMS)
	}
	if o.SemanticMS > 0 {
		w.semantic.add(o.SemanticMS)
	}
}

func (w *window) evict(o model.Observation) {
	w.countByKind[o.Decision]--
	w.confidenceByKind[o.Decision] -= o.Confidence
	if o.CacheHit {
		w.cacheHits--
	}
	if o.MergeHit {
		w.mergeHits--
	}
	if o.RelationalMS > 0 {
		w.relational.remove(o.RelationalMS)
	}
	if o.SemanticMS > 0 {
		w.semantic.remove(o.SemanticMS)
	}
}

func (w *window) share(kind model.Decision) float64 {
	if w.size == 0 {
		return 0
	}
	return float64(w.countByKind[kind]) / float64(w.size)
}

func (w *window) avgConfidence(kind model.Decision) float64 {
	n := w.countByKind[kind]
	if n == 0 {
		return 0
	}
	return w.confidenceByKind[kind] / float64(n)
}
