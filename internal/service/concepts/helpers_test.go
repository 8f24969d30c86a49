package concepts

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shinka-ai/shinka/internal/model"
)

func TestStrengthRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		usage   int64
		degree  int64
		avgEdge float64
	}{
		{"fresh concept", 0, 0, 0},
		{"light use", 5, 2, 0.3},
		{"heavy use", 1_000_000, 500, 1.0},
		{"edges only", 0, 10, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := strength(tt.usage, tt.degree, tt.avgEdge)
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		})
	}
}

func TestStrengthMonotoneInUsage(t *testing.T) {
	t.Parallel()

	prev := strength(0, 3, 0.5)
	for _, usage := range []int64{1, 10, 100, 10_000, 1_000_000} {
		cur := strength(usage, 3, 0.5)
		assert.GreaterOrEqual(t, cur, prev, "usage=%d", usage)
		prev = cur
	}
}

func TestStrengthMonotoneInDegree(t *testing.T) {
	t.Parallel()

	prev := strength(10, 0, 0.5)
	for _, degree := range []int64{1, 2, 5, 10, 100} {
		cur := strength(10, degree, 0.5)
		assert.GreaterOrEqual(t, cur, prev, "degree=%d", degree)
		prev = cur
	}
}

func TestStrengthFreshConceptIsZero(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.0, strength(0, 0, 0))
}

func TestEmbeddingText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "laptop", embeddingText("laptop", ""))
	assert.Equal(t, "laptop: a portable computer", embeddingText("laptop", "a portable computer"))
}

func TestValidateClientMetadataRejectsReservedKeys(t *testing.T) {
	t.Parallel()

	assert.NoError(t, validateClientMetadata(nil))
	assert.NoError(t, validateClientMetadata(map[string]any{"color": "red"}))

	err := validateClientMetadata(map[string]any{"source_key": map[string]any{"table": "products"}})
	assert.ErrorIs(t, err, model.ErrInvalidConcept)

	err = validateClientMetadata(map[string]any{"mapping_rule": "x"})
	assert.ErrorIs(t, err, model.ErrInvalidConcept)
}

func TestSortedNeighborIDs(t *testing.T) {
	t.Parallel()

	rels := []model.Relation{
		{SourceID: "a", TargetID: "c", Type: model.RelationRelatedTo},
		{SourceID: "b", TargetID: "a", Type: model.RelationIsA},
		{SourceID: "a", TargetID: "b", Type: model.RelationPartOf},
	}
	assert.Equal(t, []string{"b", "c"}, sortedNeighborIDs("a", rels))
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	t.Parallel()

	km := newKeyedMutex()
	var counter, max int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("same")
			defer unlock()

			mu.Lock()
			counter++
			if counter > max {
				max = counter
			}
			mu.Unlock()

			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, max, "at most one holder of the same key at a time")
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	t.Parallel()

	km := newKeyedMutex()
	unlock := km.Lock("k")
	unlock()

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.locks, "released keys must not leak map entries")
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	t.Parallel()

	km := newKeyedMutex()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()
	<-done // would hang if "b" waited on "a"
}
