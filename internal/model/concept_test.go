package model

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConceptFields(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		cname   string
		desc    string
		wantErr bool
	}{
		{"valid", "c1", "wireless headphones", "bluetooth audio device", false},
		{"empty name", "c1", "", "", true},
		{"id too long", strings.Repeat("x", 65), "ok", "", true},
		{"id at limit", strings.Repeat("x", 64), "ok", "", false},
		{"name too long", "c1", strings.Repeat("n", 513), "", true},
		{"name at limit", "c1", strings.Repeat("n", 512), "", false},
		{"description too long", "c1", "ok", strings.Repeat("d", 64*1024+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConceptFields(tt.id, tt.cname, tt.desc)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConcept)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateVector(t *testing.T) {
	t.Run("nil is valid", func(t *testing.T) {
		require.NoError(t, ValidateVector(nil))
	})

	t.Run("correct dimension", func(t *testing.T) {
		require.NoError(t, ValidateVector(make([]float32, EmbeddingDimensions)))
	})

	t.Run("wrong dimension", func(t *testing.T) {
		err := ValidateVector(make([]float32, 128))
		var dim *DimensionMismatchError
		require.ErrorAs(t, err, &dim)
		assert.Equal(t, 128, dim.Got)
		assert.Equal(t, EmbeddingDimensions, dim.Want)
	})

	t.Run("NaN rejected", func(t *testing.T) {
		v := make([]float32, EmbeddingDimensions)
		v[10] = float32(math.NaN())
		require.ErrorIs(t, ValidateVector(v), ErrInvalidConcept)
	})

	t.Run("Inf rejected", func(t *testing.T) {
		v := make([]float32, EmbeddingDimensions)
		v[0] = float32(math.Inf(1))
		require.ErrorIs(t, ValidateVector(v), ErrInvalidConcept)
	})
}

func TestValidateRelation(t *testing.T) {
	valid := Relation{SourceID: "a", TargetID: "b", Type: RelationIsA, Strength: 0.5}
	require.NoError(t, ValidateRelation(valid))

	t.Run("self edge", func(t *testing.T) {
		r := valid
		r.TargetID = "a"
		require.ErrorIs(t, ValidateRelation(r), ErrInvalidRelation)
	})

	t.Run("unknown type", func(t *testing.T) {
		r := valid
		r.Type = "causes"
		require.ErrorIs(t, ValidateRelation(r), ErrInvalidRelation)
	})

	t.Run("strength bounds", func(t *testing.T) {
		r := valid
		r.Strength = 0
		require.ErrorIs(t, ValidateRelation(r), ErrInvalidRelation)
		r.Strength = 1.01
		require.ErrorIs(t, ValidateRelation(r), ErrInvalidRelation)
		r.Strength = 1.0
		require.NoError(t, ValidateRelation(r))
	})
}

func TestIsInputError(t *testing.T) {
	assert.True(t, IsInputError(ErrEmptyQuery))
	assert.True(t, IsInputError(ErrUnknownTenant))
	assert.True(t, IsInputError(&DimensionMismatchError{Got: 3, Want: 384}))
	assert.False(t, IsInputError(ErrUpstreamUnavailable))
	assert.False(t, IsInputError(&UpstreamError{Layer: LayerVector, Err: assert.AnError}))
}

func TestConceptRatio(t *testing.T) {
	assert.Equal(t, 0.1, ConceptRatio(1))
	assert.Equal(t, 0.3, ConceptRatio(2))
	assert.Equal(t, 0.7, ConceptRatio(3))
	assert.Equal(t, 1.0, ConceptRatio(4))
}

func TestAdvancementTarget(t *testing.T) {
	assert.Equal(t, 0.20, AdvancementTarget(2))
	assert.Equal(t, 0.50, AdvancementTarget(3))
	assert.Equal(t, 0.80, AdvancementTarget(4))
	assert.Zero(t, AdvancementTarget(1))
}
