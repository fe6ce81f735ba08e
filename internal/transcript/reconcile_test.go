package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmbeddingReconciler(t *testing.T) {
	results := []ChunkResult{
		{Index: 0, Segments: []Segment{speech(0, 1, "A", "x"), speech(1, 2, "B", "y")},
			Embeddings: map[string][]float32{"A": {1, 0, 0}, "B": {0, 1, 0}}},
		{Index: 1, Segments: []Segment{speech(0, 1, "X", "x"), speech(1, 2, "Y", "y"), speech(2, 3, "Z", "z"), speech(3, 4, "N", "n")},
			Embeddings: map[string][]float32{"X": {0, 0.9, 0.1}, "Y": {0.9, 0.1, 0}, "Z": {0, 0, 1}}},
		{Index: 2, Failure: &Failure{Kind: "provider_fatal"},
			Embeddings: map[string][]float32{"A": {1, 0, 0}}},
	}

	got := EmbeddingReconciler{Threshold: 0.8}.Reconcile(results)
	want := map[SpeakerLabel]string{
		{Chunk: 0, Local: "A"}: "speaker-01",
		{Chunk: 0, Local: "B"}: "speaker-02",
		{Chunk: 1, Local: "X"}: "speaker-02",
		{Chunk: 1, Local: "Y"}: "speaker-01",
		{Chunk: 1, Local: "Z"}: "speaker-03",
	}
	assert.Equal(t, want, got)
}

func TestEmbeddingReconcilerNeverMergesSpeakersOfOneChunk(t *testing.T) {
	results := []ChunkResult{
		{Index: 0, Segments: []Segment{speech(0, 1, "A", "x")},
			Embeddings: map[string][]float32{"A": {1, 0}}},
		{Index: 1, Segments: []Segment{speech(0, 1, "P", "x"), speech(1, 2, "Q", "y")},
			Embeddings: map[string][]float32{"P": {0.99, 0.01}, "Q": {0.98, 0.02}}},
	}
	got := EmbeddingReconciler{}.Reconcile(results)
	assert.Equal(t, "speaker-01", got[SpeakerLabel{Chunk: 1, Local: "P"}])
	assert.Equal(t, "speaker-02", got[SpeakerLabel{Chunk: 1, Local: "Q"}])
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{2, 0}, []float64{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float32{1}, []float64{1, 0}))
	assert.Equal(t, 0.0, cosine(nil, nil))
}
