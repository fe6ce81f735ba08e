package transcript

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// DefaultMatchThreshold is the cosine similarity above which two chunk-local
// speakers are considered the same person.
const DefaultMatchThreshold = 0.75

// EmbeddingReconciler matches chunk-local speakers across chunks by comparing
// per-chunk voice embeddings against running centroids of the speakers seen
// so far. Matching is greedy by similarity within each chunk and two local
// speakers of one chunk never map to the same global speaker.
type EmbeddingReconciler struct {
	Threshold float64
}

type centroid struct {
	sum []float64
	n   int
}

func (c *centroid) add(v []float32) {
	if c.sum == nil {
		c.sum = make([]float64, len(v))
	}
	for i := range min(len(v), len(c.sum)) {
		c.sum[i] += float64(v[i])
	}
	c.n++
}

func (c *centroid) mean() []float64 {
	m := make([]float64, len(c.sum))
	for i, v := range c.sum {
		m[i] = v / float64(c.n)
	}
	return m
}

type candidate struct {
	label   string
	cluster int
	sim     float64
}

// Reconcile returns global names ("speaker-01", ...) for every chunk-local
// speaker that has an embedding and appears in at least one speech segment.
// Results must be ordered by chunk index for the numbering to be stable.
func (r EmbeddingReconciler) Reconcile(results []ChunkResult) map[SpeakerLabel]string {
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}

	out := make(map[SpeakerLabel]string)
	var clusters []*centroid

	for _, res := range results {
		if res.Failed() {
			continue
		}
		labels := spokenLabels(res)

		var cands []candidate
		for _, label := range labels {
			emb := res.Embeddings[label]
			for ci, c := range clusters {
				if sim := cosine(emb, c.mean()); sim >= threshold {
					cands = append(cands, candidate{label: label, cluster: ci, sim: sim})
				}
			}
		}
		slices.SortFunc(cands, func(a, b candidate) int {
			if c := cmp.Compare(b.sim, a.sim); c != 0 {
				return c
			}
			if c := cmp.Compare(a.label, b.label); c != 0 {
				return c
			}
			return cmp.Compare(a.cluster, b.cluster)
		})

		assigned := make(map[string]int)
		taken := make(map[int]bool)
		for _, c := range cands {
			if _, ok := assigned[c.label]; ok || taken[c.cluster] {
				continue
			}
			assigned[c.label] = c.cluster
			taken[c.cluster] = true
		}
		for _, label := range labels {
			if _, ok := assigned[label]; !ok {
				clusters = append(clusters, &centroid{})
				assigned[label] = len(clusters) - 1
			}
		}

		// Centroids move only after the whole chunk is matched.
		for _, label := range labels {
			ci := assigned[label]
			clusters[ci].add(res.Embeddings[label])
			out[SpeakerLabel{Chunk: res.Index, Local: label}] = fmt.Sprintf("speaker-%02d", ci+1)
		}
	}
	return out
}

// spokenLabels lists, sorted, the local speakers of a chunk that both carry
// an embedding and own at least one speech segment.
func spokenLabels(res ChunkResult) []string {
	seen := make(map[string]bool)
	var labels []string
	for _, s := range res.Segments {
		l := s.Speaker.Local
		if s.IsError() || l == "" || seen[l] || len(res.Embeddings[l]) == 0 {
			continue
		}
		seen[l] = true
		labels = append(labels, l)
	}
	slices.Sort(labels)
	return labels
}

func cosine(a []float32, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x := float64(a[i])
		dot += x * b[i]
		na += x * x
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
