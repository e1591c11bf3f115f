package store

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// VectorConfig tunes the HNSW graph.
type VectorConfig struct {
	Dimensions int
	M          int
	EfSearch   int
}

// VectorResult is one nearest neighbour.
type VectorResult struct {
	ID       string
	Distance float32
}

// VectorIndex maps record ids onto a coder/hnsw graph with cosine distance.
//
// Deletes are lazy: the node stays in the graph and only its id mapping is
// dropped, because removing nodes from coder/hnsw can break the graph when
// the entry point goes away. Orphaned nodes are skipped at search time and
// disappear when the index is rebuilt.
type VectorIndex struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	cfg     VectorConfig
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
}

// NewVectorIndex creates an empty index.
func NewVectorIndex(cfg VectorConfig) *VectorIndex {
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 64
	}
	v := &VectorIndex{cfg: cfg}
	v.reset()
	return v
}

func (v *VectorIndex) reset() {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = v.cfg.M
	g.EfSearch = v.cfg.EfSearch
	g.Ml = 0.25
	v.graph = g
	v.idMap = make(map[string]uint64)
	v.keyMap = make(map[uint64]string)
	v.nextKey = 0
}

// Reset drops every vector.
func (v *VectorIndex) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reset()
}

// Add inserts vectors. Zero vectors are not added: they have no direction
// and would make every cosine distance NaN.
func (v *VectorIndex) Add(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	for _, vec := range vectors {
		if len(vec) != v.cfg.Dimensions {
			return ErrDimensionMismatch{Expected: v.cfg.Dimensions, Got: len(vec)}
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for i, id := range ids {
		if old, ok := v.idMap[id]; ok {
			delete(v.keyMap, old)
			delete(v.idMap, id)
		}
		vec, ok := unit(vectors[i])
		if !ok {
			continue
		}
		key := v.nextKey
		v.nextKey++
		v.graph.Add(hnsw.MakeNode(key, vec))
		v.idMap[id] = key
		v.keyMap[key] = id
	}
	return nil
}

// Delete drops the id mappings of ids.
func (v *VectorIndex) Delete(ids []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		if key, ok := v.idMap[id]; ok {
			delete(v.keyMap, key)
			delete(v.idMap, id)
		}
	}
}

// Search returns up to k live neighbours of query, closest first.
func (v *VectorIndex) Search(query []float32, k int) ([]VectorResult, error) {
	if len(query) != v.cfg.Dimensions {
		return nil, ErrDimensionMismatch{Expected: v.cfg.Dimensions, Got: len(query)}
	}
	q, ok := unit(query)
	if !ok || k <= 0 {
		return nil, nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	nodes := v.graph.Len()
	if nodes == 0 || len(v.idMap) == 0 {
		return nil, nil
	}
	// Ask for enough nodes to survive the orphans.
	want := k + (nodes - len(v.idMap))
	if want > nodes {
		want = nodes
	}

	found := v.graph.Search(q, want)
	results := make([]VectorResult, 0, len(found))
	for _, node := range found {
		id, live := v.keyMap[node.Key]
		if !live {
			continue
		}
		results = append(results, VectorResult{ID: id, Distance: v.graph.Distance(q, node.Value)})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Len returns the number of live vectors.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.idMap)
}

// Orphans returns the number of lazily deleted graph nodes.
func (v *VectorIndex) Orphans() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.graph.Len() - len(v.idMap)
}

// unit returns a normalized copy of vec, or false for a zero vector.
func unit(vec []float32) ([]float32, bool) {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) {
		return nil, false
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, x := range vec {
		out[i] = x / norm
	}
	return out, true
}
