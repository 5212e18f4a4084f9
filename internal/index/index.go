// Package index implements the in-process approximate-nearest-neighbor
// index for face embeddings: a small HNSW-style layered proximity graph
// over unit-normalized vectors with cosine similarity.
//
// An Index is immutable once built. The identity store constructs a fresh
// generation for every applied update batch and publishes it with an atomic
// pointer swap, so readers never block and never observe a partially
// applied batch.
package index

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/visiona/gatenode/internal/models"
)

var (
	// ErrDimension is returned when a vector does not match the index dimension.
	ErrDimension = errors.New("wrong vector dimension")
)

// Options configures graph construction and search.
type Options struct {
	Dim            int
	M              int // max neighbors per node above layer 0
	EfConstruction int // candidate pool size during insert
	EfSearch       int // candidate pool size during query
	Seed           int64
}

// DefaultOptions returns the construction parameters used by the gate node.
func DefaultOptions() Options {
	return Options{
		Dim:            models.EmbeddingDim,
		M:              16,
		EfConstruction: 200,
		EfSearch:       50,
		Seed:           1,
	}
}

// Result is one query neighbor.
type Result struct {
	PersonID   string
	Similarity float32
}

type item struct {
	personID string
	vec      []float32 // unit length
}

type node struct {
	level int
	links [][]uint32
}

// Index is an immutable generation of the ANN graph.
type Index struct {
	opts     Options
	version  uint64
	items    []item
	nodes    []node
	entry    int
	maxLevel int
}

// Version returns the identity-store version this generation was built for.
func (x *Index) Version() uint64 { return x.version }

// Len returns the number of stored embeddings.
func (x *Index) Len() int { return len(x.items) }

// distance between two unit vectors: 1 - cosine similarity.
func dist(a, b []float32) float32 {
	return 1 - models.Dot(a, b)
}

// Builder accumulates embeddings and produces an immutable Index.
type Builder struct {
	idx      *Index
	rng      *rand.Rand
	levelMul float64
}

// NewBuilder creates a builder for a new index generation.
func NewBuilder(opts Options) *Builder {
	if opts.Dim <= 0 {
		opts.Dim = models.EmbeddingDim
	}
	if opts.M <= 0 {
		opts.M = 16
	}
	if opts.EfConstruction < opts.M {
		opts.EfConstruction = opts.M * 4
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = 50
	}
	return &Builder{
		idx: &Index{
			opts:  opts,
			entry: -1,
		},
		rng:      rand.New(rand.NewSource(opts.Seed)),
		levelMul: 1 / math.Log(float64(opts.M)),
	}
}

// Add inserts one embedding for a person. The vector is normalized before
// insertion.
func (b *Builder) Add(personID string, vec []float32) error {
	x := b.idx
	if len(vec) != x.opts.Dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vec), x.opts.Dim)
	}

	v := models.Normalize(vec)
	id := uint32(len(x.items))
	level := int(-math.Log(b.rng.Float64()) * b.levelMul)

	x.items = append(x.items, item{personID: personID, vec: v})
	n := node{level: level, links: make([][]uint32, level+1)}
	x.nodes = append(x.nodes, n)

	if x.entry < 0 {
		x.entry = int(id)
		x.maxLevel = level
		return nil
	}

	ep := uint32(x.entry)
	// Greedy descent through layers above the new node's level.
	for l := x.maxLevel; l > level; l-- {
		ep = x.greedyClosest(v, ep, l)
	}

	top := level
	if top > x.maxLevel {
		top = x.maxLevel
	}
	for l := top; l >= 0; l-- {
		candidates := x.searchLayer(v, ep, x.opts.EfConstruction, l)
		maxLinks := x.opts.M
		if l == 0 {
			maxLinks = x.opts.M * 2
		}
		neighbors := x.selectNearest(v, candidates, maxLinks)
		x.nodes[id].links[l] = neighbors
		for _, nb := range neighbors {
			x.link(nb, id, l, maxLinks)
		}
		if len(neighbors) > 0 {
			ep = neighbors[0]
		}
	}

	if level > x.maxLevel {
		x.maxLevel = level
		x.entry = int(id)
	}
	return nil
}

// Build finalizes the index for the given store version.
func (b *Builder) Build(version uint64) *Index {
	b.idx.version = version
	return b.idx
}

// link adds src as a neighbor of dst at layer l, pruning to maxLinks.
func (x *Index) link(dst, src uint32, l, maxLinks int) {
	links := append(x.nodes[dst].links[l], src)
	if len(links) > maxLinks {
		links = x.selectNearest(x.items[dst].vec, links, maxLinks)
	}
	x.nodes[dst].links[l] = links
}

// selectNearest keeps the maxLinks closest candidates to q, sorted by
// ascending distance.
func (x *Index) selectNearest(q []float32, candidates []uint32, maxLinks int) []uint32 {
	type scored struct {
		id uint32
		d  float32
	}
	seen := make(map[uint32]struct{}, len(candidates))
	all := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		all = append(all, scored{id: c, d: dist(q, x.items[c].vec)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].d != all[j].d {
			return all[i].d < all[j].d
		}
		return all[i].id < all[j].id
	})
	if len(all) > maxLinks {
		all = all[:maxLinks]
	}
	out := make([]uint32, len(all))
	for i, s := range all {
		out[i] = s.id
	}
	return out
}

// greedyClosest walks layer l from ep toward q until no neighbor improves.
func (x *Index) greedyClosest(q []float32, ep uint32, l int) uint32 {
	cur := ep
	curDist := dist(q, x.items[cur].vec)
	for {
		improved := false
		if l <= x.nodes[cur].level {
			for _, nb := range x.nodes[cur].links[l] {
				if d := dist(q, x.items[nb].vec); d < curDist {
					cur, curDist = nb, d
					improved = true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayer runs a best-first search on layer l and returns up to ef
// candidate node ids, closest first.
func (x *Index) searchLayer(q []float32, ep uint32, ef, l int) []uint32 {
	type scored struct {
		id uint32
		d  float32
	}

	visited := map[uint32]struct{}{ep: {}}
	epDist := dist(q, x.items[ep].vec)
	frontier := []scored{{ep, epDist}}
	results := []scored{{ep, epDist}}

	popNearest := func() scored {
		best := 0
		for i := 1; i < len(frontier); i++ {
			if frontier[i].d < frontier[best].d {
				best = i
			}
		}
		s := frontier[best]
		frontier = append(frontier[:best], frontier[best+1:]...)
		return s
	}
	worstResult := func() float32 {
		worst := results[0].d
		for _, r := range results[1:] {
			if r.d > worst {
				worst = r.d
			}
		}
		return worst
	}
	dropWorst := func() {
		worst := 0
		for i := 1; i < len(results); i++ {
			if results[i].d > results[worst].d {
				worst = i
			}
		}
		results = append(results[:worst], results[worst+1:]...)
	}

	for len(frontier) > 0 {
		c := popNearest()
		if len(results) >= ef && c.d > worstResult() {
			break
		}
		if l > x.nodes[c.id].level {
			continue
		}
		for _, nb := range x.nodes[c.id].links[l] {
			if _, ok := visited[nb]; ok {
				continue
			}
			visited[nb] = struct{}{}
			d := dist(q, x.items[nb].vec)
			if len(results) < ef || d < worstResult() {
				frontier = append(frontier, scored{nb, d})
				results = append(results, scored{nb, d})
				if len(results) > ef {
					dropWorst()
				}
			}
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].d != results[j].d {
			return results[i].d < results[j].d
		}
		return results[i].id < results[j].id
	})
	out := make([]uint32, len(results))
	for i, r := range results {
		out[i] = r.id
	}
	return out
}

// Search returns up to k nearest stored embeddings to the query vector,
// ordered by descending similarity. Ties are broken by smallest person id
// so results are stable across generations.
func (x *Index) Search(query []float32, k int) ([]Result, error) {
	if len(query) != x.opts.Dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(query), x.opts.Dim)
	}
	if x.entry < 0 || k <= 0 {
		return nil, nil
	}

	q := models.Normalize(query)
	ep := uint32(x.entry)
	for l := x.maxLevel; l > 0; l-- {
		ep = x.greedyClosest(q, ep, l)
	}

	ef := x.opts.EfSearch
	if ef < k {
		ef = k
	}
	ids := x.searchLayer(q, ep, ef, 0)

	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		it := x.items[id]
		results = append(results, Result{
			PersonID:   it.personID,
			Similarity: models.Dot(q, it.vec),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].PersonID < results[j].PersonID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
