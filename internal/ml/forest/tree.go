package forest

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
)

// leaf marks a node without children.
const leaf = -1

// minImpurity below which a node is treated as pure.
const minImpurity = 1e-12

// Node is one decision node. Value holds the weighted class counts of the
// training samples that reached the node.
type Node struct {
	Feature   int        `json:"f"`
	Threshold float64    `json:"t,omitempty"`
	Left      int        `json:"l,omitempty"`
	Right     int        `json:"r,omitempty"`
	Value     [2]float64 `json:"v"`
	Impurity  float64    `json:"i"`
	Weight    float64    `json:"w"`
	Samples   int        `json:"n"`
}

// Tree is a binary decision tree stored as a flat node slice; node 0 is the
// root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// apply returns the leaf reached by x. Missing values (NaN) go right.
func (t *Tree) apply(x []float64) *Node {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Feature == leaf {
			return n
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func (t *Tree) proba(x []float64) [2]float64 {
	n := t.apply(x)
	total := n.Value[0] + n.Value[1]
	if total <= 0 {
		return [2]float64{0.5, 0.5}
	}
	return [2]float64{n.Value[0] / total, n.Value[1] / total}
}

func (t *Tree) leaves() int {
	count := 0
	for _, n := range t.Nodes {
		if n.Feature == leaf {
			count++
		}
	}
	return count
}

// importances returns the mean decrease in impurity per feature, normalised
// to sum to 1. A tree without splits yields nil.
func (t *Tree) importances(nFeatures int) []float64 {
	if len(t.Nodes) < 2 {
		return nil
	}
	imp := make([]float64, nFeatures)
	for _, n := range t.Nodes {
		if n.Feature == leaf {
			continue
		}
		l, r := t.Nodes[n.Left], t.Nodes[n.Right]
		dec := n.Weight*n.Impurity - l.Weight*l.Impurity - r.Weight*r.Impurity
		if dec > 0 {
			imp[n.Feature] += dec
		}
	}
	total := 0.0
	for _, v := range imp {
		total += v
	}
	if total <= 0 {
		return nil
	}
	for i := range imp {
		imp[i] /= total
	}
	return imp
}

// prune applies minimal cost-complexity pruning: the weakest link is
// collapsed while its effective alpha does not exceed alpha.
func (t *Tree) prune(alpha float64) {
	if alpha <= 0 || len(t.Nodes) < 2 {
		return
	}
	rootWeight := t.Nodes[0].Weight
	if rootWeight <= 0 {
		return
	}
	cost := func(n *Node) float64 { return n.Weight / rootWeight * n.Impurity }

	for {
		weakest, weakestAlpha := -1, math.Inf(1)
		var walk func(i int) (float64, int)
		walk = func(i int) (float64, int) {
			n := &t.Nodes[i]
			if n.Feature == leaf {
				return cost(n), 1
			}
			rl, nl := walk(n.Left)
			rr, nr := walk(n.Right)
			subtree, leaves := rl+rr, nl+nr
			g := (cost(n) - subtree) / float64(leaves-1)
			if g < weakestAlpha {
				weakest, weakestAlpha = i, g
			}
			return subtree, leaves
		}
		walk(0)
		if weakest < 0 || weakestAlpha > alpha {
			break
		}
		t.Nodes[weakest].Feature = leaf
	}
	t.compact()
}

// compact drops nodes no longer reachable from the root.
func (t *Tree) compact() {
	out := make([]Node, 0, len(t.Nodes))
	var copyNode func(i int) int
	copyNode = func(i int) int {
		n := t.Nodes[i]
		idx := len(out)
		out = append(out, n)
		if n.Feature == leaf {
			out[idx].Left, out[idx].Right, out[idx].Threshold = 0, 0, 0
			return idx
		}
		l := copyNode(n.Left)
		r := copyNode(n.Right)
		out[idx].Left, out[idx].Right = l, r
		return idx
	}
	copyNode(0)
	t.Nodes = out
}

type criterion func(w0, w1 float64) float64

func gini(w0, w1 float64) float64 {
	total := w0 + w1
	if total <= 0 {
		return 0
	}
	p0, p1 := w0/total, w1/total
	return 1 - p0*p0 - p1*p1
}

func entropy(w0, w1 float64) float64 {
	total := w0 + w1
	if total <= 0 {
		return 0
	}
	h := 0.0
	for _, w := range [2]float64{w0, w1} {
		if w > 0 {
			p := w / total
			h -= p * math.Log2(p)
		}
	}
	return h
}

type split struct {
	feature     int
	threshold   float64
	improvement float64
	left, right []int
}

type candidate struct {
	node    int
	depth   int
	split   split
	samples []int
}

// splitQueue orders expandable nodes by impurity improvement, largest first,
// which gives best-first growth when the leaf count is capped.
type splitQueue []*candidate

func (q splitQueue) Len() int           { return len(q) }
func (q splitQueue) Less(i, j int) bool { return q[i].split.improvement > q[j].split.improvement }
func (q splitQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *splitQueue) Push(x any)        { *q = append(*q, x.(*candidate)) }

func (q *splitQueue) Pop() any {
	old := *q
	n := len(old)
	c := old[n-1]
	*q = old[:n-1]
	return c
}

type valued struct {
	v float64
	s int
}

type builder struct {
	x             [][]float64
	y             []int
	w             []float64
	params        *Params
	impurity      criterion
	rng           *rand.Rand
	nFeatures     int
	maxFeatures   int
	rootWeight    float64
	minWeightLeaf float64
	tree          *Tree
	buf           []valued
}

func (b *builder) build(samples []int) *Tree {
	b.tree = &Tree{}
	b.buf = make([]valued, len(samples))
	root := b.addNode(samples)
	b.rootWeight = b.tree.Nodes[root].Weight
	b.minWeightLeaf = b.params.MinWeightFractionLeaf * b.rootWeight

	queue := &splitQueue{}
	if c, ok := b.evaluate(root, samples, 0); ok {
		heap.Push(queue, c)
	}

	leaves := 1
	for queue.Len() > 0 {
		if b.params.MaxLeafNodes > 0 && leaves >= b.params.MaxLeafNodes {
			break
		}
		c := heap.Pop(queue).(*candidate)
		left := b.addNode(c.split.left)
		right := b.addNode(c.split.right)
		n := &b.tree.Nodes[c.node]
		n.Feature = c.split.feature
		n.Threshold = c.split.threshold
		n.Left, n.Right = left, right
		leaves++

		if lc, ok := b.evaluate(left, c.split.left, c.depth+1); ok {
			heap.Push(queue, lc)
		}
		if rc, ok := b.evaluate(right, c.split.right, c.depth+1); ok {
			heap.Push(queue, rc)
		}
	}

	b.tree.prune(b.params.CCPAlpha)
	return b.tree
}

func (b *builder) addNode(samples []int) int {
	var counts [2]float64
	for _, s := range samples {
		counts[b.y[s]] += b.w[s]
	}
	b.tree.Nodes = append(b.tree.Nodes, Node{
		Feature:  leaf,
		Value:    counts,
		Impurity: b.impurity(counts[0], counts[1]),
		Weight:   counts[0] + counts[1],
		Samples:  len(samples),
	})
	return len(b.tree.Nodes) - 1
}

// evaluate finds the best split of a node, honouring the stopping rules.
func (b *builder) evaluate(node int, samples []int, depth int) (*candidate, bool) {
	n := b.tree.Nodes[node]
	p := b.params
	switch {
	case p.MaxDepth > 0 && depth >= p.MaxDepth,
		len(samples) < p.MinSamplesSplit,
		len(samples) < 2*p.MinSamplesLeaf,
		n.Weight < 2*b.minWeightLeaf,
		n.Impurity <= minImpurity:
		return nil, false
	}

	best := split{feature: leaf, improvement: math.Inf(-1)}
	vals := b.buf[:len(samples)]
	visited := 0
	for _, f := range b.rng.Perm(b.nFeatures) {
		if visited >= b.maxFeatures && best.feature != leaf {
			break
		}
		for i, s := range samples {
			vals[i] = valued{v: b.x[s][f], s: s}
		}
		sort.Slice(vals, func(i, j int) bool {
			a, c := vals[i].v, vals[j].v
			if math.IsNaN(a) {
				return false
			}
			if math.IsNaN(c) {
				return true
			}
			return a < c
		})
		present := len(vals)
		for present > 0 && math.IsNaN(vals[present-1].v) {
			present--
		}
		if present < 2 || vals[0].v == vals[present-1].v {
			continue
		}
		visited++
		b.scan(f, vals, present, &n, &best)
	}

	if best.feature == leaf || best.improvement+minImpurity < p.MinImpurityDecrease {
		return nil, false
	}

	for _, s := range samples {
		if b.x[s][best.feature] <= best.threshold {
			best.left = append(best.left, s)
		} else {
			best.right = append(best.right, s)
		}
	}
	return &candidate{node: node, depth: depth, split: best, samples: samples}, true
}

func (b *builder) scan(f int, vals []valued, present int, n *Node, best *split) {
	p := b.params
	var left [2]float64
	for i := 0; i < present-1; i++ {
		s := vals[i].s
		left[b.y[s]] += b.w[s]
		if vals[i].v == vals[i+1].v {
			continue
		}
		nLeft := i + 1
		nRight := len(vals) - nLeft
		if nLeft < p.MinSamplesLeaf || nRight < p.MinSamplesLeaf {
			continue
		}
		wl := left[0] + left[1]
		wr := n.Weight - wl
		if wl < b.minWeightLeaf || wr < b.minWeightLeaf || wl <= 0 || wr <= 0 {
			continue
		}
		right := [2]float64{math.Max(n.Value[0]-left[0], 0), math.Max(n.Value[1]-left[1], 0)}
		child := wl/n.Weight*b.impurity(left[0], left[1]) + wr/n.Weight*b.impurity(right[0], right[1])
		improvement := n.Weight / b.rootWeight * (n.Impurity - child)
		if improvement > best.improvement {
			threshold := vals[i].v/2 + vals[i+1].v/2
			if threshold >= vals[i+1].v || math.IsInf(threshold, 0) {
				threshold = vals[i].v
			}
			*best = split{feature: f, threshold: threshold, improvement: improvement}
		}
	}
}
