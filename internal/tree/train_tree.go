package tree

import (
	"container/heap"
	"sync"
)

// Node is the closed sum type over branch and leaf nodes of a grown
// tree, walked at prediction time.
type Node struct {
	IsLeaf bool

	// Branch
	LeftChild  int
	RightChild int
	Split      Split
	Gain       float32

	// Leaf
	Value float64

	// Both: the fraction of training examples that reached this node.
	ExamplesFraction float32
}

// Tree is a single grown tree: a flat node array, root at index 0.
type Tree struct {
	Nodes []Node
}

// Predict walks the tree for one row of binned feature values, returning
// the trained leaf value (learning-rate shrinkage already baked in at
// leaf-creation time).
func (t *Tree) Predict(binnedRow []uint16) float64 {
	idx := 0
	for {
		n := t.Nodes[idx]
		if n.IsLeaf {
			return n.Value
		}
		if n.Split.Continuous {
			bin := int(binnedRow[n.Split.FeatureIndex])
			var goLeft bool
			if bin == 0 {
				goLeft = n.Split.InvalidValuesDirection == DirectionLeft
			} else {
				goLeft = bin <= n.Split.BinIndex
			}
			if goLeft {
				idx = n.LeftChild
			} else {
				idx = n.RightChild
			}
		} else {
			bin := int(binnedRow[n.Split.FeatureIndex])
			if n.Split.Directions[bin] == DirectionLeft {
				idx = n.LeftChild
			} else {
				idx = n.RightChild
			}
		}
	}
}

// queueItem is a pending node in the best-first growth frontier: every
// leaf candidate competes for the next split by its gain.
type queueItem struct {
	gain              float32
	parentIndex       int // -1 for root
	isLeftChild       bool
	depth             int
	examplesIndexFrom int
	examplesIndexTo   int
	sumGradients      float64
	sumHessians       float64
	binStats          *BinStats // borrowed from the pool, returned on finalization
	candidate         SplitCandidate
	hasSplit          bool
}

type priorityQueue []*queueItem

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].gain != q[j].gain {
		return q[i].gain > q[j].gain
	}
	// Equal gains break by (feature, bin) ascending so growth order is
	// deterministic.
	a, b := q[i].candidate.Split, q[j].candidate.Split
	if a.FeatureIndex != b.FeatureIndex {
		return a.FeatureIndex < b.FeatureIndex
	}
	return a.BinIndex < b.BinIndex
}
func (q priorityQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x interface{}) { *q = append(*q, x.(*queueItem)) }
func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// TrainContext bundles the per-round, per-tree inputs needed to grow one
// tree: binned features, the example-to-row index, the gradients and
// hessians computed for this round, and the scratch buffers allocated
// once for the whole training run.
type TrainContext struct {
	BinnedFeatures      *BinnedFeatures
	Instructions        []BinningInstruction
	Gradients           []float32
	Hessians            []float32
	HessiansAreConstant bool
	Options             Options

	Pool         *binStatsPool
	LeftScratch  []uint32
	RightScratch []uint32
}

// NewTrainContext allocates the reusable buffers for one training run.
func NewTrainContext(bf *BinnedFeatures, instructions []BinningInstruction, opts Options, nExamples int) *TrainContext {
	return &TrainContext{
		BinnedFeatures: bf,
		Instructions:   instructions,
		Options:        opts,
		Pool:           newBinStatsPool(bf),
		LeftScratch:    make([]uint32, nExamples),
		RightScratch:   make([]uint32, nExamples),
	}
}

// Grow trains one tree over every example (examplesIndex holds the
// initial row ordering, typically 0..n), growing leaves in best-first
// order until MaxLeafNodes is reached or no further split clears the
// gain/size thresholds.
func Grow(ctx *TrainContext, examplesIndex []uint32) *Tree {
	nFeatures := ctx.BinnedFeatures.NFeatures()
	nExamples := len(examplesIndex)
	if ctx.Pool == nil {
		ctx.Pool = newBinStatsPool(ctx.BinnedFeatures)
	}

	rootStats := ctx.Pool.get()
	var sumGradients, sumHessians float64
	for _, ex := range examplesIndex {
		sumGradients += float64(ctx.Gradients[ex])
		if ctx.HessiansAreConstant {
			sumHessians += 1
		} else {
			sumHessians += float64(ctx.Hessians[ex])
		}
	}
	computeBinStats(ctx, rootStats, examplesIndex)

	nodes := []Node{}
	queue := &priorityQueue{}
	heap.Init(queue)

	root := &queueItem{
		parentIndex:       -1,
		depth:             0,
		examplesIndexFrom: 0,
		examplesIndexTo:   nExamples,
		sumGradients:      sumGradients,
		sumHessians:       sumHessians,
		binStats:          rootStats,
	}
	evaluateItem(ctx, root, nFeatures)
	if root.hasSplit {
		heap.Push(queue, root)
	} else {
		nodes = append(nodes, leafNode(root, nExamples, ctx.Options))
		ctx.Pool.put(rootStats)
		return &Tree{Nodes: nodes}
	}

	// Every queue item becomes at least one leaf, so splitting stops as
	// soon as finalized leaves plus pending items reach the budget; the
	// drain below then turns the pending items into leaves without ever
	// exceeding MaxLeafNodes.
	leafCount := 0
	for queue.Len() > 0 && leafCount+queue.Len() < ctx.Options.MaxLeafNodes {
		item := heap.Pop(queue).(*queueItem)

		nodeIndex := len(nodes)
		nodes = append(nodes, Node{}) // placeholder, filled below
		if item.parentIndex >= 0 {
			if item.isLeftChild {
				nodes[item.parentIndex].LeftChild = nodeIndex
			} else {
				nodes[item.parentIndex].RightChild = nodeIndex
			}
		}

		if !item.hasSplit || (ctx.Options.MaxDepth >= 0 && item.depth >= ctx.Options.MaxDepth) {
			nodes[nodeIndex] = leafNode(item, nExamples, ctx.Options)
			ctx.Pool.put(item.binStats)
			leafCount++
			continue
		}

		nodes[nodeIndex] = Node{
			IsLeaf:           false,
			Split:            item.candidate.Split,
			Gain:             item.candidate.Gain,
			ExamplesFraction: float32(item.examplesIndexTo-item.examplesIndexFrom) / float32(nExamples),
		}

		mid := partitionExamples(ctx, examplesIndex[item.examplesIndexFrom:item.examplesIndexTo], item.candidate.Split) + item.examplesIndexFrom

		leftFrom, leftTo := item.examplesIndexFrom, mid
		rightFrom, rightTo := mid, item.examplesIndexTo
		leftIsSmaller := (leftTo - leftFrom) <= (rightTo - rightFrom)

		leftStats := ctx.Pool.get()
		rightStats := ctx.Pool.get()
		if leftIsSmaller {
			computeBinStats(ctx, leftStats, examplesIndex[leftFrom:leftTo])
			Subtract(item.binStats.Entries, leftStats.Entries, rightStats.Entries)
		} else {
			computeBinStats(ctx, rightStats, examplesIndex[rightFrom:rightTo])
			Subtract(item.binStats.Entries, rightStats.Entries, leftStats.Entries)
		}
		ctx.Pool.put(item.binStats)

		leftItem := &queueItem{
			parentIndex: nodeIndex, isLeftChild: true, depth: item.depth + 1,
			examplesIndexFrom: leftFrom, examplesIndexTo: leftTo,
			sumGradients: item.candidate.LeftSumGradients, sumHessians: item.candidate.LeftSumHessians,
			binStats: leftStats,
		}
		rightItem := &queueItem{
			parentIndex: nodeIndex, isLeftChild: false, depth: item.depth + 1,
			examplesIndexFrom: rightFrom, examplesIndexTo: rightTo,
			sumGradients: item.candidate.RightSumGradients, sumHessians: item.candidate.RightSumHessians,
			binStats: rightStats,
		}
		for _, child := range []*queueItem{leftItem, rightItem} {
			if child.examplesIndexTo-child.examplesIndexFrom < 2*ctx.Options.MinExamplesPerNode {
				child.hasSplit = false
			} else {
				evaluateItem(ctx, child, nFeatures)
			}
			if child.hasSplit {
				heap.Push(queue, child)
			} else {
				placeholder := len(nodes)
				nodes = append(nodes, leafNode(child, nExamples, ctx.Options))
				ctx.Pool.put(child.binStats)
				if child.isLeftChild {
					nodes[nodeIndex].LeftChild = placeholder
				} else {
					nodes[nodeIndex].RightChild = placeholder
				}
				leafCount++
			}
		}
	}

	// Drain any remaining queue items into leaves (MaxLeafNodes reached).
	for queue.Len() > 0 {
		item := heap.Pop(queue).(*queueItem)
		nodeIndex := len(nodes)
		nodes = append(nodes, leafNode(item, nExamples, ctx.Options))
		ctx.Pool.put(item.binStats)
		if item.parentIndex >= 0 {
			if item.isLeftChild {
				nodes[item.parentIndex].LeftChild = nodeIndex
			} else {
				nodes[item.parentIndex].RightChild = nodeIndex
			}
		}
	}

	return &Tree{Nodes: nodes}
}

// epsilon guards the leaf-value denominator against a zero or
// near-zero hessian sum, matching Rust's f64::EPSILON.
const epsilon = 2.220446049250313e-16

// leafValue is the shrinkage-scaled Newton step: the learning rate is
// folded into the stored value so prediction updates are a plain add.
func leafValue(sumGradients, sumHessians float64, learningRate, l2 float32) float64 {
	return -float64(learningRate) * sumGradients / (sumHessians + float64(l2) + epsilon)
}

func leafNode(item *queueItem, nExamplesTotal int, opts Options) Node {
	return Node{
		IsLeaf:           true,
		Value:            leafValue(item.sumGradients, item.sumHessians, opts.LearningRate, opts.L2RegularizationForContinuousSplits),
		ExamplesFraction: float32(item.examplesIndexTo-item.examplesIndexFrom) / float32(nExamplesTotal),
	}
}

// evaluateItem finds the best split across every feature for this
// queue item, fanning the per-feature scans over a small worker pool.
// Results are reduced in ascending feature order, so equal gains
// resolve to the lowest feature index no matter which goroutine
// finished first.
func evaluateItem(ctx *TrainContext, item *queueItem, nFeatures int) {
	type result struct {
		candidate SplitCandidate
		ok        bool
	}
	results := make([]result, nFeatures)
	var wg sync.WaitGroup
	jobs := make(chan int, nFeatures)
	for fi := 0; fi < nFeatures; fi++ {
		jobs <- fi
	}
	close(jobs)

	workerCount := nFeatures
	if workerCount > 8 {
		workerCount = 8
	}
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for fi := range jobs {
				parentN := item.examplesIndexTo - item.examplesIndexFrom
				c, ok := ChooseBestSplitForFeature(fi, ctx.Instructions[fi], item.binStats.PerFeature(fi), item.sumGradients, item.sumHessians, parentN, ctx.Options)
				results[fi] = result{candidate: c, ok: ok}
			}
		}()
	}
	wg.Wait()

	best := SplitCandidate{Gain: ctx.Options.MinGainToSplit}
	found := false
	for _, r := range results {
		if r.ok && r.candidate.Gain > best.Gain {
			best = r.candidate
			found = true
		}
	}
	item.candidate = best
	item.hasSplit = found
}

// computeBinStats fills one node's slab for the configured layout: the
// column-major path runs one goroutine per feature, the row-major path
// is a single linear scan whose per-feature accumulation order matches
// the column-major one, keeping the layouts bit-identical.
func computeBinStats(ctx *TrainContext, stats *BinStats, examplesIndex []uint32) {
	if ctx.BinnedFeatures.Layout == LayoutRowMajor {
		ComputeRowMajor(stats, ctx.BinnedFeatures, examplesIndex, ctx.Gradients, ctx.Hessians, ctx.HessiansAreConstant)
		return
	}
	var wg sync.WaitGroup
	for fi := range ctx.BinnedFeatures.Columns {
		wg.Add(1)
		go func(fi int) {
			defer wg.Done()
			ComputeForExamples(stats.PerFeature(fi), ctx.BinnedFeatures.Columns[fi], examplesIndex, ctx.Gradients, ctx.Hessians, ctx.HessiansAreConstant)
		}(fi)
	}
	wg.Wait()
}

// partitionExamples reorders the examples slice so that every example
// routed left comes before every example routed right, preserving
// example order within each side. The left/right scratch buffers are
// held by the context for the whole training run.
func partitionExamples(ctx *TrainContext, examples []uint32, split Split) int {
	goesLeft := func(ex uint32) bool {
		bin := ctx.BinnedFeatures.BinAt(split.FeatureIndex, int(ex))
		if split.Continuous {
			if bin == 0 {
				return split.InvalidValuesDirection == DirectionLeft
			}
			return int(bin) <= split.BinIndex
		}
		return split.Directions[bin] == DirectionLeft
	}
	left := ctx.LeftScratch[:0]
	right := ctx.RightScratch[:0]
	for _, ex := range examples {
		if goesLeft(ex) {
			left = append(left, ex)
		} else {
			right = append(right, ex)
		}
	}
	copy(examples, left)
	copy(examples[len(left):], right)
	return len(left)
}
