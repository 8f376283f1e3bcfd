package tree

// BinStatsEntry accumulates gradient/hessian sums for the training
// examples whose binned feature value falls in one bin. Summed in
// float64 for precision regardless of the float32 inputs.
type BinStatsEntry struct {
	SumGradients float64
	SumHessians  float64
	Count        int
}

// BinStats is one tree node's per-(feature, bin) accumulator: a single
// flat slab addressed through the binned features' offset table, so the
// same slab serves the column-major per-feature loops and the row-major
// linear row scan. Recomputed by summing over the node's examples for
// the root and for the smaller of two sibling nodes; the larger sibling
// is always derived by subtraction from its parent (the subtraction
// trick).
type BinStats struct {
	Entries []BinStatsEntry
	offsets []uint32
}

// NewBinStats allocates a zeroed slab sized to the binned feature
// layout.
func NewBinStats(bf *BinnedFeatures) *BinStats {
	return &BinStats{Entries: make([]BinStatsEntry, bf.TotalBins()), offsets: bf.Offsets}
}

// PerFeature returns feature fi's bins as a sub-slice of the slab.
func (bs *BinStats) PerFeature(fi int) []BinStatsEntry {
	return bs.Entries[bs.offsets[fi]:bs.offsets[fi+1]]
}

// Reset zeroes every entry so the slab can be reused for a different
// node without reallocating.
func (bs *BinStats) Reset() {
	for i := range bs.Entries {
		bs.Entries[i] = BinStatsEntry{}
	}
}

// binStatsPool lends pre-allocated slabs to queue items during tree
// growth and reclaims them when a node is finalized. Sized lazily; a
// tree with max_leaf_nodes leaves never holds more than that many slabs
// at once, so after the first tree the pool stops allocating.
type binStatsPool struct {
	bf   *BinnedFeatures
	free []*BinStats
}

func newBinStatsPool(bf *BinnedFeatures) *binStatsPool {
	return &binStatsPool{bf: bf}
}

func (p *binStatsPool) get() *BinStats {
	if n := len(p.free); n > 0 {
		bs := p.free[n-1]
		p.free = p.free[:n-1]
		bs.Reset()
		return bs
	}
	return NewBinStats(p.bf)
}

func (p *binStatsPool) put(bs *BinStats) {
	if bs != nil {
		p.free = append(p.free, bs)
	}
}

// ComputeForExamples accumulates gradient/hessian sums for one feature
// over the given example indices, scanning the binned column directly.
// Used by the column-major layout, one goroutine per feature.
func ComputeForExamples(dst []BinStatsEntry, binned []uint16, examplesIndex []uint32, gradients, hessians []float32, hessiansAreConstant bool) {
	for i := range dst {
		dst[i] = BinStatsEntry{}
	}
	if hessiansAreConstant {
		// A constant per-example hessian of 1 makes sum_hessians equal
		// the bin's example count, so split gain still divides by a
		// meaningful curvature term.
		for _, ex := range examplesIndex {
			bin := binned[ex]
			dst[bin].SumGradients += float64(gradients[ex])
			dst[bin].SumHessians++
			dst[bin].Count++
		}
		return
	}
	for _, ex := range examplesIndex {
		bin := binned[ex]
		dst[bin].SumGradients += float64(gradients[ex])
		dst[bin].SumHessians += float64(hessians[ex])
		dst[bin].Count++
	}
}

// ComputeRowMajor accumulates the whole slab in one linear scan per
// example: each stored value already carries its feature's offset, so
// the inner loop is a single indexed add per feature. Per-(feature,bin)
// accumulation order over examples matches ComputeForExamples exactly,
// which is what keeps the two layouts bit-identical.
func ComputeRowMajor(bs *BinStats, bf *BinnedFeatures, examplesIndex []uint32, gradients, hessians []float32, hessiansAreConstant bool) {
	bs.Reset()
	stride := bf.NFeatures()
	if hessiansAreConstant {
		for _, ex := range examplesIndex {
			row := bf.RowMajor[int(ex)*stride : int(ex)*stride+stride]
			g := float64(gradients[ex])
			for _, slot := range row {
				e := &bs.Entries[slot]
				e.SumGradients += g
				e.SumHessians++
				e.Count++
			}
		}
		return
	}
	for _, ex := range examplesIndex {
		row := bf.RowMajor[int(ex)*stride : int(ex)*stride+stride]
		g := float64(gradients[ex])
		h := float64(hessians[ex])
		for _, slot := range row {
			e := &bs.Entries[slot]
			e.SumGradients += g
			e.SumHessians += h
			e.Count++
		}
	}
}

// Subtract computes parent - smallerChild in place on larger, the
// subtraction trick: rather than rescanning the larger child's
// examples, derive its bin-stats from the already-known parent and the
// smaller child.
func Subtract(parent, smallerChild, larger []BinStatsEntry) {
	for i := range larger {
		larger[i].SumGradients = parent[i].SumGradients - smallerChild[i].SumGradients
		larger[i].SumHessians = parent[i].SumHessians - smallerChild[i].SumHessians
		larger[i].Count = parent[i].Count - smallerChild[i].Count
	}
}
