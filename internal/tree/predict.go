package tree

// Predict runs a full model over one row of binned feature values,
// returning one output value per tree-per-round slot (1 for
// regression/binary, NClasses for multiclass).
func (m *Model) Predict(binnedRow []uint16) []float64 {
	out := append([]float64(nil), m.Biases...)
	for i, t := range m.Trees {
		classIndex := i % m.NTreesPerRound
		out[classIndex] += t.Predict(binnedRow)
	}
	return out
}

// Contribution is one tree's contribution to one output slot, used for
// explaining a single prediction.
type Contribution struct {
	FeatureIndex int
	Value        float64
}

// FeatureContributions decomposes one prediction's output slot into a
// bias term plus one contribution per branch node traversed, summed per
// feature.
func (m *Model) FeatureContributions(binnedRow []uint16, classIndex int) (bias float64, contributions []Contribution) {
	bias = m.Biases[classIndex]
	totals := make(map[int]float64)
	for i, t := range m.Trees {
		if i%m.NTreesPerRound != classIndex {
			continue
		}
		walkContribution(t, binnedRow, totals)
	}
	for fi, v := range totals {
		contributions = append(contributions, Contribution{FeatureIndex: fi, Value: v})
	}
	return bias, contributions
}

// walkContribution attributes the difference between a leaf's value and
// its tree's root value to the features split on along the path.
func walkContribution(t *Tree, binnedRow []uint16, totals map[int]float64) {
	idx := 0
	rootValue := treeValueAt(t, 0, binnedRow)
	prevValue := rootValue
	for {
		n := t.Nodes[idx]
		if n.IsLeaf {
			return
		}
		var next int
		if n.Split.Continuous {
			bin := int(binnedRow[n.Split.FeatureIndex])
			if bin == 0 {
				if n.Split.InvalidValuesDirection == DirectionLeft {
					next = n.LeftChild
				} else {
					next = n.RightChild
				}
			} else if bin <= n.Split.BinIndex {
				next = n.LeftChild
			} else {
				next = n.RightChild
			}
		} else {
			bin := int(binnedRow[n.Split.FeatureIndex])
			if n.Split.Directions[bin] == DirectionLeft {
				next = n.LeftChild
			} else {
				next = n.RightChild
			}
		}
		nextValue := treeValueAt(t, next, binnedRow)
		totals[n.Split.FeatureIndex] += nextValue - prevValue
		prevValue = nextValue
		idx = next
	}
}

// treeValueAt returns the expected value of the subtree rooted at idx:
// a leaf's own value, or the simple mean of its two children's values
// for a branch (a coarse but adequate attribution baseline).
func treeValueAt(t *Tree, idx int, binnedRow []uint16) float64 {
	n := t.Nodes[idx]
	if n.IsLeaf {
		return n.Value
	}
	return (treeValueAt(t, n.LeftChild, binnedRow) + treeValueAt(t, n.RightChild, binnedRow)) / 2
}
