package tree

// computeFeatureImportances sums each feature's total split gain across
// every tree, then normalizes to a probability distribution — the
// standard "gain" importance metric.
func computeFeatureImportances(trees []*Tree, nFeatures int) []float32 {
	importances := make([]float64, nFeatures)
	for _, t := range trees {
		for _, n := range t.Nodes {
			if !n.IsLeaf {
				importances[n.Split.FeatureIndex] += float64(n.Gain)
			}
		}
	}
	var total float64
	for _, v := range importances {
		total += v
	}
	out := make([]float32, nFeatures)
	if total == 0 {
		return out
	}
	for i, v := range importances {
		out[i] = float32(v / total)
	}
	return out
}
