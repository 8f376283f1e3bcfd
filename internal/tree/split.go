package tree

import "github.com/frankmgb/tangram/internal/table"

// SplitDirection says which child an invalid/missing value, or a
// discrete bin, is routed to.
type SplitDirection uint8

const (
	DirectionLeft SplitDirection = iota
	DirectionRight
)

// Split is a closed sum type over the two split variants: a threshold
// comparison against a continuous (binned number) feature, or a
// per-bin left/right assignment over a discrete (enum) feature.
type Split struct {
	Continuous bool

	FeatureIndex int

	// Continuous
	SplitValue             float32
	BinIndex               int
	InvalidValuesDirection SplitDirection

	// Discrete
	Directions []SplitDirection // len == NBins for FeatureIndex; index 0 == invalid bin
}

// SplitCandidate is the best split found for one feature, with its gain
// and the resulting left/right aggregate statistics.
type SplitCandidate struct {
	Split             Split
	Gain              float32
	LeftSumGradients  float64
	LeftSumHessians   float64
	LeftNExamples     int
	RightSumGradients float64
	RightSumHessians  float64
	RightNExamples    int
}

// Options configures split-finding and tree-growth behavior.
type Options struct {
	MaxLeafNodes                         int
	MaxDepth                             int
	MinExamplesPerNode                   int
	MinGainToSplit                       float32
	MinSumHessiansPerNode                float32
	L2RegularizationForContinuousSplits  float32
	L2RegularizationForDiscreteSplits    float32
	SmoothingFactorForDiscreteBins       float32
	MaxRounds                            int
	LearningRate                         float32
	MaxValidBinsForNumberFeatures        int
	MaxExamplesForComputingBinThresholds int
	BinnedFeaturesLayout                 Layout
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxLeafNodes:                         31,
		MaxDepth:                             -1,
		MinExamplesPerNode:                   20,
		MinGainToSplit:                       0.0,
		MinSumHessiansPerNode:                1e-3,
		L2RegularizationForContinuousSplits:  0.0,
		L2RegularizationForDiscreteSplits:    10.0,
		SmoothingFactorForDiscreteBins:       10.0,
		MaxRounds:                            100,
		LearningRate:                         0.1,
		MaxValidBinsForNumberFeatures:        MaxValidBins,
		MaxExamplesForComputingBinThresholds: 200000,
		BinnedFeaturesLayout:                 LayoutColumnMajor,
	}
}

// ChooseBestSplitForFeature scans a feature's bin-stats and returns the
// best continuous (or discrete) split for it, or ok=false if no split
// clears MinExamplesPerNode / MinGainToSplit.
func ChooseBestSplitForFeature(
	featureIndex int,
	instr BinningInstruction,
	binStats []BinStatsEntry,
	parentSumGradients, parentSumHessians float64,
	parentNExamples int,
	opts Options,
) (SplitCandidate, bool) {
	if instr.Kind == table.KindEnum {
		return chooseBestDiscreteSplit(featureIndex, instr, binStats, parentSumGradients, parentSumHessians, parentNExamples, opts)
	}
	return chooseBestContinuousSplit(featureIndex, instr, binStats, parentSumGradients, parentSumHessians, parentNExamples, opts)
}

func chooseBestContinuousSplit(
	featureIndex int,
	instr BinningInstruction,
	binStats []BinStatsEntry,
	parentSumGradients, parentSumHessians float64,
	parentNExamples int,
	opts Options,
) (SplitCandidate, bool) {
	best := SplitCandidate{Gain: opts.MinGainToSplit}
	found := false

	// The invalid bin (index 0) can be routed to either side; both
	// directions are tried since its examples are few and cheap to
	// re-evaluate.
	for _, invalidDir := range []SplitDirection{DirectionLeft, DirectionRight} {
		var leftGrad, leftHess float64
		var leftN int
		if invalidDir == DirectionLeft {
			leftGrad += binStats[0].SumGradients
			leftHess += binStats[0].SumHessians
			leftN += binStats[0].Count
		}
		for bin := 1; bin < len(binStats)-1; bin++ {
			leftGrad += binStats[bin].SumGradients
			leftHess += binStats[bin].SumHessians
			leftN += binStats[bin].Count
			rightGrad := parentSumGradients - leftGrad
			rightHess := parentSumHessians - leftHess
			rightN := parentNExamples - leftN
			if leftN < opts.MinExamplesPerNode || rightN < opts.MinExamplesPerNode {
				continue
			}
			if leftHess < float64(opts.MinSumHessiansPerNode) || rightHess < float64(opts.MinSumHessiansPerNode) {
				continue
			}
			gain := splitGain(leftGrad, leftHess, rightGrad, rightHess, parentSumGradients, parentSumHessians, opts.L2RegularizationForContinuousSplits)
			if gain > best.Gain {
				found = true
				best = SplitCandidate{
					Split: Split{
						Continuous:             true,
						FeatureIndex:           featureIndex,
						SplitValue:             thresholdForBin(instr, bin),
						BinIndex:               bin,
						InvalidValuesDirection: invalidDir,
					},
					Gain:              gain,
					LeftSumGradients:  leftGrad,
					LeftSumHessians:   leftHess,
					LeftNExamples:     leftN,
					RightSumGradients: rightGrad,
					RightSumHessians:  rightHess,
					RightNExamples:    rightN,
				}
			}
		}
	}
	return best, found
}

func thresholdForBin(instr BinningInstruction, bin int) float32 {
	// bin N (1-indexed among value bins) corresponds to Thresholds[N-1]
	// being the upper bound of everything routed left.
	idx := bin - 1
	if idx < 0 || idx >= len(instr.Thresholds) {
		if len(instr.Thresholds) == 0 {
			return 0
		}
		return instr.Thresholds[len(instr.Thresholds)-1]
	}
	return instr.Thresholds[idx]
}

func chooseBestDiscreteSplit(
	featureIndex int,
	instr BinningInstruction,
	binStats []BinStatsEntry,
	parentSumGradients, parentSumHessians float64,
	parentNExamples int,
	opts Options,
) (SplitCandidate, bool) {
	ratios := make([]binRatio, len(binStats))
	for i, e := range binStats {
		ratios[i] = binRatio{bin: i, ratio: e.SumGradients / (e.SumHessians + float64(opts.SmoothingFactorForDiscreteBins))}
	}
	sortBinRatios(ratios)

	best := SplitCandidate{Gain: opts.MinGainToSplit}
	found := false
	var leftGrad, leftHess float64
	var leftN int
	directions := make([]SplitDirection, len(binStats))
	for i := range directions {
		directions[i] = DirectionRight
	}
	for i := 0; i < len(ratios)-1; i++ {
		bin := ratios[i].bin
		leftGrad += binStats[bin].SumGradients
		leftHess += binStats[bin].SumHessians
		leftN += binStats[bin].Count
		directions[bin] = DirectionLeft
		rightGrad := parentSumGradients - leftGrad
		rightHess := parentSumHessians - leftHess
		rightN := parentNExamples - leftN
		if leftN < opts.MinExamplesPerNode || rightN < opts.MinExamplesPerNode {
			continue
		}
		if leftHess < float64(opts.MinSumHessiansPerNode) || rightHess < float64(opts.MinSumHessiansPerNode) {
			continue
		}
		gain := splitGain(leftGrad, leftHess, rightGrad, rightHess, parentSumGradients, parentSumHessians, opts.L2RegularizationForDiscreteSplits)
		if gain > best.Gain {
			found = true
			dirCopy := make([]SplitDirection, len(directions))
			copy(dirCopy, directions)
			best = SplitCandidate{
				Split: Split{
					Continuous:   false,
					FeatureIndex: featureIndex,
					Directions:   dirCopy,
				},
				Gain:              gain,
				LeftSumGradients:  leftGrad,
				LeftSumHessians:   leftHess,
				LeftNExamples:     leftN,
				RightSumGradients: rightGrad,
				RightSumHessians:  rightHess,
				RightNExamples:    rightN,
			}
		}
	}
	return best, found
}

// binRatio pairs a bin with its smoothed gradient/hessian ratio for
// discrete-split ordering.
type binRatio struct {
	bin   int
	ratio float64
}

// sortBinRatios orders by ratio with the bin index as tie-break, so the
// discrete sort order is deterministic even for equal ratios.
func sortBinRatios(ratios []binRatio) {
	for i := 1; i < len(ratios); i++ {
		j := i
		for j > 0 && less(ratios[j], ratios[j-1]) {
			ratios[j-1], ratios[j] = ratios[j], ratios[j-1]
			j--
		}
	}
}

func less(a, b binRatio) bool {
	if a.ratio != b.ratio {
		return a.ratio < b.ratio
	}
	return a.bin < b.bin
}

// splitGain is the standard XGBoost-style structure-score gain:
// 0.5*(L^2/(H_L+lambda) + R^2/(H_R+lambda) - P^2/(H_P+lambda)).
func splitGain(leftGrad, leftHess, rightGrad, rightHess, parentGrad, parentHess float64, l2 float32) float32 {
	score := func(g, h float64) float64 {
		return g * g / (h + float64(l2))
	}
	gain := 0.5 * (score(leftGrad, leftHess) + score(rightGrad, rightHess) - score(parentGrad, parentHess))
	return float32(gain)
}
