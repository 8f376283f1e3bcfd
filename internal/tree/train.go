// Package tree implements histogram-based gradient boosted decision
// tree training and prediction: quantile binning, best-first leaf-wise
// growth with the bin-stats subtraction trick, and one model per
// supported task.
package tree

import (
	"sync/atomic"

	"github.com/frankmgb/tangram/internal/table"
	"github.com/rs/zerolog/log"
)

// Model is the trained output of Train: one bias per tree-per-round slot
// plus the grown trees themselves, round-major for regression/binary
// and (round, class) for multiclass.
type Model struct {
	Task               Task
	NClasses           int
	Biases             []float64
	Trees              []*Tree // round-major: Trees[round*nTreesPerRound + classIndex]
	NTreesPerRound     int
	FeatureColumnIndex []int // maps the model's feature slot back to the source table column
	Instructions       []BinningInstruction
	FeatureImportances []float32
	Losses             []float32
}

// NRounds is the number of completed boosting rounds in the model.
func (m *Model) NRounds() int {
	if m.NTreesPerRound == 0 {
		return 0
	}
	return len(m.Trees) / m.NTreesPerRound
}

// KillChip is the shared cancellation flag the trainer consults between
// rounds. On activation training returns the model as of the previous
// round boundary; cancellation is not an error.
type KillChip struct {
	killed atomic.Bool
}

// Kill requests cancellation at the next round boundary.
func (k *KillChip) Kill() { k.killed.Store(true) }

// Killed reports whether cancellation was requested.
func (k *KillChip) Killed() bool { return k.killed.Load() }

// ProgressEventKind discriminates the trainer's progress events.
type ProgressEventKind uint8

const (
	ProgressTrainStarted ProgressEventKind = iota
	ProgressRoundDone
	ProgressTrainDone
)

// ProgressEvent is one structured training progress notification.
type ProgressEvent struct {
	Kind      ProgressEventKind
	Round     int
	MaxRounds int
}

// EarlyStoppingOptions configures the held-out-fraction monitor.
type EarlyStoppingOptions struct {
	EarlyStoppingFraction                 float32
	MinDecreaseInLossForSignificantChange float32
	NRoundsWithoutImprovementToStop       int
}

// TrainOptions bundles the tree-growth Options with round/early-stopping
// controls for the top-level Train entry point.
type TrainOptions struct {
	Tree          Options
	EarlyStopping *EarlyStoppingOptions
	ComputeLosses bool
	Kill          *KillChip
	Progress      func(ProgressEvent)
}

func (o TrainOptions) emit(kind ProgressEventKind, round int) {
	if o.Progress != nil {
		o.Progress(ProgressEvent{Kind: kind, Round: round, MaxRounds: o.Tree.MaxRounds})
	}
}

// Train grows a full GBDT model for the given task over the already
// feature-encoded view; one shared loop serves all three Task
// variants.
func Train(task Task, v table.View, featureColumns []int, labels Labels, opts TrainOptions) *Model {
	trainView, labelsTrain, stopView, labelsStop := splitEarlyStopping(v, labels, opts.EarlyStopping)

	binOpts := BinningOptions{
		MaxValidBinsForNumberFeatures:        opts.Tree.MaxValidBinsForNumberFeatures,
		MaxExamplesForComputingBinThresholds: opts.Tree.MaxExamplesForComputingBinThresholds,
	}
	allInstructions := ComputeBinningInstructions(trainView, featureColumns, binOpts)

	// Single-bin features can never split; drop them and keep a mapping
	// from the dense feature slot back to the source column.
	var instructions []BinningInstruction
	var keptColumns []int
	for i, instr := range allInstructions {
		if instr.Splittable() {
			instructions = append(instructions, instr)
			keptColumns = append(keptColumns, featureColumns[i])
		}
	}

	binnedFeatures := ComputeBinnedFeatures(trainView, keptColumns, instructions, opts.Tree.BinnedFeaturesLayout)

	nExamples := trainView.NRows()
	nClasses := labels.NClasses
	nTreesPerRound := NTreesPerRound(task, nClasses)
	hessiansAreConstant := task.HessiansAreConstant()

	biases := initBiases(task, labelsTrain, nClasses)

	predictions := make([][]float64, nExamples)
	for i := range predictions {
		predictions[i] = append([]float64(nil), biases...)
	}

	examplesIndex := make([]uint32, nExamples)

	model := &Model{
		Task: task, NClasses: nClasses, Biases: biases, NTreesPerRound: nTreesPerRound,
		FeatureColumnIndex: keptColumns, Instructions: instructions,
	}

	ctx := NewTrainContext(binnedFeatures, instructions, opts.Tree, nExamples)
	binnedRows := rowsOf(binnedFeatures)

	var earlyStop *earlyStoppingMonitor
	var stopPredictions [][]float64
	var stopRows [][]uint16
	if opts.EarlyStopping != nil {
		earlyStop = newEarlyStoppingMonitor(opts.EarlyStopping.MinDecreaseInLossForSignificantChange, opts.EarlyStopping.NRoundsWithoutImprovementToStop)
		stopPredictions = make([][]float64, stopView.NRows())
		for i := range stopPredictions {
			stopPredictions[i] = append([]float64(nil), biases...)
		}
		stopBinned := ComputeBinnedFeatures(stopView, keptColumns, instructions, opts.Tree.BinnedFeaturesLayout)
		stopRows = rowsOf(stopBinned)
	}

	opts.emit(ProgressTrainStarted, 0)
	gradients := make([]float32, nExamples)
	hessians := make([]float32, nExamples)

	for round := 0; round < opts.Tree.MaxRounds; round++ {
		if opts.Kill != nil && opts.Kill.Killed() {
			log.Debug().Int("round", round).Msg("tree training cancelled")
			break
		}

		var treesThisRound []*Tree
		for classIndex := 0; classIndex < nTreesPerRound; classIndex++ {
			computeGradientsHessians(task, classIndex, gradients, hessians, labelsTrain, predictions)

			for i := range examplesIndex {
				examplesIndex[i] = uint32(i)
			}

			ctx.Gradients = gradients
			ctx.Hessians = hessians
			ctx.HessiansAreConstant = hessiansAreConstant
			t := Grow(ctx, examplesIndex)
			treesThisRound = append(treesThisRound, t)

			for i := range predictions {
				predictions[i][classIndex] += t.Predict(binnedRows[i])
			}
		}
		model.Trees = append(model.Trees, treesThisRound...)

		if opts.ComputeLosses {
			model.Losses = append(model.Losses, computeLoss(task, labelsTrain, predictions))
		}
		opts.emit(ProgressRoundDone, round)

		if earlyStop != nil {
			for classIndex, t := range treesThisRound {
				for i := range stopPredictions {
					stopPredictions[i][classIndex] += t.Predict(stopRows[i])
				}
			}
			value := computeLoss(task, labelsStop, stopPredictions)
			if earlyStop.update(value) {
				log.Debug().Int("round", round).Msg("tree training stopped early")
				break
			}
		}
	}

	model.FeatureImportances = computeFeatureImportances(model.Trees, len(keptColumns))
	opts.emit(ProgressTrainDone, model.NRounds())
	return model
}

func rowsOf(bf *BinnedFeatures) [][]uint16 {
	rows := make([][]uint16, bf.NRows)
	for r := 0; r < bf.NRows; r++ {
		rows[r] = bf.Row(r, make([]uint16, 0, bf.NFeatures()))
	}
	return rows
}

func initBiases(task Task, labels Labels, nClasses int) []float64 {
	switch task {
	case TaskRegression:
		return []float64{ComputeBiasesRegression(labels.Numbers)}
	case TaskBinaryClassification:
		return []float64{ComputeBiasesBinary(labels.Enums)}
	default:
		return ComputeBiasesMulticlass(labels.Enums, nClasses)
	}
}

func computeGradientsHessians(task Task, classIndex int, gradients, hessians []float32, labels Labels, predictions [][]float64) {
	switch task {
	case TaskRegression:
		preds := make([]float64, len(predictions))
		for i, p := range predictions {
			preds[i] = p[0]
		}
		GradientsHessiansRegression(gradients, labels.Numbers, preds)
	case TaskBinaryClassification:
		preds := make([]float64, len(predictions))
		for i, p := range predictions {
			preds[i] = p[0]
		}
		GradientsHessiansBinary(gradients, hessians, labels.Enums, preds)
	default:
		GradientsHessiansMulticlass(classIndex, gradients, hessians, labels.Enums, predictions)
	}
}

func computeLoss(task Task, labels Labels, predictions [][]float64) float32 {
	switch task {
	case TaskRegression:
		preds := make([]float64, len(predictions))
		for i, p := range predictions {
			preds[i] = p[0]
		}
		return LossRegression(labels.Numbers, preds)
	case TaskBinaryClassification:
		preds := make([]float64, len(predictions))
		for i, p := range predictions {
			preds[i] = p[0]
		}
		return LossBinary(labels.Enums, preds)
	default:
		return LossMulticlass(labels.Enums, predictions)
	}
}

// Labels holds the training target column in its task-appropriate
// representation: Numbers for regression, Enums (invalid=0) for binary
// and multiclass classification.
type Labels struct {
	Numbers  []float32
	Enums    []uint32
	NClasses int
}

func splitEarlyStopping(v table.View, labels Labels, opts *EarlyStoppingOptions) (table.View, Labels, table.View, Labels) {
	if opts == nil {
		return v, labels, table.View{}, Labels{}
	}
	n := v.NRows()
	stopN := int(float32(n) * opts.EarlyStoppingFraction)
	trainN := n - stopN
	trainView, stopView := v.Split(trainN)
	trainLabels := sliceLabels(labels, 0, trainN)
	stopLabels := sliceLabels(labels, trainN, n)
	return trainView, trainLabels, stopView, stopLabels
}

func sliceLabels(labels Labels, from, to int) Labels {
	out := Labels{NClasses: labels.NClasses}
	if labels.Numbers != nil {
		out.Numbers = labels.Numbers[from:to]
	}
	if labels.Enums != nil {
		out.Enums = labels.Enums[from:to]
	}
	return out
}

// earlyStoppingMonitor stops training once NRoundsWithoutImprovementToStop
// consecutive rounds fail to improve the held-out loss by at least
// MinDecreaseInLossForSignificantChange.
type earlyStoppingMonitor struct {
	minDecrease        float32
	maxRoundsNoImprove int
	roundsNoImprove    int
	best               float32
	hasBest            bool
}

func newEarlyStoppingMonitor(minDecrease float32, maxRoundsNoImprove int) *earlyStoppingMonitor {
	return &earlyStoppingMonitor{minDecrease: minDecrease, maxRoundsNoImprove: maxRoundsNoImprove}
}

func (m *earlyStoppingMonitor) update(value float32) bool {
	if !m.hasBest || m.best-value > m.minDecrease {
		m.best = value
		m.hasBest = true
		m.roundsNoImprove = 0
		return false
	}
	m.roundsNoImprove++
	return m.roundsNoImprove >= m.maxRoundsNoImprove
}
