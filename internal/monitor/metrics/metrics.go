// Package metrics implements the streaming, mergeable production
// metric accumulators compared against a model's training baseline:
// squared error for regressors, accuracy plus an ROC curve for binary
// classifiers, and a confusion matrix for multiclass models.
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// Regression accumulates squared error between predicted and true
// values.
type Regression struct {
	Count           int
	SumSquaredError float64
}

// Update folds one (predicted, true) pair.
func (m *Regression) Update(predicted, trueValue float64) {
	d := predicted - trueValue
	m.SumSquaredError += d * d
	m.Count++
}

// Merge combines two accumulators over disjoint events.
func (m *Regression) Merge(other *Regression) {
	m.Count += other.Count
	m.SumSquaredError += other.SumSquaredError
}

// MSE is the mean squared error so far.
func (m *Regression) MSE() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.SumSquaredError / float64(m.Count)
}

// RMSE is the root mean squared error so far.
func (m *Regression) RMSE() float64 { return math.Sqrt(m.MSE()) }

// Binary accumulates accuracy counts plus the (probability, label)
// pairs needed to draw an ROC curve at read time.
type Binary struct {
	Count   int
	Correct int
	// Scores and Labels run parallel: the model's positive-class
	// probability and whether the true value was the positive class.
	Scores []float64
	Labels []bool
}

// Update folds one prediction: the positive-class probability, the
// threshold used, and the true outcome.
func (m *Binary) Update(probability float64, threshold float64, trueIsPositive bool) {
	m.Count++
	predictedPositive := probability >= threshold
	if predictedPositive == trueIsPositive {
		m.Correct++
	}
	m.Scores = append(m.Scores, probability)
	m.Labels = append(m.Labels, trueIsPositive)
}

// Merge combines two accumulators over disjoint events.
func (m *Binary) Merge(other *Binary) {
	m.Count += other.Count
	m.Correct += other.Correct
	m.Scores = append(m.Scores, other.Scores...)
	m.Labels = append(m.Labels, other.Labels...)
}

// Accuracy is the fraction of correct predictions so far.
func (m *Binary) Accuracy() float64 {
	if m.Count == 0 {
		return 0
	}
	return float64(m.Correct) / float64(m.Count)
}

// ROC computes the receiver operating characteristic curve and its AUC
// over every accumulated (score, label) pair, via gonum's stat.ROC.
func (m *Binary) ROC() (tpr, fpr []float64, auc float64) {
	if len(m.Scores) == 0 {
		return nil, nil, 0
	}
	// stat.ROC wants scores ascending with parallel class weights.
	type pair struct {
		score float64
		pos   bool
	}
	pairs := make([]pair, len(m.Scores))
	for i := range m.Scores {
		pairs[i] = pair{score: m.Scores[i], pos: m.Labels[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	scores := make([]float64, len(pairs))
	classes := make([]bool, len(pairs))
	for i, p := range pairs {
		scores[i] = p.score
		classes[i] = p.pos
	}
	tpr, fpr, _ = stat.ROC(nil, scores, classes, nil)
	auc = integrate.Trapezoidal(fpr, tpr)
	return tpr, fpr, auc
}

// Multiclass accumulates a confusion matrix over class indices.
type Multiclass struct {
	NClasses  int
	Count     int
	Confusion []int // Confusion[true*NClasses+predicted]
}

// NewMulticlass allocates a zeroed confusion matrix.
func NewMulticlass(nClasses int) *Multiclass {
	return &Multiclass{NClasses: nClasses, Confusion: make([]int, nClasses*nClasses)}
}

// Update folds one prediction by (true, predicted) class index.
func (m *Multiclass) Update(trueClass, predictedClass int) {
	m.Count++
	m.Confusion[trueClass*m.NClasses+predictedClass]++
}

// Merge combines two accumulators over disjoint events.
func (m *Multiclass) Merge(other *Multiclass) {
	m.Count += other.Count
	for i := range m.Confusion {
		m.Confusion[i] += other.Confusion[i]
	}
}

// Accuracy is the trace of the confusion matrix over the total count.
func (m *Multiclass) Accuracy() float64 {
	if m.Count == 0 {
		return 0
	}
	correct := 0
	for c := 0; c < m.NClasses; c++ {
		correct += m.Confusion[c*m.NClasses+c]
	}
	return float64(correct) / float64(m.Count)
}

// Bucket is the tagged union stored per (model, interval): exactly one
// accumulator is non-nil, matching the model's task.
type Bucket struct {
	Regression *Regression
	Binary     *Binary
	Multiclass *Multiclass
}

// Merge combines two buckets of the same shape.
func (b *Bucket) Merge(other *Bucket) {
	switch {
	case b.Regression != nil && other.Regression != nil:
		b.Regression.Merge(other.Regression)
	case b.Binary != nil && other.Binary != nil:
		b.Binary.Merge(other.Binary)
	case b.Multiclass != nil && other.Multiclass != nil:
		b.Multiclass.Merge(other.Multiclass)
	}
}

// Value reports the bucket's headline metric: MSE for regression,
// accuracy otherwise — the same quantity the alert manager compares
// against the model's embedded training metric.
func (b *Bucket) Value() float64 {
	switch {
	case b.Regression != nil:
		return b.Regression.MSE()
	case b.Binary != nil:
		return b.Binary.Accuracy()
	case b.Multiclass != nil:
		return b.Multiclass.Accuracy()
	default:
		return 0
	}
}

// EventCount is how many true-value events have been folded in.
func (b *Bucket) EventCount() int {
	switch {
	case b.Regression != nil:
		return b.Regression.Count
	case b.Binary != nil:
		return b.Binary.Count
	case b.Multiclass != nil:
		return b.Multiclass.Count
	default:
		return 0
	}
}
