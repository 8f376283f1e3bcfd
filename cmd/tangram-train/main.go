// Command tangram-train loads a dataset, selects feature groups,
// trains a GBDT model, and writes the marshaled model file.
package main

import (
	"flag"
	"math"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/frankmgb/tangram/internal/config"
	"github.com/frankmgb/tangram/internal/features"
	"github.com/frankmgb/tangram/internal/logging"
	"github.com/frankmgb/tangram/internal/model"
	"github.com/frankmgb/tangram/internal/stats"
	"github.com/frankmgb/tangram/internal/table"
	"github.com/frankmgb/tangram/internal/tree"
)

func main() {
	configPath := flag.String("config", "tangram.toml", "path to the training config file")
	outPath := flag.String("out", "model.tangram", "path to write the trained model")
	pretty := flag.Bool("pretty", false, "pretty-print log output")
	flag.Parse()

	logging.Init(logging.Options{Pretty: *pretty})

	if err := run(*configPath, *outPath); err != nil {
		log.Fatal().Err(err).Msg("training failed")
	}
}

func run(configPath, outPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	f, err := os.Open(cfg.Dataset.Path)
	if err != nil {
		return errors.Wrap(err, "tangram-train: open dataset")
	}
	defer f.Close()

	tbl, err := table.FromCSV(f, table.FromCSVOptions{InferOptions: table.DefaultInferOptions()})
	if err != nil {
		return errors.Wrap(err, "tangram-train: load csv")
	}
	v := table.ViewOf(tbl)

	columnNames := v.ColumnNames()
	settings := stats.DefaultSettings()
	columnStats := stats.Finalize(stats.Compute(v, settings), settings)

	targetIndex := -1
	for i, name := range columnNames {
		if name == cfg.Dataset.TargetColumn {
			targetIndex = i
			break
		}
	}
	if targetIndex < 0 {
		return errors.Errorf("tangram-train: target column %q not found", cfg.Dataset.TargetColumn)
	}

	task, err := parseTask(cfg.Train.Task)
	if err != nil {
		return err
	}

	exclude := make(map[string]struct{}, len(cfg.Dataset.ExcludeColumns)+1)
	exclude[cfg.Dataset.TargetColumn] = struct{}{}
	for _, c := range cfg.Dataset.ExcludeColumns {
		exclude[c] = struct{}{}
	}

	groups := features.AutoSelect(columnNames, columnStats, features.SelectOptions{Family: features.FamilyTree, ExcludeColumns: exclude})
	if len(cfg.Features.Include) > 0 {
		specs, err := parseFeatureSpecs(cfg.Features.Include)
		if err != nil {
			return err
		}
		groups = append(groups, features.BuildFromSpecs(specs, columnNames, columnStats)...)
	}

	featureTable, featureColumns := features.EncodeValues(v, groups)
	featureView := table.ViewOf(featureTable)

	// Deterministic prefix split: the trailing fraction is the held-out
	// test set whose metric is embedded in the model file.
	testFraction := float32(0.2)
	trainN := v.NRows() - int(float32(v.NRows())*testFraction)
	trainFeatures, testFeatures := featureView.Split(trainN)

	labels, nClasses, err := buildLabels(task, v, targetIndex, columnStats[targetIndex])
	if err != nil {
		return err
	}
	labels.NClasses = nClasses
	trainLabels := sliceLabels(labels, 0, trainN)
	testLabels := sliceLabels(labels, trainN, v.NRows())

	opts := tree.TrainOptions{
		Tree:          treeOptions(cfg),
		ComputeLosses: cfg.Train.ComputeLosses,
	}
	if cfg.Train.EarlyStoppingFraction > 0 {
		opts.EarlyStopping = &tree.EarlyStoppingOptions{
			EarlyStoppingFraction:                 cfg.Train.EarlyStoppingFraction,
			MinDecreaseInLossForSignificantChange: 1e-4,
			NRoundsWithoutImprovementToStop:       5,
		}
	}

	log.Info().Int("rows", v.NRows()).Int("features", len(featureColumns)).Str("task", cfg.Train.Task).Msg("training started")

	m := train(cfg, task, trainFeatures, featureColumns, trainLabels, opts)

	metricKind, metricValue := testMetric(task, m, testFeatures, testLabels)
	md := model.Metadata{
		TrainRowCount: uint32(trainN),
		TestRowCount:  uint32(v.NRows() - trainN),
		Metric:        metricKind,
		MetricValue:   metricValue,
		Losses:        m.Losses,
		TargetColumn:  cfg.Dataset.TargetColumn,
	}
	if targetStats := columnStats[targetIndex]; targetStats.Enum != nil {
		for _, vc := range targetStats.Enum.Histogram {
			md.TargetVariants = append(md.TargetVariants, vc.Variant)
		}
	}

	blob := model.Marshal(model.EncodeInput{
		Kind: model.KindForTask(task), ID: uuid.New(), Model: m, Groups: groups, Metadata: md,
	})
	if err := os.WriteFile(outPath, blob, 0o644); err != nil {
		return errors.Wrap(err, "tangram-train: write model file")
	}
	log.Info().Str("path", outPath).Int("bytes", len(blob)).Msg("model written")
	return nil
}

func treeOptions(cfg *config.Config) tree.Options {
	opts := tree.DefaultOptions()
	if cfg.Train.MaxLeafNodes > 0 {
		opts.MaxLeafNodes = cfg.Train.MaxLeafNodes
	}
	if cfg.Train.MaxDepth != 0 {
		opts.MaxDepth = cfg.Train.MaxDepth
	}
	if cfg.Train.MinExamplesPerNode > 0 {
		opts.MinExamplesPerNode = cfg.Train.MinExamplesPerNode
	}
	if cfg.Train.MaxRounds > 0 {
		opts.MaxRounds = cfg.Train.MaxRounds
	}
	if cfg.Train.LearningRate > 0 {
		opts.LearningRate = cfg.Train.LearningRate
	}
	return opts
}

// train runs a single fit, or an autogrid sweep that keeps the model
// with the lowest final training loss.
func train(cfg *config.Config, task tree.Task, v table.View, featureColumns []int, labels tree.Labels, opts tree.TrainOptions) *tree.Model {
	if !cfg.Train.Autogrid.Enable {
		return tree.Train(task, v, featureColumns, labels, opts)
	}
	rates := cfg.Train.Autogrid.LearningRates
	if len(rates) == 0 {
		rates = []float32{opts.Tree.LearningRate}
	}
	leaves := cfg.Train.Autogrid.MaxLeafNodes
	if len(leaves) == 0 {
		leaves = []int{opts.Tree.MaxLeafNodes}
	}
	var best *tree.Model
	bestLoss := float32(math.MaxFloat32)
	for _, lr := range rates {
		for _, ml := range leaves {
			o := opts
			o.Tree.LearningRate = lr
			o.Tree.MaxLeafNodes = ml
			o.ComputeLosses = true
			m := tree.Train(task, v, featureColumns, labels, o)
			loss := float32(math.MaxFloat32)
			if len(m.Losses) > 0 {
				loss = m.Losses[len(m.Losses)-1]
			}
			if best == nil || loss < bestLoss {
				best, bestLoss = m, loss
			}
			log.Info().Float32("learning_rate", lr).Int("max_leaf_nodes", ml).Float32("loss", loss).Msg("autogrid candidate")
		}
	}
	return best
}

// testMetric scores the held-out rows: MSE for regressors, accuracy for
// classifiers.
func testMetric(task tree.Task, m *tree.Model, v table.View, labels tree.Labels) (model.MetricKind, float32) {
	n := v.NRows()
	if n == 0 {
		return model.MetricMSE, 0
	}
	binned := tree.ComputeBinnedFeatures(v, m.FeatureColumnIndex, m.Instructions, tree.LayoutColumnMajor)
	row := make([]uint16, 0, binned.NFeatures())
	switch task {
	case tree.TaskRegression:
		var sum float64
		for r := 0; r < n; r++ {
			out := m.Predict(binned.Row(r, row))
			d := out[0] - float64(labels.Numbers[r])
			sum += d * d
		}
		return model.MetricMSE, float32(sum / float64(n))
	default:
		correct := 0
		for r := 0; r < n; r++ {
			out := m.Predict(binned.Row(r, row))
			var predicted uint32
			if task == tree.TaskBinaryClassification {
				predicted = 1
				if sigmoid(out[0]) >= 0.5 {
					predicted = 2
				}
			} else {
				best := 0
				for c := range out {
					if out[c] > out[best] {
						best = c
					}
				}
				predicted = uint32(best + 1)
			}
			if labels.Enums[r] == predicted {
				correct++
			}
		}
		return model.MetricAccuracy, float32(correct) / float32(n)
	}
}

func sigmoid(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }

func sliceLabels(labels tree.Labels, from, to int) tree.Labels {
	out := tree.Labels{NClasses: labels.NClasses}
	if labels.Numbers != nil {
		out.Numbers = labels.Numbers[from:to]
	}
	if labels.Enums != nil {
		out.Enums = labels.Enums[from:to]
	}
	return out
}

func parseTask(s string) (tree.Task, error) {
	switch s {
	case "regression":
		return tree.TaskRegression, nil
	case "binary_classification":
		return tree.TaskBinaryClassification, nil
	case "multiclass_classification":
		return tree.TaskMulticlassClassification, nil
	default:
		return 0, errors.Errorf("tangram-train: unknown task %q", s)
	}
}

func parseFeatureSpecs(groups []config.FeatureGroup) ([]features.Spec, error) {
	specs := make([]features.Spec, 0, len(groups))
	for _, g := range groups {
		kind, err := parseGroupKind(g.Kind)
		if err != nil {
			return nil, err
		}
		strategy, err := parseStrategy(g.Strategy)
		if err != nil {
			return nil, err
		}
		specs = append(specs, features.Spec{
			Kind: kind, SourceColumn: g.SourceColumn, SourceColumnB: g.SourceColumnB, Strategy: strategy,
		})
	}
	return specs, nil
}

func parseGroupKind(s string) (features.GroupKind, error) {
	switch s {
	case "identity":
		return features.GroupIdentity, nil
	case "normalized":
		return features.GroupNormalized, nil
	case "one_hot_encoded":
		return features.GroupOneHotEncoded, nil
	case "bag_of_words":
		return features.GroupBagOfWords, nil
	case "bag_of_words_cosine_similarity":
		return features.GroupBagOfWordsCosineSimilarity, nil
	case "word_embedding":
		return features.GroupWordEmbedding, nil
	default:
		return 0, errors.Errorf("tangram-train: unknown feature group kind %q", s)
	}
}

func parseStrategy(s string) (features.BagOfWordsStrategy, error) {
	switch s {
	case "", "present":
		return features.StrategyPresent, nil
	case "count":
		return features.StrategyCount, nil
	case "tfidf":
		return features.StrategyTfIdf, nil
	default:
		return 0, errors.Errorf("tangram-train: unknown bag-of-words strategy %q", s)
	}
}

func buildLabels(task tree.Task, v table.View, targetIndex int, targetStats stats.Output) (tree.Labels, int, error) {
	n := v.NRows()
	switch task {
	case tree.TaskRegression:
		numbers := make([]float32, n)
		for r := 0; r < n; r++ {
			numbers[r] = v.NumberAt(targetIndex, r)
		}
		return tree.Labels{Numbers: numbers}, 1, nil
	case tree.TaskBinaryClassification:
		if targetStats.Enum == nil {
			return tree.Labels{}, 0, errors.New("tangram-train: binary_classification target must be an enum column")
		}
		enums := make([]uint32, n)
		for r := 0; r < n; r++ {
			enums[r] = v.EnumAt(targetIndex, r)
		}
		return tree.Labels{Enums: enums}, 2, nil
	default:
		if targetStats.Enum == nil {
			return tree.Labels{}, 0, errors.New("tangram-train: multiclass_classification target must be an enum column")
		}
		enums := make([]uint32, n)
		for r := 0; r < n; r++ {
			enums[r] = v.EnumAt(targetIndex, r)
		}
		return tree.Labels{Enums: enums}, targetStats.Enum.UniqueCount, nil
	}
}
