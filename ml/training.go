package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const DefaultLabelColumn = "niveau_conso"

type TrainingConfig struct {
	LabelColumn string
	MaxDepth    int
	TestRatio   float64
	Seed        int64
}

// Evaluation holds hold-out metrics. Confusion[i][j] counts true class i
// predicted as class j, in encoder order.
type Evaluation struct {
	Accuracy  float64  `json:"accuracy"`
	Precision float64  `json:"precision"`
	Recall    float64  `json:"recall"`
	Confusion [][]int  `json:"confusion"`
	Classes   []string `json:"classes"`
	TestSize  int      `json:"test_size"`
}

type TrainedModel struct {
	Tree       *DecisionTree
	Scaler     *StandardScaler
	Encoder    *LabelEncoder
	Evaluation Evaluation
	DataPoints int
}

// BuildTrainingSet extracts the feature matrix and label names from a table.
func BuildTrainingSet(t *Table, labelColumn string) ([][]float64, []string, error) {
	if labelColumn == "" {
		labelColumn = DefaultLabelColumn
	}
	labelIdx := t.ColumnIndex(labelColumn)
	if labelIdx < 0 {
		return nil, nil, fmt.Errorf("label column %q not found", labelColumn)
	}
	names := FeatureNames()
	indexes := make([]int, len(names))
	var missing []string
	for i, name := range names {
		indexes[i] = t.ColumnIndex(name)
		if indexes[i] < 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, nil, missingColumnsError(missing)
	}
	if err := t.Validate(); err != nil {
		return nil, nil, err
	}

	features := make([][]float64, 0, len(t.Rows))
	labels := make([]string, 0, len(t.Rows))
	for r, row := range t.Rows {
		label := strings.TrimSpace(row[labelIdx])
		if label == "" {
			return nil, nil, fmt.Errorf("row %d has no label", r)
		}
		vector := make([]float64, len(names))
		for i, idx := range indexes {
			value, _, err := parseCell(row[idx])
			if err != nil {
				return nil, nil, fmt.Errorf("row %d column %s: %w", r, names[i], err)
			}
			vector[i] = value
		}
		features = append(features, vector)
		labels = append(labels, label)
	}
	if len(features) == 0 {
		return nil, nil, errors.New("training table is empty")
	}
	return features, labels, nil
}

// TrainModel fits scaler, encoder and tree, and evaluates on a hold-out split.
func TrainModel(t *Table, config TrainingConfig) (*TrainedModel, error) {
	features, labelNames, err := BuildTrainingSet(t, config.LabelColumn)
	if err != nil {
		return nil, err
	}
	encoder, err := FitLabelEncoder(labelNames)
	if err != nil {
		return nil, err
	}
	labels := make([]int, len(labelNames))
	for i, name := range labelNames {
		labels[i], _ = encoder.Encode(name)
	}

	trainX, trainY, testX, testY := splitDataset(features, labels, config.TestRatio, config.Seed)
	scaler, err := FitStandardScaler(trainX, FeatureNames())
	if err != nil {
		return nil, err
	}
	scaledTrain, err := transformAll(scaler, trainX)
	if err != nil {
		return nil, err
	}
	scaledTest, err := transformAll(scaler, testX)
	if err != nil {
		return nil, err
	}

	tree := NewDecisionTree()
	if err := tree.Train(scaledTrain, trainY, config.MaxDepth); err != nil {
		return nil, err
	}
	// Classes missing from the training split still need a probability slot.
	if tree.numClasses < len(encoder.ClassNames()) {
		tree.widen(len(encoder.ClassNames()))
	}

	return &TrainedModel{
		Tree:       tree,
		Scaler:     scaler,
		Encoder:    encoder,
		Evaluation: evaluateModel(tree, scaledTest, testY, encoder.ClassNames()),
		DataPoints: len(features),
	}, nil
}

// Save writes the three artifacts into dir and returns the model filename.
// Each file is written under a dot-prefixed temporary name and renamed into
// place so a watcher never reads a half-written artifact.
func (m *TrainedModel) Save(dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	modelFile := fmt.Sprintf("%s_%s%s", DefaultModelPrefix, now.UTC().Format("20060102T150405"), DefaultExtension)
	files := []struct {
		name string
		doc  json.Marshaler
	}{
		{DefaultScalerFile, m.Scaler},
		{DefaultEncoderFile, m.Encoder},
		{modelFile, m.Tree},
	}
	for _, f := range files {
		tmp := filepath.Join(dir, "."+f.name+".tmp")
		if err := SaveArtifact(tmp, f.doc); err != nil {
			return "", err
		}
		if err := os.Rename(tmp, filepath.Join(dir, f.name)); err != nil {
			return "", err
		}
	}
	return modelFile, nil
}

// Artifacts returns the in-memory artifact set, ready for NewPredictor.
func (m *TrainedModel) Artifacts() *Artifacts {
	return &Artifacts{Model: m.Tree, Scaler: m.Scaler, Encoder: m.Encoder}
}

func (dt *DecisionTree) widen(numClasses int) {
	for i := range dt.nodes {
		if len(dt.nodes[i].Distribution) == 0 {
			continue
		}
		dist := make([]float64, numClasses)
		copy(dist, dt.nodes[i].Distribution)
		dt.nodes[i].Distribution = dist
	}
	dt.numClasses = numClasses
}

func transformAll(scaler Scaler, rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		scaled, err := scaler.Transform(row)
		if err != nil {
			return nil, err
		}
		out[i] = scaled
	}
	return out, nil
}

func splitDataset(features [][]float64, labels []int, testRatio float64, seed int64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(len(features))

	split := int(math.Round(float64(len(features)) * (1 - testRatio)))
	if split < 1 {
		split = 1
	}
	for i, idx := range indices {
		if i < split {
			trainX = append(trainX, features[idx])
			trainY = append(trainY, labels[idx])
		} else {
			testX = append(testX, features[idx])
			testY = append(testY, labels[idx])
		}
	}
	return trainX, trainY, testX, testY
}

func evaluateModel(model Classifier, testX [][]float64, testY []int, classes []string) Evaluation {
	eval := Evaluation{Classes: classes, TestSize: len(testX)}
	eval.Confusion = make([][]int, len(classes))
	for i := range eval.Confusion {
		eval.Confusion[i] = make([]int, len(classes))
	}
	if len(testX) == 0 {
		return eval
	}

	correct := 0
	for i, feature := range testX {
		label, err := model.PredictLabel(feature)
		if err != nil || label < 0 || label >= len(classes) {
			continue
		}
		eval.Confusion[testY[i]][label]++
		if label == testY[i] {
			correct++
		}
	}
	eval.Accuracy = float64(correct) / float64(len(testX))
	eval.Precision, eval.Recall = macroPrecisionRecall(eval.Confusion)
	return eval
}

// macroPrecisionRecall averages over classes that appear in the matrix.
func macroPrecisionRecall(confusion [][]int) (precision, recall float64) {
	var pSum, rSum float64
	var pN, rN int
	for c := range confusion {
		tp := confusion[c][c]
		predicted, actual := 0, 0
		for k := range confusion {
			predicted += confusion[k][c]
			actual += confusion[c][k]
		}
		if predicted > 0 {
			pSum += float64(tp) / float64(predicted)
			pN++
		}
		if actual > 0 {
			rSum += float64(tp) / float64(actual)
			rN++
		}
	}
	if pN > 0 {
		precision = pSum / float64(pN)
	}
	if rN > 0 {
		recall = rSum / float64(rN)
	}
	return precision, recall
}
