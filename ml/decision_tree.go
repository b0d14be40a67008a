package ml

import (
	"encoding/json"
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

const TypeDecisionTree = "decision_tree"

type DecisionTree struct {
	nodes       []TreeNode
	numClasses  int
	numFeatures int
	importances []float64
}

type TreeNode struct {
	FeatureIdx   int       `json:"feature_idx"`
	Threshold    float64   `json:"threshold"`
	LeftChild    int       `json:"left_child"`
	RightChild   int       `json:"right_child"`
	ClassLabel   int       `json:"class_label"`
	IsLeaf       bool      `json:"is_leaf"`
	Distribution []float64 `json:"distribution,omitempty"`
}

type decisionTreeDocument struct {
	Type        string     `json:"type"`
	NumClasses  int        `json:"n_classes"`
	NumFeatures int        `json:"n_features"`
	Nodes       []TreeNode `json:"nodes"`
	Importances []float64  `json:"feature_importances,omitempty"`
}

func NewDecisionTree() *DecisionTree {
	return &DecisionTree{}
}

func (dt *DecisionTree) Train(features [][]float64, labels []int, maxDepth int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}

	numClasses := 0
	for _, label := range labels {
		if label < 0 {
			return errors.New("labels must be non-negative")
		}
		if label+1 > numClasses {
			numClasses = label + 1
		}
	}

	dt.numClasses = numClasses
	dt.numFeatures = len(features[0])
	gains := make([]float64, dt.numFeatures)
	dt.nodes = dt.buildNode(features, labels, 0, maxDepth, gains)
	dt.importances = normalizeImportances(gains)
	return nil
}

func (dt *DecisionTree) PredictLabel(features []float64) (int, error) {
	dist, err := dt.PredictProbabilities(features)
	if err != nil {
		return 0, err
	}
	return floats.MaxIdx(dist), nil
}

func (dt *DecisionTree) PredictProbabilities(features []float64) ([]float64, error) {
	leaf, err := dt.leaf(features)
	if err != nil {
		return nil, err
	}
	if len(leaf.Distribution) > 0 {
		return append([]float64(nil), leaf.Distribution...), nil
	}
	// Leaves without a stored distribution vote for their label alone.
	width := dt.numClasses
	if leaf.ClassLabel >= width {
		width = leaf.ClassLabel + 1
	}
	dist := make([]float64, width)
	dist[leaf.ClassLabel] = 1
	return dist, nil
}

func (dt *DecisionTree) NumClasses() int {
	return dt.numClasses
}

func (dt *DecisionTree) FeatureImportances() []float64 {
	if len(dt.importances) == 0 {
		return nil
	}
	return append([]float64(nil), dt.importances...)
}

func (dt *DecisionTree) leaf(features []float64) (TreeNode, error) {
	if len(dt.nodes) == 0 {
		return TreeNode{}, errors.New("model not trained")
	}
	if dt.numFeatures > 0 && len(features) != dt.numFeatures {
		return TreeNode{}, errors.New("feature vector width does not match model")
	}
	idx := 0
	for steps := 0; steps <= len(dt.nodes); steps++ {
		node := dt.nodes[idx]
		if node.IsLeaf {
			return node, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return TreeNode{}, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.nodes) {
			return TreeNode{}, errors.New("invalid tree state")
		}
	}
	return TreeNode{}, errors.New("tree contains a cycle")
}

func (dt *DecisionTree) MarshalJSON() ([]byte, error) {
	if len(dt.nodes) == 0 {
		return nil, errors.New("model not trained")
	}
	return json.Marshal(decisionTreeDocument{
		Type:        TypeDecisionTree,
		NumClasses:  dt.numClasses,
		NumFeatures: dt.numFeatures,
		Nodes:       dt.nodes,
		Importances: dt.importances,
	})
}

func (dt *DecisionTree) UnmarshalJSON(payload []byte) error {
	var doc decisionTreeDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}
	if len(doc.Nodes) == 0 {
		return errors.New("decision tree has no nodes")
	}
	for _, node := range doc.Nodes {
		if node.IsLeaf && (node.ClassLabel < 0 || (doc.NumClasses > 0 && node.ClassLabel >= doc.NumClasses)) {
			return errors.New("leaf class label out of range")
		}
		if len(node.Distribution) > 0 && doc.NumClasses > 0 && len(node.Distribution) != doc.NumClasses {
			return errors.New("leaf distribution width does not match n_classes")
		}
	}
	dt.nodes = doc.Nodes
	dt.numClasses = doc.NumClasses
	dt.numFeatures = doc.NumFeatures
	dt.importances = doc.Importances
	return nil
}

func (dt *DecisionTree) buildNode(features [][]float64, labels []int, depth int, maxDepth int, gains []float64) []TreeNode {
	label := majorityLabel(labels)
	leaf := []TreeNode{{
		FeatureIdx:   -1,
		LeftChild:    -1,
		RightChild:   -1,
		ClassLabel:   label,
		IsLeaf:       true,
		Distribution: classDistribution(labels, dt.numClasses),
	}}
	if depth >= maxDepth || isPure(labels) {
		return leaf
	}

	bestFeature, threshold, ok := findBestSplit(features, labels)
	if !ok {
		return leaf
	}

	leftFeatures, leftLabels, rightFeatures, rightLabels := splitData(features, labels, bestFeature, threshold)
	if len(leftLabels) == 0 || len(rightLabels) == 0 {
		return leaf
	}

	n := float64(len(labels))
	gains[bestFeature] += n*gini(labels) -
		float64(len(leftLabels))*gini(leftLabels) -
		float64(len(rightLabels))*gini(rightLabels)

	leftNodes := dt.buildNode(leftFeatures, leftLabels, depth+1, maxDepth, gains)
	rightNodes := dt.buildNode(rightFeatures, rightLabels, depth+1, maxDepth, gains)

	root := TreeNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
		ClassLabel: label,
	}

	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, shiftChildren(leftNodes, 1)...)
	nodes = append(nodes, shiftChildren(rightNodes, 1+len(leftNodes))...)
	return nodes
}

// shiftChildren rebases subtree child indexes after the subtree is appended
// at offset.
func shiftChildren(nodes []TreeNode, offset int) []TreeNode {
	for i := range nodes {
		if nodes[i].IsLeaf {
			continue
		}
		nodes[i].LeftChild += offset
		nodes[i].RightChild += offset
	}
	return nodes
}

func findBestSplit(features [][]float64, labels []int) (int, float64, bool) {
	featureCount := len(features[0])
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	for featureIdx := 0; featureIdx < featureCount; featureIdx++ {
		values := make([]float64, len(features))
		for i := range features {
			values[i] = features[i][featureIdx]
		}
		threshold := median(values)
		leftLabels, rightLabels := splitLabels(features, labels, featureIdx, threshold)
		if len(leftLabels) == 0 || len(rightLabels) == 0 {
			continue
		}
		impurity := weightedGini(leftLabels, rightLabels)
		if impurity < bestImpurity {
			bestImpurity = impurity
			bestFeature = featureIdx
			bestThreshold = threshold
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func splitData(features [][]float64, labels []int, featureIdx int, threshold float64) ([][]float64, []int, [][]float64, []int) {
	leftFeatures := make([][]float64, 0)
	leftLabels := make([]int, 0)
	rightFeatures := make([][]float64, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftFeatures = append(leftFeatures, feature)
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightFeatures = append(rightFeatures, feature)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftFeatures, leftLabels, rightFeatures, rightLabels
}

func splitLabels(features [][]float64, labels []int, featureIdx int, threshold float64) ([]int, []int) {
	leftLabels := make([]int, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftLabels, rightLabels
}

func weightedGini(leftLabels, rightLabels []int) float64 {
	leftWeight := float64(len(leftLabels))
	rightWeight := float64(len(rightLabels))
	total := leftWeight + rightWeight
	return (leftWeight/total)*gini(leftLabels) + (rightWeight/total)*gini(rightLabels)
}

func gini(labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	counts := make(map[int]int)
	for _, label := range labels {
		counts[label]++
	}
	impurity := 1.0
	for _, count := range counts {
		prob := float64(count) / float64(len(labels))
		impurity -= prob * prob
	}
	return impurity
}

func classDistribution(labels []int, numClasses int) []float64 {
	dist := make([]float64, numClasses)
	if len(labels) == 0 {
		return dist
	}
	for _, label := range labels {
		dist[label]++
	}
	floats.Scale(1/float64(len(labels)), dist)
	return dist
}

func normalizeImportances(gains []float64) []float64 {
	total := floats.Sum(gains)
	out := make([]float64, len(gains))
	if total <= 0 {
		return out
	}
	for i, g := range gains {
		out[i] = g / total
	}
	return out
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func majorityLabel(labels []int) int {
	counts := make(map[int]int)
	bestLabel := 0
	bestCount := -1
	for _, label := range labels {
		counts[label]++
		if counts[label] > bestCount {
			bestCount = counts[label]
			bestLabel = label
		}
	}
	return bestLabel
}

func isPure(labels []int) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, label := range labels[1:] {
		if label != first {
			return false
		}
	}
	return true
}
