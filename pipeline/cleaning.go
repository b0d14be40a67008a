// Package pipeline prepares labelled household tables for training.
package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"sigor/ml"
)

// Record is one table row with its feature cells parsed. Values holds only
// the cells that were present and numeric.
type Record struct {
	Row    int
	Values map[string]float64
	Label  string
}

// CleaningRule checks or corrects a record. A non-nil error rejects it.
type CleaningRule interface {
	Apply(*Record) (*Record, error)
	Name() string
}

// resetter is implemented by rules that keep state across one Clean call.
type resetter interface {
	reset()
}

type QualityIssue struct {
	Row       int       `json:"row"`
	Rule      string    `json:"rule"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Corrected      int64            `json:"corrected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// DataCleaner runs its rules in order over every row of a table.
type DataCleaner struct {
	rules     []CleaningRule
	corrector *OutlierCorrector
	logger    *zap.Logger

	mu     sync.RWMutex
	stats  CleaningStats
	issues []QualityIssue
}

// NewDataCleaner returns a cleaner with the default household rules.
func NewDataCleaner(logger *zap.Logger) *DataCleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	dc := &DataCleaner{
		logger: logger,
		stats:  CleaningStats{Issues: make(map[string]int64)},
	}
	dc.AddRule(NewLabelRule())
	dc.AddRule(NewRatioRule())
	dc.AddRule(NewRangeRule())
	dc.AddRule(NewDuplicateRule())
	return dc
}

func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
	dc.logger.Debug("Added cleaning rule", zap.String("rule", rule.Name()))
}

// SetOutlierCorrector enables a column pass after the row rules.
func (dc *DataCleaner) SetOutlierCorrector(c *OutlierCorrector) {
	dc.corrector = c
}

// Clean returns a new table holding the rows that passed, with corrections
// written back, and the issues found in this call.
func (dc *DataCleaner) Clean(t *ml.Table, labelColumn string) (*ml.Table, []QualityIssue, error) {
	if labelColumn == "" {
		labelColumn = ml.DefaultLabelColumn
	}
	if err := t.Validate(); err != nil {
		return nil, nil, err
	}
	labelIdx := t.ColumnIndex(labelColumn)
	if labelIdx < 0 {
		return nil, nil, fmt.Errorf("label column %q not found", labelColumn)
	}
	names := ml.FeatureNames()
	indexes := make([]int, len(names))
	var missing []string
	for i, name := range names {
		indexes[i] = t.ColumnIndex(name)
		if indexes[i] < 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("missing columns: %s", strings.Join(missing, ", "))
	}

	for _, rule := range dc.rules {
		if r, ok := rule.(resetter); ok {
			r.reset()
		}
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	var (
		issues []QualityIssue
		kept   []*Record
		rows   [][]string
	)
	for i, row := range t.Rows {
		dc.stats.TotalProcessed++
		record, parseIssues := parseRecord(i, row, names, indexes, labelIdx)
		original := record.clone()

		rowIssues := parseIssues
		if len(rowIssues) == 0 {
			for _, rule := range dc.rules {
				cleaned, err := rule.Apply(record)
				if err != nil {
					rowIssues = append(rowIssues, QualityIssue{Row: i, Rule: rule.Name(), Message: err.Error()})
					break
				}
				if cleaned != nil {
					record = cleaned
				}
			}
		}

		if len(rowIssues) > 0 {
			dc.stats.Rejected++
			for j := range rowIssues {
				rowIssues[j].Timestamp = time.Now()
				dc.stats.Issues[rowIssues[j].Rule]++
			}
			issues = append(issues, rowIssues...)
			continue
		}
		if !original.equal(record) {
			dc.stats.Corrected++
		}
		dc.stats.Passed++
		kept = append(kept, record)
		rows = append(rows, row)
	}

	if dc.corrector != nil {
		corrected := dc.corrector.Correct(kept)
		dc.stats.Corrected += int64(corrected)
		dc.stats.Issues[dc.corrector.Name()] += int64(corrected)
	}

	out := &ml.Table{Columns: append([]string(nil), t.Columns...), Rows: make([][]string, len(kept))}
	for i, record := range kept {
		cells := append([]string(nil), rows[i]...)
		for j, name := range names {
			cells[indexes[j]] = strconv.FormatFloat(record.Values[name], 'g', -1, 64)
		}
		cells[labelIdx] = record.Label
		out.Rows[i] = cells
	}

	dc.issues = append(dc.issues, issues...)
	dc.stats.LastClean = time.Now()
	dc.logger.Info("Training data cleaned",
		zap.Int("rows", len(t.Rows)),
		zap.Int("kept", len(kept)),
		zap.Int("issues", len(issues)))
	return out, issues, nil
}

func (dc *DataCleaner) GetStats() CleaningStats {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// GetIssues returns the latest limit issues, or all of them when limit <= 0.
func (dc *DataCleaner) GetIssues(limit int) []QualityIssue {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	if limit <= 0 || limit > len(dc.issues) {
		limit = len(dc.issues)
	}
	issues := make([]QualityIssue, limit)
	copy(issues, dc.issues[len(dc.issues)-limit:])
	return issues
}

func parseRecord(row int, cells []string, names []string, indexes []int, labelIdx int) (*Record, []QualityIssue) {
	record := &Record{
		Row:    row,
		Values: make(map[string]float64, len(names)),
		Label:  strings.TrimSpace(cells[labelIdx]),
	}
	var issues []QualityIssue
	for i, name := range names {
		raw := strings.TrimSpace(cells[indexes[i]])
		if raw == "" {
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
			issues = append(issues, QualityIssue{Row: row, Rule: "parse", Message: fmt.Sprintf("%s: not a finite number %q", name, raw)})
			continue
		}
		record.Values[name] = value
	}
	return record, issues
}

func (r *Record) clone() *Record {
	values := make(map[string]float64, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	return &Record{Row: r.Row, Values: values, Label: r.Label}
}

func (r *Record) equal(other *Record) bool {
	if r.Label != other.Label || len(r.Values) != len(other.Values) {
		return false
	}
	for k, v := range r.Values {
		if w, ok := other.Values[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// LabelRule rejects unlabelled rows and lower-cases the label.
type LabelRule struct{}

func NewLabelRule() *LabelRule { return &LabelRule{} }

func (r *LabelRule) Name() string { return "label" }

func (r *LabelRule) Apply(record *Record) (*Record, error) {
	if record.Label == "" {
		return nil, fmt.Errorf("missing label")
	}
	record.Label = strings.ToLower(record.Label)
	return record, nil
}

// RatioRule derives a missing spend/amperage ratio from its two inputs.
type RatioRule struct{}

func NewRatioRule() *RatioRule { return &RatioRule{} }

func (r *RatioRule) Name() string { return "ratio" }

func (r *RatioRule) Apply(record *Record) (*Record, error) {
	if _, ok := record.Values[ml.RatioDepenseAmperage]; ok {
		return record, nil
	}
	amperage, okA := record.Values[ml.AvgAmperagePerDay]
	spend, okS := record.Values[ml.AvgDepensePerDay]
	if !okA || !okS || amperage <= 0 {
		return nil, fmt.Errorf("%s missing and cannot be derived", ml.RatioDepenseAmperage)
	}
	record.Values[ml.RatioDepenseAmperage] = spend / amperage
	return record, nil
}

// Bounds is an inclusive range. A zero Max means unbounded above.
type Bounds struct {
	Min float64
	Max float64
}

// RangeRule requires every feature and keeps it within bounds.
type RangeRule struct {
	Bounds map[string]Bounds
}

func NewRangeRule() *RangeRule {
	return &RangeRule{Bounds: map[string]Bounds{
		ml.AvgAmperagePerDay:    {Min: 0},
		ml.AvgDepensePerDay:     {Min: 0},
		ml.NombrePersonnes:      {Min: 1, Max: 50},
		ml.JoursObserved:        {Min: 1, Max: 366},
		ml.RatioDepenseAmperage: {Min: 0},
	}}
}

func (r *RangeRule) Name() string { return "range" }

func (r *RangeRule) Apply(record *Record) (*Record, error) {
	for _, name := range ml.FeatureNames() {
		value, ok := record.Values[name]
		if !ok {
			return nil, fmt.Errorf("%s missing", name)
		}
		b, bounded := r.Bounds[name]
		if !bounded {
			continue
		}
		if value < b.Min || (b.Max > 0 && value > b.Max) {
			return nil, fmt.Errorf("%s out of range: %g", name, value)
		}
	}
	return record, nil
}

// DuplicateRule rejects a row whose label and features repeat an earlier row.
type DuplicateRule struct {
	mu   sync.Mutex
	seen map[string]int
}

func NewDuplicateRule() *DuplicateRule {
	return &DuplicateRule{seen: make(map[string]int)}
}

func (r *DuplicateRule) Name() string { return "duplicate" }

func (r *DuplicateRule) reset() {
	r.mu.Lock()
	r.seen = make(map[string]int)
	r.mu.Unlock()
}

func (r *DuplicateRule) Apply(record *Record) (*Record, error) {
	var key strings.Builder
	key.WriteString(record.Label)
	for _, name := range ml.FeatureNames() {
		key.WriteByte('|')
		key.WriteString(strconv.FormatFloat(record.Values[name], 'g', -1, 64))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if first, ok := r.seen[key.String()]; ok {
		return nil, fmt.Errorf("duplicate of row %d", first)
	}
	r.seen[key.String()] = record.Row
	return record, nil
}

// OutlierCorrector replaces values further than Sigma standard deviations
// from their column mean with the column median.
type OutlierCorrector struct {
	Sigma   float64
	Columns []string
}

func NewOutlierCorrector(sigma float64) *OutlierCorrector {
	if sigma <= 0 {
		sigma = 3
	}
	return &OutlierCorrector{
		Sigma:   sigma,
		Columns: []string{ml.AvgAmperagePerDay, ml.AvgDepensePerDay, ml.RatioDepenseAmperage},
	}
}

func (c *OutlierCorrector) Name() string { return "outlier" }

// Correct edits records in place and returns the number of values replaced.
func (c *OutlierCorrector) Correct(records []*Record) int {
	if len(records) < 2 {
		return 0
	}
	corrected := 0
	values := make([]float64, len(records))
	for _, name := range c.Columns {
		for i, r := range records {
			values[i] = r.Values[name]
		}
		mean, std := stat.MeanStdDev(values, nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
		for _, r := range records {
			if math.Abs(r.Values[name]-mean)/std > c.Sigma {
				r.Values[name] = median
				corrected++
			}
		}
	}
	return corrected
}
