package dashboard

import (
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"sigor/db"
	"sigor/ml"
)

// tier holds the simulation parameters of one consumption class.
type tier struct {
	class         string
	amperageMean  float64
	amperageSigma float64
	trendMean     float64
	trendSigma    float64
}

var tiers = []tier{
	{"small", 5, 1, 5, 0.5},
	{"medium", 15, 2, 15, 1},
	{"large", 30, 3, 30, 2},
}

const distributionSamples = 100

// BoxStats summarizes one box of the amperage distribution plot.
type BoxStats struct {
	Class  string  `json:"class"`
	Label  string  `json:"label"`
	N      int     `json:"n"`
	Min    float64 `json:"min"`
	Q1     float64 `json:"q1"`
	Median float64 `json:"median"`
	Q3     float64 `json:"q3"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
}

// Summarize computes box statistics. values is sorted in place.
func Summarize(class string, values []float64) BoxStats {
	box := BoxStats{Class: class, N: len(values)}
	if len(values) == 0 {
		return box
	}
	sort.Float64s(values)
	box.Min = values[0]
	box.Max = values[len(values)-1]
	box.Q1 = stat.Quantile(0.25, stat.Empirical, values, nil)
	box.Median = stat.Quantile(0.5, stat.Empirical, values, nil)
	box.Q3 = stat.Quantile(0.75, stat.Empirical, values, nil)
	box.Mean = stat.Mean(values, nil)
	return box
}

func simulateDistribution(rng *rand.Rand) []BoxStats {
	boxes := make([]BoxStats, 0, len(tiers))
	for _, t := range tiers {
		samples := make([]float64, distributionSamples)
		for i := range samples {
			samples[i] = rng.NormFloat64()*t.amperageSigma + t.amperageMean
		}
		boxes = append(boxes, Summarize(t.class, samples))
	}
	return boxes
}

var defaultImportances = []float64{0.35, 0.25, 0.15, 0.15, 0.10}

type Importance struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"importance"`
}

// ImportanceChart is sorted by descending importance.
type ImportanceChart struct {
	Bars      []Importance `json:"bars"`
	FromModel bool         `json:"from_model"`
}

// FeatureImportance uses the classifier's own importances when it exposes a
// full-width vector, else the fixed reference values.
func FeatureImportance(model ml.Classifier) ImportanceChart {
	values := defaultImportances
	fromModel := false
	if fi, ok := model.(ml.FeatureImportancer); ok {
		if own := fi.FeatureImportances(); len(own) == ml.FeatureCount && floats.Sum(own) > 0 {
			values = own
			fromModel = true
		}
	}
	names := ml.FeatureNames()
	bars := make([]Importance, len(names))
	for i, name := range names {
		bars[i] = Importance{Feature: name, Value: values[i]}
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Value > bars[j].Value })
	return ImportanceChart{Bars: bars, FromModel: fromModel}
}

type Profile struct {
	Class        string  `json:"class"`
	Label        string  `json:"label"`
	Amperage     float64 `json:"avg_amperage_per_day"`
	Spend        float64 `json:"avg_depense_per_day"`
	Persons      float64 `json:"nombre_personnes"`
	AmperageText string  `json:"amperage_text"`
	SpendText    string  `json:"spend_text"`
	PersonsText  string  `json:"persons_text"`
}

var profiles = []Profile{
	{Class: "small", Amperage: 5.2, Spend: 12.5, Persons: 2.1},
	{Class: "medium", Amperage: 15.8, Spend: 28.3, Persons: 3.8},
	{Class: "large", Amperage: 32.4, Spend: 65.2, Persons: 5.2},
}

type TrendPoint struct {
	Month string  `json:"month"`
	Value float64 `json:"value"`
	Count int     `json:"count,omitempty"`
}

type TrendSeries struct {
	Class  string       `json:"class"`
	Label  string       `json:"label"`
	Points []TrendPoint `json:"points"`
}

// Trend is the monthly mean amperage per class.
type Trend struct {
	Simulated bool          `json:"simulated"`
	Months    []string      `json:"months"`
	Series    []TrendSeries `json:"series"`
}

var trendStart = time.Date(2023, time.January, 31, 0, 0, 0, 0, time.UTC)

// monthEnds returns n month-end dates starting at the month of start.
func monthEnds(start time.Time, n int) []string {
	first := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	months := make([]string, n)
	for i := range months {
		months[i] = first.AddDate(0, i+1, -1).Format("2006-01-02")
	}
	return months
}

func simulateTrend(rng *rand.Rand) Trend {
	months := monthEnds(trendStart, 12)
	trend := Trend{Simulated: true, Months: months}
	for _, t := range tiers {
		series := TrendSeries{Class: t.class, Points: make([]TrendPoint, len(months))}
		for i, month := range months {
			series.Points[i] = TrendPoint{Month: month, Value: rng.NormFloat64()*t.trendSigma + t.trendMean}
		}
		trend.Series = append(trend.Series, series)
	}
	return trend
}

// trendFromHistory pivots store rows into one series per class. Months
// without predictions for a class are left out of that series.
func trendFromHistory(points []db.TrendPoint) Trend {
	monthSet := make(map[string]bool)
	byClass := make(map[string][]TrendPoint)
	var classes []string
	for _, p := range points {
		monthSet[p.Month] = true
		if _, ok := byClass[p.Class]; !ok {
			classes = append(classes, p.Class)
		}
		byClass[p.Class] = append(byClass[p.Class], TrendPoint{Month: p.Month, Value: p.MeanAmperage, Count: p.Count})
	}

	trend := Trend{Months: make([]string, 0, len(monthSet))}
	for month := range monthSet {
		trend.Months = append(trend.Months, month)
	}
	sort.Strings(trend.Months)
	sort.Slice(classes, func(i, j int) bool { return classRank(classes[i]) < classRank(classes[j]) })
	for _, class := range classes {
		series := byClass[class]
		sort.Slice(series, func(i, j int) bool { return series[i].Month < series[j].Month })
		trend.Series = append(trend.Series, TrendSeries{Class: class, Points: series})
	}
	return trend
}

// classRank orders the known tiers first, unknown classes alphabetically after.
func classRank(class string) string {
	for i, t := range tiers {
		if t.class == class {
			return string(rune('0' + i))
		}
	}
	return "9" + class
}

var staticConfusion = [][]int{
	{178, 2, 0},
	{1, 165, 1},
	{0, 1, 196},
}

type Confusion struct {
	Classes []string `json:"classes"`
	Labels  []string `json:"labels"`
	Matrix  [][]int  `json:"matrix"`
	Static  bool     `json:"static"`
}
