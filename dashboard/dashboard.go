// Package dashboard builds the view models of the household analytics page.
// Everything here is presentation: charts come from the prediction history
// when it has data and from fixed or simulated reference series otherwise.
package dashboard

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"sigor/db"
	"sigor/ml"
)

// History is the read side of the prediction store.
type History interface {
	MonthlyTrend(since time.Time) ([]db.TrendPoint, error)
	LatestTraining() (*db.TrainingLog, error)
}

type Options struct {
	Language string
	// Seed for the simulated series; 0 seeds from the clock.
	Seed int64
	// History may be nil, in which case trend, confusion and footer use the
	// reference data.
	History History
	Logger  *zap.Logger
	Now     func() time.Time
}

type Dashboard struct {
	mu  sync.Mutex
	rng *rand.Rand

	tag     language.Tag
	printer *message.Printer
	history History
	logger  *zap.Logger
	now     func() time.Time
}

func New(opts Options) *Dashboard {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tag := parseLanguage(opts.Language)
	return &Dashboard{
		rng:     rand.New(rand.NewSource(seed)),
		tag:     tag,
		printer: message.NewPrinter(tag),
		history: opts.History,
		logger:  logger,
		now:     now,
	}
}

func (d *Dashboard) Language() string {
	return d.tag.String()
}

// Label returns the display name of a class.
func (d *Dashboard) Label(class string) string {
	key, ok := classMessages[class]
	if !ok {
		return class
	}
	return d.printer.Sprintf(key)
}

// LoadFailure is the notice shown instead of the form when no model set is
// being served.
func (d *Dashboard) LoadFailure() string {
	return d.printer.Sprintf(msgLoadFailure)
}

type ProbabilityRow struct {
	Class       string  `json:"class"`
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
	Text        string  `json:"text"`
}

// PredictionView is the result panel shown after a form submission.
type PredictionView struct {
	Class          string           `json:"class,omitempty"`
	Label          string           `json:"label,omitempty"`
	Confidence     float64          `json:"confidence"`
	ConfidenceText string           `json:"confidence_text,omitempty"`
	Gauge          *Gauge           `json:"gauge,omitempty"`
	Probabilities  []ProbabilityRow `json:"probabilities,omitempty"`
	Error          string           `json:"error,omitempty"`
}

func (d *Dashboard) Present(res ml.Result) PredictionView {
	if !res.OK() {
		msg := res.Error
		if msg == "" {
			msg = d.printer.Sprintf(msgNoPrediction)
		}
		return PredictionView{Error: msg}
	}
	gauge := NewGauge(d.printer.Sprintf(msgGaugeTitle), res.Confidence)
	view := PredictionView{
		Class:          res.Class,
		Label:          d.Label(res.Class),
		Confidence:     res.Confidence,
		ConfidenceText: d.percent(res.Confidence),
		Gauge:          &gauge,
	}
	for class, p := range res.Probabilities {
		view.Probabilities = append(view.Probabilities, ProbabilityRow{
			Class:       class,
			Label:       d.Label(class),
			Probability: p,
			Text:        d.percent(p),
		})
	}
	sort.Slice(view.Probabilities, func(i, j int) bool {
		return classRank(view.Probabilities[i].Class) < classRank(view.Probabilities[j].Class)
	})
	return view
}

func (d *Dashboard) percent(p float64) string {
	return d.printer.Sprintf("%.2f%%", p*100)
}

// Distribution draws a fresh simulated sample on every call.
func (d *Dashboard) Distribution() []BoxStats {
	d.mu.Lock()
	boxes := simulateDistribution(d.rng)
	d.mu.Unlock()
	for i := range boxes {
		boxes[i].Label = d.Label(boxes[i].Class)
	}
	return boxes
}

func (d *Dashboard) Importance(p *ml.Predictor) ImportanceChart {
	var model ml.Classifier
	if p != nil && p.Artifacts() != nil {
		model = p.Artifacts().Model
	}
	return FeatureImportance(model)
}

func (d *Dashboard) Profiles() []Profile {
	out := make([]Profile, len(profiles))
	for i, p := range profiles {
		p.Label = d.Label(p.Class)
		p.AmperageText = d.printer.Sprintf("%.1f A", p.Amperage)
		p.SpendText = d.printer.Sprintf("%.1f $", p.Spend)
		p.PersonsText = d.printer.Sprintf("%.1f", p.Persons)
		out[i] = p
	}
	return out
}

// Trend covers the last twelve months of recorded predictions, falling back
// to a simulated year when nothing was recorded.
func (d *Dashboard) Trend() Trend {
	var trend Trend
	points := d.recordedTrend()
	if len(points) > 0 {
		trend = trendFromHistory(points)
	} else {
		d.mu.Lock()
		trend = simulateTrend(d.rng)
		d.mu.Unlock()
	}
	for i := range trend.Series {
		trend.Series[i].Label = d.Label(trend.Series[i].Class)
	}
	return trend
}

func (d *Dashboard) recordedTrend() []db.TrendPoint {
	if d.history == nil {
		return nil
	}
	points, err := d.history.MonthlyTrend(d.now().AddDate(-1, 0, 0))
	if err != nil {
		d.logger.Warn("Failed to load prediction trend", zap.Error(err))
		return nil
	}
	return points
}

func (d *Dashboard) latestTraining() *db.TrainingLog {
	if d.history == nil {
		return nil
	}
	run, err := d.history.LatestTraining()
	if err != nil {
		if !errors.Is(err, db.ErrNoTrainingRun) {
			d.logger.Warn("Failed to load training log", zap.Error(err))
		}
		return nil
	}
	return run
}

// Confusion is the matrix of the latest recorded training run, or the
// reference matrix when none was recorded.
func (d *Dashboard) Confusion() Confusion {
	c := Confusion{Classes: ml.DefaultClasses, Matrix: staticConfusion, Static: true}
	if run := d.latestTraining(); run != nil && len(run.Confusion) > 0 && len(run.Confusion) == len(run.Classes) {
		c = Confusion{Classes: run.Classes, Matrix: run.Confusion}
	}
	c.Labels = make([]string, len(c.Classes))
	for i, class := range c.Classes {
		c.Labels[i] = d.Label(class)
	}
	return c
}

var (
	staticTrainedAt = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	staticAccuracy  = 0.998
)

type Footer struct {
	Text      string  `json:"text"`
	TrainedAt string  `json:"trained_at"`
	Accuracy  float64 `json:"accuracy"`
	Age       string  `json:"age"`
	ModelFile string  `json:"model_file,omitempty"`
	Static    bool    `json:"static"`
}

func (d *Dashboard) Footer(p *ml.Predictor) Footer {
	trainedAt, accuracy, static := staticTrainedAt, staticAccuracy, true
	if run := d.latestTraining(); run != nil {
		trainedAt, accuracy, static = run.TrainedAt, run.Accuracy, false
	}
	f := Footer{
		TrainedAt: trainedAt.Format("2006-01-02"),
		Accuracy:  accuracy,
		Age:       humanize.RelTime(trainedAt, d.now(), "ago", "from now"),
		Static:    static,
	}
	f.Text = d.printer.Sprintf(msgFooter, f.TrainedAt, accuracy*100)
	if p != nil && p.Artifacts() != nil {
		f.ModelFile = p.Artifacts().ModelFile
	}
	return f
}
