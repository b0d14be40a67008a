package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

// timestampLayout is how rows store time, so month buckets are a substr.
const timestampLayout = "2006-01-02 15:04:05"

var ErrNoTrainingRun = errors.New("no training run recorded")

const schema = `
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        avg_amperage_per_day REAL,
        avg_depense_per_day REAL,
        nombre_personnes REAL,
        jours_observed REAL,
        ratio_depense_amperage REAL,
        predicted_class TEXT NOT NULL,
        confidence REAL NOT NULL,
        source TEXT NOT NULL,
        model_file TEXT,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_predictions_created ON predictions(created_at);
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name VARCHAR(100),
        accuracy REAL,
        precision REAL,
        recall REAL,
        confusion TEXT,
        classes TEXT,
        trained_at DATETIME,
        data_points INTEGER
    );
    `

// Store persists served predictions and training runs in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	store := NewStore(database)
	if err := store.Migrate(); err != nil {
		return nil, multierr.Append(err, database.Close())
	}
	return store, nil
}

// NewStore wraps an existing handle; the caller decides when to Migrate.
func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

func (s *Store) Migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PredictionRecord is one served prediction. Features is keyed by feature
// column name.
type PredictionRecord struct {
	ID         int64              `json:"id"`
	Features   map[string]float64 `json:"features"`
	Class      string             `json:"class"`
	Confidence float64            `json:"confidence"`
	Source     string             `json:"source"`
	ModelFile  string             `json:"model_file,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

var featureColumns = []string{
	"avg_amperage_per_day",
	"avg_depense_per_day",
	"nombre_personnes",
	"jours_observed",
	"ratio_depense_amperage",
}

const insertPrediction = `
        INSERT INTO predictions (
            avg_amperage_per_day, avg_depense_per_day, nombre_personnes,
            jours_observed, ratio_depense_amperage,
            predicted_class, confidence, source, model_file, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func predictionArgs(rec PredictionRecord) []interface{} {
	args := make([]interface{}, 0, len(featureColumns)+5)
	for _, col := range featureColumns {
		value, ok := rec.Features[col]
		if !ok {
			args = append(args, nil)
			continue
		}
		args = append(args, value)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return append(args, rec.Class, rec.Confidence, rec.Source, rec.ModelFile, createdAt.UTC().Format(timestampLayout))
}

// SavePrediction stores one record and returns its id.
func (s *Store) SavePrediction(rec PredictionRecord) (int64, error) {
	if rec.Class == "" {
		return 0, errors.New("predicted class required")
	}
	res, err := s.db.Exec(insertPrediction, predictionArgs(rec)...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SavePredictions stores a batch in one transaction.
func (s *Store) SavePredictions(records []PredictionRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	rollback := func(err error) error {
		return multierr.Append(err, tx.Rollback())
	}
	stmt, err := tx.Prepare(insertPrediction)
	if err != nil {
		return rollback(err)
	}
	defer stmt.Close()

	for i, rec := range records {
		if rec.Class == "" {
			return rollback(fmt.Errorf("record %d: predicted class required", i))
		}
		if _, err := stmt.Exec(predictionArgs(rec)...); err != nil {
			return rollback(err)
		}
	}
	return tx.Commit()
}

// RecentPredictions returns up to limit records, newest first.
func (s *Store) RecentPredictions(limit int) ([]PredictionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
        SELECT id, avg_amperage_per_day, avg_depense_per_day, nombre_personnes,
               jours_observed, ratio_depense_amperage,
               predicted_class, confidence, source, model_file, created_at
        FROM predictions
        ORDER BY created_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]PredictionRecord, 0)
	for rows.Next() {
		var rec PredictionRecord
		values := make([]sql.NullFloat64, len(featureColumns))
		var modelFile sql.NullString
		err := rows.Scan(&rec.ID, &values[0], &values[1], &values[2], &values[3], &values[4],
			&rec.Class, &rec.Confidence, &rec.Source, &modelFile, &rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		rec.Features = make(map[string]float64, len(featureColumns))
		for i, v := range values {
			if v.Valid {
				rec.Features[featureColumns[i]] = v.Float64
			}
		}
		rec.ModelFile = modelFile.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TrendPoint counts predictions of one class in one calendar month (UTC).
type TrendPoint struct {
	Month        string  `json:"month"`
	Class        string  `json:"class"`
	Count        int     `json:"count"`
	MeanAmperage float64 `json:"mean_amperage"`
}

// MonthlyTrend groups predictions made at or after since by month and class,
// with the mean daily amperage of each group.
func (s *Store) MonthlyTrend(since time.Time) ([]TrendPoint, error) {
	rows, err := s.db.Query(`
        SELECT substr(created_at, 1, 7) AS month, predicted_class, COUNT(*),
               AVG(avg_amperage_per_day)
        FROM predictions
        WHERE created_at >= ?
        GROUP BY month, predicted_class
        ORDER BY month, predicted_class`, since.UTC().Format(timestampLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := make([]TrendPoint, 0)
	for rows.Next() {
		var p TrendPoint
		var mean sql.NullFloat64
		if err := rows.Scan(&p.Month, &p.Class, &p.Count, &mean); err != nil {
			return nil, err
		}
		p.MeanAmperage = mean.Float64
		points = append(points, p)
	}
	return points, rows.Err()
}

// CountByClass returns how many predictions each class received.
func (s *Store) CountByClass() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT predicted_class, COUNT(*) FROM predictions GROUP BY predicted_class`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var class string
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, err
		}
		counts[class] = n
	}
	return counts, rows.Err()
}

type TrainingLog struct {
	ModelName  string    `json:"model_name"`
	Accuracy   float64   `json:"accuracy"`
	Precision  float64   `json:"precision"`
	Recall     float64   `json:"recall"`
	Confusion  [][]int   `json:"confusion"`
	Classes    []string  `json:"classes"`
	TrainedAt  time.Time `json:"trained_at"`
	DataPoints int       `json:"data_points"`
}

func (s *Store) SaveTrainingLog(log TrainingLog) error {
	confusion, err := json.Marshal(log.Confusion)
	if err != nil {
		return err
	}
	classes, err := json.Marshal(log.Classes)
	if err != nil {
		return err
	}
	trainedAt := log.TrainedAt
	if trainedAt.IsZero() {
		trainedAt = time.Now()
	}
	_, err = s.db.Exec(`
        INSERT INTO training_log (
            model_name, accuracy, precision, recall, confusion, classes, trained_at, data_points
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ModelName, log.Accuracy, log.Precision, log.Recall,
		string(confusion), string(classes), trainedAt.UTC().Format(timestampLayout), log.DataPoints)
	return err
}

const selectTrainingLog = `
        SELECT model_name, accuracy, precision, recall, confusion, classes, trained_at, data_points
        FROM training_log
        ORDER BY trained_at DESC, id DESC`

// LoadTrainingLog returns every recorded run, newest first.
func (s *Store) LoadTrainingLog() ([]TrainingLog, error) {
	rows, err := s.db.Query(selectTrainingLog)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		log, err := scanTrainingLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// LatestTraining returns the newest run or ErrNoTrainingRun.
func (s *Store) LatestTraining() (*TrainingLog, error) {
	rows, err := s.db.Query(selectTrainingLog + "\n        LIMIT 1")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoTrainingRun
	}
	log, err := scanTrainingLog(rows)
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func scanTrainingLog(rows *sql.Rows) (TrainingLog, error) {
	var log TrainingLog
	var confusion, classes sql.NullString
	if err := rows.Scan(&log.ModelName, &log.Accuracy, &log.Precision, &log.Recall,
		&confusion, &classes, &log.TrainedAt, &log.DataPoints); err != nil {
		return log, err
	}
	if confusion.Valid && confusion.String != "" {
		if err := json.Unmarshal([]byte(confusion.String), &log.Confusion); err != nil {
			return log, fmt.Errorf("decode confusion matrix: %w", err)
		}
	}
	if classes.Valid && classes.String != "" {
		if err := json.Unmarshal([]byte(classes.String), &log.Classes); err != nil {
			return log, fmt.Errorf("decode classes: %w", err)
		}
	}
	return log, nil
}
