package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sigor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(class string, amperage float64, at time.Time) PredictionRecord {
	return PredictionRecord{
		Features: map[string]float64{
			"avg_amperage_per_day":   amperage,
			"avg_depense_per_day":    28,
			"nombre_personnes":       4,
			"jours_observed":         30,
			"ratio_depense_amperage": 1.8,
		},
		Class:      class,
		Confidence: 0.9,
		Source:     "api",
		ModelFile:  "best_model.joblib",
		CreatedAt:  at,
	}
}

func TestSaveAndQueryPredictions(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	id, err := store.SavePrediction(record("small", 3, base))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.NoError(t, store.SavePredictions([]PredictionRecord{
		record("large", 30, base.AddDate(0, 1, 0)),
		record("large", 31, base.AddDate(0, 1, 1)),
		record("medium", 12, base.AddDate(0, 1, 2)),
	}))

	recent, err := store.RecentPredictions(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "medium", recent[0].Class)
	assert.Equal(t, 12.0, recent[0].Features["avg_amperage_per_day"])
	assert.Equal(t, base.AddDate(0, 1, 2), recent[0].CreatedAt.UTC())
	assert.Equal(t, "best_model.joblib", recent[0].ModelFile)

	trend, err := store.MonthlyTrend(base.AddDate(0, -1, 0))
	require.NoError(t, err)
	assert.Equal(t, []TrendPoint{
		{Month: "2024-03", Class: "small", Count: 1, MeanAmperage: 3},
		{Month: "2024-04", Class: "large", Count: 2, MeanAmperage: 30.5},
		{Month: "2024-04", Class: "medium", Count: 1, MeanAmperage: 12},
	}, trend)

	trend, err = store.MonthlyTrend(base.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Len(t, trend, 2)

	counts, err := store.CountByClass()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"small": 1, "medium": 1, "large": 2}, counts)
}

func TestSavePredictionPartialFeatures(t *testing.T) {
	store := openTestStore(t)
	rec := record("small", 3, time.Now())
	delete(rec.Features, "nombre_personnes")

	_, err := store.SavePrediction(rec)
	require.NoError(t, err)

	recent, err := store.RecentPredictions(0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	_, ok := recent[0].Features["nombre_personnes"]
	assert.False(t, ok)
	assert.Len(t, recent[0].Features, 4)
}

func TestSavePredictionsRejectsUnlabelled(t *testing.T) {
	store := openTestStore(t)
	_, err := store.SavePrediction(PredictionRecord{})
	assert.Error(t, err)

	err = store.SavePredictions([]PredictionRecord{record("small", 1, time.Now()), {}})
	assert.Error(t, err)

	recent, err := store.RecentPredictions(10)
	require.NoError(t, err)
	assert.Empty(t, recent, "batch is all or nothing")
}

func TestTrainingLog(t *testing.T) {
	store := openTestStore(t)

	_, err := store.LatestTraining()
	assert.ErrorIs(t, err, ErrNoTrainingRun)

	first := TrainingLog{
		ModelName:  "best_model_20240101T000000.joblib",
		Accuracy:   0.91,
		Precision:  0.9,
		Recall:     0.88,
		Confusion:  [][]int{{10, 1, 0}, {2, 9, 1}, {0, 1, 12}},
		Classes:    []string{"small", "medium", "large"},
		TrainedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DataPoints: 180,
	}
	second := first
	second.ModelName = "best_model_20240201T000000.joblib"
	second.TrainedAt = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveTrainingLog(first))
	require.NoError(t, store.SaveTrainingLog(second))

	latest, err := store.LatestTraining()
	require.NoError(t, err)
	assert.Equal(t, second.ModelName, latest.ModelName)
	assert.Equal(t, second.Confusion, latest.Confusion)
	assert.Equal(t, second.Classes, latest.Classes)
	assert.Equal(t, second.TrainedAt, latest.TrainedAt.UTC())

	logs, err := store.LoadTrainingLog()
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, first.ModelName, logs[1].ModelName)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewStore(database), mock
}

func TestSavePredictionsRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO predictions")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.SavePredictions([]PredictionRecord{
		record("small", 1, time.Now()),
		record("large", 30, time.Now()),
	})
	assert.EqualError(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePredictionsReportsRollbackFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO predictions").
		ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback().WillReturnError(errors.New("connection lost"))

	err := store.SavePredictions([]PredictionRecord{record("small", 1, time.Now())})
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.ErrorContains(t, err, "connection lost")
	assert.Len(t, multierr.Errors(err), 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryErrorsPropagate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM predictions").WillReturnError(errors.New("locked"))
	mock.ExpectQuery("FROM training_log").WillReturnError(errors.New("locked"))

	_, err := store.RecentPredictions(5)
	assert.EqualError(t, err, "locked")
	_, err = store.LatestTraining()
	assert.EqualError(t, err, "locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestTrainingBadConfusion(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"model_name", "accuracy", "precision", "recall", "confusion", "classes", "trained_at", "data_points"}).
		AddRow("m", 0.5, 0.5, 0.5, "not json", `["a"]`, time.Now(), 3)
	mock.ExpectQuery("FROM training_log").WillReturnRows(rows)

	_, err := store.LatestTraining()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode confusion matrix")
}

func TestMonthlyTrendFromMock(t *testing.T) {
	store, mock := newMockStore(t)
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"month", "predicted_class", "count", "mean"}).
		AddRow("2024-01", "large", 4, 31.5).
		AddRow("2024-02", "small", 2, nil)
	mock.ExpectQuery("GROUP BY month, predicted_class").WithArgs("2024-01-01 00:00:00").WillReturnRows(rows)

	points, err := store.MonthlyTrend(since)
	require.NoError(t, err)
	assert.Equal(t, []TrendPoint{{"2024-01", "large", 4, 31.5}, {"2024-02", "small", 2, 0}}, points)
	assert.NoError(t, mock.ExpectationsWereMet())
}
