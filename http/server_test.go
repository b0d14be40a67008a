package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sigor/dashboard"
	"sigor/db"
	"sigor/ml"
	"sigor/monitoring"
)

type fakeStore struct {
	mu      sync.Mutex
	saved   []db.PredictionRecord
	runs    []db.TrainingLog
	saveErr error
}

func (f *fakeStore) SavePrediction(rec db.PredictionRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	f.saved = append(f.saved, rec)
	return int64(len(f.saved)), nil
}

func (f *fakeStore) SavePredictions(records []db.PredictionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, records...)
	return nil
}

func (f *fakeStore) RecentPredictions(limit int) ([]db.PredictionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.saved) {
		limit = len(f.saved)
	}
	return append([]db.PredictionRecord(nil), f.saved[:limit]...), nil
}

func (f *fakeStore) CountByClass() (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, rec := range f.saved {
		counts[rec.Class]++
	}
	return counts, nil
}

func (f *fakeStore) LoadTrainingLog() ([]db.TrainingLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.TrainingLog(nil), f.runs...), nil
}

func (f *fakeStore) records() []db.PredictionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.PredictionRecord(nil), f.saved...)
}

// writeArtifacts saves a model set that separates the tiers on amperage.
func writeArtifacts(t *testing.T, dir string) {
	t.Helper()
	model, err := ml.NewLogisticRegression(
		[][]float64{{-4, 0, 0, 0, 0}, {0, 0, 0, 0, 0}, {4, 0, 0, 0, 0}},
		[]float64{0, 1, 0},
	)
	require.NoError(t, err)
	scaler, err := ml.NewStandardScaler([]float64{15, 25, 4, 30, 2.5}, []float64{5, 10, 1, 1, 1}, ml.FeatureNames())
	require.NoError(t, err)
	encoder, err := ml.NewLabelEncoder(ml.DefaultClasses)
	require.NoError(t, err)

	require.NoError(t, ml.SaveArtifact(filepath.Join(dir, "best_model_test.joblib"), model))
	require.NoError(t, ml.SaveArtifact(filepath.Join(dir, ml.DefaultScalerFile), scaler))
	require.NoError(t, ml.SaveArtifact(filepath.Join(dir, ml.DefaultEncoderFile), encoder))
}

type testServer struct {
	*Server
	store   *fakeStore
	metrics *monitoring.Metrics
}

func newTestServer(t *testing.T, loaded bool, configure ...func(*ServerConfig, *Options)) testServer {
	t.Helper()
	dir := t.TempDir()
	if loaded {
		writeArtifacts(t, dir)
	}
	logger := zaptest.NewLogger(t)
	deployer := ml.NewDeployer(ml.NewArtifactLoader(ml.LoaderConfig{Dir: dir}, logger), logger)
	require.Equal(t, loaded, deployer.LoadArtifacts())
	cache, err := ml.NewCachedPredictor(deployer, 16)
	require.NoError(t, err)

	store := &fakeStore{}
	metrics := monitoring.NewMetrics()
	config := DefaultServerConfig()
	config.RateLimit = 0
	opts := Options{
		Deployer:  deployer,
		Cache:     cache,
		Store:     store,
		Metrics:   metrics,
		Dashboard: dashboard.New(dashboard.Options{Language: "en", Seed: 7}),
		Logger:    logger,
	}
	for _, fn := range configure {
		fn(&config, &opts)
	}
	return testServer{Server: NewServer(config, opts), store: store, metrics: metrics}
}

func (s testServer) do(method, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	return payload
}

const largeHousehold = `{
	"avg_amperage_per_day": 35,
	"avg_depense_per_day": 60,
	"nombre_personnes": 5,
	"jours_observed": 30,
	"ratio_depense_amperage": 1.7
}`

func TestHealth(t *testing.T) {
	srv := newTestServer(t, true)
	rec := srv.do("GET", "/api/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, true, payload["prediction_works"])
	assert.Equal(t, "best_model_test.joblib", payload["model_file"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.HTTPRequests.WithLabelValues("GET", "GET /api/health", "200")))
}

func TestHealthUnavailable(t *testing.T) {
	srv := newTestServer(t, false)
	rec := srv.do("GET", "/api/health", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, "unavailable", payload["status"])
	assert.Equal(t, false, payload["model_loaded"])
	assert.Equal(t, false, payload["prediction_works"])
	assert.NotEmpty(t, payload["last_load_error"])
}

func TestPredict(t *testing.T) {
	srv := newTestServer(t, true)
	rec := srv.do("POST", "/api/predict", "application/json", largeHousehold)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	payload := decode(t, rec)
	assert.Equal(t, "large", payload["prediction"])
	assert.Greater(t, payload["confidence"].(float64), 0.9)
	assert.Len(t, payload["probabilities"], 3)

	saved := srv.store.records()
	require.Len(t, saved, 1)
	assert.Equal(t, "api", saved[0].Source)
	assert.Equal(t, 35.0, saved[0].Features[ml.AvgAmperagePerDay])
	assert.Equal(t, "best_model_test.joblib", saved[0].ModelFile)

	srv.do("POST", "/api/predict", "application/json", largeHousehold)
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(srv.metrics.Predictions.WithLabelValues("api", "large")))
}

func TestPredictErrors(t *testing.T) {
	srv := newTestServer(t, true)
	rec := srv.do("POST", "/api/predict", "application/json", `{"avg_amperage_per_day": "lots"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	unloaded := newTestServer(t, false)
	rec = unloaded.do("POST", "/api/predict", "application/json", largeHousehold)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(ml.CodePredictionFailed), decode(t, rec)["code"])
	assert.Empty(t, unloaded.store.records())
}

func TestPredictRejectsMissingUnderRejectPolicy(t *testing.T) {
	srv := newTestServer(t, true, func(_ *ServerConfig, o *Options) {
		loader := o.Deployer.Loader()
		o.Deployer = ml.NewDeployer(loader, nil, ml.WithMissingPolicy(ml.MissingReject))
		require.True(t, o.Deployer.LoadArtifacts())
		o.Cache = nil
	})
	rec := srv.do("POST", "/api/predict", "application/json", `{"avg_amperage_per_day": 35}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "missing feature values")
}

func TestBatchPredictCSV(t *testing.T) {
	srv := newTestServer(t, true)
	body := "household,avg_amperage_per_day,avg_depense_per_day,nombre_personnes,jours_observed,ratio_depense_amperage\n" +
		"a,3,10,2,30,3.3\n" +
		"b,35,60,5,30,1.7\n"
	rec := srv.do("POST", "/api/predict/batch", "text/csv", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")

	out, err := ml.ReadCSV(rec.Body)
	require.NoError(t, err)
	classes, err := out.Column(ml.ColumnPrediction)
	require.NoError(t, err)
	assert.Equal(t, []string{"small", "large"}, classes)
	assert.GreaterOrEqual(t, out.ColumnIndex("prob_medium"), 0)
	households, err := out.Column("household")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, households)

	saved := srv.store.records()
	require.Len(t, saved, 2)
	assert.Equal(t, "batch", saved[1].Source)
	assert.Equal(t, "large", saved[1].Class)
	assert.Greater(t, saved[1].Confidence, 0.9)
	assert.Equal(t, 3.0, saved[0].Features[ml.AvgAmperagePerDay])
}

func TestBatchPredictJSON(t *testing.T) {
	srv := newTestServer(t, true)
	body := `{"columns": ["avg_amperage_per_day","avg_depense_per_day","nombre_personnes","jours_observed","ratio_depense_amperage"],
		"rows": [["35","60","5","30",""]]}`
	rec := srv.do("POST", "/api/predict/batch", "application/json", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res ml.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Table)
	classes, err := res.Table.Column(ml.ColumnPrediction)
	require.NoError(t, err)
	assert.Equal(t, []string{"large"}, classes)

	body = `{"columns": ["avg_amperage_per_day","avg_depense_per_day","nombre_personnes","jours_observed","ratio_depense_amperage"],
		"rows": [[35, 60, 5, 30, null], [3, 10.5, 2, 30, 3.3]]}`
	rec = srv.do("POST", "/api/predict/batch", "application/json", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = ml.BatchResult{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Table)
	assert.Equal(t, []string{"35", "60", "5", "30", ""}, res.Table.Rows[0][:5])
	classes, err = res.Table.Column(ml.ColumnPrediction)
	require.NoError(t, err)
	assert.Equal(t, []string{"large", "small"}, classes)
}

func TestBatchPredictErrors(t *testing.T) {
	srv := newTestServer(t, true)

	rec := srv.do("POST", "/api/predict/batch", "application/json", `{"columns": ["avg_amperage_per_day", "nombre_personnes"], "rows": [["1","2"]]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, string(ml.CodeMissingFeatureColumns), payload["code"])
	assert.Equal(t, []interface{}{"avg_depense_per_day", "jours_observed", "ratio_depense_amperage"}, payload["missing_columns"])

	header := "avg_amperage_per_day,avg_depense_per_day,nombre_personnes,jours_observed,ratio_depense_amperage\n"
	rec = srv.do("POST", "/api/predict/batch", "text/csv", header+"abc,1,1,1,1\n")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = srv.do("POST", "/api/predict/batch", "text/csv", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do("POST", "/api/predict/batch", "application/json", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	unloaded := newTestServer(t, false)
	rec = unloaded.do("POST", "/api/predict/batch", "text/csv", header+"1,1,1,1,1\n")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.Empty(t, srv.store.records())
}

func TestStoreFailureDoesNotFailRequest(t *testing.T) {
	srv := newTestServer(t, true)
	srv.store.saveErr = errors.New("disk full")
	rec := srv.do("POST", "/api/predict", "application/json", largeHousehold)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecentPredictions(t *testing.T) {
	srv := newTestServer(t, true)
	srv.do("POST", "/api/predict", "application/json", largeHousehold)

	rec := srv.do("GET", "/api/predictions?limit=5", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, 1.0, payload["count"])
	assert.Equal(t, map[string]interface{}{"large": 1.0}, payload["by_class"])

	rec = srv.do("GET", "/api/predictions?limit=-1", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	noStore := newTestServer(t, true, func(_ *ServerConfig, o *Options) { o.Store = nil })
	rec = noStore.do("GET", "/api/predictions", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrainingRuns(t *testing.T) {
	srv := newTestServer(t, true)
	srv.store.runs = []db.TrainingLog{{ModelName: "best_model_20240101.joblib", Accuracy: 0.97, Classes: ml.DefaultClasses}}

	rec := srv.do("GET", "/api/training", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Runs  []db.TrainingLog `json:"runs"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, 1, payload.Count)
	assert.Equal(t, "best_model_20240101.joblib", payload.Runs[0].ModelName)

	noStore := newTestServer(t, true, func(_ *ServerConfig, o *Options) { o.Store = nil })
	assert.Equal(t, http.StatusNotFound, noStore.do("GET", "/api/training", "", "").Code)
}

func TestAlerts(t *testing.T) {
	alerts := monitoring.NewAlertSystem(nil)
	require.NoError(t, alerts.SendAlert(context.Background(), &monitoring.Alert{Key: "artifacts", Title: "Model not loaded"}))
	srv := newTestServer(t, true, func(_ *ServerConfig, o *Options) { o.Alerts = alerts })

	rec := srv.do("GET", "/api/alerts", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Active []monitoring.Alert    `json:"active"`
		Stats  monitoring.AlertStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Active, 1)
	assert.Equal(t, "Model not loaded", payload.Active[0].Title)
	assert.EqualValues(t, 1, payload.Stats.ActiveAlerts)

	rec = srv.do("POST", "/api/alerts/"+payload.Active[0].ID+"/resolve", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resolved monitoring.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.True(t, resolved.Resolved)
	assert.Empty(t, alerts.ActiveAlerts())

	rec = srv.do("POST", "/api/alerts/missing/resolve", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = newTestServer(t, true).do("GET", "/api/alerts", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDashboardPredict(t *testing.T) {
	srv := newTestServer(t, true)
	rec := srv.do("POST", "/api/dashboard/predict", "application/json", largeHousehold)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var view dashboard.PredictionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "large", view.Class)
	assert.Equal(t, "Large", view.Label)
	require.NotNil(t, view.Gauge)
	assert.Equal(t, "lightgreen", view.Gauge.Band)
	assert.Len(t, view.Probabilities, 3)

	saved := srv.store.records()
	require.Len(t, saved, 1)
	assert.Equal(t, "dashboard", saved[0].Source)
}

func TestDashboardPredictRejectsOutOfRange(t *testing.T) {
	srv := newTestServer(t, true)
	body := `{"avg_amperage_per_day": 80, "avg_depense_per_day": 25, "nombre_personnes": 2.5, "jours_observed": 30, "ratio_depense_amperage": 2.5}`
	rec := srv.do("POST", "/api/dashboard/predict", "application/json", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	payload := decode(t, rec)
	fields := payload["fields"].([]interface{})
	require.Len(t, fields, 2)
	assert.Equal(t, "avg_amperage_per_day", fields[0].(map[string]interface{})["field"])
	assert.Equal(t, "nombre_personnes", fields[1].(map[string]interface{})["field"])
	assert.Empty(t, srv.store.records())
	assert.Equal(t, 0, testutil.CollectAndCount(srv.metrics.Predictions))
}

func TestDashboardPredictUnloaded(t *testing.T) {
	srv := newTestServer(t, false)
	body, err := json.Marshal(dashboard.Defaults())
	require.NoError(t, err)
	rec := srv.do("POST", "/api/dashboard/predict", "application/json", string(body))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Cannot load models. Check the artifact paths.", decode(t, rec)["error"])
}

func TestDashboardViews(t *testing.T) {
	srv := newTestServer(t, true)
	for _, path := range []string{"form", "distribution", "importance", "profiles", "trend", "confusion", "footer"} {
		rec := srv.do("GET", "/api/dashboard/"+path, "", "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), path)
	}

	payload := decode(t, srv.do("GET", "/api/dashboard/form", "", ""))
	assert.Len(t, payload["fields"], 5)
	assert.Equal(t, true, payload["loaded"])

	footer := decode(t, srv.do("GET", "/api/dashboard/footer", "", ""))
	assert.Equal(t, "best_model_test.joblib", footer["model_file"])
}

func TestIndexPage(t *testing.T) {
	srv := newTestServer(t, false)
	rec := srv.do("GET", "/", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `<html lang="en">`)
	assert.Contains(t, body, "Cannot load models. Check the artifact paths.")
	assert.Contains(t, body, "SIGOR Energy Analytics | Model trained on 2024-01-01")

	rec = srv.do("GET", "/static/dashboard.js", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do("GET", "/nowhere", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMiddleware(t *testing.T) {
	srv := newTestServer(t, true, func(c *ServerConfig, _ *Options) {
		c.RateLimit = 1
		c.RateBurst = 1
		c.AllowedOrigins = []string{"http://dashboard.local"}
	})

	req := httptest.NewRequest("OPTIONS", "/api/predict", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://dashboard.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = srv.do("GET", "/api/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code, "preflight does not spend a token")
	rec = srv.do("GET", "/api/health", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body.Error)
}

func TestRequestBodyLimit(t *testing.T) {
	srv := newTestServer(t, true, func(c *ServerConfig, _ *Options) { c.MaxBodyBytes = 16 })
	rec := srv.do("POST", "/api/predict", "application/json", largeHousehold)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestPredictionFeed(t *testing.T) {
	hub := monitoring.NewHub(zaptest.NewLogger(t), monitoring.WithHeartbeat(0))
	go hub.Start()
	t.Cleanup(func() {
		hub.Stop()
		<-hub.Done()
	})

	srv := newTestServer(t, true, func(_ *ServerConfig, o *Options) { o.Hub = hub })
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws/predictions", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Stats().ConnectedClients == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/predict", "application/json", strings.NewReader(largeHousehold))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg monitoring.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, monitoring.PredictionMade, msg.Type)

	var event monitoring.PredictionEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, "api", event.Source)
	assert.Equal(t, "large", event.Class)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, statusFor("", true, true))
	assert.Equal(t, http.StatusBadRequest, statusFor(ml.CodeMissingFeatureColumns, false, false))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(ml.CodePredictionFailed, false, false))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(ml.CodePredictionFailed, false, true))
}
