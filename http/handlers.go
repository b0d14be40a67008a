package http

import (
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"sigor/db"
	"sigor/ml"
	"sigor/monitoring"
)

const (
	sourceAPI       = "api"
	sourceBatch     = "batch"
	sourceDashboard = "dashboard"
)

func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/predict", s.handlePredict)
	mux.HandleFunc("POST /api/predict/batch", s.handleBatchPredict)
	mux.HandleFunc("GET /api/predictions", s.handleRecentPredictions)
	mux.HandleFunc("GET /api/training", s.handleTrainingRuns)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", s.handleResolveAlert)
	mux.Handle("GET /metrics", s.metrics.Handler())
	if s.hub != nil {
		mux.HandleFunc("GET /api/ws/predictions", s.hub.HandleWebSocket)
	}
}

type healthResponse struct {
	Status string `json:"status"`
	ml.HealthReport
	LastLoadError string `json:"last_load_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deployer.Predictor().HealthCheck()
	resp := healthResponse{Status: "ok", HealthReport: report}
	if lastErr := s.deployer.LastError(); lastErr != nil {
		resp.LastLoadError = lastErr.Error()
	}
	status := http.StatusOK
	if !report.Healthy() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, r, status, resp)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var input map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	res, loaded := s.predictOne(sourceAPI, input)
	s.respondJSON(w, r, statusFor(res.Code, res.OK(), loaded), res)
}

// predictOne serves a single record through the cache and reports whether
// a model set was being served at the time.
func (s *Server) predictOne(source string, input map[string]float64) (ml.Result, bool) {
	start := time.Now()
	predictor := s.deployer.Predictor()

	var res ml.Result
	cached := false
	if s.cache != nil {
		res, cached = s.cache.PredictSingle(input)
		s.metrics.ObserveCache(cached)
	} else {
		res = predictor.PredictSingle(input)
	}

	event := monitoring.PredictionEvent{Source: source, Cached: cached}
	if res.OK() {
		s.metrics.ObservePrediction(source, res.Class, "", time.Since(start))
		event.Class = res.Class
		event.Confidence = res.Confidence
		event.Probabilities = res.Probabilities
		s.record(db.PredictionRecord{
			Features:   knownFeatures(input),
			Class:      res.Class,
			Confidence: res.Confidence,
			Source:     source,
			ModelFile:  modelFile(predictor),
			CreatedAt:  start,
		})
	} else {
		s.metrics.ObservePrediction(source, "", string(res.Code), time.Since(start))
		event.Error = res.Error
	}
	if s.hub != nil {
		s.hub.PublishPrediction(event)
	}
	return res, predictor.Loaded()
}

func (s *Server) handleBatchPredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	csvIn := isCSV(r.Header.Get("Content-Type"))
	csvOut := csvIn || strings.Contains(r.Header.Get("Accept"), "text/csv")

	var table *ml.Table
	if csvIn {
		t, err := ml.ReadCSV(r.Body)
		if err != nil {
			s.respondError(w, r, http.StatusBadRequest, "invalid CSV body: "+err.Error())
			return
		}
		table = t
	} else {
		var t ml.Table
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			s.respondError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		table = &t
	}

	predictor := s.deployer.Predictor()
	res := predictor.BatchPredict(table)
	took := time.Since(start)

	if !res.OK() {
		s.metrics.ObservePrediction(sourceBatch, "", string(res.Code), took)
		if s.hub != nil {
			s.hub.PublishBatch(monitoring.BatchEvent{Rows: table.Len(), Error: res.Error})
		}
		s.respondJSON(w, r, statusFor(res.Code, false, predictor.Loaded()), res)
		return
	}

	records := batchRecords(res.Table, modelFile(predictor), start)
	counts := make(map[string]int)
	for _, rec := range records {
		counts[rec.Class]++
		s.metrics.ObservePrediction(sourceBatch, rec.Class, "", took)
	}
	s.metrics.BatchRows.Observe(float64(len(records)))
	if s.store != nil && len(records) > 0 {
		if err := s.store.SavePredictions(records); err != nil {
			s.logger.Warn("Failed to record batch predictions", zap.Error(err), zap.Int("rows", len(records)))
		}
	}
	if s.hub != nil {
		s.hub.PublishBatch(monitoring.BatchEvent{Rows: len(records), Counts: counts})
	}

	if csvOut {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="predictions.csv"`)
		if err := ml.WriteCSV(w, res.Table); err != nil {
			s.logger.Warn("Failed to write CSV response", zap.Error(err))
		}
		return
	}
	s.respondJSON(w, r, http.StatusOK, res)
}

type alertsResponse struct {
	Active []monitoring.Alert     `json:"active"`
	Stats  monitoring.AlertStats `json:"stats"`
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		s.respondError(w, r, http.StatusNotFound, "alerts disabled")
		return
	}
	s.respondJSON(w, r, http.StatusOK, alertsResponse{
		Active: s.alerts.ActiveAlerts(),
		Stats:  s.alerts.GetStats(),
	})
}

// handleResolveAlert lets an operator acknowledge an alert by id. A keyed
// alert that fires again afterwards is sent as a new alert.
func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		s.respondError(w, r, http.StatusNotFound, "alerts disabled")
		return
	}
	id := r.PathValue("id")
	if err := s.alerts.ResolveAlert(id); err != nil {
		s.respondError(w, r, http.StatusNotFound, err.Error())
		return
	}
	alert, _ := s.alerts.GetAlert(id)
	s.respondJSON(w, r, http.StatusOK, alert)
}

func (s *Server) handleRecentPredictions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, r, http.StatusNotFound, "prediction store disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l <= 0 {
			s.respondError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = l
	}
	records, err := s.store.RecentPredictions(limit)
	if err != nil {
		s.logger.Error("Failed to query predictions", zap.Error(err))
		s.respondError(w, r, http.StatusInternalServerError, "failed to query predictions")
		return
	}
	counts, err := s.store.CountByClass()
	if err != nil {
		s.logger.Error("Failed to count predictions", zap.Error(err))
		s.respondError(w, r, http.StatusInternalServerError, "failed to query predictions")
		return
	}
	s.respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"predictions": records,
		"count":       len(records),
		"by_class":    counts,
	})
}

func (s *Server) handleTrainingRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, r, http.StatusNotFound, "prediction store disabled")
		return
	}
	runs, err := s.store.LoadTrainingLog()
	if err != nil {
		s.logger.Error("Failed to query training runs", zap.Error(err))
		s.respondError(w, r, http.StatusInternalServerError, "failed to query training runs")
		return
	}
	s.respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) record(rec db.PredictionRecord) {
	if s.store == nil {
		return
	}
	if _, err := s.store.SavePrediction(rec); err != nil {
		s.logger.Warn("Failed to record prediction", zap.Error(err), zap.String("source", rec.Source))
	}
}

// statusFor maps a prediction outcome onto an HTTP status: bad input before
// availability, availability before prediction failures.
func statusFor(code ml.ErrorCode, ok, loaded bool) int {
	switch {
	case ok:
		return http.StatusOK
	case code == ml.CodeMissingFeatureColumns:
		return http.StatusBadRequest
	case !loaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func isCSV(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/csv"
}

func modelFile(p *ml.Predictor) string {
	if p.Artifacts() == nil {
		return ""
	}
	return p.Artifacts().ModelFile
}

func knownFeatures(input map[string]float64) map[string]float64 {
	out := make(map[string]float64, ml.FeatureCount)
	for _, name := range ml.FeatureNames() {
		if v, ok := input[name]; ok {
			out[name] = v
		}
	}
	return out
}

// lastColumn finds the appended output column even when the input already
// carried one of the same name.
func lastColumn(t *ml.Table, name string) int {
	for i := len(t.Columns) - 1; i >= 0; i-- {
		if t.Columns[i] == name {
			return i
		}
	}
	return -1
}

// batchRecords turns an augmented table back into store rows.
func batchRecords(t *ml.Table, model string, at time.Time) []db.PredictionRecord {
	classIdx := lastColumn(t, ml.ColumnPrediction)
	confIdx := lastColumn(t, ml.ColumnConfidence)
	if classIdx < 0 || confIdx < 0 {
		return nil
	}
	features := ml.FeatureNames()
	featureIdx := make([]int, len(features))
	for i, name := range features {
		featureIdx[i] = t.ColumnIndex(name)
	}

	records := make([]db.PredictionRecord, 0, t.Len())
	for _, row := range t.Rows {
		rec := db.PredictionRecord{
			Features:  make(map[string]float64, len(features)),
			Class:     row[classIdx],
			Source:    sourceBatch,
			ModelFile: model,
			CreatedAt: at,
		}
		rec.Confidence, _ = strconv.ParseFloat(row[confIdx], 64)
		for i, idx := range featureIdx {
			if idx < 0 {
				continue
			}
			if v, err := strconv.ParseFloat(strings.TrimSpace(row[idx]), 64); err == nil {
				rec.Features[features[i]] = v
			}
		}
		records = append(records, rec)
	}
	return records
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.respondJSON(w, r, status, errorResponse{Error: msg, RequestID: GetRequestID(r.Context())})
}

func (s *Server) respondJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to encode JSON", zap.Error(err), zap.String("path", r.URL.Path))
	}
}
