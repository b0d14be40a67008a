package http

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"go.uber.org/zap"

	"sigor/dashboard"
)

//go:embed web
var webFS embed.FS

var indexTemplate = template.Must(template.ParseFS(webFS, "web/index.html"))

func (s *Server) registerDashboardRoutes(mux *http.ServeMux) {
	static, err := fs.Sub(webFS, "web/static")
	if err != nil {
		panic(err)
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(static))))
	mux.HandleFunc("GET /{$}", s.handleIndex)

	mux.HandleFunc("GET /api/dashboard/form", s.handleDashboardForm)
	mux.HandleFunc("POST /api/dashboard/predict", s.handleDashboardPredict)
	mux.HandleFunc("GET /api/dashboard/distribution", s.handleDashboardDistribution)
	mux.HandleFunc("GET /api/dashboard/importance", s.handleDashboardImportance)
	mux.HandleFunc("GET /api/dashboard/profiles", s.handleDashboardProfiles)
	mux.HandleFunc("GET /api/dashboard/trend", s.handleDashboardTrend)
	mux.HandleFunc("GET /api/dashboard/confusion", s.handleDashboardConfusion)
	mux.HandleFunc("GET /api/dashboard/footer", s.handleDashboardFooter)
}

type indexPage struct {
	Language string
	Loaded   bool
	Notice   string
	Footer   dashboard.Footer
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	predictor := s.deployer.Predictor()
	page := indexPage{
		Language: s.dashboard.Language(),
		Loaded:   predictor.Loaded(),
		Footer:   s.dashboard.Footer(predictor),
	}
	if !page.Loaded {
		page.Notice = s.dashboard.LoadFailure()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, page); err != nil {
		s.logger.Warn("Failed to render dashboard", zap.Error(err))
	}
}

func (s *Server) handleDashboardForm(w http.ResponseWriter, r *http.Request) {
	loaded := s.deployer.Predictor().Loaded()
	resp := map[string]interface{}{
		"fields":    dashboard.Fields(),
		"defaults":  dashboard.Defaults(),
		"loaded":    loaded,
		"language":  s.dashboard.Language(),
		"timestamp": time.Now(),
	}
	if !loaded {
		resp["notice"] = s.dashboard.LoadFailure()
	}
	s.respondJSON(w, r, http.StatusOK, resp)
}

// handleDashboardPredict validates the form before anything reaches the
// model, so out-of-range submissions never count as predictions.
func (s *Server) handleDashboardPredict(w http.ResponseWriter, r *http.Request) {
	var input map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := dashboard.Validate(input); err != nil {
		var verr *dashboard.ValidationError
		if errors.As(err, &verr) {
			s.respondJSON(w, r, http.StatusBadRequest, map[string]interface{}{
				"error":  err.Error(),
				"fields": verr.Fields,
			})
			return
		}
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !s.deployer.Predictor().Loaded() {
		s.respondJSON(w, r, http.StatusServiceUnavailable, dashboard.PredictionView{Error: s.dashboard.LoadFailure()})
		return
	}

	res, loaded := s.predictOne(sourceDashboard, input)
	s.respondJSON(w, r, statusFor(res.Code, res.OK(), loaded), s.dashboard.Present(res))
}

func (s *Server) handleDashboardDistribution(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"boxes":     s.dashboard.Distribution(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleDashboardImportance(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, s.dashboard.Importance(s.deployer.Predictor()))
}

func (s *Server) handleDashboardProfiles(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"profiles":  s.dashboard.Profiles(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleDashboardTrend(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, s.dashboard.Trend())
}

func (s *Server) handleDashboardConfusion(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, s.dashboard.Confusion())
}

func (s *Server) handleDashboardFooter(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, s.dashboard.Footer(s.deployer.Predictor()))
}
