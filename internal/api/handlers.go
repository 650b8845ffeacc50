package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/schemamap-crawler/internal/catalog"
)

// defaultUserID is assumed when a request does not name a tenant.
const defaultUserID = "system"

type siteRequest struct {
	SiteURL              string  `json:"site_url"`
	UserID               string  `json:"user_id"`
	ProcessIntervalHours float64 `json:"process_interval_hours"`
	SchemaMapURL         string  `json:"schema_map_url"`
	RefreshMode          string  `json:"refresh_mode"`
}

type schemaMapRequest struct {
	SiteURL      string `json:"site_url"`
	UserID       string `json:"user_id"`
	SchemaMapURL string `json:"schema_map_url"`
	RefreshMode  string `json:"refresh_mode"`
}

type manualFileRequest struct {
	SiteURL string `json:"site_url"`
	UserID  string `json:"user_id"`
	FileURL string `json:"file_url"`
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) registerSite(w http.ResponseWriter, r *http.Request) {
	var req siteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SiteURL == "" {
		writeError(w, http.StatusBadRequest, "site_url is required")
		return
	}
	if req.UserID == "" {
		req.UserID = defaultUserID
	}
	site := catalog.Site{
		SiteURL:              req.SiteURL,
		UserID:               req.UserID,
		ProcessIntervalHours: req.ProcessIntervalHours,
		SchemaMapURL:         req.SchemaMapURL,
		RefreshMode:          req.RefreshMode,
	}
	if err := s.catalog.AddSite(r.Context(), site); err != nil {
		s.log.Error("register site", zap.String("site_url", req.SiteURL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register site")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"status":   "registered",
		"site_url": catalog.NormalizeSiteURL(req.SiteURL),
	})
}

func (s *Server) removeSite(w http.ResponseWriter, r *http.Request) {
	siteURL, userID, ok := siteParams(w, r)
	if !ok {
		return
	}
	queued, err := s.master.RemoveSite(r.Context(), siteURL, userID)
	if err != nil {
		s.log.Error("remove site", zap.String("site_url", siteURL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to remove site")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "removal queued",
		"jobs_queued": queued,
		"site_url":    catalog.NormalizeSiteURL(siteURL),
	})
}

func (s *Server) processSite(w http.ResponseWriter, r *http.Request) {
	var req siteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SiteURL == "" {
		writeError(w, http.StatusBadRequest, "site_url is required")
		return
	}
	if req.UserID == "" {
		req.UserID = defaultUserID
	}
	queued, err := s.master.ProcessSite(r.Context(), req.SiteURL, req.UserID)
	if err != nil {
		s.log.Error("process site", zap.String("site_url", req.SiteURL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to process site")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "queued",
		"jobs_queued": queued,
	})
}

func (s *Server) addSchemaMap(w http.ResponseWriter, r *http.Request) {
	var req schemaMapRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SiteURL == "" || req.SchemaMapURL == "" {
		writeError(w, http.StatusBadRequest, "site_url and schema_map_url are required")
		return
	}
	if req.UserID == "" {
		req.UserID = defaultUserID
	}
	queued, err := s.master.AddSchemaMapToSite(r.Context(), req.SiteURL, req.UserID, req.SchemaMapURL, req.RefreshMode)
	if err != nil {
		s.log.Error("add schema map",
			zap.String("site_url", req.SiteURL),
			zap.String("schema_map_url", req.SchemaMapURL),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to add schema map")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "queued",
		"jobs_queued": queued,
	})
}

func (s *Server) removeSchemaMap(w http.ResponseWriter, r *http.Request) {
	var req schemaMapRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SiteURL == "" || req.SchemaMapURL == "" {
		writeError(w, http.StatusBadRequest, "site_url and schema_map_url are required")
		return
	}
	if req.UserID == "" {
		req.UserID = defaultUserID
	}
	queued, err := s.master.RemoveSchemaMap(r.Context(), req.SiteURL, req.UserID, req.SchemaMapURL)
	if err != nil {
		s.log.Error("remove schema map",
			zap.String("site_url", req.SiteURL),
			zap.String("schema_map_url", req.SchemaMapURL),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to remove schema map")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "removal queued",
		"jobs_queued": queued,
	})
}

func (s *Server) addManualFile(w http.ResponseWriter, r *http.Request) {
	var req manualFileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SiteURL == "" || req.FileURL == "" {
		writeError(w, http.StatusBadRequest, "site_url and file_url are required")
		return
	}
	if req.UserID == "" {
		req.UserID = defaultUserID
	}
	if err := s.master.AddManualFile(r.Context(), req.SiteURL, req.UserID, req.FileURL); err != nil {
		s.log.Error("add manual file", zap.String("file_url", req.FileURL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to add file")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "queued",
		"file_url": req.FileURL,
	})
}

func (s *Server) siteStatuses(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = defaultUserID
	}
	statuses, err := s.catalog.SiteStatuses(r.Context(), userID)
	if err != nil {
		s.log.Error("site statuses", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list site statuses")
		return
	}
	if statuses == nil {
		statuses = []catalog.SiteStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": statuses})
}

func (s *Server) fileErrors(w http.ResponseWriter, r *http.Request) {
	fileURL := r.URL.Query().Get("file_url")
	if fileURL == "" {
		writeError(w, http.StatusBadRequest, "file_url is required")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	errs, err := s.catalog.FileErrors(r.Context(), fileURL, limit)
	if err != nil {
		s.log.Error("file errors", zap.String("file_url", fileURL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list file errors")
		return
	}
	if errs == nil {
		errs = []catalog.ProcessingError{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": errs})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.log.Error("queue stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func siteParams(w http.ResponseWriter, r *http.Request) (siteURL, userID string, ok bool) {
	siteURL = r.URL.Query().Get("site_url")
	userID = r.URL.Query().Get("user_id")
	if siteURL == "" {
		var req siteRequest
		if err := decodeBody(r, &req); err == nil {
			siteURL = req.SiteURL
			userID = req.UserID
		}
	}
	if siteURL == "" {
		writeError(w, http.StatusBadRequest, "site_url is required")
		return "", "", false
	}
	if userID == "" {
		userID = defaultUserID
	}
	return siteURL, userID, true
}
