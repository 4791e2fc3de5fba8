package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/kalambet/tubescope/internal/jobs"
	"github.com/kalambet/tubescope/internal/quota"
	"github.com/kalambet/tubescope/internal/reports"
)

// AppDeps holds the dependencies for the local cache API.
type AppDeps struct {
	Reports      *reports.Cache
	Jobs         *jobs.History
	Quota        *quota.Tracker
	Token        string
	WriteLimiter *rate.Limiter // optional; nil disables write limiting
}

// NewAppHandler creates the HTTP handler exposing the caches. Everything
// except /health and /metrics requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		if deps.WriteLimiter != nil {
			r.Use(LimitWrites(deps.WriteLimiter))
		}

		r.Get("/reports", handleListReports(deps))
		r.Delete("/reports", handleClearReports(deps))
		r.Get("/reports/stats", handleReportStats(deps))
		r.Post("/reports/prune", handlePruneReports(deps))
		r.Get("/reports/{channelID}", handleGetReport(deps))
		r.Post("/reports/{channelID}", handlePutReport(deps))
		r.Delete("/reports/{channelID}", handleDeleteChannelReports(deps))
		r.Get("/reports/{channelID}/{timestamp}", handleGetReportAt(deps))
		r.Delete("/reports/{channelID}/{timestamp}", handleDeleteReportAt(deps))

		r.Get("/aliases/{urlID}", handleResolveAlias(deps))
		r.Put("/aliases/{urlID}", handleSetAlias(deps))

		r.Get("/jobs", handleListJobs(deps))
		r.Post("/jobs", handleStartJob(deps))
		r.Delete("/jobs", handleClearJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/jobs/{id}/progress", handleJobProgress(deps))
		r.Delete("/jobs/{id}", handleDeleteJob(deps))

		r.Get("/quota", handleQuotaStatus(deps))
		r.Post("/quota/youtube", handleRecordYouTube(deps))
		r.Post("/quota/gemini", handleRecordGemini(deps))
		r.Put("/quota/gemini/limits", handleGeminiLimits(deps))
		r.Delete("/quota/{provider}", handleResetQuota(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- reports ---

func handleListReports(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var list []reports.Summary
		if ch := r.URL.Query().Get("channel"); ch != "" {
			list = deps.Reports.GetCachedReportsForChannel(resolve(deps, ch))
		} else {
			list = deps.Reports.GetCachedChannelList()
		}
		if limit := parseIntParam(r, "limit", 0, 0); limit > 0 && len(list) > limit {
			list = list[:limit]
		}
		if list == nil {
			list = []reports.Summary{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleReportStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Reports.Stats())
	}
}

func handleGetReport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "channelID")
		report, channelID, ok := deps.Reports.ReportForURL(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no cached report for %s", id)
			return
		}
		w.Header().Set("X-Channel-Id", channelID)
		writeJSON(w, http.StatusOK, report)
	}
}

func handleGetReportAt(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ts, ok := timestampParam(w, r)
		if !ok {
			return
		}
		channelID := resolve(deps, chi.URLParam(r, "channelID"))
		report, found := deps.Reports.GetCachedReportByTimestamp(channelID, ts)
		if !found {
			httpError(w, http.StatusNotFound, "not_found", "no cached report for %s at %d", channelID, ts)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

type putReportRequest struct {
	Report reports.Report `json:"report"`
	URLID  string         `json:"urlId,omitempty"`
}

func handlePutReport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req putReportRequest
		if !decodeBody(w, r, &req) {
			return
		}
		channelID := chi.URLParam(r, "channelID")
		rec, ok := deps.Reports.SetCachedReport(channelID, req.Report, req.URLID)
		if !ok {
			httpError(w, http.StatusInsufficientStorage, "storage_error", "report for %s could not be stored", channelID)
			return
		}
		slog.Debug("report cached", "channel_id", channelID, "timestamp", rec.Timestamp)
		writeJSON(w, http.StatusCreated, rec)
	}
}

func handleDeleteChannelReports(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := resolve(deps, chi.URLParam(r, "channelID"))
		n := deps.Reports.DeleteCachedReport(channelID)
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

func handleDeleteReportAt(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ts, ok := timestampParam(w, r)
		if !ok {
			return
		}
		deps.Reports.DeleteCachedReportByTimestamp(resolve(deps, chi.URLParam(r, "channelID")), ts)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleClearReports(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"deleted": deps.Reports.ClearAllReports()})
	}
}

func handlePruneReports(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"deleted": deps.Reports.ClearExpiredReports()})
	}
}

// --- aliases ---

func handleResolveAlias(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		urlID := chi.URLParam(r, "urlID")
		channelID, ok := deps.Reports.ResolveChannelID(urlID)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no alias for %s", urlID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"urlId": urlID, "channelId": channelID})
	}
}

func handleSetAlias(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ChannelID string `json:"channelId"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ChannelID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "channelId is required")
			return
		}
		deps.Reports.SetChannelAlias(chi.URLParam(r, "urlID"), req.ChannelID)
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- jobs ---

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := deps.Jobs.List()
		if r.URL.Query().Get("active") == "true" {
			list = deps.Jobs.Active()
		}
		if list == nil {
			list = []jobs.Job{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleStartJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
			Scenes int    `json:"scenes"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Prompt == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}
		writeJSON(w, http.StatusCreated, deps.Jobs.Start(req.Prompt, req.Scenes))
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, ok := deps.Jobs.Get(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "job %s not found", id)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

type jobProgressRequest struct {
	Status          jobs.Status `json:"status,omitempty"`
	CompletedScenes int         `json:"completedScenes,omitempty"`
	VideoURL        string      `json:"videoUrl,omitempty"`
	Error           string      `json:"error,omitempty"`
}

func handleJobProgress(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobProgressRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id := chi.URLParam(r, "id")

		var (
			job jobs.Job
			ok  bool
		)
		switch req.Status {
		case jobs.StatusCompleted:
			job, ok = deps.Jobs.Complete(id, req.VideoURL)
		case jobs.StatusFailed:
			job, ok = deps.Jobs.Fail(id, req.Error)
		case "", jobs.StatusRunning:
			job, ok = deps.Jobs.Advance(id, req.CompletedScenes)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported status %q", req.Status)
			return
		}
		if !ok {
			httpError(w, http.StatusConflict, "conflict", "job %s is unknown or already finished", id)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleClearJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"deleted": deps.Jobs.ClearAll()})
	}
}

func handleDeleteJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Jobs.Delete(chi.URLParam(r, "id"))
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- quota ---

func handleQuotaStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Quota.Status())
	}
}

func handleRecordYouTube(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Cost int `json:"cost"`
		}
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		deps.Quota.RecordYouTube(req.Cost)
		writeJSON(w, http.StatusOK, deps.Quota.Status())
	}
}

func handleRecordGemini(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Quota.RecordGemini()
		writeJSON(w, http.StatusOK, deps.Quota.Status())
	}
}

func handleGeminiLimits(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
			Tier  string `json:"tier"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		deps.Quota.UpdateGeminiLimits(req.Model, quota.ParseTier(req.Tier))
		writeJSON(w, http.StatusOK, deps.Quota.Status())
	}
}

func handleResetQuota(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := quota.Provider(chi.URLParam(r, "provider"))
		switch p {
		case quota.YouTube, quota.Gemini, quota.GeminiDaily:
		default:
			httpError(w, http.StatusNotFound, "not_found", "unknown quota counter %q", p)
			return
		}
		deps.Quota.Reset(p)
		writeJSON(w, http.StatusOK, deps.Quota.Status())
	}
}

// resolve maps a URL-derived identifier to its channel ID when an alias
// exists. Canonical IDs pass through.
func resolve(deps AppDeps, id string) string {
	if channelID, ok := deps.Reports.ResolveChannelID(id); ok {
		return channelID
	}
	return id
}

func timestampParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "timestamp")
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid timestamp %q", raw)
		return 0, false
	}
	return ts, true
}
