package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ezlytics/ezlytics/internal/pkg/distlock"
	"github.com/ezlytics/ezlytics/internal/pkg/httputil"
	"github.com/ezlytics/ezlytics/internal/pkg/logger"
	"github.com/ezlytics/ezlytics/internal/rebuild"
	"github.com/ezlytics/ezlytics/internal/repository/postgres"
)

// handleCronRetention triggers one GC sweep. The sweep's own guards decide
// whether it actually runs.
func (s *Server) handleCronRetention(w http.ResponseWriter, r *http.Request) {
	stats, err := s.gc.Sweep(r.Context())
	if err != nil {
		logger.Error("retention sweep failed", "error", err)
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"ok": true, "stats": stats})
}

type rebuildRequest struct {
	SiteID       string `json:"siteId"`
	From         string `json:"from"`
	To           string `json:"to"`
	DryRun       bool   `json:"dryRun"`
	DryRunSnake  bool   `json:"dry_run"`
	IncludeDiff  bool   `json:"includeDiff"`
	IncludeSnake bool   `json:"include_diff"`
}

// handleCronRebuild replays raw events over a date range into fresh rollup
// rows. Parameters come from the query string or a JSON body; snake_case
// aliases are accepted.
func (s *Server) handleCronRebuild(w http.ResponseWriter, r *http.Request) {
	req, err := parseRebuildRequest(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	opts := rebuild.Options{
		DryRun:      req.DryRun || req.DryRunSnake,
		IncludeDiff: req.IncludeDiff || req.IncludeSnake,
	}
	opts.From, err = parseDay(req.From)
	if err != nil {
		httputil.BadRequest(w, "from: expected YYYY-MM-DD or RFC3339")
		return
	}
	opts.To, err = parseDay(req.To)
	if err != nil {
		httputil.BadRequest(w, "to: expected YYYY-MM-DD or RFC3339")
		return
	}

	if req.SiteID != "" {
		opts.SiteID, err = s.resolveSiteID(r, req.SiteID)
		if err != nil {
			httputil.NotFound(w, "unknown site")
			return
		}
	}

	// A rebuild deletes and reinserts rollup rows; two running at once
	// would race on the same range.
	lock := distlock.NewLock(s.redis, s.db, "rollup-rebuild", 10*time.Minute)
	acquired, lockErr := lock.Acquire(r.Context())
	if lockErr != nil {
		logger.Warn("rebuild lock unavailable", "error", lockErr)
	} else if !acquired {
		httputil.Conflict(w, "a rebuild is already running")
		return
	} else {
		defer lock.Release(r.Context())
	}

	report, err := s.rebuilder.Run(r.Context(), opts)
	if errors.Is(err, rebuild.ErrBadRange) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		logger.Error("rollup rebuild failed", "error", err)
		httputil.InternalError(w, err)
		return
	}
	logger.Info("rollup rebuild done",
		"from", report.From, "to", report.To,
		"events", report.Events, "dry_run", report.DryRun)
	httputil.OK(w, map[string]any{"ok": true, "report": report})
}

func parseRebuildRequest(r *http.Request) (*rebuildRequest, error) {
	req := &rebuildRequest{}
	if r.Method == http.MethodPost && r.Header.Get("Content-Type") == "application/json" {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			return nil, errors.New("unreadable body")
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, req); err != nil {
				return nil, errors.New("invalid JSON body")
			}
		}
	}
	applyQuery(req, r.URL.Query())
	if req.From == "" || req.To == "" {
		return nil, errors.New("from and to are required")
	}
	return req, nil
}

func applyQuery(req *rebuildRequest, q url.Values) {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v := q.Get(k); v != "" {
				return v
			}
		}
		return ""
	}
	if v := get("siteId", "site_id"); v != "" {
		req.SiteID = v
	}
	if v := get("from"); v != "" {
		req.From = v
	}
	if v := get("to"); v != "" {
		req.To = v
	}
	if v := get("dryRun", "dry_run"); v != "" {
		req.DryRun = v == "true" || v == "1"
	}
	if v := get("includeDiff", "include_diff"); v != "" {
		req.IncludeDiff = v == "true" || v == "1"
	}
}

func parseDay(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

// resolveSiteID accepts either a public website id or an internal site id.
func (s *Server) resolveSiteID(r *http.Request, id string) (string, error) {
	site, err := s.sites.GetByWebsiteID(r.Context(), id)
	if err == nil {
		return site.ID, nil
	}
	if !errors.Is(err, postgres.ErrNotFound) {
		return "", err
	}
	return id, nil
}
