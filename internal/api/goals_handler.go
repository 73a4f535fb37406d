package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ezlytics/ezlytics/internal/domain"
	"github.com/ezlytics/ezlytics/internal/pkg/httputil"
	"github.com/ezlytics/ezlytics/internal/pkg/logger"
	"github.com/ezlytics/ezlytics/internal/repository/postgres"
)

type goalRequest struct {
	VisitorID string         `json:"datafast_visitor_id"`
	Name      string         `json:"name"`
	Metadata  map[string]any `json:"metadata"`
}

// handleGoal records a server-side goal for a known visitor. The goal
// inherits the dimensional context of the visitor's latest pageview; a
// visitor with no pageview history is a conflict, not a silent drop.
func (s *Server) handleGoal(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		httputil.Unauthorized(w, "missing API key")
		return
	}
	site, err := s.sites.GetByAPIKey(r.Context(), token)
	if errors.Is(err, postgres.ErrNotFound) {
		httputil.Unauthorized(w, "unknown API key")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	var req goalRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.VisitorID == "" || req.Name == "" {
		httputil.BadRequest(w, "datafast_visitor_id and name are required")
		return
	}

	snapshot, err := s.events.LatestPageview(r.Context(), site.ID, req.VisitorID)
	if errors.Is(err, postgres.ErrNotFound) {
		httputil.Conflict(w, "no pageview recorded for this visitor")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	eventID := r.Header.Get("x-idempotency-key")
	if eventID == "" {
		eventID = uuid.New().String()
	}
	metadata := req.Metadata
	if metadata != nil && s.box != nil {
		if err := s.box.EncryptMetadata(metadata); err != nil {
			httputil.InternalError(w, err)
			return
		}
	}
	ev := &domain.RawEvent{
		SiteID:     site.ID,
		EventID:    eventID,
		Type:       domain.EventGoal,
		Name:       req.Name,
		VisitorID:  req.VisitorID,
		SessionID:  snapshot.SessionID,
		Timestamp:  s.now().UnixMilli(),
		Metadata:   metadata,
		Normalized: snapshot.Normalized,
	}
	deduped, err := s.commitEvent(r, ev, false)
	if err != nil {
		logger.Error("goal transaction failed", "site_id", site.ID, "error", err)
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, ingestResponse{OK: true, Deduped: deduped})
}
