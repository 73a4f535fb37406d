package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ezlytics/ezlytics/internal/domain"
	"github.com/ezlytics/ezlytics/internal/ingest"
	"github.com/ezlytics/ezlytics/internal/pkg/httputil"
	"github.com/ezlytics/ezlytics/internal/pkg/logger"
	"github.com/ezlytics/ezlytics/internal/repository/postgres"
	"github.com/ezlytics/ezlytics/internal/rollup"
	"github.com/ezlytics/ezlytics/internal/session"
)

type ingestResponse struct {
	OK      bool         `json:"ok"`
	Deduped bool         `json:"deduped,omitempty"`
	Debug   *ingestDebug `json:"debug,omitempty"`
}

type ingestDebug struct {
	UsedClientTimestamp bool  `json:"usedClientTimestamp"`
	ClockSkewMs         int64 `json:"clockSkewMs"`
}

// handleIngest runs the full pipeline: rate limit, validate, normalize, then
// one transaction covering the raw event, the session mutation, and the
// rollup deltas.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, ingest.MaxPayloadBytes+1))
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}
	if len(body) > ingest.MaxPayloadBytes {
		httputil.ErrorCode(w, http.StatusRequestEntityTooLarge, "payload_too_large", "payload too large", nil)
		return
	}

	// The per-IP limit needs nothing but the request, so it sheds load
	// before the site lookup touches the database.
	ip := clientIP(r)
	if ok, retryAfter := s.limits.AllowIP(ip); !ok {
		httputil.RateLimited(w, int(retryAfter.Seconds())+1)
		return
	}

	site, rej := s.resolveSite(r, body)
	if rej != nil {
		httputil.ErrorCode(w, rej.Status, rej.Code, rej.Reason, nil)
		return
	}

	if ok, retryAfter := s.limits.AllowSite(site.ID); !ok {
		httputil.RateLimited(w, int(retryAfter.Seconds())+1)
		return
	}

	meta := ingest.RequestMeta{
		Origin:     r.Header.Get("Origin"),
		Referer:    r.Header.Get("Referer"),
		UserAgent:  r.Header.Get("User-Agent"),
		ServerKey:  s.serverKeyed(r),
		SiteDomain: site.Domain,
	}
	accepted, rej := s.validator.Validate(body, meta)
	if rej != nil {
		httputil.ErrorCode(w, rej.Status, rej.Code, rej.Reason, nil)
		return
	}

	now := s.now()
	geo := s.geo.Resolve(r.Header, ip)
	norm, rej := ingest.Normalize(accepted, meta, geo, now)
	if rej != nil {
		httputil.ErrorCode(w, rej.Status, rej.Code, rej.Reason, nil)
		return
	}

	p := accepted.Payload
	metadata := p.Metadata
	if metadata != nil && s.box != nil {
		if err := s.box.EncryptMetadata(metadata); err != nil {
			httputil.InternalError(w, err)
			return
		}
	}
	ev := &domain.RawEvent{
		SiteID:     site.ID,
		EventID:    p.EventID,
		Type:       domain.EventType(p.Type),
		Name:       p.Name,
		VisitorID:  p.VisitorID,
		SessionID:  p.SessionID(),
		Timestamp:  norm.Timestamp,
		Metadata:   metadata,
		Normalized: norm.Context,
	}

	deduped, err := s.commitEvent(r, ev, accepted.Bot)
	if err != nil {
		logger.Error("ingest transaction failed", "site_id", site.ID, "error", err)
		httputil.InternalError(w, err)
		return
	}

	resp := ingestResponse{OK: true, Deduped: deduped}
	if r.URL.Query().Get("debug") == "true" {
		resp.Debug = &ingestDebug{
			UsedClientTimestamp: norm.UsedClientTimestamp,
			ClockSkewMs:         norm.ClockSkewMs,
		}
	}
	httputil.OK(w, resp)
}

// commitEvent applies one accepted event atomically and reports whether the
// event id had been seen before.
func (s *Server) commitEvent(r *http.Request, ev *domain.RawEvent, bot bool) (bool, error) {
	ctx := r.Context()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	deduped, err := s.events.Insert(ctx, tx, ev)
	if err != nil {
		return false, err
	}
	if deduped {
		// The whole transaction commits as a no-op.
		return true, tx.Commit()
	}

	// Bot traffic is recorded but never counted.
	if !bot {
		visitorNew := false
		if ev.Type == domain.EventPageview && ev.VisitorID != "" {
			visitorNew, err = s.rollups.MarkVisitor(ctx, tx, ev.SiteID, ev.VisitorID, ev.Timestamp)
			if err != nil {
				return false, err
			}
		}
		metrics, dims := rollup.Contribution(rollup.EventInput{
			Timestamp:  ev.Timestamp,
			Type:       ev.Type,
			Name:       ev.Name,
			Normalized: ev.Normalized,
			VisitorNew: visitorNew,
		})
		if ev.Type == domain.EventPageview && ev.SessionID != "" {
			d, err := s.sessions.Touch(ctx, tx, session.Input{
				SiteID:    ev.SiteID,
				SessionID: ev.SessionID,
				VisitorID: ev.VisitorID,
				Timestamp: ev.Timestamp,
				Context:   session.ContextFromNormalized(ev.Normalized),
			})
			if err != nil {
				return false, err
			}
			metrics = append(metrics, d.Metrics...)
			dims = append(dims, d.Dimensions...)
		}
		if err := s.rollups.Apply(ctx, tx, ev.SiteID, metrics, dims); err != nil {
			return false, err
		}
	}
	return false, tx.Commit()
}

// resolveSite finds the tenant for an ingest request: bearer API key when
// present, otherwise the payload's websiteId.
func (s *Server) resolveSite(r *http.Request, body []byte) (*domain.Site, *ingest.Reject) {
	if token := bearerToken(r); token != "" {
		site, err := s.sites.GetByAPIKey(r.Context(), token)
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, &ingest.Reject{Status: http.StatusUnauthorized, Code: "invalid_api_key", Reason: "unknown API key"}
		}
		if err != nil {
			return nil, &ingest.Reject{Status: http.StatusInternalServerError, Code: "internal", Reason: "site lookup failed"}
		}
		return site, nil
	}

	var peek struct {
		WebsiteID string `json:"websiteId"`
	}
	if err := json.Unmarshal(body, &peek); err != nil || peek.WebsiteID == "" {
		return nil, &ingest.Reject{Status: http.StatusBadRequest, Code: "missing_website_id", Reason: "websiteId is required"}
	}
	site, err := s.sites.GetByWebsiteID(r.Context(), peek.WebsiteID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, &ingest.Reject{Status: http.StatusUnauthorized, Code: "unknown_website", Reason: "unknown websiteId"}
	}
	if err != nil {
		return nil, &ingest.Reject{Status: http.StatusInternalServerError, Code: "internal", Reason: "site lookup failed"}
	}
	return site, nil
}
