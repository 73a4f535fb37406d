package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ezlytics/ezlytics/internal/pkg/httputil"
)

// handleHealth reports liveness plus database reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := s.db.PingContext(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	httputil.JSON(w, code, map[string]string{"status": status})
}
