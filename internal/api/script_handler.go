package api

import (
	"net/http"

	"github.com/ezlytics/ezlytics/web"
)

// handleScript serves the embedded tracking script. Aggressive caching is
// safe: the script is versioned with the binary.
func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600, immutable")
	w.Write(web.ScriptJS)
}
