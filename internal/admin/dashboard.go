package admin

import (
	"embed"
	"io/fs"
	"net/http"
)

// The dashboard is one static page mirroring the TUI: history rows from
// /api/v1/history, the counter value and owner from /api/v1/status.
//
//go:embed static/*
var embeddedStatic embed.FS

var staticFS, _ = fs.Sub(embeddedStatic, "static")

func (s *Server) handleDashboardIndex(w http.ResponseWriter, _ *http.Request) {
	data, err := fs.ReadFile(staticFS, "index.html")
	if err != nil {
		http.Error(w, "dashboard not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write(data); err != nil {
		s.logger.Warn("failed to write dashboard response", "error", err)
	}
}
