package server

import (
	"net/http"
	"strings"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.cors(s.handleHealth))
	mux.HandleFunc("GET /api/status", s.cors(s.handleStatus))
	mux.HandleFunc("GET /api/logs", s.cors(s.handleLogs))

	mux.HandleFunc("GET /api/capture/status", s.cors(s.handleCaptureStatus))
	mux.HandleFunc("POST /api/capture/trigger", s.cors(s.handleCaptureTrigger))
	mux.HandleFunc("POST /api/analyze", s.cors(s.handleAnalyze))

	mux.HandleFunc("GET /api/config/{section}", s.cors(s.handleConfigGet))
	mux.HandleFunc("PATCH /api/config/{section}", s.cors(s.handleConfigPatch))

	mux.HandleFunc("GET /api/record/templates", s.cors(s.handleTemplates))
	mux.HandleFunc("POST /api/records", s.cors(s.handleRecordCreate))
	mux.HandleFunc("GET /api/records", s.cors(s.handleRecordList))
	mux.HandleFunc("GET /api/records/{id}", s.cors(s.handleRecordGet))
	mux.HandleFunc("PATCH /api/records/{id}", s.cors(s.handleRecordPatch))

	mux.HandleFunc("POST /api/labels", s.cors(s.handleLabelCreate))
	mux.HandleFunc("GET /api/labels", s.cors(s.handleLabelList))
	mux.HandleFunc("DELETE /api/labels/{id}", s.cors(s.handleLabelDelete))

	mux.HandleFunc("GET /api/jobs", s.cors(s.handleJobList))
	mux.HandleFunc("GET /api/jobs/{id}", s.cors(s.handleJobGet))

	// Preflights never match the method-qualified patterns above, so they
	// need their own matcher to reach the cors wrapper.
	mux.HandleFunc("OPTIONS /api/", s.cors(func(w http.ResponseWriter, r *http.Request) {}))

	mux.HandleFunc("/ws", s.handleWebSocket)

	return mux
}

// cors sets origin headers for configured origins and answers preflights.
func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// originAllowed matches by prefix so any port on an allowed host passes.
// No configured origins means localhost only.
func (s *Server) originAllowed(origin string) bool {
	cfg, _ := s.store.Snapshot()
	allowed := cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}
	for _, a := range allowed {
		if strings.HasPrefix(origin, a) {
			return true
		}
	}
	return false
}
