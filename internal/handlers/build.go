package handlers

import (
	"log/slog"
	"net/http"

	"github.com/arkelian/codeqa-web-ui/internal/models"
)

type buildPageData struct {
	State          models.BuildState
	PollIntervalMS int64
	LoadError      string
}

// HandleBuild renders the index-build page (GET) or triggers a build (POST).
// With partial=1 only the progress fragment is returned; the page script
// polls it while the build is running.
func (m *Main) HandleBuild(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		m.renderBuild(w, r, "")
	case http.MethodPost:
		if _, err := m.backend.TriggerBuild(r.Context(), r.FormValue("root")); err != nil {
			m.logger.Error("Failed to trigger build", slog.String(errLoggerKey, err.Error()))
			// The page script turns this into a transient toast.
			http.Error(w, err.Error(), backendStatus(err))
			return
		}
		m.renderBuildProgress(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *Main) renderBuild(w http.ResponseWriter, r *http.Request, loadError string) {
	if r.URL.Query().Get("partial") != "" {
		m.renderBuildProgress(w, r)
		return
	}

	state, err := m.backend.BuildState(r.Context())
	if err != nil {
		m.logger.Error("Failed to fetch build state", slog.String(errLoggerKey, err.Error()))
		loadError = err.Error()
	}

	data := buildPageData{
		State:          state,
		PollIntervalMS: m.pollInterval.Milliseconds(),
		LoadError:      loadError,
	}
	if err := m.templates.ExecuteTemplate(w, "build.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m *Main) renderBuildProgress(w http.ResponseWriter, r *http.Request) {
	state, err := m.backend.BuildState(r.Context())
	if err != nil {
		m.logger.Error("Failed to fetch build state", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), backendStatus(err))
		return
	}

	w.Header().Set("X-Build-Status", state.Progress.Status)
	if err := m.templates.ExecuteTemplate(w, "build_progress", state); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
