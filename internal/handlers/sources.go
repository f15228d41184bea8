package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/arkelian/codeqa-web-ui/internal/api"
	"github.com/arkelian/codeqa-web-ui/internal/models"
)

type sourceListData struct {
	Sources         []models.Source
	SelectedSources map[int]bool
}

func (m *Main) renderSourceList(w http.ResponseWriter, r *http.Request) {
	sources, err := m.backend.Sources(r.Context())
	if err != nil {
		m.logger.Error("Failed to load sources", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), backendStatus(err))
		return
	}

	err = m.templates.ExecuteTemplate(w, "source_list", sourceListData{
		Sources:         sources,
		SelectedSources: m.settingsView().SelectedSources,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSources lists sources (GET) or registers a new one (POST). Mutations
// respond with the refreshed list partial; failures respond with the backend
// description for the page script's toast.
func (m *Main) HandleSources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		m.renderSourceList(w, r)
	case http.MethodPost:
		payload := api.SourcePayload{
			Name:        strings.TrimSpace(r.FormValue("name")),
			Description: strings.TrimSpace(r.FormValue("description")),
			Paths:       splitPaths(r.FormValue("paths")),
		}
		if len(payload.Paths) == 0 {
			http.Error(w, "at least one path is required", http.StatusBadRequest)
			return
		}
		if _, err := m.backend.CreateSource(r.Context(), payload); err != nil {
			m.logger.Error("Failed to create source", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), backendStatus(err))
			return
		}
		m.renderSourceList(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleUpdateSource changes a source's name or description.
func (m *Main) HandleUpdateSource(w http.ResponseWriter, r *http.Request) {
	id, ok := m.sourceID(w, r)
	if !ok {
		return
	}

	payload := api.SourcePayload{
		Name:        strings.TrimSpace(r.FormValue("name")),
		Description: strings.TrimSpace(r.FormValue("description")),
	}
	if _, err := m.backend.UpdateSource(r.Context(), id, payload); err != nil {
		m.logger.Error("Failed to update source",
			slog.Int("sourceID", id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), backendStatus(err))
		return
	}
	m.renderSourceList(w, r)
}

// HandleRebuildSource re-indexes a source, optionally with replacement paths.
func (m *Main) HandleRebuildSource(w http.ResponseWriter, r *http.Request) {
	id, ok := m.sourceID(w, r)
	if !ok {
		return
	}

	payload := api.SourcePayload{
		Name:        strings.TrimSpace(r.FormValue("name")),
		Description: strings.TrimSpace(r.FormValue("description")),
		Paths:       splitPaths(r.FormValue("paths")),
	}
	if _, err := m.backend.RebuildSource(r.Context(), id, payload); err != nil {
		m.logger.Error("Failed to rebuild source",
			slog.Int("sourceID", id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), backendStatus(err))
		return
	}
	m.renderSourceList(w, r)
}

func (m *Main) sourceID(w http.ResponseWriter, r *http.Request) (int, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return 0, false
	}
	id, err := strconv.Atoi(r.FormValue("source_id"))
	if err != nil {
		http.Error(w, "invalid source_id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// splitPaths parses the newline-separated paths textarea.
func splitPaths(raw string) []string {
	var paths []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}
