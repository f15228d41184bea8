package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/arkelian/codeqa-web-ui/internal/chat"
	"github.com/arkelian/codeqa-web-ui/internal/services"
)

// HandleSettings stores the submission settings: system-prompt mode, custom
// prompt text, source selection, and the streaming toggle. Settings apply to
// the next submission immediately; persisting them is best effort.
func (m *Main) HandleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var sources []int
	for _, raw := range r.PostForm["sources"] {
		id, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid source id", http.StatusBadRequest)
			return
		}
		sources = append(sources, id)
	}

	promptMode := r.FormValue("prompt_mode")
	if promptMode == "" {
		promptMode = services.DefaultPrefs().PromptMode
	}

	settings := chat.Settings{
		PromptMode:      promptMode,
		CustomPrompt:    r.FormValue("custom_prompt"),
		SelectedSources: sources,
		Streaming:       r.FormValue("streaming") != "",
	}
	m.orchestrator.UpdateSettings(settings)

	err := m.prefs.Save(r.Context(), services.Prefs{
		PromptMode:      settings.PromptMode,
		CustomPrompt:    settings.CustomPrompt,
		SelectedSources: settings.SelectedSources,
		Streaming:       settings.Streaming,
	})
	if err != nil {
		m.logger.Error("Failed to persist preferences", slog.String(errLoggerKey, err.Error()))
	}

	w.WriteHeader(http.StatusNoContent)
}
