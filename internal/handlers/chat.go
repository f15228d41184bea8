package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/arkelian/codeqa-web-ui/internal/api"
	"github.com/arkelian/codeqa-web-ui/internal/chat"
	"github.com/arkelian/codeqa-web-ui/internal/models"
)

type homePageData struct {
	Messages        []messageView
	Topics          []topicView
	HasMoreTopics   bool
	SelectedTopicID *int

	Sources         []models.Source
	SourceSelection bool
	SourceAdmin     sourceListData

	Settings settingsView
	Sending  bool
}

type settingsView struct {
	PromptMode      string
	CustomPrompt    string
	Streaming       bool
	SelectedSources map[int]bool
}

// HandleHome renders the chat page. A topic_id query parameter selects that
// topic (loading its history into the transcript) and new=1 returns to the
// blank conversation state.
func (m *Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.URL.Query().Get("new") != "" {
		m.orchestrator.ClearTopic()
	}

	if rawID := r.URL.Query().Get("topic_id"); rawID != "" {
		id, err := strconv.Atoi(rawID)
		if err != nil {
			http.Error(w, "invalid topic_id", http.StatusBadRequest)
			return
		}
		selected := m.orchestrator.SelectedTopicID()
		if selected == nil || *selected != id {
			if err := m.orchestrator.SelectTopic(r.Context(), id); err != nil {
				m.logger.Error("Failed to select topic",
					slog.Int("topicID", id),
					slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), backendStatus(err))
				return
			}
		}
	}

	// First page of the topic list; a failed fetch degrades to an empty
	// sidebar instead of breaking the page.
	if len(m.orchestrator.TopicList()) == 0 {
		if _, err := m.orchestrator.LoadMoreTopics(r.Context()); err != nil {
			m.logger.Error("Failed to load topics", slog.String(errLoggerKey, err.Error()))
		}
	}

	var sources []models.Source
	if m.sourceSelection {
		var err error
		sources, err = m.backend.Sources(r.Context())
		if err != nil {
			m.logger.Error("Failed to load sources", slog.String(errLoggerKey, err.Error()))
		}
	}

	settings := m.settingsView()
	data := homePageData{
		Messages:        m.messageViews(),
		Topics:          m.topicViews(),
		HasMoreTopics:   m.orchestrator.HasMoreTopics(),
		SelectedTopicID: m.orchestrator.SelectedTopicID(),
		Sources:         sources,
		SourceSelection: m.sourceSelection,
		SourceAdmin:     sourceListData{Sources: sources, SelectedSources: settings.SelectedSources},
		Settings:        settings,
		Sending:         m.orchestrator.Session().Active(),
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m *Main) topicViews() []topicView {
	selected := m.orchestrator.SelectedTopicID()
	topics := m.orchestrator.TopicList()
	views := make([]topicView, len(topics))
	for i, t := range topics {
		views[i] = topicView{
			ID:           t.ID,
			Name:         t.Name,
			MessageCount: t.MessageCount,
			Active:       selected != nil && *selected == t.ID,
		}
	}
	return views
}

func (m *Main) settingsView() settingsView {
	settings := m.orchestrator.CurrentSettings()
	selected := make(map[int]bool, len(settings.SelectedSources))
	for _, id := range settings.SelectedSources {
		selected[id] = true
	}
	return settingsView{
		PromptMode:      settings.PromptMode,
		CustomPrompt:    settings.CustomPrompt,
		Streaming:       settings.Streaming,
		SelectedSources: selected,
	}
}

// HandleAsk submits a question. All resulting transcript updates reach the
// browser over the SSE stream, so a successful submission needs no body.
func (m *Main) HandleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := m.orchestrator.Submit(r.Context(), r.FormValue("question"))
	switch {
	case err == nil, errors.Is(err, chat.ErrNoSourceSelected):
		// ErrNoSourceSelected already appended its instruction message.
		m.publishTopics()
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, chat.ErrSessionActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, chat.ErrBlankQuestion), errors.Is(err, chat.ErrBlankCustomPrompt):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleTopics loads the next page of the topic list and responds with the
// re-rendered list items. The X-Has-More header tells the page script
// whether to keep watching the scroll position.
func (m *Main) HandleTopics(w http.ResponseWriter, r *http.Request) {
	if _, err := m.orchestrator.LoadMoreTopics(r.Context()); err != nil {
		m.logger.Error("Failed to load topics", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	html, err := m.topicDivs()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Has-More", strconv.FormatBool(m.orchestrator.HasMoreTopics()))
	_, _ = w.Write([]byte(html))
}

// HandleSelectTopic switches the active topic and responds with the
// re-rendered chatbox.
func (m *Main) HandleSelectTopic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := strconv.Atoi(r.FormValue("topic_id"))
	if err != nil {
		http.Error(w, "invalid topic_id", http.StatusBadRequest)
		return
	}

	if err := m.orchestrator.SelectTopic(r.Context(), id); err != nil {
		m.logger.Error("Failed to select topic",
			slog.Int("topicID", id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), backendStatus(err))
		return
	}

	m.publishTopics()
	if err := m.templates.ExecuteTemplate(w, "chatbox", homePageData{
		Messages: m.messageViews(),
		Sending:  false,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleMoreHistory loads the next history page of the selected topic. The
// new entries reach the browser through the SSE message push; the response
// only reports whether more pages remain.
func (m *Main) HandleMoreHistory(w http.ResponseWriter, r *http.Request) {
	if _, err := m.orchestrator.LoadMoreHistory(r.Context()); err != nil {
		m.logger.Error("Failed to load history", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("X-Has-More", strconv.FormatBool(m.orchestrator.HasMoreHistory()))
	w.WriteHeader(http.StatusNoContent)
}

// backendStatus maps backend errors to a proxy status: the backend's own
// status when known, 502 otherwise.
func backendStatus(err error) int {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return http.StatusBadGateway
}
