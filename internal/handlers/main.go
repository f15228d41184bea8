package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"

	codeqawebui "github.com/arkelian/codeqa-web-ui"
	"github.com/arkelian/codeqa-web-ui/internal/api"
	"github.com/arkelian/codeqa-web-ui/internal/chat"
	"github.com/arkelian/codeqa-web-ui/internal/models"
	"github.com/arkelian/codeqa-web-ui/internal/services"
)

// Backend is the slice of the RAG backend API the web surface needs beyond
// what the orchestrator already consumes. Implemented by api.Client.
type Backend interface {
	chat.Backend
	chat.Streamer
	chat.Asker

	Search(ctx context.Context, q api.SearchQuery) (models.SearchResults, error)
	Sources(ctx context.Context) ([]models.Source, error)
	CreateSource(ctx context.Context, payload api.SourcePayload) (models.Source, error)
	UpdateSource(ctx context.Context, id int, payload api.SourcePayload) (models.Source, error)
	RebuildSource(ctx context.Context, id int, payload api.SourcePayload) (models.Source, error)
	BuildState(ctx context.Context) (models.BuildState, error)
	TriggerBuild(ctx context.Context, root string) (models.BuildState, error)
}

// PrefsStore persists the submission settings across restarts. Implemented
// by services.BoltPrefs.
type PrefsStore interface {
	Load(ctx context.Context) (services.Prefs, error)
	Save(ctx context.Context, prefs services.Prefs) error
}

// SSE topics and event types used to push UI updates to the browser.
const (
	chatSSETopic = "chat"
	metaSSETopic = "meta"
)

var (
	messageSSEType = sse.Type("message")
	sendingSSEType = sse.Type("sending")
	sourcesSSEType = sse.Type("sources")
	topicsSSEType  = sse.Type("topics")
)

const errLoggerKey = "err"

// Main handles the web surface of the chat client: page rendering, the
// submission endpoint, topic/search/source/build plumbing, and the SSE push
// of incremental transcript updates.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	backend      Backend
	prefs        PrefsStore
	orchestrator *chat.Orchestrator
	markdown     services.Markdown

	sourceSelection bool
	pollInterval    time.Duration

	logger *slog.Logger
}

// NewMain creates the handler set. sourceSelection enables the multi-source
// selection feature; pollInterval is how often the build page polls while a
// build is running.
func NewMain(
	backend Backend,
	prefs PrefsStore,
	sourceSelection bool,
	pollInterval time.Duration,
	logger *slog.Logger,
) (*Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		codeqawebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, err
	}

	m := &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, chatSSETopic, metaSSETopic},
				}, true
			},
		},
		templates:       tmpl,
		backend:         backend,
		prefs:           prefs,
		markdown:        services.NewMarkdown(),
		sourceSelection: sourceSelection,
		pollInterval:    pollInterval,
		logger:          logger.With(slog.String("module", "handlers")),
	}

	transcript := chat.NewTranscript(m.publishMessage)
	session := chat.NewSession(transcript, backend, backend, m, logger)
	m.orchestrator = chat.NewOrchestrator(backend, transcript, session, m, sourceSelection, logger)

	storedPrefs, err := prefs.Load(context.Background())
	if err != nil {
		m.logger.Error("Failed to load preferences", slog.String(errLoggerKey, err.Error()))
		storedPrefs = services.DefaultPrefs()
	}
	m.orchestrator.UpdateSettings(chat.Settings{
		PromptMode:      storedPrefs.PromptMode,
		CustomPrompt:    storedPrefs.CustomPrompt,
		SelectedSources: storedPrefs.SelectedSources,
		Streaming:       storedPrefs.Streaming,
	})

	return m, nil
}

// Orchestrator exposes the conversation orchestrator backing this view, for
// inspection and tests.
func (m *Main) Orchestrator() *chat.Orchestrator { return m.orchestrator }

// publishMessage pushes a rendered message partial whenever the transcript
// appends or mutates an entry.
func (m *Main) publishMessage(msg models.Message) {
	html, err := m.renderMessage(msg)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.Uint64("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: messageSSEType}
	e.AppendData(html)
	if err := m.sseSrv.Publish(e, chatSSETopic); err != nil {
		m.logger.Error("Failed to publish message", slog.String(errLoggerKey, err.Error()))
	}
}

// SendingChanged implements chat.Notifier.
func (m *Main) SendingChanged(sending bool) {
	e := &sse.Message{Type: sendingSSEType}
	e.AppendData(fmt.Sprintf("%t", sending))
	if err := m.sseSrv.Publish(e, metaSSETopic); err != nil {
		m.logger.Error("Failed to publish sending state", slog.String(errLoggerKey, err.Error()))
	}
}

// SourcesUsed implements chat.Notifier by pushing the "sources used" banner.
func (m *Main) SourcesUsed(names []string) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "sources_banner", names); err != nil {
		m.logger.Error("Failed to render sources banner", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: sourcesSSEType}
	e.AppendData(sb.String())
	if err := m.sseSrv.Publish(e, metaSSETopic); err != nil {
		m.logger.Error("Failed to publish sources banner", slog.String(errLoggerKey, err.Error()))
	}
}

// publishTopics pushes the re-rendered topic list, e.g. after a completed
// stream refreshed a message count. Failures only log.
func (m *Main) publishTopics() {
	html, err := m.topicDivs()
	if err != nil {
		m.logger.Error("Failed to render topic list", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: topicsSSEType}
	e.AppendData(html)
	if err := m.sseSrv.Publish(e, metaSSETopic); err != nil {
		m.logger.Error("Failed to publish topic list", slog.String(errLoggerKey, err.Error()))
	}
}

// messageView is the template payload of one transcript entry.
type messageView struct {
	ID      uint64
	Sender  string
	IsError bool
	Text    string
	HTML    template.HTML
}

// renderMessage renders one chat message partial. Assistant answers are
// markdown; user messages and error descriptions stay plain text.
func (m *Main) renderMessage(msg models.Message) (string, error) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "chat_message", m.messageView(msg)); err != nil {
		return "", fmt.Errorf("failed to execute chat_message template: %w", err)
	}
	return sb.String(), nil
}

func (m *Main) messageView(msg models.Message) messageView {
	view := messageView{
		ID:      msg.ID,
		Sender:  string(msg.Sender),
		IsError: msg.IsError,
		Text:    msg.Content,
	}
	if msg.Sender == models.SenderAssistant && !msg.IsError {
		view.HTML = m.markdown.Render(msg.Content)
	}
	return view
}

func (m *Main) messageViews() []messageView {
	messages := m.orchestrator.Transcript().Messages()
	views := make([]messageView, len(messages))
	for i, msg := range messages {
		views[i] = m.messageView(msg)
	}
	return views
}

type topicView struct {
	ID           int
	Name         string
	MessageCount int
	Active       bool
}

func (m *Main) topicDivs() (string, error) {
	selected := m.orchestrator.SelectedTopicID()

	var sb strings.Builder
	for _, t := range m.orchestrator.TopicList() {
		err := m.templates.ExecuteTemplate(&sb, "topic_item", topicView{
			ID:           t.ID,
			Name:         t.Name,
			MessageCount: t.MessageCount,
			Active:       selected != nil && *selected == t.ID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute topic_item template: %w", err)
		}
	}
	return sb.String(), nil
}

// HandleSSE serves the event stream the browser subscribes to.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections
// to terminate.
func (m *Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
