package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/arkelian/codeqa-web-ui/internal/api"
	"github.com/arkelian/codeqa-web-ui/internal/models"
)

// Backend is the slice of the RAG backend API the orchestrator needs.
// Implemented by api.Client.
type Backend interface {
	CreateTopic(ctx context.Context, name string) (models.TopicDetail, error)
	Topics(ctx context.Context, offset, limit int) (models.TopicPage, error)
	Topic(ctx context.Context, id, offset, limit int) (models.TopicDetail, error)
}

// Submission precondition failures. None of them has touched the network or
// the transcript, except ErrNoSourceSelected which appends a local error
// message before returning.
var (
	ErrSessionActive     = errors.New("an answer is already being generated")
	ErrBlankQuestion     = errors.New("question must not be blank")
	ErrBlankCustomPrompt = errors.New("custom prompt must not be blank")
	ErrNoSourceSelected  = errors.New("no source selected")
)

// PromptModeCustom is the system-prompt mode that requires a non-blank
// custom prompt text.
const PromptModeCustom = "custom"

// maxTopicNameLen caps synthesized topic names, in runes.
const maxTopicNameLen = 60

const (
	topicPageSize   = 20
	messagePageSize = 50
)

// Settings are the user-adjustable submission parameters.
type Settings struct {
	PromptMode      string
	CustomPrompt    string
	SelectedSources []int

	// Streaming selects the incremental endpoint; when false, answers
	// arrive in a single round trip.
	Streaming bool
}

// Orchestrator bridges user intent to streaming sessions. It owns the
// transcript, the selected-topic reference, and the in-memory topic list of
// one chat view; nothing else mutates them.
type Orchestrator struct {
	backend    Backend
	transcript *Transcript
	session    *Session
	notifier   Notifier
	logger     *slog.Logger

	// sourceSelection gates the "at least one source" precondition and the
	// sources field of the request payload.
	sourceSelection bool

	topicPager   pager
	historyPager pager

	mu            sync.Mutex
	topics        []models.Topic
	selectedTopic *int
	settings      Settings
}

// NewOrchestrator creates an orchestrator for one chat view. sourceSelection
// enables the multi-source selection feature.
func NewOrchestrator(
	backend Backend,
	transcript *Transcript,
	session *Session,
	notifier Notifier,
	sourceSelection bool,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		backend:         backend,
		transcript:      transcript,
		session:         session,
		notifier:        notifier,
		sourceSelection: sourceSelection,
		logger:          logger.With(slog.String("module", "orchestrator")),
		settings:        Settings{PromptMode: "default", Streaming: true},
	}
}

// Transcript exposes the transcript for rendering and inspection.
func (o *Orchestrator) Transcript() *Transcript { return o.transcript }

// Session exposes the session controller for inspection.
func (o *Orchestrator) Session() *Session { return o.session }

// UpdateSettings replaces the submission settings.
func (o *Orchestrator) UpdateSettings(s Settings) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings = s
}

// CurrentSettings returns a copy of the submission settings.
func (o *Orchestrator) CurrentSettings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.settings
	s.SelectedSources = slices.Clone(s.SelectedSources)
	return s
}

// SelectedTopicID returns the active topic id, nil when none is selected.
func (o *Orchestrator) SelectedTopicID() *int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.selectedTopic == nil {
		return nil
	}
	id := *o.selectedTopic
	return &id
}

// TopicList returns a copy of the in-memory topic list.
func (o *Orchestrator) TopicList() []models.Topic {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.topics)
}

// synthesizeTopicName builds a topic name from the question: internal
// whitespace normalized, capped at maxTopicNameLen runes with an ellipsis.
func synthesizeTopicName(question string) string {
	name := strings.Join(strings.Fields(question), " ")
	if utf8.RuneCountInString(name) <= maxTopicNameLen {
		return name
	}
	return string([]rune(name)[:maxTopicNameLen]) + "…"
}

// appendLocalError appends an error-flagged assistant message without any
// network involvement.
func (o *Orchestrator) appendLocalError(text string) {
	id := o.transcript.Append(models.SenderAssistant, "")
	o.transcript.MarkError(id, text)
}

// Submit validates questionText and, when it passes, appends the user
// message, resolves a target topic (creating one when none is selected), and
// starts the streaming session.
//
// The precondition errors ErrSessionActive, ErrBlankQuestion, and
// ErrBlankCustomPrompt are returned with no side effects at all.
// ErrNoSourceSelected appends a local instruction message to the transcript
// and is otherwise side-effect free. Topic-creation failures append a local
// error message and return nil: the failure is already surfaced in the
// transcript.
func (o *Orchestrator) Submit(ctx context.Context, questionText string) error {
	if o.session.Active() {
		return ErrSessionActive
	}

	question := strings.TrimSpace(questionText)
	if question == "" {
		return ErrBlankQuestion
	}

	settings := o.CurrentSettings()
	if settings.PromptMode == PromptModeCustom && strings.TrimSpace(settings.CustomPrompt) == "" {
		return ErrBlankCustomPrompt
	}
	if o.sourceSelection && len(settings.SelectedSources) == 0 {
		o.appendLocalError("Select at least one source before asking a question.")
		return ErrNoSourceSelected
	}

	// The user's message is visible before any network round trip begins
	// and is never rolled back.
	o.transcript.Append(models.SenderUser, question)
	o.notifier.SendingChanged(true)

	topicID := o.SelectedTopicID()
	if topicID == nil {
		detail, err := o.backend.CreateTopic(ctx, synthesizeTopicName(question))
		if err != nil {
			o.logger.Error("Failed to create topic", slog.String(errLoggerKey, err.Error()))
			o.appendLocalError(fmt.Sprintf("Failed to create topic: %s", err.Error()))
			o.notifier.SendingChanged(false)
			return nil
		}
		o.adoptTopic(detail)
		topicID = &detail.ID
	}

	req := api.AskRequest{
		Question:     question,
		SystemPrompt: settings.PromptMode,
		TopicID:      topicID,
	}
	if settings.PromptMode == PromptModeCustom {
		req.CustomPrompt = settings.CustomPrompt
	}
	if o.sourceSelection {
		req.Sources = settings.SelectedSources
	}

	id := *topicID
	onDone := func() { o.refreshTopicMeta(id) }
	if settings.Streaming {
		o.session.Start(req, onDone)
	} else {
		o.session.StartUnary(req, onDone)
	}
	return nil
}

// adoptTopic selects the topic and inserts its summary at the front of the
// list when not already present.
func (o *Orchestrator) adoptTopic(detail models.TopicDetail) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.selectedTopic = &detail.ID
	if !slices.ContainsFunc(o.topics, func(t models.Topic) bool { return t.ID == detail.ID }) {
		o.topics = slices.Insert(o.topics, 0, models.Topic{
			ID:           detail.ID,
			Name:         detail.Name,
			MessageCount: detail.MessageCount,
		})
	}
}

// refreshTopicMeta re-fetches a topic's summary after a completed stream to
// pick up the updated message count. Failures only log; transcript state is
// never affected.
func (o *Orchestrator) refreshTopicMeta(id int) {
	detail, err := o.backend.Topic(context.Background(), id, 0, 0)
	if err != nil {
		o.logger.Error("Failed to refresh topic metadata",
			slog.Int("topicID", id),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	idx := slices.IndexFunc(o.topics, func(t models.Topic) bool { return t.ID == id })
	if idx == -1 {
		return
	}
	o.topics[idx].Name = detail.Name
	o.topics[idx].MessageCount = detail.MessageCount
}

// SelectTopic cancels any in-flight stream, loads the first history page of
// the topic, and replaces the transcript with it.
func (o *Orchestrator) SelectTopic(ctx context.Context, id int) error {
	o.session.Cancel()

	detail, err := o.backend.Topic(ctx, id, 0, messagePageSize)
	if err != nil {
		return fmt.Errorf("failed to load topic %d: %w", id, err)
	}

	o.transcript.Reset(detail.Messages)
	o.historyPager.reset()
	o.historyPager.finish(detail.NextOffset, true)
	o.adoptTopic(detail)
	return nil
}

// ClearTopic cancels any in-flight stream and returns to the blank "new
// conversation" state.
func (o *Orchestrator) ClearTopic() {
	o.session.Cancel()
	o.transcript.Reset(nil)
	o.historyPager.reset()

	o.mu.Lock()
	o.selectedTopic = nil
	o.mu.Unlock()
}

// LoadMoreHistory fetches the next history page of the selected topic and
// appends it to the transcript. It reports whether a page was loaded; an
// in-flight or exhausted pager is not an error.
func (o *Orchestrator) LoadMoreHistory(ctx context.Context) (bool, error) {
	topicID := o.SelectedTopicID()
	if topicID == nil {
		return false, nil
	}

	offset, ok := o.historyPager.begin()
	if !ok {
		return false, nil
	}

	detail, err := o.backend.Topic(ctx, *topicID, offset, messagePageSize)
	if err != nil {
		o.historyPager.finish(nil, false)
		return false, fmt.Errorf("failed to load topic history: %w", err)
	}
	o.historyPager.finish(detail.NextOffset, true)
	o.transcript.AppendHistory(detail.Messages)
	return true, nil
}

// LoadMoreTopics fetches the next page of the topic list, appending new
// entries without duplicating ids. It reports whether a page was loaded.
func (o *Orchestrator) LoadMoreTopics(ctx context.Context) (bool, error) {
	offset, ok := o.topicPager.begin()
	if !ok {
		return false, nil
	}

	page, err := o.backend.Topics(ctx, offset, topicPageSize)
	if err != nil {
		o.topicPager.finish(nil, false)
		return false, fmt.Errorf("failed to load topics: %w", err)
	}
	o.topicPager.finish(page.NextOffset, true)

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range page.Topics {
		if slices.ContainsFunc(o.topics, func(have models.Topic) bool { return have.ID == t.ID }) {
			continue
		}
		o.topics = append(o.topics, t)
	}
	return true, nil
}

// HasMoreTopics reports whether further topic pages remain.
func (o *Orchestrator) HasMoreTopics() bool {
	return !o.topicPager.exhausted()
}

// HasMoreHistory reports whether further history pages remain for the
// selected topic.
func (o *Orchestrator) HasMoreHistory() bool {
	return o.SelectedTopicID() != nil && !o.historyPager.exhausted()
}
