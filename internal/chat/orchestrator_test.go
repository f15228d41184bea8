package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/arkelian/codeqa-web-ui/internal/api"
	"github.com/arkelian/codeqa-web-ui/internal/models"
)

type fakeBackend struct {
	createTopicFn func(ctx context.Context, name string) (models.TopicDetail, error)
	topicsFn      func(ctx context.Context, offset, limit int) (models.TopicPage, error)
	topicFn       func(ctx context.Context, id, offset, limit int) (models.TopicDetail, error)
}

func (f *fakeBackend) CreateTopic(ctx context.Context, name string) (models.TopicDetail, error) {
	return f.createTopicFn(ctx, name)
}

func (f *fakeBackend) Topics(ctx context.Context, offset, limit int) (models.TopicPage, error) {
	return f.topicsFn(ctx, offset, limit)
}

func (f *fakeBackend) Topic(ctx context.Context, id, offset, limit int) (models.TopicDetail, error) {
	return f.topicFn(ctx, id, offset, limit)
}

// requestRecorder wraps a streamer script and remembers the last request.
type requestRecorder struct {
	mu   sync.Mutex
	last api.AskRequest
}

func (r *requestRecorder) record(req api.AskRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = req
}

func (r *requestRecorder) request() api.AskRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	transcript   *Transcript
	session      *Session
	notifier     *recordingNotifier
	requests     *requestRecorder
}

func newOrchestratorFixture(t *testing.T, backend Backend, sourceSelection bool, events []api.StreamEvent) *orchestratorFixture {
	t.Helper()

	requests := &requestRecorder{}
	script := scriptedStreamer(events, nil)
	streamer := streamerFunc(func(ctx context.Context, req api.AskRequest) iter.Seq2[api.StreamEvent, error] {
		requests.record(req)
		return script(ctx, req)
	})
	asker := askerFunc(func(_ context.Context, req api.AskRequest) (string, error) {
		requests.record(req)
		return "unary answer", nil
	})

	transcript := NewTranscript(nil)
	notifier := &recordingNotifier{}
	session := NewSession(transcript, streamer, asker, notifier, testLogger())
	session.graceDelay = time.Millisecond

	orchestrator := NewOrchestrator(backend, transcript, session, notifier, sourceSelection, testLogger())
	return &orchestratorFixture{
		orchestrator: orchestrator,
		transcript:   transcript,
		session:      session,
		notifier:     notifier,
		requests:     requests,
	}
}

func staticTopicBackend(detail models.TopicDetail) *fakeBackend {
	return &fakeBackend{
		createTopicFn: func(_ context.Context, name string) (models.TopicDetail, error) {
			detail.Name = name
			return detail, nil
		},
		topicFn: func(context.Context, int, int, int) (models.TopicDetail, error) {
			return detail, nil
		},
		topicsFn: func(context.Context, int, int) (models.TopicPage, error) {
			return models.TopicPage{}, nil
		},
	}
}

func TestSynthesizeTopicName(t *testing.T) {
	tests := []struct {
		name     string
		question string
		want     string
	}{
		{"plain", "Explain RAG", "Explain RAG"},
		{"whitespace collapsed", "  how\n\tdoes   auth  work ", "how does auth work"},
		{"exactly at cap", strings.Repeat("x", 60), strings.Repeat("x", 60)},
		{"truncated", strings.Repeat("x", 61), strings.Repeat("x", 60) + "…"},
		{"runes not bytes", strings.Repeat("é", 61), strings.Repeat("é", 60) + "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := synthesizeTopicName(tt.question); got != tt.want {
				t.Errorf("synthesizeTopicName(%q) = %q, want %q", tt.question, got, tt.want)
			}
		})
	}
}

func TestSubmitBlankQuestion(t *testing.T) {
	fx := newOrchestratorFixture(t, staticTopicBackend(models.TopicDetail{ID: 1}), false, nil)

	err := fx.orchestrator.Submit(context.Background(), "   \n ")
	if !errors.Is(err, ErrBlankQuestion) {
		t.Errorf("Submit() error = %v, want ErrBlankQuestion", err)
	}
	if got := len(fx.transcript.Messages()); got != 0 {
		t.Errorf("messages = %d, want 0", got)
	}
}

func TestSubmitBlankCustomPrompt(t *testing.T) {
	fx := newOrchestratorFixture(t, staticTopicBackend(models.TopicDetail{ID: 1}), false, nil)
	fx.orchestrator.UpdateSettings(Settings{PromptMode: PromptModeCustom, CustomPrompt: "  ", Streaming: true})

	err := fx.orchestrator.Submit(context.Background(), "a question")
	if !errors.Is(err, ErrBlankCustomPrompt) {
		t.Errorf("Submit() error = %v, want ErrBlankCustomPrompt", err)
	}
	if got := len(fx.transcript.Messages()); got != 0 {
		t.Errorf("messages = %d, want 0", got)
	}
}

func TestSubmitNoSourceSelected(t *testing.T) {
	fx := newOrchestratorFixture(t, staticTopicBackend(models.TopicDetail{ID: 1}), true, nil)
	fx.orchestrator.UpdateSettings(Settings{PromptMode: "default", Streaming: true})

	err := fx.orchestrator.Submit(context.Background(), "a question")
	if !errors.Is(err, ErrNoSourceSelected) {
		t.Errorf("Submit() error = %v, want ErrNoSourceSelected", err)
	}

	msgs := fx.transcript.Messages()
	if len(msgs) != 1 || !msgs[0].IsError {
		t.Fatalf("messages = %+v, want one local error", msgs)
	}
	if !strings.Contains(msgs[0].Content, "at least one source") {
		t.Errorf("error text = %q", msgs[0].Content)
	}
}

func TestSubmitWhileSessionActive(t *testing.T) {
	backend := staticTopicBackend(models.TopicDetail{ID: 1, Name: "busy"})

	requests := &requestRecorder{}
	release := make(chan struct{})
	streamer := streamerFunc(func(ctx context.Context, req api.AskRequest) iter.Seq2[api.StreamEvent, error] {
		requests.record(req)
		return func(yield func(api.StreamEvent, error) bool) { <-release }
	})
	transcript := NewTranscript(nil)
	notifier := &recordingNotifier{}
	session := NewSession(transcript, streamer, noAsker(), notifier, testLogger())
	session.graceDelay = time.Millisecond
	orchestrator := NewOrchestrator(backend, transcript, session, notifier, false, testLogger())

	if err := orchestrator.Submit(context.Background(), "first"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "stream to go active", func() bool { return session.Active() })

	err := orchestrator.Submit(context.Background(), "second")
	if !errors.Is(err, ErrSessionActive) {
		t.Errorf("Submit() error = %v, want ErrSessionActive", err)
	}
	close(release)
}

func TestSubmitCreatesTopicAndStreams(t *testing.T) {
	var refreshed int
	var mu sync.Mutex
	backend := &fakeBackend{
		createTopicFn: func(_ context.Context, name string) (models.TopicDetail, error) {
			return models.TopicDetail{ID: 7, Name: name}, nil
		},
		topicFn: func(_ context.Context, id, _, _ int) (models.TopicDetail, error) {
			mu.Lock()
			refreshed++
			mu.Unlock()
			return models.TopicDetail{ID: id, Name: "Explain RAG", MessageCount: 2}, nil
		},
	}
	fx := newOrchestratorFixture(t, backend, false, []api.StreamEvent{
		{Type: api.EventToken, Token: "Retrieval-augmented "},
		{Type: api.EventToken, Token: "generation."},
		{Type: api.EventDone},
	})

	if err := fx.orchestrator.Submit(context.Background(), "Explain RAG"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, "topic metadata refresh", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return refreshed == 1
	})

	msgs := fx.transcript.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v, want question and answer", msgs)
	}
	if msgs[0].Sender != models.SenderUser || msgs[0].Content != "Explain RAG" {
		t.Errorf("question = %+v", msgs[0])
	}
	if msgs[1].Content != "Retrieval-augmented generation." {
		t.Errorf("answer = %+v", msgs[1])
	}

	req := fx.requests.request()
	if req.TopicID == nil || *req.TopicID != 7 {
		t.Errorf("request topic = %v, want the created topic", req.TopicID)
	}
	if req.SystemPrompt != "default" {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}

	if selected := fx.orchestrator.SelectedTopicID(); selected == nil || *selected != 7 {
		t.Errorf("selected topic = %v, want 7", selected)
	}

	waitFor(t, "refreshed topic metadata in list", func() bool {
		topics := fx.orchestrator.TopicList()
		return len(topics) == 1 && topics[0].MessageCount == 2
	})
}

func TestSubmitTopicCreationFailure(t *testing.T) {
	backend := &fakeBackend{
		createTopicFn: func(context.Context, string) (models.TopicDetail, error) {
			return models.TopicDetail{}, errors.New("backend down")
		},
	}
	fx := newOrchestratorFixture(t, backend, false, nil)

	if err := fx.orchestrator.Submit(context.Background(), "a question"); err != nil {
		t.Fatalf("Submit() error = %v, want nil: the failure surfaces in the transcript", err)
	}

	msgs := fx.transcript.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v, want question plus local error", msgs)
	}
	if !msgs[1].IsError || !strings.Contains(msgs[1].Content, "backend down") {
		t.Errorf("error message = %+v", msgs[1])
	}
	log := fx.notifier.sendingLog()
	if len(log) != 2 || log[0] != true || log[1] != false {
		t.Errorf("sending log = %v, want true then false", log)
	}
}

func TestSubmitCarriesCustomPromptAndSources(t *testing.T) {
	fx := newOrchestratorFixture(t, staticTopicBackend(models.TopicDetail{ID: 3}), true, []api.StreamEvent{
		{Type: api.EventDone, Answer: "ok"},
	})
	fx.orchestrator.UpdateSettings(Settings{
		PromptMode:      PromptModeCustom,
		CustomPrompt:    "answer in haiku",
		SelectedSources: []int{1, 4},
		Streaming:       true,
	})

	if err := fx.orchestrator.Submit(context.Background(), "why"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "stream termination", func() bool { return fx.session.State() == StateTerminated })

	req := fx.requests.request()
	want := api.AskRequest{
		Question:     "why",
		SystemPrompt: PromptModeCustom,
		CustomPrompt: "answer in haiku",
		TopicID:      req.TopicID,
		Sources:      []int{1, 4},
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmitNonStreaming(t *testing.T) {
	fx := newOrchestratorFixture(t, staticTopicBackend(models.TopicDetail{ID: 3}), false, nil)
	fx.orchestrator.UpdateSettings(Settings{PromptMode: "default", Streaming: false})

	if err := fx.orchestrator.Submit(context.Background(), "why"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, "unary termination", func() bool { return fx.session.State() == StateTerminated })

	msgs := fx.transcript.Messages()
	if len(msgs) != 2 || msgs[1].Content != "unary answer" {
		t.Errorf("messages = %+v, want the unary answer", msgs)
	}
}

func TestSelectTopicReplacesTranscript(t *testing.T) {
	next := 50
	backend := &fakeBackend{
		topicFn: func(_ context.Context, id, offset, limit int) (models.TopicDetail, error) {
			if offset != 0 || limit != messagePageSize {
				t.Errorf("history page = offset %d limit %d", offset, limit)
			}
			return models.TopicDetail{
				ID:   id,
				Name: "Auth deep dive",
				Messages: []models.TopicMessage{
					{Role: "user", Content: "q1"},
					{Role: "assistant", Content: "a1"},
				},
				NextOffset: &next,
			}, nil
		},
	}
	fx := newOrchestratorFixture(t, backend, false, nil)
	fx.transcript.Append(models.SenderUser, "stale")

	if err := fx.orchestrator.SelectTopic(context.Background(), 12); err != nil {
		t.Fatalf("SelectTopic() error = %v", err)
	}

	msgs := fx.transcript.Messages()
	if len(msgs) != 2 || msgs[0].Content != "q1" || msgs[1].Content != "a1" {
		t.Errorf("messages = %+v", msgs)
	}
	if selected := fx.orchestrator.SelectedTopicID(); selected == nil || *selected != 12 {
		t.Errorf("selected topic = %v, want 12", selected)
	}
	if !fx.orchestrator.HasMoreHistory() {
		t.Error("HasMoreHistory() = false with a next offset pending")
	}
	topics := fx.orchestrator.TopicList()
	if len(topics) != 1 || topics[0].Name != "Auth deep dive" {
		t.Errorf("topics = %+v, want the selected topic adopted", topics)
	}
}

func TestClearTopic(t *testing.T) {
	backend := staticTopicBackend(models.TopicDetail{ID: 5, Name: "old"})
	fx := newOrchestratorFixture(t, backend, false, nil)

	if err := fx.orchestrator.SelectTopic(context.Background(), 5); err != nil {
		t.Fatalf("SelectTopic() error = %v", err)
	}
	fx.orchestrator.ClearTopic()

	if got := fx.orchestrator.SelectedTopicID(); got != nil {
		t.Errorf("selected topic = %v, want nil", *got)
	}
	if got := len(fx.transcript.Messages()); got != 0 {
		t.Errorf("messages = %d, want 0", got)
	}
	if fx.orchestrator.HasMoreHistory() {
		t.Error("HasMoreHistory() = true with no topic selected")
	}
}

func TestLoadMoreTopicsDeduplicates(t *testing.T) {
	pages := []models.TopicPage{
		{Topics: []models.Topic{{ID: 1, Name: "one"}, {ID: 2, Name: "two"}}},
		{Topics: []models.Topic{{ID: 2, Name: "two"}, {ID: 3, Name: "three"}}},
	}
	next := topicPageSize
	pages[0].NextOffset = &next

	var call int
	backend := &fakeBackend{
		topicsFn: func(_ context.Context, offset, limit int) (models.TopicPage, error) {
			page := pages[call]
			call++
			return page, nil
		},
	}
	fx := newOrchestratorFixture(t, backend, false, nil)

	for i := 0; i < 2; i++ {
		loaded, err := fx.orchestrator.LoadMoreTopics(context.Background())
		if err != nil || !loaded {
			t.Fatalf("LoadMoreTopics() = %v, %v", loaded, err)
		}
	}

	var ids []int
	for _, topic := range fx.orchestrator.TopicList() {
		ids = append(ids, topic.ID)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, ids); diff != "" {
		t.Errorf("topic ids mismatch (-want +got):\n%s", diff)
	}
	if fx.orchestrator.HasMoreTopics() {
		t.Error("HasMoreTopics() = true after the last page")
	}
	if loaded, err := fx.orchestrator.LoadMoreTopics(context.Background()); loaded || err != nil {
		t.Errorf("LoadMoreTopics() past the end = %v, %v", loaded, err)
	}
}

func TestLoadMoreTopicsFailureKeepsCursor(t *testing.T) {
	var call int
	backend := &fakeBackend{
		topicsFn: func(_ context.Context, offset, limit int) (models.TopicPage, error) {
			call++
			if call == 1 {
				return models.TopicPage{}, errors.New("backend down")
			}
			if offset != 0 {
				t.Errorf("retry offset = %d, want 0", offset)
			}
			return models.TopicPage{Topics: []models.Topic{{ID: 1}}}, nil
		},
	}
	fx := newOrchestratorFixture(t, backend, false, nil)

	if _, err := fx.orchestrator.LoadMoreTopics(context.Background()); err == nil {
		t.Fatal("LoadMoreTopics() expected error")
	}
	loaded, err := fx.orchestrator.LoadMoreTopics(context.Background())
	if err != nil || !loaded {
		t.Fatalf("retry = %v, %v", loaded, err)
	}
	if got := len(fx.orchestrator.TopicList()); got != 1 {
		t.Errorf("topics = %d, want 1", got)
	}
}

func TestLoadMoreHistory(t *testing.T) {
	first := messagePageSize
	var offsets []int
	backend := &fakeBackend{
		topicFn: func(_ context.Context, _, offset, _ int) (models.TopicDetail, error) {
			offsets = append(offsets, offset)
			detail := models.TopicDetail{
				ID:       4,
				Messages: []models.TopicMessage{{Role: "user", Content: "older"}},
			}
			if offset == 0 {
				detail.NextOffset = &first
			}
			return detail, nil
		},
	}
	fx := newOrchestratorFixture(t, backend, false, nil)

	// No selected topic means nothing to load.
	if loaded, err := fx.orchestrator.LoadMoreHistory(context.Background()); loaded || err != nil {
		t.Fatalf("LoadMoreHistory() with no topic = %v, %v", loaded, err)
	}

	if err := fx.orchestrator.SelectTopic(context.Background(), 4); err != nil {
		t.Fatalf("SelectTopic() error = %v", err)
	}

	loaded, err := fx.orchestrator.LoadMoreHistory(context.Background())
	if err != nil || !loaded {
		t.Fatalf("LoadMoreHistory() = %v, %v", loaded, err)
	}
	if got := len(fx.transcript.Messages()); got != 2 {
		t.Errorf("messages = %d, want the extra page appended", got)
	}
	if fx.orchestrator.HasMoreHistory() {
		t.Error("HasMoreHistory() = true after the last page")
	}
	if loaded, _ := fx.orchestrator.LoadMoreHistory(context.Background()); loaded {
		t.Error("LoadMoreHistory() past the end loaded a page")
	}
	if len(offsets) < 2 || offsets[len(offsets)-1] != messagePageSize {
		t.Errorf("requested offsets = %v", offsets)
	}
}
