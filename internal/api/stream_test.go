package api_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/arkelian/codeqa-web-ui/internal/api"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// streamServer writes the given chunks to the response with a flush after
// each, so frame boundaries and chunk boundaries are independent.
func streamServer(t *testing.T, chunks ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("AskStream method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/code-qa/stream/" {
			t.Errorf("AskStream path = %s, want /code-qa/stream/", r.URL.Path)
		}
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
}

func collect(t *testing.T, client api.Client, req api.AskRequest) ([]api.StreamEvent, error) {
	t.Helper()
	var events []api.StreamEvent
	for ev, err := range client.AskStream(context.Background(), req) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestAskStreamDecodesEvents(t *testing.T) {
	// Chunk boundaries deliberately split frames mid-payload.
	srv := streamServer(t,
		"data: {\"event\": \"meta\", \"data\": {\"source_names\": [\"Backend\", \"Frontend\"]}}\n\ndata: {\"event\": \"tok",
		"en\", \"data\": \"Hel\"}\n\ndata: {\"event\": \"token\", \"data\": \"lo\"}\n\n",
		"data: {\"event\": \"done\", \"data\": {\"answer\": \"\"}}\n\n",
	)
	defer srv.Close()

	client := api.NewClient(srv.URL, testLogger())
	events, err := collect(t, client, api.AskRequest{Question: "hi"})
	if err != nil {
		t.Fatalf("AskStream() error = %v", err)
	}

	want := []api.StreamEvent{
		{Type: api.EventMeta, SourceNames: []string{"Backend", "Frontend"}},
		{Type: api.EventToken, Token: "Hel"},
		{Type: api.EventToken, Token: "lo"},
		{Type: api.EventDone},
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestAskStreamDoneCarriesAnswer(t *testing.T) {
	srv := streamServer(t,
		"data: {\"event\": \"token\", \"data\": \"partial\"}\n\n",
		"data: {\"event\": \"done\", \"data\": {\"answer\": \"full answer\"}}\n\n",
	)
	defer srv.Close()

	client := api.NewClient(srv.URL, testLogger())
	events, err := collect(t, client, api.AskRequest{Question: "hi"})
	if err != nil {
		t.Fatalf("AskStream() error = %v", err)
	}
	last := events[len(events)-1]
	if last.Type != api.EventDone || last.Answer != "full answer" {
		t.Errorf("terminal event = %+v, want done with answer", last)
	}
}

func TestAskStreamMetaFromContexts(t *testing.T) {
	srv := streamServer(t,
		"data: {\"event\": \"meta\", \"data\": {\"contexts\": ["+
			"{\"source_name\": \"Backend\"}, {\"source_name\": \"\"},"+
			"{\"source\": \"Frontend\"}, {\"source_name\": \"Backend\"}]}}\n\n",
		"data: {\"event\": \"done\", \"data\": {\"answer\": \"x\"}}\n\n",
	)
	defer srv.Close()

	client := api.NewClient(srv.URL, testLogger())
	events, err := collect(t, client, api.AskRequest{Question: "hi"})
	if err != nil {
		t.Fatalf("AskStream() error = %v", err)
	}
	want := []string{"Backend", "Frontend"}
	if diff := cmp.Diff(want, events[0].SourceNames); diff != "" {
		t.Errorf("source names mismatch (-want +got):\n%s", diff)
	}
}

func TestAskStreamMalformedFrameIsFatal(t *testing.T) {
	srv := streamServer(t,
		"data: {\"event\": \"token\", \"data\": \"ok\"}\n\n",
		"data: {not json}\n\n",
		"data: {\"event\": \"token\", \"data\": \"never seen\"}\n\n",
	)
	defer srv.Close()

	client := api.NewClient(srv.URL, testLogger())
	events, err := collect(t, client, api.AskRequest{Question: "hi"})
	if err == nil {
		t.Fatal("AskStream() expected decode error, got none")
	}
	if !strings.Contains(err.Error(), "malformed stream frame") {
		t.Errorf("error = %v, want malformed stream frame", err)
	}
	if len(events) != 1 || events[0].Token != "ok" {
		t.Errorf("events before failure = %+v, want the single ok token", events)
	}
}

func TestAskStreamDropsUnterminatedTrailingFrame(t *testing.T) {
	srv := streamServer(t,
		"data: {\"event\": \"token\", \"data\": \"kept\"}\n\n",
		"data: {\"event\": \"done\", \"data\": {\"answer\": \"lost\"}}",
	)
	defer srv.Close()

	client := api.NewClient(srv.URL, testLogger())
	events, err := collect(t, client, api.AskRequest{Question: "hi"})
	if err != nil {
		t.Fatalf("AskStream() error = %v, want silent drop", err)
	}
	want := []api.StreamEvent{{Type: api.EventToken, Token: "kept"}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestAskStreamSkipsCommentsAndUnknownEvents(t *testing.T) {
	srv := streamServer(t,
		": keep-alive\n\n",
		"data: {\"event\": \"heartbeat\", \"data\": null}\n\n",
		"data: {\"event\": \"done\", \"data\": {\"answer\": \"fin\"}}\n\n",
	)
	defer srv.Close()

	client := api.NewClient(srv.URL, testLogger())
	events, err := collect(t, client, api.AskRequest{Question: "hi"})
	if err != nil {
		t.Fatalf("AskStream() error = %v", err)
	}
	want := []api.StreamEvent{{Type: api.EventDone, Answer: "fin"}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestAskStreamErrorEvent(t *testing.T) {
	srv := streamServer(t,
		"data: {\"event\": \"error\", \"data\": \"index not ready\"}\n\n",
	)
	defer srv.Close()

	client := api.NewClient(srv.URL, testLogger())
	events, err := collect(t, client, api.AskRequest{Question: "hi"})
	if err != nil {
		t.Fatalf("AskStream() error = %v", err)
	}
	want := []api.StreamEvent{{Type: api.EventError, Message: "index not ready"}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestAskStreamNonOKResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"detail": "Index not ready."}`)
	}))
	defer srv.Close()

	client := api.NewClient(srv.URL, testLogger())
	events, err := collect(t, client, api.AskRequest{Question: "hi"})
	if err == nil || err.Error() != "Index not ready." {
		t.Errorf("error = %v, want backend detail", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %+v, want none", events)
	}
}

func TestAskStreamCancellation(t *testing.T) {
	firstEvent := "data: {\"event\": \"token\", \"data\": \"one\"}\n\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, firstEvent)
		flusher.Flush()
		// Hold the stream open until the client goes away.
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := api.NewClient(srv.URL, testLogger())
	var events []api.StreamEvent
	for ev, err := range client.AskStream(ctx, api.AskRequest{Question: "hi"}) {
		if err != nil {
			t.Fatalf("AskStream() error = %v, want silent stop on cancel", err)
		}
		events = append(events, ev)
		cancel()
	}

	if len(events) != 1 || events[0].Token != "one" {
		t.Errorf("events = %+v, want the single token before cancellation", events)
	}
}
