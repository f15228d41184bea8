package chat

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkelian/codeqa-web-ui/internal/api"
	"github.com/arkelian/codeqa-web-ui/internal/models"
)

// Streamer produces decoded stream events for a question. Implemented by
// api.Client.
type Streamer interface {
	AskStream(ctx context.Context, req api.AskRequest) iter.Seq2[api.StreamEvent, error]
}

// Asker answers a question in a single round trip, for the non-streaming
// mode. Implemented by api.Client.
type Asker interface {
	Ask(ctx context.Context, req api.AskRequest) (string, error)
}

// Notifier receives UI-facing side effects of a streaming session. Message
// content changes are delivered through the Transcript's onChange callback
// instead.
type Notifier interface {
	// SendingChanged reports the "currently sending" indicator.
	SendingChanged(sending bool)
	// SourcesUsed reports the source names from a meta event, for the
	// banner above the answer.
	SourcesUsed(names []string)
}

// SessionState is the lifecycle state of the streaming session controller.
type SessionState int

const (
	// StateIdle means no stream has been started or the last one was
	// superseded.
	StateIdle SessionState = iota
	// StateConnecting means the request is sent but no event has arrived.
	StateConnecting
	// StateStreaming means at least one event has arrived.
	StateStreaming
	// StateTerminated means the last stream ended with a terminal event or
	// a failure.
	StateTerminated
)

// defaultGraceDelay is how long the sending indicator stays on after a
// stream terminates, so very fast responses don't flicker the UI.
const defaultGraceDelay = 300 * time.Millisecond

const genericStreamError = "Something went wrong while answering. Please try again."

const errLoggerKey = "err"

// Session owns at most one in-flight answer stream and applies its decoded
// events to the transcript. Starting a new stream unconditionally supersedes
// the previous one: the old transport is aborted and a generation counter
// guarantees none of its remaining events reach the transcript.
//
// All transcript mutations issued by the session happen under the session
// lock, so a supersession observed under that lock is final.
type Session struct {
	transcript *Transcript
	streamer   Streamer
	asker      Asker
	notifier   Notifier
	logger     *slog.Logger

	// graceDelay is overridable in tests.
	graceDelay time.Duration

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	state      SessionState
	targetID   uint64
	streamID   string
}

// NewSession creates an idle session controller.
func NewSession(transcript *Transcript, streamer Streamer, asker Asker, notifier Notifier, logger *slog.Logger) *Session {
	return &Session{
		transcript: transcript,
		streamer:   streamer,
		asker:      asker,
		notifier:   notifier,
		logger:     logger.With(slog.String("module", "session")),
		graceDelay: defaultGraceDelay,
	}
}

// Active reports whether a stream is currently in flight.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnecting || s.state == StateStreaming
}

// State exposes the controller state for inspection and tests.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TargetID exposes the id of the message currently being filled, zero when
// none is.
func (s *Session) TargetID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetID
}

// Start opens a new stream for req. Any in-flight stream is aborted first; a
// placeholder assistant message is appended and its id returned. onDone, when
// non-nil, runs after a successful terminal event, outside the session lock;
// it is meant for the post-stream topic metadata refresh and its failures
// must not touch the transcript.
func (s *Session) Start(req api.AskRequest, onDone func()) uint64 {
	ctx, gen, id := s.begin()
	go s.run(ctx, gen, id, req, onDone)
	return id
}

// StartUnary is Start for the non-streaming ask endpoint: one round trip,
// then the placeholder is finalized with the full answer. The session
// lifecycle, supersession, and error handling are identical to Start.
func (s *Session) StartUnary(req api.AskRequest, onDone func()) uint64 {
	ctx, gen, id := s.begin()
	go func() {
		answer, err := s.asker.Ask(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Ask failed", slog.String(errLoggerKey, err.Error()))
			s.fail(gen, id, err.Error())
			return
		}
		if s.finish(gen, id, answer) && onDone != nil {
			onDone()
		}
	}()
	return id
}

// begin supersedes any in-flight stream and sets up a fresh session: the old
// transport is aborted before the new placeholder exists, and the generation
// bump makes the old goroutine's remaining events no-ops.
func (s *Session) begin() (context.Context, uint64, uint64) {
	s.mu.Lock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	gen := s.generation

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = StateConnecting
	s.streamID = uuid.New().String()
	s.targetID = s.transcript.Append(models.SenderAssistant, "")
	id := s.targetID
	streamID := s.streamID
	s.mu.Unlock()

	s.notifier.SendingChanged(true)
	s.logger.Info("Answer stream started",
		slog.String("streamID", streamID),
		slog.Uint64("messageID", id))

	return ctx, gen, id
}

// Cancel aborts any in-flight stream without starting a new one, used when
// the chat view is torn down or the active topic changes. The aborted stream
// performs no further transcript mutations.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	s.state = StateIdle
	s.targetID = 0
	s.notifier.SendingChanged(false)
}

func (s *Session) run(ctx context.Context, gen, id uint64, req api.AskRequest, onDone func()) {
	for ev, err := range s.streamer.AskStream(ctx, req) {
		if err != nil {
			s.logger.Error("Stream failed", slog.String(errLoggerKey, err.Error()))
			s.fail(gen, id, err.Error())
			return
		}

		switch ev.Type {
		case api.EventMeta:
			s.mu.Lock()
			alive := s.generation == gen
			if alive {
				s.state = StateStreaming
			}
			s.mu.Unlock()
			if alive {
				s.notifier.SourcesUsed(ev.SourceNames)
			}
		case api.EventToken:
			s.mu.Lock()
			if s.generation == gen {
				s.state = StateStreaming
				s.transcript.AppendText(id, ev.Token)
			}
			s.mu.Unlock()
		case api.EventDone:
			if s.finish(gen, id, ev.Answer) && onDone != nil {
				onDone()
			}
			return
		case api.EventError:
			message := ev.Message
			if message == "" {
				message = genericStreamError
			}
			s.fail(gen, id, message)
			return
		}
	}

	// The stream ended without a terminal event. The accumulated tokens are
	// kept as the answer.
	if s.finish(gen, id, "") && onDone != nil {
		onDone()
	}
}

// finish finalizes the target message and tears the session down. It reports
// whether this goroutine still owned the session.
func (s *Session) finish(gen, id uint64, answer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		return false
	}
	s.transcript.Finalize(id, answer)
	s.state = StateTerminated
	s.teardownLocked(gen)
	return true
}

func (s *Session) fail(gen, id uint64, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		return
	}
	if message == "" {
		message = genericStreamError
	}
	s.transcript.MarkError(id, message)
	s.state = StateTerminated
	s.teardownLocked(gen)
}

// teardownLocked releases the transport, clears the target reference, and
// schedules the sending indicator to clear after the grace delay unless a
// new session has started by then.
func (s *Session) teardownLocked(gen uint64) {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.targetID = 0

	time.AfterFunc(s.graceDelay, func() {
		s.mu.Lock()
		owned := s.generation == gen
		s.mu.Unlock()
		if owned {
			s.notifier.SendingChanged(false)
		}
	})
}
