package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
)

// StreamEventType tags the variants of StreamEvent.
type StreamEventType string

const (
	// EventMeta carries the names of the sources used to answer.
	EventMeta StreamEventType = "meta"
	// EventToken carries one text fragment to append to the answer.
	EventToken StreamEventType = "token"
	// EventDone terminates the stream with the final answer payload.
	EventDone StreamEventType = "done"
	// EventError terminates the stream with a server-reported failure.
	EventError StreamEventType = "error"
)

// StreamEvent is one decoded event of the streaming ask protocol. Exactly one
// terminal event (done or error) ends a well-formed stream.
type StreamEvent struct {
	Type StreamEventType

	// Token is the fragment to append. Set for EventToken.
	Token string
	// Answer is the complete answer text, possibly empty when the backend
	// relies on the accumulated tokens. Set for EventDone.
	Answer string
	// SourceNames lists the sources used, de-duplicated. Set for EventMeta.
	SourceNames []string
	// Message describes the failure. Set for EventError.
	Message string
}

// frameMarker prefixes every event payload line on the wire.
const frameMarker = "data:"

// AskStream posts a question to the streaming ask endpoint and decodes the
// chunked response into a sequence of StreamEvents.
//
// The response body is framed as UTF-8 text events separated by a blank line;
// each frame's payload is a JSON envelope {"event": ..., "data": ...}
// prefixed by "data:". Decoding keeps a growing buffer, emits every complete
// frame found, and retains the trailing partial frame for the next chunk.
// Malformed JSON in a frame is fatal: the iterator yields the decode error
// and the transport read is aborted. A non-terminated trailing frame at end
// of stream is dropped silently.
//
// Cancelling ctx aborts the transport; no events are yielded after that.
func (c Client) AskStream(ctx context.Context, req AskRequest) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		jsonBody, err := json.Marshal(req)
		if err != nil {
			yield(StreamEvent{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/code-qa/stream/", bytes.NewReader(jsonBody))
		if err != nil {
			yield(StreamEvent{}, fmt.Errorf("error creating request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(StreamEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield(StreamEvent{}, responseError(resp))
			return
		}

		var buf []byte
		chunk := make([]byte, 4096)
		for {
			n, readErr := resp.Body.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
				for {
					idx := bytes.Index(buf, []byte("\n\n"))
					if idx < 0 {
						break
					}
					frame := string(buf[:idx])
					buf = buf[idx+2:]

					ev, ok, perr := decodeFrame(frame)
					if perr != nil {
						yield(StreamEvent{}, fmt.Errorf("malformed stream frame: %w", perr))
						return
					}
					if !ok {
						continue
					}
					if !yield(ev, nil) {
						return
					}
				}
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					// Whatever is left in buf never got its closing
					// delimiter and is dropped.
					return
				}
				if errors.Is(readErr, context.Canceled) || ctx.Err() != nil {
					return
				}
				yield(StreamEvent{}, fmt.Errorf("error reading stream: %w", readErr))
				return
			}
		}
	}
}

// decodeFrame parses one complete frame. Frames without the payload marker
// (comments, keep-alives) and envelopes with an unknown event type are
// skipped with ok=false. Invalid JSON is returned as an error.
func decodeFrame(frame string) (StreamEvent, bool, error) {
	frame = strings.TrimSpace(frame)
	if !strings.HasPrefix(frame, frameMarker) {
		return StreamEvent{}, false, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(frame, frameMarker))
	if payload == "" {
		return StreamEvent{}, false, nil
	}

	var envelope struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return StreamEvent{}, false, err
	}

	switch StreamEventType(envelope.Event) {
	case EventToken:
		var token string
		if err := json.Unmarshal(envelope.Data, &token); err != nil {
			return StreamEvent{}, false, err
		}
		return StreamEvent{Type: EventToken, Token: token}, true, nil
	case EventDone:
		var done struct {
			Answer string `json:"answer"`
		}
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &done); err != nil {
				return StreamEvent{}, false, err
			}
		}
		return StreamEvent{Type: EventDone, Answer: done.Answer}, true, nil
	case EventError:
		var message string
		if err := json.Unmarshal(envelope.Data, &message); err != nil {
			return StreamEvent{}, false, err
		}
		return StreamEvent{Type: EventError, Message: message}, true, nil
	case EventMeta:
		names, err := metaSourceNames(envelope.Data)
		if err != nil {
			return StreamEvent{}, false, err
		}
		return StreamEvent{Type: EventMeta, SourceNames: names}, true, nil
	default:
		return StreamEvent{}, false, nil
	}
}

// metaSourceNames extracts source names from a meta payload. The backend
// sends either source_names directly or a contexts array whose entries name
// their source; names are de-duplicated preserving order and empty entries
// are dropped.
func metaSourceNames(data json.RawMessage) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var payload struct {
		SourceNames []string `json:"source_names"`
		Contexts    []struct {
			SourceName string `json:"source_name"`
			Source     string `json:"source"`
		} `json:"contexts"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	raw := payload.SourceNames
	if raw == nil {
		for _, c := range payload.Contexts {
			name := c.SourceName
			if name == "" {
				name = c.Source
			}
			raw = append(raw, name)
		}
	}

	var names []string
	seen := make(map[string]struct{}, len(raw))
	for _, name := range raw {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names, nil
}
