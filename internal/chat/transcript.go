package chat

import (
	"slices"
	"sync"

	"github.com/arkelian/codeqa-web-ui/internal/models"
)

// Transcript is the ordered message list backing one chat view. It is
// append-only during a session except for in-place content mutation of the
// message currently being streamed. All mutations address a single existing
// entry by id; there is no reordering and ids are never reused.
//
// The onChange callback, when set, is invoked with a copy of every appended
// or mutated message, in mutation order. It runs under the transcript lock
// and must not call back into the Transcript.
type Transcript struct {
	mu       sync.Mutex
	nextID   uint64
	messages []models.Message

	onChange func(models.Message)
}

// NewTranscript creates an empty transcript. onChange may be nil.
func NewTranscript(onChange func(models.Message)) *Transcript {
	return &Transcript{onChange: onChange}
}

func (t *Transcript) notify(msg models.Message) {
	if t.onChange != nil {
		t.onChange(msg)
	}
}

// Append adds a message at the end and returns its id.
func (t *Transcript) Append(sender models.Sender, content string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	msg := models.Message{
		ID:      t.nextID,
		Sender:  sender,
		Content: content,
	}
	t.messages = append(t.messages, msg)
	t.notify(msg)
	return msg.ID
}

func (t *Transcript) index(id uint64) int {
	return slices.IndexFunc(t.messages, func(m models.Message) bool { return m.ID == id })
}

// AppendText concatenates fragment onto the content of the message with the
// given id. Unknown ids are ignored, guarding against late or duplicate
// stream events.
func (t *Transcript) AppendText(id uint64, fragment string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.index(id)
	if idx == -1 {
		return
	}
	t.messages[idx].Content += fragment
	t.notify(t.messages[idx])
}

// Finalize replaces the message's content with finalContent when it is
// non-empty. An empty finalContent keeps the accumulated content as the
// final answer. Unknown ids are ignored.
func (t *Transcript) Finalize(id uint64, finalContent string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.index(id)
	if idx == -1 {
		return
	}
	if finalContent != "" {
		t.messages[idx].Content = finalContent
	}
	t.notify(t.messages[idx])
}

// MarkError sets the message's content to text and flags it as an error.
// Unknown ids are ignored.
func (t *Transcript) MarkError(id uint64, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.index(id)
	if idx == -1 {
		return
	}
	t.messages[idx].Content = text
	t.messages[idx].IsError = true
	t.notify(t.messages[idx])
}

// Messages returns a copy of the current message list.
func (t *Transcript) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.messages)
}

// Reset replaces the whole transcript, used when the active topic changes or
// history is reloaded. Fresh ids are assigned; the id sequence keeps growing
// so ids from before the reset never collide with ids after it.
func (t *Transcript) Reset(history []models.TopicMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.messages = t.messages[:0]
	for _, h := range history {
		t.nextID++
		t.messages = append(t.messages, models.Message{
			ID:      t.nextID,
			Sender:  historySender(h.Role),
			Content: h.Content,
		})
	}
}

func historySender(role string) models.Sender {
	if role == string(models.SenderUser) {
		return models.SenderUser
	}
	return models.SenderAssistant
}

// AppendHistory appends a further page of historical messages without
// touching existing entries. Unlike Reset, each appended entry is reported
// through onChange so incremental loads reach the view.
func (t *Transcript) AppendHistory(history []models.TopicMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, h := range history {
		t.nextID++
		msg := models.Message{
			ID:      t.nextID,
			Sender:  historySender(h.Role),
			Content: h.Content,
		}
		t.messages = append(t.messages, msg)
		t.notify(msg)
	}
}
