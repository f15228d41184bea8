package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/arkelian/codeqa-web-ui/internal/models"
)

// Client talks to the RAG backend HTTP API. All answer generation, topic
// persistence, indexing, and search live behind that API; this client is the
// only transport in the application.
type Client struct {
	baseURL string

	client *http.Client
	logger *slog.Logger
}

// NewClient creates a Client for the backend rooted at baseURL (e.g.
// "http://localhost:8000/api"). A trailing slash on baseURL is tolerated.
func NewClient(baseURL string, logger *slog.Logger) Client {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return Client{
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "api")),
	}
}

// AskRequest is the body of both the plain and the streaming ask endpoints.
type AskRequest struct {
	Question     string `json:"question"`
	SystemPrompt string `json:"system_prompt"`
	CustomPrompt string `json:"custom_prompt,omitempty"`
	TopicID      *int   `json:"topic_id,omitempty"`
	Sources      []int  `json:"sources,omitempty"`
}

// Error is a non-2xx backend response. Detail carries the backend's "detail"
// field when the body had one, or a generic description otherwise.
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	return e.Detail
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))

	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != "" {
		return &Error{StatusCode: resp.StatusCode, Detail: payload.Detail}
	}
	return &Error{
		StatusCode: resp.StatusCode,
		Detail:     fmt.Sprintf("backend request failed with status %d", resp.StatusCode),
	}
}

func (c Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		jsonBody, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// Ask sends a non-streaming question and returns the complete answer.
func (c Client) Ask(ctx context.Context, req AskRequest) (string, error) {
	var out struct {
		Answer string `json:"answer"`
	}
	if err := c.do(ctx, http.MethodPost, "/code-qa/", nil, req, &out); err != nil {
		return "", err
	}
	return out.Answer, nil
}

func pageQuery(offset, limit int) url.Values {
	return url.Values{
		"offset": []string{strconv.Itoa(offset)},
		"limit":  []string{strconv.Itoa(limit)},
	}
}

// Topics fetches one page of the topic list.
func (c Client) Topics(ctx context.Context, offset, limit int) (models.TopicPage, error) {
	var page models.TopicPage
	err := c.do(ctx, http.MethodGet, "/topics/", pageQuery(offset, limit), nil, &page)
	return page, err
}

// Topic fetches a topic's detail form with one page of its history.
func (c Client) Topic(ctx context.Context, id, offset, limit int) (models.TopicDetail, error) {
	var detail models.TopicDetail
	path := fmt.Sprintf("/topics/%d/", id)
	err := c.do(ctx, http.MethodGet, path, pageQuery(offset, limit), nil, &detail)
	return detail, err
}

// CreateTopic creates a topic with the given display name.
func (c Client) CreateTopic(ctx context.Context, name string) (models.TopicDetail, error) {
	var detail models.TopicDetail
	err := c.do(ctx, http.MethodPost, "/topics/", nil, map[string]string{"name": name}, &detail)
	return detail, err
}

// SearchQuery addresses the three independently paginated search categories.
type SearchQuery struct {
	Query           string
	Limit           int
	TopicsOffset    int
	QuestionsOffset int
	AnswersOffset   int
}

// Search runs a cross-entity search over topics, questions, and answers.
func (c Client) Search(ctx context.Context, q SearchQuery) (models.SearchResults, error) {
	query := url.Values{
		"q":                []string{q.Query},
		"limit":            []string{strconv.Itoa(q.Limit)},
		"topics_offset":    []string{strconv.Itoa(q.TopicsOffset)},
		"questions_offset": []string{strconv.Itoa(q.QuestionsOffset)},
		"answers_offset":   []string{strconv.Itoa(q.AnswersOffset)},
	}
	var res models.SearchResults
	err := c.do(ctx, http.MethodGet, "/search/", query, nil, &res)
	return res, err
}

// SourcePayload is the body for source creation, update, and rebuild. Paths
// is ignored by update.
type SourcePayload struct {
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Paths       []string `json:"paths,omitempty"`
}

// Sources lists every registered RAG source.
func (c Client) Sources(ctx context.Context) ([]models.Source, error) {
	var sources []models.Source
	err := c.do(ctx, http.MethodGet, "/rag-sources/", nil, nil, &sources)
	return sources, err
}

// CreateSource registers a new source and triggers its initial indexing.
func (c Client) CreateSource(ctx context.Context, payload SourcePayload) (models.Source, error) {
	var source models.Source
	err := c.do(ctx, http.MethodPost, "/rag-sources/", nil, payload, &source)
	return source, err
}

// UpdateSource changes a source's name and/or description.
func (c Client) UpdateSource(ctx context.Context, id int, payload SourcePayload) (models.Source, error) {
	var source models.Source
	path := fmt.Sprintf("/rag-sources/%d/", id)
	err := c.do(ctx, http.MethodPatch, path, nil, payload, &source)
	return source, err
}

// RebuildSource re-indexes a source, optionally replacing its paths.
func (c Client) RebuildSource(ctx context.Context, id int, payload SourcePayload) (models.Source, error) {
	var source models.Source
	path := fmt.Sprintf("/rag-sources/%d/rebuild/", id)
	err := c.do(ctx, http.MethodPost, path, nil, payload, &source)
	return source, err
}

// BuildState fetches the current state of the background index build.
func (c Client) BuildState(ctx context.Context) (models.BuildState, error) {
	var state models.BuildState
	err := c.do(ctx, http.MethodGet, "/code-qa/build-rag/", nil, nil, &state)
	return state, err
}

// TriggerBuild starts a background index build. An empty root uses the
// backend's configured default.
func (c Client) TriggerBuild(ctx context.Context, root string) (models.BuildState, error) {
	body := map[string]string{}
	if root != "" {
		body["root"] = root
	}
	var state models.BuildState
	err := c.do(ctx, http.MethodPost, "/code-qa/build-rag/", nil, body, &state)
	return state, err
}
