package models

// Topic is the summary form of a conversation thread as listed by the backend.
type Topic struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	MessageCount int    `json:"message_count"`
}

// TopicMessage is one historical exchange entry inside a topic detail page.
type TopicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TopicDetail carries one page of a topic's history. NextOffset is nil once
// the history is exhausted.
type TopicDetail struct {
	ID           int            `json:"id"`
	Name         string         `json:"name"`
	MessageCount int            `json:"message_count"`
	Messages     []TopicMessage `json:"messages"`
	NextOffset   *int           `json:"next_offset"`
}

// TopicPage is one page of the topic list.
type TopicPage struct {
	Topics     []Topic `json:"topics"`
	NextOffset *int    `json:"next_offset"`
}

// SearchItem is one search hit. Topic hits carry Name; question and answer
// hits carry Text and the id of their topic.
type SearchItem struct {
	ID      int    `json:"id"`
	TopicID int    `json:"topic_id"`
	Name    string `json:"name"`
	Text    string `json:"text"`
}

// Display returns the item's human-readable label.
func (s SearchItem) Display() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Text
}

// SearchCategory holds one paginated category of search results.
type SearchCategory struct {
	Items      []SearchItem `json:"items"`
	NextOffset *int         `json:"next_offset"`
}

// SearchResults groups the three independently paginated search categories.
type SearchResults struct {
	Topics    SearchCategory `json:"topics"`
	Questions SearchCategory `json:"questions"`
	Answers   SearchCategory `json:"answers"`
}
