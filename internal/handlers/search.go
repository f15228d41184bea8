package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/arkelian/codeqa-web-ui/internal/api"
	"github.com/arkelian/codeqa-web-ui/internal/models"
)

const defaultSearchLimit = 5

type searchPageData struct {
	Query   string
	Results models.SearchResults
}

// HandleSearch proxies the cross-entity search and responds with the results
// partial. The page script debounces input and drops superseded responses;
// on a backend failure we return an error status so it keeps whatever it
// already shows.
func (m *Main) HandleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	q := api.SearchQuery{
		Query:           query,
		Limit:           queryInt(r, "limit", defaultSearchLimit),
		TopicsOffset:    queryInt(r, "topics_offset", 0),
		QuestionsOffset: queryInt(r, "questions_offset", 0),
		AnswersOffset:   queryInt(r, "answers_offset", 0),
	}

	results, err := m.backend.Search(r.Context(), q)
	if err != nil {
		m.logger.Error("Search failed",
			slog.String("query", query),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), backendStatus(err))
		return
	}

	err = m.templates.ExecuteTemplate(w, "search_results", searchPageData{
		Query:   query,
		Results: results,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
