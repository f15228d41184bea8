package models

// Source is an indexed knowledge corpus the backend can retrieve from. The
// same resource shape is returned by listing, creation, update, and rebuild.
type Source struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"path"`
	CreatedAt   string `json:"created_at"`
	TotalFiles  int    `json:"total_files"`
	TotalChunks int    `json:"total_chunks"`
}

// Build status values reported by the backend index builder.
const (
	BuildStatusIdle      = "idle"
	BuildStatusRunning   = "running"
	BuildStatusCompleted = "completed"
	BuildStatusError     = "error"
)

// BuildProgress describes the state of a background index build.
type BuildProgress struct {
	Status  string  `json:"status"`
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
	Root    string  `json:"root"`
}

// BuildState is the response of the build endpoint: the configured index root
// plus the current progress.
type BuildState struct {
	Root     string        `json:"root"`
	Progress BuildProgress `json:"progress"`
}
