package run

// Event triggers one run.
type Event struct {
	// ID identifies the run. Durable steps are keyed by it, so redelivering an
	// event with the same ID resumes the run instead of starting over.
	ID        string `json:"id"`
	Input     string `json:"input"`
	Framework string `json:"framework"`
}

// Result is the terminal artifact of a run.
type Result struct {
	URL     string            `json:"url"`
	Title   string            `json:"title"`
	Files   map[string]string `json:"files"`
	Summary string            `json:"summary"`
}
