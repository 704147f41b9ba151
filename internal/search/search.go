package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Date       string `json:"date"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterAuthorID string // empty = all authors
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over journal entries.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entries into a search index.
type Indexer interface {
	IndexEntry(e EntryRecord) error
	DeleteEntry(id string) error
}

// EntryRecord is the data we index for a journal entry.
type EntryRecord struct {
	ID         string `json:"id"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Date       string `json:"date"`
	Body       string `json:"body"`
}
