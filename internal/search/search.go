package search

import "time"

// CommentRecord is the data we index per comment.
type CommentRecord struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	UserID    string    `json:"userId"`
	UserEmail string    `json:"userEmail"`
	ParentID  string    `json:"parentId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	Snippet   string `json:"snippet"`
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail"`
	ParentID  string `json:"parentId,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterUserID string // empty = all authors
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over comments.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push comments into a search index.
type Indexer interface {
	IndexComment(rec CommentRecord) error
	DeleteComment(id string) error
}
