// Package search indexes plans and version change summaries so a
// clinician can find when a particular change entered a plan.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPlan    ResultType = "plan"
	ResultVersion ResultType = "version"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	PlanID   string     `json:"planId"`
	ClientID string     `json:"clientId,omitempty"`
	Version  int        `json:"version,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	ClientID   string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PlanRecord is the data indexed for a plan head.
type PlanRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	ClientID string `json:"clientId"`
	Status   string `json:"status"`
}

// VersionRecord is the data indexed for one committed snapshot.
type VersionRecord struct {
	ID         string `json:"id"` // planID:version
	PlanID     string `json:"planId"`
	Version    int    `json:"version"`
	Summary    string `json:"summary"`
	ChangeType string `json:"changeType"`
	ClientID   string `json:"clientId"`
}
