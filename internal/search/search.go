package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultTopic ResultType = "topic"
	ResultReply ResultType = "reply"
)

func ParseResultType(raw string) ResultType {
	switch ResultType(raw) {
	case ResultTopic, ResultReply:
		return ResultType(raw)
	default:
		return ""
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	TopicID string     `json:"topicId"`
	NodeID  string     `json:"nodeId"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	FilterNodeID string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a searcher that also accepts writes.
type Index interface {
	Searcher
	IndexTopics(topics []TopicRecord) error
	IndexReplies(replies []ReplyRecord) error
	DeleteTopic(id string) error
}

// TopicRecord is the data we index for a topic.
type TopicRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
	Markdown string `json:"markdown"`
	NodeID   string `json:"nodeId"`
	Author   string `json:"author"`
}

// ReplyRecord is the data we index for a reply.
type ReplyRecord struct {
	ID         string `json:"id"`
	TopicID    string `json:"topicId"`
	TopicTitle string `json:"topicTitle"`
	Markdown   string `json:"markdown"`
	NodeID     string `json:"nodeId"`
	Author     string `json:"author"`
}
