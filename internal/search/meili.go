package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog/log"
)

const (
	idxTopics  = "forum_topics"
	idxReplies = "forum_replies"
)

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The client
// is returned even when the first health check fails; a background loop
// keeps probing.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("search: meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxTopics,
			filterable: []string{"nodeId", "author"},
			searchable: []string{"title", "abstract", "markdown"},
		},
		{
			uid:        idxReplies,
			filterable: []string{"nodeId", "topicId", "author"},
			searchable: []string{"markdown", "topicTitle"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			log.Debug().Err(err).Str("index", idx.uid).Msg("search: create index (may already exist)")
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Warn().Err(err).Str("index", idx.uid).Msg("search: update filterable attributes")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Warn().Err(err).Str("index", idx.uid).Msg("search: update searchable attributes")
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Info().Msg("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the topic and reply indexes (or one of them) and merges
// the hits.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errUnhealthy
	}

	queries := buildRequests(q)
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func buildRequests(q Query) []*meili.SearchRequest {
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}

	targets := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxTopics, ResultTopic},
		{idxReplies, ResultReply},
	}

	var queries []*meili.SearchRequest
	for _, target := range targets {
		if q.FilterType != "" && q.FilterType != target.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              target.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"title", "abstract", "markdown", "topicTitle"},
			AttributesToCrop:      []string{"markdown"},
			CropLength:            30,
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if q.FilterNodeID != "" {
			sr.Filter = []string{fmt.Sprintf("nodeId = %q", q.FilterNodeID)}
		}
		queries = append(queries, sr)
	}
	return queries
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxTopics:
		return ResultTopic
	case idxReplies:
		return ResultReply
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.NodeID = decodeString(hit, "nodeId")

	switch rtyp {
	case ResultTopic:
		r.TopicID = r.ID
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "abstract"), decodeFormattedString(hit, "markdown"), decodeString(hit, "abstract"))
	case ResultReply:
		r.TopicID = decodeString(hit, "topicId")
		r.Title = firstNonBlank(decodeFormattedString(hit, "topicTitle"), decodeString(hit, "topicTitle"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "markdown"), decodeString(hit, "markdown"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexTopics adds or updates topics in the search index.
func (m *Meili) IndexTopics(topics []TopicRecord) error {
	if len(topics) == 0 {
		return nil
	}
	_, err := m.client.Index(idxTopics).AddDocuments(topics, nil)
	return err
}

// IndexReplies adds or updates replies in the search index.
func (m *Meili) IndexReplies(replies []ReplyRecord) error {
	if len(replies) == 0 {
		return nil
	}
	_, err := m.client.Index(idxReplies).AddDocuments(replies, nil)
	return err
}

// DeleteTopic removes a topic from the search index.
func (m *Meili) DeleteTopic(id string) error {
	_, err := m.client.Index(idxTopics).DeleteDocument(id, nil)
	return err
}
