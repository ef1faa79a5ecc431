package search

import (
	"context"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Service is the facade that tries the primary index first and falls back
// to PG FTS.
type Service struct {
	primary  Index
	fallback Searcher
	loader   func(ctx context.Context) ([]TopicRecord, []ReplyRecord, error)
	snippets *bluemonday.Policy
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	var primary Index
	if meili != nil {
		primary = meili
	}
	s := newService(primary, nil)
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts.LoadAllRecords
	}
	return s
}

func newService(primary Index, fallback Searcher) *Service {
	return &Service{primary: primary, fallback: fallback, snippets: snippetPolicy()}
}

// snippetPolicy keeps only highlight marks in snippets, which are built from
// raw user markdown.
func snippetPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("mark")
	return p
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries the primary index if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	logger := zerolog.Ctx(ctx)
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: s.clean(results), Total: total, Query: q.Text}
		}
		logger.Warn().Err(err).Msg("search: meilisearch error, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		logger.Error().Err(err).Msg("search: pgfts error")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: s.clean(results), Total: total, Query: q.Text}
}

// IndexTopic pushes a topic to the primary index without waiting.
func (s *Service) IndexTopic(t TopicRecord) {
	s.async("index topic "+t.ID, func() error { return s.primary.IndexTopics([]TopicRecord{t}) })
}

// IndexReply pushes a reply to the primary index without waiting.
func (s *Service) IndexReply(r ReplyRecord) {
	s.async("index reply "+r.ID, func() error { return s.primary.IndexReplies([]ReplyRecord{r}) })
}

// DeleteTopic drops a topic from the primary index without waiting.
func (s *Service) DeleteTopic(id string) {
	s.async("delete topic "+id, func() error { return s.primary.DeleteTopic(id) })
}

func (s *Service) async(op string, fn func() error) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := fn(); err != nil {
			log.Warn().Err(err).Msg("search: " + op)
		}
	}()
}

// ReindexAll reads every topic and reply from PG and pushes them to the
// primary index.
func (s *Service) ReindexAll(ctx context.Context) error {
	if !s.primaryReady() || s.loader == nil {
		return nil
	}
	topics, replies, err := s.loader(ctx)
	if err != nil {
		return err
	}
	if err := s.primary.IndexTopics(topics); err != nil {
		return err
	}
	return s.primary.IndexReplies(replies)
}

func (s *Service) clean(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	for i := range results {
		results[i].Snippet = s.snippets.Sanitize(results[i].Snippet)
		results[i].Title = s.snippets.Sanitize(results[i].Title)
	}
	return results
}
