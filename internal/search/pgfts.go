package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// buildQuery returns the count and data statements for q along with their
// arguments.
func buildQuery(q Query) (string, string, []any) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	nodeFilter := ""
	if q.FilterNodeID != "" {
		args = append(args, q.FilterNodeID)
		nodeFilter = fmt.Sprintf(" AND t.node_id = $%d", len(args))
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultTopic {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'topic'::text AS type, t.id::text AS id, t.title,
				ts_headline('english', t.markdown, %[1]s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
				t.id::text AS topic_id, t.node_id::text AS node_id,
				ts_rank(t.fts, %[1]s) AS rank
			FROM topics t
			WHERE t.fts @@ %[1]s AND NOT t.deleted%[2]s`, tsQuery, nodeFilter))
	}
	if q.FilterType == "" || q.FilterType == ResultReply {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'reply'::text AS type, r.id::text AS id, t.title,
				ts_headline('english', r.markdown, %[1]s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
				t.id::text AS topic_id, t.node_id::text AS node_id,
				ts_rank(r.fts, %[1]s) AS rank
			FROM replies r
			JOIN topics t ON t.id = r.topic_id
			WHERE r.fts @@ %[1]s AND NOT r.deleted AND NOT t.deleted%[2]s`, tsQuery, nodeFilter))
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, topic_id, node_id
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset)
	return countSQL, dataSQL, args
}

// Search runs a ranked UNION ALL over topics and replies using
// plainto_tsquery, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	countSQL, dataSQL, args := buildQuery(q)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.TopicID, &r.NodeID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]TopicRecord, []ReplyRecord, error) {
	topicRows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.abstract, t.markdown, t.node_id, u.username
		FROM topics t
		JOIN users u ON u.id = t.author_id
		WHERE NOT t.deleted
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load topics: %w", err)
	}
	defer topicRows.Close()

	topics := make([]TopicRecord, 0)
	for topicRows.Next() {
		var t TopicRecord
		if err := topicRows.Scan(&t.ID, &t.Title, &t.Abstract, &t.Markdown, &t.NodeID, &t.Author); err != nil {
			return nil, nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	if err := topicRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate topics: %w", err)
	}

	replyRows, err := p.db.QueryContext(ctx, `
		SELECT r.id, r.topic_id, t.title, r.markdown, t.node_id, u.username
		FROM replies r
		JOIN topics t ON t.id = r.topic_id
		JOIN users u ON u.id = r.author_id
		WHERE NOT r.deleted AND NOT t.deleted
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load replies: %w", err)
	}
	defer replyRows.Close()

	replies := make([]ReplyRecord, 0)
	for replyRows.Next() {
		var r ReplyRecord
		if err := replyRows.Scan(&r.ID, &r.TopicID, &r.TopicTitle, &r.Markdown, &r.NodeID, &r.Author); err != nil {
			return nil, nil, fmt.Errorf("scan reply: %w", err)
		}
		replies = append(replies, r)
	}
	if err := replyRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate replies: %w", err)
	}

	return topics, replies, nil
}
