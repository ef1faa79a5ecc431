package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ListSections returns sections with a positive sort order that have at
// least one node, highest order first.
func (s *PostgresStore) ListSections(ctx context.Context) ([]Section, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT s.id, s.name, s.slug, s.description, s.sort_order,
			n.id, n.section_id, n.name, n.slug, n.description, n.is_trash, n.sort_order
		FROM sections s
		JOIN nodes n ON n.section_id = s.id
		WHERE s.sort_order > 0
		ORDER BY s.sort_order DESC, s.created_at, n.sort_order DESC, n.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	sections := make([]Section, 0)
	for rows.Next() {
		var sec Section
		var n Node
		if err := rows.Scan(&sec.ID, &sec.Name, &sec.Slug, &sec.Description, &sec.SortOrder,
			&n.ID, &n.SectionID, &n.Name, &n.Slug, &n.Description, &n.IsTrash, &n.SortOrder); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		if len(sections) == 0 || sections[len(sections)-1].ID != sec.ID {
			sections = append(sections, sec)
		}
		last := &sections[len(sections)-1]
		last.Nodes = append(last.Nodes, n)
	}
	return sections, rows.Err()
}

// EnsureSection upserts a section by slug.
func (s *PostgresStore) EnsureSection(ctx context.Context, sec Section) (Section, error) {
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO sections (name, slug, description, sort_order)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slug) DO UPDATE SET name=EXCLUDED.name
		RETURNING id, name, slug, description, sort_order
	`, sec.Name, sec.Slug, sec.Description, sec.SortOrder).Scan(&sec.ID, &sec.Name, &sec.Slug, &sec.Description, &sec.SortOrder)
	if err != nil {
		return Section{}, fmt.Errorf("ensure section %s: %w", sec.Slug, err)
	}
	return sec, nil
}

// EnsureNode upserts a node by slug.
func (s *PostgresStore) EnsureNode(ctx context.Context, n Node) (Node, error) {
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO nodes (section_id, name, slug, description, is_trash, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slug) DO UPDATE SET name=EXCLUDED.name
		RETURNING id, section_id, name, slug, description, is_trash, sort_order
	`, n.SectionID, n.Name, n.Slug, n.Description, n.IsTrash, n.SortOrder).
		Scan(&n.ID, &n.SectionID, &n.Name, &n.Slug, &n.Description, &n.IsTrash, &n.SortOrder)
	if err != nil {
		return Node{}, fmt.Errorf("ensure node %s: %w", n.Slug, err)
	}
	return n, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (Node, error) {
	var n Node
	err := s.q.QueryRowContext(ctx, `
		SELECT id, section_id, name, slug, description, is_trash, sort_order
		FROM nodes WHERE id=$1
	`, nodeID).Scan(&n.ID, &n.SectionID, &n.Name, &n.Slug, &n.Description, &n.IsTrash, &n.SortOrder)
	return n, err
}

func (s *PostgresStore) IsWatchingNode(ctx context.Context, nodeID, userID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM node_watchers WHERE node_id=$1 AND user_id=$2)`, nodeID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check node watch: %w", err)
	}
	return exists, nil
}

// ToggleNodeWatch flips the user's watch on a node and returns the new state.
func (s *PostgresStore) ToggleNodeWatch(ctx context.Context, nodeID, userID string) (bool, error) {
	return s.toggle(ctx, "node watch",
		`DELETE FROM node_watchers WHERE node_id=$1 AND user_id=$2`,
		`INSERT INTO node_watchers (node_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		nodeID, userID)
}

func (s *PostgresStore) toggle(ctx context.Context, op, deleteSQL, insertSQL string, args ...any) (bool, error) {
	res, err := s.q.ExecContext(ctx, deleteSQL, args...)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("remove %s: %w", op, err)
	} else if n > 0 {
		return false, nil
	}
	if _, err := s.q.ExecContext(ctx, insertSQL, args...); err != nil {
		return false, fmt.Errorf("add %s: %w", op, err)
	}
	return true, nil
}

const topicColumns = `t.id, t.node_id, n.name, t.author_id, u.username, t.title, t.markdown, t.content, t.abstract,
	t.viewed, t.reply_count, (SELECT COUNT(*) FROM topic_likes tl WHERE tl.topic_id = t.id),
	t.last_replied_at, t.rank, t.reply_reward, t.like_reward, t.admin_star, t.editable, t.deleted,
	t.created_at, t.updated_at`

const topicFrom = `FROM topics t JOIN nodes n ON n.id = t.node_id JOIN users u ON u.id = t.author_id`

func scanTopic(row interface{ Scan(...any) error }) (Topic, error) {
	var t Topic
	err := row.Scan(&t.ID, &t.NodeID, &t.NodeName, &t.AuthorID, &t.AuthorName, &t.Title, &t.Markdown, &t.Content, &t.Abstract,
		&t.Viewed, &t.ReplyCount, &t.LikeCount,
		&t.LastRepliedAt, &t.Rank, &t.ReplyReward, &t.LikeReward, &t.AdminStar, &t.Editable, &t.Deleted,
		&t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *PostgresStore) CreateTopic(ctx context.Context, t Topic) (Topic, error) {
	var id string
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO topics (node_id, author_id, title, markdown, content, abstract, rank)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, t.NodeID, t.AuthorID, t.Title, t.Markdown, t.Content, t.Abstract, t.Rank).Scan(&id)
	if err != nil {
		return Topic{}, fmt.Errorf("insert topic: %w", err)
	}
	return s.GetTopic(ctx, id)
}

// UpdateTopicContent rewrites the editable fields of a topic.
func (s *PostgresStore) UpdateTopicContent(ctx context.Context, t Topic) error {
	return s.execOne(ctx, "update topic", `
		UPDATE topics
		SET node_id=$2, title=$3, markdown=$4, content=$5, abstract=$6, rank=$7, updated_at=NOW()
		WHERE id=$1 AND NOT deleted
	`, t.ID, t.NodeID, t.Title, t.Markdown, t.Content, t.Abstract, t.Rank)
}

func (s *PostgresStore) GetTopic(ctx context.Context, topicID string) (Topic, error) {
	return scanTopic(s.q.QueryRowContext(ctx, `SELECT `+topicColumns+` `+topicFrom+` WHERE t.id=$1 AND NOT t.deleted`, topicID))
}

// LockTopic reads a topic with its row locked FOR UPDATE. It must run inside
// RunInTx.
func (s *PostgresStore) LockTopic(ctx context.Context, topicID string) (Topic, error) {
	return scanTopic(s.q.QueryRowContext(ctx, `SELECT `+topicColumns+` `+topicFrom+` WHERE t.id=$1 AND NOT t.deleted FOR UPDATE OF t`, topicID))
}

// DeleteTopic hides a topic from every listing. The row is kept for its
// replies and reputation history.
func (s *PostgresStore) DeleteTopic(ctx context.Context, topicID string) error {
	return s.execOne(ctx, "delete topic", `UPDATE topics SET deleted=TRUE, updated_at=NOW() WHERE id=$1 AND NOT deleted`, topicID)
}

func (s *PostgresStore) IncrementTopicViews(ctx context.Context, topicID string) error {
	return s.execOne(ctx, "increment views", `UPDATE topics SET viewed = viewed + 1 WHERE id=$1`, topicID)
}

// RecordReply bumps the reply counter and returns the new count.
func (s *PostgresStore) RecordReply(ctx context.Context, topicID string, at time.Time) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		UPDATE topics SET reply_count = reply_count + 1, last_replied_at=$2
		WHERE id=$1
		RETURNING reply_count
	`, topicID, at).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("record reply: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) SetTopicReplyReward(ctx context.Context, topicID string) error {
	return s.execOne(ctx, "set reply reward", `UPDATE topics SET reply_reward=TRUE WHERE id=$1`, topicID)
}

func (s *PostgresStore) SetTopicLikeReward(ctx context.Context, topicID string) error {
	return s.execOne(ctx, "set like reward", `UPDATE topics SET like_reward=TRUE WHERE id=$1`, topicID)
}

func topicOrder(f TopicFilter) string {
	if f == FilterReply {
		return `t.rank DESC, t.last_replied_at DESC, t.id`
	}
	return `t.rank DESC, t.created_at DESC, t.id`
}

func topicWhere(q TopicListQuery) (string, []any) {
	where := `NOT t.deleted`
	var args []any
	if q.NodeID != "" {
		args = append(args, q.NodeID)
		where += fmt.Sprintf(` AND t.node_id=$%d`, len(args))
	}
	if q.Filter == FilterStar {
		where += ` AND t.admin_star`
	}
	return where, args
}

func (s *PostgresStore) ListTopics(ctx context.Context, q TopicListQuery) ([]Topic, error) {
	where, args := topicWhere(q)
	args = append(args, q.Limit, q.Offset)
	query := fmt.Sprintf(`SELECT %s %s WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		topicColumns, topicFrom, where, topicOrder(q.Filter), len(args)-1, len(args))
	return s.queryTopics(ctx, query, args...)
}

func (s *PostgresStore) CountTopics(ctx context.Context, q TopicListQuery) (int, error) {
	where, args := topicWhere(q)
	var count int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM topics t WHERE `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count topics: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListTopicsByAuthor(ctx context.Context, authorID string, limit, offset int) ([]Topic, error) {
	return s.queryTopics(ctx, `SELECT `+topicColumns+` `+topicFrom+`
		WHERE t.author_id=$1 AND NOT t.deleted
		ORDER BY t.created_at DESC, t.id
		LIMIT $2 OFFSET $3`, authorID, limit, offset)
}

func (s *PostgresStore) CountTopicsByAuthor(ctx context.Context, authorID string) (int, error) {
	var count int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM topics WHERE author_id=$1 AND NOT deleted`, authorID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count user topics: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) queryTopics(ctx context.Context, query string, args ...any) ([]Topic, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	topics := make([]Topic, 0)
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// ToggleTopicLike flips the user's like and returns the new state with the
// resulting like count.
func (s *PostgresStore) ToggleTopicLike(ctx context.Context, topicID, userID string) (bool, int, error) {
	liked, err := s.toggle(ctx, "topic like",
		`DELETE FROM topic_likes WHERE topic_id=$1 AND user_id=$2`,
		`INSERT INTO topic_likes (topic_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		topicID, userID)
	if err != nil {
		return false, 0, err
	}
	var count int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM topic_likes WHERE topic_id=$1`, topicID).Scan(&count); err != nil {
		return false, 0, fmt.Errorf("count likes: %w", err)
	}
	return liked, count, nil
}

func (s *PostgresStore) IsTopicLiked(ctx context.Context, topicID, userID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM topic_likes WHERE topic_id=$1 AND user_id=$2)`, topicID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check topic like: %w", err)
	}
	return exists, nil
}

const replyColumns = `r.id, r.topic_id, t.title, r.author_id, u.username, r.markdown, r.content, r.created_at`
const replyFrom = `FROM replies r JOIN topics t ON t.id = r.topic_id JOIN users u ON u.id = r.author_id`

func (s *PostgresStore) CreateReply(ctx context.Context, r Reply) (Reply, error) {
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO replies (topic_id, author_id, markdown, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, r.TopicID, r.AuthorID, r.Markdown, r.Content).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return Reply{}, fmt.Errorf("insert reply: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListReplies(ctx context.Context, topicID string, limit, offset int) ([]Reply, error) {
	return s.queryReplies(ctx, `SELECT `+replyColumns+` `+replyFrom+`
		WHERE r.topic_id=$1 AND NOT r.deleted
		ORDER BY r.created_at, r.id
		LIMIT $2 OFFSET $3`, topicID, limit, offset)
}

func (s *PostgresStore) CountReplies(ctx context.Context, topicID string) (int, error) {
	var count int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM replies WHERE topic_id=$1 AND NOT deleted`, topicID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count replies: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListRepliesByAuthor(ctx context.Context, authorID string, limit, offset int) ([]Reply, error) {
	return s.queryReplies(ctx, `SELECT `+replyColumns+` `+replyFrom+`
		WHERE r.author_id=$1 AND NOT r.deleted AND NOT t.deleted
		ORDER BY r.created_at DESC, r.id
		LIMIT $2 OFFSET $3`, authorID, limit, offset)
}

func (s *PostgresStore) CountRepliesByAuthor(ctx context.Context, authorID string) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM replies r JOIN topics t ON t.id = r.topic_id
		WHERE r.author_id=$1 AND NOT r.deleted AND NOT t.deleted
	`, authorID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count user replies: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) queryReplies(ctx context.Context, query string, args ...any) ([]Reply, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	replies := make([]Reply, 0)
	for rows.Next() {
		var r Reply
		if err := rows.Scan(&r.ID, &r.TopicID, &r.TopicTitle, &r.AuthorID, &r.AuthorName, &r.Markdown, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		replies = append(replies, r)
	}
	return replies, rows.Err()
}

func (s *PostgresStore) CreateNotification(ctx context.Context, n Notification) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO notifications (recipient_id, actor_id, kind, topic_id, reply_id)
		VALUES ($1, $2, $3, $4, $5)
	`, n.RecipientID, n.ActorID, string(n.Kind), n.TopicID, n.ReplyID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, recipientID string, limit, offset int) ([]Notification, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT nt.id, nt.recipient_id, nt.actor_id, a.username, nt.kind, nt.topic_id::text,
			COALESCE(t.title, ''), nt.reply_id::text, nt.is_read, nt.created_at
		FROM notifications nt
		JOIN users a ON a.id = nt.actor_id
		LEFT JOIN topics t ON t.id = nt.topic_id
		WHERE nt.recipient_id=$1
		ORDER BY nt.created_at DESC, nt.id
		LIMIT $2 OFFSET $3
	`, recipientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		var kind string
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.ActorID, &n.ActorName, &kind, &n.TopicID,
			&n.TopicTitle, &n.ReplyID, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = NotificationKind(kind)
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *PostgresStore) CountNotifications(ctx context.Context, recipientID string) (int, error) {
	var count int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE recipient_id=$1`, recipientID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) MarkNotificationsRead(ctx context.Context, recipientID string) error {
	if _, err := s.q.ExecContext(ctx, `UPDATE notifications SET is_read=TRUE WHERE recipient_id=$1 AND NOT is_read`, recipientID); err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}

// ClearNotifications deletes every notification of the recipient.
func (s *PostgresStore) ClearNotifications(ctx context.Context, recipientID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM notifications WHERE recipient_id=$1`, recipientID); err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	return s.SetHasNotification(ctx, recipientID, false)
}

// invalidTextRepresentation is raised when an id is not a valid UUID.
const invalidTextRepresentation = "22P02"

// IsNotFound reports whether err means the row does not exist. A malformed
// id cannot name a row, so PostgreSQL rejecting it counts as not found.
func IsNotFound(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation
}
