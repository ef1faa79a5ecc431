package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"niuforum/api/internal/reputation"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db   *sql.DB
	q    querier
	inTx bool
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunInTx runs fn against a store bound to a single transaction. The
// transaction commits when fn returns nil and rolls back on error or panic.
// Nested calls reuse the outer transaction.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx *PostgresStore) error) (err error) {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("commit tx: %w", commitErr)
		}
	}()
	err = fn(&PostgresStore{db: s.db, q: tx, inTx: true})
	return
}

const userColumns = `id, username, display_name, email, description, website, company, location,
	github, gitlab, avatar, reputation, has_notification, profile_init_reward, is_manager, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &u.Description, &u.Website, &u.Company, &u.Location,
		&u.GitHub, &u.GitLab, &u.Avatar, &u.Reputation, &u.HasNotification, &u.ProfileInitReward, &u.IsManager,
		&u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// EnsureUserByName returns the user with the given username, creating it on
// first use.
func (s *PostgresStore) EnsureUserByName(ctx context.Context, username string) (User, error) {
	user, err := s.GetUserByUsername(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	row := s.q.QueryRowContext(ctx, `
		INSERT INTO users (username, display_name)
		VALUES ($1, $1)
		ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
		RETURNING `+userColumns, username)
	user, err = scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
}

// UserExists is a case-sensitive point read on the username index.
func (s *PostgresStore) UserExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username=$1)`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user %s: %w", username, err)
	}
	return exists, nil
}

// UsersByUsernames returns the users matching names, in no particular order.
func (s *PostgresStore) UsersByUsernames(ctx context.Context, names []string) ([]User, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ANY($1)`, names)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// LockUser reads a user row with FOR UPDATE. It must run inside RunInTx.
func (s *PostgresStore) LockUser(ctx context.Context, userID string) (User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1 FOR UPDATE`, userID))
}

func (s *PostgresStore) SetUserReputation(ctx context.Context, userID string, total int) error {
	return s.execOne(ctx, "set reputation", `UPDATE users SET reputation=$2, updated_at=NOW() WHERE id=$1`, userID, total)
}

func (s *PostgresStore) SetManager(ctx context.Context, userID string) error {
	return s.execOne(ctx, "set manager", `UPDATE users SET is_manager=TRUE, updated_at=NOW() WHERE id=$1`, userID)
}

func (s *PostgresStore) SetHasNotification(ctx context.Context, userID string, value bool) error {
	return s.execOne(ctx, "set notification flag", `UPDATE users SET has_notification=$2 WHERE id=$1`, userID, value)
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, userID string, p Profile, profileInitReward bool) error {
	return s.execOne(ctx, "update profile", `
		UPDATE users
		SET display_name=$2, email=$3, description=$4, website=$5, company=$6, location=$7,
			github=$8, gitlab=$9, avatar=$10, profile_init_reward=$11, updated_at=NOW()
		WHERE id=$1
	`, userID, p.DisplayName, p.Email, p.Description, p.Website, p.Company, p.Location,
		p.GitHub, p.GitLab, p.Avatar, profileInitReward)
}

func (s *PostgresStore) InsertReputationStat(ctx context.Context, stat reputation.Stat) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO reputation_stats (user_id, stat_type, amount, total, topic_id, node_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, stat.UserID, string(stat.Type), stat.Amount, stat.Total, stat.TopicID, stat.NodeID)
	if err != nil {
		return fmt.Errorf("insert reputation stat: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReputationStats(ctx context.Context, userID string) ([]reputation.Stat, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, user_id, stat_type, amount, total, topic_id::text, node_id::text, created_at
		FROM reputation_stats
		WHERE user_id=$1
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list reputation stats: %w", err)
	}
	defer rows.Close()

	stats := make([]reputation.Stat, 0)
	for rows.Next() {
		var st reputation.Stat
		var typ string
		if err := rows.Scan(&st.ID, &st.UserID, &typ, &st.Amount, &st.Total, &st.TopicID, &st.NodeID, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reputation stat: %w", err)
		}
		st.Type = reputation.RewardType(typ)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// execOne runs a statement that must affect exactly one row; zero rows
// reports sql.ErrNoRows.
func (s *PostgresStore) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
