package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"niuforum/api/internal/auth"
	"niuforum/api/internal/config"
	"niuforum/api/internal/markdown"
	"niuforum/api/internal/metrics"
	"niuforum/api/internal/reputation"
	"niuforum/api/internal/search"
	"niuforum/api/internal/store"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

type dataStore interface {
	RunInTx(ctx context.Context, fn func(tx dataStore) error) error
	Ping(ctx context.Context) error

	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	UsersByUsernames(context.Context, []string) ([]store.User, error)
	LockUser(context.Context, string) (store.User, error)
	SetUserReputation(context.Context, string, int) error
	SetManager(context.Context, string) error
	SetHasNotification(context.Context, string, bool) error
	UpdateProfile(context.Context, string, store.Profile, bool) error
	InsertReputationStat(context.Context, reputation.Stat) error
	ListReputationStats(context.Context, string) ([]reputation.Stat, error)

	ListSections(context.Context) ([]store.Section, error)
	EnsureSection(context.Context, store.Section) (store.Section, error)
	EnsureNode(context.Context, store.Node) (store.Node, error)
	GetNode(context.Context, string) (store.Node, error)
	IsWatchingNode(context.Context, string, string) (bool, error)
	ToggleNodeWatch(context.Context, string, string) (bool, error)

	CreateTopic(context.Context, store.Topic) (store.Topic, error)
	UpdateTopicContent(context.Context, store.Topic) error
	DeleteTopic(context.Context, string) error
	GetTopic(context.Context, string) (store.Topic, error)
	LockTopic(context.Context, string) (store.Topic, error)
	IncrementTopicViews(context.Context, string) error
	RecordReply(context.Context, string, time.Time) (int, error)
	SetTopicReplyReward(context.Context, string) error
	SetTopicLikeReward(context.Context, string) error
	ListTopics(context.Context, store.TopicListQuery) ([]store.Topic, error)
	CountTopics(context.Context, store.TopicListQuery) (int, error)
	ListTopicsByAuthor(context.Context, string, int, int) ([]store.Topic, error)
	CountTopicsByAuthor(context.Context, string) (int, error)
	ToggleTopicLike(context.Context, string, string) (bool, int, error)
	IsTopicLiked(context.Context, string, string) (bool, error)

	CreateReply(context.Context, store.Reply) (store.Reply, error)
	ListReplies(context.Context, string, int, int) ([]store.Reply, error)
	CountReplies(context.Context, string) (int, error)
	ListRepliesByAuthor(context.Context, string, int, int) ([]store.Reply, error)
	CountRepliesByAuthor(context.Context, string) (int, error)

	CreateNotification(context.Context, store.Notification) error
	ListNotifications(context.Context, string, int, int) ([]store.Notification, error)
	CountNotifications(context.Context, string) (int, error)
	MarkNotificationsRead(context.Context, string) error
	ClearNotifications(context.Context, string) error
}

// pgDataStore adapts the Postgres store to dataStore so transactional
// callbacks receive the same interface.
type pgDataStore struct {
	*store.PostgresStore
}

func (p pgDataStore) RunInTx(ctx context.Context, fn func(tx dataStore) error) error {
	return p.PostgresStore.RunInTx(ctx, func(tx *store.PostgresStore) error {
		return fn(pgDataStore{tx})
	})
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexTopic(t search.TopicRecord)
	IndexReply(r search.ReplyRecord)
	DeleteTopic(id string)
}

type userCache interface {
	Forget(ctx context.Context, username string) error
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	renderer *markdown.Renderer
	rules    reputation.Rules
	search   searchIndex
	users    userCache
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Service)

func WithSearch(s *search.Service) Option {
	return func(svc *Service) {
		if s != nil {
			svc.search = s
		}
	}
}

// WithUserCache lets logins evict cached "no such user" answers.
func WithUserCache(c userCache) Option {
	return func(svc *Service) { svc.users = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(svc *Service) { svc.metrics = m }
}

func New(cfg config.Config, pg *store.PostgresStore, renderer *markdown.Renderer, rules reputation.Rules, opts ...Option) *Service {
	return newService(cfg, pgDataStore{pg}, renderer, rules, opts...)
}

func newService(cfg config.Config, ds dataStore, renderer *markdown.Renderer, rules reputation.Rules, opts ...Option) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    ds,
		renderer: renderer,
		rules:    rules,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	if s.users != nil {
		if err := s.users.Ping(ctx); err != nil {
			return fmt.Errorf("user cache: %w", err)
		}
	}
	return nil
}

// Login signs the user in by name, creating the account on first use.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	username := strings.TrimSpace(name)
	if !validUsername(username) {
		return Session{}, validationError("name", "Username must be 1-30 letters, digits or underscores")
	}

	user, err := s.store.EnsureUserByName(ctx, username)
	if err != nil {
		return Session{}, err
	}
	if s.users != nil {
		if err := s.users.Forget(ctx, user.Username); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("username", user.Username).Msg("evict user cache")
		}
	}
	return s.issueSession(user)
}

// validUsername accepts exactly the names a mention can reference.
func validUsername(name string) bool {
	if name == "" || len(name) > 30 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := s.now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Username, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		ExpiresAt: expiresAt,
	}, nil
}

// CurrentUser returns the account behind a session.
func (s *Service) CurrentUser(ctx context.Context, session Session) (UserView, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return UserView{}, err
	}
	view := newUserView(user)
	view.CanCreateTopic = s.rules.Can(user.Reputation, reputation.CapCreateTopic)
	view.CanCreateTool = s.rules.Can(user.Reputation, reputation.CapCreateTool)
	return view, nil
}

// render converts markdown for author. Any failure is logged and reported as
// errRenderFailed so nothing partial is persisted.
func (s *Service) render(ctx context.Context, author, source string) (markdown.Result, error) {
	started := time.Now()
	result, err := s.renderer.Render(ctx, author, source)
	s.metrics.ObserveRender(time.Since(started).Seconds(), len(result.Mentioned), err)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("author", author).Msg("render markdown")
		return markdown.Result{}, errRenderFailed
	}
	return result, nil
}

// grant rewards userID inside tx. The user row is locked so concurrent grants
// serialize on the running total.
func (s *Service) grant(ctx context.Context, tx dataStore, userID string, typ reputation.RewardType, ref reputation.Ref) error {
	user, err := tx.LockUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	total, err := s.rules.Reward(ctx, tx, userID, user.Reputation, typ, ref)
	if err != nil {
		return err
	}
	return tx.SetUserReputation(ctx, userID, total)
}

// notify creates one notification per recipient and raises their unread
// flag. The actor never notifies themselves.
func notify(ctx context.Context, tx dataStore, actorID string, recipients []store.User, n store.Notification) error {
	for _, user := range recipients {
		if user.ID == actorID {
			continue
		}
		n.RecipientID = user.ID
		n.ActorID = actorID
		if err := tx.CreateNotification(ctx, n); err != nil {
			return err
		}
		if err := tx.SetHasNotification(ctx, user.ID, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) indexTopic(t store.Topic) {
	if s.search == nil {
		return
	}
	s.search.IndexTopic(search.TopicRecord{
		ID:       t.ID,
		Title:    t.Title,
		Abstract: t.Abstract,
		Markdown: t.Markdown,
		NodeID:   t.NodeID,
		Author:   t.AuthorName,
	})
}

func (s *Service) indexReply(r store.Reply, nodeID string) {
	if s.search == nil {
		return
	}
	s.search.IndexReply(search.ReplyRecord{
		ID:         r.ID,
		TopicID:    r.TopicID,
		TopicTitle: r.TopicTitle,
		Markdown:   r.Markdown,
		NodeID:     nodeID,
		Author:     r.AuthorName,
	})
}

func notFoundAs(err error, what string) error {
	if store.IsNotFound(err) {
		return notFoundError(what)
	}
	return err
}
