package app

import (
	"context"
	"database/sql"
	"time"

	"niuforum/api/internal/config"
	"niuforum/api/internal/markdown"
	"niuforum/api/internal/reputation"
	"niuforum/api/internal/search"
	"niuforum/api/internal/store"
)

type fakeStore struct {
	pingFn                 func(context.Context) error
	ensureUserByNameFn     func(context.Context, string) (store.User, error)
	getUserByIDFn          func(context.Context, string) (store.User, error)
	getUserByUsernameFn    func(context.Context, string) (store.User, error)
	usersByUsernamesFn     func(context.Context, []string) ([]store.User, error)
	lockUserFn             func(context.Context, string) (store.User, error)
	setUserReputationFn    func(context.Context, string, int) error
	updateProfileFn        func(context.Context, string, store.Profile, bool) error
	listSectionsFn         func(context.Context) ([]store.Section, error)
	getNodeFn              func(context.Context, string) (store.Node, error)
	toggleNodeWatchFn      func(context.Context, string, string) (bool, error)
	createTopicFn          func(context.Context, store.Topic) (store.Topic, error)
	updateTopicContentFn   func(context.Context, store.Topic) error
	getTopicFn             func(context.Context, string) (store.Topic, error)
	lockTopicFn            func(context.Context, string) (store.Topic, error)
	recordReplyFn          func(context.Context, string, time.Time) (int, error)
	setTopicReplyRewardFn  func(context.Context, string) error
	setTopicLikeRewardFn   func(context.Context, string) error
	listTopicsFn           func(context.Context, store.TopicListQuery) ([]store.Topic, error)
	countTopicsFn          func(context.Context, store.TopicListQuery) (int, error)
	toggleTopicLikeFn      func(context.Context, string, string) (bool, int, error)
	createReplyFn          func(context.Context, store.Reply) (store.Reply, error)
	listRepliesFn          func(context.Context, string, int, int) ([]store.Reply, error)
	countRepliesFn         func(context.Context, string) (int, error)
	countNotificationsFn   func(context.Context, string) (int, error)
	listNotificationsFn    func(context.Context, string, int, int) ([]store.Notification, error)
	insertReputationStatFn func(context.Context, reputation.Stat) error
	listReputationStatsFn  func(context.Context, string) ([]reputation.Stat, error)
	isWatchingNodeFn       func(context.Context, string, string) (bool, error)
	deleteTopicFn          func(context.Context, string) error
	listTopicsByAuthorFn   func(context.Context, string, int, int) ([]store.Topic, error)
	countTopicsByAuthorFn  func(context.Context, string) (int, error)
	listRepliesByAuthorFn  func(context.Context, string, int, int) ([]store.Reply, error)
	countRepliesByAuthorFn func(context.Context, string) (int, error)

	txCount       int
	notifications []store.Notification
	notified      map[string]bool
	sections      []store.Section
	nodes         []store.Node
	topics        []store.Topic
	managers      []string
	markedRead    []string
	cleared       []string
	deleted       []string
}

func (f *fakeStore) RunInTx(ctx context.Context, fn func(tx dataStore) error) error {
	f.txCount++
	return fn(f)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, username string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, username)
	}
	return store.User{ID: "u-" + username, Username: username, DisplayName: username}, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID}, nil
}

func (f *fakeStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	if f.getUserByUsernameFn != nil {
		return f.getUserByUsernameFn(ctx, username)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) UsersByUsernames(ctx context.Context, names []string) ([]store.User, error) {
	if f.usersByUsernamesFn != nil {
		return f.usersByUsernamesFn(ctx, names)
	}
	users := make([]store.User, 0, len(names))
	for _, name := range names {
		users = append(users, store.User{ID: "u-" + name, Username: name})
	}
	return users, nil
}

func (f *fakeStore) LockUser(ctx context.Context, userID string) (store.User, error) {
	if f.lockUserFn != nil {
		return f.lockUserFn(ctx, userID)
	}
	return store.User{ID: userID}, nil
}

func (f *fakeStore) SetUserReputation(ctx context.Context, userID string, total int) error {
	if f.setUserReputationFn != nil {
		return f.setUserReputationFn(ctx, userID, total)
	}
	return nil
}

func (f *fakeStore) SetManager(_ context.Context, userID string) error {
	f.managers = append(f.managers, userID)
	return nil
}

func (f *fakeStore) SetHasNotification(_ context.Context, userID string, value bool) error {
	if f.notified == nil {
		f.notified = make(map[string]bool)
	}
	f.notified[userID] = value
	return nil
}

func (f *fakeStore) UpdateProfile(ctx context.Context, userID string, p store.Profile, reward bool) error {
	if f.updateProfileFn != nil {
		return f.updateProfileFn(ctx, userID, p, reward)
	}
	return nil
}

func (f *fakeStore) InsertReputationStat(ctx context.Context, stat reputation.Stat) error {
	if f.insertReputationStatFn != nil {
		return f.insertReputationStatFn(ctx, stat)
	}
	return nil
}

func (f *fakeStore) ListReputationStats(ctx context.Context, userID string) ([]reputation.Stat, error) {
	if f.listReputationStatsFn != nil {
		return f.listReputationStatsFn(ctx, userID)
	}
	return []reputation.Stat{}, nil
}

func (f *fakeStore) ListSections(ctx context.Context) ([]store.Section, error) {
	if f.listSectionsFn != nil {
		return f.listSectionsFn(ctx)
	}
	return f.sections, nil
}

func (f *fakeStore) EnsureSection(_ context.Context, sec store.Section) (store.Section, error) {
	sec.ID = "sec-" + sec.Slug
	f.sections = append(f.sections, sec)
	return sec, nil
}

func (f *fakeStore) EnsureNode(_ context.Context, n store.Node) (store.Node, error) {
	n.ID = "node-" + n.Slug
	f.nodes = append(f.nodes, n)
	return n, nil
}

func (f *fakeStore) GetNode(ctx context.Context, nodeID string) (store.Node, error) {
	if f.getNodeFn != nil {
		return f.getNodeFn(ctx, nodeID)
	}
	return store.Node{ID: nodeID, Name: "General"}, nil
}

func (f *fakeStore) IsWatchingNode(ctx context.Context, nodeID, userID string) (bool, error) {
	if f.isWatchingNodeFn != nil {
		return f.isWatchingNodeFn(ctx, nodeID, userID)
	}
	return false, nil
}

func (f *fakeStore) ToggleNodeWatch(ctx context.Context, nodeID, userID string) (bool, error) {
	if f.toggleNodeWatchFn != nil {
		return f.toggleNodeWatchFn(ctx, nodeID, userID)
	}
	return true, nil
}

func (f *fakeStore) CreateTopic(ctx context.Context, t store.Topic) (store.Topic, error) {
	if f.createTopicFn != nil {
		return f.createTopicFn(ctx, t)
	}
	t.ID = "topic-" + t.Title
	f.topics = append(f.topics, t)
	return t, nil
}

func (f *fakeStore) UpdateTopicContent(ctx context.Context, t store.Topic) error {
	if f.updateTopicContentFn != nil {
		return f.updateTopicContentFn(ctx, t)
	}
	return nil
}

func (f *fakeStore) DeleteTopic(ctx context.Context, topicID string) error {
	if f.deleteTopicFn != nil {
		return f.deleteTopicFn(ctx, topicID)
	}
	f.deleted = append(f.deleted, topicID)
	return nil
}

func (f *fakeStore) GetTopic(ctx context.Context, topicID string) (store.Topic, error) {
	if f.getTopicFn != nil {
		return f.getTopicFn(ctx, topicID)
	}
	return store.Topic{}, sql.ErrNoRows
}

func (f *fakeStore) LockTopic(ctx context.Context, topicID string) (store.Topic, error) {
	if f.lockTopicFn != nil {
		return f.lockTopicFn(ctx, topicID)
	}
	return f.GetTopic(ctx, topicID)
}

func (f *fakeStore) IncrementTopicViews(context.Context, string) error { return nil }

func (f *fakeStore) RecordReply(ctx context.Context, topicID string, at time.Time) (int, error) {
	if f.recordReplyFn != nil {
		return f.recordReplyFn(ctx, topicID, at)
	}
	return 1, nil
}

func (f *fakeStore) SetTopicReplyReward(ctx context.Context, topicID string) error {
	if f.setTopicReplyRewardFn != nil {
		return f.setTopicReplyRewardFn(ctx, topicID)
	}
	return nil
}

func (f *fakeStore) SetTopicLikeReward(ctx context.Context, topicID string) error {
	if f.setTopicLikeRewardFn != nil {
		return f.setTopicLikeRewardFn(ctx, topicID)
	}
	return nil
}

func (f *fakeStore) ListTopics(ctx context.Context, q store.TopicListQuery) ([]store.Topic, error) {
	if f.listTopicsFn != nil {
		return f.listTopicsFn(ctx, q)
	}
	return []store.Topic{}, nil
}

func (f *fakeStore) CountTopics(ctx context.Context, q store.TopicListQuery) (int, error) {
	if f.countTopicsFn != nil {
		return f.countTopicsFn(ctx, q)
	}
	return 0, nil
}

func (f *fakeStore) ListTopicsByAuthor(ctx context.Context, authorID string, limit, offset int) ([]store.Topic, error) {
	if f.listTopicsByAuthorFn != nil {
		return f.listTopicsByAuthorFn(ctx, authorID, limit, offset)
	}
	return []store.Topic{}, nil
}

func (f *fakeStore) CountTopicsByAuthor(ctx context.Context, authorID string) (int, error) {
	if f.countTopicsByAuthorFn != nil {
		return f.countTopicsByAuthorFn(ctx, authorID)
	}
	return 0, nil
}

func (f *fakeStore) ToggleTopicLike(ctx context.Context, topicID, userID string) (bool, int, error) {
	if f.toggleTopicLikeFn != nil {
		return f.toggleTopicLikeFn(ctx, topicID, userID)
	}
	return true, 1, nil
}

func (f *fakeStore) IsTopicLiked(context.Context, string, string) (bool, error) { return false, nil }

func (f *fakeStore) CreateReply(ctx context.Context, r store.Reply) (store.Reply, error) {
	if f.createReplyFn != nil {
		return f.createReplyFn(ctx, r)
	}
	r.ID = "reply-1"
	return r, nil
}

func (f *fakeStore) ListReplies(ctx context.Context, topicID string, limit, offset int) ([]store.Reply, error) {
	if f.listRepliesFn != nil {
		return f.listRepliesFn(ctx, topicID, limit, offset)
	}
	return []store.Reply{}, nil
}

func (f *fakeStore) CountReplies(ctx context.Context, topicID string) (int, error) {
	if f.countRepliesFn != nil {
		return f.countRepliesFn(ctx, topicID)
	}
	return 0, nil
}

func (f *fakeStore) ListRepliesByAuthor(ctx context.Context, authorID string, limit, offset int) ([]store.Reply, error) {
	if f.listRepliesByAuthorFn != nil {
		return f.listRepliesByAuthorFn(ctx, authorID, limit, offset)
	}
	return []store.Reply{}, nil
}

func (f *fakeStore) CountRepliesByAuthor(ctx context.Context, authorID string) (int, error) {
	if f.countRepliesByAuthorFn != nil {
		return f.countRepliesByAuthorFn(ctx, authorID)
	}
	return 0, nil
}

func (f *fakeStore) CreateNotification(_ context.Context, n store.Notification) error {
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeStore) ListNotifications(ctx context.Context, recipientID string, limit, offset int) ([]store.Notification, error) {
	if f.listNotificationsFn != nil {
		return f.listNotificationsFn(ctx, recipientID, limit, offset)
	}
	return []store.Notification{}, nil
}

func (f *fakeStore) CountNotifications(ctx context.Context, recipientID string) (int, error) {
	if f.countNotificationsFn != nil {
		return f.countNotificationsFn(ctx, recipientID)
	}
	return 0, nil
}

func (f *fakeStore) MarkNotificationsRead(_ context.Context, recipientID string) error {
	f.markedRead = append(f.markedRead, recipientID)
	return nil
}

func (f *fakeStore) ClearNotifications(_ context.Context, recipientID string) error {
	f.cleared = append(f.cleared, recipientID)
	return nil
}

type fakeSearch struct {
	topics  []string
	deleted []string
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexTopic(t search.TopicRecord) { f.topics = append(f.topics, t.ID) }

func (f *fakeSearch) IndexReply(search.ReplyRecord) {}

func (f *fakeSearch) DeleteTopic(id string) { f.deleted = append(f.deleted, id) }

// fakeDirectory resolves mentions against a fixed set of usernames.
type fakeDirectory struct {
	users map[string]bool
	err   error
}

func (d *fakeDirectory) UserExists(_ context.Context, username string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	return d.users[username], nil
}

func newTestService(fs *fakeStore, dir *fakeDirectory, opts ...Option) *Service {
	if dir == nil {
		dir = &fakeDirectory{}
	}
	renderer := markdown.New(markdown.PlainFormatter{}, markdown.NewMentionLinker(dir, markdown.DefaultProfileURL))
	cfg := config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour}
	return newService(cfg, fs, renderer, reputation.DefaultRules(), opts...)
}
