package app

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"niuforum/api/internal/pagination"
	"niuforum/api/internal/reputation"
	"niuforum/api/internal/store"
)

const maxTitleLength = 120

type TopicInput struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
	NodeID   string `json:"nodeId"`
}

type forumSeed struct {
	name  string
	slug  string
	order int
	nodes []store.Node
}

var defaultSection = forumSeed{
	name:  "Community",
	slug:  "community",
	order: 1,
	nodes: []store.Node{
		{Name: "Announcements", Slug: "announcements", Description: "Announcements", SortOrder: 1},
		{Name: "Feedback", Slug: "feedback", Description: "Feedback", SortOrder: 1},
		{Name: "Trash", Slug: "trash", Description: "Trash", IsTrash: true, SortOrder: 1},
	},
}

var seedTopics = []string{"about", "privacy", "credit", "topic"}

// InitForum makes username a manager and, on an empty forum, creates the
// default section with its nodes and the placeholder topics.
func (s *Service) InitForum(ctx context.Context, username string) error {
	logger := zerolog.Ctx(ctx)
	return s.store.RunInTx(ctx, func(tx dataStore) error {
		user, err := tx.GetUserByUsername(ctx, username)
		if err != nil {
			return notFoundAs(err, "User")
		}
		if err := tx.SetManager(ctx, user.ID); err != nil {
			return err
		}

		sections, err := tx.ListSections(ctx)
		if err != nil {
			return err
		}
		if len(sections) > 0 {
			logger.Info().Str("manager", username).Msg("forum already initialized")
			return nil
		}

		section, err := tx.EnsureSection(ctx, store.Section{
			Name:        defaultSection.name,
			Slug:        defaultSection.slug,
			Description: defaultSection.name,
			SortOrder:   defaultSection.order,
		})
		if err != nil {
			return err
		}
		var last store.Node
		for _, n := range defaultSection.nodes {
			n.SectionID = section.ID
			if last, err = tx.EnsureNode(ctx, n); err != nil {
				return err
			}
		}
		for _, title := range seedTopics {
			if _, err := tx.CreateTopic(ctx, store.Topic{
				NodeID:   last.ID,
				AuthorID: user.ID,
				Title:    title,
				Rank:     topicRank(last),
			}); err != nil {
				return err
			}
		}
		logger.Info().Str("manager", username).Str("section", section.Slug).Msg("forum initialized")
		return nil
	})
}

func (s *Service) ListSections(ctx context.Context) ([]SectionView, error) {
	sections, err := s.store.ListSections(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]SectionView, 0, len(sections))
	for _, sec := range sections {
		view := SectionView{ID: sec.ID, Name: sec.Name, Nodes: make([]NodeView, 0, len(sec.Nodes))}
		for _, n := range sec.Nodes {
			view.Nodes = append(view.Nodes, newNodeView(n))
		}
		views = append(views, view)
	}
	return views, nil
}

// ListTopics lists topics of one node, or of all nodes when nodeID is empty.
// viewerID may be empty for anonymous readers.
func (s *Service) ListTopics(ctx context.Context, viewerID, nodeID, filter, rawPage string) (TopicList, error) {
	query := store.TopicListQuery{NodeID: nodeID, Filter: store.ParseTopicFilter(filter)}
	list := TopicList{Filter: string(query.Filter)}

	if nodeID != "" {
		node, err := s.store.GetNode(ctx, nodeID)
		if err != nil {
			return TopicList{}, notFoundAs(err, "Node")
		}
		view := newNodeView(node)
		list.Node = &view
		if viewerID != "" {
			if list.Watching, err = s.store.IsWatchingNode(ctx, nodeID, viewerID); err != nil {
				return TopicList{}, err
			}
		}
	}

	count, err := s.store.CountTopics(ctx, query)
	if err != nil {
		return TopicList{}, err
	}
	pager := pagination.Resolve(rawPage, count, pagination.TopicPageSize, pagination.FallbackFirst)
	query.Limit, query.Offset = pager.Limit(), pager.Offset()

	topics, err := s.store.ListTopics(ctx, query)
	if err != nil {
		return TopicList{}, err
	}
	list.Topics = newTopicViews(topics)
	list.Page = newPageView(pager)
	return list, nil
}

// GetTopic counts a view and returns the topic with one page of replies.
// Without a valid page the last page is shown.
func (s *Service) GetTopic(ctx context.Context, viewerID, topicID, rawPage string) (TopicDetail, error) {
	if err := s.store.IncrementTopicViews(ctx, topicID); err != nil {
		return TopicDetail{}, notFoundAs(err, "Topic")
	}
	topic, err := s.store.GetTopic(ctx, topicID)
	if err != nil {
		return TopicDetail{}, notFoundAs(err, "Topic")
	}

	count, err := s.store.CountReplies(ctx, topicID)
	if err != nil {
		return TopicDetail{}, err
	}
	pager := pagination.Resolve(rawPage, count, pagination.ReplyPageSize, pagination.FallbackLast)
	replies, err := s.store.ListReplies(ctx, topicID, pager.Limit(), pager.Offset())
	if err != nil {
		return TopicDetail{}, err
	}

	detail := TopicDetail{
		Topic:    newTopicView(topic),
		Replies:  newReplyViews(replies),
		Page:     newPageView(pager),
		Editable: viewerID != "" && viewerID == topic.AuthorID && topic.Editable,
	}
	detail.Topic.Content = topic.Content
	detail.Topic.Markdown = topic.Markdown
	if viewerID != "" {
		if detail.Liked, err = s.store.IsTopicLiked(ctx, topicID, viewerID); err != nil {
			return TopicDetail{}, err
		}
	}
	return detail, nil
}

func validateTopic(input TopicInput) (TopicInput, error) {
	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		return input, validationError("title", "Title is required")
	}
	if utf8.RuneCountInString(input.Title) > maxTitleLength {
		return input, validationError("title", "Title must be at most 120 characters")
	}
	if strings.TrimSpace(input.Markdown) == "" {
		return input, validationError("markdown", "Content is required")
	}
	if strings.TrimSpace(input.NodeID) == "" {
		return input, validationError("nodeId", "Node is required")
	}
	return input, nil
}

// topicRank sinks topics in trash nodes below everything else.
func topicRank(n store.Node) int {
	if n.IsTrash {
		return 0
	}
	return 10
}

func (s *Service) topicNode(ctx context.Context, nodeID string) (store.Node, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Node{}, validationError("nodeId", "Node does not exist")
		}
		return store.Node{}, err
	}
	return node, nil
}

func (s *Service) CreateTopic(ctx context.Context, session Session, input TopicInput) (TopicView, error) {
	input, err := validateTopic(input)
	if err != nil {
		return TopicView{}, err
	}
	author, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return TopicView{}, err
	}
	if !s.rules.Can(author.Reputation, reputation.CapCreateTopic) {
		return TopicView{}, forbiddenError("Not enough reputation to create topics")
	}
	node, err := s.topicNode(ctx, input.NodeID)
	if err != nil {
		return TopicView{}, err
	}
	rendered, err := s.render(ctx, author.Username, input.Markdown)
	if err != nil {
		return TopicView{}, err
	}

	var topic store.Topic
	err = s.store.RunInTx(ctx, func(tx dataStore) error {
		topic, err = tx.CreateTopic(ctx, store.Topic{
			NodeID:   node.ID,
			AuthorID: author.ID,
			Title:    input.Title,
			Markdown: input.Markdown,
			Content:  rendered.HTML,
			Abstract: rendered.Abstract,
			Rank:     topicRank(node),
		})
		if err != nil {
			return err
		}
		mentioned, err := tx.UsersByUsernames(ctx, rendered.Mentioned)
		if err != nil {
			return err
		}
		return notify(ctx, tx, author.ID, mentioned, store.Notification{
			Kind:    store.NotifyTopicMention,
			TopicID: &topic.ID,
		})
	})
	if err != nil {
		return TopicView{}, err
	}

	s.indexTopic(topic)
	view := newTopicView(topic)
	view.Content = topic.Content
	return view, nil
}

// UpdateTopic re-renders an existing topic. Only its author may edit it.
func (s *Service) UpdateTopic(ctx context.Context, session Session, topicID string, input TopicInput) (TopicView, error) {
	topic, err := s.store.GetTopic(ctx, topicID)
	if err != nil {
		return TopicView{}, notFoundAs(err, "Topic")
	}
	if topic.AuthorID != session.UserID || !topic.Editable {
		return TopicView{}, forbiddenError("Only the author can edit this topic")
	}
	input, err = validateTopic(input)
	if err != nil {
		return TopicView{}, err
	}
	node, err := s.topicNode(ctx, input.NodeID)
	if err != nil {
		return TopicView{}, err
	}
	rendered, err := s.render(ctx, session.UserName, input.Markdown)
	if err != nil {
		return TopicView{}, err
	}

	topic.NodeID = node.ID
	topic.NodeName = node.Name
	topic.Title = input.Title
	topic.Markdown = input.Markdown
	topic.Content = rendered.HTML
	topic.Abstract = rendered.Abstract
	topic.Rank = topicRank(node)
	if err := s.store.UpdateTopicContent(ctx, topic); err != nil {
		return TopicView{}, notFoundAs(err, "Topic")
	}

	s.indexTopic(topic)
	view := newTopicView(topic)
	view.Content = topic.Content
	return view, nil
}

// DeleteTopic hides a topic from the forum and the search index. Only
// managers may delete.
func (s *Service) DeleteTopic(ctx context.Context, session Session, topicID string) error {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return err
	}
	if !user.IsManager {
		return forbiddenError("Only managers can delete topics")
	}
	if err := s.store.DeleteTopic(ctx, topicID); err != nil {
		return notFoundAs(err, "Topic")
	}
	zerolog.Ctx(ctx).Info().Str("topic", topicID).Str("manager", user.Username).Msg("topic deleted")
	if s.search != nil {
		s.search.DeleteTopic(topicID)
	}
	return nil
}

// ReplyTopic adds a reply. The topic row stays locked while the reply
// counter moves so the reply milestone is granted at most once.
func (s *Service) ReplyTopic(ctx context.Context, session Session, topicID, source string) (ReplyView, error) {
	if strings.TrimSpace(source) == "" {
		return ReplyView{}, validationError("markdown", "Content is required")
	}
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return ReplyView{}, notFoundAs(err, "Topic")
	}
	rendered, err := s.render(ctx, session.UserName, source)
	if err != nil {
		return ReplyView{}, err
	}

	var (
		reply    store.Reply
		topic    store.Topic
		rewarded bool
	)
	err = s.store.RunInTx(ctx, func(tx dataStore) error {
		topic, err = tx.LockTopic(ctx, topicID)
		if err != nil {
			return notFoundAs(err, "Topic")
		}
		count, err := tx.RecordReply(ctx, topicID, s.now())
		if err != nil {
			return err
		}
		if !topic.ReplyReward && s.rules.ReplyMilestone(count) {
			if err := s.grant(ctx, tx, topic.AuthorID, reputation.RewardTopicReply, reputation.TopicRef(topic.ID)); err != nil {
				return err
			}
			if err := tx.SetTopicReplyReward(ctx, topic.ID); err != nil {
				return err
			}
			rewarded = true
		}

		reply, err = tx.CreateReply(ctx, store.Reply{
			TopicID:  topic.ID,
			AuthorID: session.UserID,
			Markdown: source,
			Content:  rendered.HTML,
		})
		if err != nil {
			return err
		}
		reply.TopicTitle = topic.Title
		reply.AuthorName = session.UserName

		mentioned, err := tx.UsersByUsernames(ctx, rendered.Mentioned)
		if err != nil {
			return err
		}
		if err := notify(ctx, tx, session.UserID, mentioned, store.Notification{
			Kind:    store.NotifyReplyMention,
			TopicID: &topic.ID,
			ReplyID: &reply.ID,
		}); err != nil {
			return err
		}
		if containsUser(mentioned, topic.AuthorID) {
			return nil
		}
		return notify(ctx, tx, session.UserID, []store.User{{ID: topic.AuthorID}}, store.Notification{
			Kind:    store.NotifyTopicReply,
			TopicID: &topic.ID,
			ReplyID: &reply.ID,
		})
	})
	if err != nil {
		return ReplyView{}, err
	}

	if rewarded {
		s.metrics.ObserveReward(string(reputation.RewardTopicReply))
	}
	s.indexReply(reply, topic.NodeID)
	return newReplyViews([]store.Reply{reply})[0], nil
}

func containsUser(users []store.User, id string) bool {
	for _, u := range users {
		if u.ID == id {
			return true
		}
	}
	return false
}

type LikeState struct {
	TopicID string `json:"topicId"`
	Liked   bool   `json:"liked"`
	Count   int    `json:"count"`
}

// ToggleLike flips the viewer's like. Reaching the like milestone rewards
// the topic author once.
func (s *Service) ToggleLike(ctx context.Context, session Session, topicID string) (LikeState, error) {
	state := LikeState{TopicID: topicID}
	var rewarded bool
	err := s.store.RunInTx(ctx, func(tx dataStore) error {
		topic, err := tx.LockTopic(ctx, topicID)
		if err != nil {
			return notFoundAs(err, "Topic")
		}
		state.Liked, state.Count, err = tx.ToggleTopicLike(ctx, topicID, session.UserID)
		if err != nil {
			return err
		}
		if !state.Liked || topic.LikeReward || !s.rules.LikeMilestone(state.Count) {
			return nil
		}
		if err := s.grant(ctx, tx, topic.AuthorID, reputation.RewardTopicLike, reputation.TopicRef(topic.ID)); err != nil {
			return err
		}
		rewarded = true
		return tx.SetTopicLikeReward(ctx, topic.ID)
	})
	if err != nil {
		return LikeState{}, err
	}
	if rewarded {
		s.metrics.ObserveReward(string(reputation.RewardTopicLike))
	}
	return state, nil
}

type WatchState struct {
	NodeID   string `json:"nodeId"`
	Watching bool   `json:"watching"`
}

func (s *Service) ToggleWatch(ctx context.Context, session Session, nodeID string) (WatchState, error) {
	if _, err := s.store.GetNode(ctx, nodeID); err != nil {
		return WatchState{}, notFoundAs(err, "Node")
	}
	watching, err := s.store.ToggleNodeWatch(ctx, nodeID, session.UserID)
	if err != nil {
		return WatchState{}, err
	}
	return WatchState{NodeID: nodeID, Watching: watching}, nil
}

// RenderPreview renders markdown for the editor preview without storing it.
func (s *Service) RenderPreview(ctx context.Context, session Session, source string) (Preview, error) {
	rendered, err := s.render(ctx, session.UserName, source)
	if err != nil {
		return Preview{}, err
	}
	mentioned := rendered.Mentioned
	if mentioned == nil {
		mentioned = []string{}
	}
	return Preview{HTML: rendered.HTML, Abstract: rendered.Abstract, Mentioned: mentioned}, nil
}
