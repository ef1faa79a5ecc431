package app

import (
	"context"
	"strings"
	"unicode/utf8"

	"niuforum/api/internal/pagination"
	"niuforum/api/internal/reputation"
	"niuforum/api/internal/search"
	"niuforum/api/internal/store"
)

type ProfileInput struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Description string `json:"description"`
	Website     string `json:"website"`
	Company     string `json:"company"`
	Location    string `json:"location"`
	GitHub      string `json:"github"`
	GitLab      string `json:"gitlab"`
	// Avatar is an opaque handle issued by the file storage service.
	Avatar string `json:"avatar"`
}

var profileLimits = []struct {
	field string
	max   int
	value func(ProfileInput) string
}{
	{"displayName", 30, func(p ProfileInput) string { return p.DisplayName }},
	{"email", 254, func(p ProfileInput) string { return p.Email }},
	{"description", 500, func(p ProfileInput) string { return p.Description }},
	{"website", 200, func(p ProfileInput) string { return p.Website }},
	{"company", 100, func(p ProfileInput) string { return p.Company }},
	{"location", 100, func(p ProfileInput) string { return p.Location }},
	{"github", 100, func(p ProfileInput) string { return p.GitHub }},
	{"gitlab", 100, func(p ProfileInput) string { return p.GitLab }},
	{"avatar", 300, func(p ProfileInput) string { return p.Avatar }},
}

func (p ProfileInput) trimmed() store.Profile {
	return store.Profile{
		DisplayName: strings.TrimSpace(p.DisplayName),
		Email:       strings.TrimSpace(p.Email),
		Description: strings.TrimSpace(p.Description),
		Website:     strings.TrimSpace(p.Website),
		Company:     strings.TrimSpace(p.Company),
		Location:    strings.TrimSpace(p.Location),
		GitHub:      strings.TrimSpace(p.GitHub),
		GitLab:      strings.TrimSpace(p.GitLab),
		Avatar:      strings.TrimSpace(p.Avatar),
	}
}

func (s *Service) UserProfile(ctx context.Context, username string) (ProfileView, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return ProfileView{}, notFoundAs(err, "User")
	}
	stats, err := s.store.ListReputationStats(ctx, user.ID)
	if err != nil {
		return ProfileView{}, err
	}
	return ProfileView{
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Avatar:      user.Avatar,
		Description: user.Description,
		Website:     user.Website,
		Company:     user.Company,
		Location:    user.Location,
		GitHub:      user.GitHub,
		GitLab:      user.GitLab,
		Reputation:  user.Reputation,
		History:     newReputationViews(stats),
		JoinedAt:    user.CreatedAt,
	}, nil
}

// UpdateProfile saves the profile. The first save that carries both an
// avatar and a display name earns the profile reward.
func (s *Service) UpdateProfile(ctx context.Context, session Session, input ProfileInput) (UserView, error) {
	for _, limit := range profileLimits {
		if utf8.RuneCountInString(limit.value(input)) > limit.max {
			return UserView{}, validationError(limit.field, "Value is too long")
		}
	}
	profile := input.trimmed()

	var rewarded bool
	err := s.store.RunInTx(ctx, func(tx dataStore) error {
		user, err := tx.LockUser(ctx, session.UserID)
		if err != nil {
			return err
		}
		earned := user.ProfileInitReward
		if !earned && reputation.ProfileComplete(profile.Avatar, profile.DisplayName) {
			if err := s.grant(ctx, tx, user.ID, reputation.RewardProfileInit, reputation.Ref{}); err != nil {
				return err
			}
			earned, rewarded = true, true
		}
		return tx.UpdateProfile(ctx, user.ID, profile, earned)
	})
	if err != nil {
		return UserView{}, err
	}
	if rewarded {
		s.metrics.ObserveReward(string(reputation.RewardProfileInit))
	}
	return s.CurrentUser(ctx, session)
}

// UserReplies lists a user's replies, newest first.
func (s *Service) UserReplies(ctx context.Context, username, rawPage string) (ReplyList, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return ReplyList{}, notFoundAs(err, "User")
	}
	count, err := s.store.CountRepliesByAuthor(ctx, user.ID)
	if err != nil {
		return ReplyList{}, err
	}
	pager := pagination.Resolve(rawPage, count, pagination.UserContentPageSize, pagination.FallbackFirst)
	replies, err := s.store.ListRepliesByAuthor(ctx, user.ID, pager.Limit(), pager.Offset())
	if err != nil {
		return ReplyList{}, err
	}
	return ReplyList{Replies: newReplyViews(replies), Page: newPageView(pager)}, nil
}

// UserTopics lists a user's topics, newest first.
func (s *Service) UserTopics(ctx context.Context, username, rawPage string) (TopicList, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return TopicList{}, notFoundAs(err, "User")
	}
	count, err := s.store.CountTopicsByAuthor(ctx, user.ID)
	if err != nil {
		return TopicList{}, err
	}
	pager := pagination.Resolve(rawPage, count, pagination.UserContentPageSize, pagination.FallbackFirst)
	topics, err := s.store.ListTopicsByAuthor(ctx, user.ID, pager.Limit(), pager.Offset())
	if err != nil {
		return TopicList{}, err
	}
	return TopicList{Filter: string(store.FilterLatest), Topics: newTopicViews(topics), Page: newPageView(pager)}, nil
}

// Notifications returns one page of the user's notifications and marks them
// all read.
func (s *Service) Notifications(ctx context.Context, session Session, rawPage string) (NotificationList, error) {
	count, err := s.store.CountNotifications(ctx, session.UserID)
	if err != nil {
		return NotificationList{}, err
	}
	pager := pagination.Resolve(rawPage, count, pagination.NotificationPageSize, pagination.FallbackFirst)
	items, err := s.store.ListNotifications(ctx, session.UserID, pager.Limit(), pager.Offset())
	if err != nil {
		return NotificationList{}, err
	}

	err = s.store.RunInTx(ctx, func(tx dataStore) error {
		if err := tx.MarkNotificationsRead(ctx, session.UserID); err != nil {
			return err
		}
		return tx.SetHasNotification(ctx, session.UserID, false)
	})
	if err != nil {
		return NotificationList{}, err
	}
	return NotificationList{Notifications: newNotificationViews(items), Page: newPageView(pager)}, nil
}

func (s *Service) ClearNotifications(ctx context.Context, session Session) error {
	return s.store.ClearNotifications(ctx, session.UserID)
}

const searchPageSize = 20

func (s *Service) Search(ctx context.Context, text, resultType, nodeID, rawPage string) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, validationError("q", "Search query is required")
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	page, ok := pagination.ParsePage(rawPage)
	if !ok {
		page = 1
	}
	return s.search.Search(ctx, search.Query{
		Text:         text,
		FilterType:   search.ParseResultType(resultType),
		FilterNodeID: nodeID,
		Limit:        searchPageSize,
		Offset:       (page - 1) * searchPageSize,
	}), nil
}
