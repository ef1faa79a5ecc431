package app

import (
	"time"

	"niuforum/api/internal/pagination"
	"niuforum/api/internal/reputation"
	"niuforum/api/internal/store"
)

type UserView struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	DisplayName     string `json:"displayName"`
	Avatar          string `json:"avatar"`
	Reputation      int    `json:"reputation"`
	HasNotification bool   `json:"hasNotification"`
	IsManager       bool   `json:"isManager"`
	CanCreateTopic  bool   `json:"canCreateTopic"`
	CanCreateTool   bool   `json:"canCreateTool"`
}

func newUserView(u store.User) UserView {
	return UserView{
		ID:              u.ID,
		Username:        u.Username,
		DisplayName:     u.DisplayName,
		Avatar:          u.Avatar,
		Reputation:      u.Reputation,
		HasNotification: u.HasNotification,
		IsManager:       u.IsManager,
	}
}

// ProfileView is the public profile page of a user.
type ProfileView struct {
	Username    string           `json:"username"`
	DisplayName string           `json:"displayName"`
	Avatar      string           `json:"avatar"`
	Description string           `json:"description"`
	Website     string           `json:"website"`
	Company     string           `json:"company"`
	Location    string           `json:"location"`
	GitHub      string           `json:"github"`
	GitLab      string           `json:"gitlab"`
	Reputation  int              `json:"reputation"`
	History     []ReputationView `json:"history"`
	JoinedAt    time.Time        `json:"joinedAt"`
}

type ReputationView struct {
	Type      string    `json:"type"`
	Amount    int       `json:"amount"`
	Total     int       `json:"total"`
	TopicID   *string   `json:"topicId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func newReputationViews(stats []reputation.Stat) []ReputationView {
	views := make([]ReputationView, 0, len(stats))
	for _, st := range stats {
		views = append(views, ReputationView{
			Type:      string(st.Type),
			Amount:    st.Amount,
			Total:     st.Total,
			TopicID:   st.TopicID,
			CreatedAt: st.CreatedAt,
		})
	}
	return views
}

type PageView struct {
	Number      int   `json:"number"`
	NumPages    int   `json:"numPages"`
	Count       int   `json:"count"`
	Window      []int `json:"window"`
	HasNext     bool  `json:"hasNext"`
	HasPrevious bool  `json:"hasPrevious"`
}

func newPageView(p pagination.Pager) PageView {
	return PageView{
		Number:      p.Number,
		NumPages:    p.NumPages,
		Count:       p.Count,
		Window:      p.Window(pagination.DefaultRadius),
		HasNext:     p.HasNext(),
		HasPrevious: p.HasPrevious(),
	}
}

type NodeView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	IsTrash     bool   `json:"isTrash"`
}

func newNodeView(n store.Node) NodeView {
	return NodeView{ID: n.ID, Name: n.Name, Slug: n.Slug, Description: n.Description, IsTrash: n.IsTrash}
}

type SectionView struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Nodes []NodeView `json:"nodes"`
}

type TopicView struct {
	ID            string    `json:"id"`
	NodeID        string    `json:"nodeId"`
	NodeName      string    `json:"nodeName"`
	Author        string    `json:"author"`
	Title         string    `json:"title"`
	Abstract      string    `json:"abstract"`
	Content       string    `json:"content,omitempty"`
	Markdown      string    `json:"markdown,omitempty"`
	Viewed        int       `json:"viewed"`
	ReplyCount    int       `json:"replyCount"`
	LikeCount     int       `json:"likeCount"`
	AdminStar     bool      `json:"adminStar"`
	LastRepliedAt time.Time `json:"lastRepliedAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// newTopicView omits the body; detail views set it explicitly.
func newTopicView(t store.Topic) TopicView {
	return TopicView{
		ID:            t.ID,
		NodeID:        t.NodeID,
		NodeName:      t.NodeName,
		Author:        t.AuthorName,
		Title:         t.Title,
		Abstract:      t.Abstract,
		Viewed:        t.Viewed,
		ReplyCount:    t.ReplyCount,
		LikeCount:     t.LikeCount,
		AdminStar:     t.AdminStar,
		LastRepliedAt: t.LastRepliedAt,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func newTopicViews(topics []store.Topic) []TopicView {
	views := make([]TopicView, 0, len(topics))
	for _, t := range topics {
		views = append(views, newTopicView(t))
	}
	return views
}

type ReplyView struct {
	ID         string    `json:"id"`
	TopicID    string    `json:"topicId"`
	TopicTitle string    `json:"topicTitle"`
	Author     string    `json:"author"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newReplyViews(replies []store.Reply) []ReplyView {
	views := make([]ReplyView, 0, len(replies))
	for _, r := range replies {
		views = append(views, ReplyView{
			ID:         r.ID,
			TopicID:    r.TopicID,
			TopicTitle: r.TopicTitle,
			Author:     r.AuthorName,
			Content:    r.Content,
			CreatedAt:  r.CreatedAt,
		})
	}
	return views
}

type NotificationView struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Actor      string    `json:"actor"`
	TopicID    *string   `json:"topicId,omitempty"`
	TopicTitle string    `json:"topicTitle"`
	ReplyID    *string   `json:"replyId,omitempty"`
	IsRead     bool      `json:"isRead"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newNotificationViews(items []store.Notification) []NotificationView {
	views := make([]NotificationView, 0, len(items))
	for _, n := range items {
		views = append(views, NotificationView{
			ID:         n.ID,
			Kind:       string(n.Kind),
			Actor:      n.ActorName,
			TopicID:    n.TopicID,
			TopicTitle: n.TopicTitle,
			ReplyID:    n.ReplyID,
			IsRead:     n.IsRead,
			CreatedAt:  n.CreatedAt,
		})
	}
	return views
}

type TopicList struct {
	Node     *NodeView   `json:"node,omitempty"`
	Watching bool        `json:"watching"`
	Filter   string      `json:"filter"`
	Topics   []TopicView `json:"topics"`
	Page     PageView    `json:"page"`
}

type TopicDetail struct {
	Topic    TopicView   `json:"topic"`
	Replies  []ReplyView `json:"replies"`
	Page     PageView    `json:"page"`
	Liked    bool        `json:"liked"`
	Editable bool        `json:"editable"`
}

type ReplyList struct {
	Replies []ReplyView `json:"replies"`
	Page    PageView    `json:"page"`
}

type NotificationList struct {
	Notifications []NotificationView `json:"notifications"`
	Page          PageView           `json:"page"`
}

type Preview struct {
	HTML      string   `json:"html"`
	Abstract  string   `json:"abstract"`
	Mentioned []string `json:"mentioned"`
}
