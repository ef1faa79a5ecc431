package store

import "time"

type User struct {
	ID                string
	Username          string
	DisplayName       string
	Email             string
	Description       string
	Website           string
	Company           string
	Location          string
	GitHub            string
	GitLab            string
	Avatar            string
	Reputation        int
	HasNotification   bool
	ProfileInitReward bool
	IsManager         bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Profile is the user-editable part of a user record.
type Profile struct {
	DisplayName string
	Email       string
	Description string
	Website     string
	Company     string
	Location    string
	GitHub      string
	GitLab      string
	Avatar      string
}

type Section struct {
	ID          string
	Name        string
	Slug        string
	Description string
	SortOrder   int
	Nodes       []Node
}

type Node struct {
	ID          string
	SectionID   string
	Name        string
	Slug        string
	Description string
	IsTrash     bool
	SortOrder   int
}

type Topic struct {
	ID            string
	NodeID        string
	NodeName      string
	AuthorID      string
	AuthorName    string
	Title         string
	Markdown      string
	Content       string
	Abstract      string
	Viewed        int
	ReplyCount    int
	LikeCount     int
	LastRepliedAt time.Time
	Rank          int
	ReplyReward   bool
	LikeReward    bool
	AdminStar     bool
	Editable      bool
	Deleted       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Reply struct {
	ID         string
	TopicID    string
	TopicTitle string
	AuthorID   string
	AuthorName string
	Markdown   string
	Content    string
	CreatedAt  time.Time
}

type NotificationKind string

const (
	NotifyTopicMention NotificationKind = "topic_mention"
	NotifyReplyMention NotificationKind = "reply_mention"
	NotifyTopicReply   NotificationKind = "topic_reply"
)

type Notification struct {
	ID          string
	RecipientID string
	ActorID     string
	ActorName   string
	Kind        NotificationKind
	TopicID     *string
	TopicTitle  string
	ReplyID     *string
	IsRead      bool
	CreatedAt   time.Time
}

// TopicFilter selects the ordering of a topic list.
type TopicFilter string

const (
	FilterDefault TopicFilter = "default"
	FilterStar    TopicFilter = "star"
	FilterLatest  TopicFilter = "latest"
	FilterReply   TopicFilter = "reply"
)

func ParseTopicFilter(raw string) TopicFilter {
	switch TopicFilter(raw) {
	case FilterStar, FilterLatest, FilterReply:
		return TopicFilter(raw)
	default:
		return FilterDefault
	}
}

// TopicListQuery lists topics across all nodes when NodeID is empty.
type TopicListQuery struct {
	NodeID string
	Filter TopicFilter
	Limit  int
	Offset int
}
