// Package reputation holds the reward and capability rules for user
// reputation. Rules are loaded once at startup and are read-only afterwards.
package reputation

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

type RewardType string
type Capability string

const (
	RewardProfileInit RewardType = "profile_init"
	RewardTopicReply  RewardType = "topic_reply"
	RewardTopicLike   RewardType = "topic_like"
)

const (
	CapCreateTopic Capability = "create_topic"
	CapCreateTool  Capability = "create_tool"
)

var (
	rewardTypes  = []RewardType{RewardProfileInit, RewardTopicReply, RewardTopicLike}
	capabilities = []Capability{CapCreateTopic, CapCreateTool}
)

// Milestones are the counts at which a topic's author is rewarded.
type Milestones struct {
	TopicReplies int `yaml:"topic_replies"`
	TopicLikes   int `yaml:"topic_likes"`
}

type Rules struct {
	Rewards    map[RewardType]int `yaml:"rewards"`
	Thresholds map[Capability]int `yaml:"thresholds"`
	Milestones Milestones         `yaml:"milestones"`
}

func DefaultRules() Rules {
	return Rules{
		Rewards: map[RewardType]int{
			RewardProfileInit: 20,
			RewardTopicReply:  5,
			RewardTopicLike:   5,
		},
		Thresholds: map[Capability]int{
			CapCreateTopic: 0,
			CapCreateTool:  50,
		},
		Milestones: Milestones{TopicReplies: 10, TopicLikes: 10},
	}
}

// LoadRules reads rules from a YAML file. Keys present in the file override
// the defaults. An empty path returns the defaults.
func LoadRules(path string) (Rules, error) {
	if strings.TrimSpace(path) == "" {
		rules := DefaultRules()
		return rules, rules.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read reputation rules: %w", err)
	}
	return ParseRules(data)
}

func ParseRules(data []byte) (Rules, error) {
	var file Rules
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Rules{}, fmt.Errorf("parse reputation rules: %w", err)
	}
	rules := DefaultRules()
	for typ, amount := range file.Rewards {
		rules.Rewards[typ] = amount
	}
	for capability, threshold := range file.Thresholds {
		rules.Thresholds[capability] = threshold
	}
	if file.Milestones.TopicReplies != 0 {
		rules.Milestones.TopicReplies = file.Milestones.TopicReplies
	}
	if file.Milestones.TopicLikes != 0 {
		rules.Milestones.TopicLikes = file.Milestones.TopicLikes
	}
	return rules, rules.Validate()
}

// Validate reports every missing or unknown key. Rules that fail validation
// must not be used to serve requests.
func (r Rules) Validate() error {
	var errs []error
	for _, typ := range rewardTypes {
		if _, ok := r.Rewards[typ]; !ok {
			errs = append(errs, fmt.Errorf("reward %q is not configured", typ))
		}
	}
	for typ := range r.Rewards {
		if !slices.Contains(rewardTypes, typ) {
			errs = append(errs, fmt.Errorf("unknown reward %q", typ))
		}
	}
	for _, capability := range capabilities {
		if _, ok := r.Thresholds[capability]; !ok {
			errs = append(errs, fmt.Errorf("threshold %q is not configured", capability))
		}
	}
	for capability := range r.Thresholds {
		if !slices.Contains(capabilities, capability) {
			errs = append(errs, fmt.Errorf("unknown capability %q", capability))
		}
	}
	if r.Milestones.TopicReplies < 1 || r.Milestones.TopicLikes < 1 {
		errs = append(errs, errors.New("milestones must be positive"))
	}
	return errors.Join(errs...)
}

// Can reports whether a reputation total unlocks the capability. Unknown
// capabilities are never granted.
func (r Rules) Can(reputation int, capability Capability) bool {
	threshold, ok := r.Thresholds[capability]
	if !ok {
		return false
	}
	return reputation >= threshold
}

func (r Rules) ReplyMilestone(replyCount int) bool {
	return replyCount >= r.Milestones.TopicReplies
}

func (r Rules) LikeMilestone(likeCount int) bool {
	return likeCount >= r.Milestones.TopicLikes
}

// ProfileComplete reports whether a profile qualifies for the first-time
// completion reward.
func ProfileComplete(avatar, displayName string) bool {
	return strings.TrimSpace(avatar) != "" && strings.TrimSpace(displayName) != ""
}
