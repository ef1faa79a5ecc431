package reputation

import (
	"context"
	"fmt"
	"time"
)

// Stat is one immutable reputation ledger entry.
type Stat struct {
	ID        string
	UserID    string
	Type      RewardType
	Amount    int
	Total     int
	TopicID   *string
	NodeID    *string
	CreatedAt time.Time
}

// Ref optionally ties a reward to the topic or node that triggered it.
type Ref struct {
	TopicID *string
	NodeID  *string
}

func TopicRef(topicID string) Ref {
	return Ref{TopicID: &topicID}
}

type Ledger interface {
	InsertReputationStat(ctx context.Context, stat Stat) error
}

// Reward adds the configured amount for typ to current, records one ledger
// entry and returns the new total. The caller persists the total onto the
// user and is responsible for triggering each milestone only once: calling
// Reward twice writes two entries.
func (r Rules) Reward(ctx context.Context, ledger Ledger, userID string, current int, typ RewardType, ref Ref) (int, error) {
	amount, ok := r.Rewards[typ]
	if !ok {
		return current, fmt.Errorf("unknown reward %q", typ)
	}
	total := current + amount
	stat := Stat{
		UserID:  userID,
		Type:    typ,
		Amount:  amount,
		Total:   total,
		TopicID: ref.TopicID,
		NodeID:  ref.NodeID,
	}
	if err := ledger.InsertReputationStat(ctx, stat); err != nil {
		return current, fmt.Errorf("record reward: %w", err)
	}
	return total, nil
}
