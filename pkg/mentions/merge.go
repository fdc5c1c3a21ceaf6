package mentions

import (
	"time"

	"conversation-router/pkg/models"
	"conversation-router/pkg/textnorm"
)

func productKey(m models.ProductMention) string {
	if m.ID == UnknownID {
		return UnknownID + ":" + textnorm.Fold(m.Name)
	}
	return m.ID
}

// MergeProducts folds incoming mentions into existing ones. Existing ids keep
// their position and earliest MentionedAt; re-mentions only refresh
// LastMentionedAt and LastKnownStatus. A text-recovered entry is upgraded in
// place once a real id with the same name shows up. The resulting id set and
// every MentionedAt are independent of the order of incoming.
func MergeProducts(existing, incoming []models.ProductMention, now time.Time) []models.ProductMention {
	out := make([]models.ProductMention, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	index := make(map[string]int, len(out))
	for i, m := range out {
		index[productKey(m)] = i
	}

	for _, in := range incoming {
		key := productKey(in)
		if i, ok := index[key]; ok {
			out[i] = refreshProduct(out[i], in, now)
			continue
		}
		if in.ID != UnknownID {
			textKey := UnknownID + ":" + textnorm.Fold(in.Name)
			if i, ok := index[textKey]; ok {
				upgraded := refreshProduct(out[i], in, now)
				upgraded.ID = in.ID
				upgraded.Context = in.Context
				out[i] = upgraded
				delete(index, textKey)
				index[key] = i
				continue
			}
		}
		if in.MentionedAt.IsZero() {
			in.MentionedAt = now
		}
		if in.LastMentionedAt.IsZero() {
			in.LastMentionedAt = in.MentionedAt
		}
		index[key] = len(out)
		out = append(out, in)
	}
	return out
}

func refreshProduct(cur, in models.ProductMention, now time.Time) models.ProductMention {
	if !in.MentionedAt.IsZero() && in.MentionedAt.Before(cur.MentionedAt) {
		cur.MentionedAt = in.MentionedAt
	}
	seen := in.LastSeen()
	if seen.IsZero() {
		seen = now
	}
	if seen.After(cur.LastMentionedAt) {
		cur.LastMentionedAt = seen
	}
	if in.LastKnownStatus != "" {
		cur.LastKnownStatus = in.LastKnownStatus
	}
	if cur.Name == "" {
		cur.Name = in.Name
	}
	return cur
}

// MergeOrders is MergeProducts for orders.
func MergeOrders(existing, incoming []models.OrderMention, now time.Time) []models.OrderMention {
	out := make([]models.OrderMention, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	index := make(map[string]int, len(out))
	for i, m := range out {
		index[m.ID] = i
	}

	for _, in := range incoming {
		if i, ok := index[in.ID]; ok {
			cur := out[i]
			if !in.MentionedAt.IsZero() && in.MentionedAt.Before(cur.MentionedAt) {
				cur.MentionedAt = in.MentionedAt
			}
			seen := in.LastSeen()
			if seen.IsZero() {
				seen = now
			}
			if seen.After(cur.LastMentionedAt) {
				cur.LastMentionedAt = seen
			}
			if in.LastKnownStatus != "" {
				cur.LastKnownStatus = in.LastKnownStatus
			}
			out[i] = cur
			continue
		}
		if in.MentionedAt.IsZero() {
			in.MentionedAt = now
		}
		if in.LastMentionedAt.IsZero() {
			in.LastMentionedAt = in.MentionedAt
		}
		index[in.ID] = len(out)
		out = append(out, in)
	}
	return out
}
