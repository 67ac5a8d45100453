package overlay

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryNode is an in-process discovery node. It backs tests and single-node
// deployments where no federation exists yet; the Client cannot tell it
// apart from a remote node.
type MemoryNode struct {
	mu     sync.RWMutex
	topics map[string][]Resource
	now    func() time.Time
}

// NewMemoryNode creates an empty in-memory node.
func NewMemoryNode() *MemoryNode {
	return &MemoryNode{
		topics: make(map[string][]Resource),
		now:    time.Now,
	}
}

// Publish appends the announcement to topic with a server timestamp.
// Additive: the same resourceId may appear multiple times.
func (n *MemoryNode) Publish(ctx context.Context, topic string, resource Resource) (*Resource, error) {
	if err := resource.Validate(); err != nil {
		return nil, err
	}

	stamped := resource
	stamped.Timestamp = n.now()

	n.mu.Lock()
	n.topics[topic] = append(n.topics[topic], stamped)
	n.mu.Unlock()
	return &stamped, nil
}

// Search filters announcements and returns one page, newest first.
func (n *MemoryNode) Search(ctx context.Context, params SearchParams) (*SearchResult, error) {
	n.mu.RLock()
	var window []Resource
	if params.Topic != "" {
		window = append(window, n.topics[params.Topic]...)
	} else {
		for _, entries := range n.topics {
			window = append(window, entries...)
		}
	}
	n.mu.RUnlock()

	matched := window[:0:0]
	for _, r := range window {
		if matches(r, params) {
			matched = append(matched, r)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return &SearchResult{
		Resources: matched[offset:end],
		Total:     total,
		HasMore:   end < total,
	}, nil
}

// Stats aggregates the topic over its current contents.
func (n *MemoryNode) Stats(ctx context.Context, topic string) (*TopicStats, error) {
	n.mu.RLock()
	entries := n.topics[topic]
	n.mu.RUnlock()

	stats := &TopicStats{Topic: topic, ResourceCount: len(entries)}
	authors := make(map[string]struct{})
	for _, r := range entries {
		if r.Author != "" {
			authors[r.Author] = struct{}{}
		}
		stats.TotalValue += r.PriceSatoshis
		if r.Timestamp.After(stats.LastUpdated) {
			stats.LastUpdated = r.Timestamp
		}
	}
	stats.UniqueAuthors = len(authors)
	return stats, nil
}

func matches(r Resource, params SearchParams) bool {
	if params.ResourceType != "" && r.ResourceType != params.ResourceType {
		return false
	}
	if params.Author != "" && r.Author != params.Author {
		return false
	}
	if params.PriceRange != nil {
		if r.PriceSatoshis < params.PriceRange.Min || r.PriceSatoshis > params.PriceRange.Max {
			return false
		}
	}
	// Tag intersection: every requested tag must be present.
	for _, want := range params.Tags {
		found := false
		for _, have := range r.Tags {
			if strings.EqualFold(want, have) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if params.Query != "" && !matchesQuery(r, params.Query) {
		return false
	}
	return true
}

// matchesQuery does a case-insensitive substring match over id, title,
// description, and tags.
func matchesQuery(r Resource, query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(r.ResourceID), q) {
		return true
	}
	if strings.Contains(strings.ToLower(r.Title), q) {
		return true
	}
	if strings.Contains(strings.ToLower(r.Description), q) {
		return true
	}
	for _, tag := range r.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}
