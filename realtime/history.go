package realtime

import "sort"

// MergeChatHistory merge incoming messages into a caller-held history. Messages whose
// id is already present are skipped. The result is ordered by CreatedAt; messages with
// equal timestamps keep their relative order.
func MergeChatHistory(history []ChatMessage, incoming ...ChatMessage) []ChatMessage {
	merged := make([]ChatMessage, 0, len(history)+len(incoming))
	seen := make(map[string]bool, len(history)+len(incoming))
	add := func(msg ChatMessage) {
		// Local messages without a server id yet are always kept
		if msg.ID != "" {
			if seen[msg.ID] {
				return
			}
			seen[msg.ID] = true
		}
		merged = append(merged, msg)
	}
	for _, msg := range history {
		add(msg)
	}
	for _, msg := range incoming {
		add(msg)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged
}
