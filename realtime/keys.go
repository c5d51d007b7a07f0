package realtime

import (
	"fmt"
	"strings"
	"unicode"
)

// SubscriptionKind type of marketplace topic
type SubscriptionKind string

// Supported subscription kinds
const (
	KindChat           SubscriptionKind = "chat"
	KindNotifications  SubscriptionKind = "notifications"
	KindAccountUpdates SubscriptionKind = "account-updates"
	KindTyping         SubscriptionKind = "typing"
)

// GlobalScope scope of the singleton account updates topic
const GlobalScope = "global"

// Destination the STOMP destination of a topic of this kind
func (k SubscriptionKind) Destination(scope string) (string, error) {
	if k != KindAccountUpdates {
		if err := validateScope(scope); err != nil {
			return "", err
		}
	}
	switch k {
	case KindChat:
		return "/topic/chat/" + scope, nil
	case KindNotifications:
		return "/topic/notifications/" + scope, nil
	case KindAccountUpdates:
		return "/topic/accounts", nil
	case KindTyping:
		return "/queue/typing/" + scope, nil
	default:
		return "", fmt.Errorf("unknown subscription kind '%s'", k)
	}
}

// validateScope a scope is one destination path segment
func validateScope(scope string) error {
	if scope == "" {
		return fmt.Errorf("subscription scope is empty")
	}
	if strings.ContainsFunc(scope, func(r rune) bool { return r == '/' || unicode.IsSpace(r) }) {
		return fmt.Errorf("subscription scope '%s' is not a single path segment", scope)
	}
	return nil
}

// SubscriptionKey uniquely identifies one topic instance, "<kind>:<scope>"
type SubscriptionKey string

// NewSubscriptionKey build the key of a topic instance
func NewSubscriptionKey(kind SubscriptionKind, scope string) SubscriptionKey {
	if kind == KindAccountUpdates {
		scope = GlobalScope
	}
	return SubscriptionKey(fmt.Sprintf("%s:%s", kind, scope))
}

// ChatKey key of the chat topic of an account
func ChatKey(accountID string) SubscriptionKey {
	return NewSubscriptionKey(KindChat, accountID)
}

// NotificationsKey key of the notification topic of a user
func NotificationsKey(userID string) SubscriptionKey {
	return NewSubscriptionKey(KindNotifications, userID)
}

// AccountUpdatesKey key of the global account broadcast topic
func AccountUpdatesKey() SubscriptionKey {
	return NewSubscriptionKey(KindAccountUpdates, GlobalScope)
}

// TypingKey key of the typing topic of a user
func TypingKey(userID string) SubscriptionKey {
	return NewSubscriptionKey(KindTyping, userID)
}

// Parse split the key into its kind and scope
func (k SubscriptionKey) Parse() (SubscriptionKind, string, error) {
	parts := strings.SplitN(string(k), ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", fmt.Errorf("malformed subscription key '%s'", k)
	}
	kind := SubscriptionKind(parts[0])
	if _, err := kind.Destination(parts[1]); err != nil {
		return "", "", err
	}
	return kind, parts[1], nil
}
