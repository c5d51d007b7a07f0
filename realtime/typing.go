package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/marketlink/common"
	"github.com/apex/log"
)

// DefaultTypingExpiry how long a typing=true signal stays valid without refresh
const DefaultTypingExpiry = 3 * time.Second

// TypingChangeHandler called when the set of typers of a conversation changes
type TypingChangeHandler func(accountID string, typers []string)

type typingEntry struct {
	senderName string
	timer      common.IntervalTimer
	generation uint64
}

// TypingTracker tracks the active typers of each conversation. A typing=true signal
// (re)starts a per-sender countdown; typing=false or the countdown expiring removes the
// sender.
type TypingTracker struct {
	common.Component
	expiry time.Duration
	ctxt   context.Context
	wg     *sync.WaitGroup

	lock          sync.Mutex
	generation    uint64
	conversations map[string]map[string]*typingEntry
	handlers      []TypingChangeHandler
}

// GetTypingTrackerInstance define a new typing tracker. Expiry timers stop when the
// context is cancelled.
func GetTypingTrackerInstance(
	name string, expiry time.Duration, ctxt context.Context, wg *sync.WaitGroup,
) (*TypingTracker, error) {
	if expiry <= 0 {
		return nil, fmt.Errorf("typing expiry %s is invalid", expiry)
	}
	return &TypingTracker{
		Component: common.Component{LogTags: log.Fields{
			"module": "realtime", "component": "typing-tracker", "instance": name,
		}},
		expiry:        expiry,
		ctxt:          ctxt,
		wg:            wg,
		conversations: make(map[string]map[string]*typingEntry),
	}, nil
}

// OnChange register a handler for typer set changes
func (t *TypingTracker) OnChange(handler TypingChangeHandler) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.handlers = append(t.handlers, handler)
}

// Handler the tracker as a TypingHandler, for SubscribeTyping
func (t *TypingTracker) Handler() TypingHandler {
	return t.Observe
}

// Observe apply one typing indicator
func (t *TypingTracker) Observe(indicator TypingIndicator) {
	if indicator.AccountID == "" || indicator.SenderID == "" {
		return
	}
	if indicator.IsTyping {
		t.startTyping(indicator)
	} else {
		t.stopTyping(indicator.AccountID, indicator.SenderID)
	}
}

func (t *TypingTracker) startTyping(indicator TypingIndicator) {
	accountID, senderID := indicator.AccountID, indicator.SenderID

	t.lock.Lock()
	conversation, ok := t.conversations[accountID]
	if !ok {
		conversation = make(map[string]*typingEntry)
		t.conversations[accountID] = conversation
	}
	entry, existed := conversation[senderID]
	if !existed {
		timer, err := common.GetIntervalTimerInstance(
			fmt.Sprintf("typing-%s-%s", accountID, senderID), t.ctxt, t.wg,
		)
		if err != nil {
			t.lock.Unlock()
			log.WithError(err).WithFields(t.LogTags).Error("Unable to define typing timer")
			return
		}
		entry = &typingEntry{timer: timer}
		conversation[senderID] = entry
	}
	entry.senderName = indicator.SenderName
	t.generation++
	generation := t.generation
	entry.generation = generation
	if err := entry.timer.Start(t.expiry, func() error {
		t.expire(accountID, senderID, generation)
		return nil
	}, true); err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to start typing timer of %s", senderID)
	}
	var typers []string
	if !existed {
		typers = t.typersLocked(accountID)
	}
	t.lock.Unlock()

	if !existed {
		t.notify(accountID, typers)
	}
}

func (t *TypingTracker) stopTyping(accountID, senderID string) {
	t.lock.Lock()
	entry, ok := t.conversations[accountID][senderID]
	if !ok {
		t.lock.Unlock()
		return
	}
	_ = entry.timer.Stop()
	t.removeLocked(accountID, senderID)
	typers := t.typersLocked(accountID)
	t.lock.Unlock()

	t.notify(accountID, typers)
}

// expire countdown of one sender ran out. Ignored when the countdown was replaced.
func (t *TypingTracker) expire(accountID, senderID string, generation uint64) {
	t.lock.Lock()
	entry, ok := t.conversations[accountID][senderID]
	if !ok || entry.generation != generation {
		t.lock.Unlock()
		return
	}
	t.removeLocked(accountID, senderID)
	typers := t.typersLocked(accountID)
	t.lock.Unlock()

	log.WithFields(t.LogTags).Debugf("Typing of %s in %s expired", senderID, accountID)
	t.notify(accountID, typers)
}

func (t *TypingTracker) removeLocked(accountID, senderID string) {
	conversation := t.conversations[accountID]
	delete(conversation, senderID)
	if len(conversation) == 0 {
		delete(t.conversations, accountID)
	}
}

func (t *TypingTracker) typersLocked(accountID string) []string {
	typers := make([]string, 0, len(t.conversations[accountID]))
	for senderID := range t.conversations[accountID] {
		typers = append(typers, senderID)
	}
	sort.Strings(typers)
	return typers
}

func (t *TypingTracker) notify(accountID string, typers []string) {
	t.lock.Lock()
	handlers := make([]TypingChangeHandler, len(t.handlers))
	copy(handlers, t.handlers)
	t.lock.Unlock()
	for _, handler := range handlers {
		handler(accountID, typers)
	}
}

// Typers sorted ids of the senders currently typing in a conversation
func (t *TypingTracker) Typers(accountID string) []string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.typersLocked(accountID)
}

// TyperNames display names of the senders currently typing, in the order of Typers
func (t *TypingTracker) TyperNames(accountID string) []string {
	t.lock.Lock()
	defer t.lock.Unlock()
	names := []string{}
	for _, senderID := range t.typersLocked(accountID) {
		name := t.conversations[accountID][senderID].senderName
		if name == "" {
			name = senderID
		}
		names = append(names, name)
	}
	return names
}

// IsTyping whether a sender is currently typing in a conversation
func (t *TypingTracker) IsTyping(accountID, senderID string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	_, ok := t.conversations[accountID][senderID]
	return ok
}

// Clear stop every countdown and forget all typers
func (t *TypingTracker) Clear() {
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, conversation := range t.conversations {
		for _, entry := range conversation {
			_ = entry.timer.Stop()
		}
	}
	t.conversations = make(map[string]map[string]*typingEntry)
}
