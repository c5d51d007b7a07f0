package realtime

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/alwitt/marketlink/core"
	"github.com/apex/log"
)

// pendingSubscription desired subscription of one key. Replayed on every (re)connect.
type pendingSubscription struct {
	key         SubscriptionKey
	kind        SubscriptionKind
	scope       string
	destination string
	route       routeFunc
}

// activeSubscription live transport subscription of one key
type activeSubscription struct {
	entry     *pendingSubscription
	handle    core.StompSubscription
	cancelled bool
}

func newPendingSubscription(
	kind SubscriptionKind, scope string, route routeFunc,
) (*pendingSubscription, error) {
	if kind != KindAccountUpdates && scope == "" {
		return nil, fmt.Errorf("%s subscription requires a scope", kind)
	}
	key := NewSubscriptionKey(kind, scope)
	if kind == KindAccountUpdates {
		scope = GlobalScope
	}
	destination, err := kind.Destination(scope)
	if err != nil {
		return nil, err
	}
	return &pendingSubscription{
		key:         key,
		kind:        kind,
		scope:       scope,
		destination: destination,
		route:       route,
	}, nil
}

// =========================================================================
// Subscribe

type rtCtrlSubscribe struct {
	entry *pendingSubscription
}

// SubscribeChat subscribe to the chat topic of an account. Subscribing again to the same
// account replaces the previous callback.
func (c *Client) SubscribeChat(accountID string, handler ChatHandler) error {
	if handler == nil {
		return fmt.Errorf("chat handler is nil")
	}
	return c.subscribe(KindChat, accountID, chatRoute(handler))
}

// SubscribeNotifications subscribe to the notification topic of a user
func (c *Client) SubscribeNotifications(userID string, handler NotificationHandler) error {
	if handler == nil {
		return fmt.Errorf("notification handler is nil")
	}
	return c.subscribe(KindNotifications, userID, notificationRoute(handler))
}

// SubscribeAccountUpdates subscribe to the global account broadcast topic
func (c *Client) SubscribeAccountUpdates(handler AccountUpdateHandler) error {
	if handler == nil {
		return fmt.Errorf("account update handler is nil")
	}
	return c.subscribe(KindAccountUpdates, GlobalScope, accountUpdateRoute(handler))
}

// SubscribeTyping subscribe to the typing topic of a user
func (c *Client) SubscribeTyping(userID string, handler TypingHandler) error {
	if handler == nil {
		return fmt.Errorf("typing handler is nil")
	}
	return c.subscribe(KindTyping, userID, typingRoute(handler))
}

func (c *Client) subscribe(kind SubscriptionKind, scope string, route routeFunc) error {
	entry, err := newPendingSubscription(kind, scope, route)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Invalid subscription")
		return err
	}
	if err := c.submit(c.ctxt, rtCtrlSubscribe{entry: entry}); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to submit subscribe %s", entry.key)
		return err
	}
	return nil
}

// processSubscribe support TaskProcessor, handle rtCtrlSubscribe
func (c *Client) processSubscribe(param interface{}) error {
	request, ok := param.(rtCtrlSubscribe)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for subscribe", reflect.TypeOf(param))
	}
	c.pending[request.entry.key] = request.entry
	if c.IsConnected() {
		c.subscribeNow(request.entry)
	} else {
		log.WithFields(c.LogTags).Debugf("Recorded pending subscription %s", request.entry.key)
	}
	c.updateSubscriptionStats()
	return nil
}

// subscribeNow bind the key to a new transport subscription, replacing any existing one
func (c *Client) subscribeNow(entry *pendingSubscription) {
	if previous, ok := c.active[entry.key]; ok {
		c.cancelActive(previous)
	}
	sub := &activeSubscription{entry: entry}
	handle, err := c.transport.Subscribe(entry.destination, func(msg core.StompMessage) {
		if err := c.submit(c.ctxt, rtInboundFrame{sub: sub, msg: msg}); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debugf("Dropping frame for %s", entry.key)
		}
	})
	if err != nil {
		// Stays pending, the next connect replays it
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to subscribe %s", entry.key)
		return
	}
	sub.handle = handle
	c.active[entry.key] = sub
	log.WithFields(c.LogTags).Debugf("Subscribed %s to %s", entry.key, entry.destination)
}

// replayAll resubscribe every pending subscription. The pending set is snapshotted and
// cleared first, then each entry is subscribed again in key order.
func (c *Client) replayAll() {
	snapshot := make([]*pendingSubscription, 0, len(c.pending))
	for _, entry := range c.pending {
		snapshot = append(snapshot, entry)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].key < snapshot[j].key })
	c.pending = make(map[SubscriptionKey]*pendingSubscription)

	for _, entry := range snapshot {
		c.pending[entry.key] = entry
		c.subscribeNow(entry)
	}
	c.updateSubscriptionStats()
	if len(snapshot) > 0 {
		log.WithFields(c.LogTags).Infof("Replayed %d subscriptions", len(snapshot))
	}
}

// =========================================================================
// Unsubscribe

type rtCtrlUnsubscribe struct {
	key SubscriptionKey
}

// Unsubscribe forget a subscription. It is not replayed on later reconnects. Frames
// received before the request is processed are still dispatched.
func (c *Client) Unsubscribe(key SubscriptionKey) error {
	if _, _, err := key.Parse(); err != nil {
		return err
	}
	return c.submit(c.ctxt, rtCtrlUnsubscribe{key: key})
}

// processUnsubscribe support TaskProcessor, handle rtCtrlUnsubscribe
func (c *Client) processUnsubscribe(param interface{}) error {
	request, ok := param.(rtCtrlUnsubscribe)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for unsubscribe", reflect.TypeOf(param))
	}
	if sub, ok := c.active[request.key]; ok {
		c.cancelActive(sub)
	}
	delete(c.pending, request.key)
	c.updateSubscriptionStats()
	log.WithFields(c.LogTags).Debugf("Unsubscribed %s", request.key)
	return nil
}

// cancelActive unbind an active subscription from its key and its transport handle
func (c *Client) cancelActive(sub *activeSubscription) {
	sub.cancelled = true
	if current, ok := c.active[sub.entry.key]; ok && current == sub {
		delete(c.active, sub.entry.key)
	}
	if sub.handle != nil {
		if err := sub.handle.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Transport unsubscribe of %s failed", sub.entry.key)
		}
	}
}

// dropActive forget every active subscription after a transport close. Handles are
// released too, since a queued close can trail a newer session already carrying them.
func (c *Client) dropActive() {
	for _, sub := range c.snapshotActive() {
		c.cancelActive(sub)
	}
	c.updateSubscriptionStats()
}

func (c *Client) snapshotActive() []*activeSubscription {
	result := make([]*activeSubscription, 0, len(c.active))
	for _, sub := range c.active {
		result = append(result, sub)
	}
	return result
}

func (c *Client) updateSubscriptionStats() {
	active := len(c.active)
	pending := len(c.pending)
	c.updateStats(func(stats *ClientStats) {
		stats.ActiveSubscriptions = active
		stats.PendingSubscriptions = pending
	})
}

// =========================================================================
// Dispatch

type rtInboundFrame struct {
	sub *activeSubscription
	msg core.StompMessage
}

// processInboundFrame support TaskProcessor, handle rtInboundFrame
func (c *Client) processInboundFrame(param interface{}) error {
	request, ok := param.(rtInboundFrame)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for inbound frame", reflect.TypeOf(param))
	}
	c.dispatch(request.sub, request.msg)
	return nil
}

// dispatch decode one frame and call the callback bound to its subscription
func (c *Client) dispatch(sub *activeSubscription, msg core.StompMessage) {
	kind := string(sub.entry.kind)
	framesReceived.WithLabelValues(kind).Inc()
	c.updateStats(func(stats *ClientStats) { stats.FramesReceived++ })

	if sub.cancelled {
		framesDropped.WithLabelValues(kind).Inc()
		c.updateStats(func(stats *ClientStats) { stats.FramesDropped++ })
		log.WithFields(c.LogTags).Debugf("Dropping frame %s of inactive %s", msg.MessageID, sub.entry.key)
		return
	}

	decodeErr := c.invokeRoute(sub, msg)
	if decodeErr == errCallbackPanicked {
		return
	}
	if decodeErr != nil {
		decodeErrors.WithLabelValues(kind).Inc()
		c.updateStats(func(stats *ClientStats) { stats.DecodeErrors++ })
		err := &DecodeError{
			Kind:        sub.entry.kind,
			Key:         sub.entry.key,
			Destination: sub.entry.destination,
			MessageID:   msg.MessageID,
			Payload:     msg.Body,
			Err:         decodeErr,
		}
		log.WithError(decodeErr).WithFields(c.LogTags).Errorf("Dropping malformed frame on %s", sub.entry.key)
		c.reportError(err)
		return
	}
	framesDispatched.WithLabelValues(kind).Inc()
	c.updateStats(func(stats *ClientStats) { stats.FramesDispatched++ })
}

var errCallbackPanicked = errors.New("subscription callback panicked")

// invokeRoute run the route of the subscription, converting a callback panic into
// errCallbackPanicked
func (c *Client) invokeRoute(sub *activeSubscription, msg core.StompMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errCallbackPanicked
			c.updateStats(func(stats *ClientStats) { stats.CallbackPanics++ })
			log.WithFields(c.LogTags).Errorf("Callback of %s panicked: %v", sub.entry.key, r)
		}
	}()
	return sub.entry.route(msg)
}
