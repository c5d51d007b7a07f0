// Copyright 2021-2022 The marketlink Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/marketlink/common"
	"github.com/alwitt/marketlink/realtime"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var relayPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketlink",
	Subsystem: "relay",
	Name:      "published_total",
	Help:      "Events republished onto NATS by kind and result",
}, []string{"kind", "status"})

// EventSource realtime event source forwarded by the relay
type EventSource interface {
	SubscribeChat(accountID string, handler realtime.ChatHandler) error
	SubscribeNotifications(userID string, handler realtime.NotificationHandler) error
	SubscribeAccountUpdates(handler realtime.AccountUpdateHandler) error
	SubscribeTyping(userID string, handler realtime.TypingHandler) error
	OnStateChange(listener realtime.StateListener) (realtime.ListenerID, error)
}

// Publisher publishes a payload on a subject
type Publisher interface {
	Publish(subject string, data []byte) error
}

// StateMessage payload published on every connection state transition
type StateMessage struct {
	Instance  string    `json:"instance"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// TypersMessage payload published when the typers of a conversation change
type TypersMessage struct {
	AccountID string    `json:"accountId"`
	Typers    []string  `json:"typers"`
	Timestamp time.Time `json:"timestamp"`
}

// Relay republishes decoded marketplace events onto NATS subjects
type Relay struct {
	common.Component
	instance  string
	cfg       common.RelayConfig
	source    EventSource
	publisher Publisher
	typing    *realtime.TypingTracker
}

// DefineRelay define a new relay. typing is optional; when set, typing indicators also
// drive it and typer set changes are published.
func DefineRelay(
	instance string,
	cfg common.RelayConfig,
	source EventSource,
	publisher Publisher,
	typing *realtime.TypingTracker,
) (*Relay, error) {
	if source == nil || publisher == nil {
		return nil, fmt.Errorf("relay requires an event source and a publisher")
	}
	if cfg.SubjectPrefix == "" {
		return nil, fmt.Errorf("relay requires a subject prefix")
	}
	return &Relay{
		Component: common.Component{LogTags: log.Fields{
			"module": "relay", "component": "relay", "instance": instance,
		}},
		instance:  instance,
		cfg:       cfg,
		source:    source,
		publisher: publisher,
		typing:    typing,
	}, nil
}

// Start register the state listener and every configured subscription
func (r *Relay) Start() error {
	if _, err := r.source.OnStateChange(r.forwardState); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to register state listener")
		return err
	}
	if r.typing != nil {
		r.typing.OnChange(r.forwardTypers)
	}

	if r.cfg.AccountUpdates {
		if err := r.source.SubscribeAccountUpdates(r.forwardAccountUpdate); err != nil {
			return err
		}
	}
	for _, accountID := range r.cfg.ChatAccounts {
		if err := r.source.SubscribeChat(accountID, r.forwardChat); err != nil {
			return err
		}
	}
	for _, userID := range r.cfg.NotificationUsers {
		if err := r.source.SubscribeNotifications(userID, r.forwardNotification(userID)); err != nil {
			return err
		}
	}
	for _, userID := range r.cfg.TypingUsers {
		if err := r.source.SubscribeTyping(userID, r.forwardTyping(userID)); err != nil {
			return err
		}
	}
	log.WithFields(r.LogTags).Infof(
		"Relaying account updates: %v, %d chats, %d notification users, %d typing users",
		r.cfg.AccountUpdates,
		len(r.cfg.ChatAccounts),
		len(r.cfg.NotificationUsers),
		len(r.cfg.TypingUsers),
	)
	return nil
}

// Subject NATS subject of one topic instance
func Subject(prefix string, kind realtime.SubscriptionKind, scope string) string {
	if kind == realtime.KindAccountUpdates {
		return prefix + ".accounts"
	}
	return fmt.Sprintf("%s.%s.%s", prefix, kind, subjectToken(scope))
}

// subjectToken make a scope usable as a single NATS subject token
func subjectToken(scope string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		default:
			return r
		}
	}, scope)
}

func (r *Relay) forwardChat(msg realtime.ChatMessage) {
	r.publish("chat", Subject(r.cfg.SubjectPrefix, realtime.KindChat, msg.AccountID), msg)
}

// forwardNotification notification payloads do not name their user, so the subject is
// bound per subscription
func (r *Relay) forwardNotification(userID string) realtime.NotificationHandler {
	subject := Subject(r.cfg.SubjectPrefix, realtime.KindNotifications, userID)
	return func(event realtime.NotificationEvent) {
		r.publish("notifications", subject, event)
	}
}

func (r *Relay) forwardAccountUpdate(event realtime.AccountUpdateEvent) {
	r.publish("accounts", Subject(r.cfg.SubjectPrefix, realtime.KindAccountUpdates, ""), event)
}

func (r *Relay) forwardTyping(userID string) realtime.TypingHandler {
	subject := Subject(r.cfg.SubjectPrefix, realtime.KindTyping, userID)
	return func(indicator realtime.TypingIndicator) {
		r.publish("typing", subject, indicator)
		if r.typing != nil {
			r.typing.Observe(indicator)
		}
	}
}

func (r *Relay) forwardTypers(accountID string, typers []string) {
	r.publish("typers", fmt.Sprintf("%s.typers.%s", r.cfg.SubjectPrefix, subjectToken(accountID)), TypersMessage{
		AccountID: accountID, Typers: typers, Timestamp: time.Now().UTC(),
	})
}

func (r *Relay) forwardState(state realtime.ConnectionState) {
	r.publish("state", r.cfg.SubjectPrefix+".state", StateMessage{
		Instance: r.instance, State: state.String(), Timestamp: time.Now().UTC(),
	})
}

// publish encode and publish one event. Failures are logged and counted.
func (r *Relay) publish(kind, subject string, event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		relayPublished.WithLabelValues(kind, "failed").Inc()
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to encode %s event", kind)
		return
	}
	if err := r.publisher.Publish(subject, payload); err != nil {
		relayPublished.WithLabelValues(kind, "failed").Inc()
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to publish on %s", subject)
		return
	}
	relayPublished.WithLabelValues(kind, "published").Inc()
	log.WithFields(r.LogTags).Debugf("Published %s event on %s", kind, subject)
}
