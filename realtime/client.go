package realtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/marketlink/common"
	"github.com/alwitt/marketlink/core"
	"github.com/apex/log"
)

// Errors
var (
	ErrNotConnected  = errors.New("realtime client not connected")
	ErrDisconnected  = errors.New("realtime client disconnected")
	ErrClientStopped = errors.New("realtime client stopped")
)

// ClientOptions tuning parameters of a Client
type ClientOptions struct {
	// TaskBuffer size of the event loop queue
	TaskBuffer int
	// ErrorBuffer size of the Errors() channel. Errors are dropped when it is full.
	ErrorBuffer int
}

// DefaultClientOptions returns the default options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{TaskBuffer: 1024, ErrorBuffer: 64}
}

// ClientStats runtime statistics of a Client
type ClientStats struct {
	State                string    `json:"state"`
	Connects             uint64    `json:"connects"`
	TransportErrors      uint64    `json:"transport_errors"`
	FramesReceived       uint64    `json:"frames_received"`
	FramesDispatched     uint64    `json:"frames_dispatched"`
	DecodeErrors         uint64    `json:"decode_errors"`
	FramesDropped        uint64    `json:"frames_dropped"`
	CallbackPanics       uint64    `json:"callback_panics"`
	CommandsSent         uint64    `json:"commands_sent"`
	CommandsRejected     uint64    `json:"commands_rejected"`
	ActiveSubscriptions  int       `json:"active_subscriptions"`
	PendingSubscriptions int       `json:"pending_subscriptions"`
	LastConnected        time.Time `json:"last_connected"`
}

type registeredListener struct {
	id       ListenerID
	listener StateListener
}

// connectAttempt waiters of the connect attempt in flight
type connectAttempt struct {
	started time.Time
	waiters []chan error
}

// Client multiplexes chat, typing, notification and account broadcast topics over one
// STOMP session.
//
// All registry state, listener bookkeeping and callback invocation happens on a single
// event loop goroutine. Callbacks and listeners must not call the blocking Connect or
// Disconnect; use ConnectAsync or DisconnectAsync instead.
type Client struct {
	common.Component
	name      string
	transport core.StompClient
	tp        common.TaskProcessor
	ctxt      context.Context
	cancel    context.CancelFunc

	state          atomic.Int32
	nextListenerID atomic.Uint64
	errs           chan error

	statsLock sync.Mutex
	stats     ClientStats

	// Owned by the event loop
	generation uint64
	activated  bool
	attempt    *connectAttempt
	pending    map[SubscriptionKey]*pendingSubscription
	active     map[SubscriptionKey]*activeSubscription
	listeners  []registeredListener
}

// GetClientInstance define a new realtime client on top of a STOMP transport. The event
// loop runs until Stop is called or the parent context is cancelled.
func GetClientInstance(
	name string,
	transport core.StompClient,
	opts ClientOptions,
	parentCtxt context.Context,
	wg *sync.WaitGroup,
) (*Client, error) {
	logTags := log.Fields{
		"module":    "realtime",
		"component": "client",
		"instance":  name,
	}
	if transport == nil {
		return nil, fmt.Errorf("realtime client requires a transport")
	}
	defaults := DefaultClientOptions()
	if opts.TaskBuffer <= 0 {
		opts.TaskBuffer = defaults.TaskBuffer
	}
	if opts.ErrorBuffer <= 0 {
		opts.ErrorBuffer = defaults.ErrorBuffer
	}

	ctxt, cancel := context.WithCancel(parentCtxt)
	tp, err := common.GetNewTaskProcessorInstance(name, opts.TaskBuffer, ctxt)
	if err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}

	instance := &Client{
		Component: common.Component{LogTags: logTags},
		name:      name,
		transport: transport,
		tp:        tp,
		ctxt:      ctxt,
		cancel:    cancel,
		errs:      make(chan error, opts.ErrorBuffer),
		pending:   make(map[SubscriptionKey]*pendingSubscription),
		active:    make(map[SubscriptionKey]*activeSubscription),
	}
	instance.state.Store(int32(StateDisconnected))
	connectionState.WithLabelValues(name).Set(float64(StateDisconnected))

	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(rtCtrlConnect{}):        instance.processConnect,
		reflect.TypeOf(rtCtrlDisconnect{}):     instance.processDisconnect,
		reflect.TypeOf(rtCtrlSubscribe{}):      instance.processSubscribe,
		reflect.TypeOf(rtCtrlUnsubscribe{}):    instance.processUnsubscribe,
		reflect.TypeOf(rtCtrlAddListener{}):    instance.processAddListener,
		reflect.TypeOf(rtCtrlRemoveListener{}): instance.processRemoveListener,
		reflect.TypeOf(rtTransportEvent{}):     instance.processTransportEvent,
		reflect.TypeOf(rtInboundFrame{}):       instance.processInboundFrame,
	}
	if err := tp.SetTaskExecutionMap(handlers); err != nil {
		cancel()
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return nil, err
	}
	return instance, nil
}

// Name the client instance name
func (c *Client) Name() string {
	return c.name
}

// GetState current connection state
func (c *Client) GetState() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsConnected whether the client is CONNECTED
func (c *Client) IsConnected() bool {
	return c.GetState() == StateConnected
}

// Errors channel of decode failures and rejected commands
func (c *Client) Errors() <-chan error {
	return c.errs
}

// Stats snapshot of the runtime statistics
func (c *Client) Stats() ClientStats {
	c.statsLock.Lock()
	defer c.statsLock.Unlock()
	snapshot := c.stats
	snapshot.State = c.GetState().String()
	return snapshot
}

// Stop deactivate the transport and stop the event loop. The client can not be used
// afterwards.
func (c *Client) Stop() error {
	if err := c.transport.Deactivate(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Transport deactivate failed")
	}
	c.cancel()
	return c.tp.StopEventLoop()
}

func (c *Client) submit(ctxt context.Context, request interface{}) error {
	if err := c.tp.Submit(ctxt, request); err != nil {
		if errors.Is(err, common.ErrProcessorStopped) {
			return ErrClientStopped
		}
		return err
	}
	return nil
}

func (c *Client) updateStats(update func(stats *ClientStats)) {
	c.statsLock.Lock()
	defer c.statsLock.Unlock()
	update(&c.stats)
}

// reportError push an error onto the Errors() channel without blocking
func (c *Client) reportError(err error) {
	select {
	case c.errs <- err:
	default:
		log.WithError(err).WithFields(c.LogTags).Debug("Error channel full, dropping error")
	}
}

// =========================================================================
// Connect

type rtCtrlConnect struct {
	token  string
	waiter chan error
}

// ConnectAsync request a connection. The returned channel receives exactly one result:
// nil on the first successful handshake, or ErrDisconnected if Disconnect is called
// first. Concurrent requests share the attempt in flight.
func (c *Client) ConnectAsync(authToken string) (<-chan error, error) {
	waiter := make(chan error, 1)
	if err := c.submit(c.ctxt, rtCtrlConnect{token: authToken, waiter: waiter}); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to submit connect request")
		return nil, err
	}
	return waiter, nil
}

// Connect connect and wait until CONNECTED or the context is done. Returns immediately
// when already connected.
func (c *Client) Connect(ctxt context.Context, authToken string) error {
	waiter, err := c.ConnectAsync(authToken)
	if err != nil {
		return err
	}
	select {
	case err := <-waiter:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// processConnect support TaskProcessor, handle rtCtrlConnect
func (c *Client) processConnect(param interface{}) error {
	request, ok := param.(rtCtrlConnect)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for connect", reflect.TypeOf(param))
	}
	if c.GetState() == StateConnected {
		request.waiter <- nil
		return nil
	}
	if c.attempt != nil {
		log.WithFields(c.LogTags).Debug("Joining connect attempt in flight")
		c.attempt.waiters = append(c.attempt.waiters, request.waiter)
		return nil
	}

	c.attempt = &connectAttempt{started: time.Now(), waiters: []chan error{request.waiter}}
	c.setState(StateConnecting)

	// A previous activation may still be retrying with an old token
	if c.activated {
		c.generation++
		if err := c.transport.Deactivate(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Transport deactivate failed")
		}
		c.activated = false
	}

	c.generation++
	if err := c.transport.Activate(request.token, c.transportHooks(c.generation)); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Transport activate failed")
		c.completeAttempt(err)
		c.setState(StateError)
		return err
	}
	c.activated = true
	log.WithFields(c.LogTags).Info("Connecting")
	return nil
}

// completeAttempt resolve every waiter of the attempt in flight and clear the slot
func (c *Client) completeAttempt(result error) {
	if c.attempt == nil {
		return
	}
	for _, waiter := range c.attempt.waiters {
		waiter <- result
	}
	c.attempt = nil
}

// =========================================================================
// Transport events

type transportEventKind int

const (
	transportConnected transportEventKind = iota
	transportStompError
	transportSocketError
	transportClosed
)

type rtTransportEvent struct {
	generation uint64
	kind       transportEventKind
	err        error
}

// transportHooks the transport lifecycle hooks of one activation. Hooks forward events
// to the event loop, tagged with the activation generation.
func (c *Client) transportHooks(generation uint64) core.StompEventHandlers {
	forward := func(kind transportEventKind, err error) {
		event := rtTransportEvent{generation: generation, kind: kind, err: err}
		if err := c.submit(c.ctxt, event); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Dropping transport event")
		}
	}
	return core.StompEventHandlers{
		OnConnect:        func() { forward(transportConnected, nil) },
		OnStompError:     func(err error) { forward(transportStompError, err) },
		OnWebSocketError: func(err error) { forward(transportSocketError, err) },
		OnWebSocketClose: func() { forward(transportClosed, nil) },
	}
}

// processTransportEvent support TaskProcessor, handle rtTransportEvent
func (c *Client) processTransportEvent(param interface{}) error {
	event, ok := param.(rtTransportEvent)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for transport event", reflect.TypeOf(param))
	}
	if event.generation != c.generation {
		log.WithFields(c.LogTags).Debugf("Ignoring event of stale activation %d", event.generation)
		return nil
	}
	switch event.kind {
	case transportConnected:
		c.updateStats(func(stats *ClientStats) {
			stats.Connects++
			stats.LastConnected = time.Now()
		})
		c.setState(StateConnected)
		c.replayAll()
		if c.attempt != nil {
			log.WithFields(c.LogTags).Infof(
				"Connected after %s", time.Since(c.attempt.started).Round(time.Millisecond),
			)
		}
		c.completeAttempt(nil)

	case transportStompError, transportSocketError:
		c.updateStats(func(stats *ClientStats) {
			stats.TransportErrors++
		})
		log.WithError(event.err).WithFields(c.LogTags).Error("Transport error")
		c.setState(StateError)

	case transportClosed:
		// The transport drops its subscriptions with the session
		c.dropActive()
		c.setState(StateDisconnected)
	}
	return nil
}

// =========================================================================
// Disconnect

type rtCtrlDisconnect struct {
	done chan struct{}
}

// DisconnectAsync request a disconnect without waiting for it
func (c *Client) DisconnectAsync() error {
	return c.submit(c.ctxt, rtCtrlDisconnect{done: make(chan struct{})})
}

// Disconnect unsubscribe everything, forget every pending subscription and listener,
// and stop the transport
func (c *Client) Disconnect() error {
	done := make(chan struct{})
	if err := c.submit(c.ctxt, rtCtrlDisconnect{done: done}); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to submit disconnect request")
		return err
	}
	select {
	case <-done:
		return nil
	case <-c.ctxt.Done():
		return ErrClientStopped
	}
}

// processDisconnect support TaskProcessor, handle rtCtrlDisconnect
func (c *Client) processDisconnect(param interface{}) error {
	request, ok := param.(rtCtrlDisconnect)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for disconnect", reflect.TypeOf(param))
	}
	defer close(request.done)

	for _, sub := range c.snapshotActive() {
		c.cancelActive(sub)
	}
	c.pending = make(map[SubscriptionKey]*pendingSubscription)
	c.updateSubscriptionStats()

	c.generation++
	if c.activated {
		if err := c.transport.Deactivate(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Transport deactivate failed")
		}
		c.activated = false
	}
	c.setState(StateDisconnected)
	c.completeAttempt(ErrDisconnected)
	c.listeners = nil
	log.WithFields(c.LogTags).Info("Disconnected")
	return nil
}

// =========================================================================
// State listeners

type rtCtrlAddListener struct {
	id       ListenerID
	listener StateListener
}

type rtCtrlRemoveListener struct {
	id ListenerID
}

// OnStateChange register a listener called on every state transition, in registration
// order. It stays registered until OffStateChange or Disconnect.
func (c *Client) OnStateChange(listener StateListener) (ListenerID, error) {
	if listener == nil {
		return 0, fmt.Errorf("state listener is nil")
	}
	id := ListenerID(c.nextListenerID.Add(1))
	if err := c.submit(c.ctxt, rtCtrlAddListener{id: id, listener: listener}); err != nil {
		return 0, err
	}
	return id, nil
}

// OffStateChange remove a listener
func (c *Client) OffStateChange(id ListenerID) error {
	return c.submit(c.ctxt, rtCtrlRemoveListener{id: id})
}

// processAddListener support TaskProcessor, handle rtCtrlAddListener
func (c *Client) processAddListener(param interface{}) error {
	request, ok := param.(rtCtrlAddListener)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for add listener", reflect.TypeOf(param))
	}
	c.listeners = append(c.listeners, registeredListener{id: request.id, listener: request.listener})
	return nil
}

// processRemoveListener support TaskProcessor, handle rtCtrlRemoveListener
func (c *Client) processRemoveListener(param interface{}) error {
	request, ok := param.(rtCtrlRemoveListener)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for remove listener", reflect.TypeOf(param))
	}
	for idx, entry := range c.listeners {
		if entry.id == request.id {
			c.listeners = append(c.listeners[:idx:idx], c.listeners[idx+1:]...)
			return nil
		}
	}
	return nil
}

// setState record a state transition and fan it out to the listeners
func (c *Client) setState(newState ConnectionState) {
	oldState := ConnectionState(c.state.Swap(int32(newState)))
	if oldState == newState {
		return
	}
	connectionState.WithLabelValues(c.name).Set(float64(newState))
	log.WithFields(c.LogTags).Debugf("State %s -> %s", oldState, newState)
	listeners := make([]registeredListener, len(c.listeners))
	copy(listeners, c.listeners)
	for _, entry := range listeners {
		c.invokeListener(entry, newState)
	}
}

func (c *Client) invokeListener(entry registeredListener, newState ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			c.updateStats(func(stats *ClientStats) { stats.CallbackPanics++ })
			log.WithFields(c.LogTags).Errorf("State listener %d panicked: %v", entry.id, r)
		}
	}()
	entry.listener(newState)
}
