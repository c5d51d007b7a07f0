package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/marketlink/common"
	"github.com/apex/log"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrNotConnected    = errors.New("stomp session not connected")
	ErrAlreadyActive   = errors.New("stomp client already active")
	ErrHandshakeFailed = errors.New("stomp handshake failed")
)

// StompError is an ERROR frame received from the broker
type StompError struct {
	Message string
	Body    string
}

// Error implements error
func (e StompError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stomp error: %s (%s)", e.Message, e.Body)
	}
	return fmt.Sprintf("stomp error: %s", e.Message)
}

// StompMessage is a MESSAGE frame delivered to a subscription
type StompMessage struct {
	Destination    string
	SubscriptionID string
	MessageID      string
	ContentType    string
	Body           []byte
	ReceivedAt     time.Time
}

// MessageHandler callback invoked for each MESSAGE frame of a subscription
type MessageHandler func(msg StompMessage)

// StompEventHandlers transport lifecycle hooks. Hooks are called from the transport's
// own goroutine and must not block for long.
type StompEventHandlers struct {
	// OnConnect called after each successful CONNECT / CONNECTED handshake
	OnConnect func()
	// OnStompError called when the broker sends an ERROR frame
	OnStompError func(err error)
	// OnWebSocketError called when the socket fails
	OnWebSocketError func(err error)
	// OnWebSocketClose called whenever a socket closes, including failed dials
	OnWebSocketClose func()
}

// StompSubscription handle of one transport level subscription
type StompSubscription interface {
	// ID the STOMP subscription ID
	ID() string
	// Destination the subscribed destination
	Destination() string
	// Unsubscribe cancel the subscription. A no-op if the session that created the
	// subscription is gone.
	Unsubscribe() error
}

// StompClient is a STOMP over WebSocket client holding at most one session, with
// fixed-delay automatic reconnection while active
type StompClient interface {
	// Activate start connecting using the bearer token. Returns immediately; progress
	// is reported through the handlers.
	Activate(token string, handlers StompEventHandlers) error
	// Deactivate stop reconnecting and close the current session
	Deactivate() error
	// Subscribe subscribe to a destination on the current session
	Subscribe(destination string, handler MessageHandler) (StompSubscription, error)
	// Publish send a JSON body to a destination on the current session
	Publish(destination string, body []byte) error
	// Connected whether a session is currently established
	Connected() bool
}

// StompClientConfig parameters of a StompClient
type StompClientConfig struct {
	// URL is the WebSocket endpoint URL
	URL string `validate:"required,uri"`
	// Host is the STOMP virtual host header. Derived from the URL if empty.
	Host string
	// ConnectTimeout max duration of the dial plus STOMP handshake
	ConnectTimeout time.Duration `validate:"gt=0"`
	// ReconnectDelay fixed wait between reconnect attempts
	ReconnectDelay time.Duration `validate:"gt=0"`
	// WriteTimeout write deadline for each frame
	WriteTimeout time.Duration `validate:"gt=0"`
	// HeartbeatOutgoing requested client to broker heart-beat interval. 0 disables.
	HeartbeatOutgoing time.Duration `validate:"gte=0"`
	// HeartbeatIncoming requested broker to client heart-beat interval. 0 disables.
	HeartbeatIncoming time.Duration `validate:"gte=0"`
}

// DefaultStompClientConfig returns sensible defaults
func DefaultStompClientConfig(endpoint string) StompClientConfig {
	return StompClientConfig{
		URL:               endpoint,
		ConnectTimeout:    30 * time.Second,
		ReconnectDelay:    5 * time.Second,
		WriteTimeout:      5 * time.Second,
		HeartbeatOutgoing: 10 * time.Second,
		HeartbeatIncoming: 10 * time.Second,
	}
}

// ==============================================================================

// stompSession one established WebSocket + STOMP session
type stompSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	// readTimeout is zero when the broker does not send heart-beats
	readTimeout time.Duration
	closed      bool
}

// stompSubscriptionImpl implements StompSubscription
type stompSubscriptionImpl struct {
	id          string
	destination string
	handler     MessageHandler
	session     *stompSession
	client      *stompClientImpl
}

func (s *stompSubscriptionImpl) ID() string          { return s.id }
func (s *stompSubscriptionImpl) Destination() string { return s.destination }

func (s *stompSubscriptionImpl) Unsubscribe() error {
	return s.client.unsubscribe(s)
}

// stompClientImpl implements StompClient
type stompClientImpl struct {
	common.Component
	cfg StompClientConfig
	wg  *sync.WaitGroup

	lock          sync.Mutex
	active        bool
	contextCancel context.CancelFunc
	session       *stompSession
	subscriptions map[string]*stompSubscriptionImpl
}

// GetStompClient define a new STOMP over WebSocket client
func GetStompClient(
	cfg StompClientConfig, instance string, wg *sync.WaitGroup,
) (StompClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "stomp-client",
		"instance":  instance,
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("stomp client requires a URL")
	}
	if cfg.ConnectTimeout <= 0 || cfg.ReconnectDelay <= 0 || cfg.WriteTimeout <= 0 {
		return nil, fmt.Errorf("stomp client timeouts must be positive")
	}
	return &stompClientImpl{
		Component:     common.Component{LogTags: logTags},
		cfg:           cfg,
		wg:            wg,
		subscriptions: make(map[string]*stompSubscriptionImpl),
	}, nil
}

// Activate start the connect / reconnect loop
func (c *stompClientImpl) Activate(token string, handlers StompEventHandlers) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.active {
		return ErrAlreadyActive
	}
	ctxt, cancel := context.WithCancel(context.Background())
	c.active = true
	c.contextCancel = cancel
	c.wg.Add(1)
	go c.run(ctxt, token, handlers)
	log.WithFields(c.LogTags).Infof("Activated against %s", c.cfg.URL)
	return nil
}

// Deactivate stop the connect / reconnect loop. Does not wait for the loop to exit.
func (c *stompClientImpl) Deactivate() error {
	c.lock.Lock()
	if !c.active {
		c.lock.Unlock()
		return nil
	}
	c.active = false
	c.contextCancel()
	c.contextCancel = nil
	session := c.session
	c.dropSession()
	c.lock.Unlock()

	if session != nil {
		disconnect := frame.New(frame.DISCONNECT)
		if err := c.writeFrame(session, disconnect); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Failed to send DISCONNECT")
		}
		_ = session.conn.Close()
	}
	log.WithFields(c.LogTags).Info("Deactivated")
	return nil
}

// Connected whether a session is currently established
func (c *stompClientImpl) Connected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.session != nil
}

// Subscribe subscribe to a destination on the current session
func (c *stompClientImpl) Subscribe(
	destination string, handler MessageHandler,
) (StompSubscription, error) {
	c.lock.Lock()
	session := c.session
	if session == nil {
		c.lock.Unlock()
		return nil, ErrNotConnected
	}
	sub := &stompSubscriptionImpl{
		id:          fmt.Sprintf("sub-%s", uuid.New().String()),
		destination: destination,
		handler:     handler,
		session:     session,
		client:      c,
	}
	c.subscriptions[sub.id] = sub
	c.lock.Unlock()

	request := frame.New(
		frame.SUBSCRIBE,
		frame.Id, sub.id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
	if err := c.writeFrame(session, request); err != nil {
		c.lock.Lock()
		delete(c.subscriptions, sub.id)
		c.lock.Unlock()
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to subscribe to %s", destination)
		return nil, err
	}
	log.WithFields(c.LogTags).Debugf("Subscribed %s to %s", sub.id, destination)
	return sub, nil
}

func (c *stompClientImpl) unsubscribe(sub *stompSubscriptionImpl) error {
	c.lock.Lock()
	if _, ok := c.subscriptions[sub.id]; !ok || c.session != sub.session {
		c.lock.Unlock()
		return nil
	}
	delete(c.subscriptions, sub.id)
	c.lock.Unlock()

	request := frame.New(frame.UNSUBSCRIBE, frame.Id, sub.id)
	if err := c.writeFrame(sub.session, request); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to unsubscribe %s", sub.id)
		return err
	}
	log.WithFields(c.LogTags).Debugf("Unsubscribed %s from %s", sub.id, sub.destination)
	return nil
}

// Publish send a JSON body to a destination on the current session
func (c *stompClientImpl) Publish(destination string, body []byte) error {
	c.lock.Lock()
	session := c.session
	c.lock.Unlock()
	if session == nil {
		return ErrNotConnected
	}
	request := frame.New(
		frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	request.Body = body
	return c.writeFrame(session, request)
}

// dropSession forget the current session and all its subscriptions. Caller holds the lock.
func (c *stompClientImpl) dropSession() {
	if c.session != nil {
		c.session.closed = true
	}
	c.session = nil
	c.subscriptions = make(map[string]*stompSubscriptionImpl)
}

// ==============================================================================
// Session handling

func (c *stompClientImpl) run(ctxt context.Context, token string, handlers StompEventHandlers) {
	defer c.wg.Done()
	defer log.WithFields(c.LogTags).Debug("Connect loop exiting")
	for {
		session, err := c.connect(ctxt, token)
		if err != nil {
			if ctxt.Err() != nil {
				return
			}
			log.WithError(err).WithFields(c.LogTags).Errorf("Failed to connect to %s", c.cfg.URL)
			var stompErr StompError
			if errors.As(err, &stompErr) {
				callHook(handlers.OnStompError, err)
			} else {
				callHook(handlers.OnWebSocketError, err)
			}
			callHook0(handlers.OnWebSocketClose)
		} else {
			c.lock.Lock()
			if ctxt.Err() != nil {
				c.lock.Unlock()
				_ = session.conn.Close()
				return
			}
			c.session = session
			c.lock.Unlock()
			log.WithFields(c.LogTags).Infof("Connected to %s", c.cfg.URL)
			callHook0(handlers.OnConnect)

			c.serve(ctxt, session, handlers)

			c.lock.Lock()
			if c.session == session {
				c.dropSession()
			}
			c.lock.Unlock()
			_ = session.conn.Close()
			if ctxt.Err() != nil {
				return
			}
			callHook0(handlers.OnWebSocketClose)
		}

		log.WithFields(c.LogTags).Infof("Reconnecting in %s", c.cfg.ReconnectDelay)
		select {
		case <-ctxt.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// connect dial the endpoint and perform the STOMP handshake
func (c *stompClientImpl) connect(ctxt context.Context, token string) (*stompSession, error) {
	dialCtxt, cancel := context.WithTimeout(ctxt, c.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.ConnectTimeout,
		Subprotocols:     []string{"v12.stomp", "v11.stomp"},
	}
	conn, _, err := dialer.DialContext(dialCtxt, c.cfg.URL, header)
	if err != nil {
		return nil, err
	}
	session := &stompSession{conn: conn}

	host := c.cfg.Host
	if host == "" {
		host = hostFromURL(c.cfg.URL)
	}
	request := frame.New(
		frame.CONNECT,
		frame.AcceptVersion, "1.2,1.1",
		frame.Host, host,
		frame.HeartBeat, fmt.Sprintf(
			"%d,%d", c.cfg.HeartbeatOutgoing.Milliseconds(), c.cfg.HeartbeatIncoming.Milliseconds(),
		),
	)
	if token != "" {
		request.Header.Add("Authorization", "Bearer "+token)
	}
	if err := c.writeFrame(session, request); err != nil {
		_ = conn.Close()
		return nil, err
	}

	deadline, _ := dialCtxt.Deadline()
	_ = conn.SetReadDeadline(deadline)
	for {
		frames, err := readFrames(conn)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrHandshakeFailed, err.Error())
		}
		for _, f := range frames {
			switch f.Command {
			case frame.CONNECTED:
				_ = conn.SetReadDeadline(time.Time{})
				c.negotiateHeartbeat(ctxt, session, f.Header.Get(frame.HeartBeat))
				return session, nil
			case frame.ERROR:
				_ = conn.Close()
				return nil, StompError{Message: f.Header.Get(frame.Message), Body: string(f.Body)}
			default:
				log.WithFields(c.LogTags).Debugf("Ignoring %s frame during handshake", f.Command)
			}
		}
	}
}

// negotiateHeartbeat apply the heart-beat settings agreed with the broker
func (c *stompClientImpl) negotiateHeartbeat(
	ctxt context.Context, session *stompSession, serverHeartbeat string,
) {
	serverOut, serverIn := parseHeartbeat(serverHeartbeat)
	if c.cfg.HeartbeatIncoming > 0 && serverOut > 0 {
		interval := c.cfg.HeartbeatIncoming
		if serverOut > interval {
			interval = serverOut
		}
		session.readTimeout = interval * 2
	}
	if c.cfg.HeartbeatOutgoing > 0 && serverIn > 0 {
		interval := c.cfg.HeartbeatOutgoing
		if serverIn > interval {
			interval = serverIn
		}
		c.wg.Add(1)
		go c.heartbeatLoop(ctxt, session, interval)
	}
}

// heartbeatLoop send EOL heart-beats for the lifetime of the session
func (c *stompClientImpl) heartbeatLoop(
	ctxt context.Context, session *stompSession, interval time.Duration,
) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctxt.Done():
			return
		case <-ticker.C:
			if c.sessionClosed(session) {
				return
			}
			if err := c.writeRaw(session, []byte("\n")); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Failed to send heart-beat")
				return
			}
		}
	}
}

// serve read frames until the session ends
func (c *stompClientImpl) serve(
	ctxt context.Context, session *stompSession, handlers StompEventHandlers,
) {
	for {
		if session.readTimeout > 0 {
			_ = session.conn.SetReadDeadline(time.Now().Add(session.readTimeout))
		}
		frames, err := readFrames(session.conn)
		receivedAt := time.Now()
		if err != nil {
			if ctxt.Err() != nil || c.sessionClosed(session) {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithFields(c.LogTags).Info("Broker closed the session")
			} else {
				log.WithError(err).WithFields(c.LogTags).Error("Session read failed")
				callHook(handlers.OnWebSocketError, err)
			}
			return
		}
		for _, f := range frames {
			switch f.Command {
			case frame.MESSAGE:
				c.deliver(f, receivedAt)
			case frame.ERROR:
				err := StompError{Message: f.Header.Get(frame.Message), Body: string(f.Body)}
				log.WithError(err).WithFields(c.LogTags).Error("Broker sent ERROR frame")
				callHook(handlers.OnStompError, err)
			case frame.RECEIPT:
			default:
				log.WithFields(c.LogTags).Debugf("Ignoring %s frame", f.Command)
			}
		}
	}
}

// deliver route one MESSAGE frame to its subscription handler
func (c *stompClientImpl) deliver(f *frame.Frame, receivedAt time.Time) {
	subID := f.Header.Get(frame.Subscription)
	c.lock.Lock()
	sub, ok := c.subscriptions[subID]
	c.lock.Unlock()
	if !ok {
		log.WithFields(c.LogTags).Debugf("Dropping MESSAGE for unknown subscription '%s'", subID)
		return
	}
	sub.handler(StompMessage{
		Destination:    f.Header.Get(frame.Destination),
		SubscriptionID: subID,
		MessageID:      f.Header.Get(frame.MessageId),
		ContentType:    f.Header.Get(frame.ContentType),
		Body:           f.Body,
		ReceivedAt:     receivedAt,
	})
}

func (c *stompClientImpl) sessionClosed(session *stompSession) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return session.closed
}

// writeFrame encode and send one frame as a single WebSocket text message
func (c *stompClientImpl) writeFrame(session *stompSession, f *frame.Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return c.writeRaw(session, data)
}

func (c *stompClientImpl) writeRaw(session *stompSession, data []byte) error {
	session.writeMu.Lock()
	defer session.writeMu.Unlock()
	_ = session.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return session.conn.WriteMessage(websocket.TextMessage, data)
}

// ==============================================================================
// Helpers

// readFrames read one WebSocket message and decode all STOMP frames inside it.
// A message holding only heart-beat EOLs yields no frames.
func readFrames(conn *websocket.Conn) ([]*frame.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return DecodeFrames(data)
}

// DecodeFrames decode all STOMP frames held in one WebSocket message
func DecodeFrames(data []byte) ([]*frame.Frame, error) {
	frames := []*frame.Frame{}
	if len(bytes.TrimSpace(data)) == 0 {
		return frames, nil
	}
	reader := frame.NewReader(bytes.NewReader(data))
	for {
		f, err := reader.Read()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return nil, err
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

// EncodeFrame encode a STOMP frame into a WebSocket message payload
func EncodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parseHeartbeat parse a "cx,cy" heart-beat header
func parseHeartbeat(value string) (time.Duration, time.Duration) {
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return 0, 0
	}
	outgoing, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || outgoing < 0 {
		outgoing = 0
	}
	incoming, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || incoming < 0 {
		incoming = 0
	}
	return time.Duration(outgoing) * time.Millisecond, time.Duration(incoming) * time.Millisecond
}

// hostFromURL extract the host name of the endpoint URL
func hostFromURL(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

func callHook(hook func(err error), err error) {
	if hook != nil {
		hook(err)
	}
}

func callHook0(hook func()) {
	if hook != nil {
		hook()
	}
}
