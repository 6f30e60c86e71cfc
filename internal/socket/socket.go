package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/winichat/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	defaultWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	defaultPongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	defaultMaxMessageSize = 1 << 20

	defaultSendBuffer = 256
)

// State represents the lifecycle state of a Socket.
type State int32

const (
	// StateDisconnected is the state of a socket that has not dialed yet.
	StateDisconnected State = iota
	// StateConnecting indicates the handshake is in progress.
	StateConnecting
	// StateOpen indicates frames flow in both directions.
	StateOpen
	// StateClosed is terminal. A new Socket is needed to reconnect.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds socket configuration.
type Config struct {
	// URL is the session endpoint, e.g. ws://localhost:6969/ws/session/.
	URL string
	// WriteWait bounds a single frame write.
	WriteWait time.Duration
	// PongWait bounds the silence tolerated from the server.
	PongWait time.Duration
	// PingInterval must be less than PongWait.
	PingInterval time.Duration
	// MaxMessageSize limits inbound frames.
	MaxMessageSize int64
	// SendBuffer is the number of frames queued before Send fails.
	SendBuffer int
}

// DefaultConfig returns a configuration for url with the default timings.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		WriteWait:      defaultWriteWait,
		PongWait:       defaultPongWait,
		PingInterval:   (defaultPongWait * 9) / 10,
		MaxMessageSize: defaultMaxMessageSize,
		SendBuffer:     defaultSendBuffer,
	}
}

func (c Config) withDefaults() Config {
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = (c.PongWait * 9) / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	return c
}

// Option configures a Socket.
type Option func(*Socket)

// WithLogger sets the socket logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Socket) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Socket) {
		if d != nil {
			s.dialer = d
		}
	}
}

// Socket is the authenticated, long-lived connection of one session. It carries
// the user, chat and group capabilities.
type Socket struct {
	cfg    Config
	token  string
	selfID int64
	log    *logger.Logger
	dialer *websocket.Dialer

	state  atomic.Int32
	conn   *websocket.Conn
	connMu sync.RWMutex

	send      chan []byte
	stop      chan struct{}
	opened    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	cbMu    sync.Mutex
	onOpen  []func()
	onClose []func(error)
	closeErr error

	users  *Users
	chats  *Chats
	groups *Groups
}

// New creates a socket for the session identified by token. selfID is the id of the
// session user and is used to flag self-originated user events.
func New(cfg Config, token string, selfID int64, opts ...Option) *Socket {
	s := &Socket{
		cfg:    cfg.withDefaults(),
		token:  token,
		selfID: selfID,
		log:    logger.Global().WithPrefix("socket"),
		dialer: websocket.DefaultDialer,
		stop:   make(chan struct{}),
		opened: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.send = make(chan []byte, s.cfg.SendBuffer)
	s.users = newUsers(s, selfID, s.log.WithPrefix("user"))
	s.chats = newChats(s, s.log.WithPrefix("chat"))
	s.groups = newGroups(s, s.log.WithPrefix("group"))
	return s
}

// State returns the current connection state.
func (s *Socket) State() State {
	return State(s.state.Load())
}

// Users returns the user capability. It is nil for a nil socket.
func (s *Socket) Users() *Users {
	if s == nil {
		return nil
	}
	return s.users
}

// Chats returns the chat capability. It is nil for a nil socket.
func (s *Socket) Chats() *Chats {
	if s == nil {
		return nil
	}
	return s.chats
}

// Groups returns the group capability. It is nil for a nil socket.
func (s *Socket) Groups() *Groups {
	if s == nil {
		return nil
	}
	return s.groups
}

// Connect dials the server and starts the read and write pumps. A failed dial
// closes the socket.
func (s *Socket) Connect(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		if s.State() == StateClosed {
			return ErrClosed
		}
		return ErrAlreadyConnected
	}

	target, err := s.endpoint()
	if err != nil {
		s.shutdown(err)
		return err
	}

	s.log.Debug("dialing %s", s.cfg.URL)
	conn, _, err := s.dialer.DialContext(ctx, target, nil)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", s.cfg.URL, err)
		s.shutdown(err)
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// Closed while dialing.
		_ = conn.Close()
		return ErrClosed
	}

	s.wg.Add(2)
	go s.readPump(conn)
	go s.writePump(conn)

	s.cbMu.Lock()
	pending := s.onOpen
	s.onOpen = nil
	close(s.opened)
	s.cbMu.Unlock()

	s.log.Info("connected to %s", s.cfg.URL)
	for _, fn := range pending {
		s.safeCall(fn)
	}
	return nil
}

func (s *Socket) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("token", s.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// OnOpen runs fn once the socket is open. If it already is, fn runs immediately.
// Each continuation runs at most once.
func (s *Socket) OnOpen(fn func()) {
	s.cbMu.Lock()
	switch s.State() {
	case StateOpen:
		s.cbMu.Unlock()
		s.safeCall(fn)
		return
	case StateClosed:
		s.cbMu.Unlock()
		return
	}
	s.onOpen = append(s.onOpen, fn)
	s.cbMu.Unlock()
}

// WaitOpen blocks until the socket is open, closed or ctx is done.
func (s *Socket) WaitOpen(ctx context.Context) error {
	select {
	case <-s.opened:
		if s.State() == StateClosed {
			return ErrClosed
		}
		return nil
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnClose registers fn to run when the socket closes. The error is nil for a
// local Close.
func (s *Socket) OnClose(fn func(err error)) {
	s.cbMu.Lock()
	if s.State() == StateClosed {
		err := s.closeErr
		s.cbMu.Unlock()
		fn(err)
		return
	}
	s.onClose = append(s.onClose, fn)
	s.cbMu.Unlock()
}

// Done is closed once the socket is closed.
func (s *Socket) Done() <-chan struct{} {
	return s.stop
}

// Send queues f for delivery. Frames sent before the socket opens are delivered
// once it does.
func (s *Socket) Send(f Frame) error {
	if f.EventType == "" {
		return ErrEmptyEventType
	}
	if s.State() == StateClosed {
		return ErrClosed
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame %s/%s: %w", f.EventType, f.Event, err)
	}
	select {
	case <-s.stop:
		return ErrClosed
	case s.send <- data:
		return nil
	default:
		s.log.Warn("send buffer full, dropping %s/%s", f.EventType, f.Event)
		return ErrSendBufferFull
	}
}

// Close closes the connection and waits for the pumps to exit.
func (s *Socket) Close() error {
	s.shutdown(nil)
	s.wg.Wait()
	return nil
}

func (s *Socket) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.cbMu.Lock()
		s.state.Store(int32(StateClosed))
		s.closeErr = cause
		callbacks := s.onClose
		s.onClose = nil
		s.onOpen = nil
		s.cbMu.Unlock()

		close(s.stop)

		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()
		if conn != nil {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteWait),
			)
			_ = conn.Close()
		}

		if cause != nil {
			s.log.Warn("closed: %v", cause)
		} else {
			s.log.Info("closed")
		}
		for _, fn := range callbacks {
			fn(cause)
		}
	})
}

func (s *Socket) readPump(conn *websocket.Conn) {
	defer s.wg.Done()

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Error("read error: %v", err)
				s.shutdown(err)
				return
			}
			s.shutdown(nil)
			return
		}

		s.log.Debug("received: %s", string(message))
		if err := s.route(message); err != nil {
			s.log.Error("%v", err)
		}
	}
}

func (s *Socket) writePump(conn *websocket.Conn) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return

		case data := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Error("write error: %v", err)
				s.shutdown(err)
				return
			}
			s.log.Debug("sent: %s", string(data))

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown(err)
				return
			}
		}
	}
}

// route hands a raw inbound frame to the capability owning its event_type.
// Handler panics are recovered so one bad frame never stops the read loop.
func (s *Socket) route(raw []byte) (err error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return &FrameError{Reason: "malformed frame", Err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &FrameError{EventType: f.EventType, Event: f.Event, Reason: fmt.Sprintf("handler panicked: %v", r)}
		}
	}()

	h := s.handler(f.EventType)
	if h == nil {
		return &FrameError{EventType: f.EventType, Event: f.Event, Reason: "unknown event type"}
	}
	if err := h.Handle(f.Event, f.Data); err != nil {
		return &FrameError{EventType: f.EventType, Event: f.Event, Reason: "handler failed", Err: err}
	}
	return nil
}

func (s *Socket) handler(eventType string) Handler {
	switch eventType {
	case TypeUser:
		return s.users
	case TypeChat:
		return s.chats
	case TypeGroup:
		return s.groups
	default:
		return nil
	}
}

func (s *Socket) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("open continuation panicked: %v", r)
		}
	}()
	fn()
}
