package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

// События websocket-протокола.
const (
	EventJoin         = "join"
	EventJoined       = "joined"
	EventLeave        = "leave"
	EventError        = "error"
	EventNotification = "notification"
)

var (
	errChannelClosed = errors.New("channel closed")
	errQueueFull     = errors.New("channel send queue is full")
)

// Frame — сообщение websocket-протокола в обе стороны.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ChannelOptions задаёт параметры websocket-канала.
type ChannelOptions struct {
	SendQueue  int
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
	ReadLimit  int64
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.SendQueue <= 0 {
		o.SendQueue = 32
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 4096
	}
	return o
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsChannel — одно websocket-соединение. Deliver не блокируется: при полной очереди push отбрасывается.
type wsChannel struct {
	id     string
	conn   *websocket.Conn
	opts   ChannelOptions
	logger *log.Entry

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn, opts ChannelOptions, logger *log.Entry) *wsChannel {
	id := uuid.NewString()
	return &wsChannel{
		id:     id,
		conn:   conn,
		opts:   opts,
		logger: logger.WithField("channel_id", id),
		send:   make(chan []byte, opts.SendQueue),
		closed: make(chan struct{}),
	}
}

func (c *wsChannel) ID() string { return c.id }

func (c *wsChannel) Deliver(n domain.Notification) error {
	return c.emit(EventNotification, n)
}

func (c *wsChannel) emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return errChannelClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return errChannelClosed
	default:
		return errQueueFull
	}
}

func (c *wsChannel) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *wsChannel) writeLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// serveChannel принимает websocket-соединение. Канал попадает в комнату пользователя
// только после join со своей же идентичностью и покидает её при закрытии.
func (s *server) serveChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	ch := newWSChannel(conn, s.channel, s.logger.WithField("user_id", id.UserID))
	go ch.writeLoop()
	defer func() {
		s.leave(ch, id.UserID)
		ch.close()
		ch.logger.Debug("channel closed")
	}()

	conn.SetReadLimit(s.channel.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(s.channel.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.channel.PongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				ch.logger.WithError(err).Debug("websocket read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.channel.PongWait))
		s.handleFrame(ch, id, message)
	}
}

func (s *server) handleFrame(ch *wsChannel, id Identity, message []byte) {
	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		_ = ch.emit(EventError, "malformed frame")
		return
	}

	switch frame.Event {
	case EventJoin:
		var userID string
		if err := json.Unmarshal(frame.Data, &userID); err != nil || userID == "" {
			_ = ch.emit(EventError, "join requires a user id")
			return
		}
		if userID != id.UserID {
			ch.logger.WithField("requested_user_id", userID).Warn("join for foreign identity rejected")
			_ = ch.emit(EventError, "cannot join another user's room")
			return
		}
		wasOnline := s.presence.Online(userID)
		s.presence.Join(userID, ch)
		if !wasOnline {
			ch.logger.WithField("open_channels", s.presence.Count()).Info("user is online")
		}
		_ = ch.emit(EventJoined, userID)
	case EventLeave:
		s.leave(ch, id.UserID)
	default:
		_ = ch.emit(EventError, "unknown event "+frame.Event)
	}
}

// leave убирает канал из комнаты; последний закрытый канал переводит пользователя в offline.
func (s *server) leave(ch *wsChannel, userID string) {
	wasOnline := s.presence.Online(userID)
	s.presence.Leave(ch)
	if wasOnline && !s.presence.Online(userID) {
		ch.logger.WithField("open_channels", s.presence.Count()).Info("user is offline, notifications stay in backlog")
	}
}
