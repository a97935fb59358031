package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tubefetch/internal/notify"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSink writes task events to a websocket connection as JSON text frames.
type wsSink struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

func (s *wsSink) Send(ev notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(ev)
}

func (s *wsSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (s *wsSink) Close() error {
	return s.closeWith(websocket.CloseNormalClosure, "")
}

func (s *wsSink) closeWith(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	return s.conn.Close()
}

func (h *Handler) subscribe(c *gin.Context) {
	accountID := currentAccount(c)
	taskID := c.Param("id")

	// reject unknown tasks with a plain HTTP error before upgrading
	if _, err := h.manager.Get(c.Request.Context(), accountID, taskID); err != nil {
		h.respondErr(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithField("task_id", taskID).Debugf("websocket upgrade: %v", err)
		return
	}
	sink := newWSSink(conn)

	sub, err := h.manager.Subscribe(c.Request.Context(), accountID, taskID, sink)
	if err != nil {
		_ = sink.closeWith(websocket.ClosePolicyViolation, err.Error())
		return
	}

	// the read loop only notices client disconnects and pongs
	go func() {
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-sub.Done():
			return
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				sub.Cancel()
				return
			}
		}
	}
}
