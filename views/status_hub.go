package views

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/GrainArc/MapRectify/services"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsClient serializes writes on one connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsClient) send(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

// StatusHub pushes session events to the websocket clients watching each session.
type StatusHub struct {
	// session id -> *sync.Map of *wsClient
	clients sync.Map
}

func NewStatusHub() *StatusHub {
	return &StatusHub{}
}

func (h *StatusHub) register(sessionID uint, c *wsClient) {
	conns, _ := h.clients.LoadOrStore(sessionID, &sync.Map{})
	conns.(*sync.Map).Store(c, true)
}

func (h *StatusHub) unregister(sessionID uint, c *wsClient) {
	if conns, ok := h.clients.Load(sessionID); ok {
		conns.(*sync.Map).Delete(c)
	}
	c.conn.Close()
}

// Watchers counts the open connections of one session.
func (h *StatusHub) Watchers(sessionID uint) int {
	n := 0
	if conns, ok := h.clients.Load(sessionID); ok {
		conns.(*sync.Map).Range(func(_, _ interface{}) bool {
			n++
			return true
		})
	}
	return n
}

// Notify broadcasts ev to every client of its session.
func (h *StatusHub) Notify(ev services.SessionEvent) {
	conns, ok := h.clients.Load(ev.SessionID)
	if !ok {
		return
	}
	conns.(*sync.Map).Range(func(key, _ interface{}) bool {
		c := key.(*wsClient)
		if err := c.send(ev); err != nil {
			log.Printf("session %d | websocket send: %v", ev.SessionID, err)
			h.unregister(ev.SessionID, c)
		}
		return true
	})
}

// Serve upgrades the request, sends the current state and keeps the
// connection registered until the client goes away.
func (h *StatusHub) Serve(c *gin.Context, sessionID uint, initial services.SessionEvent) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("session %d | websocket upgrade: %v", sessionID, err)
		return
	}
	client := &wsClient{conn: conn}
	h.register(sessionID, client)
	defer h.unregister(sessionID, client)

	if err := client.send(initial); err != nil {
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("session %d | websocket: %v", sessionID, err)
			}
			return
		}
	}
}
