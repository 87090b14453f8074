package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"

	"fleetboard.com/board/board"
)

type HubSettings struct {
	WriteTimeout time.Duration
	// a connection with no traffic within about one keepalive
	// interval is treated as dead
	ReadTimeout time.Duration
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  40 * time.Second,
	}
}

// Connection is one registered push connection. writes are serialized
// per connection so broadcasts and pong replies do not interleave.
type Connection struct {
	ConnectionId board.Id
	UserId       string
	ConnectedAt  time.Time

	writeMutex sync.Mutex
	write      func(payload []byte) error
}

func NewConnection(userId string, write func(payload []byte) error) *Connection {
	return &Connection{
		ConnectionId: board.NewId(),
		UserId:       userId,
		ConnectedAt:  time.Now().UTC(),
		write:        write,
	}
}

func (self *Connection) send(payload []byte) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	return self.write(payload)
}

// Hub holds the registry of open push connections for one logical
// room and fans out change events. the registry size is the active
// users count. access is serialized by a single mutex so a broadcast
// never iterates a handle mid-teardown.
type Hub struct {
	ctx context.Context

	auth     *SessionAuth
	settings *HubSettings

	mutex       sync.Mutex
	connections map[board.Id]*Connection
}

func NewHubWithDefaults(ctx context.Context, auth *SessionAuth) *Hub {
	return NewHub(ctx, auth, DefaultHubSettings())
}

func NewHub(ctx context.Context, auth *SessionAuth, settings *HubSettings) *Hub {
	return &Hub{
		ctx:         ctx,
		auth:        auth,
		settings:    settings,
		connections: map[board.Id]*Connection{},
	}
}

func (self *Hub) PresenceCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.connections)
}

// Register adds a connection and announces the new presence count to
// the other connections.
func (self *Hub) Register(connection *Connection) {
	self.mutex.Lock()
	self.connections[connection.ConnectionId] = connection
	count := len(self.connections)
	self.mutex.Unlock()

	glog.V(2).Infof("[hub]register %s count=%d\n", connection.ConnectionId, count)
	self.broadcastPresence(count, &connection.ConnectionId)
}

// Unregister removes a connection, if present, and announces the new
// presence count to the remaining set.
func (self *Hub) Unregister(connectionId board.Id) {
	self.mutex.Lock()
	_, ok := self.connections[connectionId]
	if ok {
		delete(self.connections, connectionId)
	}
	count := len(self.connections)
	self.mutex.Unlock()

	if !ok {
		return
	}
	glog.V(2).Infof("[hub]unregister %s count=%d\n", connectionId, count)
	self.broadcastPresence(count, nil)
}

func (self *Hub) broadcastPresence(count int, excludeConnectionId *board.Id) {
	self.Broadcast(&board.Event{
		Type:          board.EventTypePresenceChanged,
		Timestamp:     time.Now().UTC(),
		PresenceCount: count,
	}, excludeConnectionId)
}

// Broadcast serializes the event once and writes it to every
// registered connection except the optional excluded sender. a write
// failure removes that connection and does not abort the fan-out.
// returns the number of successful deliveries.
func (self *Hub) Broadcast(event *board.Event, excludeConnectionId *board.Id) int {
	payload, err := json.Marshal(event)
	if err != nil {
		glog.Infof("[hub]encode error = %s\n", err)
		return 0
	}

	self.mutex.Lock()
	connections := maps.Values(self.connections)
	self.mutex.Unlock()

	delivered := 0
	for _, connection := range connections {
		if excludeConnectionId != nil && connection.ConnectionId == *excludeConnectionId {
			continue
		}
		if err := connection.send(payload); err != nil {
			glog.Infof("[hub]-> %s error = %s\n", connection.ConnectionId, err)
			self.Unregister(connection.ConnectionId)
			continue
		}
		delivered += 1
	}
	return delivered
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs is the push handshake endpoint. auth is carried in the
// connection url; a rejection closes with a code distinct from a
// normal close so the client does not blindly retry a doomed auth.
func (self *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[hub]upgrade error = %s\n", err)
		return
	}

	userId, err := self.auth.Verify(r.URL.Query().Get("auth"))
	if err != nil {
		glog.Infof("[hub]auth rejected = %s\n", err)
		message := websocket.FormatCloseMessage(board.CloseCodeAuthRejected, "auth rejected")
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		ws.WriteMessage(websocket.CloseMessage, message)
		ws.Close()
		return
	}

	connection := NewConnection(userId, func(payload []byte) error {
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		return ws.WriteMessage(websocket.TextMessage, payload)
	})

	// first server message on success is the connected event with the
	// assigned connection id and the presence count including self
	self.mutex.Lock()
	self.connections[connection.ConnectionId] = connection
	count := len(self.connections)
	self.mutex.Unlock()

	connectionId := connection.ConnectionId
	connected := &board.Event{
		Type:          board.EventTypeConnected,
		Timestamp:     time.Now().UTC(),
		ConnectionId:  &connectionId,
		PresenceCount: count,
	}
	payload, _ := json.Marshal(connected)
	if err := connection.send(payload); err != nil {
		self.Unregister(connectionId)
		ws.Close()
		return
	}
	self.broadcastPresence(count, &connectionId)

	defer func() {
		self.Unregister(connectionId)
		ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[hub]<- %s error = %s\n", connectionId, err)
			return
		}

		event := &board.Event{}
		if err := json.Unmarshal(message, event); err != nil {
			// unknown messages are ignored, not fatal
			continue
		}

		switch event.Type {
		case board.EventTypePing:
			pong := &board.Event{
				Type:      board.EventTypePong,
				Timestamp: time.Now().UTC(),
			}
			pongPayload, _ := json.Marshal(pong)
			if err := connection.send(pongPayload); err != nil {
				return
			}
		default:
			// clients do not publish other event types
		}
	}
}
