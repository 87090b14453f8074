package board

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 8

// close code sent by the server when the handshake auth is rejected.
// distinct from a normal close so the client does not retry a doomed auth.
const CloseCodeAuthRejected = 4401

type TransportState string

const (
	TransportStateDisconnected TransportState = "disconnected"
	TransportStateConnecting   TransportState = "connecting"
	TransportStateConnected    TransportState = "connected"
	TransportStateReconnecting TransportState = "reconnecting"
)

type PushTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ConnectedTimeout   time.Duration
	KeepaliveTimeout   time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	ReconnectFloor     time.Duration
	ReconnectCeiling   time.Duration
}

func DefaultPushTransportSettings() *PushTransportSettings {
	keepaliveTimeout := 30 * time.Second
	return &PushTransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		ConnectedTimeout:   5 * time.Second,
		KeepaliveTimeout:   keepaliveTimeout,
		WriteTimeout:       5 * time.Second,
		// a connection with no traffic within about one keepalive
		// interval is treated as dead
		ReadTimeout:      keepaliveTimeout + 10*time.Second,
		ReconnectFloor:   DefaultReconnectFloor,
		ReconnectCeiling: DefaultReconnectCeiling,
	}
}

type EventCallback func(event *Event)

type TransportStateCallback func(state TransportState)

// PushTransport manages one push connection per session:
// connect, authenticate, reconnect with exponential backoff,
// keepalive, and event dispatch to subscribers.
type PushTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectUrl string
	byJwt      string

	settings *PushTransportSettings

	stateLock     sync.Mutex
	state         TransportState
	connectionId  *Id
	presenceCount int
	manualClose   bool
	authRejected  bool

	send chan *Event

	eventCallbacks *callbackList[*eventCallbackEntry]
	stateCallbacks *callbackList[TransportStateCallback]
}

type eventCallbackEntry struct {
	eventType string
	callback  EventCallback
}

func NewPushTransportWithDefaults(ctx context.Context, connectUrl string, byJwt string) *PushTransport {
	return NewPushTransport(ctx, connectUrl, byJwt, DefaultPushTransportSettings())
}

func NewPushTransport(ctx context.Context, connectUrl string, byJwt string, settings *PushTransportSettings) *PushTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &PushTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		connectUrl:     connectUrl,
		byJwt:          byJwt,
		settings:       settings,
		state:          TransportStateDisconnected,
		send:           make(chan *Event, TransportBufferSize),
		eventCallbacks: newCallbackList[*eventCallbackEntry](),
		stateCallbacks: newCallbackList[TransportStateCallback](),
	}
	go transport.run()
	return transport
}

func (self *PushTransport) State() TransportState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// ConnectionId returns the server-assigned connection id,
// valid while connected.
func (self *PushTransport) ConnectionId() (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.connectionId == nil {
		return Id{}, false
	}
	return *self.connectionId, true
}

func (self *PushTransport) PresenceCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.presenceCount
}

// the returned func removes the callback
func (self *PushTransport) AddEventCallback(eventType string, callback EventCallback) func() {
	return self.eventCallbacks.add(&eventCallbackEntry{
		eventType: eventType,
		callback:  callback,
	})
}

// the returned func removes the callback
func (self *PushTransport) AddStateCallback(callback TransportStateCallback) func() {
	return self.stateCallbacks.add(callback)
}

// Send queues an event for the server. non-blocking; returns false
// if the send buffer is full or the transport is torn down.
func (self *PushTransport) Send(event *Event) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- event:
		return true
	default:
		return false
	}
}

// Disconnect is terminal. it cancels the run loop including any
// pending reconnect timer and keepalive.
func (self *PushTransport) Disconnect() {
	self.stateLock.Lock()
	self.manualClose = true
	self.stateLock.Unlock()
	self.cancel()
	self.setState(TransportStateDisconnected)
}

func (self *PushTransport) setState(state TransportState) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	if self.manualClose && state != TransportStateDisconnected {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	if state != TransportStateConnected {
		self.connectionId = nil
	}
	self.stateLock.Unlock()

	for _, callback := range self.stateCallbacks.get() {
		callback(state)
	}
}

func (self *PushTransport) dispatch(event *Event) {
	for _, entry := range self.eventCallbacks.get() {
		if entry.eventType == event.Type {
			entry.callback(event)
		}
	}
}

func (self *PushTransport) connectUrlWithAuth() (string, error) {
	u, err := url.Parse(self.connectUrl)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("auth", self.byJwt)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (self *PushTransport) run() {
	defer self.cancel()

	connectUrl, err := self.connectUrlWithAuth()
	if err != nil {
		glog.Infof("[pt]bad connect url = %s\n", err)
		return
	}

	reconnect := NewReconnectWithLimits(self.settings.ReconnectFloor, self.settings.ReconnectCeiling)

	for {
		self.setState(TransportStateConnecting)

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, response, err := dialer.DialContext(self.ctx, connectUrl, nil)
			if err != nil {
				if response != nil {
					switch response.StatusCode {
					case http.StatusUnauthorized, http.StatusForbidden:
						self.stateLock.Lock()
						self.authRejected = true
						self.stateLock.Unlock()
					}
				}
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			// the first server message must be a `connected` event
			ws.SetReadDeadline(time.Now().Add(self.settings.ConnectedTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, CloseCodeAuthRejected) {
					self.stateLock.Lock()
					self.authRejected = true
					self.stateLock.Unlock()
				}
				return nil, err
			}
			connectedEvent := &Event{}
			if err := json.Unmarshal(message, connectedEvent); err != nil {
				return nil, err
			}
			if connectedEvent.Type != EventTypeConnected || connectedEvent.ConnectionId == nil {
				return nil, fmt.Errorf("handshake error: expected connected event, got %s", connectedEvent.Type)
			}

			self.stateLock.Lock()
			self.connectionId = connectedEvent.ConnectionId
			self.presenceCount = connectedEvent.PresenceCount
			self.stateLock.Unlock()

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			self.stateLock.Lock()
			authRejected := self.authRejected
			self.stateLock.Unlock()
			if authRejected {
				// retrying the same doomed auth would fail forever
				glog.Infof("[pt]auth rejected = %s\n", err)
				self.setState(TransportStateDisconnected)
				return
			}
			glog.Infof("[pt]connect error = %s\n", err)
			self.setState(TransportStateReconnecting)
			select {
			case <-self.ctx.Done():
				self.setState(TransportStateDisconnected)
				return
			case <-reconnect.After():
				continue
			}
		}

		reconnect.Reset()
		self.setState(TransportStateConnected)

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case event, ok := <-self.send:
						if !ok {
							return
						}

						message, err := json.Marshal(event)
						if err != nil {
							glog.Infof("[pts]encode error = %s\n", err)
							continue
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// a websocket deadline timeout cannot be recovered
							glog.Infof("[pts]-> error = %s\n", err)
							return
						}
						glog.V(2).Infof("[pts]->%s\n", event.Type)
					case <-time.After(self.settings.KeepaliveTimeout):
						ping := &Event{
							Type:      EventTypePing,
							Timestamp: time.Now().UTC(),
						}
						message, _ := json.Marshal(ping)
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							return
						}
						glog.V(2).Infof("[pts]->ping\n")
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					_, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[ptr]<- error = %s\n", err)
						return
					}

					event := &Event{}
					if err := json.Unmarshal(message, event); err != nil {
						// unknown or malformed messages are ignored, not fatal
						glog.V(2).Infof("[ptr]<- decode error = %s\n", err)
						continue
					}

					switch event.Type {
					case EventTypePong:
						glog.V(2).Infof("[ptr]<-pong\n")
					case EventTypePing:
						pong := &Event{
							Type:      EventTypePong,
							Timestamp: time.Now().UTC(),
						}
						self.Send(pong)
					case EventTypePresenceChanged:
						self.stateLock.Lock()
						self.presenceCount = event.PresenceCount
						self.stateLock.Unlock()
						self.dispatch(event)
					default:
						self.dispatch(event)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		c()

		self.setState(TransportStateReconnecting)
		select {
		case <-self.ctx.Done():
			self.setState(TransportStateDisconnected)
			return
		case <-reconnect.After():
		}
	}
}
