package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	relayerrors "github.com/moodtribe/relay/pkg/errors"
	"github.com/moodtribe/relay/pkg/handlers"
	"go.uber.org/zap"
)

type WebsocketRelayParams struct {
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize  int64
	OutgoingQueueLength int
	WriteTimeout        time.Duration

	// Fallback serves every request the relay does not own. Nil means 404.
	Fallback http.Handler

	Logger *zap.Logger
}

type websocketRelay struct {
	upgrader *websocket.Upgrader
	params   WebsocketRelayParams

	connectionHandler handlers.ConnectionHandler

	mut_connections sync.RWMutex
	connections     map[string]*wsConnection

	mut_listener sync.RWMutex
	listener     net.Listener

	log *zap.Logger
}

// Empty origins come from non-browser clients and are always accepted.
func checkOrigin(r *http.Request, params WebsocketRelayParams) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(params.DenylistedHosts, origin) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return slices.Contains(params.AllowlistedHosts, origin)
}

func CreateWebsocketRelay(connectionHandler handlers.ConnectionHandler, params WebsocketRelayParams) (*websocketRelay, error) {
	if connectionHandler == nil {
		return nil, &relayerrors.MissingFieldError{
			MessageName: "CreateWebsocketRelay",
			FieldName:   "connectionHandler",
		}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/ws"
	}
	if params.MaxReadMessageSize <= 0 {
		params.MaxReadMessageSize = 64 * 1024
	}
	if params.OutgoingQueueLength <= 0 {
		params.OutgoingQueueLength = 16
	}
	if params.WriteTimeout <= 0 {
		params.WriteTimeout = 10 * time.Second
	}
	if params.Fallback == nil {
		params.Fallback = http.NotFoundHandler()
	}

	return &websocketRelay{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params:            params,
		connectionHandler: connectionHandler,

		mut_connections: sync.RWMutex{},
		connections:     make(map[string]*wsConnection),

		log: logger.With(zap.String("handler", "WebSocket")),
	}, nil
}

//
// Connection handle given to the relay

type wsConnection struct {
	id   string
	conn *websocket.Conn

	mut_state sync.Mutex
	open      bool
	outgoing  chan []byte
}

func (c *wsConnection) Id() string {
	return c.id
}

func (c *wsConnection) Send(frame []byte) error {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()

	if !c.open {
		return &relayerrors.ConnectionClosedError{ConnectionId: c.id}
	}

	select {
	case c.outgoing <- frame:
		return nil
	default:
		return &relayerrors.QueueFullError{ConnectionId: c.id, Capacity: cap(c.outgoing)}
	}
}

func (c *wsConnection) IsOpen() bool {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()
	return c.open
}

// markClosed stops accepting frames and ends the write pump once the queue
// drains. Idempotent.
func (c *wsConnection) markClosed() {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()

	if c.open {
		c.open = false
		close(c.outgoing)
	}
}

//
// HTTP surface

// Handler owns websocket upgrades on ListenEndpoint and hands every other
// request to the fallback untouched.
func (ws *websocketRelay) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ws.params.ListenEndpoint || !websocket.IsWebSocketUpgrade(r) {
			ws.params.Fallback.ServeHTTP(w, r)
			return
		}
		ws.onWsRequest(w, r)
	})
}

func (ws *websocketRelay) ConnectionCount() int {
	ws.mut_connections.RLock()
	defer ws.mut_connections.RUnlock()
	return len(ws.connections)
}

func (ws *websocketRelay) onWsRequest(w http.ResponseWriter, r *http.Request) {
	connId := uuid.NewString()
	log := ws.log.With(zap.String("connId", connId))

	log.Debug("New WebSocket request", zap.String("remoteAddr", r.RemoteAddr))
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	c.SetReadLimit(ws.params.MaxReadMessageSize)

	conn := &wsConnection{
		id:       connId,
		conn:     c,
		open:     true,
		outgoing: make(chan []byte, ws.params.OutgoingQueueLength),
	}

	func() {
		ws.mut_connections.Lock()
		defer ws.mut_connections.Unlock()
		ws.connections[connId] = conn
	}()

	defer func() {
		ws.mut_connections.Lock()
		defer ws.mut_connections.Unlock()
		delete(ws.connections, connId)
		log.Debug("Removed connection from WebSocket handler connections map")
	}()

	session := ws.connectionHandler.Open(conn)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ws.writePump(log, conn)
	}()

	ws.readPump(log, conn, session)

	session.Close()
	conn.markClosed()
	wg.Wait()
	c.Close()
}

func (ws *websocketRelay) readPump(log *zap.Logger, conn *wsConnection, session handlers.ConnectionSession) {
	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
	for {
		msgType, payload, msgErr := conn.conn.ReadMessage()
		if msgErr != nil {
			if websocket.IsCloseError(msgErr, expectedCloseErrors...) {
				closeError, ok := msgErr.(*websocket.CloseError)
				if ok {
					log.Info("Received close request", zap.Int("closeCode", closeError.Code), zap.String("closeMsg", closeError.Text))
				} else {
					log.Info("Received close request from client")
				}
				return
			}

			if websocket.IsUnexpectedCloseError(msgErr, expectedCloseErrors...) {
				log.Warn("Connection closed unexpectedly", zap.Error(msgErr))
				return
			}

			if errors.Is(msgErr, net.ErrClosed) {
				log.Info("Closing connection, probably from relay-initiated close")
				return
			}

			log.Error("Received unexpected WebSocket error on message read", zap.Error(msgErr))
			return
		}

		if msgType != websocket.TextMessage {
			log.Info("Received non-text message, ignoring", zap.Int("size", len(payload)))
			continue
		}

		// Errors are logged by the session; a bad frame never ends the connection.
		_ = session.HandleFrame(payload)
	}
}

func (ws *websocketRelay) writePump(log *zap.Logger, conn *wsConnection) {
	for frame := range conn.outgoing {
		conn.conn.SetWriteDeadline(time.Now().Add(ws.params.WriteTimeout))
		if err := conn.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Warn("Failed to write frame, closing connection", zap.Error(err))
			conn.markClosed()
			conn.conn.Close()
			return
		}
	}

	conn.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// closeAll is used at shutdown: hijacked connections are not tracked by
// http.Server.Shutdown.
func (ws *websocketRelay) closeAll() {
	ws.mut_connections.RLock()
	defer ws.mut_connections.RUnlock()

	for _, conn := range ws.connections {
		conn.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second))
		conn.conn.Close()
	}
}

//
// Server lifecycle

// Addr is the bound listener address once Serve has started.
func (ws *websocketRelay) Addr() string {
	ws.mut_listener.RLock()
	defer ws.mut_listener.RUnlock()
	if ws.listener == nil {
		return ""
	}
	return ws.listener.Addr().String()
}

func (ws *websocketRelay) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", ws.params.ListenAddress)
	if err != nil {
		return err
	}
	return ws.Serve(ctx, listener)
}

// Serve runs the HTTP server on listener until ctx is cancelled.
func (ws *websocketRelay) Serve(ctx context.Context, listener net.Listener) error {
	func() {
		ws.mut_listener.Lock()
		defer ws.mut_listener.Unlock()
		ws.listener = listener
	}()

	server := &http.Server{
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		ws.log.Sugar().Infof("Starting WebSocket relay at %s%s", listener.Addr().String(), ws.params.ListenEndpoint)
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownRelease()
	ws.log.Info("Attempting to trigger shutdown of WebSocket server")

	ws.closeAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
		return err
	}
	<-serveErr

	ws.log.Info("Successfully shutdown WebSocket server")
	return nil
}
