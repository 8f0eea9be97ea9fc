package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"posgate/internal/bus"
	"posgate/internal/event"
)

// Close reasons reported in gateway:connectionClosed
const (
	ReasonDisconnected   = "disconnected"
	ReasonShutdown       = "server shutting down"
	ReasonTooManyFailure = "too many authorization failures"
)

// DeviceKeyHeader carries the device key on the upgrade request.
// The "key" query parameter is accepted as a fallback.
const DeviceKeyHeader = "X-Device-Key"

// Bus is the subset of the event bus used by the gateway
type Bus interface {
	Publish(eventType string, data interface{}) error
	Subscribe(eventType string, handler bus.Handler) (bus.Subscription, error)
	Unsubscribe(sub bus.Subscription)
}

// ServerOptions configures the device listener
type ServerOptions struct {
	Path                    string
	MaxMessageSize          int64
	SendBuffer              int
	PingInterval            time.Duration
	PongTimeout             time.Duration
	BroadcastTypes          []string
	DisconnectAfterFailures int
	FailureCacheSize        int
}

func (o *ServerOptions) setDefaults() {
	if o.Path == "" {
		o.Path = "/ws"
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= o.PingInterval {
		o.PongTimeout = 2 * o.PingInterval
	}
}

// ConnectionState is the identification state of a connection
type ConnectionState int

const (
	StateAnonymous ConnectionState = iota
	StateIdentified
)

func (s ConnectionState) String() string {
	if s == StateIdentified {
		return "identified"
	}
	return "anonymous"
}

// OutboundRequest asks for a message to be pushed to devices.
// An empty Target broadcasts to every open connection.
type OutboundRequest = event.Outbound

// Delivery reports the outcome of an outbound request
type Delivery struct {
	Target    string `json:"target,omitempty"`
	Delivered int    `json:"delivered"`
	Attempted int    `json:"attempted"`
}

// ConnectionInfo is a read-only view of a connection record
type ConnectionInfo struct {
	ConnectionID string    `json:"connection_id"`
	DeviceID     string    `json:"device_id,omitempty"`
	State        string    `json:"state"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastSeen     time.Time `json:"last_seen"`
	MessagesIn   uint64    `json:"messages_in"`
	MessagesOut  uint64    `json:"messages_out"`
}

// Connection is one live device socket
type Connection struct {
	id          string
	deviceID    string
	state       ConnectionState
	key         string
	remoteAddr  string
	connectedAt time.Time
	lastSeen    time.Time
	messagesIn  uint64
	messagesOut uint64

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	mutex     sync.RWMutex
}

// ID returns the connection id assigned at open
func (c *Connection) ID() string {
	return c.id
}

// DeviceID returns the bound device id, empty while anonymous
func (c *Connection) DeviceID() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.deviceID
}

func (c *Connection) info() ConnectionInfo {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return ConnectionInfo{
		ConnectionID: c.id,
		DeviceID:     c.deviceID,
		State:        c.state.String(),
		RemoteAddr:   c.remoteAddr,
		ConnectedAt:  c.connectedAt,
		LastSeen:     c.lastSeen,
		MessagesIn:   c.messagesIn,
		MessagesOut:  c.messagesOut,
	}
}

// trySend queues data without blocking. It fails when the connection is
// closed or its buffer is full.
func (c *Connection) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		c.mutex.Lock()
		c.messagesOut++
		c.mutex.Unlock()
		return true
	default:
		return false
	}
}

// ServerStats holds gateway counters
type ServerStats struct {
	Accepted     uint64    `json:"accepted"`
	Closed       uint64    `json:"closed"`
	MessagesIn   uint64    `json:"messages_in"`
	DecodeErrors uint64    `json:"decode_errors"`
	Revocations  uint64    `json:"revocations"`
	StartTime    time.Time `json:"start_time"`
}

// Server accepts device connections and keeps the device id to connection map
type Server struct {
	bus         Bus
	opts        ServerOptions
	logger      zerolog.Logger
	upgrader    websocket.Upgrader
	failures    *FailureTracker
	connections map[string]*Connection // connection id -> connection
	byDevice    map[string]*Connection // device id -> connection
	subs        []bus.Subscription
	httpServer  *http.Server
	stats       ServerStats
	running     bool
	mutex       sync.RWMutex
}

// NewServer creates a device gateway
func NewServer(b Bus, opts ServerOptions, log zerolog.Logger) (*Server, error) {
	opts.setDefaults()

	failures, err := NewFailureTracker(opts.FailureCacheSize, opts.DisconnectAfterFailures)
	if err != nil {
		return nil, err
	}

	return &Server{
		bus:    b,
		opts:   opts,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Devices are not browsers
				return true
			},
		},
		failures:    failures,
		connections: make(map[string]*Connection),
		byDevice:    make(map[string]*Connection),
		stats: ServerStats{
			StartTime: time.Now(),
		},
	}, nil
}

// Start registers the gateway's bus subscriptions
func (s *Server) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return fmt.Errorf("gateway already started")
	}

	handlers := map[string]bus.Handler{
		event.TypeRevoked:      s.handleRevocation,
		event.TypeSend:         s.handleSend,
		event.TypeUnauthorized: s.handleUnauthorized,
		event.TypeReceived:     s.handleReceived,
	}
	order := []string{event.TypeRevoked, event.TypeSend, event.TypeUnauthorized, event.TypeReceived}
	if len(s.opts.BroadcastTypes) > 0 {
		handlers[bus.Wildcard] = s.handleRelay
		order = append(order, bus.Wildcard)
	}

	for _, eventType := range order {
		sub, err := s.bus.Subscribe(eventType, handlers[eventType])
		if err != nil {
			for _, existing := range s.subs {
				s.bus.Unsubscribe(existing)
			}
			s.subs = nil
			return fmt.Errorf("failed to subscribe to %s: %w", eventType, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.running = true
	s.logger.Info().
		Str("path", s.opts.Path).
		Int("disconnect_after_failures", s.opts.DisconnectAfterFailures).
		Strs("broadcast_types", s.opts.BroadcastTypes).
		Msg("Gateway started")
	return nil
}

// Handler returns the HTTP handler serving the websocket endpoint
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(s.opts.Path, s.handleWebSocket).Methods("GET")
	return router
}

// ListenAndServe binds address and serves device connections until Stop
func (s *Server) ListenAndServe(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to bind gateway listener: %w", err)
	}
	return s.Serve(listener)
}

// Serve serves device connections on listener until Stop
func (s *Server) Serve(listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mutex.Lock()
	s.httpServer = server
	s.mutex.Unlock()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Gateway listening for devices")

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway listener failed: %w", err)
	}
	return nil
}

// Stop drops every connection, removes bus subscriptions and closes the listener
func (s *Server) Stop(ctx context.Context) error {
	s.mutex.Lock()
	subs := s.subs
	s.subs = nil
	s.running = false
	server := s.httpServer
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mutex.Unlock()

	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}
	for _, c := range conns {
		s.closeConnection(c, websocket.CloseGoingAway, ReasonShutdown)
	}

	s.logger.Info().Int("connections", len(conns)).Msg("Gateway stopped")

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(DeviceKeyHeader)
	if key == "" {
		key = r.URL.Query().Get("key")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	now := time.Now()
	c := &Connection{
		id:          "conn-" + uuid.NewString(),
		state:       StateAnonymous,
		key:         key,
		remoteAddr:  r.RemoteAddr,
		connectedAt: now,
		lastSeen:    now,
		conn:        conn,
		send:        make(chan []byte, s.opts.SendBuffer),
		done:        make(chan struct{}),
	}

	s.mutex.Lock()
	s.connections[c.id] = c
	s.stats.Accepted++
	s.mutex.Unlock()

	s.logger.Info().
		Str("connection_id", c.id).
		Str("remote_addr", c.remoteAddr).
		Bool("key_presented", key != "").
		Msg("Device connection opened")

	go s.writePump(c)
	go s.readPump(c)
}

// readPump processes the messages of one connection in arrival order
func (s *Server) readPump(c *Connection) {
	reason := ReasonDisconnected
	defer func() {
		s.closeConnection(c, websocket.CloseNormalClosure, reason)
	}()

	c.conn.SetReadLimit(s.opts.MaxMessageSize)
	//nolint:errcheck
	c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("connection_id", c.id).Msg("Websocket read error")
				reason = err.Error()
			} else {
				s.logger.Debug().Err(err).Str("connection_id", c.id).Msg("Websocket closed")
			}
			return
		}

		//nolint:errcheck
		c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		s.handleInbound(c, message)
	}
}

// writePump is the only writer of data frames on the connection
func (s *Server) writePump(c *Connection) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			//nolint:errcheck
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.PongTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.publishConnectionError(c, fmt.Errorf("write failed: %w", err))
				s.closeConnection(c, websocket.CloseInternalServerErr, ReasonDisconnected)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.PongTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.closeConnection(c, websocket.CloseGoingAway, ReasonDisconnected)
				return
			}
		}
	}
}

func (s *Server) handleInbound(c *Connection, message []byte) {
	c.mutex.Lock()
	c.lastSeen = time.Now()
	c.messagesIn++
	c.mutex.Unlock()

	s.mutex.Lock()
	s.stats.MessagesIn++
	s.mutex.Unlock()

	raw, err := event.Decode(message)
	if err != nil {
		s.mutex.Lock()
		s.stats.DecodeErrors++
		s.mutex.Unlock()

		s.logger.Warn().
			Err(err).
			Str("connection_id", c.id).
			Int("bytes", len(message)).
			Msg("Undecodable device message dropped")
		s.publishConnectionError(c, err)
		return
	}

	// The connection is bound only to a device the broker has authorized
	if err := s.bus.Publish(event.TypeIngress, event.Ingress{
		ConnectionID: c.id,
		Key:          c.key,
		Raw:          raw,
		Accepted: func(env *event.Envelope) {
			s.identify(c, env.Context.DeviceID)
		},
	}); err != nil {
		s.logger.Error().Err(err).Str("connection_id", c.id).Msg("Ingress subscriber failed")
	}
}

// identify moves an anonymous connection to identified and binds the device
// id to it. It runs for the first message the broker accepts from the
// connection. A later accepted claim for the same id takes the mapping over.
func (s *Server) identify(c *Connection, deviceID string) {
	c.mutex.Lock()
	if c.state != StateAnonymous {
		c.mutex.Unlock()
		return
	}
	c.state = StateIdentified
	c.deviceID = deviceID
	c.mutex.Unlock()

	s.mutex.Lock()
	previous := s.byDevice[deviceID]
	s.byDevice[deviceID] = c
	s.mutex.Unlock()

	established := event.ConnectionEstablished{
		ConnectionID: c.id,
		DeviceID:     deviceID,
		RemoteAddr:   c.remoteAddr,
	}
	log := s.logger.Info().
		Str("connection_id", c.id).
		Str("device_id", deviceID)
	if previous != nil && previous != c {
		established.Superseded = previous.id
		log = log.Str("superseded", previous.id)
	}
	log.Msg("Device connection identified")

	s.publish(event.TypeConnectionEstablished, established)
}

// closeConnection runs once per connection whatever the cause
func (s *Server) closeConnection(c *Connection, code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)

		deadline := time.Now().Add(time.Second)
		//nolint:errcheck
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.conn.Close()

		deviceID := c.DeviceID()

		s.mutex.Lock()
		delete(s.connections, c.id)
		if deviceID != "" && s.byDevice[deviceID] == c {
			delete(s.byDevice, deviceID)
		}
		s.stats.Closed++
		s.mutex.Unlock()

		s.logger.Info().
			Str("connection_id", c.id).
			Str("device_id", deviceID).
			Str("reason", reason).
			Msg("Device connection closed")

		s.publish(event.TypeConnectionClosed, event.ConnectionClosed{
			ConnectionID: c.id,
			DeviceID:     deviceID,
			Reason:       reason,
		})
	})
}

// Deliver pushes a message to the target device, or to every open
// connection when the target is empty
func (s *Server) Deliver(req OutboundRequest) (Delivery, error) {
	data, err := encodeOutbound(req.Message)
	if err != nil {
		return Delivery{Target: req.Target}, err
	}

	delivery := Delivery{Target: req.Target}

	if req.Target != "" {
		s.mutex.RLock()
		c := s.byDevice[req.Target]
		s.mutex.RUnlock()

		if c == nil {
			s.logger.Debug().Str("device_id", req.Target).Msg("Outbound message for unconnected device dropped")
			return delivery, nil
		}
		delivery.Attempted = 1
		if c.trySend(data) {
			delivery.Delivered = 1
		} else {
			s.logger.Warn().Str("device_id", req.Target).Str("connection_id", c.id).Msg("Outbound message not queued")
		}
		return delivery, nil
	}

	s.mutex.RLock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mutex.RUnlock()

	delivery.Attempted = len(conns)
	for _, c := range conns {
		if c.trySend(data) {
			delivery.Delivered++
		}
	}

	if delivery.Delivered < delivery.Attempted {
		s.logger.Warn().
			Int("attempted", delivery.Attempted).
			Int("delivered", delivery.Delivered).
			Msg("Broadcast partially delivered")
	}
	return delivery, nil
}

func encodeOutbound(message interface{}) ([]byte, error) {
	switch m := message.(type) {
	case nil:
		return nil, fmt.Errorf("outbound message is required")
	case []byte:
		return m, nil
	case json.RawMessage:
		return m, nil
	case *event.Envelope:
		return m.Marshal()
	default:
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to encode outbound message: %w", err)
		}
		return data, nil
	}
}

// Revoke closes the live connection of deviceID, if any, and reports whether one was closed
func (s *Server) Revoke(deviceID, reason string) bool {
	s.mutex.RLock()
	c := s.byDevice[deviceID]
	s.mutex.RUnlock()

	if c == nil {
		s.logger.Debug().Str("device_id", deviceID).Msg("Revoked device has no live connection")
		return false
	}

	s.closeConnection(c, websocket.ClosePolicyViolation, event.RevokedBySystem)

	s.mutex.Lock()
	s.stats.Revocations++
	s.mutex.Unlock()

	s.logger.Warn().
		Str("device_id", deviceID).
		Str("connection_id", c.id).
		Str("reason", reason).
		Msg("Device connection revoked")

	s.publish(event.TypeRevocationApplied, event.RevocationApplied{
		DeviceID:     deviceID,
		ConnectionID: c.id,
		Reason:       event.RevokedBySystem,
	})
	return true
}

func (s *Server) handleRevocation(_ string, data interface{}) error {
	var rev event.Revocation
	switch v := data.(type) {
	case event.Revocation:
		rev = v
	case *event.Revocation:
		rev = *v
	case string:
		rev = event.Revocation{DeviceID: v}
	default:
		return fmt.Errorf("unexpected revocation payload %T", data)
	}
	if rev.DeviceID == "" {
		return fmt.Errorf("revocation without device id")
	}
	s.Revoke(rev.DeviceID, rev.Reason)
	return nil
}

func (s *Server) handleSend(_ string, data interface{}) error {
	var req OutboundRequest
	switch v := data.(type) {
	case OutboundRequest:
		req = v
	case *OutboundRequest:
		req = *v
	default:
		return fmt.Errorf("unexpected send payload %T", data)
	}
	_, err := s.Deliver(req)
	return err
}

func (s *Server) handleUnauthorized(_ string, data interface{}) error {
	diag, ok := data.(event.Unauthorized)
	if !ok || !s.failures.Enabled() {
		return nil
	}

	count, tripped := s.failures.Record(diag.DeviceID)
	if !tripped {
		s.logger.Debug().
			Str("device_id", diag.DeviceID).
			Int("failures", count).
			Msg("Authorization failure recorded")
		return nil
	}

	s.mutex.RLock()
	c := s.connections[diag.ConnectionID]
	s.mutex.RUnlock()
	if c == nil {
		return nil
	}

	s.logger.Warn().
		Str("device_id", diag.DeviceID).
		Str("connection_id", c.id).
		Int("failures", count).
		Msg("Disconnecting device after repeated authorization failures")
	s.closeConnection(c, websocket.ClosePolicyViolation, ReasonTooManyFailure)
	return nil
}

func (s *Server) handleReceived(_ string, data interface{}) error {
	if env, ok := data.(*event.Envelope); ok {
		s.failures.Reset(env.Context.DeviceID)
	}
	return nil
}

// handleRelay broadcasts distributed envelopes whose type matches broadcast_types
func (s *Server) handleRelay(eventType string, data interface{}) error {
	env, ok := data.(*event.Envelope)
	if !ok || env.Meta.Type != eventType || !s.shouldRelay(eventType) {
		return nil
	}
	_, err := s.Deliver(OutboundRequest{Message: env})
	return err
}

func (s *Server) shouldRelay(eventType string) bool {
	for _, pattern := range s.opts.BroadcastTypes {
		if matchType(pattern, eventType) {
			return true
		}
	}
	return false
}

// matchType matches exact types and "module:*" patterns
func matchType(pattern, eventType string) bool {
	if module, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(eventType, module+":")
	}
	return pattern == eventType
}

func (s *Server) publishConnectionError(c *Connection, err error) {
	s.publish(event.TypeConnectionError, event.ConnectionError{
		ConnectionID: c.id,
		DeviceID:     c.DeviceID(),
		Error:        err.Error(),
	})
}

func (s *Server) publish(eventType string, data interface{}) {
	if err := s.bus.Publish(eventType, data); err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Msg("Gateway event subscriber failed")
	}
}

// Connections returns a snapshot of every open connection sorted by connection time
func (s *Server) Connections() []ConnectionInfo {
	s.mutex.RLock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mutex.RUnlock()

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// ConnectionCount returns the number of open connections
func (s *Server) ConnectionCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.connections)
}

// DeviceConnected reports whether deviceID is mapped to an open connection
func (s *Server) DeviceConnected(deviceID string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.byDevice[deviceID]
	return ok
}

// ConnectionFor returns the connection id currently mapped to deviceID
func (s *Server) ConnectionFor(deviceID string) (string, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	c, ok := s.byDevice[deviceID]
	if !ok {
		return "", false
	}
	return c.id, true
}

// Stats returns a copy of the gateway counters
func (s *Server) Stats() ServerStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.stats
}
