// -----------------------------------------------------------------------
// Bus server - Unix domain socket side owned by the backend
// -----------------------------------------------------------------------

package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

const (
	// DefaultHeartbeatTimeout marks a connection stale when no heartbeat
	// arrives within this window
	DefaultHeartbeatTimeout = 30 * time.Second

	// DefaultHeartbeatInterval is how often the server emits its own
	// heartbeats to connected peers
	DefaultHeartbeatInterval = 30 * time.Second

	writeDeadline = 5 * time.Second
	readChunkSize = 64 * 1024
)

// ServerOptions configures the bus server
type ServerOptions struct {
	SocketPath        string
	Identity          string
	MaxMessageSize    int
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration
}

type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	info    models.ConnectionInfo
}

// Server listens on the Unix socket, routes inbound envelopes to typed
// handlers, and tracks per-connection heartbeats. Connections are owned by
// the server; their records never outlive the socket.
type Server struct {
	opts     ServerOptions
	logger   arbor.ILogger
	listener net.Listener

	mu    sync.RWMutex
	conns map[string]*serverConn

	handlerMu sync.RWMutex
	handlers  map[models.MessageType]map[string]interfaces.EnvelopeHandler

	events *EventDispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a bus server with defaults applied
func NewServer(opts ServerOptions, logger arbor.ILogger) *Server {
	if opts.Identity == "" {
		opts.Identity = models.IdentityBackend
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Server{
		opts:     opts,
		logger:   logger,
		conns:    make(map[string]*serverConn),
		handlers: make(map[models.MessageType]map[string]interfaces.EnvelopeHandler),
		events:   NewEventDispatcher(logger),
	}
}

// Events exposes the connection lifecycle dispatcher
func (s *Server) Events() *EventDispatcher {
	return s.events
}

// Handle registers a handler for a (type, key) pair
func (s *Server) Handle(msgType models.MessageType, key string, handler interfaces.EnvelopeHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	if s.handlers[msgType] == nil {
		s.handlers[msgType] = make(map[string]interfaces.EnvelopeHandler)
	}
	s.handlers[msgType][key] = handler
}

// Start creates the socket (0660, directory 0750) and begins accepting
func (s *Server) Start(ctx context.Context) error {
	dir := filepath.Dir(s.opts.SocketPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove a stale socket from an unclean shutdown
	if _, err := os.Stat(s.opts.SocketPath); err == nil {
		if err := os.Remove(s.opts.SocketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.SocketPath, err)
	}
	if err := os.Chmod(s.opts.SocketPath, 0660); err != nil {
		s.logger.Warn().Err(err).Str("socket", s.opts.SocketPath).Msg("Failed to set socket permissions")
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.acceptLoop()
	go s.monitorLoop()

	s.logger.Info().Str("socket", s.opts.SocketPath).Msg("IPC bus server listening")
	return nil
}

// Stop closes the listener and all connections
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, sc := range s.conns {
		sc.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.opts.SocketPath)
	s.logger.Info().Msg("IPC bus server stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		now := time.Now()
		sc := &serverConn{
			conn: conn,
			info: models.ConnectionInfo{
				ID:           common.NewConnectionID(),
				ConnectedAt:  now,
				LastActivity: now,
				State:        models.ConnStateConnected,
			},
		}

		s.mu.Lock()
		s.conns[sc.info.ID] = sc
		s.mu.Unlock()

		s.logger.Info().Str("connection_id", sc.info.ID).Msg("Crawler connection accepted")
		s.events.Publish(s.ctx, interfaces.BusEvent{Type: interfaces.BusEventConnected, Connection: sc.info})

		s.wg.Add(1)
		go s.readLoop(sc)
	}
}

func (s *Server) readLoop(sc *serverConn) {
	defer s.wg.Done()

	decoder := NewDecoder(s.opts.MaxMessageSize, s.logger)
	buf := make([]byte, readChunkSize)

	for {
		n, err := sc.conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			sc.info.LastActivity = time.Now()
			s.mu.Unlock()

			for _, env := range decoder.Feed(buf[:n]) {
				s.route(sc, env)
			}
		}
		if err != nil {
			break
		}
	}

	sc.conn.Close()

	s.mu.Lock()
	delete(s.conns, sc.info.ID)
	info := sc.info
	info.State = models.ConnStateDisconnecting
	s.mu.Unlock()

	s.logger.Warn().
		Str("connection_id", info.ID).
		Str("remote", info.RemoteIdentity).
		Msg("Crawler connection closed")
	s.events.Publish(s.ctx, interfaces.BusEvent{Type: interfaces.BusEventDisconnected, Connection: info})
}

func (s *Server) route(sc *serverConn, env *models.Envelope) {
	if env.Destination != s.opts.Identity && env.Destination != models.DestinationBroadcast {
		// Relay supervisor-bound (or otherwise peer-addressed) traffic when
		// the target is connected; the drop is a routing failure, not noise
		if err := s.SendTo(env.Destination, env); err != nil {
			s.logger.Warn().
				Str("origin", env.Origin).
				Str("destination", env.Destination).
				Str("key", env.Key).
				Msg("No route for envelope destination, dropped")
		}
		return
	}

	switch env.Type {
	case models.TypeHeartbeat:
		s.mu.Lock()
		sc.info.LastHeartbeat = time.Now()
		if sc.info.State == models.ConnStateAuthenticated {
			sc.info.State = models.ConnStateActive
		}
		s.mu.Unlock()

	case models.TypeCommand:
		if env.Key == models.KeyRegister {
			s.handleRegister(sc, env)
			return
		}
	}

	s.handlerMu.RLock()
	handler := s.handlers[env.Type][env.Key]
	s.handlerMu.RUnlock()

	if handler == nil {
		if env.Type != models.TypeHeartbeat {
			s.logger.Debug().
				Str("type", string(env.Type)).
				Str("key", env.Key).
				Msg("No handler for envelope")
		}
		return
	}

	if err := handler(s.ctx, env); err != nil {
		s.logger.Error().
			Err(err).
			Str("type", string(env.Type)).
			Str("key", env.Key).
			Msg("Envelope handler failed")
	}
}

func (s *Server) handleRegister(sc *serverConn, env *models.Envelope) {
	var reg models.RegisterPayload
	if err := env.DecodePayload(&reg); err != nil {
		s.logger.Warn().Err(err).Msg("Invalid register payload")
		return
	}

	s.mu.Lock()
	sc.info.RemoteIdentity = reg.ID
	sc.info.RemoteType = reg.Type
	sc.info.PID = reg.PID
	sc.info.State = models.ConnStateAuthenticated
	sc.info.LastHeartbeat = time.Now()
	info := sc.info
	s.mu.Unlock()

	s.logger.Info().
		Str("connection_id", info.ID).
		Str("remote", reg.ID).
		Str("type", reg.Type).
		Int("pid", reg.PID).
		Msg("Connection registered")
	s.events.Publish(s.ctx, interfaces.BusEvent{Type: interfaces.BusEventRegistered, Connection: info})
}

// monitorLoop emits server heartbeats and expires stale connections
func (s *Server) monitorLoop() {
	defer s.wg.Done()

	checkEvery := s.opts.HeartbeatTimeout / 2
	if checkEvery > s.opts.HeartbeatInterval {
		checkEvery = s.opts.HeartbeatInterval
	}
	if checkEvery < time.Second {
		checkEvery = time.Second
	}

	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	lastBeat := time.Time{}
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(lastBeat) >= s.opts.HeartbeatInterval {
				s.broadcastHeartbeat(now)
				lastBeat = now
			}
			s.expireStale(now)
		}
	}
}

func (s *Server) broadcastHeartbeat(now time.Time) {
	env, err := models.NewEnvelope(s.opts.Identity, models.DestinationBroadcast,
		models.TypeHeartbeat, models.KeyHeartbeat,
		models.HeartbeatPayload{Timestamp: now.UnixMilli()})
	if err != nil {
		return
	}
	s.Broadcast(env)
}

func (s *Server) expireStale(now time.Time) {
	var stale []*serverConn

	s.mu.RLock()
	for _, sc := range s.conns {
		last := sc.info.LastHeartbeat
		if last.IsZero() {
			last = sc.info.ConnectedAt
		}
		if now.Sub(last) > s.opts.HeartbeatTimeout {
			stale = append(stale, sc)
		}
	}
	s.mu.RUnlock()

	for _, sc := range stale {
		s.logger.Warn().
			Str("connection_id", sc.info.ID).
			Str("remote", sc.info.RemoteIdentity).
			Dur("timeout", s.opts.HeartbeatTimeout).
			Msg("Heartbeat timeout, closing connection")

		s.mu.Lock()
		info := sc.info
		info.State = models.ConnStateError
		s.mu.Unlock()

		s.events.Publish(s.ctx, interfaces.BusEvent{Type: interfaces.BusEventHeartbeatTimeout, Connection: info})
		// Closing makes the read loop exit, which also emits disconnected;
		// the reconciler coalesces the pair.
		sc.conn.Close()
	}
}

func (s *Server) writeFrame(sc *serverConn, env *models.Envelope) error {
	frame, err := EncodeEnvelope(env, s.opts.MaxMessageSize)
	if err != nil {
		return err
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	sc.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_, err = sc.conn.Write(frame)
	return err
}

// SendTo delivers an envelope to the connection registered under the given
// identity, or to the first connection of that type ("crawler")
func (s *Server) SendTo(identity string, env *models.Envelope) error {
	s.mu.RLock()
	var target *serverConn
	for _, sc := range s.conns {
		if sc.info.RemoteIdentity == identity || sc.info.RemoteType == identity {
			target = sc
			break
		}
	}
	s.mu.RUnlock()

	if target == nil {
		return models.NewError(models.ErrKindConnection, models.SeverityMedium,
			fmt.Sprintf("no connection registered for %q", identity), nil)
	}
	return s.writeFrame(target, env)
}

// Broadcast delivers an envelope to every connection
func (s *Server) Broadcast(env *models.Envelope) {
	s.mu.RLock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.RUnlock()

	for _, sc := range conns {
		if err := s.writeFrame(sc, env); err != nil {
			s.logger.Debug().
				Err(err).
				Str("connection_id", sc.info.ID).
				Msg("Broadcast write failed")
		}
	}
}

// HasConnection reports whether any connection is registered under the
// identity or type
func (s *Server) HasConnection(identity string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.conns {
		if sc.info.RemoteIdentity == identity || sc.info.RemoteType == identity {
			return true
		}
	}
	return false
}

// Connections returns a snapshot of the connection registry
func (s *Server) Connections() []models.ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConnectionInfo, 0, len(s.conns))
	for _, sc := range s.conns {
		out = append(out, sc.info)
	}
	return out
}
