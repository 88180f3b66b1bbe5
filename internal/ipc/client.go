// -----------------------------------------------------------------------
// Bus client - crawler side of the Unix socket with reconnect
// -----------------------------------------------------------------------

package ipc

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

// ClientOptions configures the bus client
type ClientOptions struct {
	SocketPath       string
	Identity         string
	ClientType       string
	PeerIdentity     string
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	HeartbeatTimeout time.Duration
	QueueLimit       int
	MaxMessageSize   int
}

// Client maintains a connection to the bus server, reconnecting with
// exponential backoff when the socket is unavailable. Messages sent while
// disconnected are buffered and drained after the next successful register.
type Client struct {
	opts   ClientOptions
	logger arbor.ILogger
	queue  *OutgoingQueue
	events *EventDispatcher

	handlerMu sync.RWMutex
	handlers  map[models.MessageType]map[string]interfaces.EnvelopeHandler

	mu            sync.Mutex
	conn          net.Conn
	connected     bool
	lastHeartbeat time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a bus client with defaults applied
func NewClient(opts ClientOptions, logger arbor.ILogger) *Client {
	if opts.Identity == "" {
		opts.Identity = models.IdentityCrawler
	}
	if opts.ClientType == "" {
		opts.ClientType = models.IdentityCrawler
	}
	if opts.PeerIdentity == "" {
		opts.PeerIdentity = models.IdentityBackend
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Client{
		opts:     opts,
		logger:   logger,
		queue:    NewOutgoingQueue(opts.QueueLimit, logger),
		events:   NewEventDispatcher(logger),
		handlers: make(map[models.MessageType]map[string]interfaces.EnvelopeHandler),
	}
}

// Events exposes the connection lifecycle dispatcher
func (c *Client) Events() *EventDispatcher {
	return c.events
}

// Handle registers a handler for a (type, key) pair
func (c *Client) Handle(msgType models.MessageType, key string, handler interfaces.EnvelopeHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if c.handlers[msgType] == nil {
		c.handlers[msgType] = make(map[string]interfaces.EnvelopeHandler)
	}
	c.handlers[msgType][key] = handler
}

// Start launches the connect loop. Returns immediately; the connection is
// established in the background.
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.runLoop()
	go c.monitorPeer()
}

// Close stops the client and drops the connection
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Connected reports whether the client currently holds a live connection
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// QueuedMessages returns the number of buffered outgoing messages
func (c *Client) QueuedMessages() int {
	return c.queue.Len()
}

// Send delivers an envelope, buffering it if disconnected. Buffered normal
// messages may be pruned under queue pressure.
func (c *Client) Send(env *models.Envelope) error {
	if err := c.write(env); err != nil {
		c.queue.Enqueue(env)
		return nil
	}
	return nil
}

// SendPriority delivers an envelope, buffering it exempt from pruning.
// Job-state transitions and discovery fan-out go through here so a flaky
// socket never silently loses them.
func (c *Client) SendPriority(env *models.Envelope) error {
	if err := c.write(env); err != nil {
		c.queue.EnqueuePriority(env)
		return nil
	}
	return nil
}

func (c *Client) write(env *models.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return models.NewError(models.ErrKindConnection, models.SeverityLow, "not connected", nil)
	}

	frame, err := EncodeEnvelope(env, c.opts.MaxMessageSize)
	if err != nil {
		// Oversized or unmarshalable frames can never succeed later
		c.logger.Error().Err(err).Str("key", env.Key).Msg("Failed to encode envelope")
		return nil
	}

	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if _, err := conn.Write(frame); err != nil {
		c.dropConnection(conn)
		return err
	}
	return nil
}

// runLoop dials, registers, reads until failure, then backs off and retries
func (c *Client) runLoop() {
	defer c.wg.Done()

	attempt := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			delay := ReconnectDelay(attempt, c.opts.ReconnectBase, c.opts.ReconnectMax)
			attempt++
			c.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("retry_in", delay).
				Msg("Bus connection failed")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		c.logger.Info().Str("socket", c.opts.SocketPath).Msg("Connected to bus")

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()

		if err := c.register(); err != nil {
			c.logger.Warn().Err(err).Msg("Register failed, reconnecting")
			c.dropConnection(conn)
			continue
		}

		c.events.Publish(c.ctx, interfaces.BusEvent{Type: interfaces.BusEventConnected})

		if sent := c.queue.Drain(c.write); sent > 0 {
			c.logger.Info().Int("sent", sent).Msg("Drained buffered messages")
		}

		c.readLoop(conn)

		c.dropConnection(conn)
		c.events.Publish(c.ctx, interfaces.BusEvent{Type: interfaces.BusEventDisconnected})
	}
}

func (c *Client) dial() (net.Conn, error) {
	// Dialing a missing socket returns ENOENT anyway, but the stat gives a
	// clearer log line while the server is still starting up.
	if _, err := os.Stat(c.opts.SocketPath); err != nil {
		return nil, models.NewError(models.ErrKindConnection, models.SeverityMedium,
			"socket not available at "+c.opts.SocketPath, err)
	}
	return net.DialTimeout("unix", c.opts.SocketPath, writeDeadline)
}

func (c *Client) register() error {
	env, err := models.NewEnvelope(c.opts.Identity, c.opts.PeerIdentity,
		models.TypeCommand, models.KeyRegister,
		models.RegisterPayload{
			ID:   c.opts.Identity,
			PID:  os.Getpid(),
			Type: c.opts.ClientType,
		})
	if err != nil {
		return err
	}
	return c.write(env)
}

func (c *Client) readLoop(conn net.Conn) {
	decoder := NewDecoder(c.opts.MaxMessageSize, c.logger)
	buf := make([]byte, readChunkSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, env := range decoder.Feed(buf[:n]) {
				c.route(env)
			}
		}
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				c.logger.Warn().Err(err).Msg("Bus connection lost")
			}
			return
		}
	}
}

func (c *Client) route(env *models.Envelope) {
	if env.Destination != c.opts.Identity &&
		env.Destination != c.opts.ClientType &&
		env.Destination != models.DestinationBroadcast {
		c.logger.Debug().
			Str("destination", env.Destination).
			Str("key", env.Key).
			Msg("Message for foreign destination dropped")
		return
	}

	if env.Type == models.TypeHeartbeat {
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
		return
	}

	c.handlerMu.RLock()
	handler := c.handlers[env.Type][env.Key]
	c.handlerMu.RUnlock()

	if handler == nil {
		c.logger.Debug().
			Str("type", string(env.Type)).
			Str("key", env.Key).
			Msg("No handler for envelope")
		return
	}

	if err := handler(c.ctx, env); err != nil {
		c.logger.Error().
			Err(err).
			Str("type", string(env.Type)).
			Str("key", env.Key).
			Msg("Envelope handler failed")
	}
}

// monitorPeer closes the connection when the server stops heartbeating,
// which kicks runLoop into its reconnect path
func (c *Client) monitorPeer() {
	defer c.wg.Done()

	checkEvery := c.opts.HeartbeatTimeout / 2
	if checkEvery < time.Second {
		checkEvery = time.Second
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			stale := c.connected && now.Sub(c.lastHeartbeat) > c.opts.HeartbeatTimeout
			c.mu.Unlock()

			if stale {
				c.logger.Warn().
					Dur("timeout", c.opts.HeartbeatTimeout).
					Msg("No heartbeat from backend, forcing reconnect")
				c.events.Publish(c.ctx, interfaces.BusEvent{Type: interfaces.BusEventHeartbeatTimeout})
				c.dropConnection(conn)
			}
		}
	}
}

func (c *Client) dropConnection(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn && c.connected {
		c.connected = false
		c.conn = nil
	}
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
