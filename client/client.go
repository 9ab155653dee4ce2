// Package client implements the connecting half of the message
// runtime.  A client dials the server, receives its assigned id in the
// welcome frame, and then runs two loops: a network loop draining the
// outgoing queue and reading every ready frame, and a dispatch loop
// feeding received commands to registered handlers.
package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"msgnet/callback"
	"msgnet/link"
	"msgnet/protocol"
	"msgnet/queue"
)

// Handler processes one received message payload.
type Handler func(body protocol.Raw)

const (
	networkIdle  = 25 * time.Millisecond
	dispatchIdle = 15 * time.Millisecond
	drainPoll    = 15 * time.Millisecond
)

// ErrNotConnected reports an operation that needs a live connection.
var ErrNotConnected = errors.New("client: not connected")

// Config carries the client's optional knobs.
type Config struct {
	// Logger receives the runtime's structured log events.
	Logger zerolog.Logger
}

// Client is one endpoint of the message runtime.
type Client struct {
	log zerolog.Logger

	mu   sync.Mutex // serializes Connect and Shutdown
	link atomic.Pointer[link.Link]
	id   protocol.ClientID

	connected atomic.Bool
	wg        sync.WaitGroup

	in  queue.Sync[protocol.Message]
	out queue.Sync[protocol.Message]

	registry *callback.Registry[protocol.CommandID, protocol.Raw]
}

// New creates a Client.  Handlers are attached before Connect.
func New(cfg Config) *Client {
	return &Client{
		log:      cfg.Logger.With().Str("component", "client").Logger(),
		registry: callback.New[protocol.CommandID, protocol.Raw](),
	}
}

// Handle registers fn for cmd.  The last registration wins.
func (c *Client) Handle(cmd protocol.CommandID, fn Handler) {
	if fn == nil {
		return
	}
	c.registry.Attach(cmd, func(body protocol.Raw) { fn(body) })
}

// Detach removes the handler for cmd.
func (c *Client) Detach(cmd protocol.CommandID) {
	c.registry.Detach(cmd)
}

// HandleFallback sets the handler invoked for commands without a
// registered handler.
func (c *Client) HandleFallback(fn Handler) {
	if fn == nil {
		return
	}
	c.registry.Fallback(func(body protocol.Raw) { fn(body) })
}

// Connect dials host:port, performs the welcome handshake, and starts
// the network and dispatch loops.  It blocks on the caller's thread
// until the welcome frame has been received.  Connecting an online
// client is a no-op.
func (c *Client) Connect(host string, port uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Online() {
		return nil
	}

	l, err := link.Dial(host, port)
	if err != nil {
		return err
	}
	text, err := l.ReadString()
	if err != nil {
		_ = l.Close()
		return errors.Wrap(err, "client: welcome handshake")
	}
	id, err := protocol.DecodeWelcome(text)
	if err != nil {
		_ = l.Close()
		return err
	}

	// Drop anything left over from a previous session.
	c.in.Clear()
	c.out.Clear()

	c.link.Store(l)
	c.id = id
	c.connected.Store(true)

	c.wg.Add(2)
	go c.networkLoop(l)
	go c.dispatchLoop(l)

	c.log.Info().Uint32("id", uint32(id)).Str("addr", l.PeerAddr()).Msg("connected")
	return nil
}

// Online reports whether the link to the server is live.
func (c *Client) Online() bool {
	l := c.link.Load()
	return c.connected.Load() && l != nil && l.Online()
}

// ID returns the client id assigned by the server at the handshake.
func (c *Client) ID() protocol.ClientID {
	return c.id
}

// Push encodes v and enqueues it for sending.
func (c *Client) Push(v any) error {
	if !c.Online() {
		return ErrNotConnected
	}
	m, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	c.out.Push(m)
	return nil
}

// Shutdown stops the client.  With graceful set it first waits for the
// outgoing queue to drain so everything pushed so far reaches the
// server.
func (c *Client) Shutdown(graceful bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.link.Load()
	if l == nil {
		return
	}
	if graceful {
		for l.Online() && !c.out.Empty() {
			time.Sleep(drainPoll)
		}
	}
	c.connected.Store(false)
	if graceful {
		// Let the network loop finish a write it has already popped.
		c.wg.Wait()
		_ = l.Close()
	} else {
		_ = l.Close()
		c.wg.Wait()
	}

	c.in.Clear()
	c.out.Clear()
	c.log.Info().Msg("disconnected")
}

// Disconnect closes the connection immediately, discarding anything
// still queued.
func (c *Client) Disconnect() {
	c.Shutdown(false)
}

// networkLoop drains the outgoing queue, then reads every ready frame,
// then idles briefly.  Any read or write failure closes the link and
// ends the loop.
func (c *Client) networkLoop(l *link.Link) {
	defer c.wg.Done()

	for c.connected.Load() && l.Online() {
		for {
			m, ok := c.out.TryPop()
			if !ok {
				break
			}
			if err := l.WriteString(string(m.Body)); err != nil {
				c.lost(l, err)
				return
			}
		}

		for {
			ready, err := l.Ready()
			if err != nil {
				c.lost(l, err)
				return
			}
			if !ready {
				break
			}
			text, err := l.ReadString()
			if err != nil {
				c.lost(l, err)
				return
			}
			m, err := protocol.Decode(text)
			if err != nil {
				c.lost(l, err)
				return
			}
			c.in.Push(m)
		}

		time.Sleep(networkIdle)
	}
}

func (c *Client) lost(l *link.Link, err error) {
	if c.connected.Load() {
		c.log.Warn().Err(err).Msg("connection to server was lost")
	}
	_ = l.Close()
}

// dispatchLoop pops received messages and triggers the registered
// handler, or the fallback, with the decoded payload.  Messages
// without a command tag are dropped silently.
func (c *Client) dispatchLoop(l *link.Link) {
	defer c.wg.Done()

	for c.connected.Load() && l.Online() {
		m, ok := c.in.TryPop()
		if !ok {
			time.Sleep(dispatchIdle)
			continue
		}
		if !m.Tagged() {
			continue
		}
		c.registry.Trigger(m.Command, m.Body)
	}

	if !c.connected.Load() {
		// Explicit shutdown: leftovers are discarded by Shutdown.
		return
	}
	// The peer went away; deliver what already arrived.
	for {
		m, ok := c.in.TryPop()
		if !ok {
			return
		}
		if m.Tagged() {
			c.registry.Trigger(m.Command, m.Body)
		}
	}
}
