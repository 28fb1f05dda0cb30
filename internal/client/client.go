// Package client connects a node to the mix aggregator.
//
// A Client holds one connection and multiplexes requests over it by envelope
// ID. Sync runs a complete exchange for a node: it sends the node's diff,
// waits for the round to close and applies the mixed diff, reconnecting and
// retrying with backoff on transient failures.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	defaults "github.com/xtxerr/coreset/config"
	"github.com/xtxerr/coreset/internal/errors"
	"github.com/xtxerr/coreset/internal/logging"
	"github.com/xtxerr/coreset/internal/storage/types"
	"github.com/xtxerr/coreset/internal/wire"
)

var log = logging.Component("client")

// =============================================================================
// State Machine
// =============================================================================

// ClientState represents the connection state of a client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the human-readable name of the state.
func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type stateTransition struct {
	from ClientState
	to   ClientState
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[stateTransition]bool{
	{StateDisconnected, StateConnecting}: true,
	{StateDisconnected, StateClosed}:     true,

	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateDisconnected}: true,

	{StateConnected, StateDisconnected}: true,
	{StateConnected, StateClosing}:      true,

	{StateClosing, StateClosed}: true,
}

// =============================================================================
// Errors
// =============================================================================

var (
	ErrClientClosed      = errors.New("client is closed")
	ErrClientClosing     = errors.New("client is closing")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrInvalidTransition = errors.New("invalid state transition")

	// Connection loss is retriable.
	ErrNotConnected = fmt.Errorf("%w: not connected", errors.ErrConnectionFailed)
	ErrDisconnected = fmt.Errorf("%w: disconnected while waiting for reply", errors.ErrConnectionFailed)
)

// =============================================================================
// Client
// =============================================================================

// Client connects to a mix aggregator.
type Client struct {
	addr           string
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	requestTimeout time.Duration
	maxMessageSize int

	// Connection - protected by mu
	mu       sync.Mutex
	conn     net.Conn
	wire     *wire.Conn
	shutdown chan struct{}

	state     atomic.Int32
	closeOnce resettableOnce

	// Pending requests
	pendingMu sync.RWMutex
	pending   map[uint64]chan *wire.Envelope
	requestID atomic.Uint64

	onDisconnect func(error)
}

// Config holds client configuration.
type Config struct {
	Addr           string
	TLS            bool
	TLSSkipVerify  bool
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxMessageSize int
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "localhost:9199",
		ConnectTimeout: defaults.DefaultConnectTimeout,
		RequestTimeout: defaults.DefaultRoundTimeout + defaults.DefaultIOTimeout,
		MaxMessageSize: defaults.DefaultMaxMessageSize,
	}
}

// New creates a new client. It does not connect.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c := &Client{
		addr:           cfg.Addr,
		connectTimeout: cfg.ConnectTimeout,
		requestTimeout: cfg.RequestTimeout,
		maxMessageSize: cfg.MaxMessageSize,
		pending:        make(map[uint64]chan *wire.Envelope),
		shutdown:       make(chan struct{}),
	}
	if c.maxMessageSize <= 0 {
		c.maxMessageSize = defaults.DefaultMaxMessageSize
	}

	if cfg.TLS {
		c.tlsConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		}
	}

	return c
}

func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// transitionTo attempts to transition to a new state.
func (c *Client) transitionTo(newState ClientState) error {
	for {
		oldState := c.getState()
		transition := stateTransition{from: oldState, to: newState}

		if !validTransitions[transition] {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldState, newState)
		}

		if c.state.CompareAndSwap(int32(oldState), int32(newState)) {
			return nil
		}
	}
}

// transitionFrom attempts to transition from a specific state to a new state.
func (c *Client) transitionFrom(from, to ClientState) bool {
	if !validTransitions[stateTransition{from: from, to: to}] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// =============================================================================
// Connection Management
// =============================================================================

// Connect dials the aggregator.
func (c *Client) Connect(ctx context.Context) error {
	switch c.getState() {
	case StateClosed:
		return ErrClientClosed
	case StateClosing:
		return ErrClientClosing
	case StateConnected:
		return ErrAlreadyConnected
	case StateConnecting:
		return fmt.Errorf("connection already in progress")
	}

	if !c.transitionFrom(StateDisconnected, StateConnecting) {
		return fmt.Errorf("cannot connect: current state is %s", c.getState())
	}

	success := false
	defer func() {
		if !success {
			c.transitionFrom(StateConnecting, StateDisconnected)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	var conn net.Conn
	var err error
	if c.tlsConfig != nil {
		d := &tls.Dialer{Config: c.tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", c.addr)
	} else {
		d := &net.Dialer{}
		conn, err = d.DialContext(ctx, "tcp", c.addr)
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", errors.ErrConnectionFailed, c.addr, err)
	}

	c.conn = conn
	c.wire = wire.NewConnSize(conn, c.maxMessageSize)

	if err := c.transitionTo(StateConnected); err != nil {
		conn.Close()
		c.conn = nil
		c.wire = nil
		return err
	}

	go c.readLoop(c.wire)

	log.Debug("connected", "address", c.addr)
	success = true
	return nil
}

// Close closes the client connection. A closed client cannot reconnect.
func (c *Client) Close() error {
	var closeErr error

	c.closeOnce.Do(func() {
		switch c.getState() {
		case StateClosed, StateClosing:
			return
		case StateDisconnected:
			c.transitionFrom(StateDisconnected, StateClosed)
			c.dropConn()
			c.failPending()
			return
		case StateConnected:
			c.transitionFrom(StateConnected, StateClosing)
		}

		c.mu.Lock()
		close(c.shutdown)
		if c.conn != nil {
			closeErr = c.conn.Close()
			c.conn = nil
			c.wire = nil
		}
		c.mu.Unlock()

		c.failPending()
		c.transitionFrom(StateClosing, StateClosed)
	})

	return closeErr
}

// Reconnect drops the current connection, if any, and dials again.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.getState() == StateClosed {
		return ErrClientClosed
	}

	c.dropConn()
	c.state.Store(int32(StateDisconnected))
	c.failPending()

	c.mu.Lock()
	c.shutdown = make(chan struct{})
	c.mu.Unlock()

	c.closeOnce.Reset()

	return c.Connect(ctx)
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.wire = nil
	}
}

// failPending wakes every waiting request.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// =============================================================================
// State Queries
// =============================================================================

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.getState() == StateConnected
}

// IsClosed returns true if permanently closed.
func (c *Client) IsClosed() bool {
	return c.getState() == StateClosed
}

// State returns the current state as a string.
func (c *Client) State() string {
	return c.getState().String()
}

// OnDisconnect sets the handler called when the connection is lost.
func (c *Client) OnDisconnect(fn func(error)) {
	c.pendingMu.Lock()
	c.onDisconnect = fn
	c.pendingMu.Unlock()
}

// =============================================================================
// Read Loop
// =============================================================================

func (c *Client) readLoop(w *wire.Conn) {
	for {
		env, err := w.Read()
		if err != nil {
			if !c.transitionFrom(StateConnected, StateDisconnected) {
				return
			}
			log.Debug("connection lost", "address", c.addr, "error", err)
			c.failPending()

			c.pendingMu.RLock()
			fn := c.onDisconnect
			c.pendingMu.RUnlock()
			if fn != nil {
				fn(err)
			}
			return
		}

		c.pendingMu.RLock()
		ch, ok := c.pending[env.ID]
		c.pendingMu.RUnlock()

		if ok {
			select {
			case ch <- env:
			default:
			}
		}
	}
}

// =============================================================================
// Request/Response
// =============================================================================

func (c *Client) request(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	if c.getState() != StateConnected {
		return nil, ErrNotConnected
	}

	id := c.requestID.Add(1)
	env.ID = id

	ch := make(chan *wire.Envelope, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	w, shutdown := c.wire, c.shutdown
	if w == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	err := w.Write(env)
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: write request: %v", errors.ErrConnectionFailed, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			if c.IsClosed() {
				return nil, ErrClientClosed
			}
			return nil, ErrDisconnected
		}
		if resp.Error != nil {
			return nil, resp.Error.Err()
		}
		return resp, nil

	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", errors.ErrTimeout, ctx.Err())

	case <-shutdown:
		return nil, ErrClientClosed
	}
}

// Exchange submits the diff of node to the current round and returns the
// mixed diff once the round closes. Without a deadline on ctx the configured
// request timeout applies.
func (c *Client) Exchange(ctx context.Context, node string, d *types.Diff) (*wire.Mixed, error) {
	if _, ok := ctx.Deadline(); !ok && c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	resp, err := c.request(ctx, &wire.Envelope{
		Exchange: &wire.Exchange{Node: node, Diff: d},
	})
	if err != nil {
		return nil, err
	}
	if resp.Mixed == nil {
		return nil, errors.NewCorrupt("reply to exchange %d carries no mixed diff", resp.ID)
	}
	return resp.Mixed, nil
}
