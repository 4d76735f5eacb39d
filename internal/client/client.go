// Package client connects to the reuptime query server.
//
// A Client multiplexes concurrent requests over one connection; responses
// are matched to requests by id. After a disconnect Reconnect dials again.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/query"
	"github.com/xtxerr/reuptime/internal/wire"
)

// =============================================================================
// Connection state
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
	ErrClientClosed     = errors.New("client is closed")
	ErrClientClosing    = errors.New("client is closing")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrTimeout          = errors.New("request timeout")
)

// =============================================================================
// Client
// =============================================================================

// Config holds client configuration.
type Config struct {
	Addr           string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           config.DefaultQueryListen,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Client is a query server client.
type Client struct {
	cfg *Config

	// Connection - protected by mu
	mu   sync.Mutex
	conn net.Conn
	wire *wire.Conn

	state atomic.Int32

	// Pending requests
	pendingMu sync.RWMutex
	pending   map[uint64]chan *structpb.Struct
	requestID atomic.Uint64

	onDisconnect func(error)
	shutdown     chan struct{}
}

// New creates a new client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{
		cfg:      cfg,
		pending:  make(map[uint64]chan *structpb.Struct),
		shutdown: make(chan struct{}),
	}
}

func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) transitionTo(newState ClientState) error {
	for {
		oldState := c.getState()
		if !validTransitions[stateTransition{oldState, newState}] {
			return fmt.Errorf("invalid state transition: %s -> %s", oldState, newState)
		}
		if c.state.CompareAndSwap(int32(oldState), int32(newState)) {
			return nil
		}
	}
}

func (c *Client) transitionFrom(from, to ClientState) bool {
	if !validTransitions[stateTransition{from, to}] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// =============================================================================
// Connection Management
// =============================================================================

// Connect dials the server.
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

	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.conn = conn
	c.wire = wire.NewConn(conn)

	if err := c.transitionTo(StateConnected); err != nil {
		conn.Close()
		c.conn = nil
		c.wire = nil
		return err
	}

	go c.readLoop(c.wire)

	success = true
	return nil
}

// Close closes the client connection. A closed client cannot be reused.
func (c *Client) Close() error {
	for {
		switch c.getState() {
		case StateClosed, StateClosing:
			return nil
		case StateConnecting:
			return fmt.Errorf("cannot close: connection in progress")
		case StateDisconnected:
			if c.transitionFrom(StateDisconnected, StateClosed) {
				return nil
			}
		case StateConnected:
			if c.transitionFrom(StateConnected, StateClosing) {
				return c.teardown()
			}
		}
	}
}

func (c *Client) teardown() error {
	close(c.shutdown)

	var err error
	c.mu.Lock()
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
		c.wire = nil
	}
	c.mu.Unlock()

	c.failPending()
	c.transitionFrom(StateClosing, StateClosed)
	return err
}

// Reconnect drops the current connection, if any, and dials again.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.getState() == StateClosed {
		return ErrClientClosed
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.wire = nil
	}
	c.mu.Unlock()

	c.state.Store(int32(StateDisconnected))
	c.failPending()
	c.shutdown = make(chan struct{})

	return c.Connect(ctx)
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.getState() == StateConnected
}

// State returns the current state as a string.
func (c *Client) State() string {
	return c.getState().String()
}

// OnDisconnect sets the handler for an unexpected disconnect.
func (c *Client) OnDisconnect(fn func(error)) {
	c.pendingMu.Lock()
	c.onDisconnect = fn
	c.pendingMu.Unlock()
}

func (c *Client) readLoop(w *wire.Conn) {
	var disconnectErr error

	defer func() {
		c.pendingMu.RLock()
		fn := c.onDisconnect
		c.pendingMu.RUnlock()

		if fn != nil && disconnectErr != nil {
			fn(disconnectErr)
		}
	}()

	for {
		msg, err := w.Read()
		if err != nil {
			c.mu.Lock()
			current := c.wire == w
			c.mu.Unlock()
			if !current || c.getState() != StateConnected {
				return
			}
			disconnectErr = err
			c.transitionFrom(StateConnected, StateDisconnected)
			c.failPending()
			return
		}

		// Delivered under the lock so failPending cannot close ch mid-send.
		c.pendingMu.RLock()
		if ch, ok := c.pending[wire.ID(msg)]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.RUnlock()
	}
}

// =============================================================================
// Request/Response
// =============================================================================

// Do sends a request and waits for its result.
func (c *Client) Do(ctx context.Context, op string, args map[string]any) (*structpb.Value, error) {
	if c.getState() != StateConnected {
		return nil, ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok && c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	id := c.requestID.Add(1)
	req, err := wire.NewRequest(id, op, args)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	ch := make(chan *structpb.Struct, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	w := c.wire
	if w == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	err = w.Write(req)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if err := wire.ResponseError(resp); err != nil {
			return nil, err
		}
		return resp.GetFields()[wire.FieldResult], nil

	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())

	case <-c.shutdown:
		return nil, ErrClientClosed
	}
}

// Window bounds a history request. Zero fields take server defaults.
type Window struct {
	Start      time.Time
	End        time.Time
	Resolution time.Duration
}

func (w Window) args() map[string]any {
	args := map[string]any{}
	if !w.Start.IsZero() {
		args["start"] = float64(w.Start.Unix())
	}
	if !w.End.IsZero() {
		args["end"] = float64(w.End.Unix())
	}
	if w.Resolution > 0 {
		args["resolution"] = w.Resolution.Seconds()
	}
	return args
}

// Fetch returns the history of one stream.
func (c *Client) Fetch(ctx context.Context, stream string, w Window) (query.Series, error) {
	args := w.args()
	args["stream"] = stream
	v, err := c.Do(ctx, query.OpFetch, args)
	if err != nil {
		return query.Series{}, err
	}
	return query.DecodeSeries(v), nil
}

// Aggregate returns the fleet history.
func (c *Client) Aggregate(ctx context.Context, w Window) (query.Series, error) {
	v, err := c.Do(ctx, query.OpAggregate, w.args())
	if err != nil {
		return query.Series{}, err
	}
	return query.DecodeSeries(v), nil
}

// Last returns the latest raw values of a stream.
func (c *Client) Last(ctx context.Context, stream string) (query.Last, error) {
	v, err := c.Do(ctx, query.OpLast, map[string]any{"stream": stream})
	if err != nil {
		return query.Last{}, err
	}
	return query.DecodeLast(v), nil
}

// Hosts returns the monitored hosts.
func (c *Client) Hosts(ctx context.Context) ([]query.HostInfo, error) {
	v, err := c.Do(ctx, query.OpHosts, nil)
	if err != nil {
		return nil, err
	}
	return query.DecodeHosts(v), nil
}
