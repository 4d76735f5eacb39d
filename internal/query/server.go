// Package query serves stored history over TCP.
//
// Clients send length-delimited protobuf Struct requests (see package
// wire) and receive one response per request, in order. Supported ops:
//
//	fetch      stream, start, end, resolution
//	aggregate  start, end, resolution
//	last       stream
//	hosts
//
// Times are unix seconds, resolution is in seconds. Unknown values are
// returned as null.
package query

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/reuptime/config"
	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/logging"
	"github.com/xtxerr/reuptime/internal/registry"
	"github.com/xtxerr/reuptime/internal/storage/types"
	"github.com/xtxerr/reuptime/internal/wire"
)

var log = logging.Component("query")

// Operations understood by the server.
const (
	OpFetch     = "fetch"
	OpAggregate = "aggregate"
	OpLast      = "last"
	OpHosts     = "hosts"
)

// Backend answers queries. monitor.Engine implements it.
type Backend interface {
	FetchSeries(streamID string, start, end time.Time, resolution time.Duration) (*types.FetchResult, error)
	FetchAggregate(start, end time.Time, resolution time.Duration) (*types.FetchResult, error)
	LastUpdate(streamID string) (time.Time, map[string]float64, error)
	ListHosts(ctx context.Context) ([]registry.Host, error)
}

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds query server configuration.
type Config struct {
	// Enabled starts the server with the daemon.
	Enabled bool `yaml:"enabled"`

	// Listen is the address to listen on (e.g., "127.0.0.1:9460").
	Listen string `yaml:"listen"`

	// IdleTimeout closes connections without a request for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxMessageSize bounds a single request.
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// DefaultConfig returns default query server configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Listen:         config.DefaultQueryListen,
		IdleTimeout:    config.DefaultQueryIdleTimeout,
		MaxMessageSize: config.DefaultMaxMessageSize,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	errs := errors.NewValidationErrors()
	if c.Listen == "" {
		errs.AddMissing("query.listen")
	}
	if c.IdleTimeout <= 0 {
		errs.AddField("query.idle_timeout", "must be positive")
	}
	if c.MaxMessageSize <= 0 {
		errs.AddField("query.max_message_size", "must be positive")
	}
	return errs.Err()
}

// =============================================================================
// Server
// =============================================================================

// Server is the query server.
type Server struct {
	cfg     Config
	backend Backend
	now     func() time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup

	// Statistics
	accepted atomic.Int64
	requests atomic.Int64
	failures atomic.Int64
}

// Stats holds server statistics.
type Stats struct {
	Connections int64
	Requests    int64
	Failures    int64
}

// New creates a query server.
func New(cfg Config, backend Backend) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, errors.NewMissingField("query backend")
	}
	return &Server{
		cfg:     cfg,
		backend: backend,
		now:     time.Now,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Listen binds the listen address. Serve calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	s.listener = ln
	log.Info("listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes every
// open connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeConns()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				log.Info("query server stopped")
				return nil
			}
			log.Error("accept error", "error", err)
			continue
		}

		if !s.track(conn, true) {
			conn.Close()
			continue
		}
		s.accepted.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handleConn(ctx, conn)
		}()
	}
}

// track adds or removes conn from the open set. Adding fails once
// closeConns has run.
func (s *Server) track(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !add {
		delete(s.conns, conn)
		return true
	}
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for c := range s.conns {
		c.Close()
	}
}

// Stats returns server statistics.
func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.accepted.Load(),
		Requests:    s.requests.Load(),
		Failures:    s.failures.Load(),
	}
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	log.Debug("connection from", "remote", remote)

	w := wire.NewConn(conn)
	w.SetMaxSize(s.cfg.MaxMessageSize)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		req, err := w.Read()
		if err != nil {
			log.Debug("connection closed", "remote", remote, "error", err)
			return
		}

		resp := s.Handle(ctx, req)
		if err := w.Write(resp); err != nil {
			log.Debug("write failed, closing connection", "remote", remote, "error", err)
			return
		}
	}
}

// Handle answers one request.
func (s *Server) Handle(ctx context.Context, req *structpb.Struct) *structpb.Struct {
	s.requests.Add(1)
	id := wire.ID(req)

	result, err := s.dispatch(ctx, req)
	if err != nil {
		s.failures.Add(1)
		log.Debug("request failed", "id", id, "op", wire.Op(req), "error", err)
		return wire.NewErrorFromErr(id, err)
	}
	return wire.NewResult(id, result)
}

func (s *Server) dispatch(ctx context.Context, req *structpb.Struct) (*structpb.Value, error) {
	args := req.GetFields()

	switch op := wire.Op(req); op {
	case OpFetch:
		stream := args["stream"].GetStringValue()
		if stream == "" {
			return nil, errors.NewMissingField("stream")
		}
		start, end, res := s.window(args)
		fr, err := s.backend.FetchSeries(stream, start, end, res)
		if err != nil {
			return nil, err
		}
		return encodeFetch(fr), nil

	case OpAggregate:
		start, end, res := s.window(args)
		fr, err := s.backend.FetchAggregate(start, end, res)
		if err != nil {
			return nil, err
		}
		return encodeFetch(fr), nil

	case OpLast:
		stream := args["stream"].GetStringValue()
		if stream == "" {
			return nil, errors.NewMissingField("stream")
		}
		ts, values, err := s.backend.LastUpdate(stream)
		if err != nil {
			return nil, err
		}
		return encodeLast(stream, ts, values), nil

	case OpHosts:
		hosts, err := s.backend.ListHosts(ctx)
		if err != nil {
			return nil, err
		}
		return encodeHosts(hosts), nil

	case "":
		return nil, errors.NewMissingField("op")
	default:
		return nil, errors.NewInvalidValue("op", op, "unknown operation")
	}
}

// window reads start, end and resolution, defaulting end to now and
// start to one query window before end.
func (s *Server) window(args map[string]*structpb.Value) (start, end time.Time, res time.Duration) {
	end = s.now()
	if v, ok := args["end"]; ok {
		end = time.Unix(int64(v.GetNumberValue()), 0)
	}
	start = end.Add(-config.DefaultQueryWindow)
	if v, ok := args["start"]; ok {
		start = time.Unix(int64(v.GetNumberValue()), 0)
	}
	if v, ok := args["resolution"]; ok {
		res = time.Duration(v.GetNumberValue()) * time.Second
	}
	return start, end, res
}
