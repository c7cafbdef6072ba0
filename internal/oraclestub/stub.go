// Package oraclestub is a minimal UDP oracle speaking the bridge wire
// protocol. It computes closed-form answers from the positions it has been
// sent, and can be told to inject stray datagrams or malformed replies.
package oraclestub

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/signalsfoundry/rt-oracle-bridge/core"
	"github.com/signalsfoundry/rt-oracle-bridge/internal/logging"
	"github.com/signalsfoundry/rt-oracle-bridge/model"
	"github.com/signalsfoundry/rt-oracle-bridge/oracle"
)

// Reply overrides the stub's answer for one request. Prelude datagrams are
// sent before Body; an empty Body sends nothing further.
type Reply struct {
	Prelude []string
	Body    string
}

// Responder may override the reply for a request. Returning ok=false falls
// back to the computed answer.
type Responder func(req oracle.Request) (Reply, bool)

// Server is a stub oracle bound to a UDP socket.
type Server struct {
	conn *net.UDPConn
	log  logging.Logger

	frequencyHz float64
	obstacles   []core.Obstacle
	responder   Responder

	mu       sync.Mutex
	objects  map[string]model.Vector
	requests []string
	gains    map[[2]string]float64

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithFrequency sets the carrier used for free-space path loss.
func WithFrequency(hz float64) Option {
	return func(s *Server) { s.frequencyHz = hz }
}

// WithObstacles sets the spheres used to answer LOS queries.
func WithObstacles(obstacles ...core.Obstacle) Option {
	return func(s *Server) { s.obstacles = append(s.obstacles, obstacles...) }
}

// WithPathGain pins the calc_request answer for the pair (tx, rx).
func WithPathGain(tx, rx string, db float64) Option {
	return func(s *Server) { s.gains[[2]string{tx, rx}] = db }
}

// WithResponder installs a reply override.
func WithResponder(r Responder) Option {
	return func(s *Server) { s.responder = r }
}

// Listen binds the stub to addr, e.g. "127.0.0.1:0".
func Listen(addr string, opts ...Option) (*Server, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		conn:        conn,
		log:         logging.Noop(),
		frequencyHz: core.DefaultFrequencyHz,
		objects:     map[string]model.Vector{model.ReservedOriginID: model.Origin},
		gains:       map[[2]string]float64{},
		shutdown:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logging.String("component", "oracle-stub"))
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Port returns the bound port.
func (s *Server) Port() int { return s.Addr().Port }

// Serve answers requests until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	buf := make([]byte, 4096)
	for {
		n, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.handle(ctx, string(buf[:n]), peer)
	}
}

// Close releases the socket.
func (s *Server) Close() error {
	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Requests returns every request line received so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Object returns the last position registered for id.
func (s *Server) Object(id string) (model.Vector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.objects[id]
	return v, ok
}

// ShutdownReceived is closed once a shutdown notification arrives.
func (s *Server) ShutdownReceived() <-chan struct{} { return s.shutdown }

func (s *Server) handle(ctx context.Context, line string, peer *net.UDPAddr) {
	s.mu.Lock()
	s.requests = append(s.requests, line)
	s.mu.Unlock()

	req, err := oracle.ParseRequest(line)
	if err != nil {
		s.log.Warn(ctx, "ignoring malformed request", logging.String("line", line), logging.Err(err))
		return
	}

	reply, ok := Reply{}, false
	if s.responder != nil {
		reply, ok = s.responder(req)
	}
	if !ok {
		reply = Reply{Body: s.answer(req)}
	}

	for _, d := range reply.Prelude {
		s.send(ctx, d, peer)
	}
	if reply.Body != "" {
		s.send(ctx, reply.Body, peer)
	}
}

func (s *Server) send(ctx context.Context, payload string, peer *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP([]byte(payload), peer); err != nil {
		s.log.Warn(ctx, "reply failed", logging.Err(err))
	}
}

// answer computes the default reply; it returns "" for requests that get no
// reply.
func (s *Server) answer(req oracle.Request) string {
	switch req.Op {
	case oracle.OpShutdown:
		s.shutdownOnce.Do(func() { close(s.shutdown) })
		return ""
	case oracle.OpMapUpdate:
		pos, err := parsePosition(req.Args[1:4])
		if err != nil {
			return "ERROR:" + err.Error()
		}
		s.mu.Lock()
		s.objects[req.Args[0]] = pos
		s.mu.Unlock()
		return oracle.ConfirmationToken(req.Args[0])
	}

	tx, rx := req.Args[0], req.Args[1]
	s.mu.Lock()
	a, okA := s.objects[tx]
	b, okB := s.objects[rx]
	pinned, okPinned := s.gains[[2]string{tx, rx}]
	s.mu.Unlock()

	if req.Op == oracle.OpCalcRequest && okPinned {
		return oracle.PathGainPrefix + strconv.FormatFloat(pinned, 'f', -1, 64)
	}
	if !okA || !okB {
		return "ERROR:unknown object"
	}

	switch req.Op {
	case oracle.OpCalcRequest:
		db := core.FreeSpacePathLossDB(a.DistanceTo(b), s.frequencyHz)
		return oracle.PathGainPrefix + strconv.FormatFloat(db, 'f', -1, 64)
	case oracle.OpGetDelay:
		ms := core.StraightLineDelayMS(a, b, 0)
		return oracle.DelayPrefix + strconv.FormatFloat(ms, 'f', -1, 64)
	case oracle.OpLOS:
		los := core.LOSFalse
		if core.HasLineOfSight(a, b, s.obstacles) {
			los = core.LOSTrue
		}
		return oracle.LOSPrefix + string(los)
	}
	return "ERROR:unsupported"
}

func parsePosition(fields []string) (model.Vector, error) {
	var xyz [3]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return model.Vector{}, err
		}
		xyz[i] = v
	}
	return model.Vector{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
}
