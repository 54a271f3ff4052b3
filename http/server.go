package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/freekieb7/flint/buffer"
	"github.com/freekieb7/flint/poll"
	"github.com/freekieb7/flint/pool"
	"github.com/freekieb7/flint/queue"
	"github.com/freekieb7/flint/socket"
)

const (
	DefaultMaxClients   = 64
	DefaultMaxHeadBytes = 1 << 20
)

// Wire literals the engine emits around the application's headers and
// body.
const (
	headTerminator      = "\r\n\r\n"
	crlf                = "\r\n"
	connectionClose     = "Connection: Close\r\n"
	connectionKeepAlive = "Connection: Keep-Alive\r\n"
	contentLengthPrefix = "Content-Length: "
	contentLengthSlot   = "         \r\n" // nine spaces, patched by Send
	contentLengthWidth  = 9
)

var ErrAlreadyListening = errors.New("http: server is already listening")

type Config struct {
	// MaxClients bounds the number of simultaneous connections.
	MaxClients int

	// MaxHeadBytes drops a connection whose input grows past this size
	// without containing a request-head terminator.
	MaxHeadBytes int

	Logger *slog.Logger
}

// client is one connection record. Its buffers carry everything in
// flight: requests not yet served on the input side, responses not yet
// flushed on the output side.
type client struct {
	id   uuid.UUID
	sock *socket.Socket
	in   buffer.Buffer
	out  buffer.Buffer

	numServed int

	// queued is true iff this client's handle is in the candidate
	// queue.
	queued bool

	// closeWhenFlushed tears the connection down once the output
	// buffer fully drains.
	closeWhenFlushed bool
}

// token routes event-loop readiness back to its owner: the listening
// socket or one client slot.
type token struct {
	listener bool
	conn     pool.Handle
}

type responseState uint8

const (
	// stateNoTarget: no request is being handled; the starting state
	// and the one Send leaves behind.
	stateNoTarget responseState = iota
	// stateStatus: Wait returned a request, Status not yet called.
	stateStatus
	// stateHeaders: status line written, headers still allowed.
	stateHeaders
	// stateContent: body started, only Write and Send are allowed.
	stateContent
)

// Server is a single-threaded HTTP/1.1 engine. One goroutine drives it:
// Wait blocks for the next parsable request, then Status, Header, Write
// and Send build the response. Calls out of order are absorbed rather
// than reported; the state machine keeps the output well-formed.
type Server struct {
	maxHeadBytes int
	logger       *slog.Logger

	sock       *socket.Socket
	clients    *pool.Pool[client]
	loop       *poll.Loop[token]
	candidates *queue.Queue[pool.Handle]

	state  responseState
	target pool.Handle

	// Offset of the reserved Content-Length digits in the target's
	// output buffer, and of the response body's first byte.
	offsetContentLength int
	offsetContent       int

	// -1 until the application states a preference through the
	// Connection header or the first Write settles the policy, then 0
	// or 1.
	keepAlive int8

	// Head+body size of the request being served, consumed from the
	// input buffer by Send.
	reqBytes int

	accepted metric.Int64Counter
	dropped  metric.Int64Counter
	served   metric.Int64Counter
}

func NewServer(cfg Config) *Server {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.MaxHeadBytes <= 0 {
		cfg.MaxHeadBytes = DefaultMaxHeadBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	meter := otel.Meter("github.com/freekieb7/flint/http")
	accepted, _ := meter.Int64Counter("flint.connections.accepted",
		metric.WithDescription("Connections taken from the listen backlog"),
		metric.WithUnit("{connection}"))
	dropped, _ := meter.Int64Counter("flint.connections.dropped",
		metric.WithDescription("Connections torn down by close, error or policy"),
		metric.WithUnit("{connection}"))
	served, _ := meter.Int64Counter("flint.responses.served",
		metric.WithDescription("Responses finalized by Send"),
		metric.WithUnit("{response}"))

	return &Server{
		maxHeadBytes: cfg.MaxHeadBytes,
		logger:       cfg.Logger,
		clients:      pool.New[client](cfg.MaxClients),
		// One event-loop entry per client plus the listener.
		loop:       poll.NewLoop[token](cfg.MaxClients + 1),
		candidates: queue.New[pool.Handle](cfg.MaxClients),
		state:      stateNoTarget,
		keepAlive:  -1,
		reqBytes:   -1,
		accepted:   accepted,
		dropped:    dropped,
		served:     served,
	}
}

// Listen binds addr:port and registers the listener with the event
// loop. addr must be a dotted-decimal IPv4 address; empty means all
// interfaces.
func (s *Server) Listen(port int, addr string) error {
	if s.sock != nil {
		return ErrAlreadyListening
	}

	var bind [4]byte
	if addr != "" {
		ip, ok := ParseIPv4(addr)
		if !ok {
			return fmt.Errorf("http: invalid listen address %q", addr)
		}
		bind = ip.Bytes()
	}

	sock, err := socket.Listen(bind, port)
	if err != nil {
		return err
	}
	if err := s.loop.Add(sock, poll.Recv, token{listener: true}); err != nil {
		sock.Close()
		return err
	}
	s.sock = sock

	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("listening", "addr", addr, "port", port)
	return nil
}

// Port reports the listener's bound port, useful after Listen(0, ...).
func (s *Server) Port() (int, error) {
	if s.sock == nil {
		return 0, errors.New("http: server is not listening")
	}
	return s.sock.LocalPort()
}

// Close releases the listener and every live connection. The server
// must not be used afterwards.
func (s *Server) Close() error {
	s.clients.Range(func(h pool.Handle, c *client) bool {
		s.loop.Remove(c.sock)
		c.sock.Close()
		s.clients.Release(h)
		return true
	})
	s.state = stateNoTarget
	s.target = pool.Handle{}

	if s.sock == nil {
		return nil
	}
	s.loop.Remove(s.sock)
	err := s.sock.Close()
	s.sock = nil
	return err
}

// Wait finalizes any response in progress, then blocks until a
// connection has a complete, parsable request whose body has fully
// arrived, and fills req with it. Connections that send garbage are
// dropped here. req's slices point into the connection's input buffer
// and die at the next Wait.
func (s *Server) Wait(req *Request) error {
	s.Send()

	for {
		for s.candidates.Empty() {
			event, err := s.loop.Wait()
			if err != nil {
				return err
			}
			s.handleEvent(event)
		}

		h, _ := s.candidates.Pop()
		c := s.clients.Get(h)
		if c == nil {
			// Connection died between enqueue and now.
			continue
		}
		c.queued = false

		// The input is known to contain a terminator, or the client
		// would not have been queued.
		head := c.in.SliceUntil(headTerminator, true)

		if err := req.Parse(head); err != nil {
			s.logger.Warn("request rejected", "client", c.id, "error", err)
			s.removeClient(h)
			continue
		}

		bodyLen := req.ContentLength()
		if bodyLen < 0 {
			s.logger.Warn("request rejected", "client", c.id, "error", "malformed Content-Length")
			s.removeClient(h)
			continue
		}

		total := len(head) + bodyLen
		if c.in.Len() < total {
			// Head complete, body still in flight. The client is
			// queued again by its next readable event.
			continue
		}

		req.Body = c.in.Slice(len(head), total)
		s.target = h
		s.state = stateStatus
		s.reqBytes = total
		s.keepAlive = -1
		return nil
	}
}

func (s *Server) handleEvent(event poll.Event[token]) {
	if event.Token.listener {
		s.acceptIncoming()
		return
	}

	h := event.Token.conn
	c := s.clients.Get(h)
	if c == nil {
		return
	}
	switch event.Events {
	case poll.Recv:
		s.readable(h, c)
	case poll.Send:
		s.writable(h, c)
	default:
		s.removeClient(h)
	}
}

// acceptIncoming drains the listen backlog into the client pool.
func (s *Server) acceptIncoming() {
	for !s.clients.Full() {
		conn, err := s.sock.Accept()
		if err != nil {
			if err != socket.ErrWouldBlock {
				s.logger.Warn("accept failed", "error", err)
			}
			return
		}

		h, _ := s.clients.Allocate()
		c := s.clients.Get(h)
		if err := s.loop.Add(conn, poll.Recv, token{conn: h}); err != nil {
			conn.Close()
			s.clients.Release(h)
			continue
		}
		c.id = uuid.New()
		c.sock = conn

		s.accepted.Add(context.Background(), 1)
		s.logger.Debug("connection accepted", "client", c.id)

		// The kernel may already hold bytes for this connection;
		// treat it as readable right away.
		s.handleEvent(poll.Event[token]{Events: poll.Recv, Token: token{conn: h}})
	}
}

// readable ingests pending bytes and queues the client as a response
// candidate once its input holds a complete request head.
func (s *Server) readable(h pool.Handle, c *client) {
	closed := c.in.Fill(c.sock)
	if closed || c.in.Failed() {
		s.removeClient(h)
		return
	}

	if c.in.Seek(headTerminator) < 0 {
		if c.in.Len() > s.maxHeadBytes {
			s.logger.Warn("request head too large", "client", c.id, "bytes", c.in.Len())
			s.removeClient(h)
		}
		return
	}

	if !c.queued {
		s.candidates.Push(h)
		c.queued = true
	}
}

// writable flushes buffered output and, once empty, either closes the
// connection or stops watching for writability.
func (s *Server) writable(h pool.Handle, c *client) {
	c.out.Drain(c.sock)
	if c.out.Failed() {
		s.removeClient(h)
		return
	}
	if c.out.Len() == 0 {
		if c.closeWhenFlushed {
			s.removeClient(h)
			return
		}
		s.loop.RemoveEvents(c.sock, poll.Send)
	}
}

func (s *Server) removeClient(h pool.Handle) {
	c := s.clients.Get(h)
	if c == nil {
		return
	}
	s.loop.Remove(c.sock)
	if c.queued {
		s.candidates.Remove(h)
	}
	s.logger.Debug("connection closed", "client", c.id)
	c.sock.Close()
	s.clients.Release(h)
	s.dropped.Add(context.Background(), 1)
}

// shouldKeepAlive decides whether a connection may be reused: not when
// the pool is more than 70% full, and not after five served responses.
func shouldKeepAlive(numClients, maxClients, numServed int) bool {
	if 10*numClients > 7*maxClients {
		return false
	}
	if numServed >= 5 {
		return false
	}
	return true
}

// Status writes the status line of the response to the request Wait
// last returned. Valid once per request, before any Header or Write; a
// second call is ignored.
func (s *Server) Status(code int) {
	if s.state != stateStatus {
		return
	}
	c := s.clients.Get(s.target)
	if c == nil {
		return
	}

	c.out.AppendString("HTTP/1.1 ")
	c.out.AppendString(strconv.Itoa(code))
	c.out.AppendString(" ")
	c.out.AppendString(StatusText(code))
	c.out.AppendString(crlf)

	s.state = stateHeaders
}

// Header appends a response header. Without a preceding Status the
// response gets a 200; after the first Write the call is ignored.
// Content-Length is reserved to the engine and dropped. Connection is
// recorded as the keep-alive choice instead of being written: "Close"
// turns keep-alive off, anything else turns it on.
func (s *Server) Header(name, value string) {
	if s.state == stateNoTarget {
		return
	}
	if s.state == stateStatus {
		s.Status(StatusOK)
	}
	if s.state == stateContent {
		return
	}

	if name == "Content-Length" {
		return
	}
	if name == "Connection" {
		if value == "Close" {
			s.keepAlive = 0
		} else {
			s.keepAlive = 1
		}
		return
	}

	c := s.clients.Get(s.target)
	if c == nil {
		return
	}
	c.out.AppendString(name)
	c.out.AppendString(": ")
	c.out.AppendString(value)
	c.out.AppendString(crlf)
}

// Write appends bytes to the response body. The first call settles the
// keep-alive policy, emits the Connection header and the reserved
// Content-Length slot, and closes the header section.
func (s *Server) Write(p []byte) {
	if s.state == stateNoTarget {
		return
	}
	if s.state == stateStatus {
		s.Status(StatusOK)
	}

	c := s.clients.Get(s.target)
	if c == nil {
		return
	}

	if s.state == stateHeaders {
		if s.keepAlive == -1 {
			s.keepAlive = 1
		}
		// Even an explicit Keep-Alive yields to server pressure.
		if s.keepAlive == 1 && !shouldKeepAlive(s.clients.Len(), s.clients.Cap(), c.numServed) {
			s.keepAlive = 0
		}

		if s.keepAlive == 0 {
			c.out.AppendString(connectionClose)
		} else {
			c.out.AppendString(connectionKeepAlive)
		}

		c.out.AppendString(contentLengthPrefix)
		s.offsetContentLength = c.out.Len()
		c.out.AppendString(contentLengthSlot)

		// Empty line: end of the header section.
		c.out.AppendString(crlf)

		s.offsetContent = c.out.Len()
		s.state = stateContent
	}

	c.out.Append(p)
}

func (s *Server) WriteString(str string) {
	s.Write([]byte(str))
}

// Send finalizes the response: the Content-Length slot is patched, the
// connection is armed for writing, and the served request leaves the
// input buffer. The slot is nine digits wide, so a body larger than
// 999999999 bytes cannot be represented; such a response drops the
// connection. On a keep-alive connection with another complete head
// already buffered, the client is queued again (pipelining).
func (s *Server) Send() {
	if s.state == stateNoTarget {
		return
	}

	// Force the headers and preamble out even for an empty body.
	s.Write(nil)

	h := s.target
	if c := s.clients.Get(h); c != nil {
		switch {
		case c.out.Failed():
			s.logger.Warn("response failed", "client", c.id)
			s.removeClient(h)

		default:
			contentLength := c.out.Len() - s.offsetContent
			digits := strconv.Itoa(contentLength)
			if len(digits) > contentLengthWidth {
				s.logger.Warn("response too large", "client", c.id, "length", contentLength)
				s.removeClient(h)
				break
			}
			c.out.Overwrite(s.offsetContentLength, []byte(digits))

			s.loop.AddEvents(c.sock, poll.Send)

			if s.keepAlive == 0 {
				c.closeWhenFlushed = true
				s.loop.RemoveEvents(c.sock, poll.Recv)
			}

			c.in.Consume(s.reqBytes)

			if s.keepAlive == 1 && c.in.Contains(headTerminator) {
				// The client cannot already be queued: it was popped
				// to become the target.
				s.candidates.Push(h)
				c.queued = true
			}

			c.numServed++
			s.served.Add(context.Background(), 1)
		}
	}

	s.state = stateNoTarget
	s.target = pool.Handle{}
	s.keepAlive = -1
	s.reqBytes = -1
}
