package telemetry

import (
	"bufio"
	"context"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/balancectl/internal/errors"
	"codeberg.org/mutker/balancectl/internal/logger"
	"github.com/google/uuid"
)

// Stream is a registered schema on a server. Log is safe for concurrent
// use but records are expected from a single producer.
type Stream struct {
	schema *Schema
	server *Server
	latest atomic.Uint64
}

func (st *Stream) Schema() *Schema {
	return st.schema
}

// Latest returns the timestamp of the newest logged record, or -Inf.
func (st *Stream) Latest() float64 {
	return math.Float64frombits(st.latest.Load())
}

// Log encodes one record and hands it to every connected client. It never
// blocks on the network; clients that cannot keep up are dropped.
func (st *Stream) Log(ts float64, values ...any) error {
	frame, err := EncodeRecord(st.schema, ts, values...)
	if err != nil {
		return err
	}
	payload := frame[len(frame)-st.schema.RecordSize():]

	var histErr error
	if h := st.server.history; h != nil {
		if err := h.Append(st.schema.ID(), ts, payload); err != nil {
			histErr = errors.New().Wrap(ErrHistoryStore, err)
		}
	}
	st.latest.Store(math.Float64bits(ts))

	st.server.broadcast(st, ts, values, frame)

	return histErr
}

// Event is a logged record as delivered to in-process subscribers.
type Event struct {
	Schema    *Schema
	Timestamp float64
	Values    []any
}

// Subscription receives events until Close is called or the subscriber
// falls behind, in which case C is closed.
type Subscription struct {
	C      <-chan Event
	c      chan Event
	server *Server
	once   sync.Once
}

func (sub *Subscription) Close() {
	sub.server.mu.Lock()
	defer sub.server.mu.Unlock()
	sub.server.unsubscribeLocked(sub)
}

type serverClient struct {
	id      string
	conn    net.Conn
	out     chan []byte
	replies chan []byte
	done    chan struct{}
	once    sync.Once
}

func (c *serverClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Server streams records of registered schemas to TCP clients and answers
// range fetches from its History.
type Server struct {
	cfg     ServerConfig
	history History
	log     logger.Logger

	mu          sync.Mutex
	streams     []*Stream
	byID        map[uint16]*Stream
	byName      map[string]*Stream
	clients     map[*serverClient]struct{}
	subscribers map[*Subscription]struct{}
	listener    net.Listener
	handshake   []byte
	started     bool
	closed      bool

	wg sync.WaitGroup
}

func NewServer(cfg ServerConfig, history History, log logger.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}

	return &Server{
		cfg:         cfg,
		history:     history,
		log:         log,
		byID:        make(map[uint16]*Stream),
		byName:      make(map[string]*Stream),
		clients:     make(map[*serverClient]struct{}),
		subscribers: make(map[*Subscription]struct{}),
	}, nil
}

// RegisterStream adds a schema. Streams can only be registered before
// Start; the schema is frozen when the server starts.
func (s *Server) RegisterStream(schema *Schema) (*Stream, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, errFactory.WithData(ErrServerStarted, schema.Name())
	}
	if _, ok := s.byID[schema.ID()]; ok {
		return nil, errFactory.WithData(ErrDuplicateStream, schema.ID())
	}
	if _, ok := s.byName[schema.Name()]; ok {
		return nil, errFactory.WithData(ErrDuplicateStream, schema.Name())
	}

	st := &Stream{schema: schema, server: s}
	st.latest.Store(math.Float64bits(math.Inf(-1)))

	s.streams = append(s.streams, st)
	s.byID[schema.ID()] = st
	s.byName[schema.Name()] = st

	return st, nil
}

// Streams returns the registered schemas in registration order.
func (s *Server) Streams() []*Schema {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Schema, len(s.streams))
	for i, st := range s.streams {
		out[i] = st.schema
	}

	return out
}

// Start freezes all schemas and begins accepting clients.
func (s *Server) Start() error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errFactory.New(ErrServerStarted)
	}

	schemas := make([]*Schema, len(s.streams))
	for i, st := range s.streams {
		st.schema.freeze()
		schemas[i] = st.schema
	}
	handshake, err := encodeHandshake(schemas)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errFactory.Wrap(ErrListen, err)
	}

	s.handshake = handshake
	s.listener = ln
	s.started = true

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("streams", len(schemas)).
		Msg("Telemetry server started")

	return nil
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.clients)
}

// Subscribe registers an in-process observer with the given queue size.
func (s *Server) Subscribe(size int) *Subscription {
	if size <= 0 {
		size = s.cfg.ClientBuffer
	}
	c := make(chan Event, size)
	sub := &Subscription{C: c, c: c, server: s}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		close(c)
		return sub
	}
	s.subscribers[sub] = struct{}{}

	return sub
}

func (s *Server) unsubscribeLocked(sub *Subscription) {
	if _, ok := s.subscribers[sub]; !ok {
		return
	}
	delete(s.subscribers, sub)
	sub.once.Do(func() { close(sub.c) })
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var err error
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil {
			err = errors.New().Wrap(ErrServiceShutdown, cerr)
		}
	}
	for c := range s.clients {
		delete(s.clients, c)
		c.close()
	}
	for sub := range s.subscribers {
		s.unsubscribeLocked(sub)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("Telemetry server stopped")

	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Error().Err(err).Msg("Telemetry accept failed")
			return
		}

		s.addClient(conn)
	}
}

func (s *Server) addClient(conn net.Conn) {
	c := &serverClient{
		id:      uuid.NewString(),
		conn:    conn,
		out:     make(chan []byte, s.cfg.ClientBuffer),
		replies: make(chan []byte, s.cfg.ClientBuffer),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	handshake := s.handshake
	s.mu.Unlock()

	s.log.Info().
		Str("client", c.id).
		Str("remote", conn.RemoteAddr().String()).
		Msg("Telemetry client connected")

	s.wg.Add(2)
	go s.writeLoop(c, handshake)
	go s.readLoop(c)
}

func (s *Server) dropClient(c *serverClient, reason string) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()

	c.close()
	if ok {
		s.log.Info().Str("client", c.id).Str("reason", reason).Msg("Telemetry client dropped")
	}
}

func (s *Server) broadcast(st *Stream, ts float64, values []any, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		select {
		case c.out <- frame:
		default:
			delete(s.clients, c)
			c.close()
			s.log.Warn().Str("client", c.id).Msg("Telemetry client too slow, dropped")
		}
	}

	if len(s.subscribers) == 0 {
		return
	}
	ev := Event{Schema: st.schema, Timestamp: ts, Values: append([]any(nil), values...)}
	for sub := range s.subscribers {
		select {
		case sub.c <- ev:
		default:
			s.unsubscribeLocked(sub)
		}
	}
}

func (s *Server) write(c *serverClient, b []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(b)

	return err
}

func (s *Server) writeLoop(c *serverClient, handshake []byte) {
	defer s.wg.Done()

	if err := s.write(c, handshake); err != nil {
		s.dropClient(c, err.Error())
		return
	}

	for {
		var b []byte
		select {
		case <-c.done:
			return
		case b = <-c.replies:
		case b = <-c.out:
		}

		if err := s.write(c, b); err != nil {
			s.dropClient(c, err.Error())
			return
		}
	}
}

func (s *Server) readLoop(c *serverClient) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	r := bufio.NewReader(c.conn)
	for {
		req, err := readFetchRequest(r)
		if err != nil {
			reason := "closed"
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				reason = err.Error()
			}
			s.dropClient(c, reason)
			return
		}

		if err := s.serveFetch(ctx, c, req); err != nil {
			s.dropClient(c, err.Error())
			return
		}
	}
}

// serveFetch replays stored records of [From, To] followed by a
// fetch-complete frame. ServedTo is sampled before the query so every
// record up to it is in the history.
func (s *Server) serveFetch(ctx context.Context, c *serverClient, req fetchRequest) error {
	s.mu.Lock()
	st := s.byID[req.Stream]
	s.mu.Unlock()

	send := func(b []byte) error {
		select {
		case c.replies <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := fetchComplete{ID: req.ID, ServedTo: math.Inf(-1)}
	if st == nil || s.history == nil {
		s.log.Debug().
			Uint32("request", req.ID).
			Uint16("stream", req.Stream).
			Msg("Fetch for stream without history")
		return send(done.encode())
	}

	done.ServedTo = st.Latest()
	to := math.Min(req.To, done.ServedTo)
	size := st.schema.RecordSize()

	err := s.history.Query(ctx, req.Stream, req.From, to, func(_ float64, payload []byte) error {
		if len(payload) != size {
			return errors.New().WithData(ErrRecordSize, len(payload))
		}
		b := frameHeader(make([]byte, 0, size+7), req.Stream, size, true)
		b = append(b, payload...)
		done.Count++

		return send(b)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Error().Err(err).Uint32("request", req.ID).Msg("Telemetry history query failed")
		done.ServedTo = math.Inf(-1)
	}

	return send(done.encode())
}
