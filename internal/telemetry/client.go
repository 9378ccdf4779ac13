package telemetry

import (
	"bufio"
	"context"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/balancectl/internal/errors"
	"codeberg.org/mutker/balancectl/internal/logger"
	"github.com/google/uuid"
)

type fetchResult struct {
	complete fetchComplete
	err      error
}

// Client is a caching telemetry consumer. It keeps one connection to a
// server, ingests live records in the background and answers range
// queries from its cache, fetching only what is not resident.
type Client struct {
	cfg     ClientConfig
	addr    string
	session string
	log     logger.Logger
	cache   *Cache

	mu       sync.Mutex
	conn     net.Conn
	schemas  map[string]*Schema
	byID     map[uint16]*Schema
	waiters  map[string][]func(*Schema)
	pending  map[uint32]chan fetchResult
	nextID   uint32
	liveFrom map[uint16]float64

	writeMu    sync.Mutex
	collecting atomic.Bool
	fetches    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to addr and reads the stream definitions before
// returning. Ingestion starts immediately.
func Dial(ctx context.Context, addr string, cfg ClientConfig, log logger.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}

	c := &Client{
		cfg:      cfg,
		addr:     addr,
		session:  uuid.NewString(),
		log:      log,
		cache:    NewCache(),
		schemas:  make(map[string]*Schema),
		byID:     make(map[uint16]*Schema),
		waiters:  make(map[string][]func(*Schema)),
		pending:  make(map[uint32]chan fetchResult),
		liveFrom: make(map[uint16]float64),
		done:     make(chan struct{}),
	}
	c.collecting.Store(true)

	conn, r, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.receiveLoop(conn, r)

	return c, nil
}

func (c *Client) connect(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	errFactory := errors.New()

	d := net.Dialer{Timeout: c.cfg.ReadTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, nil, errFactory.Wrap(ErrNotConnected, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		conn.Close()
		return nil, nil, errFactory.Wrap(ErrNotConnected, err)
	}
	r := bufio.NewReader(conn)
	schemas, err := readHandshake(r)
	if err != nil {
		conn.Close()
		return nil, nil, errFactory.Wrap(ErrProtocol, err)
	}

	c.installSchemas(schemas)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.Info().
		Str("session", c.session).
		Str("addr", c.addr).
		Int("streams", len(schemas)).
		Msg("Telemetry connected")

	return conn, r, nil
}

// installSchemas replaces the known definitions. A stream whose layout
// changed loses its cached records.
func (c *Client) installSchemas(schemas []*Schema) {
	var notify []func()

	c.mu.Lock()
	byName := make(map[string]*Schema, len(schemas))
	byID := make(map[uint16]*Schema, len(schemas))
	for _, s := range schemas {
		if old, ok := c.schemas[s.Name()]; ok && !old.sameLayout(s) {
			c.cache.Reset(s.Name())
		}
		byName[s.Name()] = s
		byID[s.ID()] = s

		for _, fn := range c.waiters[s.Name()] {
			notify = append(notify, func() { fn(s) })
		}
		delete(c.waiters, s.Name())
	}
	c.schemas = byName
	c.byID = byID
	c.mu.Unlock()

	for _, fn := range notify {
		go fn()
	}
}

func (c *Client) receiveLoop(conn net.Conn, r *bufio.Reader) {
	defer close(c.done)

	backoff := c.cfg.MinBackoff
	failing := false

	for {
		err := c.ingest(conn, r)
		c.disconnected(conn)
		if c.ctx.Err() != nil {
			return
		}

		if !failing {
			c.log.Warn().Err(err).Str("session", c.session).Msg("Telemetry connection lost, reconnecting")
			failing = true
		}

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			conn, r, err = c.connect(c.ctx)
			if err == nil {
				break
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)
		}

		backoff = c.cfg.MinBackoff
		failing = false
	}
}

// ingest reads frames until the connection fails. Read timeouts while
// waiting for the next frame are not failures.
func (c *Client) ingest(conn net.Conn, r *bufio.Reader) error {
	for {
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}

		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return err
		}
		h, err := r.ReadByte()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return err
		}
		f, err := readFrameBody(r, h)
		if err != nil {
			return err
		}

		if err := c.handle(f); err != nil {
			return err
		}
	}
}

func (c *Client) handle(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f.control {
		if ch, ok := c.pending[f.complete.ID]; ok {
			delete(c.pending, f.complete.ID)
			ch <- fetchResult{complete: f.complete}
		}
		return nil
	}

	s, ok := c.byID[f.streamID]
	if !ok {
		return errors.New().WithData(ErrUnknownStream, f.streamID)
	}
	rec, err := DecodePayload(s, f.payload)
	if err != nil {
		return err
	}

	if f.replay {
		c.cache.Insert(s.Name(), rec)
		return nil
	}

	if !c.collecting.Load() {
		delete(c.liveFrom, f.streamID)
		return nil
	}

	from, ok := c.liveFrom[f.streamID]
	if !ok {
		from = rec.Timestamp
		c.liveFrom[f.streamID] = from
	}
	c.cache.Insert(s.Name(), rec)
	c.cache.Cover(s.Name(), from, rec.Timestamp)

	return nil
}

func (c *Client) disconnected(conn net.Conn) {
	conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- fetchResult{err: errors.New().New(ErrConnectionLost)}
	}
	clear(c.liveFrom)
}

func (c *Client) fetch(ctx context.Context, streamID uint16, from, to float64) (fetchComplete, error) {
	errFactory := errors.New()

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return fetchComplete{}, errFactory.New(ErrNotConnected)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan fetchResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	c.fetches.Add(1)
	req := fetchRequest{ID: id, Stream: streamID, From: from, To: to}

	c.writeMu.Lock()
	err := conn.SetWriteDeadline(time.Now().Add(c.cfg.FetchTimeout))
	if err == nil {
		_, err = conn.Write(req.encode())
	}
	c.writeMu.Unlock()
	if err != nil {
		cleanup()
		return fetchComplete{}, errFactory.Wrap(ErrConnectionLost, err)
	}

	timer := time.NewTimer(c.cfg.FetchTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.complete, res.err
	case <-timer.C:
		cleanup()
		return fetchComplete{}, errFactory.WithData(ErrFetchTimeout, req)
	case <-ctx.Done():
		cleanup()
		return fetchComplete{}, ctx.Err()
	}
}

// Retrieve calls fn for every record of stream with from <= timestamp <=
// to, oldest first. Sub-ranges that are not resident are fetched from the
// server first. When a fetch fails the records already cached are still
// delivered and the fetch error is returned.
func (c *Client) Retrieve(ctx context.Context, stream string, from, to float64, fn func(Record) error) error {
	c.mu.Lock()
	s, ok := c.schemas[stream]
	c.mu.Unlock()
	if !ok {
		return errors.New().WithData(ErrUnknownStream, stream)
	}

	var fetchErr error
	for _, gap := range c.cache.Missing(stream, from, to) {
		complete, err := c.fetch(ctx, s.ID(), gap.From, gap.To)
		if err != nil {
			fetchErr = err
			break
		}
		if hi := math.Min(gap.To, complete.ServedTo); hi >= gap.From {
			c.cache.Cover(stream, gap.From, hi)
		}
	}

	for _, rec := range c.cache.Range(stream, from, to) {
		if err := fn(rec); err != nil {
			return err
		}
	}

	return fetchErr
}

// Trim drops cached records of stream older than cutoff.
func (c *Client) Trim(stream string, cutoff float64) {
	c.cache.Trim(stream, cutoff)
}

// Start resumes ingestion of live records.
func (c *Client) Start() {
	c.collecting.Store(true)
}

// Stop pauses ingestion. The connection stays open and live records are
// read and discarded; fetches are still served.
func (c *Client) Stop() {
	c.collecting.Store(false)

	c.mu.Lock()
	clear(c.liveFrom)
	c.mu.Unlock()
}

func (c *Client) Collecting() bool {
	return c.collecting.Load()
}

// FetchCount returns the number of range requests sent to the server.
func (c *Client) FetchCount() int64 {
	return c.fetches.Load()
}

func (c *Client) Cache() *Cache {
	return c.cache
}

// Streams returns the definitions received from the server.
func (c *Client) Streams() []*Schema {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Schema, 0, len(c.schemas))
	for _, s := range c.schemas {
		out = append(out, s)
	}

	return out
}

// StreamDefinition calls fn on its own goroutine once the named stream
// is known.
func (c *Client) StreamDefinition(name string, fn func(*Schema)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.schemas[name]; ok {
		go fn(s)
		return
	}
	c.waiters[name] = append(c.waiters[name], fn)
}

// WaitStreamDefinition blocks until the named stream is known.
func (c *Client) WaitStreamDefinition(ctx context.Context, name string) (*Schema, error) {
	ch := make(chan *Schema, 1)
	c.StreamDefinition(name, func(s *Schema) { ch <- s })

	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the receive loop and closes the connection. Connecting to
// another host requires a new Client.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	<-c.done

	c.log.Debug().Str("session", c.session).Msg("Telemetry client closed")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.New().Wrap(ErrServiceShutdown, err)
	}

	return nil
}
